package sessionorm

import "strings"

type Where struct {
	query      string
	parameters []any
}

func NewWhere(query string, parameters ...any) *Where {
	return &Where{query: query, parameters: parameters}
}

func (w *Where) String() string {
	return w.query
}

func (w *Where) GetParameters() []any {
	return w.parameters
}

func (w *Where) Append(query string, parameters ...any) {
	w.query += " " + strings.TrimSpace(query)
	w.parameters = append(w.parameters, parameters...)
}

// Condition is an equality filter on one column. A nil Value matches NULL.
type Condition struct {
	Field string
	Value any
}

func Eq(field string, value any) Condition {
	return Condition{Field: field, Value: value}
}

func ByID(id uint64) Condition {
	return Condition{Field: "ID", Value: id}
}
