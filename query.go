package sessionorm

import (
	"github.com/pkg/errors"
)

type QueryKind int

const (
	// EntityLookup returns live records from the identity map.
	EntityLookup QueryKind = iota
	// Projection returns plain rows straight from the store.
	Projection
)

func (k QueryKind) String() string {
	if k == Projection {
		return "PROJECTION"
	}
	return "ENTITY"
}

type Query struct {
	Kind     QueryKind
	Entity   any
	Fields   []string
	Criteria []Condition
	Native   *Where
}

func NewEntityQuery(entity any, criteria ...Condition) Query {
	return Query{Kind: EntityLookup, Entity: entity, Criteria: criteria}
}

func NewProjectionQuery(entity any, fields []string, criteria ...Condition) Query {
	return Query{Kind: Projection, Entity: entity, Fields: fields, Criteria: criteria}
}

// NewNativeQuery runs raw SQL. Entity queries must select the ID column.
func NewNativeQuery(kind QueryKind, entity any, query string, parameters ...any) Query {
	return Query{Kind: kind, Entity: entity, Native: NewWhere(query, parameters...)}
}

type QueryResult struct {
	Kind    QueryKind
	Records []*Record
	Rows    []Bind
}

func (r *QueryResult) Len() int {
	if r.Kind == Projection {
		return len(r.Rows)
	}
	return len(r.Records)
}

func (r *QueryResult) First() (*Record, bool) {
	if len(r.Records) == 0 {
		return nil, false
	}
	return r.Records[0], true
}

// SingleRecord fails with ErrNotFound when the result has no records.
func (r *QueryResult) SingleRecord() (*Record, error) {
	switch len(r.Records) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return r.Records[0], nil
	}
	return nil, errors.Errorf("expected one record, %d found", len(r.Records))
}

// SingleValue returns field of the first row.
func (r *QueryResult) SingleValue(field string) (any, error) {
	if len(r.Rows) == 0 {
		return nil, ErrNotFound
	}
	value, has := r.Rows[0][field]
	if !has {
		return nil, errors.Wrap(ErrUnknownField, field)
	}
	return value, nil
}

func (t *transaction) executeQuery(q Query) (*QueryResult, error) {
	schema, err := t.getSchema(q.Entity)
	if err != nil {
		return nil, err
	}
	if err = t.checkActive(); err != nil {
		return nil, err
	}
	for _, field := range q.Fields {
		if _, has := schema.columnsByName[field]; !has {
			return nil, errors.Wrapf(ErrUnknownField, "%s.%s", schema.name, field)
		}
	}
	for _, c := range q.Criteria {
		if _, has := schema.columnsByName[c.Field]; !has {
			return nil, errors.Wrapf(ErrUnknownField, "%s.%s", schema.name, c.Field)
		}
	}
	if q.Kind == Projection {
		rows, err := t.selectRows(schema, q)
		if err != nil {
			return nil, err
		}
		return &QueryResult{Kind: Projection, Rows: rows}, nil
	}
	if err = t.session.FlushIfNeeded(q); err != nil {
		return nil, err
	}
	fullRow := q
	fullRow.Fields = nil
	rows, err := t.selectRows(schema, fullRow)
	if err != nil {
		return nil, err
	}
	result := &QueryResult{Kind: EntityLookup, Records: make([]*Record, 0, len(rows))}
	for _, row := range rows {
		id, isID := row["ID"].(uint64)
		if !isID || id == 0 {
			return nil, errors.Errorf("entity query on %s must return the ID column", schema.name)
		}
		if !hasAllColumns(schema, row) {
			r, err := t.session.load(schema, id)
			if err != nil {
				return nil, err
			}
			result.Records = append(result.Records, r)
			continue
		}
		_, cached := t.session.get(schema, id)
		fillSessionCacheMetrics(t.ctx, schema.name, cached)
		result.Records = append(result.Records, t.session.attach(schema, id, row))
	}
	return result, nil
}

func (t *transaction) selectRows(schema *entitySchema, q Query) ([]Bind, error) {
	if q.Native != nil {
		return t.storeTx.Native(t.ctx, schema, q.Native)
	}
	criteria := make([]Condition, len(q.Criteria))
	for i, c := range q.Criteria {
		value, err := schema.normalizeValue(c.Field, c.Value)
		if err != nil {
			return nil, err
		}
		if c.Value == nil {
			value = nil
		}
		criteria[i] = Condition{Field: c.Field, Value: value}
	}
	return t.storeTx.Select(t.ctx, schema, q.Fields, criteria)
}

func hasAllColumns(schema *entitySchema, row Bind) bool {
	for _, name := range schema.columnNames {
		if _, has := row[name]; !has {
			return false
		}
	}
	return true
}
