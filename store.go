package sessionorm

import (
	"database/sql"
)

// Store is a durable row store reachable through parametrized statements.
type Store interface {
	GetCode() string
	Begin(ctx Context, isolation Isolation, readOnly bool) (StoreTransaction, error)
	CreateTable(ctx Context, schema *entitySchema) error
	DropTable(ctx Context, schema *entitySchema) error
	TruncateTable(ctx Context, schema *entitySchema) error
}

// StoreTransaction is one unit of work against a Store. Rows are returned
// normalized to the schema column types.
type StoreTransaction interface {
	Isolation() Isolation
	ReadRow(ctx Context, schema *entitySchema, id uint64) (row Bind, found bool, err error)
	UpdateRow(ctx Context, schema *entitySchema, id uint64, values Bind) error
	InsertRow(ctx Context, schema *entitySchema, values Bind) (id uint64, err error)
	DeleteRow(ctx Context, schema *entitySchema, id uint64) error
	Select(ctx Context, schema *entitySchema, fields []string, criteria []Condition) ([]Bind, error)
	Native(ctx Context, schema *entitySchema, query *Where) ([]Bind, error)
	Commit(ctx Context) error
	Rollback(ctx Context) error
}

type Isolation int

const (
	IsolationDefault Isolation = iota
	ReadUncommitted
	ReadCommitted
	RepeatableRead
	Serializable
)

func (i Isolation) String() string {
	switch i {
	case ReadUncommitted:
		return "READ_UNCOMMITTED"
	case ReadCommitted:
		return "READ_COMMITTED"
	case RepeatableRead:
		return "REPEATABLE_READ"
	case Serializable:
		return "SERIALIZABLE"
	default:
		return "DEFAULT"
	}
}

func (i Isolation) sqlLevel() sql.IsolationLevel {
	switch i {
	case ReadUncommitted:
		return sql.LevelReadUncommitted
	case ReadCommitted:
		return sql.LevelReadCommitted
	case RepeatableRead:
		return sql.LevelRepeatableRead
	case Serializable:
		return sql.LevelSerializable
	default:
		return sql.LevelDefault
	}
}

func parseIsolation(value string) (Isolation, bool) {
	for _, i := range []Isolation{IsolationDefault, ReadUncommitted, ReadCommitted, RepeatableRead, Serializable} {
		if i.String() == value {
			return i, true
		}
	}
	return IsolationDefault, false
}
