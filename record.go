package sessionorm

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// Record is the live, identity-mapped state of one row inside a transaction.
// It must be mutated only through Set.
type Record struct {
	cache    *SessionCache
	schema   *entitySchema
	id       uint64
	values   Bind
	snapshot Bind
	dirty    bool
}

func (r *Record) ID() uint64 {
	return r.id
}

func (r *Record) Entity() EntitySchema {
	return r.schema
}

func (r *Record) Get(field string) any {
	return r.values[field]
}

func (r *Record) Set(field string, value any) error {
	if r.cache == nil {
		return errors.Errorf("%s is detached", r.String())
	}
	if err := r.cache.tx.checkActive(); err != nil {
		return err
	}
	if r.cache.tx.readOnly {
		return ErrReadOnlyTransaction
	}
	if field == "ID" {
		return errors.New("ID can't be changed")
	}
	normalized, err := r.schema.normalizeValue(field, value)
	if err != nil {
		return err
	}
	r.values[field] = normalized
	r.cache.MarkDirty(r)
	return nil
}

func (r *Record) IsDirty() bool {
	return r.dirty
}

// Changes returns persisted and current values of every modified column.
func (r *Record) Changes() (old, new Bind) {
	return diffBinds(r.snapshot, r.values)
}

func (r *Record) Values() Bind {
	return r.values.clone()
}

// Populate copies current values into dst, a pointer to the entity struct.
func (r *Record) Populate(dst any) error {
	return r.schema.fillStruct(dst, r.values)
}

func (r *Record) MarshalJSON() ([]byte, error) {
	return jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(map[string]any(r.values))
}

func (r *Record) String() string {
	return fmt.Sprintf("%s(%d)", r.schema.name, r.id)
}
