package sessionorm

import (
	"fmt"
	"hash/maphash"
	"sort"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v2"
)

type FlushMode int

const (
	// FlushAuto writes dirty records before entity queries that may read them.
	FlushAuto FlushMode = iota
	// FlushCommit writes dirty records only at commit or on explicit Flush.
	FlushCommit
	// FlushManual writes dirty records only on explicit Flush.
	FlushManual
)

func (m FlushMode) String() string {
	switch m {
	case FlushCommit:
		return "COMMIT"
	case FlushManual:
		return "MANUAL"
	default:
		return "AUTO"
	}
}

// SessionCache is the identity map of one transaction. It is not safe for
// concurrent use.
type SessionCache struct {
	tx      *transaction
	records *xsync.MapOf[uint64, *xsync.MapOf[uint64, *Record]]
}

func newSessionCache(tx *transaction) *SessionCache {
	return &SessionCache{tx: tx, records: newRecordsMap()}
}

func newRecordsMap() *xsync.MapOf[uint64, *xsync.MapOf[uint64, *Record]] {
	return xsync.NewTypedMapOf[uint64, *xsync.MapOf[uint64, *Record]](func(seed maphash.Seed, u uint64) uint64 {
		return u
	})
}

// Load returns the cached record or reads it from the store. A cached record
// is never refreshed.
func (c *SessionCache) Load(entity any, id uint64) (*Record, error) {
	schema, err := c.tx.getSchema(entity)
	if err != nil {
		return nil, err
	}
	if err = c.tx.checkActive(); err != nil {
		return nil, err
	}
	return c.load(schema, id)
}

func (c *SessionCache) load(schema *entitySchema, id uint64) (*Record, error) {
	query := fmt.Sprintf("%s %d", schema.name, id)
	if r, has := c.get(schema, id); has {
		c.tx.logSession("GET", query, false, nil)
		fillSessionCacheMetrics(c.tx.ctx, schema.name, true)
		return r, nil
	}
	row, found, err := c.tx.storeTx.ReadRow(c.tx.ctx, schema, id)
	if err != nil {
		c.tx.logSession("GET", query, true, err)
		return nil, err
	}
	c.tx.logSession("GET", query, true, nil)
	fillSessionCacheMetrics(c.tx.ctx, schema.name, false)
	if !found {
		return nil, errors.Wrapf(ErrNotFound, "%s with ID %d", schema.name, id)
	}
	return c.attach(schema, id, row), nil
}

func (c *SessionCache) get(schema *entitySchema, id uint64) (*Record, bool) {
	records, has := c.records.Load(schema.index)
	if !has {
		return nil, false
	}
	return records.Load(id)
}

// attach caches a record built from row unless one is already cached.
func (c *SessionCache) attach(schema *entitySchema, id uint64, row Bind) *Record {
	if r, has := c.get(schema, id); has {
		return r
	}
	r := &Record{cache: c, schema: schema, id: id, values: row.clone(), snapshot: row.clone()}
	records, _ := c.records.LoadOrCompute(schema.index, func() *xsync.MapOf[uint64, *Record] {
		return xsync.NewTypedMapOf[uint64, *Record](func(seed maphash.Seed, u uint64) uint64 {
			return u
		})
	})
	records.Store(id, r)
	return r
}

// MarkDirty recomputes dirtiness: a record is dirty only when a value differs
// from the persisted snapshot.
func (c *SessionCache) MarkDirty(r *Record) {
	if r.cache != c {
		return
	}
	old, _ := diffBinds(r.snapshot, r.values)
	r.dirty = len(old) > 0
}

// FlushIfNeeded writes every dirty record before an entity query in AUTO
// mode, provided at least one of them belongs to the query space.
func (c *SessionCache) FlushIfNeeded(q Query) error {
	if err := c.tx.checkActive(); err != nil {
		return err
	}
	if q.Kind != EntityLookup || c.tx.flushMode != FlushAuto || c.tx.readOnly {
		return nil
	}
	dirty := c.DirtyRecords()
	if len(dirty) == 0 {
		return nil
	}
	if q.Native == nil {
		schema, err := c.tx.getSchema(q.Entity)
		if err != nil {
			return err
		}
		overlaps := false
		for _, r := range dirty {
			if r.schema == schema {
				overlaps = true
				break
			}
		}
		if !overlaps {
			return nil
		}
	}
	return c.flush(dirty)
}

// FlushAll writes every dirty record. It is a no-op when nothing is dirty.
func (c *SessionCache) FlushAll() error {
	if err := c.tx.checkActive(); err != nil {
		return err
	}
	if c.tx.readOnly {
		return nil
	}
	return c.flush(c.DirtyRecords())
}

func (c *SessionCache) flush(records []*Record) error {
	for _, r := range records {
		old, changed := r.Changes()
		values := changed
		if !r.schema.dynamicUpdate {
			values = r.values.clone()
			delete(values, "ID")
		}
		err := c.tx.storeTx.UpdateRow(c.tx.ctx, r.schema, r.id, values)
		c.tx.logSession("FLUSH", r.String(), false, err)
		if err != nil {
			return err
		}
		r.snapshot = r.values.clone()
		r.dirty = false
		fillFlushMetrics(c.tx.ctx, r.schema.name)
		c.tx.addChange(r.schema, changeActionEdit, r.id, old, changed)
	}
	return nil
}

func (c *SessionCache) Contains(entity any, id uint64) bool {
	schema, err := c.tx.getSchema(entity)
	if err != nil {
		return false
	}
	_, has := c.get(schema, id)
	return has
}

func (c *SessionCache) Len() int {
	total := 0
	c.records.Range(func(_ uint64, records *xsync.MapOf[uint64, *Record]) bool {
		total += records.Size()
		return true
	})
	return total
}

// Detach removes r from the identity map. Pending changes of r are discarded.
func (c *SessionCache) Detach(r *Record) {
	if r.cache != c {
		return
	}
	if records, has := c.records.Load(r.schema.index); has {
		records.Delete(r.id)
	}
	r.cache = nil
}

// Clear detaches every record.
func (c *SessionCache) Clear() {
	c.records.Range(func(_ uint64, records *xsync.MapOf[uint64, *Record]) bool {
		records.Range(func(_ uint64, r *Record) bool {
			r.cache = nil
			return true
		})
		return true
	})
	c.records = newRecordsMap()
}

// DirtyRecords returns dirty records ordered by entity and ID.
func (c *SessionCache) DirtyRecords() []*Record {
	dirty := make([]*Record, 0)
	c.records.Range(func(_ uint64, records *xsync.MapOf[uint64, *Record]) bool {
		records.Range(func(_ uint64, r *Record) bool {
			if r.dirty {
				dirty = append(dirty, r)
			}
			return true
		})
		return true
	})
	sort.Slice(dirty, func(i, j int) bool {
		if dirty[i].schema.index != dirty[j].schema.index {
			return dirty[i].schema.index < dirty[j].schema.index
		}
		return dirty[i].id < dirty[j].id
	})
	return dirty
}
