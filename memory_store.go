package sessionorm

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// memoryStore keeps committed rows as version chains so every transaction can
// read at its own isolation level. Writes stay private to the transaction
// until commit. Concurrent writers are not blocked: the last committer wins,
// except that writing a row deleted in the meantime fails with ErrStaleWriteConflict.
type memoryStore struct {
	code        string
	mutex       sync.RWMutex
	tables      map[string]*memoryTable
	commitSeq   uint64
	writeSeq    uint64
	active      map[*memoryStoreTransaction]struct{}
	unavailable bool
}

type memoryTable struct {
	rows          map[uint64]*memoryRow
	autoIncrement uint64
}

type memoryVersion struct {
	seq     uint64
	values  Bind
	deleted bool
}

type memoryRow struct {
	versions []*memoryVersion
}

func (r *memoryRow) latest() *memoryVersion {
	return r.versions[len(r.versions)-1]
}

func (r *memoryRow) at(seq uint64) *memoryVersion {
	for i := len(r.versions) - 1; i >= 0; i-- {
		if r.versions[i].seq <= seq {
			return r.versions[i]
		}
	}
	return nil
}

// memoryWrite holds the row as this transaction sees it. For updates of a
// committed row, changes keeps only the written columns so commit applies
// them onto the latest committed version.
type memoryWrite struct {
	seq      uint64
	values   Bind
	changes  Bind
	deleted  bool
	inserted bool
}

func newMemoryStore(code string) *memoryStore {
	return &memoryStore{code: code, tables: make(map[string]*memoryTable), active: make(map[*memoryStoreTransaction]struct{})}
}

func (s *memoryStore) GetCode() string {
	return s.code
}

func (s *memoryStore) setAvailable(available bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.unavailable = !available
}

func (s *memoryStore) table(name string) *memoryTable {
	t, has := s.tables[name]
	if !has {
		t = &memoryTable{rows: make(map[uint64]*memoryRow)}
		s.tables[name] = t
	}
	return t
}

func (s *memoryStore) Begin(ctx Context, isolation Isolation, readOnly bool) (StoreTransaction, error) {
	start := time.Now()
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if isolation == IsolationDefault {
		isolation = RepeatableRead
	}
	query := "START TRANSACTION ISOLATION LEVEL " + isolation.String()
	if s.unavailable {
		s.log(ctx, "TRANSACTION", query, start, ErrStoreUnavailable)
		return nil, errors.Wrapf(ErrStoreUnavailable, "memory store '%s'", s.code)
	}
	tx := &memoryStoreTransaction{store: s, isolation: isolation, readOnly: readOnly, writes: make(map[string]map[uint64]*memoryWrite)}
	s.active[tx] = struct{}{}
	s.log(ctx, "TRANSACTION", query, start, nil)
	return tx, nil
}

func (s *memoryStore) CreateTable(_ Context, schema *entitySchema) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.table(schema.tableName)
	return nil
}

func (s *memoryStore) DropTable(_ Context, schema *entitySchema) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.tables, schema.tableName)
	return nil
}

func (s *memoryStore) TruncateTable(_ Context, schema *entitySchema) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.tables[schema.tableName] = &memoryTable{rows: make(map[uint64]*memoryRow)}
	return nil
}

func (s *memoryStore) log(ctx Context, operation, query string, start time.Time, err error) {
	end := time.Since(start)
	hasLogger, loggers := ctx.getStoreLoggers()
	if hasLogger {
		fillLogFields(ctx, loggers, s.code, sourceMemory, operation, query, &end, false, err)
	}
	metricsOperation := metricsOperationExec
	switch operation {
	case "SELECT":
		metricsOperation = metricsOperationSelect
	case "TRANSACTION":
		metricsOperation = metricsOperationTransaction
	}
	fillStoreMetrics(ctx, s.code, metricsOperation, end, err)
}

type memoryStoreTransaction struct {
	store       *memoryStore
	isolation   Isolation
	readOnly    bool
	snapshot    uint64
	hasSnapshot bool
	writes      map[string]map[uint64]*memoryWrite
	closed      bool
}

func (t *memoryStoreTransaction) Isolation() Isolation {
	return t.isolation
}

func (t *memoryStoreTransaction) check() error {
	if t.store.unavailable {
		return errors.Wrapf(ErrStoreUnavailable, "memory store '%s'", t.store.code)
	}
	if t.closed {
		return ErrTransactionClosed
	}
	return nil
}

func (t *memoryStoreTransaction) readSeq() uint64 {
	if t.isolation == RepeatableRead || t.isolation == Serializable {
		if !t.hasSnapshot {
			t.snapshot = t.store.commitSeq
			t.hasSnapshot = true
		}
		return t.snapshot
	}
	return t.store.commitSeq
}

func (t *memoryStoreTransaction) write(table string, id uint64) *memoryWrite {
	rows, has := t.writes[table]
	if !has {
		return nil
	}
	return rows[id]
}

func (t *memoryStoreTransaction) setWrite(table string, id uint64, w *memoryWrite) {
	rows, has := t.writes[table]
	if !has {
		rows = make(map[uint64]*memoryWrite)
		t.writes[table] = rows
	}
	t.store.writeSeq++
	w.seq = t.store.writeSeq
	rows[id] = w
}

// visible must be called with the store mutex held.
func (t *memoryStoreTransaction) visible(table string, id uint64) (Bind, bool) {
	if w := t.write(table, id); w != nil {
		if w.deleted {
			return nil, false
		}
		return w.values, true
	}
	if t.isolation == ReadUncommitted {
		var newest *memoryWrite
		for other := range t.store.active {
			if other == t {
				continue
			}
			if w := other.write(table, id); w != nil && (newest == nil || w.seq > newest.seq) {
				newest = w
			}
		}
		if newest != nil {
			if newest.deleted {
				return nil, false
			}
			return newest.values, true
		}
	}
	rows, has := t.store.tables[table]
	if !has {
		return nil, false
	}
	row, has := rows.rows[id]
	if !has {
		return nil, false
	}
	version := row.at(t.readSeq())
	if version == nil || version.deleted {
		return nil, false
	}
	return version.values, true
}

// current returns the latest committed state of a row, ignoring the read view.
func (t *memoryStoreTransaction) current(table string, id uint64) (Bind, bool) {
	if w := t.write(table, id); w != nil {
		if w.deleted {
			return nil, false
		}
		return w.values, true
	}
	rows, has := t.store.tables[table]
	if !has {
		return nil, false
	}
	row, has := rows.rows[id]
	if !has {
		return nil, false
	}
	version := row.latest()
	if version.deleted {
		return nil, false
	}
	return version.values, true
}

func (t *memoryStoreTransaction) ReadRow(ctx Context, schema *entitySchema, id uint64) (Bind, bool, error) {
	start := time.Now()
	t.store.mutex.RLock()
	defer t.store.mutex.RUnlock()
	query := fmt.Sprintf("SELECT %s WHERE ID = %d", schema.tableName, id)
	if err := t.check(); err != nil {
		t.store.log(ctx, "SELECT", query, start, err)
		return nil, false, err
	}
	row, found := t.visible(schema.tableName, id)
	t.store.log(ctx, "SELECT", query, start, nil)
	if !found {
		return nil, false, nil
	}
	return row.clone(), true, nil
}

func (t *memoryStoreTransaction) UpdateRow(ctx Context, schema *entitySchema, id uint64, values Bind) error {
	start := time.Now()
	t.store.mutex.Lock()
	defer t.store.mutex.Unlock()
	query := fmt.Sprintf("UPDATE %s SET %s WHERE ID = %d", schema.tableName, formatBind(values), id)
	err := t.updateRow(schema, id, values)
	t.store.log(ctx, "UPDATE", query, start, err)
	return err
}

func (t *memoryStoreTransaction) updateRow(schema *entitySchema, id uint64, values Bind) error {
	if err := t.check(); err != nil {
		return err
	}
	if t.readOnly {
		return ErrReadOnlyTransaction
	}
	base, found := t.current(schema.tableName, id)
	if !found {
		return errors.Wrapf(ErrStaleWriteConflict, "%s with ID %d no longer exists", schema.name, id)
	}
	previous := t.write(schema.tableName, id)
	w := &memoryWrite{values: base.clone(), inserted: previous != nil && previous.inserted}
	if !w.inserted {
		w.changes = make(Bind, len(values))
		if previous != nil {
			for k, v := range previous.changes {
				w.changes[k] = v
			}
		}
	}
	for k, v := range values {
		if k == "ID" {
			continue
		}
		w.values[k] = v
		if w.changes != nil {
			w.changes[k] = v
		}
	}
	t.setWrite(schema.tableName, id, w)
	return nil
}

func (t *memoryStoreTransaction) InsertRow(ctx Context, schema *entitySchema, values Bind) (uint64, error) {
	start := time.Now()
	t.store.mutex.Lock()
	defer t.store.mutex.Unlock()
	id, err := t.insertRow(schema, values)
	t.store.log(ctx, "INSERT", fmt.Sprintf("INSERT %s %s", schema.tableName, formatBind(values)), start, err)
	return id, err
}

func (t *memoryStoreTransaction) insertRow(schema *entitySchema, values Bind) (uint64, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	if t.readOnly {
		return 0, ErrReadOnlyTransaction
	}
	table := t.store.table(schema.tableName)
	id, _ := values["ID"].(uint64)
	if id == 0 {
		table.autoIncrement++
		id = table.autoIncrement
	} else {
		if _, exists := t.current(schema.tableName, id); exists {
			return 0, errors.Errorf("duplicate entry '%d' for key '%s.PRIMARY'", id, schema.tableName)
		}
		for other := range t.store.active {
			if w := other.write(schema.tableName, id); w != nil && w.inserted && !w.deleted {
				return 0, errors.Errorf("duplicate entry '%d' for key '%s.PRIMARY'", id, schema.tableName)
			}
		}
		if id > table.autoIncrement {
			table.autoIncrement = id
		}
	}
	row := make(Bind, len(schema.columns))
	for _, c := range schema.columns {
		value, has := values[c.name]
		if !has {
			value = c.zero()
			if c.nullable {
				value = nil
			}
		}
		row[c.name] = value
	}
	row["ID"] = id
	t.setWrite(schema.tableName, id, &memoryWrite{values: row, inserted: true})
	return id, nil
}

func (t *memoryStoreTransaction) DeleteRow(ctx Context, schema *entitySchema, id uint64) error {
	start := time.Now()
	t.store.mutex.Lock()
	defer t.store.mutex.Unlock()
	err := t.check()
	if err == nil && t.readOnly {
		err = ErrReadOnlyTransaction
	}
	if err == nil {
		if _, found := t.current(schema.tableName, id); !found {
			err = errors.Wrapf(ErrStaleWriteConflict, "%s with ID %d no longer exists", schema.name, id)
		} else {
			previous := t.write(schema.tableName, id)
			t.setWrite(schema.tableName, id, &memoryWrite{deleted: true, inserted: previous != nil && previous.inserted})
		}
	}
	t.store.log(ctx, "DELETE", fmt.Sprintf("DELETE %s WHERE ID = %d", schema.tableName, id), start, err)
	return err
}

func (t *memoryStoreTransaction) Select(ctx Context, schema *entitySchema, fields []string, criteria []Condition) ([]Bind, error) {
	start := time.Now()
	t.store.mutex.RLock()
	defer t.store.mutex.RUnlock()
	query := fmt.Sprintf("SELECT %v FROM %s WHERE %v", fields, schema.tableName, criteria)
	rows, err := t.selectRows(schema, fields, criteria)
	t.store.log(ctx, "SELECT", query, start, err)
	return rows, err
}

func (t *memoryStoreTransaction) selectRows(schema *entitySchema, fields []string, criteria []Condition) ([]Bind, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		fields = schema.columnNames
	}
	for _, field := range fields {
		if _, has := schema.columnsByName[field]; !has {
			return nil, errors.Wrapf(ErrUnknownField, "%s.%s", schema.name, field)
		}
	}
	expected := make([]any, len(criteria))
	for i, c := range criteria {
		value, err := schema.normalizeValue(c.Field, c.Value)
		if err != nil {
			return nil, err
		}
		if c.Value == nil {
			value = nil
		}
		expected[i] = value
	}
	results := make([]Bind, 0)
	for _, id := range t.candidateIDs(schema.tableName) {
		row, found := t.visible(schema.tableName, id)
		if !found {
			continue
		}
		matched := true
		for i, c := range criteria {
			if !valuesEqual(row[c.Field], expected[i]) {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}
		projected := make(Bind, len(fields))
		for _, field := range fields {
			projected[field] = row[field]
		}
		results = append(results, projected)
	}
	return results, nil
}

func (t *memoryStoreTransaction) candidateIDs(table string) []uint64 {
	unique := make(map[uint64]struct{})
	if rows, has := t.store.tables[table]; has {
		for id := range rows.rows {
			unique[id] = struct{}{}
		}
	}
	for id := range t.writes[table] {
		unique[id] = struct{}{}
	}
	if t.isolation == ReadUncommitted {
		for other := range t.store.active {
			for id := range other.writes[table] {
				unique[id] = struct{}{}
			}
		}
	}
	ids := make([]uint64, 0, len(unique))
	for id := range unique {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (t *memoryStoreTransaction) Native(ctx Context, _ *entitySchema, query *Where) ([]Bind, error) {
	t.store.log(ctx, "SELECT", query.String(), time.Now(), ErrNativeQueryNotSupported)
	return nil, errors.Wrapf(ErrNativeQueryNotSupported, "memory store '%s'", t.store.code)
}

func (t *memoryStoreTransaction) Commit(ctx Context) error {
	start := time.Now()
	t.store.mutex.Lock()
	defer t.store.mutex.Unlock()
	err := t.commit()
	t.store.log(ctx, "TRANSACTION", "COMMIT", start, err)
	return err
}

func (t *memoryStoreTransaction) commit() error {
	if t.closed {
		return nil
	}
	if t.store.unavailable {
		t.close()
		return errors.Wrapf(ErrStoreUnavailable, "memory store '%s'", t.store.code)
	}
	for table, rows := range t.writes {
		target, tableExists := t.store.tables[table]
		if !tableExists {
			t.close()
			return errors.Errorf("table '%s' doesn't exist", table)
		}
		for id, w := range rows {
			if w.inserted {
				if existing, has := target.rows[id]; has && !existing.latest().deleted {
					t.close()
					return errors.Errorf("duplicate entry '%d' for key '%s.PRIMARY'", id, table)
				}
				continue
			}
			existing, has := target.rows[id]
			if !has || existing.latest().deleted {
				t.close()
				return errors.Wrapf(ErrStaleWriteConflict, "%s with ID %d was deleted by another transaction", table, id)
			}
		}
	}
	if len(t.writes) > 0 {
		t.store.commitSeq++
		seq := t.store.commitSeq
		for table, rows := range t.writes {
			target := t.store.tables[table]
			for id, w := range rows {
				row, has := target.rows[id]
				if !has {
					if w.deleted {
						continue
					}
					row = &memoryRow{}
					target.rows[id] = row
				}
				values := w.values
				if w.changes != nil {
					values = row.latest().values.clone()
					for k, v := range w.changes {
						values[k] = v
					}
				}
				row.versions = append(row.versions, &memoryVersion{seq: seq, values: values, deleted: w.deleted})
			}
		}
	}
	t.close()
	return nil
}

func (t *memoryStoreTransaction) Rollback(ctx Context) error {
	start := time.Now()
	t.store.mutex.Lock()
	defer t.store.mutex.Unlock()
	if t.closed {
		return nil
	}
	t.close()
	t.store.log(ctx, "TRANSACTION", "ROLLBACK", start, nil)
	return nil
}

func (t *memoryStoreTransaction) close() {
	t.closed = true
	t.writes = nil
	delete(t.store.active, t)
}

func formatBind(values Bind) string {
	result := "{"
	for i, key := range values.keys() {
		if i > 0 {
			result += ", "
		}
		result += fmt.Sprintf("%s: %v", key, values[key])
	}
	return result + "}"
}
