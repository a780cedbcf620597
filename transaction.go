package sessionorm

import (
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Propagation int

const (
	// PropagationRequired joins the active transaction or starts a new one.
	PropagationRequired Propagation = iota
	// PropagationRequiresNew suspends the active transaction and starts a new one.
	PropagationRequiresNew
)

func (p Propagation) String() string {
	if p == PropagationRequiresNew {
		return "REQUIRES_NEW"
	}
	return "REQUIRED"
}

const defaultLockTTL = time.Second * 30

type TransactionOptions struct {
	Isolation   Isolation
	Propagation Propagation
	FlushMode   FlushMode
	ReadOnly    bool
	// Store is the store pool code, DefaultPoolCode when empty.
	Store string
	// LockKey holds a redis lock for the whole transaction when set.
	LockKey       string
	LockTTL       time.Duration
	LockWait      time.Duration
	LockRedisPool string
}

type Transaction interface {
	ID() string
	Isolation() Isolation
	Propagation() Propagation
	FlushMode() FlushMode
	SetFlushMode(mode FlushMode)
	IsReadOnly() bool
	IsActive() bool
	IsRollbackOnly() bool
	SetRollbackOnly()
	Session() *SessionCache
	Load(entity any, id uint64) (*Record, error)
	Find(entity any, id uint64) (record *Record, found bool, err error)
	Insert(entity any) (*Record, error)
	Delete(record *Record) error
	ExecuteQuery(q Query) (*QueryResult, error)
	Flush() error
	Commit() error
	Rollback() error
}

// transaction is one physical unit of work. Several handles may share it
// when they join with PropagationRequired.
type transaction struct {
	ctx          *ormImplementation
	id           string
	isolation    Isolation
	propagation  Propagation
	flushMode    FlushMode
	readOnly     bool
	store        Store
	storeTx      StoreTransaction
	session      *SessionCache
	lock         *Lock
	rollbackOnly bool
	closed       bool
	changes      []pendingChange
	changesErr   error
}

func (orm *ormImplementation) Begin(opts TransactionOptions) (Transaction, error) {
	current := orm.CurrentTransaction()
	if opts.Propagation == PropagationRequired && current != nil {
		tx := current.(*transactionHandle).tx
		tx.logSession("JOIN", "JOIN TRANSACTION "+tx.id, false, nil)
		return &transactionHandle{tx: tx, propagation: PropagationRequired, participant: true}, nil
	}
	tx, err := orm.beginTransaction(opts)
	if err != nil {
		return nil, err
	}
	return &transactionHandle{tx: tx, propagation: opts.Propagation}, nil
}

func (orm *ormImplementation) beginTransaction(opts TransactionOptions) (*transaction, error) {
	storeCode := opts.Store
	if storeCode == "" {
		storeCode = DefaultPoolCode
	}
	store := orm.engine.Store(storeCode)
	if store == nil {
		return nil, errors.Errorf("unregistered store pool '%s'", storeCode)
	}
	isolation := opts.Isolation
	if isolation == IsolationDefault {
		isolation = orm.engine.registry.defaultIsolation
	}
	tx := &transaction{ctx: orm, id: uuid.NewString(), propagation: opts.Propagation, flushMode: opts.FlushMode,
		readOnly: opts.ReadOnly, store: store}
	if opts.LockKey != "" {
		lock, err := orm.obtainTransactionLock(opts)
		if err != nil {
			return nil, err
		}
		tx.lock = lock
	}
	storeTx, err := store.Begin(orm, isolation, opts.ReadOnly)
	if err != nil {
		tx.releaseLock()
		fillTransactionMetrics(orm, isolation, opts.Propagation, "error")
		return nil, err
	}
	tx.storeTx = storeTx
	tx.isolation = storeTx.Isolation()
	tx.session = newSessionCache(tx)
	orm.transactions = append(orm.transactions, tx)
	tx.logSession("BEGIN", "BEGIN "+tx.isolation.String()+" "+opts.Propagation.String()+" "+tx.id, false, nil)
	return tx, nil
}

func (orm *ormImplementation) obtainTransactionLock(opts TransactionOptions) (*Lock, error) {
	pool := opts.LockRedisPool
	if pool == "" {
		pool = DefaultPoolCode
	}
	r := orm.engine.Redis(pool)
	if r == nil {
		return nil, errors.Errorf("unregistered redis pool '%s'", pool)
	}
	ttl := opts.LockTTL
	if ttl == 0 {
		ttl = defaultLockTTL
	}
	lock, obtained, err := r.GetLocker().Obtain(orm, opts.LockKey, ttl, opts.LockWait)
	if err != nil {
		return nil, err
	}
	if !obtained {
		return nil, errors.Wrapf(ErrLockNotObtained, "'%s'", opts.LockKey)
	}
	return lock, nil
}

// Execute runs fn in a transaction. It commits when fn returns nil and rolls
// back on error or panic.
func (orm *ormImplementation) Execute(opts TransactionOptions, fn func(tx Transaction) error) error {
	tx, err := orm.Begin(opts)
	if err != nil {
		return err
	}
	handle := tx.(*transactionHandle)
	defer func() {
		if r := recover(); r != nil {
			if !handle.done {
				_ = tx.Rollback()
			}
			panic(r)
		}
	}()
	if err = fn(tx); err != nil {
		if !handle.done {
			_ = tx.Rollback()
		}
		return err
	}
	if handle.done {
		return nil
	}
	return tx.Commit()
}

func (orm *ormImplementation) CurrentTransaction() Transaction {
	if len(orm.transactions) == 0 {
		return nil
	}
	tx := orm.transactions[len(orm.transactions)-1]
	return &transactionHandle{tx: tx, propagation: tx.propagation, participant: true}
}

func (t *transaction) checkActive() error {
	if t.closed {
		return ErrTransactionClosed
	}
	stack := t.ctx.transactions
	if len(stack) == 0 || stack[len(stack)-1] != t {
		return ErrTransactionSuspended
	}
	return nil
}

func (t *transaction) getSchema(entity any) (*entitySchema, error) {
	schema, err := getEntitySchemaFromSource(t.ctx.engine.registry, entity)
	if err != nil {
		return nil, err
	}
	if schema.storeCode != t.store.GetCode() {
		return nil, errors.Errorf("entity %s belongs to store '%s', transaction uses '%s'", schema.name, schema.storeCode, t.store.GetCode())
	}
	return schema, nil
}

func (t *transaction) commit() error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if t.rollbackOnly {
		_ = t.storeTx.Rollback(t.ctx)
		t.end("rollback")
		return ErrRollbackOnly
	}
	if !t.readOnly && t.flushMode != FlushManual {
		if err := t.session.FlushAll(); err != nil {
			_ = t.storeTx.Rollback(t.ctx)
			t.end("rollback")
			return err
		}
	}
	if err := t.storeTx.Commit(t.ctx); err != nil {
		_ = t.storeTx.Rollback(t.ctx)
		t.end("error")
		return err
	}
	t.end("commit")
	return t.publishChanges()
}

func (t *transaction) rollback() error {
	if err := t.checkActive(); err != nil {
		return err
	}
	err := t.storeTx.Rollback(t.ctx)
	t.end("rollback")
	return err
}

func (t *transaction) end(result string) {
	t.closed = true
	t.session.records = newRecordsMap()
	stack := t.ctx.transactions
	if len(stack) > 0 && stack[len(stack)-1] == t {
		t.ctx.transactions = stack[:len(stack)-1]
	}
	t.releaseLock()
	if result != "commit" {
		t.changes = nil
	}
	fillTransactionMetrics(t.ctx, t.isolation, t.propagation, result)
	t.logSession("END", result+" "+t.id, false, nil)
}

func (t *transaction) releaseLock() {
	if t.lock != nil {
		_ = t.lock.Release(t.ctx)
		t.lock = nil
	}
}

func (t *transaction) logSession(operation, query string, miss bool, err error) {
	hasLogger, loggers := t.ctx.getSessionLoggers()
	if hasLogger {
		fillLogFields(t.ctx, loggers, t.store.GetCode(), sourceSession, operation, query, nil, miss, err)
	}
}

func (t *transaction) insert(entity any) (*Record, error) {
	schema, err := t.getSchema(entity)
	if err != nil {
		return nil, err
	}
	if err = t.checkActive(); err != nil {
		return nil, err
	}
	if t.readOnly {
		return nil, ErrReadOnlyTransaction
	}
	bind, err := schema.bindFromStruct(entity)
	if err != nil {
		return nil, err
	}
	id, err := t.storeTx.InsertRow(t.ctx, schema, bind)
	if err != nil {
		return nil, err
	}
	bind["ID"] = id
	if err = schema.fillStruct(entity, Bind{"ID": id}); err != nil {
		return nil, err
	}
	t.addChange(schema, changeActionAdd, id, nil, bind)
	return t.session.attach(schema, id, bind), nil
}

func (t *transaction) delete(r *Record) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if t.readOnly {
		return ErrReadOnlyTransaction
	}
	if r.cache != t.session {
		return errors.Errorf("%s is not attached to this transaction", r.String())
	}
	if err := t.storeTx.DeleteRow(t.ctx, r.schema, r.id); err != nil {
		return err
	}
	t.session.Detach(r)
	t.addChange(r.schema, changeActionDelete, r.id, r.snapshot, nil)
	return nil
}

// transactionHandle is what callers hold. Participants joined with
// PropagationRequired can't commit the shared transaction.
type transactionHandle struct {
	tx          *transaction
	propagation Propagation
	participant bool
	done        bool
}

func (h *transactionHandle) check() error {
	if h.done {
		return ErrTransactionClosed
	}
	return h.tx.checkActive()
}

func (h *transactionHandle) ID() string {
	return h.tx.id
}

func (h *transactionHandle) Isolation() Isolation {
	return h.tx.isolation
}

func (h *transactionHandle) Propagation() Propagation {
	return h.propagation
}

func (h *transactionHandle) FlushMode() FlushMode {
	return h.tx.flushMode
}

func (h *transactionHandle) SetFlushMode(mode FlushMode) {
	h.tx.flushMode = mode
}

func (h *transactionHandle) IsReadOnly() bool {
	return h.tx.readOnly
}

func (h *transactionHandle) IsActive() bool {
	return h.check() == nil
}

func (h *transactionHandle) IsRollbackOnly() bool {
	return h.tx.rollbackOnly
}

func (h *transactionHandle) SetRollbackOnly() {
	h.tx.rollbackOnly = true
}

func (h *transactionHandle) Session() *SessionCache {
	return h.tx.session
}

func (h *transactionHandle) Load(entity any, id uint64) (*Record, error) {
	if h.done {
		return nil, ErrTransactionClosed
	}
	return h.tx.session.Load(entity, id)
}

func (h *transactionHandle) Find(entity any, id uint64) (*Record, bool, error) {
	r, err := h.Load(entity, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return r, true, nil
}

func (h *transactionHandle) Insert(entity any) (*Record, error) {
	if h.done {
		return nil, ErrTransactionClosed
	}
	return h.tx.insert(entity)
}

func (h *transactionHandle) Delete(record *Record) error {
	if h.done {
		return ErrTransactionClosed
	}
	return h.tx.delete(record)
}

func (h *transactionHandle) ExecuteQuery(q Query) (*QueryResult, error) {
	if h.done {
		return nil, ErrTransactionClosed
	}
	return h.tx.executeQuery(q)
}

func (h *transactionHandle) Flush() error {
	if h.done {
		return ErrTransactionClosed
	}
	return h.tx.session.FlushAll()
}

func (h *transactionHandle) Commit() error {
	if err := h.check(); err != nil {
		return err
	}
	h.done = true
	if h.participant {
		return nil
	}
	return h.tx.commit()
}

func (h *transactionHandle) Rollback() error {
	if err := h.check(); err != nil {
		return err
	}
	h.done = true
	if h.participant {
		h.tx.rollbackOnly = true
		return nil
	}
	return h.tx.rollback()
}

// Load reads the record of entity type E through the session cache.
func Load[E any](tx Transaction, id uint64) (*Record, error) {
	return tx.Load(reflect.TypeOf((*E)(nil)).Elem(), id)
}

// Get loads a record and copies its current values into a new E.
func Get[E any](tx Transaction, id uint64) (*E, error) {
	r, err := Load[E](tx, id)
	if err != nil {
		return nil, err
	}
	entity := new(E)
	if err = r.Populate(entity); err != nil {
		return nil, err
	}
	return entity, nil
}

func Insert[E any](tx Transaction, entity *E) (*Record, error) {
	return tx.Insert(entity)
}
