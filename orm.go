package sessionorm

import (
	"context"
	"sync"
)

type Meta map[string]string

func (m Meta) Get(key string) string {
	return m[key]
}

// Context is the handle of one logical thread of control. It carries
// loggers, metadata and the stack of transactions started through it.
// It is not safe for concurrent use; Clone it for another goroutine.
type Context interface {
	Context() context.Context
	Clone() Context
	CloneWithContext(context context.Context) Context
	Engine() Engine
	Begin(opts TransactionOptions) (Transaction, error)
	Execute(opts TransactionOptions, fn func(tx Transaction) error) error
	CurrentTransaction() Transaction
	RegisterQueryLogger(handler LogHandler, store, redis, session bool)
	EnableQueryDebug()
	EnableQueryDebugCustom(store, redis, session bool)
	SetMetaData(key, value string)
	GetMetaData() Meta
	getStoreLoggers() (bool, []LogHandler)
	getRedisLoggers() (bool, []LogHandler)
	getSessionLoggers() (bool, []LogHandler)
}

type ormImplementation struct {
	context             context.Context
	engine              *engineImplementation
	transactions        []*transaction
	queryLoggersStore   []LogHandler
	queryLoggersRedis   []LogHandler
	queryLoggersSession []LogHandler
	hasStoreLogger      bool
	hasRedisLogger      bool
	hasSessionLogger    bool
	meta                Meta
	mutexData           sync.Mutex
}

func (orm *ormImplementation) Context() context.Context {
	return orm.context
}

// CloneWithContext keeps loggers and metadata. Transactions are not shared.
func (orm *ormImplementation) CloneWithContext(context context.Context) Context {
	var meta Meta
	if orm.meta != nil {
		meta = make(Meta, len(orm.meta))
		for k, v := range orm.meta {
			meta[k] = v
		}
	}
	return &ormImplementation{
		context:             context,
		engine:              orm.engine,
		queryLoggersStore:   orm.queryLoggersStore,
		queryLoggersRedis:   orm.queryLoggersRedis,
		queryLoggersSession: orm.queryLoggersSession,
		hasStoreLogger:      orm.hasStoreLogger,
		hasRedisLogger:      orm.hasRedisLogger,
		hasSessionLogger:    orm.hasSessionLogger,
		meta:                meta,
	}
}

func (orm *ormImplementation) Clone() Context {
	return orm.CloneWithContext(orm.context)
}

func (orm *ormImplementation) SetMetaData(key, value string) {
	orm.mutexData.Lock()
	defer orm.mutexData.Unlock()
	if orm.meta == nil {
		orm.meta = Meta{key: value}
		return
	}
	orm.meta[key] = value
}

func (orm *ormImplementation) GetMetaData() Meta {
	return orm.meta
}

func (orm *ormImplementation) Engine() Engine {
	return orm.engine
}

func (orm *ormImplementation) getStoreLoggers() (bool, []LogHandler) {
	if orm.hasStoreLogger {
		return true, orm.queryLoggersStore
	}
	return false, nil
}

func (orm *ormImplementation) getRedisLoggers() (bool, []LogHandler) {
	if orm.hasRedisLogger {
		return true, orm.queryLoggersRedis
	}
	return false, nil
}

func (orm *ormImplementation) getSessionLoggers() (bool, []LogHandler) {
	if orm.hasSessionLogger {
		return true, orm.queryLoggersSession
	}
	return false, nil
}
