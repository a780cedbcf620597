package sessionorm

import (
	"context"
	"reflect"
)

const DefaultPoolCode = "default"

type EngineRegistry interface {
	EntitySchema(entity any) EntitySchema
	Entities() []EntitySchema
	StorePools() map[string]Store
	DBPools() map[string]DB
	RedisPools() map[string]RedisCache
	RedisStreams() map[string]string
	DefaultIsolation() Isolation
	Option(key string) any
	getDefaultQueryLogger() LogHandler
	getMetricsRegistry() (*metricsRegistry, bool)
}

type Engine interface {
	NewContext(parent context.Context) Context
	Store(code string) Store
	DB(code string) DB
	Redis(code string) RedisCache
	Registry() EngineRegistry
	Option(key string) any
}

type engineRegistryImplementation struct {
	engine              *engineImplementation
	entitySchemaList    []EntitySchema
	entitySchemas       map[reflect.Type]*entitySchema
	entitySchemasByName map[string]*entitySchema
	defaultQueryLogger  *defaultLogLogger
	defaultIsolation    Isolation
	options             map[string]any
	redisStreamPools    map[string]string
	hasMetrics          bool
	metricsRegistry     *metricsRegistry
}

type engineImplementation struct {
	registry     *engineRegistryImplementation
	stores       map[string]Store
	dbServers    map[string]DB
	redisServers map[string]RedisCache
	options      map[string]any
}

func (e *engineImplementation) NewContext(parent context.Context) Context {
	return &ormImplementation{context: parent, engine: e}
}

func (e *engineImplementation) Registry() EngineRegistry {
	return e.registry
}

func (e *engineImplementation) Option(key string) any {
	return e.options[key]
}

func (e *engineImplementation) Store(code string) Store {
	return e.stores[code]
}

func (e *engineImplementation) DB(code string) DB {
	return e.dbServers[code]
}

func (e *engineImplementation) Redis(code string) RedisCache {
	return e.redisServers[code]
}

func (er *engineRegistryImplementation) getMetricsRegistry() (*metricsRegistry, bool) {
	return er.metricsRegistry, er.hasMetrics
}

// EntitySchema returns nil when entity is not registered.
func (er *engineRegistryImplementation) EntitySchema(entity any) EntitySchema {
	schema, err := getEntitySchemaFromSource(er, entity)
	if err != nil {
		return nil
	}
	return schema
}

func (er *engineRegistryImplementation) Entities() []EntitySchema {
	return er.entitySchemaList
}

func (er *engineRegistryImplementation) StorePools() map[string]Store {
	return er.engine.stores
}

func (er *engineRegistryImplementation) DBPools() map[string]DB {
	return er.engine.dbServers
}

func (er *engineRegistryImplementation) RedisPools() map[string]RedisCache {
	return er.engine.redisServers
}

// RedisStreams maps stream names to redis pool codes.
func (er *engineRegistryImplementation) RedisStreams() map[string]string {
	res := make(map[string]string, len(er.redisStreamPools))
	for stream, pool := range er.redisStreamPools {
		res[stream] = pool
	}
	return res
}

func (er *engineRegistryImplementation) DefaultIsolation() Isolation {
	return er.defaultIsolation
}

func (er *engineRegistryImplementation) Option(key string) any {
	return er.options[key]
}

func (er *engineRegistryImplementation) getDefaultQueryLogger() LogHandler {
	return er.defaultQueryLogger
}
