package sessionorm

import (
	"database/sql"
	"fmt"
	"log"
	"math"
	"os"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/redis/go-redis/v9/maintnotifications"
)

type Registry interface {
	Validate() (Engine, error)
	RegisterEntity(entity ...any)
	RegisterMySQL(dataSourceName string, poolCode string, poolOptions *MySQLOptions)
	RegisterMemoryStore(poolCode string)
	RegisterRedis(address string, db int, poolCode string, options *RedisOptions)
	RegisterRedisStream(name string, redisPool string)
	SetDefaultIsolation(isolation Isolation)
	InitByYaml(data []byte) error
	InitByConfig(config *Config) error
	SetOption(key string, value any)
	EnableMetrics(factory promauto.Factory)
}

type registry struct {
	mysqlPools       map[string]MySQLConfig
	memoryPools      []string
	redisPools       map[string]RedisPoolConfig
	entities         map[string]reflect.Type
	options          map[string]any
	redisStreamPools map[string]string
	defaultIsolation Isolation
	metricsFactory   *promauto.Factory
}

func NewRegistry() Registry {
	return &registry{}
}

func (r *registry) Validate() (Engine, error) {
	maxPoolLen := 0
	e := &engineImplementation{}
	e.registry = &engineRegistryImplementation{engine: e}
	e.registry.hasMetrics = r.metricsFactory != nil
	e.registry.defaultIsolation = r.defaultIsolation
	e.registry.options = make(map[string]any)
	e.options = make(map[string]any)
	e.stores = make(map[string]Store)
	e.dbServers = make(map[string]DB)
	e.redisServers = make(map[string]RedisCache)
	for k, v := range r.mysqlPools {
		if len(k) > maxPoolLen {
			maxPoolLen = len(k)
		}
		db, err := openMySQL(v)
		if err != nil {
			return nil, errors.Wrapf(err, "mysql pool '%s'", k)
		}
		v.(*mySQLConfig).client = db
		dbServer := &dbImplementation{config: v, client: db}
		e.dbServers[k] = dbServer
		e.stores[k] = &mysqlStore{db: dbServer}
	}
	for _, code := range r.memoryPools {
		if _, has := e.stores[code]; has {
			return nil, errors.Errorf("store pool '%s' is registered twice", code)
		}
		if len(code) > maxPoolLen {
			maxPoolLen = len(code)
		}
		e.stores[code] = newMemoryStore(code)
	}
	for k, v := range r.redisPools {
		e.redisServers[k] = &redisCache{config: v, client: v.getClient()}
		if len(k) > maxPoolLen {
			maxPoolLen = len(k)
		}
	}
	e.registry.redisStreamPools = make(map[string]string, len(r.redisStreamPools))
	for stream, pool := range r.redisStreamPools {
		if _, has := e.redisServers[pool]; !has {
			return nil, errors.Errorf("stream '%s' uses unregistered redis pool '%s'", stream, pool)
		}
		e.registry.redisStreamPools[stream] = pool
	}
	names := make([]string, 0, len(r.entities))
	for name := range r.entities {
		names = append(names, name)
	}
	sort.Strings(names)
	e.registry.entitySchemas = make(map[reflect.Type]*entitySchema, len(names))
	e.registry.entitySchemasByName = make(map[string]*entitySchema, len(names))
	for index, name := range names {
		entityType := r.entities[name]
		schema := &entitySchema{engine: e, index: uint64(index)}
		if err := schema.init(entityType); err != nil {
			return nil, errors.Wrapf(err, "invalid entity struct '%s'", entityType.String())
		}
		store, has := e.stores[schema.storeCode]
		if !has {
			return nil, errors.Errorf("entity '%s' uses unregistered store pool '%s'", schema.name, schema.storeCode)
		}
		schema.store = store
		if schema.changeStream != "" {
			if _, has = e.registry.redisStreamPools[schema.changeStream]; !has {
				return nil, errors.Errorf("entity '%s' uses unregistered stream '%s'", schema.name, schema.changeStream)
			}
		}
		if _, has = e.registry.entitySchemasByName[schema.name]; has {
			return nil, errors.Errorf("entity name '%s' is registered twice", schema.name)
		}
		e.registry.entitySchemas[entityType] = schema
		e.registry.entitySchemasByName[schema.name] = schema
		e.registry.entitySchemaList = append(e.registry.entitySchemaList, schema)
	}
	e.registry.defaultQueryLogger = &defaultLogLogger{maxPoolLen: maxPoolLen, logger: log.New(os.Stderr, "", 0)}
	for key, value := range r.options {
		e.registry.options[key] = value
		e.options[key] = value
	}
	if e.registry.hasMetrics {
		e.registry.metricsRegistry = initMetricsRegistry(*r.metricsFactory)
	}
	return e, nil
}

// openMySQL forces the DSN flags the stores rely on: matched rows instead of
// changed rows in RowsAffected, and UTC time.Time values.
func openMySQL(config MySQLConfig) (*sql.DB, error) {
	dsn, err := mysql.ParseDSN(config.GetDataSourceURI())
	if err != nil {
		return nil, err
	}
	dsn.ClientFoundRows = true
	dsn.ParseTime = true
	dsn.Loc = time.UTC
	db, err := sql.Open("mysql", dsn.FormatDSN())
	if err != nil {
		return nil, err
	}
	var maxConnections int
	var skip string
	err = db.QueryRow("SHOW VARIABLES LIKE 'max_connections'").Scan(&skip, &maxConnections)
	if err != nil {
		return nil, storeError(err)
	}
	var waitTimeout int
	err = db.QueryRow("SHOW VARIABLES LIKE 'wait_timeout'").Scan(&skip, &waitTimeout)
	if err != nil {
		return nil, storeError(err)
	}
	options := config.GetOptions()
	maxLimit := 100
	if options.MaxOpenConnections > 0 {
		maxLimit = int(math.Min(float64(options.MaxOpenConnections), float64(maxConnections)))
	} else {
		maxLimit = int(math.Min(float64(maxLimit), float64(maxConnections)))
	}
	maxIdle := maxLimit
	if options.MaxIdleConnections > 0 {
		maxIdle = int(math.Min(float64(options.MaxIdleConnections), float64(maxLimit)))
	}
	maxDuration := 5 * time.Minute
	if options.ConnMaxLifetime > 0 {
		maxDuration = time.Duration(int(math.Min(options.ConnMaxLifetime.Seconds(), float64(waitTimeout)))) * time.Second
	} else {
		maxDuration = time.Duration(int(math.Min(maxDuration.Seconds(), float64(waitTimeout)))) * time.Second
	}
	db.SetMaxOpenConns(maxLimit)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxDuration)
	if options.DefaultEncoding == "" {
		options.DefaultEncoding = "utf8mb4"
	}
	return db, nil
}

func (r *registry) RegisterRedisStream(name string, redisPool string) {
	if r.redisStreamPools == nil {
		r.redisStreamPools = make(map[string]string)
	}
	r.redisStreamPools[name] = redisPool
}

func (r *registry) EnableMetrics(factory promauto.Factory) {
	r.metricsFactory = &factory
}

func (r *registry) SetOption(key string, value any) {
	if r.options == nil {
		r.options = map[string]any{key: value}
		return
	}
	r.options[key] = value
}

func (r *registry) SetDefaultIsolation(isolation Isolation) {
	r.defaultIsolation = isolation
}

func (r *registry) RegisterEntity(entity ...any) {
	if r.entities == nil {
		r.entities = make(map[string]reflect.Type)
	}
	for _, e := range entity {
		t := reflect.TypeOf(e)
		if t.Kind() == reflect.Ptr {
			t = t.Elem()
		}
		r.entities[t.String()] = t
	}
}

type MySQLOptions struct {
	ConnMaxLifetime    time.Duration
	MaxOpenConnections int
	MaxIdleConnections int
	DefaultEncoding    string
}

func (r *registry) RegisterMySQL(dataSourceName string, poolCode string, poolOptions *MySQLOptions) {
	if poolOptions == nil {
		poolOptions = &MySQLOptions{}
	}
	db := &mySQLConfig{code: poolCode, dataSourceName: dataSourceName, options: poolOptions}
	if r.mysqlPools == nil {
		r.mysqlPools = make(map[string]MySQLConfig)
	}
	parts := strings.Split(dataSourceName, "/")
	db.databaseName = strings.Split(parts[len(parts)-1], "?")[0]
	r.mysqlPools[poolCode] = db
}

func (r *registry) RegisterMemoryStore(poolCode string) {
	r.memoryPools = append(r.memoryPools, poolCode)
}

type RedisOptions struct {
	User            string
	Password        string
	Master          string
	Sentinels       []string
	SentinelOptions *redis.FailoverOptions
}

func (r *registry) RegisterRedis(address string, db int, poolCode string, options *RedisOptions) {
	if options != nil && len(options.Sentinels) > 0 {
		sentinelOptions := options.SentinelOptions
		if sentinelOptions == nil {
			sentinelOptions = &redis.FailoverOptions{
				MasterName:      options.Master,
				SentinelAddrs:   options.Sentinels,
				DB:              db,
				ConnMaxIdleTime: time.Minute * 2,
				Username:        options.User,
				Password:        options.Password,
			}
		}
		client := redis.NewFailoverClient(sentinelOptions)
		r.registerRedis(client, poolCode, fmt.Sprintf("%v", options.Sentinels), db)
		return
	}
	redisOptions := &redis.Options{
		Addr:            address,
		DB:              db,
		ConnMaxIdleTime: time.Minute * 2,
	}
	if options != nil {
		redisOptions.Username = options.User
		redisOptions.Password = options.Password
	}
	if strings.HasSuffix(address, ".sock") {
		redisOptions.Network = "unix"
	}
	redisOptions.MaintNotificationsConfig = &maintnotifications.Config{
		Mode: maintnotifications.ModeDisabled,
	}
	r.registerRedis(redis.NewClient(redisOptions), poolCode, address, db)
}

func (r *registry) registerRedis(client *redis.Client, code string, address string, db int) {
	redisPool := &redisCacheConfig{code: code, client: client, address: address, db: db}
	if r.redisPools == nil {
		r.redisPools = make(map[string]RedisPoolConfig)
	}
	r.redisPools[code] = redisPool
}

type RedisPoolConfig interface {
	GetCode() string
	GetDatabaseNumber() int
	GetAddress() string
	getClient() *redis.Client
}

type redisCacheConfig struct {
	code    string
	client  *redis.Client
	db      int
	address string
}

func (p *redisCacheConfig) GetCode() string {
	return p.code
}

func (p *redisCacheConfig) GetDatabaseNumber() int {
	return p.db
}

func (p *redisCacheConfig) GetAddress() string {
	return p.address
}

func (p *redisCacheConfig) getClient() *redis.Client {
	return p.client
}
