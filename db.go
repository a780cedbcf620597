package sessionorm

import (
	"context"
	"database/sql"
	"time"
)

const metricsOperationTransaction = "transaction"
const metricsOperationExec = "exec"
const metricsOperationSelect = "select"

type MySQLConfig interface {
	GetCode() string
	GetDatabaseName() string
	GetDataSourceURI() string
	GetOptions() *MySQLOptions
	getClient() *sql.DB
}

type mySQLConfig struct {
	dataSourceName string
	code           string
	databaseName   string
	client         *sql.DB
	options        *MySQLOptions
}

func (p *mySQLConfig) GetCode() string {
	return p.code
}

func (p *mySQLConfig) GetDatabaseName() string {
	return p.databaseName
}

func (p *mySQLConfig) GetDataSourceURI() string {
	return p.dataSourceName
}

func (p *mySQLConfig) getClient() *sql.DB {
	return p.client
}

func (p *mySQLConfig) GetOptions() *MySQLOptions {
	return p.options
}

type ExecResult interface {
	LastInsertId() (uint64, error)
	RowsAffected() (uint64, error)
}

type execResult struct {
	r sql.Result
}

func (e *execResult) LastInsertId() (uint64, error) {
	id, err := e.r.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

func (e *execResult) RowsAffected() (uint64, error) {
	id, err := e.r.RowsAffected()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

// DBClient is implemented by both *sql.DB and *sql.Tx.
type DBClient interface {
	ExecContext(context context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(context context.Context, query string, args ...any) (*sql.Rows, error)
}

type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Columns() ([]string, error)
	Err() error
}

type DBBase interface {
	GetConfig() MySQLConfig
	GetDBClient() DBClient
	Exec(ctx Context, query string, args ...any) (ExecResult, error)
	Query(ctx Context, query string, args ...any) (rows Rows, close func(), err error)
}

type DB interface {
	DBBase
	Begin(ctx Context, isolation Isolation, readOnly bool) (DBTransaction, error)
}

type DBTransaction interface {
	DBBase
	Commit(ctx Context) error
	Rollback(ctx Context) error
}

type dbImplementation struct {
	client      DBClient
	tx          *sql.Tx
	config      MySQLConfig
	transaction bool
}

func (db *dbImplementation) GetConfig() MySQLConfig {
	return db.config
}

func (db *dbImplementation) GetDBClient() DBClient {
	return db.client
}

func (db *dbImplementation) Commit(ctx Context) error {
	if !db.transaction {
		return nil
	}
	hasLogger, _ := ctx.getStoreLoggers()
	start := time.Now()
	err := db.tx.Commit()
	end := time.Since(start)
	db.transaction = false
	if hasLogger {
		db.fillLogFields(ctx, "TRANSACTION", "COMMIT", end, err)
	}
	fillStoreMetrics(ctx, db.config.GetCode(), metricsOperationTransaction, end, err)
	return storeError(err)
}

func (db *dbImplementation) Rollback(ctx Context) error {
	if !db.transaction {
		return nil
	}
	hasLogger, _ := ctx.getStoreLoggers()
	start := time.Now()
	err := db.tx.Rollback()
	end := time.Since(start)
	db.transaction = false
	if hasLogger {
		db.fillLogFields(ctx, "TRANSACTION", "ROLLBACK", end, err)
	}
	fillStoreMetrics(ctx, db.config.GetCode(), metricsOperationTransaction, end, err)
	return storeError(err)
}

func (db *dbImplementation) Begin(ctx Context, isolation Isolation, readOnly bool) (DBTransaction, error) {
	hasLogger, _ := ctx.getStoreLoggers()
	start := time.Now()
	tx, err := db.config.getClient().BeginTx(ctx.Context(), &sql.TxOptions{Isolation: isolation.sqlLevel(), ReadOnly: readOnly})
	end := time.Since(start)
	if hasLogger {
		db.fillLogFields(ctx, "TRANSACTION", "START TRANSACTION ISOLATION LEVEL "+isolation.String(), end, err)
	}
	fillStoreMetrics(ctx, db.config.GetCode(), metricsOperationTransaction, end, err)
	if err != nil {
		return nil, storeError(err)
	}
	return &dbImplementation{config: db.config, client: tx, tx: tx, transaction: true}, nil
}

func (db *dbImplementation) Exec(ctx Context, query string, args ...any) (ExecResult, error) {
	hasLogger, _ := ctx.getStoreLoggers()
	start := time.Now()
	res, err := db.client.ExecContext(ctx.Context(), query, args...)
	end := time.Since(start)
	if hasLogger {
		db.fillLogFields(ctx, "EXEC", formatQueryLog(query, args...), end, err)
	}
	fillStoreMetrics(ctx, db.config.GetCode(), metricsOperationExec, end, err)
	if err != nil {
		return nil, storeError(err)
	}
	return &execResult{r: res}, nil
}

func (db *dbImplementation) Query(ctx Context, query string, args ...any) (rows Rows, close func(), err error) {
	hasLogger, _ := ctx.getStoreLoggers()
	start := time.Now()
	result, err := db.client.QueryContext(ctx.Context(), query, args...)
	end := time.Since(start)
	if hasLogger {
		db.fillLogFields(ctx, "SELECT", formatQueryLog(query, args...), end, err)
	}
	fillStoreMetrics(ctx, db.config.GetCode(), metricsOperationSelect, end, err)
	if err != nil {
		return nil, nil, storeError(err)
	}
	return result, func() {
		_ = result.Close()
	}, nil
}

func (db *dbImplementation) fillLogFields(ctx Context, operation, query string, duration time.Duration, err error) {
	_, loggers := ctx.getStoreLoggers()
	fillLogFields(ctx, loggers, db.config.GetCode(), sourceMySQL, operation, query, &duration, false, err)
}
