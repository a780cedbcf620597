package sessionorm

import (
	"fmt"
	"log"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

const (
	sourceMySQL   = "mysql"
	sourceMemory  = "memory"
	sourceRedis   = "redis"
	sourceSession = "session"
)

type LogHandler interface {
	Handle(ctx Context, log map[string]any)
}

type defaultLogLogger struct {
	maxPoolLen int
	logger     *log.Logger
}

func (d *defaultLogLogger) Handle(_ Context, fields map[string]any) {
	row := "[SESSIONORM][" + fields["source"].(string) + "][" + fmt.Sprintf("%-"+fmt.Sprint(d.maxPoolLen)+"s", fields["pool"]) + "]"
	if fields["operation"] != nil {
		row += "[" + fields["operation"].(string) + "]"
	}
	if fields["miss"] == "TRUE" {
		row += "[MISS]"
	}
	if microseconds, has := fields["microseconds"]; has {
		row += fmt.Sprintf("[%dµs]", microseconds)
	}
	row += " " + fields["query"].(string)
	if fields["error"] != nil {
		row += " ERROR: " + fields["error"].(string)
	}
	d.logger.Println(row)
}

func (orm *ormImplementation) RegisterQueryLogger(handler LogHandler, store, redis, session bool) {
	orm.mutexData.Lock()
	defer orm.mutexData.Unlock()
	if store {
		orm.queryLoggersStore = append(orm.queryLoggersStore, handler)
		orm.hasStoreLogger = true
	}
	if redis {
		orm.queryLoggersRedis = append(orm.queryLoggersRedis, handler)
		orm.hasRedisLogger = true
	}
	if session {
		orm.queryLoggersSession = append(orm.queryLoggersSession, handler)
		orm.hasSessionLogger = true
	}
}

func (orm *ormImplementation) EnableQueryDebug() {
	orm.EnableQueryDebugCustom(true, true, true)
}

func (orm *ormImplementation) EnableQueryDebugCustom(store, redis, session bool) {
	orm.RegisterQueryLogger(orm.engine.registry.getDefaultQueryLogger(), store, redis, session)
}

func fillLogFields(ctx Context, handlers []LogHandler, pool, source, operation, query string, duration *time.Duration, cacheMiss bool, err error) {
	fields := map[string]any{
		"operation": operation,
		"query":     query,
		"pool":      pool,
		"source":    source,
	}
	if cacheMiss {
		fields["miss"] = "TRUE"
	}
	if duration != nil {
		now := time.Now()
		fields["microseconds"] = duration.Microseconds()
		fields["started"] = now.Add(-*duration).UnixNano()
		fields["finished"] = now.UnixNano()
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	meta := ctx.GetMetaData()
	if len(meta) > 0 {
		fields["meta"] = meta
	}
	for _, handler := range handlers {
		handler.Handle(ctx, fields)
	}
}

func formatQueryLog(query string, args ...any) string {
	query = strings.ReplaceAll(query, "\n", " ")
	if len(args) == 0 {
		return query
	}
	asJSON, err := jsoniter.ConfigFastest.MarshalToString(args)
	if err != nil {
		return query + " " + fmt.Sprintf("%v", args)
	}
	return query + " " + asJSON
}
