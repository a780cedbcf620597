package sessionorm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const metricsOperationOther = "other"
const metricsOperationKey = "key"
const metricsOperationStream = "stream"
const metricsOperationLock = "lock"

type RedisCache interface {
	Del(ctx Context, keys ...string) error
	XLen(ctx Context, stream string) (int64, error)
	XGroupCreateMkStream(ctx Context, stream, group, start string) (key string, exists bool, err error)
	XReadGroup(ctx Context, a *redis.XReadGroupArgs) (streams []redis.XStream, err error)
	XAck(ctx Context, stream, group string, ids ...string) (int64, error)
	XAdd(ctx Context, stream string, values any) (id string, err error)
	FlushDB(ctx Context) error
	GetLocker() *Locker
	GetConfig() RedisPoolConfig
	GetCode() string
	Client() *redis.Client
}

type redisCache struct {
	client *redis.Client
	locker *Locker
	config RedisPoolConfig
}

func (r *redisCache) GetConfig() RedisPoolConfig {
	return r.config
}

func (r *redisCache) Del(ctx Context, keys ...string) error {
	hasLogger, _ := ctx.getRedisLoggers()
	start := time.Now()
	req := r.client.Del(ctx.Context(), keys...)
	_, err := req.Result()
	end := time.Since(start)
	if hasLogger {
		r.fillLogFields(ctx, req, end, false, err)
	}
	r.fillMetrics(ctx, end, metricsOperationKey)
	return err
}

func (r *redisCache) XLen(ctx Context, stream string) (int64, error) {
	hasLogger, _ := ctx.getRedisLoggers()
	start := time.Now()
	req := r.client.XLen(ctx.Context(), stream)
	l, err := req.Result()
	end := time.Since(start)
	if hasLogger {
		r.fillLogFields(ctx, req, end, false, err)
	}
	r.fillMetrics(ctx, end, metricsOperationStream)
	return l, err
}

func (r *redisCache) XGroupCreateMkStream(ctx Context, stream, group, start string) (key string, exists bool, err error) {
	hasLogger, _ := ctx.getRedisLoggers()
	s := time.Now()
	req := r.client.XGroupCreateMkStream(ctx.Context(), stream, group, start)
	res, err := req.Result()
	end := time.Since(s)
	r.fillMetrics(ctx, end, metricsOperationStream)
	if err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP") {
		exists = true
		err = nil
		res = "OK"
	}
	if hasLogger {
		r.fillLogFields(ctx, req, end, false, err)
	}
	return res, exists, err
}

func (r *redisCache) XReadGroup(ctx Context, a *redis.XReadGroupArgs) (streams []redis.XStream, err error) {
	hasLogger, _ := ctx.getRedisLoggers()
	start := time.Now()
	req := r.client.XReadGroup(ctx.Context(), a)
	streams, err = req.Result()
	end := time.Since(start)
	if errors.Is(err, redis.Nil) {
		err = nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	if hasLogger {
		r.fillLogFields(ctx, req, end, false, err)
	}
	r.fillMetrics(ctx, end, metricsOperationStream)
	return streams, err
}

func (r *redisCache) XAck(ctx Context, stream, group string, ids ...string) (int64, error) {
	hasLogger, _ := ctx.getRedisLoggers()
	start := time.Now()
	req := r.client.XAck(ctx.Context(), stream, group, ids...)
	res, err := req.Result()
	end := time.Since(start)
	if hasLogger {
		r.fillLogFields(ctx, req, end, false, err)
	}
	r.fillMetrics(ctx, end, metricsOperationStream)
	return res, err
}

func (r *redisCache) XAdd(ctx Context, stream string, values any) (id string, err error) {
	a := &redis.XAddArgs{Stream: stream, ID: "*", Values: values}
	hasLogger, _ := ctx.getRedisLoggers()
	start := time.Now()
	req := r.client.XAdd(ctx.Context(), a)
	id, err = req.Result()
	end := time.Since(start)
	r.fillMetrics(ctx, end, metricsOperationStream)
	if hasLogger {
		r.fillLogFields(ctx, req, end, false, err)
	}
	return id, err
}

func (r *redisCache) FlushDB(ctx Context) error {
	hasLogger, _ := ctx.getRedisLoggers()
	start := time.Now()
	req := r.client.FlushDB(ctx.Context())
	_, err := req.Result()
	end := time.Since(start)
	if hasLogger {
		r.fillLogFields(ctx, req, end, false, err)
	}
	r.fillMetrics(ctx, end, metricsOperationOther)
	return err
}

func (r *redisCache) GetCode() string {
	return r.config.GetCode()
}

func (r *redisCache) Client() *redis.Client {
	return r.client
}

func (r *redisCache) fillLogFields(ctx Context, req redis.Cmder, duration time.Duration, cacheMiss bool, err error) {
	_, loggers := ctx.getRedisLoggers()
	fillLogFields(ctx, loggers, r.config.GetCode(), sourceRedis, req.Name(), formatRedisCommandLog(req), &duration, cacheMiss, err)
}

func (r *redisCache) fillMetrics(ctx Context, end time.Duration, operation string) {
	fillRedisMetrics(ctx, r.config.GetCode(), operation, end)
}

func formatRedisCommandLog(req redis.Cmder) string {
	asString := req.String()
	if i := strings.LastIndex(asString, ":"); i > 0 {
		return asString[:i]
	}
	return asString
}
