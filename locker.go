package sessionorm

import (
	"context"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/pkg/errors"
)

type lockerClient interface {
	Obtain(context context.Context, key string, ttl time.Duration, opt *redislock.Options) (*redislock.Lock, error)
}

type standardLockerClient struct {
	client *redislock.Client
}

func (l *standardLockerClient) Obtain(context context.Context, key string, ttl time.Duration, opt *redislock.Options) (*redislock.Lock, error) {
	return l.client.Obtain(context, key, ttl, opt)
}

type Locker struct {
	locker lockerClient
	r      *redisCache
}

func (r *redisCache) GetLocker() *Locker {
	if r.locker == nil {
		r.locker = &Locker{locker: &standardLockerClient{client: redislock.New(r.client)}, r: r}
	}
	return r.locker
}

func (l *Locker) Obtain(ctx Context, key string, ttl time.Duration, waitTimeout time.Duration) (lock *Lock, obtained bool, err error) {
	if ttl == 0 {
		return nil, false, errors.New("ttl must be higher than zero")
	}
	if waitTimeout > ttl {
		return nil, false, errors.New("waitTimeout can't be higher than ttl")
	}
	hasLogger, _ := ctx.getRedisLoggers()
	start := time.Now()
	var options *redislock.Options
	if waitTimeout > 0 {
		options = &redislock.Options{}
		interval := time.Second
		limit := 1
		if waitTimeout < interval {
			interval = waitTimeout
		} else {
			limit = int(waitTimeout / time.Second)
		}
		options.RetryStrategy = redislock.LimitRetry(redislock.LinearBackoff(interval), limit)
	}
	redisLock, err := l.locker.Obtain(ctx.Context(), key, ttl, options)
	message := fmt.Sprintf("LOCK OBTAIN %s TTL %s WAIT %s", key, ttl.String(), waitTimeout.String())
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			if hasLogger {
				l.fillLogFields(ctx, "LOCK OBTAIN", message, start, true, nil)
			}
			return nil, false, nil
		}
		if hasLogger {
			l.fillLogFields(ctx, "LOCK OBTAIN", message, start, false, err)
		}
		return nil, false, err
	}
	if hasLogger {
		l.fillLogFields(ctx, "LOCK OBTAIN", message, start, false, nil)
	}
	fillRedisMetrics(ctx, l.r.GetCode(), metricsOperationLock, time.Since(start))
	return &Lock{lock: redisLock, locker: l, ttl: ttl, key: key, has: true}, true, nil
}

type Lock struct {
	lock   *redislock.Lock
	key    string
	ttl    time.Duration
	locker *Locker
	has    bool
}

func (l *Lock) Release(ctx Context) error {
	if !l.has {
		return nil
	}
	l.has = false
	hasLogger, _ := ctx.getRedisLoggers()
	start := time.Now()
	err := l.lock.Release(context.Background())
	ok := true
	if errors.Is(err, redislock.ErrLockNotHeld) {
		err = nil
		ok = false
	}
	if hasLogger {
		l.locker.fillLogFields(ctx, "LOCK RELEASE", "LOCK RELEASE "+l.key, start, !ok, err)
	}
	return err
}

func (l *Lock) TTL(ctx Context) (time.Duration, error) {
	hasLogger, _ := ctx.getRedisLoggers()
	start := time.Now()
	t, err := l.lock.TTL(ctx.Context())
	if hasLogger {
		l.locker.fillLogFields(ctx, "LOCK TTL", "LOCK TTL "+l.key, start, false, err)
	}
	return t, err
}

func (l *Lock) Refresh(ctx Context, ttl time.Duration) (bool, error) {
	if !l.has {
		return false, nil
	}
	hasLogger, _ := ctx.getRedisLoggers()
	start := time.Now()
	err := l.lock.Refresh(ctx.Context(), ttl, nil)
	ok := true
	if errors.Is(err, redislock.ErrNotObtained) {
		ok = false
		err = nil
		l.has = false
	}
	if hasLogger {
		message := fmt.Sprintf("LOCK REFRESH %s %s", l.key, ttl)
		l.locker.fillLogFields(ctx, "LOCK REFRESH", message, start, !ok, err)
	}
	return ok, err
}

func (l *Locker) fillLogFields(ctx Context, operation, query string, start time.Time, cacheMiss bool, err error) {
	_, loggers := ctx.getRedisLoggers()
	duration := time.Since(start)
	fillLogFields(ctx, loggers, l.r.config.GetCode(), sourceRedis, operation, query, &duration, cacheMiss, err)
}
