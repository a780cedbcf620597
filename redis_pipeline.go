package sessionorm

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisPipeLine struct {
	ctx      Context
	r        *redisCache
	pool     string
	pipeLine redis.Pipeliner
	commands int
	log      []string
}

func newRedisPipeLine(ctx Context, r *redisCache) *RedisPipeLine {
	return &RedisPipeLine{ctx: ctx, pool: r.GetCode(), r: r, pipeLine: r.client.Pipeline()}
}

func (rp *RedisPipeLine) XAdd(stream string, values []string) *PipeLineString {
	rp.commands++
	hasLog, _ := rp.ctx.getRedisLoggers()
	if hasLog {
		rp.log = append(rp.log, fmt.Sprintf("XADD %s %d values", stream, len(values)/2))
	}
	return &PipeLineString{cmd: rp.pipeLine.XAdd(rp.ctx.Context(), &redis.XAddArgs{Stream: stream, Values: values})}
}

func (rp *RedisPipeLine) Del(key ...string) {
	rp.commands++
	hasLog, _ := rp.ctx.getRedisLoggers()
	if hasLog {
		rp.log = append(rp.log, "DEL "+strings.Join(key, " "))
	}
	rp.pipeLine.Del(rp.ctx.Context(), key...)
}

func (rp *RedisPipeLine) Exec(ctx Context) ([]redis.Cmder, error) {
	if rp.commands == 0 {
		return make([]redis.Cmder, 0), nil
	}
	hasLog, loggers := rp.ctx.getRedisLoggers()
	start := time.Now()
	res, err := rp.pipeLine.Exec(rp.ctx.Context())
	end := time.Since(start)
	rp.pipeLine = rp.r.client.Pipeline()
	if errors.Is(err, redis.Nil) {
		err = nil
	}
	if hasLog {
		fillLogFields(ctx, loggers, rp.pool, sourceRedis, "PIPELINE EXEC", strings.Join(rp.log, "\n"), &end, false, err)
	}
	fillRedisMetrics(ctx, rp.pool, "pipeline", end)
	rp.log = nil
	rp.commands = 0
	return res, err
}

type PipeLineString struct {
	cmd *redis.StringCmd
}

func (c *PipeLineString) Result() (string, error) {
	return c.cmd.Result()
}
