package sessionorm

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metricsRegistry struct {
	queriesStore       *prometheus.HistogramVec
	queriesStoreErrors *prometheus.CounterVec
	queriesRedis       *prometheus.HistogramVec
	sessionCache       *prometheus.CounterVec
	flushedRecords     *prometheus.CounterVec
	transactions       *prometheus.CounterVec
}

func initMetricsRegistry(factory promauto.Factory) *metricsRegistry {
	reg := &metricsRegistry{}
	reg.queriesStore = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name: "sessionorm_store_queries",
		Help: "Total number of store queries executed",
	}, []string{"operation", "pool"})
	reg.queriesStoreErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "sessionorm_store_queries_errors",
		Help: "Total number of failed store queries",
	}, []string{"pool"})
	reg.queriesRedis = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name: "sessionorm_redis_queries",
		Help: "Total number of Redis queries executed",
	}, []string{"operation", "pool"})
	reg.sessionCache = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "sessionorm_session_cache",
		Help: "Session cache lookups by result",
	}, []string{"entity", "result"})
	reg.flushedRecords = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "sessionorm_flushed_records",
		Help: "Total number of dirty records written to the store",
	}, []string{"entity"})
	reg.transactions = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "sessionorm_transactions",
		Help: "Total number of finished transactions",
	}, []string{"isolation", "propagation", "result"})
	return reg
}

func fillStoreMetrics(ctx Context, pool, operation string, end time.Duration, err error) {
	metrics, hasMetrics := ctx.Engine().Registry().getMetricsRegistry()
	if !hasMetrics {
		return
	}
	metrics.queriesStore.WithLabelValues(operation, pool).Observe(end.Seconds())
	if err != nil {
		metrics.queriesStoreErrors.WithLabelValues(pool).Inc()
	}
}

func fillSessionCacheMetrics(ctx Context, entity string, hit bool) {
	metrics, hasMetrics := ctx.Engine().Registry().getMetricsRegistry()
	if !hasMetrics {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	metrics.sessionCache.WithLabelValues(entity, result).Inc()
}

func fillFlushMetrics(ctx Context, entity string) {
	metrics, hasMetrics := ctx.Engine().Registry().getMetricsRegistry()
	if hasMetrics {
		metrics.flushedRecords.WithLabelValues(entity).Inc()
	}
}

func fillTransactionMetrics(ctx Context, isolation Isolation, propagation Propagation, result string) {
	metrics, hasMetrics := ctx.Engine().Registry().getMetricsRegistry()
	if hasMetrics {
		metrics.transactions.WithLabelValues(isolation.String(), propagation.String(), result).Inc()
	}
}

func fillRedisMetrics(ctx Context, pool, operation string, end time.Duration) {
	metrics, hasMetrics := ctx.Engine().Registry().getMetricsRegistry()
	if hasMetrics {
		metrics.queriesRedis.WithLabelValues(operation, pool).Observe(end.Seconds())
	}
}
