package listrelay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "listrelay_cache_hits_total",
		Help: "Cache reads answered by a live entry.",
	})
	metricCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "listrelay_cache_misses_total",
		Help: "Cache reads that missed or hit an expired entry.",
	})
	metricCacheWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "listrelay_cache_writes_total",
		Help: "Cache entry writes.",
	})
	metricCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "listrelay_cache_evictions_total",
		Help: "Entries evicted to make room under the capacity limit.",
	})
	metricOpsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "listrelay_operations_completed_total",
		Help: "Queued operations applied to the remote service.",
	})
	metricOpsRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "listrelay_operations_retried_total",
		Help: "Queued operations rescheduled after a retryable failure.",
	})
	metricOpsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "listrelay_operations_failed_total",
		Help: "Queued operations that reached a failed status.",
	})
)
