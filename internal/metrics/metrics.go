// Package metrics exposes Prometheus collectors for the optimization layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits counts true cache hits per provider type.
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optigate_cache_hits_total",
		Help: "Number of cache hits served from the keyed store.",
	}, []string{"provider_type"})

	// CacheMisses counts cache misses per provider type.
	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optigate_cache_misses_total",
		Help: "Number of cache misses in the keyed store.",
	}, []string{"provider_type"})

	// DedupHits counts lookups served from the in-process dedup pool.
	DedupHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optigate_dedup_hits_total",
		Help: "Number of lookups served from the query deduplication pool.",
	})

	// ProviderCalls counts producer invocations by provider type and outcome.
	ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optigate_provider_calls_total",
		Help: "Number of provider calls issued on cache misses.",
	}, []string{"provider_type", "outcome"})

	// ProviderLatency observes producer latency in seconds per provider type.
	ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "optigate_provider_call_duration_seconds",
		Help:    "Latency of provider calls issued on cache misses.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"provider_type"})
)
