package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilepipe_cache_hits_total",
		Help: "Total number of resources served from the persistent cache",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilepipe_cache_misses_total",
		Help: "Total number of cache lookups that went to the network",
	})

	CacheStores = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilepipe_cache_stores_total",
		Help: "Total number of records written to the persistent cache",
	})

	CacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilepipe_cache_errors_total",
		Help: "Total number of persistent cache errors",
	}, []string{"operation"})

	// Network metrics
	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tilepipe_fetch_duration_seconds",
		Help:    "Duration of network fetches in seconds",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"kind"})

	FetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilepipe_fetch_errors_total",
		Help: "Total number of failed fetches",
	}, []string{"kind", "class"})

	CoalescedRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilepipe_coalesced_requests_total",
		Help: "Total number of requests attached to an operation already in flight",
	})

	PendingOperations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tilepipe_pending_operations",
		Help: "Number of operations currently in the pending table",
	})

	// Tile metrics
	TileTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilepipe_tile_transitions_total",
		Help: "Total number of tile lifecycle transitions by target state",
	}, []string{"state"})

	BucketErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilepipe_bucket_errors_total",
		Help: "Total number of buckets dropped during parse",
	}, []string{"bucket"})

	ParseDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tilepipe_parse_duration_seconds",
		Help:    "Duration of tile parses in seconds",
		Buckets: prometheus.DefBuckets,
	})
)
