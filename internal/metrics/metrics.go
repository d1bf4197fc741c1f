package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CatalogSearchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overpass_catalog_searches_total",
			Help: "Total granule catalog search requests",
		},
		[]string{"product", "status"},
	)

	GranulesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overpass_granules_processed_total",
			Help: "Granules handled per station/product, by outcome",
		},
		[]string{"station", "product", "outcome"},
	)

	BatchFlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overpass_batch_flushes_total",
			Help: "Partial batch files written",
		},
		[]string{"station", "product"},
	)

	ExtractLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "overpass_extract_latency_seconds",
			Help:    "Per-granule open and pixel extraction latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"product"},
	)
)
