package rangeindex

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	TableCountry = "country"
	TableAS      = "as"
)

type Metrics struct {
	RowsSkipped   *prometheus.CounterVec
	TableEntries  *prometheus.GaugeVec
	ReloadErrors  *prometheus.CounterVec
	Reloads       *prometheus.CounterVec
	Generation    prometheus.Gauge
	LookupMisses  *prometheus.CounterVec
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	ReloadSeconds prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RowsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rangeindex_rows_skipped_total",
			Help: "Total number of malformed dataset rows skipped while loading",
		}, []string{"table"}),
		TableEntries: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rangeindex_table_entries",
			Help: "Number of ranges in the currently published table",
		}, []string{"table"}),
		ReloadErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rangeindex_reload_errors_total",
			Help: "Total number of failed dataset reloads",
		}, []string{"table"}),
		Reloads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rangeindex_reloads_total",
			Help: "Total number of successful dataset reloads",
		}, []string{"table"}),
		Generation: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rangeindex_snapshot_generation",
			Help: "Generation of the currently published snapshot",
		}),
		LookupMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rangeindex_lookup_misses_total",
			Help: "Total number of lookups that resolved to Unknown",
		}, []string{"table"}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "rangeindex_cache_hits_total",
			Help: "Total number of address lookups served from the cache",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "rangeindex_cache_misses_total",
			Help: "Total number of address lookups that searched the tables",
		}),
		ReloadSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name: "rangeindex_reload_duration_seconds",
			Help: "Duration of dataset reloads in seconds",
		}),
	}
}
