// Package metrics exposes Prometheus collectors for snapshot recomputation
// and price lookups.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	recomputesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapshot_recomputes_total",
			Help: "Total number of snapshot recompute batches",
		},
		[]string{"status"},
	)

	recomputeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "snapshot_recompute_duration_seconds",
			Help:    "Snapshot recompute batch duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	snapshotsWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "snapshots_written_total",
			Help: "Total number of snapshot rows upserted",
		},
	)

	triggersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapshot_triggers_total",
			Help: "Ledger mutation triggers received",
		},
		[]string{"kind"},
	)

	priceLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "price_lookups_total",
			Help: "Price lookups by cache outcome",
		},
		[]string{"result"},
	)
)

func init() {
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	registry.MustRegister(recomputesTotal)
	registry.MustRegister(recomputeDuration)
	registry.MustRegister(snapshotsWritten)
	registry.MustRegister(triggersTotal)
	registry.MustRegister(priceLookups)
}

// Registry returns the prometheus registry
func Registry() *prometheus.Registry {
	return registry
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// RecordRecompute records one finished batch.
func RecordRecompute(d time.Duration, written int, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	recomputesTotal.WithLabelValues(status).Inc()
	recomputeDuration.Observe(d.Seconds())
	snapshotsWritten.Add(float64(written))
}

func RecordTrigger(kind string) {
	triggersTotal.WithLabelValues(kind).Inc()
}

// RecordPriceLookup counts a lookup served from the batch cache (hit) or
// the price source (miss).
func RecordPriceLookup(hit bool) {
	if hit {
		priceLookups.WithLabelValues("hit").Inc()
		return
	}
	priceLookups.WithLabelValues("miss").Inc()
}
