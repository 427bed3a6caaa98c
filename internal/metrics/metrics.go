// Package metrics exposes Prometheus counters/gauges for the ambient
// observability layer the core tick machinery never forbids, grounded
// on chidi150c-coinbase's metrics.go registration idiom: package-level
// vars created at init time, registered once, served by promhttp in
// main.go's startMetricsServer.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	TickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "peakexec_tick_duration_seconds",
		Help:    "Duration of one position tick.",
		Buckets: prometheus.DefBuckets,
	})

	WatchdogActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "peakexec_watchdog_actions_total",
		Help: "Watchdog actions taken, by action and reason.",
	}, []string{"action", "reason"})

	ExchangeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "peakexec_exchange_errors_total",
		Help: "Exchange adapter errors, by operation.",
	}, []string{"operation"})

	OpenPositions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "peakexec_open_positions",
		Help: "Whether a position is currently open (0 or 1 — this system runs a single symbol).",
	})

	InvariantFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "peakexec_invariant_failures_total",
		Help: "Anomaly-detector alerts fired, by invariant id and severity.",
	}, []string{"invariant_id", "severity"})

	SignalsDeduped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peakexec_signals_deduped_total",
		Help: "PEAK signals skipped because their dedup key was already seen.",
	})
)

func init() {
	prometheus.MustRegister(TickDuration, WatchdogActions, ExchangeErrors, OpenPositions, InvariantFailures, SignalsDeduped)
}
