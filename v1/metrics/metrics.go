package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter tracks the number of successful Acquire calls.
	AcquireCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warplock_acquire_total",
		Help: "Total number of acquired locks",
	})
	// AcquireMissCounter tracks Acquire calls that returned without the lock.
	AcquireMissCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warplock_acquire_missed_total",
		Help: "Total number of acquire attempts that did not obtain the lock",
	})
	// ReleaseCounter tracks the number of releases that cleared a held lease.
	ReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warplock_release_total",
		Help: "Total number of effective lock releases",
	})
	// SignalCounter tracks the number of release signals appended.
	SignalCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warplock_signals_total",
		Help: "Total number of release signals published",
	})
	// WaiterGauge reports the number of acquire calls waiting for a release.
	WaiterGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warplock_waiters",
		Help: "Current number of acquire calls waiting for a release signal",
	})
	// AcquireLatency observes the time spent inside Acquire.
	AcquireLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "warplock_acquire_seconds",
		Help:    "Latency of acquire calls",
		Buckets: prometheus.DefBuckets,
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the lock metrics on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, AcquireMissCounter, ReleaseCounter, SignalCounter, WaiterGauge, AcquireLatency)
}
