package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// CycleCounter counts mutation cycles by outcome
	// (completed, failed, lock_timeout, wait_timeout, rejected).
	CycleCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "thingsync_cycles_total",
		Help: "Total number of property mutation cycles by result",
	}, []string{"result"})
	// PhaseLatency observes the round trip of each protocol step.
	PhaseLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "thingsync_phase_latency_seconds",
		Help:    "Latency of protocol steps",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"phase"})
	// LockWait observes how long a cycle waited for the resource mutex.
	LockWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "thingsync_lock_wait_seconds",
		Help:    "Time spent acquiring the resource mutex",
		Buckets: prometheus.DefBuckets,
	})
	// SequenceMismatchCounter counts acknowledgements echoing an unexpected sequence number.
	SequenceMismatchCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "thingsync_sequence_mismatch_total",
		Help: "Total number of sequence number mismatches",
	})
	// StaleNotifyCounter counts responses that arrived after their step stopped waiting.
	StaleNotifyCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "thingsync_stale_responses_total",
		Help: "Total number of responses ignored as stale",
	})
	// InFlightGauge reports the number of cycles currently running.
	InFlightGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "thingsync_cycles_in_flight",
		Help: "Current number of mutation cycles in flight",
	})
	// WatcherGauge reports the number of active event watchers.
	WatcherGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "thingsync_watchers",
		Help: "Current number of active event watchers",
	})
	// RemoteLockGauge reports the number of thing locks held on the gateway side.
	RemoteLockGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "thingsync_gateway_locks_held",
		Help: "Current number of thing locks held by sessions",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers thingsync metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		CycleCounter,
		PhaseLatency,
		LockWait,
		SequenceMismatchCounter,
		StaleNotifyCounter,
		InFlightGauge,
		WatcherGauge,
		RemoteLockGauge,
	)
}
