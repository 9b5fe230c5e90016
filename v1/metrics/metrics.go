package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter tracks acquire attempts by primitive (lock|semaphore) and
	// result (acquired|busy|error).
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coord_acquire_total",
		Help: "Total number of acquire attempts by primitive and result",
	}, []string{"primitive", "result"})
	// ReleaseCounter tracks release calls by primitive and result
	// (released|noop|error).
	ReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coord_release_total",
		Help: "Total number of release calls by primitive and result",
	}, []string{"primitive", "result"})
	// StoreRetryCounter tracks retried store operations.
	StoreRetryCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coord_store_retries_total",
		Help: "Total number of store operations retried after a transient fault",
	}, []string{"op"})
	// ReconnectCounter tracks connection recreations.
	ReconnectCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coord_store_reconnects_total",
		Help: "Total number of store connection recreations",
	})
	// StoreLatency observes the latency of single store round trips.
	StoreLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coord_store_latency_seconds",
		Help:    "Latency of store operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
)

// Primitive labels.
const (
	PrimitiveLock      = "lock"
	PrimitiveSemaphore = "semaphore"
)

// Result labels.
const (
	ResultAcquired = "acquired"
	ResultBusy     = "busy"
	ResultReleased = "released"
	ResultNoop     = "noop"
	ResultError    = "error"
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers go-coord metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, ReleaseCounter, StoreRetryCounter, ReconnectCounter, StoreLatency)
}
