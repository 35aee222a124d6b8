package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter tracks acquire attempts by outcome: granted, refreshed,
	// reclaimed, denied or conflict.
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lease_acquire_total",
		Help: "Total number of acquire attempts by outcome",
	}, []string{"outcome"})
	// ReleaseCounter tracks the number of leases removed by an explicit release.
	ReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lease_release_total",
		Help: "Total number of released leases",
	})
	// EvictionCounter tracks expired leases removed, labelled by the operation
	// that noticed them.
	EvictionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lease_evictions_total",
		Help: "Total number of expired leases evicted",
	}, []string{"source"})
	// StoreFailureCounter tracks medium failures swallowed by the lease store.
	StoreFailureCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lease_store_failures_total",
		Help: "Total number of lease store failures by operation",
	}, []string{"op"})
	// ConflictCounter tracks optimistic writes rejected because the table
	// changed underneath.
	ConflictCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lease_version_conflicts_total",
		Help: "Total number of optimistic write conflicts",
	})
	// HeldGauge reports the number of leases seen by the last sweep.
	HeldGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lease_held",
		Help: "Number of live leases after the last sweep",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLeaseMetrics registers the lease metrics on the provided registry.
func RegisterLeaseMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, ReleaseCounter, EvictionCounter, StoreFailureCounter, ConflictCounter, HeldGauge)
}
