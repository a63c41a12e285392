// Package metrics provides Prometheus metrics for agentd.
//
// Every daemon owns its own registry. Nothing registers with the global
// Prometheus default registerer, so tests can build as many Metrics as they
// like.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentd"

// DurationBuckets are the default latency buckets, 100µs to ~6.5s.
var DurationBuckets = prometheus.ExponentialBuckets(0.0001, 3, 11)

// Metrics holds all agentd metrics.
//
// A nil *Metrics is valid; every Record method on it is a no-op.
type Metrics struct {
	registry *prometheus.Registry
	started  time.Time

	// Context store
	FindingsAdded   *prometheus.CounterVec
	FindingsTrimmed *prometheus.CounterVec
	FindingsCleared *prometheus.CounterVec
	TierSize        *prometheus.GaugeVec

	// Lock manager
	LockAcquisitions *prometheus.CounterVec
	LockWait         prometheus.Histogram
	LockConflicts    prometheus.Counter
	LocksHeld        prometheus.Gauge

	// Transactional I/O
	AtomicWrites     *prometheus.CounterVec
	ChecksumFailures prometheus.Counter
	OrphansRemoved   prometheus.Counter
	FilesRepaired    prometheus.Counter

	// Daemon
	ConfigReloads *prometheus.CounterVec
	Uptime        prometheus.GaugeFunc
}

// New creates a registry and registers all agentd metrics on it, along with
// the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	f := promauto.With(reg)
	m := &Metrics{registry: reg, started: time.Now()}

	m.FindingsAdded = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "findings_added_total",
		Help:      "Findings accepted by the context store, by tier",
	}, []string{"tier", "severity"})
	m.FindingsTrimmed = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "findings_trimmed_total",
		Help:      "Findings dropped by memory trimming, by tier",
	}, []string{"tier"})
	m.FindingsCleared = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "findings_cleared_total",
		Help:      "Findings removed by explicit clears, by tier",
	}, []string{"tier"})
	m.TierSize = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tier_size",
		Help:      "Findings currently held per tier",
	}, []string{"tier"})

	m.LockAcquisitions = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lock_acquisitions_total",
		Help:      "File lock acquisition attempts by mode and result",
	}, []string{"mode", "result"})
	m.LockWait = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "lock_wait_seconds",
		Help:      "Time spent waiting for a file lock",
		Buckets:   DurationBuckets,
	})
	m.LockConflicts = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lock_conflicts_total",
		Help:      "Concurrent modifications detected by the lock manager",
	})
	m.LocksHeld = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "locks_held",
		Help:      "Paths with at least one lock holder",
	})

	m.AtomicWrites = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "atomic_writes_total",
		Help:      "Atomic file writes by result",
	}, []string{"result"})
	m.ChecksumFailures = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "checksum_failures_total",
		Help:      "Files whose content did not match their checksum sidecar",
	})
	m.OrphansRemoved = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orphans_removed_total",
		Help:      "Orphaned temp files removed by crash recovery",
	})
	m.FilesRepaired = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "files_repaired_total",
		Help:      "Corrupted files restored from backup",
	})

	m.ConfigReloads = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "config_reloads_total",
		Help:      "Configuration reloads by result",
	}, []string{"result"})
	m.Uptime = f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Seconds since the daemon started",
	}, func() float64 { return time.Since(m.started).Seconds() })

	return m
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordFindingAdded records a finding stored in tier and the tier's new size.
func (m *Metrics) RecordFindingAdded(tier, severity string, size int) {
	if m == nil {
		return
	}
	m.FindingsAdded.WithLabelValues(tier, severity).Inc()
	m.TierSize.WithLabelValues(tier).Set(float64(size))
}

// RecordTrim records n findings dropped from tier.
func (m *Metrics) RecordTrim(tier string, n, size int) {
	if m == nil {
		return
	}
	m.FindingsTrimmed.WithLabelValues(tier).Add(float64(n))
	m.TierSize.WithLabelValues(tier).Set(float64(size))
}

// RecordClear records n findings cleared from tier.
func (m *Metrics) RecordClear(tier string, n int) {
	if m == nil {
		return
	}
	m.FindingsCleared.WithLabelValues(tier).Add(float64(n))
	m.TierSize.WithLabelValues(tier).Set(0)
}

// SetTierSize sets the current size of tier.
func (m *Metrics) SetTierSize(tier string, size int) {
	if m == nil {
		return
	}
	m.TierSize.WithLabelValues(tier).Set(float64(size))
}

// RecordLockAttempt records the outcome of an acquisition and how long the
// caller waited for it.
func (m *Metrics) RecordLockAttempt(mode string, granted bool, wait time.Duration) {
	if m == nil {
		return
	}
	result := "granted"
	if !granted {
		result = "refused"
	}
	m.LockAcquisitions.WithLabelValues(mode, result).Inc()
	m.LockWait.Observe(wait.Seconds())
}

// RecordConflict records a detected concurrent modification.
func (m *Metrics) RecordConflict() {
	if m == nil {
		return
	}
	m.LockConflicts.Inc()
}

// SetLocksHeld sets the number of currently locked paths.
func (m *Metrics) SetLocksHeld(n int) {
	if m == nil {
		return
	}
	m.LocksHeld.Set(float64(n))
}

// RecordWrite records an atomic write.
func (m *Metrics) RecordWrite(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.AtomicWrites.WithLabelValues("error").Inc()
		return
	}
	m.AtomicWrites.WithLabelValues("ok").Inc()
}

// RecordStartup records the outcome of startup recovery and self-healing.
func (m *Metrics) RecordStartup(orphans, corrupted, repaired int) {
	if m == nil {
		return
	}
	m.OrphansRemoved.Add(float64(orphans))
	m.ChecksumFailures.Add(float64(corrupted))
	m.FilesRepaired.Add(float64(repaired))
}

// RecordChecksumFailure records one file failing verification.
func (m *Metrics) RecordChecksumFailure() {
	if m == nil {
		return
	}
	m.ChecksumFailures.Inc()
}

// RecordReload records a configuration reload.
func (m *Metrics) RecordReload(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.ConfigReloads.WithLabelValues("rejected").Inc()
		return
	}
	m.ConfigReloads.WithLabelValues("applied").Inc()
}
