// Package metrics provides Prometheus instrumentation for the server's
// lock manager, session layer, and recovery engine, styled on the
// teacher's pkg/metadata/lock Metrics type.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status label values for lock operations.
const (
	StatusGranted  = "granted"
	StatusConflict = "conflict"
	StatusDeadlock = "deadlock"
)

// Decision label values for crash recovery verdicts.
const (
	DecisionRedo = "redo"
	DecisionUndo = "undo"
)

// Outcome label values for session reconnect replay.
const (
	OutcomeSuccess          = "success"
	OutcomePermanentFailure = "permanent_failure"
	OutcomeDependencyFailed = "dependency_failed"
)

// Metrics holds every Prometheus collector this server registers. A
// nil *Metrics is safe to call methods on; every method is a no-op in
// that case, so instrumentation can be threaded through optionally.
type Metrics struct {
	lockAcquireTotal *prometheus.CounterVec
	lockReleaseTotal *prometheus.CounterVec
	lockActiveGauge  *prometheus.GaugeVec
	lockBlockedGauge prometheus.Gauge
	lockWaitDuration prometheus.Histogram
	deadlockDetected prometheus.Counter

	sessionActiveGauge    prometheus.Gauge
	sessionCreatedTotal   prometheus.Counter
	sessionDestroyedTotal prometheus.Counter
	leaseExpiredTotal     prometheus.Counter

	gracePeriodActive    prometheus.Gauge
	gracePeriodRemaining prometheus.Gauge
	reclaimTotal         *prometheus.CounterVec

	recoveryDecisionTotal *prometheus.CounterVec
	recoveryDuration      prometheus.Histogram

	replayOutcomeTotal *prometheus.CounterVec
	replayBatchSize    prometheus.Histogram

	journalAppendTotal prometheus.Counter
	walSyncDuration    prometheus.Histogram

	registered bool
}

// New creates and, if registry is non-nil, registers every collector.
// Pass nil for use in tests that don't need real exposition.
func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		lockAcquireTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nfsd",
				Subsystem: "locks",
				Name:      "acquire_total",
				Help:      "Total number of byte-range lock acquire attempts",
			},
			[]string{"status"},
		),
		lockReleaseTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nfsd",
				Subsystem: "locks",
				Name:      "release_total",
				Help:      "Total number of byte-range lock releases",
			},
			[]string{"reason"},
		),
		lockActiveGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "nfsd",
				Subsystem: "locks",
				Name:      "active",
				Help:      "Number of currently held byte-range locks",
			},
			[]string{"type"},
		),
		lockBlockedGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "nfsd",
				Subsystem: "locks",
				Name:      "blocked",
				Help:      "Number of lock requests currently blocked",
			},
		),
		lockWaitDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "nfsd",
				Subsystem: "locks",
				Name:      "wait_duration_seconds",
				Help:      "Time a lock request spent blocked before grant, conflict, or timeout",
				Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30},
			},
		),
		deadlockDetected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "nfsd",
				Subsystem: "locks",
				Name:      "deadlock_detected_total",
				Help:      "Number of deadlocks detected by the wait-for graph",
			},
		),
		sessionActiveGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "nfsd",
				Subsystem: "sessions",
				Name:      "active",
				Help:      "Number of currently open sessions",
			},
		),
		sessionCreatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "nfsd",
				Subsystem: "sessions",
				Name:      "created_total",
				Help:      "Total number of sessions created",
			},
		),
		sessionDestroyedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "nfsd",
				Subsystem: "sessions",
				Name:      "destroyed_total",
				Help:      "Total number of sessions destroyed",
			},
		),
		leaseExpiredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "nfsd",
				Subsystem: "sessions",
				Name:      "lease_expired_total",
				Help:      "Total number of client leases that expired unrenewed",
			},
		),
		gracePeriodActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "nfsd",
				Subsystem: "recovery",
				Name:      "grace_period_active",
				Help:      "1 if the post-crash grace period is active, 0 otherwise",
			},
		),
		gracePeriodRemaining: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "nfsd",
				Subsystem: "recovery",
				Name:      "grace_period_remaining_seconds",
				Help:      "Seconds remaining in the grace period, 0 if inactive",
			},
		),
		reclaimTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nfsd",
				Subsystem: "recovery",
				Name:      "reclaim_total",
				Help:      "Total number of client state reclaim attempts during grace",
			},
			[]string{"status"},
		),
		recoveryDecisionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nfsd",
				Subsystem: "recovery",
				Name:      "crash_decision_total",
				Help:      "Total number of redo/undo decisions made during crash recovery",
			},
			[]string{"decision"},
		),
		recoveryDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "nfsd",
				Subsystem: "recovery",
				Name:      "crash_recovery_duration_seconds",
				Help:      "Wall time spent replaying the WAL and journal at startup",
				Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
		),
		replayOutcomeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nfsd",
				Subsystem: "recovery",
				Name:      "session_replay_outcome_total",
				Help:      "Total number of session reconnect replay outcomes",
			},
			[]string{"outcome"},
		),
		replayBatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "nfsd",
				Subsystem: "recovery",
				Name:      "session_replay_batch_size",
				Help:      "Number of operations flushed per replay batch",
				Buckets:   []float64{1, 4, 8, 16, 32, 64},
			},
		),
		journalAppendTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "nfsd",
				Subsystem: "journal",
				Name:      "append_total",
				Help:      "Total number of journal entries appended",
			},
		),
		walSyncDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "nfsd",
				Subsystem: "journal",
				Name:      "wal_sync_duration_seconds",
				Help:      "Time spent fsyncing the write-ahead log",
				Buckets:   []float64{0.0001, 0.001, 0.01, 0.1, 0.5, 1},
			},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.lockAcquireTotal,
			m.lockReleaseTotal,
			m.lockActiveGauge,
			m.lockBlockedGauge,
			m.lockWaitDuration,
			m.deadlockDetected,
			m.sessionActiveGauge,
			m.sessionCreatedTotal,
			m.sessionDestroyedTotal,
			m.leaseExpiredTotal,
			m.gracePeriodActive,
			m.gracePeriodRemaining,
			m.reclaimTotal,
			m.recoveryDecisionTotal,
			m.recoveryDuration,
			m.replayOutcomeTotal,
			m.replayBatchSize,
			m.journalAppendTotal,
			m.walSyncDuration,
		)
		m.registered = true
	}

	return m
}

// ObserveLockAcquire records a lock acquire attempt.
func (m *Metrics) ObserveLockAcquire(status string) {
	if m == nil {
		return
	}
	m.lockAcquireTotal.WithLabelValues(status).Inc()
}

// ObserveLockRelease records a lock release.
func (m *Metrics) ObserveLockRelease(reason string) {
	if m == nil {
		return
	}
	m.lockReleaseTotal.WithLabelValues(reason).Inc()
}

// SetActiveLocks sets the gauge for the given lock type.
func (m *Metrics) SetActiveLocks(lockType string, count float64) {
	if m == nil {
		return
	}
	m.lockActiveGauge.WithLabelValues(lockType).Set(count)
}

// SetBlockedLocks sets the number of blocked lock requests.
func (m *Metrics) SetBlockedLocks(count float64) {
	if m == nil {
		return
	}
	m.lockBlockedGauge.Set(count)
}

// ObserveLockWait records time spent blocked on a lock request.
func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWaitDuration.Observe(d.Seconds())
}

// ObserveDeadlock records a detected deadlock.
func (m *Metrics) ObserveDeadlock() {
	if m == nil {
		return
	}
	m.deadlockDetected.Inc()
}

// SetActiveSessions sets the number of currently open sessions.
func (m *Metrics) SetActiveSessions(count float64) {
	if m == nil {
		return
	}
	m.sessionActiveGauge.Set(count)
}

// ObserveSessionCreated records a session creation.
func (m *Metrics) ObserveSessionCreated() {
	if m == nil {
		return
	}
	m.sessionCreatedTotal.Inc()
}

// ObserveSessionDestroyed records a session destruction.
func (m *Metrics) ObserveSessionDestroyed() {
	if m == nil {
		return
	}
	m.sessionDestroyedTotal.Inc()
}

// ObserveLeaseExpired records an unrenewed lease expiring.
func (m *Metrics) ObserveLeaseExpired() {
	if m == nil {
		return
	}
	m.leaseExpiredTotal.Inc()
}

// SetGracePeriodActive sets whether the grace period is active.
func (m *Metrics) SetGracePeriodActive(active bool) {
	if m == nil {
		return
	}
	val := 0.0
	if active {
		val = 1.0
	}
	m.gracePeriodActive.Set(val)
}

// SetGracePeriodRemaining sets the remaining grace period in seconds.
func (m *Metrics) SetGracePeriodRemaining(seconds float64) {
	if m == nil {
		return
	}
	m.gracePeriodRemaining.Set(seconds)
}

// ObserveReclaim records a client state reclaim attempt.
func (m *Metrics) ObserveReclaim(success bool) {
	if m == nil {
		return
	}
	status := StatusGranted
	if !success {
		status = StatusConflict
	}
	m.reclaimTotal.WithLabelValues(status).Inc()
}

// ObserveRecoveryDecision records a crash-recovery redo/undo decision.
func (m *Metrics) ObserveRecoveryDecision(decision string) {
	if m == nil {
		return
	}
	m.recoveryDecisionTotal.WithLabelValues(decision).Inc()
}

// ObserveRecoveryDuration records total crash-recovery wall time.
func (m *Metrics) ObserveRecoveryDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.recoveryDuration.Observe(d.Seconds())
}

// ObserveReplayOutcome records a session reconnect replay outcome.
func (m *Metrics) ObserveReplayOutcome(outcome string) {
	if m == nil {
		return
	}
	m.replayOutcomeTotal.WithLabelValues(outcome).Inc()
}

// ObserveReplayBatch records the size of a flushed replay batch.
func (m *Metrics) ObserveReplayBatch(size int) {
	if m == nil {
		return
	}
	m.replayBatchSize.Observe(float64(size))
}

// ObserveJournalAppend records a journal append.
func (m *Metrics) ObserveJournalAppend() {
	if m == nil {
		return
	}
	m.journalAppendTotal.Inc()
}

// ObserveWALSync records time spent fsyncing the write-ahead log.
func (m *Metrics) ObserveWALSync(d time.Duration) {
	if m == nil {
		return
	}
	m.walSyncDuration.Observe(d.Seconds())
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	if m == nil || !m.registered {
		return
	}
	m.lockAcquireTotal.Describe(ch)
	m.lockReleaseTotal.Describe(ch)
	m.lockActiveGauge.Describe(ch)
	ch <- m.lockBlockedGauge.Desc()
	ch <- m.lockWaitDuration.Desc()
	ch <- m.deadlockDetected.Desc()
	ch <- m.sessionActiveGauge.Desc()
	ch <- m.sessionCreatedTotal.Desc()
	ch <- m.sessionDestroyedTotal.Desc()
	ch <- m.leaseExpiredTotal.Desc()
	ch <- m.gracePeriodActive.Desc()
	ch <- m.gracePeriodRemaining.Desc()
	m.reclaimTotal.Describe(ch)
	m.recoveryDecisionTotal.Describe(ch)
	ch <- m.recoveryDuration.Desc()
	m.replayOutcomeTotal.Describe(ch)
	ch <- m.replayBatchSize.Desc()
	ch <- m.journalAppendTotal.Desc()
	ch <- m.walSyncDuration.Desc()
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	if m == nil || !m.registered {
		return
	}
	m.lockAcquireTotal.Collect(ch)
	m.lockReleaseTotal.Collect(ch)
	m.lockActiveGauge.Collect(ch)
	ch <- m.lockBlockedGauge
	ch <- m.lockWaitDuration
	ch <- m.deadlockDetected
	ch <- m.sessionActiveGauge
	ch <- m.sessionCreatedTotal
	ch <- m.sessionDestroyedTotal
	ch <- m.leaseExpiredTotal
	ch <- m.gracePeriodActive
	ch <- m.gracePeriodRemaining
	m.reclaimTotal.Collect(ch)
	m.recoveryDecisionTotal.Collect(ch)
	ch <- m.recoveryDuration
	m.replayOutcomeTotal.Collect(ch)
	ch <- m.replayBatchSize
	m.journalAppendTotal.Collect(ch)
	ch <- m.walSyncDuration
}

// Server serves the /metrics endpoint over HTTP.
type Server struct {
	http *http.Server
}

// NewServer builds a metrics HTTP server bound to addr, exposing the
// collectors registered in registry via promhttp.
func NewServer(addr string, registry *prometheus.Registry) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return &Server{http: &http.Server{Addr: addr, Handler: mux}}
}

// ListenAndServe starts serving and blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
