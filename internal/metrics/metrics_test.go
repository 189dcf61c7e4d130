package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NotNil(t, m)

	m.ObserveLockAcquire(StatusGranted)
	m.ObserveReclaim(true)
	m.ObserveRecoveryDecision(DecisionRedo)
	m.ObserveReplayOutcome(OutcomeSuccess)

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Greater(t, count, 0)
}

func TestNilMetricsMethodsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveLockAcquire(StatusGranted)
		m.SetActiveLocks("exclusive", 1)
		m.ObserveDeadlock()
		m.SetActiveSessions(3)
		m.ObserveSessionCreated()
		m.SetGracePeriodActive(true)
		m.ObserveReclaim(false)
		m.ObserveRecoveryDecision(DecisionUndo)
		m.ObserveReplayBatch(64)
		m.ObserveJournalAppend()
		m.Describe(nil)
		m.Collect(nil)
	})
}

func TestUnregisteredMetricsAreSafeToUse(t *testing.T) {
	m := New(nil)
	assert.NotPanics(t, func() {
		m.ObserveLockAcquire(StatusGranted)
		m.ObserveWALSync(0)
	})
}
