package lockmgr

import (
	"testing"
	"time"

	"github.com/nfsd-core/nfsd/internal/handle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHandle(b byte) handle.Handle {
	var h handle.Handle
	h[0] = b
	return h
}

func TestLockGrantedOnFirstRequest(t *testing.T) {
	m := New()
	h := testHandle(1)

	outcome, err := m.Lock(h, 0, 100, Write, "alice", false)
	require.NoError(t, err)
	assert.Equal(t, Granted, outcome)

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.Attempts)
	assert.Equal(t, uint64(1), stats.Successes)
}

func TestNonOverlappingReadsDoNotConflict(t *testing.T) {
	m := New()
	h := testHandle(1)

	outcome1, err := m.Lock(h, 0, 10, Read, "alice", false)
	require.NoError(t, err)
	assert.Equal(t, Granted, outcome1)

	outcome2, err := m.Lock(h, 0, 10, Read, "bob", false)
	require.NoError(t, err)
	assert.Equal(t, Granted, outcome2)
}

func TestOverlappingWritesConflict(t *testing.T) {
	m := New()
	h := testHandle(1)

	_, err := m.Lock(h, 0, 10, Write, "alice", false)
	require.NoError(t, err)

	outcome, err := m.Lock(h, 5, 10, Write, "bob", false)
	require.NoError(t, err)
	assert.Equal(t, Conflict, outcome)
}

func TestSameHolderExactRangeUpgrade(t *testing.T) {
	m := New()
	h := testHandle(1)

	_, err := m.Lock(h, 0, 10, Read, "alice", false)
	require.NoError(t, err)

	outcome, err := m.Lock(h, 0, 10, Write, "alice", false)
	require.NoError(t, err)
	assert.Equal(t, Upgraded, outcome)
	assert.Equal(t, uint64(1), m.Stats().Upgrades)
}

func TestUpgradeBlockedByOtherReader(t *testing.T) {
	m := New()
	h := testHandle(1)

	_, err := m.Lock(h, 0, 10, Read, "alice", false)
	require.NoError(t, err)
	_, err = m.Lock(h, 0, 10, Read, "bob", false)
	require.NoError(t, err)

	outcome, err := m.Lock(h, 0, 10, Write, "alice", false)
	require.NoError(t, err)
	assert.Equal(t, Conflict, outcome)
}

func TestSameHolderExactRangeDowngrade(t *testing.T) {
	m := New()
	h := testHandle(1)

	_, err := m.Lock(h, 0, 10, Write, "alice", false)
	require.NoError(t, err)

	outcome, err := m.Lock(h, 0, 10, Read, "alice", false)
	require.NoError(t, err)
	assert.Equal(t, Downgraded, outcome)
	assert.Equal(t, uint64(1), m.Stats().Downgrades)
}

func TestCoalescingMergesTouchingRegionsSameHolderAndType(t *testing.T) {
	m := New()
	h := testHandle(1)

	_, err := m.Lock(h, 0, 10, Read, "alice", false)
	require.NoError(t, err)
	_, err = m.Lock(h, 10, 10, Read, "alice", false)
	require.NoError(t, err)

	fs := m.stateFor(h)
	require.Len(t, fs.regions, 1)
	assert.Equal(t, uint64(0), fs.regions[0].Offset)
	assert.Equal(t, uint64(20), fs.regions[0].Length)
}

func TestUnlockFullyRemovesRegion(t *testing.T) {
	m := New()
	h := testHandle(1)

	_, err := m.Lock(h, 0, 10, Write, "alice", false)
	require.NoError(t, err)
	require.NoError(t, m.Unlock(h, 0, 10, "alice"))

	fs := m.stateFor(h)
	assert.Empty(t, fs.regions)
}

func TestUnlockSplitsRegionIntoTwoResiduals(t *testing.T) {
	m := New()
	h := testHandle(1)

	_, err := m.Lock(h, 0, 100, Write, "alice", false)
	require.NoError(t, err)
	require.NoError(t, m.Unlock(h, 40, 10, "alice"))

	fs := m.stateFor(h)
	require.Len(t, fs.regions, 2)
	offsets := map[uint64]uint64{}
	for _, r := range fs.regions {
		offsets[r.Offset] = r.Length
	}
	assert.Equal(t, uint64(40), offsets[0])
	assert.Equal(t, uint64(50), offsets[50])
}

func TestBlockingLockGrantedAfterUnlock(t *testing.T) {
	m := New()
	m.SetWaitTimeout(2 * time.Second)
	h := testHandle(1)

	_, err := m.Lock(h, 0, 10, Write, "alice", false)
	require.NoError(t, err)

	done := make(chan Outcome, 1)
	go func() {
		outcome, _ := m.Lock(h, 0, 10, Write, "bob", true)
		done <- outcome
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, m.Unlock(h, 0, 10, "alice"))

	select {
	case outcome := <-done:
		assert.Equal(t, Granted, outcome)
	case <-time.After(3 * time.Second):
		t.Fatal("blocking lock was never granted")
	}
}

func TestBlockingLockTimesOut(t *testing.T) {
	m := New()
	m.SetWaitTimeout(50 * time.Millisecond)
	h := testHandle(1)

	_, err := m.Lock(h, 0, 10, Write, "alice", false)
	require.NoError(t, err)

	outcome, err := m.Lock(h, 0, 10, Write, "bob", true)
	require.Error(t, err)
	assert.Equal(t, Conflict, outcome)
	assert.Equal(t, uint64(1), m.Stats().Timeouts)
}

func TestReleaseHolderDropsAllRegions(t *testing.T) {
	m := New()
	h1 := testHandle(1)
	h2 := testHandle(2)

	_, err := m.Lock(h1, 0, 10, Write, "alice", false)
	require.NoError(t, err)
	_, err = m.Lock(h2, 0, 10, Write, "alice", false)
	require.NoError(t, err)

	m.ReleaseHolder("alice")

	assert.Empty(t, m.stateFor(h1).regions)
	assert.Empty(t, m.stateFor(h2).regions)
}

func TestReapStaleRemovesOldRegions(t *testing.T) {
	m := New()
	m.SetStaleTimeout(time.Millisecond)
	h := testHandle(1)

	_, err := m.Lock(h, 0, 10, Write, "alice", false)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	reaped := m.ReapStale(time.Now())
	assert.Equal(t, 1, reaped)
	assert.Empty(t, m.stateFor(h).regions)
}

func TestStatsAttemptsMatchSuccessesPlusFailures(t *testing.T) {
	m := New()
	h := testHandle(1)

	_, _ = m.Lock(h, 0, 10, Write, "alice", false)
	_, _ = m.Lock(h, 5, 10, Write, "bob", false)
	_, _ = m.Lock(h, 0, 10, Read, "alice", false)

	stats := m.Stats()
	assert.Equal(t, stats.Attempts, stats.Successes+stats.Failures)
}

// TestStatsPartitionHoldsAcrossDeadlockAndTimeout exercises both the
// deadlock and timeout branches in the same run, since each increments
// a stat other than Failures and a regression that double-counted into
// Failures alongside them would only show up once both fire.
func TestStatsPartitionHoldsAcrossDeadlockAndTimeout(t *testing.T) {
	m := New()
	m.SetWaitTimeout(50 * time.Millisecond)
	h1 := testHandle(1)
	h2 := testHandle(2)

	_, err := m.Lock(h1, 0, 10, Write, "alice", false)
	require.NoError(t, err)
	_, err = m.Lock(h2, 0, 10, Write, "bob", false)
	require.NoError(t, err)

	done := make(chan Outcome, 1)
	go func() {
		outcome, _ := m.Lock(h2, 0, 10, Write, "alice", true)
		done <- outcome
	}()
	time.Sleep(10 * time.Millisecond)

	outcome, err := m.Lock(h1, 0, 10, Write, "bob", true)
	require.Error(t, err)
	assert.Equal(t, Deadlock, outcome)

	select {
	case outcome := <-done:
		assert.Equal(t, Conflict, outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("alice's wait on h2 never resolved")
	}

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.Deadlocks)
	assert.Equal(t, uint64(1), stats.Timeouts)
	assert.Equal(t, stats.Attempts, stats.Successes+stats.Failures+stats.Deadlocks+stats.Timeouts)
}
