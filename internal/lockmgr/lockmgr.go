// Package lockmgr implements the byte-range advisory lock manager (§4.5):
// per-file region lists with grant/upgrade/downgrade, coalescing and
// splitting, a blocking wait path with DFS-based deadlock detection over
// the wait-for graph, a stale-lock reaper, and the required statistics.
package lockmgr

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nfsd-core/nfsd/internal/coreerr"
	"github.com/nfsd-core/nfsd/internal/handle"
)

// LockType is Read (shared) or Write (exclusive).
type LockType int

const (
	Read LockType = iota
	Write
)

// Outcome is the result of a Lock call.
type Outcome int

const (
	Granted Outcome = iota
	Conflict
	Deadlock
	Upgraded
	Downgraded
)

// DefaultWaitTimeout is the blocking-lock wait timeout, §5.
const DefaultWaitTimeout = 30 * time.Second

// DefaultStaleTimeout is the stale-lock reaper's region age cutoff,
// §4.5.
const DefaultStaleTimeout = 5 * time.Minute

// Region is one granted byte range on a file.
type Region struct {
	Holder    string
	Offset    uint64
	Length    uint64 // 0 means "to end of file"
	Type      LockType
	GrantedAt time.Time
}

func (r *Region) end() uint64 {
	if r.Length == 0 {
		return ^uint64(0)
	}
	return r.Offset + r.Length
}

func overlaps(aOffset, aLength, bOffset, bLength uint64) bool {
	aEnd := aOffset + aLength
	if aLength == 0 {
		aEnd = ^uint64(0)
	}
	bEnd := bOffset + bLength
	if bLength == 0 {
		bEnd = ^uint64(0)
	}
	return aEnd > bOffset && bEnd > aOffset
}

// touches reports whether two same-holder-and-type regions overlap or
// touch at an endpoint, the coalescing condition from §4.5:
// A.end >= B.start && B.end >= A.start (inclusive endpoints).
func touches(a, b *Region) bool {
	return a.end() >= b.Offset && b.end() >= a.Offset
}

type waiter struct {
	holder string
	path   handle.Handle
	offset uint64
	length uint64
	typ    LockType
	wake   chan struct{}
}

type fileState struct {
	regions []*Region
	waiters []*waiter
}

// Stats are the statistics §4.5 requires the manager expose.
type Stats struct {
	Attempts      uint64
	Successes     uint64
	Failures      uint64
	Deadlocks     uint64
	Timeouts      uint64
	Upgrades      uint64
	Downgrades    uint64
	TotalWaitTime time.Duration
}

// Manager is the byte-range lock manager. One instance serves the whole
// process; per-file state lives behind the single top-level mutex,
// matching §5's lock-ordering rule that fine-grained per-file state
// lives inside the lock manager rather than as separate nested locks.
type Manager struct {
	mu          sync.Mutex
	files       map[handle.Handle]*fileState
	waitTimeout time.Duration
	staleAfter  time.Duration
	stats       Stats
}

// New constructs a Manager with the default timeouts; override via
// SetWaitTimeout/SetStaleTimeout in tests.
func New() *Manager {
	return &Manager{
		files:       make(map[handle.Handle]*fileState),
		waitTimeout: DefaultWaitTimeout,
		staleAfter:  DefaultStaleTimeout,
	}
}

// SetWaitTimeout overrides the blocking-lock wait timeout.
func (m *Manager) SetWaitTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waitTimeout = d
}

// SetStaleTimeout overrides the stale-lock reaper's cutoff.
func (m *Manager) SetStaleTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staleAfter = d
}

func (m *Manager) stateFor(h handle.Handle) *fileState {
	fs, ok := m.files[h]
	if !ok {
		fs = &fileState{}
		m.files[h] = fs
	}
	return fs
}

// Lock attempts to acquire offset/length on h for holder, per the
// granting algorithm of §4.5. If wait is true and a conflict exists, the
// caller blocks up to the wait timeout; otherwise a conflict returns
// immediately.
func (m *Manager) Lock(h handle.Handle, offset, length uint64, typ LockType, holderID string, wait bool) (Outcome, error) {
	m.mu.Lock()
	m.stats.Attempts++
	fs := m.stateFor(h)

	if outcome, ok := m.tryGrantLocked(fs, h, offset, length, typ, holderID); ok {
		m.recordOutcomeLocked(outcome)
		m.mu.Unlock()
		return outcome, nil
	}

	if !wait {
		m.stats.Failures++
		m.mu.Unlock()
		return Conflict, nil
	}

	if m.wouldDeadlockLocked(fs, h, holderID, offset, length, typ) {
		m.stats.Deadlocks++
		m.mu.Unlock()
		return Deadlock, coreerr.ErrDeadlock
	}

	w := &waiter{holder: holderID, path: h, offset: offset, length: length, typ: typ, wake: make(chan struct{}, 1)}
	fs.waiters = append(fs.waiters, w)
	waitStart := time.Now()
	m.mu.Unlock()

	timer := time.NewTimer(m.waitTimeout)
	defer timer.Stop()

	for {
		select {
		case <-w.wake:
			m.mu.Lock()
			m.stats.TotalWaitTime += time.Since(waitStart)
			if outcome, ok := m.tryGrantLocked(fs, h, offset, length, typ, holderID); ok {
				m.removeWaiterLocked(fs, w)
				m.recordOutcomeLocked(outcome)
				m.mu.Unlock()
				return outcome, nil
			}
			if m.wouldDeadlockLocked(fs, h, holderID, offset, length, typ) {
				m.removeWaiterLocked(fs, w)
				m.stats.Deadlocks++
				m.mu.Unlock()
				return Deadlock, coreerr.ErrDeadlock
			}
			m.mu.Unlock()
			// Spurious wake with no grant available: keep waiting.
		case <-timer.C:
			m.mu.Lock()
			m.stats.TotalWaitTime += time.Since(waitStart)
			m.removeWaiterLocked(fs, w)
			m.stats.Timeouts++
			m.mu.Unlock()
			return Conflict, coreerr.ErrLockTimeout
		}
	}
}

func (m *Manager) removeWaiterLocked(fs *fileState, target *waiter) {
	out := fs.waiters[:0]
	for _, w := range fs.waiters {
		if w != target {
			out = append(out, w)
		}
	}
	fs.waiters = out
}

func (m *Manager) recordOutcomeLocked(outcome Outcome) {
	switch outcome {
	case Granted:
		m.stats.Successes++
	case Upgraded:
		m.stats.Successes++
		m.stats.Upgrades++
	case Downgraded:
		m.stats.Successes++
		m.stats.Downgrades++
	}
}

// tryGrantLocked implements the granting algorithm's steps 1-3. Caller
// holds m.mu.
func (m *Manager) tryGrantLocked(fs *fileState, h handle.Handle, offset, length uint64, typ LockType, holderID string) (Outcome, bool) {
	// Step 1: exact-range same-holder upgrade/downgrade.
	for _, r := range fs.regions {
		if r.Holder != holderID || r.Offset != offset || r.Length != length || r.Type == typ {
			continue
		}
		if typ == Write {
			// Upgrade Read->Write iff no other holder overlaps.
			for _, other := range fs.regions {
				if other == r || other.Holder == holderID {
					continue
				}
				if overlaps(other.Offset, other.Length, offset, length) {
					return Conflict, false
				}
			}
			r.Type = Write
			r.GrantedAt = time.Now()
			m.coalesceLocked(fs, holderID, typ)
			m.wakeWaitersLocked(fs)
			return Upgraded, true
		}
		// Downgrade Write->Read unconditionally.
		r.Type = Read
		r.GrantedAt = time.Now()
		m.coalesceLocked(fs, holderID, typ)
		m.wakeWaitersLocked(fs)
		return Downgraded, true
	}

	// Step 2: conflict check against every existing region.
	for _, r := range fs.regions {
		if r.Holder == holderID {
			continue
		}
		if !overlaps(r.Offset, r.Length, offset, length) {
			continue
		}
		if r.Type == Write || typ == Write {
			return Conflict, false
		}
	}

	// Step 3: insert and coalesce.
	fs.regions = append(fs.regions, &Region{
		Holder:    holderID,
		Offset:    offset,
		Length:    length,
		Type:      typ,
		GrantedAt: time.Now(),
	})
	m.coalesceLocked(fs, holderID, typ)
	return Granted, true
}

// coalesceLocked merges regions of the same holder and type that overlap
// or touch, running to a fixed point, per §4.5.
func (m *Manager) coalesceLocked(fs *fileState, holderID string, typ LockType) {
	for {
		merged := false
		for i := 0; i < len(fs.regions); i++ {
			a := fs.regions[i]
			if a.Holder != holderID || a.Type != typ {
				continue
			}
			for k := i + 1; k < len(fs.regions); k++ {
				b := fs.regions[k]
				if b.Holder != holderID || b.Type != typ {
					continue
				}
				if !touches(a, b) {
					continue
				}
				start := a.Offset
				if b.Offset < start {
					start = b.Offset
				}
				var newLength uint64
				if a.Length == 0 || b.Length == 0 {
					newLength = 0
				} else {
					end := a.end()
					if b.end() > end {
						end = b.end()
					}
					newLength = end - start
				}
				a.Offset = start
				a.Length = newLength
				fs.regions = append(fs.regions[:k], fs.regions[k+1:]...)
				merged = true
				break
			}
			if merged {
				break
			}
		}
		if !merged {
			return
		}
	}
}

// wouldDeadlockLocked builds the wait-for edge set and runs a DFS from
// holderID looking for a back edge, per §4.5's deadlock rule.
func (m *Manager) wouldDeadlockLocked(fs *fileState, h handle.Handle, holderID string, offset, length uint64, typ LockType) bool {
	edges := make(map[string]map[string]bool)
	addEdge := func(from, to string) {
		if from == to {
			return
		}
		if edges[from] == nil {
			edges[from] = make(map[string]bool)
		}
		edges[from][to] = true
	}

	for _, state := range m.files {
		for _, w := range state.waiters {
			for _, r := range state.regions {
				if r.Holder == w.holder {
					continue
				}
				if !overlaps(r.Offset, r.Length, w.offset, w.length) {
					continue
				}
				if r.Type != Write && w.typ != Write {
					continue
				}
				addEdge(w.holder, r.Holder)
			}
		}
	}
	// The pending request itself is a (holder -> each conflicting
	// current holder) edge not yet registered as a waiter.
	for _, r := range fs.regions {
		if r.Holder == holderID {
			continue
		}
		if !overlaps(r.Offset, r.Length, offset, length) {
			continue
		}
		if r.Type != Write && typ != Write {
			continue
		}
		addEdge(holderID, r.Holder)
	}

	visited := make(map[string]bool)
	var dfs func(node string) bool
	dfs = func(node string) bool {
		if visited[node] {
			return false
		}
		visited[node] = true
		for next := range edges[node] {
			if next == holderID {
				return true
			}
			if dfs(next) {
				return true
			}
		}
		return false
	}
	for next := range edges[holderID] {
		if next == holderID {
			return true
		}
		if dfs(next) {
			return true
		}
	}
	return false
}

func (m *Manager) wakeWaitersLocked(fs *fileState) {
	for _, w := range fs.waiters {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
}

// Unlock releases offset/length for holder on h, splitting any
// partially-covered region into up to two residuals per §4.5.
func (m *Manager) Unlock(h handle.Handle, offset, length uint64, holderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fs := m.stateFor(h)
	var out []*Region
	for _, r := range fs.regions {
		if r.Holder != holderID || !overlaps(r.Offset, r.Length, offset, length) {
			out = append(out, r)
			continue
		}
		out = append(out, splitRegion(r, offset, length)...)
	}
	fs.regions = out
	m.wakeWaitersLocked(fs)
	return nil
}

// splitRegion applies an unlock of [offset, offset+length) to r,
// producing up to two residual regions: [r.Offset, offset) if
// offset > r.Offset, and [offset+length, r.end()) if offset+length <
// r.end().
func splitRegion(r *Region, offset, length uint64) []*Region {
	rEnd := r.end()
	uEnd := offset + length
	if length == 0 {
		uEnd = ^uint64(0)
	}

	var out []*Region
	if offset > r.Offset {
		before := *r
		before.Length = offset - r.Offset
		out = append(out, &before)
	}
	if uEnd < rEnd {
		after := *r
		after.Offset = uEnd
		if r.Length == 0 {
			after.Length = 0
		} else {
			after.Length = rEnd - uEnd
		}
		out = append(out, &after)
	}
	return out
}

// ReleaseHolder drops every region and waiter belonging to holderID
// across all files, called on connection close.
func (m *Manager) ReleaseHolder(holderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, fs := range m.files {
		var regions []*Region
		for _, r := range fs.regions {
			if r.Holder != holderID {
				regions = append(regions, r)
			}
		}
		fs.regions = regions

		var waiters []*waiter
		for _, w := range fs.waiters {
			if w.holder != holderID {
				waiters = append(waiters, w)
			}
		}
		fs.waiters = waiters
		m.wakeWaitersLocked(fs)
	}
}

// ReapStale removes regions older than the configured stale timeout and
// notifies waiters, the only safety net for a holder that disappeared
// without a clean ReleaseHolder.
func (m *Manager) ReapStale(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	reaped := 0
	for _, fs := range m.files {
		var regions []*Region
		for _, r := range fs.regions {
			if now.Sub(r.GrantedAt) > m.staleAfter {
				reaped++
				continue
			}
			regions = append(regions, r)
		}
		if reaped > 0 {
			fs.regions = regions
			m.wakeWaitersLocked(fs)
		}
	}
	return reaped
}

// Stats returns a snapshot of the manager's statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// NewHolderID mints a fresh holder identity for a connection/open-owner
// pair, using a random id so two distinct clients never collide.
func NewHolderID() string {
	return uuid.NewString()
}
