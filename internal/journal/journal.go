// Package journal implements the operation journal (§4.4), layered on
// internal/walog: each high-level mutating operation allocates one
// journal entry and one WAL transaction, linked by txn id, so recovery
// can replay or discard incomplete work in an order that respects both
// per-path temporal order and explicit dependencies.
package journal

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/nfsd-core/nfsd/internal/coreerr"
	"github.com/nfsd-core/nfsd/internal/walog"
	"github.com/nfsd-core/nfsd/internal/wire"
	"golang.org/x/sys/unix"
)

type recordKind uint32

const (
	recAppend recordKind = iota
	recDependency
	recComplete
)

// Entry is one journal record: a high-level mutating operation paired
// with the WAL transaction that brackets its effect.
type Entry struct {
	SeqID      uint64
	TxnID      uint64
	Procedure  string
	Args       []byte
	TargetPath string
	ClientID   string // empty for anonymous/pre-session callers
	Timestamp  int64  // unix nanos
	Deps       []uint64

	transitionBegun bool
	txnFinalized    bool
	Completed       bool
	Success         bool
	Result          []byte
}

// Journal is the append-only operation log plus the in-memory index
// recover rebuilds it from.
type Journal struct {
	mu        sync.Mutex
	wal       *walog.WAL
	f         *os.File
	path      string
	nextSeqID uint64
	entries   map[uint64]*Entry
}

// Open opens the journal's own record file at path, layering on wal for
// transaction lifecycle. Call Recover before accepting new entries.
func Open(path string, wal *walog.WAL) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("journal: open %q: %w", path, err)
	}
	return &Journal{
		wal:     wal,
		f:       f,
		path:    path,
		entries: make(map[uint64]*Entry),
	}, nil
}

func encodeRecord(kind recordKind, fn func(e *wire.Encoder)) []byte {
	inner := wire.NewEncoder()
	inner.PutUint32(uint32(kind))
	fn(inner)
	outer := wire.NewEncoder()
	outer.PutOpaque(inner.Bytes())
	return outer.Bytes()
}

func (j *Journal) appendRecordLocked(raw []byte) error {
	if _, err := j.f.Write(raw); err != nil {
		return fmt.Errorf("journal: append record: %w", err)
	}
	return nil
}

// Append allocates a fresh seq id, begins the paired WAL transaction,
// and records the operation. It fails without allocating a seq id if the
// WAL begin fails.
func (j *Journal) Append(procedure string, args []byte, targetPath string) (uint64, error) {
	return j.appendFor(procedure, args, targetPath, "")
}

// AppendForClient is Append, additionally tagging the entry with the
// client_id whose session produced it, so a later reconnect can select
// just that client's outstanding entries for replay.
func (j *Journal) AppendForClient(procedure string, args []byte, targetPath, clientID string) (uint64, error) {
	return j.appendFor(procedure, args, targetPath, clientID)
}

func (j *Journal) appendFor(procedure string, args []byte, targetPath, clientID string) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	txnID, err := j.wal.Begin(procedure, args)
	if err != nil {
		return 0, err
	}

	seqID := j.nextSeqID
	j.nextSeqID++
	ts := time.Now().UnixNano()

	raw := encodeRecord(recAppend, func(e *wire.Encoder) {
		e.PutUint64(seqID)
		e.PutUint64(txnID)
		e.PutString(procedure)
		e.PutOpaque(args)
		e.PutString(targetPath)
		e.PutInt64(ts)
		e.PutString(clientID)
	})
	if err := j.appendRecordLocked(raw); err != nil {
		return 0, err
	}

	j.entries[seqID] = &Entry{
		SeqID:      seqID,
		TxnID:      txnID,
		Procedure:  procedure,
		Args:       args,
		TargetPath: targetPath,
		ClientID:   clientID,
		Timestamp:  ts,
	}
	return seqID, nil
}

// AddDependency records that seq must not be replayed before dependsOn
// completes.
func (j *Journal) AddDependency(seq, dependsOn uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry, ok := j.entries[seq]
	if !ok {
		return fmt.Errorf("journal: unknown seq %d", seq)
	}
	raw := encodeRecord(recDependency, func(e *wire.Encoder) {
		e.PutUint64(seq)
		e.PutUint64(dependsOn)
	})
	if err := j.appendRecordLocked(raw); err != nil {
		return err
	}
	entry.Deps = append(entry.Deps, dependsOn)
	return nil
}

// CheckDependencies reports whether every entry seq depends on has
// completed.
func (j *Journal) CheckDependencies(seq uint64) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry, ok := j.entries[seq]
	if !ok {
		return false, fmt.Errorf("journal: unknown seq %d", seq)
	}
	for _, dep := range entry.Deps {
		depEntry, ok := j.entries[dep]
		if !ok || !depEntry.Completed {
			return false, nil
		}
	}
	return true, nil
}

// BeginStateTransition saves the pre-state bytes needed to undo seq's
// effect, should its transaction roll back.
func (j *Journal) BeginStateTransition(seq uint64, preState []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry, ok := j.entries[seq]
	if !ok {
		return fmt.Errorf("journal: unknown seq %d", seq)
	}
	if err := j.wal.SavePreState(entry.TxnID, preState); err != nil {
		return err
	}
	entry.transitionBegun = true
	return nil
}

// CommitStateTransition commits seq's WAL transaction.
func (j *Journal) CommitStateTransition(seq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry, ok := j.entries[seq]
	if !ok {
		return fmt.Errorf("journal: unknown seq %d", seq)
	}
	if entry.txnFinalized {
		return nil
	}
	if err := j.wal.Commit(entry.TxnID); err != nil {
		return err
	}
	entry.txnFinalized = true
	return nil
}

// RollbackStateTransition rolls back seq's WAL transaction.
func (j *Journal) RollbackStateTransition(seq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry, ok := j.entries[seq]
	if !ok {
		return fmt.Errorf("journal: unknown seq %d", seq)
	}
	if entry.txnFinalized {
		return nil
	}
	if err := j.wal.Rollback(entry.TxnID); err != nil {
		return err
	}
	entry.txnFinalized = true
	return nil
}

// Complete writes a completion record for seq and finalizes its WAL
// transaction: commits on success, rolls back on failure. If a prior
// CommitStateTransition/RollbackStateTransition already finalized the
// WAL txn, only the completion record is written.
func (j *Journal) Complete(seq uint64, success bool, result []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry, ok := j.entries[seq]
	if !ok {
		return fmt.Errorf("journal: unknown seq %d", seq)
	}

	raw := encodeRecord(recComplete, func(e *wire.Encoder) {
		e.PutUint64(seq)
		e.PutBool(success)
		e.PutOpaque(result)
	})
	if err := j.appendRecordLocked(raw); err != nil {
		return err
	}
	if err := unix.Fsync(int(j.f.Fd())); err != nil {
		return fmt.Errorf("%w: journal fsync: %v", coreerr.ErrWALCommitFailed, err)
	}

	if !entry.txnFinalized {
		var err error
		if success {
			err = j.wal.Commit(entry.TxnID)
		} else {
			err = j.wal.Rollback(entry.TxnID)
		}
		if err != nil {
			return err
		}
		entry.txnFinalized = true
	}

	entry.Completed = true
	entry.Success = success
	entry.Result = result
	return nil
}

// GetIncomplete returns every entry not yet marked complete, for crash
// recovery.
func (j *Journal) GetIncomplete() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []Entry
	for _, e := range j.entries {
		if !e.Completed {
			out = append(out, *e)
		}
	}
	return out
}

// IncompleteForClient returns every entry tagged with clientID that is
// not yet marked complete, the set a reconnecting session's replay
// pipeline runs over.
func (j *Journal) IncompleteForClient(clientID string) []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []Entry
	for _, e := range j.entries {
		if !e.Completed && e.ClientID == clientID {
			out = append(out, *e)
		}
	}
	return out
}

// Close closes the underlying journal file descriptor.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

// TruncateEmpty clears the journal file, used by crash recovery once
// every entry has a verdict.
func (j *Journal) TruncateEmpty() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.f.Truncate(0); err != nil {
		return fmt.Errorf("journal: truncate empty: %w", err)
	}
	if _, err := j.f.Seek(0, 0); err != nil {
		return fmt.Errorf("journal: seek for truncate: %w", err)
	}
	return unix.Fsync(int(j.f.Fd()))
}

// Recover reads the journal file from the beginning, rebuilds the
// in-memory entry index (an incomplete tail record is treated as
// absent), and returns the incomplete entries ordered per §4.4's
// ordering rules: for the same target path, timestamp order unless an
// explicit dependency says otherwise; across disjoint paths, any
// topological order consistent with explicit dependencies. A dependency
// cycle is a fatal consistency error.
func (j *Journal) Recover() ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.f.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("journal: seek for recovery: %w", err)
	}
	data, err := os.ReadFile(j.path)
	if err != nil {
		return nil, fmt.Errorf("journal: read for recovery: %w", err)
	}

	entries := make(map[uint64]*Entry)
	var maxSeq uint64
	haveMax := false

	d := wire.NewDecoder(data)
	for d.Remaining() >= 4 {
		payload, derr := d.Opaque()
		if derr != nil {
			break // incomplete tail record: treat as absent
		}
		inner := wire.NewDecoder(payload)
		kindVal, kerr := inner.Uint32()
		if kerr != nil {
			break
		}

		switch recordKind(kindVal) {
		case recAppend:
			seqID, e1 := inner.Uint64()
			txnID, e2 := inner.Uint64()
			procedure, e3 := inner.String()
			args, e4 := inner.Opaque()
			targetPath, e5 := inner.String()
			ts, e6 := inner.Int64()
			clientID, e7 := inner.String()
			if e1 != nil || e2 != nil || e3 != nil || e4 != nil || e5 != nil || e6 != nil {
				continue
			}
			if e7 != nil {
				clientID = "" // older record written before client tagging existed
			}
			entries[seqID] = &Entry{
				SeqID:      seqID,
				TxnID:      txnID,
				Procedure:  procedure,
				Args:       append([]byte(nil), args...),
				TargetPath: targetPath,
				ClientID:   clientID,
				Timestamp:  ts,
			}
			if !haveMax || seqID > maxSeq {
				maxSeq = seqID
				haveMax = true
			}
		case recDependency:
			seq, e1 := inner.Uint64()
			dep, e2 := inner.Uint64()
			if e1 != nil || e2 != nil {
				continue
			}
			if e, ok := entries[seq]; ok {
				e.Deps = append(e.Deps, dep)
			}
		case recComplete:
			seq, e1 := inner.Uint64()
			success, e2 := inner.Bool()
			result, e3 := inner.Opaque()
			if e1 != nil || e2 != nil || e3 != nil {
				continue
			}
			if e, ok := entries[seq]; ok {
				e.Completed = true
				e.Success = success
				e.Result = append([]byte(nil), result...)
			}
		}
	}

	j.entries = entries
	if haveMax {
		j.nextSeqID = maxSeq + 1
	}

	var incomplete []*Entry
	for _, e := range entries {
		if !e.Completed {
			incomplete = append(incomplete, e)
		}
	}

	ordered, err := orderForReplay(incomplete)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, len(ordered))
	for i, e := range ordered {
		out[i] = *e
	}
	return out, nil
}

// orderForReplay builds a dependency graph from explicit AddDependency
// edges plus implicit per-path timestamp-order edges, then returns a
// topological order. A cycle is coreerr.ErrConsistency, fatal per §4.4
// rule 3.
func orderForReplay(entries []*Entry) ([]*Entry, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	byPath := make(map[string][]*Entry)
	for _, e := range entries {
		byPath[e.TargetPath] = append(byPath[e.TargetPath], e)
	}

	// edge[a] contains b means a must be replayed before b.
	edges := make(map[uint64][]uint64)
	addEdge := func(before, after uint64) {
		edges[before] = append(edges[before], after)
	}

	for _, group := range byPath {
		sort.Slice(group, func(i, k int) bool {
			if group[i].Timestamp != group[k].Timestamp {
				return group[i].Timestamp < group[k].Timestamp
			}
			return group[i].SeqID < group[k].SeqID
		})
		for i := 1; i < len(group); i++ {
			addEdge(group[i-1].SeqID, group[i].SeqID)
		}
	}
	for _, e := range entries {
		for _, dep := range e.Deps {
			addEdge(dep, e.SeqID)
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[uint64]int, len(entries))
	bySeq := make(map[uint64]*Entry, len(entries))
	for _, e := range entries {
		bySeq[e.SeqID] = e
		color[e.SeqID] = white
	}

	var order []*Entry
	var visit func(seq uint64) error
	visit = func(seq uint64) error {
		switch color[seq] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("%w: cycle at seq %d", coreerr.ErrConsistency, seq)
		}
		color[seq] = gray
		for _, next := range edges[seq] {
			if _, ok := bySeq[next]; !ok {
				continue
			}
			if err := visit(next); err != nil {
				return err
			}
		}
		color[seq] = black
		order = append([]*Entry{bySeq[seq]}, order...)
		return nil
	}

	seqsInOrder := make([]uint64, 0, len(entries))
	for _, e := range entries {
		seqsInOrder = append(seqsInOrder, e.SeqID)
	}
	sort.Slice(seqsInOrder, func(i, k int) bool { return seqsInOrder[i] < seqsInOrder[k] })

	for _, seq := range seqsInOrder {
		if err := visit(seq); err != nil {
			return nil, err
		}
	}
	return order, nil
}
