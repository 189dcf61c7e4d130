// Package walog implements the write-ahead transaction log (§4.3): an
// append-only, length-prefixed, fsync-backed record stream that is the
// source of truth for whether a mutating operation's effect survived a
// crash.
//
// Every record is framed with the same length-prefixed opaque encoding
// internal/wire uses on the wire, so an incomplete tail record (a crash
// mid-append) decodes as a short read and is treated as absent rather
// than as corruption.
package walog

import (
	"fmt"
	"os"
	"sync"

	"github.com/nfsd-core/nfsd/internal/coreerr"
	"github.com/nfsd-core/nfsd/internal/wire"
	"golang.org/x/sys/unix"
)

type recordKind uint32

const (
	recBegin recordKind = iota
	recPreState
	recCommit
)

// Uncommitted describes a transaction recover found with a begin record
// but no matching commit record.
type Uncommitted struct {
	TxnID     uint64
	Procedure string
	Args      []byte
	PreState  []byte // nil if save_pre_state was never called
}

type txnEntry struct {
	procedure string
	args      []byte
	preState  []byte
	committed bool
}

// WAL is one append-only transaction log file.
type WAL struct {
	mu        sync.Mutex
	f         *os.File
	path      string
	nextTxnID uint64
	active    map[uint64]*txnEntry
}

// Open opens (creating if absent) the WAL file at path, appending to any
// existing content. Call Recover before accepting new transactions.
func Open(path string) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("walog: open %q: %w", path, err)
	}
	return &WAL{
		f:      f,
		path:   path,
		active: make(map[uint64]*txnEntry),
	}, nil
}

func encodeRecord(kind recordKind, txnID uint64, fn func(e *wire.Encoder)) []byte {
	inner := wire.NewEncoder()
	inner.PutUint32(uint32(kind))
	inner.PutUint64(txnID)
	if fn != nil {
		fn(inner)
	}
	outer := wire.NewEncoder()
	outer.PutOpaque(inner.Bytes())
	return outer.Bytes()
}

func (w *WAL) appendLocked(raw []byte) error {
	if _, err := w.f.Write(raw); err != nil {
		return fmt.Errorf("%w: append: %v", coreerr.ErrWALCommitFailed, err)
	}
	return nil
}

func (w *WAL) fsyncLocked() error {
	if err := unix.Fsync(int(w.f.Fd())); err != nil {
		return fmt.Errorf("%w: fsync: %v", coreerr.ErrWALCommitFailed, err)
	}
	return nil
}

// Begin assigns a fresh txn id and appends an uncommitted begin record.
func (w *WAL) Begin(procedure string, args []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	txnID := w.nextTxnID
	w.nextTxnID++

	raw := encodeRecord(recBegin, txnID, func(e *wire.Encoder) {
		e.PutString(procedure)
		e.PutOpaque(args)
	})
	if err := w.appendLocked(raw); err != nil {
		return 0, err
	}
	w.active[txnID] = &txnEntry{procedure: procedure, args: args}
	return txnID, nil
}

// SavePreState attaches the undo bytes for txnID and appends an updated
// record reflecting them.
func (w *WAL) SavePreState(txnID uint64, preState []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry, ok := w.active[txnID]
	if !ok {
		return fmt.Errorf("walog: unknown txn %d", txnID)
	}
	raw := encodeRecord(recPreState, txnID, func(e *wire.Encoder) {
		e.PutOpaque(preState)
	})
	if err := w.appendLocked(raw); err != nil {
		return err
	}
	entry.preState = preState
	return nil
}

// Commit appends a committed record and forces it to stable storage
// before returning, so the caller may treat the transaction's effect as
// durable the instant Commit returns.
func (w *WAL) Commit(txnID uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry, ok := w.active[txnID]
	if !ok {
		return fmt.Errorf("walog: unknown txn %d", txnID)
	}
	raw := encodeRecord(recCommit, txnID, nil)
	if err := w.appendLocked(raw); err != nil {
		return err
	}
	if err := w.fsyncLocked(); err != nil {
		return err
	}
	entry.committed = true
	delete(w.active, txnID)
	return nil
}

// Rollback drops the in-memory entry for txnID. Any pre-state bytes
// already appended remain in the log file for recovery to see; no
// further record is written, matching §4.3.
func (w *WAL) Rollback(txnID uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.active[txnID]; !ok {
		return fmt.Errorf("walog: unknown txn %d", txnID)
	}
	delete(w.active, txnID)
	return nil
}

// Sync forces the log to stable storage.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fsyncLocked()
}

// Close closes the underlying file descriptor.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// Recover scans the log from the beginning and returns every transaction
// that has a begin record but no commit record. An incomplete tail
// record (a crash mid-append) is treated as absent rather than as an
// error. After scanning, the log is rewritten to contain only the
// still-active (uncommitted) entries and truncated, per §4.3.
func (w *WAL) Recover() ([]Uncommitted, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.f.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("walog: seek for recovery: %w", err)
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fmt.Errorf("walog: read for recovery: %w", err)
	}

	entries := make(map[uint64]*txnEntry)
	var maxTxnID uint64
	haveMax := false

	d := wire.NewDecoder(data)
	for d.Remaining() >= 4 {
		payload, derr := d.Opaque()
		if derr != nil {
			// Truncated tail record: treat as absent, stop scanning.
			break
		}
		inner := wire.NewDecoder(payload)
		kindVal, kerr := inner.Uint32()
		if kerr != nil {
			break
		}
		txnID, terr := inner.Uint64()
		if terr != nil {
			break
		}
		if !haveMax || txnID > maxTxnID {
			maxTxnID = txnID
			haveMax = true
		}

		switch recordKind(kindVal) {
		case recBegin:
			procedure, perr := inner.String()
			if perr != nil {
				break
			}
			args, aerr := inner.Opaque()
			if aerr != nil {
				break
			}
			entries[txnID] = &txnEntry{procedure: procedure, args: append([]byte(nil), args...)}
		case recPreState:
			preState, perr := inner.Opaque()
			if perr != nil {
				break
			}
			if e, ok := entries[txnID]; ok {
				e.preState = append([]byte(nil), preState...)
			}
		case recCommit:
			if e, ok := entries[txnID]; ok {
				e.committed = true
			}
		}
	}

	var uncommitted []Uncommitted
	stillActive := make(map[uint64]*txnEntry)
	for txnID, e := range entries {
		if e.committed {
			continue
		}
		uncommitted = append(uncommitted, Uncommitted{
			TxnID:     txnID,
			Procedure: e.procedure,
			Args:      e.args,
			PreState:  e.preState,
		})
		stillActive[txnID] = e
	}

	if err := w.rewriteLocked(stillActive); err != nil {
		return nil, err
	}
	w.active = stillActive
	if haveMax {
		w.nextTxnID = maxTxnID + 1
	}
	return uncommitted, nil
}

// rewriteLocked replaces the log file's contents with only the records
// needed to reconstruct entries, then truncates to that new length.
// Caller holds w.mu.
func (w *WAL) rewriteLocked(entries map[uint64]*txnEntry) error {
	enc := wire.NewEncoder()
	for txnID, e := range entries {
		raw := encodeRecord(recBegin, txnID, func(ie *wire.Encoder) {
			ie.PutString(e.procedure)
			ie.PutOpaque(e.args)
		})
		enc.PutRaw(raw)
		if e.preState != nil {
			psRaw := encodeRecord(recPreState, txnID, func(ie *wire.Encoder) {
				ie.PutOpaque(e.preState)
			})
			enc.PutRaw(psRaw)
		}
	}

	if err := w.f.Truncate(0); err != nil {
		return fmt.Errorf("walog: truncate for rewrite: %w", err)
	}
	if _, err := w.f.Seek(0, 0); err != nil {
		return fmt.Errorf("walog: seek for rewrite: %w", err)
	}
	if _, err := w.f.Write(enc.Bytes()); err != nil {
		return fmt.Errorf("walog: write rewritten log: %w", err)
	}
	return w.fsyncLocked()
}

// TruncateEmpty clears the log, used by crash recovery once every
// entry has a verdict.
func (w *WAL) TruncateEmpty() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.f.Truncate(0); err != nil {
		return fmt.Errorf("walog: truncate empty: %w", err)
	}
	if _, err := w.f.Seek(0, 0); err != nil {
		return fmt.Errorf("walog: seek for truncate: %w", err)
	}
	return w.fsyncLocked()
}
