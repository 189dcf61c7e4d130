// Package coreerr defines the sentinel errors the handle table, lock
// manager, session manager, state manager, WAL, and journal return.
// Callers compare with errors.Is; the compound engine and RPC frontend
// translate these to NFSv4 status or RPC-level faults at their boundary
// (internal/nfs4status does the translation), never before.
package coreerr

import "errors"

var (
	// ErrStale is returned when a file handle no longer resolves to a
	// live path (its backing object was removed or replaced).
	ErrStale = errors.New("coreerr: stale handle")

	// ErrBadHandle is returned for a handle never issued by this server
	// instance, or one malformed on the wire.
	ErrBadHandle = errors.New("coreerr: bad handle")

	// ErrGracePeriod is returned when a non-reclaim lock/open request
	// arrives while the server is still within its post-crash grace
	// period.
	ErrGracePeriod = errors.New("coreerr: grace period in effect")

	// ErrNoGrace is returned when a reclaim request arrives after the
	// grace period has already ended.
	ErrNoGrace = errors.New("coreerr: grace period has ended")

	// ErrDeadlock is returned by the lock manager when granting a
	// blocking lock request would close a cycle in the wait-for graph.
	ErrDeadlock = errors.New("coreerr: lock request would deadlock")

	// ErrLockRange is returned for a lock range that is invalid (e.g.
	// offset+length overflow).
	ErrLockRange = errors.New("coreerr: invalid lock range")

	// ErrLockNotSupp is returned for a lock type the manager does not
	// implement (mandatory locking, explicitly out of scope).
	ErrLockNotSupp = errors.New("coreerr: lock type not supported")

	// ErrLocked is returned when a non-blocking lock request conflicts
	// with an existing incompatible lock.
	ErrLocked = errors.New("coreerr: range is locked")

	// ErrLockTimeout is returned when a blocking lock request exceeds
	// its wait timeout without being granted.
	ErrLockTimeout = errors.New("coreerr: lock wait timed out")

	// ErrFileOpen is returned when an operation requires no open state
	// on the target but one exists.
	ErrFileOpen = errors.New("coreerr: file is open")

	// ErrClidInUse is returned when SETCLIENTID names an already
	// registered client id with a different verifier.
	ErrClidInUse = errors.New("coreerr: client id already in use")

	// ErrStaleClientID is returned for a client id unknown to the state
	// manager, or whose lease has already expired.
	ErrStaleClientID = errors.New("coreerr: stale client id")

	// ErrStaleStateID is returned for a state id unknown to the state
	// manager, or superseded by a later generation.
	ErrStaleStateID = errors.New("coreerr: stale state id")

	// ErrBadSeqid is returned when a request's sequence id does not
	// match what the session or open-owner expects next.
	ErrBadSeqid = errors.New("coreerr: bad sequence id")

	// ErrSeqMisordered is returned by the session manager when a
	// SEQUENCE op arrives with a sequence id that is neither the next
	// expected value nor a retransmission of the last reply.
	ErrSeqMisordered = errors.New("coreerr: sequence id out of order")

	// ErrReclaimBad is returned when a client attempts to reclaim state
	// it never held.
	ErrReclaimBad = errors.New("coreerr: nothing to reclaim")

	// ErrReclaimConflict is returned when a reclaim request conflicts
	// with state already reclaimed by another client.
	ErrReclaimConflict = errors.New("coreerr: reclaim conflicts with existing state")

	// ErrNotSupported is returned for a recognized but unimplemented
	// operation.
	ErrNotSupported = errors.New("coreerr: operation not supported")

	// ErrInvalid is returned for malformed arguments caught above the
	// filesystem layer (empty names, path separators in a component,
	// negative lengths).
	ErrInvalid = errors.New("coreerr: invalid argument")

	// ErrWALCommitFailed is returned when a WAL append or fsync fails;
	// per §7 this always surfaces as ServerFault and the caller
	// must treat the transaction as rolled back.
	ErrWALCommitFailed = errors.New("coreerr: WAL commit failed")

	// ErrJournalCorrupt names a corrupt journal record. No code path in
	// this module returns it: journal records carry no checksum, and
	// journal recovery treats a truncated tail record as absent.
	ErrJournalCorrupt = errors.New("coreerr: journal record corrupt")

	// ErrDependencyUnmet is returned when a journal entry is completed
	// out of order relative to a recorded dependency.
	ErrDependencyUnmet = errors.New("coreerr: journal dependency not yet satisfied")

	// ErrHandleCollision is a fatal condition: the handle table's
	// collision-detecting id generator produced a duplicate after
	// exhausting its retry budget.
	ErrHandleCollision = errors.New("coreerr: handle id collision")

	// ErrAuthDenied is returned by the auth gate for an unknown flavor,
	// a malformed credential, a GSS call with no acceptor or a rejected
	// context, or a failed VerifyMIC check. The gate does not consult the
	// configured allowed_principals list.
	ErrAuthDenied = errors.New("coreerr: authentication denied")

	// ErrConsistency is fatal and returned only during recovery when the
	// WAL and journal disagree in a way no redo/undo decision resolves;
	// the process must exit 2 without admitting traffic.
	ErrConsistency = errors.New("coreerr: recovery consistency check failed")
)
