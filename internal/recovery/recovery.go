// Package recovery implements the recovery engine's three disjoint
// modes (§4.11): crash recovery at process start, the grace-period
// client-reclaim window that follows it, and per-client session
// reconnect replay with priority batching, run at any time a known
// client_id reconnects.
package recovery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nfsd-core/nfsd/internal/coreerr"
	"github.com/nfsd-core/nfsd/internal/fsoracle"
	"github.com/nfsd-core/nfsd/internal/journal"
	"github.com/nfsd-core/nfsd/internal/walog"
)

// DefaultGracePeriod is the post-crash reclaim-only window, §5/§6.
const DefaultGracePeriod = 60 * time.Second

// Decision is what crash recovery chose to do with one in-flight entry.
type Decision int

const (
	DecisionRedo Decision = iota
	DecisionUndo
)

func (d Decision) String() string {
	if d == DecisionRedo {
		return "redo"
	}
	return "undo"
}

// Verdict records the decision recovery reached for one journal entry
// and whether its post-action restat check passed.
type Verdict struct {
	SeqID    uint64
	TxnID    uint64
	Decision Decision
	Verified bool
}

// CrashRecoverer re-derives durable state from the WAL and journal at
// startup, per §4.11 "crash recovery" steps 1-4.
type CrashRecoverer struct {
	WAL     *walog.WAL
	Journal *journal.Journal
	FS      *fsoracle.Oracle
}

// Redoer replays a journaled operation's effect idempotently; called
// when a completed journal entry has an uncommitted WAL record.
type Redoer func(entry journal.Entry) error

// Run performs crash recovery. redo is invoked for every entry
// recovery decides to redo; its own idempotency is the caller's
// responsibility (the same guarantee the compound engine's mutate
// wrapper already provides operation handlers). An entry that is
// incomplete with no saved pre-state is a fatal consistency error:
// Run returns immediately, wrapping coreerr.ErrConsistency, and the
// caller must refuse to admit traffic.
func (r *CrashRecoverer) Run(redo Redoer) ([]Verdict, error) {
	uncommitted, err := r.WAL.Recover()
	if err != nil {
		return nil, fmt.Errorf("recovery: wal recover: %w", err)
	}
	incomplete, err := r.Journal.Recover()
	if err != nil {
		return nil, fmt.Errorf("recovery: journal recover: %w", err)
	}

	uncommittedByTxn := make(map[uint64]walog.Uncommitted, len(uncommitted))
	for _, u := range uncommitted {
		uncommittedByTxn[u.TxnID] = u
	}

	verdicts := make([]Verdict, 0, len(incomplete))
	for _, entry := range incomplete {
		u, hasUncommitted := uncommittedByTxn[entry.TxnID]

		switch {
		case entry.Completed && hasUncommitted:
			if err := redo(entry); err != nil {
				return verdicts, fmt.Errorf("recovery: redo seq %d: %w", entry.SeqID, err)
			}
			if err := r.WAL.Commit(entry.TxnID); err != nil {
				return verdicts, fmt.Errorf("recovery: commit redone seq %d: %w", entry.SeqID, err)
			}
			verified := r.verify(entry)
			verdicts = append(verdicts, Verdict{SeqID: entry.SeqID, TxnID: entry.TxnID, Decision: DecisionRedo, Verified: verified})

		case !entry.Completed && hasUncommitted && u.PreState != nil:
			if err := r.WAL.Rollback(entry.TxnID); err != nil {
				return verdicts, fmt.Errorf("recovery: rollback seq %d: %w", entry.SeqID, err)
			}
			verdicts = append(verdicts, Verdict{SeqID: entry.SeqID, TxnID: entry.TxnID, Decision: DecisionUndo, Verified: true})

		default:
			return verdicts, fmt.Errorf("%w: seq %d incomplete with no pre-state", coreerr.ErrConsistency, entry.SeqID)
		}
	}

	if err := r.Journal.TruncateEmpty(); err != nil {
		return verdicts, fmt.Errorf("recovery: truncate journal: %w", err)
	}
	if err := r.WAL.TruncateEmpty(); err != nil {
		return verdicts, fmt.Errorf("recovery: truncate wal: %w", err)
	}
	return verdicts, nil
}

// verify restats entry's target and reports whether its post-condition
// holds: absence for REMOVE, existence for every other procedure. For
// WRITE only existence is checked; the file size is not compared with
// the write's offset+length. A stat failure on a path that should
// exist, or success on one that should not, fails verification; the
// check is advisory and does not itself alter the redo/undo decision
// already made.
func (r *CrashRecoverer) verify(entry journal.Entry) bool {
	_, err := r.FS.GetAttrs(entry.TargetPath, fsoracle.AttrType)
	switch strings.ToUpper(entry.Procedure) {
	case "REMOVE":
		return err != nil
	default:
		return err == nil
	}
}

// ReclaimRecord is one client's state as of the crash, consulted when
// deciding whether a grace-period SETCLIENTID is a legitimate reclaim.
type ReclaimRecord struct {
	ClientID string
	Verifier []byte
}

// GraceWindow tracks the post-crash reclaim-only period (§4.11). While
// active, only SETCLIENTID calls whose verifier matches a pre-crash
// record are honored; AttemptReclaim rejects everything else, which
// the compound engine answers with NFS4ERR_GRACE.
type GraceWindow struct {
	mu        sync.Mutex
	deadline  time.Time
	active    bool
	known     map[string][]byte // clientID -> pre-crash verifier
	reclaimed map[string]bool
}

// NewGraceWindow starts the window: now + duration. Records is the set
// of clients the crashed instance held state for, from the journal and
// state manager snapshots taken before the crash.
func NewGraceWindow(now time.Time, duration time.Duration, records []ReclaimRecord) *GraceWindow {
	known := make(map[string][]byte, len(records))
	for _, rec := range records {
		known[rec.ClientID] = rec.Verifier
	}
	return &GraceWindow{
		deadline:  now.Add(duration),
		active:    true,
		known:     known,
		reclaimed: make(map[string]bool),
	}
}

// IsActive reports whether now is still within the window.
func (g *GraceWindow) IsActive(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active && now.Before(g.deadline)
}

// AttemptReclaim checks whether clientID/verifier matches a known
// pre-crash record. Returns coreerr.ErrNoGrace if the window has
// closed, coreerr.ErrReclaimBad if the client never held state or its
// verifier differs from the pre-crash one.
func (g *GraceWindow) AttemptReclaim(clientID string, verifier []byte, now time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.active || now.After(g.deadline) {
		return coreerr.ErrNoGrace
	}
	known, ok := g.known[clientID]
	if !ok || !bytesEqual(known, verifier) {
		return coreerr.ErrReclaimBad
	}
	g.reclaimed[clientID] = true
	return nil
}

// Complete concludes clientID's reclaim, answering RECLAIM_COMPLETE.
func (g *GraceWindow) Complete(clientID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reclaimed[clientID] = true
}

// EndWindow closes the window and returns every known client that
// never completed its reclaim; their state must be dropped by the
// caller.
func (g *GraceWindow) EndWindow() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.active = false
	var unreclaimed []string
	for clientID := range g.known {
		if !g.reclaimed[clientID] {
			unreclaimed = append(unreclaimed, clientID)
		}
	}
	return unreclaimed
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Priority is a replay batch's urgency class, §4.11.
type Priority int

const (
	Critical Priority = iota
	High
	Normal
	Low
	Background
)

func (p Priority) String() string {
	switch p {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	default:
		return "background"
	}
}

// ClassifyProcedure assigns the priority §4.11 names for a
// journaled procedure: metadata-changing ops are CRITICAL, WRITEs
// HIGH, READs NORMAL, attribute changes LOW, everything else
// BACKGROUND.
func ClassifyProcedure(procedure string) Priority {
	switch strings.ToUpper(procedure) {
	case "CREATE", "REMOVE", "RENAME", "SYMLINK":
		return Critical
	case "WRITE":
		return High
	case "READ":
		return Normal
	case "SETATTR":
		return Low
	default:
		return Background
	}
}

// DefaultBatchSize and DefaultBatchWindow are the flush triggers spec
// §4.11 names: 64 ops, or 1 second elapsed since the batch's first
// entry.
const (
	DefaultBatchSize   = 64
	DefaultBatchWindow = time.Second
	DefaultMaxAttempts = 3
)

// Outcome is the terminal state of one replayed entry.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomePermanentFailure
	OutcomeDependencyFailed
)

// ReplayFunc applies one journal entry's effect. It must be safe to
// call more than once for the same entry (idempotent), matching the
// guarantee the compound engine's own mutating handlers provide.
type ReplayFunc func(ctx context.Context, entry journal.Entry) error

// AlertSeverity mirrors the operator-alert levels the original
// alert_manager/recovery_alerts pair uses.
type AlertSeverity int

const (
	AlertWarning AlertSeverity = iota
	AlertError
)

func (s AlertSeverity) String() string {
	if s == AlertError {
		return "ERROR"
	}
	return "WARNING"
}

// Alert is the operator-visible notice §4.11 requires when a client's
// recovery fails: "recovery is considered failed for a client iff any
// of its ops is a permanent failure; a failed client is evicted, and
// an operator-visible alert is emitted."
type Alert struct {
	ID        string
	Severity  AlertSeverity
	ClientID  string
	FailedSeq []uint64
	Message   string
}

// ClientFailureFunc is invoked once per client that Replay could not
// fully recover, so the caller can evict it and surface Alert through
// whatever operator channel the deployment uses (a log sink here,
// matching an email/webhook dispatcher in the original).
type ClientFailureFunc func(Alert)

// Pipeline replays a client's in-flight journal entries in dependency
// order, grouped into priority batches, per §4.11's session
// reconnect recovery.
type Pipeline struct {
	BatchSize   int
	BatchWindow time.Duration
	MaxAttempts int
	Apply       ReplayFunc

	// OnClientFailure, if set, runs once per client with at least one
	// permanently- or dependency-failed entry after Replay finishes.
	OnClientFailure ClientFailureFunc

	// Now defaults to time.Now; tests override it.
	Now func() time.Time
}

// NewPipeline constructs a Pipeline with spec defaults.
func NewPipeline(apply ReplayFunc) *Pipeline {
	return &Pipeline{
		BatchSize:   DefaultBatchSize,
		BatchWindow: DefaultBatchWindow,
		MaxAttempts: DefaultMaxAttempts,
		Apply:       apply,
	}
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Replay runs entries (already in dependency order, e.g. as returned
// by journal.Journal.Recover or an equivalent per-client selection)
// through the batching and retry policy. It returns each entry's
// outcome keyed by seq id. A CRITICAL entry shortcuts batching and
// runs immediately; every other priority accumulates into a batch that
// flushes at BatchSize entries or BatchWindow elapsed since the first
// entry queued into it, whichever comes first.
func (p *Pipeline) Replay(ctx context.Context, entries []journal.Entry) map[uint64]Outcome {
	outcomes := make(map[uint64]Outcome, len(entries))
	failed := make(map[uint64]bool)

	batches := make(map[Priority][]journal.Entry)
	batchOpened := make(map[Priority]time.Time)

	flush := func(pri Priority) {
		batch := batches[pri]
		if len(batch) == 0 {
			return
		}
		for _, entry := range batch {
			p.replayOne(ctx, entry, outcomes, failed)
		}
		batches[pri] = nil
	}

	for _, entry := range entries {
		if dependencyFailed(entry, failed) {
			outcomes[entry.SeqID] = OutcomeDependencyFailed
			failed[entry.SeqID] = true
			continue
		}

		pri := ClassifyProcedure(entry.Procedure)
		if pri == Critical {
			p.replayOne(ctx, entry, outcomes, failed)
			continue
		}

		if len(batches[pri]) == 0 {
			batchOpened[pri] = p.now()
		}
		batches[pri] = append(batches[pri], entry)

		if len(batches[pri]) >= p.BatchSize || p.now().Sub(batchOpened[pri]) >= p.BatchWindow {
			flush(pri)
		}
	}

	for pri := range batches {
		flush(pri)
	}

	p.reportClientFailures(entries, outcomes)
	return outcomes
}

// reportClientFailures groups entries whose outcome was not Success by
// client_id and raises one Alert per affected client, per §4.11's
// "recovery is considered failed for a client iff any of its ops is a
// permanent failure."
func (p *Pipeline) reportClientFailures(entries []journal.Entry, outcomes map[uint64]Outcome) {
	if p.OnClientFailure == nil {
		return
	}

	failedByClient := make(map[string][]uint64)
	for _, entry := range entries {
		if entry.ClientID == "" {
			continue
		}
		if outcome, ok := outcomes[entry.SeqID]; ok && outcome != OutcomeSuccess {
			failedByClient[entry.ClientID] = append(failedByClient[entry.ClientID], entry.SeqID)
		}
	}

	for clientID, seqIDs := range failedByClient {
		p.OnClientFailure(Alert{
			ID:        "client_recovery_failed",
			Severity:  AlertError,
			ClientID:  clientID,
			FailedSeq: seqIDs,
			Message:   fmt.Sprintf("client %s failed to recover %d replayed operation(s)", clientID, len(seqIDs)),
		})
	}
}

func dependencyFailed(entry journal.Entry, failed map[uint64]bool) bool {
	for _, dep := range entry.Deps {
		if failed[dep] {
			return true
		}
	}
	return false
}

func (p *Pipeline) replayOne(ctx context.Context, entry journal.Entry, outcomes map[uint64]Outcome, failed map[uint64]bool) {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := p.Apply(ctx, entry); err != nil {
			lastErr = err
			continue
		}
		outcomes[entry.SeqID] = OutcomeSuccess
		return
	}
	_ = lastErr
	outcomes[entry.SeqID] = OutcomePermanentFailure
	failed[entry.SeqID] = true
}
