package journal

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/nfsd-core/nfsd/internal/coreerr"
	"github.com/nfsd-core/nfsd/internal/walog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openPair(t *testing.T) (*Journal, *walog.WAL) {
	t.Helper()
	dir := t.TempDir()
	w, err := walog.Open(filepath.Join(dir, "wal.log"))
	require.NoError(t, err)
	j, err := Open(filepath.Join(dir, "journal.log"), w)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = j.Close()
		_ = w.Close()
	})
	return j, w
}

func TestAppendAllocatesLinkedTxn(t *testing.T) {
	j, _ := openPair(t)

	seq, err := j.Append("CREATE", []byte("args"), "/export/a")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seq)

	incomplete := j.GetIncomplete()
	require.Len(t, incomplete, 1)
	assert.Equal(t, "CREATE", incomplete[0].Procedure)
}

func TestCompleteMarksEntryDone(t *testing.T) {
	j, _ := openPair(t)

	seq, err := j.Append("WRITE", nil, "/export/f")
	require.NoError(t, err)
	require.NoError(t, j.Complete(seq, true, []byte("ok")))

	assert.Empty(t, j.GetIncomplete())
}

func TestCheckDependenciesFalseUntilDepCompletes(t *testing.T) {
	j, _ := openPair(t)

	seqA, err := j.Append("CREATE", nil, "/export/a")
	require.NoError(t, err)
	seqB, err := j.Append("SETATTR", nil, "/export/a")
	require.NoError(t, err)
	require.NoError(t, j.AddDependency(seqB, seqA))

	ok, err := j.CheckDependencies(seqB)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, j.Complete(seqA, true, nil))

	ok, err = j.CheckDependencies(seqB)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBeginCommitRollbackStateTransition(t *testing.T) {
	j, _ := openPair(t)

	seq, err := j.Append("RENAME", nil, "/export/a")
	require.NoError(t, err)
	require.NoError(t, j.BeginStateTransition(seq, []byte("pre")))
	require.NoError(t, j.CommitStateTransition(seq))
	// Complete after an explicit commit must not try to finalize the WAL
	// txn a second time.
	require.NoError(t, j.Complete(seq, true, nil))
}

func TestRecoverReturnsIncompleteAfterRestart(t *testing.T) {
	dir := t.TempDir()
	walPath := filepath.Join(dir, "wal.log")
	journalPath := filepath.Join(dir, "journal.log")

	w, err := walog.Open(walPath)
	require.NoError(t, err)
	j, err := Open(journalPath, w)
	require.NoError(t, err)

	seqDone, err := j.Append("CREATE", nil, "/export/done")
	require.NoError(t, err)
	require.NoError(t, j.Complete(seqDone, true, nil))

	seqPending, err := j.Append("REMOVE", nil, "/export/pending")
	require.NoError(t, err)

	require.NoError(t, j.Close())
	require.NoError(t, w.Close())

	w2, err := walog.Open(walPath)
	require.NoError(t, err)
	defer w2.Close()
	_, err = w2.Recover()
	require.NoError(t, err)

	j2, err := Open(journalPath, w2)
	require.NoError(t, err)
	defer j2.Close()

	incomplete, err := j2.Recover()
	require.NoError(t, err)
	require.Len(t, incomplete, 1)
	assert.Equal(t, seqPending, incomplete[0].SeqID)
}

func TestRecoverOrdersByPathTimestampThenDeps(t *testing.T) {
	j, _ := openPair(t)

	seq1, err := j.Append("CREATE", nil, "/export/a")
	require.NoError(t, err)
	seq2, err := j.Append("SETATTR", nil, "/export/a")
	require.NoError(t, err)
	seq3, err := j.Append("WRITE", nil, "/export/b")
	require.NoError(t, err)
	require.NoError(t, j.AddDependency(seq3, seq2))

	ordered, err := j.Recover()
	require.NoError(t, err)
	require.Len(t, ordered, 3)

	pos := map[uint64]int{}
	for i, e := range ordered {
		pos[e.SeqID] = i
	}
	assert.Less(t, pos[seq1], pos[seq2], "same-path entries replay in timestamp order")
	assert.Less(t, pos[seq2], pos[seq3], "explicit dependency must be honored across paths")
}

func TestRecoverDetectsDependencyCycle(t *testing.T) {
	j, _ := openPair(t)

	seqA, err := j.Append("CREATE", nil, "/export/a")
	require.NoError(t, err)
	seqB, err := j.Append("CREATE", nil, "/export/b")
	require.NoError(t, err)
	require.NoError(t, j.AddDependency(seqA, seqB))
	require.NoError(t, j.AddDependency(seqB, seqA))

	_, err = j.Recover()
	require.Error(t, err)
	assert.True(t, errors.Is(err, coreerr.ErrConsistency))
}

func TestTruncateEmptyClearsJournal(t *testing.T) {
	j, _ := openPair(t)

	seq, err := j.Append("CREATE", nil, "/export/a")
	require.NoError(t, err)
	require.NoError(t, j.Complete(seq, true, nil))
	require.NoError(t, j.TruncateEmpty())

	incomplete, err := j.Recover()
	require.NoError(t, err)
	assert.Empty(t, incomplete)
}
