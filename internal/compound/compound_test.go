package compound

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/nfsd-core/nfsd/internal/authgate"
	"github.com/nfsd-core/nfsd/internal/clientstate"
	"github.com/nfsd-core/nfsd/internal/fsoracle"
	"github.com/nfsd-core/nfsd/internal/handle"
	"github.com/nfsd-core/nfsd/internal/journal"
	"github.com/nfsd-core/nfsd/internal/lockmgr"
	"github.com/nfsd-core/nfsd/internal/nfs4status"
	"github.com/nfsd-core/nfsd/internal/recovery"
	"github.com/nfsd-core/nfsd/internal/session"
	"github.com/nfsd-core/nfsd/internal/walog"
	"github.com/nfsd-core/nfsd/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	root := t.TempDir()

	ht, err := handle.New(root)
	require.NoError(t, err)

	wal, err := walog.Open(filepath.Join(root, "wal.log"))
	require.NoError(t, err)
	t.Cleanup(func() { wal.Close() })

	jnl, err := journal.Open(filepath.Join(root, "journal.log"), wal)
	require.NoError(t, err)
	t.Cleanup(func() { jnl.Close() })

	fs, err := fsoracle.New(root)
	require.NoError(t, err)

	return &Engine{
		Handles:  ht,
		Clients:  clientstate.New(),
		Sessions: session.New(),
		Locks:    lockmgr.New(),
		Journal:  jnl,
		FS:       fs,
	}
}

func newCtx() *Context {
	return &Context{Auth: authgate.VerifyResult{Flavor: authgate.FlavorNone}}
}

func putfhArgs(h handle.Handle) []byte {
	enc := wire.NewEncoder()
	enc.PutOpaque(h[:])
	return enc.Bytes()
}

func TestPutrootfhThenGetfhRoundTrips(t *testing.T) {
	e := newTestEngine(t)
	ctx := newCtx()

	result := e.Execute(ctx, []byte("tag"), []Op{
		{Opcode: OpPutrootfh},
		{Opcode: OpGetfh},
	})

	require.Equal(t, nfs4status.Ok, result.Status)
	require.Len(t, result.Results, 2)
	assert.Equal(t, nfs4status.Ok, result.Results[1].Status)

	dec := wire.NewDecoder(result.Results[1].Body)
	raw, err := dec.Opaque()
	require.NoError(t, err)
	assert.Len(t, raw, handle.Size)
}

func TestCreateThenGetattrRoundTrips(t *testing.T) {
	e := newTestEngine(t)
	ctx := newCtx()

	createArgs := wire.NewEncoder()
	createArgs.PutString("a.txt")
	createArgs.PutUint32(uint32(TypeReg))
	createArgs.PutUint32(0644)

	result := e.Execute(ctx, []byte("tag"), []Op{
		{Opcode: OpPutrootfh},
		{Opcode: OpCreate, Args: createArgs.Bytes()},
	})
	require.Equal(t, nfs4status.Ok, result.Status)

	getattrArgs := wire.NewEncoder()
	getattrArgs.PutUint32(fsoracle.AttrType | fsoracle.AttrSize)

	result = e.Execute(ctx, []byte("tag"), []Op{
		{Opcode: OpGetattr, Args: getattrArgs.Bytes()},
	})
	require.Equal(t, nfs4status.Ok, result.Status)

	dec := wire.NewDecoder(result.Results[0].Body)
	mask, err := dec.Uint32()
	require.NoError(t, err)
	assert.Equal(t, fsoracle.AttrType|fsoracle.AttrSize, mask)
	typ, err := dec.Uint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(TypeReg), typ)
	size, err := dec.Uint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), size)
}

func TestWriteThenReadThroughCompound(t *testing.T) {
	e := newTestEngine(t)
	ctx := newCtx()

	createArgs := wire.NewEncoder()
	createArgs.PutString("f")
	createArgs.PutUint32(uint32(TypeReg))
	createArgs.PutUint32(0644)

	e.Execute(ctx, []byte("tag"), []Op{
		{Opcode: OpPutrootfh},
		{Opcode: OpCreate, Args: createArgs.Bytes()},
	})

	writeArgs := wire.NewEncoder()
	writeArgs.PutUint64(0)
	writeArgs.PutOpaque([]byte("hello"))
	writeArgs.PutBool(true)

	result := e.Execute(ctx, []byte("tag"), []Op{
		{Opcode: OpWrite, Args: writeArgs.Bytes()},
	})
	require.Equal(t, nfs4status.Ok, result.Status)
	dec := wire.NewDecoder(result.Results[0].Body)
	count, err := dec.Uint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(5), count)

	readArgs := wire.NewEncoder()
	readArgs.PutUint64(0)
	readArgs.PutUint32(100)

	result = e.Execute(ctx, []byte("tag"), []Op{
		{Opcode: OpRead, Args: readArgs.Bytes()},
	})
	require.Equal(t, nfs4status.Ok, result.Status)
	dec = wire.NewDecoder(result.Results[0].Body)
	eof, err := dec.Bool()
	require.NoError(t, err)
	assert.True(t, eof)
	data, err := dec.Opaque()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestCompoundStopsOnFirstError(t *testing.T) {
	e := newTestEngine(t)
	ctx := newCtx()

	lookupArgs := wire.NewEncoder()
	lookupArgs.PutString("ghost")

	result := e.Execute(ctx, []byte("tag"), []Op{
		{Opcode: OpPutrootfh},
		{Opcode: OpLookup, Args: lookupArgs.Bytes()},
		{Opcode: OpGetfh},
	})

	require.Equal(t, nfs4status.Noent, result.Status)
	require.Len(t, result.Results, 2)
}

func TestOpsWithoutCurrentFhFailBadhandle(t *testing.T) {
	e := newTestEngine(t)
	ctx := newCtx()

	result := e.Execute(ctx, []byte("tag"), []Op{
		{Opcode: OpGetfh},
	})
	assert.Equal(t, nfs4status.Badhandle, result.Status)
}

func TestSaveAndRestoreFh(t *testing.T) {
	e := newTestEngine(t)
	ctx := newCtx()

	createArgs := wire.NewEncoder()
	createArgs.PutString("sub")
	createArgs.PutUint32(uint32(TypeDir))
	createArgs.PutUint32(0755)

	e.Execute(ctx, []byte("tag"), []Op{
		{Opcode: OpPutrootfh},
		{Opcode: OpSavefh},
		{Opcode: OpCreate, Args: createArgs.Bytes()},
	})
	subFH := *ctx.CurrentFH

	result := e.Execute(ctx, []byte("tag"), []Op{
		{Opcode: OpRestorefh},
		{Opcode: OpGetfh},
	})
	require.Equal(t, nfs4status.Ok, result.Status)
	assert.NotEqual(t, subFH, *ctx.CurrentFH)
}

func TestRenameMovesEntryWithinDirectory(t *testing.T) {
	e := newTestEngine(t)
	ctx := newCtx()

	fileArgs := wire.NewEncoder()
	fileArgs.PutString("a")
	fileArgs.PutUint32(uint32(TypeReg))
	fileArgs.PutUint32(0644)

	e.Execute(ctx, []byte("tag"), []Op{
		{Opcode: OpPutrootfh},
		{Opcode: OpCreate, Args: fileArgs.Bytes()},
	})

	renameArgs := wire.NewEncoder()
	renameArgs.PutString("a")
	renameArgs.PutString("b")

	result := e.Execute(ctx, []byte("tag"), []Op{
		{Opcode: OpPutrootfh},
		{Opcode: OpSavefh},
		{Opcode: OpRename, Args: renameArgs.Bytes()},
	})
	require.Equal(t, nfs4status.Ok, result.Status)

	lookupArgs := wire.NewEncoder()
	lookupArgs.PutString("b")
	result = e.Execute(ctx, []byte("tag"), []Op{
		{Opcode: OpPutrootfh},
		{Opcode: OpLookup, Args: lookupArgs.Bytes()},
	})
	assert.Equal(t, nfs4status.Ok, result.Status)
}

func TestSetclientidAndConfirmAndCreateSession(t *testing.T) {
	e := newTestEngine(t)
	ctx := newCtx()
	e.Now = func() time.Time { return time.Unix(1000, 0) }

	scArgs := wire.NewEncoder()
	scArgs.PutString("client-a")
	scArgs.PutOpaque([]byte("verifier"))

	result := e.Execute(ctx, []byte("tag"), []Op{{Opcode: OpSetclientid, Args: scArgs.Bytes()}})
	require.Equal(t, nfs4status.Ok, result.Status)

	confirmArgs := wire.NewEncoder()
	confirmArgs.PutString("client-a")
	result = e.Execute(ctx, []byte("tag"), []Op{{Opcode: OpSetclientidConfirm, Args: confirmArgs.Bytes()}})
	require.Equal(t, nfs4status.Ok, result.Status)

	csArgs := wire.NewEncoder()
	csArgs.PutString("client-a")
	result = e.Execute(ctx, []byte("tag"), []Op{{Opcode: OpCreateSession, Args: csArgs.Bytes()}})
	require.Equal(t, nfs4status.Ok, result.Status)

	dec := wire.NewDecoder(result.Results[0].Body)
	sessionID, err := dec.Uint32()
	require.NoError(t, err)

	seqArgs := wire.NewEncoder()
	seqArgs.PutUint32(sessionID)
	seqArgs.PutUint32(1)
	result = e.Execute(ctx, []byte("tag"), []Op{{Opcode: OpSequence, Args: seqArgs.Bytes()}})
	assert.Equal(t, nfs4status.Ok, result.Status)

	result = e.Execute(ctx, []byte("tag"), []Op{{Opcode: OpSequence, Args: seqArgs.Bytes()}})
	assert.Equal(t, nfs4status.BadSeqid, result.Status)
}

func TestSetclientidRejectsUnmatchedDuringGrace(t *testing.T) {
	e := newTestEngine(t)
	ctx := newCtx()
	now := time.Unix(1000, 0)
	e.Now = func() time.Time { return now }
	e.Grace = recovery.NewGraceWindow(now, recovery.DefaultGracePeriod, []recovery.ReclaimRecord{
		{ClientID: "old-client", Verifier: []byte("old-verifier")},
	})

	scArgs := wire.NewEncoder()
	scArgs.PutString("new-client")
	scArgs.PutOpaque([]byte("fresh-verifier"))

	result := e.Execute(ctx, []byte("tag"), []Op{{Opcode: OpSetclientid, Args: scArgs.Bytes()}})
	assert.Equal(t, nfs4status.Grace, result.Status)
}

func TestSetclientidAcceptsMatchingReclaimDuringGrace(t *testing.T) {
	e := newTestEngine(t)
	ctx := newCtx()
	now := time.Unix(1000, 0)
	e.Now = func() time.Time { return now }
	e.Grace = recovery.NewGraceWindow(now, recovery.DefaultGracePeriod, []recovery.ReclaimRecord{
		{ClientID: "old-client", Verifier: []byte("old-verifier")},
	})

	scArgs := wire.NewEncoder()
	scArgs.PutString("old-client")
	scArgs.PutOpaque([]byte("old-verifier"))

	result := e.Execute(ctx, []byte("tag"), []Op{{Opcode: OpSetclientid, Args: scArgs.Bytes()}})
	assert.Equal(t, nfs4status.Ok, result.Status)
}

func TestReclaimCompleteAlwaysOk(t *testing.T) {
	e := newTestEngine(t)
	ctx := newCtx()
	result := e.Execute(ctx, []byte("tag"), []Op{{Opcode: OpReclaimComplete}})
	assert.Equal(t, nfs4status.Ok, result.Status)
}
