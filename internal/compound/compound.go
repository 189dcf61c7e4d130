// Package compound implements the compound engine (§4.10): a mutable
// per-request context walking a "current filehandle" through an ordered
// sequence of operations, each wired to the handle table, state
// manager, session manager, lock manager, journal, or fsoracle.
package compound

import (
	"context"
	"time"

	"github.com/nfsd-core/nfsd/internal/authgate"
	"github.com/nfsd-core/nfsd/internal/clientstate"
	"github.com/nfsd-core/nfsd/internal/fsoracle"
	"github.com/nfsd-core/nfsd/internal/handle"
	"github.com/nfsd-core/nfsd/internal/journal"
	"github.com/nfsd-core/nfsd/internal/lockmgr"
	"github.com/nfsd-core/nfsd/internal/metrics"
	"github.com/nfsd-core/nfsd/internal/nfs4status"
	"github.com/nfsd-core/nfsd/internal/recovery"
	"github.com/nfsd-core/nfsd/internal/session"
	"github.com/nfsd-core/nfsd/internal/wire"
)

// Opcodes, RFC 7530 §17 (v4.0) plus the RFC 8881 session ops §4.7/
// §4.10 names explicitly. OpSymlink is the exception: NFSv4 has no
// SYMLINK opcode (it creates symlinks through CREATE), and 39 is RFC
// 7530's RELEASE_LOCKOWNER number, reused here for SYMLINK.
const (
	OpCreate             uint32 = 6
	OpGetattr            uint32 = 9
	OpGetfh              uint32 = 10
	OpLookup             uint32 = 15
	OpPutfh              uint32 = 22
	OpPutrootfh          uint32 = 24
	OpRead               uint32 = 25
	OpReaddir            uint32 = 26
	OpReadlink           uint32 = 27
	OpRemove             uint32 = 28
	OpRename             uint32 = 29
	OpRestorefh          uint32 = 31
	OpSavefh             uint32 = 32
	OpSetattr            uint32 = 34
	OpSetclientid        uint32 = 35
	OpSetclientidConfirm uint32 = 36
	OpWrite              uint32 = 38
	OpSymlink            uint32 = 39
	OpCreateSession      uint32 = 43
	OpDestroySession     uint32 = 44
	OpSequence           uint32 = 53
	OpReclaimComplete    uint32 = 58
)

// FileType mirrors §6's CREATE type argument.
type FileType = fsoracle.FileType

const (
	TypeReg = fsoracle.TypeReg
	TypeDir = fsoracle.TypeDir
	TypeLnk = fsoracle.TypeLnk
)

// Context is the engine's mutable per-request state, §4.10.
type Context struct {
	CurrentFH *handle.Handle
	SavedFH   *handle.Handle
	Auth      authgate.VerifyResult
	Status    nfs4status.Status
	ConnID    string

	sessionID *uint32
}

// Op is one decoded operation awaiting dispatch: its opcode plus the
// raw argument bytes that follow it in the compound request.
type Op struct {
	Opcode uint32
	Args   []byte
}

// Result is one op's encoded result, paired with the status that
// determines whether the engine continues.
type Result struct {
	Opcode uint32
	Status nfs4status.Status
	Body   []byte
}

// Engine wires the shared subsystems the per-op handlers consult.
type Engine struct {
	Handles  *handle.Table
	Clients  *clientstate.Manager
	Sessions *session.Manager
	Locks    *lockmgr.Manager
	Journal  *journal.Journal
	FS       *fsoracle.Oracle

	Now              func() time.Time
	Metrics          *metrics.Metrics
	Grace            *recovery.GraceWindow
	AuthGate         *authgate.Gate
	RecoveryPipeline *recovery.Pipeline
}

// authorize consults the auth gate's second predicate (§4.8) before a
// read or mutation proceeds against path. A nil AuthGate means
// authorization is not configured for this deployment and every call
// passes, matching the engine's other optional-subsystem fields.
func (e *Engine) authorize(ctx *Context, path string, mask authgate.AccessMask) nfs4status.Status {
	if e.AuthGate == nil {
		return nfs4status.Ok
	}
	if !e.AuthGate.Authorize(ctx.Auth, path, mask) {
		return nfs4status.Access
	}
	return nfs4status.Ok
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// CompoundResult is the reply to one COMPOUND request, §4.10 step 3.
type CompoundResult struct {
	Tag     []byte
	Status  nfs4status.Status
	Results []Result
}

// Execute runs ops in order against ctx, stopping at the first
// non-Ok status, per §4.10 steps 1-3.
func (e *Engine) Execute(ctx *Context, tag []byte, ops []Op) CompoundResult {
	ctx.Status = nfs4status.Ok
	results := make([]Result, 0, len(ops))

	for _, op := range ops {
		status, body := e.dispatch(ctx, op)
		results = append(results, Result{Opcode: op.Opcode, Status: status, Body: body})
		ctx.Status = status
		if status != nfs4status.Ok {
			break
		}
	}

	return CompoundResult{Tag: tag, Status: ctx.Status, Results: results}
}

func (e *Engine) dispatch(ctx *Context, op Op) (nfs4status.Status, []byte) {
	switch op.Opcode {
	case OpPutfh:
		return e.opPutfh(ctx, op.Args)
	case OpPutrootfh:
		return e.opPutrootfh(ctx)
	case OpGetfh:
		return e.opGetfh(ctx)
	case OpSavefh:
		return e.opSavefh(ctx)
	case OpRestorefh:
		return e.opRestorefh(ctx)
	case OpLookup:
		return e.opLookup(ctx, op.Args)
	case OpGetattr:
		return e.opGetattr(ctx, op.Args)
	case OpSetattr:
		return e.opSetattr(ctx, op.Args)
	case OpCreate:
		return e.opCreate(ctx, op.Args)
	case OpRemove:
		return e.opRemove(ctx, op.Args)
	case OpRename:
		return e.opRename(ctx, op.Args)
	case OpRead:
		return e.opRead(ctx, op.Args)
	case OpWrite:
		return e.opWrite(ctx, op.Args)
	case OpReaddir:
		return e.opReaddir(ctx, op.Args)
	case OpReadlink:
		return e.opReadlink(ctx)
	case OpSymlink:
		return e.opSymlink(ctx, op.Args)
	case OpSetclientid:
		return e.opSetclientid(ctx, op.Args)
	case OpSetclientidConfirm:
		return e.opSetclientidConfirm(ctx, op.Args)
	case OpCreateSession:
		return e.opCreateSession(ctx, op.Args)
	case OpDestroySession:
		return e.opDestroySession(ctx, op.Args)
	case OpSequence:
		return e.opSequence(ctx, op.Args)
	case OpReclaimComplete:
		return e.opReclaimComplete(ctx)
	default:
		return nfs4status.Notsupp, nil
	}
}

// pathFor resolves a handle to its backing path, or Stale.
func (e *Engine) pathFor(h handle.Handle) (string, nfs4status.Status) {
	path, err := e.Handles.PathForHandle(h)
	if err != nil {
		return "", nfs4status.FromStoreError(err)
	}
	return path, nfs4status.Ok
}

func (e *Engine) opPutfh(ctx *Context, args []byte) (nfs4status.Status, []byte) {
	dec := wire.NewDecoder(args)
	raw, err := dec.Opaque()
	if err != nil || len(raw) != handle.Size {
		return nfs4status.Badhandle, nil
	}
	var h handle.Handle
	copy(h[:], raw)
	if _, status := e.pathFor(h); status != nfs4status.Ok {
		return status, nil
	}
	ctx.CurrentFH = &h
	return nfs4status.Ok, nil
}

func (e *Engine) opPutrootfh(ctx *Context) (nfs4status.Status, []byte) {
	h := e.Handles.RootHandle()
	ctx.CurrentFH = &h
	return nfs4status.Ok, nil
}

func (e *Engine) opGetfh(ctx *Context) (nfs4status.Status, []byte) {
	if ctx.CurrentFH == nil {
		return nfs4status.Badhandle, nil
	}
	enc := wire.NewEncoder()
	enc.PutOpaque(ctx.CurrentFH[:])
	return nfs4status.Ok, enc.Bytes()
}

func (e *Engine) opSavefh(ctx *Context) (nfs4status.Status, []byte) {
	if ctx.CurrentFH == nil {
		return nfs4status.Badhandle, nil
	}
	saved := *ctx.CurrentFH
	ctx.SavedFH = &saved
	return nfs4status.Ok, nil
}

func (e *Engine) opRestorefh(ctx *Context) (nfs4status.Status, []byte) {
	if ctx.SavedFH == nil {
		return nfs4status.Inval, nil
	}
	restored := *ctx.SavedFH
	ctx.CurrentFH = &restored
	return nfs4status.Ok, nil
}

func (e *Engine) opLookup(ctx *Context, args []byte) (nfs4status.Status, []byte) {
	if ctx.CurrentFH == nil {
		return nfs4status.Badhandle, nil
	}
	dec := wire.NewDecoder(args)
	name, err := dec.String()
	if err != nil {
		return nfs4status.Inval, nil
	}

	dirPath, status := e.pathFor(*ctx.CurrentFH)
	if status != nfs4status.Ok {
		return status, nil
	}

	target, err := e.FS.Lookup(dirPath, name)
	if err != nil {
		return nfs4status.FromErrno(err), nil
	}

	h, err := e.Handles.HandleForPath(target)
	if err != nil {
		return nfs4status.FromStoreError(err), nil
	}
	ctx.CurrentFH = &h
	return nfs4status.Ok, nil
}

func (e *Engine) opGetattr(ctx *Context, args []byte) (nfs4status.Status, []byte) {
	if ctx.CurrentFH == nil {
		return nfs4status.Badhandle, nil
	}
	dec := wire.NewDecoder(args)
	mask, err := dec.Uint32()
	if err != nil {
		return nfs4status.Inval, nil
	}

	path, status := e.pathFor(*ctx.CurrentFH)
	if status != nfs4status.Ok {
		return status, nil
	}
	if status := e.authorize(ctx, path, authgate.AccessRead); status != nfs4status.Ok {
		return status, nil
	}

	attrs, err := e.FS.GetAttrs(path, mask)
	if err != nil {
		return nfs4status.FromErrno(err), nil
	}
	return nfs4status.Ok, encodeAttrs(mask, attrs)
}

func encodeAttrs(mask uint32, a fsoracle.Attrs) []byte {
	enc := wire.NewEncoder()
	enc.PutUint32(mask)
	if mask&fsoracle.AttrType != 0 {
		enc.PutUint32(uint32(a.Type))
	}
	if mask&fsoracle.AttrMode != 0 {
		enc.PutUint32(a.Mode)
	}
	if mask&fsoracle.AttrNlink != 0 {
		enc.PutUint32(a.Nlink)
	}
	if mask&fsoracle.AttrOwner != 0 {
		enc.PutUint32(a.UID)
	}
	if mask&fsoracle.AttrGroup != 0 {
		enc.PutUint32(a.GID)
	}
	if mask&fsoracle.AttrSize != 0 {
		enc.PutUint64(a.Size)
	}
	if mask&fsoracle.AttrUsed != 0 {
		enc.PutUint64(a.Used)
	}
	if mask&fsoracle.AttrFsid != 0 {
		enc.PutUint64(a.Fsid)
	}
	if mask&fsoracle.AttrFileid != 0 {
		enc.PutUint64(a.FileID)
	}
	if mask&fsoracle.AttrAtime != 0 {
		enc.PutInt64(a.Atime.Unix())
	}
	if mask&fsoracle.AttrMtime != 0 {
		enc.PutInt64(a.Mtime.Unix())
	}
	if mask&fsoracle.AttrCtime != 0 {
		enc.PutInt64(a.Ctime.Unix())
	}
	return enc.Bytes()
}

func (e *Engine) opSetattr(ctx *Context, args []byte) (nfs4status.Status, []byte) {
	if ctx.CurrentFH == nil {
		return nfs4status.Badhandle, nil
	}
	dec := wire.NewDecoder(args)
	mask, err := dec.Uint32()
	if err != nil {
		return nfs4status.Inval, nil
	}
	var sa fsoracle.SetAttrs
	if mask&fsoracle.SetMode != 0 {
		if sa.Mode, err = dec.Uint32(); err != nil {
			return nfs4status.Inval, nil
		}
	}
	if mask&fsoracle.SetUID != 0 {
		if sa.UID, err = dec.Uint32(); err != nil {
			return nfs4status.Inval, nil
		}
	}
	if mask&fsoracle.SetGID != 0 {
		if sa.GID, err = dec.Uint32(); err != nil {
			return nfs4status.Inval, nil
		}
	}
	if mask&fsoracle.SetSize != 0 {
		if sa.Size, err = dec.Uint64(); err != nil {
			return nfs4status.Inval, nil
		}
	}
	if mask&fsoracle.SetAtime != 0 {
		sec, err := dec.Int64()
		if err != nil {
			return nfs4status.Inval, nil
		}
		sa.Atime = time.Unix(sec, 0)
	}
	if mask&fsoracle.SetMtime != 0 {
		sec, err := dec.Int64()
		if err != nil {
			return nfs4status.Inval, nil
		}
		sa.Mtime = time.Unix(sec, 0)
	}

	path, status := e.pathFor(*ctx.CurrentFH)
	if status != nfs4status.Ok {
		return status, nil
	}
	if status := e.authorize(ctx, path, authgate.AccessModifyMeta); status != nfs4status.Ok {
		return status, nil
	}

	status = e.mutate(ctx, "SETATTR", path, func(preState []byte) ([]byte, error) {
		if err := e.FS.SetAttrs(path, mask, sa); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if status != nfs4status.Ok {
		return status, nil
	}

	full := fsoracle.AttrType | fsoracle.AttrMode | fsoracle.AttrOwner | fsoracle.AttrGroup | fsoracle.AttrSize
	attrs, err := e.FS.GetAttrs(path, full)
	if err != nil {
		return nfs4status.FromErrno(err), nil
	}
	return nfs4status.Ok, encodeAttrs(full, attrs)
}

func (e *Engine) opCreate(ctx *Context, args []byte) (nfs4status.Status, []byte) {
	if ctx.CurrentFH == nil {
		return nfs4status.Badhandle, nil
	}
	dec := wire.NewDecoder(args)
	name, err := dec.String()
	if err != nil {
		return nfs4status.Inval, nil
	}
	typ, err := dec.Uint32()
	if err != nil {
		return nfs4status.Inval, nil
	}
	mode, err := dec.Uint32()
	if err != nil {
		return nfs4status.Inval, nil
	}

	dirPath, status := e.pathFor(*ctx.CurrentFH)
	if status != nfs4status.Ok {
		return status, nil
	}
	if status := e.authorize(ctx, dirPath, authgate.AccessModifyMeta); status != nfs4status.Ok {
		return status, nil
	}

	var createdPath string
	status = e.mutate(ctx, "CREATE", dirPath, func(preState []byte) ([]byte, error) {
		p, err := e.FS.Create(dirPath, name, fsoracle.FileType(typ), mode)
		if err != nil {
			return nil, err
		}
		createdPath = p
		return nil, nil
	})
	if status != nfs4status.Ok {
		return status, nil
	}

	h, err := e.Handles.HandleForPath(createdPath)
	if err != nil {
		return nfs4status.FromStoreError(err), nil
	}
	ctx.CurrentFH = &h
	return nfs4status.Ok, nil
}

func (e *Engine) opRemove(ctx *Context, args []byte) (nfs4status.Status, []byte) {
	if ctx.CurrentFH == nil {
		return nfs4status.Badhandle, nil
	}
	dec := wire.NewDecoder(args)
	name, err := dec.String()
	if err != nil {
		return nfs4status.Inval, nil
	}

	dirPath, status := e.pathFor(*ctx.CurrentFH)
	if status != nfs4status.Ok {
		return status, nil
	}
	target, statErr := e.FS.Lookup(dirPath, name)
	if statErr != nil {
		return nfs4status.FromErrno(statErr), nil
	}
	if status := e.authorize(ctx, dirPath, authgate.AccessModifyMeta); status != nfs4status.Ok {
		return status, nil
	}

	status = e.mutate(ctx, "REMOVE", target, func(preState []byte) ([]byte, error) {
		return nil, e.FS.Remove(target)
	})
	if status != nfs4status.Ok {
		return status, nil
	}
	e.Handles.Forget(target)
	return nfs4status.Ok, nil
}

func (e *Engine) opRename(ctx *Context, args []byte) (nfs4status.Status, []byte) {
	if ctx.CurrentFH == nil || ctx.SavedFH == nil {
		return nfs4status.Badhandle, nil
	}
	dec := wire.NewDecoder(args)
	oldName, err := dec.String()
	if err != nil {
		return nfs4status.Inval, nil
	}
	newName, err := dec.String()
	if err != nil {
		return nfs4status.Inval, nil
	}

	srcDir, status := e.pathFor(*ctx.SavedFH)
	if status != nfs4status.Ok {
		return status, nil
	}
	dstDir, status := e.pathFor(*ctx.CurrentFH)
	if status != nfs4status.Ok {
		return status, nil
	}

	oldPath, statErr := e.FS.Lookup(srcDir, oldName)
	if statErr != nil {
		return nfs4status.FromErrno(statErr), nil
	}
	newPath := dstDir + "/" + newName
	if status := e.authorize(ctx, oldPath, authgate.AccessModifyMeta); status != nfs4status.Ok {
		return status, nil
	}

	status = e.mutate(ctx, "RENAME", oldPath, func(preState []byte) ([]byte, error) {
		return nil, e.FS.Rename(oldPath, newPath)
	})
	if status != nfs4status.Ok {
		return status, nil
	}
	e.Handles.Rename(oldPath, newPath)
	return nfs4status.Ok, nil
}

func (e *Engine) opRead(ctx *Context, args []byte) (nfs4status.Status, []byte) {
	if ctx.CurrentFH == nil {
		return nfs4status.Badhandle, nil
	}
	dec := wire.NewDecoder(args)
	offset, err := dec.Uint64()
	if err != nil {
		return nfs4status.Inval, nil
	}
	count, err := dec.Uint32()
	if err != nil {
		return nfs4status.Inval, nil
	}

	path, status := e.pathFor(*ctx.CurrentFH)
	if status != nfs4status.Ok {
		return status, nil
	}
	if status := e.authorize(ctx, path, authgate.AccessRead); status != nfs4status.Ok {
		return status, nil
	}

	rr, readErr := e.FS.Read(path, int64(offset), int(count))
	if readErr != nil {
		return nfs4status.FromErrno(readErr), nil
	}

	enc := wire.NewEncoder()
	enc.PutBool(rr.EOF)
	enc.PutOpaque(rr.Data)
	return nfs4status.Ok, enc.Bytes()
}

func (e *Engine) opWrite(ctx *Context, args []byte) (nfs4status.Status, []byte) {
	if ctx.CurrentFH == nil {
		return nfs4status.Badhandle, nil
	}
	dec := wire.NewDecoder(args)
	offset, err := dec.Uint64()
	if err != nil {
		return nfs4status.Inval, nil
	}
	data, err := dec.Opaque()
	if err != nil {
		return nfs4status.Inval, nil
	}
	stable, err := dec.Bool()
	if err != nil {
		return nfs4status.Inval, nil
	}

	path, status := e.pathFor(*ctx.CurrentFH)
	if status != nfs4status.Ok {
		return status, nil
	}
	if status := e.authorize(ctx, path, authgate.AccessWrite); status != nfs4status.Ok {
		return status, nil
	}

	var wr fsoracle.WriteResult
	status = e.mutate(ctx, "WRITE", path, func(preState []byte) ([]byte, error) {
		var werr error
		wr, werr = e.FS.Write(path, int64(offset), data, stable)
		return nil, werr
	})
	if status != nfs4status.Ok {
		return status, nil
	}

	enc := wire.NewEncoder()
	enc.PutUint32(uint32(wr.Count))
	enc.PutBool(wr.Committed)
	return nfs4status.Ok, enc.Bytes()
}

func (e *Engine) opReaddir(ctx *Context, args []byte) (nfs4status.Status, []byte) {
	if ctx.CurrentFH == nil {
		return nfs4status.Badhandle, nil
	}
	dec := wire.NewDecoder(args)
	cookie, err := dec.Uint64()
	if err != nil {
		return nfs4status.Inval, nil
	}
	maxCount, err := dec.Uint32()
	if err != nil {
		return nfs4status.Inval, nil
	}

	path, status := e.pathFor(*ctx.CurrentFH)
	if status != nfs4status.Ok {
		return status, nil
	}
	if status := e.authorize(ctx, path, authgate.AccessRead); status != nfs4status.Ok {
		return status, nil
	}

	entries, eof, rdErr := e.FS.ReadDir(path, cookie, int(maxCount))
	if rdErr != nil {
		return nfs4status.FromErrno(rdErr), nil
	}

	enc := wire.NewEncoder()
	enc.PutUint32(uint32(len(entries)))
	for _, ent := range entries {
		enc.PutUint64(ent.Cookie)
		enc.PutString(ent.Name)
	}
	enc.PutBool(eof)
	return nfs4status.Ok, enc.Bytes()
}

func (e *Engine) opReadlink(ctx *Context) (nfs4status.Status, []byte) {
	if ctx.CurrentFH == nil {
		return nfs4status.Badhandle, nil
	}
	path, status := e.pathFor(*ctx.CurrentFH)
	if status != nfs4status.Ok {
		return status, nil
	}
	if status := e.authorize(ctx, path, authgate.AccessRead); status != nfs4status.Ok {
		return status, nil
	}
	target, err := e.FS.ReadLink(path)
	if err != nil {
		return nfs4status.FromErrno(err), nil
	}
	enc := wire.NewEncoder()
	enc.PutString(target)
	return nfs4status.Ok, enc.Bytes()
}

func (e *Engine) opSymlink(ctx *Context, args []byte) (nfs4status.Status, []byte) {
	if ctx.CurrentFH == nil {
		return nfs4status.Badhandle, nil
	}
	dec := wire.NewDecoder(args)
	name, err := dec.String()
	if err != nil {
		return nfs4status.Inval, nil
	}
	target, err := dec.String()
	if err != nil {
		return nfs4status.Inval, nil
	}

	dirPath, status := e.pathFor(*ctx.CurrentFH)
	if status != nfs4status.Ok {
		return status, nil
	}
	if status := e.authorize(ctx, dirPath, authgate.AccessModifyMeta); status != nfs4status.Ok {
		return status, nil
	}

	var createdPath string
	status = e.mutate(ctx, "SYMLINK", dirPath, func(preState []byte) ([]byte, error) {
		p, err := e.FS.Symlink(dirPath, name, target)
		if err != nil {
			return nil, err
		}
		createdPath = p
		return nil, nil
	})
	if status != nfs4status.Ok {
		return status, nil
	}

	h, err := e.Handles.HandleForPath(createdPath)
	if err != nil {
		return nfs4status.FromStoreError(err), nil
	}
	ctx.CurrentFH = &h
	return nfs4status.Ok, nil
}

func (e *Engine) opSetclientid(ctx *Context, args []byte) (nfs4status.Status, []byte) {
	dec := wire.NewDecoder(args)
	clientID, err := dec.String()
	if err != nil {
		return nfs4status.Inval, nil
	}
	verifier, err := dec.Opaque()
	if err != nil {
		return nfs4status.Inval, nil
	}

	now := e.now()
	if e.Grace != nil && e.Grace.IsActive(now) {
		if err := e.Grace.AttemptReclaim(clientID, verifier, now); err != nil {
			return nfs4status.Grace, nil
		}
	}

	wasConfirmed := false
	if existing, ok := e.Clients.Get(clientID); ok {
		wasConfirmed = existing.Confirmed
	}

	if _, err := e.Clients.Register(clientID, verifier, now); err != nil {
		return nfs4status.FromStoreError(err), nil
	}

	// A previously confirmed client sending SETCLIENTID again is
	// reconnecting rather than registering for the first time: replay whatever it left outstanding in the journal
	// through the reconnect recovery pipeline before it resumes.
	if wasConfirmed && e.RecoveryPipeline != nil {
		pending := e.Journal.IncompleteForClient(clientID)
		if len(pending) > 0 {
			e.RecoveryPipeline.Replay(context.Background(), pending)
		}
	}

	enc := wire.NewEncoder()
	enc.PutString(clientID)
	return nfs4status.Ok, enc.Bytes()
}

func (e *Engine) opSetclientidConfirm(ctx *Context, args []byte) (nfs4status.Status, []byte) {
	dec := wire.NewDecoder(args)
	clientID, err := dec.String()
	if err != nil {
		return nfs4status.Inval, nil
	}
	if err := e.Clients.Confirm(clientID, e.now()); err != nil {
		return nfs4status.FromStoreError(err), nil
	}
	return nfs4status.Ok, nil
}

func (e *Engine) opCreateSession(ctx *Context, args []byte) (nfs4status.Status, []byte) {
	dec := wire.NewDecoder(args)
	clientID, err := dec.String()
	if err != nil {
		return nfs4status.Inval, nil
	}
	id, err := e.Sessions.Create(clientID, e.now())
	if err != nil {
		return nfs4status.FromStoreError(err), nil
	}
	enc := wire.NewEncoder()
	enc.PutUint32(id)
	return nfs4status.Ok, enc.Bytes()
}

func (e *Engine) opDestroySession(ctx *Context, args []byte) (nfs4status.Status, []byte) {
	dec := wire.NewDecoder(args)
	id, err := dec.Uint32()
	if err != nil {
		return nfs4status.Inval, nil
	}
	e.Sessions.Destroy(id)
	return nfs4status.Ok, nil
}

// opSequence validates the sequence id before any session-bound op is
// allowed to proceed further in the compound, per §4.10.
func (e *Engine) opSequence(ctx *Context, args []byte) (nfs4status.Status, []byte) {
	dec := wire.NewDecoder(args)
	id, err := dec.Uint32()
	if err != nil {
		return nfs4status.Inval, nil
	}
	seqID, err := dec.Uint32()
	if err != nil {
		return nfs4status.Inval, nil
	}

	ok, err := e.Sessions.CheckSequence(id, seqID)
	if err != nil {
		return nfs4status.FromStoreError(err), nil
	}
	if !ok {
		return nfs4status.BadSeqid, nil
	}
	if err := e.Sessions.UpdateSequence(id, seqID, e.now()); err != nil {
		return nfs4status.FromStoreError(err), nil
	}
	ctx.sessionID = &id

	enc := wire.NewEncoder()
	enc.PutUint32(id)
	enc.PutUint32(seqID)
	return nfs4status.Ok, enc.Bytes()
}

// opReclaimComplete ends a client's reclaim for the grace period its
// current session belongs to. A compound lacking a preceding SEQUENCE
// has no session to resolve a client from, so it is a no-op: real
// clients always pair RECLAIM_COMPLETE with SEQUENCE in NFSv4.1.
func (e *Engine) opReclaimComplete(ctx *Context) (nfs4status.Status, []byte) {
	if e.Grace == nil || ctx.sessionID == nil {
		return nfs4status.Ok, nil
	}
	sess, ok := e.Sessions.Get(*ctx.sessionID)
	if !ok {
		return nfs4status.Ok, nil
	}
	e.Grace.Complete(sess.ClientID)
	return nfs4status.Ok, nil
}

// clientIDFor resolves the client_id bound to ctx's session, if any, so
// journaled entries can be attributed for reconnect replay.
func (e *Engine) clientIDFor(ctx *Context) string {
	if ctx.sessionID == nil {
		return ""
	}
	sess, ok := e.Sessions.Get(*ctx.sessionID)
	if !ok {
		return ""
	}
	return sess.ClientID
}

// mutate wraps a physical mutation of target in a journal entry:
// append, pre-state capture (best-effort attribute snapshot), the
// mutation itself, then complete on the same seq id, per §4.10's
// "every mutating op MUST be wrapped" requirement.
func (e *Engine) mutate(ctx *Context, procedure string, target string, fn func(preState []byte) ([]byte, error)) nfs4status.Status {
	seq, err := e.Journal.AppendForClient(procedure, nil, target, e.clientIDFor(ctx))
	if err != nil {
		return nfs4status.Serverfault
	}
	e.Metrics.ObserveJournalAppend()

	var preState []byte
	if attrs, statErr := e.FS.GetAttrs(target, fsoracle.AttrSize|fsoracle.AttrMode); statErr == nil {
		preState = encodeAttrs(fsoracle.AttrSize|fsoracle.AttrMode, attrs)
	}
	if err := e.Journal.BeginStateTransition(seq, preState); err != nil {
		return nfs4status.Serverfault
	}

	result, mutErr := fn(preState)
	if mutErr != nil {
		_ = e.Journal.RollbackStateTransition(seq)
		_ = e.Journal.Complete(seq, false, nil)
		return nfs4status.FromErrno(mutErr)
	}

	if err := e.Journal.CommitStateTransition(seq); err != nil {
		return nfs4status.Serverfault
	}
	if err := e.Journal.Complete(seq, true, result); err != nil {
		return nfs4status.Serverfault
	}
	return nfs4status.Ok
}
