// Package nfs4status defines the NFSv4 status code space the core returns
// on every operation, plus mappers from errno and from internal subsystem
// errors (internal/coreerr) onto that space. Every non-OK status returned
// by a component must pass through one of these mappers rather than be
// invented ad hoc at the call site.
package nfs4status

import (
	"errors"
	"syscall"

	"github.com/nfsd-core/nfsd/internal/coreerr"
)

// Status is an NFSv4 status code.
type Status uint32

// The status set named in §6.
const (
	Ok              Status = 0
	Perm            Status = 1
	Noent           Status = 2
	Io              Status = 5
	Access          Status = 13
	Exist           Status = 17
	Xdev            Status = 18
	Notdir          Status = 20
	Isdir           Status = 21
	Inval           Status = 22
	Nospc           Status = 28
	Nametoolong     Status = 63
	Notempty        Status = 66
	Stale           Status = 70
	Badhandle       Status = 10001
	Notsupp         Status = 10004
	Serverfault     Status = 10006
	Delay           Status = 10008
	Locked          Status = 10012
	Grace           Status = 10013
	ClidInuse       Status = 10017
	StaleClientid   Status = 10022
	StaleStateid    Status = 10023
	BadSeqid        Status = 10026
	NoGrace         Status = 10033
	ReclaimBad      Status = 10034
	ReclaimConflict Status = 10035
	LockRange       Status = 10028
	LockNotsupp     Status = 10029
	Deadlock        Status = 10025
	FileOpen        Status = 10046
)

func (s Status) String() string {
	switch s {
	case Ok:
		return "OK"
	case Perm:
		return "PERM"
	case Noent:
		return "NOENT"
	case Io:
		return "IO"
	case Access:
		return "ACCESS"
	case Exist:
		return "EXIST"
	case Xdev:
		return "XDEV"
	case Notdir:
		return "NOTDIR"
	case Isdir:
		return "ISDIR"
	case Inval:
		return "INVAL"
	case Nospc:
		return "NOSPC"
	case Nametoolong:
		return "NAMETOOLONG"
	case Notempty:
		return "NOTEMPTY"
	case Stale:
		return "STALE"
	case Badhandle:
		return "BADHANDLE"
	case Notsupp:
		return "NOTSUPP"
	case Serverfault:
		return "SERVERFAULT"
	case Delay:
		return "DELAY"
	case Locked:
		return "LOCKED"
	case Grace:
		return "GRACE"
	case ClidInuse:
		return "CLID_INUSE"
	case StaleClientid:
		return "STALE_CLIENTID"
	case StaleStateid:
		return "STALE_STATEID"
	case BadSeqid:
		return "BAD_SEQID"
	case NoGrace:
		return "NO_GRACE"
	case ReclaimBad:
		return "RECLAIM_BAD"
	case ReclaimConflict:
		return "RECLAIM_CONFLICT"
	case LockRange:
		return "LOCK_RANGE"
	case LockNotsupp:
		return "LOCK_NOTSUPP"
	case Deadlock:
		return "DEADLOCK"
	case FileOpen:
		return "FILE_OPEN"
	default:
		return "UNKNOWN"
	}
}

// FromErrno maps a filesystem errno to the matching NFSv4 status per
// §7: EEXIST->EXIST, ENOTEMPTY->NOTEMPTY, EACCES->ACCESS,
// EXDEV->XDEV, ENOENT->NOENT, ENOTDIR->NOTDIR, EISDIR->ISDIR,
// ENOSPC->NOSPC, ENAMETOOLONG->NAMETOOLONG, EPERM->PERM, anything
// else->IO.
func FromErrno(err error) Status {
	if err == nil {
		return Ok
	}
	switch {
	case errors.Is(err, syscall.EEXIST):
		return Exist
	case errors.Is(err, syscall.ENOTEMPTY):
		return Notempty
	case errors.Is(err, syscall.EACCES):
		return Access
	case errors.Is(err, syscall.EXDEV):
		return Xdev
	case errors.Is(err, syscall.ENOENT):
		return Noent
	case errors.Is(err, syscall.ENOTDIR):
		return Notdir
	case errors.Is(err, syscall.EISDIR):
		return Isdir
	case errors.Is(err, syscall.ENOSPC):
		return Nospc
	case errors.Is(err, syscall.ENAMETOOLONG):
		return Nametoolong
	case errors.Is(err, syscall.EPERM):
		return Perm
	default:
		return Io
	}
}

// FromStoreError maps a sentinel error raised by the handle table, lock
// manager, session manager, or state manager onto the matching status.
// An error not recognized here falls through to FromErrno, and finally to
// Serverfault.
func FromStoreError(err error) Status {
	if err == nil {
		return Ok
	}
	switch {
	case errors.Is(err, coreerr.ErrStale):
		return Stale
	case errors.Is(err, coreerr.ErrBadHandle):
		return Badhandle
	case errors.Is(err, coreerr.ErrGracePeriod):
		return Grace
	case errors.Is(err, coreerr.ErrNoGrace):
		return NoGrace
	case errors.Is(err, coreerr.ErrDeadlock):
		return Deadlock
	case errors.Is(err, coreerr.ErrLockRange):
		return LockRange
	case errors.Is(err, coreerr.ErrLockNotSupp):
		return LockNotsupp
	case errors.Is(err, coreerr.ErrLocked):
		return Locked
	case errors.Is(err, coreerr.ErrFileOpen):
		return FileOpen
	case errors.Is(err, coreerr.ErrClidInUse):
		return ClidInuse
	case errors.Is(err, coreerr.ErrStaleClientID):
		return StaleClientid
	case errors.Is(err, coreerr.ErrStaleStateID):
		return StaleStateid
	case errors.Is(err, coreerr.ErrBadSeqid):
		return BadSeqid
	case errors.Is(err, coreerr.ErrReclaimBad):
		return ReclaimBad
	case errors.Is(err, coreerr.ErrReclaimConflict):
		return ReclaimConflict
	case errors.Is(err, coreerr.ErrSeqMisordered):
		return BadSeqid
	case errors.Is(err, coreerr.ErrNotSupported):
		return Notsupp
	case errors.Is(err, coreerr.ErrInvalid):
		return Inval
	case errors.Is(err, coreerr.ErrWALCommitFailed):
		return Serverfault
	default:
		var errnoErr syscall.Errno
		if errors.As(err, &errnoErr) {
			return FromErrno(err)
		}
		return Serverfault
	}
}
