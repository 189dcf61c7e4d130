// Package fsoracle wraps the backing local filesystem, treated as an
// oracle per §1: the compound engine's per-op contracts talk to
// real paths through this package rather than touching os/io directly,
// so every mutation can be staged through the WAL/journal first.
package fsoracle

import (
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nfsd-core/nfsd/internal/coreerr"
)

// Attribute bitmap values, §6.
const (
	AttrType   uint32 = 0x01
	AttrMode   uint32 = 0x02
	AttrNlink  uint32 = 0x04
	AttrOwner  uint32 = 0x08
	AttrGroup  uint32 = 0x10
	AttrSize   uint32 = 0x20
	AttrUsed   uint32 = 0x40
	AttrFsid   uint32 = 0x80
	AttrFileid uint32 = 0x100
	AttrAtime  uint32 = 0x200
	AttrMtime  uint32 = 0x400
	AttrCtime  uint32 = 0x800
)

// SETATTR mask, §272 (WAL-internal, distinct from the GETATTR
// bitmap above).
const (
	SetMode  uint32 = 1
	SetUID   uint32 = 2
	SetGID   uint32 = 4
	SetSize  uint32 = 8
	SetAtime uint32 = 16
	SetMtime uint32 = 32
)

// FileType is the value the Type attribute reports: TypeReg=1 and
// TypeDir=2 (the NFSv4 NF4REG/NF4DIR values) and TypeLnk=3.
type FileType uint32

const (
	TypeReg FileType = iota + 1
	TypeDir
	TypeLnk
)

// Attrs is the subset of attributes named by §6, filled in
// according to a requested GETATTR mask.
type Attrs struct {
	Type   FileType
	Mode   uint32
	Nlink  uint32
	UID    uint32
	GID    uint32
	Size   uint64
	Used   uint64
	Fsid   uint64
	FileID uint64
	Atime  time.Time
	Mtime  time.Time
	Ctime  time.Time
}

// SetAttrs is the subset of attributes a SETATTR call may apply.
type SetAttrs struct {
	Mode  uint32
	UID   uint32
	GID   uint32
	Size  uint64
	Atime time.Time
	Mtime time.Time
}

// DirEntry is one entry returned by ReadDir, tagged with a resumable
// cookie (the entry's position in directory order).
type DirEntry struct {
	Name   string
	Cookie uint64
}

// Oracle performs filesystem operations rooted at a fixed export root.
// It does not itself provide durability; callers stage mutations through
// the WAL/journal before calling into it, per §4.10.
type Oracle struct {
	root string
}

// New constructs an Oracle rooted at root. root must already exist.
func New(root string) (*Oracle, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, coreerr.ErrInvalid
	}
	return &Oracle{root: root}, nil
}

// Root returns the export root path.
func (o *Oracle) Root() string {
	return o.root
}

// GetAttrs returns the subset of attrs named by mask for path.
func (o *Oracle) GetAttrs(path string, mask uint32) (Attrs, error) {
	var st syscall.Stat_t
	if err := syscall.Stat(path, &st); err != nil {
		return Attrs{}, err
	}

	var a Attrs
	if mask&AttrType != 0 {
		a.Type = fileTypeFromMode(st.Mode)
	}
	if mask&AttrMode != 0 {
		a.Mode = uint32(st.Mode & 0o7777)
	}
	if mask&AttrNlink != 0 {
		a.Nlink = uint32(st.Nlink)
	}
	if mask&AttrOwner != 0 {
		a.UID = st.Uid
	}
	if mask&AttrGroup != 0 {
		a.GID = st.Gid
	}
	if mask&AttrSize != 0 {
		a.Size = uint64(st.Size)
	}
	if mask&AttrUsed != 0 {
		a.Used = uint64(st.Blocks) * 512
	}
	if mask&AttrFsid != 0 {
		a.Fsid = uint64(st.Dev)
	}
	if mask&AttrFileid != 0 {
		a.FileID = st.Ino
	}
	if mask&AttrAtime != 0 {
		a.Atime = time.Unix(st.Atim.Sec, st.Atim.Nsec)
	}
	if mask&AttrMtime != 0 {
		a.Mtime = time.Unix(st.Mtim.Sec, st.Mtim.Nsec)
	}
	if mask&AttrCtime != 0 {
		a.Ctime = time.Unix(st.Ctim.Sec, st.Ctim.Nsec)
	}
	return a, nil
}

func fileTypeFromMode(mode uint32) FileType {
	switch mode & syscall.S_IFMT {
	case syscall.S_IFDIR:
		return TypeDir
	case syscall.S_IFLNK:
		return TypeLnk
	default:
		return TypeReg
	}
}

// SetAttrs applies the fields enabled by mask to path.
func (o *Oracle) SetAttrs(path string, mask uint32, attrs SetAttrs) error {
	if mask&SetMode != 0 {
		if err := os.Chmod(path, os.FileMode(attrs.Mode)); err != nil {
			return err
		}
	}
	if mask&(SetUID|SetGID) != 0 {
		uid, gid := -1, -1
		if mask&SetUID != 0 {
			uid = int(attrs.UID)
		}
		if mask&SetGID != 0 {
			gid = int(attrs.GID)
		}
		if err := os.Chown(path, uid, gid); err != nil {
			return err
		}
	}
	if mask&SetSize != 0 {
		if err := os.Truncate(path, int64(attrs.Size)); err != nil {
			return err
		}
	}
	if mask&(SetAtime|SetMtime) != 0 {
		atime, mtime := attrs.Atime, attrs.Mtime
		if mask&SetAtime == 0 {
			cur, err := o.GetAttrs(path, AttrAtime)
			if err != nil {
				return err
			}
			atime = cur.Atime
		}
		if mask&SetMtime == 0 {
			cur, err := o.GetAttrs(path, AttrMtime)
			if err != nil {
				return err
			}
			mtime = cur.Mtime
		}
		if err := os.Chtimes(path, atime, mtime); err != nil {
			return err
		}
	}
	return nil
}

// Lookup resolves name under dirPath, returning os.Lstat's error
// unwrapped when the entry cannot be stat'd (ENOENT for an absent name).
func (o *Oracle) Lookup(dirPath, name string) (string, error) {
	full := filepath.Join(dirPath, name)
	if _, err := os.Lstat(full); err != nil {
		return "", err
	}
	return full, nil
}

// Create creates name under dirPath with the given mode: a directory
// for TypeDir, an empty regular file for any other type (TypeLnk
// included; Symlink makes symbolic links). Creation is exclusive: an
// existing object at the target path fails with syscall.EEXIST.
func (o *Oracle) Create(dirPath, name string, typ FileType, mode uint32) (string, error) {
	full := filepath.Join(dirPath, name)
	switch typ {
	case TypeDir:
		if err := os.Mkdir(full, os.FileMode(mode)); err != nil {
			return "", err
		}
	default:
		f, err := os.OpenFile(full, os.O_CREATE|os.O_EXCL|os.O_WRONLY, os.FileMode(mode))
		if err != nil {
			return "", err
		}
		f.Close()
	}
	return full, nil
}

// Remove removes path, failing syscall.ENOTEMPTY for a non-empty
// directory and syscall.ENOENT if absent.
func (o *Oracle) Remove(path string) error {
	return os.Remove(path)
}

// Rename moves oldPath to newPath, failing syscall.EXDEV across
// devices (surfaced by the kernel rename(2) call itself).
func (o *Oracle) Rename(oldPath, newPath string) error {
	return os.Rename(oldPath, newPath)
}

// ReadResult is the outcome of a Read call.
type ReadResult struct {
	Data []byte
	EOF  bool
}

// Read reads up to count bytes from path at offset.
func (o *Oracle) Read(path string, offset int64, count int) (ReadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return ReadResult{}, err
	}
	defer f.Close()

	buf := make([]byte, count)
	n, err := f.ReadAt(buf, offset)
	eof := err == io.EOF
	if err != nil && !eof {
		return ReadResult{}, err
	}
	return ReadResult{Data: buf[:n], EOF: eof}, nil
}

// WriteResult is the outcome of a Write call.
type WriteResult struct {
	Count     int
	Committed bool
}

// Write writes data to path at offset, fsyncing when stable is true.
func (o *Oracle) Write(path string, offset int64, data []byte, stable bool) (WriteResult, error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return WriteResult{}, err
	}
	defer f.Close()

	n, err := f.WriteAt(data, offset)
	if err != nil {
		return WriteResult{}, err
	}
	if stable {
		if err := unix.Fsync(int(f.Fd())); err != nil {
			return WriteResult{}, err
		}
	}
	return WriteResult{Count: n, Committed: stable}, nil
}

// ReadDir lists dirPath starting after startCookie (an index into
// directory order), returning entries whose cumulative count fits
// maxEntries and whether the listing reached the end.
func (o *Oracle) ReadDir(dirPath string, startCookie uint64, maxEntries int) ([]DirEntry, bool, error) {
	f, err := os.Open(dirPath)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, false, err
	}

	if startCookie > uint64(len(names)) {
		return nil, true, nil
	}

	remaining := names[startCookie:]
	eof := len(remaining) <= maxEntries
	if !eof {
		remaining = remaining[:maxEntries]
	}

	entries := make([]DirEntry, len(remaining))
	for i, name := range remaining {
		entries[i] = DirEntry{Name: name, Cookie: startCookie + uint64(i) + 1}
	}
	return entries, eof, nil
}

// ReadLink returns the target of a symlink.
func (o *Oracle) ReadLink(path string) (string, error) {
	return os.Readlink(path)
}

// Symlink creates an exclusive symlink at dirPath/name pointing to
// target.
func (o *Oracle) Symlink(dirPath, name, target string) (string, error) {
	full := filepath.Join(dirPath, name)
	if _, err := os.Lstat(full); err == nil {
		return "", syscall.EEXIST
	}
	if err := os.Symlink(target, full); err != nil {
		return "", err
	}
	return full, nil
}
