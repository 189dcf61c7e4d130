// Package handle implements the path<->handle table (§4.2): a pair of
// mutually inverse maps behind one mutex, handing out opaque 16-byte
// identifiers that stand in for filesystem paths on the wire.
package handle

import (
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/nfsd-core/nfsd/internal/coreerr"
)

// Size is the wire length of a handle, fixed by §6.
const Size = 16

// Handle is an opaque 16-byte file handle.
type Handle [Size]byte

func (h Handle) String() string {
	return fmt.Sprintf("%x", [Size]byte(h))
}

// maxGenerationAttempts bounds retries when a freshly generated id
// collides with one already in the table; exhausting it is the fatal
// condition §4.2 requires on collision.
const maxGenerationAttempts = 8

// Table is the path<->handle equivalence, serialized on a single mutex
// per §4.2/§5 lock ordering (handle-table mutex is the outermost
// lock in the hierarchy).
type Table struct {
	mu       sync.Mutex
	byPath   map[string]Handle
	byHandle map[Handle]string
	rootPath string
	rootHndl Handle
}

// New constructs a Table with the root path present from construction,
// assigned a freshly generated handle.
func New(rootPath string) (*Table, error) {
	t := &Table{
		byPath:   make(map[string]Handle),
		byHandle: make(map[Handle]string),
		rootPath: rootPath,
	}
	h, err := t.generate()
	if err != nil {
		return nil, err
	}
	t.rootHndl = h
	t.byPath[rootPath] = h
	t.byHandle[h] = rootPath
	return t, nil
}

// RootHandle returns the handle assigned to the root path at construction.
func (t *Table) RootHandle() Handle {
	return t.rootHndl
}

func (t *Table) generate() (Handle, error) {
	for attempt := 0; attempt < maxGenerationAttempts; attempt++ {
		var h Handle
		if _, err := rand.Read(h[:]); err != nil {
			return Handle{}, fmt.Errorf("handle: generate id: %w", err)
		}
		if _, exists := t.byHandle[h]; !exists {
			return h, nil
		}
	}
	return Handle{}, coreerr.ErrHandleCollision
}

// HandleForPath is idempotent: it returns the existing handle for path if
// one exists, otherwise assigns and records a fresh one.
func (t *Table) HandleForPath(path string) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if h, ok := t.byPath[path]; ok {
		return h, nil
	}
	h, err := t.generate()
	if err != nil {
		return Handle{}, err
	}
	t.byPath[path] = h
	t.byHandle[h] = path
	return h, nil
}

// PathForHandle resolves a handle to its path, or coreerr.ErrStale if the
// handle is unknown to this table instance.
func (t *Table) PathForHandle(h Handle) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	path, ok := t.byHandle[h]
	if !ok {
		return "", coreerr.ErrStale
	}
	return path, nil
}

// Rename atomically relabels oldPath to newPath, keeping the same handle
// and updating both maps under the one lock. A handle for oldPath must
// already exist; it is an error otherwise.
func (t *Table) Rename(oldPath, newPath string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.byPath[oldPath]
	if !ok {
		return coreerr.ErrStale
	}
	delete(t.byPath, oldPath)
	t.byPath[newPath] = h
	t.byHandle[h] = newPath
	return nil
}

// Forget removes path's entry from both maps, called on REMOVE/RMDIR.
// Any handle already issued for path becomes stale on the next lookup.
func (t *Table) Forget(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.byPath[path]
	if !ok {
		return
	}
	delete(t.byPath, path)
	delete(t.byHandle, h)
}

// Len returns the number of live path<->handle entries, for tests and
// metrics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byPath)
}
