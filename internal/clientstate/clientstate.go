// Package clientstate implements the state manager (§4.6): the registry
// of ClientIdentity records, their leases, and the States (Open/Lock/
// Delegation-reserved) each confirmed, unexpired client owns.
package clientstate

import (
	"os"
	"sync"
	"time"

	"github.com/nfsd-core/nfsd/internal/coreerr"
	"github.com/nfsd-core/nfsd/internal/handle"
	"github.com/nfsd-core/nfsd/internal/wire"
)

// DefaultLeaseDuration is the client lease default, §5/§6.
const DefaultLeaseDuration = 90 * time.Second

// StateKind tags a State's variant.
type StateKind int

const (
	KindOpen StateKind = iota
	KindLock
	KindDelegation // reserved, not active per §3
)

// StateID identifies one State within a client: (kind, handle, owner)
// plus a seqid that increases on each re-confirmation.
type StateID struct {
	ClientID string
	Kind     StateKind
	Handle   handle.Handle
	Owner    string
	Seqid    uint32
}

// State is the tagged variant described in §3. Open/Lock-specific
// fields are only meaningful for the matching Kind.
type State struct {
	ID StateID

	// Open fields.
	ShareAccess uint32
	ShareDeny   uint32

	// Lock fields.
	Offset uint64
	Length uint64
	Type   uint32 // 0=Read, 1=Write

	Expiry time.Time
}

// ClientIdentity is the server's record of one registered client.
type ClientIdentity struct {
	ClientID  string
	Verifier  []byte
	Confirmed bool

	GrantTime time.Time
	Expiry    time.Time

	states map[StateID]*State
}

// Manager owns the client_id->ClientIdentity map and their states,
// serialized on a single mutex per §5.
type Manager struct {
	mu            sync.Mutex
	clients       map[string]*ClientIdentity
	leaseDuration time.Duration
	persistPath   string
}

// New constructs a Manager with the default lease duration.
func New() *Manager {
	return &Manager{
		clients:       make(map[string]*ClientIdentity),
		leaseDuration: DefaultLeaseDuration,
	}
}

// SetLeaseDuration overrides the lease duration (tests, config).
func (m *Manager) SetLeaseDuration(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaseDuration = d
}

// Register inserts clientID unconfirmed with a fresh lease if unknown.
// If clientID is already known with the same verifier, this is an
// idempotent success. If known with a different verifier, it fails with
// ErrClidInUse.
func (m *Manager) Register(clientID string, verifier []byte, now time.Time) (*ClientIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.clients[clientID]; ok {
		if bytesEqual(existing.Verifier, verifier) {
			return existing, nil
		}
		return nil, coreerr.ErrClidInUse
	}

	ci := &ClientIdentity{
		ClientID:  clientID,
		Verifier:  append([]byte(nil), verifier...),
		GrantTime: now,
		Expiry:    now.Add(m.leaseDuration),
		states:    make(map[StateID]*State),
	}
	m.clients[clientID] = ci
	_ = m.persistLocked()
	return ci, nil
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

// Confirm marks clientID confirmed and refreshes its lease.
func (m *Manager) Confirm(clientID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ci, ok := m.clients[clientID]
	if !ok {
		return coreerr.ErrStaleClientID
	}
	ci.Confirmed = true
	ci.Expiry = now.Add(m.leaseDuration)
	return nil
}

// Renew refreshes clientID's lease iff it is confirmed and its lease
// has not yet expired.
func (m *Manager) Renew(clientID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ci, ok := m.clients[clientID]
	if !ok {
		return coreerr.ErrStaleClientID
	}
	if !ci.Confirmed {
		return coreerr.ErrStaleClientID
	}
	if now.After(ci.Expiry) {
		return coreerr.ErrStaleClientID
	}
	ci.Expiry = now.Add(m.leaseDuration)
	return nil
}

// AddState registers state under clientID iff the client is confirmed
// and its lease is unexpired; the state's expiry is set to the client's
// lease expiry.
func (m *Manager) AddState(clientID string, st State, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ci, ok := m.clients[clientID]
	if !ok {
		return coreerr.ErrStaleClientID
	}
	if !ci.Confirmed || now.After(ci.Expiry) {
		return coreerr.ErrStaleClientID
	}
	st.ID.ClientID = clientID
	st.Expiry = ci.Expiry
	ci.states[st.ID] = &st
	return nil
}

// RemoveState deletes the state matching id, if present.
func (m *Manager) RemoveState(clientID string, id StateID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ci, ok := m.clients[clientID]
	if !ok {
		return coreerr.ErrStaleClientID
	}
	delete(ci.states, id)
	return nil
}

// FindState looks up a state by id, returning coreerr.ErrStaleStateID if
// absent.
func (m *Manager) FindState(clientID string, id StateID) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ci, ok := m.clients[clientID]
	if !ok {
		return nil, coreerr.ErrStaleClientID
	}
	st, ok := ci.states[id]
	if !ok {
		return nil, coreerr.ErrStaleStateID
	}
	return st, nil
}

// CleanupExpired drops every client whose lease has expired and all of
// its states, returning the evicted client ids.
func (m *Manager) CleanupExpired(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var evicted []string
	for id, ci := range m.clients {
		if now.After(ci.Expiry) {
			evicted = append(evicted, id)
			delete(m.clients, id)
		}
	}
	if len(evicted) > 0 {
		_ = m.persistLocked()
	}
	return evicted
}

// Evict unconditionally drops clientID and all its states, independent
// of lease expiry. This is the recovery-triggered removal §4.11 names:
// a client whose replayed operations permanently failed is evicted
// outright rather than waiting for its lease to lapse. Reports whether
// the client was known.
func (m *Manager) Evict(clientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clients[clientID]; !ok {
		return false
	}
	delete(m.clients, clientID)
	_ = m.persistLocked()
	return true
}

// PersistedRecord is one client's durable identity, enough for a
// restarting process to rebuild the grace window's reclaim set.
type PersistedRecord struct {
	ClientID string
	Verifier []byte
}

// SetPersistPath enables write-through persistence of the client
// table to path: SetPersistPath itself, a Register that adds a new
// client, an Evict that drops one, and a CleanupExpired that drops any
// overwrite it with the current snapshot (Confirm and Renew do not).
// An empty path (the default) disables persistence.
func (m *Manager) SetPersistPath(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persistPath = path
	return m.persistLocked()
}

// persistLocked overwrites m.persistPath with every known client's id
// and verifier. Caller holds m.mu.
func (m *Manager) persistLocked() error {
	if m.persistPath == "" {
		return nil
	}
	enc := wire.NewEncoder()
	enc.PutUint32(uint32(len(m.clients)))
	for _, ci := range m.clients {
		enc.PutString(ci.ClientID)
		enc.PutOpaque(ci.Verifier)
	}
	return os.WriteFile(m.persistPath, enc.Bytes(), 0o600)
}

// LoadPersisted reads the client snapshot written by SetPersistPath's
// write-through, for seeding a fresh process's grace window with the
// clients the previous instance held state for. A missing file is not
// an error: it returns no records, the case for a first run.
func LoadPersisted(path string) ([]PersistedRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	dec := wire.NewDecoder(data)
	n, err := dec.Uint32()
	if err != nil {
		return nil, err
	}
	out := make([]PersistedRecord, 0, n)
	for i := uint32(0); i < n; i++ {
		id, err := dec.String()
		if err != nil {
			return nil, err
		}
		verifier, err := dec.Opaque()
		if err != nil {
			return nil, err
		}
		out = append(out, PersistedRecord{ClientID: id, Verifier: verifier})
	}
	return out, nil
}

// Get returns the ClientIdentity for clientID, if registered.
func (m *Manager) Get(clientID string) (*ClientIdentity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ci, ok := m.clients[clientID]
	return ci, ok
}

// States returns a snapshot of clientID's current states.
func (m *Manager) States(clientID string) []State {
	m.mu.Lock()
	defer m.mu.Unlock()

	ci, ok := m.clients[clientID]
	if !ok {
		return nil
	}
	out := make([]State, 0, len(ci.states))
	for _, st := range ci.states {
		out = append(out, *st)
	}
	return out
}
