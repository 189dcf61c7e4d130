// Package session implements the session manager (§4.7): server-issued
// channels bound to a ClientIdentity with monotonically increasing
// sequence IDs and a 30-minute inactivity timeout.
package session

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/nfsd-core/nfsd/internal/coreerr"
)

// DefaultTimeout is the session inactivity timeout, §5/§6.
const DefaultTimeout = 30 * time.Minute

const maxGenerationAttempts = 8

// Session is the record described in §3.
type Session struct {
	SessionID uint32
	ClientID  string
	Confirmed bool
	LastSeq   *uint32
	Expiry    time.Time
}

// Manager owns the session_id->Session map, serialized on one mutex.
type Manager struct {
	mu       sync.Mutex
	sessions map[uint32]*Session
	timeout  time.Duration
}

// New constructs a Manager with the default session timeout.
func New() *Manager {
	return &Manager{
		sessions: make(map[uint32]*Session),
		timeout:  DefaultTimeout,
	}
}

// SetTimeout overrides the session timeout (tests, config).
func (m *Manager) SetTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeout = d
}

func randomID() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// Create allocates a fresh unconfirmed session bound to clientID, with
// expiry = now + 30 min and last_seq = nil.
func (m *Manager) Create(clientID string, now time.Time) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for attempt := 0; attempt < maxGenerationAttempts; attempt++ {
		id, err := randomID()
		if err != nil {
			return 0, err
		}
		if _, exists := m.sessions[id]; exists {
			continue
		}
		m.sessions[id] = &Session{
			SessionID: id,
			ClientID:  clientID,
			Expiry:    now.Add(m.timeout),
		}
		return id, nil
	}
	return 0, coreerr.ErrHandleCollision
}

// Confirm is idempotent and refreshes the session's expiry.
func (m *Manager) Confirm(sessionID uint32, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return coreerr.ErrStaleStateID
	}
	s.Confirmed = true
	s.Expiry = now.Add(m.timeout)
	return nil
}

// Destroy removes sessionID.
func (m *Manager) Destroy(sessionID uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// Renew refreshes sessionID's expiry iff it is confirmed.
func (m *Manager) Renew(sessionID uint32, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return coreerr.ErrStaleStateID
	}
	if !s.Confirmed {
		return coreerr.ErrStaleStateID
	}
	s.Expiry = now.Add(m.timeout)
	return nil
}

// CheckSequence reports whether seqID is acceptable for sessionID: the
// session must be confirmed and either have no prior sequence or seqID
// must exceed it. A false result with a nil error means the caller must
// reject the request with SeqMisordered rather than mutate anything.
func (m *Manager) CheckSequence(sessionID uint32, seqID uint32) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return false, coreerr.ErrStaleStateID
	}
	if !s.Confirmed {
		return false, nil
	}
	if s.LastSeq != nil && seqID <= *s.LastSeq {
		return false, nil
	}
	return true, nil
}

// UpdateSequence records a new high-water mark for sessionID and
// refreshes its expiry. Callers must have already validated the
// sequence via CheckSequence.
func (m *Manager) UpdateSequence(sessionID uint32, seqID uint32, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return coreerr.ErrStaleStateID
	}
	seq := seqID
	s.LastSeq = &seq
	s.Expiry = now.Add(m.timeout)
	return nil
}

// Get returns a copy of sessionID's record, if present.
func (m *Manager) Get(sessionID uint32) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// CleanupExpired destroys every session whose expiry has passed,
// returning the evicted session ids.
func (m *Manager) CleanupExpired(now time.Time) []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var evicted []uint32
	for id, s := range m.sessions {
		if now.After(s.Expiry) {
			evicted = append(evicted, id)
			delete(m.sessions, id)
		}
	}
	return evicted
}

// DestroyForClient removes every session bound to clientID, used when a
// client's lease expires or it is explicitly removed.
func (m *Manager) DestroyForClient(clientID string) []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var evicted []uint32
	for id, s := range m.sessions {
		if s.ClientID == clientID {
			evicted = append(evicted, id)
			delete(m.sessions, id)
		}
	}
	return evicted
}
