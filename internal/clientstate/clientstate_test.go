package clientstate

import (
	"testing"
	"time"

	"github.com/nfsd-core/nfsd/internal/coreerr"
	"github.com/nfsd-core/nfsd/internal/handle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterUnknownClientGetsFreshLease(t *testing.T) {
	m := New()
	now := time.Now()

	ci, err := m.Register("client-1", []byte("verifier-a"), now)
	require.NoError(t, err)
	assert.False(t, ci.Confirmed)
	assert.Equal(t, now.Add(DefaultLeaseDuration), ci.Expiry)
}

func TestRegisterSameVerifierIsIdempotent(t *testing.T) {
	m := New()
	now := time.Now()

	_, err := m.Register("client-1", []byte("verifier-a"), now)
	require.NoError(t, err)

	ci2, err := m.Register("client-1", []byte("verifier-a"), now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, "client-1", ci2.ClientID)
}

func TestRegisterDifferentVerifierFails(t *testing.T) {
	m := New()
	now := time.Now()

	_, err := m.Register("client-1", []byte("verifier-a"), now)
	require.NoError(t, err)

	_, err = m.Register("client-1", []byte("verifier-b"), now)
	assert.ErrorIs(t, err, coreerr.ErrClidInUse)
}

func TestConfirmRefreshesLease(t *testing.T) {
	m := New()
	now := time.Now()
	_, err := m.Register("client-1", []byte("v"), now)
	require.NoError(t, err)

	later := now.Add(time.Minute)
	require.NoError(t, m.Confirm("client-1", later))

	ci, ok := m.Get("client-1")
	require.True(t, ok)
	assert.True(t, ci.Confirmed)
	assert.Equal(t, later.Add(DefaultLeaseDuration), ci.Expiry)
}

func TestRenewFailsWhenUnconfirmed(t *testing.T) {
	m := New()
	now := time.Now()
	_, err := m.Register("client-1", []byte("v"), now)
	require.NoError(t, err)

	err = m.Renew("client-1", now)
	assert.ErrorIs(t, err, coreerr.ErrStaleClientID)
}

func TestRenewSucceedsWhenConfirmedAndUnexpired(t *testing.T) {
	m := New()
	now := time.Now()
	_, err := m.Register("client-1", []byte("v"), now)
	require.NoError(t, err)
	require.NoError(t, m.Confirm("client-1", now))

	require.NoError(t, m.Renew("client-1", now.Add(time.Second)))
}

func TestAddStateRequiresConfirmedAndUnexpired(t *testing.T) {
	m := New()
	now := time.Now()
	_, err := m.Register("client-1", []byte("v"), now)
	require.NoError(t, err)

	st := State{ID: StateID{Kind: KindOpen, Handle: handle.Handle{1}, Owner: "o1"}}
	err = m.AddState("client-1", st, now)
	assert.ErrorIs(t, err, coreerr.ErrStaleClientID)

	require.NoError(t, m.Confirm("client-1", now))
	require.NoError(t, m.AddState("client-1", st, now))

	found, err := m.FindState("client-1", st.ID)
	require.NoError(t, err)
	assert.Equal(t, KindOpen, found.ID.Kind)
}

func TestAddStateExpiryMatchesClientLease(t *testing.T) {
	m := New()
	now := time.Now()
	_, err := m.Register("client-1", []byte("v"), now)
	require.NoError(t, err)
	require.NoError(t, m.Confirm("client-1", now))

	st := State{ID: StateID{Kind: KindLock, Handle: handle.Handle{2}, Owner: "o2"}}
	require.NoError(t, m.AddState("client-1", st, now))

	found, err := m.FindState("client-1", st.ID)
	require.NoError(t, err)

	ci, _ := m.Get("client-1")
	assert.Equal(t, ci.Expiry, found.Expiry)
}

func TestRemoveStateDropsIt(t *testing.T) {
	m := New()
	now := time.Now()
	_, err := m.Register("client-1", []byte("v"), now)
	require.NoError(t, err)
	require.NoError(t, m.Confirm("client-1", now))

	st := State{ID: StateID{Kind: KindOpen, Handle: handle.Handle{3}, Owner: "o3"}}
	require.NoError(t, m.AddState("client-1", st, now))
	require.NoError(t, m.RemoveState("client-1", st.ID))

	_, err = m.FindState("client-1", st.ID)
	assert.ErrorIs(t, err, coreerr.ErrStaleStateID)
}

func TestFindStateUnknownClientIsStale(t *testing.T) {
	m := New()
	_, err := m.FindState("ghost", StateID{})
	assert.ErrorIs(t, err, coreerr.ErrStaleClientID)
}

func TestCleanupExpiredDropsClientAndStates(t *testing.T) {
	m := New()
	m.SetLeaseDuration(time.Millisecond)
	now := time.Now()
	_, err := m.Register("client-1", []byte("v"), now)
	require.NoError(t, err)
	require.NoError(t, m.Confirm("client-1", now))

	st := State{ID: StateID{Kind: KindOpen, Handle: handle.Handle{4}, Owner: "o4"}}
	require.NoError(t, m.AddState("client-1", st, now))

	evicted := m.CleanupExpired(now.Add(time.Second))
	assert.Equal(t, []string{"client-1"}, evicted)

	_, ok := m.Get("client-1")
	assert.False(t, ok)
}

func TestCleanupExpiredLeavesUnexpiredClients(t *testing.T) {
	m := New()
	now := time.Now()
	_, err := m.Register("client-1", []byte("v"), now)
	require.NoError(t, err)

	evicted := m.CleanupExpired(now)
	assert.Empty(t, evicted)
}
