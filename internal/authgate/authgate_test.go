package authgate

import (
	"errors"
	"testing"

	"github.com/nfsd-core/nfsd/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeUnixCred(t *testing.T, stamp uint32, machine string, uid, gid uint32, gids []uint32) []byte {
	t.Helper()
	enc := wire.NewEncoder()
	enc.PutUint32(stamp)
	enc.PutString(machine)
	enc.PutUint32(uid)
	enc.PutUint32(gid)
	enc.PutUint32(uint32(len(gids)))
	for _, g := range gids {
		enc.PutUint32(g)
	}
	return enc.Bytes()
}

func TestParseUnixCredentialRoundTrip(t *testing.T) {
	body := encodeUnixCred(t, 42, "testhost", 1000, 1000, []uint32{4, 24, 27})

	cred, err := ParseUnixCredential(body)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), cred.Stamp)
	assert.Equal(t, "testhost", cred.MachineName)
	assert.Equal(t, uint32(1000), cred.UID)
	assert.Equal(t, uint32(1000), cred.GID)
	assert.Equal(t, []uint32{4, 24, 27}, cred.AuxGIDs)
}

func TestParseUnixCredentialRejectsTooManyAuxGids(t *testing.T) {
	gids := make([]uint32, maxAuxGids+1)
	body := encodeUnixCred(t, 1, "h", 0, 0, gids)

	_, err := ParseUnixCredential(body)
	assert.ErrorIs(t, err, wire.BadEncoding)
}

func TestVerifyNoneFlavorSucceeds(t *testing.T) {
	g := New(nil)
	res, err := g.Verify(FlavorNone, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, FlavorNone, res.Flavor)
}

func TestVerifySysFlavorDecodesCredential(t *testing.T) {
	g := New(nil)
	body := encodeUnixCred(t, 1, "host", 500, 500, nil)

	res, err := g.Verify(FlavorSys, body, nil)
	require.NoError(t, err)
	require.NotNil(t, res.Unix)
	assert.Equal(t, uint32(500), res.Unix.UID)
}

func TestVerifySysFlavorBadBodyFailsAuth(t *testing.T) {
	g := New(nil)
	_, err := g.Verify(FlavorSys, []byte{0x01}, nil)
	assert.Error(t, err)
}

func TestVerifyUnknownFlavorFailsAuth(t *testing.T) {
	g := New(nil)
	_, err := g.Verify(99, nil, nil)
	assert.Error(t, err)
}

type fakeAcceptor struct {
	established bool
	acceptErr   error
	micErr      error
}

func (f *fakeAcceptor) AcceptContext(handle, token []byte) ([]byte, []byte, bool, error) {
	if f.acceptErr != nil {
		return nil, nil, false, f.acceptErr
	}
	return []byte("out-token"), []byte("ctx-1"), f.established, nil
}

func (f *fakeAcceptor) VerifyMIC(handle, message, mic []byte) error {
	return f.micErr
}

func (f *fakeAcceptor) MakeMIC(handle, message []byte) ([]byte, error) {
	return []byte("mic"), nil
}

func (f *fakeAcceptor) Destroy(handle []byte) {}

func gssCredBody(proc, seq, svc uint32, handle []byte) []byte {
	enc := wire.NewEncoder()
	enc.PutUint32(proc)
	enc.PutUint32(seq)
	enc.PutUint32(svc)
	enc.PutOpaque(handle)
	return enc.Bytes()
}

func TestVerifyGSSWithoutAcceptorFailsAuth(t *testing.T) {
	g := New(nil)
	_, err := g.Verify(FlavorGSS, gssCredBody(GSSProcInit, 0, 1, nil), []byte("token"))
	assert.Error(t, err)
}

func TestVerifyGSSInitNotYetEstablished(t *testing.T) {
	g := New(&fakeAcceptor{established: false})
	res, err := g.Verify(FlavorGSS, gssCredBody(GSSProcInit, 0, 1, nil), []byte("token"))
	require.NoError(t, err)
	assert.False(t, res.Established)
	assert.Equal(t, []byte("out-token"), res.ReplyToken)
}

func TestVerifyGSSInitEstablishedAllowsAuthorize(t *testing.T) {
	g := New(&fakeAcceptor{established: true})
	res, err := g.Verify(FlavorGSS, gssCredBody(GSSProcInit, 0, 1, nil), []byte("token"))
	require.NoError(t, err)
	assert.True(t, g.Authorize(res, "/f", AccessRead))
}

func TestVerifyMICFailsWithoutAcceptor(t *testing.T) {
	g := New(nil)
	err := g.VerifyMIC([]byte("ctx"), []byte("msg"), []byte("mic"))
	assert.Error(t, err)
}

func TestVerifyMICEmptyFailsAuth(t *testing.T) {
	g := New(&fakeAcceptor{})
	err := g.VerifyMIC([]byte("ctx"), []byte("msg"), nil)
	assert.Error(t, err)
}

func TestVerifyMICDelegatesToAcceptor(t *testing.T) {
	g := New(&fakeAcceptor{micErr: errors.New("bad mic")})
	err := g.VerifyMIC([]byte("ctx"), []byte("msg"), []byte("mic"))
	assert.Error(t, err)
}

func TestAuthorizeSysAlwaysAllowed(t *testing.T) {
	g := New(nil)
	res := VerifyResult{Flavor: FlavorSys}
	assert.True(t, g.Authorize(res, "/f", AccessWrite))
}

func TestAuthorizeGSSUnestablishedDenied(t *testing.T) {
	g := New(nil)
	res := VerifyResult{Flavor: FlavorGSS, Established: false}
	assert.False(t, g.Authorize(res, "/f", AccessRead))
}
