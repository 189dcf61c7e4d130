package wire

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Run("Uint32", func(t *testing.T) {
		e := NewEncoder()
		e.PutUint32(0xDEADBEEF)
		d := NewDecoder(e.Bytes())
		v, err := d.Uint32()
		require.NoError(t, err)
		assert.Equal(t, uint32(0xDEADBEEF), v)
		assert.Equal(t, 0, d.Remaining())
	})

	t.Run("Uint64", func(t *testing.T) {
		e := NewEncoder()
		e.PutUint64(0x0123456789ABCDEF)
		d := NewDecoder(e.Bytes())
		v, err := d.Uint64()
		require.NoError(t, err)
		assert.Equal(t, uint64(0x0123456789ABCDEF), v)
	})

	t.Run("Int32Negative", func(t *testing.T) {
		e := NewEncoder()
		e.PutInt32(-42)
		d := NewDecoder(e.Bytes())
		v, err := d.Int32()
		require.NoError(t, err)
		assert.Equal(t, int32(-42), v)
	})

	t.Run("Int64Negative", func(t *testing.T) {
		e := NewEncoder()
		e.PutInt64(-1)
		d := NewDecoder(e.Bytes())
		v, err := d.Int64()
		require.NoError(t, err)
		assert.Equal(t, int64(-1), v)
	})

	t.Run("BoolTrueAndFalse", func(t *testing.T) {
		e := NewEncoder()
		e.PutBool(true)
		e.PutBool(false)
		d := NewDecoder(e.Bytes())
		tv, err := d.Bool()
		require.NoError(t, err)
		assert.True(t, tv)
		fv, err := d.Bool()
		require.NoError(t, err)
		assert.False(t, fv)
	})

	t.Run("OpaqueUnpadded", func(t *testing.T) {
		e := NewEncoder()
		e.PutOpaque([]byte("test")) // 4 bytes, no padding
		assert.Equal(t, 8, e.Len())
		d := NewDecoder(e.Bytes())
		got, err := d.Opaque()
		require.NoError(t, err)
		assert.Equal(t, []byte("test"), got)
	})

	t.Run("OpaquePadded", func(t *testing.T) {
		e := NewEncoder()
		e.PutOpaque([]byte("abc")) // 3 bytes, 1 byte pad
		assert.Equal(t, 8, e.Len())
		d := NewDecoder(e.Bytes())
		got, err := d.Opaque()
		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), got)
	})

	t.Run("StringRoundTrip", func(t *testing.T) {
		e := NewEncoder()
		e.PutString("/export/home")
		d := NewDecoder(e.Bytes())
		got, err := d.String()
		require.NoError(t, err)
		assert.Equal(t, "/export/home", got)
	})

	t.Run("EmptyOpaque", func(t *testing.T) {
		e := NewEncoder()
		e.PutOpaque(nil)
		assert.Equal(t, 4, e.Len())
		d := NewDecoder(e.Bytes())
		got, err := d.Opaque()
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("SequentialFieldsPreserveOrder", func(t *testing.T) {
		e := NewEncoder()
		e.PutUint32(1)
		e.PutString("a")
		e.PutBool(true)
		e.PutUint64(99)

		d := NewDecoder(e.Bytes())
		u, err := d.Uint32()
		require.NoError(t, err)
		assert.Equal(t, uint32(1), u)
		s, err := d.String()
		require.NoError(t, err)
		assert.Equal(t, "a", s)
		b, err := d.Bool()
		require.NoError(t, err)
		assert.True(t, b)
		h, err := d.Uint64()
		require.NoError(t, err)
		assert.Equal(t, uint64(99), h)
	})
}

func TestDecodeTruncated(t *testing.T) {
	t.Run("TruncatedUint32", func(t *testing.T) {
		d := NewDecoder([]byte{0x00, 0x01})
		_, err := d.Uint32()
		require.Error(t, err)
		assert.True(t, errors.Is(err, BadEncoding))
	})

	t.Run("TruncatedUint64", func(t *testing.T) {
		d := NewDecoder([]byte{0x00, 0x01, 0x02, 0x03})
		_, err := d.Uint64()
		require.Error(t, err)
		assert.True(t, errors.Is(err, BadEncoding))
	})

	t.Run("OpaqueLengthExceedsRemaining", func(t *testing.T) {
		e := NewEncoder()
		e.PutUint32(100) // claims 100 bytes follow
		e.buf.WriteByte(0x01)
		d := NewDecoder(e.Bytes())
		_, err := d.Opaque()
		require.Error(t, err)
		assert.True(t, errors.Is(err, BadEncoding))
	})

	t.Run("OpaqueLengthExceedsMax", func(t *testing.T) {
		e := NewEncoder()
		e.PutUint32(MaxOpaqueLen + 1)
		d := NewDecoder(e.Bytes())
		_, err := d.Opaque()
		require.Error(t, err)
		assert.True(t, errors.Is(err, BadEncoding))
	})

	t.Run("TruncatedPadding", func(t *testing.T) {
		e := NewEncoder()
		e.PutUint32(3)
		e.buf.Write([]byte("abc"))
		// omit the 1 padding byte a well-formed "abc" opaque would carry
		d := NewDecoder(e.Bytes())
		_, err := d.Opaque()
		require.Error(t, err)
		assert.True(t, errors.Is(err, BadEncoding))
	})

	t.Run("EmptyBuffer", func(t *testing.T) {
		d := NewDecoder(nil)
		_, err := d.Uint32()
		require.Error(t, err)
	})
}

func TestPaddingBytesAreZero(t *testing.T) {
	e := NewEncoder()
	e.PutOpaque([]byte("x")) // 1 byte, 3 bytes padding
	raw := e.Bytes()
	require.Len(t, raw, 8)
	for _, b := range raw[5:8] {
		assert.Equal(t, byte(0), b)
	}
}
