// Package wire implements the XDR-style primitive codec used on every
// compound request and reply: u32/u64 integers, booleans, and
// length-prefixed, 4-byte-padded opaque/string fields, all big-endian.
//
// Encoding is total: Encoder never fails. Decoding fails with BadEncoding
// on truncated input or a length field that overruns the remaining buffer,
// so a hostile or corrupt peer cannot force an oversized allocation.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// BadEncoding is returned by any Decoder method when the wire data is
// truncated or an embedded length field exceeds what remains in the buffer.
var BadEncoding = errors.New("wire: bad encoding")

// MaxOpaqueLen bounds a single opaque/string field, guarding against a
// corrupt or adversarial length prefix forcing a multi-gigabyte allocation.
const MaxOpaqueLen = 1024 * 1024

// Encoder accumulates an XDR-encoded byte stream. The zero value is ready
// to use. Every method is total: there is no encode-time failure mode for
// the primitives this package supports.
type Encoder struct {
	buf bytes.Buffer
}

// NewEncoder returns a ready-to-use Encoder.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// Bytes returns the accumulated encoded stream.
func (e *Encoder) Bytes() []byte {
	return e.buf.Bytes()
}

// Len returns the number of bytes encoded so far.
func (e *Encoder) Len() int {
	return e.buf.Len()
}

// PutUint32 appends a big-endian u32.
func (e *Encoder) PutUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}

// PutUint64 appends a big-endian u64.
func (e *Encoder) PutUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
}

// PutInt32 appends a big-endian signed 32-bit integer.
func (e *Encoder) PutInt32(v int32) {
	e.PutUint32(uint32(v))
}

// PutInt64 appends a big-endian signed 64-bit integer.
func (e *Encoder) PutInt64(v int64) {
	e.PutUint64(uint64(v))
}

// PutBool appends a u32 0/1.
func (e *Encoder) PutBool(v bool) {
	if v {
		e.PutUint32(1)
	} else {
		e.PutUint32(0)
	}
}

// PutRaw appends data verbatim with no length prefix or padding, for
// splicing already-framed records (each produced by a prior Encoder)
// back to back.
func (e *Encoder) PutRaw(data []byte) {
	e.buf.Write(data)
}

// PutOpaque appends a length-prefixed byte string, zero-padded to a
// 4-byte boundary.
func (e *Encoder) PutOpaque(data []byte) {
	e.PutUint32(uint32(len(data)))
	e.buf.Write(data)
	e.putPadding(len(data))
}

// PutString appends a length-prefixed UTF-8 string using the same framing
// as PutOpaque.
func (e *Encoder) PutString(s string) {
	e.PutOpaque([]byte(s))
}

func (e *Encoder) putPadding(dataLen int) {
	pad := (4 - (dataLen % 4)) % 4
	if pad == 0 {
		return
	}
	var zero [3]byte
	e.buf.Write(zero[:pad])
}

// Decoder reads XDR primitives from a fixed byte slice, tracking a read
// cursor so length prefixes can be checked against what actually remains.
type Decoder struct {
	data []byte
	pos  int
}

// NewDecoder wraps data for sequential XDR decoding.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data}
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.data) - d.pos
}

// Pos returns the current read cursor offset into the wrapped buffer.
func (d *Decoder) Pos() int {
	return d.pos
}

func (d *Decoder) take(n int) ([]byte, error) {
	if n < 0 || n > d.Remaining() {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", BadEncoding, n, d.Remaining())
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

// Uint32 decodes a big-endian u32.
func (d *Decoder) Uint32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// Uint64 decodes a big-endian u64.
func (d *Decoder) Uint64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// Int32 decodes a big-endian signed 32-bit integer.
func (d *Decoder) Int32() (int32, error) {
	v, err := d.Uint32()
	return int32(v), err
}

// Int64 decodes a big-endian signed 64-bit integer.
func (d *Decoder) Int64() (int64, error) {
	v, err := d.Uint64()
	return int64(v), err
}

// Bool decodes a u32 0/1 as a boolean; any nonzero value is true.
func (d *Decoder) Bool() (bool, error) {
	v, err := d.Uint32()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// Opaque decodes a length-prefixed byte string and skips its padding.
// The returned slice aliases the Decoder's backing array and must be
// copied before the caller retains it past further decoding.
func (d *Decoder) Opaque() ([]byte, error) {
	length, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	if length > MaxOpaqueLen {
		return nil, fmt.Errorf("%w: opaque length %d exceeds maximum %d", BadEncoding, length, MaxOpaqueLen)
	}
	data, err := d.take(int(length))
	if err != nil {
		return nil, err
	}
	pad := (4 - (length % 4)) % 4
	if pad > 0 {
		if _, err := d.take(int(pad)); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// String decodes a length-prefixed UTF-8 string using the same framing
// as Opaque.
func (d *Decoder) String() (string, error) {
	data, err := d.Opaque()
	if err != nil {
		return "", err
	}
	return string(data), nil
}
