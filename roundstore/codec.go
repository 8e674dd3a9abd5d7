// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package roundstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// maxFieldSize bounds every variable length field read back from the
// database.
const maxFieldSize = 1 << 22

// Encoder serializes a record. The first error is kept and returned by
// Bytes, so a record can be written without checking every field.
type Encoder struct {
	buf bytes.Buffer
	err error
}

// Uint8 writes a single byte.
func (e *Encoder) Uint8(v uint8) {
	if e.err == nil {
		e.err = e.buf.WriteByte(v)
	}
}

// Bool writes a boolean as a single byte.
func (e *Encoder) Bool(v bool) {
	var b uint8
	if v {
		b = 1
	}
	e.Uint8(b)
}

// Uint32 writes a big-endian uint32.
func (e *Encoder) Uint32(v uint32) {
	if e.err == nil {
		e.err = binary.Write(&e.buf, byteOrder, v)
	}
}

// Uint64 writes a big-endian uint64.
func (e *Encoder) Uint64(v uint64) {
	if e.err == nil {
		e.err = binary.Write(&e.buf, byteOrder, v)
	}
}

// Int64 writes a big-endian int64.
func (e *Encoder) Int64(v int64) {
	e.Uint64(uint64(v))
}

// Count writes a compact size integer.
func (e *Encoder) Count(n int) {
	if e.err == nil {
		e.err = wire.WriteVarInt(&e.buf, 0, uint64(n))
	}
}

// VarBytes writes a length prefixed byte slice.
func (e *Encoder) VarBytes(b []byte) {
	if e.err == nil {
		e.err = wire.WriteVarBytes(&e.buf, 0, b)
	}
}

// String writes a length prefixed string.
func (e *Encoder) String(s string) {
	e.VarBytes([]byte(s))
}

// Fixed writes b without a length prefix.
func (e *Encoder) Fixed(b []byte) {
	if e.err == nil {
		_, e.err = e.buf.Write(b)
	}
}

// Hash writes a 32-byte hash.
func (e *Encoder) Hash(h chainhash.Hash) {
	e.Fixed(h[:])
}

// Bytes returns the encoded record or the first error encountered.
func (e *Encoder) Bytes() ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.buf.Bytes(), nil
}

// Decoder deserializes a record written by an Encoder. Once a read fails
// every following read returns zero values and Err reports the failure.
type Decoder struct {
	r   *bytes.Reader
	err error
}

// NewDecoder returns a decoder over a serialized record.
func NewDecoder(b []byte) *Decoder {
	return &Decoder{r: bytes.NewReader(b)}
}

// Uint8 reads a single byte.
func (d *Decoder) Uint8() uint8 {
	if d.err != nil {
		return 0
	}
	v, err := d.r.ReadByte()
	d.err = err
	return v
}

// Bool reads a boolean.
func (d *Decoder) Bool() bool {
	return d.Uint8() != 0
}

// Uint32 reads a big-endian uint32.
func (d *Decoder) Uint32() uint32 {
	var v uint32
	if d.err == nil {
		d.err = binary.Read(d.r, byteOrder, &v)
	}
	return v
}

// Uint64 reads a big-endian uint64.
func (d *Decoder) Uint64() uint64 {
	var v uint64
	if d.err == nil {
		d.err = binary.Read(d.r, byteOrder, &v)
	}
	return v
}

// Int64 reads a big-endian int64.
func (d *Decoder) Int64() int64 {
	return int64(d.Uint64())
}

// Count reads a compact size integer bounded by the remaining input.
func (d *Decoder) Count() int {
	if d.err != nil {
		return 0
	}
	n, err := wire.ReadVarInt(d.r, 0)
	if err != nil {
		d.err = err
		return 0
	}
	if n > uint64(d.r.Len()) {
		d.err = fmt.Errorf("count %d exceeds remaining %d bytes", n,
			d.r.Len())
		return 0
	}
	return int(n)
}

// VarBytes reads a length prefixed byte slice.
func (d *Decoder) VarBytes(field string) []byte {
	if d.err != nil {
		return nil
	}
	b, err := wire.ReadVarBytes(d.r, 0, maxFieldSize, field)
	d.err = err
	return b
}

// String reads a length prefixed string.
func (d *Decoder) String(field string) string {
	return string(d.VarBytes(field))
}

// Fixed reads exactly len(b) bytes into b.
func (d *Decoder) Fixed(b []byte) {
	if d.err == nil {
		_, d.err = io.ReadFull(d.r, b)
	}
}

// Hash reads a 32-byte hash.
func (d *Decoder) Hash() chainhash.Hash {
	var h chainhash.Hash
	d.Fixed(h[:])
	return h
}

// Err returns the first error encountered, or an error if unread input
// remains.
func (d *Decoder) Err() error {
	if d.err != nil {
		return d.err
	}
	if d.r.Len() != 0 {
		return fmt.Errorf("%d trailing bytes", d.r.Len())
	}
	return nil
}
