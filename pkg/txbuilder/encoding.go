package txbuilder

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/ledgerfuzz/internal/types"
)

// ErrShortData is returned when decoding runs past the end of the input.
var ErrShortData = errors.New("instruction data too short")

// Encoder writes little-endian instruction data. Vectors are prefixed with
// a u32 length.
type Encoder struct {
	buf []byte
}

// NewData starts instruction data with the discriminator for name.
func NewData(name string) *Encoder {
	d := Discriminator(name)
	return &Encoder{buf: append([]byte(nil), d[:]...)}
}

// NewEncoder returns an encoder with no prefix.
func NewEncoder() *Encoder { return &Encoder{} }

func (e *Encoder) U8(v uint8) *Encoder {
	e.buf = append(e.buf, v)
	return e
}

func (e *Encoder) Bool(v bool) *Encoder {
	if v {
		return e.U8(1)
	}
	return e.U8(0)
}

func (e *Encoder) U32(v uint32) *Encoder {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
	return e
}

func (e *Encoder) U64(v uint64) *Encoder {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
	return e
}

func (e *Encoder) Pubkey(p types.Pubkey) *Encoder {
	e.buf = append(e.buf, p[:]...)
	return e
}

// Vec writes a length-prefixed byte vector.
func (e *Encoder) Vec(b []byte) *Encoder {
	e.U32(uint32(len(b)))
	e.buf = append(e.buf, b...)
	return e
}

// Raw writes b without a prefix.
func (e *Encoder) Raw(b []byte) *Encoder {
	e.buf = append(e.buf, b...)
	return e
}

// Encode returns the encoded bytes.
func (e *Encoder) Encode() []byte {
	return append([]byte(nil), e.buf...)
}

// Decoder reads data written by Encoder. The first error sticks; check Err
// once after reading all fields.
type Decoder struct {
	data []byte
	off  int
	err  error
}

// NewDecoder returns a decoder over data.
func NewDecoder(data []byte) *Decoder { return &Decoder{data: data} }

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.data)-d.off < n {
		d.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortData, n, d.off, len(d.data)-d.off)
		return nil
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b
}

// Tag reads an 8-byte discriminator.
func (d *Decoder) Tag() [8]byte {
	var t [8]byte
	copy(t[:], d.take(8))
	return t
}

func (d *Decoder) U8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *Decoder) Bool() bool { return d.U8() != 0 }

func (d *Decoder) U32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *Decoder) U64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *Decoder) Pubkey() types.Pubkey {
	var p types.Pubkey
	copy(p[:], d.take(32))
	return p
}

// Vec reads a length-prefixed byte vector.
func (d *Decoder) Vec() []byte {
	n := d.U32()
	return append([]byte(nil), d.take(int(n))...)
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int { return len(d.data) - d.off }

// Err returns the first decoding error.
func (d *Decoder) Err() error { return d.err }
