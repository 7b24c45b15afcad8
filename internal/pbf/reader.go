// Package pbf reads and writes the length-delimited, tagged binary wire
// format used by vector tiles. Every read is bounds-checked; malformed input
// surfaces as one of the sentinel errors below, never as a panic.
package pbf

import (
	"encoding/binary"
	"errors"
	"math"
	"math/bits"
	"unsafe"
)

var (
	ErrUnterminatedVarint = errors.New("pbf: unterminated varint")
	ErrVarintTooLong      = errors.New("pbf: varint too long")
	ErrUnknownFieldType   = errors.New("pbf: unknown field type")
	ErrEndOfBuffer        = errors.New("pbf: read past end of buffer")
)

// Wire types carried in the low 3 bits of a field header.
const (
	WireVarint  = 0
	WireFixed64 = 1
	WireBytes   = 2
	WireFixed32 = 5
)

type Unsigned interface {
	~uint32 | ~uint64
}

type Signed interface {
	~int32 | ~int64
}

// Reader is a cursor over an immutable byte range. After a successful Next,
// Value holds the raw field header and Tag the field number.
type Reader struct {
	data  []byte
	pos   int
	Value uint32
	Tag   uint32
}

func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Remaining reports the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.pos
}

// WireType returns the wire type of the last header read by Next.
func (r *Reader) WireType() uint32 {
	return r.Value & 0x7
}

// Next reads one field header. It returns false without error when the
// cursor has reached the end of the buffer.
func (r *Reader) Next() (bool, error) {
	if r.pos >= len(r.data) {
		return false, nil
	}
	v, err := Varint[uint32](r)
	if err != nil {
		return false, err
	}
	r.Value = v
	r.Tag = v >> 3
	return true, nil
}

// Varint reads a base-128 varint into a T-wide accumulator. The encoding may
// use at most ceil(width/7) bytes.
func Varint[T Unsigned](r *Reader) (T, error) {
	v, err := r.varint(maxVarintLen(bits.Len64(uint64(^T(0)))))
	return T(v), err
}

// Svarint reads a zig-zag encoded varint and returns the signed value.
func Svarint[T Signed](r *Reader) (T, error) {
	var zero T
	width := int(unsafe.Sizeof(zero)) * 8
	u, err := r.varint(maxVarintLen(width))
	if err != nil {
		return 0, err
	}
	if width == 32 {
		u &= math.MaxUint32
	}
	return T(int64(u>>1) ^ -int64(u&1)), nil
}

func maxVarintLen(width int) int {
	return (width + 6) / 7
}

func (r *Reader) varint(maxLen int) (uint64, error) {
	var result uint64
	for i := 0; i < maxLen; i++ {
		if r.pos >= len(r.data) {
			return 0, ErrUnterminatedVarint
		}
		b := r.data[r.pos]
		r.pos++
		result |= uint64(b&0x7f) << (7 * uint(i))
		if b < 0x80 {
			return result, nil
		}
	}
	return 0, ErrVarintTooLong
}

// Uint32 and the helpers below are shorthands for the generic readers.
func (r *Reader) Uint32() (uint32, error) { return Varint[uint32](r) }
func (r *Reader) Uint64() (uint64, error) { return Varint[uint64](r) }
func (r *Reader) Int32() (int32, error)   { return Svarint[int32](r) }
func (r *Reader) Int64() (int64, error)   { return Svarint[int64](r) }

// Bytes reads a length-prefixed payload. The returned slice aliases the
// underlying buffer.
func (r *Reader) Bytes() ([]byte, error) {
	n, err := Varint[uint64](r)
	if err != nil {
		return nil, err
	}
	start := r.pos
	if err := r.SkipBytes(n); err != nil {
		return nil, err
	}
	return r.data[start:r.pos:r.pos], nil
}

func (r *Reader) String() (string, error) {
	b, err := r.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Message reads a length-prefixed payload and returns a Reader over it.
func (r *Reader) Message() (*Reader, error) {
	b, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	return NewReader(b), nil
}

func (r *Reader) Float32() (float32, error) {
	start := r.pos
	if err := r.SkipBytes(4); err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(r.data[start:])), nil
}

func (r *Reader) Float64() (float64, error) {
	start := r.pos
	if err := r.SkipBytes(8); err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(r.data[start:])), nil
}

func (r *Reader) Bool() (bool, error) {
	start := r.pos
	if err := r.SkipBytes(1); err != nil {
		return false, err
	}
	return r.data[start] != 0, nil
}

// Skip advances past the payload of the field whose header was last read.
func (r *Reader) Skip() error {
	return r.SkipValue(r.Value)
}

// SkipValue advances past a payload described by the header val.
func (r *Reader) SkipValue(val uint32) error {
	switch val & 0x7 {
	case WireVarint:
		_, err := Varint[uint64](r)
		return err
	case WireFixed64:
		return r.SkipBytes(8)
	case WireBytes:
		n, err := Varint[uint64](r)
		if err != nil {
			return err
		}
		return r.SkipBytes(n)
	case WireFixed32:
		return r.SkipBytes(4)
	default:
		return ErrUnknownFieldType
	}
}

// SkipBytes advances the cursor by n bytes. The cursor does not move when
// fewer than n bytes remain.
func (r *Reader) SkipBytes(n uint64) error {
	if n > uint64(len(r.data)-r.pos) {
		return ErrEndOfBuffer
	}
	r.pos += int(n)
	return nil
}
