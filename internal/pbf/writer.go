package pbf

import (
	"encoding/binary"
	"math"
)

// Writer appends fields in wire format. The zero value is ready to use.
type Writer struct {
	buf []byte
}

func (w *Writer) Bytes() []byte {
	return w.buf
}

func (w *Writer) Len() int {
	return len(w.buf)
}

func AppendVarint(b []byte, v uint64) []byte {
	for v >= 0x80 {
		b = append(b, byte(v)|0x80)
		v >>= 7
	}
	return append(b, byte(v))
}

// ZigZag maps signed integers onto unsigned ones so that small magnitudes
// stay small.
func ZigZag(v int64) uint64 {
	return uint64(v<<1) ^ uint64(v>>63)
}

func (w *Writer) header(field uint32, wire uint32) {
	w.buf = AppendVarint(w.buf, uint64(field)<<3|uint64(wire))
}

func (w *Writer) Varint(v uint64) {
	w.buf = AppendVarint(w.buf, v)
}

func (w *Writer) Svarint(v int64) {
	w.buf = AppendVarint(w.buf, ZigZag(v))
}

func (w *Writer) Uint(field uint32, v uint64) {
	w.header(field, WireVarint)
	w.Varint(v)
}

func (w *Writer) Sint(field uint32, v int64) {
	w.header(field, WireVarint)
	w.Svarint(v)
}

func (w *Writer) Bool(field uint32, v bool) {
	w.header(field, WireVarint)
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

func (w *Writer) Float32(field uint32, v float32) {
	w.header(field, WireFixed32)
	w.buf = binary.LittleEndian.AppendUint32(w.buf, math.Float32bits(v))
}

func (w *Writer) Float64(field uint32, v float64) {
	w.header(field, WireFixed64)
	w.buf = binary.LittleEndian.AppendUint64(w.buf, math.Float64bits(v))
}

func (w *Writer) Blob(field uint32, b []byte) {
	w.header(field, WireBytes)
	w.buf = AppendVarint(w.buf, uint64(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *Writer) String(field uint32, s string) {
	w.header(field, WireBytes)
	w.buf = AppendVarint(w.buf, uint64(len(s)))
	w.buf = append(w.buf, s...)
}

// Message writes the contents of m as a length-delimited field.
func (w *Writer) Message(field uint32, m *Writer) {
	w.Blob(field, m.buf)
}

// PackedUint writes vs as a packed repeated varint field.
func (w *Writer) PackedUint(field uint32, vs []uint32) {
	var inner []byte
	for _, v := range vs {
		inner = AppendVarint(inner, uint64(v))
	}
	w.Blob(field, inner)
}
