package wire

import (
	"encoding/binary"
	"errors"
	"math"
)

// Fixed-width little-endian encoding, one datagram per message. Layout
// rules: enum discriminants are u32, vector lengths are u64, no padding.

var (
	ErrShortBuffer = errors.New("short buffer")
	ErrOversize    = errors.New("length exceeds buffer")
	ErrCorrupt     = errors.New("corrupt message")
)

type Writer struct {
	buf []byte
}

func NewWriter() *Writer {
	return &Writer{buf: make([]byte, 0, 256)}
}

func (w *Writer) Bytes() []byte {
	return w.buf
}

func (w *Writer) Len() int {
	return len(w.buf)
}

func (w *Writer) U8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *Writer) U16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *Writer) U32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *Writer) U64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *Writer) Bool(v bool) {
	if v {
		w.U8(1)
	} else {
		w.U8(0)
	}
}

func (w *Writer) F64(v float64) {
	w.U64(math.Float64bits(v))
}

// Raw appends bytes with no length prefix (fixed-size fields).
func (w *Writer) Raw(b []byte) {
	w.buf = append(w.buf, b...)
}

// VarBytes appends a u64 length followed by the bytes.
func (w *Writer) VarBytes(b []byte) {
	w.U64(uint64(len(b)))
	w.Raw(b)
}

func (w *Writer) Str(s string) {
	w.U64(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

type Reader struct {
	buf []byte
	off int
	err error
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

func (r *Reader) Err() error {
	return r.err
}

func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}

func (r *Reader) fail() {
	if r.err == nil {
		r.err = ErrShortBuffer
	}
}

// FailCorrupt marks the reader failed on an invalid discriminant.
func (r *Reader) FailCorrupt() {
	if r.err == nil {
		r.err = ErrCorrupt
	}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.Remaining() < n {
		r.fail()
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) U8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) U16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *Reader) U32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *Reader) U64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *Reader) Bool() bool {
	return r.U8() == 1
}

func (r *Reader) F64() float64 {
	return math.Float64frombits(r.U64())
}

// Raw reads exactly n bytes with no length prefix.
func (r *Reader) Raw(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// RawInto fills dst from the buffer; used for fixed arrays.
func (r *Reader) RawInto(dst []byte) {
	b := r.take(len(dst))
	if b != nil {
		copy(dst, b)
	}
}

// VarBytes reads a u64 length prefix and that many bytes. The length is
// validated against the remaining buffer before any allocation so a
// corrupt prefix cannot force a huge alloc.
func (r *Reader) VarBytes() []byte {
	n := r.U64()
	if r.err != nil {
		return nil
	}
	if n > uint64(r.Remaining()) {
		if r.err == nil {
			r.err = ErrOversize
		}
		return nil
	}
	return r.Raw(int(n))
}

func (r *Reader) Str() string {
	return string(r.VarBytes())
}

// Len reads a u64 count prefix for a sequence of variable-size records.
// elemMin guards the count against the remaining bytes.
func (r *Reader) Len(elemMin int) int {
	n := r.U64()
	if r.err != nil {
		return 0
	}
	if elemMin < 1 {
		elemMin = 1
	}
	if n > uint64(r.Remaining()/elemMin) {
		if r.err == nil {
			r.err = ErrOversize
		}
		return 0
	}
	return int(n)
}
