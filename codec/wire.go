package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// MaxStringLen bounds every string field.
	MaxStringLen = 4 << 10
	// MinMessageLen is the shortest valid encoding (tag plus an empty body).
	MinMessageLen = 1
)

type writer struct {
	b []byte
}

func (w *writer) u8(v uint8)    { w.b = append(w.b, v) }
func (w *writer) uvar(v uint64) { w.b = protowire.AppendVarint(w.b, v) }
func (w *writer) svar(v int64)  { w.b = protowire.AppendVarint(w.b, protowire.EncodeZigZag(v)) }

func (w *writer) boolean(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *writer) f32(v float32) {
	w.b = binary.LittleEndian.AppendUint32(w.b, math.Float32bits(v))
}

func (w *writer) str(s string) {
	w.uvar(uint64(len(s)))
	w.b = append(w.b, s...)
}

func (w *writer) bytes(p []byte) {
	w.uvar(uint64(len(p)))
	w.b = append(w.b, p...)
}

func (w *writer) chunkKey(k ChunkKey) {
	w.svar(int64(k.CX))
	w.svar(int64(k.CY))
}

// reader consumes a buffer and remembers the first error; every accessor returns a zero
// value once an error occurred so decode functions read straight through.
type reader struct {
	b   []byte
	err error
}

func (r *reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
	}
}

func (r *reader) u8() uint8 {
	if r.err != nil {
		return 0
	}
	if len(r.b) < 1 {
		r.fail("truncated byte")
		return 0
	}
	v := r.b[0]
	r.b = r.b[1:]
	return v
}

func (r *reader) uvar() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := protowire.ConsumeVarint(r.b)
	if n < 0 {
		r.fail("bad varint: %v", protowire.ParseError(n))
		return 0
	}
	r.b = r.b[n:]
	return v
}

func (r *reader) u32() uint32 {
	v := r.uvar()
	if v > math.MaxUint32 {
		r.fail("value %d overflows uint32", v)
		return 0
	}
	return uint32(v)
}

func (r *reader) svar() int64 {
	return protowire.DecodeZigZag(r.uvar())
}

func (r *reader) i32() int32 {
	v := r.svar()
	if v < math.MinInt32 || v > math.MaxInt32 {
		r.fail("value %d overflows int32", v)
		return 0
	}
	return int32(v)
}

func (r *reader) boolean() bool {
	switch r.u8() {
	case 0:
		return false
	case 1:
		return true
	default:
		r.fail("bad bool")
		return false
	}
}

func (r *reader) f32() float32 {
	if r.err != nil {
		return 0
	}
	if len(r.b) < 4 {
		r.fail("truncated float")
		return 0
	}
	v := math.Float32frombits(binary.LittleEndian.Uint32(r.b))
	r.b = r.b[4:]
	return v
}

func (r *reader) str() string {
	n := r.uvar()
	if r.err != nil {
		return ""
	}
	if n > MaxStringLen {
		r.fail("string of %d bytes exceeds limit", n)
		return ""
	}
	if uint64(len(r.b)) < n {
		r.fail("truncated string")
		return ""
	}
	s := string(r.b[:n])
	r.b = r.b[n:]
	return s
}

func (r *reader) bytes() []byte {
	n := r.uvar()
	if r.err != nil {
		return nil
	}
	if uint64(len(r.b)) < n {
		r.fail("truncated bytes")
		return nil
	}
	p := make([]byte, n)
	copy(p, r.b[:n])
	r.b = r.b[n:]
	return p
}

// count reads a list length. Every element takes at least minElem bytes, so a count the
// remaining buffer cannot hold is rejected before any allocation.
func (r *reader) count(minElem int) int {
	n := r.uvar()
	if r.err != nil {
		return 0
	}
	if n > uint64(len(r.b)/minElem) {
		r.fail("list of %d elements exceeds buffer", n)
		return 0
	}
	return int(n)
}

func (r *reader) chunkKey() ChunkKey {
	return ChunkKey{CX: r.i32(), CY: r.i32()}
}

func (r *reader) done() error {
	if r.err == nil && len(r.b) != 0 {
		r.fail("%d trailing bytes", len(r.b))
	}
	return r.err
}
