// Package ivec provides IVec, the immutable byte string used for keys, values
// and bounds inside page chains.
//
// Short strings live inline in the value itself. Longer ones are copied into a
// pooled heap buffer that goes back to the pool only through an epoch guard,
// because readers of an old chain may still be looking at it.
package ivec

import (
	"bytes"
	"fmt"
	"linkdb/pkg/epoch"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/valyala/bytebufferpool"
)

const (
	inlineLenMask byte = 0b0000_1111
	kindMask      byte = 0b1111_0000
	kindInline    byte = 0b1000_0000
	kindRemote    byte = 0b0100_0000
)

const ptrSize = 4 << (^uintptr(0) >> 63)

// Cutoff is the longest byte string stored inline: 15 on 64-bit platforms,
// 7 on 32-bit ones. The last byte of the inline array holds the tag.
const Cutoff = 2*ptrSize - 1

type inner [2 * ptrSize]byte

type IVec struct {
	data   inner
	remote *remote
}

type remote struct {
	buf      *bytebufferpool.ByteBuffer
	released atomic.Bool
}

var pool bytebufferpool.Pool

// New copies v into a fresh IVec.
func New(v []byte) IVec {
	var iv IVec
	if len(v) <= Cutoff {
		copy(iv.data[:], v)
		iv.data[Cutoff] = kindInline | byte(len(v))
		return iv
	}

	// remote: the length occupies the upper half of the array, and its most
	// significant byte doubles as the tag, so it has to be zero here.
	n := uint64(len(v))
	for i := 0; i < ptrSize; i++ {
		iv.data[ptrSize+i] = byte(n >> (8 * i))
	}
	if iv.data[Cutoff] != 0 {
		panic(errors.AssertionFailedf(
			"ivec: length %d collides with the tag byte", len(v)))
	}
	iv.data[Cutoff] = kindRemote

	bb := pool.Get()
	bb.B = append(bb.B[:0], v...)
	iv.remote = &remote{buf: bb}
	return iv
}

func FromString(s string) IVec {
	return New([]byte(s))
}

func (iv IVec) IsInline() bool {
	return iv.data[Cutoff]&kindMask != kindRemote
}

func (iv IVec) Len() int {
	tag := iv.data[Cutoff]
	if tag&kindMask != kindRemote {
		return int(tag & inlineLenMask)
	}
	var n uint64
	for i := 0; i < ptrSize-1; i++ {
		n |= uint64(iv.data[ptrSize+i]) << (8 * i)
	}
	return int(n)
}

// Bytes returns the logical contents. The slice must not be modified and
// must not be used after the IVec has been released and its guard unpinned.
func (iv IVec) Bytes() []byte {
	if iv.IsInline() {
		return iv.data[:iv.Len():iv.Len()]
	}
	return iv.remote.buf.B[:iv.Len():iv.Len()]
}

func (iv IVec) String() string {
	return string(iv.Bytes())
}

func (iv IVec) GoString() string {
	return fmt.Sprintf("IVec(%q)", iv.Bytes())
}

// SizeInBytes is the value's own footprint plus its heap buffer, if any.
func (iv IVec) SizeInBytes() uint64 {
	sz := uint64(unsafe.Sizeof(iv))
	if !iv.IsInline() {
		sz += uint64(iv.Len())
	}
	return sz
}

// Release hands a remote buffer back to the pool once every reader that
// could still see it has unpinned. Inline values need no release. Releasing
// the same buffer twice is a no-op.
func (iv IVec) Release(g *epoch.Guard) {
	if iv.IsInline() {
		return
	}
	r := iv.remote
	if !r.released.CompareAndSwap(false, true) {
		return
	}
	g.Defer(func() {
		bb := r.buf
		r.buf = nil
		pool.Put(bb)
	})
}

func (iv IVec) Compare(other IVec) int {
	return bytes.Compare(iv.Bytes(), other.Bytes())
}

func (iv IVec) Equal(other IVec) bool {
	return bytes.Equal(iv.Bytes(), other.Bytes())
}

func (iv IVec) EqualBytes(b []byte) bool {
	return bytes.Equal(iv.Bytes(), b)
}

// BufferID identifies the heap buffer behind a remote IVec; copies of one
// IVec share it. Inline values report 0.
func (iv IVec) BufferID() uintptr {
	if iv.IsInline() {
		return 0
	}
	return uintptr(unsafe.Pointer(iv.remote))
}
