package page

import (
	"bytes"
	"linkdb/pkg/common"
	"linkdb/pkg/epoch"
	"linkdb/pkg/ivec"
	"slices"
	"unsafe"
)

// Record is a leaf entry. Key is prefix-encoded against the page's low bound.
type Record struct {
	Key   ivec.IVec
	Value ivec.IVec
}

// Pointer is an index entry routing keys at or above Sep to Child. Sep is
// prefix-encoded against the page's low bound.
type Pointer struct {
	Sep   ivec.IVec
	Child common.PageID
}

// Data is the payload of a page: either index pointers or leaf records,
// sorted by decoded key. The two never mix.
type Data struct {
	index   []Pointer
	leaf    []Record
	isIndex bool
}

func NewLeaf(records ...Record) Data {
	return Data{leaf: records}
}

func NewIndex(ptrs ...Pointer) Data {
	return Data{index: ptrs, isIndex: true}
}

func (d Data) IsIndex() bool { return d.isIndex }

func (d Data) Len() int {
	if d.isIndex {
		return len(d.index)
	}
	return len(d.leaf)
}

func (d Data) IsEmpty() bool {
	return d.Len() == 0
}

// Leaf returns the leaf records, or false for index data.
func (d Data) Leaf() ([]Record, bool) {
	if d.isIndex {
		return nil, false
	}
	return d.leaf, true
}

// Index returns the index pointers, or false for leaf data.
func (d Data) Index() ([]Pointer, bool) {
	if !d.isIndex {
		return nil, false
	}
	return d.index, true
}

func (d Data) Clone() Data {
	return Data{
		index:   slices.Clone(d.index),
		leaf:    slices.Clone(d.leaf),
		isIndex: d.isIndex,
	}
}

func (d Data) SizeInBytes() uint64 {
	sz := uint64(unsafe.Sizeof(d))
	if d.isIndex {
		for _, p := range d.index {
			sz = common.SaturatingAdd(sz, p.Sep.SizeInBytes())
			sz = common.SaturatingAdd(sz, uint64(unsafe.Sizeof(p.Child)))
		}
		return sz
	}
	for _, r := range d.leaf {
		sz = common.SaturatingAdd(sz, r.Key.SizeInBytes())
		sz = common.SaturatingAdd(sz, r.Value.SizeInBytes())
	}
	return sz
}

// Split divides the data at len/2+1 in decoded-key order and returns the
// first key of the right half together with the right half, re-encoded
// against that key. Values are copied so the right half owns its buffers.
func (d Data) Split(prefix []byte) (ivec.IVec, Data) {
	if d.isIndex {
		at, rhs := splitEntries(d.index, prefix,
			func(p Pointer) ivec.IVec { return p.Sep },
			func(p Pointer, sep ivec.IVec) Pointer { return Pointer{Sep: sep, Child: p.Child} })
		return at, NewIndex(rhs...)
	}
	at, rhs := splitEntries(d.leaf, prefix,
		func(r Record) ivec.IVec { return r.Key },
		func(r Record, key ivec.IVec) Record {
			return Record{Key: key, Value: ivec.New(r.Value.Bytes())}
		})
	return at, NewLeaf(rhs...)
}

type decodedEntry[T any] struct {
	key   []byte
	entry T
}

func splitEntries[T any](xs []T, prefix []byte, keyOf func(T) ivec.IVec, rekey func(T, ivec.IVec) T) (ivec.IVec, []T) {
	decoded := make([]decodedEntry[T], len(xs))
	for i, x := range xs {
		decoded[i] = decodedEntry[T]{key: PrefixDecode(prefix, keyOf(x).Bytes()), entry: x}
	}
	slices.SortFunc(decoded, func(a, b decodedEntry[T]) int {
		return bytes.Compare(a.key, b.key)
	})

	rhs := decoded[len(decoded)/2+1:]
	if len(rhs) == 0 {
		violated(SplitTooSmall, KindBase, prefix, nil,
			"cannot split %d entries: right half would be empty", len(xs))
	}

	at := rhs[0].key
	out := make([]T, len(rhs))
	for i, e := range rhs {
		out[i] = rekey(e.entry, PrefixEncode(at, e.key))
	}
	return ivec.New(at), out
}

// DropGTE removes every entry whose decoded key is >= bound.
func (d *Data) DropGTE(bound, prefix []byte) {
	if d.isIndex {
		d.index = slices.DeleteFunc(d.index, func(p Pointer) bool {
			return PrefixCmpEncoded(p.Sep.Bytes(), bound, prefix) >= 0
		})
		return
	}
	d.leaf = slices.DeleteFunc(d.leaf, func(r Record) bool {
		return PrefixCmpEncoded(r.Key.Bytes(), bound, prefix) >= 0
	})
}

// Get looks up a raw key in leaf data.
func (d Data) Get(key, prefix []byte) ([]byte, bool) {
	if d.isIndex {
		return nil, false
	}
	idx, found := d.searchLeaf(key, prefix)
	if !found {
		return nil, false
	}
	return d.leaf[idx].Value.Bytes(), true
}

// Route returns the child responsible for a raw key in index data: the
// pointer with the greatest separator at or below key.
func (d Data) Route(key, prefix []byte) (common.PageID, bool) {
	if !d.isIndex {
		return common.NoPage, false
	}
	idx, found := slices.BinarySearchFunc(d.index, key, func(p Pointer, k []byte) int {
		return PrefixCmpEncoded(p.Sep.Bytes(), k, prefix)
	})
	if found {
		return d.index[idx].Child, true
	}
	if idx == 0 {
		return common.NoPage, false
	}
	return d.index[idx-1].Child, true
}

// Keys returns the decoded keys (or separators) in order.
func (d Data) Keys(prefix []byte) [][]byte {
	keys := make([][]byte, 0, d.Len())
	for _, p := range d.index {
		keys = append(keys, PrefixDecode(prefix, p.Sep.Bytes()))
	}
	for _, r := range d.leaf {
		keys = append(keys, PrefixDecode(prefix, r.Key.Bytes()))
	}
	return keys
}

// Release defers freeing of every buffer the data owns.
func (d Data) Release(g *epoch.Guard) {
	for _, p := range d.index {
		p.Sep.Release(g)
	}
	for _, r := range d.leaf {
		r.Key.Release(g)
		r.Value.Release(g)
	}
}

func (d Data) searchLeaf(key, prefix []byte) (int, bool) {
	return slices.BinarySearchFunc(d.leaf, key, func(r Record, k []byte) int {
		return PrefixCmpEncoded(r.Key.Bytes(), k, prefix)
	})
}
