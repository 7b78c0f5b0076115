package page

import (
	"linkdb/pkg/common"
	"linkdb/pkg/epoch"
	"linkdb/pkg/ivec"
	"maps"
	"unsafe"

	"github.com/google/uuid"
)

type Kind uint8

const (
	KindNone Kind = iota
	KindSet
	KindDel
	KindMerge
	KindBase
	KindChildSplit
	KindParentSplit
	KindCounter
	KindMeta
	KindVersions
)

var kindNames = [...]string{
	KindNone:        "none",
	KindSet:         "Set",
	KindDel:         "Del",
	KindMerge:       "Merge",
	KindBase:        "Base",
	KindChildSplit:  "ChildSplit",
	KindParentSplit: "ParentSplit",
	KindCounter:     "Counter",
	KindMeta:        "Meta",
	KindVersions:    "Versions",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Frag is one immutable record in a page's delta chain.
type Frag interface {
	Kind() Kind
}

// Set, Del and Merge carry raw keys; they are encoded against the page's
// low bound when folded.
type Set struct {
	Key   ivec.IVec
	Value ivec.IVec
}

type Del struct {
	Key ivec.IVec
}

type Merge struct {
	Key     ivec.IVec
	Operand ivec.IVec
}

type Base struct {
	Node Node
}

// ChildSplit records that keys at or above At moved to page To.
type ChildSplit struct {
	At ivec.IVec
	To common.PageID
}

// ParentSplit adds the routing entry At -> To to an index page.
type ParentSplit struct {
	At ivec.IVec
	To common.PageID
}

// Counter is the id-generation high-water mark.
type Counter uint64

// Meta maps tree names to root pages. It is always replaced whole.
type Meta struct {
	StoreID uuid.UUID
	Roots   map[string]common.PageID
}

// Versions tracks, per page, the highest log sequence number known to be
// stable. Chains of Versions merge by per-page max.
type Versions struct {
	Stable map[common.PageID]common.Lsn
}

func (Set) Kind() Kind         { return KindSet }
func (Del) Kind() Kind         { return KindDel }
func (Merge) Kind() Kind       { return KindMerge }
func (Base) Kind() Kind        { return KindBase }
func (ChildSplit) Kind() Kind  { return KindChildSplit }
func (ParentSplit) Kind() Kind { return KindParentSplit }
func (Counter) Kind() Kind     { return KindCounter }
func (Meta) Kind() Kind        { return KindMeta }
func (Versions) Kind() Kind    { return KindVersions }

func (m Meta) Clone() Meta {
	return Meta{StoreID: m.StoreID, Roots: maps.Clone(m.Roots)}
}

func (v Versions) Clone() Versions {
	return Versions{Stable: maps.Clone(v.Stable)}
}

func (v *Versions) Apply(other Versions) {
	if v.Stable == nil {
		v.Stable = make(map[common.PageID]common.Lsn, len(other.Stable))
	}
	for pid, lsn := range other.Stable {
		if cur, ok := v.Stable[pid]; !ok || lsn > cur {
			v.Stable[pid] = lsn
		}
	}
}

// Node is the page snapshot held by a Base frag. Every key in Data lies in
// [Lo, Hi); an empty Hi means the page is unbounded above.
type Node struct {
	Data Data
	Lo   ivec.IVec
	Hi   ivec.IVec
	Next common.PageID
}

// KV is a raw key/value pair used to build leaf nodes.
type KV struct {
	Key, Value []byte
}

// Route is a raw separator used to build index nodes.
type Route struct {
	Sep   []byte
	Child common.PageID
}

// NewLeafNode encodes kvs against lo. kvs must already be sorted.
func NewLeafNode(lo, hi []byte, next common.PageID, kvs ...KV) Node {
	records := make([]Record, len(kvs))
	for i, kv := range kvs {
		records[i] = Record{Key: PrefixEncode(lo, kv.Key), Value: ivec.New(kv.Value)}
	}
	return Node{Data: NewLeaf(records...), Lo: ivec.New(lo), Hi: ivec.New(hi), Next: next}
}

// NewIndexNode encodes routes against lo. routes must already be sorted.
func NewIndexNode(lo, hi []byte, next common.PageID, routes ...Route) Node {
	ptrs := make([]Pointer, len(routes))
	for i, r := range routes {
		ptrs[i] = Pointer{Sep: PrefixEncode(lo, r.Sep), Child: r.Child}
	}
	return Node{Data: NewIndex(ptrs...), Lo: ivec.New(lo), Hi: ivec.New(hi), Next: next}
}

func (n Node) SizeInBytes() uint64 {
	sz := uint64(unsafe.Sizeof(n))
	sz = common.SaturatingAdd(sz, uint64(n.Lo.Len()))
	sz = common.SaturatingAdd(sz, uint64(n.Hi.Len()))
	return common.SaturatingAdd(sz, n.Data.SizeInBytes())
}

func addBuffer(into map[uintptr]struct{}, iv ivec.IVec) {
	if id := iv.BufferID(); id != 0 {
		into[id] = struct{}{}
	}
}

func fragBuffers(f Frag, into map[uintptr]struct{}) {
	forEachIVec(f, func(iv ivec.IVec) { addBuffer(into, iv) })
}

// ReleaseReplaced releases, under g, every heap buffer owned by the old
// frags of a chain that was replaced by kept. Buffers that kept still
// references are left alone.
func ReleaseReplaced(old []Frag, kept Frag, g *epoch.Guard) int {
	live := make(map[uintptr]struct{})
	if kept != nil {
		fragBuffers(kept, live)
	}
	seen := make(map[uintptr]struct{})
	released := 0
	for _, f := range old {
		forEachIVec(f, func(iv ivec.IVec) {
			id := iv.BufferID()
			if id == 0 {
				return
			}
			if _, ok := live[id]; ok {
				return
			}
			if _, ok := seen[id]; ok {
				return
			}
			seen[id] = struct{}{}
			iv.Release(g)
			released++
		})
	}
	return released
}

func forEachIVec(f Frag, fn func(ivec.IVec)) {
	switch f := f.(type) {
	case Set:
		fn(f.Key)
		fn(f.Value)
	case Del:
		fn(f.Key)
	case Merge:
		fn(f.Key)
		fn(f.Operand)
	case Base:
		fn(f.Node.Lo)
		fn(f.Node.Hi)
		for _, p := range f.Node.Data.index {
			fn(p.Sep)
		}
		for _, r := range f.Node.Data.leaf {
			fn(r.Key)
			fn(r.Value)
		}
	case ChildSplit:
		fn(f.At)
	case ParentSplit:
		fn(f.At)
	}
}
