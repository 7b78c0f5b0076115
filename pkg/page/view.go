package page

import (
	"bytes"
	"linkdb/pkg/common"
	"linkdb/pkg/ivec"
	"slices"
	"unsafe"
)

// MergeOperator combines an existing value (nil when absent) with a merge
// operand. Returning nil removes the key.
type MergeOperator func(key, existing, operand []byte) []byte

// View reads the logical state of a page out of its delta chain. The chain
// is newest-first and ends with exactly one Base. A View never modifies the
// chain; the base offset and folded data are computed once and cached.
type View struct {
	frags []Frag
	merge MergeOperator

	baseOffset int
	data       *Data
}

func NewView(frags []Frag, merge MergeOperator) *View {
	return &View{frags: frags, merge: merge, baseOffset: -1}
}

// IsFree reports whether the page has no chain at all.
func (v *View) IsFree() bool {
	return len(v.frags) == 0
}

func (v *View) Frags() []Frag {
	return v.frags
}

func (v *View) Lo() []byte {
	return v.base().Lo.Bytes()
}

// Hi is the exclusive upper bound: the newest ChildSplit above the base, or
// the base's own bound.
func (v *View) Hi() []byte {
	return v.hi().Bytes()
}

// Next is the right sibling in the B-link chain.
func (v *View) Next() common.PageID {
	if cs, ok := v.newestChildSplit(); ok {
		return cs.To
	}
	return v.base().Next
}

func (v *View) Base() Node {
	return *v.base()
}

func (v *View) hi() ivec.IVec {
	if cs, ok := v.newestChildSplit(); ok {
		return cs.At
	}
	return v.base().Hi
}

func (v *View) newestChildSplit() (ChildSplit, bool) {
	for _, f := range v.frags[:v.offset()] {
		if cs, ok := f.(ChildSplit); ok {
			return cs, true
		}
	}
	return ChildSplit{}, false
}

func (v *View) base() *Node {
	b := v.frags[v.offset()].(Base)
	return &b.Node
}

func (v *View) offset() int {
	if v.baseOffset >= 0 {
		return v.baseOffset
	}
	idx := slices.IndexFunc(v.frags, func(f Frag) bool { return f.Kind() == KindBase })
	if idx < 0 {
		kind := KindNone
		if len(v.frags) > 0 {
			kind = v.frags[len(v.frags)-1].Kind()
		}
		violated(MissingBase, kind, nil, nil, "chain of %d frags has no Base", len(v.frags))
	}
	if idx != len(v.frags)-1 {
		b := v.frags[idx].(Base)
		violated(StrayBase, v.frags[idx+1].Kind(), b.Node.Lo.Bytes(), b.Node.Hi.Bytes(),
			"Base at offset %d of a %d frag chain", idx, len(v.frags))
	}
	v.baseOffset = idx
	return idx
}

// Data folds every delta onto the base data, oldest delta first. The base
// is shared, not copied, when there is nothing to fold.
func (v *View) Data() Data {
	if v.data != nil {
		return *v.data
	}

	base := v.base()
	data := base.Data
	if off := v.offset(); off > 0 {
		data = data.Clone()
		for i := off - 1; i >= 0; i-- {
			v.apply(&data, v.frags[i])
		}
	}

	v.data = &data
	return data
}

func (v *View) apply(data *Data, frag Frag) {
	lo := v.Lo()
	switch f := frag.(type) {
	case Set:
		idx, found := v.locate(data, f.Kind(), f.Key.Bytes())
		if found {
			data.leaf[idx].Value = f.Value
		} else {
			data.leaf = slices.Insert(data.leaf, idx, Record{Key: PrefixEncode(lo, f.Key.Bytes()), Value: f.Value})
		}
	case Del:
		idx, found := v.locate(data, f.Kind(), f.Key.Bytes())
		if found {
			data.leaf = slices.Delete(data.leaf, idx, idx+1)
		}
	case Merge:
		idx, found := v.locate(data, f.Kind(), f.Key.Bytes())
		if v.merge == nil {
			violated(NoMergeOperator, f.Kind(), lo, v.Hi(), "merge of key %q without an operator", f.Key.Bytes())
		}
		var existing []byte
		if found {
			existing = data.leaf[idx].Value.Bytes()
		}
		out := v.merge(f.Key.Bytes(), existing, f.Operand.Bytes())
		switch {
		case out == nil && found:
			data.leaf = slices.Delete(data.leaf, idx, idx+1)
		case out == nil:
		case found:
			data.leaf[idx].Value = ivec.New(out)
		default:
			data.leaf = slices.Insert(data.leaf, idx, Record{Key: PrefixEncode(lo, f.Key.Bytes()), Value: ivec.New(out)})
		}
	case ChildSplit:
		data.DropGTE(f.At.Bytes(), lo)
	case ParentSplit:
		if !data.isIndex {
			violated(SplitOnLeaf, f.Kind(), lo, v.Hi(), "ParentSplit at %q to %s on a leaf", f.At.Bytes(), f.To)
		}
		sep := PrefixEncode(lo, f.At.Bytes())
		idx, found := slices.BinarySearchFunc(data.index, sep, func(p Pointer, s ivec.IVec) int {
			return PrefixCmp(p.Sep.Bytes(), s.Bytes())
		})
		if found {
			violated(DuplicateSeparator, f.Kind(), lo, v.Hi(), "separator %q already routed to %s", f.At.Bytes(), data.index[idx].Child)
		}
		data.index = slices.Insert(data.index, idx, Pointer{Sep: sep, Child: f.To})
	case Base:
		violated(StrayBase, f.Kind(), lo, v.Hi(), "Base above the chain's base")
	default:
		violated(ForeignFrag, frag.Kind(), lo, v.Hi(), "%s frag in a page chain", frag.Kind())
	}
}

// locate finds a raw key in leaf data, enforcing the point-mutation rules.
func (v *View) locate(data *Data, kind Kind, key []byte) (int, bool) {
	lo := v.Lo()
	if data.isIndex {
		violated(PointOnIndex, kind, lo, v.Hi(), "%s of key %q on an index page", kind, key)
	}
	if bytes.Compare(key, lo) < 0 {
		violated(KeyBelowLow, kind, lo, v.Hi(), "key %q is below the page", key)
	}
	return data.searchLeaf(key, lo)
}

// ShouldSplit is true once the page holds more than two entries and its
// footprint exceeds maxSize. Pages of two entries or fewer never split.
func (v *View) ShouldSplit(maxSize uint64) bool {
	return v.Data().Len() > 2 && v.SizeInBytes() > maxSize
}

// Split computes the right-hand page. The caller installs it under a new
// page id, then appends ChildSplit to this page and ParentSplit to the
// parent.
func (v *View) Split() Node {
	at, rhs := v.Data().Split(v.Lo())
	return Node{
		Data: rhs,
		Lo:   at,
		Hi:   ivec.New(v.Hi()),
		Next: v.Next(),
	}
}

// compacted is the Base that replaces the whole chain.
func (v *View) compacted() Node {
	return Node{
		Data: v.Data(),
		Lo:   v.base().Lo,
		Hi:   v.hi(),
		Next: v.Next(),
	}
}

func (v *View) SizeInBytes() uint64 {
	sz := uint64(unsafe.Sizeof(*v))
	sz = common.SaturatingAdd(sz, uint64(len(v.Lo())))
	sz = common.SaturatingAdd(sz, uint64(len(v.Hi())))
	d := v.Data()
	return common.SaturatingAdd(sz, d.SizeInBytes())
}
