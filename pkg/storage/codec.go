package storage

import (
	"encoding/binary"
	"linkdb/pkg/common"
	"linkdb/pkg/ivec"
	"linkdb/pkg/page"
	"slices"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

var ErrCorruptFrag = errors.New("storage: corrupt frag")

// EncodeFrag serializes a frag as [kind 1B][payload]. Byte strings and
// integers are uvarint length-prefixed.
func EncodeFrag(f page.Frag) []byte {
	buf := []byte{byte(f.Kind())}
	switch f := f.(type) {
	case page.Set:
		buf = appendBytes(buf, f.Key.Bytes())
		buf = appendBytes(buf, f.Value.Bytes())
	case page.Del:
		buf = appendBytes(buf, f.Key.Bytes())
	case page.Merge:
		buf = appendBytes(buf, f.Key.Bytes())
		buf = appendBytes(buf, f.Operand.Bytes())
	case page.Base:
		buf = appendNode(buf, f.Node)
	case page.ChildSplit:
		buf = appendBytes(buf, f.At.Bytes())
		buf = binary.AppendUvarint(buf, uint64(f.To))
	case page.ParentSplit:
		buf = appendBytes(buf, f.At.Bytes())
		buf = binary.AppendUvarint(buf, uint64(f.To))
	case page.Counter:
		buf = binary.AppendUvarint(buf, uint64(f))
	case page.Meta:
		buf = append(buf, f.StoreID[:]...)
		names := make([]string, 0, len(f.Roots))
		for name := range f.Roots {
			names = append(names, name)
		}
		sort.Strings(names)
		buf = binary.AppendUvarint(buf, uint64(len(names)))
		for _, name := range names {
			buf = appendBytes(buf, []byte(name))
			buf = binary.AppendUvarint(buf, uint64(f.Roots[name]))
		}
	case page.Versions:
		pids := make([]common.PageID, 0, len(f.Stable))
		for pid := range f.Stable {
			pids = append(pids, pid)
		}
		slices.Sort(pids)
		buf = binary.AppendUvarint(buf, uint64(len(pids)))
		for _, pid := range pids {
			buf = binary.AppendUvarint(buf, uint64(pid))
			buf = binary.AppendVarint(buf, int64(f.Stable[pid]))
		}
	}
	return buf
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

func appendNode(buf []byte, n page.Node) []byte {
	buf = appendBytes(buf, n.Lo.Bytes())
	buf = appendBytes(buf, n.Hi.Bytes())
	buf = binary.AppendUvarint(buf, uint64(n.Next))
	if ptrs, ok := n.Data.Index(); ok {
		buf = append(buf, 1)
		buf = binary.AppendUvarint(buf, uint64(len(ptrs)))
		for _, p := range ptrs {
			buf = appendBytes(buf, p.Sep.Bytes())
			buf = binary.AppendUvarint(buf, uint64(p.Child))
		}
		return buf
	}
	records, _ := n.Data.Leaf()
	buf = append(buf, 0)
	buf = binary.AppendUvarint(buf, uint64(len(records)))
	for _, r := range records {
		buf = appendBytes(buf, r.Key.Bytes())
		buf = appendBytes(buf, r.Value.Bytes())
	}
	return buf
}

type decoder struct {
	buf []byte
	err error
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		d.err = errors.Wrap(ErrCorruptFrag, "bad uvarint")
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) varint() int64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Varint(d.buf)
	if n <= 0 {
		d.err = errors.Wrap(ErrCorruptFrag, "bad varint")
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) raw(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || n > len(d.buf) {
		d.err = errors.Wrapf(ErrCorruptFrag, "need %d bytes, have %d", n, len(d.buf))
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) bytes() []byte {
	n := d.uvarint()
	if n > uint64(len(d.buf)) {
		d.err = errors.Wrapf(ErrCorruptFrag, "length %d exceeds remaining %d", n, len(d.buf))
		return nil
	}
	return d.raw(int(n))
}

func (d *decoder) ivec() ivec.IVec {
	return ivec.New(d.bytes())
}

func (d *decoder) count() int {
	n := d.uvarint()
	if n > uint64(len(d.buf)) {
		// every entry takes at least one byte
		d.err = errors.Wrapf(ErrCorruptFrag, "count %d exceeds remaining %d", n, len(d.buf))
		return 0
	}
	return int(n)
}

func DecodeFrag(buf []byte) (page.Frag, error) {
	if len(buf) == 0 {
		return nil, errors.Wrap(ErrCorruptFrag, "empty")
	}
	d := &decoder{buf: buf[1:]}

	var f page.Frag
	switch kind := page.Kind(buf[0]); kind {
	case page.KindSet:
		f = page.Set{Key: d.ivec(), Value: d.ivec()}
	case page.KindDel:
		f = page.Del{Key: d.ivec()}
	case page.KindMerge:
		f = page.Merge{Key: d.ivec(), Operand: d.ivec()}
	case page.KindBase:
		f = page.Base{Node: d.node()}
	case page.KindChildSplit:
		f = page.ChildSplit{At: d.ivec(), To: common.PageID(d.uvarint())}
	case page.KindParentSplit:
		f = page.ParentSplit{At: d.ivec(), To: common.PageID(d.uvarint())}
	case page.KindCounter:
		f = page.Counter(d.uvarint())
	case page.KindMeta:
		var meta page.Meta
		copy(meta.StoreID[:], d.raw(len(uuid.UUID{})))
		n := d.count()
		meta.Roots = make(map[string]common.PageID, n)
		for i := 0; i < n && d.err == nil; i++ {
			name := string(d.bytes())
			meta.Roots[name] = common.PageID(d.uvarint())
		}
		f = meta
	case page.KindVersions:
		n := d.count()
		vs := page.Versions{Stable: make(map[common.PageID]common.Lsn, n)}
		for i := 0; i < n && d.err == nil; i++ {
			pid := common.PageID(d.uvarint())
			vs.Stable[pid] = common.Lsn(d.varint())
		}
		f = vs
	default:
		return nil, errors.Wrapf(ErrCorruptFrag, "unknown kind %d", buf[0])
	}

	if d.err != nil {
		return nil, d.err
	}
	if len(d.buf) != 0 {
		return nil, errors.Wrapf(ErrCorruptFrag, "%d trailing bytes", len(d.buf))
	}
	return f, nil
}

func (d *decoder) node() page.Node {
	var n page.Node
	n.Lo = d.ivec()
	n.Hi = d.ivec()
	n.Next = common.PageID(d.uvarint())
	isIndex := d.raw(1)
	count := d.count()
	if d.err != nil {
		return n
	}

	if isIndex[0] == 1 {
		ptrs := make([]page.Pointer, 0, count)
		for i := 0; i < count && d.err == nil; i++ {
			ptrs = append(ptrs, page.Pointer{Sep: d.ivec(), Child: common.PageID(d.uvarint())})
		}
		n.Data = page.NewIndex(ptrs...)
		return n
	}
	records := make([]page.Record, 0, count)
	for i := 0; i < count && d.err == nil; i++ {
		records = append(records, page.Record{Key: d.ivec(), Value: d.ivec()})
	}
	n.Data = page.NewLeaf(records...)
	return n
}
