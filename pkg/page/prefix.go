package page

import (
	"bytes"
	"linkdb/pkg/ivec"
)

// Keys inside a page are stored relative to the page's low bound: one byte
// holding how many leading bytes are shared with lo (capped at 255), followed
// by the unshared suffix.

const maxSharedPrefix = 255

func PrefixEncode(prefix, key []byte) ivec.IVec {
	limit := min(maxSharedPrefix, len(prefix), len(key))
	shared := 0
	for shared < limit && prefix[shared] == key[shared] {
		shared++
	}
	buf := make([]byte, 0, 1+len(key)-shared)
	buf = append(buf, byte(shared))
	buf = append(buf, key[shared:]...)
	return ivec.New(buf)
}

func PrefixDecode(prefix, encoded []byte) []byte {
	if len(encoded) == 0 {
		return nil
	}
	shared := int(encoded[0])
	out := make([]byte, 0, shared+len(encoded)-1)
	out = append(out, prefix[:shared]...)
	return append(out, encoded[1:]...)
}

// PrefixCmp orders two keys encoded against the same prefix without decoding
// them. Both keys must be at or above the prefix: a key sharing more bytes
// with the prefix is the smaller one.
func PrefixCmp(a, b []byte) int {
	switch {
	case len(a) == 0 && len(b) == 0:
		return 0
	case len(a) == 0:
		return -1
	case len(b) == 0:
		return 1
	}
	if a[0] > b[0] {
		return -1
	}
	if a[0] < b[0] {
		return 1
	}
	return bytes.Compare(a[1:], b[1:])
}

// PrefixCmpEncoded compares an encoded key with a raw one.
func PrefixCmpEncoded(encoded, raw, prefix []byte) int {
	if len(encoded) == 0 {
		if len(raw) == 0 {
			return 0
		}
		return -1
	}
	shared := int(encoded[0])
	if c := bytes.Compare(prefix[:shared], raw[:min(shared, len(raw))]); c != 0 {
		return c
	}
	if len(raw) < shared {
		return 1
	}
	return bytes.Compare(encoded[1:], raw[shared:])
}
