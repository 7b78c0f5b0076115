package page

import (
	"fmt"
	"linkdb/pkg/common"
	"linkdb/pkg/ivec"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
)

func kv(k, v string) KV {
	return KV{Key: []byte(k), Value: []byte(v)}
}

func set(k, v string) Set {
	return Set{Key: ivec.FromString(k), Value: ivec.FromString(v)}
}

func del(k string) Del {
	return Del{Key: ivec.FromString(k)}
}

func leafBase(lo, hi string, next common.PageID, kvs ...KV) Base {
	return Base{Node: NewLeafNode([]byte(lo), []byte(hi), next, kvs...)}
}

// pairs renders leaf data as "k=v" in key order.
func pairs(t *testing.T, d Data, prefix []byte) string {
	t.Helper()
	records, ok := d.Leaf()
	if !ok {
		t.Fatalf("expected leaf data")
	}
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = fmt.Sprintf("%s=%s", PrefixDecode(prefix, r.Key.Bytes()), r.Value.Bytes())
	}
	return strings.Join(out, ",")
}

func expectViolation(t *testing.T, want Invariant, fn func()) *InvariantViolation {
	t.Helper()
	err := CatchInvariant(fn)
	if err == nil {
		t.Fatalf("expected %s violation, got none", want)
	}
	var v *InvariantViolation
	if !errors.As(err, &v) {
		t.Fatalf("expected *InvariantViolation, got %T: %v", err, err)
	}
	if v.Invariant != want {
		t.Fatalf("expected %s violation, got %s (%v)", want, v.Invariant, err)
	}
	return v
}
