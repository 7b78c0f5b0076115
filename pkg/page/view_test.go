package page

import (
	"linkdb/pkg/common"
	"linkdb/pkg/ivec"
	"strings"
	"testing"
)

func TestViewSetThenDel(t *testing.T) {
	base := leafBase("", "z", common.NoPage, kv("b", "2"))

	chain := []Frag{set("a", "1"), base}
	if got := pairs(t, NewView(chain, nil).Data(), nil); got != "a=1,b=2" {
		t.Fatalf("after Set: %s", got)
	}

	chain = append([]Frag{del("b")}, chain...)
	if got := pairs(t, NewView(chain, nil).Data(), nil); got != "a=1" {
		t.Fatalf("after Del: %s", got)
	}
}

func TestViewFoldOrder(t *testing.T) {
	base := leafBase("", "", common.NoPage)

	// newest first: the Del is newer than the Set
	chain := []Frag{del("k"), set("k", "v1"), base}
	if got := pairs(t, NewView(chain, nil).Data(), nil); got != "" {
		t.Fatalf("Set then Del should leave k absent, got %s", got)
	}

	chain = []Frag{set("k", "v1"), del("k"), base}
	if got := pairs(t, NewView(chain, nil).Data(), nil); got != "k=v1" {
		t.Fatalf("Del then Set should leave k present, got %s", got)
	}

	chain = []Frag{set("k", "v2"), set("k", "v1"), base}
	if got := pairs(t, NewView(chain, nil).Data(), nil); got != "k=v2" {
		t.Fatalf("newest Set should win, got %s", got)
	}
}

func TestViewDisjointDeltasCommute(t *testing.T) {
	base := leafBase("", "", common.NoPage, kv("b", "2"), kv("d", "4"))
	a := NewView([]Frag{set("a", "1"), del("d"), set("c", "3"), base}, nil).Data()
	b := NewView([]Frag{set("c", "3"), set("a", "1"), del("d"), base}, nil).Data()
	if pairs(t, a, nil) != pairs(t, b, nil) {
		t.Fatalf("disjoint deltas should commute: %s vs %s", pairs(t, a, nil), pairs(t, b, nil))
	}
	if got := pairs(t, a, nil); got != "a=1,b=2,c=3" {
		t.Fatalf("unexpected fold %s", got)
	}
}

func TestViewDelMissingIsNoop(t *testing.T) {
	base := leafBase("", "", common.NoPage, kv("a", "1"))
	if got := pairs(t, NewView([]Frag{del("zz"), base}, nil).Data(), nil); got != "a=1" {
		t.Fatalf("got %s", got)
	}
}

func TestViewDoesNotMutateBase(t *testing.T) {
	base := leafBase("", "", common.NoPage, kv("a", "1"))
	NewView([]Frag{set("b", "2"), del("a"), base}, nil).Data()
	if got := pairs(t, base.Node.Data, nil); got != "a=1" {
		t.Fatalf("base data changed to %s", got)
	}
}

func TestViewMemoizesData(t *testing.T) {
	calls := 0
	op := func(key, existing, operand []byte) []byte {
		calls++
		return operand
	}
	v := NewView([]Frag{Merge{Key: ivec.FromString("a"), Operand: ivec.FromString("x")}, leafBase("", "", common.NoPage)}, op)
	v.Data()
	v.Data()
	v.SizeInBytes()
	if calls != 1 {
		t.Fatalf("chain folded %d times", calls)
	}
}

func TestViewBoundsAfterChildSplit(t *testing.T) {
	base := leafBase("a", "", 9, kv("a", "1"), kv("b", "2"), kv("c", "3"), kv("d", "4"))
	v := NewView([]Frag{
		set("a", "10"),
		ChildSplit{At: ivec.FromString("c"), To: 7},
		base,
	}, nil)

	if string(v.Lo()) != "a" {
		t.Fatalf("lo = %q", v.Lo())
	}
	if string(v.Hi()) != "c" {
		t.Fatalf("hi = %q", v.Hi())
	}
	if v.Next() != 7 {
		t.Fatalf("next = %v", v.Next())
	}
	if got := pairs(t, v.Data(), v.Lo()); got != "a=10,b=2" {
		t.Fatalf("data = %s", got)
	}

	plain := NewView([]Frag{base}, nil)
	if len(plain.Hi()) != 0 || plain.Next() != 9 {
		t.Fatalf("base bounds: hi=%q next=%v", plain.Hi(), plain.Next())
	}
}

func TestViewNewestChildSplitWins(t *testing.T) {
	base := leafBase("", "", common.NoPage, kv("a", "1"), kv("m", "2"), kv("x", "3"))
	v := NewView([]Frag{
		ChildSplit{At: ivec.FromString("m"), To: 3},
		ChildSplit{At: ivec.FromString("x"), To: 2},
		base,
	}, nil)
	if string(v.Hi()) != "m" || v.Next() != 3 {
		t.Fatalf("hi=%q next=%v", v.Hi(), v.Next())
	}
	if got := pairs(t, v.Data(), nil); got != "a=1" {
		t.Fatalf("data = %s", got)
	}
}

func TestViewParentSplit(t *testing.T) {
	base := Base{Node: NewIndexNode(nil, nil, common.NoPage, Route{Sep: nil, Child: 1})}
	v := NewView([]Frag{ParentSplit{At: ivec.FromString("m"), To: 2}, base}, nil)
	d := v.Data()
	ptrs, ok := d.Index()
	if !ok || len(ptrs) != 2 {
		t.Fatalf("unexpected index %+v", ptrs)
	}
	if child, _ := d.Route([]byte("p"), nil); child != 2 {
		t.Fatalf("p routed to %v", child)
	}
	if child, _ := d.Route([]byte("b"), nil); child != 1 {
		t.Fatalf("b routed to %v", child)
	}
}

func TestViewMergeOperator(t *testing.T) {
	concat := func(key, existing, operand []byte) []byte {
		if string(operand) == "DEL" {
			return nil
		}
		return append(append([]byte{}, existing...), operand...)
	}
	merge := func(k, v string) Merge {
		return Merge{Key: ivec.FromString(k), Operand: ivec.FromString(v)}
	}
	base := leafBase("", "", common.NoPage, kv("b", "x"))
	v := NewView([]Frag{merge("b", "DEL"), merge("a", "2"), merge("a", "1"), base}, concat)
	if got := pairs(t, v.Data(), nil); got != "a=12" {
		t.Fatalf("got %s", got)
	}
}

func TestViewShouldSplit(t *testing.T) {
	huge := strings.Repeat("v", 4096)
	two := NewView([]Frag{leafBase("", "", common.NoPage, kv("a", huge), kv("b", huge))}, nil)
	if two.ShouldSplit(0) {
		t.Fatal("a two-entry page must never split")
	}

	three := NewView([]Frag{set("c", "3"), leafBase("", "", common.NoPage, kv("a", "1"), kv("b", "2"))}, nil)
	if !three.ShouldSplit(16) {
		t.Fatalf("three entries of %d bytes should exceed 16", three.SizeInBytes())
	}
	if three.ShouldSplit(three.SizeInBytes()) {
		t.Fatal("size equal to the threshold should not split")
	}
}

func TestViewSplit(t *testing.T) {
	base := leafBase("a", "z", 5, kv("a", "1"), kv("b", "2"), kv("c", "3"), kv("d", "4"))
	v := NewView([]Frag{set("e", "5"), base}, nil)

	right := v.Split()
	if right.Lo.String() != "d" || right.Hi.String() != "z" || right.Next != 5 {
		t.Fatalf("right node lo=%q hi=%q next=%v", right.Lo, right.Hi, right.Next)
	}
	if got := pairs(t, right.Data, right.Lo.Bytes()); got != "d=4,e=5" {
		t.Fatalf("right data = %s", got)
	}

	// the original page after the split is witnessed
	left := NewView([]Frag{ChildSplit{At: right.Lo, To: 6}, set("e", "5"), base}, nil)
	if got := pairs(t, left.Data(), left.Lo()); got != "a=1,b=2,c=3" {
		t.Fatalf("left data = %s", got)
	}
	if string(left.Hi()) != "d" || left.Next() != 6 {
		t.Fatalf("left hi=%q next=%v", left.Hi(), left.Next())
	}
}

func TestViewIsFree(t *testing.T) {
	if !NewView(nil, nil).IsFree() {
		t.Fatal("empty chain should be free")
	}
	if NewView([]Frag{leafBase("", "", common.NoPage)}, nil).IsFree() {
		t.Fatal("chain with a base is not free")
	}
}

func TestViewInvariants(t *testing.T) {
	leaf := leafBase("m", "", common.NoPage, kv("m", "1"))
	index := Base{Node: NewIndexNode(nil, nil, common.NoPage, Route{Child: 1})}

	cases := []struct {
		name  string
		want  Invariant
		chain []Frag
		merge MergeOperator
	}{
		{"missing base", MissingBase, []Frag{set("a", "1")}, nil},
		{"base not last", StrayBase, []Frag{set("n", "1"), leaf, del("n")}, nil},
		{"set on index", PointOnIndex, []Frag{set("a", "1"), index}, nil},
		{"del on index", PointOnIndex, []Frag{del("a"), index}, nil},
		{"parent split on leaf", SplitOnLeaf, []Frag{ParentSplit{At: ivec.FromString("x"), To: 2}, leaf}, nil},
		{"duplicate separator", DuplicateSeparator, []Frag{
			ParentSplit{At: ivec.FromString("x"), To: 3},
			ParentSplit{At: ivec.FromString("x"), To: 2},
			index,
		}, nil},
		{"key below low", KeyBelowLow, []Frag{set("a", "1"), leaf}, nil},
		{"merge without operator", NoMergeOperator, []Frag{Merge{Key: ivec.FromString("n"), Operand: ivec.FromString("1")}, leaf}, nil},
		{"counter in page chain", ForeignFrag, []Frag{Counter(4), leaf}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := expectViolation(t, tc.want, func() { NewView(tc.chain, tc.merge).Data() })
			if v.Kind == KindNone && tc.want != MissingBase {
				t.Fatalf("violation should name the offending frag kind: %v", v)
			}
		})
	}
}
