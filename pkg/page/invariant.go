package page

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Invariant names a chain-construction rule whose violation means the chain
// is corrupt. Violations panic with an *InvariantViolation; nothing in this
// package tries to continue past one.
type Invariant string

const (
	// MissingBase: a non-empty chain has no Base frag.
	MissingBase Invariant = "missing-base"
	// StrayBase: a Base frag is not the oldest element of its chain.
	StrayBase Invariant = "stray-base"
	// ForeignFrag: a counter, meta or versions frag sits in a page's delta list.
	ForeignFrag Invariant = "foreign-frag"
	// PointOnIndex: Set, Del or Merge applied to index data.
	PointOnIndex Invariant = "point-on-index"
	// SplitOnLeaf: ParentSplit applied to leaf data.
	SplitOnLeaf Invariant = "parent-split-on-leaf"
	// DuplicateSeparator: a ParentSplit separator is already routed.
	DuplicateSeparator Invariant = "duplicate-separator"
	// KeyBelowLow: a point mutation targets a key under the page's low bound.
	KeyBelowLow Invariant = "key-below-low"
	// NoMergeOperator: a Merge frag was folded without a merge operator.
	NoMergeOperator Invariant = "no-merge-operator"
	// SplitTooSmall: a split would leave the right half empty.
	SplitTooSmall Invariant = "split-too-small"
	// BadAnchor: the oldest frag of a compaction chain is not Base, Counter,
	// Versions or Meta.
	BadAnchor Invariant = "bad-anchor"
	// MixedChain: a Counter or Versions chain contains another kind of frag.
	MixedChain Invariant = "mixed-chain"
	// MetaChained: a Meta frag has deltas linked to it instead of being replaced.
	MetaChained Invariant = "meta-chained"
)

type InvariantViolation struct {
	Invariant Invariant
	Kind      Kind
	Lo, Hi    []byte
	cause     error
}

func (v *InvariantViolation) Error() string {
	return fmt.Sprintf("page invariant %s violated by %s on [%q, %q): %v",
		v.Invariant, v.Kind, v.Lo, v.Hi, v.cause)
}

func (v *InvariantViolation) Unwrap() error {
	return v.cause
}

func violated(inv Invariant, kind Kind, lo, hi []byte, format string, args ...interface{}) {
	panic(&InvariantViolation{
		Invariant: inv,
		Kind:      kind,
		Lo:        lo,
		Hi:        hi,
		cause:     errors.AssertionFailedf(format, args...),
	})
}

// CatchInvariant runs fn and turns an invariant panic into an error. Any other
// panic is re-raised.
func CatchInvariant(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if v, ok := r.(*InvariantViolation); ok {
				err = v
				return
			}
			panic(r)
		}
	}()
	fn()
	return nil
}
