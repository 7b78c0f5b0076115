package page

import (
	"linkdb/pkg/common"
	"sync"
	"unsafe"
)

// Recovery is what replay learns about the store before any page is read.
type Recovery struct {
	// Counter is the highest id counter ever persisted.
	Counter uint64
}

type MaterializerConfig struct {
	MergeOperator MergeOperator
}

// Materializer is the compaction policy the page cache calls to collapse a
// chain into one frag and to account for chain memory.
type Materializer struct {
	mu       sync.Mutex
	recovery Recovery
	config   MaterializerConfig
}

func NewMaterializer(config MaterializerConfig, recovery *Recovery) *Materializer {
	m := &Materializer{config: config}
	if recovery != nil {
		m.recovery = *recovery
	}
	return m
}

func (m *Materializer) MergeOperator() MergeOperator {
	return m.config.MergeOperator
}

// Merge compacts a newest-first chain. The oldest frag decides the result:
// a Base absorbs every delta, a Counter chain keeps its maximum, a Versions
// chain merges per page, and a Meta stands alone.
func (m *Materializer) Merge(frags []Frag) Frag {
	if len(frags) == 0 {
		violated(BadAnchor, KindNone, nil, nil, "merge of an empty chain")
	}

	switch anchor := frags[len(frags)-1].(type) {
	case Base:
		v := NewView(frags, m.config.MergeOperator)
		return Base{Node: v.compacted()}
	case Counter:
		high := anchor
		for _, f := range frags[:len(frags)-1] {
			c, ok := f.(Counter)
			if !ok {
				violated(MixedChain, f.Kind(), nil, nil, "%s frag in a Counter chain", f.Kind())
			}
			if c > high {
				high = c
			}
		}
		return high
	case Versions:
		merged := anchor.Clone()
		for i := len(frags) - 2; i >= 0; i-- {
			vs, ok := frags[i].(Versions)
			if !ok {
				violated(MixedChain, frags[i].Kind(), nil, nil, "%s frag in a Versions chain", frags[i].Kind())
			}
			merged.Apply(vs)
		}
		return merged
	case Meta:
		if len(frags) > 1 {
			violated(MetaChained, frags[0].Kind(), nil, nil, "Meta with %d linked frags", len(frags)-1)
		}
		return anchor
	default:
		violated(BadAnchor, anchor.Kind(), nil, nil, "%s cannot anchor a chain", anchor.Kind())
		return nil
	}
}

// Recover observes one replayed frag. Counters raise the recovered
// high-water mark; every other kind carries no recovery signal.
func (m *Materializer) Recover(frag Frag) (Recovery, bool) {
	c, ok := frag.(Counter)
	if !ok {
		return Recovery{}, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if uint64(c) > m.recovery.Counter {
		m.recovery.Counter = uint64(c)
	}
	return m.recovery, true
}

func (m *Materializer) Recovery() Recovery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recovery
}

const fragOverhead = uint64(unsafe.Sizeof(Node{}))

// SizeInBytes estimates one frag's footprint for compaction scheduling.
func (m *Materializer) SizeInBytes(frag Frag) uint64 {
	if b, ok := frag.(Base); ok {
		return common.SaturatingAdd(fragOverhead, b.Node.SizeInBytes())
	}
	return fragOverhead
}

// ChainSize sums SizeInBytes over a chain.
func (m *Materializer) ChainSize(frags []Frag) uint64 {
	var sz uint64
	for _, f := range frags {
		sz = common.SaturatingAdd(sz, m.SizeInBytes(f))
	}
	return sz
}
