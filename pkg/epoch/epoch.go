// Package epoch implements deferred reclamation for memory shared with
// concurrent readers of page chains.
//
// A reader pins a Guard before it loads a chain head and unpins it once it no
// longer dereferences anything reachable from that head. Anything retired
// through Guard.Defer runs only after every guard pinned before the retire
// has been unpinned.
package epoch

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
)

type deferred struct {
	epoch uint64
	fn    func()
}

type Collector struct {
	mu      sync.Mutex
	epoch   uint64
	active  *btree.BTreeG[uint64]
	garbage []deferred

	executed atomic.Uint64
}

func NewCollector() *Collector {
	return &Collector{
		active: btree.NewG[uint64](16, func(a, b uint64) bool { return a < b }),
	}
}

// Guard is a pinned epoch. It must be unpinned exactly once; further calls to
// Unpin are ignored.
type Guard struct {
	c        *Collector
	epoch    uint64
	unpinned atomic.Bool
}

func (c *Collector) Pin() *Guard {
	c.mu.Lock()
	c.epoch++
	g := &Guard{c: c, epoch: c.epoch}
	c.active.ReplaceOrInsert(g.epoch)
	c.mu.Unlock()
	return g
}

func (g *Guard) Epoch() uint64 {
	return g.epoch
}

// Defer schedules fn to run once no guard pinned at or before this call is
// still active. The calling guard is itself one of those guards, so fn never
// runs before g is unpinned.
func (g *Guard) Defer(fn func()) {
	c := g.c
	c.mu.Lock()
	c.epoch++
	c.garbage = append(c.garbage, deferred{epoch: c.epoch, fn: fn})
	c.mu.Unlock()
}

func (g *Guard) Unpin() {
	if !g.unpinned.CompareAndSwap(false, true) {
		return
	}
	c := g.c
	c.mu.Lock()
	c.active.Delete(g.epoch)
	ready := c.collectLocked()
	c.mu.Unlock()
	c.run(ready)
}

// Flush runs every deferred action that is already safe to run.
func (c *Collector) Flush() int {
	c.mu.Lock()
	ready := c.collectLocked()
	c.mu.Unlock()
	c.run(ready)
	return len(ready)
}

// Pending reports how many deferred actions are still waiting on readers.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.garbage)
}

// Active reports the number of pinned guards.
func (c *Collector) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active.Len()
}

// Executed reports how many deferred actions have run so far.
func (c *Collector) Executed() uint64 {
	return c.executed.Load()
}

func (c *Collector) collectLocked() []func() {
	oldest := uint64(math.MaxUint64)
	if min, ok := c.active.Min(); ok {
		oldest = min
	}

	// garbage is appended in epoch order
	n := sort.Search(len(c.garbage), func(i int) bool {
		return c.garbage[i].epoch >= oldest
	})
	if n == 0 {
		return nil
	}

	ready := make([]func(), n)
	for i := 0; i < n; i++ {
		ready[i] = c.garbage[i].fn
	}
	rest := make([]deferred, len(c.garbage)-n)
	copy(rest, c.garbage[n:])
	c.garbage = rest
	return ready
}

func (c *Collector) run(fns []func()) {
	for _, fn := range fns {
		fn()
		c.executed.Add(1)
	}
}
