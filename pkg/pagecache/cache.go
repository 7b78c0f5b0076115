// Package pagecache keeps page chains behind page ids. Readers load a chain
// head without locking and fold it through a page.View; writers append frags
// with compare-and-swap on the head and retry when they lose a race.
package pagecache

import (
	"bytes"
	"io"
	"linkdb/pkg/common"
	"linkdb/pkg/config"
	"linkdb/pkg/epoch"
	"linkdb/pkg/ivec"
	"linkdb/pkg/monitor"
	"linkdb/pkg/page"
	"linkdb/pkg/storage"
	"log"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"
	"github.com/google/uuid"
)

// Reserved pages, installed when a store is created.
const (
	CounterPage  common.PageID = 1
	MetaPage     common.PageID = 2
	VersionsPage common.PageID = 3
)

var (
	ErrPageNotFound = errors.New("pagecache: page not found")
	ErrStale        = errors.New("pagecache: chain changed since it was read")
	ErrTooSmall     = errors.New("pagecache: page too small to split")
)

const stripeCount = 64

// chainNode is one immutable link of a chain, newest first. len and size
// cover the node and everything older than it.
type chainNode struct {
	frag page.Frag
	next *chainNode
	len  int
	size uint64
}

type slot struct {
	head atomic.Pointer[chainNode]
	lsn  atomic.Int64 // newest logged frag, 0 if none since restore
}

type Cache struct {
	mu      sync.RWMutex
	pages   map[common.PageID]*slot
	free    *btree.BTreeG[common.PageID]
	freed   []common.PageID // since the last checkpoint
	nextPid common.PageID

	// appenders share ckpt; a checkpoint takes it exclusively so the log
	// can be truncated without losing frags
	ckpt    sync.RWMutex
	stripes [stripeCount]sync.Mutex

	mat    *page.Materializer
	epochs *epoch.Collector
	stats  *monitor.PageStats
	conf   config.CacheConfig

	log   *storage.FragLog
	snaps *storage.SnapshotStore
}

// Page is a point-in-time read of one page.
type Page struct {
	ID   common.PageID
	View *page.View
	head *chainNode
}

func newCache(conf config.CacheConfig, merge page.MergeOperator) *Cache {
	return &Cache{
		pages:   make(map[common.PageID]*slot),
		free:    btree.NewG[common.PageID](16, func(a, b common.PageID) bool { return a < b }),
		nextPid: 1,
		mat:     page.NewMaterializer(page.MaterializerConfig{MergeOperator: merge}, nil),
		epochs:  epoch.NewCollector(),
		stats:   monitor.NewPageStats(),
		conf:    conf,
	}
}

// New returns a cache that lives only in memory.
func New(conf config.CacheConfig, merge page.MergeOperator) *Cache {
	c := newCache(conf, merge)
	// nothing is logged, so installing the reserved pages cannot fail
	_ = c.ensureReserved(uuid.New())
	return c
}

// Open restores a cache from the snapshot store and replays the frag log
// written since the last checkpoint.
func Open(cfg *config.Config, merge page.MergeOperator) (*Cache, error) {
	if err := os.MkdirAll(cfg.Storage.Path, 0755); err != nil {
		return nil, errors.Wrap(err, "pagecache: create data dir")
	}

	snaps, err := storage.OpenSnapshotStore(filepath.Join(cfg.Storage.Path, cfg.Storage.SnapshotDB))
	if err != nil {
		return nil, err
	}
	fl, err := storage.OpenFragLog(filepath.Join(cfg.Storage.Path, cfg.Storage.LogFile), cfg.Storage.SyncEvery)
	if err != nil {
		snaps.Close()
		return nil, err
	}

	c := newCache(cfg.Cache, merge)
	c.snaps = snaps
	if err := c.restore(fl); err != nil {
		fl.Close()
		snaps.Close()
		return nil, err
	}

	// attach the log only now so replay is not logged again
	c.log = fl
	if err := c.ensureReserved(snaps.StoreID()); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) restore(fl *storage.FragLog) error {
	ckpt, err := c.snaps.CheckpointLsn()
	if err != nil {
		return err
	}
	fl.Advance(ckpt)

	log.Println("[Recovery] Loading snapshot...")
	pages, err := c.snaps.LoadAll()
	if err != nil {
		return err
	}
	for _, p := range pages {
		c.install(p.Page, p.Frag)
		c.mat.Recover(p.Frag)
	}
	log.Printf("[Recovery] Restored %d pages (checkpoint lsn %d).", len(pages), ckpt)

	it, err := fl.NewIterator()
	if err != nil {
		return err
	}
	defer it.Close()

	replayed := 0
	for {
		rec, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Printf("[Recovery] Stopping replay at torn or corrupt record: %v", err)
			break
		}
		if rec.Lsn < ckpt {
			continue
		}

		switch rec.Op {
		case storage.OpReplace:
			c.install(rec.Page, rec.Frag).lsn.Store(int64(rec.Lsn))
		case storage.OpAppend:
			s := c.slot(rec.Page)
			if s == nil {
				return errors.Newf("pagecache: lsn %d appends to missing %s", rec.Lsn, rec.Page)
			}
			s.head.Store(c.link(rec.Frag, s.head.Load()))
			s.lsn.Store(int64(rec.Lsn))
		case storage.OpFree:
			c.remove(rec.Page)
			replayed++
			continue
		default:
			return errors.Newf("pagecache: lsn %d has unknown op %d", rec.Lsn, rec.Op)
		}
		c.mat.Recover(rec.Frag)
		replayed++
	}

	c.mu.Lock()
	for pid := common.PageID(1); pid < c.nextPid; pid++ {
		if _, ok := c.pages[pid]; !ok {
			c.free.ReplaceOrInsert(pid)
		}
	}
	c.mu.Unlock()

	log.Printf("[Recovery] Replayed %d frags, counter high-water %d.", replayed, c.mat.Recovery().Counter)
	return nil
}

func (c *Cache) ensureReserved(storeID uuid.UUID) error {
	g := c.Pin()
	defer g.Unpin()

	if c.slot(CounterPage) == nil {
		if err := c.installLogged(CounterPage, page.Counter(0)); err != nil {
			return err
		}
	}
	if c.slot(MetaPage) == nil {
		meta := page.Meta{StoreID: storeID, Roots: map[string]common.PageID{}}
		if err := c.installLogged(MetaPage, meta); err != nil {
			return err
		}
	}
	if c.slot(VersionsPage) == nil {
		vs := page.Versions{Stable: map[common.PageID]common.Lsn{}}
		if err := c.installLogged(VersionsPage, vs); err != nil {
			return err
		}
	}

	// never hand out an id recovery has already seen
	recovered := c.mat.Recovery().Counter
	for {
		p, cur, err := c.readCounter(g)
		if err != nil || cur >= recovered {
			return err
		}
		if _, err := c.Append(g, p, page.Counter(recovered)); !errors.Is(err, ErrStale) {
			return err
		}
	}
}

func (c *Cache) Close() error {
	var errs []error
	if c.log != nil {
		errs = append(errs, c.log.Sync(), c.log.Close())
	}
	if c.snaps != nil {
		errs = append(errs, c.snaps.Close())
	}
	c.epochs.Flush()
	return errors.Join(errs...)
}

// Pin starts a read epoch. Anything obtained from the cache stays valid
// until the guard is unpinned.
func (c *Cache) Pin() *epoch.Guard {
	return c.epochs.Pin()
}

func (c *Cache) Materializer() *page.Materializer {
	return c.mat
}

func (c *Cache) slot(pid common.PageID) *slot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pages[pid]
}

func (c *Cache) stripe(pid common.PageID) *sync.Mutex {
	return &c.stripes[uint64(pid)%stripeCount]
}

func (c *Cache) link(frag page.Frag, next *chainNode) *chainNode {
	n := &chainNode{frag: frag, next: next, len: 1, size: c.mat.SizeInBytes(frag)}
	if next != nil {
		n.len += next.len
		n.size = common.SaturatingAdd(n.size, next.size)
	}
	return n
}

func chainFrags(head *chainNode) []page.Frag {
	var frags []page.Frag
	if head != nil {
		frags = make([]page.Frag, 0, head.len)
	}
	for n := head; n != nil; n = n.next {
		frags = append(frags, n.frag)
	}
	return frags
}

func (c *Cache) pageFrom(pid common.PageID, head *chainNode) *Page {
	return &Page{ID: pid, View: page.NewView(chainFrags(head), c.mat.MergeOperator()), head: head}
}

func (c *Cache) install(pid common.PageID, frag page.Frag) *slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.pages[pid]
	if !ok {
		s = &slot{}
		c.pages[pid] = s
	}
	s.head.Store(c.link(frag, nil))
	if pid >= c.nextPid {
		c.nextPid = pid + 1
	}
	c.free.Delete(pid)
	return s
}

func (c *Cache) installLogged(pid common.PageID, frag page.Frag) error {
	c.ckpt.RLock()
	defer c.ckpt.RUnlock()
	s := c.install(pid, frag)
	return c.logOp(storage.OpReplace, pid, frag, s)
}

func (c *Cache) remove(pid common.PageID) *slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.pages[pid]
	if !ok {
		return nil
	}
	delete(c.pages, pid)
	c.free.ReplaceOrInsert(pid)
	c.freed = append(c.freed, pid)
	return s
}

func (c *Cache) logOp(op storage.Op, pid common.PageID, frag page.Frag, s *slot) error {
	if c.log == nil {
		return nil
	}
	lsn, err := c.log.Append(op, pid, frag)
	if err != nil {
		return errors.Wrapf(err, "pagecache: log %s", pid)
	}
	if s != nil {
		s.lsn.Store(int64(lsn))
	}
	return nil
}

// swap installs next in place of old. The stripe lock keeps the log in the
// same order as the chain.
func (c *Cache) swap(pid common.PageID, s *slot, old, next *chainNode, op storage.Op, frag page.Frag) error {
	c.ckpt.RLock()
	defer c.ckpt.RUnlock()
	mu := c.stripe(pid)
	mu.Lock()
	defer mu.Unlock()

	if !s.head.CompareAndSwap(old, next) {
		c.stats.RecordRetry()
		return errors.Wrapf(ErrStale, "%s", pid)
	}
	if op == 0 {
		return nil
	}
	return c.logOp(op, pid, frag, s)
}

// Allocate installs frag as the whole chain of a fresh page. The lowest
// free page id is reused first.
func (c *Cache) Allocate(g *epoch.Guard, frag page.Frag) (common.PageID, error) {
	c.ckpt.RLock()
	defer c.ckpt.RUnlock()

	c.mu.Lock()
	pid, ok := c.free.DeleteMin()
	if !ok {
		pid = c.nextPid
		c.nextPid++
	}
	s := &slot{}
	s.head.Store(c.link(frag, nil))
	c.pages[pid] = s
	c.mu.Unlock()

	return pid, c.logOp(storage.OpReplace, pid, frag, s)
}

func (c *Cache) Get(g *epoch.Guard, pid common.PageID) (*Page, error) {
	s := c.slot(pid)
	if s == nil {
		return nil, errors.Wrapf(ErrPageNotFound, "%s", pid)
	}
	head := s.head.Load()
	if head == nil {
		return nil, errors.Wrapf(ErrPageNotFound, "%s", pid)
	}
	c.stats.RecordRead()
	return c.pageFrom(pid, head), nil
}

// Append links frag onto p's chain. It fails with ErrStale when the chain
// moved since p was read; the caller re-reads and retries. A chain that has
// grown past the configured limits is compacted on the way out.
func (c *Cache) Append(g *epoch.Guard, p *Page, frag page.Frag) (*Page, error) {
	s := c.slot(p.ID)
	if s == nil {
		return nil, errors.Wrapf(ErrPageNotFound, "%s", p.ID)
	}
	next := c.link(frag, p.head)
	if err := c.swap(p.ID, s, p.head, next, storage.OpAppend, frag); err != nil {
		return nil, err
	}
	c.stats.RecordAppend()
	c.mat.Recover(frag)

	np := c.pageFrom(p.ID, next)
	if next.len >= c.conf.CompactAfter || next.size >= c.conf.MaxChainBytes {
		if compacted, err := c.Compact(g, np); err == nil {
			np = compacted
		}
	}
	return np, nil
}

// Replace installs frag as p's whole chain and logs it. Buffers only the
// old chain referenced are released under g.
func (c *Cache) Replace(g *epoch.Guard, p *Page, frag page.Frag) (*Page, error) {
	return c.replace(g, p, frag, storage.OpReplace)
}

// Compact collapses p's chain into the single frag the materializer
// produces. It is not logged: replaying the original frags gives the same
// page.
func (c *Cache) Compact(g *epoch.Guard, p *Page) (*Page, error) {
	merged := c.mat.Merge(p.View.Frags())
	np, err := c.replace(g, p, merged, 0)
	if err != nil {
		return nil, err
	}
	c.stats.RecordCompaction()
	return np, nil
}

func (c *Cache) replace(g *epoch.Guard, p *Page, frag page.Frag, op storage.Op) (*Page, error) {
	s := c.slot(p.ID)
	if s == nil {
		return nil, errors.Wrapf(ErrPageNotFound, "%s", p.ID)
	}
	next := c.link(frag, nil)
	if err := c.swap(p.ID, s, p.head, next, op, frag); err != nil {
		return nil, err
	}
	c.stats.RecordReleased(page.ReleaseReplaced(chainFrags(p.head), frag, g))
	return c.pageFrom(p.ID, next), nil
}

// Free drops a page and releases its buffers under g.
func (c *Cache) Free(g *epoch.Guard, pid common.PageID) error {
	c.ckpt.RLock()
	defer c.ckpt.RUnlock()

	s := c.remove(pid)
	if s == nil {
		return errors.Wrapf(ErrPageNotFound, "%s", pid)
	}
	c.stats.RecordReleased(page.ReleaseReplaced(chainFrags(s.head.Load()), nil, g))
	return c.logOp(storage.OpFree, pid, page.Counter(0), nil)
}

// GenerateID returns a fresh id from the counter page. Ids are never
// reissued, also across restarts.
func (c *Cache) GenerateID(g *epoch.Guard) (uint64, error) {
	for {
		p, cur, err := c.readCounter(g)
		if err != nil {
			return 0, err
		}
		_, err = c.Append(g, p, page.Counter(cur+1))
		if errors.Is(err, ErrStale) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return cur + 1, nil
	}
}

func (c *Cache) readCounter(g *epoch.Guard) (*Page, uint64, error) {
	p, err := c.Get(g, CounterPage)
	if err != nil {
		return nil, 0, err
	}
	cur, ok := c.mat.Merge(p.View.Frags()).(page.Counter)
	if !ok {
		return nil, 0, errors.Newf("pagecache: %s does not hold a counter", CounterPage)
	}
	return p, uint64(cur), nil
}

func (c *Cache) Meta(g *epoch.Guard) (page.Meta, error) {
	p, err := c.Get(g, MetaPage)
	if err != nil {
		return page.Meta{}, err
	}
	meta, ok := c.mat.Merge(p.View.Frags()).(page.Meta)
	if !ok {
		return page.Meta{}, errors.Newf("pagecache: %s does not hold meta", MetaPage)
	}
	return meta, nil
}

// SetRoot points the named tree at root. Meta is replaced, never chained.
func (c *Cache) SetRoot(g *epoch.Guard, name string, root common.PageID) error {
	for {
		p, err := c.Get(g, MetaPage)
		if err != nil {
			return err
		}
		meta := c.mat.Merge(p.View.Frags()).(page.Meta).Clone()
		if meta.Roots == nil {
			meta.Roots = make(map[string]common.PageID)
		}
		meta.Roots[name] = root
		_, err = c.Replace(g, p, meta)
		if !errors.Is(err, ErrStale) {
			return err
		}
	}
}

// ShouldSplit reports whether the page has outgrown the configured size.
func (c *Cache) ShouldSplit(g *epoch.Guard, pid common.PageID) (bool, error) {
	p, err := c.Get(g, pid)
	if err != nil {
		return false, err
	}
	return p.View.ShouldSplit(c.conf.MaxPageBytes), nil
}

type SplitResult struct {
	Left, Right common.PageID
	At          []byte
	// NewRoot is set when the split page had no parent.
	NewRoot common.PageID
}

// Split moves the upper half of pid into a new page. The new page is
// installed first, then ChildSplit is appended to pid and ParentSplit to its
// parent. With no parent a new index root is allocated above both halves.
func (c *Cache) Split(g *epoch.Guard, pid, parent common.PageID) (SplitResult, error) {
	p, err := c.Get(g, pid)
	if err != nil {
		return SplitResult{}, err
	}
	if p.View.Data().Len() <= 2 {
		return SplitResult{}, errors.Wrapf(ErrTooSmall, "%s holds %d entries", pid, p.View.Data().Len())
	}

	right := p.View.Split()
	at := slices.Clone(right.Lo.Bytes())
	rpid, err := c.Allocate(g, page.Base{Node: right})
	if err != nil {
		return SplitResult{}, err
	}

	if _, err := c.Append(g, p, page.ChildSplit{At: ivec.New(at), To: rpid}); err != nil {
		if ferr := c.Free(g, rpid); ferr != nil {
			log.Printf("[Split] Failed to free orphaned %s: %v", rpid, ferr)
		}
		return SplitResult{}, err
	}
	c.stats.RecordSplit()

	res := SplitResult{Left: pid, Right: rpid, At: at}
	if parent == common.NoPage {
		root := page.NewIndexNode(p.View.Lo(), p.View.Hi(), common.NoPage,
			page.Route{Sep: p.View.Lo(), Child: pid},
			page.Route{Sep: at, Child: rpid},
		)
		res.NewRoot, err = c.Allocate(g, page.Base{Node: root})
		return res, err
	}
	return res, c.linkParent(g, parent, at, rpid)
}

func (c *Cache) linkParent(g *epoch.Guard, parent common.PageID, at []byte, child common.PageID) error {
	for {
		pp, err := c.Get(g, parent)
		if err != nil {
			return err
		}
		// the parent split too: its right sibling owns the separator now
		if hi := pp.View.Hi(); len(hi) > 0 && bytes.Compare(at, hi) >= 0 {
			parent = pp.View.Next()
			continue
		}
		_, err = c.Append(g, pp, page.ParentSplit{At: ivec.New(at), To: child})
		if !errors.Is(err, ErrStale) {
			return err
		}
	}
}

// Find walks from root to the leaf owning key, following right siblings
// whenever a page has split away the key's range.
func (c *Cache) Find(g *epoch.Guard, root common.PageID, key []byte) ([]byte, bool, error) {
	pid := root
	for {
		p, err := c.Get(g, pid)
		if err != nil {
			return nil, false, err
		}
		v := p.View
		if hi := v.Hi(); len(hi) > 0 && bytes.Compare(key, hi) >= 0 {
			pid = v.Next()
			continue
		}
		data := v.Data()
		if data.IsIndex() {
			child, ok := data.Route(key, v.Lo())
			if !ok {
				return nil, false, nil
			}
			pid = child
			continue
		}
		val, ok := data.Get(key, v.Lo())
		return val, ok, nil
	}
}

// Checkpoint writes every chain, compacted, to the snapshot store and
// truncates the frag log.
func (c *Cache) Checkpoint() error {
	if c.snaps == nil || c.log == nil {
		return nil
	}
	c.ckpt.Lock()
	defer c.ckpt.Unlock()

	c.mu.Lock()
	c.recordStable()
	pages := make([]storage.PageFrag, 0, len(c.pages))
	for pid, s := range c.pages {
		pages = append(pages, storage.PageFrag{Page: pid, Frag: c.mat.Merge(chainFrags(s.head.Load()))})
	}
	freed := c.freed
	c.freed = nil
	c.mu.Unlock()

	lsn := c.log.NextLsn()
	if err := c.snaps.Checkpoint(pages, freed, lsn); err != nil {
		c.mu.Lock()
		c.freed = append(freed, c.freed...)
		c.mu.Unlock()
		return err
	}
	if err := c.log.Truncate(); err != nil {
		return errors.Wrap(err, "pagecache: truncate log after checkpoint")
	}
	log.Printf("[PageCache] Checkpointed %d pages at lsn %d.", len(pages), lsn)
	return nil
}

// recordStable folds the newest logged lsn of every page into the versions
// page. Callers hold ckpt exclusively and mu, so no append can race it.
func (c *Cache) recordStable() {
	vs, ok := c.pages[VersionsPage]
	if !ok {
		return
	}
	update := page.Versions{Stable: make(map[common.PageID]common.Lsn)}
	for pid, s := range c.pages {
		if lsn := s.lsn.Load(); lsn > 0 && pid != VersionsPage {
			update.Stable[pid] = common.Lsn(lsn)
		}
	}
	merged := c.mat.Merge(append([]page.Frag{update}, chainFrags(vs.head.Load())...))
	vs.head.Store(c.link(merged, nil))
}

// StableLsn reports the newest log record of pid covered by a checkpoint.
func (c *Cache) StableLsn(g *epoch.Guard, pid common.PageID) (common.Lsn, bool, error) {
	p, err := c.Get(g, VersionsPage)
	if err != nil {
		return 0, false, err
	}
	vs, ok := c.mat.Merge(p.View.Frags()).(page.Versions)
	if !ok {
		return 0, false, errors.Newf("pagecache: %s does not hold versions", VersionsPage)
	}
	lsn, ok := vs.Stable[pid]
	return lsn, ok, nil
}

// Checkpointed returns the frag the last checkpoint stored for pid.
func (c *Cache) Checkpointed(pid common.PageID) (page.Frag, bool, error) {
	if c.snaps == nil {
		return nil, false, nil
	}
	return c.snaps.Get(pid)
}

// PageIDs lists live pages in order.
func (c *Cache) PageIDs() []common.PageID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]common.PageID, 0, len(c.pages))
	for pid := range c.pages {
		ids = append(ids, pid)
	}
	slices.Sort(ids)
	return ids
}

func (c *Cache) Stats() map[string]interface{} {
	c.mu.RLock()
	pages := len(c.pages)
	free := c.free.Len()
	var chainBytes uint64
	for _, s := range c.pages {
		if head := s.head.Load(); head != nil {
			chainBytes = common.SaturatingAdd(chainBytes, head.size)
		}
	}
	c.mu.RUnlock()

	out := map[string]interface{}{
		"pages":                 pages,
		"free_pages":            free,
		"chain_bytes":           chainBytes,
		"pending_releases":      c.epochs.Pending(),
		"executed_releases":     c.epochs.Executed(),
		"deltas_per_compaction": c.stats.DeltasPerCompaction(),
	}
	for k, v := range c.stats.Snapshot() {
		out[k] = v
	}
	return out
}
