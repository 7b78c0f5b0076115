package monitor

import (
	"sync/atomic"
)

// PageStats counts page-cache activity.
type PageStats struct {
	Appends     uint64
	CASRetries  uint64
	Reads       uint64
	Compactions uint64
	Splits      uint64
	Released    uint64
}

func NewPageStats() *PageStats {
	return &PageStats{}
}

func (ps *PageStats) RecordAppend() {
	atomic.AddUint64(&ps.Appends, 1)
}

func (ps *PageStats) RecordRetry() {
	atomic.AddUint64(&ps.CASRetries, 1)
}

func (ps *PageStats) RecordRead() {
	atomic.AddUint64(&ps.Reads, 1)
}

func (ps *PageStats) RecordCompaction() {
	atomic.AddUint64(&ps.Compactions, 1)
}

func (ps *PageStats) RecordSplit() {
	atomic.AddUint64(&ps.Splits, 1)
}

func (ps *PageStats) RecordReleased(n int) {
	atomic.AddUint64(&ps.Released, uint64(n))
}

func (ps *PageStats) Snapshot() map[string]uint64 {
	return map[string]uint64{
		"appends":     atomic.LoadUint64(&ps.Appends),
		"cas_retries": atomic.LoadUint64(&ps.CASRetries),
		"reads":       atomic.LoadUint64(&ps.Reads),
		"compactions": atomic.LoadUint64(&ps.Compactions),
		"splits":      atomic.LoadUint64(&ps.Splits),
		"released":    atomic.LoadUint64(&ps.Released),
	}
}

// DeltasPerCompaction is the average chain growth absorbed by one compaction.
func (ps *PageStats) DeltasPerCompaction() float64 {
	appends := atomic.LoadUint64(&ps.Appends)
	compactions := atomic.LoadUint64(&ps.Compactions)

	if compactions == 0 {
		return float64(appends)
	}
	return float64(appends) / float64(compactions)
}
