package common

import (
	"fmt"
	"math"
)

// PageID 是页表中的逻辑页号，0 表示没有页（例如最右侧页的 next）
type PageID uint64

const NoPage PageID = 0

// Lsn 是日志序列号，单调递增
type Lsn int64

func (p PageID) String() string {
	if p == NoPage {
		return "pid(none)"
	}
	return fmt.Sprintf("pid(%d)", uint64(p))
}

// SaturatingAdd adds b to a, capping at math.MaxUint64 instead of wrapping.
func SaturatingAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}
