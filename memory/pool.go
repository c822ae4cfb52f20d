package memory

import (
	"fmt"
	"math/bits"
	"slices"
	"strings"
	"sync"
)

// BufferPool recycles float64 scratch buffers by power-of-two size class.
// Buffers handed out are zeroed.
type BufferPool struct {
	mu    sync.Mutex
	pools map[int]*sync.Pool // Pools indexed by size class
	stats map[int]*PoolStats
}

// PoolStats tracks statistics for one size class
type PoolStats struct {
	Gets     int64
	Puts     int64
	Misses   int64
	InUse    int64
	MaxInUse int64
}

// HitRate returns the percentage of gets served from the pool
func (s PoolStats) HitRate() float64 {
	if s.Gets == 0 {
		return 0
	}
	return float64(s.Gets-s.Misses) / float64(s.Gets) * 100
}

// NewBufferPool creates an empty pool
func NewBufferPool() *BufferPool {
	return &BufferPool{
		pools: make(map[int]*sync.Pool),
		stats: make(map[int]*PoolStats),
	}
}

// Get returns a zeroed buffer of length size
func (bp *BufferPool) Get(size int) []float64 {
	class := sizeClass(size)

	bp.mu.Lock()
	pool, ok := bp.pools[class]
	if !ok {
		pool = &sync.Pool{}
		bp.pools[class] = pool
		bp.stats[class] = &PoolStats{}
	}
	stats := bp.stats[class]
	stats.Gets++
	stats.InUse++
	stats.MaxInUse = max(stats.MaxInUse, stats.InUse)
	bp.mu.Unlock()

	buf, _ := pool.Get().([]float64)
	if buf == nil {
		bp.mu.Lock()
		stats.Misses++
		bp.mu.Unlock()
		buf = make([]float64, class)
	}
	return buf[:size]
}

// Put returns buf to the pool. Buffers that did not come from Get are dropped.
func (bp *BufferPool) Put(buf []float64) {
	if cap(buf) == 0 || cap(buf)&(cap(buf)-1) != 0 {
		return
	}
	class := cap(buf)

	bp.mu.Lock()
	pool, ok := bp.pools[class]
	if !ok {
		bp.mu.Unlock()
		return
	}
	stats := bp.stats[class]
	stats.Puts++
	stats.InUse--
	bp.mu.Unlock()

	buf = buf[:class]
	clear(buf)
	pool.Put(buf)
}

// Stats returns a copy of the statistics of every size class
func (bp *BufferPool) Stats() map[int]PoolStats {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	out := make(map[int]PoolStats, len(bp.stats))
	for class, s := range bp.stats {
		out[class] = *s
	}
	return out
}

func (bp *BufferPool) String() string {
	stats := bp.Stats()
	classes := make([]int, 0, len(stats))
	for class := range stats {
		classes = append(classes, class)
	}
	slices.Sort(classes)

	var sb strings.Builder
	sb.WriteString("BufferPool Statistics:\n")
	for _, class := range classes {
		s := stats[class]
		fmt.Fprintf(&sb, "  Size %d: Gets=%d, Puts=%d, InUse=%d, MaxInUse=%d, HitRate=%.1f%%\n",
			class, s.Gets, s.Puts, s.InUse, s.MaxInUse, s.HitRate())
	}
	return sb.String()
}

// sizeClass rounds n up to the nearest power of 2
func sizeClass(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

var (
	globalPool     *BufferPool
	globalPoolOnce sync.Once
)

// GetGlobalBufferPool returns the pool shared by the feature extractors
func GetGlobalBufferPool() *BufferPool {
	globalPoolOnce.Do(func() {
		globalPool = NewBufferPool()
	})
	return globalPool
}
