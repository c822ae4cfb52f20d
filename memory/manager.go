package memory

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// ErrOutOfMemory is returned when an allocation would exceed the device budget.
// Callers recognise it with errors.Is through any number of wrap layers.
var ErrOutOfMemory = errors.New("out of memory")

// bytesPerElement is the size of one float32 tensor element
const bytesPerElement = 4

// MemoryManager accounts tensor allocations against a fixed device budget.
//
// Tensors are garbage collected, so the manager does not track individual
// buffers. Instead it keeps a cache of every byte handed out since the last
// EmptyCache call, the way a caching device allocator holds on to blocks until
// it is told to release them. The training loop empties the cache once per
// batch, which makes the budget a per-batch peak limit.
type MemoryManager struct {
	budget int64 // bytes, 0 means unlimited
	inUse  int64
	peak   int64
	mutex  sync.Mutex
}

// NewMemoryManager creates a manager with the given budget in bytes.
// A budget of zero disables the limit.
func NewMemoryManager(budgetBytes int64) *MemoryManager {
	if budgetBytes < 0 {
		budgetBytes = 0
	}
	return &MemoryManager{budget: budgetBytes}
}

// Allocate charges numElements float32 values to the cache.
func (mm *MemoryManager) Allocate(numElements int) error {
	if numElements < 0 {
		return errors.Errorf("invalid allocation of %d elements", numElements)
	}

	size := int64(numElements) * bytesPerElement

	mm.mutex.Lock()
	defer mm.mutex.Unlock()

	if mm.budget > 0 && mm.inUse+size > mm.budget {
		return errors.Wrapf(ErrOutOfMemory, "tried to allocate %d bytes (%d in use, budget %d)",
			size, mm.inUse, mm.budget)
	}

	mm.inUse += size
	if mm.inUse > mm.peak {
		mm.peak = mm.inUse
	}
	return nil
}

// EmptyCache releases every cached allocation.
func (mm *MemoryManager) EmptyCache() {
	mm.mutex.Lock()
	defer mm.mutex.Unlock()
	mm.inUse = 0
}

// InUse returns the number of cached bytes
func (mm *MemoryManager) InUse() int64 {
	mm.mutex.Lock()
	defer mm.mutex.Unlock()
	return mm.inUse
}

// Peak returns the largest cache size observed since creation
func (mm *MemoryManager) Peak() int64 {
	mm.mutex.Lock()
	defer mm.mutex.Unlock()
	return mm.peak
}

// Budget returns the configured budget in bytes
func (mm *MemoryManager) Budget() int64 {
	return mm.budget
}

// Stats returns a human readable summary
func (mm *MemoryManager) Stats() string {
	mm.mutex.Lock()
	defer mm.mutex.Unlock()
	if mm.budget == 0 {
		return fmt.Sprintf("in use %d bytes, peak %d bytes, unlimited", mm.inUse, mm.peak)
	}
	return fmt.Sprintf("in use %d bytes, peak %d bytes, budget %d bytes", mm.inUse, mm.peak, mm.budget)
}

// Global memory manager instance
var (
	globalMemoryManager      = NewMemoryManager(0)
	globalMemoryManagerMutex sync.RWMutex
)

// SetGlobalMemoryManager replaces the manager that tensor allocations charge.
func SetGlobalMemoryManager(mm *MemoryManager) {
	if mm == nil {
		mm = NewMemoryManager(0)
	}
	globalMemoryManagerMutex.Lock()
	defer globalMemoryManagerMutex.Unlock()
	globalMemoryManager = mm
}

// GetGlobalMemoryManager returns the global memory manager instance
func GetGlobalMemoryManager() *MemoryManager {
	globalMemoryManagerMutex.RLock()
	defer globalMemoryManagerMutex.RUnlock()
	return globalMemoryManager
}
