// Package devmem sits between the allocator and the injected backend. It owns the per-heap
// bookkeeping (block and allocation counters, heap size limits) and the SynchronizedMemory
// objects that manage mapping for individual memory blocks.
package devmem

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/gravelmem/gravel/backend"
	"github.com/gravelmem/gravel/memutils"
)

const (
	// MaxMemoryTypes is the largest memory type table a backend may expose
	MaxMemoryTypes = 32
	// MaxMemoryHeaps is the largest memory heap table a backend may expose
	MaxMemoryHeaps = 16
)

const (
	// Heaps at or under this size get a smaller preferred block size
	smallHeapMaxSize int = 1024 * 1024 * 1024
)

// Budget describes the allocation state and allocatable room of a single memory heap
type Budget struct {
	Statistics memutils.Statistics
	// Usage is the number of bytes currently allocated from the heap in blocks
	Usage int
	// Budget is the number of bytes that can be allocated from the heap before allocations are
	// expected to start failing
	Budget int
}

// MemoryCallbacks can be provided at allocator creation to be informed whenever a real device
// memory block is allocated or freed
type MemoryCallbacks interface {
	Allocate(memoryTypeIndex int, block backend.BlockHandle, size int)
	Free(memoryTypeIndex int, block backend.BlockHandle, size int)
}

// DeviceMemoryProperties is the single choke point for real block allocations: every block the
// allocator creates or destroys goes through AllocateMemory/FreeMemory here, so the per-heap
// counters and device limits are enforced in one place.
type DeviceMemoryProperties struct {
	// Number of blocks allocated from each heap
	blockCount [MaxMemoryHeaps]int32
	// Number of user allocations doled out from each heap- dedicated allocations plus block
	// suballocations
	allocationCount [MaxMemoryHeaps]int32
	// Bytes of blocks allocated from each heap
	blockBytes [MaxMemoryHeaps]int64
	// Bytes of user allocations doled out from each heap
	allocationBytes [MaxMemoryHeaps]int64

	// Whether the SynchronizedMemory objects created from this object should use a mutex to
	// control access
	useMutex        bool
	memoryCallbacks MemoryCallbacks
	memoryCount     uint32
	heapLimits      []int

	backend backend.Backend
	props   *backend.DeviceProperties
}

// NewDeviceMemoryProperties builds the bookkeeping layer over a backend. heapSizeLimits, when
// provided, must carry one entry per backend heap; non-zero entries cap how many block bytes may
// be allocated from that heap even when the heap itself is larger.
func NewDeviceMemoryProperties(
	useMutex bool,
	memoryCallbacks MemoryCallbacks,
	bknd backend.Backend,
	heapSizeLimits []int,
) (*DeviceMemoryProperties, error) {
	props := bknd.Properties()

	if len(props.MemoryTypes) == 0 || len(props.MemoryTypes) > MaxMemoryTypes {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument, "backend exposes %d memory types, must be between 1 and %d", len(props.MemoryTypes), MaxMemoryTypes)
	}
	if len(props.MemoryHeaps) == 0 || len(props.MemoryHeaps) > MaxMemoryHeaps {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument, "backend exposes %d memory heaps, must be between 1 and %d", len(props.MemoryHeaps), MaxMemoryHeaps)
	}

	err := memutils.CheckPow2(props.BufferImageGranularity, "backend bufferImageGranularity")
	if err != nil {
		return nil, err
	}
	err = memutils.CheckPow2(props.NonCoherentAtomSize, "backend nonCoherentAtomSize")
	if err != nil {
		return nil, err
	}

	if len(heapSizeLimits) > 0 && len(heapSizeLimits) != len(props.MemoryHeaps) {
		return nil, errors.Wrap(memutils.ErrInvalidArgument, "HeapSizeLimits was provided, but its length does not equal the number of backend heaps")
	}

	return &DeviceMemoryProperties{
		useMutex:        useMutex,
		memoryCallbacks: memoryCallbacks,
		heapLimits:      heapSizeLimits,

		backend: bknd,
		props:   props,
	}, nil
}

func (m *DeviceMemoryProperties) MemoryTypeCount() int {
	return len(m.props.MemoryTypes)
}

func (m *DeviceMemoryProperties) MemoryHeapCount() int {
	return len(m.props.MemoryHeaps)
}

func (m *DeviceMemoryProperties) MemoryTypeIndexToHeapIndex(memTypeIndex int) int {
	return m.props.MemoryTypes[memTypeIndex].HeapIndex
}

func (m *DeviceMemoryProperties) MemoryTypeProperties(memoryTypeIndex int) backend.MemoryType {
	return m.props.MemoryTypes[memoryTypeIndex]
}

func (m *DeviceMemoryProperties) MemoryHeapProperties(heapIndex int) backend.MemoryHeap {
	return m.props.MemoryHeaps[heapIndex]
}

// IsMemoryTypeHostNonCoherent returns true for memory types that the host can map but whose
// mapped ranges require explicit Flush/Invalidate
func (m *DeviceMemoryProperties) IsMemoryTypeHostNonCoherent(memoryTypeIndex int) bool {
	flags := m.props.MemoryTypes[memoryTypeIndex].Flags

	return flags&(backend.MemoryPropertyHostVisible|backend.MemoryPropertyHostCoherent) == backend.MemoryPropertyHostVisible
}

// MemoryTypeMinimumAlignment is the minimum alignment suballocations of a memory type must have.
// Host-visible non-coherent types align to the backend's NonCoherentAtomSize so that flushes of
// neighboring allocations cannot overlap.
func (m *DeviceMemoryProperties) MemoryTypeMinimumAlignment(memTypeIndex int) uint {
	if m.IsMemoryTypeHostNonCoherent(memTypeIndex) {
		alignment := uint(m.props.NonCoherentAtomSize)
		if alignment < 1 {
			return 1
		}
		return alignment
	}

	return 1
}

func (m *DeviceMemoryProperties) BufferImageGranularity() int {
	granularity := m.props.BufferImageGranularity

	if granularity < 1 {
		return 1
	}
	return granularity
}

func (m *DeviceMemoryProperties) NonCoherentAtomSize() int {
	atomSize := m.props.NonCoherentAtomSize

	if atomSize < 1 {
		return 1
	}
	return atomSize
}

func (m *DeviceMemoryProperties) MaxMemoryAllocationCount() int {
	return m.props.MaxMemoryAllocationCount
}

// DeviceMemoryCountIsOverMax indicates whether another block allocation would exceed the
// backend's maximum live block count
func (m *DeviceMemoryProperties) DeviceMemoryCountIsOverMax() bool {
	maxCount := m.props.MaxMemoryAllocationCount
	return maxCount > 0 && int(atomic.LoadUint32(&m.memoryCount)) >= maxCount
}

// CalculatePreferredBlockSize selects the default block size for a memory type: 1/8 of the heap
// for small heaps, the provided preferred size otherwise.
func (m *DeviceMemoryProperties) CalculatePreferredBlockSize(memTypeIndex int, preferredLargeBlockSize int) int {
	heapIndex := m.MemoryTypeIndexToHeapIndex(memTypeIndex)

	heapSize := m.props.MemoryHeaps[heapIndex].Size
	if heapSize <= smallHeapMaxSize {
		return memutils.AlignUp(heapSize/8, 32)
	}

	return preferredLargeBlockSize
}

// CalculateGlobalMemoryTypeBits retrieves the mask of memory types allocations are permitted to
// live in by default
func (m *DeviceMemoryProperties) CalculateGlobalMemoryTypeBits() uint32 {
	var typeBits uint32

	for memoryTypeIndex := 0; memoryTypeIndex < m.MemoryTypeCount(); memoryTypeIndex++ {
		typeBits |= 1 << memoryTypeIndex
	}

	return typeBits
}

func (m *DeviceMemoryProperties) addBlockAllocation(heapIndex int, allocationSize int) {
	atomic.AddInt64(&m.blockBytes[heapIndex], int64(allocationSize))
	atomic.AddInt32(&m.blockCount[heapIndex], 1)
}

func (m *DeviceMemoryProperties) addBlockAllocationWithBudget(heapIndex, allocationSize, maxAllocatable int) error {
	for {
		currentVal := atomic.LoadInt64(&m.blockBytes[heapIndex])
		targetVal := currentVal + int64(allocationSize)

		if targetVal > int64(maxAllocatable) {
			return errors.Wrapf(memutils.ErrOutOfDeviceMemory, "heap %d has a size limit of %d bytes and %d bytes are already allocated", heapIndex, maxAllocatable, currentVal)
		}

		if atomic.CompareAndSwapInt64(&m.blockBytes[heapIndex], currentVal, targetVal) {
			break
		}
	}

	atomic.AddInt32(&m.blockCount[heapIndex], 1)
	return nil
}

func (m *DeviceMemoryProperties) removeBlockAllocation(heapIndex, allocationSize int) {
	newVal := atomic.AddInt64(&m.blockBytes[heapIndex], int64(-allocationSize))
	if newVal < 0 {
		panic(errors.Newf("block bytes for heapIndex %d went negative", heapIndex).Error())
	}

	newCountVal := atomic.AddInt32(&m.blockCount[heapIndex], -1)
	if newCountVal < 0 {
		panic(errors.Newf("block count for heapIndex %d went negative", heapIndex).Error())
	}
}

// AllocateMemory allocates a single block from the backend, enforcing the device's maximum block
// count and any heap size limit before the backend sees the request
func (m *DeviceMemoryProperties) AllocateMemory(memoryTypeIndex int, size int) (mem *SynchronizedMemory, err error) {
	newDeviceCount := atomic.AddUint32(&m.memoryCount, 1)
	defer func() {
		// If we failed out, roll back the device increment
		if err != nil {
			atomic.AddUint32(&m.memoryCount, ^uint32(0))
		}
	}()

	maxCount := m.props.MaxMemoryAllocationCount
	if maxCount > 0 && int(newDeviceCount) > maxCount {
		return nil, errors.Wrapf(memutils.ErrOutOfDeviceMemory, "the backend supports at most %d live memory blocks", maxCount)
	}

	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
	var heapLimit int
	if len(m.heapLimits) > 0 {
		heapLimit = m.heapLimits[heapIndex]
	}

	if heapLimit == 0 {
		m.addBlockAllocation(heapIndex, size)
	} else {
		maxSize := heapLimit
		heapSize := m.props.MemoryHeaps[heapIndex].Size
		if heapSize < heapLimit {
			maxSize = heapSize
		}
		err = m.addBlockAllocationWithBudget(heapIndex, size, maxSize)
		if err != nil {
			return nil, err
		}
	}
	defer func() {
		// If we failed out, roll back the block bookkeeping
		if err != nil {
			m.removeBlockAllocation(heapIndex, size)
		}
	}()

	handle, err := m.backend.AllocBlock(memoryTypeIndex, size)
	if err != nil {
		if errors.Is(err, memutils.ErrOutOfDeviceMemory) {
			return nil, err
		}
		return nil, errors.Mark(err, memutils.ErrBackendFailure)
	}

	memTypeFlags := m.props.MemoryTypes[memoryTypeIndex].Flags
	mem = &SynchronizedMemory{
		backend: m.backend,
		handle:  handle,
		size:    size,

		hostVisible:         memTypeFlags&backend.MemoryPropertyHostVisible != 0,
		hostCoherent:        memTypeFlags&backend.MemoryPropertyHostCoherent != 0,
		nonCoherentAtomSize: m.NonCoherentAtomSize(),
	}
	mem.mapMutex.UseMutex = m.useMutex

	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Allocate(memoryTypeIndex, handle, size)
	}

	return mem, nil
}

// FreeMemory returns a block to the backend and unwinds the bookkeeping AllocateMemory applied
func (m *DeviceMemoryProperties) FreeMemory(memoryTypeIndex int, size int, memory *SynchronizedMemory) {
	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Free(memoryTypeIndex, memory.BlockHandle(), size)
	}

	memory.FreeMemory()

	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
	m.removeBlockAllocation(heapIndex, size)
	atomic.AddUint32(&m.memoryCount, ^uint32(0))
}

// AddAllocation records a user allocation being doled out from a heap
func (m *DeviceMemoryProperties) AddAllocation(heapIndex int, size int) {
	atomic.AddInt64(&m.allocationBytes[heapIndex], int64(size))
	atomic.AddInt32(&m.allocationCount[heapIndex], 1)
}

// RemoveAllocation records a user allocation being returned
func (m *DeviceMemoryProperties) RemoveAllocation(heapIndex int, size int) {
	newSizeVal := atomic.AddInt64(&m.allocationBytes[heapIndex], int64(-size))
	if newSizeVal < 0 {
		panic(errors.Newf("allocation bytes for heapIndex %d went negative", heapIndex).Error())
	}

	newCountVal := atomic.AddInt32(&m.allocationCount[heapIndex], -1)
	if newCountVal < 0 {
		panic(errors.Newf("allocation count for heapIndex %d went negative", heapIndex).Error())
	}
}

// AllocationCount retrieves the number of live blocks allocated from the backend
func (m *DeviceMemoryProperties) AllocationCount() uint32 {
	return atomic.LoadUint32(&m.memoryCount)
}

// HeapBudgets populates one Budget per entry in budgets, starting from heap firstHeap
func (m *DeviceMemoryProperties) HeapBudgets(firstHeap int, budgets []Budget) {
	for i := 0; i < len(budgets); i++ {
		heapIndex := firstHeap + i

		budgets[i].Statistics.BlockCount = int(atomic.LoadInt32(&m.blockCount[heapIndex]))
		budgets[i].Statistics.AllocationCount = int(atomic.LoadInt32(&m.allocationCount[heapIndex]))
		budgets[i].Statistics.BlockBytes = int(atomic.LoadInt64(&m.blockBytes[heapIndex]))
		budgets[i].Statistics.AllocationBytes = int(atomic.LoadInt64(&m.allocationBytes[heapIndex]))

		budgets[i].Usage = budgets[i].Statistics.BlockBytes

		heapSize := m.props.MemoryHeaps[heapIndex].Size
		if len(m.heapLimits) > 0 && m.heapLimits[heapIndex] > 0 && m.heapLimits[heapIndex] < heapSize {
			heapSize = m.heapLimits[heapIndex]
		}
		budgets[i].Budget = heapSize * 8 / 10
	}
}
