package gravel

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/gravelmem/gravel/backend"
	"github.com/gravelmem/gravel/internal/devmem"
	"github.com/gravelmem/gravel/internal/utils"
	"github.com/gravelmem/gravel/memutils"
	"github.com/gravelmem/gravel/memutils/metadata"
)

type allocationType byte

const (
	allocationTypeNone allocationType = iota
	allocationTypeBlock
	allocationTypeDedicated
)

var allocationTypeMapping = make(map[allocationType]string)

func (t allocationType) String() string {
	return allocationTypeMapping[t]
}

func init() {
	allocationTypeMapping[allocationTypeNone] = "allocationTypeNone"
	allocationTypeMapping[allocationTypeBlock] = "allocationTypeBlock"
	allocationTypeMapping[allocationTypeDedicated] = "allocationTypeDedicated"
}

type allocationFlags uint32

const (
	allocationPersistentMap allocationFlags = 1 << iota
	allocationMappingAllowed
	allocationCanBecomeLost
)

var allocationFlagsMapping = utils.NewFlagStringMapping[allocationFlags]()

func init() {
	allocationFlagsMapping.Register(allocationPersistentMap, "allocationPersistentMap")
	allocationFlagsMapping.Register(allocationMappingAllowed, "allocationMappingAllowed")
	allocationFlagsMapping.Register(allocationCanBecomeLost, "allocationCanBecomeLost")
}

// epochLost is the lastUseEpoch value of an allocation that has been reclaimed.
const epochLost uint32 = math.MaxUint32

type blockData struct {
	handle metadata.BlockAllocationHandle
	block  *deviceMemoryBlock
}

type dedicatedData struct {
	parentPool *Pool
	nextAlloc  *Allocation
	prevAlloc  *Allocation
}

// Allocation is a single suballocation handed out by an Allocator. It usually represents a slice
// of a larger memory block, but may own a whole dedicated block. Allocation objects are created
// with Allocator.AllocateMemory and friends, and returned with Allocation.Free.
type Allocation struct {
	alignment uint
	size      int
	userData  any
	name      string
	flags     allocationFlags

	memoryTypeIndex   int
	allocationType    allocationType
	suballocationType SuballocationType
	mapCount          int
	memory            *devmem.SynchronizedMemory

	// lastUseEpoch is the allocator epoch this allocation was last touched in, or epochLost once
	// the allocation has been reclaimed. Only meaningful when allocationCanBecomeLost is set.
	lastUseEpoch uint32

	// mapLock is write-locked for the duration of a defragmentation pass that relocates this
	// allocation, so memory access through this object blocks until the data has moved.
	mapLock sync.RWMutex

	parentAllocator *Allocator

	blockData     blockData
	dedicatedData dedicatedData
}

func (a *Allocation) init(allocator *Allocator, mappingAllowed bool, canBecomeLost bool) {
	var flags allocationFlags
	if mappingAllowed {
		flags = allocationMappingAllowed
	}
	if canBecomeLost {
		flags |= allocationCanBecomeLost
	}
	a.alignment = 1
	a.size = 0
	a.userData = nil
	a.name = ""
	a.flags = flags

	a.memoryTypeIndex = 0
	a.allocationType = 0
	a.suballocationType = 0
	a.parentAllocator = allocator
	a.memory = nil
	a.blockData.handle = 0
	a.blockData.block = nil
	a.dedicatedData.parentPool = nil
	a.dedicatedData.nextAlloc = nil
	a.dedicatedData.prevAlloc = nil
	atomic.StoreUint32(&a.lastUseEpoch, allocator.CurrentEpoch())
}

func (a *Allocation) initBlockAllocation(
	block *deviceMemoryBlock,
	allocHandle metadata.BlockAllocationHandle,
	alignment uint,
	size int,
	memoryTypeIndex int,
	suballocationType SuballocationType,
	mapped bool,
) {
	if a.allocationType != 0 {
		panic("attempting to init an allocation that has already been initialized")
	}
	if block == nil || block.memory == nil {
		panic("attempting to init a block allocation using a nil memory block")
	}
	a.allocationType = allocationTypeBlock
	a.alignment = alignment
	a.size = size
	a.memoryTypeIndex = memoryTypeIndex
	if mapped && !a.IsMappingAllowed() {
		panic("attempting to initialize an allocation for mapping that was created without mapping capabilities")
	} else if mapped {
		a.flags |= allocationPersistentMap
	}

	a.suballocationType = suballocationType
	a.memory = block.memory
	a.blockData.handle = allocHandle
	a.blockData.block = block
}

func (a *Allocation) initDedicatedAllocation(
	parentPool *Pool,
	memoryTypeIndex int,
	memory *devmem.SynchronizedMemory,
	suballocationType SuballocationType,
	size int,
) {
	if a.allocationType != 0 {
		panic("attempting to init an allocation that has already been initialized")
	}
	if memory == nil {
		panic("attempting to init a dedicated allocation using a nil device memory")
	}
	a.allocationType = allocationTypeDedicated
	a.alignment = 0
	a.size = size
	a.memoryTypeIndex = memoryTypeIndex
	a.suballocationType = suballocationType
	if memory.MappedData() != nil && !a.IsMappingAllowed() {
		panic("attempting to initialize an allocation for mapping that was created without mapping capabilities")
	} else if memory.MappedData() != nil {
		a.flags |= allocationPersistentMap
	}

	a.dedicatedData.parentPool = parentPool
	a.memory = memory
}

func (a *Allocation) SetName(name string) {
	a.name = name
}

func (a *Allocation) SetUserData(userData any) {
	a.userData = userData
}

func (a *Allocation) UserData() any {
	return a.userData
}

func (a *Allocation) Name() string {
	return a.name
}

func (a *Allocation) MemoryTypeIndex() int          { return a.memoryTypeIndex }
func (a *Allocation) Size() int                     { return a.size }
func (a *Allocation) Alignment() uint               { return a.alignment }
func (a *Allocation) Memory() backend.BlockHandle   { return a.memory.BlockHandle() }
func (a *Allocation) isPersistentMap() bool         { return a.flags&allocationPersistentMap != 0 }
func (a *Allocation) IsMappingAllowed() bool        { return a.flags&allocationMappingAllowed != 0 }
func (a *Allocation) CanBecomeLost() bool           { return a.flags&allocationCanBecomeLost != 0 }
func (a *Allocation) MemoryType() backend.MemoryType {
	return a.parentAllocator.deviceMemory.MemoryTypeProperties(a.memoryTypeIndex)
}

// IsLost reports whether this allocation has been reclaimed to make room for another allocation.
// Only allocations created with AllocationCreateCanBecomeLost can ever be lost.
func (a *Allocation) IsLost() bool {
	if !a.CanBecomeLost() {
		return false
	}

	return atomic.LoadUint32(&a.lastUseEpoch) == epochLost
}

// Touch refreshes the allocation's last-use epoch so it survives lost-allocation sweeps for
// the next EpochInUseCount epochs. It returns false if the allocation has already been lost.
func (a *Allocation) Touch() bool {
	if !a.CanBecomeLost() {
		return true
	}

	currentEpoch := a.parentAllocator.CurrentEpoch()
	for {
		lastUse := atomic.LoadUint32(&a.lastUseEpoch)
		if lastUse == epochLost {
			return false
		}
		if lastUse == currentEpoch {
			return true
		}
		if atomic.CompareAndSwapUint32(&a.lastUseEpoch, lastUse, currentEpoch) {
			return true
		}
	}
}

// makeLost marks the allocation as reclaimed. It must only be called while the block list that
// owns the allocation is write-locked.
func (a *Allocation) makeLost() {
	atomic.StoreUint32(&a.lastUseEpoch, epochLost)
}

func (a *Allocation) lastUseEpochValue() uint32 {
	return atomic.LoadUint32(&a.lastUseEpoch)
}

// FindOffset retrieves the current offset of this allocation within its memory block. Bear in
// mind that defragmentation can change this value at any time.
func (a *Allocation) FindOffset() int {
	a.parentAllocator.logger.Debug("Allocation::FindOffset")

	if a.allocationType == allocationTypeBlock {
		offset, err := a.blockData.block.metadata.AllocationOffset(a.blockData.handle)
		if err != nil {
			panic(fmt.Sprintf("failed to locate offset for handle %+v: %+v", a.blockData.handle, err))
		}

		return offset
	}

	return 0
}

// Map retrieves a host-addressable pointer to the allocation's memory, mapping the underlying
// block if it is not already mapped. Each successful Map call must be balanced by an Unmap call.
func (a *Allocation) Map() (unsafe.Pointer, error) {
	a.parentAllocator.logger.Debug("Allocation::Map")

	return a.mapWithLock(true)
}

func (a *Allocation) mapWithLock(lock bool) (unsafe.Pointer, error) {
	if !a.IsMappingAllowed() {
		return nil, errors.New("attempted to perform a map for an allocation that does not permit mapping")
	}

	if lock {
		a.mapLock.RLock()
		defer a.mapLock.RUnlock()
	}

	if a.IsLost() {
		return nil, errors.Wrap(memutils.ErrAllocationLost, "attempted to map a lost allocation")
	}

	ptr, err := a.memory.Map(1)
	if err != nil || ptr == nil {
		return ptr, err
	}
	a.mapCount++

	offset := a.FindOffset()

	return unsafe.Add(ptr, offset), nil
}

func (a *Allocation) Unmap() error {
	a.parentAllocator.logger.Debug("Allocation::Unmap")

	a.mapLock.RLock()
	defer a.mapLock.RUnlock()

	err := a.memory.Unmap(1)
	if err == nil {
		a.mapCount--
	}
	return err
}

// Flush performs a host-write cache flush on the requested region of the allocation, if the
// allocation's memory type requires one. Pass a size of -1 to flush from offset to the end of
// the allocation.
func (a *Allocation) Flush(offset, size int) error {
	a.parentAllocator.logger.Debug("Allocation::Flush")

	a.mapLock.RLock()
	defer a.mapLock.RUnlock()

	return a.flushOrInvalidate(offset, size, devmem.CacheOperationFlush)
}

// Invalidate performs a host cache invalidation on the requested region of the allocation, if the
// allocation's memory type requires one. Pass a size of -1 to invalidate from offset to the end
// of the allocation.
func (a *Allocation) Invalidate(offset, size int) error {
	a.parentAllocator.logger.Debug("Allocation::Invalidate")

	a.mapLock.RLock()
	defer a.mapLock.RUnlock()

	return a.flushOrInvalidate(offset, size, devmem.CacheOperationInvalidate)
}

func (a *Allocation) printParameters(json *jwriter.ObjectState) {
	json.Name("Type").String(a.suballocationType.String())
	json.Name("Size").Int(a.size)

	if a.userData != nil {
		json.Name("CustomData").String(fmt.Sprintf("%+v", a.userData))
	}

	if a.name != "" {
		json.Name("Name").String(a.name)
	}
}

func (a *Allocation) flushOrInvalidate(offset, size int, operation devmem.CacheOperation) error {
	// A size of -1 indicates the whole allocation
	if size == 0 || size < -1 || !a.parentAllocator.deviceMemory.IsMemoryTypeHostNonCoherent(a.memoryTypeIndex) {
		return nil
	}

	if a.IsLost() {
		return errors.Wrap(memutils.ErrAllocationLost, "attempted a cache operation on a lost allocation")
	}

	allocationSize := a.Size()

	if offset > allocationSize {
		return errors.Wrapf(memutils.ErrInvalidArgument, "offset %d is past the end of the allocation, which is size %d", offset, allocationSize)
	}
	if size > 0 && (offset+size) > allocationSize {
		return errors.Wrapf(memutils.ErrInvalidArgument, "offset %d places the end of the region %d past the end of the allocation, which is size %d", offset, offset+size, allocationSize)
	}

	if size == -1 {
		size = allocationSize - offset
	}

	switch a.allocationType {
	case allocationTypeDedicated:
		return a.memory.FlushOrInvalidate(operation, offset, size)
	case allocationTypeBlock:
		allocationOffset := a.FindOffset()

		nonCoherentAtomSize := a.parentAllocator.deviceMemory.NonCoherentAtomSize()
		if allocationOffset%nonCoherentAtomSize != 0 {
			panic(fmt.Sprintf("the allocation has an invalid offset %d for non-coherent memory, which has an alignment of %d", allocationOffset, nonCoherentAtomSize))
		}

		return a.memory.FlushOrInvalidate(operation, allocationOffset+offset, size)
	}

	return errors.Newf("attempted a cache operation on an allocation with invalid type %s", a.allocationType.String())
}

func (a *Allocation) fillAllocation(pattern uint8) {
	if memutils.DebugMargin == 0 || !a.IsMappingAllowed() ||
		a.parentAllocator.deviceMemory.MemoryTypeProperties(a.memoryTypeIndex).Flags&backend.MemoryPropertyHostVisible == 0 {
		// Don't fill allocations that can't be filled, or if memory debugging is turned off
		return
	}

	data, err := a.Map()
	if err != nil {
		panic(fmt.Sprintf("failed when attempting to map memory during debug pattern fill: %+v", err))
	}

	dataSlice := ([]uint8)(unsafe.Slice((*uint8)(data), a.size))
	for i := 0; i < a.size; i++ {
		dataSlice[i] = pattern
	}
	err = a.flushOrInvalidate(0, -1, devmem.CacheOperationFlush)
	if err != nil {
		panic(fmt.Sprintf("failed when attempting to flush host cache during debug pattern fill: %+v", err))
	}

	err = a.Unmap()
	if err != nil {
		panic(fmt.Sprintf("failed when attempting to unmap memory during debug pattern fill: %+v", err))
	}
}

func (a *Allocation) nextDedicatedAlloc() *Allocation {
	if a.allocationType != allocationTypeDedicated {
		panic("attempted to get the next dedicated allocation in the linked list, but this is not a dedicated allocation")
	}
	return a.dedicatedData.nextAlloc
}

func (a *Allocation) setNext(alloc *Allocation) {
	if a.allocationType != allocationTypeDedicated {
		panic("attempted to set the next dedicated allocation in the linked list, but this is not a dedicated allocation")
	}

	a.dedicatedData.nextAlloc = alloc
}

func (a *Allocation) prevDedicatedAlloc() *Allocation {
	if a.allocationType != allocationTypeDedicated {
		panic("attempted to get the prev dedicated allocation in the linked list, but this is not a dedicated allocation")
	}

	return a.dedicatedData.prevAlloc
}

func (a *Allocation) setPrev(alloc *Allocation) {
	if a.allocationType != allocationTypeDedicated {
		panic("attempted to set the prev dedicated allocation in the linked list, but this is not a dedicated allocation")
	}

	a.dedicatedData.prevAlloc = alloc
}

// ParentPool retrieves the Pool this allocation was made from, or nil if it was allocated from
// the Allocator's default pools.
func (a *Allocation) ParentPool() *Pool {
	switch a.allocationType {
	case allocationTypeBlock:
		return a.blockData.block.parentPool
	case allocationTypeDedicated:
		return a.dedicatedData.parentPool
	}

	panic(fmt.Sprintf("invalid allocation type: %s", a.allocationType.String()))
}

// Free returns the allocation's memory to the allocator. Freeing an allocation that has already
// been lost is a harmless no-op.
func (a *Allocation) Free() error {
	a.parentAllocator.logger.Debug("Allocation::Free")

	return a.free()
}

func (a *Allocation) free() error {
	// Attempt to create a one-length slice for the provided alloc pointer
	allocSlice := unsafe.Slice(a, 1)
	return a.parentAllocator.multiFreeMemory(
		allocSlice,
	)
}

// swapBlockAllocation exchanges the backing memory of this allocation with alloc's, unmapping
// this allocation's old memory and remapping the new memory to the same reference count. The
// caller must hold this allocation's mapLock write lock.
func (a *Allocation) swapBlockAllocation(alloc *Allocation) error {
	if alloc == nil {
		panic("tried to swap blocks with a nil allocation")
	} else if a.allocationType != allocationTypeBlock {
		panic("tried to swap blocks but this is not a block allocation")
	} else if alloc.allocationType != allocationTypeBlock {
		panic(fmt.Sprintf("tried to swap blocks with a non-block allocation: %s", alloc.allocationType.String()))
	}

	mapCount := a.mapCount
	if mapCount > 0 {
		err := a.memory.Unmap(mapCount)
		if err != nil {
			return err
		}
	}

	err := a.blockData.block.metadata.SetAllocationUserData(a.blockData.handle, alloc)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when attempting to set current metadata during block swap: %+v", err))
	}
	a.blockData, alloc.blockData = alloc.blockData, a.blockData
	a.memory, alloc.memory = alloc.memory, a.memory
	err = a.blockData.block.metadata.SetAllocationUserData(a.blockData.handle, a)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when attempting to set new metadata during block swap: %+v", err))
	}

	if mapCount > 0 {
		_, err = a.memory.Map(mapCount)
		if err != nil {
			return err
		}
	}

	return nil
}
