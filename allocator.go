package gravel

import (
	"log/slog"
	"math"
	"math/bits"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/gravelmem/gravel/backend"
	"github.com/gravelmem/gravel/internal/devmem"
	"github.com/gravelmem/gravel/internal/utils"
	"github.com/gravelmem/gravel/memutils"
)

// Budget describes the current memory traffic and limits of a single memory heap.
type Budget = devmem.Budget

// AllocatorStatistics is a snapshot of an Allocator's memory usage, broken down by memory type
// and memory heap, produced by Allocator.CalculateStatistics.
type AllocatorStatistics struct {
	MemoryTypes [devmem.MaxMemoryTypes]memutils.DetailedStatistics
	MemoryHeaps [devmem.MaxMemoryHeaps]memutils.DetailedStatistics
	Total       memutils.DetailedStatistics
}

// Allocator is the root object of this library: it suballocates backend memory blocks into
// individual allocations on request. Allocators are created with New and should be cleaned
// up with Destroy once all of their allocations and pools have been returned.
type Allocator struct {
	useMutex bool
	logger   *slog.Logger
	backend  backend.Backend

	createFlags CreateFlags

	preferredLargeHeapBlockSize int
	globalMemoryTypeBits        uint32
	nextPoolId                  int
	poolsMutex                  utils.OptionalRWMutex
	pools                       *Pool

	// currentEpoch advances via SetCurrentEpoch and drives lost-allocation expiry
	currentEpoch    uint32
	epochInUseCount uint32

	deviceMemory         *devmem.DeviceMemoryProperties
	memoryBlockLists     [devmem.MaxMemoryTypes]*memoryBlockList
	dedicatedAllocations [devmem.MaxMemoryTypes]*dedicatedAllocationList
}

// CurrentEpoch retrieves the allocator's current epoch, set with SetCurrentEpoch.
func (a *Allocator) CurrentEpoch() uint32 {
	return atomic.LoadUint32(&a.currentEpoch)
}

// SetCurrentEpoch advances (or rewinds) the allocator's epoch counter. Allocations created with
// AllocationCreateCanBecomeLost expire once they have not been touched for more than
// CreateOptions.EpochInUseCount epochs, at which point an allocation made with
// AllocationCreateCanMakeOtherLost may reclaim their space. A typical consumer calls this once
// per frame or work cycle with an increasing value.
func (a *Allocator) SetCurrentEpoch(epoch uint32) {
	if epoch == epochLost {
		panic("the maximum uint32 value is reserved and cannot be used as an epoch")
	}
	atomic.StoreUint32(&a.currentEpoch, epoch)
}

// AdvanceEpoch increments the allocator's epoch counter by one, as a convenience for consumers
// that do not track their own frame index.
func (a *Allocator) AdvanceEpoch() {
	epoch := atomic.AddUint32(&a.currentEpoch, 1)
	if epoch == epochLost {
		panic("the allocator's epoch counter has overflowed")
	}
}

func (a *Allocator) calcAllocationParams(
	o *AllocationCreateInfo,
	requiresDedicatedAllocation bool,
) error {
	hostAccessFlags := o.Flags & (AllocationCreateHostAccessSequentialWrite | AllocationCreateHostAccessRandom)
	if hostAccessFlags == (AllocationCreateHostAccessSequentialWrite | AllocationCreateHostAccessRandom) {
		return errors.New("AllocationCreateHostAccessSequentialWrite and AllocationCreateHostAccessRandom cannot both be specified")
	}

	if hostAccessFlags == 0 && (o.Flags&AllocationCreateHostAccessAllowTransferInstead) != 0 {
		return errors.New("if AllocationCreateHostAccessAllowTransferInstead is specified, " +
			"either AllocationCreateHostAccessSequentialWrite or AllocationCreateHostAccessRandom must be specified as well")
	}

	if o.Usage == MemoryUsageAuto || o.Usage == MemoryUsageAutoPreferDevice || o.Usage == MemoryUsageAutoPreferHost {
		if hostAccessFlags == 0 && o.Flags&AllocationCreateMapped != 0 {
			return errors.New("when using MemoryUsageAuto* with AllocationCreateMapped, either " +
				"AllocationCreateHostAccessSequentialWrite or AllocationCreateHostAccessRandom must be specified as well")
		}
	}

	// Lazily-allocated memory requires dedicated allocations
	if requiresDedicatedAllocation || o.Usage == MemoryUsageGpuLazilyAllocated {
		o.Flags |= AllocationCreateDedicatedMemory
	}

	if o.Pool != nil {
		if o.Pool.blockList.HasExplicitBlockSize() && o.Flags&AllocationCreateDedicatedMemory != 0 {
			return errors.New("specified AllocationCreateDedicatedMemory with a pool that does not support it")
		}

		o.Priority = o.Pool.blockList.priority
	}

	if o.Flags&AllocationCreateDedicatedMemory != 0 && o.Flags&AllocationCreateNeverAllocate != 0 {
		return errors.New("AllocationCreateDedicatedMemory and AllocationCreateNeverAllocate cannot be specified together")
	}

	if o.Flags&AllocationCreateCanBecomeLost != 0 {
		if o.Flags&AllocationCreateDedicatedMemory != 0 {
			return errors.New("AllocationCreateCanBecomeLost and AllocationCreateDedicatedMemory cannot be specified together")
		}
		if o.Flags&AllocationCreateMapped != 0 {
			return errors.New("AllocationCreateCanBecomeLost and AllocationCreateMapped cannot be specified together")
		}
	}

	if o.Usage != MemoryUsageAuto && o.Usage != MemoryUsageAutoPreferDevice && o.Usage != MemoryUsageAutoPreferHost {
		if hostAccessFlags == 0 {
			o.Flags |= AllocationCreateHostAccessRandom
		}
	}

	return nil
}

func (a *Allocator) findMemoryPreferences(
	o *AllocationCreateInfo,
) (requiredFlags, preferredFlags, notPreferredFlags backend.MemoryPropertyFlags) {
	requiredFlags = o.RequiredFlags
	preferredFlags = o.PreferredFlags
	notPreferredFlags = 0

	switch o.Usage {
	case MemoryUsageGpuLazilyAllocated:
		requiredFlags |= backend.MemoryPropertyLazilyAllocated
	case MemoryUsageGpuOnly:
		preferredFlags |= backend.MemoryPropertyDeviceLocal
	case MemoryUsageCpuOnly:
		requiredFlags |= backend.MemoryPropertyHostVisible | backend.MemoryPropertyHostCoherent
	case MemoryUsageCpuToGpu:
		requiredFlags |= backend.MemoryPropertyHostVisible
		preferredFlags |= backend.MemoryPropertyDeviceLocal
	case MemoryUsageGpuToCpu:
		requiredFlags |= backend.MemoryPropertyHostVisible
		preferredFlags |= backend.MemoryPropertyHostCached
	case MemoryUsageAuto, MemoryUsageAutoPreferDevice, MemoryUsageAutoPreferHost:
		hostAccessSequentialWrite := o.Flags&AllocationCreateHostAccessSequentialWrite != 0
		hostAccessRandom := o.Flags&AllocationCreateHostAccessRandom != 0
		hostAccessAllowTransferInstead := o.Flags&AllocationCreateHostAccessAllowTransferInstead != 0
		preferDevice := o.Usage == MemoryUsageAutoPreferDevice
		preferHost := o.Usage == MemoryUsageAutoPreferHost

		if hostAccessRandom && hostAccessAllowTransferInstead && !preferHost {
			// CPU-accessible memory that should live on the device
			// Prefer DeviceLocal, HostVisible would be nice but not as important so omitted
			preferredFlags |= backend.MemoryPropertyDeviceLocal | backend.MemoryPropertyHostCached
		} else if hostAccessRandom {
			// Other CPU-accessible memory
			requiredFlags |= backend.MemoryPropertyHostVisible | backend.MemoryPropertyHostCached
		} else if hostAccessSequentialWrite {
			// Uncached write-combined memory
			notPreferredFlags |= backend.MemoryPropertyHostCached

			if hostAccessAllowTransferInstead && !preferHost {
				// Sequential write against memory that lives on the device, transfers are allowed so it
				// doesn't have to be host visible
				preferredFlags |= backend.MemoryPropertyDeviceLocal | backend.MemoryPropertyHostVisible
			} else {
				// CPU must have write access
				requiredFlags |= backend.MemoryPropertyHostVisible

				if preferHost {
					// User requested CPU memory so make it CPU memory
					notPreferredFlags |= backend.MemoryPropertyDeviceLocal
				} else {
					preferredFlags |= backend.MemoryPropertyDeviceLocal
				}
			}
		} else {
			// No CPU access required, but if user asked for CPU give them CPU
			if preferHost {
				notPreferredFlags |= backend.MemoryPropertyDeviceLocal
			} else {
				preferredFlags |= backend.MemoryPropertyDeviceLocal
			}
		}
		_ = preferDevice
	}

	return requiredFlags, preferredFlags, notPreferredFlags
}

// FindMemoryTypeIndex locates the memory type index that best matches the provided
// AllocationCreateInfo for an allocation permitted to live in the memory types named by
// memoryTypeBits. A memoryTypeBits of 0 permits every memory type.
func (a *Allocator) FindMemoryTypeIndex(
	memoryTypeBits uint32,
	o AllocationCreateInfo,
) (int, error) {
	a.logger.Debug("Allocator::FindMemoryTypeIndex")

	return a.findMemoryTypeIndex(memoryTypeBits, &o)
}

func (a *Allocator) findMemoryTypeIndex(
	memoryTypeBits uint32,
	o *AllocationCreateInfo,
) (int, error) {
	if memoryTypeBits == 0 {
		memoryTypeBits = math.MaxUint32
	}
	memoryTypeBits &= a.globalMemoryTypeBits
	if o.MemoryTypeBits != 0 {
		memoryTypeBits &= o.MemoryTypeBits
	}

	requiredFlags, preferredFlags, notPreferredFlags := a.findMemoryPreferences(o)

	bestMemoryTypeIndex := -1
	minCost := math.MaxInt

	for memTypeIndex := 0; memTypeIndex < a.deviceMemory.MemoryTypeCount(); memTypeIndex++ {
		memTypeBit := uint32(1 << memTypeIndex)

		if memTypeBit&memoryTypeBits == 0 {
			// This memory type is banned by the bitmask
			continue
		}

		flags := a.deviceMemory.MemoryTypeProperties(memTypeIndex).Flags
		if requiredFlags&flags != requiredFlags {
			// This memory type is missing required flags
			continue
		}

		missingPreferredFlags := preferredFlags & ^flags
		presentNotPreferredFlags := notPreferredFlags & flags
		cost := bits.OnesCount32(uint32(missingPreferredFlags)) + bits.OnesCount32(uint32(presentNotPreferredFlags))
		if cost == 0 {
			return memTypeIndex, nil
		} else if cost < minCost {
			bestMemoryTypeIndex = memTypeIndex
			minCost = cost
		}
	}

	if bestMemoryTypeIndex < 0 {
		return -1, errors.Wrapf(memutils.ErrInvalidArgument, "no memory type could be found with the required flags %s", requiredFlags.String())
	}

	return bestMemoryTypeIndex, nil
}

func (a *Allocator) calculateMemoryTypeParameters(
	options *AllocationCreateInfo,
	memoryTypeIndex int,
	size int,
	allocationCount int,
) error {
	// If memory type is not host-visible, disable Mapped
	if options.Flags&AllocationCreateMapped != 0 &&
		a.deviceMemory.MemoryTypeProperties(memoryTypeIndex).Flags&backend.MemoryPropertyHostVisible == 0 {
		options.Flags &= ^AllocationCreateMapped
	}

	// Check budget if appropriate
	if options.Flags&AllocationCreateDedicatedMemory != 0 &&
		options.Flags&AllocationCreateWithinBudget != 0 {
		heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex)

		var budget [1]Budget
		a.deviceMemory.HeapBudgets(heapIndex, budget[:])
		if budget[0].Usage+size*allocationCount > budget[0].Budget {
			return errors.Wrapf(memutils.ErrOutOfDeviceMemory, "a dedicated allocation of %d bytes would exceed the heap budget", size*allocationCount)
		}
	}

	return nil
}

func (a *Allocator) allocateDedicatedMemoryPage(
	pool *Pool,
	size int,
	suballocationType SuballocationType,
	memoryTypeIndex int,
	doMap, isMappingAllowed bool,
	userData any,
	alloc *Allocation,
) (err error) {
	mem, err := a.deviceMemory.AllocateMemory(memoryTypeIndex, size)
	if err != nil {
		a.logger.Debug("    Allocator::allocateDedicatedMemoryPage FAILED")
		return err
	}
	defer func() {
		if err != nil {
			a.logger.Debug("    Allocator::allocateDedicatedMemoryPage FAILED")
			a.deviceMemory.FreeMemory(memoryTypeIndex, size, mem)
		}
	}()

	if doMap {
		// Set up our persistent map
		_, err = mem.Map(1)
		if err != nil {
			return err
		}
	}

	alloc.init(a, isMappingAllowed, false)
	alloc.initDedicatedAllocation(pool, memoryTypeIndex, mem, suballocationType, size)

	userDataStr, ok := userData.(string)
	if ok {
		alloc.SetName(userDataStr)
	} else {
		alloc.SetUserData(userData)
	}
	a.deviceMemory.AddAllocation(a.deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex), size)

	if memutils.DebugMargin > 0 {
		alloc.fillAllocation(memutils.CreatedFillPattern)
	}

	return nil
}

func (a *Allocator) allocateDedicatedMemory(
	pool *Pool,
	size int,
	suballocationType SuballocationType,
	dedicatedAllocations *dedicatedAllocationList,
	memoryTypeIndex int,
	doMap, isMappingAllowed bool,
	userData any,
	allocations []Allocation,
) error {
	if len(allocations) == 0 {
		panic("called Allocator::allocateDedicatedMemory with empty allocation list")
	}

	var err error
	var allocIndex int
	for allocIndex = 0; allocIndex < len(allocations); allocIndex++ {
		err = a.allocateDedicatedMemoryPage(
			pool,
			size,
			suballocationType,
			memoryTypeIndex,
			doMap,
			isMappingAllowed,
			userData,
			&allocations[allocIndex],
		)
		if err != nil {
			break
		}
	}

	if err == nil {
		for registerIndex := 0; registerIndex < len(allocations); registerIndex++ {
			dedicatedAllocations.Register(&allocations[registerIndex])
		}

		a.logger.Debug("    Allocated DedicatedMemory", slog.Int("Count", len(allocations)), slog.Int("MemoryTypeIndex", memoryTypeIndex))

		return nil
	}

	// Clean up allocations after error
	for allocIndex > 0 {
		allocIndex--

		currentAlloc := &allocations[allocIndex]
		a.deviceMemory.FreeMemory(memoryTypeIndex, currentAlloc.Size(), currentAlloc.memory)
		a.deviceMemory.RemoveAllocation(a.deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex), currentAlloc.Size())
	}

	return err
}

func (a *Allocator) allocateMemoryOfType(
	pool *Pool,
	size int,
	alignment uint,
	dedicatedPreferred bool,
	createInfo *AllocationCreateInfo,
	memoryTypeIndex int,
	suballocationType SuballocationType,
	dedicatedAllocations *dedicatedAllocationList,
	blockAllocations *memoryBlockList,
	allocations []Allocation,
) error {
	if len(allocations) == 0 {
		panic("allocateMemoryOfType called with an empty list of target allocations")
	}
	if createInfo == nil {
		panic("allocateMemoryOfType called with a nil createInfo")
	}

	a.logger.Debug("Allocator::allocateMemoryOfType", slog.Int("MemoryTypeIndex", memoryTypeIndex), slog.Int("AllocationCount", len(allocations)), slog.Int("Size", size))

	finalCreateInfo := *createInfo

	err := a.calculateMemoryTypeParameters(&finalCreateInfo, memoryTypeIndex, size, len(allocations))
	if err != nil {
		return err
	}

	mappingAllowed := finalCreateInfo.Flags&(AllocationCreateHostAccessSequentialWrite|AllocationCreateHostAccessRandom) != 0

	if finalCreateInfo.Flags&AllocationCreateDedicatedMemory != 0 {
		return a.allocateDedicatedMemory(
			pool,
			size,
			suballocationType,
			dedicatedAllocations,
			memoryTypeIndex,
			finalCreateInfo.Flags&AllocationCreateMapped != 0,
			mappingAllowed,
			finalCreateInfo.UserData,
			allocations,
		)
	}

	canAllocateDedicated := finalCreateInfo.Flags&AllocationCreateNeverAllocate == 0 &&
		(pool == nil || !blockAllocations.HasExplicitBlockSize()) &&
		finalCreateInfo.Flags&AllocationCreateCanBecomeLost == 0

	if canAllocateDedicated {
		// Allocate dedicated memory if requested size is more than half of preferred block size
		if size > blockAllocations.PreferredBlockSize()/2 {
			dedicatedPreferred = true
		}

		// We don't want to create all allocations as dedicated when we're near maximum size, so don't prefer
		// allocations when we're nearing the maximum number of allocations
		if a.deviceMemory.MaxMemoryAllocationCount() < math.MaxUint32/4 &&
			int(a.deviceMemory.AllocationCount()) > a.deviceMemory.MaxMemoryAllocationCount()*3/4 {
			dedicatedPreferred = false
		}

		if dedicatedPreferred {
			err = a.allocateDedicatedMemory(
				pool,
				size,
				suballocationType,
				dedicatedAllocations,
				memoryTypeIndex,
				finalCreateInfo.Flags&AllocationCreateMapped != 0,
				mappingAllowed,
				finalCreateInfo.UserData,
				allocations,
			)
			if err == nil {
				a.logger.Debug("  Allocated as DedicatedMemory")
				return nil
			}
		}
	}

	err = blockAllocations.Allocate(
		size,
		alignment,
		&finalCreateInfo,
		suballocationType,
		allocations,
	)
	if err == nil {
		return nil
	}

	// Try dedicated memory
	if canAllocateDedicated && !dedicatedPreferred {
		dedicatedErr := a.allocateDedicatedMemory(
			pool,
			size,
			suballocationType,
			dedicatedAllocations,
			memoryTypeIndex,
			finalCreateInfo.Flags&AllocationCreateMapped != 0,
			mappingAllowed,
			finalCreateInfo.UserData,
			allocations,
		)
		if dedicatedErr == nil {
			a.logger.Debug("  Allocated as DedicatedMemory")
			return nil
		}
	}

	a.logger.Debug("  AllocateMemory FAILED")
	return err
}

func (a *Allocator) multiAllocateMemory(
	memoryRequirements *MemoryRequirements,
	options *AllocationCreateInfo,
	suballocType SuballocationType,
	outAllocations []Allocation,
) error {
	err := memutils.CheckPow2(memoryRequirements.Alignment, "MemoryRequirements.Alignment")
	if err != nil {
		return err
	}

	if memoryRequirements.Size < 1 {
		return errors.Wrap(memutils.ErrInvalidArgument, "provided memory requirement size was not a positive integer")
	}

	err = a.calcAllocationParams(options, false)
	if err != nil {
		return err
	}

	if options.Pool != nil {
		return a.allocateMemoryOfType(
			options.Pool,
			memoryRequirements.Size,
			memoryRequirements.Alignment,
			false,
			options,
			options.Pool.blockList.memoryTypeIndex,
			suballocType,
			&options.Pool.dedicatedAllocations,
			&options.Pool.blockList,
			outAllocations,
		)
	}

	memoryBits := memoryRequirements.MemoryTypeBits
	memoryTypeIndex, err := a.findMemoryTypeIndex(memoryBits, options)
	if err != nil {
		return err
	}

	for {
		blockList := a.memoryBlockLists[memoryTypeIndex]
		if blockList == nil {
			return errors.Newf("attempted to allocate from unsupported memory type index %d", memoryTypeIndex)
		}

		err = a.allocateMemoryOfType(
			nil,
			memoryRequirements.Size,
			memoryRequirements.Alignment,
			false,
			options,
			memoryTypeIndex,
			suballocType,
			a.dedicatedAllocations[memoryTypeIndex],
			blockList,
			outAllocations,
		)
		if err == nil {
			return nil
		}

		// Only memory pressure justifies moving on to a worse memory type- other failures are final
		if !errors.Is(err, memutils.ErrOutOfDeviceMemory) && !errors.Is(err, memutils.ErrTooFragmented) {
			return err
		}

		// Remove memory type index from possibilities
		if memoryBits == 0 {
			memoryBits = math.MaxUint32
		}
		memoryBits &= ^(uint32(1) << memoryTypeIndex)
		// Find a new memory type index
		memoryTypeIndex, err = a.findMemoryTypeIndex(memoryBits, options)
		if err != nil {
			return errors.Wrapf(memutils.ErrOutOfDeviceMemory, "all compatible memory types have been exhausted for an allocation of %d bytes", memoryRequirements.Size)
		}
	}
}

// AllocateMemory allocates device memory matching the provided MemoryRequirements and populates
// outAlloc with it.
func (a *Allocator) AllocateMemory(memoryRequirements *MemoryRequirements, o AllocationCreateInfo, outAlloc *Allocation) error {
	a.logger.Debug("Allocator::AllocateMemory")

	if outAlloc == nil {
		return errors.New("attempted to allocate into a nil allocation")
	} else if memoryRequirements == nil {
		return errors.New("attempted to allocate with nil memory requirements")
	}

	// Attempt to create a one-length slice for the provided alloc pointer
	outAllocSlice := unsafe.Slice(outAlloc, 1)
	return a.multiAllocateMemory(
		memoryRequirements,
		&o,
		SuballocationUnknown,
		outAllocSlice,
	)
}

// AllocateMemoryPages allocates one page of device memory per entry in the allocations slice,
// each matching the provided MemoryRequirements. The batch is atomic: if any page fails to
// allocate, the pages that had already succeeded are freed and the whole call fails.
func (a *Allocator) AllocateMemoryPages(memoryRequirements *MemoryRequirements, o AllocationCreateInfo, allocations []Allocation) error {
	a.logger.Debug("Allocator::AllocateMemoryPages")

	if memoryRequirements == nil {
		return errors.New("attempt to allocate with nil memory requirements")
	}

	if len(allocations) == 0 {
		return nil
	}

	return a.multiAllocateMemory(
		memoryRequirements,
		&o,
		SuballocationUnknown,
		allocations,
	)
}

// FreeMemoryPages returns a batch of allocations to the allocator in a single call.
// FreeMemory returns a single allocation's memory to the allocator, equivalent to
// Allocation.Free.
func (a *Allocator) FreeMemory(alloc *Allocation) error {
	a.logger.Debug("Allocator::FreeMemory")

	if alloc == nil {
		return errors.Wrap(memutils.ErrInvalidArgument, "attempted to free a nil allocation")
	}

	return a.multiFreeMemory(unsafe.Slice(alloc, 1))
}

func (a *Allocator) FreeMemoryPages(allocations []Allocation) error {
	a.logger.Debug("Allocator::FreeMemoryPages")

	return a.multiFreeMemory(allocations)
}

func (a *Allocator) multiFreeMemory(allocations []Allocation) error {
	for allocIndex := 0; allocIndex < len(allocations); allocIndex++ {
		alloc := &allocations[allocIndex]

		if alloc.allocationType == allocationTypeNone {
			continue
		}

		// A lost allocation's memory has already been reclaimed
		if alloc.IsLost() {
			continue
		}

		alloc.fillAllocation(memutils.DestroyedFillPattern)

		switch alloc.allocationType {
		case allocationTypeBlock:
			memutils.DebugValidate(alloc.blockData.block)
			blockList := a.blockListForAllocation(alloc)
			err := blockList.Free(alloc)
			if err != nil {
				return err
			}
		case allocationTypeDedicated:
			err := a.freeDedicatedMemory(alloc)
			if err != nil {
				return err
			}
		default:
			panic("attempted to free an allocation with an invalid type")
		}
	}

	return nil
}

func (a *Allocator) blockListForAllocation(alloc *Allocation) *memoryBlockList {
	parentPool := alloc.blockData.block.parentPool
	if parentPool != nil {
		return &parentPool.blockList
	}

	return a.memoryBlockLists[alloc.memoryTypeIndex]
}

func (a *Allocator) freeDedicatedMemory(alloc *Allocation) error {
	if alloc == nil {
		return errors.New("attempted to free nil allocation")
	} else if alloc.allocationType != allocationTypeDedicated {
		return errors.New("attempted to free dedicated memory for a non-dedicated allocation")
	}

	memoryTypeIndex := alloc.MemoryTypeIndex()
	heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex)

	parentPool := alloc.dedicatedData.parentPool
	if parentPool == nil {
		// Default pool
		a.dedicatedAllocations[memoryTypeIndex].Unregister(alloc)
	} else {
		// Custom pool
		parentPool.dedicatedAllocations.Unregister(alloc)
	}

	a.deviceMemory.FreeMemory(memoryTypeIndex, alloc.Size(), alloc.memory)

	a.deviceMemory.RemoveAllocation(heapIndex, alloc.Size())

	return nil
}

// CalculateStatistics populates an AllocatorStatistics object with a full walk of this
// allocator's memory. This is a slow call that takes several locks, so it is best used for
// debugging or profiling purposes.
func (a *Allocator) CalculateStatistics(stats *AllocatorStatistics) {
	a.logger.Debug("Allocator::CalculateStatistics")

	if stats == nil {
		panic("attempted to calculate statistics into a nil AllocatorStatistics")
	}

	for typeIndex := 0; typeIndex < devmem.MaxMemoryTypes; typeIndex++ {
		stats.MemoryTypes[typeIndex].Clear()
	}
	for heapIndex := 0; heapIndex < devmem.MaxMemoryHeaps; heapIndex++ {
		stats.MemoryHeaps[heapIndex].Clear()
	}
	stats.Total.Clear()

	// Default pools
	for typeIndex := 0; typeIndex < a.deviceMemory.MemoryTypeCount(); typeIndex++ {
		blockList := a.memoryBlockLists[typeIndex]
		if blockList != nil {
			blockList.AddDetailedStatistics(&stats.MemoryTypes[typeIndex])
		}
	}

	// Custom pools
	func() {
		a.poolsMutex.RLock()
		defer a.poolsMutex.RUnlock()

		for pool := a.pools; pool != nil; pool = pool.next {
			memoryTypeIndex := pool.blockList.memoryTypeIndex
			pool.blockList.AddDetailedStatistics(&stats.MemoryTypes[memoryTypeIndex])
			pool.dedicatedAllocations.AddDetailedStatistics(&stats.MemoryTypes[memoryTypeIndex])
		}
	}()

	// Dedicated allocations
	for typeIndex := 0; typeIndex < a.deviceMemory.MemoryTypeCount(); typeIndex++ {
		dedicatedList := a.dedicatedAllocations[typeIndex]
		if dedicatedList != nil {
			dedicatedList.AddDetailedStatistics(&stats.MemoryTypes[typeIndex])
		}
	}

	// Sum up into heaps & total
	for typeIndex := 0; typeIndex < a.deviceMemory.MemoryTypeCount(); typeIndex++ {
		heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(typeIndex)
		stats.MemoryHeaps[heapIndex].AddDetailedStatistics(&stats.MemoryTypes[typeIndex])
	}
	for heapIndex := 0; heapIndex < a.deviceMemory.MemoryHeapCount(); heapIndex++ {
		stats.Total.AddDetailedStatistics(&stats.MemoryHeaps[heapIndex])
	}
}

// HeapBudgets populates the provided slice with the current usage and budget of each memory
// heap, beginning with heap 0. Extra entries beyond the heap count are left untouched.
func (a *Allocator) HeapBudgets(budgets []Budget) {
	a.logger.Debug("Allocator::HeapBudgets")

	heapCount := a.deviceMemory.MemoryHeapCount()
	if len(budgets) < heapCount {
		heapCount = len(budgets)
	}

	a.deviceMemory.HeapBudgets(0, budgets[:heapCount])
}

// CheckCorruption scans the allocator's memory blocks in the memory types named by
// memoryTypeBits for debug-margin corruption. It returns memutils.ErrInvalidArgument if
// corruption detection is not possible (for instance, when not built with margins enabled).
func (a *Allocator) CheckCorruption(memoryTypeBits uint32) error {
	a.logger.Debug("Allocator::CheckCorruption")

	anySupported := false

	// Process default pools
	for memoryTypeIndex := 0; memoryTypeIndex < a.deviceMemory.MemoryTypeCount(); memoryTypeIndex++ {
		list := a.memoryBlockLists[memoryTypeIndex]
		if list == nil || (uint32(1)<<memoryTypeIndex)&memoryTypeBits == 0 {
			continue
		}

		err := list.CheckCorruption()
		if errors.Is(err, memutils.ErrInvalidArgument) {
			continue
		} else if err != nil {
			return err
		}

		anySupported = true
	}

	// Process custom pools
	err := func() error {
		a.poolsMutex.RLock()
		defer a.poolsMutex.RUnlock()

		for pool := a.pools; pool != nil; pool = pool.next {
			memBit := uint32(1) << pool.blockList.memoryTypeIndex
			if memBit&memoryTypeBits == 0 {
				continue
			}

			err := pool.blockList.CheckCorruption()
			if errors.Is(err, memutils.ErrInvalidArgument) {
				continue
			} else if err != nil {
				return err
			}

			anySupported = true
		}

		return nil
	}()
	if err != nil {
		return err
	}

	if !anySupported {
		return errors.Wrap(memutils.ErrInvalidArgument, "corruption detection is not enabled for any requested memory type")
	}

	return nil
}

// CreatePool creates a new custom memory Pool from the provided PoolCreateInfo.
func (a *Allocator) CreatePool(createInfo PoolCreateInfo) (*Pool, error) {
	a.logger.Debug("Allocator::CreatePool",
		slog.Int("MemoryTypeIndex", createInfo.MemoryTypeIndex),
		slog.String("Flags", createInfo.Flags.String()),
	)

	if createInfo.MaxBlockCount == 0 {
		createInfo.MaxBlockCount = math.MaxInt
	}
	if createInfo.MinBlockCount > createInfo.MaxBlockCount {
		return nil, errors.Newf("provided MinBlockCount %d was greater than provided MaxBlockCount %d", createInfo.MinBlockCount, createInfo.MaxBlockCount)
	}

	memTypeBits := uint32(1) << createInfo.MemoryTypeIndex
	if createInfo.MemoryTypeIndex >= a.deviceMemory.MemoryTypeCount() || memTypeBits&a.globalMemoryTypeBits == 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument, "memory type index %d is not usable by this allocator", createInfo.MemoryTypeIndex)
	}

	if createInfo.MinAllocationAlignment > 0 {
		err := memutils.CheckPow2(createInfo.MinAllocationAlignment, "createInfo.MinAllocationAlignment")
		if err != nil {
			return nil, err
		}
	}

	preferredBlockSize := a.calculatePreferredBlockSize(createInfo.MemoryTypeIndex)

	pool := &Pool{
		logger:          a.logger,
		parentAllocator: a,
	}
	pool.dedicatedAllocations.Init(a.useMutex)

	blockSize := preferredBlockSize
	if createInfo.BlockSize != 0 {
		blockSize = createInfo.BlockSize
	}
	bufferImageGranularity := 1
	if createInfo.Flags&PoolCreateIgnoreBufferImageGranularity == 0 {
		bufferImageGranularity = a.deviceMemory.BufferImageGranularity()
	}

	alignment := a.deviceMemory.MemoryTypeMinimumAlignment(createInfo.MemoryTypeIndex)
	if createInfo.MinAllocationAlignment > alignment {
		alignment = createInfo.MinAllocationAlignment
	}

	pool.blockList.Init(
		a.useMutex,
		a,
		pool,
		createInfo.MemoryTypeIndex,
		blockSize,
		createInfo.MinBlockCount,
		createInfo.MaxBlockCount,
		bufferImageGranularity,
		createInfo.BlockSize != 0,
		createInfo.Flags&PoolCreateAlgorithmMask,
		createInfo.Priority,
		alignment,
	)

	err := pool.blockList.CreateMinBlocks()
	if err != nil {
		destroyErr := pool.Destroy()
		if destroyErr != nil {
			a.logger.Error("error attempting to destroy pool after creation failure", slog.Any("error", destroyErr))
		}
		return nil, err
	}

	a.poolsMutex.Lock()
	defer a.poolsMutex.Unlock()

	a.nextPoolId++
	err = pool.SetID(a.nextPoolId)
	if err != nil {
		destroyErr := pool.destroyAfterLock()
		if destroyErr != nil {
			a.logger.Error("error attempting to destroy pool after failing to set id", slog.Any("error", destroyErr))
		}

		return nil, err
	}
	pool.next = a.pools
	if a.pools != nil {
		a.pools.prev = pool
	}
	a.pools = pool

	return pool, nil
}

// BeginDefragmentation populates a DefragmentationContext for a defragmentation run against
// this allocator (or a single custom pool, when DefragmentationInfo.Pool is set).
func (a *Allocator) BeginDefragmentation(o DefragmentationInfo, outContext *DefragmentationContext) error {
	a.logger.Debug("Allocator::BeginDefragmentation")

	if outContext == nil {
		return errors.New("attempted to begin defragmentation with a nil context")
	}

	algorithm := o.Flags & DefragmentationFlagAlgorithmMask
	if algorithm&(algorithm-1) != 0 {
		return errors.Wrap(memutils.ErrInvalidArgument, "only one defragmentation algorithm may be specified")
	}

	if o.Pool != nil {
		if o.Pool.blockList.algorithm != 0 {
			return errors.Wrapf(memutils.ErrInvalidArgument, "pools using the %s algorithm cannot be defragmented", o.Pool.blockList.algorithm.String())
		}
		outContext.initForPool(o.Pool, &o)
	} else {
		outContext.initForAllocator(a, &o)
	}

	return nil
}

// Destroy cleans up the allocator. All allocations and pools created from this allocator must
// be freed before it is destroyed, or this method will fail.
func (a *Allocator) Destroy() error {
	a.logger.Debug("Allocator::Destroy")

	a.poolsMutex.Lock()
	defer a.poolsMutex.Unlock()

	if a.pools != nil {
		return errors.New("attempted to destroy an allocator with undestroyed custom pools")
	}

	for typeIndex := 0; typeIndex < a.deviceMemory.MemoryTypeCount(); typeIndex++ {
		dedicatedList := a.dedicatedAllocations[typeIndex]
		if dedicatedList != nil && !dedicatedList.IsEmpty() {
			return errors.Newf("the allocator still has unfreed dedicated allocations in memory type %d", typeIndex)
		}

		blockList := a.memoryBlockLists[typeIndex]
		if blockList == nil {
			continue
		}

		if !blockList.HasNoAllocations() {
			return errors.Newf("the allocator still has unfreed block allocations in memory type %d", typeIndex)
		}

		err := blockList.Destroy()
		if err != nil {
			return err
		}
	}

	return nil
}
