package gravel

import "github.com/gravelmem/gravel/internal/utils"

// AllocationCreateFlags exposes several options for allocation behavior that can be applied.
type AllocationCreateFlags int32

var allocationCreateFlagsMapping = utils.NewFlagStringMapping[AllocationCreateFlags]()

func (f AllocationCreateFlags) Register(str string) {
	allocationCreateFlagsMapping.Register(f, str)
}
func (f AllocationCreateFlags) String() string {
	return allocationCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocationCreateDedicatedMemory instructs the allocator to give this allocation its own memory block
	AllocationCreateDedicatedMemory AllocationCreateFlags = 1 << iota
	// AllocationCreateNeverAllocate instructs the allocator to only try to allocate from existing
	// memory blocks and never create new blocks
	//
	// If a new allocation cannot be placed in any of the existing blocks, allocation fails with
	// memutils.ErrOutOfDeviceMemory
	AllocationCreateNeverAllocate
	// AllocationCreateMapped instructs the allocator to use memory that will be persistently mapped
	// and retrieve a pointer to it
	//
	// It is valid to use this flag for an allocation made from a memory type that is not HostVisible.
	// This flag is then ignored and the memory is not mapped. This is useful if you need an allocation
	// that is efficient to use on the device and want to map it if possible on platforms that
	// support it (i.e. integrated memory).
	AllocationCreateMapped
	// AllocationCreateUpperAddress will instruct the allocator to create the allocation from the upper
	// stack in a double stack pool. This flag is only allowed for custom pools created with the
	// PoolCreateLinearAlgorithm flag
	AllocationCreateUpperAddress
	// AllocationCreateWithinBudget instructs the allocator to only create the allocation if additional
	// device memory required for it won't exceed the memory budget. Otherwise, return
	// memutils.ErrOutOfDeviceMemory
	AllocationCreateWithinBudget
	// AllocationCreateHostAccessSequentialWrite requests the possibility to map the allocation
	//
	// If you use MemoryUsageAuto* you must use this flag to be able to map the allocation. If
	// you use other values of MemoryUsage, this flag is ignored and mapping is always possible
	// in memory types that are HostVisible. This includes allocations created in custom memory pools.
	//
	// This declares that mapped memory will only be written sequentially, never read or accessed randomly,
	// so a memory type can be selected that is uncached and write-combined. Violating this restriction
	// may or may not work correctly, but will likely be very slow
	AllocationCreateHostAccessSequentialWrite
	// AllocationCreateHostAccessRandom requests the possibility to map the allocation
	//
	// This declares that mapped memory can be read, written, and accessed in random order, so a HostCached
	// memory type is required.
	AllocationCreateHostAccessRandom
	// AllocationCreateHostAccessAllowTransferInstead combines with AllocationCreateHostAccessSequentialWrite
	// or AllocationCreateHostAccessRandom to indicate that despite request for host access, a non-HostVisible
	// memory type can be selected if it may improve performance.
	//
	// By using this flag, you declare that you will check if the allocation ended up in a HostVisible memory
	// type and if not, you will route your reads and writes through a staging allocation and an explicit
	// Backend.Copy.
	AllocationCreateHostAccessAllowTransferInstead
	// AllocationCreateCanBecomeLost indicates that this allocation may be reclaimed by the allocator
	// when a later allocation cannot fit and carries AllocationCreateCanMakeOtherLost. An allocation
	// created with this flag must be refreshed with Allocation.Touch every epoch it is used; once it
	// expires and is reclaimed, accessing it returns memutils.ErrAllocationLost.
	AllocationCreateCanBecomeLost
	// AllocationCreateCanMakeOtherLost permits the allocator to reclaim expired allocations that were
	// created with AllocationCreateCanBecomeLost in order to satisfy this request when no free space
	// is available
	AllocationCreateCanMakeOtherLost
	// AllocationCreateStrategyMinMemory selects the allocation strategy that chooses the smallest-possible
	// free range for the allocation to minimize memory usage and fragmentation, possibly at the expense of
	// allocation time
	AllocationCreateStrategyMinMemory
	// AllocationCreateStrategyMinTime selects the allocation strategy that chooses the first suitable free
	// range for the allocation- not necessarily in terms of the smallest offset, but the one that is easiest
	// and fastest to find to minimize allocation time, possibly at the expense of allocation quality.
	AllocationCreateStrategyMinTime
	// AllocationCreateStrategyMinOffset selects the allocation strategy that chooses the lowest offset in
	// available space. This is not the most efficient strategy, but achieves highly packed data. Used internally
	// by defragmentation, not recommended in typical usage.
	AllocationCreateStrategyMinOffset
	// AllocationCreateStrategyMinFragmentation selects the allocation strategy that carves the
	// allocation out of the largest free range, keeping the remainders of the range usable for
	// later requests
	AllocationCreateStrategyMinFragmentation

	AllocationCreateStrategyMask = AllocationCreateStrategyMinMemory |
		AllocationCreateStrategyMinTime |
		AllocationCreateStrategyMinOffset |
		AllocationCreateStrategyMinFragmentation
)

func init() {
	AllocationCreateDedicatedMemory.Register("AllocationCreateDedicatedMemory")
	AllocationCreateNeverAllocate.Register("AllocationCreateNeverAllocate")
	AllocationCreateMapped.Register("AllocationCreateMapped")
	AllocationCreateUpperAddress.Register("AllocationCreateUpperAddress")
	AllocationCreateWithinBudget.Register("AllocationCreateWithinBudget")
	AllocationCreateHostAccessSequentialWrite.Register("AllocationCreateHostAccessSequentialWrite")
	AllocationCreateHostAccessRandom.Register("AllocationCreateHostAccessRandom")
	AllocationCreateHostAccessAllowTransferInstead.Register("AllocationCreateHostAccessAllowTransferInstead")
	AllocationCreateCanBecomeLost.Register("AllocationCreateCanBecomeLost")
	AllocationCreateCanMakeOtherLost.Register("AllocationCreateCanMakeOtherLost")
	AllocationCreateStrategyMinMemory.Register("AllocationCreateStrategyMinMemory")
	AllocationCreateStrategyMinTime.Register("AllocationCreateStrategyMinTime")
	AllocationCreateStrategyMinOffset.Register("AllocationCreateStrategyMinOffset")
	AllocationCreateStrategyMinFragmentation.Register("AllocationCreateStrategyMinFragmentation")
}
