package gravel

import (
	"github.com/gravelmem/gravel/backend"
)

// MemoryUsage is an enum passed to the Usage field of AllocationCreateInfo to
// indicate how memory types are to be selected for the allocation in question.
type MemoryUsage uint32

const (
	// MemoryUsageUnknown indicates no intended memory usage was specified. When choosing a memory type,
	// the Allocator uses only the Required and Preferred flags specified in AllocationCreateInfo to
	// find an appropriate memory index and nothing else. Bear in mind that it is possible, in this case,
	// for the allocator to select a memory type that is not compatible with your AllocationCreateFlags
	// if you do not specify appropriate RequiredFlags/PreferredFlags. For instance, if
	// AllocationCreateFlags contains AllocationCreateMapped, but you do not specify HostVisible in your
	// RequiredFlags, then the allocation may fail when it attempts to map your new memory.
	MemoryUsageUnknown MemoryUsage = iota
	// MemoryUsageGpuOnly indicates memory that only the device will access. Prefers DeviceLocal
	// memory types.
	MemoryUsageGpuOnly
	// MemoryUsageCpuOnly indicates memory that the host will both read and write, and the device will
	// rarely touch. Requires a HostVisible and HostCoherent memory type.
	MemoryUsageCpuOnly
	// MemoryUsageCpuToGpu indicates memory that the host writes and the device reads, such as upload
	// and streaming traffic. Requires HostVisible, prefers DeviceLocal.
	MemoryUsageCpuToGpu
	// MemoryUsageGpuToCpu indicates memory that the device writes and the host reads back. Requires
	// HostVisible, prefers HostCached.
	MemoryUsageGpuToCpu
	// MemoryUsageGpuLazilyAllocated indicates lazily-committed device memory. Exists mostly on
	// mobile-class devices; using it on devices with no such memory type present will fail the
	// allocation.
	//
	// Allocations with this usage are always created as dedicated- it implies AllocationCreateDedicatedMemory
	MemoryUsageGpuLazilyAllocated
	// MemoryUsageAuto selects the best memory type automatically. This value is recommended for most
	// common use cases.
	//
	// When using this value, if you want to map the allocation, you must pass one of the flags
	// AllocationCreateHostAccessSequentialWrite or AllocationCreateHostAccessRandom in AllocationCreateInfo.Flags
	MemoryUsageAuto
	// MemoryUsageAutoPreferDevice selects the best memory type automatically with preference for
	// device-local memory. When using this value, if you want to map the allocation, you must pass one
	// of the flags AllocationCreateHostAccessSequentialWrite or AllocationCreateHostAccessRandom in
	// AllocationCreateInfo.Flags
	MemoryUsageAutoPreferDevice
	// MemoryUsageAutoPreferHost selects the best memory type automatically with preference for
	// host (CPU) memory. When using this value, if you want to map the allocation, you must pass one
	// of the flags AllocationCreateHostAccessSequentialWrite or AllocationCreateHostAccessRandom in
	// AllocationCreateInfo.Flags
	MemoryUsageAutoPreferHost
)

var memoryUsageMapping = map[MemoryUsage]string{
	MemoryUsageUnknown:            "MemoryUsageUnknown",
	MemoryUsageGpuOnly:            "MemoryUsageGpuOnly",
	MemoryUsageCpuOnly:            "MemoryUsageCpuOnly",
	MemoryUsageCpuToGpu:           "MemoryUsageCpuToGpu",
	MemoryUsageGpuToCpu:           "MemoryUsageGpuToCpu",
	MemoryUsageGpuLazilyAllocated: "MemoryUsageGpuLazilyAllocated",
	MemoryUsageAuto:               "MemoryUsageAuto",
	MemoryUsageAutoPreferDevice:   "MemoryUsageAutoPreferDevice",
	MemoryUsageAutoPreferHost:     "MemoryUsageAutoPreferHost",
}

func (u MemoryUsage) String() string {
	str, ok := memoryUsageMapping[u]
	if !ok {
		return "unknown"
	}
	return str
}

// MemoryRequirements describes the memory a resource needs: its size, its minimum alignment, and
// the mask of memory types it can live in. A MemoryTypeBits of 0 permits all memory types.
type MemoryRequirements struct {
	Size           int
	Alignment      uint
	MemoryTypeBits uint32
}

// AllocationCreateInfo is an options struct that is used to define the specifics of a new
// allocation created by Allocator.AllocateMemory or Allocator.AllocateMemoryPages
type AllocationCreateInfo struct {
	// Flags is an AllocationCreateFlags value that describes the intended behavior of the
	// created Allocation
	Flags AllocationCreateFlags
	// Usage indicates how the new allocation will be used, allowing the allocator to decide what
	// memory type to use
	Usage MemoryUsage

	// RequiredFlags indicates what flags must be on the memory type. If no type with these flags can be found with
	// enough free memory, the allocation will fail
	RequiredFlags backend.MemoryPropertyFlags
	// PreferredFlags indicates a set of flags that should be on the memory type. Each specified flag is considered
	// equally important: that is, if two flags are specified and no memory type contains both, an arbitrary memory
	// type with one of the two will be chosen, if it exists.
	PreferredFlags backend.MemoryPropertyFlags

	// MemoryTypeBits is a bitmask of memory types that may be chosen for the requested allocation. If this is left
	// 0, all memory types are permitted.
	MemoryTypeBits uint32
	// Pool is the custom memory pool to allocate from. This is usually nil, in which case the memory will be
	// allocated directly from the Allocator.
	Pool *Pool

	// UserData is an arbitrary value that will be applied to the Allocation. Allocation.UserData() will return
	// this value after the allocation is complete. It's often helpful to place a resource object that ties the
	// Allocation to the consumer's world here.
	UserData interface{}
	// Priority is a priority value between 0 and 1 applied to the allocated memory. This only has
	// an effect for dedicated allocations, it is ignored for block allocations.
	Priority float32
}
