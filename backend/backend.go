// Package backend defines the capability a device-memory sub-allocator needs from the device
// it is carving memory out of: whole-block allocation, mapping, cache maintenance, and
// block-to-block copies. Implementations are injected into the allocator at construction, which
// keeps the allocator itself independent of any particular device API. Mem, an in-memory
// implementation backed by real byte slices, ships with the package and doubles as the test
// backend.
package backend

import (
	"unsafe"

	"github.com/gravelmem/gravel/internal/utils"
)

// BlockHandle identifies a single device memory block returned from Backend.AllocBlock. Handles
// are opaque to the allocator and never reused within a single Backend instance.
type BlockHandle uint64

// NilBlock is the zero BlockHandle. No successful AllocBlock call returns it.
const NilBlock BlockHandle = 0

// MemoryPropertyFlags describes the capabilities of a single memory type
type MemoryPropertyFlags uint32

var memoryPropertyFlagsMapping = utils.NewFlagStringMapping[MemoryPropertyFlags]()

func (f MemoryPropertyFlags) Register(str string) {
	memoryPropertyFlagsMapping.Register(f, str)
}

func (f MemoryPropertyFlags) String() string {
	return memoryPropertyFlagsMapping.FlagsToString(f)
}

const (
	// MemoryPropertyDeviceLocal indicates memory that is fastest for the device to access. It may
	// not be visible to the host at all.
	MemoryPropertyDeviceLocal MemoryPropertyFlags = 1 << iota
	// MemoryPropertyHostVisible indicates memory that the host can map with Backend.Map
	MemoryPropertyHostVisible
	// MemoryPropertyHostCoherent indicates host-visible memory whose mapped writes are visible to
	// the device without Flush and whose device writes are visible to the host without Invalidate
	MemoryPropertyHostCoherent
	// MemoryPropertyHostCached indicates host-visible memory that is cached on the host. Reads
	// through a mapping are fast, but the memory may not be coherent.
	MemoryPropertyHostCached
	// MemoryPropertyLazilyAllocated indicates memory the device commits lazily as it is used. It
	// is never host-visible.
	MemoryPropertyLazilyAllocated
)

func init() {
	MemoryPropertyDeviceLocal.Register("DeviceLocal")
	MemoryPropertyHostVisible.Register("HostVisible")
	MemoryPropertyHostCoherent.Register("HostCoherent")
	MemoryPropertyHostCached.Register("HostCached")
	MemoryPropertyLazilyAllocated.Register("LazilyAllocated")
}

// MemoryHeapFlags describes a single memory heap
type MemoryHeapFlags uint32

var memoryHeapFlagsMapping = utils.NewFlagStringMapping[MemoryHeapFlags]()

func (f MemoryHeapFlags) Register(str string) {
	memoryHeapFlagsMapping.Register(f, str)
}

func (f MemoryHeapFlags) String() string {
	return memoryHeapFlagsMapping.FlagsToString(f)
}

const (
	// MemoryHeapDeviceLocal indicates that the heap corresponds to device-local memory
	MemoryHeapDeviceLocal MemoryHeapFlags = 1 << iota
	// MemoryHeapMultiInstance indicates that in a multi-device group, the heap has a per-device
	// replica and allocations from it are replicated by default
	MemoryHeapMultiInstance
)

func init() {
	MemoryHeapDeviceLocal.Register("DeviceLocal")
	MemoryHeapMultiInstance.Register("MultiInstance")
}

// MemoryType is a single way memory can be allocated from a heap, distinguished by the
// capabilities in Flags. Several memory types may share a heap.
type MemoryType struct {
	// HeapIndex is the index into DeviceProperties.MemoryHeaps of the heap this type draws from
	HeapIndex int
	Flags     MemoryPropertyFlags
}

// MemoryHeap is a single pool of physical memory with a fixed byte capacity
type MemoryHeap struct {
	// Size is the capacity of the heap in bytes
	Size  int
	Flags MemoryHeapFlags
}

// DeviceProperties is the one-time capability table a Backend exposes. It is queried once at
// allocator construction and must not change for the lifetime of the Backend.
type DeviceProperties struct {
	// MemoryTypes is the ordered table of memory types blocks can be allocated as
	MemoryTypes []MemoryType
	// MemoryHeaps is the ordered table of heaps the memory types draw from
	MemoryHeaps []MemoryHeap

	// BufferImageGranularity is the page size on which allocations of different resource
	// classes conflict. Must be a power of two.
	BufferImageGranularity int
	// NonCoherentAtomSize is the alignment that Flush and Invalidate ranges are expanded to on
	// non-host-coherent memory types. Must be a power of two.
	NonCoherentAtomSize int
	// MaxMemoryAllocationCount is the maximum number of simultaneously-live blocks the device
	// supports across all memory types
	MaxMemoryAllocationCount int
}

// Backend is the device-memory capability injected into the allocator. All methods must be safe
// for concurrent use.
//
// AllocBlock failures for capacity reasons should wrap memutils.ErrOutOfDeviceMemory so the
// allocator can fall back to smaller block sizes; any other failure is propagated to the caller
// wrapped in memutils.ErrBackendFailure.
type Backend interface {
	// Properties retrieves the backend's capability table. The result is treated as immutable.
	Properties() *DeviceProperties

	// AllocBlock allocates a single block of device memory of the provided memory type
	AllocBlock(memoryTypeIndex int, size int) (BlockHandle, error)
	// FreeBlock returns a block to the device. size must be the size the block was allocated
	// with.
	FreeBlock(handle BlockHandle, size int)

	// Map retrieves a host pointer to the start of a host-visible block's memory. Map may be
	// called multiple times per block; each call must be balanced by Unmap.
	Map(handle BlockHandle) (unsafe.Pointer, error)
	// Unmap releases one Map reference
	Unmap(handle BlockHandle)
	// Flush makes host writes to the provided range visible to the device. The range is
	// already expanded to NonCoherentAtomSize boundaries by the caller.
	Flush(handle BlockHandle, offset, size int) error
	// Invalidate makes device writes to the provided range visible to the host
	Invalidate(handle BlockHandle, offset, size int) error

	// Copy copies size bytes of device memory between two blocks, which may be the same block
	// as long as the ranges do not overlap
	Copy(src BlockHandle, srcOffset int, dst BlockHandle, dstOffset int, size int) error
}
