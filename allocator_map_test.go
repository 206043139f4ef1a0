package gravel

import (
	"io"
	"log/slog"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/gravelmem/gravel/backend"
	"github.com/gravelmem/gravel/memutils"
)

func TestMapMemory(t *testing.T) {
	_, allocator := readyAllocator(t, singleTypeSetup(
		backend.MemoryPropertyHostVisible|backend.MemoryPropertyHostCoherent, 1000000))

	var allocA, allocB Allocation
	require.NoError(t, allocator.AllocateMemory(&MemoryRequirements{
		Size:      1000,
		Alignment: 1,
	}, AllocationCreateInfo{Usage: MemoryUsageCpuOnly}, &allocA))
	require.NoError(t, allocator.AllocateMemory(&MemoryRequirements{
		Size:      1000,
		Alignment: 1,
	}, AllocationCreateInfo{Usage: MemoryUsageCpuOnly}, &allocB))

	// Both live in the same block, so their mapped regions must not overlap
	ptrA, err := allocA.Map()
	require.NoError(t, err)
	ptrB, err := allocB.Map()
	require.NoError(t, err)

	sliceA := unsafe.Slice((*byte)(ptrA), allocA.Size())
	sliceB := unsafe.Slice((*byte)(ptrB), allocB.Size())
	for i := range sliceA {
		sliceA[i] = 0xAA
	}
	for i := range sliceB {
		sliceB[i] = 0xBB
	}

	require.Equal(t, uint8(0xAA), sliceA[0])
	require.Equal(t, uint8(0xAA), sliceA[999])
	require.Equal(t, uint8(0xBB), sliceB[0])

	// Host-coherent memory needs no explicit cache maintenance, but the calls still succeed
	require.NoError(t, allocA.Flush(0, -1))
	require.NoError(t, allocA.Invalidate(0, -1))

	require.NoError(t, allocA.Unmap())
	require.NoError(t, allocB.Unmap())

	require.NoError(t, allocA.Free())
	require.NoError(t, allocB.Free())
	require.NoError(t, allocator.Destroy())
}

func TestMapNotAllowed(t *testing.T) {
	_, allocator := readyAllocator(t, singleTypeSetup(
		backend.MemoryPropertyHostVisible|backend.MemoryPropertyHostCoherent, 1000000))

	// MemoryUsageAuto without a host access flag produces an unmappable allocation even on
	// host-visible memory
	var allocation Allocation
	require.NoError(t, allocator.AllocateMemory(&MemoryRequirements{
		Size:      1000,
		Alignment: 1,
	}, AllocationCreateInfo{Usage: MemoryUsageAuto}, &allocation))

	require.False(t, allocation.IsMappingAllowed())
	_, err := allocation.Map()
	require.Error(t, err)

	require.NoError(t, allocation.Free())
	require.NoError(t, allocator.Destroy())
}

func TestPersistentMap(t *testing.T) {
	_, allocator := readyAllocator(t, singleTypeSetup(
		backend.MemoryPropertyHostVisible|backend.MemoryPropertyHostCoherent, 1000000))

	var allocation Allocation
	require.NoError(t, allocator.AllocateMemory(&MemoryRequirements{
		Size:      1000,
		Alignment: 1,
	}, AllocationCreateInfo{
		Usage: MemoryUsageCpuOnly,
		Flags: AllocationCreateMapped,
	}, &allocation))

	// The allocation is mapped for its whole lifetime- Map just hands back the pointer
	ptr, err := allocation.Map()
	require.NoError(t, err)
	require.NotNil(t, ptr)

	data := unsafe.Slice((*byte)(ptr), allocation.Size())
	data[0] = 0x42

	require.NoError(t, allocation.Unmap())

	// Freeing while persistently mapped releases the persistent reference too
	require.NoError(t, allocation.Free())
	require.NoError(t, allocator.Destroy())
}

type flakyMapBackend struct {
	*backend.Mem
	failNextMap bool
}

func (b *flakyMapBackend) Map(handle backend.BlockHandle) (unsafe.Pointer, error) {
	if b.failNextMap {
		b.failNextMap = false
		return nil, errors.New("transient mapping failure")
	}

	return b.Mem.Map(handle)
}

func TestMapFailureLeavesNoReference(t *testing.T) {
	mem, err := backend.NewMem(backend.DeviceProperties{
		MemoryTypes: []backend.MemoryType{
			{
				Flags:     backend.MemoryPropertyHostVisible | backend.MemoryPropertyHostCoherent,
				HeapIndex: 0,
			},
		},
		MemoryHeaps: []backend.MemoryHeap{
			{
				Size: 1000000,
			},
		},
		MaxMemoryAllocationCount: 4096,
	})
	require.NoError(t, err)
	bknd := &flakyMapBackend{Mem: mem}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	allocator, err := New(logger, bknd, CreateOptions{})
	require.NoError(t, err)

	var allocation Allocation
	require.NoError(t, allocator.AllocateMemory(&MemoryRequirements{
		Size:      1000,
		Alignment: 1,
	}, AllocationCreateInfo{Usage: MemoryUsageCpuOnly}, &allocation))

	// A failed map must not record a phantom reference, or later relocation bookkeeping will
	// try to release mappings that never existed
	bknd.failNextMap = true
	_, err = allocation.Map()
	require.Error(t, err)
	require.Equal(t, 0, allocation.mapCount)

	ptr, err := allocation.Map()
	require.NoError(t, err)
	require.NotNil(t, ptr)
	require.Equal(t, 1, allocation.mapCount)

	require.NoError(t, allocation.Unmap())
	require.Equal(t, 0, allocation.mapCount)

	require.NoError(t, allocation.Free())
	require.NoError(t, allocator.Destroy())
}

func TestFlushNonCoherent(t *testing.T) {
	_, allocator := readyAllocator(t, AllocatorSetup{
		MemoryTypes: []backend.MemoryType{
			{
				Flags:     backend.MemoryPropertyHostVisible,
				HeapIndex: 0,
			},
		},
		MemoryHeaps: []backend.MemoryHeap{
			{
				Size: 1000000,
			},
		},
		NonCoherentAtomSize: 64,
	})

	var allocA, allocB Allocation
	require.NoError(t, allocator.AllocateMemory(&MemoryRequirements{
		Size:      100,
		Alignment: 1,
	}, AllocationCreateInfo{Usage: MemoryUsageCpuToGpu}, &allocA))
	require.NoError(t, allocator.AllocateMemory(&MemoryRequirements{
		Size:      100,
		Alignment: 1,
	}, AllocationCreateInfo{Usage: MemoryUsageCpuToGpu}, &allocB))

	// Non-coherent memory types force suballocations onto atom boundaries so flushes of
	// neighbors cannot touch each other
	require.Equal(t, 0, allocA.FindOffset()%64)
	require.Equal(t, 0, allocB.FindOffset()%64)

	require.NoError(t, allocA.Flush(0, -1))
	require.NoError(t, allocA.Flush(0, 50))
	require.NoError(t, allocA.Invalidate(64, -1))

	err := allocA.Flush(2000, 10)
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)

	require.NoError(t, allocA.Free())
	require.NoError(t, allocB.Free())
	require.NoError(t, allocator.Destroy())
}
