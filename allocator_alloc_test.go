package gravel

import (
	"io"
	"log/slog"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/gravelmem/gravel/backend"
	"github.com/gravelmem/gravel/memutils"
)

type AllocatorSetup struct {
	MemoryTypes []backend.MemoryType
	MemoryHeaps []backend.MemoryHeap

	BufferImageGranularity   int
	NonCoherentAtomSize      int
	MaxMemoryAllocationCount int

	AllocatorOptions CreateOptions
}

func readyAllocator(t require.TestingT, setup AllocatorSetup) (*backend.Mem, *Allocator) {
	if setup.MaxMemoryAllocationCount == 0 {
		setup.MaxMemoryAllocationCount = 4096
	}

	bknd, err := backend.NewMem(backend.DeviceProperties{
		MemoryTypes:              setup.MemoryTypes,
		MemoryHeaps:              setup.MemoryHeaps,
		BufferImageGranularity:   setup.BufferImageGranularity,
		NonCoherentAtomSize:      setup.NonCoherentAtomSize,
		MaxMemoryAllocationCount: setup.MaxMemoryAllocationCount,
	})
	require.NoError(t, err)

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	allocator, err := New(logger, bknd, setup.AllocatorOptions)
	require.NoError(t, err)

	return bknd, allocator
}

func singleTypeSetup(flags backend.MemoryPropertyFlags, heapSize int) AllocatorSetup {
	return AllocatorSetup{
		MemoryTypes: []backend.MemoryType{
			{
				Flags:     flags,
				HeapIndex: 0,
			},
		},
		MemoryHeaps: []backend.MemoryHeap{
			{
				Size: heapSize,
			},
		},
	}
}

func TestAllocateMemory(t *testing.T) {
	bknd, allocator := readyAllocator(t, AllocatorSetup{
		MemoryTypes: []backend.MemoryType{
			{
				Flags:     backend.MemoryPropertyDeviceLocal,
				HeapIndex: 0,
			},
			{
				Flags:     0,
				HeapIndex: 1,
			},
		},
		MemoryHeaps: []backend.MemoryHeap{
			{
				Size:  1000000,
				Flags: backend.MemoryHeapDeviceLocal,
			},
			{
				Size: 1000000,
			},
		},
	})

	var allocation Allocation
	err := allocator.AllocateMemory(&MemoryRequirements{
		Size:           1000,
		Alignment:      1,
		MemoryTypeBits: 0xffffffff,
	}, AllocationCreateInfo{
		Usage: MemoryUsageAuto,
	}, &allocation)
	require.NoError(t, err)

	require.Equal(t, 1000, allocation.Size())
	require.Equal(t, 0, allocation.MemoryTypeIndex())
	require.Equal(t, 0, allocation.FindOffset())

	// The default preferred size for a 1MB heap is 128KB (125024) but it sizes down by half
	// 3 times because the allocation is so small, resulting in 15628
	require.Equal(t, 1, bknd.BlockCount())
	require.Equal(t, 15628, bknd.HeapUsage(0))
	require.Equal(t, 0, bknd.HeapUsage(1))

	var stats AllocatorStatistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, 1, stats.Total.BlockCount)
	require.Equal(t, 1, stats.Total.AllocationCount)
	require.Equal(t, 15628, stats.Total.BlockBytes)
	require.Equal(t, 1000, stats.Total.AllocationBytes)
	require.Equal(t, 1000, stats.MemoryTypes[0].AllocationBytes)
	require.Equal(t, 1000, stats.MemoryHeaps[0].AllocationBytes)
	require.Equal(t, 0, stats.MemoryHeaps[1].BlockCount)

	require.NoError(t, allocation.Free())

	// The empty block is retained for reuse until the allocator goes away
	require.Equal(t, 1, bknd.BlockCount())

	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, bknd.BlockCount())
}

func TestAllocateMemoryBlockReuse(t *testing.T) {
	bknd, allocator := readyAllocator(t, singleTypeSetup(backend.MemoryPropertyDeviceLocal, 1000000))

	allocations := make([]Allocation, 5)
	for i := 0; i < 5; i++ {
		err := allocator.AllocateMemory(&MemoryRequirements{
			Size:      1000,
			Alignment: 1,
		}, AllocationCreateInfo{
			Usage: MemoryUsageAuto,
		}, &allocations[i])
		require.NoError(t, err)
	}

	// All five suballocations share one block
	require.Equal(t, 1, bknd.BlockCount())
	for i := 0; i < 5; i++ {
		require.Equal(t, i*1000, allocations[i].FindOffset())
	}

	require.NoError(t, allocator.FreeMemoryPages(allocations))
	require.NoError(t, allocator.Destroy())
}

func TestAllocateDedicatedMemory(t *testing.T) {
	bknd, allocator := readyAllocator(t, singleTypeSetup(backend.MemoryPropertyDeviceLocal, 1000000))

	var allocation Allocation
	err := allocator.AllocateMemory(&MemoryRequirements{
		Size:      2000,
		Alignment: 1,
	}, AllocationCreateInfo{
		Usage: MemoryUsageAuto,
		Flags: AllocationCreateDedicatedMemory,
	}, &allocation)
	require.NoError(t, err)

	// Dedicated blocks are exactly the allocation's size
	require.Equal(t, 1, bknd.BlockCount())
	require.Equal(t, 2000, bknd.HeapUsage(0))
	require.Nil(t, allocation.ParentPool())

	require.NoError(t, allocation.Free())
	require.Equal(t, 0, bknd.BlockCount())
	require.NoError(t, allocator.Destroy())
}

func TestAllocateNeverAllocate(t *testing.T) {
	bknd, allocator := readyAllocator(t, singleTypeSetup(backend.MemoryPropertyDeviceLocal, 1000000))

	var allocation Allocation
	err := allocator.AllocateMemory(&MemoryRequirements{
		Size:      1000,
		Alignment: 1,
	}, AllocationCreateInfo{
		Usage: MemoryUsageAuto,
		Flags: AllocationCreateNeverAllocate,
	}, &allocation)
	require.Error(t, err)
	require.ErrorIs(t, err, memutils.ErrOutOfDeviceMemory)
	require.Equal(t, 0, bknd.BlockCount())

	require.NoError(t, allocator.Destroy())
}

func TestAllocateMemoryPagesAtomicity(t *testing.T) {
	bknd, allocator := readyAllocator(t, singleTypeSetup(backend.MemoryPropertyDeviceLocal, 100000))

	// Each page is far larger than the preferred block size for this heap, so they become
	// dedicated allocations. Three fit, the fourth does not, and the failure unwinds the
	// pages that had already succeeded.
	allocations := make([]Allocation, 4)
	err := allocator.AllocateMemoryPages(&MemoryRequirements{
		Size:      30000,
		Alignment: 1,
	}, AllocationCreateInfo{
		Usage: MemoryUsageAuto,
	}, allocations)
	require.Error(t, err)
	require.ErrorIs(t, err, memutils.ErrOutOfDeviceMemory)

	require.Equal(t, 0, bknd.BlockCount())
	require.Equal(t, 0, bknd.HeapUsage(0))

	var stats AllocatorStatistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, 0, stats.Total.BlockCount)
	require.Equal(t, 0, stats.Total.AllocationCount)
	require.Equal(t, 0, stats.Total.AllocationBytes)

	// A batch that fits succeeds as a unit
	allocations = make([]Allocation, 3)
	err = allocator.AllocateMemoryPages(&MemoryRequirements{
		Size:      30000,
		Alignment: 1,
	}, AllocationCreateInfo{
		Usage: MemoryUsageAuto,
	}, allocations)
	require.NoError(t, err)
	require.Equal(t, 3, bknd.BlockCount())
	require.Equal(t, 90000, bknd.HeapUsage(0))

	require.NoError(t, allocator.FreeMemoryPages(allocations))
	require.Equal(t, 0, bknd.BlockCount())
	require.NoError(t, allocator.Destroy())
}

func TestAllocateInvalidRequests(t *testing.T) {
	_, allocator := readyAllocator(t, singleTypeSetup(backend.MemoryPropertyDeviceLocal, 1000000))

	var allocation Allocation
	err := allocator.AllocateMemory(&MemoryRequirements{
		Size:      0,
		Alignment: 1,
	}, AllocationCreateInfo{Usage: MemoryUsageAuto}, &allocation)
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)

	err = allocator.AllocateMemory(&MemoryRequirements{
		Size:      1000,
		Alignment: 3,
	}, AllocationCreateInfo{Usage: MemoryUsageAuto}, &allocation)
	require.ErrorIs(t, err, memutils.PowerOfTwoError)

	err = allocator.AllocateMemory(&MemoryRequirements{
		Size:      1000,
		Alignment: 1,
	}, AllocationCreateInfo{
		Usage: MemoryUsageAuto,
		Flags: AllocationCreateDedicatedMemory | AllocationCreateNeverAllocate,
	}, &allocation)
	require.Error(t, err)

	err = allocator.AllocateMemory(&MemoryRequirements{
		Size:      1000,
		Alignment: 1,
	}, AllocationCreateInfo{
		Usage: MemoryUsageAuto,
		Flags: AllocationCreateHostAccessSequentialWrite | AllocationCreateHostAccessRandom,
	}, &allocation)
	require.Error(t, err)

	err = allocator.AllocateMemory(&MemoryRequirements{
		Size:      1000,
		Alignment: 1,
	}, AllocationCreateInfo{
		Usage: MemoryUsageAuto,
		Flags: AllocationCreateMapped,
	}, &allocation)
	require.Error(t, err)

	require.NoError(t, allocator.Destroy())
}

func TestAllocateFragmented(t *testing.T) {
	_, allocator := readyAllocator(t, singleTypeSetup(backend.MemoryPropertyDeviceLocal, 1000000))

	pool, err := allocator.CreatePool(PoolCreateInfo{
		MemoryTypeIndex: 0,
		BlockSize:       12512,
		MaxBlockCount:   1,
	})
	require.NoError(t, err)

	var allocA, allocB Allocation
	require.NoError(t, allocator.AllocateMemory(&MemoryRequirements{
		Size:      6000,
		Alignment: 1,
	}, AllocationCreateInfo{Pool: pool}, &allocA))
	require.NoError(t, allocator.AllocateMemory(&MemoryRequirements{
		Size:      6000,
		Alignment: 1,
	}, AllocationCreateInfo{Pool: pool}, &allocB))

	require.NoError(t, allocA.Free())

	// 6512 bytes are free but the largest contiguous run is 6000
	var allocC Allocation
	err = allocator.AllocateMemory(&MemoryRequirements{
		Size:      6200,
		Alignment: 1,
	}, AllocationCreateInfo{Pool: pool}, &allocC)
	require.ErrorIs(t, err, memutils.ErrTooFragmented)
	require.False(t, errors.Is(err, memutils.ErrOutOfDeviceMemory))

	// More than the pool can hold even when compacted
	err = allocator.AllocateMemory(&MemoryRequirements{
		Size:      7000,
		Alignment: 1,
	}, AllocationCreateInfo{Pool: pool}, &allocC)
	require.ErrorIs(t, err, memutils.ErrOutOfDeviceMemory)

	require.NoError(t, allocB.Free())
	require.NoError(t, pool.Destroy())
	require.NoError(t, allocator.Destroy())
}

func TestDestroyWithLiveAllocations(t *testing.T) {
	_, allocator := readyAllocator(t, singleTypeSetup(backend.MemoryPropertyDeviceLocal, 1000000))

	var allocation Allocation
	require.NoError(t, allocator.AllocateMemory(&MemoryRequirements{
		Size:      1000,
		Alignment: 1,
	}, AllocationCreateInfo{Usage: MemoryUsageAuto}, &allocation))

	require.Error(t, allocator.Destroy())

	require.NoError(t, allocation.Free())
	require.NoError(t, allocator.Destroy())
}
