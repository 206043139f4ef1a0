package gravel

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/gravelmem/gravel/backend"
	"github.com/gravelmem/gravel/memutils"
)

func TestPoolCreateAndDestroy(t *testing.T) {
	bknd, allocator := readyAllocator(t, singleTypeSetup(backend.MemoryPropertyDeviceLocal, 1000000))

	pool, err := allocator.CreatePool(PoolCreateInfo{
		MemoryTypeIndex: 0,
	})
	require.NoError(t, err)
	require.Equal(t, 1, pool.ID())

	pool.SetName("scratch")
	require.Equal(t, "scratch", pool.Name())

	otherPool, err := allocator.CreatePool(PoolCreateInfo{
		MemoryTypeIndex: 0,
	})
	require.NoError(t, err)
	require.Equal(t, 2, otherPool.ID())

	// The allocator refuses to die while pools remain
	require.Error(t, allocator.Destroy())

	require.NoError(t, pool.Destroy())
	require.NoError(t, otherPool.Destroy())
	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, bknd.BlockCount())
}

func TestPoolCreateValidation(t *testing.T) {
	_, allocator := readyAllocator(t, singleTypeSetup(backend.MemoryPropertyDeviceLocal, 1000000))

	_, err := allocator.CreatePool(PoolCreateInfo{
		MemoryTypeIndex: 7,
	})
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)

	_, err = allocator.CreatePool(PoolCreateInfo{
		MemoryTypeIndex: 0,
		MinBlockCount:   3,
		MaxBlockCount:   2,
	})
	require.Error(t, err)

	_, err = allocator.CreatePool(PoolCreateInfo{
		MemoryTypeIndex:        0,
		MinAllocationAlignment: 48,
	})
	require.ErrorIs(t, err, memutils.PowerOfTwoError)

	require.NoError(t, allocator.Destroy())
}

func TestPoolMinBlocks(t *testing.T) {
	bknd, allocator := readyAllocator(t, singleTypeSetup(backend.MemoryPropertyDeviceLocal, 1000000))

	pool, err := allocator.CreatePool(PoolCreateInfo{
		MemoryTypeIndex: 0,
		BlockSize:       10000,
		MinBlockCount:   2,
	})
	require.NoError(t, err)

	// Both minimum blocks were allocated eagerly
	require.Equal(t, 2, bknd.BlockCount())
	require.Equal(t, 20000, bknd.HeapUsage(0))

	require.NoError(t, pool.Destroy())
	require.Equal(t, 0, bknd.BlockCount())
	require.NoError(t, allocator.Destroy())
}

func TestPoolAllocations(t *testing.T) {
	_, allocator := readyAllocator(t, singleTypeSetup(backend.MemoryPropertyDeviceLocal, 1000000))

	pool, err := allocator.CreatePool(PoolCreateInfo{
		MemoryTypeIndex: 0,
		BlockSize:       10000,
	})
	require.NoError(t, err)

	var allocation Allocation
	require.NoError(t, allocator.AllocateMemory(&MemoryRequirements{
		Size:      1000,
		Alignment: 1,
	}, AllocationCreateInfo{Pool: pool}, &allocation))

	require.Equal(t, pool, allocation.ParentPool())

	var stats AllocatorStatistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, 1, stats.Total.AllocationCount)
	require.Equal(t, 10000, stats.Total.BlockBytes)

	// Pools with live allocations cannot be destroyed
	require.Error(t, pool.Destroy())

	require.NoError(t, allocation.Free())
	require.NoError(t, pool.Destroy())
	require.NoError(t, allocator.Destroy())
}

func TestPoolMinAllocationAlignment(t *testing.T) {
	_, allocator := readyAllocator(t, singleTypeSetup(backend.MemoryPropertyDeviceLocal, 1000000))

	pool, err := allocator.CreatePool(PoolCreateInfo{
		MemoryTypeIndex:        0,
		BlockSize:              10000,
		MinAllocationAlignment: 256,
	})
	require.NoError(t, err)

	allocations := make([]Allocation, 3)
	require.NoError(t, allocator.AllocateMemoryPages(&MemoryRequirements{
		Size:      100,
		Alignment: 1,
	}, AllocationCreateInfo{Pool: pool}, allocations))

	for i := 0; i < 3; i++ {
		require.Equal(t, 0, allocations[i].FindOffset()%256)
	}

	require.NoError(t, allocator.FreeMemoryPages(allocations))
	require.NoError(t, pool.Destroy())
	require.NoError(t, allocator.Destroy())
}

func TestLinearPool(t *testing.T) {
	_, allocator := readyAllocator(t, singleTypeSetup(backend.MemoryPropertyDeviceLocal, 1000000))

	pool, err := allocator.CreatePool(PoolCreateInfo{
		MemoryTypeIndex: 0,
		Flags:           PoolCreateLinearAlgorithm,
		BlockSize:       4096,
		MaxBlockCount:   1,
	})
	require.NoError(t, err)

	var allocA, allocB Allocation
	require.NoError(t, allocator.AllocateMemory(&MemoryRequirements{
		Size:      1000,
		Alignment: 1,
	}, AllocationCreateInfo{Pool: pool}, &allocA))
	require.NoError(t, allocator.AllocateMemory(&MemoryRequirements{
		Size:      1000,
		Alignment: 1,
	}, AllocationCreateInfo{Pool: pool}, &allocB))

	// Linear pools hand out strictly increasing offsets
	require.Equal(t, 0, allocA.FindOffset())
	require.Equal(t, 1000+memutils.DebugMargin, allocB.FindOffset())

	// Upper-address allocations grow down from the end of the block
	var allocTop Allocation
	require.NoError(t, allocator.AllocateMemory(&MemoryRequirements{
		Size:      500,
		Alignment: 1,
	}, AllocationCreateInfo{
		Pool:  pool,
		Flags: AllocationCreateUpperAddress,
	}, &allocTop))
	require.Equal(t, 4096-500, allocTop.FindOffset())

	require.NoError(t, allocTop.Free())
	require.NoError(t, allocB.Free())
	require.NoError(t, allocA.Free())
	require.NoError(t, pool.Destroy())
	require.NoError(t, allocator.Destroy())
}

func TestUpperAddressRequiresLinear(t *testing.T) {
	_, allocator := readyAllocator(t, singleTypeSetup(backend.MemoryPropertyDeviceLocal, 1000000))

	var allocation Allocation
	err := allocator.AllocateMemory(&MemoryRequirements{
		Size:      1000,
		Alignment: 1,
	}, AllocationCreateInfo{
		Usage: MemoryUsageAuto,
		Flags: AllocationCreateUpperAddress,
	}, &allocation)
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)

	require.NoError(t, allocator.Destroy())
}
