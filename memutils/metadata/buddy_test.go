package metadata_test

import (
	"math"
	"testing"

	"github.com/gravelmem/gravel/memutils"
	"github.com/gravelmem/gravel/memutils/metadata"
	"github.com/stretchr/testify/require"
)

func buddyAlloc(t *testing.T, buddy *metadata.BuddyBlockMetadata, size int, alignment uint) metadata.BlockAllocationHandle {
	t.Helper()

	success, req, err := buddy.CreateAllocationRequest(size, alignment, false, 1, 0, math.MaxInt)
	require.NoError(t, err)
	require.True(t, success)

	err = buddy.Alloc(req, 1, nil)
	require.NoError(t, err)

	return req.BlockAllocationHandle
}

func TestBuddyAllocRounding(t *testing.T) {
	buddy := metadata.NewBuddyBlockMetadata(1, metadata.FakeGranularityCheck{})
	buddy.Init(1024)

	// A 100-byte request occupies a 128-byte node
	alloc1 := buddyAlloc(t, buddy, 100, 1)
	offset, err := buddy.AllocationOffset(alloc1)
	require.NoError(t, err)
	require.Equal(t, 0, offset)

	var stats memutils.DetailedStatistics
	stats.Clear()
	buddy.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1024,
			AllocationCount: 1,
			AllocationBytes: 128,
		},
		UnusedRangeCount:   3,
		AllocationSizeMin:  128,
		AllocationSizeMax:  128,
		UnusedRangeSizeMin: 128,
		UnusedRangeSizeMax: 512,
	}, stats)

	require.Equal(t, 3, buddy.FreeRegionsCount())
	require.Equal(t, 512, buddy.LargestFreeRegionSize())

	err = buddy.Validate()
	require.NoError(t, err)

	// The second allocation takes the freed-up sibling node
	alloc2 := buddyAlloc(t, buddy, 100, 1)
	offset, err = buddy.AllocationOffset(alloc2)
	require.NoError(t, err)
	require.Equal(t, 128, offset)

	err = buddy.Validate()
	require.NoError(t, err)

	err = buddy.Free(alloc1)
	require.NoError(t, err)

	// alloc2 still pins its sibling, so nothing merges yet
	require.Equal(t, 3, buddy.FreeRegionsCount())

	err = buddy.Free(alloc2)
	require.NoError(t, err)

	// Both siblings free: the tree merges all the way back to the root
	require.True(t, buddy.IsEmpty())
	require.Equal(t, 1, buddy.FreeRegionsCount())
	require.Equal(t, 1024, buddy.LargestFreeRegionSize())
	require.Equal(t, 1024, buddy.SumFreeSize())

	err = buddy.Validate()
	require.NoError(t, err)
}

func TestBuddySiblingMergeWalksUp(t *testing.T) {
	buddy := metadata.NewBuddyBlockMetadata(1, metadata.FakeGranularityCheck{})
	buddy.Init(1024)

	alloc1 := buddyAlloc(t, buddy, 128, 1)
	alloc2 := buddyAlloc(t, buddy, 128, 1)
	alloc3 := buddyAlloc(t, buddy, 256, 1)

	offset, err := buddy.AllocationOffset(alloc3)
	require.NoError(t, err)
	require.Equal(t, 256, offset)

	err = buddy.Free(alloc1)
	require.NoError(t, err)
	err = buddy.Free(alloc2)
	require.NoError(t, err)

	// The two 128-byte siblings merged into a 256-byte node, but alloc3 blocks the next merge
	require.Equal(t, 2, buddy.FreeRegionsCount())
	require.Equal(t, 512, buddy.LargestFreeRegionSize())

	err = buddy.Validate()
	require.NoError(t, err)

	err = buddy.Free(alloc3)
	require.NoError(t, err)

	require.True(t, buddy.IsEmpty())
	require.Equal(t, 1, buddy.FreeRegionsCount())
	require.Equal(t, 1024, buddy.LargestFreeRegionSize())
}

func TestBuddyAlignment(t *testing.T) {
	buddy := metadata.NewBuddyBlockMetadata(1, metadata.FakeGranularityCheck{})
	buddy.Init(1024)

	alloc1 := buddyAlloc(t, buddy, 100, 256)
	offset, err := buddy.AllocationOffset(alloc1)
	require.NoError(t, err)
	require.Zero(t, offset%256)

	alloc2 := buddyAlloc(t, buddy, 100, 256)
	offset, err = buddy.AllocationOffset(alloc2)
	require.NoError(t, err)
	require.Zero(t, offset%256)

	err = buddy.Validate()
	require.NoError(t, err)
}

func TestBuddyUnusableTail(t *testing.T) {
	buddy := metadata.NewBuddyBlockMetadata(1, metadata.FakeGranularityCheck{})
	buddy.Init(1000)

	// Only the 512-byte power-of-two prefix is manageable
	var stats memutils.DetailedStatistics
	stats.Clear()
	buddy.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		UnusedRangeCount:   2,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 488,
		UnusedRangeSizeMax: 512,
	}, stats)

	alloc1 := buddyAlloc(t, buddy, 300, 1)
	offset, err := buddy.AllocationOffset(alloc1)
	require.NoError(t, err)
	require.Equal(t, 0, offset)

	// The usable prefix is exhausted; the unusable tail can never be allocated from
	success, _, err := buddy.CreateAllocationRequest(10, 1, false, 1, 0, math.MaxInt)
	require.NoError(t, err)
	require.False(t, success)

	require.Equal(t, 488, buddy.SumFreeSize())
	require.Equal(t, 0, buddy.LargestFreeRegionSize())

	err = buddy.Validate()
	require.NoError(t, err)
}

func TestBuddyTooLargeRequest(t *testing.T) {
	buddy := metadata.NewBuddyBlockMetadata(1, metadata.FakeGranularityCheck{})
	buddy.Init(1024)

	success, _, err := buddy.CreateAllocationRequest(2048, 1, false, 1, 0, math.MaxInt)
	require.NoError(t, err)
	require.False(t, success)
}

func TestBuddyHandleErrors(t *testing.T) {
	buddy := metadata.NewBuddyBlockMetadata(1, metadata.FakeGranularityCheck{})
	buddy.Init(1024)

	alloc1 := buddyAlloc(t, buddy, 100, 1)

	// A handle pointing at free space does not map to a live allocation
	err := buddy.Free(metadata.BlockAllocationHandle(513))
	require.Error(t, err)

	_, err = buddy.AllocationUserData(metadata.BlockAllocationHandle(513))
	require.Error(t, err)

	require.False(t, buddy.SupportsRandomAccess())
	_, err = buddy.AllocationListBegin()
	require.Error(t, err)

	err = buddy.Free(alloc1)
	require.NoError(t, err)
}

func TestBuddyUserData(t *testing.T) {
	buddy := metadata.NewBuddyBlockMetadata(1, metadata.FakeGranularityCheck{})
	buddy.Init(1024)

	alloc1 := buddyAlloc(t, buddy, 100, 1)

	err := buddy.SetAllocationUserData(alloc1, 99)
	require.NoError(t, err)

	userData, err := buddy.AllocationUserData(alloc1)
	require.NoError(t, err)
	require.Equal(t, 99, userData)
}

func TestBuddyClear(t *testing.T) {
	buddy := metadata.NewBuddyBlockMetadata(1, metadata.FakeGranularityCheck{})
	buddy.Init(1024)

	_ = buddyAlloc(t, buddy, 100, 1)
	_ = buddyAlloc(t, buddy, 300, 1)

	buddy.Clear()

	require.True(t, buddy.IsEmpty())
	require.Equal(t, 1024, buddy.SumFreeSize())
	require.Equal(t, 1, buddy.FreeRegionsCount())

	err := buddy.Validate()
	require.NoError(t, err)
}
