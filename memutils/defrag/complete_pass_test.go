package defrag_test

import (
	"testing"

	"github.com/gravelmem/gravel/memutils"
	"github.com/gravelmem/gravel/memutils/defrag"
	"github.com/gravelmem/gravel/memutils/metadata"
	"github.com/stretchr/testify/require"
)

// scriptedBlockList feeds BlockListCompletePass a canned sequence of statistics snapshots so the
// tests can simulate allocations being freed as relocations resolve
type scriptedBlockList struct {
	blocks     []metadata.BlockMetadata
	statStates []memutils.Statistics
	swaps      [][2]int
}

func (l *scriptedBlockList) MetadataForBlock(index int) metadata.BlockMetadata { return l.blocks[index] }
func (l *scriptedBlockList) BlockCount() int                                  { return len(l.blocks) }

func (l *scriptedBlockList) AddStatistics(stats *memutils.Statistics) {
	next := l.statStates[0]
	l.statStates = l.statStates[1:]

	stats.BlockCount += next.BlockCount
	stats.AllocationCount += next.AllocationCount
	stats.BlockBytes += next.BlockBytes
	stats.AllocationBytes += next.AllocationBytes
}

func (l *scriptedBlockList) MoveDataForUserData(userData any) defrag.MoveAllocationData[metadata.BlockAllocationHandle] {
	panic("MoveDataForUserData should not be called while completing a pass")
}

func (l *scriptedBlockList) BufferImageGranularity() int { return 1 }
func (l *scriptedBlockList) Lock()                       {}
func (l *scriptedBlockList) Unlock()                     {}

func (l *scriptedBlockList) CreateAlloc() *metadata.BlockAllocationHandle {
	return new(metadata.BlockAllocationHandle)
}

func (l *scriptedBlockList) CommitDefragAllocationRequest(allocRequest metadata.AllocationRequest, blockIndex int, alignment uint, flags uint32, userData any, suballocType uint32, outAlloc *metadata.BlockAllocationHandle) error {
	panic("CommitDefragAllocationRequest should not be called while completing a pass")
}

func (l *scriptedBlockList) SwapBlocks(leftIndex, rightIndex int) {
	l.swaps = append(l.swaps, [2]int{leftIndex, rightIndex})
	l.blocks[leftIndex], l.blocks[rightIndex] = l.blocks[rightIndex], l.blocks[leftIndex]
}

func passBlock() metadata.BlockMetadata {
	return metadata.NewGeneralBlockMetadata(1, noopGranularity{})
}

func TestSimpleCompletePass(t *testing.T) {
	block1 := passBlock()
	block2 := passBlock()

	list := &scriptedBlockList{
		blocks: []metadata.BlockMetadata{block1, block2},
		statStates: []memutils.Statistics{
			{AllocationCount: 2, AllocationBytes: 200},
			{AllocationCount: 1, AllocationBytes: 100},
		},
	}

	alloc1 := metadata.BlockAllocationHandle(1)
	alloc2 := metadata.BlockAllocationHandle(2)

	context := defrag.DefragContextWithMoves[metadata.BlockAllocationHandle](
		[]defrag.DefragmentationMove[metadata.BlockAllocationHandle]{
			{
				Size:             100,
				SrcBlockMetadata: block1,
				SrcAllocation:    &alloc1,
				DstBlockMetadata: block2,
				DstTmpAllocation: &alloc2,
			},
		},
	)
	context.BlockList = list
	context.Handler = func(move defrag.DefragmentationMove[metadata.BlockAllocationHandle]) error {
		return nil
	}

	var pass defrag.PassContext
	pass.Stats = defrag.DefragmentationStats{
		AllocationsMoved: 1,
		BytesMoved:       100,
	}

	err := context.BlockListCompletePass(&pass)
	require.NoError(t, err)
	require.Equal(t, defrag.DefragmentationStats{
		AllocationsMoved: 1,
		BytesMoved:       100,
		BytesFreed:       100,
		AllocationsFreed: 1,
	}, pass.Stats)
	require.Empty(t, list.swaps)
}

func TestDestroyAllocCompletePass(t *testing.T) {
	block1 := passBlock()
	block2 := passBlock()
	block3 := passBlock()

	list := &scriptedBlockList{
		blocks: []metadata.BlockMetadata{block1, block2, block3},
		statStates: []memutils.Statistics{
			{AllocationCount: 2, AllocationBytes: 200},
			{AllocationCount: 0, AllocationBytes: 0},
		},
	}

	alloc1 := metadata.BlockAllocationHandle(1)
	alloc2 := metadata.BlockAllocationHandle(2)

	context := defrag.DefragContextWithMoves[metadata.BlockAllocationHandle](
		[]defrag.DefragmentationMove[metadata.BlockAllocationHandle]{
			{
				Size:             100,
				SrcBlockMetadata: block3,
				SrcAllocation:    &alloc2,
				DstBlockMetadata: block1,
				DstTmpAllocation: &alloc1,
			},
		},
	)
	context.Moves()[0].MoveOperation = defrag.DefragmentationMoveDestroy
	context.BlockList = list
	context.Handler = func(move defrag.DefragmentationMove[metadata.BlockAllocationHandle]) error {
		return nil
	}

	var pass defrag.PassContext
	pass.Stats = defrag.DefragmentationStats{
		AllocationsMoved: 1,
		BytesMoved:       100,
	}

	err := context.BlockListCompletePass(&pass)
	require.NoError(t, err)
	require.Equal(t, defrag.DefragmentationStats{
		AllocationsMoved: 0,
		BytesMoved:       0,
		BytesFreed:       200,
		AllocationsFreed: 2,
	}, pass.Stats)
	require.Empty(t, list.swaps)
}

func TestIgnoreAllocCompletePass(t *testing.T) {
	block1 := passBlock()
	block2 := passBlock()
	block3 := passBlock()

	list := &scriptedBlockList{
		blocks: []metadata.BlockMetadata{block1, block2, block3},
		statStates: []memutils.Statistics{
			{AllocationCount: 2, AllocationBytes: 200},
			{AllocationCount: 1, AllocationBytes: 100},
		},
	}

	alloc1 := metadata.BlockAllocationHandle(1)
	alloc2 := metadata.BlockAllocationHandle(2)

	context := defrag.DefragContextWithMoves[metadata.BlockAllocationHandle](
		[]defrag.DefragmentationMove[metadata.BlockAllocationHandle]{
			{
				Size:             100,
				SrcBlockMetadata: block3,
				SrcAllocation:    &alloc2,
				DstBlockMetadata: block1,
				DstTmpAllocation: &alloc1,
			},
		},
	)
	context.Moves()[0].MoveOperation = defrag.DefragmentationMoveIgnore
	context.BlockList = list
	context.Handler = func(move defrag.DefragmentationMove[metadata.BlockAllocationHandle]) error {
		return nil
	}

	var pass defrag.PassContext
	pass.Stats = defrag.DefragmentationStats{
		AllocationsMoved: 1,
		BytesMoved:       100,
	}

	err := context.BlockListCompletePass(&pass)
	require.NoError(t, err)
	require.Equal(t, defrag.DefragmentationStats{
		AllocationsMoved: 0,
		BytesMoved:       0,
		BytesFreed:       100,
		AllocationsFreed: 1,
	}, pass.Stats)

	// The block holding the immovable allocation moves to the front of the list so later passes
	// skip it
	require.Equal(t, [][2]int{{2, 0}}, list.swaps)
	require.Same(t, block3, list.blocks[0])
}
