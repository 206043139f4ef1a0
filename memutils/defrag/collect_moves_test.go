package defrag_test

import (
	"math"
	"testing"

	"github.com/gravelmem/gravel/memutils"
	"github.com/gravelmem/gravel/memutils/defrag"
	"github.com/gravelmem/gravel/memutils/metadata"
	"github.com/stretchr/testify/require"
)

// noopGranularity is a GranularityCheck for memory systems with no placement granularity rules
type noopGranularity struct{}

func (noopGranularity) AllocPages(allocType uint32, offset, size int) {}
func (noopGranularity) FreePages(offset, size int)                   {}
func (noopGranularity) Clear()                                       {}
func (noopGranularity) CheckConflictAndAlignUp(allocOffset, allocSize, blockOffset, blockSize int, allocType uint32) (int, bool) {
	return allocOffset, false
}
func (noopGranularity) RoundUpAllocRequest(allocType uint32, allocSize int, allocAlignment uint) (int, uint) {
	return allocSize, allocAlignment
}
func (noopGranularity) AllocationsConflict(firstAllocType, secondAllocType uint32) bool {
	return false
}
func (noopGranularity) StartValidation() any                     { return nil }
func (noopGranularity) Validate(ctx any, offset, size int) error { return nil }
func (noopGranularity) FinishValidation(ctx any) error           { return nil }

// testAlloc stands in for the allocation objects a real consumer would relocate
type testAlloc struct {
	Id         metadata.BlockAllocationHandle
	Handle     metadata.BlockAllocationHandle
	BlockIndex int
}

// fakeBlockList drives the defragmentation engine against real general-purpose block metadata
type fakeBlockList struct {
	blocks   []metadata.BlockMetadata
	moveData map[any]defrag.MoveAllocationData[testAlloc]
}

func (l *fakeBlockList) MetadataForBlock(index int) metadata.BlockMetadata { return l.blocks[index] }
func (l *fakeBlockList) BlockCount() int                                  { return len(l.blocks) }

func (l *fakeBlockList) AddStatistics(stats *memutils.Statistics) {
	for _, block := range l.blocks {
		block.AddStatistics(stats)
	}
}

func (l *fakeBlockList) MoveDataForUserData(userData any) defrag.MoveAllocationData[testAlloc] {
	return l.moveData[userData]
}

func (l *fakeBlockList) BufferImageGranularity() int { return 1 }
func (l *fakeBlockList) Lock()                       {}
func (l *fakeBlockList) Unlock()                     {}
func (l *fakeBlockList) CreateAlloc() *testAlloc     { return &testAlloc{} }

func (l *fakeBlockList) CommitDefragAllocationRequest(allocRequest metadata.AllocationRequest, blockIndex int, alignment uint, flags uint32, userData any, suballocType uint32, outAlloc *testAlloc) error {
	err := l.blocks[blockIndex].Alloc(allocRequest, suballocType, userData)
	if err != nil {
		return err
	}

	outAlloc.Handle = allocRequest.BlockAllocationHandle
	outAlloc.BlockIndex = blockIndex
	return nil
}

func (l *fakeBlockList) SwapBlocks(leftIndex, rightIndex int) {
	l.blocks[leftIndex], l.blocks[rightIndex] = l.blocks[rightIndex], l.blocks[leftIndex]
}

type Alloc struct {
	Id   metadata.BlockAllocationHandle
	Size int
}

type TargetedMove struct {
	// Expected source of the incoming move
	SourceAlloc metadata.BlockAllocationHandle
	SourceBlock int
	Size        int

	// The offset that the relocation is expected to land at
	ActualOffset int
}

type Block struct {
	Size int
	// Starting state of the block- free regions should be assigned the ID metadata.NoAllocation
	Allocs []Alloc
	// Incoming moves in the order that they're expected to be allocated
	TargetedMoves []TargetedMove
}

var testCases = map[string]struct {
	MaxPassBytes       int
	MaxPassAllocations int
	Algorithm          defrag.Algorithm
	MemoryState        []Block
}{
	"FullAlgoSimpleMoveWithinBlock": {
		MaxPassBytes:       100,
		MaxPassAllocations: 1,
		Algorithm:          defrag.AlgorithmFull,
		MemoryState: []Block{
			{
				Size: 250,
				Allocs: []Alloc{
					{metadata.NoAllocation, 100},
					{1, 100},
				},
				TargetedMoves: []TargetedMove{
					{
						SourceAlloc:  1,
						SourceBlock:  0,
						Size:         100,
						ActualOffset: 0,
					},
				},
			},
		},
	},
	"FullAlgoNoWorkToDo": {
		MaxPassBytes:       100,
		MaxPassAllocations: 1,
		Algorithm:          defrag.AlgorithmFull,
		MemoryState: []Block{
			{
				Size: 250,
				Allocs: []Alloc{
					{1, 100},
				},
			},
		},
	},
	"FastAlgoSimpleMoveBetweenBlocks": {
		MaxPassBytes:       100,
		MaxPassAllocations: 1,
		Algorithm:          defrag.AlgorithmFast,
		MemoryState: []Block{
			{
				Size: 250,
				Allocs: []Alloc{
					{metadata.NoAllocation, 100},
					{1, 100},
				},
				TargetedMoves: []TargetedMove{
					{
						SourceAlloc:  2,
						SourceBlock:  1,
						Size:         99,
						ActualOffset: 0,
					},
				},
			},
			{
				Size: 250,
				Allocs: []Alloc{
					{2, 99},
				},
			},
		},
	},
	"FastAlgoNoWorkToDo": {
		MaxPassBytes:       100,
		MaxPassAllocations: 1,
		Algorithm:          defrag.AlgorithmFast,
		MemoryState: []Block{
			{
				Size: 250,
				Allocs: []Alloc{
					{metadata.NoAllocation, 100},
					{1, 100},
				},
			},
		},
	},
	"EnforceMaxBytes": {
		MaxPassBytes:       100,
		MaxPassAllocations: 1,
		Algorithm:          defrag.AlgorithmFull,
		MemoryState: []Block{
			{
				Size: 500,
				Allocs: []Alloc{
					{metadata.NoAllocation, 200},
					{1, 200},
				},
			},
		},
	},
	"EnforceMaxAllocations": {
		MaxPassBytes:       100,
		MaxPassAllocations: 1,
		Algorithm:          defrag.AlgorithmFull,
		MemoryState: []Block{
			{
				Size: 500,
				Allocs: []Alloc{
					{metadata.NoAllocation, 200},
					{1, 100},
					{2, 100},
				},
				TargetedMoves: []TargetedMove{
					{
						SourceAlloc:  1,
						SourceBlock:  0,
						Size:         100,
						ActualOffset: 0,
					},
				},
			},
		},
	},
	"FullAlgoMultiAllocation": {
		MaxPassBytes:       200,
		MaxPassAllocations: 2,
		Algorithm:          defrag.AlgorithmFull,
		MemoryState: []Block{
			{
				Size: 500,
				Allocs: []Alloc{
					{metadata.NoAllocation, 200},
					{1, 100},
					{2, 99},
				},
				TargetedMoves: []TargetedMove{
					{
						SourceAlloc:  1,
						SourceBlock:  0,
						Size:         100,
						ActualOffset: 0,
					},
					{
						SourceAlloc:  2,
						SourceBlock:  0,
						Size:         99,
						ActualOffset: 100,
					},
				},
			},
		},
	},
	"FastAlgoMultiAllocation": {
		MaxPassBytes:       200,
		MaxPassAllocations: 2,
		Algorithm:          defrag.AlgorithmFast,
		MemoryState: []Block{
			{
				Size: 300,
				Allocs: []Alloc{
					{metadata.NoAllocation, 200},
					{1, 100},
				},
				TargetedMoves: []TargetedMove{
					{
						SourceAlloc:  2,
						SourceBlock:  1,
						Size:         50,
						ActualOffset: 0,
					},
					{
						SourceAlloc:  3,
						SourceBlock:  1,
						Size:         49,
						ActualOffset: 50,
					},
				},
			},
			{
				Size: 100,
				Allocs: []Alloc{
					{2, 50},
					{3, 49},
				},
			},
		},
	},
	"FullAlgoCrossBlock": {
		MaxPassBytes:       100,
		MaxPassAllocations: 1,
		Algorithm:          defrag.AlgorithmFull,
		MemoryState: []Block{
			{
				Size: 200,
				Allocs: []Alloc{
					{metadata.NoAllocation, 100},
					{1, 100},
				},
				TargetedMoves: []TargetedMove{
					{
						SourceAlloc:  2,
						SourceBlock:  1,
						Size:         99,
						ActualOffset: 0,
					},
				},
			},
			{
				Size: 100,
				Allocs: []Alloc{
					{2, 99},
				},
			},
		},
	},
	"FullAlgoWithinLateBlock": {
		MaxPassBytes:       100,
		MaxPassAllocations: 1,
		Algorithm:          defrag.AlgorithmFull,
		MemoryState: []Block{
			{
				Size: 150,
				Allocs: []Alloc{
					{metadata.NoAllocation, 50},
					{1, 100},
				},
			},
			{
				Size: 200,
				Allocs: []Alloc{
					{metadata.NoAllocation, 100},
					{2, 99},
				},
				TargetedMoves: []TargetedMove{
					{
						SourceAlloc:  2,
						SourceBlock:  1,
						Size:         99,
						ActualOffset: 0,
					},
				},
			},
		},
	},
}

// Build a single block's metadata with its starting allocations: commit everything back to back,
// then release the regions that are supposed to start out free
func buildBlock(t *testing.T, list *fakeBlockList, index int, blockData Block) {
	t.Helper()

	mtdata := metadata.NewGeneralBlockMetadata(1, noopGranularity{})
	mtdata.Init(blockData.Size)

	var placeholders []metadata.BlockAllocationHandle
	for _, alloc := range blockData.Allocs {
		success, req, err := mtdata.CreateAllocationRequest(alloc.Size, 1, false, 1, metadata.AllocationStrategyMinTime, math.MaxInt)
		require.NoError(t, err)
		require.True(t, success)

		if alloc.Id == metadata.NoAllocation {
			require.NoError(t, mtdata.Alloc(req, 1, nil))
			placeholders = append(placeholders, req.BlockAllocationHandle)
			continue
		}

		require.NoError(t, mtdata.Alloc(req, 1, alloc.Id))
		list.moveData[alloc.Id] = defrag.MoveAllocationData[testAlloc]{
			Alignment:         1,
			SuballocationType: 1,
			Move: defrag.DefragmentationMove[testAlloc]{
				Size:             alloc.Size,
				SrcBlockMetadata: mtdata,
				SrcAllocation:    &testAlloc{Id: alloc.Id, Handle: req.BlockAllocationHandle, BlockIndex: index},
			},
		}
	}

	for _, handle := range placeholders {
		require.NoError(t, mtdata.Free(handle))
	}

	require.NoError(t, mtdata.Validate())
	list.blocks = append(list.blocks, mtdata)
}

type observedMove struct {
	SourceAlloc metadata.BlockAllocationHandle
	SourceBlock int
	DestBlock   int
	DestOffset  int
	Size        int
}

func TestDefragmentation(t *testing.T) {
	for testName, testCase := range testCases {
		t.Run(testName, func(t *testing.T) {
			list := &fakeBlockList{
				moveData: make(map[any]defrag.MoveAllocationData[testAlloc]),
			}
			for index, mem := range testCase.MemoryState {
				buildBlock(t, list, index, mem)
			}

			pass := &defrag.PassContext{
				MaxPassBytes:       testCase.MaxPassBytes,
				MaxPassAllocations: testCase.MaxPassAllocations,
			}

			defragContext := defrag.MetadataDefragContext[testAlloc]{
				Algorithm: testCase.Algorithm,
				BlockList: list,
			}
			require.NoError(t, defragContext.Init())

			defragContext.BlockListCollectMoves(pass)

			var expectedMoves []observedMove
			for blockIndex, block := range testCase.MemoryState {
				for _, move := range block.TargetedMoves {
					expectedMoves = append(expectedMoves, observedMove{
						SourceAlloc: move.SourceAlloc,
						SourceBlock: move.SourceBlock,
						DestBlock:   blockIndex,
						DestOffset:  move.ActualOffset,
						Size:        move.Size,
					})
				}
			}

			var actualMoves []observedMove
			for _, move := range defragContext.Moves() {
				require.Equal(t, defrag.DefragmentationMoveCopy, move.MoveOperation)
				require.Same(t, list.blocks[move.SrcAllocation.BlockIndex], move.SrcBlockMetadata)
				require.Same(t, list.blocks[move.DstTmpAllocation.BlockIndex], move.DstBlockMetadata)

				offset, err := move.DstBlockMetadata.AllocationOffset(move.DstTmpAllocation.Handle)
				require.NoError(t, err)

				actualMoves = append(actualMoves, observedMove{
					SourceAlloc: move.SrcAllocation.Id,
					SourceBlock: move.SrcAllocation.BlockIndex,
					DestBlock:   move.DstTmpAllocation.BlockIndex,
					DestOffset:  offset,
					Size:        move.Size,
				})
			}

			require.ElementsMatch(t, expectedMoves, actualMoves)

			for _, block := range list.blocks {
				require.NoError(t, block.(*metadata.GeneralBlockMetadata).Validate())
			}
		})
	}
}
