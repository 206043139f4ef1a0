package defrag

import (
	"github.com/gravelmem/gravel/memutils/metadata"
)

// DefragmentationMoveOperation is assigned to relocations between BlockListCollectMoves and
// BlockListCompletePass to tell the engine how to resolve each relocation.
type DefragmentationMoveOperation uint32

const (
	// DefragmentationMoveCopy indicates that the relocation should be carried out: the consumer
	// has copied the memory contents to the destination and the source allocation can be replaced.
	// This is the default.
	DefragmentationMoveCopy DefragmentationMoveOperation = iota
	// DefragmentationMoveIgnore indicates that the relocation should be abandoned and the source
	// allocation left where it is. The block containing the source allocation will be treated as
	// immovable for the remainder of the run.
	DefragmentationMoveIgnore
	// DefragmentationMoveDestroy indicates that the source allocation is no longer needed at all-
	// it will be freed rather than relocated.
	DefragmentationMoveDestroy
)

var defragmentationMoveOperationMapping = map[DefragmentationMoveOperation]string{
	DefragmentationMoveCopy:    "DefragmentationMoveCopy",
	DefragmentationMoveIgnore:  "DefragmentationMoveIgnore",
	DefragmentationMoveDestroy: "DefragmentationMoveDestroy",
}

func (m DefragmentationMoveOperation) String() string {
	return defragmentationMoveOperationMapping[m]
}

// DefragmentOperationHandler is a consumer-provided callback that resolves a single relocation
// during BlockListCompletePass, after the consumer has had the chance to copy memory contents and
// adjust the relocation's MoveOperation.
type DefragmentOperationHandler[T any] func(move DefragmentationMove[T]) error

// DefragmentationMove is a single planned relocation: an existing allocation, the block it
// currently lives in, and a reserved destination region in the same or another block.
type DefragmentationMove[T any] struct {
	// MoveOperation indicates how this relocation will be resolved when the pass completes
	MoveOperation DefragmentationMoveOperation

	// Size is the size of the allocation being relocated
	Size int
	// SrcBlockMetadata is the metadata of the block the allocation currently lives in
	SrcBlockMetadata metadata.BlockMetadata
	// SrcAllocation is the consumer's allocation object being relocated
	SrcAllocation *T
	// DstBlockMetadata is the metadata of the block the allocation is being relocated into
	DstBlockMetadata metadata.BlockMetadata
	// DstTmpAllocation is a consumer allocation object holding the reserved destination region.
	// When the relocation is carried out, the source and destination swap underlying regions and
	// this object is used to free the vacated source region.
	DstTmpAllocation *T
}

// MoveAllocationData is the engine's view of a single movable allocation, retrieved from the
// consumer via BlockList.MoveDataForUserData.
type MoveAllocationData[T any] struct {
	// Alignment is the alignment the allocation was originally created with, which any
	// destination region must also honor
	Alignment uint
	// SuballocationType is the consumer's type value for the allocation, used for placement
	// granularity conflict checks in the destination block
	SuballocationType uint32
	// Flags is an opaque set of consumer flags carried through to
	// BlockList.CommitDefragAllocationRequest
	Flags uint32
	// Move is the partially-populated relocation for this allocation- the destination fields are
	// filled in if and when the engine reserves a destination region
	Move DefragmentationMove[T]
}
