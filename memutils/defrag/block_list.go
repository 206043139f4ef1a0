package defrag

import (
	"github.com/gravelmem/gravel/memutils"
	"github.com/gravelmem/gravel/memutils/metadata"
)

// BlockList is the engine's window into the memory system being defragmented. It is implemented
// by any ordered collection of memory blocks whose contents can be relocated- a memory pool, for
// instance. The type parameter T is the consumer's allocation object.
type BlockList[T any] interface {
	// MetadataForBlock retrieves the metadata for the block at the provided index
	MetadataForBlock(index int) metadata.BlockMetadata
	// BlockCount retrieves the number of blocks in this list
	BlockCount() int
	// AddStatistics accumulates allocation statistics across all blocks in the list
	AddStatistics(stats *memutils.Statistics)
	// MoveDataForUserData maps the userData value attached to a block metadata allocation back to
	// the consumer's allocation object and its relocation requirements
	MoveDataForUserData(userData any) MoveAllocationData[T]
	// BufferImageGranularity retrieves the placement granularity for blocks in this list
	BufferImageGranularity() int

	Lock()
	Unlock()

	// CreateAlloc creates an empty allocation object that the engine can reserve destination
	// regions into
	CreateAlloc() *T
	// CommitDefragAllocationRequest commits a destination region reserved by the engine,
	// populating outAlloc with the result. It returns memutils.ErrOutOfDeviceMemory (possibly
	// wrapped) if the region could not be committed for capacity reasons.
	CommitDefragAllocationRequest(allocRequest metadata.AllocationRequest, blockIndex int, alignment uint, flags uint32, userData any, suballocType uint32, outAlloc *T) error
	// SwapBlocks exchanges the positions of two blocks within the list
	SwapBlocks(leftIndex, rightIndex int)
}
