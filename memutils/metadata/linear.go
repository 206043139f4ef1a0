package metadata

import (
	"fmt"
	"log/slog"
	"math"
	"unsafe"

	"github.com/gravelmem/gravel/memutils"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
)

type secondVectorMode uint32

const (
	SecondVectorModeEmpty secondVectorMode = iota
	SecondVectorModeRingBuffer
	SecondVectorModeDoubleStack
)

var secondVectorModeMapping = map[secondVectorMode]string{
	SecondVectorModeEmpty:       "SecondVectorModeEmpty",
	SecondVectorModeRingBuffer:  "SecondVectorModeRingBuffer",
	SecondVectorModeDoubleStack: "SecondVectorModeDoubleStack",
}

func (m secondVectorMode) String() string {
	return secondVectorModeMapping[m]
}

// LinearBlockMetadata is a BlockMetadata implementation that represents a simple
// vector memory arena with a contiguous cursor. It trades free-order flexibility for O(1)
// allocation and free and zero fragmentation, which makes it a good fit for per-frame or
// otherwise transient memory.
//
// The LinearBlockMetadata has three operation modes:
//   - Stack, which is the default. Allocations are placed at the end of the current vector
//     and are normally freed in strict reverse order of allocation.
//   - Double stack, which the metadata switches to when it is in stack mode and a new
//     allocation with upperAddress=true is requested. The metadata functions like two
//     stacks growing toward each other, with the second one allocated to with
//     upperAddress=true.
//   - Ring buffer, which the metadata switches to if an allocation no longer fits after
//     the front cursor but space has been released at the bottom of the block. Allocations
//     wrap around to the low end. When the older segment empties entirely, the two
//     segments are swapped and the ring may straighten back out into a stack.
//
// Under every mode, frees are only valid at the ends of the live range: the most recent
// allocation of either stack, or the oldest live allocation (which is how a ring is
// consumed). Freeing anything in the middle fails with memutils.ErrInvalidArgument.
type LinearBlockMetadata struct {
	BlockMetadataBase

	sumFreeSize      int
	suballocations0  []Suballocation
	suballocations1  []Suballocation
	firstVectorIndex int
	secondVectorMode secondVectorMode

	// Number of exhausted items at the beginning of the first vector, produced by consuming
	// the oldest end of the block ring-buffer style.
	firstNullItemsBeginCount int
}

var _ BlockMetadata = &LinearBlockMetadata{}

// NewLinearBlockMetadata creates a new LinearBlockMetadata from granularity properties.
// The granularity properties are passed to NewBlockMetadata.
func NewLinearBlockMetadata(bufferImageGranularity int, granularityHandler GranularityCheck) *LinearBlockMetadata {
	return &LinearBlockMetadata{
		BlockMetadataBase: NewBlockMetadata(bufferImageGranularity, granularityHandler),
		secondVectorMode:  SecondVectorModeEmpty,
		suballocations0:   []Suballocation{},
		suballocations1:   []Suballocation{},
	}
}

// SumFreeSize returns the number of free bytes of memory in the block.
func (m *LinearBlockMetadata) SumFreeSize() int {
	return m.sumFreeSize
}

// LargestFreeRegionSize returns an upper bound on the largest contiguous free region. The
// linear algorithm does not track its free space as discrete regions, so this is simply the
// total free size.
func (m *LinearBlockMetadata) LargestFreeRegionSize() int {
	return m.sumFreeSize
}

// IsEmpty will return true if this block has no live suballocations
func (m *LinearBlockMetadata) IsEmpty() bool {
	return m.AllocationCount() == 0
}

// SupportsRandomAccess returns a boolean indicating whether the implementation allows allocations
// to be made in arbitrary sections of the managed block, or whether the implementation demands
// that allocation offsets be deterministic. The LinearBlockMetadata implementation always returns
// false.
func (m *LinearBlockMetadata) SupportsRandomAccess() bool { return false }

// AllocationOffset accepts a BlockAllocationHandle that maps to a live region of memory
// (allocated or free) within the block and returns the offset in bytes within the block for that
// region of memory. Linear handles encode the offset directly.
func (m *LinearBlockMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	return int(allocHandle) - 1, nil
}

// Init prepares this structure for allocations and sizes the block in bytes based on the parameter size.
func (m *LinearBlockMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)
	m.sumFreeSize = size
}

// Validate performs internal consistency checks on the metadata. These checks may be expensive, depending
// on the implementation. When the implementation is functioning correctly, it should not be possible
// for this method to return an error, but this may assist in diagnosing issues with the implementation.
func (m *LinearBlockMetadata) Validate() error {
	firstVector := *m.accessSuballocationsFirst()
	secondVector := *m.accessSuballocationsSecond()

	if len(secondVector) == 0 && m.secondVectorMode != SecondVectorModeEmpty {
		return errors.New("the second vector mode isn't SecondVectorModeEmpty, but the second vector is empty")
	} else if len(secondVector) != 0 && m.secondVectorMode == SecondVectorModeEmpty {
		return errors.New("the second vector mode is SecondVectorModeEmpty, but the second vector isn't empty")
	}

	if m.firstNullItemsBeginCount > len(firstVector) {
		return errors.Errorf("metadata indicates that there are %d exhausted items in the primary vector, but there are only %d total items", m.firstNullItemsBeginCount, len(firstVector))
	}


	for i := 0; i < m.firstNullItemsBeginCount; i++ {
		if firstVector[i].Type != 0 {
			return errors.Errorf("item %d of the primary vector should be exhausted, but is live", i)
		}
	}

	var sumUsedSize, offset int
	debugMargin := memutils.DebugMargin

	if m.secondVectorMode == SecondVectorModeRingBuffer {
		if len(firstVector) == 0 && len(secondVector) != 0 {
			return errors.New("invalid ring buffer setup")
		}

		for suballocIndex, suballoc := range secondVector {
			if suballoc.Type == 0 {
				return errors.Errorf("suballoc at index %d in the secondary ring buffer is free, which the ring discipline should never produce", suballocIndex)
			}

			if suballoc.Offset < offset {
				return errors.Errorf("suballoc at index %d in the secondary ring buffer has offset %d- this collides with previous suballocations, expected offset %d", suballocIndex, suballoc.Offset, offset)
			}

			sumUsedSize += suballoc.Size
			offset = suballoc.Offset + suballoc.Size + debugMargin
		}
	}

	for suballocIndex := m.firstNullItemsBeginCount; suballocIndex < len(firstVector); suballocIndex++ {
		suballoc := firstVector[suballocIndex]

		if suballoc.Type == 0 {
			return errors.Errorf("suballoc at index %d in the primary vector is free, but exhausted items may only appear at the beginning", suballocIndex)
		}

		if suballoc.Offset < offset {
			return errors.Errorf("suballoc at index %d in the primary vector has offset %d- this collides with previous suballocations, expected offset %d", suballocIndex, suballoc.Offset, offset)
		}

		sumUsedSize += suballoc.Size
		offset = suballoc.Offset + suballoc.Size + debugMargin
	}

	if m.secondVectorMode == SecondVectorModeDoubleStack {
		for suballocIndex, suballoc := range secondVector {
			if suballoc.Type == 0 {
				return errors.Errorf("suballoc at index %d in the upper stack is free, which the stack discipline should never produce", suballocIndex)
			}

			if suballoc.Offset < offset {
				return errors.Errorf("suballoc at index %d in the upper stack has offset %d- this collides with previous suballocations, expected offset %d", suballocIndex, suballoc.Offset, offset)
			}

			sumUsedSize += suballoc.Size
			offset = suballoc.Offset - suballoc.Size - debugMargin
		}
	}

	if offset > m.Size() {
		return errors.Errorf("calculated a combined maximum memory offset of %d, but the metadata indicates a total size of %d, which is smaller", offset, m.Size())
	}

	if m.sumFreeSize != m.Size()-sumUsedSize {
		return errors.Errorf("the metadata's free size %d and the calculated used size %d don't add up to the metadata-reported size of %d", m.sumFreeSize, sumUsedSize, m.Size())
	}

	return nil
}

// AllocationCount returns the number of suballocations currently live in the implementation. This number
// should generally be the number of successful allocations minus the number of successful frees.
func (m *LinearBlockMetadata) AllocationCount() int {
	first := *m.accessSuballocationsFirst()
	second := *m.accessSuballocationsSecond()

	return len(first) - m.firstNullItemsBeginCount + len(second)
}

// FreeRegionsCount is supposed to return the number of unique regions of free memory in the block,
// for defragmentation.  LinearBlockMetadata cannot be defragmented, though, so this method just
// returns math.MaxInt
func (m *LinearBlockMetadata) FreeRegionsCount() int {
	// This function is used for defragmentation, which is disabled for this algorithm
	return math.MaxInt
}

// VisitAllRegions will call the provided callback once for each allocation and free region in
// the block.  Depending on implementation, this can be extremely slow and should generally not
// be done except for diagnostic purposes.
func (m *LinearBlockMetadata) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	size := m.Size()
	firstVector := *m.accessSuballocationsFirst()
	secondVector := *m.accessSuballocationsSecond()
	lastOffset := 0

	if m.secondVectorMode == SecondVectorModeRingBuffer {
		var freeSpaceSecondToFirstEnd int
		if m.firstNullItemsBeginCount < len(firstVector) {
			freeSpaceSecondToFirstEnd = firstVector[m.firstNullItemsBeginCount].Offset
		}
		nextAllocSecondIndex := 0

		for lastOffset < freeSpaceSecondToFirstEnd {
			if nextAllocSecondIndex < len(secondVector) {
				suballoc := secondVector[nextAllocSecondIndex]

				// Free space before the allocation
				if lastOffset < suballoc.Offset {
					err := handleBlock(BlockAllocationHandle(lastOffset), lastOffset, suballoc.Offset-lastOffset, nil, true)
					if err != nil {
						return err
					}
				}

				err := handleBlock(BlockAllocationHandle(suballoc.Offset), suballoc.Offset, suballoc.Size, suballoc.UserData, false)
				if err != nil {
					return err
				}

				lastOffset = suballoc.Offset + suballoc.Size
				nextAllocSecondIndex++
			} else {
				// Free space after the final allocation of the ring segment
				if lastOffset < freeSpaceSecondToFirstEnd {
					err := handleBlock(BlockAllocationHandle(lastOffset), lastOffset, freeSpaceSecondToFirstEnd-lastOffset, nil, true)
					if err != nil {
						return err
					}
				}

				lastOffset = freeSpaceSecondToFirstEnd
			}
		}
	}

	nextAllocFirstIndex := m.firstNullItemsBeginCount

	// What offset does the first vector end on?  Usually it's wherever the memory range ends
	freeSpaceFirstToSecondEnd := size

	if m.secondVectorMode == SecondVectorModeDoubleStack && len(secondVector) > 0 {
		// However, with double stacks, it ends at the end of the second vector
		freeSpaceFirstToSecondEnd = secondVector[len(secondVector)-1].Offset
	}

	for lastOffset < freeSpaceFirstToSecondEnd {
		if nextAllocFirstIndex < len(firstVector) {
			suballoc := firstVector[nextAllocFirstIndex]

			// Free space before the allocation
			if lastOffset < suballoc.Offset {
				err := handleBlock(BlockAllocationHandle(lastOffset), lastOffset, suballoc.Offset-lastOffset, nil, true)
				if err != nil {
					return err
				}
			}

			err := handleBlock(BlockAllocationHandle(suballoc.Offset), suballoc.Offset, suballoc.Size, suballoc.UserData, false)
			if err != nil {
				return err
			}

			lastOffset = suballoc.Offset + suballoc.Size
			nextAllocFirstIndex++
		} else {
			// Free space after the final allocation
			err := handleBlock(BlockAllocationHandle(lastOffset), lastOffset, freeSpaceFirstToSecondEnd-lastOffset, nil, true)
			if err != nil {
				return err
			}

			lastOffset = freeSpaceFirstToSecondEnd
		}
	}

	if m.secondVectorMode == SecondVectorModeDoubleStack {
		nextAllocSecondIndex := len(secondVector) - 1
		for lastOffset < size {
			if nextAllocSecondIndex >= 0 {
				suballoc := secondVector[nextAllocSecondIndex]

				// Free space before the allocation
				if lastOffset < suballoc.Offset {
					err := handleBlock(BlockAllocationHandle(lastOffset), lastOffset, suballoc.Offset-lastOffset, nil, true)
					if err != nil {
						return err
					}
				}

				err := handleBlock(BlockAllocationHandle(suballoc.Offset), suballoc.Offset, suballoc.Size, suballoc.UserData, false)
				if err != nil {
					return err
				}

				lastOffset = suballoc.Offset + suballoc.Size
				nextAllocSecondIndex--
			} else {
				// Free space after the final allocation
				err := handleBlock(BlockAllocationHandle(lastOffset), lastOffset, size-lastOffset, nil, true)
				if err != nil {
					return err
				}

				lastOffset = size
			}
		}
	}

	return nil
}

// AddDetailedStatistics sums this block's allocation statistics into the statistics currently present
// in the provided memutils.DetailedStatistics object.
func (m *LinearBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.Statistics.BlockCount++
	stats.Statistics.BlockBytes += m.Size()

	_ = m.VisitAllRegions(
		func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			if free {
				stats.AddUnusedRange(size)
			} else {
				stats.AddAllocation(size)
			}

			return nil
		})
}

// AddStatistics sums this block's allocation statistics into the statistics currently present in the
// provided memutils.Statistics object.
func (m *LinearBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	size := m.Size()
	stats.BlockCount++
	stats.BlockBytes += size
	stats.AllocationBytes += size - m.sumFreeSize
	stats.AllocationCount += m.AllocationCount()
}

// BlockJsonData populates a json object with information about this block
func (m *LinearBlockMetadata) BlockJsonData(json jwriter.ObjectState) {
	size := m.Size()
	var unusedRangeCount, usedBytes, allocCount int

	_ = m.VisitAllRegions(
		func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			if free {
				unusedRangeCount++
			} else {
				usedBytes += size
				allocCount++
			}

			return nil
		})

	unusedBytes := size - usedBytes
	m.BlockMetadataBase.BlockJsonData(json, unusedBytes, allocCount, unusedRangeCount)
}

// DebugLogAllAllocations calls logFunc once for each live allocation in the block.
func (m *LinearBlockMetadata) DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, offset int, size int, userData any)) {
	_ = m.VisitAllRegions(
		func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			if !free {
				logFunc(logger, offset, size, userData)
			}

			return nil
		})
}

// CreateAllocationRequest retrieves an AllocationRequest object indicating where and how the implementation
// would prefer to allocate the requested memory. That object can be passed to Alloc to commit the
// allocation. The strategy and maxOffset parameters are ignored: allocation placement is fully
// deterministic in this implementation.
func (m *LinearBlockMetadata) CreateAllocationRequest(
	allocSize int, allocAlignment uint,
	upperAddress bool,
	allocType uint32,
	strategy AllocationStrategy,
	maxOffset int,
) (bool, AllocationRequest, error) {
	if allocSize <= 0 {
		return false, AllocationRequest{}, errors.Wrapf(memutils.ErrInvalidArgument, "invalid allocSize: %d", allocSize)
	}
	if allocType == 0 {
		return false, AllocationRequest{}, errors.Wrap(memutils.ErrInvalidArgument, "allocation type cannot be the free sentinel")
	}
	memutils.DebugValidate(m)

	allocRequest := AllocationRequest{
		Size: allocSize,
	}
	if upperAddress {
		success, err := m.populateAllocationRequestUpper(allocSize, allocAlignment, allocType, &allocRequest)
		return success, allocRequest, err
	}

	success := m.populateAllocationRequestLower(allocSize, allocAlignment, allocType, &allocRequest)
	return success, allocRequest, nil
}

// CheckCorruption accepts a pointer to the underlying memory that this block manages. It will return
// nil if anti-corruption memory markers are present for every suballocation in the block.
//
// Anti-corruption memory markers are only written when memutils is built with the build flag
// `debug_mem_utils`, and it is the responsibility of consumers to write the debug markers themselves
// after allocation, by calling memutils.WriteMagicValue with the same pointer sent to CheckCorruption.
func (m *LinearBlockMetadata) CheckCorruption(blockData unsafe.Pointer) error {
	firstVector := *m.accessSuballocationsFirst()

	for i := m.firstNullItemsBeginCount; i < len(firstVector); i++ {
		suballoc := firstVector[i]
		if suballoc.Type != 0 && !memutils.ValidateMagicValue(blockData, suballoc.Offset+suballoc.Size) {
			return errors.New("memory corruption detected after validated allocation")
		}
	}

	secondVector := *m.accessSuballocationsSecond()
	for i := 0; i < len(secondVector); i++ {
		suballoc := secondVector[i]
		if suballoc.Type != 0 && !memutils.ValidateMagicValue(blockData, suballoc.Offset+suballoc.Size) {
			return errors.New("memory corruption detected after validated allocation")
		}
	}

	return nil
}

// Alloc commits an AllocationRequest object, creating the suballocation within the block based
// on the data described in the AllocationRequest. The implementation must return an error if the
// allocation is no longer valid- i.e. the requested free region no longer exists, is not free,
// offset has changed, is no longer large enough to support the request, etc.
func (m *LinearBlockMetadata) Alloc(req AllocationRequest, allocType uint32, userData any) error {
	offset := int(req.BlockAllocationHandle) - 1
	newSuballoc := Suballocation{
		Offset:   offset,
		Size:     req.Size,
		UserData: userData,
		Type:     allocType,
	}

	switch req.Type {
	case AllocationRequestUpperAddress:
		if m.secondVectorMode == SecondVectorModeRingBuffer {
			return errors.New("critical error: trying to use linear allocator as double stack while it was already being used as a ring buffer")
		}
		secondVector := m.accessSuballocationsSecond()
		*secondVector = append(*secondVector, newSuballoc)
		m.secondVectorMode = SecondVectorModeDoubleStack
	case AllocationRequestEndOf1st:
		firstVector := m.accessSuballocationsFirst()

		if len(*firstVector) > 0 {
			lastItem := (*firstVector)[len(*firstVector)-1]
			if offset < lastItem.Offset+lastItem.Size {
				return errors.New("attempted to allocate memory in the middle of active memory")
			}
		}

		if offset+req.Size > m.Size() {
			return errors.New("attempted to allocate memory past the end of the block")
		}

		*firstVector = append(*firstVector, newSuballoc)
	case AllocationRequestEndOf2nd:
		firstVector := *m.accessSuballocationsFirst()
		// New allocation at the wrapped end of the ring buffer, so it must land before the
		// oldest live allocation from the first vector
		if len(firstVector) == 0 {
			return errors.New("attempted to allocate into the wrapped segment of a ring buffer, but the first segment had no allocations")
		}
		if offset+req.Size > firstVector[m.firstNullItemsBeginCount].Offset {
			return errors.New("attempted to allocate into the wrapped segment of a ring buffer, but the allocation extended into the first segment")
		}
		secondVector := m.accessSuballocationsSecond()
		switch m.secondVectorMode {
		case SecondVectorModeEmpty:
			if len(*secondVector) > 0 {
				return errors.New("the second vector was marked as empty, but was not empty")
			}

			m.secondVectorMode = SecondVectorModeRingBuffer
		case SecondVectorModeRingBuffer:
			if len(*secondVector) == 0 {
				return errors.New("the second vector was marked as a ring buffer, but was empty")
			}
		case SecondVectorModeDoubleStack:
			return errors.New("attempted to allocate as a ring buffer when the vector was marked as a stack")
		}

		*secondVector = append(*secondVector, newSuballoc)
	default:
		return errors.Errorf("attempted to allocate a request of type %s, but that type isn't supported by the Linear metadata", req.Type)
	}

	m.sumFreeSize -= newSuballoc.Size
	return nil
}

// Free frees a suballocation within the block, causing its space to become reusable.
//
// The linear disciplines only permit freeing at the ends of the live range: the most recent
// allocation of either stack, or the oldest live allocation, which consumes the block
// ring-buffer style and is what allows later allocations to wrap around to the low end. Any
// other free fails with an error wrapping memutils.ErrInvalidArgument, and the allocation
// remains live.
func (m *LinearBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	firstVectorPtr := m.accessSuballocationsFirst()
	firstVector := *firstVectorPtr
	secondVectorPtr := m.accessSuballocationsSecond()
	secondVector := *secondVectorPtr

	offset := int(allocHandle) - 1

	// The oldest live allocation- the consuming end of a ring buffer
	if len(firstVector) > m.firstNullItemsBeginCount {
		firstSuballoc := &(firstVector[m.firstNullItemsBeginCount])
		if firstSuballoc.Offset == offset {
			firstSuballoc.Type = 0
			firstSuballoc.UserData = nil
			m.sumFreeSize += firstSuballoc.Size
			m.firstNullItemsBeginCount++
			m.cleanupAfterFree()
			return nil
		}
	}

	// Top of the upper stack or the newest wrapped ring allocation
	if len(secondVector) > 0 {
		lastSuballoc := secondVector[len(secondVector)-1]
		if lastSuballoc.Offset == offset {
			m.sumFreeSize += lastSuballoc.Size
			*secondVectorPtr = secondVector[0 : len(secondVector)-1]
			m.cleanupAfterFree()
			return nil
		}
	}

	// Top of the primary stack
	if m.secondVectorMode != SecondVectorModeRingBuffer && len(firstVector) > m.firstNullItemsBeginCount {
		lastSuballoc := firstVector[len(firstVector)-1]
		if lastSuballoc.Offset == offset {
			m.sumFreeSize += lastSuballoc.Size
			*firstVectorPtr = firstVector[0 : len(firstVector)-1]
			m.cleanupAfterFree()
			return nil
		}
	}

	if _, err := m.findSuballocation(offset); err != nil {
		return errors.New("allocation to free not found in this allocator")
	}

	return errors.Wrap(memutils.ErrInvalidArgument, "the linear algorithm can only free the most recent allocation of a stack or the oldest allocation of a ring buffer")
}

// AllocationUserData accepts a BlockAllocationHandle that maps to a live allocation within the block
// and returns the userdata value provided by the consumer for that allocation.
//
// The implementation must return an error if the provided handle does not map to a live allocation
// within this block.
func (m *LinearBlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	suballoc, err := m.findSuballocation(int(allocHandle) - 1)
	if err != nil {
		return nil, err
	}
	return suballoc.UserData, nil
}

// AllocationListBegin will return an error because LinearBlockMetadata does not allow random access to allocations
func (m *LinearBlockMetadata) AllocationListBegin() (BlockAllocationHandle, error) {
	return 0, errors.New("this allocator does not support random access")
}

// FindNextAllocation will return an error because LinearBlockMetadata does not allow random access to allocations
func (m *LinearBlockMetadata) FindNextAllocation(allocHandle BlockAllocationHandle) (BlockAllocationHandle, error) {
	return 0, errors.New("this allocator does not support random access")
}

// FindNextFreeRegionSize will return an error because LinearBlockMetadata does not allow random access to allocations
func (m *LinearBlockMetadata) FindNextFreeRegionSize(allocHandle BlockAllocationHandle) (int, error) {
	return 0, errors.New("this allocator does not support random access")
}

// MayHaveFreeBlock should return a heuristic indicating whether the block could possibly support a new
// allocation of the provided type and size. False positives are acceptable, false negatives are not.
func (m *LinearBlockMetadata) MayHaveFreeBlock(allocType uint32, size int) bool {
	return size <= m.sumFreeSize
}

// Clear instantly frees all allocations and resets the state of the metadata
func (m *LinearBlockMetadata) Clear() {
	m.sumFreeSize = m.Size()
	m.suballocations0 = m.suballocations0[:0]
	m.suballocations1 = m.suballocations1[:0]
	m.secondVectorMode = SecondVectorModeEmpty
	m.firstNullItemsBeginCount = 0
}

// SetAllocationUserData accepts a BlockAllocationHandle that maps to a live allocation within the
// block and a userData value. The allocation's userData is changed to the provided userData.
//
// The implementation must return an error if the provided handle does not map to a live allocation
// within this block.
func (m *LinearBlockMetadata) SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error {
	suballoc, err := m.findSuballocation(int(allocHandle) - 1)
	if err != nil {
		return err
	}
	suballoc.UserData = userData
	return nil
}

func (m *LinearBlockMetadata) findSuballocation(offset int) (*Suballocation, error) {
	firstVector := *m.accessSuballocationsFirst()
	for index := m.firstNullItemsBeginCount; index < len(firstVector); index++ {
		if firstVector[index].Offset == offset {
			return &(firstVector[index]), nil
		}
	}

	if m.secondVectorMode != SecondVectorModeEmpty {
		secondVector := *m.accessSuballocationsSecond()
		for index := 0; index < len(secondVector); index++ {
			if secondVector[index].Offset == offset {
				return &(secondVector[index]), nil
			}
		}
	}

	return nil, errors.New("allocation not found in linear allocator")
}

func (m *LinearBlockMetadata) cleanupAfterFree() {
	firstVectorPtr := m.accessSuballocationsFirst()
	firstVector := *firstVectorPtr
	secondVectorPtr := m.accessSuballocationsSecond()
	secondVector := *secondVectorPtr

	if m.IsEmpty() {
		m.suballocations0 = m.suballocations0[:0]
		m.suballocations1 = m.suballocations1[:0]
		m.firstNullItemsBeginCount = 0
		m.secondVectorMode = SecondVectorModeEmpty
		return
	}

	// Trim the exhausted prefix of the ring once it dominates the vector, so the backing array
	// does not grow without bound under steady ring churn
	if m.firstNullItemsBeginCount > 32 && m.firstNullItemsBeginCount*2 >= len(firstVector) {
		liveCount := len(firstVector) - m.firstNullItemsBeginCount
		copy(firstVector, firstVector[m.firstNullItemsBeginCount:])
		firstVector = firstVector[:liveCount]
		*firstVectorPtr = firstVector
		m.firstNullItemsBeginCount = 0
	}

	// Second vector became empty
	if len(secondVector) == 0 {
		m.secondVectorMode = SecondVectorModeEmpty
	}

	// First vector became empty
	if len(firstVector)-m.firstNullItemsBeginCount == 0 {
		*firstVectorPtr = firstVector[:0]
		m.firstNullItemsBeginCount = 0

		if len(secondVector) > 0 && m.secondVectorMode == SecondVectorModeRingBuffer {
			// The wrapped segment becomes the new first segment
			m.secondVectorMode = SecondVectorModeEmpty
			m.firstVectorIndex ^= 1
		}
	}
}

func blocksOnSamePage(resourceOffset1, resourceSize1, resourceOffset2, pagesize int) bool {
	if resourceOffset1+resourceSize1 > resourceOffset2 {
		panic(fmt.Sprintf("resource 1 must be before resource 2 in memory, but resource1 ends at offset %d and resource 2 is at offset %d", resourceOffset1+resourceSize1, resourceOffset2))
	}
	if resourceSize1 < 1 {
		panic(fmt.Sprintf("resource 1 must have a positive size, but has a size of %d", resourceSize1))
	}
	if pagesize < 1 {
		panic(fmt.Sprintf("the page size must be positive, but is %d", pagesize))
	}

	resource1End := resourceOffset1 + resourceSize1 - 1
	resource1EndPage := resource1End & ^(pagesize - 1)
	resource2StartPage := resourceOffset2 & ^(pagesize - 1)

	return resource1EndPage == resource2StartPage
}

func (m *LinearBlockMetadata) populateAllocationRequestLower(
	allocSize int, allocAlignment uint,
	allocType uint32,
	allocRequest *AllocationRequest,
) bool {
	debugMargin := memutils.DebugMargin
	firstVector := *m.accessSuballocationsFirst()
	secondVector := *m.accessSuballocationsSecond()

	if m.secondVectorMode == SecondVectorModeEmpty || m.secondVectorMode == SecondVectorModeDoubleStack {
		// Try to allocate at the end of the first vector
		var resultBaseOffset int
		if len(firstVector) > 0 {
			lastSubAlloc := firstVector[len(firstVector)-1]
			resultBaseOffset = lastSubAlloc.Offset + lastSubAlloc.Size + debugMargin
		}

		// Start from the beginning of free space and move forward
		resultOffset := memutils.AlignUp(resultBaseOffset, allocAlignment)

		// Check previous suballocations for granularity conflict & align up if necessary
		if m.allocationGranularity > 1 && m.allocationGranularity != int(allocAlignment) && len(firstVector) > 0 {
			var granularityConflict bool

			for prevSuballocIndex := len(firstVector) - 1; prevSuballocIndex >= 0; prevSuballocIndex-- {
				prevSuballoc := firstVector[prevSuballocIndex]
				samePage := blocksOnSamePage(prevSuballoc.Offset, prevSuballoc.Size, resultOffset, m.allocationGranularity)

				if !samePage {
					// We've passed beyond the bounds of the result offset's page
					break
				}

				if m.granularityHandler.AllocationsConflict(prevSuballoc.Type, allocType) {
					granularityConflict = true
					break
				}
			}

			if granularityConflict {
				resultOffset = memutils.AlignUp(resultOffset, uint(m.allocationGranularity))
			}
		}

		freeSpaceEnd := m.Size()

		if m.secondVectorMode == SecondVectorModeDoubleStack && len(secondVector) > 0 {
			// First vector only goes to the beginning of the second vector in a double stack
			freeSpaceEnd = secondVector[len(secondVector)-1].Offset
		}

		if resultOffset+allocSize+debugMargin <= freeSpaceEnd {
			// We have enough free space to allocate right here
			if (allocSize%m.allocationGranularity > 0 || resultOffset%m.allocationGranularity > 0) && m.secondVectorMode == SecondVectorModeDoubleStack {
				// If we have a double stack, check the second vector to see if there's granularity
				// conflicts with our intended spot
				for nextSuballocIndex := len(secondVector) - 1; nextSuballocIndex >= 0; nextSuballocIndex-- {
					nextSuballoc := secondVector[nextSuballocIndex]
					samePage := blocksOnSamePage(resultOffset, allocSize, nextSuballoc.Offset, m.allocationGranularity)

					if !samePage {
						// We've passed beyond the bounds of the result offset's page
						break
					}

					if m.granularityHandler.AllocationsConflict(allocType, nextSuballoc.Type) {
						// We're already as far back as we can manage, so there's no room to place this alloc
						return false
					}
				}
			}

			// We're good to allocate in the first vector
			allocRequest.BlockAllocationHandle = BlockAllocationHandle(resultOffset + 1)
			allocRequest.Type = AllocationRequestEndOf1st
			return true
		}
	}

	// In a ring buffer (or a full stack wrapping around to reclaimed space), we'll attempt to
	// allocate at the end of the second vector
	if m.secondVectorMode == SecondVectorModeEmpty || m.secondVectorMode == SecondVectorModeRingBuffer {
		if len(firstVector) == 0 {
			return false
		}

		var resultBaseOffset int
		if len(secondVector) > 0 {
			lastSuballoc := secondVector[len(secondVector)-1]
			resultBaseOffset = lastSuballoc.Offset + lastSuballoc.Size + debugMargin
		}

		resultOffset := memutils.AlignUp(resultBaseOffset, allocAlignment)

		// Check previous suballocations for image granularity conflicts
		if m.allocationGranularity > 1 && m.allocationGranularity != int(allocAlignment) && len(secondVector) > 0 {
			var bufferImageGranularityConflict bool
			for prevSuballocIndex := len(secondVector) - 1; prevSuballocIndex >= 0; prevSuballocIndex-- {
				prevSuballoc := secondVector[prevSuballocIndex]
				samePage := blocksOnSamePage(prevSuballoc.Offset, prevSuballoc.Size, resultOffset, m.allocationGranularity)

				if samePage {
					if m.granularityHandler.AllocationsConflict(prevSuballoc.Type, allocType) {
						bufferImageGranularityConflict = true
						break
					}
				} else {
					// We've passed beyond the bounds of the result offset's page
					break
				}
			}

			if bufferImageGranularityConflict {
				resultOffset = memutils.AlignUp(resultOffset, uint(m.allocationGranularity))
			}
		}

		// See if there's enough space before the beginning of the first vector
		firstVectorIndex := m.firstNullItemsBeginCount
		if (firstVectorIndex == len(firstVector) && resultOffset+allocSize+debugMargin <= m.Size()) ||
			(firstVectorIndex < len(firstVector) && resultOffset+allocSize+debugMargin <= firstVector[firstVectorIndex].Offset) {

			// Check next suballocations for image granularity conflicts
			for nextSuballocIndex := firstVectorIndex; nextSuballocIndex < len(firstVector); nextSuballocIndex++ {
				nextSuballoc := firstVector[nextSuballocIndex]
				samePage := blocksOnSamePage(resultOffset, allocSize, nextSuballoc.Offset, m.allocationGranularity)

				if samePage {
					if m.granularityHandler.AllocationsConflict(allocType, nextSuballoc.Type) {
						// We're back as far as we can be and still have a granularity conflict with
						// the next suballoc
						return false
					}
				} else {
					// We've passed beyond the bounds of the result offset's page
					break
				}
			}

			// We're good to allocate in the second vector
			allocRequest.BlockAllocationHandle = BlockAllocationHandle(resultOffset + 1)
			allocRequest.Type = AllocationRequestEndOf2nd
			return true
		}
	}

	// No good place to allocate
	return false
}

func (m *LinearBlockMetadata) populateAllocationRequestUpper(
	allocSize int, allocAlignment uint,
	allocType uint32,
	allocRequest *AllocationRequest,
) (bool, error) {
	firstVector := *m.accessSuballocationsFirst()
	secondVector := *m.accessSuballocationsSecond()

	if m.secondVectorMode == SecondVectorModeRingBuffer {
		return false, errors.New("ring buffers cannot allocate using upperAddress, that is reserved for double stacks")
	}

	if allocSize > m.Size() {
		// Too big
		return false, nil
	}

	baseOffset := m.Size() - allocSize
	// If there are items in the second vector, we need to put this item before the last item in the second vector
	if len(secondVector) > 0 {
		lastAlloc := secondVector[len(secondVector)-1]
		baseOffset = lastAlloc.Offset - allocSize
		if allocSize > lastAlloc.Offset {
			// Allocation can't fit into the upper end of the ring
			return false, nil
		}
	}

	// Start from the base offset and move forward
	resultOffset := baseOffset
	debugMargin := memutils.DebugMargin

	// Apply debug margin to the end of the allocation
	if debugMargin > 0 {
		if resultOffset < debugMargin {
			// No room when including the debug margin
			return false, nil
		}
		resultOffset -= debugMargin
	}

	// Apply alignment
	resultOffset = memutils.AlignDown(resultOffset, allocAlignment)

	// Check next suballocations from second vector for granularity conflicts. Increase alignment if
	// necessary
	if m.allocationGranularity > 1 && m.allocationGranularity != int(allocAlignment) && len(secondVector) > 0 {
		var bufferImageGranularityConflict bool
		for nextSuballocIndex := len(secondVector) - 1; nextSuballocIndex >= 0; nextSuballocIndex-- {
			nextSuballoc := secondVector[nextSuballocIndex]
			samePage := blocksOnSamePage(resultOffset, allocSize, nextSuballoc.Offset, m.allocationGranularity)

			if !samePage {
				// We've passed beyond the bounds of the result offset's page
				break
			}

			if m.granularityHandler.AllocationsConflict(nextSuballoc.Type, allocType) {
				bufferImageGranularityConflict = true
				break
			}
		}

		if bufferImageGranularityConflict {
			// We can't just align down the offset, we have to align down the last byte in the allocation
			endOffset := resultOffset + allocSize - 1
			alignedEndOffset := memutils.AlignDown(endOffset, uint(m.allocationGranularity))
			alignedDiff := endOffset - alignedEndOffset
			resultOffset = memutils.AlignDown(resultOffset-alignedDiff, uint(m.allocationGranularity))
		}
	}

	// We have a good offset & size for the second vector, but we need to check whether it collides with the first
	firstVectorEndOffset := 0
	if len(firstVector) > 0 {
		lastSuballoc := firstVector[len(firstVector)-1]
		firstVectorEndOffset = lastSuballoc.Offset + lastSuballoc.Size
	}

	if firstVectorEndOffset+debugMargin > resultOffset {
		// We backed the result offset into the end of the first vector
		return false, nil
	}

	if m.allocationGranularity > 1 {
		// Check first vector for granularity conflicts
		for prevSuballocIndex := len(firstVector) - 1; prevSuballocIndex >= 0; prevSuballocIndex-- {
			prevSuballoc := firstVector[prevSuballocIndex]
			samePage := blocksOnSamePage(prevSuballoc.Offset, prevSuballoc.Size, resultOffset, m.allocationGranularity)

			if !samePage {
				// We've passed beyond the bounds of the result offset's page
				break
			}

			if m.granularityHandler.AllocationsConflict(allocType, prevSuballoc.Type) {
				// Conflict with a block at the end of the first vector, and there's no room to maneuver
				// (we're already as far forward as we can go)
				return false, nil
			}
		}
	}

	// Everything is good, populate the request
	allocRequest.BlockAllocationHandle = BlockAllocationHandle(resultOffset + 1)
	allocRequest.Type = AllocationRequestUpperAddress
	return true, nil
}

func (m *LinearBlockMetadata) accessSuballocationsFirst() *[]Suballocation {
	if m.firstVectorIndex != 0 {
		return &m.suballocations1
	}

	return &m.suballocations0
}

func (m *LinearBlockMetadata) accessSuballocationsSecond() *[]Suballocation {
	if m.firstVectorIndex != 0 {
		return &m.suballocations0
	}

	return &m.suballocations1
}
