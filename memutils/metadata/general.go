package metadata

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/dolthub/swiss"
	"github.com/gravelmem/gravel/memutils"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

var generalNodeAllocator = sync.Pool{
	New: func() any {
		return &generalNode{}
	},
}

// generalNode is a single region of memory within a GeneralBlockMetadata, either free or taken.
// Nodes form a doubly-linked chain in physical (offset) order. Free nodes, other than the null
// node, additionally live in the metadata's free-by-size vector.
type generalNode struct {
	offset int
	size   int

	prevPhysical *generalNode
	nextPhysical *generalNode

	taken bool

	userData    any
	blockHandle BlockAllocationHandle
}

// GeneralBlockMetadata is a BlockMetadata implementation that maintains an ordered collection of
// free ranges and allows allocations to be placed with a per-request fit policy: first-fit
// (AllocationStrategyMinTime), best-fit (AllocationStrategyMinMemory), or worst-fit
// (AllocationStrategyMinFragmentation). Freed ranges are always coalesced with free neighbors,
// so adjacent free regions never exist and churn cannot grow fragmentation on its own.
//
// This is the only implementation in this package that supports random access, and therefore the
// only one usable with memutils/defrag.
type GeneralBlockMetadata struct {
	BlockMetadataBase

	allocCount int
	// Count and summed size of free nodes, not including the null node
	freeCount int
	freeSize  int

	nextAllocationHandle BlockAllocationHandle
	handleKey            *swiss.Map[BlockAllocationHandle, *generalNode]

	// Free nodes ordered by (size, offset). The null node is never present here.
	freeBySize []*generalNode

	// The null node is the free region at the tail of the block. It always exists, even when it
	// has size 0, and always terminates the physical chain.
	nullNode *generalNode
	// The node at offset 0, where physical-order walks begin
	firstNode *generalNode
}

var _ BlockMetadata = &GeneralBlockMetadata{}

func NewGeneralBlockMetadata(bufferImageGranularity int, granularityHandler GranularityCheck) *GeneralBlockMetadata {
	return &GeneralBlockMetadata{
		BlockMetadataBase: NewBlockMetadata(bufferImageGranularity, granularityHandler),
	}
}

func (m *GeneralBlockMetadata) allocateNode() *generalNode {
	n := generalNodeAllocator.Get().(*generalNode)
	n.offset = 0
	n.size = 0
	n.prevPhysical = nil
	n.nextPhysical = nil
	n.taken = false
	n.userData = nil
	n.blockHandle = BlockAllocationHandle(atomic.AddUint64((*uint64)(&m.nextAllocationHandle), 1))
	m.handleKey.Put(n.blockHandle, n)
	return n
}

func (m *GeneralBlockMetadata) recycleNode(n *generalNode) {
	m.handleKey.Delete(n.blockHandle)
	generalNodeAllocator.Put(n)
}

func (m *GeneralBlockMetadata) getNode(handle BlockAllocationHandle) (*generalNode, error) {
	node, ok := m.handleKey.Get(handle)
	if !ok {
		return nil, errors.New("received a handle that was incompatible with this metadata")
	}
	return node, nil
}

func compareFreeNodes(a, b *generalNode) int {
	if a.size != b.size {
		return a.size - b.size
	}
	return a.offset - b.offset
}

func (m *GeneralBlockMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)
	m.handleKey = swiss.NewMap[BlockAllocationHandle, *generalNode](42)

	m.nullNode = m.allocateNode()
	m.nullNode.size = size
	m.firstNode = m.nullNode
	m.freeBySize = m.freeBySize[:0]
}

func (m *GeneralBlockMetadata) SupportsRandomAccess() bool {
	return true
}

func (m *GeneralBlockMetadata) Validate() error {
	if m.SumFreeSize() > m.Size() {
		return errors.New("invalid metadata free size")
	}

	if m.nullNode.nextPhysical != nil {
		return errors.New("null node must be the tail of the physical chain")
	}
	if m.nullNode.taken {
		return errors.New("null node must be free")
	}
	if m.nullNode.prevPhysical != nil && m.nullNode.prevPhysical.nextPhysical != m.nullNode {
		return errors.New("null node has a physical node before it in its chain, but the reverse reference is broken")
	}

	// Check integrity of the free-by-size vector
	for i := 0; i < len(m.freeBySize); i++ {
		node := m.freeBySize[i]
		if node.taken {
			return errors.Errorf("node at offset %d is in the free vector but is not free", node.offset)
		}
		if node == m.nullNode {
			return errors.New("the null node must not appear in the free vector")
		}
		if i > 0 && compareFreeNodes(m.freeBySize[i-1], node) >= 0 {
			return errors.Errorf("the free vector is out of order at index %d", i)
		}
	}

	nextOffset := m.nullNode.offset
	calculatedSize := m.nullNode.size
	calculatedFreeSize := m.nullNode.size
	var allocCount, freeCount int

	validateCtx := m.granularityHandler.StartValidation()

	for prev := m.nullNode.prevPhysical; prev != nil; prev = prev.prevPhysical {
		if prev.offset+prev.size != nextOffset {
			return errors.Errorf("physical node at offset %d does not end at the next node's start offset", prev.offset)
		}

		nextOffset = prev.offset
		calculatedSize += prev.size

		if prev.taken {
			allocCount++

			err := m.granularityHandler.Validate(validateCtx, prev.offset, prev.size)
			if err != nil {
				return err
			}
		} else {
			freeCount++
			calculatedFreeSize += prev.size

			if prev.prevPhysical != nil && !prev.prevPhysical.taken && prev.size != memutils.DebugMargin && prev.prevPhysical.size != memutils.DebugMargin {
				return errors.Errorf("free node at offset %d was not coalesced with the free node before it", prev.offset)
			}
		}

		if prev.prevPhysical != nil && prev.prevPhysical.nextPhysical != prev {
			return errors.Errorf("node at offset %d has a previous physical node, but the reverse reference is broken", prev.offset)
		}
	}

	if freeCount != len(m.freeBySize) {
		return errors.Errorf("the free vector holds %d nodes, but there were %d free nodes in the physical chain", len(m.freeBySize), freeCount)
	}

	err := m.granularityHandler.FinishValidation(validateCtx)
	if err != nil {
		return err
	}

	if nextOffset != 0 {
		return errors.Errorf("the first physical node should have an offset of 0, but instead it has an offset of %d", nextOffset)
	}

	if calculatedSize != m.Size() {
		return errors.Errorf("the full size of the metadata is %d, but the nodes only added up to %d", m.Size(), calculatedSize)
	}

	if calculatedFreeSize != m.SumFreeSize() {
		return errors.Errorf("the free size of the metadata is %d, but the free nodes only added up to %d", m.SumFreeSize(), calculatedFreeSize)
	}

	if allocCount != m.allocCount {
		return errors.Errorf("the allocation count of the metadata is %d, but the taken nodes only added up to %d", m.allocCount, allocCount)
	}

	if freeCount != m.freeCount {
		return errors.Errorf("the free node count of the metadata is %d, but there were only %d free nodes", m.freeCount, freeCount)
	}

	return nil
}

func (m *GeneralBlockMetadata) AllocationCount() int {
	return m.allocCount
}

func (m *GeneralBlockMetadata) FreeRegionsCount() int {
	count := m.freeCount
	if m.nullNode.size > 0 {
		count++
	}
	return count
}

func (m *GeneralBlockMetadata) SumFreeSize() int {
	return m.freeSize + m.nullNode.size
}

func (m *GeneralBlockMetadata) LargestFreeRegionSize() int {
	largest := m.nullNode.size
	if len(m.freeBySize) > 0 && m.freeBySize[len(m.freeBySize)-1].size > largest {
		largest = m.freeBySize[len(m.freeBySize)-1].size
	}
	return largest
}

func (m *GeneralBlockMetadata) MayHaveFreeBlock(allocType uint32, size int) bool {
	return size <= m.LargestFreeRegionSize()
}

func (m *GeneralBlockMetadata) IsEmpty() bool {
	return m.nullNode.offset == 0
}

func (m *GeneralBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.Size()
	if m.nullNode.size > 0 {
		stats.AddUnusedRange(m.nullNode.size)
	}

	for node := m.nullNode.prevPhysical; node != nil; node = node.prevPhysical {
		if node.taken {
			stats.AddAllocation(node.size)
		} else {
			stats.AddUnusedRange(node.size)
		}
	}
}

func (m *GeneralBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.AllocationCount += m.allocCount
	stats.BlockBytes += m.Size()
	stats.AllocationBytes += m.Size() - m.SumFreeSize()
}

func (m *GeneralBlockMetadata) CreateAllocationRequest(
	allocSize int, allocAlignment uint,
	upperAddress bool,
	allocType uint32,
	strategy AllocationStrategy,
	maxOffset int,
) (bool, AllocationRequest, error) {
	var allocRequest AllocationRequest

	if allocSize < 1 {
		return false, allocRequest, errors.Wrapf(memutils.ErrInvalidArgument, "invalid allocSize: %d", allocSize)
	}

	if upperAddress {
		return false, allocRequest, errors.Wrap(memutils.ErrInvalidArgument, "upper-address allocations can only be made against the linear algorithm")
	}

	memutils.DebugValidate(m)

	allocSize, allocAlignment = m.granularityHandler.RoundUpAllocRequest(allocType, allocSize, allocAlignment)
	allocSize += memutils.DebugMargin

	if allocSize > m.SumFreeSize() {
		return false, allocRequest, nil
	}

	switch {
	case strategy&(AllocationStrategyMinTime|AllocationStrategyMinOffset) != 0:
		// First-fit: walk the physical chain from offset 0 and take the first free range that
		// works. The null node is the chain tail, so it is naturally the last candidate.
		for node := m.firstNode; node != nil; node = node.nextPhysical {
			if !node.taken && node.size >= allocSize &&
				m.checkNode(node, allocSize, allocAlignment, allocType, maxOffset, &allocRequest) {
				return true, allocRequest, nil
			}
		}

	case strategy&AllocationStrategyMinFragmentation != 0:
		// Worst-fit: try the largest free ranges first
		if m.nullNode.size >= m.LargestFreeRegionSize() &&
			m.checkNode(m.nullNode, allocSize, allocAlignment, allocType, maxOffset, &allocRequest) {
			return true, allocRequest, nil
		}

		for i := len(m.freeBySize) - 1; i >= 0; i-- {
			node := m.freeBySize[i]
			if node.size < allocSize {
				break
			}
			if m.checkNode(node, allocSize, allocAlignment, allocType, maxOffset, &allocRequest) {
				return true, allocRequest, nil
			}
		}

		if m.nullNode.size < m.LargestFreeRegionSize() &&
			m.checkNode(m.nullNode, allocSize, allocAlignment, allocType, maxOffset, &allocRequest) {
			return true, allocRequest, nil
		}

	default:
		// Best-fit, which is also the balanced default: binary search the free vector for the
		// tightest range that fits and walk up from there. Alignment or granularity conflicts
		// can disqualify a range even when its raw size fits.
		searchKey := generalNode{size: allocSize, offset: -1}
		startIndex, _ := slices.BinarySearchFunc(m.freeBySize, &searchKey, compareFreeNodes)

		for i := startIndex; i < len(m.freeBySize); i++ {
			if m.checkNode(m.freeBySize[i], allocSize, allocAlignment, allocType, maxOffset, &allocRequest) {
				return true, allocRequest, nil
			}
		}

		if m.checkNode(m.nullNode, allocSize, allocAlignment, allocType, maxOffset, &allocRequest) {
			return true, allocRequest, nil
		}
	}

	return false, allocRequest, nil
}

func (m *GeneralBlockMetadata) checkNode(
	node *generalNode,
	allocSize int,
	allocAlignment uint,
	allocType uint32,
	maxOffset int,
	allocRequest *AllocationRequest,
) bool {
	if node.taken {
		panic(fmt.Sprintf("node at offset %d is already taken", node.offset))
	}

	alignedOffset := memutils.AlignUp(node.offset, allocAlignment)

	if node.size < allocSize+alignedOffset-node.offset {
		return false
	}

	// Check for granularity conflicts
	var conflict bool
	alignedOffset, conflict = m.granularityHandler.CheckConflictAndAlignUp(alignedOffset, allocSize, node.offset, node.size, allocType)
	if conflict {
		return false
	}

	if alignedOffset >= maxOffset {
		return false
	}

	allocRequest.Type = AllocationRequestGeneral
	allocRequest.BlockAllocationHandle = node.blockHandle
	allocRequest.Size = allocSize - memutils.DebugMargin
	allocRequest.AllocType = allocType
	allocRequest.AlgorithmData = uint64(alignedOffset)

	return true
}

func (m *GeneralBlockMetadata) Alloc(req AllocationRequest, allocType uint32, userData any) error {
	if req.Type != AllocationRequestGeneral {
		return errors.New("allocation request was received by an incompatible metadata")
	}

	currentNode, err := m.getNode(req.BlockAllocationHandle)
	if err != nil {
		return err
	}

	offset := int(req.AlgorithmData)
	if currentNode.offset > offset {
		return errors.New("allocation request had a region handle that was incompatible with the requested offset")
	}

	if currentNode != m.nullNode {
		m.removeFreeNode(currentNode)
	}

	missingAlignment := offset - currentNode.offset

	// Attach missing alignment to the previous node or create a new free node for it
	if missingAlignment != 0 {
		prevNode := currentNode.prevPhysical

		if prevNode == nil {
			return errors.New("somehow had missing alignment at offset 0")
		}

		if !prevNode.taken && prevNode.size != memutils.DebugMargin {
			m.removeFreeNode(prevNode)
			prevNode.size += missingAlignment
			m.insertFreeNode(prevNode)
		} else {
			newNode := m.allocateNode()
			currentNode.prevPhysical = newNode
			prevNode.nextPhysical = newNode
			newNode.prevPhysical = prevNode
			newNode.nextPhysical = currentNode
			newNode.size = missingAlignment
			newNode.offset = currentNode.offset
			newNode.taken = true

			m.insertFreeNode(newNode)
		}

		currentNode.size -= missingAlignment
		currentNode.offset += missingAlignment
	}

	size := req.Size + memutils.DebugMargin
	if currentNode.size == size {
		if currentNode == m.nullNode {
			// Set up a new null node
			m.nullNode = m.allocateNode()
			m.nullNode.size = 0
			m.nullNode.offset = currentNode.offset + size
			m.nullNode.prevPhysical = currentNode
			m.nullNode.nextPhysical = nil
			currentNode.nextPhysical = m.nullNode
			currentNode.taken = true
		}
	} else if currentNode.size < size {
		return errors.New("allocation request had a region too small for the request")
	} else {
		// Split a new free node off the end
		newNode := m.allocateNode()
		newNode.size = currentNode.size - size
		newNode.offset = currentNode.offset + size
		newNode.prevPhysical = currentNode
		newNode.nextPhysical = currentNode.nextPhysical
		currentNode.nextPhysical = newNode
		currentNode.size = size

		if currentNode == m.nullNode {
			m.nullNode = newNode
			currentNode.taken = true
		} else {
			newNode.nextPhysical.prevPhysical = newNode
			newNode.taken = true
			m.insertFreeNode(newNode)
		}
	}

	currentNode.userData = userData

	if memutils.DebugMargin > 0 {
		currentNode.size -= memutils.DebugMargin
		marginNode := m.allocateNode()
		marginNode.size = memutils.DebugMargin
		marginNode.offset = currentNode.offset + currentNode.size
		marginNode.prevPhysical = currentNode
		marginNode.nextPhysical = currentNode.nextPhysical
		marginNode.taken = true
		currentNode.nextPhysical.prevPhysical = marginNode
		currentNode.nextPhysical = marginNode
		m.insertFreeNode(marginNode)
	}

	m.granularityHandler.AllocPages(req.AllocType, currentNode.offset, currentNode.size)
	m.allocCount++

	return nil
}

func (m *GeneralBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	node, err := m.getNode(allocHandle)
	if err != nil {
		return err
	}
	if !node.taken {
		return errors.New("the region is already free")
	}

	next := node.nextPhysical
	m.granularityHandler.FreePages(node.offset, node.size)
	m.allocCount--

	if memutils.DebugMargin > 0 {
		m.removeFreeNode(next)
		m.mergeNode(next, node)

		node = next
		next = next.nextPhysical
	}

	// Coalesce with free neighbors. The debug margin nodes that surround every allocation in
	// debug builds are deliberately never merged.
	prev := node.prevPhysical
	if prev != nil && !prev.taken && prev.size != memutils.DebugMargin {
		m.removeFreeNode(prev)
		m.mergeNode(node, prev)
	}

	if next.taken {
		m.insertFreeNode(node)
	} else if next == m.nullNode {
		m.mergeNode(m.nullNode, node)
	} else {
		m.removeFreeNode(next)
		m.mergeNode(next, node)
		m.insertFreeNode(next)
	}

	return nil
}

func (m *GeneralBlockMetadata) removeFreeNode(node *generalNode) {
	if node == m.nullNode {
		panic("cannot remove the null node")
	}
	if node.taken {
		panic("provided node is not free")
	}

	index, exists := slices.BinarySearchFunc(m.freeBySize, node, compareFreeNodes)
	if !exists || m.freeBySize[index] != node {
		panic("node was not in the free vector at the expected location")
	}
	m.freeBySize = slices.Delete(m.freeBySize, index, index+1)

	node.taken = true
	node.userData = nil
	m.freeCount--
	m.freeSize -= node.size
}

func (m *GeneralBlockMetadata) insertFreeNode(node *generalNode) {
	if node == m.nullNode {
		panic("cannot insert the null node")
	}
	if !node.taken {
		panic("node is already free")
	}

	index, exists := slices.BinarySearchFunc(m.freeBySize, node, compareFreeNodes)
	if exists {
		panic(fmt.Sprintf("a node with size %d and offset %d is already in the free vector", node.size, node.offset))
	}
	m.freeBySize = slices.Insert(m.freeBySize, index, node)

	node.taken = false
	m.freeCount++
	m.freeSize += node.size
}

func (m *GeneralBlockMetadata) mergeNode(node *generalNode, prev *generalNode) {
	if node.prevPhysical != prev {
		panic("cannot merge separate physical regions")
	}
	if !prev.taken {
		panic("cannot merge a node that belongs to the free vector")
	}

	node.offset = prev.offset
	node.size += prev.size
	node.prevPhysical = prev.prevPhysical
	if node.prevPhysical != nil {
		node.prevPhysical.nextPhysical = node
	} else {
		m.firstNode = node
	}

	m.recycleNode(prev)
}

func (m *GeneralBlockMetadata) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	for node := m.firstNode; node != nil; node = node.nextPhysical {
		if node == m.nullNode && node.size == 0 {
			continue
		}

		err := handleBlock(node.blockHandle, node.offset, node.size, node.userData, !node.taken)
		if err != nil {
			return err
		}
	}

	return nil
}

func (m *GeneralBlockMetadata) AllocationListBegin() (BlockAllocationHandle, error) {
	if m.allocCount == 0 {
		return NoAllocation, nil
	}

	for node := m.nullNode.prevPhysical; node != nil; node = node.prevPhysical {
		if node.taken {
			return node.blockHandle, nil
		}
	}

	return NoAllocation, errors.New("the metadata has an allocation but none could be found in the physical chain")
}

func (m *GeneralBlockMetadata) FindNextAllocation(alloc BlockAllocationHandle) (BlockAllocationHandle, error) {
	startNode, err := m.getNode(alloc)
	if err != nil {
		return NoAllocation, err
	}
	if !startNode.taken {
		return NoAllocation, errors.New("provided region cannot be free")
	}

	for node := startNode.prevPhysical; node != nil; node = node.prevPhysical {
		if node.taken {
			return node.blockHandle, nil
		}
	}

	return NoAllocation, nil
}

func (m *GeneralBlockMetadata) FindNextFreeRegionSize(alloc BlockAllocationHandle) (int, error) {
	node, err := m.getNode(alloc)
	if err != nil {
		return 0, err
	}
	if !node.taken {
		return 0, errors.New("provided region cannot be free")
	}

	if node.prevPhysical != nil && !node.prevPhysical.taken {
		return node.prevPhysical.size, nil
	}

	return 0, nil
}

func (m *GeneralBlockMetadata) Clear() {
	m.allocCount = 0
	m.freeCount = 0
	m.freeSize = 0
	m.nullNode.offset = 0
	m.nullNode.size = m.Size()

	node := m.nullNode.prevPhysical
	m.nullNode.prevPhysical = nil
	m.firstNode = m.nullNode

	for node != nil {
		prev := node.prevPhysical
		m.recycleNode(node)
		node = prev
	}

	m.freeBySize = m.freeBySize[:0]
	m.granularityHandler.Clear()
}

func (m *GeneralBlockMetadata) DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, offset int, size int, userData any)) {
	for node := m.nullNode.prevPhysical; node != nil; node = node.prevPhysical {
		if node.taken {
			logFunc(logger, node.offset, node.size, node.userData)
		}
	}
}

func (m *GeneralBlockMetadata) BlockJsonData(json jwriter.ObjectState) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	m.AddDetailedStatistics(&stats)

	m.BlockMetadataBase.BlockJsonData(json, stats.BlockBytes-stats.AllocationBytes, stats.AllocationCount, stats.UnusedRangeCount)
}

func (m *GeneralBlockMetadata) CheckCorruption(blockData unsafe.Pointer) error {
	for node := m.nullNode.prevPhysical; node != nil; node = node.prevPhysical {
		if node.taken {
			if !memutils.ValidateMagicValue(blockData, node.offset+node.size) {
				return errors.New("memory corruption detected after validated allocation")
			}
		}
	}

	return nil
}

func (m *GeneralBlockMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	node, err := m.getNode(allocHandle)
	if err != nil {
		return 0, err
	}

	return node.offset, nil
}

func (m *GeneralBlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	node, err := m.getNode(allocHandle)
	if err != nil {
		return nil, err
	}

	if !node.taken {
		return nil, errors.New("user data cannot be retrieved for a free region")
	}

	return node.userData, nil
}

func (m *GeneralBlockMetadata) SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error {
	node, err := m.getNode(allocHandle)
	if err != nil {
		return err
	}

	if !node.taken {
		return errors.New("user data cannot be set for a free region")
	}

	node.userData = userData
	return nil
}
