package metadata

import (
	"log/slog"
	"sync"
	"unsafe"

	"github.com/gravelmem/gravel/memutils"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
)

const (
	// The deepest the buddy tree is permitted to go
	buddyMaxLevels = 30
	// Nodes are never split below this size, to bound tree depth for small allocations
	buddyMinNodeSize = 32
)

type buddyNodeType uint32

const (
	buddyNodeFree buddyNodeType = iota
	buddyNodeAllocation
	buddyNodeSplit
)

var buddyNodeAllocator = sync.Pool{
	New: func() any {
		return &buddyNode{}
	},
}

// buddyNode is a single node of the buddy tree. Free nodes additionally participate in the
// per-level free list via freePrev/freeNext. Split nodes track their left child; the right child
// is always reachable as leftChild.buddy.
type buddyNode struct {
	offset   int
	nodeType buddyNodeType

	parent *buddyNode
	buddy  *buddyNode

	// Free nodes only
	freePrev *buddyNode
	freeNext *buddyNode

	// Allocation nodes only. allocSize is the caller-requested size, which may be smaller than
	// the node itself.
	leftChild *buddyNode
	allocSize int
	userData  any
}

// BuddyBlockMetadata is a BlockMetadata implementation that manages the block as a binary tree
// of power-of-two regions. Allocation sizes are rounded up to the next power of two and satisfied
// by splitting larger free nodes in half until a node of the target size exists. On free, a node
// whose sibling ("buddy") is also free merges back into its parent, repeatedly, so fragmentation
// is bounded by construction at the cost of internal padding within each node.
//
// If the block size is not itself a power of two, only the largest power-of-two prefix of the
// block is managed. The remainder is reported as a permanently unused range.
type BuddyBlockMetadata struct {
	BlockMetadataBase

	usableSize int
	levelCount int

	root     *buddyNode
	freeList [buddyMaxLevels]*buddyNode

	allocCount int
	// Total free bytes within the usable region. The unusable tail is excluded.
	sumFreeSize int
}

var _ BlockMetadata = &BuddyBlockMetadata{}

// NewBuddyBlockMetadata creates a new BuddyBlockMetadata from granularity properties. The
// granularity properties are passed to NewBlockMetadata.
func NewBuddyBlockMetadata(bufferImageGranularity int, granularityHandler GranularityCheck) *BuddyBlockMetadata {
	return &BuddyBlockMetadata{
		BlockMetadataBase: NewBlockMetadata(bufferImageGranularity, granularityHandler),
	}
}

func allocateBuddyNode() *buddyNode {
	n := buddyNodeAllocator.Get().(*buddyNode)
	*n = buddyNode{}
	return n
}

func recycleBuddyNode(n *buddyNode) {
	buddyNodeAllocator.Put(n)
}

// Init prepares this structure for allocations and sizes the block in bytes based on the parameter size.
func (m *BuddyBlockMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)

	m.usableSize = memutils.PrevPow2(size)
	m.sumFreeSize = m.usableSize

	m.levelCount = 1
	for m.levelCount < buddyMaxLevels && m.levelToNodeSize(m.levelCount) >= buddyMinNodeSize {
		m.levelCount++
	}

	root := allocateBuddyNode()
	root.nodeType = buddyNodeFree
	m.root = root
	m.addToFreeListFront(0, root)
}

func (m *BuddyBlockMetadata) unusableSize() int {
	return m.Size() - m.usableSize
}

func (m *BuddyBlockMetadata) levelToNodeSize(level int) int {
	return m.usableSize >> level
}

func (m *BuddyBlockMetadata) allocSizeToLevel(allocSize int) int {
	var level int
	currLevelNodeSize := m.usableSize
	nextLevelNodeSize := currLevelNodeSize >> 1

	for allocSize <= nextLevelNodeSize && level+1 < m.levelCount {
		level++
		currLevelNodeSize = nextLevelNodeSize
		nextLevelNodeSize >>= 1
	}

	return level
}

// SupportsRandomAccess returns a boolean indicating whether the implementation allows allocations
// to be made in arbitrary sections of the managed block. The BuddyBlockMetadata implementation
// always returns false: allocation placement is fully determined by the tree.
func (m *BuddyBlockMetadata) SupportsRandomAccess() bool { return false }

// SumFreeSize returns the number of free bytes of memory in the block, including the unusable
// tail beyond the largest power-of-two prefix.
func (m *BuddyBlockMetadata) SumFreeSize() int {
	return m.sumFreeSize + m.unusableSize()
}

// LargestFreeRegionSize returns the size in bytes of the largest free node currently in the tree.
func (m *BuddyBlockMetadata) LargestFreeRegionSize() int {
	for level := 0; level < m.levelCount; level++ {
		if m.freeList[level] != nil {
			return m.levelToNodeSize(level)
		}
	}

	return 0
}

// MayHaveFreeBlock should return a heuristic indicating whether the block could possibly support a new
// allocation of the provided type and size. False positives are acceptable, false negatives are not.
func (m *BuddyBlockMetadata) MayHaveFreeBlock(allocType uint32, size int) bool {
	return size <= m.LargestFreeRegionSize()
}

// AllocationCount returns the number of suballocations currently live in the implementation.
func (m *BuddyBlockMetadata) AllocationCount() int {
	return m.allocCount
}

// FreeRegionsCount returns the number of free nodes currently in the tree, plus one for the
// unusable tail if any. Buddy free nodes are never adjacent-and-mergeable by construction.
func (m *BuddyBlockMetadata) FreeRegionsCount() int {
	var count int
	for level := 0; level < m.levelCount; level++ {
		for node := m.freeList[level]; node != nil; node = node.freeNext {
			count++
		}
	}

	if m.unusableSize() > 0 {
		count++
	}

	return count
}

// IsEmpty will return true if this block has no live suballocations
func (m *BuddyBlockMetadata) IsEmpty() bool {
	return m.allocCount == 0
}

// Validate performs internal consistency checks on the metadata. When the implementation is
// functioning correctly, it should not be possible for this method to return an error.
func (m *BuddyBlockMetadata) Validate() error {
	ctx := buddyValidateCtx{}

	err := m.validateNode(&ctx, nil, m.root, 0, m.levelToNodeSize(0))
	if err != nil {
		return err
	}

	for level := 0; level < m.levelCount; level++ {
		var prev *buddyNode
		for node := m.freeList[level]; node != nil; node = node.freeNext {
			if node.nodeType != buddyNodeFree {
				return errors.Errorf("node at offset %d is in the level %d free list but is not free", node.offset, level)
			}
			if node.freePrev != prev {
				return errors.Errorf("node at offset %d in the level %d free list has a broken back reference", node.offset, level)
			}
			prev = node
			ctx.freeListCount++
		}
	}

	if ctx.freeCount != ctx.freeListCount {
		return errors.Errorf("the tree holds %d free nodes, but the free lists hold %d", ctx.freeCount, ctx.freeListCount)
	}

	if ctx.allocCount != m.allocCount {
		return errors.Errorf("the allocation count of the metadata is %d, but the tree holds %d allocations", m.allocCount, ctx.allocCount)
	}

	if ctx.freeBytes != m.sumFreeSize {
		return errors.Errorf("the free size of the metadata is %d, but the free nodes added up to %d", m.sumFreeSize, ctx.freeBytes)
	}

	return nil
}

type buddyValidateCtx struct {
	allocCount    int
	freeCount     int
	freeListCount int
	freeBytes     int
}

func (m *BuddyBlockMetadata) validateNode(ctx *buddyValidateCtx, parent, node *buddyNode, level, nodeSize int) error {
	if node.parent != parent {
		return errors.Errorf("node at offset %d has a broken parent reference", node.offset)
	}
	if (node.buddy == nil) != (parent == nil) {
		return errors.Errorf("node at offset %d must have a buddy exactly when it has a parent", node.offset)
	}
	if node.buddy != nil && node.buddy.buddy != node {
		return errors.Errorf("node at offset %d has a broken buddy reference", node.offset)
	}

	switch node.nodeType {
	case buddyNodeFree:
		ctx.freeCount++
		ctx.freeBytes += nodeSize
	case buddyNodeAllocation:
		ctx.allocCount++
		if node.allocSize > nodeSize {
			return errors.Errorf("allocation at offset %d has size %d, which exceeds its node size %d", node.offset, node.allocSize, nodeSize)
		}
	case buddyNodeSplit:
		if level+1 >= m.levelCount {
			return errors.Errorf("node at offset %d is split beyond the deepest level", node.offset)
		}

		leftChild := node.leftChild
		if leftChild == nil {
			return errors.Errorf("split node at offset %d has no left child", node.offset)
		}
		if leftChild.offset != node.offset {
			return errors.Errorf("split node at offset %d has a left child at offset %d", node.offset, leftChild.offset)
		}
		rightChild := leftChild.buddy
		if rightChild == nil {
			return errors.Errorf("split node at offset %d has no right child", node.offset)
		}
		if rightChild.offset != node.offset+nodeSize/2 {
			return errors.Errorf("split node at offset %d has a right child at offset %d", node.offset, rightChild.offset)
		}

		err := m.validateNode(ctx, node, leftChild, level+1, nodeSize/2)
		if err != nil {
			return err
		}
		return m.validateNode(ctx, node, rightChild, level+1, nodeSize/2)
	default:
		return errors.Errorf("node at offset %d has an invalid type %d", node.offset, node.nodeType)
	}

	return nil
}

// CreateAllocationRequest retrieves an AllocationRequest object indicating where and how the
// implementation would prefer to allocate the requested memory. The allocation size is rounded up
// to the next power of two (and to the placement granularity), and the strategy and maxOffset
// parameters are ignored: the tree always takes the deepest free node that fits.
func (m *BuddyBlockMetadata) CreateAllocationRequest(
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

	// Respect placement granularity by never allocating nodes smaller than it. Nodes of the same
	// size never share a granularity page with their neighbors.
	if m.allocationGranularity > 1 {
		if allocSize < m.allocationGranularity {
			allocSize = m.allocationGranularity
		}
		if int(allocAlignment) < m.allocationGranularity {
			allocAlignment = uint(m.allocationGranularity)
		}
	}

	paddedSize := memutils.NextPow2(allocSize)
	if paddedSize > m.usableSize {
		return false, allocRequest, nil
	}

	targetLevel := m.allocSizeToLevel(paddedSize)

	for level := targetLevel; level >= 0; level-- {
		for freeNode := m.freeList[level]; freeNode != nil; freeNode = freeNode.freeNext {
			if freeNode.offset%int(allocAlignment) != 0 {
				continue
			}
			if freeNode.offset >= maxOffset {
				continue
			}

			allocRequest.Type = AllocationRequestBuddy
			allocRequest.BlockAllocationHandle = BlockAllocationHandle(freeNode.offset + 1)
			allocRequest.Size = allocSize
			allocRequest.AllocType = allocType
			allocRequest.AlgorithmData = uint64(level)
			return true, allocRequest, nil
		}
	}

	return false, allocRequest, nil
}

// Alloc commits an AllocationRequest object, creating the suballocation within the block based
// on the data described in the AllocationRequest. The free node identified by the request is split
// in half repeatedly until a node of the target size exists at the requested offset.
func (m *BuddyBlockMetadata) Alloc(req AllocationRequest, allocType uint32, userData any) error {
	if req.Type != AllocationRequestBuddy {
		return errors.New("allocation request was received by an incompatible metadata")
	}

	currLevel := int(req.AlgorithmData)
	if currLevel < 0 || currLevel >= m.levelCount {
		return errors.Errorf("allocation request targets level %d, which does not exist in this metadata", currLevel)
	}

	offset := int(req.BlockAllocationHandle) - 1
	currNode := m.freeList[currLevel]
	for currNode != nil && currNode.offset != offset {
		currNode = currNode.freeNext
	}
	if currNode == nil {
		return errors.New("allocation request no longer matches a free node- the request may have been invalidated by another allocation")
	}

	paddedSize := memutils.NextPow2(req.Size)
	targetLevel := m.allocSizeToLevel(paddedSize)
	if targetLevel < currLevel {
		return errors.New("allocation request no longer fits the free node it targets")
	}

	// Split the node in half until we reach the target level
	for currLevel < targetLevel {
		m.removeFromFreeList(currLevel, currNode)

		childrenLevel := currLevel + 1
		childrenSize := m.levelToNodeSize(childrenLevel)

		leftChild := allocateBuddyNode()
		leftChild.offset = currNode.offset
		leftChild.nodeType = buddyNodeFree
		leftChild.parent = currNode

		rightChild := allocateBuddyNode()
		rightChild.offset = currNode.offset + childrenSize
		rightChild.nodeType = buddyNodeFree
		rightChild.parent = currNode

		leftChild.buddy = rightChild
		rightChild.buddy = leftChild

		currNode.nodeType = buddyNodeSplit
		currNode.leftChild = leftChild

		m.addToFreeListFront(childrenLevel, rightChild)
		m.addToFreeListFront(childrenLevel, leftChild)

		currNode = leftChild
		currLevel = childrenLevel
	}

	m.removeFromFreeList(currLevel, currNode)
	currNode.nodeType = buddyNodeAllocation
	currNode.allocSize = req.Size
	currNode.userData = userData

	m.allocCount++
	m.sumFreeSize -= m.levelToNodeSize(targetLevel)

	m.granularityHandler.AllocPages(req.AllocType, currNode.offset, m.levelToNodeSize(targetLevel))

	return nil
}

// Free frees a suballocation within the block. If the freed node's buddy is also free, the two
// merge back into their parent, repeatedly, until a taken buddy or the root is reached.
func (m *BuddyBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	node, level, err := m.findAllocationNode(int(allocHandle) - 1)
	if err != nil {
		return err
	}

	nodeSize := m.levelToNodeSize(level)
	m.granularityHandler.FreePages(node.offset, nodeSize)

	m.allocCount--
	m.sumFreeSize += nodeSize

	node.nodeType = buddyNodeFree
	node.userData = nil
	node.allocSize = 0

	// Merge with the buddy while possible
	for level > 0 && node.buddy.nodeType == buddyNodeFree {
		m.removeFromFreeList(level, node.buddy)

		parent := node.parent
		recycleBuddyNode(node.buddy)
		recycleBuddyNode(node)

		parent.nodeType = buddyNodeFree
		parent.leftChild = nil

		node = parent
		level--
	}

	m.addToFreeListFront(level, node)

	return nil
}

func (m *BuddyBlockMetadata) findAllocationNode(offset int) (*buddyNode, int, error) {
	if offset < 0 || offset >= m.usableSize {
		return nil, 0, errors.New("received a handle that was incompatible with this metadata")
	}

	node := m.root
	var level int
	levelNodeSize := m.levelToNodeSize(0)

	for node.nodeType == buddyNodeSplit {
		nextLevelSize := levelNodeSize >> 1
		if offset < node.offset+nextLevelSize {
			node = node.leftChild
		} else {
			node = node.leftChild.buddy
		}
		level++
		levelNodeSize = nextLevelSize
	}

	if node.nodeType != buddyNodeAllocation || node.offset != offset {
		return nil, 0, errors.New("received a handle that does not map to a live allocation")
	}

	return node, level, nil
}

// AllocationOffset accepts a BlockAllocationHandle that maps to a live allocation within the block
// and returns the offset in bytes within the block for that allocation. Buddy handles encode the
// offset directly.
func (m *BuddyBlockMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	return int(allocHandle) - 1, nil
}

// AllocationUserData accepts a BlockAllocationHandle that maps to a live allocation within the block
// and returns the userdata value provided by the consumer for that allocation.
func (m *BuddyBlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	node, _, err := m.findAllocationNode(int(allocHandle) - 1)
	if err != nil {
		return nil, err
	}

	return node.userData, nil
}

// SetAllocationUserData accepts a BlockAllocationHandle that maps to a live allocation within the
// block and a userData value. The allocation's userData is changed to the provided userData.
func (m *BuddyBlockMetadata) SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error {
	node, _, err := m.findAllocationNode(int(allocHandle) - 1)
	if err != nil {
		return err
	}

	node.userData = userData
	return nil
}

// AllocationListBegin will return an error because BuddyBlockMetadata does not allow random access to allocations
func (m *BuddyBlockMetadata) AllocationListBegin() (BlockAllocationHandle, error) {
	return 0, errors.New("this allocator does not support random access")
}

// FindNextAllocation will return an error because BuddyBlockMetadata does not allow random access to allocations
func (m *BuddyBlockMetadata) FindNextAllocation(allocHandle BlockAllocationHandle) (BlockAllocationHandle, error) {
	return 0, errors.New("this allocator does not support random access")
}

// FindNextFreeRegionSize will return an error because BuddyBlockMetadata does not allow random access to allocations
func (m *BuddyBlockMetadata) FindNextFreeRegionSize(allocHandle BlockAllocationHandle) (int, error) {
	return 0, errors.New("this allocator does not support random access")
}

// VisitAllRegions will call the provided callback once for each allocation and free region in
// the block, in ascending offset order. The unusable tail, if any, is reported as a final free
// region.
func (m *BuddyBlockMetadata) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	err := m.visitNodeRegions(m.root, m.levelToNodeSize(0), handleBlock)
	if err != nil {
		return err
	}

	unusableSize := m.unusableSize()
	if unusableSize > 0 {
		return handleBlock(BlockAllocationHandle(m.usableSize+1), m.usableSize, unusableSize, nil, true)
	}

	return nil
}

func (m *BuddyBlockMetadata) visitNodeRegions(node *buddyNode, nodeSize int, handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	switch node.nodeType {
	case buddyNodeFree:
		return handleBlock(BlockAllocationHandle(node.offset+1), node.offset, nodeSize, nil, true)
	case buddyNodeAllocation:
		return handleBlock(BlockAllocationHandle(node.offset+1), node.offset, nodeSize, node.userData, false)
	case buddyNodeSplit:
		err := m.visitNodeRegions(node.leftChild, nodeSize/2, handleBlock)
		if err != nil {
			return err
		}
		return m.visitNodeRegions(node.leftChild.buddy, nodeSize/2, handleBlock)
	}

	return errors.Errorf("node at offset %d has an invalid type %d", node.offset, node.nodeType)
}

// AddDetailedStatistics sums this block's allocation statistics into the statistics currently present
// in the provided memutils.DetailedStatistics object.
func (m *BuddyBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.Statistics.BlockCount++
	stats.Statistics.BlockBytes += m.Size()

	_ = m.visitNodeRegions(m.root, m.levelToNodeSize(0),
		func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			if free {
				stats.AddUnusedRange(size)
			} else {
				stats.AddAllocation(size)
			}

			return nil
		})

	if m.unusableSize() > 0 {
		stats.AddUnusedRange(m.unusableSize())
	}
}

// AddStatistics sums this block's allocation statistics into the statistics currently present in the
// provided memutils.Statistics object.
func (m *BuddyBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += m.Size()
	stats.AllocationBytes += m.Size() - m.SumFreeSize()
	stats.AllocationCount += m.allocCount
}

// BlockJsonData populates a json object with information about this block
func (m *BuddyBlockMetadata) BlockJsonData(json jwriter.ObjectState) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	m.AddDetailedStatistics(&stats)

	m.BlockMetadataBase.BlockJsonData(json, stats.BlockBytes-stats.AllocationBytes, stats.AllocationCount, stats.UnusedRangeCount)
}

// DebugLogAllAllocations calls logFunc once for each live allocation in the block.
func (m *BuddyBlockMetadata) DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, offset int, size int, userData any)) {
	_ = m.visitNodeRegions(m.root, m.levelToNodeSize(0),
		func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			if !free {
				logFunc(logger, offset, size, userData)
			}

			return nil
		})
}

// CheckCorruption accepts a pointer to the underlying memory that this block manages. It will return
// nil if anti-corruption memory markers are present for every suballocation in the block.
//
// A buddy node always has room for the marker after the requested size, because allocations that
// would fill their node exactly still carry the marker within the node's internal padding when
// memutils is built with `debug_mem_utils`. In that build, consumers must have called
// memutils.WriteMagicValue at offset+allocSize for each allocation.
func (m *BuddyBlockMetadata) CheckCorruption(blockData unsafe.Pointer) error {
	return m.checkNodeCorruption(m.root, blockData)
}

func (m *BuddyBlockMetadata) checkNodeCorruption(node *buddyNode, blockData unsafe.Pointer) error {
	switch node.nodeType {
	case buddyNodeAllocation:
		if !memutils.ValidateMagicValue(blockData, node.offset+node.allocSize) {
			return errors.New("memory corruption detected after validated allocation")
		}
	case buddyNodeSplit:
		err := m.checkNodeCorruption(node.leftChild, blockData)
		if err != nil {
			return err
		}
		return m.checkNodeCorruption(node.leftChild.buddy, blockData)
	}

	return nil
}

// Clear instantly frees all allocations and resets the state of the metadata
func (m *BuddyBlockMetadata) Clear() {
	m.deleteNodeChildren(m.root)
	m.root.nodeType = buddyNodeFree
	m.root.userData = nil
	m.root.allocSize = 0

	m.allocCount = 0
	m.sumFreeSize = m.usableSize

	for level := 0; level < m.levelCount; level++ {
		m.freeList[level] = nil
	}
	m.addToFreeListFront(0, m.root)
	m.granularityHandler.Clear()
}

func (m *BuddyBlockMetadata) deleteNodeChildren(node *buddyNode) {
	if node.nodeType != buddyNodeSplit {
		return
	}

	leftChild := node.leftChild
	rightChild := leftChild.buddy
	m.deleteNodeChildren(leftChild)
	m.deleteNodeChildren(rightChild)
	recycleBuddyNode(leftChild)
	recycleBuddyNode(rightChild)
	node.leftChild = nil
}

func (m *BuddyBlockMetadata) addToFreeListFront(level int, node *buddyNode) {
	front := m.freeList[level]
	node.freePrev = nil
	node.freeNext = front
	if front != nil {
		front.freePrev = node
	}
	m.freeList[level] = node
}

func (m *BuddyBlockMetadata) removeFromFreeList(level int, node *buddyNode) {
	if node.freePrev == nil {
		if m.freeList[level] != node {
			panic("node was not in the free list it claimed to head")
		}
		m.freeList[level] = node.freeNext
	} else {
		node.freePrev.freeNext = node.freeNext
	}

	if node.freeNext != nil {
		node.freeNext.freePrev = node.freePrev
	}

	node.freePrev = nil
	node.freeNext = nil
}
