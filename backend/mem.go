package backend

import (
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/gravelmem/gravel/memutils"
)

// Mem is a complete in-memory Backend implementation: blocks are real byte slices and heap
// capacities are enforced, so it behaves like a (very fast, very coherent) device. It is used as
// the test backend throughout this module and works as a reference for implementing real
// backends.
type Mem struct {
	props DeviceProperties

	mutex      sync.Mutex
	nextHandle BlockHandle
	blocks     map[BlockHandle]*memBlock
	heapUsage  []int
}

type memBlock struct {
	data      []byte
	typeIndex int
	heapIndex int
	mapCount  int
}

var _ Backend = &Mem{}

// NewMem creates a Mem backend with the provided capability table. BufferImageGranularity and
// NonCoherentAtomSize default to 1 when unset.
func NewMem(props DeviceProperties) (*Mem, error) {
	if len(props.MemoryTypes) == 0 {
		return nil, errors.Wrap(memutils.ErrInvalidArgument, "device properties must declare at least one memory type")
	}
	if len(props.MemoryHeaps) == 0 {
		return nil, errors.Wrap(memutils.ErrInvalidArgument, "device properties must declare at least one memory heap")
	}

	for typeIndex, memoryType := range props.MemoryTypes {
		if memoryType.HeapIndex < 0 || memoryType.HeapIndex >= len(props.MemoryHeaps) {
			return nil, errors.Wrapf(memutils.ErrInvalidArgument, "memory type %d refers to nonexistent heap %d", typeIndex, memoryType.HeapIndex)
		}
	}

	if props.BufferImageGranularity == 0 {
		props.BufferImageGranularity = 1
	}
	if props.NonCoherentAtomSize == 0 {
		props.NonCoherentAtomSize = 1
	}

	return &Mem{
		props:     props,
		blocks:    make(map[BlockHandle]*memBlock),
		heapUsage: make([]int, len(props.MemoryHeaps)),
	}, nil
}

func (m *Mem) Properties() *DeviceProperties {
	return &m.props
}

func (m *Mem) AllocBlock(memoryTypeIndex int, size int) (BlockHandle, error) {
	if memoryTypeIndex < 0 || memoryTypeIndex >= len(m.props.MemoryTypes) {
		return NilBlock, errors.Wrapf(memutils.ErrInvalidArgument, "invalid memory type index %d", memoryTypeIndex)
	}
	if size < 1 {
		return NilBlock, errors.Wrapf(memutils.ErrInvalidArgument, "invalid block size %d", size)
	}

	heapIndex := m.props.MemoryTypes[memoryTypeIndex].HeapIndex

	m.mutex.Lock()
	defer m.mutex.Unlock()

	heapSize := m.props.MemoryHeaps[heapIndex].Size
	if m.heapUsage[heapIndex]+size > heapSize {
		return NilBlock, errors.Wrapf(memutils.ErrOutOfDeviceMemory, "heap %d has %d of %d bytes in use and cannot fit another %d", heapIndex, m.heapUsage[heapIndex], heapSize, size)
	}

	m.nextHandle++
	handle := m.nextHandle

	m.blocks[handle] = &memBlock{
		data:      make([]byte, size),
		typeIndex: memoryTypeIndex,
		heapIndex: heapIndex,
	}
	m.heapUsage[heapIndex] += size

	return handle, nil
}

func (m *Mem) FreeBlock(handle BlockHandle, size int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	block := m.mustGetBlock(handle)
	if len(block.data) != size {
		panic(errors.Newf("block %d was allocated with size %d but freed with size %d", handle, len(block.data), size).Error())
	}

	m.heapUsage[block.heapIndex] -= len(block.data)
	delete(m.blocks, handle)
}

func (m *Mem) Map(handle BlockHandle) (unsafe.Pointer, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	block := m.mustGetBlock(handle)
	if m.props.MemoryTypes[block.typeIndex].Flags&MemoryPropertyHostVisible == 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument, "memory type %d is not host-visible and cannot be mapped", block.typeIndex)
	}

	block.mapCount++
	return unsafe.Pointer(&block.data[0]), nil
}

func (m *Mem) Unmap(handle BlockHandle) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	block := m.mustGetBlock(handle)
	if block.mapCount < 1 {
		panic(errors.Newf("block %d was unmapped more times than it was mapped", handle).Error())
	}
	block.mapCount--
}

func (m *Mem) Flush(handle BlockHandle, offset, size int) error {
	// Host memory is always coherent- only the range needs checking
	return m.checkRange(handle, offset, size)
}

func (m *Mem) Invalidate(handle BlockHandle, offset, size int) error {
	return m.checkRange(handle, offset, size)
}

func (m *Mem) Copy(src BlockHandle, srcOffset int, dst BlockHandle, dstOffset int, size int) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	srcBlock := m.mustGetBlock(src)
	dstBlock := m.mustGetBlock(dst)

	if srcOffset < 0 || size < 0 || srcOffset+size > len(srcBlock.data) {
		return errors.Wrapf(memutils.ErrInvalidArgument, "source range %d:%d is outside block %d of size %d", srcOffset, srcOffset+size, src, len(srcBlock.data))
	}
	if dstOffset < 0 || dstOffset+size > len(dstBlock.data) {
		return errors.Wrapf(memutils.ErrInvalidArgument, "destination range %d:%d is outside block %d of size %d", dstOffset, dstOffset+size, dst, len(dstBlock.data))
	}

	copy(dstBlock.data[dstOffset:dstOffset+size], srcBlock.data[srcOffset:srcOffset+size])
	return nil
}

// BlockCount retrieves the number of live blocks across all memory types
func (m *Mem) BlockCount() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return len(m.blocks)
}

// HeapUsage retrieves the number of bytes currently allocated from a heap
func (m *Mem) HeapUsage(heapIndex int) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.heapUsage[heapIndex]
}

func (m *Mem) checkRange(handle BlockHandle, offset, size int) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	block := m.mustGetBlock(handle)
	if offset < 0 || size < 0 || offset+size > len(block.data) {
		return errors.Wrapf(memutils.ErrInvalidArgument, "range %d:%d is outside block %d of size %d", offset, offset+size, handle, len(block.data))
	}

	return nil
}

func (m *Mem) mustGetBlock(handle BlockHandle) *memBlock {
	block, ok := m.blocks[handle]
	if !ok {
		panic(errors.Newf("no live block with handle %d", handle).Error())
	}
	return block
}
