package devmem

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/gravelmem/gravel/backend"
	"github.com/gravelmem/gravel/internal/utils"
	"github.com/gravelmem/gravel/memutils"
)

// CacheOperation is a cache-maintenance direction: Flush pushes host writes toward the device,
// Invalidate pulls device writes toward the host
type CacheOperation uint32

const (
	CacheOperationFlush CacheOperation = iota
	CacheOperationInvalidate
)

var cacheOperationNames = map[CacheOperation]string{
	CacheOperationFlush:      "CacheOperationFlush",
	CacheOperationInvalidate: "CacheOperationInvalidate",
}

func (o CacheOperation) String() string {
	return cacheOperationNames[o]
}

// SynchronizedMemory wraps a single backend block and synchronizes mapping access to it. It
// reference-counts Map/Unmap calls so the block is only mapped and unmapped at the backend once,
// no matter how many suballocations map it.
type SynchronizedMemory struct {
	// Mapping data
	mapReferences int
	mapData       unsafe.Pointer

	// Hysteresis data- if we're calling map/unmap a lot more than suballoc/subfree then
	// maintain a persistent mapping to save time
	delayCounter  uint32
	statusCounter int32
	extraMapping  bool

	mapMutex utils.OptionalMutex

	backend backend.Backend
	handle  backend.BlockHandle
	size    int

	hostVisible         bool
	hostCoherent        bool
	nonCoherentAtomSize int
}

// BlockHandle retrieves the backend handle of the underlying block
func (m *SynchronizedMemory) BlockHandle() backend.BlockHandle {
	return m.handle
}

// Size retrieves the byte size the underlying block was allocated with
func (m *SynchronizedMemory) Size() int {
	return m.size
}

// IsHostVisible indicates whether the underlying block's memory type can be mapped at all
func (m *SynchronizedMemory) IsHostVisible() bool {
	return m.hostVisible
}

func (m *SynchronizedMemory) References() int {
	refs := m.mapReferences
	if m.extraMapping {
		refs++
	}
	return refs
}

func (m *SynchronizedMemory) MappedData() unsafe.Pointer {
	return m.mapData
}

const MapDelay uint32 = 7

func (m *SynchronizedMemory) postMapUnmap() bool {
	m.delayCounter++
	m.statusCounter++

	if m.delayCounter >= MapDelay {
		m.delayCounter = 0
		if m.statusCounter >= 1 {
			m.statusCounter = 0
			m.extraMapping = true
			return true
		}
	}

	return false
}

// RecordSuballocSubfree feeds the mapping hysteresis: enough suballoc/subfree traffic relative
// to map/unmap traffic drops the persistent extra mapping again
func (m *SynchronizedMemory) RecordSuballocSubfree() bool {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	m.delayCounter++
	m.statusCounter--

	if m.delayCounter >= MapDelay {
		m.delayCounter = 0
		if m.statusCounter <= -2 {
			m.statusCounter = 0
			m.extraMapping = false

			if m.References() <= 0 && m.mapData != nil {
				m.backend.Unmap(m.handle)
				m.mapData = nil
			}
			return true
		}
	}

	return false
}

// Map adds the provided number of mapping references and retrieves a host pointer to the start
// of the block, mapping it at the backend if it is not mapped already
func (m *SynchronizedMemory) Map(references int) (unsafe.Pointer, error) {
	if references == 0 {
		return nil, nil
	}

	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	oldRefCount := m.References()
	_ = m.postMapUnmap()

	if oldRefCount > 0 {
		m.mapReferences += references
		if m.mapData == nil {
			panic("the block is showing existing memory mapping references, but no mapped memory")
		}

		return m.mapData, nil
	}

	mappedData, err := m.backend.Map(m.handle)
	if err != nil {
		return nil, errors.Mark(err, memutils.ErrBackendFailure)
	}

	m.mapData = mappedData
	m.mapReferences = references
	return mappedData, nil
}

// Unmap releases the provided number of mapping references. The block is only unmapped at the
// backend once no references remain and the hysteresis is not holding a persistent mapping.
func (m *SynchronizedMemory) Unmap(references int) error {
	if m.mapReferences == 0 {
		return nil
	}

	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapReferences < references {
		return errors.New("device memory block has more references being unmapped than are currently mapped")
	}

	m.mapReferences -= references
	if m.mapReferences < 0 {
		m.mapReferences = 0
	}
	m.postMapUnmap()

	if m.References() <= 0 {
		m.backend.Unmap(m.handle)
		m.mapData = nil
	}

	return nil
}

// FlushOrInvalidate performs cache maintenance on a byte range of the block. On non-coherent
// memory types the range is expanded outward to nonCoherentAtomSize boundaries, clamped to the
// end of the block; on coherent types it is a no-op.
func (m *SynchronizedMemory) FlushOrInvalidate(operation CacheOperation, offset, size int) error {
	if m.hostCoherent {
		return nil
	}
	if offset < 0 || size < 0 || offset+size > m.size {
		return errors.Wrapf(memutils.ErrInvalidArgument, "range %d:%d is outside the block's size %d", offset, offset+size, m.size)
	}

	atomSize := uint(m.nonCoherentAtomSize)
	start := memutils.AlignDown(offset, atomSize)
	end := memutils.AlignUp(offset+size, atomSize)
	if end > m.size {
		end = m.size
	}

	var err error
	switch operation {
	case CacheOperationFlush:
		err = m.backend.Flush(m.handle, start, end-start)
	case CacheOperationInvalidate:
		err = m.backend.Invalidate(m.handle, start, end-start)
	default:
		return errors.Wrapf(memutils.ErrInvalidArgument, "unexpected cache operation %s", operation.String())
	}

	if err != nil {
		return errors.Mark(err, memutils.ErrBackendFailure)
	}
	return nil
}

// FreeMemory releases any outstanding backend mapping and returns the block to the backend
func (m *SynchronizedMemory) FreeMemory() {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapData != nil {
		m.backend.Unmap(m.handle)
		m.mapData = nil
		m.mapReferences = 0
		m.extraMapping = false
	}

	m.backend.FreeBlock(m.handle, m.size)
	m.handle = backend.NilBlock
}
