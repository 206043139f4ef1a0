package devmem_test

import (
	"testing"

	"github.com/gravelmem/gravel/backend"
	"github.com/gravelmem/gravel/internal/devmem"
	"github.com/gravelmem/gravel/memutils"
	"github.com/stretchr/testify/require"
)

// recordingBackend captures the ranges Flush and Invalidate receive so tests can observe the
// atom-size expansion applied by SynchronizedMemory
type recordingBackend struct {
	*backend.Mem
	flushes     [][2]int
	invalidates [][2]int
}

func (b *recordingBackend) Flush(handle backend.BlockHandle, offset, size int) error {
	b.flushes = append(b.flushes, [2]int{offset, size})
	return b.Mem.Flush(handle, offset, size)
}

func (b *recordingBackend) Invalidate(handle backend.BlockHandle, offset, size int) error {
	b.invalidates = append(b.invalidates, [2]int{offset, size})
	return b.Mem.Invalidate(handle, offset, size)
}

func TestSyncMemoryMapReferences(t *testing.T) {
	_, deviceMemory := testDeviceMemory(t, nil)

	block, err := deviceMemory.AllocateMemory(1, 128)
	require.NoError(t, err)
	require.True(t, block.IsHostVisible())
	require.Equal(t, 0, block.References())
	require.Nil(t, block.MappedData())

	ptr, err := block.Map(2)
	require.NoError(t, err)
	require.NotNil(t, ptr)
	require.Equal(t, 2, block.References())
	require.Equal(t, ptr, block.MappedData())

	ptr2, err := block.Map(1)
	require.NoError(t, err)
	require.Equal(t, ptr, ptr2)

	require.NoError(t, block.Unmap(2))
	require.Equal(t, ptr, block.MappedData())

	require.Error(t, block.Unmap(5))

	require.NoError(t, block.Unmap(1))
	require.Nil(t, block.MappedData())

	deviceMemory.FreeMemory(1, 128, block)
}

func TestSyncMemoryMapHysteresis(t *testing.T) {
	_, deviceMemory := testDeviceMemory(t, nil)

	block, err := deviceMemory.AllocateMemory(1, 128)
	require.NoError(t, err)

	// Hammer map/unmap until the hysteresis keeps a persistent mapping around
	for i := 0; i < 4; i++ {
		_, err = block.Map(1)
		require.NoError(t, err)
		require.NoError(t, block.Unmap(1))
	}

	require.Equal(t, 1, block.References())
	require.NotNil(t, block.MappedData())

	// Enough suballoc/subfree traffic drops it again
	dropped := false
	for i := 0; i < 7 && !dropped; i++ {
		dropped = block.RecordSuballocSubfree()
	}
	require.True(t, dropped)
	require.Equal(t, 0, block.References())
	require.Nil(t, block.MappedData())

	deviceMemory.FreeMemory(1, 128, block)
}

func TestSyncMemoryFlushInvalidateClamp(t *testing.T) {
	recorder := &recordingBackend{Mem: testBackend(t)}
	deviceMemory, err := devmem.NewDeviceMemoryProperties(false, nil, recorder, nil)
	require.NoError(t, err)

	// Memory type 2 is host-visible but not coherent, atom size 32
	block, err := deviceMemory.AllocateMemory(2, 100)
	require.NoError(t, err)

	require.NoError(t, block.FlushOrInvalidate(devmem.CacheOperationFlush, 10, 10))
	require.Equal(t, [][2]int{{0, 32}}, recorder.flushes)

	// The aligned end lands past the block and is clamped back to its size
	require.NoError(t, block.FlushOrInvalidate(devmem.CacheOperationInvalidate, 90, 10))
	require.Equal(t, [][2]int{{64, 36}}, recorder.invalidates)

	err = block.FlushOrInvalidate(devmem.CacheOperationFlush, 90, 20)
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)

	deviceMemory.FreeMemory(2, 100, block)

	// Coherent memory types skip cache maintenance entirely
	coherent, err := deviceMemory.AllocateMemory(1, 100)
	require.NoError(t, err)
	require.NoError(t, coherent.FlushOrInvalidate(devmem.CacheOperationFlush, 0, 100))
	require.Len(t, recorder.flushes, 1)
	deviceMemory.FreeMemory(1, 100, coherent)
}

func TestSyncMemoryFreeWhileMapped(t *testing.T) {
	mem, deviceMemory := testDeviceMemory(t, nil)

	block, err := deviceMemory.AllocateMemory(1, 64)
	require.NoError(t, err)

	_, err = block.Map(1)
	require.NoError(t, err)

	// Freeing releases the outstanding mapping along with the block
	deviceMemory.FreeMemory(1, 64, block)
	require.Equal(t, 0, mem.BlockCount())
	require.Nil(t, block.MappedData())
	require.Equal(t, backend.NilBlock, block.BlockHandle())
}
