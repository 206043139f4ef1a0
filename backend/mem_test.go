package backend_test

import (
	"testing"
	"unsafe"

	"github.com/gravelmem/gravel/backend"
	"github.com/gravelmem/gravel/memutils"
	"github.com/stretchr/testify/require"
)

func newTestMem(t *testing.T) *backend.Mem {
	t.Helper()

	mem, err := backend.NewMem(backend.DeviceProperties{
		MemoryTypes: []backend.MemoryType{
			{HeapIndex: 0, Flags: backend.MemoryPropertyDeviceLocal},
			{HeapIndex: 1, Flags: backend.MemoryPropertyHostVisible | backend.MemoryPropertyHostCoherent},
			{HeapIndex: 1, Flags: backend.MemoryPropertyHostVisible | backend.MemoryPropertyHostCached},
		},
		MemoryHeaps: []backend.MemoryHeap{
			{Size: 1024, Flags: backend.MemoryHeapDeviceLocal},
			{Size: 2048},
		},
		BufferImageGranularity:   64,
		NonCoherentAtomSize:      32,
		MaxMemoryAllocationCount: 4096,
	})
	require.NoError(t, err)

	return mem
}

func TestMemPropertyValidation(t *testing.T) {
	_, err := backend.NewMem(backend.DeviceProperties{})
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)

	_, err = backend.NewMem(backend.DeviceProperties{
		MemoryTypes: []backend.MemoryType{{HeapIndex: 3}},
		MemoryHeaps: []backend.MemoryHeap{{Size: 1024}},
	})
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)

	mem, err := backend.NewMem(backend.DeviceProperties{
		MemoryTypes: []backend.MemoryType{{HeapIndex: 0}},
		MemoryHeaps: []backend.MemoryHeap{{Size: 1024}},
	})
	require.NoError(t, err)

	// Granularity values default to 1 when unset
	require.Equal(t, 1, mem.Properties().BufferImageGranularity)
	require.Equal(t, 1, mem.Properties().NonCoherentAtomSize)
}

func TestMemHeapBudget(t *testing.T) {
	mem := newTestMem(t)

	block1, err := mem.AllocBlock(0, 512)
	require.NoError(t, err)
	require.NotEqual(t, backend.NilBlock, block1)
	require.Equal(t, 512, mem.HeapUsage(0))

	block2, err := mem.AllocBlock(0, 512)
	require.NoError(t, err)

	// Heap 0 is full
	_, err = mem.AllocBlock(0, 1)
	require.ErrorIs(t, err, memutils.ErrOutOfDeviceMemory)

	// Heap 1 is a different heap and is unaffected
	block3, err := mem.AllocBlock(1, 1024)
	require.NoError(t, err)
	require.Equal(t, 1024, mem.HeapUsage(1))

	mem.FreeBlock(block1, 512)
	require.Equal(t, 512, mem.HeapUsage(0))

	block4, err := mem.AllocBlock(0, 500)
	require.NoError(t, err)

	require.Equal(t, 3, mem.BlockCount())

	mem.FreeBlock(block2, 512)
	mem.FreeBlock(block3, 1024)
	mem.FreeBlock(block4, 500)
	require.Equal(t, 0, mem.BlockCount())
	require.Equal(t, 0, mem.HeapUsage(0))
	require.Equal(t, 0, mem.HeapUsage(1))
}

func TestMemAllocInvalidArguments(t *testing.T) {
	mem := newTestMem(t)

	_, err := mem.AllocBlock(-1, 128)
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)

	_, err = mem.AllocBlock(3, 128)
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)

	_, err = mem.AllocBlock(0, 0)
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)
}

func TestMemMapUnmap(t *testing.T) {
	mem := newTestMem(t)

	block, err := mem.AllocBlock(1, 128)
	require.NoError(t, err)

	ptr, err := mem.Map(block)
	require.NoError(t, err)
	require.NotNil(t, ptr)

	data := unsafe.Slice((*byte)(ptr), 128)
	copy(data, "written through the mapping")

	// A second mapping sees the same memory
	ptr2, err := mem.Map(block)
	require.NoError(t, err)
	require.Equal(t, ptr, ptr2)

	data2 := unsafe.Slice((*byte)(ptr2), 128)
	require.Equal(t, []byte("written through the mapping"), data2[:27])

	mem.Unmap(block)
	mem.Unmap(block)

	// Device-local memory is not mappable
	deviceBlock, err := mem.AllocBlock(0, 128)
	require.NoError(t, err)
	_, err = mem.Map(deviceBlock)
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)
}

func TestMemFlushInvalidateBounds(t *testing.T) {
	mem := newTestMem(t)

	block, err := mem.AllocBlock(1, 128)
	require.NoError(t, err)

	require.NoError(t, mem.Flush(block, 0, 128))
	require.NoError(t, mem.Invalidate(block, 64, 64))

	err = mem.Flush(block, 64, 128)
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)

	err = mem.Invalidate(block, -1, 4)
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)
}

func TestMemCopy(t *testing.T) {
	mem := newTestMem(t)

	src, err := mem.AllocBlock(1, 128)
	require.NoError(t, err)
	dst, err := mem.AllocBlock(1, 128)
	require.NoError(t, err)

	srcPtr, err := mem.Map(src)
	require.NoError(t, err)
	srcData := unsafe.Slice((*byte)(srcPtr), 128)
	for i := range srcData {
		srcData[i] = byte(i)
	}

	require.NoError(t, mem.Copy(src, 16, dst, 32, 64))

	dstPtr, err := mem.Map(dst)
	require.NoError(t, err)
	dstData := unsafe.Slice((*byte)(dstPtr), 128)

	for i := 0; i < 64; i++ {
		require.Equal(t, byte(i+16), dstData[32+i])
	}

	// Bytes outside the destination range are untouched
	require.Equal(t, byte(0), dstData[31])
	require.Equal(t, byte(0), dstData[96])

	err = mem.Copy(src, 100, dst, 0, 64)
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)

	err = mem.Copy(src, 0, dst, 100, 64)
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)

	mem.Unmap(src)
	mem.Unmap(dst)
}
