package gravel

import "github.com/gravelmem/gravel/backend"

// AllocateDeviceMemoryCallback is executed whenever the allocator creates a real memory block at
// the backend
type AllocateDeviceMemoryCallback func(
	allocator *Allocator,
	memoryType int,
	block backend.BlockHandle,
	size int,
	userData interface{},
)

// FreeDeviceMemoryCallback is executed whenever the allocator returns a real memory block to the
// backend
type FreeDeviceMemoryCallback func(
	allocator *Allocator,
	memoryType int,
	block backend.BlockHandle,
	size int,
	userData interface{},
)

// MemoryCallbackOptions can be provided in CreateOptions to observe block traffic at the backend.
// Allocations and frees performed by the allocator do not map 1:1 with blocks allocated and freed
// at the backend, so these will not be called for every Allocation.
type MemoryCallbackOptions struct {
	Allocate AllocateDeviceMemoryCallback
	Free     FreeDeviceMemoryCallback
	UserData interface{}
}

type memoryCallbacks struct {
	Callbacks *MemoryCallbackOptions
	Allocator *Allocator
}

func (c *memoryCallbacks) Allocate(
	memoryType int,
	block backend.BlockHandle,
	size int,
) {
	if c.Callbacks != nil && c.Callbacks.Allocate != nil {
		c.Callbacks.Allocate(c.Allocator, memoryType, block, size, c.Callbacks.UserData)
	}
}

func (c *memoryCallbacks) Free(
	memoryType int,
	block backend.BlockHandle,
	size int,
) {
	if c.Callbacks != nil && c.Callbacks.Free != nil {
		c.Callbacks.Free(c.Allocator, memoryType, block, size, c.Callbacks.UserData)
	}
}
