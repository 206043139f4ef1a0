package gravel

import (
	"log/slog"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/gravelmem/gravel/backend"
	"github.com/gravelmem/gravel/internal/devmem"
	"github.com/gravelmem/gravel/internal/utils"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var allocatorCreateFlagsMapping = utils.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	allocatorCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return allocatorCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocatorCreateExternallySynchronized ensures that this allocator and all objects created from it
	// will not be synchronized internally. The consumer must guarantee they are used from only one
	// thread at a time or are synchronized by some other mechanism, but performance may improve because
	// internal mutexes are not used.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	AllocatorCreateExternallySynchronized.Register("AllocatorCreateExternallySynchronized")
}

const (
	// defaultLargeHeapBlockSize is the value that is used as the PreferredLargeHeapBlockSize when none
	// is provided via CreateOptions. It is equal to 256Mb.
	defaultLargeHeapBlockSize int = 256 * 1024 * 1024
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// PreferredLargeHeapBlockSize is the block size to use when allocating from heaps larger
	// than a gigabyte
	PreferredLargeHeapBlockSize int

	// MemoryCallbackOptions is an optional set of callbacks that will be executed when memory
	// blocks are allocated from the backend by this allocator. It can be helpful in cases when the
	// consumer requires allocator-level info about allocated memory
	MemoryCallbackOptions *MemoryCallbackOptions

	// HeapSizeLimits can be left empty. If it is provided, though, it must be a slice
	// with a number of entries corresponding to the number of heaps reported by the backend
	// used to create this Allocator. Each entry must be either the maximum number of bytes
	// that should be allocated from the corresponding memory heap, or -1 indicating
	// no limit.
	//
	// Heap memory limits will be enforced at runtime (the allocator will go so far as to
	// return an out of memory error when attempting to allocate beyond the limit).
	HeapSizeLimits []int

	// EpochInUseCount is the number of epochs an allocation created with
	// AllocationCreateCanBecomeLost stays safe from reclamation after it was last touched. With
	// the default of 0, such an allocation expires as soon as the epoch advances past its
	// last use.
	EpochInUseCount uint32
}

// New creates a new Allocator
//
// logger - Allocator activity will be logged to this (usually at Debug level)
//
// bknd - The device memory backend that real memory blocks will be allocated from
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, bknd backend.Backend, options CreateOptions) (*Allocator, error) {
	if bknd == nil {
		return nil, errors.New("attempted to create an allocator with a nil backend")
	}
	if logger == nil {
		logger = slog.Default()
	}

	useMutex := options.Flags&AllocatorCreateExternallySynchronized == 0

	allocator := &Allocator{
		useMutex:   useMutex,
		logger:     logger,
		backend:    bknd,
		poolsMutex: utils.OptionalRWMutex{UseMutex: useMutex},

		createFlags:     options.Flags,
		epochInUseCount: options.EpochInUseCount,
		currentEpoch:    1,
	}

	if options.PreferredLargeHeapBlockSize == 0 {
		allocator.preferredLargeHeapBlockSize = defaultLargeHeapBlockSize
	} else {
		allocator.preferredLargeHeapBlockSize = options.PreferredLargeHeapBlockSize
	}

	var err error
	allocator.deviceMemory, err = devmem.NewDeviceMemoryProperties(
		useMutex,
		&memoryCallbacks{
			Callbacks: options.MemoryCallbackOptions,
			Allocator: allocator,
		},
		bknd,
		options.HeapSizeLimits,
	)
	if err != nil {
		return nil, err
	}

	allocator.globalMemoryTypeBits = allocator.deviceMemory.CalculateGlobalMemoryTypeBits()

	// Initialize memory block lists & dedicated lists
	typeCount := allocator.deviceMemory.MemoryTypeCount()
	for typeIndex := 0; typeIndex < typeCount; typeIndex++ {
		if allocator.globalMemoryTypeBits&(1<<typeIndex) != 0 {
			preferredBlockSize := allocator.calculatePreferredBlockSize(typeIndex)
			allocator.memoryBlockLists[typeIndex] = &memoryBlockList{}

			allocator.memoryBlockLists[typeIndex].Init(
				useMutex,
				allocator,
				nil,
				typeIndex,
				preferredBlockSize,
				0,
				math.MaxInt,
				allocator.deviceMemory.BufferImageGranularity(),
				false,
				0,
				0.5,
				allocator.deviceMemory.MemoryTypeMinimumAlignment(typeIndex),
			)

			allocator.dedicatedAllocations[typeIndex] = &dedicatedAllocationList{}
			allocator.dedicatedAllocations[typeIndex].Init(useMutex)
		}
	}

	return allocator, nil
}

func (a *Allocator) calculatePreferredBlockSize(memTypeIndex int) int {
	return a.deviceMemory.CalculatePreferredBlockSize(memTypeIndex, a.preferredLargeHeapBlockSize)
}
