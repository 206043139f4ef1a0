package gravel

import "github.com/gravelmem/gravel/internal/utils"

type PoolCreateFlags int32

var poolCreateFlagsMapping = utils.NewFlagStringMapping[PoolCreateFlags]()

func (f PoolCreateFlags) Register(str string) {
	poolCreateFlagsMapping.Register(f, str)
}
func (f PoolCreateFlags) String() string {
	return poolCreateFlagsMapping.FlagsToString(f)
}

const (
	// PoolCreateIgnoreBufferImageGranularity indicates to the memory pool that you only ever
	// allocate a single resource class out of this pool, so the placement granularity between
	// resource classes can be ignored. Allocations will be faster and more tightly packed.
	PoolCreateIgnoreBufferImageGranularity PoolCreateFlags = 1 << iota
	// PoolCreateLinearAlgorithm enables an alternative, linear allocation algorithm in this pool.
	// The algorithm always creates new allocations after the last one and doesn't reuse space from
	// allocations freed in between. It trades memory consumption for a simplified algorithm and data
	// structure, which has better performance and uses less memory for metadata. This flag can be used
	// to achieve the behavior of free-at-once, stack, ring buffer, and double stack.
	PoolCreateLinearAlgorithm
	// PoolCreateBuddyAlgorithm enables a power-of-two buddy allocation algorithm in this pool.
	// Allocation sizes are rounded up to the next power of two, so internal fragmentation of up to
	// 2x is possible, but allocation and free are very fast and freed buddies merge back into
	// larger free ranges immediately.
	PoolCreateBuddyAlgorithm

	PoolCreateAlgorithmMask = PoolCreateLinearAlgorithm | PoolCreateBuddyAlgorithm
)

func init() {
	PoolCreateIgnoreBufferImageGranularity.Register("PoolCreateIgnoreBufferImageGranularity")
	PoolCreateLinearAlgorithm.Register("PoolCreateLinearAlgorithm")
	PoolCreateBuddyAlgorithm.Register("PoolCreateBuddyAlgorithm")
}
