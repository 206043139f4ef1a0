package metadata

// AllocationStrategy exposes several options for choosing the location of a new memory allocation.
// You can choose several and memutils will select one of them based on its own preferences. If none is
// chosen, a balanced strategy will be used.
type AllocationStrategy uint32

const (
	// AllocationStrategyMinMemory selects the allocation strategy that chooses the smallest-possible
	// free range for the allocation to minimize memory usage and fragmentation, possibly at the expense of
	// allocation time. In the general free-list implementation this is a best-fit search.
	AllocationStrategyMinMemory AllocationStrategy = 1 << iota
	// AllocationStrategyMinTime selects the allocation strategy that chooses the first suitable free
	// range for the allocation to minimize allocation time, possibly at the expense of allocation
	// quality. In the general free-list implementation this is a first-fit search from the lowest
	// offset, which also tends to keep long-lived allocations packed at low addresses.
	AllocationStrategyMinTime
	// AllocationStrategyMinOffset selects the allocation strategy that chooses the lowest offset in
	// available space. This is not the most efficient strategy, but achieves highly packed data. Used internally
	// by defragmentation, not recommended in typical usage.
	AllocationStrategyMinOffset
	// AllocationStrategyMinFragmentation selects the allocation strategy that chooses the largest
	// free range for the allocation (a worst-fit search). Repeatedly carving small allocations out of
	// the largest hole keeps the remainders usable, which trades steady-state fragmentation quality
	// for allocation speed in short-lived bursts.
	AllocationStrategyMinFragmentation
)

// Alternate names for the general free-list search policies, for callers who think in terms of
// fit policy rather than optimization target.
const (
	AllocationStrategyBestFit  = AllocationStrategyMinMemory
	AllocationStrategyFirstFit = AllocationStrategyMinTime
	AllocationStrategyWorstFit = AllocationStrategyMinFragmentation
)
