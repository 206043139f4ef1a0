package memutils

import "math"

// Statistics is a coarse accounting of memory traffic within some scope: one block, a block
// list, a memory type, a heap, or an entire allocator. BlockBytes minus AllocationBytes is the
// amount of memory held but not handed out.
type Statistics struct {
	// BlockCount is the number of device memory blocks
	BlockCount int
	// AllocationCount is the number of live suballocations
	AllocationCount int
	// BlockBytes is the total size of all device memory blocks
	BlockBytes int
	// AllocationBytes is the total size of all live suballocations
	AllocationBytes int
}

func (s *Statistics) Clear() {
	*s = Statistics{}
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BlockCount += other.BlockCount
	s.AllocationCount += other.AllocationCount
	s.BlockBytes += other.BlockBytes
	s.AllocationBytes += other.AllocationBytes
}

// DetailedStatistics extends Statistics with free-range counts and size extremes. It is more
// expensive to collect, since every suballocation and free range in scope has to be visited.
type DetailedStatistics struct {
	Statistics
	// UnusedRangeCount is the number of distinct free ranges
	UnusedRangeCount int
	// AllocationSizeMin and AllocationSizeMax bound the sizes of live suballocations. When
	// AllocationCount is 0, AllocationSizeMin is math.MaxInt
	AllocationSizeMin int
	AllocationSizeMax int
	// UnusedRangeSizeMin and UnusedRangeSizeMax bound the sizes of free ranges. When
	// UnusedRangeCount is 0, UnusedRangeSizeMin is math.MaxInt
	UnusedRangeSizeMin int
	UnusedRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	*s = DetailedStatistics{
		AllocationSizeMin:  math.MaxInt,
		UnusedRangeSizeMin: math.MaxInt,
	}
}

func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRangeCount++
	lowerInto(&s.UnusedRangeSizeMin, size)
	raiseInto(&s.UnusedRangeSizeMax, size)
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size
	lowerInto(&s.AllocationSizeMin, size)
	raiseInto(&s.AllocationSizeMax, size)
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.UnusedRangeCount += other.UnusedRangeCount

	lowerInto(&s.AllocationSizeMin, other.AllocationSizeMin)
	raiseInto(&s.AllocationSizeMax, other.AllocationSizeMax)
	lowerInto(&s.UnusedRangeSizeMin, other.UnusedRangeSizeMin)
	raiseInto(&s.UnusedRangeSizeMax, other.UnusedRangeSizeMax)
}

func lowerInto(dst *int, value int) {
	if value < *dst {
		*dst = value
	}
}

func raiseInto(dst *int, value int) {
	if value > *dst {
		*dst = value
	}
}
