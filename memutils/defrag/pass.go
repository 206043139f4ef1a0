package defrag

import "fmt"

// A pass stops scanning after this many consecutive over-budget candidates, on the theory that
// the remaining candidates are unlikely to be any smaller.
const defragMaxAllocsToIgnore = 16

// PassContext tracks budget consumption and statistics across the relocations of a single
// defragmentation pass.
type PassContext struct {
	// MaxPassBytes caps the bytes relocated in this pass. Fewer bytes may move if the walk
	// cannot find candidates that fit the remaining budget.
	MaxPassBytes int
	// MaxPassAllocations caps the relocations performed in this pass. Each relocation costs a
	// temporary destination allocation, so this value is also a close proxy for the go
	// allocations made per pass- tune it together with MaxPassBytes to control the memory and
	// cpu throughput of the defragmentation process.
	MaxPassAllocations int
	// Stats accumulates what the current pass has done so far
	Stats DefragmentationStats

	ignoredAllocs int
}

// checkCounters reports whether a candidate relocation of the given size fits the remaining
// byte budget: pass it, skip it, or give up on the walk.
func (p *PassContext) checkCounters(bytes int) defragCounterStatus {
	if p.Stats.BytesMoved+bytes <= p.MaxPassBytes {
		p.ignoredAllocs = 0
		return defragCounterPass
	}

	p.ignoredAllocs++
	if p.ignoredAllocs < defragMaxAllocsToIgnore {
		return defragCounterIgnore
	}

	return defragCounterEnd
}

// incrementCounters commits an admitted relocation against the budget and reports whether the
// pass is now full.
func (p *PassContext) incrementCounters(bytes int) bool {
	p.Stats.BytesMoved += bytes
	p.Stats.AllocationsMoved++

	if p.Stats.AllocationsMoved < p.MaxPassAllocations && p.Stats.BytesMoved < p.MaxPassBytes {
		return false
	}

	// checkCounters only admits candidates that fit, so a full budget lands exactly on a cap
	if p.Stats.AllocationsMoved != p.MaxPassAllocations && p.Stats.BytesMoved != p.MaxPassBytes {
		panic(fmt.Sprintf("pass budget overshot: %d bytes, %d relocations", p.Stats.BytesMoved, p.Stats.AllocationsMoved))
	}

	return true
}
