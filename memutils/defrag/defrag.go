// Package defrag contains the engine used to defragment block-based memory structures. It is
// deliberately agnostic about what is being defragmented: it speaks to the memory system through
// the BlockList interface and to individual blocks through metadata.BlockMetadata, so any
// random-access metadata implementation can be compacted with it.
package defrag

type defragCounterStatus uint32

const (
	defragCounterPass defragCounterStatus = iota
	defragCounterIgnore
	defragCounterEnd
)

var defragCounterStatusMapping = map[defragCounterStatus]string{
	defragCounterPass:   "defragCounterPass",
	defragCounterIgnore: "defragCounterIgnore",
	defragCounterEnd:    "defragCounterEnd",
}

func (s defragCounterStatus) String() string {
	return defragCounterStatusMapping[s]
}
