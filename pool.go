package gravel

import (
	"log/slog"

	"github.com/pkg/errors"
	"github.com/gravelmem/gravel/memutils"
)

// PoolCreateInfo is an options struct used in Allocator.CreatePool to build custom memory pools.
type PoolCreateInfo struct {
	// MemoryTypeIndex is the memory type that all blocks in this pool will be allocated from
	MemoryTypeIndex int
	// Flags is an optional set of PoolCreateFlags that changes the pool's behavior
	Flags PoolCreateFlags

	// BlockSize is the size of each block in the pool. When this is 0, a heap-appropriate block
	// size is chosen and blocks may be created smaller under memory pressure. When it is nonzero,
	// every block in the pool is exactly this size.
	BlockSize int
	// MinBlockCount is the number of blocks to create eagerly and keep alive for the pool's lifetime
	MinBlockCount int
	// MaxBlockCount is the largest number of blocks this pool is permitted to hold. When this is
	// 0, the pool can grow without limit.
	MaxBlockCount int

	// Priority is a value between 0 and 1 applied to blocks allocated from this pool
	Priority float32
	// MinAllocationAlignment can be used to force a stricter alignment than the memory type
	// requires on every allocation made from this pool
	MinAllocationAlignment uint
}

// Pool is a custom memory pool with its own block size, algorithm, and growth policy. Pools are
// created with Allocator.CreatePool and must be destroyed with Pool.Destroy once all of their
// allocations have been freed.
type Pool struct {
	logger               *slog.Logger
	blockList            memoryBlockList
	dedicatedAllocations dedicatedAllocationList
	parentAllocator      *Allocator

	id   int
	name string
	prev *Pool
	next *Pool
}

func (p *Pool) SetName(name string) {
	p.logger.Debug("Pool::SetName")

	p.name = name
}

func (p *Pool) SetID(id int) error {
	if p.id != 0 {
		return errors.New("attempted to set id on a pool that already has one")
	}
	p.id = id
	return nil
}

func (p *Pool) Destroy() error {
	p.logger.Debug("Pool::Destroy")

	p.parentAllocator.poolsMutex.Lock()
	defer p.parentAllocator.poolsMutex.Unlock()

	return p.destroyAfterLock()
}

func (p *Pool) destroyAfterLock() error {
	memutils.DebugValidate(&p.dedicatedAllocations)
	if p.dedicatedAllocations.count > 0 {
		return errors.Errorf("the pool still has %d dedicated allocations that remain unfreed", p.dedicatedAllocations.count)
	}

	err := p.blockList.Destroy()
	if err != nil {
		return err
	}

	next := p.next
	if p.next != nil {
		p.next.prev = p.prev
	}
	if p.prev != nil {
		p.prev.next = next
	}

	if p.parentAllocator.pools == p {
		p.parentAllocator.pools = next
	}

	return nil
}

// CalculateStatistics populates stats with a full accounting of this pool's blocks and
// dedicated allocations.
func (p *Pool) CalculateStatistics(stats *memutils.DetailedStatistics) {
	p.logger.Debug("Pool::CalculateStatistics")

	stats.Clear()
	p.blockList.AddDetailedStatistics(stats)
	p.dedicatedAllocations.AddDetailedStatistics(stats)
}

func (p *Pool) CheckCorruption() error {
	p.logger.Debug("Pool::CheckCorruption")
	return p.blockList.CheckCorruption()
}

func (p *Pool) ID() int {
	return p.id
}

func (p *Pool) Name() string {
	p.logger.Debug("Pool::Name")

	return p.name
}
