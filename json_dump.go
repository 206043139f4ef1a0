package gravel

import (
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/gravelmem/gravel/internal/devmem"
	"github.com/gravelmem/gravel/memutils"
)

func writeStatistics(json *jwriter.ObjectState, stats memutils.Statistics) {
	json.Name("BlockCount").Int(stats.BlockCount)
	json.Name("BlockBytes").Int(stats.BlockBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
}

func writeDetailedStatistics(json *jwriter.ObjectState, stats memutils.DetailedStatistics) {
	writeStatistics(json, stats.Statistics)
	json.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)

	if stats.AllocationCount > 1 {
		json.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}
	if stats.UnusedRangeCount > 1 {
		json.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizeMax)
	}
}

func writeBudget(json *jwriter.ObjectState, budget Budget) {
	json.Name("BudgetBytes").Int(budget.Budget)
	json.Name("UsageBytes").Int(budget.Usage)
}

// BuildStatsString dumps this allocator's current state to a JSON string, suitable for debugging
// memory usage or feeding into offline visualization tooling. When detailed is true, the dump
// includes a full map of every block and suballocation the allocator owns; otherwise it stops at
// per-heap and per-type statistics.
func (a *Allocator) BuildStatsString(detailed bool) string {
	a.logger.Debug("Allocator::BuildStatsString")

	writer := jwriter.NewWriter()
	rootObj := writer.Object()

	var stats AllocatorStatistics
	a.CalculateStatistics(&stats)

	var budgets [devmem.MaxMemoryHeaps]Budget
	heapCount := a.deviceMemory.MemoryHeapCount()
	a.deviceMemory.HeapBudgets(0, budgets[:heapCount])

	totalObj := rootObj.Name("Total").Object()
	writeDetailedStatistics(&totalObj, stats.Total)
	totalObj.End()

	heapsObj := rootObj.Name("MemoryInfo").Object()
	for heapIndex := 0; heapIndex < heapCount; heapIndex++ {
		heapObj := heapsObj.Name(fmt.Sprintf("Heap %d", heapIndex)).Object()

		heapProps := a.deviceMemory.MemoryHeapProperties(heapIndex)
		heapObj.Name("Size").Int(heapProps.Size)
		heapObj.Name("Flags").String(heapProps.Flags.String())

		budgetObj := heapObj.Name("Budget").Object()
		writeBudget(&budgetObj, budgets[heapIndex])
		budgetObj.End()

		statsObj := heapObj.Name("Stats").Object()
		writeDetailedStatistics(&statsObj, stats.MemoryHeaps[heapIndex])
		statsObj.End()

		typesObj := heapObj.Name("MemoryPools").Object()
		for typeIndex := 0; typeIndex < a.deviceMemory.MemoryTypeCount(); typeIndex++ {
			if a.deviceMemory.MemoryTypeIndexToHeapIndex(typeIndex) != heapIndex {
				continue
			}

			typeObj := typesObj.Name(fmt.Sprintf("Type %d", typeIndex)).Object()
			typeObj.Name("Flags").String(a.deviceMemory.MemoryTypeProperties(typeIndex).Flags.String())

			typeStatsObj := typeObj.Name("Stats").Object()
			writeDetailedStatistics(&typeStatsObj, stats.MemoryTypes[typeIndex])
			typeStatsObj.End()

			typeObj.End()
		}
		typesObj.End()

		heapObj.End()
	}
	heapsObj.End()

	if detailed {
		defaultPoolsObj := rootObj.Name("DefaultPools").Object()
		for typeIndex := 0; typeIndex < a.deviceMemory.MemoryTypeCount(); typeIndex++ {
			blockList := a.memoryBlockLists[typeIndex]
			if blockList == nil {
				continue
			}

			typeObj := defaultPoolsObj.Name(fmt.Sprintf("Type %d", typeIndex)).Object()

			typeObj.Name("PreferredBlockSize").Int(blockList.PreferredBlockSize())
			blockList.PrintDetailedMap(typeObj.Name("Blocks"))
			a.dedicatedAllocations[typeIndex].BuildStatsString(typeObj.Name("DedicatedAllocations"))

			typeObj.End()
		}
		defaultPoolsObj.End()

		func() {
			a.poolsMutex.RLock()
			defer a.poolsMutex.RUnlock()

			if a.pools == nil {
				return
			}

			poolsObj := rootObj.Name("CustomPools").Object()
			for pool := a.pools; pool != nil; pool = pool.next {
				poolObj := poolsObj.Name(fmt.Sprintf("Pool %d", pool.id)).Object()

				if pool.name != "" {
					poolObj.Name("Name").String(pool.name)
				}
				poolObj.Name("PreferredBlockSize").Int(pool.blockList.PreferredBlockSize())

				pool.blockList.PrintDetailedMap(poolObj.Name("Blocks"))
				pool.dedicatedAllocations.BuildStatsString(poolObj.Name("DedicatedAllocations"))

				poolObj.End()
			}
			poolsObj.End()
		}()
	}

	rootObj.End()

	return string(writer.Bytes())
}
