package stats

import "runtime"

// AllocCounters holds the global allocator counters (allocations,
// frees, free pages, total pages) the ReportStatistics message
// carries. This hosted implementation has no bespoke page allocator to
// instrument, so it reads the same shape out of Go's runtime heap
// statistics — a bare-metal build would plug its kernel allocator's
// counters in here instead.
type AllocCounters struct {
	Allocs    uint64
	Frees     uint64
	PhysFree  uint64
	PhysTotal uint64
}

// ReadAllocCounters samples the Go runtime's memory statistics and
// reshapes them into AllocCounters.
func ReadAllocCounters() AllocCounters {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return AllocCounters{
		Allocs:    ms.Mallocs,
		Frees:     ms.Frees,
		PhysFree:  ms.HeapIdle,
		PhysTotal: ms.HeapSys,
	}
}
