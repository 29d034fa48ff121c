package fetch

// Statistics holds the fetch stage counters.
type Statistics struct {
	// Cycles is the number of times the stage ticked.
	Cycles uint64

	// FetchCycles counts cycles in which some thread accessed the icache
	// or drained a completed miss.
	FetchCycles uint64
	// SquashCycles counts cycles spent squashing.
	SquashCycles uint64
	// IdleCycles counts slots given to idle threads.
	IdleCycles uint64
	// BlockedCycles counts slots given to blocked threads.
	BlockedCycles uint64
	// IcacheStallCycles counts slots spent waiting on an icache miss.
	IcacheStallCycles uint64
	// MiscStallCycles counts slots lost to anything else, such as a full
	// decode queue or a parked thread.
	MiscStallCycles uint64

	FetchedInsts      uint64
	FetchedBranches   uint64
	PredictedBranches uint64

	// FetchedCacheLines counts icache line reads that were accepted.
	FetchedCacheLines uint64
	// IcacheSquashes counts icache completions that arrived for a
	// request discarded by a squash.
	IcacheSquashes uint64
	// NoMSHRRetries counts line reads refused for lack of an MSHR.
	NoMSHRRetries uint64

	// InstsPerCycle[n] counts cycles in which n instructions were fetched.
	InstsPerCycle []uint64
}

func newStatistics(fetchWidth int) Statistics {
	return Statistics{InstsPerCycle: make([]uint64, fetchWidth+1)}
}

// IdleRate returns the fraction of cycles spent on idle threads.
func (s Statistics) IdleRate() float64 {
	return s.rate(s.IdleCycles)
}

// BranchRate returns fetched branches per cycle.
func (s Statistics) BranchRate() float64 {
	return s.rate(s.FetchedBranches)
}

// FetchRate returns fetched instructions per cycle.
func (s Statistics) FetchRate() float64 {
	return s.rate(s.FetchedInsts)
}

func (s Statistics) rate(n uint64) float64 {
	if s.Cycles == 0 {
		return 0
	}
	return float64(n) / float64(s.Cycles)
}
