package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/sarchlab/smtfetch/timing/core"
)

// report prints the statistics of every component of the core.
func report(w io.Writer, c *core.Core) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer func() { _ = tw.Flush() }()

	fs := c.Fetch().Stats()
	cs := c.Stats()
	ic := c.ICache().Stats()
	bp := c.Predictor().Stats()
	ms := c.MMU().Stats()

	line := func(name string, value any) {
		_, _ = fmt.Fprintf(tw, "%s\t%v\n", name, value)
	}

	line("core.cycles", cs.Cycles)
	line("core.committed", cs.Committed)
	line("core.ipc", fmt.Sprintf("%.3f", cs.IPC()))
	line("core.squashed", cs.Squashed)
	line("core.decode_redirects", cs.DecodeRedirects)
	line("core.traps", cs.Traps)
	line("core.quiesce", cs.Quiesce)
	line("core.wakeups", cs.Wakeups)

	line("fetch.cycles", fs.Cycles)
	line("fetch.insts", fs.FetchedInsts)
	line("fetch.branches", fs.FetchedBranches)
	line("fetch.predicted_branches", fs.PredictedBranches)
	line("fetch.fetch_cycles", fs.FetchCycles)
	line("fetch.squash_cycles", fs.SquashCycles)
	line("fetch.idle_cycles", fs.IdleCycles)
	line("fetch.blocked_cycles", fs.BlockedCycles)
	line("fetch.icache_stall_cycles", fs.IcacheStallCycles)
	line("fetch.misc_stall_cycles", fs.MiscStallCycles)
	line("fetch.cache_lines", fs.FetchedCacheLines)
	line("fetch.icache_squashes", fs.IcacheSquashes)
	line("fetch.no_mshr_retries", fs.NoMSHRRetries)
	line("fetch.idle_rate", fmt.Sprintf("%.3f", fs.IdleRate()))
	line("fetch.branch_rate", fmt.Sprintf("%.3f", fs.BranchRate()))
	line("fetch.rate", fmt.Sprintf("%.3f", fs.FetchRate()))

	for n, count := range fs.InstsPerCycle {
		line(fmt.Sprintf("fetch.insts_per_cycle::%d", n), count)
	}

	line("icache.accesses", ic.Accesses)
	line("icache.hit_rate", fmt.Sprintf("%.3f", ic.HitRate()))
	line("icache.mshr_hits", ic.MSHRHits)
	line("icache.evictions", ic.Evictions)

	line("bpred.lookups", bp.Lookups)
	line("bpred.accuracy", fmt.Sprintf("%.2f%%", bp.Accuracy()))
	line("bpred.mispredictions", bp.Mispredictions)
	line("bpred.btb_hit_rate", fmt.Sprintf("%.2f%%", bp.BTBHitRate()))

	line("mmu.translations", ms.Translations)
	line("mmu.faults", ms.Faults)
}
