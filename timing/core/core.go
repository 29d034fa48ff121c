// Package core provides the simulated SMT core that owns the fetch stage.
//
// Core implements the CPU side of the fetch stage: it hands out sequence
// numbers, tracks in-flight instructions, and ticks on an Akita engine while
// any stage has work. Behind fetch it runs a small backend model. Decode
// redirects mispredicted direct branches, commit retires instructions a
// fixed number of cycles after they leave the decode queue, takes fetch
// faults as traps, and wakes quiesced threads after a delay.
package core

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/sarchlab/akita/v4/sim"

	"github.com/sarchlab/smtfetch/emu"
	"github.com/sarchlab/smtfetch/timing/bpred"
	"github.com/sarchlab/smtfetch/timing/cache"
	"github.com/sarchlab/smtfetch/timing/config"
	"github.com/sarchlab/smtfetch/timing/fetch"
	"github.com/sarchlab/smtfetch/timing/mmu"
)

// Stats holds performance statistics for the backend model.
type Stats struct {
	// Cycles is the number of cycles the core ticked.
	Cycles uint64
	// Committed is the number of instructions retired.
	Committed uint64
	// Squashed is the number of in-flight instructions discarded.
	Squashed uint64
	// DecodeRedirects is the number of mispredicted direct branches caught
	// at decode.
	DecodeRedirects uint64
	// Traps is the number of fetch faults taken.
	Traps   uint64
	Quiesce uint64
	Wakeups uint64
}

// IPC returns the committed instructions per cycle.
func (s Stats) IPC() float64 {
	if s.Cycles == 0 {
		return 0
	}
	return float64(s.Committed) / float64(s.Cycles)
}

var _ fetch.CPU = (*Core)(nil)

type robEntry struct {
	inst    *fetch.DynInst
	readyAt uint64
}

// Option configures a Core.
type Option func(*Core)

// WithLogger sets the logger of the core and every component it builds.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Core) {
		c.logger = logger
	}
}

// WithMaxCycles stops the core after the given number of cycles. Zero
// means no limit.
func WithMaxCycles(n uint64) Option {
	return func(c *Core) {
		c.maxCycles = n
	}
}

// Core is a simulated SMT core.
type Core struct {
	*sim.TickingComponent

	cfg       *config.Config
	logger    *slog.Logger
	maxCycles uint64

	memory    *emu.Memory
	mmu       *mmu.MMU
	predictor *bpred.Predictor
	icache    *cache.InstCache
	fetch     *fetch.Engine

	nextSeq  uint64
	inFlight [][]*fetch.DynInst
	rob      [][]robEntry
	wakeAt   []uint64

	// squashPending is set from a trap until fetch removes the thread's
	// instructions that were fetched after the fault.
	squashPending []bool

	stageActive     bool
	lastSignalCycle uint64
	raiseInterrupt  bool
	clearInterrupt  bool

	err   error
	stats Stats
}

// New builds a core and its components from cfg. Instruction memory is
// read from memory at physical addresses handed out by the core's MMU.
func New(
	name string,
	engine sim.Engine,
	cfg *config.Config,
	memory *emu.Memory,
	opts ...Option,
) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	fetchCfg, err := cfg.FetchConfig()
	if err != nil {
		return nil, err
	}

	c := &Core{
		cfg:      cfg.Clone(),
		logger:   slog.Default(),
		memory:   memory,
		nextSeq:  1,
		inFlight: make([][]*fetch.DynInst, cfg.NumThreads),
		rob:      make([][]robEntry, cfg.NumThreads),
		wakeAt:   make([]uint64, cfg.NumThreads),

		squashPending: make([]bool, cfg.NumThreads),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.TickingComponent = sim.NewTickingComponent(name, engine, cfg.Freq(), c)

	c.mmu = mmu.New(cfg.Log2PageSize)
	c.predictor = bpred.New(cfg.BranchPredictorConfig(), cfg.NumThreads).
		WithLogger(c.logger)
	c.icache = cache.NewInstCache(
		sim.BuildName(name, "ICache"),
		engine,
		cfg.Freq(),
		cfg.ICacheConfig(),
		cache.NewMemoryBacking(memory),
	).WithLogger(c.logger)

	c.fetch, err = fetch.NewEngine(fetchCfg, c, c.predictor, c.mmu, c.icache,
		fetch.WithName(sim.BuildName(name, "Fetch")),
		fetch.WithLogger(c.logger),
	)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// Fetch returns the fetch stage.
func (c *Core) Fetch() *fetch.Engine {
	return c.fetch
}

// ICache returns the instruction cache.
func (c *Core) ICache() *cache.InstCache {
	return c.icache
}

// MMU returns the address translation unit.
func (c *Core) MMU() *mmu.MMU {
	return c.mmu
}

// Predictor returns the branch predictor.
func (c *Core) Predictor() *bpred.Predictor {
	return c.predictor
}

// Memory returns the physical memory.
func (c *Core) Memory() *emu.Memory {
	return c.memory
}

// Stats returns the backend statistics.
func (c *Core) Stats() Stats {
	return c.stats
}

// Err returns the error that stopped the core, if any.
func (c *Core) Err() error {
	return c.err
}

// InFlight returns the number of the thread's instructions that are
// fetched but not yet retired or squashed.
func (c *Core) InFlight(tid fetch.ThreadID) int {
	return len(c.inFlight[tid])
}

// StartThread points the thread at pc.
func (c *Core) StartThread(tid fetch.ThreadID, pc uint64) {
	c.fetch.SetPC(tid, pc)
}

// RaiseInterrupt makes commit report a pending interrupt on the next cycle.
func (c *Core) RaiseInterrupt() {
	c.raiseInterrupt = true
	c.TickLater()
}

// ClearInterrupt makes commit clear the pending interrupt on the next
// cycle.
func (c *Core) ClearInterrupt() {
	c.clearInterrupt = true
	c.TickLater()
}

// Start activates the fetch stage and schedules the first tick.
func (c *Core) Start() {
	c.fetch.Start()
	c.TickLater()
}

// Run starts the core and runs the engine until nothing is left to do. It
// returns the error that stopped the core, such as a fetch fault with no
// one to take it.
func (c *Core) Run() error {
	c.Start()

	if err := c.Engine.Run(); err != nil {
		return err
	}

	return c.err
}

// Tick runs one cycle: the backend writes this cycle's signals, fetch
// reads its delayed view of them, and the signal buffer moves on.
func (c *Core) Tick() bool {
	if c.err != nil {
		return false
	}

	if c.maxCycles > 0 && c.stats.Cycles >= c.maxCycles {
		c.logger.Info("cycle limit reached",
			"core", c.Name(), "cycles", c.stats.Cycles)
		return false
	}

	c.stats.Cycles++

	out := c.fetch.Signals().Current()

	progress := false
	progress = c.commit(out) || progress
	progress = c.decode(out) || progress
	progress = c.wake() || progress
	progress = c.interrupt(out) || progress

	if err := c.fetch.Tick(); err != nil {
		c.err = err
		c.logger.Error("core stopped", "core", c.Name(), "error", err)

		return false
	}

	c.fetch.Signals().Advance()

	progress = c.fetch.WroteToTimeBuffer() || progress

	return progress || c.stageActive || c.busy()
}

func (c *Core) busy() bool {
	if c.fetch.ToDecode().Size() > 0 {
		return true
	}

	for tid := range c.rob {
		if len(c.rob[tid]) > 0 || c.wakeAt[tid] != 0 {
			return true
		}
	}

	delay := uint64(c.fetch.Config().MaxDelay())

	return c.stats.Cycles < c.lastSignalCycle+delay
}

func (c *Core) signal() {
	c.lastSignalCycle = c.stats.Cycles
}

// decode moves up to one fetch width of instructions from the decode queue
// into the reorder buffer.
func (c *Core) decode(out *fetch.BackwardSignals) bool {
	queue := c.fetch.ToDecode()
	progress := false

	for n := 0; n < c.cfg.FetchWidth && queue.Size() > 0; n++ {
		inst := queue.Pop().(*fetch.DynInst)
		progress = true

		if inst.Squashed {
			continue
		}

		if c.squashPending[inst.Thread] {
			c.squashIf(inst.Thread, func(i *fetch.DynInst) bool {
				return i == inst
			})
			continue
		}

		c.redirectIfMispredicted(out, inst)

		c.rob[inst.Thread] = append(c.rob[inst.Thread], robEntry{
			inst:    inst,
			readyAt: c.stats.Cycles + uint64(c.cfg.CommitLatency),
		})
	}

	return progress
}

// redirectIfMispredicted squashes the younger instructions of an
// unconditional direct branch whose target fetch got wrong.
func (c *Core) redirectIfMispredicted(
	out *fetch.BackwardSignals,
	inst *fetch.DynInst,
) {
	if inst.Fault != nil || inst.Inst.IsConditional() {
		return
	}

	target, ok := inst.Inst.DirectTarget(inst.PC)
	if !ok || inst.PredPC == target {
		return
	}

	c.logger.Debug("decode redirect", "inst", inst, "target", target)

	c.stats.DecodeRedirects++
	inst.PredTaken = true
	inst.PredPC = target

	out.Decode.Threads[inst.Thread] = fetch.ThreadSignals{
		Squash:           true,
		DoneSeqNum:       inst.SeqNum,
		BranchMispredict: true,
		NextPC:           target,
		BranchTaken:      true,
	}
	c.signal()

	c.squashYounger(inst.Thread, inst.SeqNum)
}

// commit retires ready instructions in order, up to one fetch width per
// cycle over all threads.
func (c *Core) commit(out *fetch.BackwardSignals) bool {
	committed := 0

	for tid := range c.rob {
		for len(c.rob[tid]) > 0 && committed < c.cfg.FetchWidth {
			head := c.rob[tid][0]
			if head.readyAt > c.stats.Cycles {
				break
			}

			c.rob[tid] = c.rob[tid][1:]
			c.retire(head.inst)

			if head.inst.Fault != nil {
				c.trap(out, head.inst)
				break
			}

			committed++
			c.stats.Committed++
			out.Commit.Threads[tid].DoneSeqNum = head.inst.SeqNum
			c.signal()

			if head.inst.Inst.IsQuiesce() {
				c.quiesce(fetch.ThreadID(tid))
			}
		}
	}

	return committed > 0
}

// trap takes a fetch fault that reached the head of the reorder buffer.
// Everything older has retired, so the thread restarts at the trap vector.
func (c *Core) trap(out *fetch.BackwardSignals, rec *fetch.DynInst) {
	tid := rec.Thread

	c.logger.Debug("trap", "thread", tid, "pc", rec.PC, "fault", rec.Fault)

	c.stats.Traps++
	c.rob[tid] = nil
	c.squashPending[tid] = true
	c.squashYounger(tid, rec.SeqNum)

	out.Commit.Threads[tid] = fetch.ThreadSignals{
		Squash:     true,
		DoneSeqNum: rec.SeqNum,
		NextPC:     c.cfg.TrapVector,
	}
	c.signal()
}

func (c *Core) quiesce(tid fetch.ThreadID) {
	c.stats.Quiesce++

	if c.cfg.QuiesceWakeCycles > 0 {
		c.wakeAt[tid] = c.stats.Cycles + uint64(c.cfg.QuiesceWakeCycles)
	}
}

func (c *Core) wake() bool {
	progress := false

	for tid, at := range c.wakeAt {
		if at == 0 || at > c.stats.Cycles {
			continue
		}

		c.wakeAt[tid] = 0

		if c.fetch.Status(fetch.ThreadID(tid)) == fetch.QuiescePending {
			c.stats.Wakeups++
			c.fetch.WakeFromQuiesce(fetch.ThreadID(tid))
			progress = true
		}
	}

	return progress
}

func (c *Core) interrupt(out *fetch.BackwardSignals) bool {
	if !c.raiseInterrupt && !c.clearInterrupt {
		return false
	}

	out.Commit.InterruptPending = c.raiseInterrupt
	out.Commit.ClearInterrupt = c.clearInterrupt
	c.raiseInterrupt = false
	c.clearInterrupt = false
	c.signal()

	return true
}

func (c *Core) retire(inst *fetch.DynInst) {
	list := c.inFlight[inst.Thread]
	if i := slices.Index(list, inst); i >= 0 {
		c.inFlight[inst.Thread] = slices.Delete(list, i, i+1)
	}
}

// squashYounger discards the thread's in-flight instructions younger than
// seqNum.
func (c *Core) squashYounger(tid fetch.ThreadID, seqNum uint64) {
	c.squashIf(tid, func(inst *fetch.DynInst) bool {
		return inst.SeqNum > seqNum
	})
}

func (c *Core) squashIf(tid fetch.ThreadID, pred func(*fetch.DynInst) bool) {
	c.inFlight[tid] = slices.DeleteFunc(c.inFlight[tid],
		func(inst *fetch.DynInst) bool {
			if !pred(inst) {
				return false
			}

			inst.Squashed = true
			c.stats.Squashed++

			return true
		})

	c.rob[tid] = slices.DeleteFunc(c.rob[tid], func(e robEntry) bool {
		return e.inst.Squashed
	})
}

// GetAndIncrementInstSeq returns the next sequence number. Numbering
// starts at 1.
func (c *Core) GetAndIncrementInstSeq() uint64 {
	seq := c.nextSeq
	c.nextSeq++

	return seq
}

// AddInst records a fetched instruction as in flight.
func (c *Core) AddInst(inst *fetch.DynInst) {
	c.inFlight[inst.Thread] = append(c.inFlight[inst.Thread], inst)
}

// ActivateStage notes that fetch has work and makes sure the core ticks.
func (c *Core) ActivateStage() {
	c.stageActive = true
	c.TickLater()
}

// DeactivateStage notes that fetch is waiting.
func (c *Core) DeactivateStage() {
	c.stageActive = false
}

// WakeCPU resumes ticking.
func (c *Core) WakeCPU() {
	c.TickLater()
}

// RemoveInstsUntil squashes the thread's instructions younger than seqNum.
func (c *Core) RemoveInstsUntil(seqNum uint64, tid fetch.ThreadID) {
	c.squashYounger(tid, seqNum)
}

// RemoveInstsNotInROB squashes the thread's instructions that have been
// fetched but have not reached the reorder buffer.
func (c *Core) RemoveInstsNotInROB(tid fetch.ThreadID) {
	var youngest uint64
	if n := len(c.rob[tid]); n > 0 {
		youngest = c.rob[tid][n-1].inst.SeqNum
	}

	c.squashYounger(tid, youngest)
	c.squashPending[tid] = false
}
