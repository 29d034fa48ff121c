// Package fetch models the instruction fetch stage of a simultaneous
// multithreading out-of-order core.
//
// Each cycle the Engine reads the delayed signals of the later stages, moves
// every thread through its status machine, hands up to NumFetchingThreads
// fetch slots to the threads chosen by the Arbiter, and pushes at most
// FetchWidth instructions into the decode queue.
package fetch

import (
	"encoding/binary"
	"fmt"
	"log"
	"log/slog"

	"github.com/sarchlab/akita/v4/sim"

	"github.com/sarchlab/smtfetch/insts"
)

// CPU is the owner of the fetch stage.
type CPU interface {
	// GetAndIncrementInstSeq returns the next global sequence number.
	GetAndIncrementInstSeq() uint64
	// AddInst records a newly fetched instruction as in flight.
	AddInst(inst *DynInst)
	ActivateStage()
	DeactivateStage()
	// WakeCPU resumes ticking after an idle period.
	WakeCPU()
	// RemoveInstsUntil squashes the thread's in-flight instructions
	// younger than seqNum that have not reached decode.
	RemoveInstsUntil(seqNum uint64, tid ThreadID)
	// RemoveInstsNotInROB squashes the thread's in-flight instructions
	// that have not entered the reorder buffer.
	RemoveInstsNotInROB(tid ThreadID)
}

// BranchPredictor predicts control instructions at fetch and is kept in
// step with commit and squashes.
type BranchPredictor interface {
	Predict(inst *DynInst) (taken bool, target uint64)
	Update(doneSeqNum uint64, tid ThreadID)
	Squash(squashedSeqNum uint64, tid ThreadID)
	SquashMispredict(
		squashedSeqNum uint64,
		correctTarget uint64,
		taken bool,
		tid ThreadID,
	)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Traces go to Debug and protocol anomalies to
// Warn.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithName sets the name of the engine. The decode queue is named after it.
func WithName(name string) Option {
	return func(e *Engine) {
		e.name = name
	}
}

// WithDecoder sets the instruction decoder.
func WithDecoder(decoder *insts.Decoder) Option {
	return func(e *Engine) {
		e.decoder = decoder
	}
}

// Engine is the fetch stage.
type Engine struct {
	name   string
	cfg    Config
	logger *slog.Logger

	cpu     CPU
	bpred   BranchPredictor
	decoder *insts.Decoder
	tracker *RequestTracker
	arbiter *Arbiter
	signals *TimeBuffer

	toDecode sim.Buffer

	threads       []ThreadState
	activeThreads []ThreadID
	pendingFaults []*DynInst

	status            StageStatus
	interruptPending  bool
	wroteToTimeBuffer bool
	numInst           int

	stats Statistics
}

// NewEngine creates a fetch stage. An invalid configuration is an error.
func NewEngine(
	cfg Config,
	cpu CPU,
	bpred BranchPredictor,
	translator Translator,
	memory InstMemory,
	opts ...Option,
) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fetch config: %w", err)
	}

	blockSize := memory.BlockSize()
	if blockSize < insts.InstSize || blockSize&(blockSize-1) != 0 {
		return nil, fmt.Errorf("icache block size %d is not a power of two "+
			"of at least one instruction", blockSize)
	}

	e := &Engine{
		name:    "Fetch",
		cfg:     cfg,
		logger:  slog.Default(),
		cpu:     cpu,
		bpred:   bpred,
		decoder: insts.NewDecoder(),
		arbiter: NewArbiter(cfg.Policy, cfg.NumThreads),
		signals: NewTimeBuffer(cfg.NumThreads, cfg.MaxDelay()),
		threads: make([]ThreadState, cfg.NumThreads),
		stats:   newStatistics(cfg.FetchWidth),

		pendingFaults: make([]*DynInst, cfg.NumThreads),
	}

	for _, opt := range opts {
		opt(e)
	}

	e.tracker = NewRequestTracker(cfg.NumThreads, translator, memory, e)
	e.toDecode = sim.NewBuffer(
		sim.BuildName(e.name, "ToDecodeBuffer"), cfg.QueueSize)

	for tid := range e.threads {
		e.activeThreads = append(e.activeThreads, ThreadID(tid))
	}

	return e, nil
}

// Name returns the name of the engine.
func (e *Engine) Name() string {
	return e.name
}

// Config returns the configuration of the engine.
func (e *Engine) Config() Config {
	return e.cfg
}

// Signals returns the time buffer later stages write their signals to.
func (e *Engine) Signals() *TimeBuffer {
	return e.signals
}

// ToDecode returns the queue of fetched instructions.
func (e *Engine) ToDecode() sim.Buffer {
	return e.toDecode
}

// Arbiter returns the thread arbiter.
func (e *Engine) Arbiter() *Arbiter {
	return e.arbiter
}

// Tracker returns the icache request tracker.
func (e *Engine) Tracker() *RequestTracker {
	return e.tracker
}

// Stats returns a copy of the fetch statistics.
func (e *Engine) Stats() Statistics {
	s := e.stats
	s.InstsPerCycle = append([]uint64(nil), e.stats.InstsPerCycle...)

	return s
}

// StageStatus returns whether the stage is active.
func (e *Engine) StageStatus() StageStatus {
	return e.status
}

// WroteToTimeBuffer reports whether the last Tick produced anything for
// decode.
func (e *Engine) WroteToTimeBuffer() bool {
	return e.wroteToTimeBuffer
}

// InterruptPending reports whether fetch is holding off for an interrupt.
func (e *Engine) InterruptPending() bool {
	return e.interruptPending
}

// Thread returns a copy of the thread's state.
func (e *Engine) Thread(tid ThreadID) ThreadState {
	return e.threads[tid]
}

// SetPC sets where the thread fetches next.
func (e *Engine) SetPC(tid ThreadID, pc uint64) {
	e.threads[tid].PC = pc
	e.threads[tid].NextPC = pc + insts.InstSize
}

// SetActiveThreads sets the threads that take part in fetch.
func (e *Engine) SetActiveThreads(tids []ThreadID) {
	for _, tid := range tids {
		if int(tid) < 0 || int(tid) >= len(e.threads) {
			log.Panicf("thread %d out of range", tid)
		}
	}

	e.activeThreads = append([]ThreadID(nil), tids...)
}

// PendingFault returns the fetch fault waiting to be taken by the thread,
// or nil.
func (e *Engine) PendingFault(tid ThreadID) *DynInst {
	return e.pendingFaults[tid]
}

// ActiveThreads returns the threads that take part in fetch.
func (e *Engine) ActiveThreads() []ThreadID {
	return e.activeThreads
}

// Status returns the fetch status of a thread.
func (e *Engine) Status(tid ThreadID) ThreadStatus {
	return e.threads[tid].Status
}

// IQCount returns the thread's instruction queue occupancy as last reported
// by IEW.
func (e *Engine) IQCount(tid ThreadID) int {
	return e.signals.Wire(e.cfg.IEWToFetchDelay).IEW.Threads[tid].IQCount
}

// LSQCount returns the thread's load/store queue occupancy as last reported
// by IEW.
func (e *Engine) LSQCount(tid ThreadID) int {
	return e.signals.Wire(e.cfg.IEWToFetchDelay).IEW.Threads[tid].LSQCount
}

// Start activates the stage.
func (e *Engine) Start() {
	e.switchToActive()
}

// WakeFromQuiesce resumes a thread parked by a quiesce instruction.
func (e *Engine) WakeFromQuiesce(tid ThreadID) {
	if e.threads[tid].Status != QuiescePending {
		return
	}

	e.logger.Debug("wake from quiesce", "thread", tid)

	e.threads[tid].Status = Running
	e.switchToActive()
}

// Tick runs one fetch cycle. It returns an error wrapping ErrFatalFault when
// a fetch fault cannot be delivered as a trap.
func (e *Engine) Tick() error {
	e.stats.Cycles++
	e.wroteToTimeBuffer = false
	e.numInst = 0

	statusChange := false
	for _, tid := range e.activeThreads {
		if e.checkSignalsAndUpdate(tid) {
			statusChange = true
		}
	}

	commit := &e.signals.Wire(e.cfg.CommitToFetchDelay).Commit
	if commit.InterruptPending {
		e.interruptPending = true
	}
	if commit.ClearInterrupt {
		e.interruptPending = false
	}

	var err error
	for slot := 0; slot < e.cfg.NumFetchingThreads; slot++ {
		tid, ok := e.arbiter.Select(e)
		if !ok {
			if e.cfg.NumThreads == 1 && len(e.activeThreads) > 0 {
				e.profileStall(e.activeThreads[0])
			}
			break
		}

		changed, ferr := e.fetch(tid)
		if changed {
			statusChange = true
		}

		if ferr != nil {
			err = ferr
			break
		}
	}

	e.stats.InstsPerCycle[e.numInst]++
	if e.numInst > 0 {
		e.wroteToTimeBuffer = true
	}

	if statusChange {
		e.updateStageStatus()
	}

	return err
}

// profileStall attributes a cycle in which the only thread could not fetch.
func (e *Engine) profileStall(tid ThreadID) {
	switch e.threads[tid].Status {
	case Blocked:
		e.stats.BlockedCycles++
	case Squashing:
		e.stats.SquashCycles++
	case IcacheMissStall:
		e.stats.IcacheStallCycles++
	default:
		e.stats.MiscStallCycles++
	}
}

func (e *Engine) checkSignalsAndUpdate(tid ThreadID) bool {
	st := &e.threads[tid]

	decode := e.signals.Wire(e.cfg.DecodeToFetchDelay).Decode.Threads[tid]
	rename := e.signals.Wire(e.cfg.RenameToFetchDelay).Rename.Threads[tid]
	iew := e.signals.Wire(e.cfg.IEWToFetchDelay).IEW.Threads[tid]
	commit := e.signals.Wire(e.cfg.CommitToFetchDelay).Commit.Threads[tid]

	e.updateStall(&st.Stalls.Decode, decode, "decode", tid)
	e.updateStall(&st.Stalls.Rename, rename, "rename", tid)
	e.updateStall(&st.Stalls.IEW, iew, "iew", tid)
	e.updateStall(&st.Stalls.Commit, commit, "commit", tid)

	if !commit.Squash && commit.DoneSeqNum != 0 {
		e.bpred.Update(commit.DoneSeqNum, tid)
	}

	next, src, fired := nextStatus(st.Status, transitionInput{
		commitSquash: commit.Squash,
		robSquashing: commit.ROBSquashing,
		decodeSquash: decode.Squash,
		stalled:      st.Stalls.Any(),
	})

	switch {
	case src == commitSquash:
		e.squash(tid, commit.NextPC)
		e.cpu.RemoveInstsNotInROB(tid)
		e.squashPredictor(commit, tid)
	case commit.ROBSquashing && st.Status != Squashing:
		e.discardFetch(tid)
	case decode.Squash && !commit.ROBSquashing:
		e.squashPredictor(decode, tid)

		if src == decodeSquash {
			e.squash(tid, decode.NextPC)
			e.cpu.RemoveInstsUntil(decode.DoneSeqNum, tid)
		}
	}

	if fired && next != st.Status {
		e.logger.Debug("fetch status",
			"thread", tid, "from", st.Status, "to", next)
	}

	st.Status = next

	return fired
}

func (e *Engine) squashPredictor(sig ThreadSignals, tid ThreadID) {
	if sig.BranchMispredict {
		e.bpred.SquashMispredict(sig.DoneSeqNum, sig.NextPC,
			sig.BranchTaken, tid)
		return
	}

	e.bpred.Squash(sig.DoneSeqNum, tid)
}

func (e *Engine) updateStall(
	stalled *bool,
	sig ThreadSignals,
	stage string,
	tid ThreadID,
) {
	if sig.Block && sig.Unblock {
		e.violation("%s blocked and unblocked thread %d in the same cycle",
			stage, tid)
		*stalled = true

		return
	}

	if sig.Block {
		*stalled = true
	}

	if sig.Unblock {
		if !*stalled {
			e.violation("%s unblocked thread %d which was not blocked",
				stage, tid)
		}
		*stalled = false
	}
}

func (e *Engine) violation(format string, args ...any) {
	if e.cfg.StrictChecks {
		log.Panicf(format, args...)
	}

	e.logger.Warn(fmt.Sprintf(format, args...))
}

// squash redirects the thread to newPC. It must run before the thread's
// status is overwritten.
func (e *Engine) squash(tid ThreadID, newPC uint64) {
	st := &e.threads[tid]

	e.logger.Debug("squash", "thread", tid, "pc", newPC, "status", st.Status)

	st.PC = newPC
	st.NextPC = newPC + insts.InstSize

	e.discardFetch(tid)
}

// discardFetch drops the thread's cache line and outstanding request. A
// thread leaving TrapPending also gives up its pending fault.
func (e *Engine) discardFetch(tid ThreadID) {
	st := &e.threads[tid]

	st.CacheLine = nil
	e.tracker.Discard(tid)

	if st.Status == TrapPending {
		if e.pendingFaults[tid] == nil {
			e.logger.Warn("squash in TrapPending without a fetch fault",
				"thread", tid)
		}
		e.pendingFaults[tid] = nil
	}
}

func (e *Engine) fetch(tid ThreadID) (bool, error) {
	st := &e.threads[tid]

	switch st.Status {
	case IcacheMissComplete:
		st.Status = Running
		e.stats.FetchCycles++

		e.produce(tid)

		return true, nil
	case Running:
	case Idle:
		e.stats.IdleCycles++
		return false, nil
	case Blocked:
		e.stats.BlockedCycles++
		return false, nil
	case Squashing:
		e.stats.SquashCycles++
		return false, nil
	case IcacheMissStall:
		e.stats.IcacheStallCycles++
		return false, nil
	default:
		return false, nil
	}

	if e.interruptPending {
		return false, nil
	}

	if e.numInst >= e.cfg.FetchWidth || !e.toDecode.CanPush() {
		e.stats.MiscStallCycles++
		return false, nil
	}

	out := e.tracker.FetchLine(tid, st.PC)

	switch out.Kind {
	case OutcomeBlocked:
		e.stats.NoMSHRRetries++
		return false, nil
	case OutcomeMissPending:
		e.stats.FetchedCacheLines++
		e.stats.FetchCycles++
		e.stats.IcacheStallCycles++

		st.Status = IcacheMissStall
		st.LastIcacheStall = e.stats.Cycles
		st.CacheLine = nil

		e.logger.Debug("icache miss", "thread", tid, "pc", st.PC)

		return true, nil
	case OutcomeFault:
		e.stats.FetchCycles++
		return true, e.handleFault(tid, out.Fault)
	}

	e.stats.FetchedCacheLines++
	e.stats.FetchCycles++
	st.CacheLine = out.Data

	return e.produce(tid), nil
}

// produce decodes instructions from the thread's buffered line into the
// decode queue. It stops at the end of the line, at the fetch width, at a
// predicted-taken branch, or at a quiesce instruction.
func (e *Engine) produce(tid ThreadID) bool {
	st := &e.threads[tid]
	lineSize := uint64(len(st.CacheLine))
	offset := st.PC - e.tracker.AlignPC(st.PC)
	nextPC := st.PC
	statusChange := false

	for offset+insts.InstSize <= lineSize &&
		e.numInst < e.cfg.FetchWidth &&
		e.toDecode.CanPush() {
		word := binary.LittleEndian.Uint32(st.CacheLine[offset:])

		inst := &DynInst{
			SeqNum: e.cpu.GetAndIncrementInstSeq(),
			Thread: tid,
			PC:     nextPC,
			Inst:   e.decoder.Decode(word),
		}

		predictedTaken := e.lookupAndUpdateNextPC(inst)
		nextPC = inst.PredPC

		e.cpu.AddInst(inst)
		e.toDecode.Push(inst)
		e.numInst++
		e.stats.FetchedInsts++

		e.logger.Debug("fetched", "inst", inst)

		if inst.Inst.IsQuiesce() {
			e.logger.Warn("quiesce instruction fetched",
				"thread", tid, "pc", inst.PC)
			st.Status = QuiescePending
			statusChange = true

			break
		}

		if predictedTaken {
			break
		}

		offset += insts.InstSize
	}

	st.PC = nextPC
	st.NextPC = nextPC + insts.InstSize

	return statusChange
}

// lookupAndUpdateNextPC fills in the predicted next PC of inst and reports
// whether a taken branch was predicted.
func (e *Engine) lookupAndUpdateNextPC(inst *DynInst) bool {
	inst.PredPC = inst.PC + insts.InstSize

	if !inst.Inst.IsControl() {
		return false
	}

	e.stats.FetchedBranches++

	taken, target := e.bpred.Predict(inst)
	if !taken {
		return false
	}

	e.stats.PredictedBranches++
	inst.PredTaken = true
	inst.PredPC = target

	return true
}

func (e *Engine) handleFault(tid ThreadID, fault error) error {
	st := &e.threads[tid]

	if !e.cfg.FullSystem {
		return fmt.Errorf("%w: thread %d at %#x: %w",
			ErrFatalFault, tid, st.PC, fault)
	}

	rec := &DynInst{
		SeqNum: e.cpu.GetAndIncrementInstSeq(),
		Thread: tid,
		PC:     st.PC,
		Fault:  fault,
	}

	e.logger.Debug("fetch fault", "inst", rec)

	e.pendingFaults[tid] = rec
	e.cpu.AddInst(rec)
	e.toDecode.Push(rec)
	e.wroteToTimeBuffer = true

	st.Status = TrapPending

	return nil
}

// ProcessCacheCompletion delivers a completed icache miss. Completions of
// squashed requests are counted and otherwise ignored.
func (e *Engine) ProcessCacheCompletion(req *MemRequest) {
	if !e.tracker.Complete(req) ||
		e.threads[req.Thread].Status != IcacheMissStall {
		e.stats.IcacheSquashes++
		e.logger.Debug("stale icache completion",
			"thread", req.Thread, "addr", req.VAddr)

		return
	}

	st := &e.threads[req.Thread]

	e.cpu.WakeCPU()
	e.switchToActive()

	st.CacheLine = req.Data
	if st.Stalls.Any() {
		st.Status = Blocked
	} else {
		st.Status = IcacheMissComplete
	}
}

func (e *Engine) switchToActive() {
	if e.status == Inactive {
		e.cpu.ActivateStage()
		e.status = Active
	}
}

func (e *Engine) updateStageStatus() {
	for _, tid := range e.activeThreads {
		if e.threads[tid].Status.keepsStageActive() {
			e.switchToActive()
			return
		}
	}

	if e.status == Active {
		e.cpu.DeactivateStage()
		e.status = Inactive
	}
}
