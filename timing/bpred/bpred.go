// Package bpred provides a bimodal branch predictor with a branch target
// buffer and per-thread speculative history.
package bpred

import (
	"log/slog"

	"github.com/sarchlab/smtfetch/timing/fetch"
)

// Config holds configuration for the branch predictor.
type Config struct {
	// BHTSize is the number of entries in the Branch History Table.
	// Must be a power of 2. Default is 1024.
	BHTSize uint32
	// BTBSize is the number of entries in the Branch Target Buffer.
	// Must be a power of 2. Default is 256.
	BTBSize uint32
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		BHTSize: 1024,
		BTBSize: 256,
	}
}

// Stats holds statistics for the branch predictor.
type Stats struct {
	// Lookups is the number of predictions made.
	Lookups uint64
	// Committed is the number of predictions retired through Update.
	Committed uint64
	// Correct is the number of retired predictions that were right.
	Correct uint64
	// Mispredictions is the number of squashes that corrected a
	// prediction.
	Mispredictions uint64
	// Squashed is the number of predictions discarded by a squash.
	Squashed uint64
	// BTBHits is the number of BTB hits.
	BTBHits uint64
	// BTBMisses is the number of BTB misses.
	BTBMisses uint64
}

// Accuracy returns the retired prediction accuracy as a percentage.
func (s Stats) Accuracy() float64 {
	if s.Committed == 0 {
		return 0
	}
	return float64(s.Correct) / float64(s.Committed) * 100
}

// BTBHitRate returns the BTB hit rate as a percentage.
func (s Stats) BTBHitRate() float64 {
	total := s.BTBHits + s.BTBMisses
	if total == 0 {
		return 0
	}
	return float64(s.BTBHits) / float64(total) * 100
}

// btbEntry represents an entry in the Branch Target Buffer.
type btbEntry struct {
	pc     uint64 // The PC of the branch instruction
	target uint64 // The target address
}

// historyEntry is a prediction that has not retired yet. taken and target
// start as the prediction and are overwritten by a mispredict squash.
type historyEntry struct {
	seqNum      uint64
	pc          uint64
	conditional bool
	predTaken   bool
	taken       bool
	target      uint64
}

var _ fetch.BranchPredictor = (*Predictor)(nil)

// Predictor implements a 2-bit saturating counter (bimodal) predictor with
// a Branch Target Buffer (BTB). Counters and targets are trained only when a
// prediction retires.
type Predictor struct {
	// Branch History Table (BHT) - 2-bit saturating counters
	// States: 0=Strongly Not Taken, 1=Weakly Not Taken,
	//         2=Weakly Taken, 3=Strongly Taken
	bht []uint8

	btb      []btbEntry
	btbValid []bool

	bhtSize uint32
	btbSize uint32

	// history holds each thread's in-flight predictions, oldest first.
	history [][]historyEntry

	stats  Stats
	logger *slog.Logger
}

// New creates a branch predictor for numThreads threads.
func New(config Config, numThreads int) *Predictor {
	bhtSize := config.BHTSize
	btbSize := config.BTBSize

	if bhtSize == 0 {
		bhtSize = 1024
	}
	if btbSize == 0 {
		btbSize = 256
	}

	bp := &Predictor{
		bht:      make([]uint8, bhtSize),
		btb:      make([]btbEntry, btbSize),
		btbValid: make([]bool, btbSize),
		bhtSize:  bhtSize,
		btbSize:  btbSize,
		history:  make([][]historyEntry, numThreads),
		logger:   slog.Default(),
	}

	bp.resetCounters()

	return bp
}

// WithLogger sets the logger and returns the predictor.
func (bp *Predictor) WithLogger(logger *slog.Logger) *Predictor {
	bp.logger = logger
	return bp
}

func (bp *Predictor) resetCounters() {
	// Weakly taken: biased towards taken.
	for i := range bp.bht {
		bp.bht[i] = 2
	}
}

func (bp *Predictor) bhtIndex(pc uint64) uint32 {
	return uint32((pc >> 2) & uint64(bp.bhtSize-1))
}

func (bp *Predictor) btbIndex(pc uint64) uint32 {
	return uint32((pc >> 2) & uint64(bp.btbSize-1))
}

func (bp *Predictor) lookupBTB(pc uint64) (uint64, bool) {
	idx := bp.btbIndex(pc)
	if bp.btbValid[idx] && bp.btb[idx].pc == pc {
		bp.stats.BTBHits++
		return bp.btb[idx].target, true
	}

	bp.stats.BTBMisses++

	return 0, false
}

// Predict predicts the direction and target of a control instruction and
// records the prediction in the thread's history.
//
// Unconditional branches are predicted taken. A taken prediction needs a
// target: the BTB is consulted first, then the encoded target of a direct
// branch. An indirect branch that misses in the BTB is predicted not taken.
func (bp *Predictor) Predict(inst *fetch.DynInst) (bool, uint64) {
	bp.stats.Lookups++

	op := inst.Inst
	conditional := op.IsConditional()

	taken := true
	if conditional {
		taken = bp.bht[bp.bhtIndex(inst.PC)] >= 2
	}

	target, ok := bp.lookupBTB(inst.PC)
	if !ok {
		target, ok = op.DirectTarget(inst.PC)
	}

	if !ok {
		taken = false
		target = 0
	}

	bp.history[inst.Thread] = append(bp.history[inst.Thread], historyEntry{
		seqNum:      inst.SeqNum,
		pc:          inst.PC,
		conditional: conditional,
		predTaken:   taken,
		taken:       taken,
		target:      target,
	})

	return taken, target
}

// Update retires every prediction of the thread up to and including
// doneSeqNum and trains the tables with their outcomes.
func (bp *Predictor) Update(doneSeqNum uint64, tid fetch.ThreadID) {
	h := bp.history[tid]

	n := 0
	for n < len(h) && h[n].seqNum <= doneSeqNum {
		bp.train(h[n])
		n++
	}

	bp.history[tid] = h[n:]
}

func (bp *Predictor) train(e historyEntry) {
	bp.stats.Committed++
	if e.predTaken == e.taken {
		bp.stats.Correct++
	}

	if e.conditional {
		idx := bp.bhtIndex(e.pc)
		counter := bp.bht[idx]

		if e.taken && counter < 3 {
			bp.bht[idx] = counter + 1
		} else if !e.taken && counter > 0 {
			bp.bht[idx] = counter - 1
		}
	}

	if e.taken {
		idx := bp.btbIndex(e.pc)
		bp.btb[idx] = btbEntry{pc: e.pc, target: e.target}
		bp.btbValid[idx] = true
	}
}

// Squash discards the thread's predictions younger than squashedSeqNum.
func (bp *Predictor) Squash(squashedSeqNum uint64, tid fetch.ThreadID) {
	h := bp.history[tid]

	n := len(h)
	for n > 0 && h[n-1].seqNum > squashedSeqNum {
		n--
	}

	bp.stats.Squashed += uint64(len(h) - n)
	bp.history[tid] = h[:n]
}

// SquashMispredict discards the predictions younger than squashedSeqNum and
// corrects the prediction of the mispredicted branch itself.
func (bp *Predictor) SquashMispredict(
	squashedSeqNum uint64,
	correctTarget uint64,
	taken bool,
	tid fetch.ThreadID,
) {
	bp.Squash(squashedSeqNum, tid)
	bp.stats.Mispredictions++

	h := bp.history[tid]
	if len(h) == 0 || h[len(h)-1].seqNum != squashedSeqNum {
		bp.logger.Debug("mispredict without a prediction",
			"thread", tid, "seq", squashedSeqNum)
		return
	}

	h[len(h)-1].taken = taken
	h[len(h)-1].target = correctTarget
}

// InFlight returns the number of unretired predictions of the thread.
func (bp *Predictor) InFlight(tid fetch.ThreadID) int {
	return len(bp.history[tid])
}

// Stats returns the branch predictor statistics.
func (bp *Predictor) Stats() Stats {
	return bp.stats
}

// Reset clears all predictor state and statistics.
func (bp *Predictor) Reset() {
	bp.resetCounters()

	for i := range bp.btbValid {
		bp.btbValid[i] = false
	}

	for i := range bp.history {
		bp.history[i] = nil
	}

	bp.stats = Stats{}
}
