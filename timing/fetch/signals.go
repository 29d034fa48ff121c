package fetch

import "log"

// ThreadSignals is what one later stage tells fetch about one thread in one
// cycle.
type ThreadSignals struct {
	// Block and Unblock raise and clear this stage's stall flag.
	Block   bool
	Unblock bool

	// Squash redirects the thread to NextPC.
	Squash bool

	// DoneSeqNum is the youngest sequence number known to be done. Zero
	// means none; sequence numbers start at 1.
	DoneSeqNum uint64

	BranchMispredict bool
	NextPC           uint64
	BranchTaken      bool

	// ROBSquashing is set by commit while it is still squashing the ROB.
	ROBSquashing bool

	// IQCount and LSQCount are the thread's queue occupancies, reported by
	// IEW.
	IQCount  int
	LSQCount int
}

// StageSignals is one later stage's report for one cycle.
type StageSignals struct {
	Threads []ThreadSignals

	// InterruptPending and ClearInterrupt are global and only set by
	// commit.
	InterruptPending bool
	ClearInterrupt   bool
}

// BackwardSignals is one cycle's worth of information flowing from the later
// stages back to fetch.
type BackwardSignals struct {
	Decode StageSignals
	Rename StageSignals
	IEW    StageSignals
	Commit StageSignals
}

func newBackwardSignals(numThreads int) BackwardSignals {
	return BackwardSignals{
		Decode: StageSignals{Threads: make([]ThreadSignals, numThreads)},
		Rename: StageSignals{Threads: make([]ThreadSignals, numThreads)},
		IEW:    StageSignals{Threads: make([]ThreadSignals, numThreads)},
		Commit: StageSignals{Threads: make([]ThreadSignals, numThreads)},
	}
}

func (s *StageSignals) clear() {
	for i := range s.Threads {
		s.Threads[i] = ThreadSignals{}
	}
	s.InterruptPending = false
	s.ClearInterrupt = false
}

func (b *BackwardSignals) clear() {
	b.Decode.clear()
	b.Rename.clear()
	b.IEW.clear()
	b.Commit.clear()
}

// TimeBuffer is a ring of BackwardSignals, one slot per cycle. Later stages
// write into Current; fetch reads the slot written a fixed number of cycles
// ago through Wire.
type TimeBuffer struct {
	slots []BackwardSignals
	head  int
}

// NewTimeBuffer creates a time buffer that can look back up to maxDelay
// cycles.
func NewTimeBuffer(numThreads, maxDelay int) *TimeBuffer {
	if maxDelay < 0 {
		log.Panicf("negative time buffer delay %d", maxDelay)
	}

	b := &TimeBuffer{
		slots: make([]BackwardSignals, maxDelay+1),
	}

	for i := range b.slots {
		b.slots[i] = newBackwardSignals(numThreads)
	}

	return b
}

// Depth returns the largest delay Wire accepts.
func (b *TimeBuffer) Depth() int {
	return len(b.slots) - 1
}

// Current returns the slot the later stages write this cycle.
func (b *TimeBuffer) Current() *BackwardSignals {
	return &b.slots[b.head]
}

// Wire returns the slot that was current delay cycles ago.
func (b *TimeBuffer) Wire(delay int) *BackwardSignals {
	if delay < 0 || delay >= len(b.slots) {
		log.Panicf("time buffer wire %d out of range [0, %d]",
			delay, len(b.slots)-1)
	}

	idx := (b.head - delay + len(b.slots)) % len(b.slots)

	return &b.slots[idx]
}

// Advance moves the buffer to the next cycle. The slot that becomes current
// is cleared.
func (b *TimeBuffer) Advance() {
	b.head = (b.head + 1) % len(b.slots)
	b.slots[b.head].clear()
}
