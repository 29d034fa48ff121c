package fetch

import "fmt"

// ThreadID identifies a hardware thread. Valid IDs are 0..NumThreads-1 and
// are checked once when the engine is built.
type ThreadID int

// ThreadStatus is the fetch status of one hardware thread.
type ThreadStatus int

// Thread statuses. Running is the initial status of every thread.
const (
	Running ThreadStatus = iota
	Idle
	Squashing
	Blocked
	IcacheMissStall
	IcacheMissComplete
	TrapPending
	QuiescePending
)

var threadStatusNames = [...]string{
	Running:            "Running",
	Idle:               "Idle",
	Squashing:          "Squashing",
	Blocked:            "Blocked",
	IcacheMissStall:    "IcacheMissStall",
	IcacheMissComplete: "IcacheMissComplete",
	TrapPending:        "TrapPending",
	QuiescePending:     "QuiescePending",
}

func (s ThreadStatus) String() string {
	if s >= 0 && int(s) < len(threadStatusNames) {
		return threadStatusNames[s]
	}
	return fmt.Sprintf("ThreadStatus(%d)", int(s))
}

// CanFetch reports whether the arbiter may hand a fetch slot to a thread in
// this status.
func (s ThreadStatus) CanFetch() bool {
	return s == Running || s == IcacheMissComplete || s == Idle
}

// keepsStageActive reports whether a thread in this status needs the fetch
// stage to keep ticking.
func (s ThreadStatus) keepsStageActive() bool {
	return s == Running || s == Squashing || s == IcacheMissComplete
}

// StageStatus is the activity status of the whole fetch stage.
type StageStatus int

// Stage statuses.
const (
	Inactive StageStatus = iota
	Active
)

func (s StageStatus) String() string {
	if s == Active {
		return "Active"
	}
	return "Inactive"
}

// Stalls holds the block signals currently asserted by later stages. A flag
// is set by a block signal and cleared only by an unblock signal from the
// same stage.
type Stalls struct {
	Decode bool
	Rename bool
	IEW    bool
	Commit bool
}

// Any reports whether any later stage is blocking fetch.
func (s Stalls) Any() bool {
	return s.Decode || s.Rename || s.IEW || s.Commit
}

// ThreadState is the per-thread fetch state.
type ThreadState struct {
	PC     uint64
	NextPC uint64
	Status ThreadStatus
	Stalls Stalls

	// LastIcacheStall is the cycle of the most recent icache miss.
	LastIcacheStall uint64

	// CacheLine holds the bytes most recently returned by the icache for
	// the line containing PC. It is nil when no line is buffered.
	CacheLine []byte
}
