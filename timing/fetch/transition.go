package fetch

// squashSource tells which stage's squash a status transition acted on.
type squashSource int

const (
	noSquash squashSource = iota
	commitSquash
	decodeSquash
)

// transitionInput is what the per-cycle status transition looks at.
type transitionInput struct {
	commitSquash bool
	robSquashing bool
	decodeSquash bool
	stalled      bool
}

// nextStatus applies the per-cycle transition rules in precedence order:
//
//  1. a commit squash moves to Squashing;
//  2. commit reporting the ROB still squashing keeps the thread Squashing;
//  3. a decode squash moves to Squashing unless already Squashing;
//  4. a stall moves to Blocked unless waiting on an icache miss;
//  5. Blocked and Squashing threads with nothing holding them resume
//     Running;
//  6. otherwise the status is unchanged.
//
// TrapPending and QuiescePending threads are parked: only a squash (or an
// external wake-up) takes them out. fired reports whether any rule other
// than 6 applied.
func nextStatus(
	cur ThreadStatus,
	in transitionInput,
) (next ThreadStatus, src squashSource, fired bool) {
	switch {
	case in.commitSquash:
		return Squashing, commitSquash, true
	case in.robSquashing:
		return Squashing, noSquash, true
	case in.decodeSquash && cur != Squashing:
		return Squashing, decodeSquash, true
	}

	parked := cur == TrapPending || cur == QuiescePending

	if in.stalled && cur != IcacheMissStall && !parked {
		return Blocked, noSquash, true
	}

	if cur == Blocked || cur == Squashing {
		return Running, noSquash, true
	}

	return cur, noSquash, false
}
