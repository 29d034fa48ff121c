package fetch

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrUnknownPolicy is returned when a fetch policy name is not recognized.
var ErrUnknownPolicy = errors.New("unknown SMT fetch policy")

// Policy selects how fetch slots are shared among threads.
type Policy int

// SMT fetch policies.
const (
	SingleThread Policy = iota
	RoundRobin
	Branch
	IQCount
	LSQCount
)

func (p Policy) String() string {
	switch p {
	case SingleThread:
		return "SingleThread"
	case RoundRobin:
		return "RoundRobin"
	case Branch:
		return "Branch"
	case IQCount:
		return "IQCount"
	case LSQCount:
		return "LSQCount"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy converts a policy name into a Policy. Names are matched
// case-insensitively.
func ParsePolicy(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "singlethread":
		return SingleThread, nil
	case "roundrobin":
		return RoundRobin, nil
	case "branch":
		return Branch, nil
	case "iqcount", "iq":
		return IQCount, nil
	case "lsqcount", "lsq":
		return LSQCount, nil
	default:
		return SingleThread, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Policy) UnmarshalText(text []byte) error {
	parsed, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}

	*p = parsed

	return nil
}

// ThreadView is what the arbiter needs to know about the threads.
type ThreadView interface {
	ActiveThreads() []ThreadID
	Status(tid ThreadID) ThreadStatus
	IQCount(tid ThreadID) int
	LSQCount(tid ThreadID) int
}

// Arbiter picks which thread fetches in each fetch slot.
type Arbiter struct {
	policy       Policy
	numThreads   int
	priorityList []ThreadID
}

// NewArbiter creates an arbiter for numThreads threads. The round-robin
// priority list starts in thread-ID order.
func NewArbiter(policy Policy, numThreads int) *Arbiter {
	a := &Arbiter{
		policy:     policy,
		numThreads: numThreads,
	}

	for tid := 0; tid < numThreads; tid++ {
		a.priorityList = append(a.priorityList, ThreadID(tid))
	}

	return a
}

// Policy returns the arbitration policy.
func (a *Arbiter) Policy() Policy {
	return a.policy
}

// PriorityList returns a copy of the round-robin order.
func (a *Arbiter) PriorityList() []ThreadID {
	return slices.Clone(a.priorityList)
}

// Select returns the thread that should fetch next, or false if no thread
// can. Statuses are read on every call, so a thread that stopped qualifying
// since the last slot is skipped.
func (a *Arbiter) Select(view ThreadView) (ThreadID, bool) {
	active := view.ActiveThreads()

	if a.numThreads <= 1 {
		if len(active) == 0 {
			return 0, false
		}

		tid := active[0]

		return tid, view.Status(tid).CanFetch()
	}

	switch a.policy {
	case SingleThread:
		return 0, true
	case RoundRobin:
		return a.roundRobin(view, active)
	case IQCount:
		return a.byCount(view, active, view.IQCount)
	case LSQCount:
		return a.byCount(view, active, view.LSQCount)
	case Branch:
		return a.branchCount(active)
	default:
		return 0, false
	}
}

func (a *Arbiter) roundRobin(
	view ThreadView,
	active []ThreadID,
) (ThreadID, bool) {
	for i, tid := range a.priorityList {
		if !slices.Contains(active, tid) {
			continue
		}

		if !view.Status(tid).CanFetch() {
			continue
		}

		a.priorityList = append(a.priorityList[:i], a.priorityList[i+1:]...)
		a.priorityList = append(a.priorityList, tid)

		return tid, true
	}

	return 0, false
}

// byCount orders the active threads by the given occupancy, highest first,
// and returns the first one that can fetch. Ties keep active-set order.
func (a *Arbiter) byCount(
	view ThreadView,
	active []ThreadID,
	count func(ThreadID) int,
) (ThreadID, bool) {
	order := slices.Clone(active)
	slices.SortStableFunc(order, func(x, y ThreadID) int {
		return count(y) - count(x)
	})

	for _, tid := range order {
		if view.Status(tid).CanFetch() {
			return tid, true
		}
	}

	return 0, false
}

// branchCount has no branch-count input to rank by and always hands the slot
// to the first active thread.
func (a *Arbiter) branchCount(active []ThreadID) (ThreadID, bool) {
	if len(active) == 0 {
		return 0, false
	}

	return active[0], true
}
