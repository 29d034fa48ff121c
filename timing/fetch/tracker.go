package fetch

import (
	"log"

	"github.com/rs/xid"
)

// Translator turns a fetch virtual address into a physical address. A
// failed translation returns the fault as the error.
type Translator interface {
	Translate(tid ThreadID, vAddr uint64) (uint64, error)
}

// AccessStatus is the immediate answer of the instruction memory to a line
// read.
type AccessStatus int

// Access statuses.
const (
	// AccessHit means the data is returned right away.
	AccessHit AccessStatus = iota
	// AccessMiss means the request was accepted and completes later
	// through the request's Handler.
	AccessMiss
	// AccessBlocked means the memory cannot take another miss right now.
	AccessBlocked
)

// MemRequest is a line-sized instruction read.
type MemRequest struct {
	// Token tells a live completion from a stale one.
	Token  xid.ID
	Thread ThreadID
	VAddr  uint64
	PAddr  uint64
	Size   int

	// Data is filled by the memory, either in the AccessResult of a hit or
	// before Handler is called for a miss.
	Data []byte

	// Handler is notified when a missed request completes.
	Handler CompletionHandler
}

// AccessResult is returned by InstMemory.Access.
type AccessResult struct {
	Status AccessStatus
	Data   []byte
}

// InstMemory is the instruction cache as seen by fetch.
type InstMemory interface {
	BlockSize() int
	Access(req *MemRequest) AccessResult
}

// CompletionHandler receives completed icache misses.
type CompletionHandler interface {
	ProcessCacheCompletion(req *MemRequest)
}

// OutcomeKind classifies the result of FetchLine.
type OutcomeKind int

// Fetch outcomes.
const (
	OutcomeHit OutcomeKind = iota
	OutcomeMissPending
	OutcomeBlocked
	OutcomeFault
)

// FetchOutcome is the result of one line fetch attempt.
type FetchOutcome struct {
	Kind  OutcomeKind
	Data  []byte
	Fault error
}

// RequestTracker owns the at-most-one outstanding icache request of each
// thread.
type RequestTracker struct {
	translator  Translator
	memory      InstMemory
	handler     CompletionHandler
	outstanding []*MemRequest
}

// NewRequestTracker creates a tracker. Completions of the requests it
// issues are delivered to handler.
func NewRequestTracker(
	numThreads int,
	translator Translator,
	memory InstMemory,
	handler CompletionHandler,
) *RequestTracker {
	return &RequestTracker{
		translator:  translator,
		memory:      memory,
		handler:     handler,
		outstanding: make([]*MemRequest, numThreads),
	}
}

// BlockSize returns the icache line size.
func (t *RequestTracker) BlockSize() int {
	return t.memory.BlockSize()
}

// AlignPC returns the start of the cache line that holds pc.
func (t *RequestTracker) AlignPC(pc uint64) uint64 {
	return pc &^ uint64(t.memory.BlockSize()-1)
}

// Outstanding returns the thread's outstanding request, or nil.
func (t *RequestTracker) Outstanding(tid ThreadID) *MemRequest {
	return t.outstanding[tid]
}

// FetchLine translates the line holding pc and reads it. A thread must not
// call FetchLine while it has a request outstanding.
func (t *RequestTracker) FetchLine(tid ThreadID, pc uint64) FetchOutcome {
	if t.outstanding[tid] != nil {
		log.Panicf("thread %d fetches while request %s is outstanding",
			tid, t.outstanding[tid].Token)
	}

	lineAddr := t.AlignPC(pc)

	pAddr, err := t.translator.Translate(tid, lineAddr)
	if err != nil {
		return FetchOutcome{Kind: OutcomeFault, Fault: err}
	}

	req := &MemRequest{
		Token:   xid.New(),
		Thread:  tid,
		VAddr:   lineAddr,
		PAddr:   pAddr,
		Size:    t.memory.BlockSize(),
		Handler: t.handler,
	}

	res := t.memory.Access(req)

	switch res.Status {
	case AccessHit:
		return FetchOutcome{Kind: OutcomeHit, Data: res.Data}
	case AccessMiss:
		t.outstanding[tid] = req
		return FetchOutcome{Kind: OutcomeMissPending}
	default:
		return FetchOutcome{Kind: OutcomeBlocked}
	}
}

// Complete consumes the outstanding request that matches req. It returns
// false when req is stale, that is, when it was discarded by a squash.
func (t *RequestTracker) Complete(req *MemRequest) bool {
	if int(req.Thread) < 0 || int(req.Thread) >= len(t.outstanding) {
		return false
	}

	cur := t.outstanding[req.Thread]
	if cur == nil || cur.Token != req.Token {
		return false
	}

	t.outstanding[req.Thread] = nil

	return true
}

// Discard forgets the thread's outstanding request. Its completion, if it
// ever arrives, is stale.
func (t *RequestTracker) Discard(tid ThreadID) {
	t.outstanding[tid] = nil
}
