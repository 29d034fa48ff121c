package fetch

import (
	"errors"
	"fmt"

	"github.com/sarchlab/smtfetch/insts"
)

// ErrFatalFault is wrapped by the error Tick returns when a fetch fault
// cannot be delivered as a trap.
var ErrFatalFault = errors.New("fatal fetch fault")

// DynInst is an instruction in flight, as produced by fetch.
type DynInst struct {
	SeqNum uint64
	Thread ThreadID
	PC     uint64

	// Inst is the decoded instruction. It is nil for a fault record.
	Inst *insts.Instruction

	// PredTaken and PredPC are the fetch-time prediction of the next PC.
	PredTaken bool
	PredPC    uint64

	// Fault is set when this record carries a fetch fault instead of an
	// instruction.
	Fault error

	// Squashed is set when a later stage discards the instruction.
	Squashed bool
}

func (i *DynInst) String() string {
	if i.Fault != nil {
		return fmt.Sprintf("[sn:%d] t%d %#x fault: %v",
			i.SeqNum, i.Thread, i.PC, i.Fault)
	}

	return fmt.Sprintf("[sn:%d] t%d %#x %s",
		i.SeqNum, i.Thread, i.PC, i.Inst.Op)
}
