// Package insts provides ARM64 instruction definitions and the fetch-side
// decoder.
//
// Fetch only needs enough of an instruction to steer the program counter:
// whether it changes control flow, whether its target is encoded in the
// instruction itself, and whether it halts the hardware thread. The decoder
// recognises:
//   - Data Processing: ADD, SUB (immediate and register), AND, ORR, EOR
//   - Branches: B, BL, B.cond, CBZ, CBNZ, TBZ, TBNZ, BR, BLR, RET
//   - System: NOP, YIELD, WFE, WFI, SVC
//
// Usage:
//
//	decoder := insts.NewDecoder()
//	inst := decoder.Decode(0x14000004) // B #16
//	if inst.IsControl() {
//		target, ok := inst.DirectTarget(pc)
//	}
package insts

// InstSize is the size in bytes of every ARM64 instruction.
const InstSize = 4

// Op represents an ARM64 opcode.
type Op uint16

// ARM64 opcodes.
const (
	OpUnknown Op = iota
	OpADD
	OpSUB
	OpAND
	OpORR
	OpEOR
	OpB
	OpBL
	OpBCond
	OpCBZ
	OpCBNZ
	OpTBZ
	OpTBNZ
	OpBR
	OpBLR
	OpRET
	OpNOP
	OpYIELD
	OpWFE
	OpWFI
	OpSVC
)

var opNames = map[Op]string{
	OpUnknown: "unknown",
	OpADD:     "add",
	OpSUB:     "sub",
	OpAND:     "and",
	OpORR:     "orr",
	OpEOR:     "eor",
	OpB:       "b",
	OpBL:      "bl",
	OpBCond:   "b.cond",
	OpCBZ:     "cbz",
	OpCBNZ:    "cbnz",
	OpTBZ:     "tbz",
	OpTBNZ:    "tbnz",
	OpBR:      "br",
	OpBLR:     "blr",
	OpRET:     "ret",
	OpNOP:     "nop",
	OpYIELD:   "yield",
	OpWFE:     "wfe",
	OpWFI:     "wfi",
	OpSVC:     "svc",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return "unknown"
}

// Format represents an instruction encoding format.
type Format uint8

// Instruction formats.
const (
	FormatUnknown     Format = iota
	FormatDPImm              // Data Processing (Immediate)
	FormatDPReg              // Data Processing (Register)
	FormatBranch             // Unconditional Branch (Immediate)
	FormatBranchCond         // Conditional Branch
	FormatCompareBranch      // Compare and Branch (CBZ/CBNZ)
	FormatTestBranch         // Test and Branch (TBZ/TBNZ)
	FormatBranchReg          // Branch to Register
	FormatHint               // Hints (NOP, YIELD, WFE, WFI)
	FormatException          // Exception generation (SVC)
)

// Cond represents an ARM64 condition code.
type Cond uint8

// CondAL is the "always" condition; B.AL behaves like B.
const CondAL Cond = 0b1110

// Instruction is the fetch-side view of a decoded ARM64 instruction.
type Instruction struct {
	Word   uint32 // Raw encoding
	Op     Op     // Operation code
	Format Format // Encoding format

	Is64Bit bool  // true for 64-bit (X registers)
	Rd      uint8 // Destination register
	Rn      uint8 // First source / branch target register
	Rm      uint8 // Second source register

	Imm uint64 // Immediate value

	BranchOffset int64 // Signed branch offset in bytes
	Cond         Cond  // Condition code for B.cond
}

// IsControl reports whether the instruction may redirect the program
// counter.
func (i *Instruction) IsControl() bool {
	switch i.Format {
	case FormatBranch, FormatBranchCond, FormatCompareBranch,
		FormatTestBranch, FormatBranchReg:
		return true
	}
	return false
}

// IsConditional reports whether the instruction is a conditional branch.
func (i *Instruction) IsConditional() bool {
	switch i.Format {
	case FormatBranchCond:
		return i.Cond < CondAL
	case FormatCompareBranch, FormatTestBranch:
		return true
	}
	return false
}

// IsIndirect reports whether the branch target comes from a register.
func (i *Instruction) IsIndirect() bool {
	return i.Format == FormatBranchReg
}

// IsCall reports whether the instruction writes the link register.
func (i *Instruction) IsCall() bool {
	return i.Op == OpBL || i.Op == OpBLR
}

// IsReturn reports whether the instruction is RET.
func (i *Instruction) IsReturn() bool {
	return i.Op == OpRET
}

// IsQuiesce reports whether the instruction parks the hardware thread until
// an external wake-up.
func (i *Instruction) IsQuiesce() bool {
	return i.Op == OpWFI || i.Op == OpWFE
}

// DirectTarget returns the branch target for PC-relative branches. The
// second result is false for non-branches and register branches.
func (i *Instruction) DirectTarget(pc uint64) (uint64, bool) {
	if !i.IsControl() || i.IsIndirect() {
		return 0, false
	}
	return uint64(int64(pc) + i.BranchOffset), true
}
