package insts

// Decoder decodes ARM64 machine code into fetch-side instructions.
type Decoder struct{}

// NewDecoder creates a new ARM64 instruction decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode decodes a 32-bit ARM64 instruction word.
func (d *Decoder) Decode(word uint32) *Instruction {
	inst := &Instruction{Word: word, Op: OpUnknown, Format: FormatUnknown}

	switch {
	case d.isHint(word):
		d.decodeHint(word, inst)
	case d.isSVC(word):
		inst.Format = FormatException
		inst.Op = OpSVC
		inst.Imm = uint64((word >> 5) & 0xFFFF)
	case d.isDataProcessingImm(word):
		d.decodeDataProcessingImm(word, inst)
	case d.isDataProcessingReg(word):
		d.decodeDataProcessingReg(word, inst)
	case d.isBranchImm(word):
		d.decodeBranchImm(word, inst)
	case d.isBranchCond(word):
		d.decodeBranchCond(word, inst)
	case d.isCompareBranch(word):
		d.decodeCompareBranch(word, inst)
	case d.isTestBranch(word):
		d.decodeTestBranch(word, inst)
	case d.isBranchReg(word):
		d.decodeBranchReg(word, inst)
	}

	return inst
}

// signExtend sign-extends the low bits of v and scales it to bytes.
func signExtend(v uint32, bits uint) int64 {
	shift := 64 - bits
	offset := (int64(v) << shift) >> shift
	return offset * InstSize
}

// Hint space: 1101 0101 0000 0011 0010 CRm op2 11111
func (d *Decoder) isHint(word uint32) bool {
	return word&0xFFFFF01F == 0xD503201F
}

func (d *Decoder) decodeHint(word uint32, inst *Instruction) {
	inst.Format = FormatHint

	switch (word >> 5) & 0x7F { // CRm:op2
	case 0b0000000:
		inst.Op = OpNOP
	case 0b0000001:
		inst.Op = OpYIELD
	case 0b0000010:
		inst.Op = OpWFE
	case 0b0000011:
		inst.Op = OpWFI
	default:
		// Unallocated hints execute as NOP.
		inst.Op = OpNOP
	}
}

// SVC: 11010100 000 imm16 000 01
func (d *Decoder) isSVC(word uint32) bool {
	return word&0xFFE0001F == 0xD4000001
}

// Add/sub immediate: bits [28:23] == 0b100010
func (d *Decoder) isDataProcessingImm(word uint32) bool {
	return (word>>23)&0x3F == 0b100010
}

func (d *Decoder) decodeDataProcessingImm(word uint32, inst *Instruction) {
	inst.Format = FormatDPImm
	inst.Is64Bit = (word>>31)&0x1 == 1
	inst.Rd = uint8(word & 0x1F)
	inst.Rn = uint8((word >> 5) & 0x1F)
	inst.Imm = uint64((word >> 10) & 0xFFF)

	if (word>>22)&0x1 == 1 {
		inst.Imm <<= 12
	}

	if (word>>30)&0x1 == 0 {
		inst.Op = OpADD
	} else {
		inst.Op = OpSUB
	}
}

// Add/sub register: bits [28:24] == 0b01011
// Logical register: bits [28:24] == 0b01010
func (d *Decoder) isDataProcessingReg(word uint32) bool {
	op := (word >> 24) & 0x1F
	return op == 0b01011 || op == 0b01010
}

func (d *Decoder) decodeDataProcessingReg(word uint32, inst *Instruction) {
	inst.Format = FormatDPReg
	inst.Is64Bit = (word>>31)&0x1 == 1
	inst.Rd = uint8(word & 0x1F)
	inst.Rn = uint8((word >> 5) & 0x1F)
	inst.Rm = uint8((word >> 16) & 0x1F)

	if (word>>24)&0x1F == 0b01011 {
		if (word>>30)&0x1 == 0 {
			inst.Op = OpADD
		} else {
			inst.Op = OpSUB
		}
		return
	}

	switch (word >> 29) & 0x3 {
	case 0b00, 0b11:
		inst.Op = OpAND
	case 0b01:
		inst.Op = OpORR
	case 0b10:
		inst.Op = OpEOR
	}
}

// B:  bits [31:26] == 0b000101
// BL: bits [31:26] == 0b100101
func (d *Decoder) isBranchImm(word uint32) bool {
	op := (word >> 26) & 0x3F
	return op == 0b000101 || op == 0b100101
}

func (d *Decoder) decodeBranchImm(word uint32, inst *Instruction) {
	inst.Format = FormatBranch
	inst.BranchOffset = signExtend(word&0x3FFFFFF, 26)

	if (word>>31)&0x1 == 0 {
		inst.Op = OpB
	} else {
		inst.Op = OpBL
		inst.Rd = 30
	}
}

// B.cond: bits [31:25] == 0b0101010, bit 4 == 0
func (d *Decoder) isBranchCond(word uint32) bool {
	return (word>>25)&0x7F == 0b0101010 && (word>>4)&0x1 == 0
}

func (d *Decoder) decodeBranchCond(word uint32, inst *Instruction) {
	inst.Format = FormatBranchCond
	inst.Op = OpBCond
	inst.BranchOffset = signExtend((word>>5)&0x7FFFF, 19)
	inst.Cond = Cond(word & 0xF)
}

// CBZ/CBNZ: bits [30:25] == 0b011010
func (d *Decoder) isCompareBranch(word uint32) bool {
	return (word>>25)&0x3F == 0b011010
}

func (d *Decoder) decodeCompareBranch(word uint32, inst *Instruction) {
	inst.Format = FormatCompareBranch
	inst.Is64Bit = (word>>31)&0x1 == 1
	inst.Rn = uint8(word & 0x1F)
	inst.BranchOffset = signExtend((word>>5)&0x7FFFF, 19)

	if (word>>24)&0x1 == 0 {
		inst.Op = OpCBZ
	} else {
		inst.Op = OpCBNZ
	}
}

// TBZ/TBNZ: bits [30:25] == 0b011011
func (d *Decoder) isTestBranch(word uint32) bool {
	return (word>>25)&0x3F == 0b011011
}

func (d *Decoder) decodeTestBranch(word uint32, inst *Instruction) {
	inst.Format = FormatTestBranch
	inst.Rn = uint8(word & 0x1F)
	inst.Imm = uint64((word>>31)<<5 | (word>>19)&0x1F) // bit number
	inst.BranchOffset = signExtend((word>>5)&0x3FFF, 14)

	if (word>>24)&0x1 == 0 {
		inst.Op = OpTBZ
	} else {
		inst.Op = OpTBNZ
	}
}

// Branch to register: 1101011 0 0 op[1:0] 11111 000000 Rn 00000
func (d *Decoder) isBranchReg(word uint32) bool {
	return (word>>25)&0x7F == 0b1101011 &&
		(word>>10)&0x3F == 0 &&
		word&0x1F == 0
}

func (d *Decoder) decodeBranchReg(word uint32, inst *Instruction) {
	inst.Format = FormatBranchReg
	inst.Rn = uint8((word >> 5) & 0x1F)

	switch (word >> 21) & 0x3 {
	case 0b00:
		inst.Op = OpBR
	case 0b01:
		inst.Op = OpBLR
		inst.Rd = 30
	case 0b10:
		inst.Op = OpRET
	default:
		inst.Format = FormatUnknown
	}
}
