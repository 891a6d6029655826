// Package ebpf defines the eBPF instruction encoding consumed by the VM and
// the object loader.
//
// Every instruction is a single 8-byte little-endian slot:
//
//	opcode:8 dst:4 src:4 offset:16 imm:32
//
// The only exception is lddw, which spans two consecutive slots and carries
// the low half of its 64-bit immediate in the first slot's imm field and the
// high half in the second slot's imm field.
package ebpf

import (
	"encoding/binary"
)

// InstructionSize is the size of one instruction slot in bytes.
const InstructionSize = 8

// Register count. R10 is the read-only frame pointer.
const (
	NumRegisters = 11
	FramePointer = 10
)

// Instruction class bits (bits 0-2).
const (
	ClassMask  = 0x07
	ClassLd    = 0x00
	ClassLdx   = 0x01
	ClassSt    = 0x02
	ClassStx   = 0x03
	ClassAlu   = 0x04
	ClassJmp   = 0x05
	ClassJmp32 = 0x06
	ClassAlu64 = 0x07
)

// Source bit (bit 3).
const (
	SrcImm = 0x00
	SrcReg = 0x08
)

// ALU operations (bits 4-7).
const (
	OpMask  = 0xf0
	AluAdd  = 0x00
	AluSub  = 0x10
	AluMul  = 0x20
	AluDiv  = 0x30
	AluOr   = 0x40
	AluAnd  = 0x50
	AluLsh  = 0x60
	AluRsh  = 0x70
	AluNeg  = 0x80
	AluMod  = 0x90
	AluXor  = 0xa0
	AluMov  = 0xb0
	AluArsh = 0xc0
	AluEnd  = 0xd0
)

// Jump operations (bits 4-7).
const (
	JmpJa   = 0x00
	JmpJeq  = 0x10
	JmpJgt  = 0x20
	JmpJge  = 0x30
	JmpJset = 0x40
	JmpJne  = 0x50
	JmpJsgt = 0x60
	JmpJsge = 0x70
	JmpCall = 0x80
	JmpExit = 0x90
	JmpJlt  = 0xa0
	JmpJle  = 0xb0
	JmpJslt = 0xc0
	JmpJsle = 0xd0
)

// Load/store size (bits 3-4) and mode (bits 5-7).
const (
	SizeMask = 0x18
	SizeW    = 0x00
	SizeH    = 0x08
	SizeB    = 0x10
	SizeDW   = 0x18

	ModeMask = 0xe0
	ModeImm  = 0x00
	ModeMem  = 0x60
)

// Composed opcodes referenced by the loader, the validator and tests.
const (
	OpLddw = ClassLd | ModeImm | SizeDW // 0x18

	OpLdxw  = ClassLdx | ModeMem | SizeW  // 0x61
	OpLdxh  = ClassLdx | ModeMem | SizeH  // 0x69
	OpLdxb  = ClassLdx | ModeMem | SizeB  // 0x71
	OpLdxdw = ClassLdx | ModeMem | SizeDW // 0x79

	OpStw  = ClassSt | ModeMem | SizeW  // 0x62
	OpSth  = ClassSt | ModeMem | SizeH  // 0x6a
	OpStb  = ClassSt | ModeMem | SizeB  // 0x72
	OpStdw = ClassSt | ModeMem | SizeDW // 0x7a

	OpStxw  = ClassStx | ModeMem | SizeW  // 0x63
	OpStxh  = ClassStx | ModeMem | SizeH  // 0x6b
	OpStxb  = ClassStx | ModeMem | SizeB  // 0x73
	OpStxdw = ClassStx | ModeMem | SizeDW // 0x7b

	OpAdd64Imm = ClassAlu64 | SrcImm | AluAdd // 0x07
	OpAdd64Reg = ClassAlu64 | SrcReg | AluAdd // 0x0f
	OpMov64Imm = ClassAlu64 | SrcImm | AluMov // 0xb7
	OpMov64Reg = ClassAlu64 | SrcReg | AluMov // 0xbf
	OpDiv64Imm = ClassAlu64 | SrcImm | AluDiv // 0x37
	OpMov32Imm = ClassAlu | SrcImm | AluMov   // 0xb4
	OpLe       = ClassAlu | SrcImm | AluEnd   // 0xd4
	OpBe       = ClassAlu | SrcReg | AluEnd   // 0xdc

	OpJa     = ClassJmp | JmpJa            // 0x05
	OpJeqImm = ClassJmp | SrcImm | JmpJeq  // 0x15
	OpJneImm = ClassJmp | SrcImm | JmpJne  // 0x55
	OpCall   = ClassJmp | SrcImm | JmpCall // 0x85
	OpExit   = ClassJmp | JmpExit          // 0x95
)

// Instruction is a decoded instruction slot.
type Instruction struct {
	Opcode uint8
	Dst    uint8
	Src    uint8
	Offset int16
	Imm    int32
}

// Decode decodes one instruction from the first 8 bytes of b.
func Decode(b []byte) Instruction {
	_ = b[InstructionSize-1]
	return Instruction{
		Opcode: b[0],
		Dst:    b[1] & 0x0f,
		Src:    b[1] >> 4,
		Offset: int16(binary.LittleEndian.Uint16(b[2:4])),
		Imm:    int32(binary.LittleEndian.Uint32(b[4:8])),
	}
}

// Encode returns the 8-byte encoding of the instruction.
func (i Instruction) Encode() []byte {
	b := make([]byte, InstructionSize)
	i.Put(b)
	return b
}

// Put encodes the instruction into the first 8 bytes of b.
func (i Instruction) Put(b []byte) {
	_ = b[InstructionSize-1]
	b[0] = i.Opcode
	b[1] = i.Dst&0x0f | i.Src<<4
	binary.LittleEndian.PutUint16(b[2:4], uint16(i.Offset))
	binary.LittleEndian.PutUint32(b[4:8], uint32(i.Imm))
}

// Class returns the instruction class.
func (i Instruction) Class() uint8 {
	return i.Opcode & ClassMask
}

// Assemble encodes a sequence of instructions into a text buffer.
func Assemble(insts ...Instruction) []byte {
	out := make([]byte, 0, len(insts)*InstructionSize)
	for _, inst := range insts {
		out = append(out, inst.Encode()...)
	}
	return out
}

// Lddw returns the two slots of a 64-bit immediate load into dst.
func Lddw(dst uint8, imm uint64) []Instruction {
	return []Instruction{
		{Opcode: OpLddw, Dst: dst, Imm: int32(uint32(imm))},
		{Imm: int32(uint32(imm >> 32))},
	}
}
