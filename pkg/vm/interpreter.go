package vm

import (
	"fmt"
	"math/bits"

	"github.com/go-kit/log/level"

	"github.com/fortiblox/bpfvm/pkg/ebpf"
)

// Exec runs the loaded program with mem as its context memory and returns
// the value of r0 at exit.
//
// On entry r1 holds the virtual address of mem, r2 its length and r10 the
// top of a fresh stack.
func (v *VM) Exec(mem []byte) (r0 uint64, err error) {
	if v.insts == nil {
		return 0, ErrNotLoaded
	}

	m := &machine{
		vm:    v,
		stack: make([]byte, v.stackSize),
		input: mem,
	}

	var reg [ebpf.NumRegisters]uint64
	reg[1] = VaddrInput
	reg[2] = uint64(len(mem))
	reg[ebpf.FramePointer] = VaddrStack + uint64(len(m.stack))

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("vm panic: %v", rec)
		}
	}()

	insts := v.insts
	var retired uint64
	pc := 0
	for {
		if pc < 0 || pc >= len(insts) {
			return 0, fmt.Errorf("%w: program counter out of bounds: %d", ErrInvalidInstruction, pc)
		}
		if v.instructionLimit != 0 {
			if retired >= v.instructionLimit {
				return 0, ErrInstructionLimit
			}
			retired++
		}

		inst := insts[pc]
		pc++

		switch inst.Class() {
		case ebpf.ClassAlu, ebpf.ClassAlu64:
			execALU(&reg, inst)

		case ebpf.ClassLd:
			// lddw: low half here, high half in the next slot.
			reg[inst.Dst] = uint64(uint32(inst.Imm)) | uint64(uint32(insts[pc].Imm))<<32
			pc++

		case ebpf.ClassLdx:
			addr := reg[inst.Src] + uint64(int64(inst.Offset))
			val, err := m.load(addr, accessWidth(inst.Opcode))
			if err != nil {
				return 0, fmt.Errorf("load at PC %d: %w", pc-1, err)
			}
			reg[inst.Dst] = val

		case ebpf.ClassSt:
			addr := reg[inst.Dst] + uint64(int64(inst.Offset))
			if err := m.store(addr, accessWidth(inst.Opcode), uint64(int64(inst.Imm))); err != nil {
				return 0, fmt.Errorf("store at PC %d: %w", pc-1, err)
			}

		case ebpf.ClassStx:
			addr := reg[inst.Dst] + uint64(int64(inst.Offset))
			if err := m.store(addr, accessWidth(inst.Opcode), reg[inst.Src]); err != nil {
				return 0, fmt.Errorf("store at PC %d: %w", pc-1, err)
			}

		case ebpf.ClassJmp, ebpf.ClassJmp32:
			switch inst.Opcode {
			case ebpf.OpExit:
				return reg[0], nil

			case ebpf.OpCall:
				fn := v.funcs[inst.Imm]
				if fn == nil {
					return 0, fmt.Errorf("%w: call to nonexistent function %d at PC %d", ErrInvalidInstruction, inst.Imm, pc-1)
				}
				res, err := fn(m, reg[1], reg[2], reg[3], reg[4], reg[5])
				if err != nil {
					return 0, fmt.Errorf("function %q: %w", v.names[inst.Imm], err)
				}
				reg[0] = res
				if int(inst.Imm) == v.unwindIndex && res == 0 {
					level.Debug(v.logger).Log("msg", "unwind", "pc", pc-1)
					return reg[0], nil
				}

			default:
				if branchTaken(&reg, inst) {
					pc += int(inst.Offset)
				}
			}
		}
	}
}

// accessWidth returns the byte width encoded in a load/store opcode.
func accessWidth(op uint8) uint64 {
	switch op & ebpf.SizeMask {
	case ebpf.SizeB:
		return 1
	case ebpf.SizeH:
		return 2
	case ebpf.SizeW:
		return 4
	default:
		return 8
	}
}

// execALU executes one ALU or ALU64 instruction. 32-bit operations work on
// the low halves and zero-extend the result.
func execALU(reg *[ebpf.NumRegisters]uint64, inst ebpf.Instruction) {
	wide := inst.Class() == ebpf.ClassAlu64

	dst := reg[inst.Dst]
	src := uint64(int64(inst.Imm))
	if inst.Opcode&ebpf.SrcReg != 0 {
		src = reg[inst.Src]
	}
	if !wide {
		dst, src = uint64(uint32(dst)), uint64(uint32(src))
	}

	shiftMask := uint64(31)
	if wide {
		shiftMask = 63
	}

	var res uint64
	switch inst.Opcode & ebpf.OpMask {
	case ebpf.AluAdd:
		res = dst + src
	case ebpf.AluSub:
		res = dst - src
	case ebpf.AluMul:
		res = dst * src
	case ebpf.AluDiv:
		if src != 0 {
			res = dst / src
		}
	case ebpf.AluOr:
		res = dst | src
	case ebpf.AluAnd:
		res = dst & src
	case ebpf.AluLsh:
		res = dst << (src & shiftMask)
	case ebpf.AluRsh:
		res = dst >> (src & shiftMask)
	case ebpf.AluNeg:
		res = -dst
	case ebpf.AluMod:
		res = dst
		if src != 0 {
			res = dst % src
		}
	case ebpf.AluXor:
		res = dst ^ src
	case ebpf.AluMov:
		res = src
	case ebpf.AluArsh:
		if wide {
			res = uint64(int64(dst) >> (src & shiftMask))
		} else {
			res = uint64(uint32(int32(uint32(dst)) >> (src & shiftMask)))
		}
	case ebpf.AluEnd:
		res = byteSwap(reg[inst.Dst], inst)
		reg[inst.Dst] = res
		return
	}

	if !wide {
		res = uint64(uint32(res))
	}
	reg[inst.Dst] = res
}

// byteSwap implements le/be. The host layout is little-endian, so le only
// truncates to the requested width.
func byteSwap(x uint64, inst ebpf.Instruction) uint64 {
	be := inst.Opcode&ebpf.SrcReg != 0
	switch inst.Imm {
	case 16:
		if be {
			return uint64(bits.ReverseBytes16(uint16(x)))
		}
		return uint64(uint16(x))
	case 32:
		if be {
			return uint64(bits.ReverseBytes32(uint32(x)))
		}
		return uint64(uint32(x))
	default:
		if be {
			return bits.ReverseBytes64(x)
		}
		return x
	}
}

// branchTaken evaluates the condition of a conditional or unconditional jump.
func branchTaken(reg *[ebpf.NumRegisters]uint64, inst ebpf.Instruction) bool {
	op := inst.Opcode & ebpf.OpMask
	if op == ebpf.JmpJa {
		return true
	}

	dst := reg[inst.Dst]
	src := uint64(int64(inst.Imm))
	if inst.Opcode&ebpf.SrcReg != 0 {
		src = reg[inst.Src]
	}

	var sdst, ssrc int64
	if inst.Class() == ebpf.ClassJmp32 {
		dst, src = uint64(uint32(dst)), uint64(uint32(src))
		sdst, ssrc = int64(int32(uint32(dst))), int64(int32(uint32(src)))
	} else {
		sdst, ssrc = int64(dst), int64(src)
	}

	switch op {
	case ebpf.JmpJeq:
		return dst == src
	case ebpf.JmpJne:
		return dst != src
	case ebpf.JmpJgt:
		return dst > src
	case ebpf.JmpJge:
		return dst >= src
	case ebpf.JmpJlt:
		return dst < src
	case ebpf.JmpJle:
		return dst <= src
	case ebpf.JmpJset:
		return dst&src != 0
	case ebpf.JmpJsgt:
		return sdst > ssrc
	case ebpf.JmpJsge:
		return sdst >= ssrc
	case ebpf.JmpJslt:
		return sdst < ssrc
	case ebpf.JmpJsle:
		return sdst <= ssrc
	}
	return false
}
