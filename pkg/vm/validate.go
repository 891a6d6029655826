package vm

import (
	"fmt"

	"github.com/fortiblox/bpfvm/pkg/ebpf"
)

// validOpcodes marks every opcode the interpreter implements.
var validOpcodes = func() (t [256]bool) {
	aluOps := []uint8{
		ebpf.AluAdd, ebpf.AluSub, ebpf.AluMul, ebpf.AluDiv, ebpf.AluOr, ebpf.AluAnd,
		ebpf.AluLsh, ebpf.AluRsh, ebpf.AluMod, ebpf.AluXor, ebpf.AluMov, ebpf.AluArsh,
	}
	for _, cls := range []uint8{ebpf.ClassAlu, ebpf.ClassAlu64} {
		for _, op := range aluOps {
			t[cls|ebpf.SrcImm|op] = true
			t[cls|ebpf.SrcReg|op] = true
		}
		t[cls|ebpf.AluNeg] = true
	}
	t[ebpf.OpLe] = true
	t[ebpf.OpBe] = true

	condOps := []uint8{
		ebpf.JmpJeq, ebpf.JmpJgt, ebpf.JmpJge, ebpf.JmpJset, ebpf.JmpJne, ebpf.JmpJsgt,
		ebpf.JmpJsge, ebpf.JmpJlt, ebpf.JmpJle, ebpf.JmpJslt, ebpf.JmpJsle,
	}
	for _, cls := range []uint8{ebpf.ClassJmp, ebpf.ClassJmp32} {
		for _, op := range condOps {
			t[cls|ebpf.SrcImm|op] = true
			t[cls|ebpf.SrcReg|op] = true
		}
	}
	t[ebpf.OpJa] = true
	t[ebpf.OpCall] = true
	t[ebpf.OpExit] = true

	for _, size := range []uint8{ebpf.SizeW, ebpf.SizeH, ebpf.SizeB, ebpf.SizeDW} {
		t[ebpf.ClassLdx|ebpf.ModeMem|size] = true
		t[ebpf.ClassSt|ebpf.ModeMem|size] = true
		t[ebpf.ClassStx|ebpf.ModeMem|size] = true
	}
	t[ebpf.OpLddw] = true
	return t
}()

// validate performs the structural checks the interpreter relies on. It does
// no register-state or stack-safety analysis.
func (v *VM) validate(insts []ebpf.Instruction) error {
	n := len(insts)
	for pc := 0; pc < n; pc++ {
		inst := insts[pc]
		if !validOpcodes[inst.Opcode] {
			return fmt.Errorf("%w: unknown opcode 0x%02x at PC %d", ErrInvalidInstruction, inst.Opcode, pc)
		}

		store := false
		switch inst.Class() {
		case ebpf.ClassSt, ebpf.ClassStx:
			store = true

		case ebpf.ClassAlu, ebpf.ClassAlu64:
			op := inst.Opcode & ebpf.OpMask
			if (op == ebpf.AluDiv || op == ebpf.AluMod) && inst.Opcode&ebpf.SrcReg == 0 && inst.Imm == 0 {
				return fmt.Errorf("%w: division by zero at PC %d", ErrInvalidInstruction, pc)
			}
			if op == ebpf.AluEnd && inst.Imm != 16 && inst.Imm != 32 && inst.Imm != 64 {
				return fmt.Errorf("%w: invalid endian immediate %d at PC %d", ErrInvalidInstruction, inst.Imm, pc)
			}

		case ebpf.ClassLd:
			if inst.Src != 0 {
				return fmt.Errorf("%w: invalid source register for lddw at PC %d", ErrInvalidInstruction, pc)
			}
			if pc+1 >= n || insts[pc+1].Opcode != 0 {
				return fmt.Errorf("%w: incomplete lddw at PC %d", ErrInvalidInstruction, pc)
			}

		case ebpf.ClassJmp, ebpf.ClassJmp32:
			switch inst.Opcode {
			case ebpf.OpExit:
			case ebpf.OpCall:
				if inst.Imm < 0 || inst.Imm >= MaxFunctions {
					return fmt.Errorf("%w: invalid call immediate at PC %d", ErrInvalidInstruction, pc)
				}
				if v.funcs[inst.Imm] == nil {
					return fmt.Errorf("%w: call to nonexistent function %d at PC %d", ErrInvalidInstruction, inst.Imm, pc)
				}
			default:
				if inst.Offset == -1 {
					return fmt.Errorf("%w: infinite loop at PC %d", ErrInvalidInstruction, pc)
				}
				target := pc + 1 + int(inst.Offset)
				if target < 0 || target >= n {
					return fmt.Errorf("%w: jump out of bounds at PC %d", ErrInvalidInstruction, pc)
				}
				if insts[target].Opcode == 0 && target > 0 && insts[target-1].Opcode == ebpf.OpLddw {
					return fmt.Errorf("%w: jump to middle of lddw at PC %d", ErrInvalidInstruction, pc)
				}
			}
		}

		if inst.Src > ebpf.FramePointer {
			return fmt.Errorf("%w: invalid source register at PC %d", ErrInvalidInstruction, pc)
		}
		if inst.Dst > 9 && !(store && inst.Dst == ebpf.FramePointer) {
			return fmt.Errorf("%w: invalid destination register at PC %d", ErrInvalidInstruction, pc)
		}

		if inst.Opcode == ebpf.OpLddw {
			pc++
		}
	}
	return nil
}
