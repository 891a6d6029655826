// Package vm implements the userspace eBPF virtual machine instance.
//
// A VM owns three things that outlive a single program load:
// - the host function table (index -> function, name -> index)
// - the global memory region backing a program's data section
// - the currently loaded, validated instruction stream
//
// Programs address memory through virtual addresses. Each region lives in its
// own 4 GiB window:
// - Global (0x100000000): read-write data section copy
// - Stack  (0x200000000): per-execution stack
// - Input  (0x400000000): caller supplied context memory
package vm

import (
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/fortiblox/bpfvm/pkg/ebpf"
)

// Virtual memory region base addresses.
const (
	VaddrGlobal = uint64(0x1_0000_0000)
	VaddrStack  = uint64(0x2_0000_0000)
	VaddrInput  = uint64(0x4_0000_0000)
)

// Limits.
const (
	MaxFunctions            = 64
	MaxInstructions         = 65536
	DefaultStackSize        = 512
	DefaultInstructionLimit = 1 << 24
)

// Errors.
var (
	ErrAlreadyLoaded        = errors.New("code has already been loaded into this VM")
	ErrNotLoaded            = errors.New("no code loaded")
	ErrInvalidCode          = errors.New("invalid code")
	ErrInvalidInstruction   = errors.New("invalid instruction")
	ErrInvalidFunctionIndex = errors.New("invalid function index")
	ErrInvalidMemoryAccess  = errors.New("invalid memory access")
	ErrInstructionLimit     = errors.New("instruction limit exceeded")
)

// Memory is the view of VM memory handed to host functions.
type Memory interface {
	// Translate returns the host bytes backing [addr, addr+size).
	Translate(addr uint64, size uint64, write bool) ([]byte, error)
	Read(addr uint64, p []byte) error
	Write(addr uint64, p []byte) error
	Logger() log.Logger
}

// Function is a host function callable from bytecode with the call
// instruction. Arguments arrive in r1-r5 and the result is placed in r0.
type Function func(m Memory, r1, r2, r3, r4, r5 uint64) (uint64, error)

// Option configures a VM.
type Option func(*VM)

// WithLogger sets the logger used by the VM, the loader and host functions.
func WithLogger(l log.Logger) Option {
	return func(v *VM) {
		if l != nil {
			v.logger = l
		}
	}
}

// WithStackSize sets the per-execution stack size in bytes.
func WithStackSize(size int) Option {
	return func(v *VM) {
		if size > 0 {
			v.stackSize = size
		}
	}
}

// WithInstructionLimit bounds the number of instructions a single Exec may
// retire. Zero disables the limit.
func WithInstructionLimit(n uint64) Option {
	return func(v *VM) {
		v.instructionLimit = n
	}
}

// VM is a single eBPF virtual machine instance.
//
// A VM is not safe for concurrent use: at most one Load or Exec may be in
// flight per instance. Callers sharing a VM must serialize access.
type VM struct {
	logger           log.Logger
	stackSize        int
	instructionLimit uint64

	funcs  [MaxFunctions]Function
	names  [MaxFunctions]string
	byName map[string]uint32

	unwindIndex int

	global GlobalMemory

	text  []byte
	insts []ebpf.Instruction
}

// New creates a VM with no functions registered and no program loaded.
func New(opts ...Option) *VM {
	v := &VM{
		logger:           log.NewNopLogger(),
		stackSize:        DefaultStackSize,
		instructionLimit: DefaultInstructionLimit,
		byName:           make(map[string]uint32),
		unwindIndex:      -1,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Logger returns the VM logger.
func (v *VM) Logger() log.Logger {
	return v.logger
}

// RegisterFunction installs fn at index under name. Registering an index
// again replaces the previous function and name; registering a name again
// moves it to the new index.
func (v *VM) RegisterFunction(index uint32, name string, fn Function) error {
	if index >= MaxFunctions {
		return fmt.Errorf("%w: %d (max %d)", ErrInvalidFunctionIndex, index, MaxFunctions-1)
	}
	if fn == nil {
		return fmt.Errorf("%w: nil function for %q", ErrInvalidFunctionIndex, name)
	}
	if old := v.names[index]; old != "" && v.byName[old] == index {
		delete(v.byName, old)
	}
	// A name maps to one index; moving it leaves the old slot unnamed.
	if prev, ok := v.byName[name]; ok && prev != index {
		v.names[prev] = ""
	}
	v.funcs[index] = fn
	v.names[index] = name
	v.byName[name] = index
	return nil
}

// LookupFunction returns the registration index of the named function.
func (v *VM) LookupFunction(name string) (uint32, bool) {
	idx, ok := v.byName[name]
	return idx, ok
}

// SetUnwindFunction marks a registered function as the unwind function:
// when a call to it returns 0, execution stops and Exec returns 0.
func (v *VM) SetUnwindFunction(index uint32) error {
	if index >= MaxFunctions || v.funcs[index] == nil {
		return fmt.Errorf("%w: unwind function %d is not registered", ErrInvalidFunctionIndex, index)
	}
	v.unwindIndex = int(index)
	return nil
}

// Load validates code and installs it as the VM's program. The VM keeps its
// own copy; the caller may reuse code afterwards.
func (v *VM) Load(code []byte) error {
	if v.insts != nil {
		return ErrAlreadyLoaded
	}
	if len(code) == 0 {
		return fmt.Errorf("%w: no instructions", ErrInvalidCode)
	}
	if len(code)%ebpf.InstructionSize != 0 {
		return fmt.Errorf("%w: code length must be a multiple of %d, got %d", ErrInvalidCode, ebpf.InstructionSize, len(code))
	}

	insts := make([]ebpf.Instruction, len(code)/ebpf.InstructionSize)
	if len(insts) > MaxInstructions {
		return fmt.Errorf("%w: too many instructions (max %d)", ErrInvalidCode, MaxInstructions)
	}
	for i := range insts {
		insts[i] = ebpf.Decode(code[i*ebpf.InstructionSize:])
	}

	if err := v.validate(insts); err != nil {
		return err
	}

	text := make([]byte, len(code))
	copy(text, code)
	v.text = text
	v.insts = insts

	level.Debug(v.logger).Log("msg", "program loaded", "instructions", len(insts))
	return nil
}

// Unload drops the loaded program. Global memory is owned by the VM
// instance and survives an unload.
func (v *VM) Unload() {
	v.text = nil
	v.insts = nil
}

// Loaded reports whether a program is installed.
func (v *VM) Loaded() bool {
	return v.insts != nil
}

// NumInstructions returns the number of instruction slots in the program.
func (v *VM) NumInstructions() int {
	return len(v.insts)
}

// Text returns a copy of the loaded instruction bytes.
func (v *VM) Text() []byte {
	if v.text == nil {
		return nil
	}
	out := make([]byte, len(v.text))
	copy(out, v.text)
	return out
}

// GlobalMemory returns the VM's global memory holder.
func (v *VM) GlobalMemory() *GlobalMemory {
	return &v.global
}
