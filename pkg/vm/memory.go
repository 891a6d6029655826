package vm

import (
	"encoding/binary"
	"fmt"

	"github.com/go-kit/log"
)

// machine is the per-execution state: the stack and the caller's context
// memory, plus the VM they run on.
type machine struct {
	vm    *VM
	stack []byte
	input []byte
}

// Translate converts a virtual address range to the host bytes backing it.
func (m *machine) Translate(addr uint64, size uint64, write bool) ([]byte, error) {
	lo := addr & 0xFFFFFFFF

	var region []byte
	switch addr &^ 0xFFFFFFFF {
	case VaddrGlobal:
		region = m.vm.global.Bytes()
	case VaddrStack:
		region = m.stack
	case VaddrInput:
		region = m.input
	default:
		return nil, fmt.Errorf("%w: unmapped address 0x%x", ErrInvalidMemoryAccess, addr)
	}

	end := lo + size
	if end < lo || end > uint64(len(region)) {
		return nil, fmt.Errorf("%w: 0x%x (size %d) outside region of %d bytes", ErrInvalidMemoryAccess, addr, size, len(region))
	}
	return region[lo:end:end], nil
}

// Read copies len(p) bytes at addr into p.
func (m *machine) Read(addr uint64, p []byte) error {
	mem, err := m.Translate(addr, uint64(len(p)), false)
	if err != nil {
		return err
	}
	copy(p, mem)
	return nil
}

// Write copies p to addr.
func (m *machine) Write(addr uint64, p []byte) error {
	mem, err := m.Translate(addr, uint64(len(p)), true)
	if err != nil {
		return err
	}
	copy(mem, p)
	return nil
}

func (m *machine) Logger() log.Logger {
	return m.vm.logger
}

// load reads a little-endian value of the given width (1, 2, 4 or 8 bytes).
func (m *machine) load(addr uint64, width uint64) (uint64, error) {
	mem, err := m.Translate(addr, width, false)
	if err != nil {
		return 0, err
	}
	switch width {
	case 1:
		return uint64(mem[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(mem)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(mem)), nil
	default:
		return binary.LittleEndian.Uint64(mem), nil
	}
}

// store writes the low width bytes of x little-endian at addr.
func (m *machine) store(addr uint64, width uint64, x uint64) error {
	mem, err := m.Translate(addr, width, true)
	if err != nil {
		return err
	}
	switch width {
	case 1:
		mem[0] = uint8(x)
	case 2:
		binary.LittleEndian.PutUint16(mem, uint16(x))
	case 4:
		binary.LittleEndian.PutUint32(mem, uint32(x))
	default:
		binary.LittleEndian.PutUint64(mem, x)
	}
	return nil
}
