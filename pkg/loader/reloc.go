package loader

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/go-kit/log/level"

	"github.com/fortiblox/bpfvm/pkg/vm"
)

// Relocation types.
const (
	rBPF64_64    = 1 // lddw of a data symbol address
	rBPF64_ABS64 = 2 // call of an external function
)

// symbol is the part of an ELF64 symbol the resolver needs.
type symbol struct {
	Name  uint32
	Value uint64
}

// rel is an ELF64 relocation without addend.
type rel struct {
	Offset uint64
	Info   uint64
}

func (r rel) symbolIndex() uint64 { return r.Info >> 32 }

func (r rel) relType() uint32 { return uint32(r.Info) }

// resolveRelocations applies every relocation table that targets the text
// section to work, a private copy of the text bytes.
func resolveRelocations(v *vm.VM, sections []section, text, data *section, work []byte) error {
	shnum := uint32(len(sections))
	for i := range sections {
		rs := &sections[i]
		if rs.hdr.Type != shtRel || rs.hdr.Info != uint32(text.index) {
			continue
		}

		if rs.hdr.Link >= shnum {
			return errorf(ErrInvalidRelocation, "bad symbol table section index")
		}
		symtab := &sections[rs.hdr.Link]
		if symtab.hdr.Link >= shnum {
			return errorf(ErrInvalidRelocation, "bad string table section index")
		}
		strtab := &sections[symtab.hdr.Link]

		n := len(rs.data) / relSize
		for j := 0; j < n; j++ {
			r := decodeRel(rs.data[j*relSize:])
			if err := applyRelocation(v, r, symtab.data, strtab.data, data, work); err != nil {
				return err
			}
		}
	}
	return nil
}

func applyRelocation(v *vm.VM, r rel, symtab, strtab []byte, data *section, work []byte) error {
	symIdx := r.symbolIndex()
	if symIdx >= uint64(len(symtab)/symSize) {
		return errorf(ErrInvalidRelocation, "bad symbol index")
	}
	sym := decodeSymbol(symtab[symIdx*symSize:])

	if uint64(sym.Name) >= uint64(len(strtab)) {
		return errorf(ErrInvalidRelocation, "bad symbol name")
	}
	name := symbolName(strtab, sym.Name)

	text := bounds{data: work}
	slot, ok := text.window(r.Offset, 8)
	if !ok {
		return errorf(ErrInvalidRelocation, "bad relocation offset")
	}

	logger := v.Logger()
	switch r.relType() {
	case rBPF64_ABS64:
		idx, ok := v.LookupFunction(name)
		if !ok {
			return errorf(ErrFunctionNotFound, "function '%s' not found", name)
		}
		binary.LittleEndian.PutUint32(slot[4:8], idx)
		level.Debug(logger).Log("msg", "relocated call", "symbol", name, "offset", r.Offset, "index", idx)

	case rBPF64_64:
		if data == nil {
			return errorf(ErrNoDataSection, "data section not found (needed by a relocation)")
		}
		// lddw spans two slots: low half in the first, high half in the second.
		pair, ok := text.window(r.Offset, 16)
		if !ok {
			return errorf(ErrInvalidRelocation, "bad relocation offset")
		}
		// Keep the address inside the global region's 4 GiB window.
		if sym.Value > math.MaxUint32 {
			return errorf(ErrInvalidRelocation, "bad symbol value")
		}
		addr := v.GlobalMemory().Init(data.data) + sym.Value
		binary.LittleEndian.PutUint32(pair[4:8], uint32(addr))
		binary.LittleEndian.PutUint32(pair[12:16], uint32(addr>>32))
		level.Debug(logger).Log("msg", "relocated data", "symbol", name, "offset", r.Offset, "addr", addr)

	default:
		return errorf(ErrInvalidRelocation, "bad relocation type %d", r.relType())
	}
	return nil
}

func decodeRel(raw []byte) rel {
	return rel{
		Offset: binary.LittleEndian.Uint64(raw[0:8]),
		Info:   binary.LittleEndian.Uint64(raw[8:16]),
	}
}

func decodeSymbol(raw []byte) symbol {
	return symbol{
		Name:  binary.LittleEndian.Uint32(raw[0:4]),
		Value: binary.LittleEndian.Uint64(raw[8:16]),
	}
}

// symbolName returns the string at off, ending at the first NUL or at the
// end of the table.
func symbolName(strtab []byte, off uint32) string {
	s := strtab[off:]
	if end := bytes.IndexByte(s, 0); end >= 0 {
		s = s[:end]
	}
	return string(s)
}
