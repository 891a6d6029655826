package loader

import (
	"bytes"
	"encoding/binary"
)

// ELF magic bytes.
var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// Sizes of the fixed ELF64 records.
const (
	ehdrSize = 64
	shdrSize = 64
	symSize  = 24
	relSize  = 16
)

// Identification bytes.
const (
	eiClass      = 4
	eiData       = 5
	eiVersion    = 6
	eiOSABI      = 7
	elfClass64   = 2 // 64-bit
	elfDataLSB   = 1 // Little endian
	evCurrent    = 1
	elfOSABINone = 0
)

// ELF type.
const (
	etRel = 1 // Relocatable object
)

// ELF machine type.
const (
	emNone = 0
	emBPF  = 247 // eBPF
)

// MaxSections is the largest section count an object may declare.
const MaxSections = 32

// Section types.
const (
	shtNull     = 0 // Null section
	shtProgbits = 1 // Program data
	shtSymtab   = 2 // Symbol table
	shtStrtab   = 3 // String table
	shtRel      = 9 // Relocation without addend
)

// Section flags.
const (
	shfWrite     = 0x1 // Writable
	shfAlloc     = 0x2 // Occupies memory during execution
	shfExecInstr = 0x4 // Executable
)

// elfHeader holds the ELF64 header fields the loader checks or uses.
type elfHeader struct {
	Class     uint8
	Data      uint8
	Version   uint8
	OSABI     uint8
	Type      uint16
	Machine   uint16
	SHOff     uint64
	SHEntSize uint16
	SHNum     uint16
}

// sectionHeader is an ELF64 section header.
type sectionHeader struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	AddrAlign uint64
	EntSize   uint64
}

// section is one validated section: its index, header and file bytes.
type section struct {
	index int
	hdr   sectionHeader
	data  []byte
}

// parseHeader decodes and checks the ELF header. The section count is
// checked here, before any section header is touched.
func parseHeader(b bounds) (*elfHeader, error) {
	raw, ok := b.window(0, ehdrSize)
	if !ok {
		return nil, errorf(ErrInvalidELF, "not enough data for ELF header")
	}

	if !bytes.Equal(raw[0:4], elfMagic) {
		return nil, errorf(ErrInvalidELF, "wrong magic")
	}

	h := &elfHeader{
		Class:     raw[eiClass],
		Data:      raw[eiData],
		Version:   raw[eiVersion],
		OSABI:     raw[eiOSABI],
		Type:      binary.LittleEndian.Uint16(raw[16:18]),
		Machine:   binary.LittleEndian.Uint16(raw[18:20]),
		SHOff:     binary.LittleEndian.Uint64(raw[40:48]),
		SHEntSize: binary.LittleEndian.Uint16(raw[58:60]),
		SHNum:     binary.LittleEndian.Uint16(raw[60:62]),
	}

	switch {
	case h.Class != elfClass64:
		return nil, errorf(ErrInvalidELF, "wrong class")
	case h.Data != elfDataLSB:
		return nil, errorf(ErrInvalidELF, "wrong byte order")
	case h.Version != evCurrent:
		return nil, errorf(ErrInvalidELF, "wrong version")
	case h.OSABI != elfOSABINone:
		return nil, errorf(ErrInvalidELF, "wrong OS ABI")
	case h.Type != etRel:
		return nil, errorf(ErrInvalidELF, "wrong type, expected relocatable")
	case h.Machine != emNone && h.Machine != emBPF:
		return nil, errorf(ErrInvalidELF, "wrong machine, expected none or BPF, got %d", h.Machine)
	case h.SHNum > MaxSections:
		return nil, errorf(ErrTooManySections, "too many sections")
	}
	return h, nil
}

// parseSections decodes every section header and resolves its data window.
func parseSections(b bounds, h *elfHeader) ([]section, error) {
	sections := make([]section, 0, h.SHNum)
	for i := 0; i < int(h.SHNum); i++ {
		off := h.SHOff + uint64(i)*uint64(h.SHEntSize)
		raw, ok := b.window(off, shdrSize)
		if !ok {
			return nil, errorf(ErrInvalidSection, "bad section header offset or size")
		}
		hdr := decodeSectionHeader(raw)

		data, ok := b.window(hdr.Offset, hdr.Size)
		if !ok {
			return nil, errorf(ErrInvalidSection, "bad section offset or size")
		}
		sections = append(sections, section{index: i, hdr: hdr, data: data})
	}
	return sections, nil
}

func decodeSectionHeader(raw []byte) sectionHeader {
	return sectionHeader{
		Name:      binary.LittleEndian.Uint32(raw[0:4]),
		Type:      binary.LittleEndian.Uint32(raw[4:8]),
		Flags:     binary.LittleEndian.Uint64(raw[8:16]),
		Addr:      binary.LittleEndian.Uint64(raw[16:24]),
		Offset:    binary.LittleEndian.Uint64(raw[24:32]),
		Size:      binary.LittleEndian.Uint64(raw[32:40]),
		Link:      binary.LittleEndian.Uint32(raw[40:44]),
		Info:      binary.LittleEndian.Uint32(raw[44:48]),
		AddrAlign: binary.LittleEndian.Uint64(raw[48:56]),
		EntSize:   binary.LittleEndian.Uint64(raw[56:64]),
	}
}
