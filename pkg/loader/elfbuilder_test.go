package loader

import (
	"encoding/binary"
)

// testSection describes one section of a synthetic object file. Offset and
// size default to the section's data placement when zero.
type testSection struct {
	typ   uint32
	flags uint64
	link  uint32
	info  uint32
	data  []byte

	offset, size uint64
	raw          bool // use offset and size verbatim
}

// elfBuilder assembles minimal ELF64 relocatable objects for tests.
type elfBuilder struct {
	machine  uint16
	sections []testSection
}

func newELFBuilder() *elfBuilder {
	return &elfBuilder{
		machine:  emBPF,
		sections: []testSection{{typ: shtNull}},
	}
}

// add appends a section and returns its index.
func (b *elfBuilder) add(s testSection) int {
	b.sections = append(b.sections, s)
	return len(b.sections) - 1
}

// bytes lays out header, section data and section headers in that order.
func (b *elfBuilder) bytes() []byte {
	out := make([]byte, ehdrSize)
	copy(out[0:4], elfMagic)
	out[eiClass] = elfClass64
	out[eiData] = elfDataLSB
	out[eiVersion] = evCurrent
	out[eiOSABI] = elfOSABINone
	binary.LittleEndian.PutUint16(out[16:18], etRel)
	binary.LittleEndian.PutUint16(out[18:20], b.machine)
	binary.LittleEndian.PutUint32(out[20:24], evCurrent)
	binary.LittleEndian.PutUint16(out[52:54], ehdrSize)
	binary.LittleEndian.PutUint16(out[58:60], shdrSize)
	binary.LittleEndian.PutUint16(out[60:62], uint16(len(b.sections)))

	offsets := make([]uint64, len(b.sections))
	for i, s := range b.sections {
		offsets[i] = uint64(len(out))
		out = append(out, s.data...)
		for len(out)%8 != 0 {
			out = append(out, 0)
		}
	}

	binary.LittleEndian.PutUint64(out[40:48], uint64(len(out)))
	for i, s := range b.sections {
		off, size := offsets[i], uint64(len(s.data))
		if s.raw {
			off, size = s.offset, s.size
		}
		if s.typ == shtNull && !s.raw {
			off, size = 0, 0
		}
		sh := make([]byte, shdrSize)
		binary.LittleEndian.PutUint32(sh[4:8], s.typ)
		binary.LittleEndian.PutUint64(sh[8:16], s.flags)
		binary.LittleEndian.PutUint64(sh[24:32], off)
		binary.LittleEndian.PutUint64(sh[32:40], size)
		binary.LittleEndian.PutUint32(sh[40:44], s.link)
		binary.LittleEndian.PutUint32(sh[44:48], s.info)
		out = append(out, sh...)
	}
	return out
}

// testSymbol is a symbol table entry; the name is interned by symbols.
type testSymbol struct {
	name  string
	value uint64
}

// symbols encodes a symbol table and its string table. Entry 0 is the
// reserved null symbol, so the symbol at position i in syms has index i+1.
func symbols(syms ...testSymbol) (symtab, strtab []byte) {
	strtab = []byte{0}
	symtab = make([]byte, symSize)
	for _, s := range syms {
		ent := make([]byte, symSize)
		binary.LittleEndian.PutUint32(ent[0:4], uint32(len(strtab)))
		binary.LittleEndian.PutUint64(ent[8:16], s.value)
		symtab = append(symtab, ent...)
		strtab = append(strtab, s.name...)
		strtab = append(strtab, 0)
	}
	return symtab, strtab
}

// testRel is one relocation entry.
type testRel struct {
	offset uint64
	sym    uint32
	typ    uint32
}

func rels(rs ...testRel) []byte {
	out := make([]byte, 0, len(rs)*relSize)
	for _, r := range rs {
		ent := make([]byte, relSize)
		binary.LittleEndian.PutUint64(ent[0:8], r.offset)
		binary.LittleEndian.PutUint64(ent[8:16], uint64(r.sym)<<32|uint64(r.typ))
		out = append(out, ent...)
	}
	return out
}

// object describes the common shape of a test object: text, optional data,
// and an optional relocation table against the text.
type object struct {
	text    []byte
	data    []byte
	syms    []testSymbol
	relocs  []testRel
	hasData bool
}

func (o object) builder() *elfBuilder {
	b := newELFBuilder()
	textIdx := b.add(testSection{typ: shtProgbits, flags: shfAlloc | shfExecInstr, data: o.text})
	if o.hasData || o.data != nil {
		b.add(testSection{typ: shtProgbits, flags: shfAlloc | shfWrite, data: o.data})
	}
	if len(o.relocs) > 0 {
		symtab, strtab := symbols(o.syms...)
		strIdx := b.add(testSection{typ: shtStrtab, data: strtab})
		symIdx := b.add(testSection{typ: shtSymtab, link: uint32(strIdx), data: symtab})
		b.add(testSection{typ: shtRel, link: uint32(symIdx), info: uint32(textIdx), data: rels(o.relocs...)})
	}
	return b
}

func (o object) build() []byte {
	return o.builder().bytes()
}

// findSection returns the first section of the given type.
func findSection(b *elfBuilder, typ uint32) *testSection {
	for i := range b.sections {
		if b.sections[i].typ == typ {
			return &b.sections[i]
		}
	}
	return nil
}
