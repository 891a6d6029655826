// Package loader turns ELF64 relocatable object files into programs loaded
// on a vm.VM.
//
// LoadObject validates the ELF header and section table, locates the text
// section and the optional data section, patches call and data relocations
// into a private copy of the text, and hands the result to the VM's program
// loader. Every read of the input is bounds checked; a failed load leaves
// the VM without a program.
//
// A VM must not be loaded concurrently. Callers sharing a VM serialize
// LoadObject and Exec themselves.
package loader

import (
	"bytes"

	"github.com/go-kit/log/level"

	"github.com/fortiblox/bpfvm/pkg/vm"
)

// LoadObject loads the object file in data into v.
//
// Function relocations are resolved against the functions registered on v;
// data relocations initialize v's global memory from the data section the
// first time one is seen in the VM's lifetime.
func LoadObject(v *vm.VM, data []byte) error {
	b := bounds{data: data}

	h, err := parseHeader(b)
	if err != nil {
		return err
	}

	sections, err := parseSections(b, h)
	if err != nil {
		return err
	}

	text, dataSec, err := classify(sections)
	if err != nil {
		return err
	}

	logger := level.Debug(v.Logger())
	logger.Log("msg", "object parsed", "sections", len(sections), "text_index", text.index, "text_size", len(text.data), "has_data", dataSec != nil)

	work := bytes.Clone(text.data)
	if err := resolveRelocations(v, sections, text, dataSec, work); err != nil {
		return err
	}

	return v.Load(work)
}
