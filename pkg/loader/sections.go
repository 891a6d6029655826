package loader

// classify picks the text and data sections. The first match in index order
// wins; the null section at index 0 is skipped. A missing data section is
// not an error here.
func classify(sections []section) (text, data *section, err error) {
	for i := 1; i < len(sections); i++ {
		s := &sections[i]
		if s.hdr.Type != shtProgbits {
			continue
		}
		switch s.hdr.Flags {
		case shfAlloc | shfExecInstr:
			if text == nil {
				text = s
			}
		case shfAlloc | shfWrite:
			if data == nil {
				data = s
			}
		}
	}
	if text == nil {
		return nil, nil, errorf(ErrNoTextSection, "text section not found")
	}
	return text, data, nil
}
