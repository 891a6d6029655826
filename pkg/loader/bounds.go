package loader

// bounds guards every read of untrusted object-file bytes.
type bounds struct {
	data []byte
}

// window returns data[off:off+size]. It fails when the range runs past the
// end of the buffer or when off+size wraps around. The returned slice is
// capped at its end so appends cannot reach bytes beyond the window.
func (b bounds) window(off, size uint64) ([]byte, bool) {
	end := off + size
	if end < off || end > uint64(len(b.data)) {
		return nil, false
	}
	return b.data[off:end:end], true
}
