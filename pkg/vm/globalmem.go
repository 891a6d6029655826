package vm

import "sync"

// GlobalMemory is the VM-owned region backing a program's data section.
//
// It is set exactly once per VM instance: the first Init allocates and
// fills it, every later Init returns the existing region untouched, even
// when called from a later load with a different data section.
type GlobalMemory struct {
	once sync.Once
	buf  []byte
}

// Init materializes the region from the data section bytes on first use and
// returns its base address.
func (g *GlobalMemory) Init(data []byte) uint64 {
	g.once.Do(func() {
		buf := make([]byte, len(data))
		copy(buf, data)
		g.buf = buf
	})
	return VaddrGlobal
}

// Initialized reports whether Init has run. An empty data section still
// yields a non-nil buffer.
func (g *GlobalMemory) Initialized() bool {
	return g.buf != nil
}

// Base returns the virtual base address of the region.
func (g *GlobalMemory) Base() uint64 {
	return VaddrGlobal
}

// Size returns the region length in bytes, or 0 before Init.
func (g *GlobalMemory) Size() int {
	return len(g.buf)
}

// Bytes returns the backing buffer. Writes through it are visible to the
// running program.
func (g *GlobalMemory) Bytes() []byte {
	return g.buf
}
