// Package helpers provides the standard host functions exposed to bytecode.
//
// Each helper has a fixed index in the VM's function table. Object files
// reference helpers by name; the loader resolves the name to the index and
// patches it into the call instruction.
package helpers

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"math"

	"github.com/go-kit/log/level"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"

	"github.com/fortiblox/bpfvm/pkg/vm"
)

// Helper indices.
const (
	IndexLog = iota
	IndexGatherBytes
	IndexMemfrob
	IndexNoOp
	IndexSqrti
	IndexStrcmpExt
	IndexUnwind
	IndexBlake3
	IndexKeccak256
	IndexSha256
)

// Limits.
const (
	MaxLogMsgLen  = 10000
	MaxStringLen  = 4096
	MaxHashSlices = 100
	MaxMemOpSize  = 10 * 1024 * 1024
)

// Errors.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidLength   = errors.New("invalid length")
)

type helper struct {
	index uint32
	name  string
	fn    vm.Function
}

var standard = []helper{
	{IndexLog, "log", logMessage},
	{IndexGatherBytes, "gather_bytes", gatherBytes},
	{IndexMemfrob, "memfrob", memfrob},
	{IndexNoOp, "no_op", noOp},
	{IndexSqrti, "sqrti", sqrti},
	{IndexStrcmpExt, "strcmp_ext", strcmpExt},
	{IndexUnwind, "unwind", unwind},
	{IndexBlake3, "blake3", hashv(func() hash.Hash { return blake3.New() })},
	{IndexKeccak256, "keccak256", hashv(sha3.NewLegacyKeccak256)},
	{IndexSha256, "sha256", hashv(sha256.New)},
}

// Register installs every standard helper into v and marks unwind as the
// VM's unwind function.
func Register(v *vm.VM) error {
	for _, h := range standard {
		if err := v.RegisterFunction(h.index, h.name, h.fn); err != nil {
			return fmt.Errorf("register %s: %w", h.name, err)
		}
	}
	return v.SetUnwindFunction(IndexUnwind)
}

// Names returns the standard helper names in index order.
func Names() []string {
	names := make([]string, len(standard))
	for i, h := range standard {
		names[i] = h.name
	}
	return names
}

// log(ptr, len) writes a message through the VM logger.
func logMessage(m vm.Memory, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	n := r2
	if n > MaxLogMsgLen {
		n = MaxLogMsgLen
	}
	msg := make([]byte, n)
	if err := m.Read(r1, msg); err != nil {
		return 0, err
	}
	level.Info(m.Logger()).Log("msg", "program log", "text", string(msg))
	return 0, nil
}

// gather_bytes packs the low byte of each argument into one value, r1 most
// significant.
func gatherBytes(m vm.Memory, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	return uint64(uint8(r1))<<32 |
		uint64(uint8(r2))<<24 |
		uint64(uint8(r3))<<16 |
		uint64(uint8(r4))<<8 |
		uint64(uint8(r5)), nil
}

// memfrob(ptr, len) XORs each byte with 42 in place.
func memfrob(m vm.Memory, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	if r2 > MaxMemOpSize {
		return 0, ErrInvalidLength
	}
	mem, err := m.Translate(r1, r2, true)
	if err != nil {
		return 0, err
	}
	for i := range mem {
		mem[i] ^= 42
	}
	return 0, nil
}

func noOp(m vm.Memory, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	return 0, nil
}

// sqrti returns the integer square root of r1.
func sqrti(m vm.Memory, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	x := uint64(math.Sqrt(float64(r1)))
	// Correct float rounding at the edges of the 53-bit mantissa.
	for x > 0 && x > r1/x {
		x--
	}
	for (x+1) <= r1/(x+1) {
		x++
	}
	return x, nil
}

// strcmp_ext(a, b) compares two NUL-terminated strings.
func strcmpExt(m vm.Memory, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	a, err := readCString(m, r1)
	if err != nil {
		return 0, err
	}
	b, err := readCString(m, r2)
	if err != nil {
		return 0, err
	}
	return uint64(int64(bytes.Compare(a, b))), nil
}

// unwind returns its argument; a zero result stops the program.
func unwind(m vm.Memory, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	return r1, nil
}

// hashv builds a helper hashing a vector of (ptr, len) slices.
//
// r1 = address of an array of (ptr u64, len u64) pairs
// r2 = number of pairs
// r3 = address of the 32-byte result
func hashv(newHash func() hash.Hash) vm.Function {
	return func(m vm.Memory, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if r2 > MaxHashSlices {
			return 0, fmt.Errorf("%w: %d slices", ErrInvalidArgument, r2)
		}

		h := newHash()
		pair := make([]byte, 16)
		for i := uint64(0); i < r2; i++ {
			if err := m.Read(r1+i*16, pair); err != nil {
				return 0, err
			}
			ptr := binary.LittleEndian.Uint64(pair[:8])
			length := binary.LittleEndian.Uint64(pair[8:])
			if length > MaxMemOpSize {
				return 0, ErrInvalidLength
			}
			data, err := m.Translate(ptr, length, false)
			if err != nil {
				return 0, err
			}
			h.Write(data)
		}

		if err := m.Write(r3, h.Sum(nil)[:32]); err != nil {
			return 0, err
		}
		return 0, nil
	}
}

func readCString(m vm.Memory, addr uint64) ([]byte, error) {
	var out []byte
	for i := uint64(0); i < MaxStringLen; i++ {
		b, err := m.Translate(addr+i, 1, false)
		if err != nil {
			return nil, err
		}
		if b[0] == 0 {
			return out, nil
		}
		out = append(out, b[0])
	}
	return nil, fmt.Errorf("%w: string at 0x%x exceeds %d bytes", ErrInvalidLength, addr, MaxStringLen)
}
