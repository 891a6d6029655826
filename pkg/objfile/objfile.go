// Package objfile reads object files from disk, transparently handling
// zstd-compressed objects.
package objfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// MaxObjectSize bounds the size of an object file after decompression.
const MaxObjectSize = 10 * 1024 * 1024 // 10 MB

// zstdMagic is the zstd frame magic number.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Errors.
var (
	ErrTooLarge            = errors.New("object file too large")
	ErrDecompressionFailed = errors.New("failed to decompress object file")
)

// Read loads the object file at path.
func Read(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxObjectSize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) > MaxObjectSize {
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, path)
	}
	return Decode(data)
}

// IsCompressed reports whether data starts with a zstd frame.
func IsCompressed(data []byte) bool {
	return bytes.HasPrefix(data, zstdMagic)
}

// Decode returns data decompressed if it is a zstd frame, or data itself.
func Decode(data []byte) ([]byte, error) {
	if !IsCompressed(data) {
		if len(data) > MaxObjectSize {
			return nil, ErrTooLarge
		}
		return data, nil
	}

	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxObjectSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompressionFailed, err)
	}
	defer decoder.Close()

	out, err := decoder.DecodeAll(data, nil)
	if err != nil {
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrTooLarge, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrDecompressionFailed, err)
	}
	if len(out) > MaxObjectSize {
		return nil, ErrTooLarge
	}
	return out, nil
}

// Compress returns data as a single zstd frame.
func Compress(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer encoder.Close()
	return encoder.EncodeAll(data, nil), nil
}
