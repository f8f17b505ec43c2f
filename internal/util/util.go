// Package util contains small helpers shared across the fuzzer core:
// page-alignment arithmetic and fixed-width little-endian field access
// over byte slices (snapshot parsing, wire framing).
package util

import "encoding/binary"

// Int is satisfied by all built-in integer types.
type Int interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// Min returns the smaller of a and b.
func Min[T Int](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Rounddown aligns v down to the nearest multiple of b.
func Rounddown[T Int](v, b T) T {
	return v - (v % b)
}

// Roundup aligns v up to the nearest multiple of b.
func Roundup[T Int](v, b T) T {
	return Rounddown(v+b-1, b)
}

// PageAligned reports whether v is a multiple of pgsize.
func PageAligned[T Int](v, pgsize T) bool {
	return v%pgsize == 0
}

// Read8/32/64 pull little-endian fixed-width fields out of a byte
// slice, matching the FALKDUMP snapshot format and the wire
// protocol framing. They panic on a short buffer: a truncated
// snapshot or message is a fatal format violation, not a recoverable
// one.
func Read8(a []uint8, off int) uint8 {
	return a[off]
}

func Read32(a []uint8, off int) uint32 {
	return binary.LittleEndian.Uint32(a[off : off+4])
}

func Read64(a []uint8, off int) uint64 {
	return binary.LittleEndian.Uint64(a[off : off+8])
}

func Write32(a []uint8, off int, v uint32) {
	binary.LittleEndian.PutUint32(a[off:off+4], v)
}

func Write64(a []uint8, off int, v uint64) {
	binary.LittleEndian.PutUint64(a[off:off+8], v)
}
