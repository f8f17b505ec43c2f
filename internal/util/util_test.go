package util

import "testing"

func TestMin(t *testing.T) {
	if Min(3, 5) != 3 {
		t.Fatalf("Min(3, 5) != 3")
	}
	if Min(5, 3) != 3 {
		t.Fatalf("Min(5, 3) != 3")
	}
	if Min(uint64(7), uint64(7)) != 7 {
		t.Fatalf("Min(7, 7) != 7")
	}
}

func TestRoundingHelpers(t *testing.T) {
	if got := Rounddown(0x1234, 0x1000); got != 0x1000 {
		t.Fatalf("Rounddown(0x1234, 0x1000) = %#x, want 0x1000", got)
	}
	if got := Roundup(0x1001, 0x1000); got != 0x2000 {
		t.Fatalf("Roundup(0x1001, 0x1000) = %#x, want 0x2000", got)
	}
	if got := Roundup(0x1000, 0x1000); got != 0x1000 {
		t.Fatalf("Roundup(0x1000, 0x1000) = %#x, want 0x1000 (already aligned)", got)
	}
	if !PageAligned(0x2000, 0x1000) {
		t.Fatalf("PageAligned(0x2000, 0x1000) = false, want true")
	}
	if PageAligned(0x2001, 0x1000) {
		t.Fatalf("PageAligned(0x2001, 0x1000) = true, want false")
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	buf := make([]byte, 16)
	Write32(buf, 0, 0xDEADBEEF)
	Write64(buf, 8, 0x0102030405060708)

	if got := Read32(buf, 0); got != 0xDEADBEEF {
		t.Fatalf("Read32 = %#x, want 0xDEADBEEF", got)
	}
	if got := Read64(buf, 8); got != 0x0102030405060708 {
		t.Fatalf("Read64 = %#x, want 0x0102030405060708", got)
	}
	if got := Read8(buf, 0); got != 0xEF {
		t.Fatalf("Read8 = %#x, want the low byte of the 32-bit field (little-endian)", got)
	}
}
