// Package snaptest builds minimal, valid FALKDUMP images for tests
// that need a real *snapshot.Snapshot without a file on disk.
package snaptest

import (
	"bytes"
	"testing"

	"github.com/falklabs/snapfuzz/internal/mem"
	"github.com/falklabs/snapfuzz/internal/snapshot"
)

// Register blob block sizes, mirroring snapshot.parseRegisters' exact
// on-disk field layout: a version/size header pair, GPRs+RIP+RFLAGS,
// ten segment-shaped blocks (CS/DS/ES/FS/GS/SS/LDTR/TR/GDTR/IDTR),
// control registers, syscall/sysenter MSRs, reserved padding, DR7,
// then the FXSAVE area. An all-zero blob of the right length parses to
// a valid register file that is zero apart from the loader's fixups:
// CR4 bit 13 set and every segment's access rights marked unusable.
const (
	headerBlock = 8
	gprBlock    = 18 * 8
	segBlock    = 10 * 24
	ctrlBlock   = 5 * 8
	msrBlock    = 10 * 8
	reservedPad = 7 * 8
	dr7Block    = 8
	fxsaveBlock = 512

	// RegBlobLen is the full register blob's byte length.
	RegBlobLen = headerBlock + gprBlock + segBlock + ctrlBlock + msrBlock + reservedPad + dr7Block + fxsaveBlock
)

func putU64(b []byte, off int, v uint64) {
	for i := 0; i < 8; i++ {
		b[off+i] = byte(v >> (8 * i))
	}
}

// Build parses and returns a snapshot holding a single region starting
// at guest-physical start, one page per entry of fills, each page
// filled with its entry's byte. The register blob is all zeros, so the
// register file is zero apart from the loader's fixups. start
// must be page-aligned.
func Build(t testing.TB, start uint64, fills []byte) *snapshot.Snapshot {
	t.Helper()
	if start&mem.PGOFFSET != 0 {
		t.Fatalf("snaptest: region start %#x is not page-aligned", start)
	}
	if len(fills) == 0 {
		t.Fatalf("snaptest: a region needs at least one page")
	}

	blob := make([]byte, 0, 16+RegBlobLen+8+24+(len(fills)+1)*mem.PGSIZE)
	blob = append(blob, "FALKDUMP"...)
	blob = append(blob, make([]byte, 8)...)
	putU64(blob, 8, uint64(RegBlobLen))
	blob = append(blob, make([]byte, RegBlobLen)...)

	blob = append(blob, make([]byte, 8)...)
	putU64(blob, len(blob)-8, 1) // one region

	// The page contents must start on a page boundary in the file:
	// PageBytes rejects a computed file offset with in-page bits set.
	dataOff := (uint64(len(blob)) + 24 + mem.PGSIZE - 1) &^ uint64(mem.PGOFFSET)
	region := make([]byte, 24)
	putU64(region, 0, start)
	putU64(region, 8, start+uint64(len(fills))*mem.PGSIZE-1)
	putU64(region, 16, dataOff)
	blob = append(blob, region...)
	blob = append(blob, make([]byte, int(dataOff)-len(blob))...)
	for _, fill := range fills {
		blob = append(blob, bytes.Repeat([]byte{fill}, mem.PGSIZE)...)
	}

	snap, err := snapshot.Parse(blob)
	if err != nil {
		t.Fatalf("snaptest: Parse: %v", err)
	}
	return snap
}
