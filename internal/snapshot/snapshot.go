// Package snapshot parses the FALKDUMP snapshot format: a frozen
// register file, an ordered set of guest-physical regions, and the
// raw page bytes those regions index into. The register blob's field
// order and the post-load segment-register filters are pinned down
// precisely, for cross-implementation compatibility with other
// FALKDUMP producers and consumers.
package snapshot

import (
	"fmt"
	"sort"

	"github.com/falklabs/snapfuzz/internal/mem"
	"github.com/falklabs/snapfuzz/internal/regs"
	"github.com/falklabs/snapfuzz/internal/util"
)

const magic = "FALKDUMP"

// Region describes one guest-physical range backed by the snapshot
// file, with page-aligned bounds.
type Region struct {
	Start        uint64 // guest_phys_start
	EndInclusive uint64 // guest_phys_end_inclusive
	FileOffset   uint64
}

// Snapshot is the immutable, shared master snapshot: registers plus
// the ordered region map over a read-only byte blob.
type Snapshot struct {
	Regs    *regs.File
	regions []Region // sorted ascending by Start, for binary search
	blob    []byte
}

// Regions returns the parsed region list in ascending Start order.
func (s *Snapshot) Regions() []Region { return s.regions }

// Parse decodes a FALKDUMP image already resident in memory (e.g. a
// read-only mmap from MapReadOnly in netmap.go, or any []byte in tests).
// It returns an error for any format violation, which is fatal at
// session construction.
func Parse(blob []byte) (*Snapshot, error) {
	if len(blob) < 16 || string(blob[:8]) != magic {
		return nil, fmt.Errorf("snapshot: bad magic (want %q)", magic)
	}
	regsSize := util.Read64(blob, 8)
	regsStart := 16
	regsEnd := regsStart + int(regsSize)
	if regsEnd > len(blob) {
		return nil, fmt.Errorf("snapshot: register blob overruns file (size=%d)", regsSize)
	}

	rf, err := parseRegisters(blob[regsStart:regsEnd])
	if err != nil {
		return nil, err
	}

	cursor := regsEnd
	if cursor+8 > len(blob) {
		return nil, fmt.Errorf("snapshot: truncated region count")
	}
	count := util.Read64(blob, cursor)
	cursor += 8

	regions := make([]Region, 0, count)
	for i := uint64(0); i < count; i++ {
		if cursor+24 > len(blob) {
			return nil, fmt.Errorf("snapshot: truncated region table at entry %d", i)
		}
		start := util.Read64(blob, cursor)
		end := util.Read64(blob, cursor+8)
		offset := util.Read64(blob, cursor+16)
		cursor += 24

		if !(end > start && start&mem.PGOFFSET == 0 && end&mem.PGOFFSET == mem.PGOFFSET) {
			return nil, fmt.Errorf("snapshot: region %d has misaligned bounds [%#x, %#x]", i, start, end)
		}
		regions = append(regions, Region{Start: start, EndInclusive: end, FileOffset: offset})
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].Start < regions[j].Start })

	return &Snapshot{Regs: rf, regions: regions, blob: blob}, nil
}

// LookupRegion finds the region whose range contains gpa: the largest
// region with Start <= gpa, requiring gpa <= EndInclusive.
func (s *Snapshot) LookupRegion(gpa uint64) (Region, bool) {
	// sort.Search finds the first index whose Start > gpa; the region
	// we want, if any, is the one just before it.
	i := sort.Search(len(s.regions), func(i int) bool {
		return s.regions[i].Start > gpa
	})
	if i == 0 {
		return Region{}, false
	}
	r := s.regions[i-1]
	if gpa > r.EndInclusive {
		return Region{}, false
	}
	return r, true
}

// PageBytes returns the 4 KiB page of the snapshot blob containing
// gpa, or false if gpa falls outside every region. The returned slice
// aliases the snapshot's backing storage and must never be mutated —
// callers that need a private copy go through mem.Pool.AllocCopy.
func (s *Snapshot) PageBytes(gpa uint64) ([]byte, bool) {
	aligned := gpa &^ uint64(mem.PGOFFSET)
	r, ok := s.LookupRegion(aligned)
	if !ok {
		return nil, false
	}
	off := r.FileOffset + (aligned - r.Start)
	if off&mem.PGOFFSET != 0 {
		// A format violation: the computed file offset for a
		// page-aligned gpa must itself land on a page boundary.
		return nil, false
	}
	if off+mem.PGSIZE > uint64(len(s.blob)) {
		return nil, false
	}
	page := s.blob[off : off+mem.PGSIZE]
	// Touch the first byte so a page that has never been faulted in
	// from the network-mapped file is resident before its address is
	// handed out.
	_ = page[0]
	return page, true
}

// parseRegisters decodes the register blob in its on-disk field
// order: a version/size header pair, general-purpose registers, RIP/RFLAGS, the eight segment
// registers (each selector/limit/access-rights/reserved/base), the
// GDTR/IDTR descriptor-table registers, the control registers, the
// model-specific registers used for syscall/sysenter and swapgs, a
// block of reserved padding, the debug register DR7, and finally the
// 512-byte FXSAVE area.
func parseRegisters(b []byte) (*regs.File, error) {
	const (
		headerBlock  = 8      // version:u32, size:u32
		gprBlock     = 18 * 8 // RAX..R15, RIP, RFLAGS
		segBlockSize = 24     // selector:u32 limit:u32 access:u32 reserved:u32 base:u64
		numSegs      = 10     // CS DS ES FS GS SS LDTR TR GDTR IDTR
		ctrlBlock    = 5 * 8  // CR0 reserved CR2 CR3 CR4
		msrBlock     = 10 * 8 // KernelGsBase CR8 CSTAR LSTAR FMASK STAR SYSENTER_* EFER
		reservedPad  = 7 * 8
		dr7Block     = 8
		fxsaveBlock  = 512
	)
	want := headerBlock + gprBlock + numSegs*segBlockSize + ctrlBlock + msrBlock + reservedPad + dr7Block + fxsaveBlock
	if len(b) != want {
		return nil, fmt.Errorf("snapshot: register blob is %d bytes, want %d", len(b), want)
	}

	rf := &regs.File{}
	// version:u32 and size:u32 lead the blob; neither affects how the
	// rest decodes, so they are skipped rather than stored.
	off := headerBlock
	readReg := func(r regs.Register) {
		rf.Set(r, util.Read64(b, off))
		off += 8
	}

	for _, r := range []regs.Register{
		regs.Rax, regs.Rbx, regs.Rcx, regs.Rdx, regs.Rsi, regs.Rdi, regs.Rsp, regs.Rbp,
		regs.R8, regs.R9, regs.R10, regs.R11, regs.R12, regs.R13, regs.R14, regs.R15,
		regs.Rip, regs.Rflags,
	} {
		readReg(r)
	}

	type segRegs struct{ sel, limit, access, base regs.Register }
	segs := []segRegs{
		{regs.Cs, regs.CsLimit, regs.CsAccessRights, regs.CsBase},
		{regs.Ds, regs.DsLimit, regs.DsAccessRights, regs.DsBase},
		{regs.Es, regs.EsLimit, regs.EsAccessRights, regs.EsBase},
		{regs.Fs, regs.FsLimit, regs.FsAccessRights, regs.FsBase},
		{regs.Gs, regs.GsLimit, regs.GsAccessRights, regs.GsBase},
		{regs.Ss, regs.SsLimit, regs.SsAccessRights, regs.SsBase},
		{regs.Ldtr, regs.LdtrLimit, regs.LdtrAccessRights, regs.LdtrBase},
		{regs.Tr, regs.TrLimit, regs.TrAccessRights, regs.TrBase},
	}
	for _, s := range segs {
		rf.Set(s.sel, uint64(util.Read32(b, off)))
		off += 4
		rf.Set(s.limit, uint64(util.Read32(b, off)))
		off += 4
		rf.Set(s.access, uint64(util.Read32(b, off)>>8))
		off += 4
		off += 4 // reserved
		rf.Set(s.base, util.Read64(b, off))
		off += 8
	}

	// GDTR and IDTR reuse the segment-register block's shape, with
	// only limit and base meaningful.
	off += 4 // reserved
	rf.Set(regs.GdtrLimit, uint64(util.Read32(b, off)))
	off += 4
	off += 8 // reserved/reserved
	rf.Set(regs.GdtrBase, util.Read64(b, off))
	off += 8

	off += 4
	rf.Set(regs.IdtrLimit, uint64(util.Read32(b, off)))
	off += 4
	off += 8
	rf.Set(regs.IdtrBase, util.Read64(b, off))
	off += 8

	rf.Set(regs.Cr0, util.Read64(b, off))
	off += 8
	off += 8 // reserved
	rf.Set(regs.Cr2, util.Read64(b, off))
	off += 8
	rf.Set(regs.Cr3, util.Read64(b, off))
	off += 8
	rf.Set(regs.Cr4, util.Read64(b, off)|(1<<13))
	off += 8

	for _, r := range []regs.Register{
		regs.KernelGsBase, regs.Cr8, regs.CStar, regs.LStar, regs.FMask, regs.Star,
		regs.SysenterCs, regs.SysenterEsp, regs.SysenterEip, regs.Efer,
	} {
		readReg(r)
	}

	off += reservedPad

	rf.Set(regs.Dr7, util.Read64(b, off))
	off += 8

	copy(rf.FxSave[:], b[off:off+fxsaveBlock])
	off += fxsaveBlock

	applySegmentFilters(rf)
	return rf, nil
}

// applySegmentFilters reproduces the post-load normalization FALKDUMP
// consumers apply to segment state before first VM entry: when long
// mode is enabled (EFER.LME), segment limits ES/CS/SS/DS/FS/GS are
// architecturally ignored and zeroed for clarity; then, per segment
// (ES/CS/SS/DS/FS/GS plus LDTR/TR), a segment whose access-rights
// present bit (bit 7) is clear is marked unusable (access rights
// forced to 0x10000) and otherwise has its G-bit (bit 15) cleared
// whenever its low 12 limit bits aren't all set, since a byte-granular
// limit can't have the 4 KiB granularity bit meaningfully set.
func applySegmentFilters(rf *regs.File) {
	const lmeBit = 1 << 8
	longMode := rf.Get(regs.Efer)&lmeBit != 0

	// ES/CS/SS/DS/FS/GS take the limit-zeroing in long mode; LDTR/TR
	// do not (they name system descriptors, not data/code segments),
	// but all eight get the present/granularity fixups below.
	type seg struct {
		limit, access regs.Register
		zeroLimit     bool
	}
	segs := []seg{
		{regs.EsLimit, regs.EsAccessRights, true},
		{regs.CsLimit, regs.CsAccessRights, true},
		{regs.SsLimit, regs.SsAccessRights, true},
		{regs.DsLimit, regs.DsAccessRights, true},
		{regs.FsLimit, regs.FsAccessRights, true},
		{regs.GsLimit, regs.GsAccessRights, true},
		{regs.LdtrLimit, regs.LdtrAccessRights, false},
		{regs.TrLimit, regs.TrAccessRights, false},
	}
	const accessPresent = 1 << 7
	const accessUnusable = 1 << 16
	const accessGranularity = 1 << 15
	for _, s := range segs {
		if longMode && s.zeroLimit {
			rf.Set(s.limit, 0)
		}
		access := rf.Get(s.access)
		if access&accessPresent == 0 {
			rf.Set(s.access, accessUnusable)
			continue
		}
		if rf.Get(s.limit)&0xFFF != 0xFFF {
			rf.Set(s.access, access&^accessGranularity)
		}
	}
}
