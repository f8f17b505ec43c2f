// Package walk implements the guest-virtual to guest-physical address
// translation the x86-64 architecture defines for each of its three
// live paging modes, reading page-table entries out of guest memory
// through a backing.Backing exactly as hardware would read them out
// of guest-physical memory during a real page walk.
package walk

import (
	"fmt"

	"github.com/falklabs/snapfuzz/internal/backing"
	"github.com/falklabs/snapfuzz/internal/mem"
	"github.com/falklabs/snapfuzz/internal/regs"
	"github.com/falklabs/snapfuzz/internal/util"
)

// Mode names which paging structure format is active, derived from
// CR0.PG, CR4.PAE, and EFER.LME.
type Mode int

const (
	// NoPaging means CR0.PG is clear: linear addresses are physical
	// addresses, unmodified.
	NoPaging Mode = iota
	// Bits32 is legacy 2-level, 4-byte-PTE paging (CR4.PAE clear).
	Bits32
	// PAE is 3-level, 8-byte-PTE paging without long mode.
	PAE
	// FourLevel is long-mode 4-level paging.
	FourLevel
	// Invalid marks the architecturally illegal combination EFER.LME=1
	// with CR4.PAE=0: long mode cannot be active without PAE, so there
	// is no paging structure format to walk.
	Invalid
)

const (
	cr0PG    = 1 << 31
	cr4PAE   = 1 << 5
	eferLME  = 1 << 8
	pteP     = 1 << 0
	pteW     = 1 << 1
	ptePS    = 1 << 7
	addrMask = 0x000F_FFFF_FFFF_F000
)

// ModeOf derives the active paging mode from a register file's
// control and extended-feature registers.
func ModeOf(rf *regs.File) Mode {
	if rf.Get(regs.Cr0)&cr0PG == 0 {
		return NoPaging
	}
	if rf.Get(regs.Cr4)&cr4PAE == 0 {
		if rf.Get(regs.Efer)&eferLME != 0 {
			return Invalid
		}
		return Bits32
	}
	if rf.Get(regs.Efer)&eferLME == 0 {
		return PAE
	}
	return FourLevel
}

// ErrNotPresent is returned for a page-table entry with its present
// bit clear, the guest-visible "page fault" condition a translation
// can hit.
var ErrNotPresent = fmt.Errorf("walk: page table entry not present")

// ErrInvalidMode is returned when the control registers describe the
// architecturally illegal EFER.LME=1/CR4.PAE=0 combination.
var ErrInvalidMode = fmt.Errorf("walk: EFER.LME set without CR4.PAE")

// Translate resolves a guest-linear address to a guest-physical
// address under the paging mode currently active in rf, walking
// whatever page-table levels that mode requires through b.
func Translate(b *backing.Backing, rf *regs.File, linear uint64) (mem.GPA, error) {
	switch ModeOf(rf) {
	case NoPaging:
		return mem.GPA(linear), nil
	case Bits32:
		return walk32(b, rf, linear)
	case PAE:
		return walkPAE(b, rf, linear)
	case FourLevel:
		return walk4(b, rf, linear)
	default:
		return 0, ErrInvalidMode
	}
}

// readEntry32 reads one 4-byte entry from a page-aligned, 1024-entry
// legacy page table or page directory.
func readEntry32(b *backing.Backing, tableBase uint64, index uint64) (uint32, error) {
	page, err := b.ReadPage(mem.GPA(tableBase))
	if err != nil {
		return 0, err
	}
	return util.Read32(page, int(index*4)), nil
}

// walk32 implements legacy 2-level paging: a 1024-entry page
// directory (4 MiB super pages via PS) over 1024-entry page tables.
func walk32(b *backing.Backing, rf *regs.File, linear uint64) (mem.GPA, error) {
	pdBase := rf.Get(regs.Cr3) & 0xFFFF_F000
	pdIndex := (linear >> 22) & 0x3FF

	pde, err := readEntry32(b, pdBase, pdIndex)
	if err != nil {
		return 0, err
	}
	if pde&pteP == 0 {
		return 0, ErrNotPresent
	}
	if pde&ptePS != 0 {
		base := uint64(pde) & 0xFFC0_0000
		return mem.GPA(base | (linear & 0x003F_FFFF)), nil
	}

	ptBase := uint64(pde) & 0xFFFF_F000
	ptIndex := (linear >> 12) & 0x3FF
	pte, err := readEntry32(b, ptBase, ptIndex)
	if err != nil {
		return 0, err
	}
	if pte&pteP == 0 {
		return 0, ErrNotPresent
	}
	base := uint64(pte) & 0xFFFF_F000
	return mem.GPA(base | (linear & mem.PGOFFSET)), nil
}

// walkPAE implements 3-level PAE paging: a 4-entry page-directory
// pointer table, 512-entry page directories (2 MiB super pages via
// PS), and 512-entry page tables, all with 8-byte entries.
func walkPAE(b *backing.Backing, rf *regs.File, linear uint64) (mem.GPA, error) {
	pdptBase := rf.Get(regs.Cr3) & 0xFFFF_FFE0
	pdptIndex := (linear >> 30) & 0x3

	pdpte, err := readPaeEntry(b, pdptBase, pdptIndex)
	if err != nil {
		return 0, err
	}
	if pdpte&pteP == 0 {
		return 0, ErrNotPresent
	}

	pdBase := pdpte & addrMask
	pdIndex := (linear >> 21) & 0x1FF
	pde, err := readPaeEntry(b, pdBase, pdIndex)
	if err != nil {
		return 0, err
	}
	if pde&pteP == 0 {
		return 0, ErrNotPresent
	}
	if pde&ptePS != 0 {
		base := pde & 0x000F_FFFF_FFE0_0000
		return mem.GPA(base | (linear & 0x1F_FFFF)), nil
	}

	ptBase := pde & addrMask
	ptIndex := (linear >> 12) & 0x1FF
	pte, err := readPaeEntry(b, ptBase, ptIndex)
	if err != nil {
		return 0, err
	}
	if pte&pteP == 0 {
		return 0, ErrNotPresent
	}
	base := pte & addrMask
	return mem.GPA(base | (linear & mem.PGOFFSET)), nil
}

// readPaeEntry reads one 8-byte PAE/4-level table entry. tableBase
// must be page-aligned except for the 4-entry PDPT, which PAE permits
// to start on a 32-byte boundary; either way the entry at index sits
// somewhere inside the single page starting at tableBase's page
// alignment.
func readPaeEntry(b *backing.Backing, tableBase uint64, index uint64) (uint64, error) {
	aligned := tableBase &^ mem.PGOFFSET
	inPageOffset := (tableBase & mem.PGOFFSET) + index*8
	page, err := b.ReadPage(mem.GPA(aligned))
	if err != nil {
		return 0, err
	}
	return util.Read64(page, int(inPageOffset%mem.PGSIZE)), nil
}

// walk4 implements long-mode 4-level paging: PML4, page-directory
// pointer table (1 GiB super pages via PS), page directory (2 MiB
// super pages via PS), and page table, all 512-entry/8-byte.
func walk4(b *backing.Backing, rf *regs.File, linear uint64) (mem.GPA, error) {
	pml4Base := rf.Get(regs.Cr3) & addrMask
	pml4Index := (linear >> 39) & 0x1FF

	pml4e, err := readPaeEntry(b, pml4Base, pml4Index)
	if err != nil {
		return 0, err
	}
	if pml4e&pteP == 0 {
		return 0, ErrNotPresent
	}

	pdptBase := pml4e & addrMask
	pdptIndex := (linear >> 30) & 0x1FF
	pdpte, err := readPaeEntry(b, pdptBase, pdptIndex)
	if err != nil {
		return 0, err
	}
	if pdpte&pteP == 0 {
		return 0, ErrNotPresent
	}
	if pdpte&ptePS != 0 {
		base := pdpte & 0x000F_FFFF_C000_0000
		return mem.GPA(base | (linear & 0x3FFF_FFFF)), nil
	}

	pdBase := pdpte & addrMask
	pdIndex := (linear >> 21) & 0x1FF
	pde, err := readPaeEntry(b, pdBase, pdIndex)
	if err != nil {
		return 0, err
	}
	if pde&pteP == 0 {
		return 0, ErrNotPresent
	}
	if pde&ptePS != 0 {
		base := pde & 0x000F_FFFF_FFE0_0000
		return mem.GPA(base | (linear & 0x1F_FFFF)), nil
	}

	ptBase := pde & addrMask
	ptIndex := (linear >> 12) & 0x1FF
	pte, err := readPaeEntry(b, ptBase, ptIndex)
	if err != nil {
		return 0, err
	}
	if pte&pteP == 0 {
		return 0, ErrNotPresent
	}
	base := pte & addrMask
	return mem.GPA(base | (linear & mem.PGOFFSET)), nil
}
