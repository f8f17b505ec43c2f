// Package addr resolves the four addressing modes a fuzzed guest's
// memory accesses can be expressed in — a guest-physical address
// taken as-is, a segment-base-plus-offset pair with no paging, a
// linear address that still needs a page walk, and a segment-relative
// virtual address that needs both — into guest-physical addresses,
// and layers byte-range read/write helpers on top that transparently
// split an access across a page boundary.
package addr

import (
	"github.com/falklabs/snapfuzz/internal/backing"
	"github.com/falklabs/snapfuzz/internal/mem"
	"github.com/falklabs/snapfuzz/internal/regs"
	"github.com/falklabs/snapfuzz/internal/util"
	"github.com/falklabs/snapfuzz/internal/walk"
)

// Kind tags which of the four addressing modes an Address uses.
type Kind int

const (
	// KindPhysical is already a guest-physical address.
	KindPhysical Kind = iota
	// KindSegOff adds a segment base to an offset; no paging.
	KindSegOff
	// KindLinear is a linear address that still needs a page walk.
	KindLinear
	// KindVirtual adds a segment base to an offset, then walks paging
	// on the result — the common case for guest virtual addresses.
	KindVirtual
)

// Address names one guest memory location under one of the four
// addressing modes.
type Address struct {
	Kind  Kind
	Seg   regs.Register // base register, meaningful for SegOff/Virtual
	Value uint64
}

// Physical wraps a guest-physical address.
func Physical(gpa uint64) Address { return Address{Kind: KindPhysical, Value: gpa} }

// SegOff wraps a segment:offset pair with no paging applied.
func SegOff(seg regs.Register, off uint64) Address {
	return Address{Kind: KindSegOff, Seg: seg, Value: off}
}

// Linear wraps a linear address requiring a page walk.
func Linear(v uint64) Address { return Address{Kind: KindLinear, Value: v} }

// Virtual wraps a segment-relative virtual address.
func Virtual(seg regs.Register, v uint64) Address {
	return Address{Kind: KindVirtual, Seg: seg, Value: v}
}

func (a Address) plus(delta uint64) Address {
	a.Value += delta
	return a
}

// Resolve converts a into the guest-physical address it currently
// names, walking page tables through b when the mode requires it.
func Resolve(b *backing.Backing, rf *regs.File, a Address) (mem.GPA, error) {
	switch a.Kind {
	case KindPhysical:
		return mem.GPA(a.Value), nil
	case KindSegOff:
		return mem.GPA(rf.Get(a.Seg) + a.Value), nil
	case KindLinear:
		return walk.Translate(b, rf, a.Value)
	default: // KindVirtual
		return walk.Translate(b, rf, rf.Get(a.Seg)+a.Value)
	}
}

// ReadBytes fills out with the bytes starting at a, re-resolving the
// address at every page boundary it crosses — a multi-page read is
// not a single contiguous guest-physical range, since each page may
// be backed independently anywhere in the CoW chain.
func ReadBytes(b *backing.Backing, rf *regs.File, a Address, out []byte) error {
	done := 0
	for done < len(out) {
		cur := a.plus(uint64(done))
		gpa, err := Resolve(b, rf, cur)
		if err != nil {
			return err
		}
		page, err := b.ReadPage(gpa)
		if err != nil {
			return err
		}
		off := mem.PageOffset(gpa)
		chunk := util.Min(uint64(len(out)-done), mem.PGSIZE-off)
		copy(out[done:done+int(chunk)], page[off:off+chunk])
		done += int(chunk)
	}
	return nil
}

// WriteBytes writes in to guest memory starting at a, dirtying and
// copying on write each page it touches, splitting at page boundaries
// exactly as ReadBytes does.
func WriteBytes(b *backing.Backing, rf *regs.File, a Address, in []byte) error {
	done := 0
	for done < len(in) {
		cur := a.plus(uint64(done))
		gpa, err := Resolve(b, rf, cur)
		if err != nil {
			return err
		}
		frame, err := b.WritePage(gpa)
		if err != nil {
			return err
		}
		off := mem.PageOffset(gpa)
		chunk := util.Min(uint64(len(in)-done), mem.PGSIZE-off)
		copy(frame[off:off+chunk], in[done:done+int(chunk)])
		done += int(chunk)
	}
	return nil
}

// Read64 / Write64 are convenience wrappers for the common case of a
// single 8-byte field, used by register-table walks and the module
// resolution helpers.
func Read64(b *backing.Backing, rf *regs.File, a Address) (uint64, error) {
	var buf [8]byte
	if err := ReadBytes(b, rf, a, buf[:]); err != nil {
		return 0, err
	}
	return util.Read64(buf[:], 0), nil
}

func Write64(b *backing.Backing, rf *regs.File, a Address, v uint64) error {
	var buf [8]byte
	util.Write64(buf[:], 0, v)
	return WriteBytes(b, rf, a, buf[:])
}
