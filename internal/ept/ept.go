// Package ept implements the extended-page-table library: translate,
// map, and dirty-bit semantics for guest-physical memory. It is
// deliberately small: a per-VM second-level page table from
// guest-physical page number to a host page entry carrying permission
// and dirty-bit state, plus the hardware page-modification log (PML)
// buffer the worker's software mirror is synced from.
//
// This is the concrete reference implementation standing in for a
// real VMX/SVM EPT; internal/vmexit.Device composes a Table the same
// way a real hypervisor wires its guest's EPTP to hardware.
package ept

import "github.com/falklabs/snapfuzz/internal/mem"

// Perm is a bitmask of EPT permission/state bits, named after the
// Intel SDM's EPT entry bits (read/write/execute, user-mode execute,
// WB memory type, accessed, dirty).
type Perm uint8

const (
	PermR Perm = 1 << iota
	PermW
	PermX
	PermUserX
	PermAccessed
	PermDirty
)

// Entry is one second-level (EPT) page-table entry.
type Entry struct {
	Host mem.HPA
	Perm Perm
}

func (e Entry) present() bool { return e.Perm != 0 }

// pmlCapacity is the hardware PML buffer's fixed entry count (512 on
// real VMX hardware); the index walks down from 511 to 0 and wraps to
// 0xFFFF on underflow per the Intel SDM, a documented hardware wart
// callers must account for when draining the buffer.
const pmlCapacity = 512

// Table is one worker's private EPT: the set of guest-physical pages
// it has mapped locally, plus the PML hardware buffer simulation.
type Table struct {
	entries map[mem.GPA]Entry

	// pml is the fixed-size hardware log buffer. pmlIndex points at
	// the next free slot counting down from pmlCapacity-1; when it
	// underflows it wraps to 0xFFFF exactly as real hardware does.
	pml      [pmlCapacity]mem.GPA
	pmlIndex uint16

	// Dirty is set whenever a mapping or a dirty bit changed and the
	// guest's EPT-backed TLB must be invalidated before the next VM
	// entry.
	Dirty bool

	// OnFull, when set, receives the buffer's full contents whenever a
	// push finds it already at capacity — the flush-on-full behavior a
	// real PmlFull exit provides, so no dirtied page is ever dropped
	// between explicit drains. Unset, a push into a full buffer loses
	// the entry.
	OnFull func(pages []mem.GPA)
}

// NewTable creates an empty EPT with the PML index at its reset value
// (511, i.e. "empty").
func NewTable() *Table {
	return &Table{
		entries:  make(map[mem.GPA]Entry),
		pmlIndex: pmlCapacity - 1,
	}
}

// Lookup returns the entry mapped at the page containing gpa, if any.
func (t *Table) Lookup(gpa mem.GPA) (Entry, bool) {
	e, ok := t.entries[mem.PageAlign(gpa)]
	return e, ok
}

// Map installs or replaces the mapping for the page containing gpa.
func (t *Table) Map(gpa mem.GPA, host mem.HPA, perm Perm) {
	t.entries[mem.PageAlign(gpa)] = Entry{Host: host, Perm: perm}
	t.Dirty = true
}

// SetDirty marks the page containing gpa as EPT-dirty without
// otherwise touching its mapping, pushing gpa's page onto the
// hardware PML buffer exactly once per 0→1 dirty transition. It
// reports whether this call performed that 0→1 transition, which the
// caller uses to decide whether to push to its software PML mirror.
func (t *Table) SetDirty(gpa mem.GPA) (transitioned bool) {
	page := mem.PageAlign(gpa)
	e := t.entries[page]
	if e.Perm&PermDirty != 0 {
		return false
	}
	e.Perm |= PermDirty | PermAccessed
	t.entries[page] = e
	t.Dirty = true
	t.pushPML(page)
	return true
}

// pushPML appends a dirtied page to the hardware PML buffer,
// signalling a flush (PmlFull) once the buffer is exhausted. Real
// hardware raises a PmlFull VM exit synchronously when the index
// underflows past 0; here we surface that by returning whether the
// buffer just filled, letting the caller at the vmexit dispatch layer
// decide when to drain it.
func (t *Table) pushPML(gpa mem.GPA) (full bool) {
	if t.pmlIndex == 0xFFFF {
		// The index underflowed past 0 without an intervening drain.
		// Flush through OnFull if wired, matching the PmlFull exit a
		// real guest would have taken before this push could happen.
		if t.OnFull == nil {
			return true
		}
		t.OnFull(t.DrainFull())
	}
	t.pml[t.pmlIndex] = gpa
	// The decrement past 0 wraps to 0xFFFF, the documented underflow
	// DrainRemainder relies on to treat the whole buffer as valid.
	t.pmlIndex--
	return t.pmlIndex == 0xFFFF
}

// DrainFull returns the entire hardware PML buffer contents and
// resets the index to its empty value (511), for the PmlFull exit
// handler.
func (t *Table) DrainFull() []mem.GPA {
	out := make([]mem.GPA, len(t.pml))
	copy(out, t.pml[:])
	t.pmlIndex = pmlCapacity - 1
	return out
}

// DrainRemainder returns the PML entries in [pmlIndex+1, 512) — the
// tail still holding valid entries at case end, before the next
// reset. The +1 is computed in uint16 arithmetic deliberately: when
// pmlIndex is 0xFFFF (the buffer filled and wrapped without an
// intervening drain), pmlIndex+1 wraps back to 0, so start becomes 0
// and the entire buffer is returned rather than nothing. Like
// DrainFull, it then resets the index to its empty value (511).
func (t *Table) DrainRemainder() []mem.GPA {
	start := t.pmlIndex + 1
	out := make([]mem.GPA, pmlCapacity-int(start))
	copy(out, t.pml[start:])
	t.pmlIndex = pmlCapacity - 1
	return out
}

// PmlIndexForTest exposes the raw index for white-box tests of the
// 0xFFFF underflow behavior.
func (t *Table) PmlIndexForTest() uint16 { return t.pmlIndex }

// SetPmlIndexForTest forces the index, used only to construct the
// documented 0xFFFF underflow scenario in tests.
func (t *Table) SetPmlIndexForTest(v uint16) { t.pmlIndex = v }

// ClearDirtyFlag resets the TLB-invalidation-needed flag after the
// caller has acted on it (entering the VM invalidates the TLB as a
// side effect of VMLAUNCH/VMRESUME when this bit was set).
func (t *Table) ClearDirtyFlag() { t.Dirty = false }

// ClearEntryDirty clears the per-page dirty bit for the page
// containing gpa without touching its permission bits, so the next
// write to that page is again seen as a fresh 0→1 transition. The
// reset engine calls this once per PML-reported page at the end of
// every fuzz case; it leaves read/write/execute permission alone,
// since the mapping itself persists across cases within one worker.
func (t *Table) ClearEntryDirty(gpa mem.GPA) {
	page := mem.PageAlign(gpa)
	e, ok := t.entries[page]
	if !ok {
		return
	}
	e.Perm &^= PermDirty
	t.entries[page] = e
}
