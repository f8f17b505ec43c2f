// Package backing implements the copy-on-write guest-physical memory
// chain: a root backing over the shared master snapshot, and any
// number of forked backings layered on top of it, one per worker.
// Resolving a guest-physical page walks the fork chain from the
// worker's own private EPT up through its ancestors and finally into
// the snapshot's region map, exactly mirroring how a forked process's
// page tables fall back to its parent's until something writes.
package backing

import (
	"fmt"

	"github.com/falklabs/snapfuzz/internal/ept"
	"github.com/falklabs/snapfuzz/internal/mem"
	"github.com/falklabs/snapfuzz/internal/snapshot"
)

// Backing is one node in the CoW chain. The root node wraps the
// shared snapshot; every other node is a fork of some parent.
type Backing struct {
	parent *Backing
	snap   *snapshot.Snapshot // non-nil only at the root

	ept  *ept.Table
	pool *mem.Pool
}

// NewRoot creates the chain's root backing directly over snap. The
// root never takes page faults of its own in normal operation —
// workers fork off it — but it is a valid Backing in its own right,
// useful for single-worker tests.
func NewRoot(snap *snapshot.Snapshot) *Backing {
	return &Backing{
		snap: snap,
		ept:  ept.NewTable(),
		pool: mem.NewPool(),
	}
}

// Fork creates a new, independent backing layered on top of parent.
// The child starts with an empty private EPT: every page it has not
// yet touched resolves through parent.
func Fork(parent *Backing) *Backing {
	return &Backing{
		parent: parent,
		ept:    ept.NewTable(),
		pool:   mem.NewPool(),
	}
}

// EPT returns this backing's private extended page table, the one a
// Device's EPT() accessor should expose for a worker built on top of
// this backing.
func (b *Backing) EPT() *ept.Table { return b.ept }

// ErrNotMapped is returned when a guest-physical page is not backed
// anywhere in the chain: not locally, not by any ancestor, and not by
// the snapshot's region table. This is the "missing page" condition —
// an access outside of every region the snapshot described.
var ErrNotMapped = fmt.Errorf("backing: guest-physical page is not mapped")

// PristineBytes finds the bytes for the page containing gpa without
// installing any local mapping, walking local EPT, then the parent
// chain, then (at the root) the snapshot's region map. Unlike
// Translate/ReadPage/WritePage, this never touches b's own EPT or
// frame pool, so it is the one lookup path safe to call on a Backing
// that other goroutines may be reading through concurrently — in
// particular the session's shared master backing, which every
// worker's reset engine consults every case but which must stay
// immutable after session construction. Translate's Map/
// SetDirty calls are not: they mutate b.ept.entries (a plain map) and
// append to b.pool.frames (a plain slice), neither synchronized,
// which is safe only because every other caller of Translate owns its
// Backing exclusively (one worker, one forked Backing, one goroutine).
func (b *Backing) PristineBytes(gpa mem.GPA) ([]byte, bool) {
	if e, ok := b.ept.Lookup(gpa); ok {
		f := b.pool.Frame(e.Host)
		return f[:], true
	}
	if b.parent != nil {
		return b.parent.PristineBytes(gpa)
	}
	if b.snap != nil {
		return b.snap.PageBytes(uint64(gpa))
	}
	return nil, false
}

// Translate resolves gpa to a private, writable-if-requested host
// frame, installing whatever local EPT mapping is missing along the
// way (the three cases of the CoW fault path):
//
//   - already privately mapped and sufficiently permissioned: return
//     the existing frame.
//   - not privately mapped: pull the page through the parent chain
//     (or the snapshot, at the root) and install a private copy. A
//     write access marks the new mapping dirty immediately; a
//     read-only access installs it read-only and defers the dirty
//     transition until a write actually arrives.
//   - privately mapped read-only but a write arrives: promote the
//     existing private copy to writable and mark it dirty.
//
// Every locally mapped page is already a private copy in this pooled
// arena implementation (there is no way to "alias" a parent's frame
// directly the way a hardware EPT additionally permission-bit-gates a
// shared physical page) — so case B and case C collapse to the same
// permission-promotion step once the page has been copied in once.
// This trades the one-extra-copy-on-first-read cost a real EPT avoids
// for a much simpler host-side memory model; the dirty/PML semantics
// that matter to the reset engine are unaffected.
func (b *Backing) Translate(gpa mem.GPA, write bool) (*mem.Frame, error) {
	page := mem.PageAlign(gpa)

	if e, ok := b.ept.Lookup(page); ok {
		if !write || e.Perm&ept.PermW != 0 {
			if write {
				b.ept.SetDirty(page)
			}
			return b.pool.Frame(e.Host), nil
		}
		// Locally mapped read-only; promote in place.
		e.Perm |= ept.PermW
		b.ept.Map(page, e.Host, e.Perm)
		b.ept.SetDirty(page)
		return b.pool.Frame(e.Host), nil
	}

	src, ok := b.PristineBytes(page)
	if !ok {
		return nil, fmt.Errorf("%w: %#x", ErrNotMapped, uint64(page))
	}
	var srcFrame mem.Frame
	copy(srcFrame[:], src)
	frame, hpa := b.pool.AllocCopy(&srcFrame)

	perm := ept.PermR | ept.PermX
	if write {
		perm |= ept.PermW
	}
	b.ept.Map(page, hpa, perm)
	if write {
		b.ept.SetDirty(page)
	}
	return frame, nil
}

// ReadPage returns the current bytes of the page containing gpa
// without granting write access, resolving through the chain but not
// necessarily installing a local mapping for a page that is only
// ever read.
func (b *Backing) ReadPage(gpa mem.GPA) ([]byte, error) {
	f, err := b.Translate(gpa, false)
	if err != nil {
		return nil, err
	}
	return f[:], nil
}

// WritePage returns a private, writable copy of the page containing
// gpa, dirtying it.
func (b *Backing) WritePage(gpa mem.GPA) (*mem.Frame, error) {
	return b.Translate(gpa, true)
}

// RestorePage overwrites the local private copy of the page
// containing gpa with src, used by the reset engine to copy pristine
// snapshot bytes back over a page that a prior fuzz case dirtied. It
// does not touch the EPT's dirty bit or PML state — the reset engine
// clears the per-entry dirty bits and sets the table's Dirty flag once
// every dirtied page for the case has been restored.
func (b *Backing) RestorePage(gpa mem.GPA, src []byte) error {
	page := mem.PageAlign(gpa)
	e, ok := b.ept.Lookup(page)
	if !ok {
		return fmt.Errorf("backing: cannot restore unmapped page %#x", uint64(page))
	}
	frame := b.pool.Frame(e.Host)
	copy(frame[:], src)
	return nil
}

// ClearLocal drops this backing's own private mappings back to empty,
// used when a worker's fork is torn down and rebuilt from scratch
// rather than reset page by page.
func (b *Backing) ClearLocal() {
	b.ept = ept.NewTable()
	b.pool = mem.NewPool()
}
