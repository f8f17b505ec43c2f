// Package reset implements the reset engine: the per-fuzz-case undo
// of everything a guest run could have changed. Dirtied pages are
// copied back from the master backing byte for byte rather than
// unmapped and re-faulted, trading a little memory bandwidth for
// never touching the allocator on the hot path; the full register
// file is restored from the master snapshot; and the per-entry EPT
// dirty bits for the pages just restored are cleared so the next
// case's first write to them is seen as a fresh transition.
package reset

import (
	"fmt"

	"github.com/falklabs/snapfuzz/internal/backing"
	"github.com/falklabs/snapfuzz/internal/mem"
	"github.com/falklabs/snapfuzz/internal/regs"
	"github.com/falklabs/snapfuzz/internal/vmexit"
)

// Engine resets a single worker's state back to the master snapshot
// between fuzz cases.
type Engine struct {
	Master     *backing.Backing
	MasterRegs *regs.File
}

// NewEngine builds a reset engine bound to the shared master backing
// and its pristine register file.
func NewEngine(master *backing.Backing, masterRegs *regs.File) *Engine {
	return &Engine{Master: master, MasterRegs: masterRegs}
}

// Reset restores b and rf to the master's state, using touched to
// know exactly which guest-physical pages this case dirtied (the
// caller derives touched from the worker's PML mirror — the pages
// reported via PmlFull drains during the case plus the tail drained
// at case end). It reads the master through PristineBytes rather than
// ReadPage/Translate: every worker's Engine shares the same e.Master,
// so the read path here must never install a mapping into it.
func (e *Engine) Reset(dev vmexit.Device, b *backing.Backing, rf *regs.File, touched []mem.GPA) error {
	for _, gpa := range touched {
		pristine, ok := e.Master.PristineBytes(gpa)
		if !ok {
			return fmt.Errorf("reset: restoring %#x: %w", uint64(gpa), backing.ErrNotMapped)
		}
		if err := b.RestorePage(gpa, pristine); err != nil {
			return fmt.Errorf("reset: restoring %#x: %w", uint64(gpa), err)
		}
		b.EPT().ClearEntryDirty(gpa)
	}
	if len(touched) > 0 {
		// The copy-back does not alter mappings but the per-entry dirty
		// bits just changed, so the next VM entry must invalidate the
		// EPT-backed TLB.
		b.EPT().Dirty = true
	}

	rf.CopyFrom(e.MasterRegs)
	dev.Reset()
	return nil
}
