package dispatch

import (
	"errors"
	"testing"

	"github.com/falklabs/snapfuzz/internal/backing"
	"github.com/falklabs/snapfuzz/internal/mem"
	"github.com/falklabs/snapfuzz/internal/regs"
	"github.com/falklabs/snapfuzz/internal/snapshot/snaptest"
	"github.com/falklabs/snapfuzz/internal/vmexit"
)

func newTestBacking(t *testing.T) *backing.Backing {
	t.Helper()
	return backing.NewRoot(nil)
}

// newBackedBacking builds a root backing over a snapshot with a
// three-page region starting at guest-physical 0, for the tests that
// need a page a write can actually resolve to.
func newBackedBacking(t *testing.T) *backing.Backing {
	t.Helper()
	return backing.NewRoot(snaptest.Build(t, 0, []byte{0, 0, 0}))
}

// TestRdtscZeroesAndAdvances covers the dispatch table's Rdtsc row.
func TestRdtscZeroesAndAdvances(t *testing.T) {
	var rf regs.File
	rf.Set(regs.Rax, 0xDEAD)
	rf.Set(regs.Rdx, 0xBEEF)
	rf.Set(regs.Rip, 0x1000)

	d := &Dispatcher{}
	outcome, err := d.Handle(nil, newTestBacking(t), &rf, vmexit.Exit{Kind: vmexit.KindRdtsc, InstLen: 2})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if outcome != OutcomeContinue {
		t.Fatalf("outcome = %v, want OutcomeContinue", outcome)
	}
	if rf.Get(regs.Rax) != 0 || rf.Get(regs.Rdx) != 0 {
		t.Fatalf("rdtsc did not zero RAX/RDX: rax=%#x rdx=%#x", rf.Get(regs.Rax), rf.Get(regs.Rdx))
	}
	if rf.Get(regs.Rip) != 0x1002 {
		t.Fatalf("rdtsc did not advance RIP: got %#x, want 0x1002", rf.Get(regs.Rip))
	}
}

// TestReadMsrAllowListEmulatesFsBase: rdmsr on IA32_FS_BASE returns
// the split FsBase value and advances RIP.
func TestReadMsrAllowListEmulatesFsBase(t *testing.T) {
	var rf regs.File
	rf.Set(regs.FsBase, 0x1122_3344_5566_7788)
	rf.Set(regs.Rcx, vmexit.MsrFsBase)
	rf.Set(regs.Rip, 0x2000)

	d := &Dispatcher{}
	outcome, err := d.Handle(nil, newTestBacking(t), &rf, vmexit.Exit{Kind: vmexit.KindReadMsr, InstLen: 2})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if outcome != OutcomeContinue {
		t.Fatalf("outcome = %v, want OutcomeContinue", outcome)
	}
	if got, want := rf.Get(regs.Rax), uint64(0x5566_7788); got != want {
		t.Fatalf("RAX = %#x, want %#x", got, want)
	}
	if got, want := rf.Get(regs.Rdx), uint64(0x1122_3344); got != want {
		t.Fatalf("RDX = %#x, want %#x", got, want)
	}
	if rf.Get(regs.Rip) != 0x2002 {
		t.Fatalf("RIP not advanced: got %#x", rf.Get(regs.Rip))
	}
}

// TestWriteMsrAllowListUpdatesGsBase covers the write side of the same
// allow-list.
func TestWriteMsrAllowListUpdatesGsBase(t *testing.T) {
	var rf regs.File
	rf.Set(regs.Rcx, vmexit.MsrGsBase)
	rf.Set(regs.Rax, 0xCAFE)
	rf.Set(regs.Rdx, 0xF00D)

	d := &Dispatcher{}
	if _, err := d.Handle(nil, newTestBacking(t), &rf, vmexit.Exit{Kind: vmexit.KindWriteMsr, InstLen: 2}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got, want := rf.Get(regs.GsBase), uint64(0xF00D0000CAFE); got != want {
		t.Fatalf("GsBase = %#x, want %#x", got, want)
	}
}

// TestReadMsrDisallowedIsFatal: any MSR outside the allow-list is a
// fatal programming error, not silently ignored.
func TestReadMsrDisallowedIsFatal(t *testing.T) {
	var rf regs.File
	rf.Set(regs.Rcx, 0x1234)

	d := &Dispatcher{}
	outcome, err := d.Handle(nil, newTestBacking(t), &rf, vmexit.Exit{Kind: vmexit.KindReadMsr})
	if outcome != OutcomeFatal || err == nil {
		t.Fatalf("disallowed MSR read: outcome=%v err=%v, want OutcomeFatal and an error", outcome, err)
	}
}

// TestCrAllowListRoundTrips covers ReadCr/WriteCr emulation for the
// three allowed control registers, keyed by GPR index.
func TestCrAllowListRoundTrips(t *testing.T) {
	var rf regs.File
	rf.Set(regs.Cr3, 0x9000)
	rf.Set(regs.Rax, 0) // GPR index 0 == RAX

	d := &Dispatcher{}
	if _, err := d.Handle(nil, newTestBacking(t), &rf, vmexit.Exit{Kind: vmexit.KindReadCr, Cr: 3, Gpr: 0}); err != nil {
		t.Fatalf("ReadCr: %v", err)
	}
	if got := rf.Get(regs.Rax); got != 0x9000 {
		t.Fatalf("ReadCr3 into RAX = %#x, want 0x9000", got)
	}

	rf.Set(regs.Rax, 0x4000)
	if _, err := d.Handle(nil, newTestBacking(t), &rf, vmexit.Exit{Kind: vmexit.KindWriteCr, Cr: 3, Gpr: 0}); err != nil {
		t.Fatalf("WriteCr: %v", err)
	}
	if got := rf.Get(regs.Cr3); got != 0x4000 {
		t.Fatalf("WriteCr3 from RAX = %#x, want 0x4000", got)
	}
}

// TestWriteCrDisallowedIsFatal covers the CR-access allow-list's
// rejection path (only CR0/CR3/CR4 are emulated).
func TestWriteCrDisallowedIsFatal(t *testing.T) {
	var rf regs.File
	d := &Dispatcher{}
	outcome, err := d.Handle(nil, newTestBacking(t), &rf, vmexit.Exit{Kind: vmexit.KindWriteCr, Cr: 8})
	if outcome != OutcomeFatal || err == nil {
		t.Fatalf("disallowed CR8 write: outcome=%v err=%v, want OutcomeFatal and an error", outcome, err)
	}
}

// TestEptViolationSurfacesUnresolvedAddress covers the "unresolvable
// guest memory ends the case" propagation policy.
func TestEptViolationSurfacesUnresolvedAddress(t *testing.T) {
	var rf regs.File
	b := newTestBacking(t) // root backing with no snapshot: everything is unresolvable
	d := &Dispatcher{}
	outcome, err := d.Handle(nil, b, &rf, vmexit.Exit{Kind: vmexit.KindEptViolation, Addr: 0x3000, Write: true})
	if outcome != OutcomeCaseDone || err == nil {
		t.Fatalf("unresolved EPT violation: outcome=%v err=%v, want OutcomeCaseDone and an error", outcome, err)
	}
}

// TestEptViolationResolvesMappedPage covers the continue path once
// translate succeeds.
func TestEptViolationResolvesMappedPage(t *testing.T) {
	var rf regs.File
	b := newBackedBacking(t)
	if _, err := b.WritePage(0x1000); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	d := &Dispatcher{}
	outcome, err := d.Handle(nil, b, &rf, vmexit.Exit{Kind: vmexit.KindEptViolation, Addr: 0x1000, Write: true})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if outcome != OutcomeContinue {
		t.Fatalf("outcome = %v, want OutcomeContinue", outcome)
	}
}

// TestExceptionNMIIsFatal covers the Exception(NMI) row.
func TestExceptionNMIIsFatal(t *testing.T) {
	var rf regs.File
	d := &Dispatcher{}
	outcome, err := d.Handle(nil, newTestBacking(t), &rf, vmexit.Exit{Kind: vmexit.KindExceptionNMI})
	if outcome != OutcomeFatal || err == nil {
		t.Fatalf("NMI: outcome=%v err=%v, want OutcomeFatal and an error", outcome, err)
	}
}

// TestExternalInterruptIgnoredWithoutRipAdvance covers the
// ExternalInterrupt row: no emulation, no RIP change, just continue.
func TestExternalInterruptIgnoredWithoutRipAdvance(t *testing.T) {
	var rf regs.File
	rf.Set(regs.Rip, 0x42)
	d := &Dispatcher{}
	outcome, err := d.Handle(nil, newTestBacking(t), &rf, vmexit.Exit{Kind: vmexit.KindExternalInterrupt})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if outcome != OutcomeContinue {
		t.Fatalf("outcome = %v, want OutcomeContinue", outcome)
	}
	if rf.Get(regs.Rip) != 0x42 {
		t.Fatalf("RIP changed on external interrupt: got %#x", rf.Get(regs.Rip))
	}
}

// TestPreemptionTimerRecordsCoverage covers the coverage-sampling row.
func TestPreemptionTimerRecordsCoverage(t *testing.T) {
	var rf regs.File
	rf.Set(regs.Rip, 0xABCD)
	var recorded uint64
	d := &Dispatcher{RecordCoverage: func(rip uint64) { recorded = rip }}
	outcome, err := d.Handle(nil, newTestBacking(t), &rf, vmexit.Exit{Kind: vmexit.KindPreemptionTimer})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if outcome != OutcomeContinue {
		t.Fatalf("outcome = %v, want OutcomeContinue", outcome)
	}
	if recorded != 0xABCD {
		t.Fatalf("RecordCoverage called with %#x, want 0xABCD", recorded)
	}
}

// TestPmlFullDrainsIntoMirror covers the PmlFull row's hand-off of the
// hardware buffer contents to the caller's software mirror.
func TestPmlFullDrainsIntoMirror(t *testing.T) {
	var rf regs.File
	b := newBackedBacking(t)
	if _, err := b.WritePage(0x2000); err != nil {
		t.Fatalf("WritePage: %v", err)
	}

	var drained []mem.GPA
	d := &Dispatcher{OnPmlDrain: func(pages []mem.GPA) { drained = pages }}
	outcome, err := d.Handle(nil, b, &rf, vmexit.Exit{Kind: vmexit.KindPmlFull})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if outcome != OutcomeContinue {
		t.Fatalf("outcome = %v, want OutcomeContinue", outcome)
	}
	if len(drained) != 512 {
		t.Fatalf("DrainFull callback got %d entries, want 512 (the full hardware buffer)", len(drained))
	}
}

// TestOtherFallsThroughToFilter covers the "Other" row: a configured
// filter can accept or decline an exit kind the table doesn't know.
func TestOtherFallsThroughToFilter(t *testing.T) {
	var rf regs.File
	called := false
	d := &Dispatcher{Filter: func(vmexit.Exit) error { called = true; return nil }}
	outcome, err := d.Handle(nil, newTestBacking(t), &rf, vmexit.Exit{Kind: vmexit.KindOther, Name: "io-instruction"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if outcome != OutcomeContinue || !called {
		t.Fatalf("filter-accepted Other exit: outcome=%v called=%v", outcome, called)
	}
}

// TestOtherWithoutFilterIsUnhandled covers the no-filter-configured
// fallback: the exit surfaces wrapped in ErrUnhandledExit.
func TestOtherWithoutFilterIsUnhandled(t *testing.T) {
	var rf regs.File
	d := &Dispatcher{}
	outcome, err := d.Handle(nil, newTestBacking(t), &rf, vmexit.Exit{Kind: vmexit.KindOther, Name: "io-instruction"})
	if outcome != OutcomeCaseDone || !errors.Is(err, ErrUnhandledExit) {
		t.Fatalf("unhandled Other exit: outcome=%v err=%v, want OutcomeCaseDone/ErrUnhandledExit", outcome, err)
	}
}
