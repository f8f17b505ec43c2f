package session

import (
	"context"
	"testing"

	"github.com/falklabs/snapfuzz/internal/coverage"
	"github.com/falklabs/snapfuzz/internal/ept"
	"github.com/falklabs/snapfuzz/internal/mem"
	"github.com/falklabs/snapfuzz/internal/regs"
	"github.com/falklabs/snapfuzz/internal/snapshot"
	"github.com/falklabs/snapfuzz/internal/snapshot/snaptest"
	"github.com/falklabs/snapfuzz/internal/vmexit"
)

// buildSnapshot returns a snapshot with a single page-aligned region
// at guest-physical 0x1000 filled with pageByte.
func buildSnapshot(t *testing.T, pageByte byte) *snapshot.Snapshot {
	t.Helper()
	return snaptest.Build(t, 0x1000, []byte{pageByte})
}

// stopDevice is a scripted Device wrapper that always returns a
// KindOther exit, ending the current fuzz case immediately (no
// VMExitFilter is configured in these tests, so dispatch.Handle falls
// through to ErrUnhandledExit on any exit it doesn't otherwise know).
type stopDevice struct {
	regs   regs.File
	fxsave regs.FxSave
	ept    *ept.Table
}

func newStopDevice() *stopDevice { return &stopDevice{ept: ept.NewTable()} }

func (d *stopDevice) Reg(r regs.Register) uint64       { return d.regs.Get(r) }
func (d *stopDevice) SetReg(r regs.Register, v uint64) { d.regs.Set(r, v) }
func (d *stopDevice) FxSave() regs.FxSave              { return d.fxsave }
func (d *stopDevice) SetFxSave(f regs.FxSave)          { d.fxsave = f }
func (d *stopDevice) EPT() *ept.Table                  { return d.ept }
func (d *stopDevice) Reset()                           {}
func (d *stopDevice) Run(ctx context.Context) (vmexit.Exit, uint64, error) {
	return vmexit.Exit{Kind: vmexit.KindOther, Name: "stop"}, 1, nil
}

// TestFuzzCaseResetFidelity: a worker's write lands in its PML
// mirror by case end, and replaying the reset engine against that
// mirror restores the master's pristine byte.
func TestFuzzCaseResetFidelity(t *testing.T) {
	snap := buildSnapshot(t, 0x00)
	sess := New(Config{
		Inject: func(w *Worker) error { return w.WritePhys(0x1000, []byte{0xAA}) },
	}, snap, 1)

	w := sess.NewWorker(newStopDevice())
	if _, err := w.FuzzCase(context.Background()); err != nil {
		t.Fatalf("FuzzCase: %v", err)
	}

	if len(w.pmlMirror) != 1 || w.pmlMirror[0] != mem.GPA(0x1000) {
		t.Fatalf("pmlMirror after case = %v, want exactly [0x1000]", w.pmlMirror)
	}

	var before [1]byte
	if err := w.ReadPhys(0x1000, before[:]); err != nil {
		t.Fatalf("ReadPhys: %v", err)
	}
	if before[0] != 0xAA {
		t.Fatalf("written byte before reset = %#x, want 0xAA", before[0])
	}

	if err := sess.resetEngine.Reset(w.dev, w.backing, w.rf, w.pmlMirror); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	var after [1]byte
	if err := w.ReadPhys(0x1000, after[:]); err != nil {
		t.Fatalf("ReadPhys after reset: %v", err)
	}
	if after[0] != 0x00 {
		t.Fatalf("byte after reset = %#x, want 0x00 (the master's pristine value)", after[0])
	}
}

// TestFuzzCaseReportsNewCoverageAndGrowsCorpus: the first report of
// a (module, offset) key grows the shared corpus with the worker's
// current input, the second report of the same key does not.
func TestFuzzCaseReportsNewCoverageAndGrowsCorpus(t *testing.T) {
	snap := buildSnapshot(t, 0x00)
	sess := New(Config{}, snap, 1)
	w := sess.NewWorker(newStopDevice())
	w.Input = []byte("abc")

	key := coverage.Key{Offset: 0x400000}

	isNew1 := w.ReportCoverage(key)
	if !isNew1 {
		t.Fatalf("first ReportCoverage reported isNew=false")
	}
	isNew2 := w.ReportCoverage(key)
	if isNew2 {
		t.Fatalf("second ReportCoverage of the same key reported isNew=true")
	}
	if got := sess.DB.Inputs.Len(); got != 1 {
		t.Fatalf("corpus length = %d, want 1", got)
	}
}

// TestFuzzCaseTimeout: a per-case timeout shorter than the guest's
// actual run time ends the case with ResultTimeout rather than
// blocking forever.
func TestFuzzCaseTimeout(t *testing.T) {
	snap := buildSnapshot(t, 0x00)
	sess := New(Config{TimeoutUS: 1}, snap, 1)
	w := sess.NewWorker(newInfiniteDevice())

	outcome, err := w.FuzzCase(context.Background())
	if err != nil {
		t.Fatalf("FuzzCase: %v", err)
	}
	if outcome.Result != ResultTimeout {
		t.Fatalf("Result = %v, want ResultTimeout", outcome.Result)
	}
	if w.Local.FuzzCases != 1 {
		t.Fatalf("FuzzCases = %d, want 1 (a timed-out case still counts)", w.Local.FuzzCases)
	}
}

// infiniteDevice never produces a case-ending exit on its own,
// standing in for a guest stuck in an infinite loop: only the fuzz
// loop's own wall-clock timeout can end a case against it.
type infiniteDevice struct {
	regs   regs.File
	fxsave regs.FxSave
	ept    *ept.Table
}

func newInfiniteDevice() *infiniteDevice { return &infiniteDevice{ept: ept.NewTable()} }

func (d *infiniteDevice) Reg(r regs.Register) uint64       { return d.regs.Get(r) }
func (d *infiniteDevice) SetReg(r regs.Register, v uint64) { d.regs.Set(r, v) }
func (d *infiniteDevice) FxSave() regs.FxSave              { return d.fxsave }
func (d *infiniteDevice) SetFxSave(f regs.FxSave)          { d.fxsave = f }
func (d *infiniteDevice) EPT() *ept.Table                  { return d.ept }
func (d *infiniteDevice) Reset()                           {}
func (d *infiniteDevice) Run(ctx context.Context) (vmexit.Exit, uint64, error) {
	return vmexit.Exit{Kind: vmexit.KindExternalInterrupt}, 1, nil
}
