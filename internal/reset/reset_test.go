package reset

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/falklabs/snapfuzz/internal/backing"
	"github.com/falklabs/snapfuzz/internal/ept"
	"github.com/falklabs/snapfuzz/internal/mem"
	"github.com/falklabs/snapfuzz/internal/regs"
	"github.com/falklabs/snapfuzz/internal/snapshot"
	"github.com/falklabs/snapfuzz/internal/snapshot/snaptest"
	"github.com/falklabs/snapfuzz/internal/vmexit"
)

// buildSnapshot returns a snapshot with one page-aligned region at
// guest-physical 0 filled with pageByte.
func buildSnapshot(t *testing.T, pageByte byte) *snapshot.Snapshot {
	t.Helper()
	return snaptest.Build(t, 0, []byte{pageByte})
}

// noopDevice satisfies vmexit.Device with just enough behavior to let
// Engine.Reset exercise its dev.Reset() call; nothing in these tests
// drives the guest, so Run is never invoked.
type noopDevice struct {
	resetCalled bool
	regs        regs.File
	fxsave      regs.FxSave
	ept         *ept.Table
}

func newNoopDevice() *noopDevice { return &noopDevice{ept: ept.NewTable()} }

func (d *noopDevice) Reg(r regs.Register) uint64       { return d.regs.Get(r) }
func (d *noopDevice) SetReg(r regs.Register, v uint64) { d.regs.Set(r, v) }
func (d *noopDevice) FxSave() regs.FxSave              { return d.fxsave }
func (d *noopDevice) SetFxSave(f regs.FxSave)          { d.fxsave = f }
func (d *noopDevice) EPT() *ept.Table                  { return d.ept }
func (d *noopDevice) Reset()                           { d.resetCalled = true }
func (d *noopDevice) Run(ctx context.Context) (vmexit.Exit, uint64, error) {
	return vmexit.Exit{}, 0, nil
}

func TestResetRestoresDirtiedPageAndRegisters(t *testing.T) {
	snap := buildSnapshot(t, 0x00)
	master := backing.NewRoot(snap)
	var masterRegs regs.File
	masterRegs.Set(regs.Rip, 0xFEED)

	eng := NewEngine(master, &masterRegs)

	worker := backing.Fork(master)
	if _, err := worker.WritePage(0); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	if err := worker.RestorePage(0, bytes.Repeat([]byte{0xAA}, mem.PGSIZE)); err != nil {
		t.Fatalf("RestorePage: %v", err)
	}

	var workerRegs regs.File
	workerRegs.Set(regs.Rip, 0xBAD)

	dev := newNoopDevice()
	if err := eng.Reset(dev, worker, &workerRegs, []mem.GPA{0}); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	page, err := worker.ReadPage(0)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if page[0] != 0x00 {
		t.Fatalf("page[0] after Reset = %#x, want 0x00 (master's pristine byte)", page[0])
	}
	if got := workerRegs.Get(regs.Rip); got != 0xFEED {
		t.Fatalf("RIP after Reset = %#x, want 0xFEED (copied from master)", got)
	}
	if !dev.resetCalled {
		t.Fatalf("Engine.Reset did not call dev.Reset()")
	}
}

func TestResetWithNoTouchedPagesOnlyRestoresRegisters(t *testing.T) {
	snap := buildSnapshot(t, 0x00)
	master := backing.NewRoot(snap)
	var masterRegs regs.File
	masterRegs.Set(regs.Rip, 0x1)

	eng := NewEngine(master, &masterRegs)
	worker := backing.Fork(master)
	var workerRegs regs.File
	workerRegs.Set(regs.Rip, 0x2)

	dev := newNoopDevice()
	if err := eng.Reset(dev, worker, &workerRegs, nil); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got := workerRegs.Get(regs.Rip); got != 0x1 {
		t.Fatalf("RIP after Reset = %#x, want 0x1", got)
	}
}

// TestResetConcurrentWorkersShareMasterWithoutMutatingIt exercises
// many workers forked off one Engine's shared master, each resetting
// the same page concurrently across goroutines the way cmd/snapfuzzd
// runs one goroutine per CPU. Before PristineBytes existed, Reset
// pulled the master's pristine page through ReadPage/Translate, which
// installs a mapping into the master's own EPT and frame pool —
// unsynchronized mutation of state every worker's Engine shares. Run
// with -race, this reproduces that fatal concurrent map write; with
// PristineBytes's read-only walk it must not.
func TestResetConcurrentWorkersShareMasterWithoutMutatingIt(t *testing.T) {
	snap := buildSnapshot(t, 0x00)
	master := backing.NewRoot(snap)
	var masterRegs regs.File
	masterRegs.Set(regs.Rip, 0xFEED)
	eng := NewEngine(master, &masterRegs)

	const workers = 32
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			w := backing.Fork(master)
			if _, err := w.WritePage(0); err != nil {
				t.Errorf("WritePage: %v", err)
				return
			}
			if err := w.RestorePage(0, bytes.Repeat([]byte{0xAA}, mem.PGSIZE)); err != nil {
				t.Errorf("RestorePage: %v", err)
				return
			}
			var rf regs.File
			dev := newNoopDevice()
			if err := eng.Reset(dev, w, &rf, []mem.GPA{0}); err != nil {
				t.Errorf("Reset: %v", err)
				return
			}
			page, err := w.ReadPage(0)
			if err != nil {
				t.Errorf("ReadPage: %v", err)
				return
			}
			if page[0] != 0x00 {
				t.Errorf("page[0] after Reset = %#x, want 0x00", page[0])
			}
		}()
	}
	wg.Wait()
}
