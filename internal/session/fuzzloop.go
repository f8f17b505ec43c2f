package session

import (
	"context"
	"fmt"
	"time"

	"github.com/falklabs/snapfuzz/internal/dispatch"
	"github.com/falklabs/snapfuzz/internal/regs"
	"github.com/falklabs/snapfuzz/internal/stats"
	"github.com/falklabs/snapfuzz/internal/vmexit"
)

// Result tags how a fuzz case ended.
type Result int

const (
	// ResultExit means the guest ran until a case-ending VM exit
	// (an unresolvable memory access or an unhandled exit the filter
	// declined) and Exit names it. A guest exception is not a ResultExit:
	// FuzzCase returns it as an error.
	ResultExit Result = iota
	// ResultTimeout means the per-case wall-clock budget elapsed
	// before the guest produced a case-ending exit.
	ResultTimeout
)

// Outcome reports how one FuzzCase call ended.
type Outcome struct {
	Result Result
	Exit   vmexit.Exit // meaningful only when Result == ResultExit
	// Reason explains why a ResultExit case ended: ErrUnhandledExit when
	// no filter is configured, the filter's own error when it declined,
	// or the dispatcher's descriptive error for an unresolved EPT
	// violation; it is non-nil for every ResultExit. It is never a
	// sign the worker itself is unhealthy — see FuzzCase's returned
	// error for that.
	Reason error
}

// FuzzCase runs exactly one fuzz-case iteration: reset, inject,
// run the guest until a case-ending exit or the per-case timeout, then
// fold statistics. It is the sole entry point the fuzzer's top-level
// loop calls in a tight cycle.
func (w *Worker) FuzzCase(ctx context.Context) (Outcome, error) {
	start := time.Now()

	if err := w.Session.resetEngine.Reset(w.dev, w.backing, w.rf, w.pmlMirror); err != nil {
		return Outcome{}, fmt.Errorf("worker %d: reset: %w", w.ID, err)
	}
	w.pmlMirror = w.pmlMirror[:0]
	w.Local.ResetCycles += uint64(time.Since(start).Nanoseconds())

	if w.Session.cfg.Inject != nil {
		if err := w.Session.cfg.Inject(w); err != nil {
			return Outcome{}, fmt.Errorf("worker %d: inject: %w", w.ID, err)
		}
	}

	var deadline time.Time
	hasDeadline := w.Session.cfg.TimeoutUS > 0
	if hasDeadline {
		deadline = start.Add(time.Duration(w.Session.cfg.TimeoutUS) * time.Microsecond)
	}

	w.storeToDevice()

	for {
		if hasDeadline && !time.Now().Before(deadline) {
			w.drainTail()
			w.finishCase(start)
			return Outcome{Result: ResultTimeout}, nil
		}

		exit, cycles, err := w.dev.Run(ctx)
		if err != nil {
			return Outcome{}, fmt.Errorf("worker %d: vm run: %w", w.ID, err)
		}
		w.Local.VmCycles += cycles
		w.Local.VmExits++
		w.loadFromDevice()

		outcome, handleErr := w.dispatcher.Handle(w.dev, w.backing, w.rf, exit)
		switch outcome {
		case dispatch.OutcomeFatal:
			return Outcome{}, fmt.Errorf("worker %d: fatal vm exit: %w", w.ID, handleErr)
		case dispatch.OutcomeCaseDone:
			w.storeToDevice()
			w.drainTail()
			w.finishCase(start)
			return Outcome{Result: ResultExit, Exit: exit, Reason: handleErr}, nil
		}
		w.storeToDevice()
	}
}

// drainTail appends the PML entries still valid in the hardware
// buffer's tail at case end into the worker's software
// mirror, on top of whatever PmlFull exits already pushed mid-case.
func (w *Worker) drainTail() {
	w.pmlMirror = append(w.pmlMirror, w.backing.EPT().DrainRemainder()...)
}

// finishCase increments the completed-case counter, folds this case's
// wall-clock cost into TotalCycles, and — once the 100ms sync deadline
// has passed — folds local counters into the session aggregator and
// arms the next sync 100,000us in the future.
// Server sync itself is driven by Session's own ticker (see sync.go),
// not by every worker's case loop, since only the designated worker
// speaks to the server.
func (w *Worker) finishCase(start time.Time) {
	w.Local.FuzzCases++
	w.Local.TotalCycles += uint64(time.Since(start).Nanoseconds())

	now := time.Now()
	if w.nextSync.IsZero() {
		w.nextSync = now.Add(stats.SyncInterval)
		return
	}
	if now.Before(w.nextSync) {
		return
	}
	w.Session.Stats.SyncFrom(&w.Local)
	w.nextSync = now.Add(stats.SyncInterval)
}

// regOrder enumerates every Register the Device get/set contract
// covers, used to mirror the full guest register file to and from the
// device at VM entry/exit boundaries.
func regOrder() []regs.Register {
	out := make([]regs.Register, regs.NumRegisters)
	for i := range out {
		out[i] = regs.Register(i)
	}
	return out
}

var allRegisters = regOrder()

// storeToDevice pushes the worker's working register file into the
// device ahead of the next VM entry.
func (w *Worker) storeToDevice() {
	for _, r := range allRegisters {
		w.dev.SetReg(r, w.rf.Get(r))
	}
	w.dev.SetFxSave(w.rf.FxSave)
}

// loadFromDevice refreshes the worker's working register file from
// the device immediately after a VM exit, before dispatch inspects or
// mutates it.
func (w *Worker) loadFromDevice() {
	for _, r := range allRegisters {
		w.rf.Set(r, w.dev.Reg(r))
	}
	w.rf.FxSave = w.dev.FxSave()
}
