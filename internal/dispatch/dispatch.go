// Package dispatch implements the VM-exit decision table: the single
// place that knows what each kind of exit means and what, if
// anything, must happen before the guest can be resumed.
package dispatch

import (
	"errors"
	"fmt"

	"github.com/falklabs/snapfuzz/internal/backing"
	"github.com/falklabs/snapfuzz/internal/mem"
	"github.com/falklabs/snapfuzz/internal/regs"
	"github.com/falklabs/snapfuzz/internal/vmexit"
)

// Outcome tells the fuzz-case loop what to do after one exit has been
// handled.
type Outcome int

const (
	// OutcomeContinue means the guest should be resumed immediately.
	OutcomeContinue Outcome = iota
	// OutcomeCaseDone means the current fuzz case is over — unresolvable
	// guest memory, a timeout, or the unhandled-exit filter declining —
	// and the worker should simply start its next case (the only
	// recoverable categories, plus the filter's verdict).
	OutcomeCaseDone
	// OutcomeFatal means the exit indicates a programming error this
	// hypervisor has no business tolerating (a disallowed MSR/CR access,
	// a guest exception) and the worker loop must stop.
	OutcomeFatal
)

// ErrUnhandledExit is wrapped into the error returned when an exit
// kind falls through every known case and the caller supplied no
// filter. A filter that declines ends the case with its own error.
var ErrUnhandledExit = errors.New("dispatch: unhandled vm exit")

// allowedMsrs is the only set of MSRs this dispatcher will emulate;
// anything else is a fatal model-specific-register access a fuzzed
// guest has no business making against this hypervisor.
var allowedMsrs = map[uint64]regs.Register{
	vmexit.MsrFsBase:       regs.FsBase,
	vmexit.MsrGsBase:       regs.GsBase,
	vmexit.MsrKernelGsBase: regs.KernelGsBase,
}

var allowedCrs = map[int]regs.Register{
	0: regs.Cr0,
	3: regs.Cr3,
	4: regs.Cr4,
}

// Dispatcher owns the pieces of case handling that are worker-wide
// policy rather than per-exit mechanics: the optional escape-hatch
// filter for exit kinds the table doesn't otherwise know, and a hook
// for recording a coverage point.
type Dispatcher struct {
	// Filter is consulted for KindOther and any exit this table
	// doesn't otherwise resolve. A nil error means "handled, keep
	// going"; a non-nil error ends the case.
	Filter func(vmexit.Exit) error

	// RecordCoverage is called with the guest RIP at a preemption
	// timer tick, the session's coverage sampling point.
	RecordCoverage func(rip uint64)

	// OnPmlDrain receives the guest-physical pages the hardware PML
	// buffer held when a PmlFull exit forced a flush mid-case. The
	// caller accumulates these into its per-case touched-page list
	// alongside whatever DrainRemainder returns at case end.
	OnPmlDrain func(pages []mem.GPA)
}

// Handle advances rf/b in response to exit and reports what the
// fuzz-case loop should do next.
func (d *Dispatcher) Handle(dev vmexit.Device, b *backing.Backing, rf *regs.File, exit vmexit.Exit) (Outcome, error) {
	switch exit.Kind {
	case vmexit.KindEptViolation:
		if _, err := b.Translate(mem.GPA(exit.Addr), exit.Write); err != nil {
			return OutcomeCaseDone, fmt.Errorf("dispatch: ept violation at %#x: %w", exit.Addr, err)
		}
		return OutcomeContinue, nil

	case vmexit.KindPmlFull:
		drained := b.EPT().DrainFull()
		if d.OnPmlDrain != nil {
			d.OnPmlDrain(drained)
		}
		return OutcomeContinue, nil

	case vmexit.KindRdtsc:
		rf.Set(regs.Rax, 0)
		rf.Set(regs.Rdx, 0)
		advanceRip(rf, exit.InstLen)
		return OutcomeContinue, nil

	case vmexit.KindReadMsr:
		reg, ok := allowedMsrs[rf.Get(regs.Rcx)]
		if !ok {
			return OutcomeFatal, fmt.Errorf("dispatch: read of disallowed msr %#x", rf.Get(regs.Rcx))
		}
		v := rf.Get(reg)
		rf.Set(regs.Rax, v&0xFFFF_FFFF)
		rf.Set(regs.Rdx, v>>32)
		advanceRip(rf, exit.InstLen)
		return OutcomeContinue, nil

	case vmexit.KindWriteMsr:
		reg, ok := allowedMsrs[rf.Get(regs.Rcx)]
		if !ok {
			return OutcomeFatal, fmt.Errorf("dispatch: write of disallowed msr %#x", rf.Get(regs.Rcx))
		}
		rf.Set(reg, (rf.Get(regs.Rdx)<<32)|(rf.Get(regs.Rax)&0xFFFF_FFFF))
		advanceRip(rf, exit.InstLen)
		return OutcomeContinue, nil

	case vmexit.KindReadCr:
		cr, ok := allowedCrs[exit.Cr]
		if !ok {
			return OutcomeFatal, fmt.Errorf("dispatch: read of disallowed cr%d", exit.Cr)
		}
		rf.Set(regs.GprByIndex(exit.Gpr), rf.Get(cr))
		advanceRip(rf, exit.InstLen)
		return OutcomeContinue, nil

	case vmexit.KindWriteCr:
		cr, ok := allowedCrs[exit.Cr]
		if !ok {
			return OutcomeFatal, fmt.Errorf("dispatch: write of disallowed cr%d", exit.Cr)
		}
		rf.Set(cr, rf.Get(regs.GprByIndex(exit.Gpr)))
		advanceRip(rf, exit.InstLen)
		return OutcomeContinue, nil

	case vmexit.KindExternalInterrupt:
		// Asynchronous and already injected by the device; nothing to
		// emulate, no RIP advance.
		return OutcomeContinue, nil

	case vmexit.KindExceptionNMI:
		return OutcomeFatal, fmt.Errorf("dispatch: guest raised an exception")

	case vmexit.KindPreemptionTimer:
		if d.RecordCoverage != nil {
			d.RecordCoverage(rf.Get(regs.Rip))
		}
		return OutcomeContinue, nil

	default:
		if d.Filter != nil {
			if err := d.Filter(exit); err != nil {
				return OutcomeCaseDone, err
			}
			return OutcomeContinue, nil
		}
		return OutcomeCaseDone, fmt.Errorf("%w: %s", ErrUnhandledExit, exit.Name)
	}
}

func advanceRip(rf *regs.File, instLen uint64) {
	rf.Set(regs.Rip, rf.Get(regs.Rip)+instLen)
}
