package session

import (
	"time"

	"github.com/falklabs/snapfuzz/internal/addr"
	"github.com/falklabs/snapfuzz/internal/backing"
	"github.com/falklabs/snapfuzz/internal/coverage"
	"github.com/falklabs/snapfuzz/internal/dispatch"
	"github.com/falklabs/snapfuzz/internal/mem"
	"github.com/falklabs/snapfuzz/internal/regs"
	"github.com/falklabs/snapfuzz/internal/stats"
	"github.com/falklabs/snapfuzz/internal/vmexit"
)

// cplMask extracts the requested privilege level from a segment
// selector's low 2 bits.
const cplMask = 0x3

// ring0Context is the context id used while running in ring 0 (CPL
// 0), a sentinel distinct from any real CR3 frame number.
const ring0Context = ^uint64(0)

// Worker is one transient, per-CPU fuzzing entity: a private CoW
// backing forked off the session's master, the opaque guest-launching
// device it drives, a PML software mirror, a per-context module cache
// for symbol resolution, a mutable input buffer, and local statistics.
type Worker struct {
	ID      uint64
	Session *Session

	backing *backing.Backing
	dev     vmexit.Device
	rf      *regs.File

	dispatcher *dispatch.Dispatcher

	// pmlMirror accumulates dirtied guest-physical page addresses
	// over the course of one fuzz case (via PmlFull drains mid-case
	// and the tail drain at case end); the next case's reset consumes
	// and clears it.
	pmlMirror []mem.GPA

	rngState uint64

	// Input is the mutable fuzz-input buffer the session's Inject
	// callback is expected to populate before each case and the
	// coverage-reporting path reads from when a case discovers new
	// coverage.
	Input []byte

	Local stats.Local

	nextSync time.Time
}

// newWorker constructs a Worker bound to sess and dev, forking a
// fresh private backing off the session's master.
func newWorker(sess *Session, id uint64, dev vmexit.Device) *Worker {
	w := &Worker{
		ID:       id,
		Session:  sess,
		backing:  backing.Fork(sess.Master),
		dev:      dev,
		rf:       sess.MasterRegs.Clone(),
		rngState: seedXorshift(id, uint64(time.Now().UnixNano())),
	}
	// The translate path dirties pages through the simulated hardware
	// PML buffer; wiring its flush-on-full hook to the software mirror
	// guarantees no dirtied page is lost when more than a buffer's
	// worth of pages transition between explicit drains.
	w.backing.EPT().OnFull = func(pages []mem.GPA) {
		w.pmlMirror = append(w.pmlMirror, pages...)
	}
	w.dispatcher = &dispatch.Dispatcher{
		RecordCoverage: w.recordCoverage,
		OnPmlDrain: func(pages []mem.GPA) {
			w.pmlMirror = append(w.pmlMirror, pages...)
		},
	}
	if sess.cfg.VMExitFilter != nil {
		w.dispatcher.Filter = func(exit vmexit.Exit) error {
			return sess.cfg.VMExitFilter(w, exit)
		}
	}
	return w
}

// Backing returns this worker's private CoW backing.
func (w *Worker) Backing() *backing.Backing { return w.backing }

// Regs returns this worker's working register file, valid between
// resets and mutated in place by VM-exit emulation.
func (w *Worker) Regs() *regs.File { return w.rf }

// Device returns the opaque guest-launching primitive this worker
// drives.
func (w *Worker) Device() vmexit.Device { return w.dev }

// SeedRNG reseeds the worker's xorshift64 generator from (cpu_id,
// timestamp), as done once at worker construction or by a caller
// wanting determinism in a test.
func (w *Worker) SeedRNG(cpuID, timestamp uint64) {
	w.rngState = seedXorshift(cpuID, timestamp)
}

func seedXorshift(cpuID, timestamp uint64) uint64 {
	// xorshift64 requires a non-zero seed; XOR in a fixed odd
	// constant so a (0, 0) input still produces a usable state.
	s := cpuID ^ timestamp ^ 0x9E3779B97F4A7C15
	if s == 0 {
		s = 1
	}
	return s
}

// NextRand advances and returns the worker's xorshift64 generator,
// advancing through the standard 13/7/17 shift-xor sequence.
func (w *Worker) NextRand() uint64 {
	x := w.rngState
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	w.rngState = x
	return x
}

// RandInput returns a uniformly random element of the session's
// corpus, chosen by this worker's own PRNG draw, or false if the
// corpus is empty.
func (w *Worker) RandInput() ([]byte, bool) {
	return w.Session.DB.Inputs.Pick(w.NextRand())
}

// CPL returns the guest's current privilege level, derived from the
// CS selector's requested-privilege-level bits.
func (w *Worker) CPL() int {
	return int(w.rf.Get(regs.Cs) & cplMask)
}

// ContextID names the guest's current address-space context: all-ones
// while running in ring 0, else the CR3 frame (page-aligned) that
// names the current page tables.
func (w *Worker) ContextID() uint64 {
	if w.CPL() == 0 {
		return ring0Context
	}
	return w.rf.Get(regs.Cr3) &^ mem.PGOFFSET
}

// recordCoverage resolves rip against the session's enlightenment
// resolver (if configured) and reports the resulting (module, offset)
// coverage key, attaching the worker's current input buffer so a
// newly discovered point also grows the corpus.
func (w *Worker) recordCoverage(rip uint64) {
	key := coverage.Key{Offset: rip}
	if w.Session.resolver != nil {
		if mod, off, ok := w.Session.resolver.Resolve(w.ContextID(), rip); ok {
			key = coverage.Key{Module: mod, Offset: off}
		}
	}
	w.ReportCoverage(key)
}

// ReportCoverage inserts key into the session's coverage set and, if
// it is newly discovered and the worker currently holds a non-empty
// input, attempts to grow the corpus with it.
func (w *Worker) ReportCoverage(key coverage.Key) (isNew bool) {
	isNew = w.Session.DB.ReportCoverage(key)
	if isNew && len(w.Input) > 0 {
		// ErrCorpusFull is not an error for the case that produced
		// this input; the coverage point is still newly discovered
		// regardless of whether the corpus had room to grow.
		_, _, _ = w.Session.DB.ReportInput(w.Input)
	}
	return isNew
}

// ReadPhys reads len(out) bytes of guest-physical memory starting at
// gpa into out, splitting transparently at page boundaries.
func (w *Worker) ReadPhys(gpa uint64, out []byte) error {
	return addr.ReadBytes(w.backing, w.rf, addr.Physical(gpa), out)
}

// WritePhys writes in to guest-physical memory starting at gpa,
// dirtying and copying on write each page it touches.
func (w *Worker) WritePhys(gpa uint64, in []byte) error {
	return addr.WriteBytes(w.backing, w.rf, addr.Physical(gpa), in)
}

// ReadVirt reads len(out) bytes starting at the guest-virtual address
// formed by seg:off, walking the currently active paging mode.
func (w *Worker) ReadVirt(seg regs.Register, off uint64, out []byte) error {
	return addr.ReadBytes(w.backing, w.rf, addr.Virtual(seg, off), out)
}

// WriteVirt writes in starting at the guest-virtual address formed by
// seg:off, walking the currently active paging mode.
func (w *Worker) WriteVirt(seg regs.Register, off uint64, in []byte) error {
	return addr.WriteBytes(w.backing, w.rf, addr.Virtual(seg, off), in)
}
