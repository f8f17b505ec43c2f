// Package session implements the session-wide state every worker on a
// machine shares and the per-CPU worker entity built on top of it,
// together with the fuzz-case loop that drives one. The two types
// live in one package deliberately: a Worker's identity is
// meaningless without the Session that minted it, and the Session's
// job is almost entirely "mint workers and hold what they report
// back" — splitting them across packages would only add an import
// cycle for no organizational benefit.
package session

import (
	"sync/atomic"

	"github.com/falklabs/snapfuzz/internal/backing"
	"github.com/falklabs/snapfuzz/internal/coverage"
	"github.com/falklabs/snapfuzz/internal/enlighten"
	"github.com/falklabs/snapfuzz/internal/regs"
	"github.com/falklabs/snapfuzz/internal/reset"
	"github.com/falklabs/snapfuzz/internal/snapshot"
	"github.com/falklabs/snapfuzz/internal/stats"
	"github.com/falklabs/snapfuzz/internal/vmexit"
)

// defaultCorpusCapacity is the corpus vector's bounded capacity.
const defaultCorpusCapacity = 65536

// Config is the programmatic configuration surface: an optional
// per-case timeout, optional inject and VM-exit-filter callbacks, the
// server address to sync with, and the corpus capacity.
type Config struct {
	// TimeoutUS is the per-case wall-clock budget in microseconds.
	// Zero means no timeout.
	TimeoutUS uint64

	// Inject writes a mutated input into a worker's guest memory
	// before the guest runs. Nil means no injection (the fuzz loop
	// simply re-runs the guest from its reset state).
	Inject func(w *Worker) error

	// VMExitFilter is offered any VM exit the dispatcher's built-in
	// table doesn't otherwise resolve. Returning nil means "handled,
	// keep going"; a non-nil error ends the case.
	VMExitFilter func(w *Worker, exit vmexit.Exit) error

	// Enlighten supplies the guest module list used to resolve a RIP
	// to a (module, offset) coverage key. Nil means coverage records
	// always carry an empty module name and the raw address as offset.
	Enlighten enlighten.Enlightenment

	// ServerAddr is the fuzzing server this session's designated
	// worker exchanges coverage, inputs, and statistics with. Empty
	// disables server sync entirely.
	ServerAddr string

	// CorpusCapacity bounds the input corpus vector. Zero selects the
	// default of 65536 entries.
	CorpusCapacity int
}

// Session is the shared, machine-wide state every worker on one
// session reads from and reports into: the immutable master backing
// and its frozen register file, the coverage/input database, the
// statistics aggregator, and the session's identity.
type Session struct {
	cfg Config

	Master     *backing.Backing
	MasterRegs *regs.File

	DB    *coverage.DB
	Stats *stats.Aggregator

	resetEngine *reset.Engine
	resolver    *enlighten.Resolver

	id        uint64
	workerSeq uint64 // atomic, next worker id to hand out
}

// New builds a Session from an already-parsed snapshot. id is the
// session identifier (conventionally a timestamp); callers that don't
// care about cross-restart identity can pass any stable value.
func New(cfg Config, snap *snapshot.Snapshot, id uint64) *Session {
	capacity := cfg.CorpusCapacity
	if capacity <= 0 {
		capacity = defaultCorpusCapacity
	}

	master := backing.NewRoot(snap)
	var resolver *enlighten.Resolver
	if cfg.Enlighten != nil {
		resolver = enlighten.NewResolver(cfg.Enlighten)
	}

	return &Session{
		cfg:         cfg,
		Master:      master,
		MasterRegs:  snap.Regs,
		DB:          coverage.NewDB(capacity),
		Stats:       stats.NewAggregator(),
		resetEngine: reset.NewEngine(master, snap.Regs),
		resolver:    resolver,
		id:          id,
	}
}

// ID returns the session identifier.
func (s *Session) ID() uint64 { return s.id }

// NewWorker forks a private backing off the master and wires up a
// worker bound to dev, the (opaque) virtualization primitive driving
// that worker's guest. Worker ids are assigned monotonically starting
// at zero via an atomic counter, matching the "at most one worker per
// CPU, identifier assigned by the session" invariant.
func (s *Session) NewWorker(dev vmexit.Device) *Worker {
	id := atomic.AddUint64(&s.workerSeq, 1) - 1
	return newWorker(s, id, dev)
}

// WorkerCount reports how many workers this session has minted so
// far.
func (s *Session) WorkerCount() uint64 {
	return atomic.LoadUint64(&s.workerSeq)
}
