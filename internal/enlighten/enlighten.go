// Package enlighten resolves a guest virtual address, given the
// execution context it faulted in, to a module name and an offset
// within it — "enlightenment" in the sense of knowing something about
// guest-OS-level structure (which modules are loaded where) that a
// bare hypervisor has no way to infer on its own. Enlightenment is an
// out-of-scope collaborator: a real implementation would walk a
// guest's loader data structures to build the module list. Resolver
// is the caching layer that makes this affordable to call on every
// reported coverage point, and StaticEnlightenment is a reference
// implementation good enough for single-target configurations and
// tests, where the module layout is known up front.
package enlighten

import (
	"sync"

	"github.com/ianlancetaylor/demangle"
)

// Module describes one loaded module's guest-virtual address range.
type Module struct {
	Name string
	Base uint64
	Size uint64
}

// Enlightenment supplies the module list active in a given execution
// context (see internal/session for how context IDs are derived).
type Enlightenment interface {
	Modules(contextID uint64) ([]Module, error)
}

// StaticEnlightenment returns the same fixed module list regardless
// of context, for targets whose layout doesn't change across runs.
type StaticEnlightenment struct {
	modules []Module
}

// NewStaticEnlightenment wraps a fixed module list.
func NewStaticEnlightenment(modules []Module) *StaticEnlightenment {
	return &StaticEnlightenment{modules: modules}
}

// Modules implements Enlightenment.
func (s *StaticEnlightenment) Modules(uint64) ([]Module, error) {
	return s.modules, nil
}

// Resolver caches each context's module list — rebuilding it is
// assumed expensive — and resolves addresses against it, demangling
// whatever symbol name comes back so coverage keys read as source
// names rather than raw linker symbols.
type Resolver struct {
	en Enlightenment

	mu    sync.Mutex
	cache map[uint64][]Module
}

// NewResolver creates a Resolver backed by en.
func NewResolver(en Enlightenment) *Resolver {
	return &Resolver{en: en, cache: make(map[uint64][]Module)}
}

// Resolve finds the module containing addr within contextID's module
// list, returning its demangled name and addr's offset within it.
func (r *Resolver) Resolve(contextID, addr uint64) (module string, offset uint64, ok bool) {
	mods, err := r.modulesFor(contextID)
	if err != nil {
		return "", 0, false
	}
	for _, m := range mods {
		if addr >= m.Base && addr < m.Base+m.Size {
			return demangle.Filter(m.Name), addr - m.Base, true
		}
	}
	return "", 0, false
}

func (r *Resolver) modulesFor(contextID uint64) ([]Module, error) {
	r.mu.Lock()
	mods, hit := r.cache[contextID]
	r.mu.Unlock()
	if hit {
		return mods, nil
	}

	mods, err := r.en.Modules(contextID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cache[contextID] = mods
	r.mu.Unlock()
	return mods, nil
}

// InvalidateContext drops a context's cached module list, for when
// the guest has torn the context down (process exit, address-space
// reuse) and a future reference to the same ID must not see stale
// modules.
func (r *Resolver) InvalidateContext(contextID uint64) {
	r.mu.Lock()
	delete(r.cache, contextID)
	r.mu.Unlock()
}
