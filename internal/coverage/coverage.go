// Package coverage implements the session-wide coverage set and input
// corpus: the structures every worker goroutine reports discoveries
// into concurrently. Both are built on the same primitive — look the
// key up, and if it isn't there, run the one-time "insert" step
// exactly once even when many workers race to report the same
// discovery at the same moment — using golang.org/x/sync/singleflight
// so that primitive doesn't need reinventing with ad hoc locking.
package coverage

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Key identifies one coverage point: an optional module name (empty
// if the executing module couldn't be resolved) and a byte offset
// within it.
type Key struct {
	Module string
	Offset uint64
}

// Hash128 is a 128-bit input digest used to deduplicate corpus
// entries without storing or comparing full input bytes on every
// lookup.
type Hash128 struct {
	Hi, Lo uint64
}

// hashSeeds prefix the two FNV-1a passes so the halves of the digest
// diverge even for identical input bytes.
var hashSeeds = [2][]byte{{0x00}, {0xA5}}

// HashInput computes a 128-bit digest of data by running two FNV-1a
// passes, each prefixed with a distinct seed byte.
func HashInput(data []byte) Hash128 {
	var out [2]uint64
	for i, seed := range hashSeeds {
		h := fnv.New64a()
		h.Write(seed)
		h.Write(data)
		out[i] = h.Sum64()
	}
	return Hash128{Hi: out[0], Lo: out[1]}
}

// ErrCorpusFull is returned once the input corpus has reached its
// bounded capacity; the fuzz-case loop treats this as "keep the input
// locally for this case but don't grow the shared corpus."
var ErrCorpusFull = errors.New("coverage: input corpus is at capacity")

// InputDB is the deduplicated, bounded-capacity input corpus.
type InputDB struct {
	group    singleflight.Group
	mu       sync.RWMutex
	seen     map[Hash128]int
	corpus   [][]byte
	capacity int
}

// NewInputDB creates an empty corpus bounded at capacity entries.
func NewInputDB(capacity int) *InputDB {
	return &InputDB{seen: make(map[Hash128]int), capacity: capacity}
}

type insertResult struct {
	index    int
	inserted bool
}

// Insert adds data to the corpus if its hash has never been seen,
// returning its corpus index and whether this call is the one that
// performed the insertion. Concurrent Insert calls for the same input
// are coalesced by singleflight: exactly one of them copies the bytes
// and appends to the corpus, and every caller — including the ones
// that arrived while that copy was in flight — gets the same index.
func (db *InputDB) Insert(data []byte) (index int, inserted bool, err error) {
	h := HashInput(data)
	key := fmt.Sprintf("%016x%016x", h.Hi, h.Lo)

	// Do runs fn on the first caller only and hands its result to every
	// caller that joined; ran tells this call whether it was that first one.
	ran := false
	v, err, _ := db.group.Do(key, func() (any, error) {
		ran = true
		db.mu.RLock()
		if idx, ok := db.seen[h]; ok {
			db.mu.RUnlock()
			return insertResult{idx, false}, nil
		}
		db.mu.RUnlock()

		db.mu.Lock()
		defer db.mu.Unlock()
		if idx, ok := db.seen[h]; ok {
			return insertResult{idx, false}, nil
		}
		if len(db.corpus) >= db.capacity {
			return insertResult{-1, false}, ErrCorpusFull
		}
		cp := make([]byte, len(data))
		copy(cp, data)
		idx := len(db.corpus)
		db.corpus = append(db.corpus, cp)
		db.seen[h] = idx
		return insertResult{idx, true}, nil
	})
	if err != nil {
		return -1, false, err
	}
	r := v.(insertResult)
	return r.index, r.inserted && ran, nil
}

// Len reports the current corpus size.
func (db *InputDB) Len() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.corpus)
}

// Pick returns a corpus entry chosen by index%Len, for a caller that
// derives index from its own PRNG draw. The returned slice aliases
// shared storage and must be treated as read-only.
func (db *InputDB) Pick(draw uint64) ([]byte, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if len(db.corpus) == 0 {
		return nil, false
	}
	return db.corpus[draw%uint64(len(db.corpus))], true
}

// CoverageDB is the deduplicated set of coverage points reached by
// any worker in the session.
type CoverageDB struct {
	group singleflight.Group
	mu    sync.RWMutex
	seen  map[Key]struct{}
}

// NewCoverageDB creates an empty coverage set.
func NewCoverageDB() *CoverageDB {
	return &CoverageDB{seen: make(map[Key]struct{})}
}

// report inserts key if new, coalescing concurrent reports of the
// same point the same way InputDB.Insert does, and returns whether
// this report was the first one to see key.
func (db *CoverageDB) report(key Key) (isNew bool, err error) {
	sfKey := fmt.Sprintf("%s\x00%016x", key.Module, key.Offset)
	ran := false
	v, err, _ := db.group.Do(sfKey, func() (any, error) {
		ran = true
		db.mu.RLock()
		if _, ok := db.seen[key]; ok {
			db.mu.RUnlock()
			return false, nil
		}
		db.mu.RUnlock()

		db.mu.Lock()
		defer db.mu.Unlock()
		if _, ok := db.seen[key]; ok {
			return false, nil
		}
		db.seen[key] = struct{}{}
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool) && ran, nil
}

// Len reports how many distinct coverage points have been seen.
func (db *CoverageDB) Len() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.seen)
}

// DB composes the input corpus and the coverage set, and queues every
// newly discovered item for the next server sync tick to pick up and
// drain.
type DB struct {
	Inputs   *InputDB
	Coverage *CoverageDB

	mu           sync.Mutex
	pendingCov   []Key
	pendingInput [][]byte
}

// NewDB creates an empty, session-wide coverage/input database with
// the given bounded input-corpus capacity.
func NewDB(inputCapacity int) *DB {
	return &DB{
		Inputs:   NewInputDB(inputCapacity),
		Coverage: NewCoverageDB(),
	}
}

// ReportCoverage records key as reached, queuing it for the server if
// this is the first time the session has seen it.
func (db *DB) ReportCoverage(key Key) (isNew bool) {
	isNew, _ = db.Coverage.report(key)
	if isNew {
		db.mu.Lock()
		db.pendingCov = append(db.pendingCov, key)
		db.mu.Unlock()
	}
	return isNew
}

// MergeCoverage records key as reached without queuing it for the
// next server sync — the insertion path for coverage the server itself
// sent, which it already knows about.
func (db *DB) MergeCoverage(key Key) (isNew bool) {
	isNew, _ = db.Coverage.report(key)
	return isNew
}

// ReportInput adds data to the shared corpus, queuing a copy for the
// server if this is a genuinely new input. ErrCorpusFull is returned,
// not panicked, once the corpus is at capacity — the case that
// produced the input is still valid, it just doesn't grow the corpus.
func (db *DB) ReportInput(data []byte) (index int, isNew bool, err error) {
	index, isNew, err = db.Inputs.Insert(data)
	if err == nil && isNew {
		cp := make([]byte, len(data))
		copy(cp, data)
		db.mu.Lock()
		db.pendingInput = append(db.pendingInput, cp)
		db.mu.Unlock()
	}
	return index, isNew, err
}

// DrainPending removes and returns everything queued since the last
// drain, for the server-sync component to batch and send.
func (db *DB) DrainPending() (cov []Key, inputs [][]byte) {
	db.mu.Lock()
	defer db.mu.Unlock()
	cov, db.pendingCov = db.pendingCov, nil
	inputs, db.pendingInput = db.pendingInput, nil
	return cov, inputs
}
