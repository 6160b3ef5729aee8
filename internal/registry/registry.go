package registry

import (
	"cmp"
	"errors"
	"slices"
	"sync"
	"time"
)

// ErrPoisoned is returned by every operation after a panic unwound through
// one of the Registry's critical sections. The map may be half-updated at that
// point, so there is no safe way to keep using it.
var ErrPoisoned = errors.New("registry: poisoned by a panic while locked")

// Entry is one supervised game process.
// A pending entry reserves the slot for a game whose process has not been
// started yet; it blocks other launches but is never reported as running.
type Entry struct {
	GameID    int64
	PID       int
	StartedAt time.Time
	Pending   bool
}

// Change describes the result of a mutation together with the set of running
// game ids as it was right after the mutation was applied.
type Change struct {
	Prev    Entry
	Existed bool
	Keys    []int64
}

// Registry maps game ids to their running entries.
// All operations are serialized through a single mutex.
type Registry struct {
	mu       sync.Mutex
	entries  map[int64]Entry
	poisoned bool
}

func New() *Registry {
	return &Registry{entries: make(map[int64]Entry)}
}

// locked runs fn while holding the lock. A panic inside fn poisons the
// Registry before it continues to unwind.
func (r *Registry) locked(fn func()) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.poisoned {
		return ErrPoisoned
	}
	completed := false
	defer func() {
		if !completed {
			r.poisoned = true
		}
	}()
	fn()
	completed = true
	return nil
}

// Contains reports whether id holds a slot, pending or running.
func (r *Registry) Contains(id int64) (bool, error) {
	var ok bool
	err := r.locked(func() { _, ok = r.entries[id] })
	return ok, err
}

// Get returns the entry for id.
func (r *Registry) Get(id int64) (Entry, bool, error) {
	var (
		e  Entry
		ok bool
	)
	err := r.locked(func() { e, ok = r.entries[id] })
	return e, ok, err
}

// TryInsert inserts e only if no entry exists for e.GameID.
// The check and the insert share one critical section.
func (r *Registry) TryInsert(e Entry) (bool, error) {
	var inserted bool
	err := r.locked(func() {
		if _, ok := r.entries[e.GameID]; ok {
			return
		}
		r.entries[e.GameID] = e
		inserted = true
	})
	return inserted, err
}

// Insert stores e, replacing any previous entry for the same id.
func (r *Registry) Insert(e Entry) (Change, error) {
	var c Change
	err := r.locked(func() {
		c.Prev, c.Existed = r.entries[e.GameID]
		r.entries[e.GameID] = e
		c.Keys = r.keysLocked()
	})
	return c, err
}

// Remove deletes the entry for id, if any.
func (r *Registry) Remove(id int64) (Change, error) {
	var c Change
	err := r.locked(func() {
		c.Prev, c.Existed = r.entries[id]
		delete(r.entries, id)
		c.Keys = r.keysLocked()
	})
	return c, err
}

// Keys returns a sorted copy of the ids that are currently running.
// Pending reservations are not included.
func (r *Registry) Keys() ([]int64, error) {
	var keys []int64
	err := r.locked(func() { keys = r.keysLocked() })
	return keys, err
}

// Running returns copies of the running entries ordered by game id.
func (r *Registry) Running() ([]Entry, error) {
	var out []Entry
	err := r.locked(func() {
		out = make([]Entry, 0, len(r.entries))
		for _, e := range r.entries {
			if !e.Pending {
				out = append(out, e)
			}
		}
	})
	slices.SortFunc(out, func(a, b Entry) int { return cmp.Compare(a.GameID, b.GameID) })
	return out, err
}

func (r *Registry) keysLocked() []int64 {
	keys := make([]int64, 0, len(r.entries))
	for id, e := range r.entries {
		if e.Pending {
			continue
		}
		keys = append(keys, id)
	}
	slices.Sort(keys)
	return keys
}
