package registry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Registry is the thread-safe subscription cache.
type Registry struct {
	clock clockwork.Clock

	mu      sync.RWMutex
	entries map[string]*slot

	// Updates from connections below fence were reset by ResetConnection.
	fence atomic.Uint64
}

// slot guards a single entry.
type slot struct {
	mu      sync.Mutex
	entry   Entry
	removed bool
}

// New creates an empty Registry. A nil clock uses the wall clock.
func New(clock clockwork.Clock) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		clock:   clock,
		entries: make(map[string]*slot),
	}
}

// lookup returns the slot for a normalized symbol (read-locked).
func (r *Registry) lookup(key string) (*slot, bool) {
	r.mu.RLock()
	s, ok := r.entries[key]
	r.mu.RUnlock()
	return s, ok
}

// Get returns a copy of the entry for symbol.
func (r *Registry) Get(symbol string) (Entry, bool) {
	s, ok := r.lookup(Normalize(symbol))
	if !ok {
		return Entry{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return Entry{}, false
	}
	return s.entry, true
}

// Touch records client demand for symbol. An Expiring entry is revived to
// Pending so the next query re-subscribes it. Returns false if absent.
func (r *Registry) Touch(symbol string) bool {
	s, ok := r.lookup(Normalize(symbol))
	if !ok {
		return false
	}

	now := r.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return false
	}
	s.entry.LastRequestedAt = now
	if s.entry.State == Expiring {
		s.entry.State = Pending
		s.entry.Claimed = false
	}
	return true
}

// Ensure creates a Pending entry for symbol if none exists and claims its
// subscribe. It returns true when the caller now owns sending the subscribe
// frame; false when an entry is already Active, Expiring, or claimed.
func (r *Registry) Ensure(symbol string) bool {
	key := Normalize(symbol)
	now := r.clock.Now()

	if s, ok := r.lookup(key); ok {
		if claimed, live := s.claim(now); live {
			return claimed
		}
	}

	r.mu.Lock()
	s, ok := r.entries[key]
	if !ok {
		s = &slot{entry: Entry{
			Symbol:          key,
			State:           Pending,
			LastRequestedAt: now,
			SubscribedAt:    now,
			Claimed:         true,
		}}
		r.entries[key] = s
		r.mu.Unlock()
		return true
	}
	r.mu.Unlock()

	claimed, _ := s.claim(now)
	return claimed
}

// claim takes the subscribe for a Pending, unclaimed entry. live is false
// when the slot was removed concurrently.
func (s *slot) claim(now time.Time) (claimed, live bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return false, false
	}
	if s.entry.State != Pending || s.entry.Claimed {
		return false, true
	}
	s.entry.Claimed = true
	s.entry.SubscribedAt = now
	return true, true
}

// ReleaseClaim gives up the subscribe claim after a failed send so the
// warmer retries it on its next cycle.
func (r *Registry) ReleaseClaim(symbol string) {
	s, ok := r.lookup(Normalize(symbol))
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry.State == Pending {
		s.entry.Claimed = false
	}
}

// MarkRefreshed records that a refresh subscribe was sent for symbol.
func (r *Registry) MarkRefreshed(symbol string) {
	s, ok := r.lookup(Normalize(symbol))
	if !ok {
		return
	}

	now := r.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry.SubscribedAt = now
}

// UpsertFromPush stores a streamed value. Updates older than the stored
// LastUpdatedAt are ignored, so LastUpdatedAt never regresses. The first
// accepted push moves a Pending entry to Active. A zero ts means now.
func (r *Registry) UpsertFromPush(symbol string, value float64, ts time.Time) PushResult {
	return r.upsert(0, symbol, value, ts)
}

// UpsertFromConnection is UpsertFromPush for an update read on upstream
// connection conn. Updates from a connection already reset by
// ResetConnection are reported as PushStale. A conn of 0 is never fenced.
func (r *Registry) UpsertFromConnection(conn uint64, symbol string, value float64, ts time.Time) PushResult {
	return r.upsert(conn, symbol, value, ts)
}

func (r *Registry) upsert(conn uint64, symbol string, value float64, ts time.Time) PushResult {
	s, ok := r.lookup(Normalize(symbol))
	if !ok {
		return PushUnknown
	}
	if ts.IsZero() {
		ts = r.clock.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return PushUnknown
	}
	// Read under the slot lock: ResetConnection raises the fence before it
	// locks any slot.
	if conn != 0 && conn < r.fence.Load() {
		return PushStale
	}
	if s.entry.HasValue && ts.Before(s.entry.LastUpdatedAt) {
		return PushStale
	}

	s.entry.LastValue = value
	s.entry.HasValue = true
	s.entry.LastUpdatedAt = ts
	if s.entry.State == Pending {
		s.entry.State = Active
		s.entry.Claimed = false
	}
	return PushApplied
}

// MarkExpiring moves an entry not requested since cutoff to Expiring.
// Returns true if the entry transitioned and an unsubscribe should be sent.
func (r *Registry) MarkExpiring(symbol string, cutoff time.Time) bool {
	s, ok := r.lookup(Normalize(symbol))
	if !ok {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed || s.entry.State == Expiring {
		return false
	}
	if !s.entry.LastRequestedAt.Before(cutoff) {
		return false
	}
	s.entry.State = Expiring
	s.entry.Claimed = false
	return true
}

// RemoveIfIdle removes an Expiring entry that has not been requested since cutoff.
func (r *Registry) RemoveIfIdle(symbol string, cutoff time.Time) (Entry, bool) {
	return r.remove(Normalize(symbol), func(e Entry) bool {
		return e.State == Expiring && e.LastRequestedAt.Before(cutoff)
	})
}

// Remove deletes symbol unconditionally. The returned entry reports State Expired.
func (r *Registry) Remove(symbol string) (Entry, bool) {
	return r.remove(Normalize(symbol), func(Entry) bool { return true })
}

func (r *Registry) remove(key string, cond func(Entry) bool) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.entries[key]
	if !ok {
		return Entry{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !cond(s.entry) {
		return Entry{}, false
	}

	delete(r.entries, key)
	s.removed = true
	s.entry.State = Expired
	s.entry.Claimed = false
	return s.entry, true
}

// MarkAllPending resets every live entry to Pending with no claim, after the
// upstream session was lost. Expiring entries keep their state. Returns the
// number of entries reset.
func (r *Registry) MarkAllPending() int {
	n := 0
	for _, s := range r.slots() {
		s.mu.Lock()
		if !s.removed && s.entry.State != Expiring {
			s.entry.State = Pending
			s.entry.Claimed = false
			n++
		}
		s.mu.Unlock()
	}
	return n
}

// ResetConnection marks every live entry Pending after upstream connection
// lost was dropped, and rejects updates still in flight from it or any
// earlier connection. Returns the number of entries reset.
func (r *Registry) ResetConnection(lost uint64) int {
	for {
		cur := r.fence.Load()
		if lost+1 <= cur || r.fence.CompareAndSwap(cur, lost+1) {
			break
		}
	}
	return r.MarkAllPending()
}

// Snapshot returns copies of all entries, sorted by symbol. The index lock is
// released before entries are read, so pushes are never blocked by a scan.
func (r *Registry) Snapshot() []Entry {
	slots := r.slots()
	out := make([]Entry, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		if !s.removed {
			out = append(out, s.entry)
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Symbols returns all registered symbols, sorted.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.entries))
	for key := range r.entries {
		out = append(out, key)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// slots copies the slot pointers under the index read lock.
func (r *Registry) slots() []*slot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*slot, 0, len(r.entries))
	for _, s := range r.entries {
		out = append(out, s)
	}
	return out
}
