// Package nonce tracks consumed execution IDs so a release is never
// processed twice.
//
// Replay protection is time-bounded: entries are evicted TTL after they are
// recorded, so an execution ID is only guaranteed unique within that window.
// This bounds memory. Callers needing permanent uniqueness must also consult
// the durable release records.
package nonce

import (
	"container/heap"
	"errors"
	"sync"
	"time"
)

// DefaultTTL is how long a consumed execution ID is remembered.
const DefaultTTL = 5 * time.Minute

var (
	// ErrReplay is returned when the ID was already consumed or is in flight.
	ErrReplay = errors.New("nonce: execution id already seen")
	// ErrEmptyID is returned for a blank execution ID.
	ErrEmptyID = errors.New("nonce: execution id must not be empty")
)

type entry struct {
	expiresAt time.Time
	uncertain bool
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu       sync.Mutex
	ttl      time.Duration
	clock    func() time.Time
	entries  map[string]entry
	inflight map[string]struct{}
	expiry   expiryHeap
}

// NewLedger creates a ledger remembering IDs for ttl (DefaultTTL if <= 0).
func NewLedger(ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Ledger{
		ttl:      ttl,
		clock:    time.Now,
		entries:  make(map[string]entry),
		inflight: make(map[string]struct{}),
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// TTL returns the replay window.
func (l *Ledger) TTL() time.Duration { return l.ttl }

// Reserve claims id for an in-flight attempt. It fails with ErrReplay if the
// ID was consumed or another attempt holds it. uncertain is true when a
// previous attempt ended with an unknown ledger outcome, in which case the
// caller must reconcile before moving funds again.
func (l *Ledger) Reserve(id string) (uncertain bool, err error) {
	if id == "" {
		return false, ErrEmptyID
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.inflight[id]; busy {
		return false, ErrReplay
	}
	e, seen := l.entries[id]
	if seen && l.clock().Before(e.expiresAt) {
		if !e.uncertain {
			return false, ErrReplay
		}
		uncertain = true
	}
	l.inflight[id] = struct{}{}
	return uncertain, nil
}

// Commit records id as consumed and releases the in-flight claim.
func (l *Ledger) Commit(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inflight, id)
	l.put(id, false)
}

// Abort releases the in-flight claim without consuming id, so it may be
// retried. If uncertain is set the ID is remembered as needing
// reconciliation on the next attempt.
func (l *Ledger) Abort(id string, uncertain bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inflight, id)
	if uncertain {
		l.put(id, true)
		return
	}
	if e, ok := l.entries[id]; ok && e.uncertain {
		// a prior unknown outcome stays unknown until proven otherwise
		return
	}
	delete(l.entries, id)
}

// Resolve releases the in-flight claim and clears any uncertain mark, once
// reconciliation has shown that no earlier attempt landed.
func (l *Ledger) Resolve(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inflight, id)
	delete(l.entries, id)
}

// Uncertain reports whether id carries an unreconciled outcome.
func (l *Ledger) Uncertain(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	return ok && e.uncertain
}

// Seen reports whether id is consumed and not yet evicted.
func (l *Ledger) Seen(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	return ok && !e.uncertain && l.clock().Before(e.expiresAt)
}

// Evict drops entries whose expiry is at or before now and returns how many
// were removed. It is driven by the engine's sweep tick.
func (l *Ledger) Evict(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for l.expiry.Len() > 0 {
		top := l.expiry[0]
		if top.expiresAt.After(now) {
			break
		}
		heap.Pop(&l.expiry)
		// stale heap items are skipped: the ID was re-recorded later
		if e, ok := l.entries[top.id]; ok && e.expiresAt.Equal(top.expiresAt) {
			delete(l.entries, top.id)
			n++
		}
	}
	return n
}

// Len returns the number of remembered IDs.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Ledger) put(id string, uncertain bool) {
	exp := l.clock().Add(l.ttl)
	l.entries[id] = entry{expiresAt: exp, uncertain: uncertain}
	heap.Push(&l.expiry, &heapItem{id: id, expiresAt: exp})
}

type heapItem struct {
	id        string
	expiresAt time.Time
}

// expiryHeap is a min-heap ordered by expiry.
type expiryHeap []*heapItem

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].expiresAt.Before(h[j].expiresAt) }
func (h expiryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *expiryHeap) Push(x any) { *h = append(*h, x.(*heapItem)) }

func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
