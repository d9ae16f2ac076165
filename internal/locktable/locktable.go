// Package locktable implements the per-ticket lock table: timeout-bounded
// acquisition, a force-releasing watchdog, and lazy, never-reused lock
// creation keyed by ticket.
//
// Locks are implemented as size-1 channels rather than sync.Mutex so that
// acquisition can time out cleanly and the watchdog can force-release a
// lock it does not own, without relying on sync.Mutex's unchecked-Unlock
// behavior.
package locktable

import (
	"sync"
	"time"
)

// Kind distinguishes the timeout class used when the lock was acquired.
type Kind int

const (
	Normal Kind = iota
	ProfitLocking
)

// StaleEvent is emitted when the watchdog force-releases a lock held
// longer than maxHoldTime.
type StaleEvent struct {
	Ticket   int64
	HolderID string
	HeldFor  time.Duration
}

type entry struct {
	ch chan struct{} // capacity 1; acts as the lock

	metaMu     sync.Mutex
	held       bool
	holderID   string
	acquiredAt time.Time
	kind       Kind
}

func newEntry() *entry { return &entry{ch: make(chan struct{}, 1)} }

// Table is the global lock table. A single mutex guards lookup/creation of
// per-ticket entries; the ticket locks themselves are only held during
// application.
type Table struct {
	mu      sync.Mutex
	entries map[int64]*entry
}

func New() *Table {
	return &Table{entries: make(map[int64]*entry)}
}

func (t *Table) get(ticket int64) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[ticket]
	if !ok {
		e = newEntry()
		t.entries[ticket] = e
	}
	return e
}

// Acquire attempts to take the lock for ticket within timeout, recording
// holderID and kind for diagnostics. On success it returns a release
// function the caller must call exactly once; on timeout it returns
// ok == false and the caller picks the fallback (the SL engine takes the
// emergency apply path only for positions losing beyond the risk cap).
func (t *Table) Acquire(ticket int64, timeout time.Duration, kind Kind, holderID string) (release func(), ok bool) {
	e := t.get(ticket)
	select {
	case e.ch <- struct{}{}:
		e.metaMu.Lock()
		e.held = true
		e.holderID = holderID
		e.acquiredAt = time.Now()
		e.kind = kind
		e.metaMu.Unlock()
		return func() { e.release() }, true
	case <-time.After(timeout):
		return nil, false
	}
}

func (e *entry) release() {
	e.metaMu.Lock()
	defer e.metaMu.Unlock()
	if !e.held {
		return
	}
	e.held = false
	<-e.ch
}

// SweepStale force-releases any lock held longer than maxHold, returning
// one StaleEvent per release for the caller to log as
// STALE_LOCK_FORCE_RELEASED.
func (t *Table) SweepStale(maxHold time.Duration) []StaleEvent {
	t.mu.Lock()
	snapshot := make(map[int64]*entry, len(t.entries))
	for k, v := range t.entries {
		snapshot[k] = v
	}
	t.mu.Unlock()

	var events []StaleEvent
	now := time.Now()
	for ticket, e := range snapshot {
		e.metaMu.Lock()
		if e.held && now.Sub(e.acquiredAt) > maxHold {
			holder := e.holderID
			held := now.Sub(e.acquiredAt)
			e.held = false
			e.metaMu.Unlock()
			select {
			case <-e.ch:
			default:
			}
			events = append(events, StaleEvent{Ticket: ticket, HolderID: holder, HeldFor: held})
			continue
		}
		e.metaMu.Unlock()
	}
	return events
}

// Reclaim drops the entry for a ticket no longer tracked by the registry or
// broker for two consecutive reconciliation passes. It is a no-op if the
// lock is currently held — the watchdog will eventually force it free, and
// the caller should retry Reclaim on the next pass.
func (t *Table) Reclaim(ticket int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[ticket]
	if !ok {
		return
	}
	e.metaMu.Lock()
	held := e.held
	e.metaMu.Unlock()
	if held {
		return
	}
	delete(t.entries, ticket)
}

// Len reports the number of tracked lock entries (diagnostic).
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
