// Package registry holds the in-memory, ticket-keyed mirror of open
// positions, kept honest by periodic reconciliation against
// broker.GetPositions.
package registry

import (
	"log"
	"sync"
	"time"

	"github.com/chidi150c/sltrader/internal/broker"
)

// Position is the registry's authoritative view of one open position.
type Position struct {
	Ticket        int64
	Symbol        string
	Direction     broker.Direction
	EntryPrice    float64
	Volume        float64
	ContractValue float64
	CurrentPrice  float64
	CurrentSL     *float64
	OpenedAt      time.Time
	Version       uint64
}

// ProfitUSD computes the closing profit at CurrentPrice.
func (p Position) ProfitUSD() float64 {
	diff := p.CurrentPrice - p.EntryPrice
	if p.Direction == broker.Short {
		diff = -diff
	}
	return diff * p.ContractValue * p.Volume
}

// Registry is the multiple-readers/serialized-writers store: the scan loop
// adds on fill, the position monitor removes on close and updates on
// reconciliation, and the SL application engine updates CurrentPrice/
// CurrentSL after each read.
type Registry struct {
	mu          sync.RWMutex
	positions   map[int64]*Position
	missingRuns map[int64]int // consecutive reconcile passes absent from broker; reclaim after 2
}

func New() *Registry {
	return &Registry{
		positions:   make(map[int64]*Position),
		missingRuns: make(map[int64]int),
	}
}

// Add registers a newly-filled position (called by the entry path after a
// successful PlaceOrder).
func (r *Registry) Add(p Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.Version = 1
	r.positions[p.Ticket] = &p
	delete(r.missingRuns, p.Ticket)
}

// Remove drops a ticket, e.g. on confirmed closure.
func (r *Registry) Remove(ticket int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.positions, ticket)
	delete(r.missingRuns, ticket)
}

// Get returns a copy of the tracked position, if any.
func (r *Registry) Get(ticket int64) (Position, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.positions[ticket]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// UpdateQuote updates CurrentPrice (and CurrentSL, if supplied) for ticket
// and bumps Version. Called by the SL Application Engine after each fresh
// quote/position read.
func (r *Registry) UpdateQuote(ticket int64, price float64, sl *float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.positions[ticket]
	if !ok {
		return
	}
	p.CurrentPrice = price
	if sl != nil {
		p.CurrentSL = sl
	}
	p.Version++
}

// UpdateSL updates only the broker-reported stop for ticket.
func (r *Registry) UpdateSL(ticket int64, sl *float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.positions[ticket]
	if !ok || sl == nil {
		return
	}
	p.CurrentSL = sl
	p.Version++
}

// Tickets returns a snapshot of tracked ticket IDs. Callers copy this
// before doing broker I/O so they never hold the registry mutex across a
// network call.
func (r *Registry) Tickets() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int64, 0, len(r.positions))
	for t := range r.positions {
		out = append(out, t)
	}
	return out
}

// Snapshot returns a copy of every tracked position.
func (r *Registry) Snapshot() []Position {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Position, 0, len(r.positions))
	for _, p := range r.positions {
		out = append(out, *p)
	}
	return out
}

// Len reports the number of tracked positions (used by the portfolio cap).
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.positions)
}

// ReconcileResult reports the effect of one reconciliation pass.
type ReconcileResult struct {
	Backfilled []Position // broker-side positions the core was missing
	Closed     []int64    // tracked tickets no longer open at the broker
	Reclaimable []int64   // tickets absent two consecutive passes; safe to drop locks/throttle state for
}

// Reconcile compares the registry against a fresh broker.GetPositions
// snapshot. Backfilled entries get their SL state from the caller (the
// registry itself does not own SL state); Closed entries are logged and
// removed from the registry here, and the caller reclaims any
// lock/throttle state. A tracked ticket missing from the broker for two
// consecutive passes is reported in Reclaimable so the lock table and
// per-ticket throttle can drop their entries instead of growing without
// bound.
func (r *Registry) Reconcile(brokerPositions []broker.Position, contractValue func(symbol string) float64) ReconcileResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[int64]bool, len(brokerPositions))
	var result ReconcileResult

	// Snapshot the missing-streak before this pass mutates it, so a ticket
	// that goes missing THIS pass doesn't get double-counted against the
	// two-consecutive-passes threshold.
	priorMissing := make(map[int64]int, len(r.missingRuns))
	for k, v := range r.missingRuns {
		priorMissing[k] = v
	}

	for _, bp := range brokerPositions {
		seen[bp.Ticket] = true
		delete(r.missingRuns, bp.Ticket) // reappeared; reset streak
		if _, ok := r.positions[bp.Ticket]; ok {
			continue
		}
		p := Position{
			Ticket:        bp.Ticket,
			Symbol:        bp.Symbol,
			Direction:     bp.Direction,
			EntryPrice:    bp.EntryPrice,
			Volume:        bp.Volume,
			ContractValue: contractValue(bp.Symbol),
			CurrentSL:     bp.CurrentSL,
			OpenedAt:      bp.OpenedAt,
			Version:       1,
		}
		r.positions[bp.Ticket] = &p
		result.Backfilled = append(result.Backfilled, p)
		log.Printf("[RECONCILE] backfilled ticket=%d symbol=%s (opened externally or missed on restart)", bp.Ticket, bp.Symbol)
	}

	for ticket := range r.positions {
		if seen[ticket] {
			continue
		}
		log.Printf("[RECONCILE] tracked ticket=%d no longer open at broker", ticket)
		result.Closed = append(result.Closed, ticket)
		delete(r.positions, ticket)
		r.missingRuns[ticket] = 1
	}

	for ticket, n := range priorMissing {
		if seen[ticket] {
			continue
		}
		streak := n + 1
		r.missingRuns[ticket] = streak
		if streak >= 2 {
			result.Reclaimable = append(result.Reclaimable, ticket)
			delete(r.missingRuns, ticket)
		}
	}

	return result
}
