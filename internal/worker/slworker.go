// Package worker hosts the engine's long-running agents: the SL worker
// (continuous per-ticket stop enforcement), the position monitor
// (registry/broker reconciliation), and the periodic metrics snapshot
// reporter.
package worker

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/chidi150c/sltrader/internal/exitbypass"
	"github.com/chidi150c/sltrader/internal/registry"
	"github.com/chidi150c/sltrader/internal/slengine"
)

// Stats are the aggregate counters the snapshot reporter publishes every
// 30s. All fields are updated atomically by the worker.
type Stats struct {
	Attempts         atomic.Int64
	Successes        atomic.Int64
	Failures         atomic.Int64
	LockContentions  atomic.Int64
	EmergencyApplies atomic.Int64
	RateLimitedSkips atomic.Int64
}

// SLWorker drives the SL application engine across every tracked ticket on
// a fixed cadence.
type SLWorker struct {
	eng      *slengine.Engine
	reg      *registry.Registry
	sweeper  *exitbypass.Sweeper // may be nil
	interval time.Duration
	budget   time.Duration // per-iteration duration budget before SLOW_ITERATION logs
	stats    *Stats
}

// NewSLWorker builds the worker. interval is floored at 50ms; the
// SLOW_ITERATION budget is fixed at 1s.
func NewSLWorker(eng *slengine.Engine, reg *registry.Registry, sweeper *exitbypass.Sweeper, interval time.Duration, stats *Stats) *SLWorker {
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	return &SLWorker{eng: eng, reg: reg, sweeper: sweeper, interval: interval, budget: time.Second, stats: stats}
}

// Run loops until ctx is cancelled. Each iteration snapshots the registry
// keys and applies the engine to every ticket sequentially; the engine
// re-fetches per ticket, so the snapshot going stale mid-iteration is
// harmless. The worker never retains a lock across iterations — every lock
// is acquired and released inside UpdateSLAtomic.
func (w *SLWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	iter := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			iter++
			w.iterate(ctx, iter)
		}
	}
}

func (w *SLWorker) iterate(ctx context.Context, iter int) {
	start := time.Now()
	tickets := w.reg.Tickets()
	perTicket := make(map[int64]time.Duration, len(tickets))

	for _, ticket := range tickets {
		if ctx.Err() != nil {
			return
		}
		t0 := time.Now()
		res := w.eng.UpdateSLAtomic(ctx, ticket, fmt.Sprintf("sl-worker/%d", iter))
		perTicket[ticket] = time.Since(t0)
		w.tally(res)
	}

	if w.sweeper != nil {
		w.sweeper.Sweep(ctx, time.Now())
	}

	if elapsed := time.Since(start); elapsed > w.budget {
		log.Printf("[WARN] SLOW_ITERATION iter=%d elapsed=%s tickets=%d", iter, elapsed, len(tickets))
		for ticket, d := range perTicket {
			log.Printf("[WARN]   ticket=%d took=%s", ticket, d)
		}
	}
}

func (w *SLWorker) tally(res slengine.Result) {
	if w.stats == nil {
		return
	}
	switch res.Outcome {
	case slengine.NoUpdate, slengine.Throttled, slengine.NoPosition, slengine.CircuitOpen:
		return
	}
	w.stats.Attempts.Add(1)
	switch res.Outcome {
	case slengine.OK:
		w.stats.Successes.Add(1)
	case slengine.EmergencyApplied:
		w.stats.Successes.Add(1)
		w.stats.EmergencyApplies.Add(1)
	case slengine.LockTimeout:
		w.stats.LockContentions.Add(1)
	case slengine.RateLimited:
		w.stats.RateLimitedSkips.Add(1)
	default:
		w.stats.Failures.Add(1)
	}
}
