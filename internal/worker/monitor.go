package worker

import (
	"context"
	"log"
	"time"

	"github.com/chidi150c/sltrader/internal/broker"
	"github.com/chidi150c/sltrader/internal/journal"
	"github.com/chidi150c/sltrader/internal/locktable"
	"github.com/chidi150c/sltrader/internal/metrics"
	"github.com/chidi150c/sltrader/internal/registry"
	"github.com/chidi150c/sltrader/internal/slengine"
)

// Monitor is the position monitor: it reconciles the registry against the
// broker every interval (>= 5s), backfills positions the core missed,
// records closures for tickets that vanished, and reclaims lock/throttle
// state for tickets gone two consecutive passes.
type Monitor struct {
	reg      *registry.Registry
	brk      broker.Broker
	eng      *slengine.Engine
	locks    *locktable.Table
	jrnl     *journal.Journal
	store    *journal.StateStore // may be nil
	interval time.Duration
}

func NewMonitor(reg *registry.Registry, brk broker.Broker, eng *slengine.Engine, locks *locktable.Table, jrnl *journal.Journal, store *journal.StateStore, interval time.Duration) *Monitor {
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}
	return &Monitor{reg: reg, brk: brk, eng: eng, locks: locks, jrnl: jrnl, store: store, interval: interval}
}

// Run loops until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Pass(ctx)
		}
	}
}

// Pass performs one reconciliation pass. Exported so tests and the boot
// sequence can run it synchronously.
func (m *Monitor) Pass(ctx context.Context) {
	brokerPositions, err := m.brk.GetPositions(ctx)
	if err != nil {
		log.Printf("[WARN] reconcile: GetPositions: %v", err)
		return
	}

	// Last-known view, for classifying closures after Reconcile drops them.
	prior := make(map[int64]registry.Position)
	for _, p := range m.reg.Snapshot() {
		prior[p.Ticket] = p
	}

	contractValue := m.contractValueFn(ctx)
	result := m.reg.Reconcile(brokerPositions, contractValue)

	for _, p := range result.Backfilled {
		m.seedState(p)
	}

	for _, ticket := range result.Closed {
		last, known := prior[ticket]
		profit := 0.0
		reason := "sl_loss"
		side := "LONG"
		if known {
			profit = last.ProfitUSD()
			side = last.Direction.String()
			if profit >= 0 {
				reason = "sl_profit"
			}
		}
		m.jrnl.RecordClosure(journal.Closure{Ticket: ticket, CloseTime: time.Now(), CloseReason: reason, ProfitUSD: profit})
		metrics.IncExitReason(reason, side)
		m.eng.Forget(ticket)
		if m.store != nil {
			_ = m.store.Delete(ticket)
		}
	}

	for _, ticket := range result.Reclaimable {
		m.locks.Reclaim(ticket)
	}

	// Checkpoint the durable slice of every live ticket's state.
	if m.store != nil {
		for _, p := range m.reg.Snapshot() {
			if st, ok := m.eng.StateSnapshot(p.Ticket); ok {
				_ = m.store.Put(p.Ticket, journal.TicketState{
					PeakProfitUSD:     st.PeakProfitUSD,
					LastAppliedSL:     st.LastAppliedSL,
					LastAppliedReason: st.LastAppliedReason.String(),
					UpdatedAt:         time.Now(),
				})
			}
		}
	}

	metrics.SetOpenPositions(m.reg.Len())
}

// seedState initializes SL state for a backfilled position: from the
// checkpoint store when one exists, else defaults derived from the broker's
// reported stop.
func (m *Monitor) seedState(p registry.Position) {
	if m.store != nil {
		if st, found, err := m.store.Get(p.Ticket); err == nil && found {
			m.eng.RestoreState(p.Ticket, st.PeakProfitUSD, st.LastAppliedSL, reasonFromString(st.LastAppliedReason))
			log.Printf("[RECONCILE] restored checkpointed state ticket=%d peak=%.2f sl=%.5f", p.Ticket, st.PeakProfitUSD, st.LastAppliedSL)
			return
		}
	}
	sl := p.EntryPrice
	if p.CurrentSL != nil {
		sl = *p.CurrentSL
	}
	m.eng.RestoreState(p.Ticket, 0, sl, slengine.StrictLoss)
}

// contractValueFn resolves contract values for backfilled symbols from a
// one-shot GetSymbols snapshot; unknown symbols fall back to 1.0.
func (m *Monitor) contractValueFn(ctx context.Context) func(string) float64 {
	byName := make(map[string]float64)
	if symbols, err := m.brk.GetSymbols(ctx); err == nil {
		for _, s := range symbols {
			byName[s.Symbol] = s.ContractValue
		}
	}
	return func(symbol string) float64 {
		if cv, ok := byName[symbol]; ok && cv > 0 {
			return cv
		}
		return 1.0
	}
}

func reasonFromString(s string) slengine.Reason {
	switch s {
	case "STRICT_LOSS":
		return slengine.StrictLoss
	case "SWEET_SPOT":
		return slengine.SweetSpot
	case "TRAILING":
		return slengine.Trailing
	case "EMERGENCY":
		return slengine.Emergency
	default:
		return slengine.ReasonNone
	}
}
