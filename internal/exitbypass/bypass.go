// Package exitbypass implements the two sanctioned early closures: the
// micro-profit sweep, which banks a small confirmed gain on an
// already-protected position, and the compliance sweep, which closes
// positions when an external rule says they may not be held any longer.
// Both go through the SL application engine's CloseAtomic so closure stays
// on the single locked, rate-limited broker path.
package exitbypass

import (
	"context"
	"log"
	"math"
	"time"

	"github.com/chidi150c/sltrader/internal/broker"
	"github.com/chidi150c/sltrader/internal/registry"
	"github.com/chidi150c/sltrader/internal/slengine"
)

// Config parameterizes the micro-profit band.
type Config struct {
	SweetSpotMinUSD      float64
	SweetSpotMaxUSD      float64
	TrailingIncrementUSD float64
	BufferUSD            float64 // spread/slippage headroom over the band floor
	ExtendedBand         bool    // multiples-of-increment heuristic above the band; off by default
	BandMarginUSD        float64 // distance to a whole increment multiple that counts as "at" it
}

// CompliancePredicate reports whether an external rule forces pos closed,
// with a short reason tag (e.g. "overnight_hold").
type CompliancePredicate func(pos registry.Position, now time.Time) (string, bool)

// Sweeper scans open positions on the worker cadence and closes the ones
// that qualify.
type Sweeper struct {
	cfg        Config
	reg        *registry.Registry
	eng        *slengine.Engine
	brk        broker.Broker
	compliance []CompliancePredicate
}

func NewSweeper(cfg Config, reg *registry.Registry, eng *slengine.Engine, brk broker.Broker, compliance ...CompliancePredicate) *Sweeper {
	return &Sweeper{cfg: cfg, reg: reg, eng: eng, brk: brk, compliance: compliance}
}

// Sweep runs one pass over the registry snapshot. Closure errors are logged
// and retried on the next pass, never escalated — a failed bank attempt
// leaves the position protected by its stop.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) {
	for _, pos := range s.reg.Snapshot() {
		if reason, forced := s.complianceReason(pos, now); forced {
			if err := s.eng.CloseAtomic(ctx, pos.Ticket, "compliance:"+reason, "compliance-sweep"); err != nil {
				log.Printf("[WARN] compliance close failed ticket=%d: %v", pos.Ticket, err)
			}
			continue
		}
		s.microProfit(ctx, pos)
	}
}

func (s *Sweeper) complianceReason(pos registry.Position, now time.Time) (string, bool) {
	for _, pred := range s.compliance {
		if reason, forced := pred(pos, now); forced {
			return reason, true
		}
	}
	return "", false
}

// microProfit closes pos iff every precondition holds: profit clears the
// band floor plus buffer, sits in the primary band (or, when the extended
// heuristic is enabled, at a whole trailing-increment multiple above it),
// the stop is already in a protected state, and a re-read immediately
// before the close still clears the floor. It never touches a losing
// position.
func (s *Sweeper) microProfit(ctx context.Context, pos registry.Position) {
	floor := s.cfg.SweetSpotMinUSD + s.cfg.BufferUSD
	profit := pos.ProfitUSD()
	if profit < floor {
		return
	}
	if !s.inBand(profit) {
		return
	}

	st, ok := s.eng.StateSnapshot(pos.Ticket)
	if !ok {
		return
	}
	if st.LastAppliedReason != slengine.SweetSpot && st.LastAppliedReason != slengine.Trailing {
		return
	}

	// Re-read immediately before the close request; the gain must still be
	// there after the scan-to-close gap.
	q, err := s.brk.GetQuote(ctx, pos.Symbol)
	if err != nil {
		return
	}
	price := q.Bid
	if pos.Direction == broker.Short {
		price = q.Ask
	}
	fresh := pos
	fresh.CurrentPrice = price
	if fresh.ProfitUSD() < floor {
		return
	}

	if err := s.eng.CloseAtomic(ctx, pos.Ticket, "micro_profit", "micro-profit-sweep"); err != nil {
		log.Printf("[WARN] micro-profit close failed ticket=%d: %v", pos.Ticket, err)
		return
	}
	log.Printf("[EXIT] micro-profit banked ticket=%d profit=%.2f", pos.Ticket, fresh.ProfitUSD())
}

// inBand reports whether profit is inside the primary band or, when
// enabled, within BandMarginUSD of a whole multiple of the trailing
// increment above it.
func (s *Sweeper) inBand(profit float64) bool {
	if profit <= s.cfg.SweetSpotMaxUSD {
		return true
	}
	if !s.cfg.ExtendedBand || s.cfg.TrailingIncrementUSD <= 0 {
		return false
	}
	n := math.Round(profit / s.cfg.TrailingIncrementUSD)
	return math.Abs(profit-n*s.cfg.TrailingIncrementUSD) <= s.cfg.BandMarginUSD
}

// OvernightHold returns a compliance predicate closing any position held
// longer than maxHold.
func OvernightHold(maxHold time.Duration) CompliancePredicate {
	return func(pos registry.Position, now time.Time) (string, bool) {
		if !pos.OpenedAt.IsZero() && now.Sub(pos.OpenedAt) > maxHold {
			return "overnight_hold", true
		}
		return "", false
	}
}
