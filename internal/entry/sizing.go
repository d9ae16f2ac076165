// Package entry turns a gated signal into a live position: lot sizing under
// the risk cap, initial stop placement, order submission with partial-fill
// acceptance, and registry/SL-state initialization.
package entry

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chidi150c/sltrader/internal/broker"
	"github.com/chidi150c/sltrader/internal/metrics"
	"github.com/chidi150c/sltrader/internal/registry"
	"github.com/chidi150c/sltrader/internal/signal"
	"github.com/chidi150c/sltrader/internal/slengine"
)

// Config is the sizing parameter set.
type Config struct {
	MaxRiskPerTradeUSD float64
	DefaultLot         float64
	MaxLotCap          float64
	Mode               string // "LIVE"|"SIMULATION", metric label only
}

// Placer opens positions. It owns no loop; the scan loop calls Place once
// per accepted signal.
type Placer struct {
	cfg Config
	brk broker.Broker
	reg *registry.Registry
	eng *slengine.Engine
}

func NewPlacer(cfg Config, brk broker.Broker, reg *registry.Registry, eng *slengine.Engine) *Placer {
	return &Placer{cfg: cfg, brk: brk, reg: reg, eng: eng}
}

// LotFor picks the volume for sym: start from the default lot, bump to the
// broker minimum when required, and refuse the symbol entirely when even
// the minimum exceeds the cap.
func (p *Placer) LotFor(sym broker.SymbolInfo) (float64, error) {
	lot := p.cfg.DefaultLot
	if sym.MinLot > lot {
		lot = sym.MinLot
	}
	if lot > p.cfg.MaxLotCap {
		return 0, fmt.Errorf("entry: min lot %.4f for %s exceeds cap %.4f", sym.MinLot, sym.Symbol, p.cfg.MaxLotCap)
	}
	if sym.LotStep > 0 {
		l := decimal.NewFromFloat(lot)
		s := decimal.NewFromFloat(sym.LotStep)
		snapped, _ := l.Div(s).Floor().Mul(s).Float64()
		if snapped >= sym.MinLot && snapped > 0 {
			lot = snapped
		}
	}
	return lot, nil
}

// initialSL computes the stop that loses exactly the risk cap at volume,
// then widens it to the stops-level minimum distance if the broker demands
// more room. The widened case means realized loss can exceed the cap by a
// bounded, logged amount — but an order is never placed without a stop.
func (p *Placer) initialSL(sym broker.SymbolInfo, dir broker.Direction, entryPrice, volume float64, q broker.Quote) float64 {
	denom := sym.ContractValue * volume
	dist := 0.0
	if denom > 0 {
		dist = p.cfg.MaxRiskPerTradeUSD / denom
	}
	sl := entryPrice - dist
	if dir == broker.Short {
		sl = entryPrice + dist
	}

	minDist := sym.StopsLevel + sym.Spread
	if minDist <= 0 {
		return sl
	}
	if dir == broker.Short {
		floor := q.Ask + minDist
		if sl < floor {
			slack := (floor - sl) * denom
			log.Printf("[WARN] stops-level widened initial SL symbol=%s sl=%.5f->%.5f extra_risk_usd=%.2f", sym.Symbol, sl, floor, slack)
			sl = floor
		}
		return sl
	}
	ceil := q.Bid - minDist
	if sl > ceil {
		slack := (sl - ceil) * denom
		log.Printf("[WARN] stops-level widened initial SL symbol=%s sl=%.5f->%.5f extra_risk_usd=%.2f", sym.Symbol, sl, ceil, slack)
		sl = ceil
	}
	return sl
}

// Place sizes and submits a market order for intent, accepting partial
// fills for the reported portion, and registers the resulting ticket with
// STRICT_LOSS initial state. Returns the new ticket.
func (p *Placer) Place(ctx context.Context, sym broker.SymbolInfo, intent signal.Intent) (int64, error) {
	lot, err := p.LotFor(sym)
	if err != nil {
		return 0, err
	}

	q, err := p.brk.GetQuote(ctx, sym.Symbol)
	if err != nil {
		return 0, fmt.Errorf("entry: quote %s: %w", sym.Symbol, err)
	}
	expectedEntry := q.Ask
	if intent.Direction == broker.Short {
		expectedEntry = q.Bid
	}
	sl := p.initialSL(sym, intent.Direction, expectedEntry, lot, q)

	res, err := p.brk.PlaceOrder(ctx, sym.Symbol, intent.Direction, lot, sl, nil)
	if err != nil {
		return 0, fmt.Errorf("entry: place %s: %w", sym.Symbol, err)
	}
	switch res.Status {
	case broker.Rejected:
		return 0, fmt.Errorf("entry: rejected %s: %s", sym.Symbol, res.RejectReason)
	case broker.Partial:
		log.Printf("[WARN] partial fill ticket=%d symbol=%s requested=%.4f filled=%.4f (remainder discarded)",
			res.Ticket, sym.Symbol, lot, res.ActualVolume)
	}

	// The stop placed with the order was sized against the expected entry;
	// if the fill price or volume differed, the first worker pass recomputes
	// STRICT_LOSS against the actual fill through the application engine.
	// All post-placement stop movement stays on that single path.

	p.reg.Add(registry.Position{
		Ticket:        res.Ticket,
		Symbol:        sym.Symbol,
		Direction:     intent.Direction,
		EntryPrice:    res.ActualPrice,
		Volume:        res.ActualVolume,
		ContractValue: sym.ContractValue,
		CurrentPrice:  res.ActualPrice,
		CurrentSL:     &sl,
		OpenedAt:      time.Now(),
	})
	p.eng.RestoreState(res.Ticket, 0, sl, slengine.StrictLoss)

	metrics.IncOrder(p.cfg.Mode, intent.Direction.String())
	metrics.SetOpenPositions(p.reg.Len())
	log.Printf("[ENTRY] ticket=%d symbol=%s dir=%s vol=%.4f entry=%.5f sl=%.5f score=%.0f",
		res.Ticket, sym.Symbol, intent.Direction, res.ActualVolume, res.ActualPrice, sl, intent.QualityScore)
	return res.Ticket, nil
}
