// Package slengine implements the pure SL computation engine and the
// stateful SL application engine: together the single source of truth for
// all stop-loss movement.
package slengine

import (
	"time"

	"github.com/chidi150c/sltrader/internal/broker"
)

// Reason tags why (or whether) an SL was applied.
type Reason int

const (
	ReasonNone Reason = iota
	StrictLoss
	SweetSpot
	Trailing
	Emergency
)

func (r Reason) String() string {
	switch r {
	case StrictLoss:
		return "STRICT_LOSS"
	case SweetSpot:
		return "SWEET_SPOT"
	case Trailing:
		return "TRAILING"
	case Emergency:
		return "EMERGENCY"
	default:
		return "NONE"
	}
}

// Config holds the subset of the global configuration the SL engine needs.
type Config struct {
	MaxRiskPerTradeUSD   float64
	SweetSpotMinUSD      float64
	SweetSpotMaxUSD      float64
	TrailingIncrementUSD float64
	PullbackTolerancePct float64
	BigJumpThresholdUSD  float64
	BigJumpLockMarginUSD float64
	MaxPeakLockUSD       float64
}

// State is the per-ticket SL state owned by the SL application engine.
type State struct {
	PeakProfitUSD       float64
	LastAppliedSL       float64
	LastAppliedReason   Reason
	LastAttemptAt       time.Time
	ConsecutiveFailures int
	CircuitOpenUntil    time.Time
	SweetSpotEnteredAt  time.Time
	VerificationPending bool
	VerifyAt            time.Time // earliest time the pending verification may run
	ActivationRecorded  bool      // sweet-spot activation metric emitted once per ticket
	LastProfitUSD       float64   // profit_usd observed on the previous tick, for big-jump delta
}

// PositionView is the minimal position data needed to convert a USD
// profit target back into a price.
type PositionView struct {
	Direction     broker.Direction
	EntryPrice    float64
	Volume        float64
	ContractValue float64
}

// priceForProfit inverts Position.ProfitUSD for a target USD profit,
// returning the SL price that realizes it.
func priceForProfit(pos PositionView, profitUSD float64) float64 {
	denom := pos.ContractValue * pos.Volume
	if denom == 0 {
		return pos.EntryPrice
	}
	delta := profitUSD / denom
	if pos.Direction == broker.Short {
		return pos.EntryPrice - delta
	}
	return pos.EntryPrice + delta
}

// Output is what the computation engine proposes for this tick.
type Output struct {
	Reason   Reason
	TargetSL float64
	NoUpdate bool
}
