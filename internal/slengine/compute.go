package slengine

import (
	"math"

	"github.com/chidi150c/sltrader/internal/broker"
)

// Compute is the pure SL computation engine. It is deterministic: the same
// (pos, profitUSD, state, cfg) always yields the same (Output, updated
// peak). It never mutates its inputs and never touches the broker,
// registry, or lock table.
//
// The returned newPeakProfitUSD must be persisted by the caller
// unconditionally (it is a high-water mark, not contingent on whether the
// proposed SL is actually applied). The caller also records LastProfitUSD
// every tick; LastAppliedSL and LastAppliedReason are only committed after
// a successful apply.
func Compute(pos PositionView, profitUSD float64, st State, cfg Config) (out Output, newPeakProfitUSD float64) {
	newPeakProfitUSD = st.PeakProfitUSD

	// 1. STRICT_LOSS — first match wins, never references peak state.
	if profitUSD < 0 {
		target := priceForProfit(pos, -cfg.MaxRiskPerTradeUSD)
		return Output{Reason: StrictLoss, TargetSL: target}, newPeakProfitUSD
	}

	// 2. SWEET_SPOT — immediate break-even lock, inclusive both ends (B1/B2).
	if profitUSD >= cfg.SweetSpotMinUSD && profitUSD <= cfg.SweetSpotMaxUSD {
		return Output{Reason: SweetSpot, TargetSL: pos.EntryPrice}, newPeakProfitUSD
	}

	// 3. TRAILING — profit strictly above the sweet-spot band.
	if profitUSD > cfg.SweetSpotMaxUSD {
		if profitUSD > newPeakProfitUSD {
			newPeakProfitUSD = profitUSD
		}

		inc := cfg.TrailingIncrementUSD
		floorLock := profitUSD
		if inc > 0 {
			floorLock = math.Floor(profitUSD/inc)*inc - inc
		}

		allowed := newPeakProfitUSD * cfg.PullbackTolerancePct
		elastic := math.Max(floorLock, newPeakProfitUSD-allowed)

		if profitUSD-st.LastProfitUSD >= cfg.BigJumpThresholdUSD {
			elastic = newPeakProfitUSD - cfg.BigJumpLockMarginUSD
		}

		if newPeakProfitUSD >= 1.0 {
			elastic = math.Max(elastic, cfg.MaxPeakLockUSD)
		}

		target := priceForProfit(pos, elastic)
		return Output{Reason: Trailing, TargetSL: target}, newPeakProfitUSD
	}

	// 4. Otherwise: profit in [0, sweet_spot_min_usd) — no change.
	return Output{Reason: ReasonNone, NoUpdate: true}, newPeakProfitUSD
}

// Monotonic reports whether moving the SL from cur to target is protective
// (or neutral) for dir. Compute never tightens or loosens a stop by itself;
// the caller applies this filter before acting on Output.TargetSL.
func Monotonic(dir broker.Direction, cur, target float64) bool {
	if dir == broker.Short {
		return target <= cur
	}
	return target >= cur
}
