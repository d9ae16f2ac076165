package slengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chidi150c/sltrader/internal/broker"
)

func testCfg() Config {
	return Config{
		MaxRiskPerTradeUSD:   2.0,
		SweetSpotMinUSD:      0.03,
		SweetSpotMaxUSD:      0.10,
		TrailingIncrementUSD: 0.10,
		PullbackTolerancePct: 0.25,
		BigJumpThresholdUSD:  0.40,
		BigJumpLockMarginUSD: 0.10,
		MaxPeakLockUSD:       0.80,
	}
}

func longView() PositionView {
	return PositionView{Direction: broker.Long, EntryPrice: 100, Volume: 1, ContractValue: 1}
}

func TestComputeStrictLossIgnoresPeakState(t *testing.T) {
	out, peak := Compute(longView(), -0.50, State{PeakProfitUSD: 5.0}, testCfg())
	require.Equal(t, StrictLoss, out.Reason)
	assert.InDelta(t, 98.0, out.TargetSL, 1e-9) // entry − maxRisk at cv·vol = 1
	assert.Equal(t, 5.0, peak)                  // untouched
}

func TestComputeSweetSpotBoundaries(t *testing.T) {
	cfg := testCfg()
	v := longView()

	// B1: exactly at the floor is SWEET_SPOT, not the dead zone.
	out, _ := Compute(v, cfg.SweetSpotMinUSD, State{}, cfg)
	require.Equal(t, SweetSpot, out.Reason)
	assert.Equal(t, v.EntryPrice, out.TargetSL)

	// B2: exactly at the ceiling is still SWEET_SPOT...
	out, _ = Compute(v, cfg.SweetSpotMaxUSD, State{}, cfg)
	assert.Equal(t, SweetSpot, out.Reason)

	// ...and ε above it enters TRAILING.
	out, _ = Compute(v, cfg.SweetSpotMaxUSD+1e-9, State{}, cfg)
	assert.Equal(t, Trailing, out.Reason)
}

func TestComputeDeadZoneNoUpdate(t *testing.T) {
	out, _ := Compute(longView(), 0.02, State{}, testCfg())
	assert.True(t, out.NoUpdate)

	out, _ = Compute(longView(), 0.0, State{}, testCfg())
	assert.True(t, out.NoUpdate)
}

func TestComputeTrailingElastic(t *testing.T) {
	cfg := testCfg()
	v := longView()

	// profit 0.14: floor = 0.00, peak-pullback = 0.14·0.75 = 0.105.
	out, peak := Compute(v, 0.14, State{}, cfg)
	require.Equal(t, Trailing, out.Reason)
	assert.InDelta(t, 0.14, peak, 1e-9)
	assert.InDelta(t, 100.105, out.TargetSL, 1e-9)

	// profit falls back to 0.18 off a 0.31 peak: lock holds at peak−allowed.
	st := State{PeakProfitUSD: 0.31, LastProfitUSD: 0.31}
	out, peak = Compute(v, 0.18, st, cfg)
	require.Equal(t, Trailing, out.Reason)
	assert.InDelta(t, 0.31, peak, 1e-9) // high-water mark never recedes
	assert.InDelta(t, 100.2325, out.TargetSL, 1e-9)
}

func TestComputeBigJumpThreshold(t *testing.T) {
	cfg := testCfg()
	v := longView()

	// B3: a delta equal to the threshold triggers the override.
	st := State{LastProfitUSD: 0.15}
	out, _ := Compute(v, 0.55, st, cfg)
	require.Equal(t, Trailing, out.Reason)
	assert.InDelta(t, 100.45, out.TargetSL, 1e-9) // peak − margin

	// Just below the threshold does not.
	st = State{LastProfitUSD: 0.16}
	out, _ = Compute(v, 0.55, st, cfg)
	// elastic = max(floor 0.40, 0.55·0.75 = 0.4125)
	assert.InDelta(t, 100.4125, out.TargetSL, 1e-9)
}

func TestComputePeakCapBoundary(t *testing.T) {
	cfg := testCfg()
	v := longView()

	// B4: cap activates iff peak ≥ 1.0. At profit 0.50 the floor is 0.40, so
	// peak 0.99 leaves elastic at 0.99·0.75 = 0.7425 (cap off), while peak
	// 1.00 gives 0.75 and the cap lifts it to 0.80.
	out, _ := Compute(v, 0.50, State{PeakProfitUSD: 0.99, LastProfitUSD: 0.50}, cfg)
	require.Equal(t, Trailing, out.Reason)
	assert.Less(t, out.TargetSL, 100.80)

	out, _ = Compute(v, 0.50, State{PeakProfitUSD: 1.00, LastProfitUSD: 0.50}, cfg)
	require.Equal(t, Trailing, out.Reason)
	assert.GreaterOrEqual(t, out.TargetSL, 100.80)
}

func TestComputeShortDirection(t *testing.T) {
	v := PositionView{Direction: broker.Short, EntryPrice: 100, Volume: 1, ContractValue: 1}
	cfg := testCfg()

	out, _ := Compute(v, -0.50, State{}, cfg)
	require.Equal(t, StrictLoss, out.Reason)
	assert.InDelta(t, 102.0, out.TargetSL, 1e-9) // loss capped above entry for a short

	out, _ = Compute(v, 0.05, State{}, cfg)
	require.Equal(t, SweetSpot, out.Reason)
	assert.Equal(t, 100.0, out.TargetSL)
}

// L2: same inputs, same outputs.
func TestComputeDeterministic(t *testing.T) {
	cfg := testCfg()
	st := State{PeakProfitUSD: 0.4, LastProfitUSD: 0.35}
	a, peakA := Compute(longView(), 0.37, st, cfg)
	b, peakB := Compute(longView(), 0.37, st, cfg)
	assert.Equal(t, a, b)
	assert.Equal(t, peakA, peakB)
}

func TestMonotonic(t *testing.T) {
	assert.True(t, Monotonic(broker.Long, 100, 101))
	assert.True(t, Monotonic(broker.Long, 100, 100))
	assert.False(t, Monotonic(broker.Long, 100, 99))
	assert.True(t, Monotonic(broker.Short, 100, 99))
	assert.False(t, Monotonic(broker.Short, 100, 101))
}

func TestPriceForProfitRoundTrip(t *testing.T) {
	v := PositionView{Direction: broker.Long, EntryPrice: 1.2345, Volume: 0.02, ContractValue: 100000}
	p := priceForProfit(v, -2.0)
	// loss at that price equals the target
	loss := (p - v.EntryPrice) * v.ContractValue * v.Volume
	assert.InDelta(t, -2.0, loss, 1e-9)
}
