package exitbypass

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chidi150c/sltrader/internal/broker"
	"github.com/chidi150c/sltrader/internal/circuit"
	"github.com/chidi150c/sltrader/internal/clock"
	"github.com/chidi150c/sltrader/internal/journal"
	"github.com/chidi150c/sltrader/internal/locktable"
	"github.com/chidi150c/sltrader/internal/registry"
	"github.com/chidi150c/sltrader/internal/slengine"
)

const sym = "XYZUSD"

type fixture struct {
	sim    *broker.Simulation
	reg    *registry.Registry
	eng    *slengine.Engine
	ticket int64
}

// newFixture opens a LONG at entry 100 (cv·vol = 1), sets the tracked and
// quoted price to 100+profit, and tags the SL state with reason.
func newFixture(t *testing.T, profit float64, reason slengine.Reason) *fixture {
	t.Helper()
	sim := broker.NewSimulation()
	sim.SetSymbol(broker.SymbolInfo{Symbol: sym, MinLot: 0.01, ContractValue: 1, TradeMode: broker.TradeModeFull})
	sim.SetQuote(sym, 100, 100, time.Now())
	res, err := sim.PlaceOrder(context.Background(), sym, broker.Long, 1, 98, nil)
	require.NoError(t, err)

	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	reg := registry.New()
	sl := 98.0
	reg.Add(registry.Position{
		Ticket: res.Ticket, Symbol: sym, Direction: broker.Long,
		EntryPrice: 100, Volume: 1, ContractValue: 1, CurrentPrice: 100 + profit, CurrentSL: &sl,
		OpenedAt: time.Unix(1_700_000_000, 0),
	})

	eng := slengine.NewEngine(
		reg, locktable.New(),
		circuit.New(3, 30*time.Second, 10*time.Minute),
		clock.NewRPCLimiter(1000),
		clock.NewPerTicketThrottle(clk, 100*time.Millisecond),
		sim, clk, journal.Nop(),
		slengine.Config{MaxRiskPerTradeUSD: 2.0, SweetSpotMinUSD: 0.03, SweetSpotMaxUSD: 0.10, TrailingIncrementUSD: 0.10, PullbackTolerancePct: 0.25},
		slengine.Options{LockTimeoutNormal: 100 * time.Millisecond, MaxRetries: 0},
	)
	eng.RestoreState(res.Ticket, 0, 98, reason)

	price := 100 + profit
	sim.SetQuote(sym, price, price, time.Now())
	return &fixture{sim: sim, reg: reg, eng: eng, ticket: res.Ticket}
}

func microCfg() Config {
	return Config{
		SweetSpotMinUSD:      0.03,
		SweetSpotMaxUSD:      0.10,
		TrailingIncrementUSD: 0.10,
		BufferUSD:            0.02,
	}
}

func TestMicroProfitClosesProtectedPosition(t *testing.T) {
	f := newFixture(t, 0.07, slengine.SweetSpot)
	s := NewSweeper(microCfg(), f.reg, f.eng, f.sim)

	s.Sweep(context.Background(), time.Now())

	closed := f.sim.Closed()
	require.Len(t, closed, 1)
	assert.Equal(t, "micro_profit", closed[0].Comment)
	_, tracked := f.reg.Get(f.ticket)
	assert.False(t, tracked)
}

func TestMicroProfitNeverClosesBelowFloor(t *testing.T) {
	// 0.04 clears the band minimum but not min+buffer.
	f := newFixture(t, 0.04, slengine.SweetSpot)
	s := NewSweeper(microCfg(), f.reg, f.eng, f.sim)

	s.Sweep(context.Background(), time.Now())
	assert.Empty(t, f.sim.Closed())
}

func TestMicroProfitNeverClosesLosingPosition(t *testing.T) {
	f := newFixture(t, -0.50, slengine.SweetSpot)
	s := NewSweeper(microCfg(), f.reg, f.eng, f.sim)

	s.Sweep(context.Background(), time.Now())
	assert.Empty(t, f.sim.Closed())
}

func TestMicroProfitRequiresProtectedState(t *testing.T) {
	f := newFixture(t, 0.07, slengine.StrictLoss)
	s := NewSweeper(microCfg(), f.reg, f.eng, f.sim)

	s.Sweep(context.Background(), time.Now())
	assert.Empty(t, f.sim.Closed())
}

func TestMicroProfitAboveBandOnlyWithExtendedHeuristic(t *testing.T) {
	// 0.21 sits just past the 0.20 increment multiple.
	f := newFixture(t, 0.21, slengine.Trailing)
	s := NewSweeper(microCfg(), f.reg, f.eng, f.sim)
	s.Sweep(context.Background(), time.Now())
	assert.Empty(t, f.sim.Closed(), "extended band is off by default")

	cfg := microCfg()
	cfg.ExtendedBand = true
	cfg.BandMarginUSD = 0.02
	f = newFixture(t, 0.21, slengine.Trailing)
	s = NewSweeper(cfg, f.reg, f.eng, f.sim)
	s.Sweep(context.Background(), time.Now())
	require.Len(t, f.sim.Closed(), 1)
}

func TestMicroProfitReReadAbortsWhenGainEvaporates(t *testing.T) {
	f := newFixture(t, 0.07, slengine.SweetSpot)
	// The live quote has already fallen back to entry even though the
	// registry snapshot still shows the gain.
	f.sim.SetQuote(sym, 100.00, 100.00, time.Now())

	s := NewSweeper(microCfg(), f.reg, f.eng, f.sim)
	s.Sweep(context.Background(), time.Now())
	assert.Empty(t, f.sim.Closed())
	_, tracked := f.reg.Get(f.ticket)
	assert.True(t, tracked)
}

func TestComplianceClosureIgnoresProfit(t *testing.T) {
	f := newFixture(t, -0.50, slengine.StrictLoss)
	s := NewSweeper(microCfg(), f.reg, f.eng, f.sim, OvernightHold(8*time.Hour))

	s.Sweep(context.Background(), time.Unix(1_700_000_000, 0).Add(9*time.Hour))

	closed := f.sim.Closed()
	require.Len(t, closed, 1)
	assert.Equal(t, "compliance:overnight_hold", closed[0].Comment)
}

func TestInBandMultiples(t *testing.T) {
	cfg := microCfg()
	cfg.ExtendedBand = true
	cfg.BandMarginUSD = 0.02
	s := NewSweeper(cfg, nil, nil, nil)

	assert.True(t, s.inBand(0.08))  // primary band
	assert.True(t, s.inBand(0.10))  // band ceiling
	assert.True(t, s.inBand(0.19))  // within margin of 0.20
	assert.True(t, s.inBand(0.41))  // within margin of 0.40
	assert.False(t, s.inBand(0.15)) // between multiples
}
