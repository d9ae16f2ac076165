package entry

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
	"github.com/chidi150c/sltrader/internal/signal"
	"github.com/chidi150c/sltrader/internal/slengine"
)

func testPlacer(t *testing.T, sim *broker.Simulation) (*Placer, *registry.Registry, *slengine.Engine) {
	t.Helper()
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	reg := registry.New()
	eng := slengine.NewEngine(
		reg, locktable.New(),
		circuit.New(3, 30*time.Second, 10*time.Minute),
		clock.NewRPCLimiter(1000),
		clock.NewPerTicketThrottle(clk, 100*time.Millisecond),
		sim, clk, journal.Nop(),
		slengine.Config{MaxRiskPerTradeUSD: 2.0, SweetSpotMinUSD: 0.03, SweetSpotMaxUSD: 0.10, TrailingIncrementUSD: 0.10, PullbackTolerancePct: 0.25},
		slengine.Options{LockTimeoutNormal: 100 * time.Millisecond, MaxRetries: 0},
	)
	p := NewPlacer(Config{MaxRiskPerTradeUSD: 2.0, DefaultLot: 0.01, MaxLotCap: 0.05, Mode: "simulation"}, sim, reg, eng)
	return p, reg, eng
}

func TestLotFor(t *testing.T) {
	p, _, _ := testPlacer(t, broker.NewSimulation())

	// Broker minimum below the default: the default wins.
	lot, err := p.LotFor(broker.SymbolInfo{Symbol: "A", MinLot: 0.005})
	require.NoError(t, err)
	assert.Equal(t, 0.01, lot)

	// Broker minimum above the default but inside the cap.
	lot, err = p.LotFor(broker.SymbolInfo{Symbol: "B", MinLot: 0.03})
	require.NoError(t, err)
	assert.Equal(t, 0.03, lot)

	// Broker minimum above the cap: the symbol is skipped.
	_, err = p.LotFor(broker.SymbolInfo{Symbol: "C", MinLot: 0.08})
	assert.Error(t, err)
}

func TestInitialSLRealizesRiskCap(t *testing.T) {
	p, _, _ := testPlacer(t, broker.NewSimulation())
	sym := broker.SymbolInfo{Symbol: "EURUSD", ContractValue: 100000}
	q := broker.Quote{Bid: 1.1000, Ask: 1.1000}

	sl := p.initialSL(sym, broker.Long, 1.1000, 0.01, q)
	// loss at sl = (sl − entry)·cv·vol = −2.0
	loss := (sl - 1.1000) * sym.ContractValue * 0.01
	assert.InDelta(t, -2.0, loss, 1e-9)

	sl = p.initialSL(sym, broker.Short, 1.1000, 0.01, q)
	loss = (1.1000 - sl) * sym.ContractValue * 0.01
	assert.InDelta(t, -2.0, loss, 1e-9)
}

func TestInitialSLWidensForStopsLevel(t *testing.T) {
	p, _, _ := testPlacer(t, broker.NewSimulation())
	// Stops level demands more distance than the risk cap allows.
	sym := broker.SymbolInfo{Symbol: "EURUSD", ContractValue: 100000, StopsLevel: 0.0050}
	q := broker.Quote{Bid: 1.1000, Ask: 1.1000}

	sl := p.initialSL(sym, broker.Long, 1.1000, 0.01, q)
	assert.InDelta(t, 1.0950, sl, 1e-9) // bid − stops_level, wider than the cap distance

	// The widened stop means the max loss exceeds the cap by a bounded
	// amount — but a stop always exists.
	loss := (1.1000 - sl) * sym.ContractValue * 0.01
	assert.Greater(t, loss, 2.0)
}

func TestPlaceRegistersPositionWithStrictLossState(t *testing.T) {
	sim := broker.NewSimulation()
	sym := broker.SymbolInfo{Symbol: "EURUSD", MinLot: 0.01, ContractValue: 100000, TradeMode: broker.TradeModeFull}
	sim.SetSymbol(sym)
	sim.SetQuote("EURUSD", 1.1000, 1.1002, time.Now())

	p, reg, eng := testPlacer(t, sim)
	ticket, err := p.Place(context.Background(), sym, signal.Intent{Symbol: "EURUSD", Direction: broker.Long, QualityScore: 80})
	require.NoError(t, err)

	pos, ok := reg.Get(ticket)
	require.True(t, ok)
	assert.Equal(t, 1.1002, pos.EntryPrice) // filled at ask
	assert.Equal(t, 0.01, pos.Volume)
	require.NotNil(t, pos.CurrentSL)
	assert.Less(t, *pos.CurrentSL, pos.EntryPrice)

	st, ok := eng.StateSnapshot(ticket)
	require.True(t, ok)
	assert.Equal(t, slengine.StrictLoss, st.LastAppliedReason)
	assert.Equal(t, 0.0, st.PeakProfitUSD)
}
