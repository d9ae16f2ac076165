package worker

import (
	"context"
	"path/filepath"
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

type env struct {
	sim   *broker.Simulation
	reg   *registry.Registry
	locks *locktable.Table
	eng   *slengine.Engine
	clk   *clock.Fake
}

func newEnv(t *testing.T) *env {
	t.Helper()
	sim := broker.NewSimulation()
	sim.SetSymbol(broker.SymbolInfo{Symbol: sym, MinLot: 0.01, ContractValue: 1, TradeMode: broker.TradeModeFull})
	sim.SetQuote(sym, 100, 100, time.Now())

	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	reg := registry.New()
	locks := locktable.New()
	eng := slengine.NewEngine(
		reg, locks,
		circuit.New(3, 30*time.Second, 10*time.Minute),
		clock.NewRPCLimiter(1000),
		clock.NewPerTicketThrottle(clk, 100*time.Millisecond),
		sim, clk, journal.Nop(),
		slengine.Config{MaxRiskPerTradeUSD: 2.0, SweetSpotMinUSD: 0.03, SweetSpotMaxUSD: 0.10, TrailingIncrementUSD: 0.10, PullbackTolerancePct: 0.25},
		slengine.Options{LockTimeoutNormal: 100 * time.Millisecond, MaxRetries: 0},
	)
	return &env{sim: sim, reg: reg, locks: locks, eng: eng, clk: clk}
}

func TestMonitorBackfillsExternallyOpenedPosition(t *testing.T) {
	e := newEnv(t)
	res, err := e.sim.PlaceOrder(context.Background(), sym, broker.Long, 1, 98, nil)
	require.NoError(t, err)

	m := NewMonitor(e.reg, e.sim, e.eng, e.locks, journal.Nop(), nil, 5*time.Second)
	m.Pass(context.Background())

	pos, ok := e.reg.Get(res.Ticket)
	require.True(t, ok, "broker-side position must be adopted")
	assert.Equal(t, 1.0, pos.ContractValue)

	st, ok := e.eng.StateSnapshot(res.Ticket)
	require.True(t, ok)
	assert.Equal(t, slengine.StrictLoss, st.LastAppliedReason)
	assert.Equal(t, 98.0, st.LastAppliedSL)
}

func TestMonitorRestoresCheckpointedState(t *testing.T) {
	e := newEnv(t)
	res, err := e.sim.PlaceOrder(context.Background(), sym, broker.Long, 1, 98, nil)
	require.NoError(t, err)

	store, err := journal.OpenState(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Put(res.Ticket, journal.TicketState{
		PeakProfitUSD: 0.31, LastAppliedSL: 100.2325, LastAppliedReason: "TRAILING",
	}))

	m := NewMonitor(e.reg, e.sim, e.eng, e.locks, journal.Nop(), store, 5*time.Second)
	m.Pass(context.Background())

	st, ok := e.eng.StateSnapshot(res.Ticket)
	require.True(t, ok)
	assert.Equal(t, slengine.Trailing, st.LastAppliedReason)
	assert.Equal(t, 0.31, st.PeakProfitUSD)
}

func TestMonitorRecordsClosureAndForgets(t *testing.T) {
	e := newEnv(t)
	res, err := e.sim.PlaceOrder(context.Background(), sym, broker.Long, 1, 98, nil)
	require.NoError(t, err)

	m := NewMonitor(e.reg, e.sim, e.eng, e.locks, journal.Nop(), nil, 5*time.Second)
	m.Pass(context.Background())
	require.Equal(t, 1, e.reg.Len())

	// Stop-out at the broker between passes.
	e.sim.SetQuote(sym, 97.9, 97.9, time.Now())
	m.Pass(context.Background())

	assert.Equal(t, 0, e.reg.Len())
	_, ok := e.eng.StateSnapshot(res.Ticket)
	assert.False(t, ok, "engine state reclaimed after closure")
}

func TestSLWorkerTalliesOutcomes(t *testing.T) {
	e := newEnv(t)
	res, err := e.sim.PlaceOrder(context.Background(), sym, broker.Long, 1, 98, nil)
	require.NoError(t, err)
	sl := 98.0
	e.reg.Add(registry.Position{
		Ticket: res.Ticket, Symbol: sym, Direction: broker.Long,
		EntryPrice: 100, Volume: 1, ContractValue: 1, CurrentPrice: 100, CurrentSL: &sl,
	})
	e.eng.RestoreState(res.Ticket, 0, 98, slengine.StrictLoss)

	stats := &Stats{}
	w := NewSLWorker(e.eng, e.reg, nil, 50*time.Millisecond, stats)

	// Profit in the sweet spot: the iteration applies a break-even lock.
	e.clk.Advance(150 * time.Millisecond)
	e.sim.SetQuote(sym, 100.05, 100.05, time.Now())
	w.iterate(context.Background(), 1)

	assert.Equal(t, int64(1), stats.Attempts.Load())
	assert.Equal(t, int64(1), stats.Successes.Load())
	assert.Equal(t, int64(0), stats.Failures.Load())

	// Unchanged quote: NO_UPDATE ticks are not counted as attempts.
	e.clk.Advance(150 * time.Millisecond)
	w.iterate(context.Background(), 2)
	assert.Equal(t, int64(1), stats.Attempts.Load())
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	e := newEnv(t)
	w := NewSLWorker(e.eng, e.reg, nil, 50*time.Millisecond, &Stats{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	time.Sleep(120 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not drain after cancellation")
	}
}
