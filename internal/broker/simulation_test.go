package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulationQuoteStaleness(t *testing.T) {
	s := NewSimulation()
	s.SetQuote("A", 100, 100.1, time.Now().Add(-6*time.Second))
	_, err := s.GetQuote(context.Background(), "A")
	assert.ErrorIs(t, err, ErrStaleQuote)

	s.SetQuote("A", 100, 100.1, time.Now())
	q, err := s.GetQuote(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, 100.0, q.Bid)
}

func TestSimulationFillsAtSide(t *testing.T) {
	s := NewSimulation()
	s.SetQuote("A", 99.9, 100.1, time.Now())

	res, err := s.PlaceOrder(context.Background(), "A", Long, 1, 98, nil)
	require.NoError(t, err)
	require.Equal(t, Filled, res.Status)
	assert.Equal(t, 100.1, res.ActualPrice) // long fills at ask

	res, err = s.PlaceOrder(context.Background(), "A", Short, 1, 102, nil)
	require.NoError(t, err)
	assert.Equal(t, 99.9, res.ActualPrice) // short fills at bid
}

func TestSimulationServerSideStopOut(t *testing.T) {
	s := NewSimulation()
	s.SetQuote("A", 100, 100, time.Now())
	res, err := s.PlaceOrder(context.Background(), "A", Long, 1, 98, nil)
	require.NoError(t, err)

	// Above the stop: still open.
	s.SetQuote("A", 99, 99, time.Now())
	positions, _ := s.GetPositions(context.Background())
	assert.Len(t, positions, 1)

	// Crossing the stop closes at the stop price, not the quote.
	s.SetQuote("A", 97.5, 97.5, time.Now())
	positions, _ = s.GetPositions(context.Background())
	assert.Empty(t, positions)

	closed := s.Closed()
	require.Len(t, closed, 1)
	assert.Equal(t, res.Ticket, closed[0].Ticket)
	assert.Equal(t, 98.0, closed[0].ExitPrice)
	assert.Equal(t, "stop_loss", closed[0].Comment)
}

func TestSimulationShortStopOut(t *testing.T) {
	s := NewSimulation()
	s.SetQuote("A", 100, 100, time.Now())
	_, err := s.PlaceOrder(context.Background(), "A", Short, 1, 102, nil)
	require.NoError(t, err)

	s.SetQuote("A", 102.5, 102.5, time.Now())
	closed := s.Closed()
	require.Len(t, closed, 1)
	assert.Equal(t, 102.0, closed[0].ExitPrice)
}

func TestSimulationModifyRespectsStopsLevel(t *testing.T) {
	s := NewSimulation()
	s.SetSymbol(SymbolInfo{Symbol: "A", StopsLevel: 0.5})
	s.SetQuote("A", 100, 100, time.Now())
	res, err := s.PlaceOrder(context.Background(), "A", Long, 1, 98, nil)
	require.NoError(t, err)

	m, err := s.ModifyOrder(context.Background(), res.Ticket, 99.8)
	require.NoError(t, err)
	assert.Equal(t, ModifyRejected, m.Status)
	assert.Equal(t, "stops_level", m.RejectReason)

	m, err = s.ModifyOrder(context.Background(), res.Ticket, 99.0)
	require.NoError(t, err)
	assert.Equal(t, ModifyOK, m.Status)
}

func TestSimulationModifyRejectInjection(t *testing.T) {
	s := NewSimulation()
	s.SetQuote("A", 100, 100, time.Now())
	res, _ := s.PlaceOrder(context.Background(), "A", Long, 1, 98, nil)

	s.SetModifyReject("server_busy")
	m, _ := s.ModifyOrder(context.Background(), res.Ticket, 99)
	assert.Equal(t, ModifyRejected, m.Status)

	s.SetModifyReject("")
	m, _ = s.ModifyOrder(context.Background(), res.Ticket, 99)
	assert.Equal(t, ModifyOK, m.Status)
}

func TestSimulationCandles(t *testing.T) {
	s := NewSimulation()
	for i := 0; i < 5; i++ {
		s.AppendCandle("A", Candle{Close: float64(i)})
	}
	cs, err := s.RecentCandles(context.Background(), "A", 3)
	require.NoError(t, err)
	require.Len(t, cs, 3)
	assert.Equal(t, 2.0, cs[0].Close)
	assert.Equal(t, 4.0, cs[2].Close)
}
