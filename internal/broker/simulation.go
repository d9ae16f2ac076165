package broker

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ClosedPosition records a simulated stop-out or explicit close.
type ClosedPosition struct {
	Position
	ExitPrice float64
	Comment   string
	ClosedAt  time.Time
}

// Simulation is an in-memory broker used for deterministic testing and
// dry-run operation. It never makes an external call; quotes are fed in by
// the harness and orders fill immediately at the last known price.
type Simulation struct {
	mu           sync.Mutex
	quotes       map[string]Quote
	symbols      map[string]SymbolInfo
	candles      map[string][]Candle
	nextTix      int64
	positions    map[int64]*Position
	closed       []ClosedPosition
	rejectModify string // when non-empty, ModifyOrder rejects with this reason
}

// NewSimulation returns an empty Simulation broker. Feed prices via SetQuote
// and tradability via SetSymbol before use.
func NewSimulation() *Simulation {
	return &Simulation{
		quotes:    make(map[string]Quote),
		symbols:   make(map[string]SymbolInfo),
		candles:   make(map[string][]Candle),
		positions: make(map[int64]*Position),
		nextTix:   1,
	}
}

func (s *Simulation) Name() string { return "simulation" }

// SetQuote injects the current bid/ask for a symbol; tests drive the engine
// by calling this on every simulated tick. Like a real broker, the
// simulation enforces stops server-side: any position whose SL the new
// quote crosses is closed at the stop price.
func (s *Simulation) SetQuote(symbol string, bid, ask float64, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[symbol] = Quote{Bid: bid, Ask: ask, Time: ts}

	for ticket, p := range s.positions {
		if p.Symbol != symbol || p.CurrentSL == nil {
			continue
		}
		sl := *p.CurrentSL
		hit := (p.Direction == Long && bid <= sl) || (p.Direction == Short && ask >= sl)
		if hit {
			s.closed = append(s.closed, ClosedPosition{Position: *p, ExitPrice: sl, Comment: "stop_loss", ClosedAt: ts})
			delete(s.positions, ticket)
		}
	}
}

// Closed returns every position the simulation has closed, stop-outs
// included.
func (s *Simulation) Closed() []ClosedPosition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ClosedPosition, len(s.closed))
	copy(out, s.closed)
	return out
}

// SetModifyReject makes subsequent ModifyOrder calls reject with reason;
// pass "" to restore normal behavior. Used to exercise retry and circuit
// paths.
func (s *Simulation) SetModifyReject(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectModify = reason
}

// SetSymbol registers (or overwrites) the tradability/contract metadata for
// a symbol.
func (s *Simulation) SetSymbol(info SymbolInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbols[info.Symbol] = info
}

func (s *Simulation) GetSymbols(ctx context.Context) ([]SymbolInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SymbolInfo, 0, len(s.symbols))
	for _, v := range s.symbols {
		out = append(out, v)
	}
	return out, nil
}

func (s *Simulation) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotes[symbol]
	if !ok {
		return Quote{}, fmt.Errorf("simulation: no quote for %s", symbol)
	}
	if !q.Time.IsZero() && time.Since(q.Time) > 5*time.Second {
		return Quote{}, ErrStaleQuote
	}
	return q, nil
}

func (s *Simulation) GetPositions(ctx context.Context) ([]Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, *p)
	}
	return out, nil
}

func (s *Simulation) PlaceOrder(ctx context.Context, symbol string, dir Direction, volume float64, slPrice float64, tpPrice *float64) (PlaceResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotes[symbol]
	if !ok {
		return PlaceResult{Status: Rejected, RejectReason: "no_quote"}, nil
	}
	price := q.Ask
	if dir == Short {
		price = q.Bid
	}
	tix := s.nextTix
	s.nextTix++
	sl := slPrice
	s.positions[tix] = &Position{
		Ticket:     tix,
		Symbol:     symbol,
		Direction:  dir,
		EntryPrice: price,
		Volume:     volume,
		CurrentSL:  &sl,
		OpenedAt:   time.Now(),
	}
	return PlaceResult{Status: Filled, Ticket: tix, ActualVolume: volume, ActualPrice: price}, nil
}

func (s *Simulation) ModifyOrder(ctx context.Context, ticket int64, slPrice float64) (ModifyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejectModify != "" {
		return ModifyResult{Status: ModifyRejected, RejectReason: s.rejectModify}, nil
	}
	p, ok := s.positions[ticket]
	if !ok {
		return ModifyResult{Status: ModifyRejected, RejectReason: "no_position"}, nil
	}
	info := s.symbols[p.Symbol]
	q := s.quotes[p.Symbol]
	if info.StopsLevel > 0 {
		if math.Abs(slPrice-q.Bid) < info.StopsLevel+info.Spread {
			return ModifyResult{Status: ModifyRejected, RejectReason: "stops_level"}, nil
		}
	}
	sl := slPrice
	p.CurrentSL = &sl
	return ModifyResult{Status: ModifyOK}, nil
}

func (s *Simulation) ClosePosition(ctx context.Context, ticket int64, comment string) (CloseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[ticket]
	if !ok {
		return CloseResult{Status: CloseRejected, RejectReason: "no_position"}, nil
	}
	exit := 0.0
	if q, ok := s.quotes[p.Symbol]; ok {
		exit = q.Bid
		if p.Direction == Short {
			exit = q.Ask
		}
	}
	s.closed = append(s.closed, ClosedPosition{Position: *p, ExitPrice: exit, Comment: comment, ClosedAt: time.Now()})
	delete(s.positions, ticket)
	return CloseResult{Status: CloseOK}, nil
}

// AppendCandle feeds one bar into the simulated candle history for symbol.
func (s *Simulation) AppendCandle(symbol string, c Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candles[symbol] = append(s.candles[symbol], c)
}

// RecentCandles returns up to n trailing bars for symbol, satisfying the
// scan loop's CandleSource.
func (s *Simulation) RecentCandles(ctx context.Context, symbol string, n int) ([]Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.candles[symbol]
	if len(cs) > n {
		cs = cs[len(cs)-n:]
	}
	out := make([]Candle, len(cs))
	copy(out, cs)
	return out, nil
}

// NewOrderID returns a synthetic identifier for callers that need a
// journal-visible order id distinct from the broker ticket.
func NewOrderID() string { return uuid.New().String() }
