// Package broker defines the abstract surface the trade lifecycle engine
// needs from an execution backend: quotes, positions, and order mutation.
// Two concrete implementations exist — Simulation (in-memory, no external
// calls) and Live (HTTP/websocket backed) — and the core never branches on
// which one it is talking to.
package broker

import (
	"context"
	"errors"
	"time"
)

// Direction is the side of an open position.
type Direction int

const (
	Long Direction = iota
	Short
)

func (d Direction) String() string {
	if d == Short {
		return "SHORT"
	}
	return "LONG"
}

// TradeMode mirrors the broker-reported tradability of a symbol.
type TradeMode int

const (
	TradeModeFull TradeMode = iota
	TradeModeCloseOnly
	TradeModeDisabled
)

// SymbolInfo describes trading constraints for a symbol.
type SymbolInfo struct {
	Symbol        string
	MinLot        float64
	LotStep       float64
	PriceStep     float64 // minimum price increment
	ContractValue float64 // USD value of a 1.0-lot, 1.0-unit price move
	Spread        float64 // current spread in price units
	TradeMode     TradeMode
	StopsLevel    float64 // minimum distance (price units) from current price to SL/TP
}

// Quote is a two-sided price snapshot.
type Quote struct {
	Bid  float64
	Ask  float64
	Time time.Time
}

// Candle is a normalized OHLCV bar, consumed by the signal producer.
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// ErrStaleQuote is returned by GetQuote when the underlying feed is older
// than the 5s staleness budget.
var ErrStaleQuote = errors.New("broker: stale quote")

// Position is the broker's view of an open position, as returned by
// GetPositions for registry reconciliation.
type Position struct {
	Ticket      int64
	Symbol      string
	Direction   Direction
	EntryPrice  float64
	Volume      float64
	CurrentSL   *float64
	OpenedAt    time.Time
}

// FillStatus classifies the outcome of PlaceOrder.
type FillStatus int

const (
	Filled FillStatus = iota
	Partial
	Rejected
)

// PlaceResult is the outcome of a PlaceOrder call.
type PlaceResult struct {
	Status       FillStatus
	Ticket       int64
	ActualVolume float64
	ActualPrice  float64
	RejectReason string
}

// ModifyStatus classifies the outcome of ModifyOrder.
type ModifyStatus int

const (
	ModifyOK ModifyStatus = iota
	ModifyRejected
)

// ModifyResult is the outcome of a ModifyOrder call.
type ModifyResult struct {
	Status       ModifyStatus
	RejectReason string
}

// CloseStatus classifies the outcome of ClosePosition.
type CloseStatus int

const (
	CloseOK CloseStatus = iota
	CloseRejected
)

// CloseResult is the outcome of a ClosePosition call.
type CloseResult struct {
	Status       CloseStatus
	RejectReason string
}

// Broker is the minimal capability set the core consumes. The Simulation
// and Live implementations are behaviorally interchangeable for every
// component that only talks to this interface.
type Broker interface {
	Name() string
	GetSymbols(ctx context.Context) ([]SymbolInfo, error)
	GetQuote(ctx context.Context, symbol string) (Quote, error)
	GetPositions(ctx context.Context) ([]Position, error)
	PlaceOrder(ctx context.Context, symbol string, dir Direction, volume float64, slPrice float64, tpPrice *float64) (PlaceResult, error)
	ModifyOrder(ctx context.Context, ticket int64, slPrice float64) (ModifyResult, error)
	ClosePosition(ctx context.Context, ticket int64, comment string) (CloseResult, error)
}
