package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
)

// Live is the broker connector that talks to a real execution backend over
// HTTP (REST for orders/positions) and a websocket (streaming quotes).
// Broker-specific wire formats live in the connector sidecar; this type
// only fulfils the Broker interface against a REST base URL and a
// websocket quote feed URL, both supplied by the deployment.
type Live struct {
	rc  *resty.Client
	ws  *websocket.Conn
	wsURL string

	mu     sync.RWMutex
	quotes map[string]Quote
	wsDone chan struct{}
}

// NewLive builds a Live broker bound to restBase (REST order/position API)
// and wsURL (streaming quote websocket). The websocket connection is
// established lazily by StreamQuotes.
func NewLive(restBase, wsURL string) *Live {
	rc := resty.New().
		SetBaseURL(strings.TrimRight(restBase, "/")).
		SetTimeout(15 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(200 * time.Millisecond)
	return &Live{
		rc:     rc,
		wsURL:  wsURL,
		quotes: make(map[string]Quote),
	}
}

func (l *Live) Name() string { return "live" }

// StreamQuotes opens the websocket quote feed and updates the in-memory
// quote cache used by GetQuote until ctx is cancelled. Wire framing is
// connector-specific; decode is left to a caller-supplied hook so this
// package stays broker-agnostic.
func (l *Live) StreamQuotes(ctx context.Context, decode func([]byte) (symbol string, q Quote, ok bool)) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.wsURL, nil)
	if err != nil {
		return fmt.Errorf("live: dial quote stream: %w", err)
	}
	l.mu.Lock()
	l.ws = conn
	l.wsDone = make(chan struct{})
	l.mu.Unlock()

	go func() {
		defer close(l.wsDone)
		defer conn.Close()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if symbol, q, ok := decode(msg); ok {
				l.mu.Lock()
				l.quotes[symbol] = q
				l.mu.Unlock()
			}
		}
	}()
	return nil
}

func (l *Live) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	l.mu.RLock()
	q, ok := l.quotes[symbol]
	l.mu.RUnlock()
	if !ok {
		var out struct {
			Bid float64 `json:"bid"`
			Ask float64 `json:"ask"`
		}
		resp, err := l.rc.R().SetContext(ctx).SetResult(&out).Get("/quote/" + symbol)
		if err != nil {
			return Quote{}, err
		}
		if resp.IsError() {
			return Quote{}, fmt.Errorf("live: quote %s: %s", symbol, resp.Status())
		}
		return Quote{Bid: out.Bid, Ask: out.Ask, Time: time.Now()}, nil
	}
	if time.Since(q.Time) > 5*time.Second {
		return Quote{}, ErrStaleQuote
	}
	return q, nil
}

// RecentCandles fetches up to n trailing OHLCV bars from the connector,
// satisfying the scan loop's CandleSource.
func (l *Live) RecentCandles(ctx context.Context, symbol string, n int) ([]Candle, error) {
	var out []Candle
	resp, err := l.rc.R().SetContext(ctx).
		SetQueryParam("limit", fmt.Sprintf("%d", n)).
		SetResult(&out).
		Get("/candles/" + symbol)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("live: candles %s: %s", symbol, resp.Status())
	}
	return out, nil
}

func (l *Live) GetSymbols(ctx context.Context) ([]SymbolInfo, error) {
	var out []SymbolInfo
	resp, err := l.rc.R().SetContext(ctx).SetResult(&out).Get("/symbols")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("live: symbols: %s", resp.Status())
	}
	return out, nil
}

func (l *Live) GetPositions(ctx context.Context) ([]Position, error) {
	var out []Position
	resp, err := l.rc.R().SetContext(ctx).SetResult(&out).Get("/positions")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("live: positions: %s", resp.Status())
	}
	return out, nil
}

func (l *Live) PlaceOrder(ctx context.Context, symbol string, dir Direction, volume float64, slPrice float64, tpPrice *float64) (PlaceResult, error) {
	body := map[string]any{
		"symbol": symbol, "direction": dir.String(), "volume": volume, "sl_price": slPrice,
	}
	if tpPrice != nil {
		body["tp_price"] = *tpPrice
	}
	var out PlaceResult
	resp, err := l.rc.R().SetContext(ctx).SetBody(body).SetResult(&out).Post("/orders")
	if err != nil {
		return PlaceResult{}, err
	}
	if resp.IsError() {
		return PlaceResult{Status: Rejected, RejectReason: resp.Status()}, nil
	}
	return out, nil
}

func (l *Live) ModifyOrder(ctx context.Context, ticket int64, slPrice float64) (ModifyResult, error) {
	var out ModifyResult
	resp, err := l.rc.R().SetContext(ctx).
		SetBody(map[string]any{"sl_price": slPrice}).
		SetResult(&out).
		Post(fmt.Sprintf("/positions/%d/modify", ticket))
	if err != nil {
		return ModifyResult{}, err
	}
	if resp.IsError() {
		return ModifyResult{Status: ModifyRejected, RejectReason: resp.Status()}, nil
	}
	return out, nil
}

func (l *Live) ClosePosition(ctx context.Context, ticket int64, comment string) (CloseResult, error) {
	var out CloseResult
	resp, err := l.rc.R().SetContext(ctx).
		SetBody(map[string]any{"comment": comment}).
		SetResult(&out).
		Post(fmt.Sprintf("/positions/%d/close", ticket))
	if err != nil {
		return CloseResult{}, err
	}
	if resp.IsError() {
		return CloseResult{Status: CloseRejected, RejectReason: resp.Status()}, nil
	}
	return out, nil
}
