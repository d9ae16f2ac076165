// Package filterpipe runs the entry gates in fixed order during a market
// scan. The first failing gate short-circuits with a structured rejection
// reason; a symbol only reaches lot sizing after clearing every gate.
package filterpipe

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/chidi150c/sltrader/internal/broker"
	"github.com/chidi150c/sltrader/internal/metrics"
	"github.com/chidi150c/sltrader/internal/signal"
)

// Gate identifiers, used as the structured rejection reason prefix and as
// the metric label.
const (
	GateTradeMode    = "RISK_CHECK_TRADE_MODE"
	GateSpread       = "RISK_CHECK_SPREAD"
	GateMarketClose  = "MARKET_CLOSE"
	GateVolume       = "VOLUME"
	GateNews         = "NEWS"
	GateQualityScore = "QUALITY_SCORE"
	GatePortfolioCap = "PORTFOLIO_CAP"
	GateRandomSkip   = "RANDOM_SKIP"
)

// Rejection is a failed gate with context for the scan log.
type Rejection struct {
	Gate   string
	Detail string
}

func (r Rejection) String() string { return fmt.Sprintf("%s: %s", r.Gate, r.Detail) }

// NewsCalendar answers whether a high-impact event sits within the blocking
// window of now for the given symbol. The concrete news-API integration is
// an external collaborator; tests and simulation use a static calendar.
type NewsCalendar interface {
	HighImpactEventNear(symbol string, now time.Time, window time.Duration) bool
}

// MarketHours reports time remaining until the symbol's market closes.
// Symbols that trade continuously return a very large duration.
type MarketHours interface {
	TimeToClose(symbol string, now time.Time) time.Duration
}

// Config is the gate parameter set, a subset of the global configuration.
type Config struct {
	MaxSpread                float64 // 0 disables the spread gate
	MinBarVolume             float64 // 0 disables the volume gate
	MinQualityScore          float64
	MaxOpenTrades            int // -1 disables the portfolio cap
	NewsBlockWindowMinutes   int
	MarketCloseBufferMinutes int
	EntrySkipProbability     float64 // randomness gate; 0 disables
}

// Pipeline evaluates the gates for one candidate entry.
type Pipeline struct {
	cfg   Config
	news  NewsCalendar
	hours MarketHours
	rng   *rand.Rand
}

// New builds a pipeline. news and hours may be nil, which disables those
// gates (simulation runs without a calendar).
func New(cfg Config, news NewsCalendar, hours MarketHours, seed int64) *Pipeline {
	return &Pipeline{cfg: cfg, news: news, hours: hours, rng: rand.New(rand.NewSource(seed))}
}

// Candidate bundles everything the gates inspect for one symbol.
type Candidate struct {
	Symbol    broker.SymbolInfo
	Intent    signal.Intent
	BarVolume float64
	OpenCount int // current registry size, for the portfolio cap
	Now       time.Time
}

// Check runs the gates in the fixed §4.10 order. It returns (nil) when the
// candidate passes, or the first Rejection otherwise. Every rejection is
// also counted in the entry-rejection metric.
func (p *Pipeline) Check(c Candidate) *Rejection {
	if rej := p.check(c); rej != nil {
		metrics.IncEntryRejection(rej.Gate)
		return rej
	}
	return nil
}

func (p *Pipeline) check(c Candidate) *Rejection {
	// 1. Symbol tradability.
	if c.Symbol.TradeMode != broker.TradeModeFull {
		return &Rejection{Gate: GateTradeMode, Detail: fmt.Sprintf("symbol=%s mode=%d", c.Symbol.Symbol, c.Symbol.TradeMode)}
	}
	if p.cfg.MaxSpread > 0 && c.Symbol.Spread > p.cfg.MaxSpread {
		return &Rejection{Gate: GateSpread, Detail: fmt.Sprintf("spread=%.5f max=%.5f", c.Symbol.Spread, p.cfg.MaxSpread)}
	}

	// 2. Market-close proximity.
	if p.hours != nil {
		buffer := time.Duration(p.cfg.MarketCloseBufferMinutes) * time.Minute
		if ttc := p.hours.TimeToClose(c.Symbol.Symbol, c.Now); ttc <= buffer {
			return &Rejection{Gate: GateMarketClose, Detail: fmt.Sprintf("time_to_close=%s buffer=%s", ttc, buffer)}
		}
	}

	// 3. Volume.
	if p.cfg.MinBarVolume > 0 && c.BarVolume < p.cfg.MinBarVolume {
		return &Rejection{Gate: GateVolume, Detail: fmt.Sprintf("volume=%.2f min=%.2f", c.BarVolume, p.cfg.MinBarVolume)}
	}

	// 4. News.
	if p.news != nil {
		window := time.Duration(p.cfg.NewsBlockWindowMinutes) * time.Minute
		if p.news.HighImpactEventNear(c.Symbol.Symbol, c.Now, window) {
			return &Rejection{Gate: GateNews, Detail: fmt.Sprintf("high-impact event within %s", window)}
		}
	}

	// 5. Quality score.
	if c.Intent.QualityScore < p.cfg.MinQualityScore {
		return &Rejection{Gate: GateQualityScore, Detail: fmt.Sprintf("score=%.0f min=%.0f", c.Intent.QualityScore, p.cfg.MinQualityScore)}
	}

	// 6. Portfolio cap.
	if p.cfg.MaxOpenTrades >= 0 && c.OpenCount >= p.cfg.MaxOpenTrades {
		return &Rejection{Gate: GatePortfolioCap, Detail: fmt.Sprintf("open=%d max=%d", c.OpenCount, p.cfg.MaxOpenTrades)}
	}

	// 7. Randomness gate (throughput damper; off unless configured).
	if p.cfg.EntrySkipProbability > 0 && p.rng.Float64() < p.cfg.EntrySkipProbability {
		return &Rejection{Gate: GateRandomSkip, Detail: fmt.Sprintf("p=%.2f", p.cfg.EntrySkipProbability)}
	}

	return nil
}

// StaticNewsCalendar is a fixed list of high-impact event times per symbol,
// used in simulation and tests.
type StaticNewsCalendar struct {
	Events map[string][]time.Time
}

func (s *StaticNewsCalendar) HighImpactEventNear(symbol string, now time.Time, window time.Duration) bool {
	for _, t := range s.Events[symbol] {
		d := now.Sub(t)
		if d < 0 {
			d = -d
		}
		if d <= window {
			return true
		}
	}
	return false
}

// AlwaysOpenHours models continuously traded markets (crypto).
type AlwaysOpenHours struct{}

func (AlwaysOpenHours) TimeToClose(string, time.Time) time.Duration { return 365 * 24 * time.Hour }
