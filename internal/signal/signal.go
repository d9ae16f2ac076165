// Package signal produces entry intents: a direction plus a 0–100 quality
// score the filter pipeline gates on. The engine treats producers as
// pluggable; the built-in one blends an RSI momentum read with a
// moving-average regime filter (MA10 vs MA30) and a z-score stretch
// penalty.
package signal

import (
	"github.com/chidi150c/sltrader/internal/broker"
)

// Candle aliases the broker's normalized OHLCV row; indicators and the
// producer operate on whatever bar source the deployment wires in.
type Candle = broker.Candle

// Intent is a producer's proposal for one symbol.
type Intent struct {
	Symbol       string
	Direction    broker.Direction
	QualityScore float64 // 0–100
}

// Producer turns recent candles into an optional entry intent. ok=false
// means no signal this cycle.
type Producer interface {
	Evaluate(symbol string, candles []Candle) (Intent, bool)
}

// MomentumProducer is the built-in producer. Thresholds are in RSI points;
// the MA filter, when enabled, halves the score of a long while the fast
// average is not above the slow one (and of a short while it is), and adds
// 10 points when the regime agrees.
type MomentumProducer struct {
	FastMA      int
	SlowMA      int
	RSIPeriod   int
	ZPeriod     int
	UseMAFilter bool
}

// NewMomentumProducer returns a producer with the default lookbacks.
func NewMomentumProducer() *MomentumProducer {
	return &MomentumProducer{FastMA: 10, SlowMA: 30, RSIPeriod: 14, ZPeriod: 20, UseMAFilter: true}
}

// Evaluate scores the latest bar. The quality score starts from how far RSI
// sits from the neutral 50 line, is boosted when the MA regime agrees, and
// is cut when the z-score says price is already stretched in the signal's
// direction.
func (p *MomentumProducer) Evaluate(symbol string, candles []Candle) (Intent, bool) {
	need := p.SlowMA
	if p.RSIPeriod+1 > need {
		need = p.RSIPeriod + 1
	}
	if len(candles) < need {
		return Intent{}, false
	}

	last := len(candles) - 1
	rsi := RSI(candles, p.RSIPeriod)[last]
	fast := SMA(candles, p.FastMA)[last]
	slow := SMA(candles, p.SlowMA)[last]
	z := ZScore(candles, p.ZPeriod)[last]

	var dir broker.Direction
	switch {
	case rsi >= 55:
		dir = broker.Long
	case rsi <= 45:
		dir = broker.Short
	default:
		return Intent{}, false
	}

	// Base score: distance from neutral momentum, scaled so RSI 75/25 maps
	// to ~100 before adjustments.
	score := (absF(rsi-50) - 5) * 5
	if score < 0 {
		score = 0
	}

	if p.UseMAFilter {
		regimeUp := fast > slow
		if (dir == broker.Long && !regimeUp) || (dir == broker.Short && regimeUp) {
			score *= 0.5
		} else {
			score += 10
		}
	}

	// Penalize chasing an already-stretched move.
	if (dir == broker.Long && z > 2.0) || (dir == broker.Short && z < -2.0) {
		score -= 20
	}

	if score > 100 {
		score = 100
	}
	if score <= 0 {
		return Intent{}, false
	}
	return Intent{Symbol: symbol, Direction: dir, QualityScore: score}, true
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
