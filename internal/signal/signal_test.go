package signal

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chidi150c/sltrader/internal/broker"
)

func mkCandles(closes []float64) []Candle {
	out := make([]Candle, len(closes))
	base := time.Unix(1_700_000_000, 0)
	for i, c := range closes {
		out[i] = Candle{Time: base.Add(time.Duration(i) * time.Minute), Open: c, High: c, Low: c, Close: c, Volume: 100}
	}
	return out
}

func TestSMA(t *testing.T) {
	c := mkCandles([]float64{1, 2, 3, 4, 5})
	out := SMA(c, 3)
	assert.True(t, math.IsNaN(out[0]))
	assert.True(t, math.IsNaN(out[1]))
	assert.InDelta(t, 2.0, out[2], 1e-9)
	assert.InDelta(t, 4.0, out[4], 1e-9)
}

func TestRSIExtremes(t *testing.T) {
	up := make([]float64, 30)
	for i := range up {
		up[i] = 100 + float64(i)
	}
	rsi := RSI(mkCandles(up), 14)
	assert.InDelta(t, 100, rsi[len(rsi)-1], 1e-9) // straight-up tape

	down := make([]float64, 30)
	for i := range down {
		down[i] = 100 - float64(i)
	}
	rsi = RSI(mkCandles(down), 14)
	assert.InDelta(t, 0, rsi[len(rsi)-1], 1e-9)
}

func TestZScore(t *testing.T) {
	flat := make([]float64, 25)
	for i := range flat {
		flat[i] = 50
	}
	z := ZScore(mkCandles(flat), 20)
	assert.Equal(t, 0.0, z[len(z)-1]) // zero variance → zero score, not NaN
}

func TestProducerNeedsWarmup(t *testing.T) {
	p := NewMomentumProducer()
	_, ok := p.Evaluate("X", mkCandles([]float64{1, 2, 3}))
	assert.False(t, ok)
}

func TestProducerLongOnUptrend(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100 + 0.3*float64(i)
	}
	p := NewMomentumProducer()
	intent, ok := p.Evaluate("X", mkCandles(closes))
	require.True(t, ok)
	assert.Equal(t, broker.Long, intent.Direction)
	assert.Greater(t, intent.QualityScore, 60.0)
	assert.LessOrEqual(t, intent.QualityScore, 100.0)
}

func TestProducerShortOnDowntrend(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100 - 0.3*float64(i)
	}
	p := NewMomentumProducer()
	intent, ok := p.Evaluate("X", mkCandles(closes))
	require.True(t, ok)
	assert.Equal(t, broker.Short, intent.Direction)
}

func TestProducerFlatOnChop(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		if i%2 == 0 {
			closes[i] = 100.1
		} else {
			closes[i] = 99.9
		}
	}
	p := NewMomentumProducer()
	_, ok := p.Evaluate("X", mkCandles(closes))
	assert.False(t, ok)
}
