// Package scan drives the market scan: every cycle it pulls tradable
// symbols, asks the signal producer for an intent, runs the filter
// pipeline, and hands survivors to the entry placer. A tripped kill switch
// stops this loop while the SL worker keeps protecting whatever is open.
package scan

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/chidi150c/sltrader/internal/broker"
	"github.com/chidi150c/sltrader/internal/entry"
	"github.com/chidi150c/sltrader/internal/filterpipe"
	"github.com/chidi150c/sltrader/internal/registry"
	"github.com/chidi150c/sltrader/internal/signal"
)

// CandleSource supplies recent bars for the signal producer. The broker
// connector usually implements this; simulation feeds synthetic series.
type CandleSource interface {
	RecentCandles(ctx context.Context, symbol string, n int) ([]broker.Candle, error)
}

// KillSwitch is the fatal-condition latch: once tripped it never resets and
// the scan loop stops placing orders. Nothing else reacts to it; the SL
// worker and the rest of the process keep running until ctx is cancelled.
type KillSwitch struct {
	tripped atomic.Bool
	reason  atomic.Value
}

// Trip latches the switch with a reason; only the first reason is kept.
func (k *KillSwitch) Trip(reason string) {
	if k.tripped.CompareAndSwap(false, true) {
		k.reason.Store(reason)
		log.Printf("[ERROR] KILL_SWITCH tripped: %s", reason)
	}
}

func (k *KillSwitch) Tripped() bool { return k.tripped.Load() }

func (k *KillSwitch) Reason() string {
	if r, ok := k.reason.Load().(string); ok {
		return r
	}
	return ""
}

// Loop is the scan agent.
type Loop struct {
	brk      broker.Broker
	candles  CandleSource
	producer signal.Producer
	pipe     *filterpipe.Pipeline
	placer   *entry.Placer
	reg      *registry.Registry
	kill     *KillSwitch
	interval time.Duration
	lookback int

	brokerFailures int
}

// maxBrokerFailures is how many consecutive failed scan cycles count as a
// permanently lost broker connection.
const maxBrokerFailures = 5

// New builds the loop. interval below 20s is clamped up to keep scan load
// off the quote path; lookback is how many candles the producer sees.
func New(brk broker.Broker, candles CandleSource, producer signal.Producer, pipe *filterpipe.Pipeline, placer *entry.Placer, reg *registry.Registry, kill *KillSwitch, interval time.Duration, lookback int) *Loop {
	if interval < 20*time.Second {
		interval = 20 * time.Second
	}
	if lookback <= 0 {
		lookback = 100
	}
	return &Loop{brk: brk, candles: candles, producer: producer, pipe: pipe, placer: placer, reg: reg, kill: kill, interval: interval, lookback: lookback}
}

// Run loops until ctx is cancelled or the kill switch trips.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	if l.kill != nil && l.kill.Tripped() {
		log.Printf("[SAFETY] scan loop stopped: %s", l.kill.Reason())
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if l.kill != nil && l.kill.Tripped() {
				log.Printf("[SAFETY] scan loop stopped: %s", l.kill.Reason())
				return
			}
			l.Cycle(ctx)
		}
	}
}

// Cycle performs one scan pass. Exported for the simulation harness and
// tests.
func (l *Loop) Cycle(ctx context.Context) {
	symbols, err := l.brk.GetSymbols(ctx)
	if err != nil {
		l.brokerFailures++
		log.Printf("[WARN] scan: GetSymbols: %v (consecutive=%d)", err, l.brokerFailures)
		if l.brokerFailures >= maxBrokerFailures && l.kill != nil {
			l.kill.Trip(fmt.Sprintf("broker unreachable for %d scan cycles: %v", l.brokerFailures, err))
		}
		return
	}
	l.brokerFailures = 0
	now := time.Now()

	for _, sym := range symbols {
		if ctx.Err() != nil {
			return
		}
		candles, err := l.candles.RecentCandles(ctx, sym.Symbol, l.lookback)
		if err != nil || len(candles) == 0 {
			continue
		}
		intent, ok := l.producer.Evaluate(sym.Symbol, candles)
		if !ok {
			continue
		}

		cand := filterpipe.Candidate{
			Symbol:    sym,
			Intent:    intent,
			BarVolume: candles[len(candles)-1].Volume,
			OpenCount: l.reg.Len(),
			Now:       now,
		}
		if rej := l.pipe.Check(cand); rej != nil {
			log.Printf("[SCAN] rejected symbol=%s %s", sym.Symbol, rej)
			continue
		}

		if _, err := l.placer.Place(ctx, sym, intent); err != nil {
			log.Printf("[WARN] scan: place %s: %v", sym.Symbol, err)
		}
	}
}
