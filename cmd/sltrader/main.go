// Program entrypoint and HTTP/metrics server.
//
// Boot sequence:
//  1. config.LoadBotEnv()       – read .env (no shell exports required)
//  2. cfg := config.FromEnv()   – build runtime Config (+ optional YAML overlay)
//  3. cfg.Validate()            – refuse to start on a violated invariant
//  4. wire broker/registry/locks/engine
//  5. start Prometheus /healthz server on cfg.Port
//  6. start the four agents: scan loop, SL worker, position monitor, lock watchdog
//
// Flags:
//
//	-config <yaml>    Overlay a pinned configuration file (certified runs)
//	-interval <sec>   Scan cycle interval in seconds (overrides env)
//
// Example:
//
//	go run ./cmd/sltrader -interval 30
//
// Notes:
//   - MODE=LIVE requires BROKER_REST_URL (the connector sidecar).
//   - No environment exports are needed; keep editing .env and restart.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chidi150c/sltrader/internal/broker"
	"github.com/chidi150c/sltrader/internal/circuit"
	"github.com/chidi150c/sltrader/internal/clock"
	"github.com/chidi150c/sltrader/internal/config"
	"github.com/chidi150c/sltrader/internal/entry"
	"github.com/chidi150c/sltrader/internal/exitbypass"
	"github.com/chidi150c/sltrader/internal/filterpipe"
	"github.com/chidi150c/sltrader/internal/journal"
	"github.com/chidi150c/sltrader/internal/locktable"
	"github.com/chidi150c/sltrader/internal/registry"
	"github.com/chidi150c/sltrader/internal/scan"
	sig "github.com/chidi150c/sltrader/internal/signal"
	"github.com/chidi150c/sltrader/internal/slengine"
	"github.com/chidi150c/sltrader/internal/worker"
)

func main() {
	// ---- Flags ----
	var configOverlay string
	var intervalSec int
	flag.StringVar(&configOverlay, "config", "", "Path to YAML config overlay (pinned certified-run knobs)")
	flag.IntVar(&intervalSec, "interval", 0, "Scan cycle interval in seconds (overrides env)")
	flag.Parse()

	// ---- Environment & Config ----
	config.LoadBotEnv()
	cfg := config.FromEnv()
	if configOverlay != "" {
		if err := config.ApplyYAML(&cfg, configOverlay); err != nil {
			log.Fatalf("config overlay: %v", err)
		}
	}
	if intervalSec > 0 {
		cfg.CycleIntervalSeconds = intervalSec
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	log.Printf("[SAFETY] MODE=%s | MAX_RISK_PER_TRADE_USD=%.2f | SWEET_SPOT=[%.2f, %.2f] | TRAILING_INC=%.2f | PULLBACK=%.2f | MAX_OPEN_TRADES=%d",
		cfg.Mode, cfg.MaxRiskPerTradeUSD, cfg.SweetSpotMinUSD, cfg.SweetSpotMaxUSD,
		cfg.TrailingIncrementUSD, cfg.PullbackTolerancePct, cfg.MaxOpenTrades)

	// ---- Broker wiring ----
	var brk broker.Broker
	var candles scan.CandleSource
	switch cfg.Mode {
	case config.ModeLive:
		live := broker.NewLive(cfg.BrokerREST, cfg.BrokerWS)
		brk = live
		candles = live
	default:
		simBrk := broker.NewSimulation()
		brk = simBrk
		candles = simBrk
	}

	// ---- Persistent outputs ----
	jrnl, err := journal.Open(cfg.JournalDir)
	if err != nil {
		log.Fatalf("journal: %v", err)
	}
	defer jrnl.Close()

	var store *journal.StateStore
	if cfg.StatePath != "" {
		store, err = journal.OpenState(cfg.StatePath)
		if err != nil {
			log.Fatalf("state store: %v", err)
		}
		defer store.Close()
	}

	// ---- Core wiring ----
	clk := clock.Real{}
	reg := registry.New()
	locks := locktable.New()
	breaker := circuit.New(cfg.CircuitBreakerThreshold, cfg.CircuitCoolOff(), cfg.DisableAfter())
	rpc := clock.NewRPCLimiter(cfg.GlobalRPCRatePerSec)
	throttle := clock.NewPerTicketThrottle(clk, cfg.SLUpdateMinInterval())

	eng := slengine.NewEngine(reg, locks, breaker, rpc, throttle, brk, clk, jrnl, slengine.Config{
		MaxRiskPerTradeUSD:   cfg.MaxRiskPerTradeUSD,
		SweetSpotMinUSD:      cfg.SweetSpotMinUSD,
		SweetSpotMaxUSD:      cfg.SweetSpotMaxUSD,
		TrailingIncrementUSD: cfg.TrailingIncrementUSD,
		PullbackTolerancePct: cfg.PullbackTolerancePct,
		BigJumpThresholdUSD:  cfg.BigJumpThresholdUSD,
		BigJumpLockMarginUSD: cfg.BigJumpLockMarginUSD,
		MaxPeakLockUSD:       cfg.MaxPeakLockUSD,
	}, slengine.Options{
		LockTimeoutNormal:        cfg.LockTimeoutNormal(),
		LockTimeoutProfitLocking: cfg.LockTimeoutProfitLocking(),
		VerificationDelay:        cfg.VerificationDelay(),
		MaxRetries:               cfg.MaxRetries,
	})

	sweeper := exitbypass.NewSweeper(exitbypass.Config{
		SweetSpotMinUSD:      cfg.SweetSpotMinUSD,
		SweetSpotMaxUSD:      cfg.SweetSpotMaxUSD,
		TrailingIncrementUSD: cfg.TrailingIncrementUSD,
		BufferUSD:            cfg.MicroProfitBufferUSD,
		ExtendedBand:         cfg.MicroProfitExtendedBand,
		BandMarginUSD:        cfg.MicroProfitBandMarginUSD,
	}, reg, eng, brk)

	pipe := filterpipe.New(filterpipe.Config{
		MaxSpread:                cfg.MaxSpread,
		MinBarVolume:             cfg.MinBarVolume,
		MinQualityScore:          cfg.MinQualityScore,
		MaxOpenTrades:            cfg.MaxOpenTrades,
		NewsBlockWindowMinutes:   cfg.NewsBlockWindowMinutes,
		MarketCloseBufferMinutes: cfg.MarketCloseBufferMinutes,
		EntrySkipProbability:     cfg.EntrySkipProbability,
	}, nil, filterpipe.AlwaysOpenHours{}, time.Now().UnixNano())

	placer := entry.NewPlacer(entry.Config{
		MaxRiskPerTradeUSD: cfg.MaxRiskPerTradeUSD,
		DefaultLot:         cfg.DefaultLot,
		MaxLotCap:          cfg.MaxLotCap,
		Mode:               string(cfg.Mode),
	}, brk, reg, eng)

	kill := &scan.KillSwitch{}
	stats := &worker.Stats{}
	slWorker := worker.NewSLWorker(eng, reg, sweeper, cfg.WorkerInterval(), stats)
	monitor := worker.NewMonitor(reg, brk, eng, locks, jrnl, store, 5*time.Second)
	reporter := worker.NewReporter(stats, reg, jrnl, 30*time.Second)
	scanLoop := scan.New(brk, candles, sig.NewMomentumProducer(), pipe, placer, reg, kill, cfg.CycleInterval(), 100)

	// ---- HTTP metrics/health ----
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: mux}
	go func() {
		log.Printf("serving metrics on :%d/metrics", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	// ---- Agents ----
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Adopt anything already open at the broker before the first tick.
	monitor.Pass(ctx)

	go locktable.RunWatchdog(ctx, locks)
	go monitor.Run(ctx)
	go reporter.Run(ctx)
	go scanLoop.Run(ctx)

	// The SL worker runs on the main goroutine; when ctx is cancelled it
	// drains (finishes in-flight applies) and returns.
	slWorker.Run(ctx)

	// ---- Graceful shutdown: bounded drain, then force down ----
	shutdownCtx, c := context.WithTimeout(context.Background(), 2*time.Second)
	defer c()
	_ = srv.Shutdown(shutdownCtx)
	log.Printf("shutdown complete (kill_switch=%v reason=%q)", kill.Tripped(), kill.Reason())
}
