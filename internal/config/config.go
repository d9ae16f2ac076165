// Package config defines the immutable runtime configuration for the trade
// lifecycle engine and its loaders. The .env file is read by LoadBotEnv()
// (see env.go) so behavior can be tuned without shell exports; an optional
// YAML overlay (see yaml.go) exists so a certified simulation run can pin
// the exact same knobs it will use live.
//
// Typical flow (see cmd/sltrader/main.go):
//
//	config.LoadBotEnv()
//	cfg := config.FromEnv()
//	if err := cfg.Validate(); err != nil { ... }
package config

import (
	"fmt"
	"time"
)

// Mode selects the broker implementation; core logic is identical in both.
type Mode string

const (
	ModeLive       Mode = "LIVE"
	ModeSimulation Mode = "SIMULATION"
)

// Config holds all runtime knobs for trading and operations. It is built
// once at startup, validated, and never mutated afterwards.
type Config struct {
	Mode Mode

	// Risk & sizing
	MaxRiskPerTradeUSD float64
	DefaultLot         float64
	MaxLotCap          float64
	MaxOpenTrades      int // -1 disables the portfolio cap

	// Profit locking
	SweetSpotMinUSD      float64
	SweetSpotMaxUSD      float64
	TrailingIncrementUSD float64
	PullbackTolerancePct float64
	BigJumpThresholdUSD  float64
	BigJumpLockMarginUSD float64
	MaxPeakLockUSD       float64

	// Worker & locking
	WorkerIntervalMS           int // floor 50 enforced by Validate
	LockTimeoutMSNormal        int
	LockTimeoutMSProfitLocking int

	// Throttling
	SLUpdateMinIntervalMSPerTicket int
	GlobalRPCRatePerSec            int

	// Retry / verify / circuit
	MaxRetries              int
	VerificationDelayMS     int
	CircuitBreakerThreshold int
	CircuitCoolOffSec       int
	DisableAfterMin         int

	// Entry gates
	MinQualityScore         float64
	MaxSpread               float64
	MinBarVolume            float64
	NewsBlockWindowMinutes  int
	MarketCloseBufferMinutes int
	EntrySkipProbability    float64 // randomness gate; 0 disables

	// Micro-profit bypass
	MicroProfitBufferUSD    float64
	MicroProfitExtendedBand bool // extended-multiples heuristic; off by default
	MicroProfitBandMarginUSD float64

	// Scan loop
	CycleIntervalSeconds int

	// Ops
	Port       int
	BrokerREST string
	BrokerWS   string
	JournalDir string
	StatePath  string // bbolt checkpoint; empty disables persistence
}

// FromEnv reads the process env (already hydrated by LoadBotEnv()) and
// returns a Config with the spec defaults where keys are missing.
func FromEnv() Config {
	mode := ModeSimulation
	if getEnv("MODE", "SIMULATION") == "LIVE" {
		mode = ModeLive
	}
	return Config{
		Mode:               mode,
		MaxRiskPerTradeUSD: getEnvFloat("MAX_RISK_PER_TRADE_USD", 2.0),
		DefaultLot:         getEnvFloat("DEFAULT_LOT", 0.01),
		MaxLotCap:          getEnvFloat("MAX_LOT_CAP", 0.05),
		MaxOpenTrades:      getEnvInt("MAX_OPEN_TRADES", -1),

		SweetSpotMinUSD:      getEnvFloat("SWEET_SPOT_MIN_USD", 0.03),
		SweetSpotMaxUSD:      getEnvFloat("SWEET_SPOT_MAX_USD", 0.10),
		TrailingIncrementUSD: getEnvFloat("TRAILING_INCREMENT_USD", 0.10),
		PullbackTolerancePct: getEnvFloat("PULLBACK_TOLERANCE_PCT", 0.30),
		BigJumpThresholdUSD:  getEnvFloat("BIG_JUMP_THRESHOLD_USD", 0.40),
		BigJumpLockMarginUSD: getEnvFloat("BIG_JUMP_LOCK_MARGIN_USD", 0.10),
		MaxPeakLockUSD:       getEnvFloat("MAX_PEAK_LOCK_USD", 0.80),

		WorkerIntervalMS:           getEnvInt("WORKER_INTERVAL_MS", 50),
		LockTimeoutMSNormal:        getEnvInt("LOCK_TIMEOUT_MS_NORMAL", 1000),
		LockTimeoutMSProfitLocking: getEnvInt("LOCK_TIMEOUT_MS_PROFIT_LOCKING", 2000),

		SLUpdateMinIntervalMSPerTicket: getEnvInt("SL_UPDATE_MIN_INTERVAL_MS_PER_TICKET", 100),
		GlobalRPCRatePerSec:            getEnvInt("GLOBAL_RPC_RATE_PER_SEC", 50),

		MaxRetries:              getEnvInt("MAX_RETRIES", 3),
		VerificationDelayMS:     getEnvInt("VERIFICATION_DELAY_MS", 500),
		CircuitBreakerThreshold: getEnvInt("CIRCUIT_BREAKER_THRESHOLD", 3),
		CircuitCoolOffSec:       getEnvInt("CIRCUIT_COOL_OFF_SEC", 30),
		DisableAfterMin:         getEnvInt("DISABLE_AFTER_MIN", 10),

		MinQualityScore:          getEnvFloat("MIN_QUALITY_SCORE", 60),
		MaxSpread:                getEnvFloat("MAX_SPREAD", 0),
		MinBarVolume:             getEnvFloat("MIN_BAR_VOLUME", 0),
		NewsBlockWindowMinutes:   getEnvInt("NEWS_BLOCK_WINDOW_MINUTES", 10),
		MarketCloseBufferMinutes: getEnvInt("MARKET_CLOSE_BUFFER_MINUTES", 30),
		EntrySkipProbability:     getEnvFloat("ENTRY_SKIP_PROBABILITY", 0),

		MicroProfitBufferUSD:     getEnvFloat("MICRO_PROFIT_BUFFER_USD", 0.02),
		MicroProfitExtendedBand:  getEnvBool("MICRO_PROFIT_EXTENDED_BAND", false),
		MicroProfitBandMarginUSD: getEnvFloat("MICRO_PROFIT_BAND_MARGIN_USD", 0.02),

		CycleIntervalSeconds: getEnvInt("CYCLE_INTERVAL_SECONDS", 60),

		Port:       getEnvInt("PORT", 8080),
		BrokerREST: getEnv("BROKER_REST_URL", ""),
		BrokerWS:   getEnv("BROKER_WS_URL", ""),
		JournalDir: getEnv("JOURNAL_DIR", "journal"),
		StatePath:  getEnv("STATE_PATH", ""),
	}
}

// Validate enforces the configuration invariants. A violated invariant here
// is a fatal condition: the caller must refuse to start.
func (c *Config) Validate() error {
	if c.MaxRiskPerTradeUSD <= 0 {
		return fmt.Errorf("config: MAX_RISK_PER_TRADE_USD must be > 0, got %v", c.MaxRiskPerTradeUSD)
	}
	if c.DefaultLot <= 0 || c.MaxLotCap < c.DefaultLot {
		return fmt.Errorf("config: lot bounds invalid (default=%v cap=%v)", c.DefaultLot, c.MaxLotCap)
	}
	if c.SweetSpotMinUSD < 0 || c.SweetSpotMaxUSD < c.SweetSpotMinUSD {
		return fmt.Errorf("config: sweet-spot band invalid [%v, %v]", c.SweetSpotMinUSD, c.SweetSpotMaxUSD)
	}
	if c.TrailingIncrementUSD <= 0 {
		return fmt.Errorf("config: TRAILING_INCREMENT_USD must be > 0, got %v", c.TrailingIncrementUSD)
	}
	if c.PullbackTolerancePct <= 0 || c.PullbackTolerancePct >= 1 {
		return fmt.Errorf("config: PULLBACK_TOLERANCE_PCT must be in (0,1), got %v", c.PullbackTolerancePct)
	}
	if c.WorkerIntervalMS < 50 {
		c.WorkerIntervalMS = 50 // floor enforced, not fatal
	}
	if c.GlobalRPCRatePerSec <= 0 {
		return fmt.Errorf("config: GLOBAL_RPC_RATE_PER_SEC must be > 0, got %d", c.GlobalRPCRatePerSec)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("config: MAX_RETRIES must be >= 0, got %d", c.MaxRetries)
	}
	if c.CircuitBreakerThreshold < 1 {
		return fmt.Errorf("config: CIRCUIT_BREAKER_THRESHOLD must be >= 1, got %d", c.CircuitBreakerThreshold)
	}
	if c.Mode != ModeLive && c.Mode != ModeSimulation {
		return fmt.Errorf("config: MODE must be LIVE or SIMULATION, got %q", c.Mode)
	}
	if c.Mode == ModeLive && c.BrokerREST == "" {
		return fmt.Errorf("config: MODE=LIVE requires BROKER_REST_URL")
	}
	return nil
}

// Durations expressed once so callers stop re-deriving them from the MS ints.

func (c *Config) WorkerInterval() time.Duration { return time.Duration(c.WorkerIntervalMS) * time.Millisecond }
func (c *Config) LockTimeoutNormal() time.Duration {
	return time.Duration(c.LockTimeoutMSNormal) * time.Millisecond
}
func (c *Config) LockTimeoutProfitLocking() time.Duration {
	return time.Duration(c.LockTimeoutMSProfitLocking) * time.Millisecond
}
func (c *Config) SLUpdateMinInterval() time.Duration {
	return time.Duration(c.SLUpdateMinIntervalMSPerTicket) * time.Millisecond
}
func (c *Config) VerificationDelay() time.Duration {
	return time.Duration(c.VerificationDelayMS) * time.Millisecond
}
func (c *Config) CircuitCoolOff() time.Duration { return time.Duration(c.CircuitCoolOffSec) * time.Second }
func (c *Config) DisableAfter() time.Duration   { return time.Duration(c.DisableAfterMin) * time.Minute }
func (c *Config) CycleInterval() time.Duration  { return time.Duration(c.CycleIntervalSeconds) * time.Second }
