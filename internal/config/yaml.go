package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// yamlOverlay carries a subset of the env keys in YAML form; keys without a
// field here are set only from the environment. A certified
// simulation run pins its configuration in a file so the exact same knobs
// can be replayed live; any field left nil keeps the env-derived value.
type yamlOverlay struct {
	Mode *string `yaml:"mode"`

	MaxRiskPerTradeUSD *float64 `yaml:"max_risk_per_trade_usd"`
	DefaultLot         *float64 `yaml:"default_lot"`
	MaxLotCap          *float64 `yaml:"max_lot_cap"`
	MaxOpenTrades      *int     `yaml:"max_open_trades"`

	SweetSpotMinUSD      *float64 `yaml:"sweet_spot_min_usd"`
	SweetSpotMaxUSD      *float64 `yaml:"sweet_spot_max_usd"`
	TrailingIncrementUSD *float64 `yaml:"trailing_increment_usd"`
	PullbackTolerancePct *float64 `yaml:"pullback_tolerance_pct"`
	BigJumpThresholdUSD  *float64 `yaml:"big_jump_threshold_usd"`
	BigJumpLockMarginUSD *float64 `yaml:"big_jump_lock_margin_usd"`
	MaxPeakLockUSD       *float64 `yaml:"max_peak_lock_usd"`

	WorkerIntervalMS           *int `yaml:"worker_interval_ms"`
	LockTimeoutMSNormal        *int `yaml:"lock_timeout_ms_normal"`
	LockTimeoutMSProfitLocking *int `yaml:"lock_timeout_ms_profit_locking"`

	SLUpdateMinIntervalMSPerTicket *int `yaml:"sl_update_min_interval_ms_per_ticket"`
	GlobalRPCRatePerSec            *int `yaml:"global_rpc_rate_per_sec"`

	MaxRetries              *int `yaml:"max_retries"`
	VerificationDelayMS     *int `yaml:"verification_delay_ms"`
	CircuitBreakerThreshold *int `yaml:"circuit_breaker_threshold"`

	MinQualityScore          *float64 `yaml:"min_quality_score"`
	NewsBlockWindowMinutes   *int     `yaml:"news_block_window_minutes"`
	MarketCloseBufferMinutes *int     `yaml:"market_close_buffer_minutes"`

	CycleIntervalSeconds *int `yaml:"cycle_interval_seconds"`
}

// ApplyYAML overlays the file at path onto cfg. Missing file is an error;
// missing keys are not.
func ApplyYAML(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read overlay: %w", err)
	}
	var ov yamlOverlay
	if err := yaml.Unmarshal(raw, &ov); err != nil {
		return fmt.Errorf("config: parse overlay %s: %w", path, err)
	}

	if ov.Mode != nil {
		cfg.Mode = Mode(*ov.Mode)
	}
	setF := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
		}
	}
	setI := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setF(&cfg.MaxRiskPerTradeUSD, ov.MaxRiskPerTradeUSD)
	setF(&cfg.DefaultLot, ov.DefaultLot)
	setF(&cfg.MaxLotCap, ov.MaxLotCap)
	setI(&cfg.MaxOpenTrades, ov.MaxOpenTrades)
	setF(&cfg.SweetSpotMinUSD, ov.SweetSpotMinUSD)
	setF(&cfg.SweetSpotMaxUSD, ov.SweetSpotMaxUSD)
	setF(&cfg.TrailingIncrementUSD, ov.TrailingIncrementUSD)
	setF(&cfg.PullbackTolerancePct, ov.PullbackTolerancePct)
	setF(&cfg.BigJumpThresholdUSD, ov.BigJumpThresholdUSD)
	setF(&cfg.BigJumpLockMarginUSD, ov.BigJumpLockMarginUSD)
	setF(&cfg.MaxPeakLockUSD, ov.MaxPeakLockUSD)
	setI(&cfg.WorkerIntervalMS, ov.WorkerIntervalMS)
	setI(&cfg.LockTimeoutMSNormal, ov.LockTimeoutMSNormal)
	setI(&cfg.LockTimeoutMSProfitLocking, ov.LockTimeoutMSProfitLocking)
	setI(&cfg.SLUpdateMinIntervalMSPerTicket, ov.SLUpdateMinIntervalMSPerTicket)
	setI(&cfg.GlobalRPCRatePerSec, ov.GlobalRPCRatePerSec)
	setI(&cfg.MaxRetries, ov.MaxRetries)
	setI(&cfg.VerificationDelayMS, ov.VerificationDelayMS)
	setI(&cfg.CircuitBreakerThreshold, ov.CircuitBreakerThreshold)
	setF(&cfg.MinQualityScore, ov.MinQualityScore)
	setI(&cfg.NewsBlockWindowMinutes, ov.NewsBlockWindowMinutes)
	setI(&cfg.MarketCloseBufferMinutes, ov.MarketCloseBufferMinutes)
	setI(&cfg.CycleIntervalSeconds, ov.CycleIntervalSeconds)
	return nil
}
