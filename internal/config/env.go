// Environment helpers and safe .env loading.
//
// Small helpers to read environment variables with sane defaults (strings,
// ints, floats, bools), plus a dependency-free .env loader that reads ./.env
// (and ../.env) and injects ONLY the keys the engine needs into the process
// environment. It intentionally ignores secrets aimed at the broker sidecar
// to avoid shell-export issues: just run the binary, no `export $(cat .env)`.
package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "y", "yes":
		return true
	case "0", "false", "n", "no":
		return false
	default:
		return def
	}
}

func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// neededKeys is the allowlist of env keys the Go process reads; everything
// else in .env (connector credentials, PEMs) stays out of our environment.
var neededKeys = map[string]struct{}{
	"MODE": {}, "PORT": {}, "BROKER_REST_URL": {}, "BROKER_WS_URL": {},
	"JOURNAL_DIR": {}, "STATE_PATH": {},
	"MAX_RISK_PER_TRADE_USD": {}, "DEFAULT_LOT": {}, "MAX_LOT_CAP": {}, "MAX_OPEN_TRADES": {},
	"SWEET_SPOT_MIN_USD": {}, "SWEET_SPOT_MAX_USD": {}, "TRAILING_INCREMENT_USD": {},
	"PULLBACK_TOLERANCE_PCT": {}, "BIG_JUMP_THRESHOLD_USD": {}, "BIG_JUMP_LOCK_MARGIN_USD": {},
	"MAX_PEAK_LOCK_USD": {},
	"WORKER_INTERVAL_MS": {}, "LOCK_TIMEOUT_MS_NORMAL": {}, "LOCK_TIMEOUT_MS_PROFIT_LOCKING": {},
	"SL_UPDATE_MIN_INTERVAL_MS_PER_TICKET": {}, "GLOBAL_RPC_RATE_PER_SEC": {},
	"MAX_RETRIES": {}, "VERIFICATION_DELAY_MS": {}, "CIRCUIT_BREAKER_THRESHOLD": {},
	"CIRCUIT_COOL_OFF_SEC": {}, "DISABLE_AFTER_MIN": {},
	"MIN_QUALITY_SCORE": {}, "MAX_SPREAD": {}, "MIN_BAR_VOLUME": {},
	"NEWS_BLOCK_WINDOW_MINUTES": {}, "MARKET_CLOSE_BUFFER_MINUTES": {}, "ENTRY_SKIP_PROBABILITY": {},
	"MICRO_PROFIT_BUFFER_USD": {}, "MICRO_PROFIT_EXTENDED_BAND": {}, "MICRO_PROFIT_BAND_MARGIN_USD": {},
	"CYCLE_INTERVAL_SECONDS": {},
}

// LoadBotEnv reads .env from "." and ".." and sets ONLY the keys the engine
// needs. It won't override variables already in the environment and ignores
// multi-line values.
func LoadBotEnv() {
	try := func(path string) {
		f, err := os.Open(path)
		if err != nil {
			return
		}
		defer f.Close()
		s := bufio.NewScanner(f)
		for s.Scan() {
			line := strings.TrimSpace(s.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			// allow optional "export KEY=VAL"
			if strings.HasPrefix(line, "export ") {
				line = strings.TrimSpace(line[len("export "):])
			}
			eq := strings.Index(line, "=")
			if eq <= 0 {
				continue
			}
			key := strings.TrimSpace(line[:eq])
			if _, ok := neededKeys[key]; !ok {
				continue
			}
			val := strings.TrimSpace(line[eq+1:])
			if len(val) >= 2 && ((val[0] == '"' && val[len(val)-1] == '"') || (val[0] == '\'' && val[len(val)-1] == '\'')) {
				val = val[1 : len(val)-1]
			}
			if idx := strings.IndexAny(val, "#"); idx >= 0 {
				val = strings.TrimSpace(val[:idx])
			}
			if os.Getenv(key) == "" {
				_ = os.Setenv(key, val)
			}
		}
	}
	for _, base := range []string{".", ".."} {
		try(filepath.Join(base, ".env"))
	}
}
