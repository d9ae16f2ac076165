// Package journal writes the engine's persistent outputs: one structured
// record per SL attempt, one per position closure, and periodic metrics
// snapshots, all appended to per-concern files. Records are emitted as
// single-line JSON via zerolog so they can be grepped and replayed without a
// parser.
package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Journal owns the three append-only streams. Safe for concurrent use; each
// stream serializes through zerolog's writer.
type Journal struct {
	mu       sync.Mutex
	attempts zerolog.Logger
	closures zerolog.Logger
	metrics  zerolog.Logger
	files    []*os.File
}

// Open creates (or appends to) the journal files under dir.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: mkdir %s: %w", dir, err)
	}
	j := &Journal{}
	open := func(name string) (zerolog.Logger, error) {
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("journal: open %s: %w", name, err)
		}
		j.files = append(j.files, f)
		return zerolog.New(f).With().Timestamp().Logger(), nil
	}
	var err error
	if j.attempts, err = open("sl_attempts.jsonl"); err != nil {
		return nil, err
	}
	if j.closures, err = open("closures.jsonl"); err != nil {
		return nil, err
	}
	if j.metrics, err = open("metrics.jsonl"); err != nil {
		return nil, err
	}
	return j, nil
}

// Close flushes and closes the underlying files.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var first error
	for _, f := range j.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	j.files = nil
	return first
}

// Attempt is the per-SL-attempt record.
type Attempt struct {
	Ticket        int64
	Symbol        string
	Direction     string
	Entry         float64
	CurrentPrice  float64
	ProfitUSD     float64
	TargetSL      float64
	AppliedSL     float64
	Reason        string
	Success       bool
	FailureReason string
	Attempts      int
	DurationMS    int64
}

// RecordAttempt appends one SL-attempt record. The record id is synthetic
// (uuid) so retries of the same ticket stay distinguishable downstream.
func (j *Journal) RecordAttempt(a Attempt) {
	ev := j.attempts.Info()
	if !a.Success {
		ev = j.attempts.Warn()
	}
	ev.
		Str("id", uuid.New().String()).
		Int64("ticket", a.Ticket).
		Str("symbol", a.Symbol).
		Str("direction", a.Direction).
		Float64("entry", a.Entry).
		Float64("current_price", a.CurrentPrice).
		Float64("profit_usd", a.ProfitUSD).
		Float64("target_sl", a.TargetSL).
		Float64("applied_sl", a.AppliedSL).
		Str("reason", a.Reason).
		Bool("success", a.Success).
		Str("failure_reason", a.FailureReason).
		Int("attempts", a.Attempts).
		Int64("duration_ms", a.DurationMS).
		Msg("sl_attempt")
}

// Closure is the per-position-closure record.
type Closure struct {
	Ticket      int64
	CloseTime   time.Time
	CloseReason string
	ProfitUSD   float64
}

// RecordClosure appends one closure record.
func (j *Journal) RecordClosure(c Closure) {
	j.closures.Info().
		Int64("ticket", c.Ticket).
		Time("close_time", c.CloseTime).
		Str("close_reason", c.CloseReason).
		Float64("profit_usd", c.ProfitUSD).
		Msg("closure")
}

// Snapshot is the periodic aggregated-metrics record (every 30s).
type Snapshot struct {
	UpdateAttempts      int64
	UpdateSuccesses     int64
	UpdateFailures      int64
	SuccessRate         float64
	LockContentions     int64
	EmergencyApplies    int64
	RateLimitedSkips    int64
	OpenPositions       int
	MeanActivationMS    float64
}

// RecordSnapshot appends one metrics snapshot.
func (j *Journal) RecordSnapshot(s Snapshot) {
	j.metrics.Info().
		Int64("update_attempts", s.UpdateAttempts).
		Int64("update_successes", s.UpdateSuccesses).
		Int64("update_failures", s.UpdateFailures).
		Float64("success_rate", s.SuccessRate).
		Int64("lock_contentions", s.LockContentions).
		Int64("emergency_applies", s.EmergencyApplies).
		Int64("rate_limited_skips", s.RateLimitedSkips).
		Int("open_positions", s.OpenPositions).
		Float64("mean_activation_ms", s.MeanActivationMS).
		Msg("metrics_snapshot")
}

// Nop returns a journal that discards everything; used by tests and by
// components constructed before the real journal is open.
func Nop() *Journal {
	nop := zerolog.Nop()
	return &Journal{attempts: nop, closures: nop, metrics: nop}
}
