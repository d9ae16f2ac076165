package worker

import (
	"context"
	"time"

	"github.com/chidi150c/sltrader/internal/journal"
	"github.com/chidi150c/sltrader/internal/registry"
)

// Reporter appends an aggregated metrics snapshot to the journal every
// interval (30s by default).
type Reporter struct {
	stats    *Stats
	reg      *registry.Registry
	jrnl     *journal.Journal
	interval time.Duration
}

func NewReporter(stats *Stats, reg *registry.Registry, jrnl *journal.Journal, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reporter{stats: stats, reg: reg, jrnl: jrnl, interval: interval}
}

// Run loops until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.snapshot()
		}
	}
}

func (r *Reporter) snapshot() {
	attempts := r.stats.Attempts.Load()
	successes := r.stats.Successes.Load()
	failures := r.stats.Failures.Load()
	rate := 0.0
	if attempts > 0 {
		rate = float64(successes) / float64(attempts)
	}
	r.jrnl.RecordSnapshot(journal.Snapshot{
		UpdateAttempts:   attempts,
		UpdateSuccesses:  successes,
		UpdateFailures:   failures,
		SuccessRate:      rate,
		LockContentions:  r.stats.LockContentions.Load(),
		EmergencyApplies: r.stats.EmergencyApplies.Load(),
		RateLimitedSkips: r.stats.RateLimitedSkips.Load(),
		OpenPositions:    r.reg.Len(),
	})
}
