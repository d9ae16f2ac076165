package locktable

import (
	"context"
	"log"
	"time"
)

// MaxHoldTime is the default lock hold budget before the watchdog force-
// releases it.
const MaxHoldTime = 500 * time.Millisecond

// WatchdogInterval is the sweep cadence.
const WatchdogInterval = 100 * time.Millisecond

// RunWatchdog sweeps t every WatchdogInterval until ctx is cancelled,
// logging STALE_LOCK_FORCE_RELEASED for each event. It is one of the
// concurrent agents running alongside the SL worker and must never
// busy-wait: the only suspension point is the ticker channel.
func RunWatchdog(ctx context.Context, t *Table) {
	ticker := time.NewTicker(WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, ev := range t.SweepStale(MaxHoldTime) {
				log.Printf("[WATCHDOG] STALE_LOCK_FORCE_RELEASED ticket=%d holder=%s held_for=%s",
					ev.Ticket, ev.HolderID, ev.HeldFor)
			}
		}
	}
}
