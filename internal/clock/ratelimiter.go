package clock

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RPCLimiter is the single shared token bucket gating broker-mutating calls
// (modify_order, close_position). Capacity and refill rate are both set to
// the configured global RPC rate; exhaustion never blocks the caller —
// Allow returns false immediately and the caller records a RATE_LIMITED
// skip for this tick.
type RPCLimiter struct {
	lim *rate.Limiter
}

// NewRPCLimiter builds a limiter with capacity == refill rate == ratePerSec.
func NewRPCLimiter(ratePerSec int) *RPCLimiter {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	return &RPCLimiter{lim: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec)}
}

// Allow consumes one token if available without blocking.
func (r *RPCLimiter) Allow() bool { return r.lim.Allow() }

// PerTicketThrottle enforces a minimum interval between successive
// modify_order attempts for the same ticket, independent of retries.
type PerTicketThrottle struct {
	mu       sync.Mutex
	lastAt   map[int64]time.Time
	minGap   time.Duration
	clock    Clock
}

func NewPerTicketThrottle(clk Clock, minGap time.Duration) *PerTicketThrottle {
	return &PerTicketThrottle{lastAt: make(map[int64]time.Time), minGap: minGap, clock: clk}
}

// Ready reports whether minGap has elapsed since the last recorded attempt
// for ticket. It does not itself record an attempt; call Record after a
// real attempt is made.
func (p *PerTicketThrottle) Ready(ticket int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	last, ok := p.lastAt[ticket]
	if !ok {
		return true
	}
	return p.clock.Now().Sub(last) >= p.minGap
}

// Record stamps the current time as the last attempt for ticket.
func (p *PerTicketThrottle) Record(ticket int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastAt[ticket] = p.clock.Now()
}

// Forget drops throttle state for a ticket that has been reconciled away.
func (p *PerTicketThrottle) Forget(ticket int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.lastAt, ticket)
}
