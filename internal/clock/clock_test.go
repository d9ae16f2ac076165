package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeClockAdvance(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	f := NewFake(start)
	assert.Equal(t, start, f.Now())
	f.Advance(time.Second)
	assert.Equal(t, start.Add(time.Second), f.Now())
}

func TestRPCLimiterExhaustsAndRefuses(t *testing.T) {
	lim := NewRPCLimiter(5)
	granted := 0
	for i := 0; i < 10; i++ {
		if lim.Allow() {
			granted++
		}
	}
	// Burst capacity equals the rate; exhaustion refuses without blocking.
	assert.Equal(t, 5, granted)
	assert.False(t, lim.Allow())
}

func TestRPCLimiterNonPositiveRate(t *testing.T) {
	lim := NewRPCLimiter(0)
	assert.True(t, lim.Allow()) // clamped to a minimal working bucket
}

func TestPerTicketThrottle(t *testing.T) {
	clk := NewFake(time.Unix(1_700_000_000, 0))
	th := NewPerTicketThrottle(clk, 100*time.Millisecond)

	require.True(t, th.Ready(1)) // never attempted
	th.Record(1)
	assert.False(t, th.Ready(1))

	clk.Advance(99 * time.Millisecond)
	assert.False(t, th.Ready(1))

	clk.Advance(time.Millisecond)
	assert.True(t, th.Ready(1))

	// Tickets are independent.
	assert.True(t, th.Ready(2))

	th.Forget(1)
	assert.True(t, th.Ready(1))
}
