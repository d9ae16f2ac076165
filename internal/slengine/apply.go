package slengine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"

	"github.com/chidi150c/sltrader/internal/broker"
	"github.com/chidi150c/sltrader/internal/circuit"
	"github.com/chidi150c/sltrader/internal/clock"
	"github.com/chidi150c/sltrader/internal/journal"
	"github.com/chidi150c/sltrader/internal/locktable"
	"github.com/chidi150c/sltrader/internal/metrics"
	"github.com/chidi150c/sltrader/internal/registry"
)

// Outcome tags what UpdateSLAtomic actually did, replacing exceptions with
// an explicit result the caller switches on.
type Outcome int

const (
	OK Outcome = iota
	NoPosition
	CircuitOpen
	Throttled
	NoUpdate
	NonMonotonic
	BrokerConstraint
	RateLimited
	LockTimeout
	ApplyFailed
	VerificationFailed
	EmergencyApplied
	Disabled
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "OK"
	case NoPosition:
		return "NO_POSITION"
	case CircuitOpen:
		return "CIRCUIT_OPEN"
	case Throttled:
		return "THROTTLED"
	case NoUpdate:
		return "NO_UPDATE"
	case NonMonotonic:
		return "NON_MONOTONIC"
	case BrokerConstraint:
		return "BROKER_CONSTRAINT"
	case RateLimited:
		return "RATE_LIMITED"
	case LockTimeout:
		return "LOCK_TIMEOUT"
	case ApplyFailed:
		return "APPLY_FAILED"
	case VerificationFailed:
		return "VERIFICATION_FAILED"
	case EmergencyApplied:
		return "EMERGENCY_APPLIED"
	case Disabled:
		return "DISABLED"
	default:
		return "UNKNOWN"
	}
}

// Result is returned from every UpdateSLAtomic call for journaling.
type Result struct {
	Ticket    int64
	Outcome   Outcome
	Reason    Reason
	OldSL     float64
	NewSL     float64
	ProfitUSD float64
	Attempts  int
	Err       error
}

// Engine is the stateful SL application engine: the single source of truth
// for every stop-loss mutation (and, via CloseAtomic, every deliberate
// closure). It owns the per-ticket State map and orchestrates the registry,
// lock table, circuit breaker, and broker on every tick. The bookkeeping
// mutex is never held across broker I/O; results commit only after the
// broker acknowledged.
type Engine struct {
	mu     sync.Mutex
	states map[int64]*State

	reg      *registry.Registry
	locks    *locktable.Table
	breaker  *circuit.Breaker
	rpc      *clock.RPCLimiter
	throttle *clock.PerTicketThrottle
	brk      broker.Broker
	clk      clock.Clock
	jrnl     *journal.Journal
	cfg      Config

	lockTimeoutNormal time.Duration
	lockTimeoutProfit time.Duration
	verificationDelay time.Duration
	maxRetries        int
	retryMinDelay     time.Duration
	retryMaxDelay     time.Duration

	symCache   map[string]broker.SymbolInfo
	symCacheAt time.Time
}

// Options bundles the timing knobs so NewEngine doesn't take nine trailing
// durations.
type Options struct {
	LockTimeoutNormal        time.Duration
	LockTimeoutProfitLocking time.Duration
	VerificationDelay        time.Duration
	MaxRetries               int
	RetryMinDelay            time.Duration
	RetryMaxDelay            time.Duration
}

// NewEngine wires an Engine from its collaborators. cfg is the SL-engine
// configuration shared by every ticket; per-ticket State is created lazily
// on first touch.
func NewEngine(
	reg *registry.Registry,
	locks *locktable.Table,
	breaker *circuit.Breaker,
	rpc *clock.RPCLimiter,
	throttle *clock.PerTicketThrottle,
	brk broker.Broker,
	clk clock.Clock,
	jrnl *journal.Journal,
	cfg Config,
	opt Options,
) *Engine {
	if opt.RetryMinDelay <= 0 {
		opt.RetryMinDelay = 50 * time.Millisecond
	}
	if opt.RetryMaxDelay <= 0 {
		opt.RetryMaxDelay = 2 * time.Second
	}
	return &Engine{
		states:            make(map[int64]*State),
		reg:               reg,
		locks:             locks,
		breaker:           breaker,
		rpc:               rpc,
		throttle:          throttle,
		brk:               brk,
		clk:               clk,
		jrnl:              jrnl,
		cfg:               cfg,
		lockTimeoutNormal: opt.LockTimeoutNormal,
		lockTimeoutProfit: opt.LockTimeoutProfitLocking,
		verificationDelay: opt.VerificationDelay,
		maxRetries:        opt.MaxRetries,
		retryMinDelay:     opt.RetryMinDelay,
		retryMaxDelay:     opt.RetryMaxDelay,
		symCache:          make(map[string]broker.SymbolInfo),
	}
}

func (e *Engine) stateFor(ticket int64) *State {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[ticket]
	if !ok {
		st = &State{}
		e.states[ticket] = st
	}
	return st
}

// StateSnapshot returns a copy of the per-ticket state, for the exit
// bypasses (which must confirm the position is already protected) and for
// checkpointing.
func (e *Engine) StateSnapshot(ticket int64) (State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[ticket]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// RestoreState seeds per-ticket state from a checkpoint, on restart or when
// reconciliation backfills an externally opened position. Only the durable
// fields are restored.
func (e *Engine) RestoreState(ticket int64, peakProfitUSD, lastAppliedSL float64, reason Reason) {
	st := e.stateFor(ticket)
	e.mu.Lock()
	st.PeakProfitUSD = peakProfitUSD
	st.LastAppliedSL = lastAppliedSL
	st.LastAppliedReason = reason
	e.mu.Unlock()
}

// Forget drops all engine-owned state for a ticket reconciliation has
// confirmed is gone.
func (e *Engine) Forget(ticket int64) {
	e.mu.Lock()
	delete(e.states, ticket)
	e.mu.Unlock()
	e.breaker.Forget(ticket)
	e.throttle.Forget(ticket)
	e.locks.Reclaim(ticket)
}

// UpdateSLAtomic is the single source of truth for moving a position's
// stop-loss. holderID identifies the caller (worker goroutine ID, or
// "emergency") for lock diagnostics.
func (e *Engine) UpdateSLAtomic(ctx context.Context, ticket int64, holderID string) Result {
	started := e.clk.Now()
	res := e.updateSL(ctx, ticket, holderID, started)
	metrics.IncSLAttempt(res.Outcome.String())
	switch res.Outcome {
	case NoUpdate, Throttled, CircuitOpen, NoPosition:
	default:
		e.journalAttempt(res, started)
	}
	return res
}

func (e *Engine) updateSL(ctx context.Context, ticket int64, holderID string, now time.Time) Result {
	pos, ok := e.reg.Get(ticket)
	if !ok {
		return Result{Ticket: ticket, Outcome: NoPosition}
	}
	cur := derefOr(pos.CurrentSL, pos.EntryPrice)

	if e.breaker.Disabled(ticket, now) {
		return Result{Ticket: ticket, Outcome: Disabled, OldSL: cur}
	}
	if e.breaker.Open(ticket, now) {
		return Result{Ticket: ticket, Outcome: CircuitOpen, OldSL: cur}
	}
	if !e.throttle.Ready(ticket) {
		return Result{Ticket: ticket, Outcome: Throttled, OldSL: cur}
	}

	st := e.stateFor(ticket)

	// The profit-locking timeout class applies once the last known profit is
	// at or above the sweet-spot floor: losing that race re-opens risk, so
	// contention gets a longer budget there.
	timeout := e.lockTimeoutNormal
	kind := locktable.Normal
	if pos.ProfitUSD() >= e.cfg.SweetSpotMinUSD {
		timeout = e.lockTimeoutProfit
		kind = locktable.ProfitLocking
	}

	release, acquired := e.locks.Acquire(ticket, timeout, kind, holderID)
	if !acquired {
		profitUSD := pos.ProfitUSD()
		if profitUSD < -e.cfg.MaxRiskPerTradeUSD {
			metrics.IncLockContention("emergency")
			return e.applyEmergency(ctx, ticket, pos, profitUSD, now)
		}
		metrics.IncLockContention("skipped")
		log.Printf("[SL] LOCK_TIMEOUT ticket=%d holder=%s", ticket, holderID)
		return Result{Ticket: ticket, Outcome: LockTimeout, ProfitUSD: profitUSD, OldSL: cur}
	}
	defer release()

	// A pending verification due by now runs before any new proposal: the
	// previous apply is not trusted until the broker echoes it back.
	if st.VerificationPending && !now.Before(st.VerifyAt) {
		if vres, done := e.verify(ctx, ticket, st, now); done {
			return vres
		}
	}

	quote, err := e.brk.GetQuote(ctx, pos.Symbol)
	if err != nil {
		return Result{Ticket: ticket, Outcome: ApplyFailed, OldSL: cur, Err: err}
	}
	price := quote.Bid
	if pos.Direction == broker.Short {
		price = quote.Ask
	}
	e.reg.UpdateQuote(ticket, price, nil)
	profitUSD := profitAt(pos, price)

	view := PositionView{Direction: pos.Direction, EntryPrice: pos.EntryPrice, Volume: pos.Volume, ContractValue: pos.ContractValue}
	out, newPeak := Compute(view, profitUSD, *st, e.cfg)
	st.PeakProfitUSD = newPeak
	st.LastProfitUSD = profitUSD
	st.LastAttemptAt = now

	if out.NoUpdate {
		return Result{Ticket: ticket, Outcome: NoUpdate, ProfitUSD: profitUSD, OldSL: cur}
	}

	if out.Reason == SweetSpot && st.SweetSpotEnteredAt.IsZero() {
		st.SweetSpotEnteredAt = now
	}

	// Monotonicity filter: against both our own last applied value and the
	// broker-reported stop. A proposal that would reduce protection is
	// dropped before any RPC.
	if st.LastAppliedReason == SweetSpot || st.LastAppliedReason == Trailing {
		if !Monotonic(pos.Direction, st.LastAppliedSL, out.TargetSL) {
			return Result{Ticket: ticket, Outcome: NonMonotonic, Reason: out.Reason, ProfitUSD: profitUSD, OldSL: cur}
		}
	}
	if pos.CurrentSL != nil && !Monotonic(pos.Direction, cur, out.TargetSL) {
		return Result{Ticket: ticket, Outcome: NonMonotonic, Reason: out.Reason, ProfitUSD: profitUSD, OldSL: cur}
	}

	target := out.TargetSL
	if sym, symErr := e.symbolInfo(ctx, pos.Symbol, now); symErr == nil {
		adjusted := widenForStopsLevel(pos.Direction, quote, target, sym.StopsLevel+sym.Spread)
		// Widening is allowed only in the protective direction; if the
		// stops-level pushes the target past what we already hold, there is
		// no valid protective price this tick.
		if adjusted != target && pos.CurrentSL != nil && !Monotonic(pos.Direction, cur, adjusted) {
			log.Printf("[SL] BROKER_CONSTRAINT ticket=%d target=%.5f stops_level=%.5f", ticket, target, sym.StopsLevel)
			return Result{Ticket: ticket, Outcome: BrokerConstraint, Reason: out.Reason, ProfitUSD: profitUSD, OldSL: cur}
		}
		target = quantize(adjusted, sym.PriceStep)
	}

	// Re-proposing the value already in force is a no-op, not an RPC.
	if pos.CurrentSL != nil && target == cur {
		return Result{Ticket: ticket, Outcome: NoUpdate, ProfitUSD: profitUSD, OldSL: cur}
	}

	if !e.rpc.Allow() {
		metrics.IncRateLimitedSkip()
		return Result{Ticket: ticket, Outcome: RateLimited, Reason: out.Reason, ProfitUSD: profitUSD, OldSL: cur}
	}
	e.throttle.Record(ticket)

	attempts, err := e.modifyWithRetry(ctx, ticket, target)
	if err != nil {
		if opened := e.breaker.RecordFailure(ticket, now); opened {
			metrics.IncCircuitOpen()
			log.Printf("[CIRCUIT] opened ticket=%d after apply failures: %v", ticket, err)
		}
		st.ConsecutiveFailures++
		return Result{Ticket: ticket, Outcome: ApplyFailed, Reason: out.Reason, ProfitUSD: profitUSD, OldSL: cur, Attempts: attempts, Err: err}
	}

	e.breaker.RecordSuccess(ticket)
	st.ConsecutiveFailures = 0
	st.LastAppliedSL = target
	st.LastAppliedReason = out.Reason
	st.VerificationPending = true
	st.VerifyAt = now.Add(e.verificationDelay)
	e.reg.UpdateQuote(ticket, price, &target)

	if out.Reason == SweetSpot && !st.ActivationRecorded {
		st.ActivationRecorded = true
		metrics.ObserveSweetSpotActivation(now.Sub(st.SweetSpotEnteredAt).Seconds())
	}
	metrics.ObserveApplyDuration(e.clk.Now().Sub(now).Seconds())

	return Result{Ticket: ticket, Outcome: OK, Reason: out.Reason, ProfitUSD: profitUSD, OldSL: cur, NewSL: target, Attempts: attempts}
}

// verify re-fetches the broker's view of ticket and checks the stop it
// reports against the value we applied, within a tolerance proportional to
// the symbol's price step. Returns done=true with a Result when the tick
// should stop here (verification failed and the circuit reacted); done=false
// lets the caller continue into a fresh compute/apply.
func (e *Engine) verify(ctx context.Context, ticket int64, st *State, now time.Time) (Result, bool) {
	positions, err := e.brk.GetPositions(ctx)
	if err != nil {
		return Result{Ticket: ticket, Outcome: VerificationFailed, Err: err}, true
	}
	var bp *broker.Position
	for i := range positions {
		if positions[i].Ticket == ticket {
			bp = &positions[i]
			break
		}
	}
	if bp == nil {
		// Position closed between apply and verification; reconciliation
		// will record the closure.
		st.VerificationPending = false
		return Result{Ticket: ticket, Outcome: NoPosition}, true
	}

	tol := 1e-9
	if sym, symErr := e.symbolInfo(ctx, bp.Symbol, now); symErr == nil && sym.PriceStep > 0 {
		tol = sym.PriceStep * 1.5
	}
	got := derefOr(bp.CurrentSL, 0)
	diff, _ := decimal.NewFromFloat(got).Sub(decimal.NewFromFloat(st.LastAppliedSL)).Abs().Float64()
	if diff <= tol {
		st.VerificationPending = false
		e.reg.UpdateSL(ticket, bp.CurrentSL)
		return Result{}, false
	}

	log.Printf("[WARN] VERIFICATION_FAILED ticket=%d applied=%.5f broker=%.5f tol=%.5g", ticket, st.LastAppliedSL, got, tol)
	st.ConsecutiveFailures++
	if opened := e.breaker.RecordFailure(ticket, now); opened {
		metrics.IncCircuitOpen()
		return Result{Ticket: ticket, Outcome: VerificationFailed, OldSL: got}, true
	}
	// Not yet at the circuit threshold: fall through and retry the apply
	// from a fresh quote this same tick.
	return Result{}, false
}

// applyEmergency is the lock-free fallback: a losing position beyond the
// risk cap whose normal lock acquisition timed out still gets its stop
// moved, without ever holding the per-ticket lock. It still takes an RPC
// token — emergency bypasses contention, not the shared broker budget.
func (e *Engine) applyEmergency(ctx context.Context, ticket int64, pos registry.Position, profitUSD float64, now time.Time) Result {
	cur := derefOr(pos.CurrentSL, pos.EntryPrice)
	view := PositionView{Direction: pos.Direction, EntryPrice: pos.EntryPrice, Volume: pos.Volume, ContractValue: pos.ContractValue}
	target := priceForProfit(view, -e.cfg.MaxRiskPerTradeUSD)

	if pos.CurrentSL != nil && !Monotonic(pos.Direction, cur, target) {
		return Result{Ticket: ticket, Outcome: LockTimeout, ProfitUSD: profitUSD, OldSL: cur}
	}
	if !e.rpc.Allow() {
		metrics.IncRateLimitedSkip()
		return Result{Ticket: ticket, Outcome: RateLimited, Reason: Emergency, ProfitUSD: profitUSD, OldSL: cur}
	}

	attempts, err := e.modifyWithRetry(ctx, ticket, target)
	if err != nil {
		e.breaker.RecordFailure(ticket, now)
		log.Printf("[ERROR] EMERGENCY apply failed ticket=%d err=%v", ticket, err)
		return Result{Ticket: ticket, Outcome: ApplyFailed, Reason: Emergency, ProfitUSD: profitUSD, OldSL: cur, Attempts: attempts, Err: err}
	}

	metrics.IncEmergencyApply()
	e.reg.UpdateQuote(ticket, pos.CurrentPrice, &target)
	st := e.stateFor(ticket)
	st.LastAppliedSL = target
	st.LastAppliedReason = Emergency
	log.Printf("[ERROR] EMERGENCY_APPLIED ticket=%d old_sl=%.5f new_sl=%.5f profit=%.2f", ticket, cur, target, profitUSD)
	return Result{Ticket: ticket, Outcome: EmergencyApplied, Reason: Emergency, ProfitUSD: profitUSD, OldSL: cur, NewSL: target, Attempts: attempts}
}

// CloseAtomic is the sanctioned closure path for the early-exit bypasses:
// it takes the ticket lock and an RPC token, closes the position at the
// broker, and records the closure. reason becomes the journal close_reason
// (e.g. "micro_profit", "compliance:overnight_hold").
func (e *Engine) CloseAtomic(ctx context.Context, ticket int64, reason string, holderID string) error {
	pos, ok := e.reg.Get(ticket)
	if !ok {
		return fmt.Errorf("close: ticket %d not tracked", ticket)
	}
	release, acquired := e.locks.Acquire(ticket, e.lockTimeoutNormal, locktable.Normal, holderID)
	if !acquired {
		return fmt.Errorf("close: lock timeout for ticket %d", ticket)
	}
	defer release()

	if !e.rpc.Allow() {
		metrics.IncRateLimitedSkip()
		return fmt.Errorf("close: rate limited for ticket %d", ticket)
	}
	res, err := e.brk.ClosePosition(ctx, ticket, reason)
	if err != nil {
		return err
	}
	if res.Status != broker.CloseOK {
		return fmt.Errorf("close rejected: %s", res.RejectReason)
	}

	profit := pos.ProfitUSD()
	e.jrnl.RecordClosure(journal.Closure{Ticket: ticket, CloseTime: time.Now(), CloseReason: reason, ProfitUSD: profit})
	metrics.IncExitReason(reason, pos.Direction.String())
	e.reg.Remove(ticket)
	e.Forget(ticket)
	return nil
}

// modifyWithRetry wraps broker.ModifyOrder with the pack's exponential
// backoff idiom, returning the number of attempts actually made.
func (e *Engine) modifyWithRetry(ctx context.Context, ticket int64, target float64) (int, error) {
	b := &backoff.Backoff{Min: e.retryMinDelay, Max: e.retryMaxDelay, Factor: 2, Jitter: true}
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		attempts++
		res, err := e.brk.ModifyOrder(ctx, ticket, target)
		if err == nil && res.Status == broker.ModifyOK {
			return attempts, nil
		}
		if err == nil {
			lastErr = fmt.Errorf("modify rejected: %s", res.RejectReason)
		} else {
			lastErr = err
		}
		if attempt == e.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return attempts, ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	return attempts, lastErr
}

// symbolInfo serves SymbolInfo from a 30s cache so the per-tick stops-level
// check doesn't hammer GetSymbols.
func (e *Engine) symbolInfo(ctx context.Context, symbol string, now time.Time) (broker.SymbolInfo, error) {
	e.mu.Lock()
	if !e.symCacheAt.IsZero() && now.Sub(e.symCacheAt) < 30*time.Second {
		if s, ok := e.symCache[symbol]; ok {
			e.mu.Unlock()
			return s, nil
		}
	}
	e.mu.Unlock()

	symbols, err := e.brk.GetSymbols(ctx)
	if err != nil {
		return broker.SymbolInfo{}, err
	}
	e.mu.Lock()
	e.symCache = make(map[string]broker.SymbolInfo, len(symbols))
	for _, s := range symbols {
		e.symCache[s.Symbol] = s
	}
	e.symCacheAt = now
	s, ok := e.symCache[symbol]
	e.mu.Unlock()
	if !ok {
		return broker.SymbolInfo{}, fmt.Errorf("symbol %s not found", symbol)
	}
	return s, nil
}

func (e *Engine) journalAttempt(res Result, started time.Time) {
	pos, _ := e.reg.Get(res.Ticket)
	failure := ""
	if res.Outcome != OK && res.Outcome != EmergencyApplied {
		failure = res.Outcome.String()
		if res.Err != nil {
			failure = fmt.Sprintf("%s: %v", failure, res.Err)
		}
	}
	e.jrnl.RecordAttempt(journal.Attempt{
		Ticket:        res.Ticket,
		Symbol:        pos.Symbol,
		Direction:     pos.Direction.String(),
		Entry:         pos.EntryPrice,
		CurrentPrice:  pos.CurrentPrice,
		ProfitUSD:     res.ProfitUSD,
		TargetSL:      res.NewSL,
		AppliedSL:     res.NewSL,
		Reason:        res.Reason.String(),
		Success:       res.Outcome == OK || res.Outcome == EmergencyApplied,
		FailureReason: failure,
		Attempts:      res.Attempts,
		DurationMS:    e.clk.Now().Sub(started).Milliseconds(),
	})
}

// widenForStopsLevel pushes target further from the current price if the
// broker's minimum stop distance would otherwise reject it.
func widenForStopsLevel(dir broker.Direction, q broker.Quote, target float64, minDistance float64) float64 {
	if minDistance <= 0 {
		return target
	}
	if dir == broker.Short {
		min := q.Ask + minDistance
		if target < min {
			return min
		}
		return target
	}
	max := q.Bid - minDistance
	if target > max {
		return max
	}
	return target
}

// quantize snaps price to the symbol's price step using decimal arithmetic
// so repeated round-trips through float64 cannot drift the stop by a step.
func quantize(price, step float64) float64 {
	if step <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	s := decimal.NewFromFloat(step)
	out, _ := p.Div(s).Round(0).Mul(s).Float64()
	return out
}

func derefOr(p *float64, fallback float64) float64 {
	if p == nil {
		return fallback
	}
	return *p
}

// profitAt computes profit at an arbitrary price rather than the position's
// own CurrentPrice (the fresh quote read this tick may not have been
// committed to the registry yet when profit is needed).
func profitAt(p registry.Position, price float64) float64 {
	diff := price - p.EntryPrice
	if p.Direction == broker.Short {
		diff = -diff
	}
	return diff * p.ContractValue * p.Volume
}
