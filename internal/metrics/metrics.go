// Package metrics – Prometheus metrics for observability.
//
// Exposes the primary metrics the engine updates during operation:
//   - sl_update_attempts_total{outcome}      – SL update attempts by tagged outcome
//   - sl_apply_duration_seconds              – Histogram of apply latencies
//   - sl_lock_contention_total{disposition}  – Lock timeouts (skipped|emergency)
//   - sl_emergency_applies_total             – Lock-free STRICT_LOSS applies
//   - sl_rate_limited_skips_total            – Token-bucket exhaustion skips
//   - sl_circuit_open_total                  – Circuit-breaker openings
//   - sl_sweet_spot_activation_seconds       – Time from entering the sweet spot to the SWEET_SPOT lock
//   - bot_orders_total{mode,side}            – Orders placed
//   - bot_entry_rejections_total{gate}       – Filter-pipeline rejections by gate
//   - bot_exit_reasons_total{reason,side}    – Exits split by reason and side
//   - bot_open_positions                     – Current registry size (gauge)
//
// These are registered in init() and served by the HTTP handler started in
// cmd/sltrader/main.go at /metrics (Prometheus text exposition format).
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	slAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sl_update_attempts_total",
			Help: "SL update attempts by outcome",
		},
		[]string{"outcome"},
	)

	slApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sl_apply_duration_seconds",
			Help:    "Latency of update_sl_atomic from entry to broker ack",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)

	slLockContention = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sl_lock_contention_total",
			Help: "Ticket-lock acquisition timeouts by disposition",
		},
		[]string{"disposition"}, // skipped|emergency
	)

	slEmergencyApplies = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sl_emergency_applies_total",
			Help: "Lock-free STRICT_LOSS applies via the emergency path",
		},
	)

	slRateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sl_rate_limited_skips_total",
			Help: "SL updates skipped because the global RPC bucket was empty",
		},
	)

	slCircuitOpen = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sl_circuit_open_total",
			Help: "Per-ticket circuit-breaker openings",
		},
	)

	// Time from the first tick in the sweet spot to the SWEET_SPOT apply; the §4.9 target
	// is a mean under 500ms once profit enters the band.
	slSweetSpotActivation = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sl_sweet_spot_activation_seconds",
			Help:    "Delay between profit entering the sweet spot and the lock applying",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	mtxOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_orders_total",
			Help: "Orders placed",
		},
		[]string{"mode", "side"},
	)

	mtxEntryRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_entry_rejections_total",
			Help: "Entry signals rejected by the filter pipeline, by gate",
		},
		[]string{"gate"},
	)

	// Counts exits split by reason; reasons are things like sl_profit,
	// sl_loss, micro_profit, compliance.
	mtxExitReasons = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_exit_reasons_total",
			Help: "Total exits split by reason and side",
		},
		[]string{"reason", "side"},
	)

	mtxOpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_open_positions",
			Help: "Open positions currently tracked by the registry",
		},
	)
)

func init() {
	prometheus.MustRegister(slAttempts, slApplyDuration, slLockContention)
	prometheus.MustRegister(slEmergencyApplies, slRateLimited, slCircuitOpen, slSweetSpotActivation)
	prometheus.MustRegister(mtxOrders, mtxEntryRejections, mtxExitReasons, mtxOpenPositions)
}

// Helper setters used across packages.

func IncSLAttempt(outcome string)           { slAttempts.WithLabelValues(outcome).Inc() }
func ObserveApplyDuration(seconds float64)  { slApplyDuration.Observe(seconds) }
func IncLockContention(disposition string)  { slLockContention.WithLabelValues(disposition).Inc() }
func IncEmergencyApply()                    { slEmergencyApplies.Inc() }
func IncRateLimitedSkip()                   { slRateLimited.Inc() }
func IncCircuitOpen()                       { slCircuitOpen.Inc() }
func ObserveSweetSpotActivation(s float64)  { slSweetSpotActivation.Observe(s) }
func IncOrder(mode, side string)            { mtxOrders.WithLabelValues(mode, side).Inc() }
func IncEntryRejection(gate string)         { mtxEntryRejections.WithLabelValues(gate).Inc() }
func IncExitReason(reason, side string)     { mtxExitReasons.WithLabelValues(reason, side).Inc() }
func SetOpenPositions(n int)                { mtxOpenPositions.Set(float64(n)) }
