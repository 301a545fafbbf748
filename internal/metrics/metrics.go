// Package metrics exposes Prometheus instrumentation for the executor.
//
// Metric surface:
//   - executor_intents_total{outcome}          – intents by final outcome
//   - executor_sends_total{kind}               – broadcasts (initial|replacement)
//   - executor_replacements_total              – fee-bump replacements issued
//   - executor_intent_dedups_total             – requests collapsed onto existing intents
//   - executor_mode{mode}                      – active execution mode (dry/live as labeled series)
//   - executor_mode_flips_total{to}            – mode transitions
//   - executor_health_streak                   – consecutive healthy mode reads
//   - executor_nonce_reconciles_total          – nonce counter resyncs from chain
//   - executor_inclusion_seconds               – send-to-mine latency histogram
//   - executor_pending_intents                 – non-terminal intents older than the pending threshold
//
// All collectors are registered in init() and served by the daemon at
// /metrics in the Prometheus text exposition format.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	intentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "executor_intents_total",
			Help: "Execution intents by final outcome",
		},
		[]string{"outcome"},
	)

	sendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "executor_sends_total",
			Help: "Transaction broadcasts by kind (initial|replacement)",
		},
		[]string{"kind"},
	)

	replacementsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "executor_replacements_total",
			Help: "Fee-bump replacement transactions issued",
		},
	)

	dedupsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "executor_intent_dedups_total",
			Help: "Requests collapsed onto an existing intent by idempotency key",
		},
	)

	// executor_mode exposes two labeled series flipped between 0/1 so
	// dashboards can plot the active mode without value mapping.
	modeGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "executor_mode",
			Help: "Active execution mode (dry/live as separate labeled series).",
		},
		[]string{"mode"},
	)

	modeFlips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "executor_mode_flips_total",
			Help: "Execution mode transitions by target mode",
		},
		[]string{"to"},
	)

	healthStreak = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "executor_health_streak",
			Help: "Consecutive healthy reads of the execution mode flag",
		},
	)

	nonceReconciles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "executor_nonce_reconciles_total",
			Help: "Nonce counter resyncs triggered by chain disagreement",
		},
	)

	inclusionSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "executor_inclusion_seconds",
			Help:    "Latency from first broadcast to mined receipt",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	pendingIntents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "executor_pending_intents",
			Help: "Non-terminal intents older than the pending threshold",
		},
	)
)

func init() {
	prometheus.MustRegister(intentsTotal, sendsTotal, replacementsTotal, dedupsTotal)
	prometheus.MustRegister(modeGauge, modeFlips, healthStreak)
	prometheus.MustRegister(nonceReconciles, inclusionSeconds, pendingIntents)
}

// IncIntent records a finished intent by outcome label.
func IncIntent(outcome string) { intentsTotal.WithLabelValues(outcome).Inc() }

// IncSend records a broadcast; kind is "initial" or "replacement".
func IncSend(kind string) { sendsTotal.WithLabelValues(kind).Inc() }

// IncReplacement counts a fee-bump replacement.
func IncReplacement() { replacementsTotal.Inc() }

// IncDedup counts a request answered from an existing intent.
func IncDedup() { dedupsTotal.Inc() }

// SetMode flips the labeled mode series to reflect the active mode.
func SetMode(mode string) {
	if mode == "live" {
		modeGauge.WithLabelValues("live").Set(1)
		modeGauge.WithLabelValues("dry").Set(0)
	} else {
		modeGauge.WithLabelValues("dry").Set(1)
		modeGauge.WithLabelValues("live").Set(0)
	}
}

// IncModeFlip counts a transition into the given mode.
func IncModeFlip(to string) { modeFlips.WithLabelValues(to).Inc() }

// SetHealthStreak publishes the current consecutive-ok counter.
func SetHealthStreak(n int) { healthStreak.Set(float64(n)) }

// IncNonceReconcile counts a resync of the nonce counter from chain state.
func IncNonceReconcile() { nonceReconciles.Inc() }

// ObserveInclusion records broadcast-to-mine latency in seconds.
func ObserveInclusion(seconds float64) { inclusionSeconds.Observe(seconds) }

// SetPendingIntents publishes the count from the latest ledger sweep.
func SetPendingIntents(n int) { pendingIntents.Set(float64(n)) }
