package services

import "github.com/prometheus/client_golang/prometheus"

// Domain collectors. Labels stay bounded: outcome and gender take a handful
// of fixed values.
var (
	creditDebits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_debits_total",
			Help: "Credit debit attempts by outcome (ok, insufficient).",
		},
		[]string{"outcome"},
	)

	profileCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "profile_cache_lookups_total",
			Help: "Profile directory lookups by gender and result (hit, miss).",
		},
		[]string{"gender", "result"},
	)

	profileCacheFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "profile_cache_store_fetches_total",
			Help: "Store fetches issued by the profile cache, by outcome (ok, error).",
		},
		[]string{"outcome"},
	)

	chatTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_transitions_total",
			Help: "Applied chat state transitions.",
		},
		[]string{"transition"},
	)

	idleSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "idle_sweep_duration_seconds",
			Help:    "Duration of idle monitor sweeps.",
			Buckets: prometheus.DefBuckets,
		},
	)

	auditFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "message_edit_audit_failures_total",
			Help: "Message edits whose audit row could not be written.",
		},
	)
)

func init() {
	prometheus.MustRegister(creditDebits, profileCacheLookups, profileCacheFetches,
		chatTransitions, idleSweepDuration, auditFailures)
}
