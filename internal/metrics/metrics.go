// SPDX-License-Identifier: MIT

// Package metrics exposes the Prometheus instrumentation of the
// orchestration core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksAccepted counts tasks that passed the pre-check gate.
	TasksAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skald_tasks_accepted_total",
		Help: "Tasks accepted by the pre-check gate, by source type.",
	}, []string{"source_type"})

	// PrecheckRejections counts gate rejections by stable error code.
	PrecheckRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skald_precheck_rejections_total",
		Help: "Task creations rejected by the pre-check gate, by error code.",
	}, []string{"code"})

	// SchedulerDecisions counts winning providers.
	SchedulerDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skald_scheduler_decisions_total",
		Help: "Scheduling decisions, by winning provider.",
	}, []string{"provider"})

	// SchedulerScore observes the winning total score.
	SchedulerScore = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "skald_scheduler_winning_score",
		Help:    "Total score of the selected provider.",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	}, []string{"provider"})

	// Settlements counts settlement outcomes.
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skald_settlements_total",
		Help: "Settled transcription attempts, by provider and status.",
	}, []string{"provider", "status"})

	// ConsumedSeconds accumulates settled audio seconds split by kind.
	ConsumedSeconds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skald_consumed_seconds_total",
		Help: "Settled audio seconds, by provider, variant and free/paid kind.",
	}, []string{"provider", "variant", "kind"})

	// SettledCost accumulates the paid cost of settlements.
	SettledCost = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skald_settled_cost_total",
		Help: "Accumulated paid cost of settled attempts, by provider and variant.",
	}, []string{"provider", "variant"})

	// QuotaExhaustions counts user-quota windows flipping to exhausted.
	QuotaExhaustions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skald_quota_exhaustions_total",
		Help: "User quota windows flipped to exhausted, by provider.",
	}, []string{"provider"})
)

// RecordSettlement updates the settlement counters for one success.
func RecordSettlement(provider, variant string, free, paid, cost float64) {
	Settlements.WithLabelValues(provider, "success").Inc()
	ConsumedSeconds.WithLabelValues(provider, variant, "free").Add(free)
	ConsumedSeconds.WithLabelValues(provider, variant, "paid").Add(paid)
	SettledCost.WithLabelValues(provider, variant).Add(cost)
}

// RecordFailedSettlement updates the settlement counters for one failure.
func RecordFailedSettlement(provider string) {
	Settlements.WithLabelValues(provider, "failed").Inc()
}
