// Package metrics defines the Prometheus metrics for the swarm control
// plane. Everything registers with the default registry and is served from
// the status endpoint.
//
// Naming follows Prometheus conventions:
//   - swarmd_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActionsTotal counts routed actions by type and outcome.
	ActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmd_actions_total",
			Help: "Total routed actions by action type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	// ActionDurationSeconds is a histogram of driver dispatch latency.
	ActionDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "swarmd_action_duration_seconds",
			Help:    "Duration of action dispatch in seconds.",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 15, 30},
		},
		[]string{"type"},
	)

	// PolicyRejectionsTotal counts actions rejected by the policy engine.
	PolicyRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmd_policy_rejections_total",
			Help: "Total actions rejected by policy, by caller role.",
		},
		[]string{"role"},
	)

	// DangerousActionsTotal counts dangerous actions by disposition.
	DangerousActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmd_dangerous_actions_total",
			Help: "Total dangerous actions by disposition (parked, approved, rejected, executed).",
		},
		[]string{"disposition"},
	)

	// ApprovalsPending is the current depth of the approval queue.
	ApprovalsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "swarmd_approvals_pending",
			Help: "Number of approval tickets awaiting a decision.",
		},
	)

	// ConnectedAgents is the number of agents with an active autonomy loop.
	ConnectedAgents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "swarmd_connected_agents",
			Help: "Number of connected agents.",
		},
	)

	// LoopTicksTotal counts autonomy loop ticks by agent.
	LoopTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmd_loop_ticks_total",
			Help: "Total autonomy loop ticks by agent.",
		},
		[]string{"agent"},
	)

	// PlansGeneratedTotal counts generated plans by goal.
	PlansGeneratedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmd_plans_generated_total",
			Help: "Total plans generated by goal name.",
		},
		[]string{"goal"},
	)

	// WorkClaimsActive is the number of live work claims.
	WorkClaimsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "swarmd_work_claims_active",
			Help: "Number of active work claims.",
		},
	)

	// ExperienceEntries is the experience buffer fill level.
	ExperienceEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "swarmd_experience_entries",
			Help: "Entries currently held in the experience buffer.",
		},
	)
)

// RecordAction records one routed action outcome.
func RecordAction(actionType, outcome string, elapsed time.Duration) {
	ActionsTotal.WithLabelValues(actionType, outcome).Inc()
	ActionDurationSeconds.WithLabelValues(actionType).Observe(elapsed.Seconds())
}

// RecordPolicyRejection records one policy rejection.
func RecordPolicyRejection(role string) {
	PolicyRejectionsTotal.WithLabelValues(role).Inc()
}

// RecordDangerous records one dangerous-action disposition.
func RecordDangerous(disposition string) {
	DangerousActionsTotal.WithLabelValues(disposition).Inc()
}
