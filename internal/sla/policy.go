package sla

import (
	"time"

	"marketplace-core/internal/models"
)

// Policy holds the escalation thresholds for one fulfillment stage.
// Thresholds are monotonically increasing: Warning < Critical < Breach.
// The breach threshold also fixes the notification's deadline at creation.
type Policy struct {
	Warning  time.Duration
	Critical time.Duration
	Breach   time.Duration
}

// DefaultPolicies is the per-stage policy table. Delivery ends the
// chain, so the delivered stage never opens a window and has no row.
var DefaultPolicies = map[models.StageType]Policy{
	models.StageProcessing:   {Warning: 4 * time.Hour, Critical: 12 * time.Hour, Breach: 24 * time.Hour},
	models.StageConfirmation: {Warning: 4 * time.Hour, Critical: 12 * time.Hour, Breach: 24 * time.Hour},
	models.StageShippingPrep: {Warning: 12 * time.Hour, Critical: 24 * time.Hour, Breach: 48 * time.Hour},
	models.StageShipped:      {Warning: 24 * time.Hour, Critical: 72 * time.Hour, Breach: 120 * time.Hour},
}

// Classify maps elapsed time since creation to an SLA indicator and the
// priority that goes with it.
func (p Policy) Classify(elapsed time.Duration) (models.SLAIndicator, models.Priority) {
	switch {
	case elapsed >= p.Breach:
		return models.SLABreached, models.PriorityUrgent
	case elapsed >= p.Critical:
		return models.SLACritical, models.PriorityUrgent
	case elapsed >= p.Warning:
		return models.SLAWarning, models.PriorityHigh
	default:
		return models.SLAOnTime, models.PriorityMedium
	}
}

// UrgencyLevel buckets remaining time into a 1-5 score used purely for
// dashboard sort ordering.
func UrgencyLevel(timeRemaining time.Duration) int {
	switch {
	case timeRemaining <= 0:
		return 5
	case timeRemaining <= time.Hour:
		return 4
	case timeRemaining <= 4*time.Hour:
		return 3
	case timeRemaining <= 12*time.Hour:
		return 2
	default:
		return 1
	}
}

// Evaluation is the computed SLA standing of one notification at a point
// in time.
type Evaluation struct {
	Indicator     models.SLAIndicator `json:"indicator"`
	Priority      models.Priority     `json:"priority"`
	TimeRemaining time.Duration       `json:"time_remaining"`
	UrgencyLevel  int                 `json:"urgency_level"`
}

// Evaluate computes the standing of a notification under its stage policy.
func Evaluate(n *models.FulfillmentNotification, policies map[models.StageType]Policy, now time.Time) Evaluation {
	policy := policies[n.Stage]
	indicator, priority := policy.Classify(now.Sub(n.CreatedAt))

	remaining := n.SLADeadline.Sub(now)
	if remaining < 0 {
		remaining = 0
	}

	// Priority never decreases while the notification is still pending.
	if n.Priority.Rank() > priority.Rank() {
		priority = n.Priority
	}

	return Evaluation{
		Indicator:     indicator,
		Priority:      priority,
		TimeRemaining: remaining,
		UrgencyLevel:  UrgencyLevel(remaining),
	}
}
