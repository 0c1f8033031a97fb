package models

import "time"

// InterventionCategory classifies a corrective message.
type InterventionCategory string

const (
	InterventionGuidance   InterventionCategory = "guidance"
	InterventionCorrection InterventionCategory = "correction"
	InterventionEmergency  InterventionCategory = "emergency"
)

// Valid returns true if the category is a known value.
func (c InterventionCategory) Valid() bool {
	return c == InterventionGuidance || c == InterventionCorrection || c == InterventionEmergency
}

// InterventionFor maps a steering category onto the intervention category.
func InterventionFor(c SteeringCategory) InterventionCategory {
	switch c {
	case SteeringEmergency:
		return InterventionEmergency
	case SteeringCorrection:
		return InterventionCorrection
	default:
		return InterventionGuidance
	}
}

// DeliveryOutcome is the only mutable field of an Intervention.
type DeliveryOutcome string

const (
	DeliveryQueued    DeliveryOutcome = "queued"
	DeliveryDelivered DeliveryOutcome = "delivered"
	DeliveryFailed    DeliveryOutcome = "failed"
)

// Origin identifies who issued an intervention.
type Origin struct {
	// CoherenceSnapshotID is set when the conductor issued it.
	CoherenceSnapshotID string `json:"coherence_snapshot_id,omitempty"`
	// Authority names a non-conductor issuer, e.g. "validation" or "operator".
	Authority string `json:"authority,omitempty"`
}

// Issuer returns a printable name for the origin.
func (o Origin) Issuer() string {
	if o.Authority != "" {
		return o.Authority
	}
	if o.CoherenceSnapshotID != "" {
		return "conductor"
	}
	return "unknown"
}

// Intervention is a corrective message queued for a running agent's session.
type Intervention struct {
	ID            string               `json:"id"`
	AgentID       string               `json:"agent_id"`
	Category      InterventionCategory `json:"category"`
	Message       string               `json:"message"`
	Origin        Origin               `json:"origin"`
	Outcome       DeliveryOutcome      `json:"outcome"`
	FailureReason string               `json:"failure_reason,omitempty"`
	// RetryOf is the failed intervention this record retries.
	RetryOf   string     `json:"retry_of,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	SettledAt *time.Time `json:"settled_at,omitempty"`
}
