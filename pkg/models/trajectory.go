package models

import "time"

// SteeringCategory classifies how strongly an agent needs to be corrected.
type SteeringCategory string

const (
	// SteeringGuidance is a light nudge, typically for drift.
	SteeringGuidance SteeringCategory = "guidance"
	// SteeringCorrection redirects an agent whose score fell below the threshold.
	SteeringCorrection SteeringCategory = "correction"
	// SteeringEmergency is used when an agent is badly off course.
	SteeringEmergency SteeringCategory = "emergency"
)

// Valid returns true if the category is a known value.
func (c SteeringCategory) Valid() bool {
	switch c {
	case SteeringGuidance, SteeringCorrection, SteeringEmergency:
		return true
	default:
		return false
	}
}

// TrajectorySnapshot is the immutable result of one Guardian analysis of one agent.
type TrajectorySnapshot struct {
	ID      string `json:"id"`
	AgentID string `json:"agent_id"`
	TickID  string `json:"tick_id"`
	TaskID  string `json:"task_id,omitempty"`
	// AlignmentScore is nil for degraded snapshots.
	AlignmentScore   *float64         `json:"alignment_score"`
	Rationale        string           `json:"rationale"`
	NeedsSteering    bool             `json:"needs_steering"`
	SteeringCategory SteeringCategory `json:"steering_category,omitempty"`
	// WorkDescription is the agent's current work, captured for duplicate detection.
	WorkDescription string `json:"work_description,omitempty"`
	// Progress is copied from the agent's task when the snapshot was taken.
	Progress  float64   `json:"progress"`
	Priority  Priority  `json:"priority"`
	Degraded  bool      `json:"degraded"`
	CreatedAt time.Time `json:"created_at"`
}

// Score returns the alignment score and whether one is present.
func (s *TrajectorySnapshot) Score() (float64, bool) {
	if s.AlignmentScore == nil {
		return 0, false
	}
	return *s.AlignmentScore, true
}

// CoherenceBand is the fixed health band of a coherence score.
type CoherenceBand string

const (
	BandHealthy  CoherenceBand = "healthy"
	BandWarning  CoherenceBand = "warning"
	BandCritical CoherenceBand = "critical"
)

// BandFor maps a coherence score onto its band: healthy >= 0.7, warning >= 0.5, critical otherwise.
func BandFor(score float64) CoherenceBand {
	switch {
	case score >= 0.7:
		return BandHealthy
	case score >= 0.5:
		return BandWarning
	default:
		return BandCritical
	}
}

// DuplicateResolution records what the conductor decided for a duplicate pair.
type DuplicateResolution string

const (
	DuplicateUnresolved    DuplicateResolution = "unresolved"
	DuplicateRedistributed DuplicateResolution = "redistributed"
	DuplicateEscalated     DuplicateResolution = "escalated"
)

// DuplicatePair is two agents found doing near-identical work in one tick.
type DuplicatePair struct {
	ID           string              `json:"id"`
	TickID       string              `json:"tick_id"`
	AgentA       string              `json:"agent_a"`
	AgentB       string              `json:"agent_b"`
	Similarity   float64             `json:"similarity"`
	DescriptionA string              `json:"description_a"`
	DescriptionB string              `json:"description_b"`
	Resolution   DuplicateResolution `json:"resolution"`
	// RedistributedAgentID is the agent whose task goes back to the queue.
	RedistributedAgentID string    `json:"redistributed_agent_id,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

// PairKey returns an order-independent key for two agent IDs.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// InterventionDecision is the conductor's choice to steer one agent.
type InterventionDecision struct {
	AgentID  string               `json:"agent_id"`
	Category InterventionCategory `json:"category"`
	Message  string               `json:"message"`
}

// CoherenceSnapshot is the immutable, system-wide result of one tick.
type CoherenceSnapshot struct {
	ID     string        `json:"id"`
	TickID string        `json:"tick_id"`
	Score  float64       `json:"score"`
	Band   CoherenceBand `json:"band"`
	// Status refines the band: no_agents, degraded, healthy, warning, critical or duplicate_heavy.
	Status          string                 `json:"status"`
	Trajectories    []TrajectorySnapshot   `json:"trajectories"`
	Duplicates      []DuplicatePair        `json:"duplicates"`
	Interventions   []InterventionDecision `json:"interventions"`
	Recommendations []string               `json:"recommendations,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}
