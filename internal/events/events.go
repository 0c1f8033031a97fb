// Package events is the in-process event bus of the monitoring core.
// Every state-changing operation publishes one Event after its durable write.
package events

import "time"

// Type identifies what happened.
type Type string

const (
	// TickSkipped is published when a tick starts while another is in flight.
	TickSkipped Type = "tick.skipped"
	// TickCompleted is published after a tick's coherence snapshot is stored.
	TickCompleted Type = "tick.completed"

	// TrajectoryAnalyzed is published for each stored trajectory snapshot.
	TrajectoryAnalyzed Type = "trajectory.analyzed"
	// TrajectoryDegraded is published for a snapshot that could not be scored.
	TrajectoryDegraded Type = "trajectory.degraded"

	// CoherencePublished is published for each stored coherence snapshot.
	CoherencePublished Type = "coherence.published"
	// DuplicateDetected is published for each newly recorded duplicate pair.
	DuplicateDetected Type = "duplicate.detected"
	// DuplicateEscalated is published when a duplicate pair needs a human decision.
	DuplicateEscalated Type = "duplicate.escalated"
	// TaskRedistributed is published when a duplicate's task returns to the queue.
	TaskRedistributed Type = "task.redistributed"

	// InterventionQueued is published when an intervention record is created.
	InterventionQueued Type = "intervention.queued"
	// InterventionDelivered is published when a message reaches a session mailbox.
	InterventionDelivered Type = "intervention.delivered"
	// InterventionFailed is published when delivery fails; the issuer must react.
	InterventionFailed Type = "intervention.failed"

	// TaskCreated is published for every new task.
	TaskCreated Type = "task.created"
	// TaskStatusChanged is published for every validation state transition.
	TaskStatusChanged Type = "task.status.changed"
	// TaskReassigned is published when a returned task gets a new owner.
	TaskReassigned Type = "task.reassigned"
	// TaskProgress is published when an owner reports progress.
	TaskProgress Type = "task.progress"
	// TaskReleased is published when a task loses its owner without a state change.
	TaskReleased Type = "task.released"
	// ValidationStarted is published when a validator is assigned.
	ValidationStarted Type = "validation.started"
	// ValidationReviewSubmitted is published for every stored review.
	ValidationReviewSubmitted Type = "validation.review_submitted"
	// ValidationPassed is published when a task is accepted.
	ValidationPassed Type = "validation.passed"
	// ValidationFailed is published when a review fails.
	ValidationFailed Type = "validation.failed"
	// ValidationEscalated is published on iteration exhaustion or timeout.
	ValidationEscalated Type = "validation.escalated"
	// DiagnosisSpawned is published when a root-cause task is created.
	DiagnosisSpawned Type = "diagnosis.spawned"

	// DiscoveryRecorded is published for each new discovery.
	DiscoveryRecorded Type = "discovery.recorded"
	// DiscoveryBranched is published when a discovery spawns a task.
	DiscoveryBranched Type = "discovery.branched"
	// DiscoveryResolved is published when a discovery is closed.
	DiscoveryResolved Type = "discovery.resolved"

	// AgentActivity carries an agent's reported activity line into the core.
	AgentActivity Type = "agent.activity"
	// AgentQuarantined is published when an agent is isolated.
	AgentQuarantined Type = "agent.quarantined"
)

// Entity kinds carried by events.
const (
	EntityTick         = "tick"
	EntityTrajectory   = "trajectory_snapshot"
	EntityCoherence    = "coherence_snapshot"
	EntityDuplicate    = "duplicate_pair"
	EntityIntervention = "intervention"
	EntityTask         = "task"
	EntityReview       = "validation_review"
	EntityDiscovery    = "discovery"
	EntityAgent        = "agent"
)

// Event is one structured notification on the bus.
type Event struct {
	// Seq is assigned by the bus and strictly increases.
	Seq        uint64         `json:"seq"`
	Type       Type           `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	At         time.Time      `json:"at"`
}

// New builds an event. Payload may be nil.
func New(t Type, kind, id string, payload map[string]any) Event {
	return Event{Type: t, EntityKind: kind, EntityID: id, Payload: payload}
}

// Publisher is the write side of the bus consumed by components.
type Publisher interface {
	Publish(e Event) Event
}

// Discard is a Publisher that drops everything. Useful in tests.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(e Event) Event { return e }
