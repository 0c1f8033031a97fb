package models

import "time"

// AgentState represents the lifecycle state of an agent.
type AgentState string

const (
	// AgentRegistered indicates the agent is known but has not started work.
	AgentRegistered AgentState = "registered"
	// AgentActive indicates the agent is executing a task.
	AgentActive AgentState = "active"
	// AgentIdle indicates the agent is alive but has no task.
	AgentIdle AgentState = "idle"
	// AgentQuarantined indicates the agent was isolated by the conductor or an authority.
	AgentQuarantined AgentState = "quarantined"
	// AgentTerminated indicates the agent process has ended.
	AgentTerminated AgentState = "terminated"
)

// Valid returns true if the state is a known value.
func (s AgentState) Valid() bool {
	switch s {
	case AgentRegistered, AgentActive, AgentIdle, AgentQuarantined, AgentTerminated:
		return true
	default:
		return false
	}
}

// Agent represents an autonomous worker process in the fleet.
// The fleet registry owns agents; the monitoring core only reads and annotates them.
type Agent struct {
	// ID is the unique identifier for this agent.
	ID string `json:"id" yaml:"id"`
	// CurrentTaskID is the task the agent is working on, if any.
	CurrentTaskID string `json:"current_task_id,omitempty" yaml:"current_task_id,omitempty"`
	// ReviewingTaskID is the task the agent is validating, if any. A validator
	// has no current task of its own, so it is never compared as duplicate work.
	ReviewingTaskID string `json:"reviewing_task_id,omitempty" yaml:"reviewing_task_id,omitempty"`
	// State is the lifecycle state.
	State AgentState `json:"state" yaml:"state"`
	// SessionRef identifies the agent's live session for message delivery.
	SessionRef string `json:"session_ref,omitempty" yaml:"session_ref,omitempty"`
	// RegisteredAt is when the agent joined the fleet.
	RegisteredAt time.Time `json:"registered_at" yaml:"registered_at"`
	// ActivatedAt is when the agent last entered the active state.
	ActivatedAt time.Time `json:"activated_at,omitempty" yaml:"activated_at,omitempty"`
	// LastHeartbeat is the liveness timestamp.
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty" yaml:"last_heartbeat,omitempty"`
	// QuarantineReason explains why the agent was quarantined.
	QuarantineReason string `json:"quarantine_reason,omitempty" yaml:"quarantine_reason,omitempty"`
}

// Busy reports whether the agent holds a task or a validation assignment.
func (a *Agent) Busy() bool {
	return a.CurrentTaskID != "" || a.ReviewingTaskID != ""
}

// InGracePeriod reports whether the agent activated less than grace ago.
func (a *Agent) InGracePeriod(now time.Time, grace time.Duration) bool {
	if a.ActivatedAt.IsZero() {
		return true
	}
	return now.Sub(a.ActivatedAt) < grace
}

// ActivityEntry is one line of an agent's trailing activity log.
type ActivityEntry struct {
	// At is when the activity happened.
	At time.Time `json:"at"`
	// Kind is a short label such as "tool", "message" or "file".
	Kind string `json:"kind,omitempty"`
	// Text is the free-form activity content.
	Text string `json:"text"`
}
