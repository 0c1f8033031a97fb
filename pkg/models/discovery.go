package models

import "time"

// DiscoveryCategory classifies unplanned work found by an agent.
type DiscoveryCategory string

const (
	DiscoveryDefect             DiscoveryCategory = "defect"
	DiscoveryOptimization       DiscoveryCategory = "optimization"
	DiscoveryMissingRequirement DiscoveryCategory = "missing-requirement"
	DiscoveryDependencyGap      DiscoveryCategory = "dependency-gap"
	DiscoverySecurity           DiscoveryCategory = "security"
)

// Valid returns true if the category is a known value.
func (c DiscoveryCategory) Valid() bool {
	switch c {
	case DiscoveryDefect, DiscoveryOptimization, DiscoveryMissingRequirement,
		DiscoveryDependencyGap, DiscoverySecurity:
		return true
	default:
		return false
	}
}

// DiscoveryStatus is the resolution status of a discovery.
type DiscoveryStatus string

const (
	DiscoveryOpen     DiscoveryStatus = "open"
	DiscoveryResolved DiscoveryStatus = "resolved"
	DiscoveryInvalid  DiscoveryStatus = "invalid"
)

// Valid returns true if the status is a known value.
func (s DiscoveryStatus) Valid() bool {
	return s == DiscoveryOpen || s == DiscoveryResolved || s == DiscoveryInvalid
}

// Discovery records why new work was spawned mid-execution.
// Only Status and SpawnedTaskIDs change after creation; SpawnedTaskIDs only grows.
type Discovery struct {
	ID             string            `json:"id"`
	SourceTaskID   string            `json:"source_task_id"`
	Category       DiscoveryCategory `json:"category"`
	Description    string            `json:"description"`
	Evidence       map[string]any    `json:"evidence,omitempty"`
	PriorityBoost  bool              `json:"priority_boost"`
	SpawnedTaskIDs []string          `json:"spawned_task_ids"`
	Status         DiscoveryStatus   `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
}

// DiscoveryEdge is one append-only entry of the causal log: source -> spawned.
type DiscoveryEdge struct {
	Seq           int64     `json:"seq"`
	DiscoveryID   string    `json:"discovery_id"`
	SourceTaskID  string    `json:"source_task_id"`
	SpawnedTaskID string    `json:"spawned_task_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// TaskSpec describes a task to be created.
type TaskSpec struct {
	TicketID     string    `json:"ticket_id,omitempty"`
	ParentTaskID string    `json:"parent_task_id,omitempty"`
	Phase        int       `json:"phase"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Priority     *Priority `json:"priority,omitempty"`
	DependsOn    []string  `json:"depends_on,omitempty"`
}
