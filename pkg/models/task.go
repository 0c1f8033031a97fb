package models

import "time"

// TaskState represents the validation state of a task.
type TaskState string

const (
	// TaskPending indicates the task is waiting in the work queue.
	TaskPending TaskState = "pending"
	// TaskAssigned indicates an agent has been given the task.
	TaskAssigned TaskState = "assigned"
	// TaskInProgress indicates the owning agent is working on the task.
	TaskInProgress TaskState = "in_progress"
	// TaskUnderReview indicates the owner signalled completion.
	TaskUnderReview TaskState = "under_review"
	// TaskValidationInProgress indicates an independent validator is reviewing.
	TaskValidationInProgress TaskState = "validation_in_progress"
	// TaskNeedsWork indicates the last review failed.
	TaskNeedsWork TaskState = "needs_work"
	// TaskAccepted indicates a passing review was recorded. Terminal.
	TaskAccepted TaskState = "accepted"
	// TaskEscalated indicates the feedback loop was capped and needs diagnosis or a human.
	TaskEscalated TaskState = "escalated"
	// TaskCancelled indicates the task was abandoned. Terminal.
	TaskCancelled TaskState = "cancelled"
)

// Valid returns true if the state is a known value.
func (s TaskState) Valid() bool {
	switch s {
	case TaskPending, TaskAssigned, TaskInProgress, TaskUnderReview,
		TaskValidationInProgress, TaskNeedsWork, TaskAccepted, TaskEscalated, TaskCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true for states no transition may leave.
func (s TaskState) Terminal() bool {
	return s == TaskAccepted || s == TaskCancelled
}

// Ordinal returns how far along the validation path a state is.
// Used to compare the progress of two tasks.
func (s TaskState) Ordinal() int {
	switch s {
	case TaskPending:
		return 0
	case TaskAssigned:
		return 1
	case TaskInProgress, TaskNeedsWork:
		return 2
	case TaskUnderReview:
		return 3
	case TaskValidationInProgress:
		return 4
	case TaskAccepted, TaskEscalated:
		return 5
	default:
		return 0
	}
}

// transitions lists every legal validation transition.
var transitions = map[TaskState][]TaskState{
	TaskPending:              {TaskAssigned, TaskCancelled},
	TaskAssigned:             {TaskInProgress, TaskCancelled},
	TaskInProgress:           {TaskUnderReview, TaskCancelled},
	TaskUnderReview:          {TaskValidationInProgress, TaskCancelled},
	TaskValidationInProgress: {TaskAccepted, TaskNeedsWork, TaskEscalated, TaskCancelled},
	TaskNeedsWork:            {TaskInProgress, TaskEscalated, TaskCancelled},
	TaskEscalated:            {TaskCancelled},
}

// CanTransition reports whether from -> to is a legal validation transition.
func CanTransition(from, to TaskState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TaskKind distinguishes ordinary work from system-spawned tasks.
type TaskKind string

const (
	// TaskKindWork is an ordinary unit of work.
	TaskKindWork TaskKind = "work"
	// TaskKindDiagnosis is a root-cause analysis task spawned by the validation loop.
	TaskKindDiagnosis TaskKind = "diagnosis"
)

// DiscoveryKind returns the task kind used for tasks spawned from a discovery.
func DiscoveryKind(c DiscoveryCategory) TaskKind {
	return TaskKind("discovery_" + string(c))
}

// Priority orders tasks in the work queue. Higher is more important.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// Boost raises the priority one level, saturating at critical.
func (p Priority) Boost() Priority {
	if p >= PriorityCritical {
		return PriorityCritical
	}
	return p + 1
}

// String returns the lowercase priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Task represents a unit of work executed by an agent against a ticket.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id" yaml:"id"`
	// TicketID groups tasks that serve the same ticket.
	TicketID string `json:"ticket_id,omitempty" yaml:"ticket_id,omitempty"`
	// ParentTaskID is the task this one was spawned from, if any.
	ParentTaskID string `json:"parent_task_id,omitempty" yaml:"parent_task_id,omitempty"`
	// Kind distinguishes work, diagnosis and discovery-spawned tasks.
	Kind TaskKind `json:"kind" yaml:"kind"`
	// Phase is the logical phase number the task belongs to.
	Phase int `json:"phase" yaml:"phase"`
	// Title is the short description of the task.
	Title string `json:"title" yaml:"title"`
	// Description is the declared goal the agent is judged against.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// Priority orders the task in the work queue.
	Priority Priority `json:"priority" yaml:"priority"`
	// State is the validation state.
	State TaskState `json:"state" yaml:"state"`
	// OwnerAgentID is the agent responsible for the task.
	OwnerAgentID string `json:"owner_agent_id,omitempty" yaml:"owner_agent_id,omitempty"`
	// ValidatorAgentID is the validator assigned for the current iteration.
	ValidatorAgentID string `json:"validator_agent_id,omitempty" yaml:"-"`
	// DependsOn lists task IDs that must be accepted first.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	// Iteration counts validation attempts, starting at 1.
	Iteration int `json:"iteration" yaml:"-"`
	// ConsecutiveFailures counts failing reviews since the last pass.
	ConsecutiveFailures int `json:"consecutive_failures" yaml:"-"`
	// Progress is the owner's self-reported completion fraction in [0,1].
	Progress float64 `json:"progress" yaml:"progress,omitempty"`
	// ArtifactRef is a content-addressed reference to the produced artifact.
	ArtifactRef string `json:"artifact_ref,omitempty" yaml:"-"`
	// DiagnosisTaskID is the open diagnosis task spawned for this task, if any.
	DiagnosisTaskID string `json:"diagnosis_task_id,omitempty" yaml:"-"`
	// LastFeedback is the feedback text of the most recent failing review.
	LastFeedback string `json:"last_feedback,omitempty" yaml:"-"`
	// ValidationStartedAt is when the current validation_in_progress period began.
	ValidationStartedAt *time.Time `json:"validation_started_at,omitempty" yaml:"-"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at" yaml:"-"`
	// UpdatedAt is when the task last changed.
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// WorkDescription returns the text compared between agents for duplicate detection.
func (t *Task) WorkDescription() string {
	if t.Description == "" {
		return t.Title
	}
	if t.Title == "" {
		return t.Description
	}
	return t.Title + ": " + t.Description
}
