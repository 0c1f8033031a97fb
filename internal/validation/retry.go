package validation

import (
	"fmt"
	"strings"

	"github.com/kivo360/omoios/pkg/models"
)

// RetryConfig caps the needs_work feedback loop.
type RetryConfig struct {
	// MaxIterations is the iteration at which a failing review escalates (default: 3).
	MaxIterations int
	// FailuresForDiagnosis is how many consecutive failing reviews spawn a
	// diagnosis task (default: 2).
	FailuresForDiagnosis int
}

// DefaultRetryConfig returns the default feedback loop limits.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxIterations:        3,
		FailuresForDiagnosis: 2,
	}
}

// Outcome is what happens to a task after a failing review.
type Outcome struct {
	// Escalate moves the task to escalated instead of needs_work.
	Escalate bool
	// Diagnose spawns a diagnosis task unless one is already open.
	Diagnose bool
}

// RetryHandler decides how a failing review is handled.
type RetryHandler struct {
	config RetryConfig
}

// NewRetryHandler creates a new retry handler.
func NewRetryHandler(config RetryConfig) *RetryHandler {
	def := DefaultRetryConfig()
	if config.MaxIterations <= 0 {
		config.MaxIterations = def.MaxIterations
	}
	if config.FailuresForDiagnosis <= 0 {
		config.FailuresForDiagnosis = def.FailuresForDiagnosis
	}
	return &RetryHandler{config: config}
}

// ShouldRetry reports whether another iteration is allowed after iteration fails.
func (h *RetryHandler) ShouldRetry(iteration int) bool {
	return iteration < h.config.MaxIterations
}

// OnFailure decides the outcome for a task whose current iteration just failed.
// consecutive already counts the failure being handled.
func (h *RetryHandler) OnFailure(iteration, consecutive int) Outcome {
	if !h.ShouldRetry(iteration) {
		return Outcome{Escalate: true, Diagnose: true}
	}
	return Outcome{Diagnose: consecutive >= h.config.FailuresForDiagnosis}
}

// BuildFeedback renders the message delivered to the owning agent after a
// failing review.
func BuildFeedback(task *models.Task, review *models.ValidationReview, escalated bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Validation of task %s (%s) failed on iteration %d.\n\n", task.ID, task.Title, review.Iteration)
	if review.Feedback != "" {
		b.WriteString("Reviewer feedback:\n")
		b.WriteString(review.Feedback)
		b.WriteString("\n\n")
	}
	switch {
	case escalated:
		b.WriteString("The iteration limit was reached. The task is escalated for diagnosis; stop working on it.\n")
	case task.ConsecutiveFailures > 1:
		fmt.Fprintf(&b, "This is failure %d in a row. A diagnosis task looks into the root cause; address the feedback before resubmitting.\n",
			task.ConsecutiveFailures)
	default:
		b.WriteString("Please address these issues in your next attempt.\n")
	}
	return b.String()
}

// diagnosisSpec describes the root-cause task spawned for a struggling task.
func diagnosisSpec(task *models.Task, reviews []models.ValidationReview, reason string) models.TaskSpec {
	var b strings.Builder
	fmt.Fprintf(&b, "Find the root cause of repeated validation trouble on task %s (%s). %s\n", task.ID, task.Title, reason)
	fmt.Fprintf(&b, "Goal of the original task: %s\n", task.WorkDescription())
	for _, r := range reviews {
		if r.Passed {
			continue
		}
		fmt.Fprintf(&b, "\nIteration %d feedback from %s:\n%s\n", r.Iteration, r.ValidatorAgentID, r.Feedback)
	}
	p := task.Priority.Boost()
	return models.TaskSpec{
		TicketID:     task.TicketID,
		ParentTaskID: task.ID,
		Phase:        task.Phase,
		Title:        "Diagnose: " + task.Title,
		Description:  b.String(),
		Priority:     &p,
	}
}
