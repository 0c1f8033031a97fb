package models

import "time"

// ValidationReview is one validator verdict for one iteration of a task.
type ValidationReview struct {
	ID               string         `json:"id"`
	TaskID           string         `json:"task_id"`
	Iteration        int            `json:"iteration"`
	Passed           bool           `json:"passed"`
	Feedback         string         `json:"feedback"`
	Evidence         map[string]any `json:"evidence,omitempty"`
	ValidatorAgentID string         `json:"validator_agent_id"`
	CreatedAt        time.Time      `json:"created_at"`
}
