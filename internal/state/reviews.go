package state

import (
	"database/sql"
	"fmt"

	"github.com/kivo360/omoios/pkg/models"
)

// CreateReview appends a validation review.
func (db *DB) CreateReview(r *models.ValidationReview) error {
	evidence, err := encodeJSON(r.Evidence)
	if err != nil {
		return fmt.Errorf("encode evidence: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO validation_reviews (id, task_id, iteration, passed, feedback, evidence, validator_agent_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.TaskID, r.Iteration, boolInt(r.Passed), r.Feedback, evidence, r.ValidatorAgentID, formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("create review: %w", err)
	}
	return nil
}

// ListReviews returns every review for a task in submission order.
func (db *DB) ListReviews(taskID string) ([]models.ValidationReview, error) {
	rows, err := db.Query(`
		SELECT id, task_id, iteration, passed, feedback, evidence, validator_agent_id, created_at
		FROM validation_reviews WHERE task_id = ? ORDER BY created_at ASC, rowid ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()

	var reviews []models.ValidationReview
	for rows.Next() {
		var r models.ValidationReview
		var passed int
		var feedback, evidence sql.NullString
		var createdAt string
		if err := rows.Scan(&r.ID, &r.TaskID, &r.Iteration, &passed, &feedback, &evidence, &r.ValidatorAgentID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		r.Passed = passed != 0
		r.Feedback = feedback.String
		if r.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("review %s: parse created_at: %w", r.ID, err)
		}
		if r.Evidence, err = decodeJSON[map[string]any](evidence); err != nil {
			return nil, fmt.Errorf("decode evidence: %w", err)
		}
		reviews = append(reviews, r)
	}
	return reviews, rows.Err()
}

// HasPassingReview reports whether a passing review exists for the task at the given iteration.
func (db *DB) HasPassingReview(taskID string, iteration int) (bool, error) {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM validation_reviews WHERE task_id = ? AND iteration = ? AND passed = 1
	`, taskID, iteration).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check passing review: %w", err)
	}
	return n > 0, nil
}
