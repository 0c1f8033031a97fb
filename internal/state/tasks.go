package state

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/kivo360/omoios/pkg/models"
)

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	State    models.TaskState
	TicketID string
	OwnerID  string
	Limit    int
}

const taskColumns = `id, ticket_id, parent_task_id, kind, phase, title, description, priority, state,
	owner_agent_id, validator_agent_id, depends_on, iteration, consecutive_failures, progress,
	artifact_ref, diagnosis_task_id, last_feedback, validation_started_at, created_at, updated_at`

// CreateTask inserts a new task.
func (db *DB) CreateTask(t *models.Task) error {
	return db.Transaction(func(tx *sql.Tx) error {
		return insertTask(tx, t)
	})
}

func insertTask(tx *sql.Tx, t *models.Task) error {
	dependsOn, err := encodeJSON(t.DependsOn)
	if err != nil {
		return fmt.Errorf("encode depends_on: %w", err)
	}

	_, err = tx.Exec(`INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, nullString(t.TicketID), nullString(t.ParentTaskID), string(t.Kind), t.Phase,
		t.Title, t.Description, int(t.Priority), string(t.State),
		nullString(t.OwnerAgentID), nullString(t.ValidatorAgentID), dependsOn,
		t.Iteration, t.ConsecutiveFailures, t.Progress,
		nullString(t.ArtifactRef), nullString(t.DiagnosisTaskID), nullString(t.LastFeedback),
		formatNullableTime(t.ValidationStartedAt), formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID. Returns nil, nil if it does not exist.
func (db *DB) GetTask(id string) (*models.Task, error) {
	row := db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)

	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// UpdateTask writes every mutable column of a task.
func (db *DB) UpdateTask(t *models.Task) error {
	dependsOn, err := encodeJSON(t.DependsOn)
	if err != nil {
		return fmt.Errorf("encode depends_on: %w", err)
	}

	res, err := db.Exec(`
		UPDATE tasks SET ticket_id = ?, parent_task_id = ?, kind = ?, phase = ?, title = ?, description = ?,
			priority = ?, state = ?, owner_agent_id = ?, validator_agent_id = ?, depends_on = ?,
			iteration = ?, consecutive_failures = ?, progress = ?, artifact_ref = ?,
			diagnosis_task_id = ?, last_feedback = ?, validation_started_at = ?, updated_at = ?
		WHERE id = ?`,
		nullString(t.TicketID), nullString(t.ParentTaskID), string(t.Kind), t.Phase, t.Title, t.Description,
		int(t.Priority), string(t.State), nullString(t.OwnerAgentID), nullString(t.ValidatorAgentID), dependsOn,
		t.Iteration, t.ConsecutiveFailures, t.Progress, nullString(t.ArtifactRef),
		nullString(t.DiagnosisTaskID), nullString(t.LastFeedback), formatNullableTime(t.ValidationStartedAt),
		formatTime(t.UpdatedAt), t.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update task %s: not found", t.ID)
	}
	return nil
}

// ListTasks lists tasks matching the filter, oldest first.
func (db *DB) ListTasks(filter TaskFilter) ([]models.Task, error) {
	var where []string
	var args []any
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}
	if filter.TicketID != "" {
		where = append(where, "ticket_id = ?")
		args = append(args, filter.TicketID)
	}
	if filter.OwnerID != "" {
		where = append(where, "owner_agent_id = ?")
		args = append(args, filter.OwnerID)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	return db.queryTasks(query, args...)
}

// ListTasksByParent lists all tasks spawned from the given parent.
func (db *DB) ListTasksByParent(parentID string) ([]models.Task, error) {
	return db.queryTasks(`SELECT `+taskColumns+` FROM tasks WHERE parent_task_id = ? ORDER BY created_at ASC, id ASC`, parentID)
}

func (db *DB) queryTasks(query string, args ...any) ([]models.Task, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*models.Task, error) {
	var t models.Task
	var ticketID, parentID, description, ownerID, validatorID, dependsOn sql.NullString
	var artifactRef, diagnosisID, lastFeedback, validationStarted sql.NullString
	var kind, state, createdAt, updatedAt string
	var priority int

	err := s.Scan(&t.ID, &ticketID, &parentID, &kind, &t.Phase, &t.Title, &description, &priority, &state,
		&ownerID, &validatorID, &dependsOn, &t.Iteration, &t.ConsecutiveFailures, &t.Progress,
		&artifactRef, &diagnosisID, &lastFeedback, &validationStarted, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	t.TicketID = ticketID.String
	t.ParentTaskID = parentID.String
	t.Kind = models.TaskKind(kind)
	t.Description = description.String
	t.Priority = models.Priority(priority)
	t.State = models.TaskState(state)
	t.OwnerAgentID = ownerID.String
	t.ValidatorAgentID = validatorID.String
	t.ArtifactRef = artifactRef.String
	t.DiagnosisTaskID = diagnosisID.String
	t.LastFeedback = lastFeedback.String
	if t.ValidationStartedAt, err = parseNullableTime(validationStarted); err != nil {
		return nil, fmt.Errorf("task %s: parse validation_started_at: %w", t.ID, err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("task %s: parse created_at: %w", t.ID, err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("task %s: parse updated_at: %w", t.ID, err)
	}

	deps, err := decodeJSON[[]string](dependsOn)
	if err != nil {
		return nil, fmt.Errorf("decode depends_on: %w", err)
	}
	t.DependsOn = deps

	return &t, nil
}
