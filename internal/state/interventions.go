package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/kivo360/omoios/pkg/models"
)

const interventionColumns = `id, agent_id, category, message, origin_snapshot_id, origin_authority,
	outcome, failure_reason, retry_of, created_at, settled_at`

// CreateIntervention inserts a new intervention record.
func (db *DB) CreateIntervention(iv *models.Intervention) error {
	_, err := db.Exec(`INSERT INTO interventions (`+interventionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		iv.ID, iv.AgentID, string(iv.Category), iv.Message,
		nullString(iv.Origin.CoherenceSnapshotID), nullString(iv.Origin.Authority),
		string(iv.Outcome), nullString(iv.FailureReason), nullString(iv.RetryOf),
		formatTime(iv.CreatedAt), formatNullableTime(iv.SettledAt))
	if err != nil {
		return fmt.Errorf("create intervention: %w", err)
	}
	return nil
}

// GetIntervention retrieves an intervention by ID. Returns nil, nil if it does not exist.
func (db *DB) GetIntervention(id string) (*models.Intervention, error) {
	iv, err := scanIntervention(db.QueryRow(`SELECT `+interventionColumns+` FROM interventions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get intervention: %w", err)
	}
	return iv, nil
}

// SettleIntervention moves a queued intervention to its final outcome.
// It returns false if the record was not queued, so each record settles at most once.
func (db *DB) SettleIntervention(id string, outcome models.DeliveryOutcome, reason string) (bool, error) {
	res, err := db.Exec(`
		UPDATE interventions SET outcome = ?, failure_reason = ?, settled_at = ?
		WHERE id = ? AND outcome = ?
	`, string(outcome), nullString(reason), formatTime(time.Now()), id, string(models.DeliveryQueued))
	if err != nil {
		return false, fmt.Errorf("settle intervention: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return n == 1, nil
}

// ListInterventionsByAgent returns up to limit interventions for an agent, newest first.
func (db *DB) ListInterventionsByAgent(agentID string, limit int) ([]models.Intervention, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(`SELECT `+interventionColumns+` FROM interventions
		WHERE agent_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list interventions: %w", err)
	}
	defer rows.Close()

	var out []models.Intervention
	for rows.Next() {
		iv, err := scanIntervention(rows)
		if err != nil {
			return nil, fmt.Errorf("scan intervention: %w", err)
		}
		out = append(out, *iv)
	}
	return out, rows.Err()
}

func scanIntervention(s scanner) (*models.Intervention, error) {
	var iv models.Intervention
	var category, outcome, createdAt string
	var snapshotID, authority, reason, retryOf, settledAt sql.NullString

	err := s.Scan(&iv.ID, &iv.AgentID, &category, &iv.Message, &snapshotID, &authority,
		&outcome, &reason, &retryOf, &createdAt, &settledAt)
	if err != nil {
		return nil, err
	}

	iv.Category = models.InterventionCategory(category)
	iv.Outcome = models.DeliveryOutcome(outcome)
	iv.Origin = models.Origin{CoherenceSnapshotID: snapshotID.String, Authority: authority.String}
	iv.FailureReason = reason.String
	iv.RetryOf = retryOf.String
	if iv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("intervention %s: parse created_at: %w", iv.ID, err)
	}
	if iv.SettledAt, err = parseNullableTime(settledAt); err != nil {
		return nil, fmt.Errorf("intervention %s: parse settled_at: %w", iv.ID, err)
	}
	return &iv, nil
}
