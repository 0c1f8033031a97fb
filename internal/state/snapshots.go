package state

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kivo360/omoios/pkg/models"
)

const trajectoryColumns = `id, agent_id, tick_id, task_id, alignment_score, rationale, needs_steering,
	steering_category, work_description, progress, priority, degraded, created_at`

// CreateTrajectorySnapshot appends a trajectory snapshot.
func (db *DB) CreateTrajectorySnapshot(s *models.TrajectorySnapshot) error {
	var score any
	if s.AlignmentScore != nil {
		score = *s.AlignmentScore
	}

	_, err := db.Exec(`INSERT INTO trajectory_snapshots (`+trajectoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.AgentID, s.TickID, nullString(s.TaskID), score, s.Rationale, boolInt(s.NeedsSteering),
		nullString(string(s.SteeringCategory)), s.WorkDescription, s.Progress, int(s.Priority),
		boolInt(s.Degraded), formatTime(s.CreatedAt))
	if err != nil {
		return fmt.Errorf("create trajectory snapshot: %w", err)
	}
	return nil
}

// GetTrajectorySnapshot retrieves a snapshot by ID. Returns nil, nil if it does not exist.
func (db *DB) GetTrajectorySnapshot(id string) (*models.TrajectorySnapshot, error) {
	row := db.QueryRow(`SELECT `+trajectoryColumns+` FROM trajectory_snapshots WHERE id = ?`, id)
	s, err := scanTrajectory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trajectory snapshot: %w", err)
	}
	return s, nil
}

// ListTrajectoriesByAgent returns up to limit of the agent's snapshots, newest first.
func (db *DB) ListTrajectoriesByAgent(agentID string, limit int) ([]models.TrajectorySnapshot, error) {
	if limit <= 0 {
		limit = -1
	}
	return db.queryTrajectories(`SELECT `+trajectoryColumns+` FROM trajectory_snapshots
		WHERE agent_id = ? ORDER BY seq DESC LIMIT ?`, agentID, limit)
}

// ListTrajectoriesByTick returns every snapshot taken in a tick.
func (db *DB) ListTrajectoriesByTick(tickID string) ([]models.TrajectorySnapshot, error) {
	return db.queryTrajectories(`SELECT `+trajectoryColumns+` FROM trajectory_snapshots
		WHERE tick_id = ? ORDER BY seq ASC`, tickID)
}

func (db *DB) queryTrajectories(query string, args ...any) ([]models.TrajectorySnapshot, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list trajectory snapshots: %w", err)
	}
	defer rows.Close()

	var out []models.TrajectorySnapshot
	for rows.Next() {
		s, err := scanTrajectory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trajectory snapshot: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func scanTrajectory(s scanner) (*models.TrajectorySnapshot, error) {
	var snap models.TrajectorySnapshot
	var taskID, rationale, category, work sql.NullString
	var score sql.NullFloat64
	var needsSteering, degraded, priority int
	var createdAt string

	err := s.Scan(&snap.ID, &snap.AgentID, &snap.TickID, &taskID, &score, &rationale, &needsSteering,
		&category, &work, &snap.Progress, &priority, &degraded, &createdAt)
	if err != nil {
		return nil, err
	}

	snap.TaskID = taskID.String
	if score.Valid {
		v := score.Float64
		snap.AlignmentScore = &v
	}
	snap.Rationale = rationale.String
	snap.NeedsSteering = needsSteering != 0
	snap.SteeringCategory = models.SteeringCategory(category.String)
	snap.WorkDescription = work.String
	snap.Priority = models.Priority(priority)
	snap.Degraded = degraded != 0
	if snap.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("snapshot %s: parse created_at: %w", snap.ID, err)
	}
	return &snap, nil
}

// CreateCoherenceSnapshot appends a coherence snapshot. The full snapshot,
// including every decision, is stored so it can be reconstructed alone.
func (db *DB) CreateCoherenceSnapshot(s *models.CoherenceSnapshot) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode coherence snapshot: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO coherence_snapshots (id, tick_id, score, band, status, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.TickID, s.Score, string(s.Band), s.Status, string(body), formatTime(s.CreatedAt))
	if err != nil {
		return fmt.Errorf("create coherence snapshot: %w", err)
	}
	return nil
}

// GetCoherenceSnapshot retrieves a coherence snapshot by ID. Returns nil, nil if it does not exist.
func (db *DB) GetCoherenceSnapshot(id string) (*models.CoherenceSnapshot, error) {
	return db.queryCoherence(`SELECT body FROM coherence_snapshots WHERE id = ?`, id)
}

// LatestCoherenceSnapshot returns the most recent coherence snapshot, or nil if there is none.
func (db *DB) LatestCoherenceSnapshot() (*models.CoherenceSnapshot, error) {
	return db.queryCoherence(`SELECT body FROM coherence_snapshots ORDER BY seq DESC LIMIT 1`)
}

// CountCoherenceSnapshots returns how many ticks produced a coherence snapshot.
func (db *DB) CountCoherenceSnapshots() (int, error) {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM coherence_snapshots`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count coherence snapshots: %w", err)
	}
	return n, nil
}

func (db *DB) queryCoherence(query string, args ...any) (*models.CoherenceSnapshot, error) {
	var body string
	err := db.QueryRow(query, args...).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get coherence snapshot: %w", err)
	}

	var s models.CoherenceSnapshot
	if err := json.Unmarshal([]byte(body), &s); err != nil {
		return nil, fmt.Errorf("decode coherence snapshot: %w", err)
	}
	return &s, nil
}

// RecordDuplicatePair stores a duplicate pair unless the same unordered pair
// was already recorded with the same descriptions. It reports whether a new
// row was written.
func (db *DB) RecordDuplicatePair(p *models.DuplicatePair, descriptionHash string) (bool, error) {
	res, err := db.Exec(`
		INSERT OR IGNORE INTO duplicate_pairs (id, pair_key, description_hash, tick_id, agent_a, agent_b,
			similarity, description_a, description_b, resolution, redistributed_agent_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, models.PairKey(p.AgentA, p.AgentB), descriptionHash, p.TickID, p.AgentA, p.AgentB,
		p.Similarity, p.DescriptionA, p.DescriptionB, string(p.Resolution),
		nullString(p.RedistributedAgentID), formatTime(p.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("record duplicate pair: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return n > 0, nil
}

// HasDuplicatePair reports whether the unordered pair was recorded with these descriptions.
func (db *DB) HasDuplicatePair(pairKey, descriptionHash string) (bool, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM duplicate_pairs WHERE pair_key = ? AND description_hash = ?`,
		pairKey, descriptionHash).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check duplicate pair: %w", err)
	}
	return n > 0, nil
}

// ListDuplicatePairs returns the pairs recorded in a tick, or every pair when tickID is empty.
func (db *DB) ListDuplicatePairs(tickID string) ([]models.DuplicatePair, error) {
	query := `SELECT id, tick_id, agent_a, agent_b, similarity, description_a, description_b,
		resolution, redistributed_agent_id, created_at FROM duplicate_pairs`
	var args []any
	if tickID != "" {
		query += " WHERE tick_id = ?"
		args = append(args, tickID)
	}
	query += " ORDER BY seq ASC"

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list duplicate pairs: %w", err)
	}
	defer rows.Close()

	var out []models.DuplicatePair
	for rows.Next() {
		var p models.DuplicatePair
		var descA, descB, redistributed sql.NullString
		var resolution, createdAt string
		if err := rows.Scan(&p.ID, &p.TickID, &p.AgentA, &p.AgentB, &p.Similarity, &descA, &descB,
			&resolution, &redistributed, &createdAt); err != nil {
			return nil, fmt.Errorf("scan duplicate pair: %w", err)
		}
		p.DescriptionA = descA.String
		p.DescriptionB = descB.String
		p.Resolution = models.DuplicateResolution(resolution)
		p.RedistributedAgentID = redistributed.String
		if p.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("duplicate pair %s: parse created_at: %w", p.ID, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
