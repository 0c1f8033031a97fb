package state

import (
	"database/sql"
	"fmt"

	"github.com/kivo360/omoios/pkg/models"
)

const discoveryColumns = `id, source_task_id, category, description, evidence, priority_boost, status, created_at`

// CreateDiscovery inserts a new discovery.
func (db *DB) CreateDiscovery(d *models.Discovery) error {
	evidence, err := encodeJSON(d.Evidence)
	if err != nil {
		return fmt.Errorf("encode evidence: %w", err)
	}

	_, err = db.Exec(`INSERT INTO discoveries (`+discoveryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.SourceTaskID, string(d.Category), d.Description, evidence, boolInt(d.PriorityBoost),
		string(d.Status), formatTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("create discovery: %w", err)
	}
	return nil
}

// GetDiscovery retrieves a discovery and its spawned task IDs. Returns nil, nil if it does not exist.
func (db *DB) GetDiscovery(id string) (*models.Discovery, error) {
	d, err := scanDiscovery(db.QueryRow(`SELECT `+discoveryColumns+` FROM discoveries WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get discovery: %w", err)
	}
	if err := db.attachSpawned([]*models.Discovery{d}); err != nil {
		return nil, err
	}
	return d, nil
}

// UpdateDiscoveryStatus changes a discovery's resolution status.
func (db *DB) UpdateDiscoveryStatus(id string, status models.DiscoveryStatus) error {
	res, err := db.Exec(`UPDATE discoveries SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("update discovery status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update discovery %s: not found", id)
	}
	return nil
}

// CreateBranch inserts a spawned task and appends its causal edge atomically.
func (db *DB) CreateBranch(task *models.Task, edge *models.DiscoveryEdge) error {
	return db.Transaction(func(tx *sql.Tx) error {
		if err := insertTask(tx, task); err != nil {
			return err
		}
		res, err := tx.Exec(`
			INSERT INTO discovery_edges (discovery_id, source_task_id, spawned_task_id, created_at)
			VALUES (?, ?, ?, ?)
		`, edge.DiscoveryID, edge.SourceTaskID, edge.SpawnedTaskID, formatTime(edge.CreatedAt))
		if err != nil {
			return fmt.Errorf("append discovery edge: %w", err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("get edge seq: %w", err)
		}
		edge.Seq = seq
		return nil
	})
}

// ListDiscoveryEdges returns the edge log after the given sequence number, in append order.
func (db *DB) ListDiscoveryEdges(afterSeq int64) ([]models.DiscoveryEdge, error) {
	rows, err := db.Query(`
		SELECT seq, discovery_id, source_task_id, spawned_task_id, created_at
		FROM discovery_edges WHERE seq > ? ORDER BY seq ASC
	`, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("list discovery edges: %w", err)
	}
	defer rows.Close()

	var edges []models.DiscoveryEdge
	for rows.Next() {
		var e models.DiscoveryEdge
		var createdAt string
		if err := rows.Scan(&e.Seq, &e.DiscoveryID, &e.SourceTaskID, &e.SpawnedTaskID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan discovery edge: %w", err)
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("discovery edge %d: parse created_at: %w", e.Seq, err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// ListDiscoveriesBySource returns discoveries recorded against a task, oldest first.
// An empty status matches every status.
func (db *DB) ListDiscoveriesBySource(taskID string, status models.DiscoveryStatus) ([]models.Discovery, error) {
	query := `SELECT ` + discoveryColumns + ` FROM discoveries WHERE source_task_id = ?`
	args := []any{taskID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at ASC, id ASC"
	return db.queryDiscoveries(query, args...)
}

// ListDiscoveriesByCategory returns the most recent discoveries of a category, newest first.
func (db *DB) ListDiscoveriesByCategory(category models.DiscoveryCategory, limit int) ([]models.Discovery, error) {
	if limit <= 0 {
		limit = -1
	}
	return db.queryDiscoveries(`SELECT `+discoveryColumns+` FROM discoveries
		WHERE category = ? ORDER BY created_at DESC, id DESC LIMIT ?`, string(category), limit)
}

func (db *DB) queryDiscoveries(query string, args ...any) ([]models.Discovery, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list discoveries: %w", err)
	}

	var out []*models.Discovery
	for rows.Next() {
		d, err := scanDiscovery(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan discovery: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if err := db.attachSpawned(out); err != nil {
		return nil, err
	}

	result := make([]models.Discovery, len(out))
	for i, d := range out {
		result[i] = *d
	}
	return result, nil
}

// attachSpawned fills SpawnedTaskIDs from the edge log, in append order.
func (db *DB) attachSpawned(ds []*models.Discovery) error {
	for _, d := range ds {
		rows, err := db.Query(`SELECT spawned_task_id FROM discovery_edges WHERE discovery_id = ? ORDER BY seq ASC`, d.ID)
		if err != nil {
			return fmt.Errorf("list spawned tasks: %w", err)
		}
		d.SpawnedTaskIDs = []string{}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan spawned task: %w", err)
			}
			d.SpawnedTaskIDs = append(d.SpawnedTaskIDs, id)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func scanDiscovery(s scanner) (*models.Discovery, error) {
	var d models.Discovery
	var category, status, createdAt string
	var evidence sql.NullString
	var boost int

	err := s.Scan(&d.ID, &d.SourceTaskID, &category, &d.Description, &evidence, &boost, &status, &createdAt)
	if err != nil {
		return nil, err
	}

	d.Category = models.DiscoveryCategory(category)
	d.Status = models.DiscoveryStatus(status)
	d.PriorityBoost = boost != 0
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("discovery %s: parse created_at: %w", d.ID, err)
	}

	ev, err := decodeJSON[map[string]any](evidence)
	if err != nil {
		return nil, fmt.Errorf("decode evidence: %w", err)
	}
	d.Evidence = ev
	return &d, nil
}
