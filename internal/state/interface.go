package state

import (
	"io"

	"github.com/kivo360/omoios/pkg/models"
)

// TaskStore handles task persistence.
type TaskStore interface {
	CreateTask(t *models.Task) error
	GetTask(id string) (*models.Task, error)
	UpdateTask(t *models.Task) error
	ListTasks(filter TaskFilter) ([]models.Task, error)
	ListTasksByParent(parentID string) ([]models.Task, error)
}

// ReviewStore handles validation review persistence. Reviews are append-only.
type ReviewStore interface {
	CreateReview(r *models.ValidationReview) error
	ListReviews(taskID string) ([]models.ValidationReview, error)
	HasPassingReview(taskID string, iteration int) (bool, error)
}

// SnapshotStore handles trajectory and coherence snapshots. Both are append-only.
type SnapshotStore interface {
	CreateTrajectorySnapshot(s *models.TrajectorySnapshot) error
	GetTrajectorySnapshot(id string) (*models.TrajectorySnapshot, error)
	ListTrajectoriesByAgent(agentID string, limit int) ([]models.TrajectorySnapshot, error)
	ListTrajectoriesByTick(tickID string) ([]models.TrajectorySnapshot, error)
	CreateCoherenceSnapshot(s *models.CoherenceSnapshot) error
	GetCoherenceSnapshot(id string) (*models.CoherenceSnapshot, error)
	LatestCoherenceSnapshot() (*models.CoherenceSnapshot, error)
	CountCoherenceSnapshots() (int, error)
}

// DuplicateStore remembers which duplicate pairs were already recorded.
type DuplicateStore interface {
	RecordDuplicatePair(p *models.DuplicatePair, descriptionHash string) (bool, error)
	HasDuplicatePair(pairKey, descriptionHash string) (bool, error)
	ListDuplicatePairs(tickID string) ([]models.DuplicatePair, error)
}

// DiscoveryStore handles discoveries and the append-only discovery edge log.
type DiscoveryStore interface {
	CreateDiscovery(d *models.Discovery) error
	GetDiscovery(id string) (*models.Discovery, error)
	UpdateDiscoveryStatus(id string, status models.DiscoveryStatus) error
	CreateBranch(task *models.Task, edge *models.DiscoveryEdge) error
	ListDiscoveryEdges(afterSeq int64) ([]models.DiscoveryEdge, error)
	ListDiscoveriesBySource(taskID string, status models.DiscoveryStatus) ([]models.Discovery, error)
	ListDiscoveriesByCategory(category models.DiscoveryCategory, limit int) ([]models.Discovery, error)
}

// InterventionStore handles intervention records.
// Only the outcome changes, and only once, from queued.
type InterventionStore interface {
	CreateIntervention(iv *models.Intervention) error
	GetIntervention(id string) (*models.Intervention, error)
	SettleIntervention(id string, outcome models.DeliveryOutcome, reason string) (bool, error)
	ListInterventionsByAgent(agentID string, limit int) ([]models.Intervention, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// Store is the durable store consumed by the monitoring core.
// It composes focused sub-interfaces so components depend only on what they use.
type Store interface {
	io.Closer
	Migrator
	TaskStore
	ReviewStore
	SnapshotStore
	DuplicateStore
	DiscoveryStore
	InterventionStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Store             = (*DB)(nil)
	_ TaskStore         = (*DB)(nil)
	_ ReviewStore       = (*DB)(nil)
	_ SnapshotStore     = (*DB)(nil)
	_ DuplicateStore    = (*DB)(nil)
	_ DiscoveryStore    = (*DB)(nil)
	_ InterventionStore = (*DB)(nil)
)
