package validation

import (
	"context"
	"sync"
	"time"

	"github.com/kivo360/omoios/pkg/models"
)

// Pool is the part of the fleet registry validators are drawn from.
type Pool interface {
	All() []models.Agent
	AssignReview(agentID, taskID string) error
	Release(agentID string) error
}

// PoolSpawner assigns an idle fleet agent other than the owner as validator,
// waiting for one to free up until the spawn context ends.
type PoolSpawner struct {
	pool         Pool
	pollInterval time.Duration

	mu sync.Mutex
}

// NewPoolSpawner creates a PoolSpawner that re-checks the pool every pollInterval.
func NewPoolSpawner(pool Pool, pollInterval time.Duration) *PoolSpawner {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &PoolSpawner{pool: pool, pollInterval: pollInterval}
}

// SpawnValidator implements ValidatorSpawner.
func (s *PoolSpawner) SpawnValidator(ctx context.Context, task models.Task) (string, error) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		id, err := s.tryClaim(task)
		if err != nil || id != "" {
			return id, err
		}
		select {
		case <-ctx.Done():
			return "", ErrNoValidator
		case <-ticker.C:
		}
	}
}

func (s *PoolSpawner) tryClaim(task models.Task) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.pool.All() {
		if a.ID == task.OwnerAgentID || a.Busy() {
			continue
		}
		if a.State != models.AgentIdle && a.State != models.AgentRegistered {
			continue
		}
		if err := s.pool.AssignReview(a.ID, task.ID); err != nil {
			return "", err
		}
		return a.ID, nil
	}
	return "", nil
}

// ReleaseValidator implements ValidatorReleaser.
func (s *PoolSpawner) ReleaseValidator(validatorID string) {
	_ = s.pool.Release(validatorID)
}
