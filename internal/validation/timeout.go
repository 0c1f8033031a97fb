package validation

import (
	"context"
	"time"

	"github.com/kivo360/omoios/internal/events"
	"github.com/kivo360/omoios/internal/state"
	"github.com/kivo360/omoios/pkg/models"
)

// schedule arms the validation timeout for a task that entered
// validation_in_progress at started.
func (m *Machine) schedule(taskID string, started time.Time) {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if m.closed {
		return
	}
	if prev, ok := m.timers[taskID]; ok {
		prev.Stop()
	}
	wait := started.Add(m.cfg.Timeout).Sub(m.now())
	if wait < 0 {
		wait = 0
	}
	var timer *time.Timer
	timer = time.AfterFunc(wait, func() {
		m.timerMu.Lock()
		if m.timers[taskID] == timer {
			delete(m.timers, taskID)
		}
		m.timerMu.Unlock()

		if _, err := m.expire(context.Background(), taskID, started); err != nil {
			m.log.Log("validation timeout for %s: %v", taskID, err)
		}
	})
	m.timers[taskID] = timer
}

func (m *Machine) cancelTimer(taskID string) {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if t, ok := m.timers[taskID]; ok {
		t.Stop()
		delete(m.timers, taskID)
	}
}

func (m *Machine) armed(taskID string) bool {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	_, ok := m.timers[taskID]
	return ok
}

// expire escalates a task whose validation started at started and never got
// a review. It reports whether the task was escalated.
func (m *Machine) expire(ctx context.Context, taskID string, started time.Time) (bool, error) {
	unlock := m.locks.lock(taskID)
	defer unlock()

	t, err := m.store.GetTask(taskID)
	if err != nil || t == nil {
		return false, err
	}
	if t.State != models.TaskValidationInProgress || t.ValidationStartedAt == nil ||
		!t.ValidationStartedAt.Equal(started) {
		return false, nil
	}

	m.releaseValidator(t.ValidatorAgentID)
	t.ValidationStartedAt = nil
	if err := m.transition(t, models.TaskEscalated); err != nil {
		return false, err
	}
	m.bus.Publish(events.New(events.ValidationEscalated, events.EntityTask, t.ID, map[string]any{
		"reason":       "timeout",
		"iteration":    t.Iteration,
		"validator_id": t.ValidatorAgentID,
	}))
	m.log.Log("validation of %s by %s timed out after %s", t.ID, t.ValidatorAgentID, m.cfg.Timeout)
	return true, m.diagnose(t, "Validation timed out without a review.")
}

// Sweep escalates validations past their timeout, re-arms timers for the
// rest and retries validator spawns for tasks stuck under review. It runs on
// every monitor tick and once at startup.
func (m *Machine) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	validating, err := m.store.ListTasks(state.TaskFilter{State: models.TaskValidationInProgress})
	if err != nil {
		return res, err
	}
	now := m.now()
	for _, t := range validating {
		if t.ValidationStartedAt == nil {
			continue
		}
		started := *t.ValidationStartedAt
		if now.Before(started.Add(m.cfg.Timeout)) {
			if !m.armed(t.ID) {
				m.schedule(t.ID, started)
			}
			continue
		}
		m.cancelTimer(t.ID)
		escalated, err := m.expire(ctx, t.ID, started)
		if err != nil {
			m.log.Log("sweep %s: %v", t.ID, err)
			continue
		}
		if escalated {
			res.Escalated++
		}
	}

	waiting, err := m.store.ListTasks(state.TaskFilter{State: models.TaskUnderReview})
	if err != nil {
		return res, err
	}
	for _, t := range waiting {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if _, err := m.StartValidation(ctx, t.ID); err != nil {
			m.log.Log("sweep %s: %v", t.ID, err)
			continue
		}
		res.Spawned++
	}
	return res, nil
}

// Close stops every pending timeout. Sweep re-arms them after a restart.
func (m *Machine) Close() {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	m.closed = true
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}
