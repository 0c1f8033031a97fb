package state

import (
	"fmt"
	"time"

	"github.com/kivo360/omoios/pkg/models"
)

// InterruptedReason is the failure reason recorded for deliveries cut short by a restart.
const InterruptedReason = "interrupted before delivery"

// RecoveryReport describes what a previous process left behind.
type RecoveryReport struct {
	// StaleInterventions were queued but never settled.
	StaleInterventions []models.Intervention
	// PendingValidations are tasks still waiting on a validator.
	PendingValidations []models.Task
	// UnderReview are tasks whose validator was never assigned.
	UnderReview []models.Task
}

// Empty reports whether there is nothing to recover.
func (r *RecoveryReport) Empty() bool {
	return len(r.StaleInterventions) == 0 && len(r.PendingValidations) == 0 && len(r.UnderReview) == 0
}

// RecoveryManager detects work interrupted by a restart.
type RecoveryManager struct {
	db *DB
}

// NewRecoveryManager creates a new RecoveryManager with the given database.
func NewRecoveryManager(db *DB) *RecoveryManager {
	return &RecoveryManager{db: db}
}

// CheckForInterrupted returns what was left in flight. Queued interventions
// younger than minAge are ignored; they may still be settling.
func (rm *RecoveryManager) CheckForInterrupted(minAge time.Duration) (*RecoveryReport, error) {
	report := &RecoveryReport{}

	cutoff := formatTime(time.Now().Add(-minAge))
	rows, err := rm.db.Query(`SELECT `+interventionColumns+` FROM interventions
		WHERE outcome = ? AND created_at <= ? ORDER BY created_at ASC`, string(models.DeliveryQueued), cutoff)
	if err != nil {
		return nil, fmt.Errorf("list queued interventions: %w", err)
	}
	for rows.Next() {
		iv, err := scanIntervention(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan intervention: %w", err)
		}
		report.StaleInterventions = append(report.StaleInterventions, *iv)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	if report.PendingValidations, err = rm.db.ListTasks(TaskFilter{State: models.TaskValidationInProgress}); err != nil {
		return nil, err
	}
	if report.UnderReview, err = rm.db.ListTasks(TaskFilter{State: models.TaskUnderReview}); err != nil {
		return nil, err
	}

	return report, nil
}

// FailStaleInterventions settles every stale intervention in the report as failed.
// A delivery that was never confirmed must not be retried on the same record.
// It returns the interventions that were actually settled by this call.
func (rm *RecoveryManager) FailStaleInterventions(report *RecoveryReport) ([]models.Intervention, error) {
	var settled []models.Intervention
	for _, iv := range report.StaleInterventions {
		ok, err := rm.db.SettleIntervention(iv.ID, models.DeliveryFailed, InterruptedReason)
		if err != nil {
			return settled, fmt.Errorf("fail intervention %s: %w", iv.ID, err)
		}
		if ok {
			iv.Outcome = models.DeliveryFailed
			iv.FailureReason = InterruptedReason
			settled = append(settled, iv)
		}
	}
	return settled, nil
}
