package guardian

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/kivo360/omoios/pkg/models"
)

type fakeActivity struct {
	entries []models.ActivityEntry
	err     error
	block   bool
}

func (f *fakeActivity) Window(ctx context.Context, agentID string, n int) ([]models.ActivityEntry, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.entries, f.err
}

type fakeHistory struct {
	snaps []models.TrajectorySnapshot
	err   error
}

func (f *fakeHistory) ListTrajectoriesByAgent(agentID string, limit int) ([]models.TrajectorySnapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit > 0 && len(f.snaps) > limit {
		return f.snaps[:limit], nil
	}
	return f.snaps, nil
}

func fixedScore(score float64) Scorer {
	return ScorerFunc(func(context.Context, Input) (Judgment, error) {
		return Judgment{Score: score, Rationale: "fixed"}, nil
	})
}

func scored(scores ...float64) []models.TrajectorySnapshot {
	out := make([]models.TrajectorySnapshot, len(scores))
	for i := range scores {
		s := scores[i]
		out[i] = models.TrajectorySnapshot{AlignmentScore: &s}
	}
	return out
}

func testTask() *models.Task {
	return &models.Task{
		ID:          "t1",
		Title:       "Implement login",
		Description: "OAuth login flow for the dashboard",
		Priority:    models.PriorityHigh,
		Progress:    0.4,
	}
}

func TestEvaluate(t *testing.T) {
	g := New(nil, nil, nil, DefaultConfig())

	tests := []struct {
		name     string
		score    float64
		history  []models.TrajectorySnapshot
		steering bool
		category models.SteeringCategory
	}{
		{"healthy without history", 0.9, nil, false, ""},
		{"exactly at threshold", 0.5, nil, false, ""},
		{"below threshold", 0.49, nil, true, models.SteeringCorrection},
		{"emergency", 0.1, nil, true, models.SteeringEmergency},
		{"drift from rolling average", 0.5, scored(0.75, 0.75, 0.75), true, models.SteeringGuidance},
		{"drop of exactly delta", 0.6, scored(0.8, 0.8, 0.8), false, ""},
		{"small drop", 0.7, scored(0.8, 0.8, 0.8), false, ""},
		{"only last three count", 0.55, scored(0.6, 0.6, 0.6, 1.0, 1.0), false, ""},
		{"degraded history skipped", 0.5, append([]models.TrajectorySnapshot{{Degraded: true}}, scored(0.8)...), true, models.SteeringGuidance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := g.Evaluate(tt.score, tt.history)
			if v.NeedsSteering != tt.steering {
				t.Errorf("NeedsSteering = %v, want %v (drift %.3f)", v.NeedsSteering, tt.steering, v.Drift)
			}
			if v.Category != tt.category {
				t.Errorf("Category = %q, want %q", v.Category, tt.category)
			}
		})
	}
}

// Alignment 0.75, 0.75, 0.75, 0.50 over four ticks steers on the fourth.
func TestAnalyze_DriftAcrossTicks(t *testing.T) {
	history := &fakeHistory{}
	scores := []float64{0.75, 0.75, 0.75, 0.50}
	var last models.TrajectorySnapshot

	for i, s := range scores {
		g := New(fixedScore(s), &fakeActivity{}, history, DefaultConfig())
		last = g.Analyze(context.Background(), "tick", models.Agent{ID: "a1"}, testTask())
		if i < 3 && last.NeedsSteering {
			t.Fatalf("tick %d steered unexpectedly", i+1)
		}
		history.snaps = append([]models.TrajectorySnapshot{last}, history.snaps...)
	}

	if !last.NeedsSteering {
		t.Fatal("expected steering on fourth tick")
	}
	if last.SteeringCategory != models.SteeringGuidance {
		t.Errorf("category = %s, want guidance", last.SteeringCategory)
	}
}

func TestAnalyze_PopulatesSnapshot(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g := New(fixedScore(0.8), &fakeActivity{}, &fakeHistory{}, DefaultConfig(),
		WithClock(func() time.Time { return now }))

	snap := g.Analyze(context.Background(), "tick-1", models.Agent{ID: "a1"}, testTask())
	if snap.ID == "" || snap.TickID != "tick-1" || snap.AgentID != "a1" || snap.TaskID != "t1" {
		t.Errorf("identity fields not set: %+v", snap)
	}
	if score, ok := snap.Score(); !ok || score != 0.8 {
		t.Errorf("score = %v, %v", score, ok)
	}
	if snap.WorkDescription != "Implement login: OAuth login flow for the dashboard" {
		t.Errorf("WorkDescription = %q", snap.WorkDescription)
	}
	if snap.Priority != models.PriorityHigh || snap.Progress != 0.4 {
		t.Errorf("priority/progress not copied: %+v", snap)
	}
	if !snap.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v", snap.CreatedAt)
	}
}

func TestAnalyze_ClampsScore(t *testing.T) {
	g := New(fixedScore(1.7), &fakeActivity{}, &fakeHistory{}, DefaultConfig())
	snap := g.Analyze(context.Background(), "tick", models.Agent{ID: "a1"}, nil)
	if s, _ := snap.Score(); s != 1 {
		t.Errorf("score = %v, want 1", s)
	}
}

func TestAnalyze_Degraded(t *testing.T) {
	tests := []struct {
		name     string
		scorer   Scorer
		activity *fakeActivity
		timeout  time.Duration
	}{
		{"window error", fixedScore(1), &fakeActivity{err: errors.New("registry down")}, time.Second},
		{"window timeout", fixedScore(1), &fakeActivity{block: true}, 20 * time.Millisecond},
		{"scorer error", ScorerFunc(func(context.Context, Input) (Judgment, error) {
			return Judgment{}, errors.New("model unavailable")
		}), &fakeActivity{}, time.Second},
		{"scorer NaN", fixedScore(math.NaN()), &fakeActivity{}, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(tt.scorer, tt.activity, &fakeHistory{}, DefaultConfig())
			ctx, cancel := context.WithTimeout(context.Background(), tt.timeout)
			defer cancel()

			snap := g.Analyze(ctx, "tick", models.Agent{ID: "a1"}, testTask())
			if !snap.Degraded {
				t.Fatal("expected degraded snapshot")
			}
			if snap.AlignmentScore != nil {
				t.Error("degraded snapshot must have a nil score")
			}
			if snap.NeedsSteering {
				t.Error("degraded snapshot must not request steering")
			}
			if snap.Rationale == "" {
				t.Error("degraded snapshot needs a failure rationale")
			}
		})
	}
}

func TestAnalyze_HistoryErrorStillScores(t *testing.T) {
	g := New(fixedScore(0.9), &fakeActivity{}, &fakeHistory{err: errors.New("db locked")}, DefaultConfig())
	snap := g.Analyze(context.Background(), "tick", models.Agent{ID: "a1"}, testTask())
	if snap.Degraded {
		t.Fatal("history failure should not degrade the snapshot")
	}
}

func TestDegraded(t *testing.T) {
	g := New(nil, nil, nil, DefaultConfig())
	snap := g.Degraded("tick", models.Agent{ID: "a1"}, testTask(), "fan-out deadline exceeded")
	if !snap.Degraded || snap.TaskID != "t1" || snap.Rationale != "fan-out deadline exceeded" {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}
