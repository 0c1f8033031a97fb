// Package guardian analyses one agent's recent activity against its declared
// goal and produces a TrajectorySnapshot. Analyses never fail: anything that
// prevents scoring yields a degraded snapshot instead.
package guardian

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kivo360/omoios/internal/logging"
	"github.com/kivo360/omoios/internal/metrics"
	"github.com/kivo360/omoios/pkg/models"
)

const tracerName = "github.com/kivo360/omoios/internal/guardian"

// driftEpsilon absorbs float noise when comparing a drop against the delta.
const driftEpsilon = 1e-9

// ActivitySource supplies an agent's bounded trailing activity log.
type ActivitySource interface {
	Window(ctx context.Context, agentID string, n int) ([]models.ActivityEntry, error)
}

// HistorySource supplies prior snapshots, newest first.
type HistorySource interface {
	ListTrajectoriesByAgent(agentID string, limit int) ([]models.TrajectorySnapshot, error)
}

// Config holds the steering rules.
type Config struct {
	// SteeringThreshold flags scores strictly below it.
	SteeringThreshold float64
	// DriftDelta flags drops larger than it versus the rolling average.
	DriftDelta float64
	// DriftWindow is how many prior scored snapshots form the rolling average.
	DriftWindow int
	// EmergencyThreshold marks scores strictly below it as emergencies.
	EmergencyThreshold float64
	// WindowSize is how many activity entries are analysed.
	WindowSize int
	// HistoryDepth is how many prior snapshots are loaded.
	HistoryDepth int
}

// DefaultConfig returns the default steering rules.
func DefaultConfig() Config {
	return Config{
		SteeringThreshold:  0.5,
		DriftDelta:         0.2,
		DriftWindow:        3,
		EmergencyThreshold: 0.25,
		WindowSize:         50,
		HistoryDepth:       5,
	}
}

// Guardian is the per-agent trajectory analyzer.
type Guardian struct {
	scorer   Scorer
	activity ActivitySource
	history  HistorySource
	cfg      Config
	log      *logging.DebugLogger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option configures a Guardian.
type Option func(*Guardian)

// WithLogger sets the debug logger.
func WithLogger(l *logging.DebugLogger) Option {
	return func(g *Guardian) { g.log = l.With("guardian") }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Guardian) { g.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Guardian) { g.now = now }
}

// New creates a Guardian.
func New(scorer Scorer, activity ActivitySource, history HistorySource, cfg Config, opts ...Option) *Guardian {
	if cfg.DriftWindow < 1 {
		cfg.DriftWindow = 1
	}
	if cfg.HistoryDepth < cfg.DriftWindow {
		cfg.HistoryDepth = cfg.DriftWindow
	}
	g := &Guardian{
		scorer:   scorer,
		activity: activity,
		history:  history,
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Analyze judges one agent for one tick. The context carries the per-agent timeout.
func (g *Guardian) Analyze(ctx context.Context, tickID string, agent models.Agent, task *models.Task) models.TrajectorySnapshot {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "guardian.analyze")
	span.SetAttributes(
		attribute.String("agent.id", agent.ID),
		attribute.String("tick.id", tickID),
	)
	defer span.End()

	base := g.baseSnapshot(tickID, agent, task)

	window, err := g.activity.Window(ctx, agent.ID, g.cfg.WindowSize)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return g.degrade(base, fmt.Sprintf("activity window unavailable: %v", err))
	}

	history, err := g.history.ListTrajectoriesByAgent(agent.ID, g.cfg.HistoryDepth)
	if err != nil {
		// Scoring can proceed without history; only drift detection is lost.
		g.log.Log("history for %s unavailable: %v", agent.ID, err)
		history = nil
	}

	judgment, err := g.scorer.Score(ctx, Input{
		Agent:    agent,
		Task:     task,
		Activity: window,
		History:  history,
	})
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return g.degrade(base, fmt.Sprintf("scoring failed: %v", err))
	}
	if math.IsNaN(judgment.Score) {
		return g.degrade(base, "scorer returned no score")
	}

	score := clamp(judgment.Score)
	verdict := g.Evaluate(score, history)

	snap := base
	snap.AlignmentScore = &score
	snap.NeedsSteering = verdict.NeedsSteering
	snap.SteeringCategory = verdict.Category
	snap.Rationale = judgment.Rationale
	if verdict.Reason != "" {
		snap.Rationale = joinRationale(judgment.Rationale, verdict.Reason)
	}

	span.SetAttributes(
		attribute.Float64("alignment.score", score),
		attribute.Bool("needs_steering", verdict.NeedsSteering),
	)
	if verdict.NeedsSteering {
		g.metrics.Analysis("steering")
	} else {
		g.metrics.Analysis("ok")
	}
	g.log.Log("agent %s score=%.2f steering=%v category=%s", agent.ID, score, verdict.NeedsSteering, verdict.Category)
	return snap
}

// Degraded builds a degraded snapshot for an agent whose analysis never ran
// to completion, e.g. because the fan-out deadline expired.
func (g *Guardian) Degraded(tickID string, agent models.Agent, task *models.Task, reason string) models.TrajectorySnapshot {
	return g.degrade(g.baseSnapshot(tickID, agent, task), reason)
}

func (g *Guardian) baseSnapshot(tickID string, agent models.Agent, task *models.Task) models.TrajectorySnapshot {
	snap := models.TrajectorySnapshot{
		ID:        uuid.New().String(),
		AgentID:   agent.ID,
		TickID:    tickID,
		CreatedAt: g.now().UTC(),
	}
	if task != nil {
		snap.TaskID = task.ID
		snap.WorkDescription = task.WorkDescription()
		snap.Progress = task.Progress
		snap.Priority = task.Priority
	}
	return snap
}

func (g *Guardian) degrade(snap models.TrajectorySnapshot, reason string) models.TrajectorySnapshot {
	snap.AlignmentScore = nil
	snap.Degraded = true
	snap.NeedsSteering = false
	snap.SteeringCategory = ""
	snap.Rationale = reason
	g.metrics.Analysis("degraded")
	g.log.Log("agent %s degraded: %s", snap.AgentID, reason)
	return snap
}

// Verdict is the steering decision for one score.
type Verdict struct {
	NeedsSteering bool
	Category      models.SteeringCategory
	// Drift is the drop versus the rolling average, zero without history.
	Drift  float64
	Reason string
}

// Evaluate applies the threshold and drift rules. History is newest first;
// degraded entries are skipped.
func (g *Guardian) Evaluate(score float64, history []models.TrajectorySnapshot) Verdict {
	var v Verdict

	var prior []float64
	for i := range history {
		if s, ok := history[i].Score(); ok {
			prior = append(prior, s)
			if len(prior) == g.cfg.DriftWindow {
				break
			}
		}
	}

	below := score < g.cfg.SteeringThreshold
	drifted := false
	if len(prior) > 0 {
		avg := mean(prior)
		v.Drift = avg - score
		drifted = v.Drift-g.cfg.DriftDelta > driftEpsilon
	}

	switch {
	case score < g.cfg.EmergencyThreshold:
		v.NeedsSteering = true
		v.Category = models.SteeringEmergency
		v.Reason = fmt.Sprintf("score %.2f below emergency threshold %.2f", score, g.cfg.EmergencyThreshold)
	case below:
		v.NeedsSteering = true
		v.Category = models.SteeringCorrection
		v.Reason = fmt.Sprintf("score %.2f below threshold %.2f", score, g.cfg.SteeringThreshold)
	case drifted:
		v.NeedsSteering = true
		v.Category = models.SteeringGuidance
		v.Reason = fmt.Sprintf("score fell %.2f versus rolling average of %d", v.Drift, len(prior))
	}
	return v
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func clamp(x float64) float64 {
	switch {
	case x < 0:
		return 0
	case x > 1:
		return 1
	default:
		return x
	}
}

func joinRationale(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}
