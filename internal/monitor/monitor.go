// Package monitor runs the periodic monitoring loop. Each tick fans out one
// Guardian analysis per active agent, waits for all of them behind a barrier
// and then hands the batch to the Conductor. Only one tick runs at a time;
// a tick that fires while another is running is skipped, never queued.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/kivo360/omoios/internal/events"
	"github.com/kivo360/omoios/internal/logging"
	"github.com/kivo360/omoios/internal/metrics"
	"github.com/kivo360/omoios/internal/validation"
	"github.com/kivo360/omoios/pkg/models"
)

const tracerName = "github.com/kivo360/omoios/internal/monitor"

// ErrTickInFlight is returned when a tick is requested while another runs.
var ErrTickInFlight = errors.New("monitor: tick already in flight")

// ErrSweepInFlight is returned when a sweep is requested while another runs.
var ErrSweepInFlight = errors.New("monitor: sweep already in flight")

// Fleet supplies the agents to analyse.
type Fleet interface {
	ActiveAgents(ctx context.Context) ([]models.Agent, error)
	CurrentTask(ctx context.Context, agentID string) (*models.Task, error)
}

// Analyzer judges one agent. Implementations never fail; they degrade.
type Analyzer interface {
	Analyze(ctx context.Context, tickID string, agent models.Agent, task *models.Task) models.TrajectorySnapshot
	Degraded(tickID string, agent models.Agent, task *models.Task, reason string) models.TrajectorySnapshot
}

// Aggregator folds a tick's batch into a coherence snapshot and acts on it.
type Aggregator interface {
	Evaluate(ctx context.Context, tickID string, batch []models.TrajectorySnapshot) (*models.CoherenceSnapshot, error)
	Commit(ctx context.Context, snap *models.CoherenceSnapshot) error
}

// Sweeper is run after the Conductor pass to recover stalled validations.
type Sweeper interface {
	Sweep(ctx context.Context) (validation.SweepResult, error)
}

// Store persists trajectory snapshots.
type Store interface {
	CreateTrajectorySnapshot(s *models.TrajectorySnapshot) error
}

// Config holds loop timing.
type Config struct {
	Interval time.Duration
	// GracePeriod excludes agents activated less than this long ago.
	GracePeriod time.Duration
	// AgentTimeout bounds a single analysis.
	AgentTimeout time.Duration
	// FanoutDeadline bounds the whole fan-out. Clamped to Interval.
	FanoutDeadline time.Duration
}

// DefaultConfig returns the default loop timing.
func DefaultConfig() Config {
	return Config{
		Interval:       60 * time.Second,
		GracePeriod:    60 * time.Second,
		AgentTimeout:   20 * time.Second,
		FanoutDeadline: 50 * time.Second,
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.FanoutDeadline <= 0 || c.FanoutDeadline > c.Interval {
		c.FanoutDeadline = c.Interval
	}
	if c.AgentTimeout <= 0 || c.AgentTimeout > c.FanoutDeadline {
		c.AgentTimeout = c.FanoutDeadline
	}
	if c.GracePeriod < 0 {
		c.GracePeriod = 0
	}
	return c
}

// TickResult summarises one completed tick.
type TickResult struct {
	TickID string `json:"tick_id"`
	// Excluded lists agents skipped for being inside the grace period.
	Excluded  []string                  `json:"excluded"`
	Analyzed  int                       `json:"analyzed"`
	Degraded  int                       `json:"degraded"`
	Coherence *models.CoherenceSnapshot `json:"coherence"`
	// SweepStarted reports whether the tick started a validation sweep.
	// It is false while a previous sweep is still running.
	SweepStarted bool                        `json:"sweep_started"`
	Duration     time.Duration               `json:"duration"`
	Batch        []models.TrajectorySnapshot `json:"-"`
}

// Scheduler is the monitoring loop.
type Scheduler struct {
	fleet      Fleet
	analyzer   Analyzer
	aggregator Aggregator
	store      Store
	bus        events.Publisher
	sweeper    Sweeper
	cfg        Config
	log        *logging.DebugLogger
	metrics    *metrics.Metrics
	now        func() time.Time

	running atomic.Bool

	// Sweeps run beside ticks, never inside them: a sweep may wait on
	// validator spawns for much longer than a tick interval.
	sweeping    atomic.Bool
	sweeps      sync.WaitGroup
	sweepCtx    context.Context
	cancelSweep context.CancelFunc

	mu       sync.Mutex
	cron     *cron.Cron
	stopOnce sync.Once
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSweeper runs the validation sweep at the end of every tick.
func WithSweeper(sw Sweeper) Option {
	return func(s *Scheduler) { s.sweeper = sw }
}

// WithLogger sets the debug logger.
func WithLogger(l *logging.DebugLogger) Option {
	return func(s *Scheduler) { s.log = l.With("monitor") }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithClock overrides the time source used for grace periods.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler.
func New(fleet Fleet, analyzer Analyzer, aggregator Aggregator, store Store, bus events.Publisher, cfg Config, opts ...Option) *Scheduler {
	if bus == nil {
		bus = events.Discard
	}
	s := &Scheduler{
		fleet:      fleet,
		analyzer:   analyzer,
		aggregator: aggregator,
		store:      store,
		bus:        bus,
		cfg:        cfg.normalize(),
		now:        time.Now,
	}
	s.sweepCtx, s.cancelSweep = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the normalized loop timing.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Start schedules ticks every Interval until ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("monitor: already started")
	}

	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	spec := fmt.Sprintf("@every %s", s.cfg.Interval)
	if _, err := c.AddFunc(spec, func() {
		if _, err := s.Tick(ctx); err != nil && !errors.Is(err, ErrTickInFlight) {
			s.log.Log("tick failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule ticks: %w", err)
	}
	s.cron = c
	c.Start()
	s.log.Log("started: interval=%s fanout=%s agent_timeout=%s grace=%s",
		s.cfg.Interval, s.cfg.FanoutDeadline, s.cfg.AgentTimeout, s.cfg.GracePeriod)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the timer, waits for a running tick to finish and cancels any
// running sweep. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()
	s.stopOnce.Do(func() {
		if c != nil {
			<-c.Stop().Done()
		}
		s.cancelSweep()
		s.sweeps.Wait()
		s.log.Log("stopped")
	})
}

// Sweep runs one validation sweep now, outside the tick guard. It returns
// ErrSweepInFlight if a sweep is already running.
func (s *Scheduler) Sweep(ctx context.Context) (validation.SweepResult, error) {
	if s.sweeper == nil {
		return validation.SweepResult{}, nil
	}
	if !s.sweeping.CompareAndSwap(false, true) {
		return validation.SweepResult{}, ErrSweepInFlight
	}
	defer s.sweeping.Store(false)
	return s.sweeper.Sweep(ctx)
}

// WaitSweeps blocks until sweeps started by ticks have finished.
func (s *Scheduler) WaitSweeps() {
	s.sweeps.Wait()
}

// startSweep runs a sweep on its own goroutine unless one is already running.
func (s *Scheduler) startSweep() bool {
	if s.sweeper == nil || !s.sweeping.CompareAndSwap(false, true) {
		return false
	}
	s.sweeps.Add(1)
	go func() {
		defer s.sweeps.Done()
		defer s.sweeping.Store(false)
		res, err := s.sweeper.Sweep(s.sweepCtx)
		if err != nil && s.sweepCtx.Err() == nil {
			s.log.Log("validation sweep failed: %v", err)
			return
		}
		if res.Escalated > 0 || res.Spawned > 0 {
			s.log.Log("validation sweep: escalated=%d spawned=%d", res.Escalated, res.Spawned)
		}
	}()
	return true
}

// Tick runs one monitoring cycle over every active agent.
func (s *Scheduler) Tick(ctx context.Context) (*TickResult, error) {
	return s.run(ctx, nil)
}

// AnalyzeNow runs an out-of-band tick limited to the given agents. It shares
// the single-tick guard with the timer, so it is skipped while a tick runs.
func (s *Scheduler) AnalyzeNow(ctx context.Context, agentIDs []string) (*TickResult, error) {
	if len(agentIDs) == 0 {
		return nil, models.Violate(models.CodeInvalidArgument, "tick", "", "no agents given")
	}
	only := make(map[string]bool, len(agentIDs))
	for _, id := range agentIDs {
		only[id] = true
	}
	return s.run(ctx, only)
}

// Running reports whether a tick is in flight.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

func (s *Scheduler) run(ctx context.Context, only map[string]bool) (*TickResult, error) {
	tickID := uuid.New().String()
	if !s.running.CompareAndSwap(false, true) {
		s.metrics.TickSkipped()
		s.bus.Publish(events.New(events.TickSkipped, events.EntityTick, tickID, nil))
		s.log.Log("tick %s skipped: previous tick still running", tickID)
		return nil, ErrTickInFlight
	}
	defer s.running.Store(false)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "monitor.tick")
	span.SetAttributes(attribute.String("tick.id", tickID))
	defer span.End()

	start := time.Now()
	res, err := s.tick(ctx, tickID, only)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		s.log.Log("tick %s failed: %v", tickID, err)
		return nil, err
	}
	res.Duration = time.Since(start)

	s.metrics.TickCompleted(res.Duration)
	s.bus.Publish(events.New(events.TickCompleted, events.EntityTick, tickID, map[string]any{
		"coherence_id": res.Coherence.ID,
		"score":        res.Coherence.Score,
		"band":         string(res.Coherence.Band),
		"analyzed":     res.Analyzed,
		"degraded":     res.Degraded,
		"excluded":     len(res.Excluded),
		"duration_ms":  res.Duration.Milliseconds(),
	}))
	span.SetAttributes(
		attribute.Int("agents.analyzed", res.Analyzed),
		attribute.Int("agents.degraded", res.Degraded),
		attribute.Float64("coherence.score", res.Coherence.Score),
	)
	s.log.Log("tick %s done in %s: analyzed=%d degraded=%d excluded=%d coherence=%.2f (%s)",
		tickID, res.Duration, res.Analyzed, res.Degraded, len(res.Excluded), res.Coherence.Score, res.Coherence.Status)
	return res, nil
}

func (s *Scheduler) tick(ctx context.Context, tickID string, only map[string]bool) (*TickResult, error) {
	agents, err := s.fleet.ActiveAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active agents: %w", err)
	}

	res := &TickResult{TickID: tickID, Excluded: []string{}}
	now := s.now()
	var eligible []models.Agent
	for _, a := range agents {
		if only != nil && !only[a.ID] {
			continue
		}
		if a.InGracePeriod(now, s.cfg.GracePeriod) {
			res.Excluded = append(res.Excluded, a.ID)
			continue
		}
		eligible = append(eligible, a)
	}

	batch := s.fanout(ctx, tickID, eligible)
	for i := range batch {
		snap := &batch[i]
		if err := s.store.CreateTrajectorySnapshot(snap); err != nil {
			return nil, fmt.Errorf("store trajectory for %s: %w", snap.AgentID, err)
		}
		typ := events.TrajectoryAnalyzed
		if snap.Degraded {
			typ = events.TrajectoryDegraded
			res.Degraded++
		}
		s.bus.Publish(events.New(typ, events.EntityTrajectory, snap.ID, map[string]any{
			"agent_id":          snap.AgentID,
			"tick_id":           tickID,
			"alignment_score":   snap.AlignmentScore,
			"needs_steering":    snap.NeedsSteering,
			"steering_category": string(snap.SteeringCategory),
		}))
	}
	res.Analyzed = len(batch)
	res.Batch = batch

	coherence, err := s.aggregator.Evaluate(ctx, tickID, batch)
	if err != nil {
		return nil, fmt.Errorf("evaluate coherence: %w", err)
	}
	if err := s.aggregator.Commit(ctx, coherence); err != nil {
		return nil, fmt.Errorf("commit coherence: %w", err)
	}
	res.Coherence = coherence

	res.SweepStarted = s.startSweep()
	return res, nil
}

// fanout analyses every agent concurrently. Each analysis has its own timeout
// and the whole fan-out shares the hard deadline; an agent whose analysis does
// not return in time gets a degraded snapshot. Results keep the input order.
func (s *Scheduler) fanout(ctx context.Context, tickID string, agents []models.Agent) []models.TrajectorySnapshot {
	out := make([]models.TrajectorySnapshot, len(agents))
	if len(agents) == 0 {
		return out
	}

	fanCtx, cancel := context.WithTimeout(ctx, s.cfg.FanoutDeadline)
	defer cancel()

	g, gctx := errgroup.WithContext(fanCtx)
	for i, a := range agents {
		g.Go(func() error {
			out[i] = s.analyzeOne(gctx, tickID, a)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (s *Scheduler) analyzeOne(ctx context.Context, tickID string, agent models.Agent) models.TrajectorySnapshot {
	actx, cancel := context.WithTimeout(ctx, s.cfg.AgentTimeout)
	defer cancel()

	task, err := s.fleet.CurrentTask(actx, agent.ID)
	if err != nil {
		return s.analyzer.Degraded(tickID, agent, nil, fmt.Sprintf("current task unavailable: %v", err))
	}

	// The analyzer is expected to honour actx, but a misbehaving scorer must
	// not hold the barrier open past the deadline.
	done := make(chan models.TrajectorySnapshot, 1)
	go func() {
		done <- s.analyzer.Analyze(actx, tickID, agent, task)
	}()
	select {
	case snap := <-done:
		return snap
	case <-actx.Done():
		return s.analyzer.Degraded(tickID, agent, task, fmt.Sprintf("analysis timed out: %v", actx.Err()))
	}
}
