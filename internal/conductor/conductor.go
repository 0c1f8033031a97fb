// Package conductor folds one tick's trajectory snapshots into a coherence
// snapshot, detects duplicated effort across agents and acts on its decisions.
package conductor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kivo360/omoios/internal/dispatch"
	"github.com/kivo360/omoios/internal/events"
	"github.com/kivo360/omoios/internal/logging"
	"github.com/kivo360/omoios/internal/metrics"
	"github.com/kivo360/omoios/pkg/models"
)

// Status values refining the coherence band.
const (
	StatusNoAgents       = "no_agents"
	StatusDegraded       = "degraded"
	StatusHealthy        = "healthy"
	StatusWarning        = "warning"
	StatusCritical       = "critical"
	StatusDuplicateHeavy = "duplicate_heavy"
)

// duplicateHeavyRatio is the share of analysed agents in duplicate pairs
// above which the fleet is reported as duplicate_heavy.
const duplicateHeavyRatio = 0.3

// Store is the durable state the conductor writes.
type Store interface {
	CreateCoherenceSnapshot(s *models.CoherenceSnapshot) error
	RecordDuplicatePair(p *models.DuplicatePair, descriptionHash string) (bool, error)
	HasDuplicatePair(pairKey, descriptionHash string) (bool, error)
}

// Fleet is the part of the fleet registry used for redistribution.
type Fleet interface {
	ReturnTask(ctx context.Context, agentID, taskID string) error
}

// Dispatcher delivers interventions without blocking the conductor.
type Dispatcher interface {
	DispatchAsync(ctx context.Context, req dispatch.Request)
}

// Config holds the conductor's thresholds.
type Config struct {
	SimilarityThreshold float64
	// ProgressTolerance is how close two agents' progress must be to count as equally far along.
	ProgressTolerance float64
	// DuplicateMemory is how many recorded pairs are remembered in process.
	DuplicateMemory int
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: 0.8,
		ProgressTolerance:   0.05,
		DuplicateMemory:     1024,
	}
}

// Conductor is the fleet coherence aggregator.
type Conductor struct {
	similarity Similarity
	weighting  Weighting
	store      Store
	fleet      Fleet
	dispatcher Dispatcher
	bus        events.Publisher
	cfg        Config
	log        *logging.DebugLogger
	metrics    *metrics.Metrics
	now        func() time.Time

	// memory maps a pair key to the description hash last recorded for it.
	memory *lru.Cache[string, string]

	mu       sync.Mutex
	failures []models.Intervention
}

// Option configures a Conductor.
type Option func(*Conductor)

// WithWeighting sets the coherence weighting scheme.
func WithWeighting(w Weighting) Option {
	return func(c *Conductor) { c.weighting = w }
}

// WithLogger sets the debug logger.
func WithLogger(l *logging.DebugLogger) Option {
	return func(c *Conductor) { c.log = l.With("conductor") }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Conductor) { c.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Conductor) { c.now = now }
}

// New creates a Conductor.
func New(similarity Similarity, store Store, fleet Fleet, dispatcher Dispatcher, bus events.Publisher, cfg Config, opts ...Option) (*Conductor, error) {
	if cfg.DuplicateMemory <= 0 {
		cfg.DuplicateMemory = DefaultConfig().DuplicateMemory
	}
	memory, err := lru.New[string, string](cfg.DuplicateMemory)
	if err != nil {
		return nil, fmt.Errorf("create duplicate memory: %w", err)
	}
	if bus == nil {
		bus = events.Discard
	}
	c := &Conductor{
		similarity: similarity,
		weighting:  Uniform,
		store:      store,
		fleet:      fleet,
		dispatcher: dispatcher,
		bus:        bus,
		cfg:        cfg,
		now:        time.Now,
		memory:     memory,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NoteFailedIntervention records a delivery failure of an intervention the
// conductor issued; it is surfaced in the next snapshot's recommendations.
func (c *Conductor) NoteFailedIntervention(iv models.Intervention) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, iv)
}

// Evaluate folds a complete batch into a coherence snapshot. It writes
// nothing; Commit persists and acts on the result.
func (c *Conductor) Evaluate(ctx context.Context, tickID string, batch []models.TrajectorySnapshot) (*models.CoherenceSnapshot, error) {
	trajectories := append([]models.TrajectorySnapshot(nil), batch...)
	sort.Slice(trajectories, func(i, j int) bool { return trajectories[i].AgentID < trajectories[j].AgentID })

	snap := &models.CoherenceSnapshot{
		ID:            uuid.New().String(),
		TickID:        tickID,
		Trajectories:  trajectories,
		Duplicates:    []models.DuplicatePair{},
		Interventions: []models.InterventionDecision{},
		CreatedAt:     c.now().UTC(),
	}

	score, scored := c.score(trajectories)
	snap.Score = score
	snap.Band = models.BandFor(score)

	dups, err := c.detectDuplicates(ctx, tickID, trajectories)
	if err != nil {
		return nil, err
	}
	snap.Duplicates = dups

	for _, t := range trajectories {
		if t.NeedsSteering {
			snap.Interventions = append(snap.Interventions, decide(t))
		}
	}

	snap.Status = status(len(trajectories), scored, snap.Band, involvedAgents(dups))
	snap.Recommendations = c.recommend(snap)
	return snap, nil
}

// Commit stores the snapshot, records its new duplicate pairs and then acts
// on its decisions. Interventions are dispatched without waiting.
func (c *Conductor) Commit(ctx context.Context, snap *models.CoherenceSnapshot) error {
	if err := c.store.CreateCoherenceSnapshot(snap); err != nil {
		return fmt.Errorf("store coherence snapshot: %w", err)
	}
	c.metrics.Coherence(snap.Score)
	c.bus.Publish(events.New(events.CoherencePublished, events.EntityCoherence, snap.ID, map[string]any{
		"tick_id":       snap.TickID,
		"score":         snap.Score,
		"band":          string(snap.Band),
		"status":        snap.Status,
		"duplicates":    len(snap.Duplicates),
		"interventions": len(snap.Interventions),
	}))

	recorded := 0
	for i := range snap.Duplicates {
		p := &snap.Duplicates[i]
		hash := descriptionHash(p)
		inserted, err := c.store.RecordDuplicatePair(p, hash)
		if err != nil {
			return err
		}
		c.memory.Add(models.PairKey(p.AgentA, p.AgentB), hash)
		if !inserted {
			continue
		}
		recorded++
		c.bus.Publish(events.New(events.DuplicateDetected, events.EntityDuplicate, p.ID, map[string]any{
			"agent_a":    p.AgentA,
			"agent_b":    p.AgentB,
			"similarity": p.Similarity,
			"resolution": string(p.Resolution),
		}))
	}
	c.metrics.DuplicatesRecorded(recorded)

	c.act(ctx, snap)
	return nil
}

func (c *Conductor) act(ctx context.Context, snap *models.CoherenceSnapshot) {
	byAgent := make(map[string]models.TrajectorySnapshot, len(snap.Trajectories))
	for _, t := range snap.Trajectories {
		byAgent[t.AgentID] = t
	}

	returned := make(map[string]bool)
	for _, p := range snap.Duplicates {
		switch p.Resolution {
		case models.DuplicateRedistributed:
			agentID := p.RedistributedAgentID
			if returned[agentID] {
				continue
			}
			returned[agentID] = true
			taskID := byAgent[agentID].TaskID
			if err := c.fleet.ReturnTask(ctx, agentID, taskID); err != nil {
				c.log.Log("return task %s from %s failed: %v", taskID, agentID, err)
				continue
			}
			c.bus.Publish(events.New(events.TaskRedistributed, events.EntityTask, taskID, map[string]any{
				"agent_id":     agentID,
				"duplicate_id": p.ID,
			}))
		case models.DuplicateEscalated:
			c.bus.Publish(events.New(events.DuplicateEscalated, events.EntityDuplicate, p.ID, map[string]any{
				"agent_a":       p.AgentA,
				"agent_b":       p.AgentB,
				"similarity":    p.Similarity,
				"description_a": p.DescriptionA,
				"description_b": p.DescriptionB,
			}))
		}
	}

	origin := models.Origin{CoherenceSnapshotID: snap.ID}
	for _, d := range snap.Interventions {
		c.dispatcher.DispatchAsync(ctx, dispatch.Request{
			AgentID:  d.AgentID,
			Category: d.Category,
			Message:  d.Message,
			Origin:   origin,
		})
	}
}

// score returns the weighted mean of scored snapshots and how many there were.
// With nothing scored the fleet is treated as coherent.
func (c *Conductor) score(batch []models.TrajectorySnapshot) (float64, int) {
	var sum, weights float64
	var n int
	for _, t := range batch {
		s, ok := t.Score()
		if !ok || t.Degraded {
			continue
		}
		w := c.weighting.Weight(t)
		if w <= 0 || math.IsNaN(w) {
			continue
		}
		sum += w * s
		weights += w
		n++
	}
	if weights == 0 {
		return 1, n
	}
	return sum / weights, n
}

func (c *Conductor) detectDuplicates(ctx context.Context, tickID string, batch []models.TrajectorySnapshot) ([]models.DuplicatePair, error) {
	var candidates []models.TrajectorySnapshot
	for _, t := range batch {
		if t.WorkDescription != "" {
			candidates = append(candidates, t)
		}
	}

	pairs := []models.DuplicatePair{}
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			a, b := candidates[i], candidates[j]
			if a.AgentID == b.AgentID || (a.TaskID != "" && a.TaskID == b.TaskID) {
				continue
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			sim, err := c.similarity.Similarity(ctx, a.WorkDescription, b.WorkDescription)
			if err != nil {
				c.log.Log("similarity %s/%s failed: %v", a.AgentID, b.AgentID, err)
				continue
			}
			if sim < c.cfg.SimilarityThreshold {
				continue
			}

			p := models.DuplicatePair{
				ID:           uuid.New().String(),
				TickID:       tickID,
				AgentA:       a.AgentID,
				AgentB:       b.AgentID,
				Similarity:   sim,
				DescriptionA: a.WorkDescription,
				DescriptionB: b.WorkDescription,
				CreatedAt:    c.now().UTC(),
			}
			seen, err := c.seen(&p)
			if err != nil {
				return nil, err
			}
			if seen {
				continue
			}
			c.resolve(&p, a, b)
			pairs = append(pairs, p)
		}
	}
	return pairs, nil
}

// seen reports whether the pair was already recorded with the same descriptions.
func (c *Conductor) seen(p *models.DuplicatePair) (bool, error) {
	key := models.PairKey(p.AgentA, p.AgentB)
	hash := descriptionHash(p)
	if prev, ok := c.memory.Get(key); ok && prev == hash {
		return true, nil
	}
	found, err := c.store.HasDuplicatePair(key, hash)
	if err != nil {
		return false, err
	}
	if found {
		c.memory.Add(key, hash)
	}
	return found, nil
}

// resolve escalates pairs whose agents are equally far along and otherwise
// returns the lower-priority agent's task to the queue. Equal priorities
// fall back to returning the less progressed task.
func (c *Conductor) resolve(p *models.DuplicatePair, a, b models.TrajectorySnapshot) {
	if math.Abs(a.Progress-b.Progress) <= c.cfg.ProgressTolerance {
		p.Resolution = models.DuplicateEscalated
		return
	}

	loser := a
	switch {
	case a.Priority != b.Priority:
		if b.Priority < a.Priority {
			loser = b
		}
	case b.Progress < a.Progress:
		loser = b
	}
	if loser.TaskID == "" {
		p.Resolution = models.DuplicateEscalated
		return
	}
	p.Resolution = models.DuplicateRedistributed
	p.RedistributedAgentID = loser.AgentID
}

func decide(t models.TrajectorySnapshot) models.InterventionDecision {
	category := models.InterventionFor(t.SteeringCategory)
	score, _ := t.Score()

	var msg string
	switch category {
	case models.InterventionEmergency:
		msg = fmt.Sprintf("Stop and re-read your task. Your recent work has almost nothing to do with %q (alignment %.2f). %s",
			t.WorkDescription, score, t.Rationale)
	case models.InterventionCorrection:
		msg = fmt.Sprintf("Your recent activity is off track for %q (alignment %.2f). Return to the task goal. %s",
			t.WorkDescription, score, t.Rationale)
	default:
		msg = fmt.Sprintf("You are drifting from %q (alignment %.2f). Refocus on the task goal. %s",
			t.WorkDescription, score, t.Rationale)
	}
	return models.InterventionDecision{AgentID: t.AgentID, Category: category, Message: msg}
}

func status(agents, scored int, band models.CoherenceBand, duplicated int) string {
	switch {
	case agents == 0:
		return StatusNoAgents
	case scored == 0:
		return StatusDegraded
	case band == models.BandCritical:
		return StatusCritical
	case float64(duplicated) > duplicateHeavyRatio*float64(agents):
		return StatusDuplicateHeavy
	case band == models.BandWarning:
		return StatusWarning
	default:
		return StatusHealthy
	}
}

func (c *Conductor) recommend(snap *models.CoherenceSnapshot) []string {
	var recs []string
	switch snap.Status {
	case StatusDegraded:
		recs = append(recs, "No agent could be scored this tick; check the activity source and scorer.")
	case StatusCritical:
		recs = append(recs, "Fleet coherence is critical; review steering interventions and consider pausing new assignments.")
	case StatusDuplicateHeavy:
		recs = append(recs, "Many agents are duplicating work; tighten task decomposition.")
	case StatusWarning:
		recs = append(recs, "Fleet coherence is degrading; watch agents flagged for steering.")
	}

	degraded := 0
	for _, t := range snap.Trajectories {
		if t.Degraded {
			degraded++
		}
	}
	if degraded > 0 && snap.Status != StatusDegraded {
		recs = append(recs, fmt.Sprintf("%d agent analyses were degraded this tick.", degraded))
	}

	c.mu.Lock()
	failures := c.failures
	c.failures = nil
	c.mu.Unlock()
	for _, iv := range failures {
		recs = append(recs, fmt.Sprintf("Intervention %s to agent %s was not delivered: %s.", iv.ID, iv.AgentID, iv.FailureReason))
	}
	return recs
}

func involvedAgents(pairs []models.DuplicatePair) int {
	agents := make(map[string]bool)
	for _, p := range pairs {
		agents[p.AgentA] = true
		agents[p.AgentB] = true
	}
	return len(agents)
}

func descriptionHash(p *models.DuplicatePair) string {
	a, b := p.DescriptionA, p.DescriptionB
	if p.AgentA > p.AgentB {
		a, b = b, a
	}
	sum := sha256.Sum256([]byte(a + "\x00" + b))
	return hex.EncodeToString(sum[:])
}
