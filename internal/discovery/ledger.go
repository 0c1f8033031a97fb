// Package discovery records unplanned work found by agents and branches it
// into new tasks. Causal history is an append-only edge log; graphs are
// rebuilt by replaying it.
package discovery

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kivo360/omoios/internal/events"
	"github.com/kivo360/omoios/internal/graph"
	"github.com/kivo360/omoios/internal/logging"
	"github.com/kivo360/omoios/internal/state"
	"github.com/kivo360/omoios/internal/validation"
	"github.com/kivo360/omoios/pkg/models"
)

// Store is the durable state the ledger reads and writes.
type Store interface {
	state.DiscoveryStore
	state.TaskStore
}

// Queue receives spawned tasks.
type Queue interface {
	Push(taskID string, p models.Priority)
}

// RecordInput describes a discovery to record.
type RecordInput struct {
	SourceTaskID  string                   `json:"source_task_id"`
	Category      models.DiscoveryCategory `json:"category"`
	Description   string                   `json:"description"`
	Evidence      map[string]any           `json:"evidence,omitempty"`
	PriorityBoost bool                     `json:"priority_boost"`
}

// Ledger is the discovery ledger.
type Ledger struct {
	store Store
	bus   events.Publisher
	queue Queue
	log   *logging.DebugLogger
	now   func() time.Time

	mu     sync.Mutex
	causal *graph.CausalGraph
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithQueue sets the work queue spawned tasks are pushed onto.
func WithQueue(q Queue) Option {
	return func(l *Ledger) { l.queue = q }
}

// WithLogger sets the debug logger.
func WithLogger(lg *logging.DebugLogger) Option {
	return func(l *Ledger) { l.log = lg.With("discovery") }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a Ledger.
func New(store Store, bus events.Publisher, opts ...Option) *Ledger {
	if bus == nil {
		bus = events.Discard
	}
	l := &Ledger{
		store:  store,
		bus:    bus,
		now:    time.Now,
		causal: graph.NewCausalGraph(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record stores a new open discovery against an existing source task.
func (l *Ledger) Record(ctx context.Context, in RecordInput) (*models.Discovery, error) {
	if !in.Category.Valid() {
		return nil, models.Violate(models.CodeDiscoveryCategoryInvalid, "discovery", "",
			"unknown category %q", in.Category)
	}
	if strings.TrimSpace(in.Description) == "" {
		return nil, models.Violate(models.CodeInvalidArgument, "discovery", "", "description is required")
	}
	src, err := l.store.GetTask(in.SourceTaskID)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, models.Violate(models.CodeDiscoverySourceMissing, "discovery", "",
			"source task %q does not exist", in.SourceTaskID)
	}

	d := &models.Discovery{
		ID:             uuid.New().String(),
		SourceTaskID:   src.ID,
		Category:       in.Category,
		Description:    in.Description,
		Evidence:       in.Evidence,
		PriorityBoost:  in.PriorityBoost,
		SpawnedTaskIDs: []string{},
		Status:         models.DiscoveryOpen,
		CreatedAt:      l.now().UTC(),
	}
	if err := l.store.CreateDiscovery(d); err != nil {
		return nil, err
	}
	l.bus.Publish(events.New(events.DiscoveryRecorded, events.EntityDiscovery, d.ID, map[string]any{
		"source_task_id": d.SourceTaskID,
		"category":       string(d.Category),
		"priority_boost": d.PriorityBoost,
	}))
	l.log.Log("recorded %s discovery %s on task %s", d.Category, d.ID, d.SourceTaskID)
	return d, nil
}

// Branch spawns a task from an open discovery. Phase ordering does not
// apply: a discovery may spawn work in an earlier phase than its source.
// The spawned task's parent is always the discovery's source task.
func (l *Ledger) Branch(ctx context.Context, discoveryID string, spec models.TaskSpec) (*models.Task, error) {
	d, err := l.store.GetDiscovery(discoveryID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, models.Violate(models.CodeDiscoveryNotFound, "discovery", discoveryID, "discovery does not exist")
	}
	if d.Status != models.DiscoveryOpen {
		return nil, models.Violate(models.CodeDiscoveryResolved, "discovery", discoveryID,
			"discovery is %s", d.Status)
	}
	if spec.ParentTaskID != "" && spec.ParentTaskID != d.SourceTaskID {
		return nil, models.Violate(models.CodeDiscoveryParentMismatch, "discovery", discoveryID,
			"parent %q is not the source task %q", spec.ParentTaskID, d.SourceTaskID)
	}
	if strings.TrimSpace(spec.Title) == "" {
		return nil, models.Violate(models.CodeInvalidArgument, "discovery", discoveryID, "title is required")
	}
	src, err := l.store.GetTask(d.SourceTaskID)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, models.Violate(models.CodeDiscoverySourceMissing, "discovery", discoveryID,
			"source task %q does not exist", d.SourceTaskID)
	}
	for _, depID := range spec.DependsOn {
		dep, err := l.store.GetTask(depID)
		if err != nil {
			return nil, err
		}
		if dep == nil {
			return nil, models.Violate(models.CodeTaskNotFound, "task", depID, "dependency does not exist")
		}
	}

	now := l.now().UTC()
	spec.ParentTaskID = src.ID
	if spec.Description == "" {
		spec.Description = d.Description
	}
	task := validation.NewTask(spec, models.DiscoveryKind(d.Category), src, now)
	if d.PriorityBoost {
		task.Priority = task.Priority.Boost()
	}

	edge := &models.DiscoveryEdge{
		DiscoveryID:   d.ID,
		SourceTaskID:  src.ID,
		SpawnedTaskID: task.ID,
		CreatedAt:     now,
	}
	if err := l.store.CreateBranch(task, edge); err != nil {
		return nil, err
	}

	l.bus.Publish(events.New(events.TaskCreated, events.EntityTask, task.ID, map[string]any{
		"kind":           string(task.Kind),
		"ticket_id":      task.TicketID,
		"parent_task_id": task.ParentTaskID,
		"phase":          task.Phase,
		"priority":       task.Priority.String(),
	}))
	l.bus.Publish(events.New(events.DiscoveryBranched, events.EntityDiscovery, d.ID, map[string]any{
		"source_task_id":  src.ID,
		"spawned_task_id": task.ID,
		"edge_seq":        edge.Seq,
	}))
	if l.queue != nil {
		l.queue.Push(task.ID, task.Priority)
	}
	l.log.Log("discovery %s branched task %s (phase %d, source phase %d)", d.ID, task.ID, task.Phase, src.Phase)
	return task, nil
}

// Resolve closes an open discovery as resolved or invalid.
func (l *Ledger) Resolve(ctx context.Context, discoveryID string, status models.DiscoveryStatus) (*models.Discovery, error) {
	if status != models.DiscoveryResolved && status != models.DiscoveryInvalid {
		return nil, models.Violate(models.CodeInvalidArgument, "discovery", discoveryID,
			"cannot resolve to %q", status)
	}
	d, err := l.store.GetDiscovery(discoveryID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, models.Violate(models.CodeDiscoveryNotFound, "discovery", discoveryID, "discovery does not exist")
	}
	if d.Status != models.DiscoveryOpen {
		return nil, models.Violate(models.CodeDiscoveryResolved, "discovery", discoveryID, "discovery is %s", d.Status)
	}
	if err := l.store.UpdateDiscoveryStatus(d.ID, status); err != nil {
		return nil, err
	}
	d.Status = status
	l.bus.Publish(events.New(events.DiscoveryResolved, events.EntityDiscovery, d.ID, map[string]any{
		"status": string(status),
	}))
	return d, nil
}

// Get returns a discovery, or nil if it does not exist.
func (l *Ledger) Get(ctx context.Context, discoveryID string) (*models.Discovery, error) {
	return l.store.GetDiscovery(discoveryID)
}

// BySource lists discoveries recorded against a task. An empty status matches all.
func (l *Ledger) BySource(ctx context.Context, taskID string, status models.DiscoveryStatus) ([]models.Discovery, error) {
	return l.store.ListDiscoveriesBySource(taskID, status)
}

// ByCategory lists the latest discoveries of a category.
func (l *Ledger) ByCategory(ctx context.Context, category models.DiscoveryCategory, limit int) ([]models.Discovery, error) {
	if !category.Valid() {
		return nil, models.Violate(models.CodeDiscoveryCategoryInvalid, "discovery", "", "unknown category %q", category)
	}
	return l.store.ListDiscoveriesByCategory(category, limit)
}

// Causal returns a causal graph replayed from the complete edge log.
func (l *Ledger) Causal(ctx context.Context) (*graph.CausalGraph, error) {
	edges, err := l.store.ListDiscoveryEdges(0)
	if err != nil {
		return nil, err
	}
	return graph.ReplayCausal(edges), nil
}

// withCausal runs fn on the ledger's cached graph after catching up on edges
// appended since the last call.
func (l *Ledger) withCausal(fn func(g *graph.CausalGraph)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	edges, err := l.store.ListDiscoveryEdges(l.causal.LastSeq())
	if err != nil {
		return err
	}
	l.causal.Replay(edges)
	fn(l.causal)
	return nil
}

// Chain returns the discovery edges leading to taskID, root first.
func (l *Ledger) Chain(ctx context.Context, taskID string) ([]models.DiscoveryEdge, error) {
	var chain []models.DiscoveryEdge
	err := l.withCausal(func(g *graph.CausalGraph) { chain = g.Chain(taskID) })
	return chain, err
}

// Descendants returns every task transitively spawned from taskID.
func (l *Ledger) Descendants(ctx context.Context, taskID string) ([]string, error) {
	var ids []string
	err := l.withCausal(func(g *graph.CausalGraph) { ids = g.Descendants(taskID) })
	return ids, err
}

// Workflow returns the ticket's tasks with their discovery edges.
func (l *Ledger) Workflow(ctx context.Context, ticketID string) (graph.Workflow, error) {
	tasks, err := l.store.ListTasks(state.TaskFilter{TicketID: ticketID})
	if err != nil {
		return graph.Workflow{}, err
	}
	var wf graph.Workflow
	err = l.withCausal(func(g *graph.CausalGraph) { wf = g.Workflow(ticketID, tasks) })
	return wf, err
}
