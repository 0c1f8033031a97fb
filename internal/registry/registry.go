// Package registry is the in-memory fleet registry and work queue the
// monitoring core reads from. It owns agents; the core only reads them,
// annotates them (quarantine) and hands tasks back to the queue.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kivo360/omoios/internal/events"
	"github.com/kivo360/omoios/internal/state"
	"github.com/kivo360/omoios/pkg/models"
)

// DefaultActivityCapacity bounds each agent's trailing activity log.
const DefaultActivityCapacity = 500

// Fleet is what the monitoring core needs from the work-queue / fleet registry.
type Fleet interface {
	// ActiveAgents returns agents currently executing a task.
	ActiveAgents(ctx context.Context) ([]models.Agent, error)
	// CurrentTask returns the agent's task, or nil if it has none.
	CurrentTask(ctx context.Context, agentID string) (*models.Task, error)
	// ReturnTask detaches the task from the agent and puts it back on the work queue.
	ReturnTask(ctx context.Context, agentID, taskID string) error
	// SessionRef returns the agent's live session reference.
	SessionRef(agentID string) (string, bool)
	// Quarantine isolates an agent. It is an annotation; the agent process is not touched.
	Quarantine(agentID, reason string) error
}

// RequeueFunc releases task ownership before the task is queued again.
type RequeueFunc func(ctx context.Context, taskID string) error

// Registry is the default Fleet implementation.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]*models.Agent
	activity map[string][]models.ActivityEntry
	capacity int

	queue   *WorkQueue
	tasks   state.TaskStore
	bus     events.Publisher
	requeue RequeueFunc
	now     func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithActivityCapacity sets how many activity entries are kept per agent.
func WithActivityCapacity(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.capacity = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithRequeue sets the hook called when a task is returned to the queue.
func WithRequeue(fn RequeueFunc) Option {
	return func(r *Registry) { r.requeue = fn }
}

// New creates an empty registry backed by the task store.
func New(tasks state.TaskStore, bus events.Publisher, opts ...Option) *Registry {
	if bus == nil {
		bus = events.Discard
	}
	r := &Registry{
		agents:   make(map[string]*models.Agent),
		activity: make(map[string][]models.ActivityEntry),
		capacity: DefaultActivityCapacity,
		queue:    NewWorkQueue(),
		tasks:    tasks,
		bus:      bus,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetRequeue sets the hook called when a task is returned to the queue.
func (r *Registry) SetRequeue(fn RequeueFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requeue = fn
}

// Queue returns the work queue.
func (r *Registry) Queue() *WorkQueue {
	return r.queue
}

// Register adds an agent to the registry in the registered state.
func (r *Registry) Register(a models.Agent) error {
	if a.ID == "" {
		return models.Violate(models.CodeInvalidArgument, "agent", "", "agent id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if a.State == "" {
		a.State = models.AgentRegistered
	}
	if a.RegisteredAt.IsZero() {
		a.RegisteredAt = r.now().UTC()
	}
	r.agents[a.ID] = &a
	return nil
}

// Unregister removes an agent and its activity log.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, agentID)
	delete(r.activity, agentID)
}

// Get returns a copy of an agent, or nil if it is not registered.
func (r *Registry) Get(agentID string) *models.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return nil
	}
	cp := *a
	return &cp
}

// All returns copies of every registered agent ordered by ID.
func (r *Registry) All() []models.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.filterLocked(func(*models.Agent) bool { return true })
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Activate marks the agent as executing taskID and starts its grace period.
func (r *Registry) Activate(agentID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, err := r.agentLocked(agentID)
	if err != nil {
		return err
	}
	if a.State == models.AgentQuarantined || a.State == models.AgentTerminated {
		return models.Violate(models.CodeInvalidArgument, "agent", agentID, "agent is %s", a.State)
	}
	if a.ReviewingTaskID != "" {
		return models.Violate(models.CodeInvalidArgument, "agent", agentID,
			"agent is validating task %s", a.ReviewingTaskID)
	}

	r.activateLocked(a)
	a.CurrentTaskID = taskID
	return nil
}

// AssignReview marks an idle agent as the validator of taskID. The agent
// is active but holds no task of its own.
func (r *Registry) AssignReview(agentID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, err := r.agentLocked(agentID)
	if err != nil {
		return err
	}
	if a.State == models.AgentQuarantined || a.State == models.AgentTerminated {
		return models.Violate(models.CodeInvalidArgument, "agent", agentID, "agent is %s", a.State)
	}
	if a.Busy() {
		return models.Violate(models.CodeInvalidArgument, "agent", agentID, "agent is busy")
	}

	r.activateLocked(a)
	a.ReviewingTaskID = taskID
	return nil
}

func (r *Registry) activateLocked(a *models.Agent) {
	now := r.now().UTC()
	a.State = models.AgentActive
	a.ActivatedAt = now
	a.LastHeartbeat = now
}

// Release detaches the agent from its task or review and marks it idle.
func (r *Registry) Release(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, err := r.agentLocked(agentID)
	if err != nil {
		return err
	}
	r.idleLocked(a)
	return nil
}

// ReleaseTask detaches the agent only if it is still working on taskID.
func (r *Registry) ReleaseTask(agentID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, err := r.agentLocked(agentID)
	if err != nil {
		return err
	}
	if a.CurrentTaskID == taskID {
		r.idleLocked(a)
	}
	return nil
}

func (r *Registry) idleLocked(a *models.Agent) {
	a.CurrentTaskID = ""
	a.ReviewingTaskID = ""
	if a.State == models.AgentActive {
		a.State = models.AgentIdle
	}
}

// Terminate marks the agent as ended and drops its session reference.
func (r *Registry) Terminate(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, err := r.agentLocked(agentID)
	if err != nil {
		return err
	}
	a.State = models.AgentTerminated
	a.SessionRef = ""
	return nil
}

// AttachSession records the agent's live session reference.
func (r *Registry) AttachSession(agentID, sessionRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, err := r.agentLocked(agentID)
	if err != nil {
		return err
	}
	a.SessionRef = sessionRef
	return nil
}

// Heartbeat refreshes the agent's liveness timestamp.
func (r *Registry) Heartbeat(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, err := r.agentLocked(agentID)
	if err != nil {
		return err
	}
	a.LastHeartbeat = r.now().UTC()
	return nil
}

// RecordActivity appends to the agent's bounded activity log and publishes it.
// The returned event attributes the entry to the task the agent owns, or the
// one it is reviewing.
func (r *Registry) RecordActivity(agentID string, entry models.ActivityEntry) (events.Event, error) {
	r.mu.Lock()
	a, err := r.agentLocked(agentID)
	if err != nil {
		r.mu.Unlock()
		return events.Event{}, err
	}
	if entry.At.IsZero() {
		entry.At = r.now().UTC()
	}
	a.LastHeartbeat = entry.At

	log := append(r.activity[agentID], entry)
	if len(log) > r.capacity {
		log = append([]models.ActivityEntry(nil), log[len(log)-r.capacity:]...)
	}
	r.activity[agentID] = log
	taskID := a.CurrentTaskID
	if taskID == "" {
		taskID = a.ReviewingTaskID
	}
	r.mu.Unlock()

	return r.bus.Publish(events.New(events.AgentActivity, events.EntityAgent, agentID, map[string]any{
		"task_id": taskID,
		"kind":    entry.Kind,
		"text":    entry.Text,
	})), nil
}

// Window returns up to n of the agent's most recent activity entries, oldest first.
func (r *Registry) Window(ctx context.Context, agentID string, n int) ([]models.ActivityEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.agents[agentID]; !ok {
		return nil, fmt.Errorf("agent %s not registered", agentID)
	}
	log := r.activity[agentID]
	if n > 0 && len(log) > n {
		log = log[len(log)-n:]
	}
	return append([]models.ActivityEntry(nil), log...), nil
}

// ActiveAgents returns agents in the active state ordered by ID.
func (r *Registry) ActiveAgents(ctx context.Context) ([]models.Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.filterLocked(func(a *models.Agent) bool { return a.State == models.AgentActive }), nil
}

// CurrentTask returns the agent's current task, or nil if it has none.
func (r *Registry) CurrentTask(ctx context.Context, agentID string) (*models.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	a, ok := r.agents[agentID]
	var taskID string
	if ok {
		taskID = a.CurrentTaskID
	}
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("agent %s not registered", agentID)
	}
	if taskID == "" {
		return nil, nil
	}
	return r.tasks.GetTask(taskID)
}

// ReturnTask detaches taskID from the agent, releases its ownership and queues it again.
func (r *Registry) ReturnTask(ctx context.Context, agentID, taskID string) error {
	r.mu.Lock()
	a, err := r.agentLocked(agentID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if a.CurrentTaskID != taskID {
		r.mu.Unlock()
		return models.Violate(models.CodeInvalidArgument, "agent", agentID,
			"agent is not working on task %s", taskID)
	}
	r.idleLocked(a)
	requeue := r.requeue
	r.mu.Unlock()

	if requeue != nil {
		if err := requeue(ctx, taskID); err != nil {
			return fmt.Errorf("release task %s: %w", taskID, err)
		}
	}

	task, err := r.tasks.GetTask(taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return models.Violate(models.CodeTaskNotFound, "task", taskID, "task does not exist")
	}
	r.queue.Push(task.ID, task.Priority)
	return nil
}

// SessionRef returns the agent's live session reference.
// Terminated agents and agents without a session have none.
func (r *Registry) SessionRef(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[agentID]
	if !ok || a.State == models.AgentTerminated || a.SessionRef == "" {
		return "", false
	}
	return a.SessionRef, true
}

// Quarantine isolates an agent so it receives no new work and is not analysed.
func (r *Registry) Quarantine(agentID, reason string) error {
	r.mu.Lock()
	a, err := r.agentLocked(agentID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	a.State = models.AgentQuarantined
	a.QuarantineReason = reason
	r.mu.Unlock()

	r.bus.Publish(events.New(events.AgentQuarantined, events.EntityAgent, agentID, map[string]any{
		"reason": reason,
	}))
	return nil
}

// Claim pops the highest-priority ready task for the agent.
func (r *Registry) Claim(ready func(taskID string) bool) (string, bool) {
	return r.queue.PopReady(ready)
}

func (r *Registry) agentLocked(agentID string) (*models.Agent, error) {
	a, ok := r.agents[agentID]
	if !ok {
		return nil, models.Violate(models.CodeInvalidArgument, "agent", agentID, "agent is not registered")
	}
	return a, nil
}

func (r *Registry) filterLocked(keep func(*models.Agent) bool) []models.Agent {
	out := make([]models.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		if keep(a) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Compile-time verification that Registry implements Fleet.
var _ Fleet = (*Registry)(nil)
