package validation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kivo360/omoios/internal/dispatch"
	"github.com/kivo360/omoios/internal/events"
	"github.com/kivo360/omoios/internal/graph"
	"github.com/kivo360/omoios/internal/logging"
	"github.com/kivo360/omoios/internal/metrics"
	"github.com/kivo360/omoios/internal/state"
	"github.com/kivo360/omoios/pkg/models"
)

// Authority is the issuer name on feedback interventions.
const Authority = "validation"

// ErrNoValidator is returned by spawners that have nobody to assign.
var ErrNoValidator = errors.New("no validator available")

// Store is the durable state the machine reads and writes.
type Store interface {
	state.TaskStore
	state.ReviewStore
}

// ValidatorSpawner assigns an independent validator to a task.
type ValidatorSpawner interface {
	SpawnValidator(ctx context.Context, task models.Task) (validatorID string, err error)
}

// ValidatorReleaser is implemented by spawners that hold a validator until
// its review is in.
type ValidatorReleaser interface {
	ReleaseValidator(validatorID string)
}

// Notifier delivers review feedback to the owning agent.
type Notifier interface {
	DispatchAsync(ctx context.Context, req dispatch.Request)
}

// Queue is the work queue new and returned tasks are pushed onto.
type Queue interface {
	Push(taskID string, p models.Priority)
	Remove(taskID string) bool
}

// Owners tracks which agent is working on which task in the fleet registry.
type Owners interface {
	Activate(agentID, taskID string) error
	ReleaseTask(agentID, taskID string) error
}

// Config holds the state machine's limits.
type Config struct {
	Retry RetryConfig
	// Timeout bounds how long a task may stay in validation_in_progress.
	Timeout time.Duration
	// SpawnTimeout bounds one validator spawn.
	SpawnTimeout time.Duration
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		Retry:        DefaultRetryConfig(),
		Timeout:      30 * time.Minute,
		SpawnTimeout: 2 * time.Minute,
	}
}

// ReviewInput is a validator's verdict for the current iteration.
type ReviewInput struct {
	ValidatorAgentID string
	Passed           bool
	Feedback         string
	Evidence         map[string]any
}

// Status is the validation view of one task.
type Status struct {
	Task      models.Task               `json:"task"`
	Reviews   []models.ValidationReview `json:"reviews"`
	Diagnosis *models.Task              `json:"diagnosis,omitempty"`
	Deadline  *time.Time                `json:"deadline,omitempty"`
}

// SweepResult reports what one Sweep did.
type SweepResult struct {
	Escalated int `json:"escalated"`
	Spawned   int `json:"spawned"`
}

// Machine is the validation state machine.
type Machine struct {
	store    Store
	spawner  ValidatorSpawner
	notifier Notifier
	queue    Queue
	owners   Owners
	bus      events.Publisher
	cfg      Config
	retry    *RetryHandler
	log      *logging.DebugLogger
	metrics  *metrics.Metrics
	now      func() time.Time

	locks *taskLocks

	timerMu sync.Mutex
	timers  map[string]*time.Timer
	closed  bool
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the debug logger.
func WithLogger(l *logging.DebugLogger) Option {
	return func(m *Machine) { m.log = l.With("validation") }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Machine) { m.metrics = mt }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithNotifier sets where review feedback is delivered.
func WithNotifier(n Notifier) Option {
	return func(m *Machine) { m.notifier = n }
}

// WithQueue sets the work queue for new tasks.
func WithQueue(q Queue) Option {
	return func(m *Machine) { m.queue = q }
}

// WithOwners sets the registry that follows task ownership. The owner is
// detached once its task leaves in_progress and attached again on rework.
func WithOwners(o Owners) Option {
	return func(m *Machine) { m.owners = o }
}

// New creates a Machine.
func New(store Store, spawner ValidatorSpawner, bus events.Publisher, cfg Config, opts ...Option) *Machine {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.SpawnTimeout <= 0 {
		cfg.SpawnTimeout = def.SpawnTimeout
	}
	if bus == nil {
		bus = events.Discard
	}
	m := &Machine{
		store:   store,
		spawner: spawner,
		bus:     bus,
		cfg:     cfg,
		retry:   NewRetryHandler(cfg.Retry),
		now:     time.Now,
		locks:   newTaskLocks(),
		timers:  make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewTask builds a pending task from spec. Ticket and priority are inherited
// from parent when the spec leaves them empty.
func NewTask(spec models.TaskSpec, kind models.TaskKind, parent *models.Task, now time.Time) *models.Task {
	t := &models.Task{
		ID:           uuid.New().String(),
		TicketID:     spec.TicketID,
		ParentTaskID: spec.ParentTaskID,
		Kind:         kind,
		Phase:        spec.Phase,
		Title:        strings.TrimSpace(spec.Title),
		Description:  spec.Description,
		Priority:     models.PriorityMedium,
		State:        models.TaskPending,
		DependsOn:    append([]string(nil), spec.DependsOn...),
		Iteration:    1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if parent != nil {
		t.ParentTaskID = parent.ID
		if t.TicketID == "" {
			t.TicketID = parent.TicketID
		}
		t.Priority = parent.Priority
	}
	if spec.Priority != nil {
		t.Priority = *spec.Priority
	}
	return t
}

// CreateTask creates an ordinary task. A child task may not be in an
// earlier phase than its parent.
func (m *Machine) CreateTask(ctx context.Context, spec models.TaskSpec) (*models.Task, error) {
	if strings.TrimSpace(spec.Title) == "" {
		return nil, models.Violate(models.CodeInvalidArgument, "task", "", "title is required")
	}

	var parent *models.Task
	if spec.ParentTaskID != "" {
		p, err := m.store.GetTask(spec.ParentTaskID)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, models.Violate(models.CodeTaskNotFound, "task", spec.ParentTaskID, "parent task does not exist")
		}
		if spec.Phase < p.Phase {
			return nil, models.Violate(models.CodePhaseOrder, "task", spec.ParentTaskID,
				"phase %d precedes parent phase %d", spec.Phase, p.Phase)
		}
		parent = p
	}
	for _, depID := range spec.DependsOn {
		dep, err := m.store.GetTask(depID)
		if err != nil {
			return nil, err
		}
		if dep == nil {
			return nil, models.Violate(models.CodeTaskNotFound, "task", depID, "dependency does not exist")
		}
	}

	t := NewTask(spec, models.TaskKindWork, parent, m.now().UTC())
	if err := m.insert(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (m *Machine) insert(t *models.Task) error {
	if err := m.store.CreateTask(t); err != nil {
		return err
	}
	m.bus.Publish(events.New(events.TaskCreated, events.EntityTask, t.ID, map[string]any{
		"kind":           string(t.Kind),
		"ticket_id":      t.TicketID,
		"parent_task_id": t.ParentTaskID,
		"phase":          t.Phase,
		"priority":       t.Priority.String(),
	}))
	if m.queue != nil {
		m.queue.Push(t.ID, t.Priority)
	}
	return nil
}

// Assign gives a pending task to an agent. Every dependency must be accepted.
func (m *Machine) Assign(ctx context.Context, taskID, agentID string) (*models.Task, error) {
	if agentID == "" {
		return nil, models.Violate(models.CodeInvalidArgument, "task", taskID, "agent is required")
	}
	unlock := m.locks.lock(taskID)
	defer unlock()

	t, err := m.load(taskID)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(t, models.TaskAssigned); err != nil {
		return nil, err
	}
	unmet, err := m.unmet(t)
	if err != nil {
		return nil, err
	}
	if len(unmet) > 0 {
		return nil, models.Violate(models.CodeDependenciesUnmet, "task", taskID,
			"dependencies not accepted: %s", strings.Join(unmet, ", "))
	}

	t.OwnerAgentID = agentID
	if err := m.transition(t, models.TaskAssigned); err != nil {
		return nil, err
	}
	return t, nil
}

// Start moves an assigned task into progress.
func (m *Machine) Start(ctx context.Context, taskID, agentID string) (*models.Task, error) {
	unlock := m.locks.lock(taskID)
	defer unlock()

	t, err := m.load(taskID)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(t, models.TaskInProgress); err != nil {
		return nil, err
	}
	if t.State != models.TaskAssigned {
		return nil, models.Violate(models.CodeIllegalTransition, "task", taskID,
			"start requires assigned, task is %s", t.State)
	}
	if t.OwnerAgentID != agentID {
		return nil, models.Violate(models.CodeInvalidArgument, "task", taskID, "task is owned by %q", t.OwnerAgentID)
	}
	if err := m.transition(t, models.TaskInProgress); err != nil {
		return nil, err
	}
	return t, nil
}

// ReportProgress records the owner's self-reported completion fraction.
func (m *Machine) ReportProgress(ctx context.Context, taskID, agentID string, progress float64) error {
	unlock := m.locks.lock(taskID)
	defer unlock()

	t, err := m.load(taskID)
	if err != nil {
		return err
	}
	if t.State.Terminal() {
		return models.Violate(models.CodeTaskTerminal, "task", taskID, "task is %s", t.State)
	}
	if t.OwnerAgentID != agentID {
		return models.Violate(models.CodeInvalidArgument, "task", taskID, "task is owned by %q", t.OwnerAgentID)
	}
	t.Progress = clamp01(progress)
	t.UpdatedAt = m.now().UTC()
	if err := m.store.UpdateTask(t); err != nil {
		return err
	}
	m.bus.Publish(events.New(events.TaskProgress, events.EntityTask, t.ID, map[string]any{
		"agent_id": agentID,
		"progress": t.Progress,
	}))
	return nil
}

// Complete records the owner's completion signal and starts validation.
// A failed validator spawn leaves the task under_review for the next Sweep.
func (m *Machine) Complete(ctx context.Context, taskID, agentID, artifactRef string) (*models.Task, error) {
	unlock := m.locks.lock(taskID)
	defer unlock()

	t, err := m.load(taskID)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(t, models.TaskUnderReview); err != nil {
		return nil, err
	}
	if t.OwnerAgentID == "" || t.OwnerAgentID != agentID {
		return nil, models.Violate(models.CodeCompletionNotByOwner, "task", taskID,
			"completion by %q, owner is %q", agentID, t.OwnerAgentID)
	}

	t.ArtifactRef = artifactRef
	t.Progress = 1
	if err := m.transition(t, models.TaskUnderReview); err != nil {
		return nil, err
	}

	if err := m.beginValidation(ctx, t); err != nil {
		m.log.Log("task %s stays under review: %v", t.ID, err)
	}
	return t, nil
}

// StartValidation spawns a validator for a task that is under review.
func (m *Machine) StartValidation(ctx context.Context, taskID string) (*models.Task, error) {
	unlock := m.locks.lock(taskID)
	defer unlock()

	t, err := m.load(taskID)
	if err != nil {
		return nil, err
	}
	if t.State != models.TaskUnderReview {
		return nil, models.Violate(models.CodeIllegalTransition, "task", taskID,
			"validation starts from under_review, task is %s", t.State)
	}
	if err := m.beginValidation(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (m *Machine) beginValidation(ctx context.Context, t *models.Task) error {
	sctx, cancel := context.WithTimeout(ctx, m.cfg.SpawnTimeout)
	defer cancel()

	validatorID, err := m.spawner.SpawnValidator(sctx, *t)
	if err != nil {
		return fmt.Errorf("spawn validator for %s: %w", t.ID, err)
	}
	if validatorID == "" {
		return fmt.Errorf("spawn validator for %s: %w", t.ID, ErrNoValidator)
	}
	if validatorID == t.OwnerAgentID {
		m.releaseValidator(validatorID)
		return models.Violate(models.CodeSelfValidation, "task", t.ID,
			"validator %q owns the task", validatorID)
	}

	started := m.now().UTC()
	t.ValidatorAgentID = validatorID
	t.ValidationStartedAt = &started
	if err := m.transition(t, models.TaskValidationInProgress); err != nil {
		m.releaseValidator(validatorID)
		return err
	}
	m.bus.Publish(events.New(events.ValidationStarted, events.EntityTask, t.ID, map[string]any{
		"validator_id": validatorID,
		"iteration":    t.Iteration,
	}))
	m.schedule(t.ID, started)
	return nil
}

// SubmitReview records the validator's verdict for the current iteration.
// Checks run before any write: self-review, then state, then the assigned validator.
func (m *Machine) SubmitReview(ctx context.Context, taskID string, in ReviewInput) (*models.ValidationReview, error) {
	if in.ValidatorAgentID == "" {
		return nil, models.Violate(models.CodeInvalidArgument, "task", taskID, "validator is required")
	}
	unlock := m.locks.lock(taskID)
	defer unlock()

	t, err := m.load(taskID)
	if err != nil {
		return nil, err
	}
	if in.ValidatorAgentID == t.OwnerAgentID {
		return nil, models.Violate(models.CodeSelfValidation, "task", taskID,
			"agent %q cannot review its own task", in.ValidatorAgentID)
	}
	if t.State != models.TaskValidationInProgress {
		return nil, models.Violate(models.CodeReviewStateInvalid, "task", taskID,
			"reviews are accepted in validation_in_progress, task is %s", t.State)
	}
	if in.ValidatorAgentID != t.ValidatorAgentID {
		return nil, models.Violate(models.CodeReviewNotAssignedValidator, "task", taskID,
			"assigned validator is %q", t.ValidatorAgentID)
	}

	review := &models.ValidationReview{
		ID:               uuid.New().String(),
		TaskID:           t.ID,
		Iteration:        t.Iteration,
		Passed:           in.Passed,
		Feedback:         in.Feedback,
		Evidence:         in.Evidence,
		ValidatorAgentID: in.ValidatorAgentID,
		CreatedAt:        m.now().UTC(),
	}
	if err := m.store.CreateReview(review); err != nil {
		return nil, err
	}
	m.bus.Publish(events.New(events.ValidationReviewSubmitted, events.EntityReview, review.ID, map[string]any{
		"task_id":      t.ID,
		"iteration":    review.Iteration,
		"passed":       review.Passed,
		"validator_id": review.ValidatorAgentID,
	}))
	m.cancelTimer(t.ID)
	m.releaseValidator(in.ValidatorAgentID)

	if in.Passed {
		err = m.accept(t)
	} else {
		err = m.fail(ctx, t, review)
	}
	if err != nil {
		return review, err
	}
	return review, nil
}

func (m *Machine) accept(t *models.Task) error {
	ok, err := m.store.HasPassingReview(t.ID, t.Iteration)
	if err != nil {
		return err
	}
	if !ok {
		return models.Violate(models.CodeAcceptWithoutPassingReview, "task", t.ID,
			"no passing review for iteration %d", t.Iteration)
	}
	t.ConsecutiveFailures = 0
	t.ValidationStartedAt = nil
	if err := m.transition(t, models.TaskAccepted); err != nil {
		return err
	}
	m.bus.Publish(events.New(events.ValidationPassed, events.EntityTask, t.ID, map[string]any{
		"iteration": t.Iteration,
	}))
	m.log.Log("task %s accepted on iteration %d", t.ID, t.Iteration)
	return nil
}

func (m *Machine) fail(ctx context.Context, t *models.Task, review *models.ValidationReview) error {
	t.ConsecutiveFailures++
	t.LastFeedback = review.Feedback
	t.ValidationStartedAt = nil

	out := m.retry.OnFailure(t.Iteration, t.ConsecutiveFailures)
	to := models.TaskNeedsWork
	if out.Escalate {
		to = models.TaskEscalated
	}
	if err := m.transition(t, to); err != nil {
		return err
	}
	m.bus.Publish(events.New(events.ValidationFailed, events.EntityTask, t.ID, map[string]any{
		"iteration":            t.Iteration,
		"consecutive_failures": t.ConsecutiveFailures,
		"escalated":            out.Escalate,
	}))

	reason := fmt.Sprintf("%d consecutive failing reviews.", t.ConsecutiveFailures)
	if out.Escalate {
		reason = fmt.Sprintf("Iteration limit %d reached.", t.Iteration)
		m.bus.Publish(events.New(events.ValidationEscalated, events.EntityTask, t.ID, map[string]any{
			"reason":    "iteration_limit",
			"iteration": t.Iteration,
		}))
	}

	var diagErr error
	if out.Diagnose {
		diagErr = m.diagnose(t, reason)
	}
	m.sendFeedback(ctx, t, review, out.Escalate)
	return diagErr
}

// diagnose spawns a root-cause task unless one is already open.
func (m *Machine) diagnose(t *models.Task, reason string) error {
	if t.DiagnosisTaskID != "" {
		open, err := m.store.GetTask(t.DiagnosisTaskID)
		if err != nil {
			return err
		}
		if open != nil && !open.State.Terminal() {
			return nil
		}
	}

	reviews, err := m.store.ListReviews(t.ID)
	if err != nil {
		return err
	}
	d := NewTask(diagnosisSpec(t, reviews, reason), models.TaskKindDiagnosis, t, m.now().UTC())
	if err := m.insert(d); err != nil {
		return fmt.Errorf("spawn diagnosis for %s: %w", t.ID, err)
	}
	m.bus.Publish(events.New(events.DiagnosisSpawned, events.EntityTask, d.ID, map[string]any{
		"parent_task_id": t.ID,
		"reason":         reason,
	}))

	t.DiagnosisTaskID = d.ID
	t.UpdatedAt = m.now().UTC()
	if err := m.store.UpdateTask(t); err != nil {
		return err
	}
	m.log.Log("spawned diagnosis %s for task %s: %s", d.ID, t.ID, reason)
	return nil
}

func (m *Machine) sendFeedback(ctx context.Context, t *models.Task, review *models.ValidationReview, escalated bool) {
	if m.notifier == nil || t.OwnerAgentID == "" {
		m.log.Log("feedback for task %s kept on the task only", t.ID)
		return
	}
	m.notifier.DispatchAsync(ctx, dispatch.Request{
		AgentID:  t.OwnerAgentID,
		Category: models.InterventionCorrection,
		Message:  BuildFeedback(t, review, escalated),
		Origin:   models.Origin{Authority: Authority},
	})
}

// FeedbackUndelivered is registered with the dispatcher as the handler for
// feedback that never reached its agent. The text stays readable through Status.
func (m *Machine) FeedbackUndelivered(iv models.Intervention) {
	m.log.Log("feedback %s to %s undelivered: %s", iv.ID, iv.AgentID, iv.FailureReason)
}

// Rework sends a needs_work task back into progress for its next iteration.
func (m *Machine) Rework(ctx context.Context, taskID, agentID string) (*models.Task, error) {
	unlock := m.locks.lock(taskID)
	defer unlock()

	t, err := m.load(taskID)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(t, models.TaskInProgress); err != nil {
		return nil, err
	}
	if t.State != models.TaskNeedsWork {
		return nil, models.Violate(models.CodeIllegalTransition, "task", taskID,
			"rework requires needs_work, task is %s", t.State)
	}
	if t.OwnerAgentID != agentID {
		return nil, models.Violate(models.CodeInvalidArgument, "task", taskID, "task is owned by %q", t.OwnerAgentID)
	}
	if m.owners != nil {
		if err := m.owners.Activate(agentID, t.ID); err != nil {
			return nil, err
		}
	}

	t.Iteration++
	t.ValidatorAgentID = ""
	if err := m.transition(t, models.TaskInProgress); err != nil {
		t.Iteration--
		m.releaseOwner(t)
		return nil, err
	}
	return t, nil
}

// Cancel abandons a task.
func (m *Machine) Cancel(ctx context.Context, taskID, reason string) (*models.Task, error) {
	unlock := m.locks.lock(taskID)
	defer unlock()

	t, err := m.load(taskID)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(t, models.TaskCancelled); err != nil {
		return nil, err
	}
	m.cancelTimer(t.ID)
	if t.State == models.TaskValidationInProgress {
		m.releaseValidator(t.ValidatorAgentID)
	}
	t.ValidationStartedAt = nil
	if err := m.transition(t, models.TaskCancelled); err != nil {
		return nil, err
	}
	if m.queue != nil {
		m.queue.Remove(t.ID)
	}
	m.log.Log("task %s cancelled: %s", t.ID, reason)
	return t, nil
}

// Release clears a task's owner so the work queue can hand it to someone
// else. The validation state is kept. It is the registry's requeue hook.
func (m *Machine) Release(ctx context.Context, taskID string) error {
	unlock := m.locks.lock(taskID)
	defer unlock()

	t, err := m.load(taskID)
	if err != nil {
		return err
	}
	if t.State.Terminal() {
		return models.Violate(models.CodeTaskTerminal, "task", taskID, "task is %s", t.State)
	}
	prev := t.OwnerAgentID
	t.OwnerAgentID = ""
	t.UpdatedAt = m.now().UTC()
	if err := m.store.UpdateTask(t); err != nil {
		return err
	}
	m.bus.Publish(events.New(events.TaskReleased, events.EntityTask, t.ID, map[string]any{
		"agent_id": prev,
		"state":    string(t.State),
	}))
	return nil
}

// Claim takes over a task popped from the work queue. Pending tasks are
// assigned; released tasks keep their state and get a new owner.
func (m *Machine) Claim(ctx context.Context, taskID, agentID string) (*models.Task, error) {
	t, err := m.load(taskID)
	if err != nil {
		return nil, err
	}
	if t.State == models.TaskPending {
		return m.Assign(ctx, taskID, agentID)
	}
	return m.reassign(taskID, agentID)
}

func (m *Machine) reassign(taskID, agentID string) (*models.Task, error) {
	unlock := m.locks.lock(taskID)
	defer unlock()

	t, err := m.load(taskID)
	if err != nil {
		return nil, err
	}
	if t.State.Terminal() {
		return nil, models.Violate(models.CodeTaskTerminal, "task", taskID, "task is %s", t.State)
	}
	if t.OwnerAgentID != "" {
		return nil, models.Violate(models.CodeInvalidArgument, "task", taskID, "task is owned by %q", t.OwnerAgentID)
	}
	if agentID == t.ValidatorAgentID {
		return nil, models.Violate(models.CodeSelfValidation, "task", taskID,
			"agent %q is validating the task", agentID)
	}
	t.OwnerAgentID = agentID
	t.UpdatedAt = m.now().UTC()
	if err := m.store.UpdateTask(t); err != nil {
		return nil, err
	}
	m.bus.Publish(events.New(events.TaskReassigned, events.EntityTask, t.ID, map[string]any{
		"agent_id": agentID,
		"state":    string(t.State),
	}))
	return t, nil
}

// Ready reports whether a queued task may be handed out: its dependencies
// are accepted, or it was already past pending when it was returned.
func (m *Machine) Ready(taskID string) bool {
	t, err := m.store.GetTask(taskID)
	if err != nil || t == nil || t.State.Terminal() {
		return false
	}
	if t.State != models.TaskPending {
		return true
	}
	unmet, err := m.unmet(t)
	return err == nil && len(unmet) == 0
}

// Status returns the task with its reviews and open diagnosis.
func (m *Machine) Status(ctx context.Context, taskID string) (*Status, error) {
	t, err := m.load(taskID)
	if err != nil {
		return nil, err
	}
	reviews, err := m.store.ListReviews(taskID)
	if err != nil {
		return nil, err
	}
	st := &Status{Task: *t, Reviews: reviews}
	if t.DiagnosisTaskID != "" {
		d, err := m.store.GetTask(t.DiagnosisTaskID)
		if err != nil {
			return nil, err
		}
		st.Diagnosis = d
	}
	if t.State == models.TaskValidationInProgress && t.ValidationStartedAt != nil {
		deadline := t.ValidationStartedAt.Add(m.cfg.Timeout)
		st.Deadline = &deadline
	}
	return st, nil
}

func (m *Machine) load(taskID string) (*models.Task, error) {
	t, err := m.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, models.Violate(models.CodeTaskNotFound, "task", taskID, "task does not exist")
	}
	return t, nil
}

// unmet returns the dependencies of t that are missing or not accepted.
func (m *Machine) unmet(t *models.Task) ([]string, error) {
	nodes := []*models.Task{t}
	var missing []string
	for _, depID := range t.DependsOn {
		dep, err := m.store.GetTask(depID)
		if err != nil {
			return nil, err
		}
		if dep == nil {
			missing = append(missing, depID)
			continue
		}
		dep.DependsOn = nil
		nodes = append(nodes, dep)
	}
	if len(missing) > 0 {
		return missing, nil
	}

	g := graph.New()
	g.SetLogger(m.log)
	if err := g.Build(nodes); err != nil {
		return nil, err
	}
	return g.Unmet(t.ID), nil
}

func (m *Machine) transition(t *models.Task, to models.TaskState) error {
	from := t.State
	t.State = to
	t.UpdatedAt = m.now().UTC()
	if err := m.store.UpdateTask(t); err != nil {
		t.State = from
		return err
	}
	m.metrics.Transition(string(to))
	m.bus.Publish(events.New(events.TaskStatusChanged, events.EntityTask, t.ID, map[string]any{
		"from":      string(from),
		"to":        string(to),
		"iteration": t.Iteration,
		"owner":     t.OwnerAgentID,
	}))
	m.log.Log("task %s: %s -> %s", t.ID, from, to)
	if to != models.TaskAssigned && to != models.TaskInProgress {
		m.releaseOwner(t)
	}
	return nil
}

// releaseOwner detaches the owner from the task in the registry. The owner
// stays recorded on the task for feedback and rework.
func (m *Machine) releaseOwner(t *models.Task) {
	if m.owners == nil || t.OwnerAgentID == "" {
		return
	}
	if err := m.owners.ReleaseTask(t.OwnerAgentID, t.ID); err != nil {
		m.log.Log("release owner %s of %s: %v", t.OwnerAgentID, t.ID, err)
	}
}

func (m *Machine) releaseValidator(validatorID string) {
	if r, ok := m.spawner.(ValidatorReleaser); ok && validatorID != "" {
		r.ReleaseValidator(validatorID)
	}
}

func checkTransition(t *models.Task, to models.TaskState) error {
	if t.State.Terminal() {
		return models.Violate(models.CodeTaskTerminal, "task", t.ID, "task is %s", t.State)
	}
	if !models.CanTransition(t.State, to) {
		return models.Violate(models.CodeIllegalTransition, "task", t.ID, "%s -> %s is not allowed", t.State, to)
	}
	return nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
