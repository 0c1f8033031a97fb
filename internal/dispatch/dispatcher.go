// Package dispatch delivers interventions into running agent sessions.
// Delivery only enqueues into the session's mailbox; it never pauses or
// interrupts the agent. Each Intervention record is attempted at most once.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kivo360/omoios/internal/events"
	"github.com/kivo360/omoios/internal/logging"
	"github.com/kivo360/omoios/internal/metrics"
	"github.com/kivo360/omoios/internal/state"
	"github.com/kivo360/omoios/pkg/models"
)

// DefaultSendTimeout bounds one delivery attempt.
const DefaultSendTimeout = 10 * time.Second

// Sessions resolves agents to live sessions. The fleet registry implements it.
type Sessions interface {
	SessionRef(agentID string) (string, bool)
	Quarantine(agentID, reason string) error
}

// Request asks for one intervention to be created and delivered.
type Request struct {
	AgentID  string
	Category models.InterventionCategory
	Message  string
	Origin   models.Origin
}

// FailureHandler is told about interventions that could not be delivered.
type FailureHandler func(iv models.Intervention)

// Dispatcher creates intervention records and delivers them.
type Dispatcher struct {
	store    state.InterventionStore
	sessions Sessions
	channel  SessionChannel
	bus      events.Publisher
	log      *logging.DebugLogger
	metrics  *metrics.Metrics
	timeout  time.Duration
	now      func() time.Time

	attempted sync.Map

	mu          sync.RWMutex
	authorities map[string]FailureHandler

	wg sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the debug logger.
func WithLogger(l *logging.DebugLogger) Option {
	return func(d *Dispatcher) { d.log = l.With("dispatch") }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithSendTimeout bounds one delivery attempt.
func WithSendTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a Dispatcher.
func New(store state.InterventionStore, sessions Sessions, channel SessionChannel, bus events.Publisher, opts ...Option) *Dispatcher {
	if bus == nil {
		bus = events.Discard
	}
	d := &Dispatcher{
		store:       store,
		sessions:    sessions,
		channel:     channel,
		bus:         bus,
		timeout:     DefaultSendTimeout,
		now:         time.Now,
		authorities: make(map[string]FailureHandler),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RegisterAuthority routes delivery failures of interventions issued by
// name back to fn.
func (d *Dispatcher) RegisterAuthority(name string, fn FailureHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.authorities[name] = fn
}

// Dispatch creates a queued intervention and attempts delivery.
// A delivery failure is recorded on the returned record, not returned as an error.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*models.Intervention, error) {
	return d.dispatch(ctx, req, "")
}

// DispatchAsync is Dispatch without waiting. Outcomes are observed on the bus.
func (d *Dispatcher) DispatchAsync(ctx context.Context, req Request) {
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if _, err := d.Dispatch(ctx, req); err != nil {
			d.log.Log("async dispatch to %s rejected: %v", req.AgentID, err)
		}
	}()
}

// Wait blocks until every DispatchAsync call has settled.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Retry creates a fresh intervention copying a failed one and delivers it.
// The failed record is never resent.
func (d *Dispatcher) Retry(ctx context.Context, failedID string) (*models.Intervention, error) {
	prev, err := d.store.GetIntervention(failedID)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return nil, models.Violate(models.CodeInterventionNotFound, "intervention", failedID, "intervention does not exist")
	}
	if prev.Outcome != models.DeliveryFailed {
		return nil, models.Violate(models.CodeInvalidArgument, "intervention", failedID,
			"only failed interventions can be retried (outcome %s)", prev.Outcome)
	}
	return d.dispatch(ctx, Request{
		AgentID:  prev.AgentID,
		Category: prev.Category,
		Message:  prev.Message,
		Origin:   prev.Origin,
	}, prev.ID)
}

// Deliver attempts delivery of an existing queued record. It succeeds at most
// once per record; later calls fail with INTERVENTION_ALREADY_ATTEMPTED.
func (d *Dispatcher) Deliver(ctx context.Context, id string) (*models.Intervention, error) {
	iv, err := d.store.GetIntervention(id)
	if err != nil {
		return nil, err
	}
	if iv == nil {
		return nil, models.Violate(models.CodeInterventionNotFound, "intervention", id, "intervention does not exist")
	}
	if iv.Outcome != models.DeliveryQueued {
		return nil, models.Violate(models.CodeInterventionAttempted, "intervention", id,
			"delivery already attempted (outcome %s)", iv.Outcome)
	}
	return d.deliver(ctx, iv)
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request, retryOf string) (*models.Intervention, error) {
	if req.AgentID == "" {
		return nil, models.Violate(models.CodeInterventionTargetMissing, "intervention", "", "target agent is required")
	}
	if !req.Category.Valid() {
		return nil, models.Violate(models.CodeInvalidArgument, "intervention", "", "unknown category %q", req.Category)
	}
	if req.Message == "" {
		return nil, models.Violate(models.CodeInvalidArgument, "intervention", "", "message is required")
	}

	iv := &models.Intervention{
		ID:        uuid.New().String(),
		AgentID:   req.AgentID,
		Category:  req.Category,
		Message:   req.Message,
		Origin:    req.Origin,
		Outcome:   models.DeliveryQueued,
		RetryOf:   retryOf,
		CreatedAt: d.now().UTC(),
	}
	if err := d.store.CreateIntervention(iv); err != nil {
		return nil, fmt.Errorf("create intervention: %w", err)
	}
	d.bus.Publish(events.New(events.InterventionQueued, events.EntityIntervention, iv.ID, map[string]any{
		"agent_id": iv.AgentID,
		"category": string(iv.Category),
		"issuer":   iv.Origin.Issuer(),
		"retry_of": iv.RetryOf,
	}))

	return d.deliver(ctx, iv)
}

func (d *Dispatcher) deliver(ctx context.Context, iv *models.Intervention) (*models.Intervention, error) {
	if _, loaded := d.attempted.LoadOrStore(iv.ID, struct{}{}); loaded {
		return nil, models.Violate(models.CodeInterventionAttempted, "intervention", iv.ID, "delivery already attempted")
	}

	sendErr := d.send(ctx, iv)

	outcome := models.DeliveryDelivered
	reason := ""
	if sendErr != nil {
		outcome = models.DeliveryFailed
		reason = sendErr.Error()
	}

	settled, err := d.store.SettleIntervention(iv.ID, outcome, reason)
	if err != nil {
		return nil, fmt.Errorf("settle intervention: %w", err)
	}
	if !settled {
		return nil, models.Violate(models.CodeInterventionAttempted, "intervention", iv.ID, "outcome already settled")
	}
	now := d.now().UTC()
	iv.Outcome = outcome
	iv.FailureReason = reason
	iv.SettledAt = &now
	d.metrics.Intervention(string(outcome))

	if outcome == models.DeliveryDelivered {
		d.log.Log("delivered %s intervention %s to %s", iv.Category, iv.ID, iv.AgentID)
		d.bus.Publish(events.New(events.InterventionDelivered, events.EntityIntervention, iv.ID, map[string]any{
			"agent_id": iv.AgentID,
			"category": string(iv.Category),
		}))
		return iv, nil
	}

	d.log.Log("intervention %s to %s failed: %s", iv.ID, iv.AgentID, reason)
	d.bus.Publish(events.New(events.InterventionFailed, events.EntityIntervention, iv.ID, map[string]any{
		"agent_id": iv.AgentID,
		"category": string(iv.Category),
		"issuer":   iv.Origin.Issuer(),
		"reason":   reason,
	}))
	d.resurface(*iv)

	if iv.Category == models.InterventionEmergency {
		if err := d.sessions.Quarantine(iv.AgentID, "emergency intervention undeliverable: "+reason); err != nil {
			d.log.Log("quarantine %s failed: %v", iv.AgentID, err)
		}
	}
	return iv, nil
}

func (d *Dispatcher) send(ctx context.Context, iv *models.Intervention) error {
	ref, ok := d.sessions.SessionRef(iv.AgentID)
	if !ok {
		return ErrNoSession
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	handle, err := d.channel.Resume(ctx, ref)
	if err != nil {
		return err
	}
	return handle.SendMessage(ctx, FormatMessage(iv))
}

func (d *Dispatcher) resurface(iv models.Intervention) {
	d.mu.RLock()
	fn := d.authorities[iv.Origin.Issuer()]
	d.mu.RUnlock()
	if fn != nil {
		fn(iv)
	}
}

// FormatMessage renders an intervention as the text placed in the mailbox.
func FormatMessage(iv *models.Intervention) string {
	return fmt.Sprintf("[%s from %s] %s", iv.Category, iv.Origin.Issuer(), iv.Message)
}
