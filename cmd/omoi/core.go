package main

import (
	"context"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/kivo360/omoios/internal/api"
	"github.com/kivo360/omoios/internal/conductor"
	"github.com/kivo360/omoios/internal/config"
	"github.com/kivo360/omoios/internal/discovery"
	"github.com/kivo360/omoios/internal/dispatch"
	"github.com/kivo360/omoios/internal/events"
	"github.com/kivo360/omoios/internal/guardian"
	"github.com/kivo360/omoios/internal/logging"
	"github.com/kivo360/omoios/internal/metrics"
	"github.com/kivo360/omoios/internal/monitor"
	"github.com/kivo360/omoios/internal/registry"
	"github.com/kivo360/omoios/internal/server"
	"github.com/kivo360/omoios/internal/state"
	"github.com/kivo360/omoios/internal/validation"
	"github.com/kivo360/omoios/pkg/models"
)

// staleInterventionAge is how old a queued intervention must be at startup
// before it is treated as interrupted.
const staleInterventionAge = 30 * time.Second

// core holds the assembled monitoring core.
type core struct {
	cfg        *config.Config
	log        *logging.DebugLogger
	db         *state.DB
	bus        *events.Bus
	metrics    *metrics.Metrics
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	machine    *validation.Machine
	ledger     *discovery.Ledger
	conductor  *conductor.Conductor
	guardian   *guardian.Guardian
	monitor    *monitor.Scheduler
	server     *server.Server
	claude     *api.Client

	openSession func(sessionRef string) error
	closers     []func()
}

// buildCore opens the store and wires every component. Nothing runs until start.
func buildCore(cfg *config.Config, log *logging.DebugLogger) (_ *core, retErr error) {
	c := &core{cfg: cfg, log: log}
	defer func() {
		if retErr != nil {
			c.close()
		}
	}()

	db, err := state.OpenDriver(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	c.db = db
	c.closers = append(c.closers, func() { db.Close() })
	if err := db.Migrate(); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	if cfg.Metrics.Enabled {
		c.metrics = metrics.New()
	}
	c.bus = events.NewBus(
		events.WithLogger(log),
		events.WithDropHook(func(events.Event) { c.metrics.EventDropped() }),
	)
	c.closers = append(c.closers, c.bus.Close)

	c.registry = registry.New(db, c.bus)

	channel, inbox, err := c.sessionChannel()
	if err != nil {
		return nil, err
	}
	c.dispatcher = dispatch.New(db, c.registry, channel, c.bus,
		dispatch.WithLogger(log),
		dispatch.WithMetrics(c.metrics),
	)

	vcfg := validation.DefaultConfig()
	vcfg.Retry.MaxIterations = cfg.Validation.MaxIterations
	vcfg.Retry.FailuresForDiagnosis = cfg.Validation.ConsecutiveFailuresForDiagnosis
	vcfg.Timeout = cfg.Validation.Timeout
	vcfg.SpawnTimeout = cfg.Validation.SpawnTimeout
	c.machine = validation.New(db, validation.NewPoolSpawner(c.registry, 0), c.bus, vcfg,
		validation.WithLogger(log),
		validation.WithMetrics(c.metrics),
		validation.WithNotifier(c.dispatcher),
		validation.WithQueue(c.registry.Queue()),
		validation.WithOwners(c.registry),
	)
	c.closers = append(c.closers, c.machine.Close)
	c.registry.SetRequeue(c.machine.Release)

	c.ledger = discovery.New(db, c.bus,
		discovery.WithLogger(log),
		discovery.WithQueue(c.registry.Queue()),
	)

	scorer, similarity, err := c.strategies()
	if err != nil {
		return nil, err
	}

	c.conductor, err = conductor.New(similarity, db, c.registry, c.dispatcher, c.bus, conductor.Config{
		SimilarityThreshold: cfg.Conductor.SimilarityThreshold,
		ProgressTolerance:   cfg.Conductor.ProgressTolerance,
		DuplicateMemory:     cfg.Conductor.DuplicateMemory,
	}, conductor.WithLogger(log), conductor.WithMetrics(c.metrics))
	if err != nil {
		return nil, fmt.Errorf("create conductor: %w", err)
	}

	c.dispatcher.RegisterAuthority("conductor", c.conductor.NoteFailedIntervention)
	c.dispatcher.RegisterAuthority("validation", c.machine.FeedbackUndelivered)

	c.guardian = guardian.New(scorer, c.registry, db, guardian.Config{
		SteeringThreshold:  cfg.Guardian.SteeringThreshold,
		DriftDelta:         cfg.Guardian.DriftDelta,
		DriftWindow:        cfg.Guardian.DriftWindow,
		EmergencyThreshold: cfg.Guardian.EmergencyThreshold,
		WindowSize:         cfg.Monitor.ActivityWindow,
		HistoryDepth:       cfg.Monitor.HistoryDepth,
	}, guardian.WithLogger(log), guardian.WithMetrics(c.metrics))

	c.monitor = monitor.New(c.registry, c.guardian, c.conductor, db, c.bus, monitor.Config{
		Interval:       cfg.Monitor.Interval,
		GracePeriod:    cfg.Monitor.GracePeriod,
		AgentTimeout:   cfg.Monitor.AgentTimeout,
		FanoutDeadline: cfg.Monitor.FanoutDeadline,
	},
		monitor.WithSweeper(c.machine),
		monitor.WithLogger(log),
		monitor.WithMetrics(c.metrics),
	)
	c.closers = append(c.closers, c.monitor.Stop)

	c.server = server.New(server.Deps{
		Store:       db,
		Registry:    c.registry,
		Machine:     c.machine,
		Ledger:      c.ledger,
		Dispatcher:  c.dispatcher,
		Bus:         c.bus,
		Monitor:     c.monitor,
		Inbox:       inbox,
		OpenSession: c.openSession,
		Metrics:     c.metrics,
		Log:         log,
	})
	return c, nil
}

// sessionChannel builds the configured intervention transport. Only the
// in-memory mailbox can be drained over HTTP; file inboxes are read by
// the agent itself (see 'omoi watch').
func (c *core) sessionChannel() (dispatch.SessionChannel, server.Inbox, error) {
	switch c.cfg.Dispatch.Mode {
	case "file":
		fc, err := dispatch.NewFileChannel(c.cfg.Dispatch.InboxDir)
		if err != nil {
			return nil, nil, err
		}
		c.openSession = fc.Open
		return fc, nil, nil
	default:
		mc := dispatch.NewMailboxChannel(c.cfg.Dispatch.MailboxSize)
		c.openSession = func(ref string) error {
			mc.Open(ref)
			return nil
		}
		return mc, mc, nil
	}
}

// strategies picks the alignment scorer and duplicate similarity.
func (c *core) strategies() (guardian.Scorer, conductor.Similarity, error) {
	var (
		scorer     guardian.Scorer     = guardian.NewKeywordScorer()
		similarity conductor.Similarity = conductor.NewLexicalSimilarity()
	)
	if !c.cfg.NeedsClaude() {
		return scorer, similarity, nil
	}

	client, err := newClaudeClient(c.cfg)
	if err != nil {
		return nil, nil, err
	}
	c.claude = client
	if c.cfg.Guardian.Scorer == "claude" {
		scorer = api.NewAlignmentScorer(client)
	}
	if c.cfg.Conductor.Similarity == "claude" {
		similarity = api.NewClaudeSimilarity(client)
	}
	return scorer, similarity, nil
}

func newClaudeClient(cfg *config.Config) (*api.Client, error) {
	cc := api.ClientConfig{
		Model:         anthropic.Model(cfg.Anthropic.Model),
		UseAWSBedrock: cfg.Anthropic.UseBedrock,
		AWSRegion:     cfg.Anthropic.AWSRegion,
	}
	if !cfg.Anthropic.UseBedrock {
		key, err := config.GetAPIKey(cfg)
		if err != nil {
			return nil, fmt.Errorf("claude strategy selected: %w", err)
		}
		cc.APIKey = key
	}
	client, err := api.NewClient(cc)
	if err != nil {
		return nil, fmt.Errorf("create Claude client: %w", err)
	}
	return client, nil
}

// recoverInterrupted settles interventions a previous process left queued and hands
// them to their issuers, then sweeps validation state.
func (c *core) recoverInterrupted(ctx context.Context) error {
	rm := state.NewRecoveryManager(c.db)
	report, err := rm.CheckForInterrupted(staleInterventionAge)
	if err != nil {
		return fmt.Errorf("check interrupted work: %w", err)
	}
	if report.Empty() {
		return nil
	}

	settled, err := rm.FailStaleInterventions(report)
	if err != nil {
		return err
	}
	for _, iv := range settled {
		switch iv.Origin.Issuer() {
		case "conductor":
			c.conductor.NoteFailedIntervention(iv)
		case "validation":
			c.machine.FeedbackUndelivered(iv)
		}
	}

	res, err := c.machine.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep validation: %w", err)
	}
	c.log.Log("recovered: %d stale interventions, %d validations, %d under review (escalated %d, spawned %d)",
		len(settled), len(report.PendingValidations), len(report.UnderReview), res.Escalated, res.Spawned)
	return nil
}

// seedFleet registers the fleet file's agents and, on an empty store,
// creates its tasks. Task ids in the file are local names for depends_on.
func (c *core) seedFleet(ctx context.Context, seed *registry.Seed) error {
	for _, a := range seed.Agents {
		if err := c.registry.Register(models.Agent{ID: a.ID}); err != nil {
			return err
		}
		if a.SessionRef == "" {
			continue
		}
		if err := c.openSession(a.SessionRef); err != nil {
			return fmt.Errorf("open session for %s: %w", a.ID, err)
		}
		if err := c.registry.AttachSession(a.ID, a.SessionRef); err != nil {
			return err
		}
	}

	existing, err := c.db.ListTasks(state.TaskFilter{Limit: 1})
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		c.log.Log("store already has tasks, skipping %d seed tasks", len(seed.Tasks))
		return nil
	}

	ordered, err := seed.Order()
	if err != nil {
		return err
	}
	ids := make(map[string]string, len(ordered))
	for _, st := range ordered {
		spec := st.Spec()
		spec.DependsOn = make([]string, len(st.DependsOn))
		for j, dep := range st.DependsOn {
			spec.DependsOn[j] = ids[dep]
		}
		task, err := c.machine.CreateTask(ctx, spec)
		if err != nil {
			return fmt.Errorf("seed task %q: %w", st.Title, err)
		}
		if st.ID != "" {
			ids[st.ID] = task.ID
		}
	}
	return nil
}

// start runs the monitoring loop until ctx ends.
func (c *core) start(ctx context.Context) error {
	return c.monitor.Start(ctx)
}

func (c *core) close() {
	if c.dispatcher != nil {
		c.dispatcher.Wait()
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}
