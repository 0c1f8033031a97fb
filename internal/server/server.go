// Package server exposes the monitoring core over HTTP: agents report
// heartbeats, activity, completions, reviews and discoveries; operators read
// coherence, trajectories and validation state; every bus event streams over
// a websocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/kivo360/omoios/internal/discovery"
	"github.com/kivo360/omoios/internal/dispatch"
	"github.com/kivo360/omoios/internal/events"
	"github.com/kivo360/omoios/internal/logging"
	"github.com/kivo360/omoios/internal/metrics"
	"github.com/kivo360/omoios/internal/monitor"
	"github.com/kivo360/omoios/internal/registry"
	"github.com/kivo360/omoios/internal/state"
	"github.com/kivo360/omoios/internal/validation"
	"github.com/kivo360/omoios/pkg/models"
)

// Inbox is implemented by session channels whose mailboxes agents poll.
type Inbox interface {
	Drain(sessionRef string) ([]dispatch.Message, error)
}

// Deps are the components the server fronts. Monitor, Inbox, OpenSession
// and Metrics are optional.
type Deps struct {
	Store      state.Store
	Registry   *registry.Registry
	Machine    *validation.Machine
	Ledger     *discovery.Ledger
	Dispatcher *dispatch.Dispatcher
	Bus        *events.Bus
	Monitor    *monitor.Scheduler
	Inbox      Inbox
	// OpenSession prepares the session channel for a newly registered agent.
	OpenSession func(sessionRef string) error
	Metrics     *metrics.Metrics
	Log         *logging.DebugLogger
}

// Server is the HTTP surface.
type Server struct {
	deps     Deps
	log      *logging.DebugLogger
	engine   *gin.Engine
	upgrader websocket.Upgrader
	http     *http.Server
	started  time.Time
}

// New builds the router.
func New(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		deps:   deps,
		log:    deps.Log.With("server"),
		engine: engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		started: time.Now(),
	}
	s.routes()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	r := s.engine
	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	r.GET("/events", s.handleEvents)

	agents := r.Group("/agents")
	{
		agents.GET("", s.handleListAgents)
		agents.POST("", s.handleRegisterAgent)
		agents.POST("/:id/heartbeat", s.handleHeartbeat)
		agents.POST("/:id/activity", s.handleActivity)
		agents.GET("/:id/inbox", s.handleInbox)
		agents.GET("/:id/trajectory", s.handleTrajectory)
		agents.POST("/:id/claim", s.handleClaim)
		agents.POST("/:id/interventions", s.handleIntervene)
	}

	tasks := r.Group("/tasks")
	{
		tasks.POST("", s.handleCreateTask)
		tasks.GET("/:id/validation", s.handleValidationStatus)
		tasks.POST("/:id/start", s.handleStart)
		tasks.POST("/:id/progress", s.handleProgress)
		tasks.POST("/:id/complete", s.handleComplete)
		tasks.POST("/:id/rework", s.handleRework)
		tasks.POST("/:id/reviews", s.handleReview)
		tasks.POST("/:id/cancel", s.handleCancel)
	}

	discoveries := r.Group("/discoveries")
	{
		discoveries.POST("", s.handleRecordDiscovery)
		discoveries.GET("", s.handleListDiscoveries)
		discoveries.GET("/:id", s.handleGetDiscovery)
		discoveries.POST("/:id/branch", s.handleBranch)
		discoveries.POST("/:id/resolve", s.handleResolve)
	}

	r.GET("/tickets/:id/workflow", s.handleWorkflow)
	r.GET("/coherence/latest", s.handleLatestCoherence)
	r.POST("/interventions/:id/retry", s.handleRetryIntervention)
	r.POST("/monitor/analyze", s.handleAnalyzeNow)
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Log("listening on %s", addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return <-errCh
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"agents":  s.deps.Registry.Count(),
		"queued":  s.deps.Registry.Queue().Len(),
		"bus_seq": s.deps.Bus.Seq(),
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"ticking": s.deps.Monitor != nil && s.deps.Monitor.Running(),
	})
}

// writeError maps violations to 404/409/422 and everything else to 500.
func writeError(c *gin.Context, err error) {
	c.JSON(errorBody(err))
}

func errorBody(err error) (int, gin.H) {
	var v *models.Violation
	if errors.As(err, &v) {
		return statusFor(v.Code), gin.H{"code": v.Code, "detail": v.Detail}
	}
	if errors.Is(err, monitor.ErrTickInFlight) {
		return http.StatusConflict, gin.H{"code": "TICK_IN_FLIGHT", "detail": err.Error()}
	}
	return http.StatusInternalServerError, gin.H{"code": "INTERNAL", "detail": err.Error()}
}

func statusFor(code string) int {
	switch code {
	case models.CodeTaskNotFound, models.CodeDiscoveryNotFound, models.CodeInterventionNotFound:
		return http.StatusNotFound
	case models.CodeInvalidArgument, models.CodeDiscoveryCategoryInvalid, models.CodeDiscoverySourceMissing:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusConflict
	}
}

// bind decodes the JSON body, answering 422 on failure.
func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		writeError(c, models.Violate(models.CodeInvalidArgument, "request", "", "invalid body: %v", err))
		return false
	}
	return true
}
