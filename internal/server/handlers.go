package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kivo360/omoios/internal/discovery"
	"github.com/kivo360/omoios/internal/dispatch"
	"github.com/kivo360/omoios/internal/guardian"
	"github.com/kivo360/omoios/internal/validation"
	"github.com/kivo360/omoios/pkg/models"
)

type registerRequest struct {
	ID         string `json:"id" binding:"required"`
	SessionRef string `json:"session_ref"`
}

type activityRequest struct {
	Kind string `json:"kind"`
	Text string `json:"text" binding:"required"`
}

type agentRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
}

type progressRequest struct {
	AgentID  string  `json:"agent_id" binding:"required"`
	Progress float64 `json:"progress"`
}

type completeRequest struct {
	AgentID     string `json:"agent_id" binding:"required"`
	ArtifactRef string `json:"artifact_ref"`
}

type reviewRequest struct {
	ValidatorAgentID string         `json:"validator_agent_id"`
	Passed           *bool          `json:"passed" binding:"required"`
	Feedback         string         `json:"feedback"`
	Evidence         map[string]any `json:"evidence"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type createTaskRequest struct {
	discovery.BranchRequest
	TicketID     string `json:"ticket_id"`
	ParentTaskID string `json:"parent_task_id"`
}

type resolveRequest struct {
	Status models.DiscoveryStatus `json:"status" binding:"required"`
}

type interveneRequest struct {
	Category models.InterventionCategory `json:"category" binding:"required"`
	Message  string                      `json:"message" binding:"required"`
}

type analyzeRequest struct {
	AgentIDs []string `json:"agent_ids"`
}

func (s *Server) handleListAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": s.deps.Registry.All()})
}

func (s *Server) handleRegisterAgent(c *gin.Context) {
	var req registerRequest
	if !bind(c, &req) {
		return
	}
	if err := s.deps.Registry.Register(models.Agent{ID: req.ID}); err != nil {
		writeError(c, err)
		return
	}
	if req.SessionRef != "" {
		if s.deps.OpenSession != nil {
			if err := s.deps.OpenSession(req.SessionRef); err != nil {
				writeError(c, err)
				return
			}
		}
		if err := s.deps.Registry.AttachSession(req.ID, req.SessionRef); err != nil {
			writeError(c, err)
			return
		}
	}
	s.log.Log("registered agent %s (session %q)", req.ID, req.SessionRef)
	c.JSON(http.StatusCreated, s.deps.Registry.Get(req.ID))
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	if err := s.deps.Registry.Heartbeat(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleActivity(c *gin.Context) {
	var req activityRequest
	if !bind(c, &req) {
		return
	}
	entry := models.ActivityEntry{At: time.Now().UTC(), Kind: req.Kind, Text: req.Text}
	ev, err := s.deps.Registry.RecordActivity(c.Param("id"), entry)
	if err != nil {
		writeError(c, err)
		return
	}
	if req.Kind != discovery.ActivityKind || s.deps.Ledger == nil {
		c.Status(http.StatusAccepted)
		return
	}

	// Discoveries are recorded before replying so the agent sees a rejection.
	d, task, err := s.deps.Ledger.HandleActivity(c.Request.Context(), ev)
	if err != nil && d == nil {
		writeError(c, err)
		return
	}
	resp := gin.H{"discovery": d}
	if task != nil {
		resp["task"] = task
	}
	if err != nil {
		// Recorded but not branched: the agent must not resend the report.
		_, resp["branch_error"] = errorBody(err)
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) handleInbox(c *gin.Context) {
	if s.deps.Inbox == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"code": "INBOX_UNAVAILABLE", "detail": "session channel has no pollable inbox"})
		return
	}
	ref, ok := s.deps.Registry.SessionRef(c.Param("id"))
	if !ok {
		writeError(c, models.Violate(models.CodeInterventionTargetMissing, "agent", c.Param("id"), "agent has no live session"))
		return
	}
	msgs, err := s.deps.Inbox.Drain(ref)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (s *Server) handleTrajectory(c *gin.Context) {
	agentID := c.Param("id")
	limit := queryInt(c, "limit", 20)

	snaps, err := s.deps.Store.ListTrajectoriesByAgent(agentID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := gin.H{"agent_id": agentID, "snapshots": snaps}
	if len(snaps) > 0 {
		ivs, err := s.deps.Store.ListInterventionsByAgent(agentID, 0)
		if err != nil {
			writeError(c, err)
			return
		}
		cutoff := time.Now().Add(-time.Hour)
		recent := 0
		for _, iv := range ivs {
			if iv.CreatedAt.After(cutoff) {
				recent++
			}
		}
		if health, ok := guardian.HealthScore(snaps[0], recent); ok {
			resp["health"] = health
		}
		resp["recent_interventions"] = recent
	}
	c.JSON(http.StatusOK, resp)
}

// handleClaim hands the agent the next ready task from the work queue.
func (s *Server) handleClaim(c *gin.Context) {
	agentID := c.Param("id")
	a := s.deps.Registry.Get(agentID)
	if a == nil {
		writeError(c, models.Violate(models.CodeInvalidArgument, "agent", agentID, "agent is not registered"))
		return
	}
	if a.ReviewingTaskID != "" {
		writeError(c, models.Violate(models.CodeInvalidArgument, "agent", agentID,
			"agent is validating task %s", a.ReviewingTaskID))
		return
	}
	taskID, ok := s.deps.Registry.Claim(s.deps.Machine.Ready)
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	task, err := s.deps.Machine.Claim(c.Request.Context(), taskID, agentID)
	if err != nil {
		s.requeue(taskID)
		writeError(c, err)
		return
	}
	if err := s.deps.Registry.Activate(agentID, task.ID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) requeue(taskID string) {
	t, err := s.deps.Store.GetTask(taskID)
	if err != nil || t == nil || t.State.Terminal() {
		return
	}
	s.deps.Registry.Queue().Push(t.ID, t.Priority)
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var req createTaskRequest
	if !bind(c, &req) {
		return
	}
	spec, err := req.Spec()
	if err != nil {
		writeError(c, err)
		return
	}
	spec.TicketID = req.TicketID
	spec.ParentTaskID = req.ParentTaskID
	task, err := s.deps.Machine.CreateTask(c.Request.Context(), spec)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (s *Server) handleValidationStatus(c *gin.Context) {
	st, err := s.deps.Machine.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleStart(c *gin.Context) {
	var req agentRequest
	if !bind(c, &req) {
		return
	}
	task, err := s.deps.Machine.Start(c.Request.Context(), c.Param("id"), req.AgentID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleProgress(c *gin.Context) {
	var req progressRequest
	if !bind(c, &req) {
		return
	}
	if err := s.deps.Machine.ReportProgress(c.Request.Context(), c.Param("id"), req.AgentID, req.Progress); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleComplete(c *gin.Context) {
	var req completeRequest
	if !bind(c, &req) {
		return
	}
	task, err := s.deps.Machine.Complete(c.Request.Context(), c.Param("id"), req.AgentID, req.ArtifactRef)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, task)
}

func (s *Server) handleRework(c *gin.Context) {
	var req agentRequest
	if !bind(c, &req) {
		return
	}
	task, err := s.deps.Machine.Rework(c.Request.Context(), c.Param("id"), req.AgentID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleReview(c *gin.Context) {
	var req reviewRequest
	if !bind(c, &req) {
		return
	}
	review, err := s.deps.Machine.SubmitReview(c.Request.Context(), c.Param("id"), validation.ReviewInput{
		ValidatorAgentID: req.ValidatorAgentID,
		Passed:           *req.Passed,
		Feedback:         req.Feedback,
		Evidence:         req.Evidence,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, review)
}

func (s *Server) handleCancel(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength > 0 && !bind(c, &req) {
		return
	}
	task, err := s.deps.Machine.Cancel(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleRecordDiscovery(c *gin.Context) {
	var req discovery.RecordInput
	if !bind(c, &req) {
		return
	}
	d, err := s.deps.Ledger.Record(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (s *Server) handleListDiscoveries(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		list []models.Discovery
		err  error
	)
	switch {
	case c.Query("source_task_id") != "":
		list, err = s.deps.Ledger.BySource(ctx, c.Query("source_task_id"), models.DiscoveryStatus(c.Query("status")))
	case c.Query("category") != "":
		list, err = s.deps.Ledger.ByCategory(ctx, models.DiscoveryCategory(c.Query("category")), queryInt(c, "limit", 50))
	default:
		err = models.Violate(models.CodeInvalidArgument, "discovery", "", "source_task_id or category is required")
	}
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = []models.Discovery{}
	}
	c.JSON(http.StatusOK, gin.H{"discoveries": list})
}

func (s *Server) handleGetDiscovery(c *gin.Context) {
	d, err := s.deps.Ledger.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if d == nil {
		writeError(c, models.Violate(models.CodeDiscoveryNotFound, "discovery", c.Param("id"), "discovery does not exist"))
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) handleBranch(c *gin.Context) {
	var req createTaskRequest
	if !bind(c, &req) {
		return
	}
	spec, err := req.Spec()
	if err != nil {
		writeError(c, err)
		return
	}
	spec.ParentTaskID = req.ParentTaskID
	task, err := s.deps.Ledger.Branch(c.Request.Context(), c.Param("id"), spec)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (s *Server) handleResolve(c *gin.Context) {
	var req resolveRequest
	if !bind(c, &req) {
		return
	}
	d, err := s.deps.Ledger.Resolve(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) handleWorkflow(c *gin.Context) {
	wf, err := s.deps.Ledger.Workflow(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, wf)
}

func (s *Server) handleLatestCoherence(c *gin.Context) {
	snap, err := s.deps.Store.LatestCoherenceSnapshot()
	if err != nil {
		writeError(c, err)
		return
	}
	if snap == nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "NO_COHERENCE", "detail": "no tick has completed yet"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleRetryIntervention(c *gin.Context) {
	iv, err := s.deps.Dispatcher.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, iv)
}

// handleIntervene sends an operator-issued intervention and waits for the outcome.
func (s *Server) handleIntervene(c *gin.Context) {
	var req interveneRequest
	if !bind(c, &req) {
		return
	}
	iv, err := s.deps.Dispatcher.Dispatch(c.Request.Context(), dispatch.Request{
		AgentID:  c.Param("id"),
		Category: req.Category,
		Message:  req.Message,
		Origin:   models.Origin{Authority: "operator"},
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, iv)
}

func (s *Server) handleAnalyzeNow(c *gin.Context) {
	if s.deps.Monitor == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"code": "MONITOR_UNAVAILABLE", "detail": "monitoring loop is not running"})
		return
	}
	var req analyzeRequest
	if !bind(c, &req) {
		return
	}
	res, err := s.deps.Monitor.AnalyzeNow(c.Request.Context(), req.AgentIDs)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}
