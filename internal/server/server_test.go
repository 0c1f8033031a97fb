package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kivo360/omoios/internal/discovery"
	"github.com/kivo360/omoios/internal/dispatch"
	"github.com/kivo360/omoios/internal/events"
	"github.com/kivo360/omoios/internal/registry"
	"github.com/kivo360/omoios/internal/state"
	"github.com/kivo360/omoios/internal/validation"
	"github.com/kivo360/omoios/pkg/models"
)

type fixture struct {
	srv     *Server
	db      *state.DB
	bus     *events.Bus
	reg     *registry.Registry
	mailbox *dispatch.MailboxChannel
}

func setupTestDB(t *testing.T) *state.DB {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := setupTestDB(t)
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	reg := registry.New(db, bus)
	mailbox := dispatch.NewMailboxChannel(8)
	disp := dispatch.New(db, reg, mailbox, bus)

	cfg := validation.DefaultConfig()
	cfg.SpawnTimeout = 50 * time.Millisecond
	machine := validation.New(db, validation.NewPoolSpawner(reg, 5*time.Millisecond), bus, cfg,
		validation.WithQueue(reg.Queue()),
		validation.WithNotifier(disp),
		validation.WithOwners(reg),
	)
	t.Cleanup(machine.Close)
	reg.SetRequeue(machine.Release)
	disp.RegisterAuthority("validation", machine.FeedbackUndelivered)

	ledger := discovery.New(db, bus, discovery.WithQueue(reg.Queue()))

	srv := New(Deps{
		Store:      db,
		Registry:   reg,
		Machine:    machine,
		Ledger:     ledger,
		Dispatcher: disp,
		Bus:        bus,
		Inbox:      mailbox,
		OpenSession: func(ref string) error {
			mailbox.Open(ref)
			return nil
		},
	})
	return &fixture{srv: srv, db: db, bus: bus, reg: reg, mailbox: mailbox}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, want, w.Body.String())
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/healthz", nil)
	expectStatus(t, w, http.StatusOK)

	body := decode[map[string]any](t, w)
	if body["status"] != "ok" {
		t.Errorf("status = %v", body["status"])
	}
	if body["ticking"] != false {
		t.Errorf("ticking = %v without a monitor", body["ticking"])
	}
}

func TestTaskLifecycle(t *testing.T) {
	f := newFixture(t)

	for _, id := range []string{"a1", "v1"} {
		w := f.do(t, http.MethodPost, "/agents", map[string]any{"id": id, "session_ref": "sess-" + id})
		expectStatus(t, w, http.StatusCreated)
	}

	w := f.do(t, http.MethodPost, "/tasks", map[string]any{"title": "Rate limiting", "phase": 1, "priority": "high"})
	expectStatus(t, w, http.StatusCreated)
	task := decode[models.Task](t, w)
	if task.Priority != models.PriorityHigh {
		t.Errorf("priority = %v, want high", task.Priority)
	}

	w = f.do(t, http.MethodPost, "/agents/a1/claim", nil)
	expectStatus(t, w, http.StatusOK)
	claimed := decode[models.Task](t, w)
	if claimed.ID != task.ID || claimed.State != models.TaskAssigned || claimed.OwnerAgentID != "a1" {
		t.Fatalf("claimed = %+v", claimed)
	}
	if a := f.reg.Get("a1"); a.CurrentTaskID != task.ID {
		t.Errorf("a1 current task = %q", a.CurrentTaskID)
	}

	expectStatus(t, f.do(t, http.MethodPost, "/agents/a1/claim", nil), http.StatusNoContent)
	expectStatus(t, f.do(t, http.MethodPost, "/tasks/"+task.ID+"/start", map[string]any{"agent_id": "a1"}), http.StatusOK)
	expectStatus(t, f.do(t, http.MethodPost, "/tasks/"+task.ID+"/progress", map[string]any{"agent_id": "a1", "progress": 0.5}), http.StatusNoContent)

	w = f.do(t, http.MethodPost, "/tasks/"+task.ID+"/complete", map[string]any{"agent_id": "v1"})
	expectStatus(t, w, http.StatusConflict)
	if body := decode[map[string]any](t, w); body["code"] != models.CodeCompletionNotByOwner {
		t.Errorf("code = %v", body["code"])
	}

	w = f.do(t, http.MethodPost, "/tasks/"+task.ID+"/complete", map[string]any{"agent_id": "a1", "artifact_ref": "pr/12"})
	expectStatus(t, w, http.StatusAccepted)
	if got := decode[models.Task](t, w); got.State != models.TaskValidationInProgress || got.ValidatorAgentID != "v1" {
		t.Fatalf("after complete: state %s validator %q", got.State, got.ValidatorAgentID)
	}
	if a := f.reg.Get("a1"); a.CurrentTaskID != "" || a.State != models.AgentIdle {
		t.Errorf("owner after complete = %+v, want idle", a)
	}
	if v := f.reg.Get("v1"); v.ReviewingTaskID != task.ID || v.CurrentTaskID != "" {
		t.Errorf("validator = %+v", v)
	}
	w = f.do(t, http.MethodPost, "/agents/v1/claim", nil)
	expectStatus(t, w, http.StatusUnprocessableEntity)

	w = f.do(t, http.MethodPost, "/tasks/"+task.ID+"/reviews", map[string]any{"validator_agent_id": "a1", "passed": true})
	expectStatus(t, w, http.StatusConflict)

	w = f.do(t, http.MethodPost, "/tasks/"+task.ID+"/reviews", map[string]any{"validator_agent_id": "v1", "passed": true, "feedback": "looks right"})
	expectStatus(t, w, http.StatusCreated)
	if v := f.reg.Get("v1"); v.ReviewingTaskID != "" || v.State != models.AgentIdle {
		t.Errorf("validator after review = %+v", v)
	}

	w = f.do(t, http.MethodGet, "/tasks/"+task.ID+"/validation", nil)
	expectStatus(t, w, http.StatusOK)
	st := decode[validation.Status](t, w)
	if st.Task.State != models.TaskAccepted {
		t.Errorf("state = %s, want accepted", st.Task.State)
	}
	if len(st.Reviews) != 1 || !st.Reviews[0].Passed {
		t.Errorf("reviews = %+v", st.Reviews)
	}
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
		code   string
	}{
		{"unknown task", http.MethodGet, "/tasks/nope/validation", nil, http.StatusNotFound, models.CodeTaskNotFound},
		{"missing title", http.MethodPost, "/tasks", map[string]any{"phase": 1}, http.StatusUnprocessableEntity, models.CodeInvalidArgument},
		{"bad priority", http.MethodPost, "/tasks", map[string]any{"title": "x", "priority": "urgent"}, http.StatusUnprocessableEntity, models.CodeInvalidArgument},
		{"unknown discovery", http.MethodGet, "/discoveries/nope", nil, http.StatusNotFound, models.CodeDiscoveryNotFound},
		{"discovery without source", http.MethodPost, "/discoveries", map[string]any{"source_task_id": "nope", "category": "defect", "description": "x"}, http.StatusUnprocessableEntity, models.CodeDiscoverySourceMissing},
		{"list without filter", http.MethodGet, "/discoveries", nil, http.StatusUnprocessableEntity, models.CodeInvalidArgument},
		{"retry unknown", http.MethodPost, "/interventions/nope/retry", nil, http.StatusNotFound, models.CodeInterventionNotFound},
		{"heartbeat unknown agent", http.MethodPost, "/agents/ghost/heartbeat", nil, http.StatusUnprocessableEntity, models.CodeInvalidArgument},
		{"malformed body", http.MethodPost, "/agents", "not an object", http.StatusUnprocessableEntity, models.CodeInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, tt.method, tt.path, tt.body)
			expectStatus(t, w, tt.want)
			if body := decode[map[string]any](t, w); body["code"] != tt.code {
				t.Errorf("code = %v, want %s", body["code"], tt.code)
			}
		})
	}

	w := f.do(t, http.MethodGet, "/coherence/latest", nil)
	expectStatus(t, w, http.StatusNotFound)
	w = f.do(t, http.MethodPost, "/monitor/analyze", map[string]any{"agent_ids": []string{"a1"}})
	expectStatus(t, w, http.StatusNotImplemented)
}

func TestDiscoveryBranchAndWorkflow(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/tasks", map[string]any{"title": "Checkout flow", "phase": 3, "ticket_id": "T-9"})
	expectStatus(t, w, http.StatusCreated)
	source := decode[models.Task](t, w)

	w = f.do(t, http.MethodPost, "/discoveries", map[string]any{
		"source_task_id": source.ID,
		"category":       "missing-requirement",
		"description":    "no tax calculation service exists",
		"priority_boost": true,
	})
	expectStatus(t, w, http.StatusCreated)
	d := decode[models.Discovery](t, w)

	w = f.do(t, http.MethodPost, "/discoveries/"+d.ID+"/branch", map[string]any{"title": "Tax service", "phase": 1})
	expectStatus(t, w, http.StatusCreated)
	spawned := decode[models.Task](t, w)
	if spawned.ParentTaskID != source.ID || spawned.Phase != 1 || spawned.TicketID != "T-9" {
		t.Errorf("spawned = %+v", spawned)
	}

	w = f.do(t, http.MethodGet, "/discoveries?source_task_id="+source.ID, nil)
	expectStatus(t, w, http.StatusOK)
	list := decode[struct {
		Discoveries []models.Discovery `json:"discoveries"`
	}](t, w)
	if len(list.Discoveries) != 1 || len(list.Discoveries[0].SpawnedTaskIDs) != 1 {
		t.Errorf("discoveries = %+v", list.Discoveries)
	}

	w = f.do(t, http.MethodGet, "/tickets/T-9/workflow", nil)
	expectStatus(t, w, http.StatusOK)
	if !strings.Contains(w.Body.String(), spawned.ID) {
		t.Errorf("workflow missing spawned task: %s", w.Body.String())
	}

	expectStatus(t, f.do(t, http.MethodPost, "/discoveries/"+d.ID+"/resolve", map[string]any{"status": "resolved"}), http.StatusOK)
	w = f.do(t, http.MethodPost, "/discoveries/"+d.ID+"/branch", map[string]any{"title": "Again", "phase": 3})
	expectStatus(t, w, http.StatusConflict)
}

func TestInboxAndRetry(t *testing.T) {
	f := newFixture(t)

	expectStatus(t, f.do(t, http.MethodPost, "/agents", map[string]any{"id": "a1"}), http.StatusCreated)

	w := f.do(t, http.MethodPost, "/agents/a1/interventions", map[string]any{"category": "guidance", "message": "focus on the token bucket"})
	expectStatus(t, w, http.StatusCreated)
	failed := decode[models.Intervention](t, w)
	if failed.Outcome != models.DeliveryFailed {
		t.Fatalf("outcome without session = %s", failed.Outcome)
	}

	expectStatus(t, f.do(t, http.MethodGet, "/agents/a1/inbox", nil), http.StatusConflict)

	f.mailbox.Open("sess-a1")
	if err := f.reg.AttachSession("a1", "sess-a1"); err != nil {
		t.Fatal(err)
	}

	w = f.do(t, http.MethodPost, "/interventions/"+failed.ID+"/retry", nil)
	expectStatus(t, w, http.StatusCreated)
	retried := decode[models.Intervention](t, w)
	if retried.Outcome != models.DeliveryDelivered || retried.RetryOf != failed.ID {
		t.Errorf("retried = %+v", retried)
	}

	w = f.do(t, http.MethodGet, "/agents/a1/inbox", nil)
	expectStatus(t, w, http.StatusOK)
	inbox := decode[struct {
		Messages []dispatch.Message `json:"messages"`
	}](t, w)
	if len(inbox.Messages) != 1 || !strings.Contains(inbox.Messages[0].Text, "token bucket") {
		t.Errorf("inbox = %+v", inbox.Messages)
	}

	w = f.do(t, http.MethodPost, "/interventions/"+retried.ID+"/retry", nil)
	expectStatus(t, w, http.StatusUnprocessableEntity)
}

func TestActivityAndTrajectory(t *testing.T) {
	f := newFixture(t)
	expectStatus(t, f.do(t, http.MethodPost, "/agents", map[string]any{"id": "a1"}), http.StatusCreated)
	expectStatus(t, f.do(t, http.MethodPost, "/agents/a1/heartbeat", nil), http.StatusNoContent)
	expectStatus(t, f.do(t, http.MethodPost, "/agents/a1/activity", map[string]any{"kind": "tool", "text": "ran go test"}), http.StatusAccepted)

	window, err := f.reg.Window(context.Background(), "a1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(window) != 1 || window[0].Text != "ran go test" {
		t.Errorf("window = %+v", window)
	}

	score := 0.9
	snap := &models.TrajectorySnapshot{ID: "s1", TickID: "tick-1", AgentID: "a1", AlignmentScore: &score, CreatedAt: time.Now().UTC()}
	if err := f.db.CreateTrajectorySnapshot(snap); err != nil {
		t.Fatal(err)
	}

	w := f.do(t, http.MethodGet, "/agents/a1/trajectory", nil)
	expectStatus(t, w, http.StatusOK)
	body := decode[map[string]any](t, w)
	if _, ok := body["health"]; !ok {
		t.Errorf("trajectory without health: %v", body)
	}
	if snaps, _ := body["snapshots"].([]any); len(snaps) != 1 {
		t.Errorf("snapshots = %v", body["snapshots"])
	}
}

func TestEventsWebsocket(t *testing.T) {
	f := newFixture(t)
	f.bus.Publish(events.New(events.TaskCreated, events.EntityTask, "before", nil))

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events?replay=all&types=" + string(events.TaskCreated)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var first events.Event
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read replay: %v", err)
	}
	if first.EntityID != "before" {
		t.Errorf("replayed %+v", first)
	}

	// Wait for the subscription to be live, then publish a filtered and a kept event.
	time.Sleep(50 * time.Millisecond)
	f.bus.Publish(events.New(events.ValidationPassed, events.EntityTask, "skipped", nil))
	f.bus.Publish(events.New(events.TaskCreated, events.EntityTask, "after", nil))

	var next events.Event
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatalf("read live: %v", err)
	}
	if next.EntityID != "after" {
		t.Errorf("live event = %+v, want entity after", next)
	}
}

func TestDiscoveryActivity(t *testing.T) {
	f := newFixture(t)
	expectStatus(t, f.do(t, http.MethodPost, "/agents", map[string]any{"id": "a1"}), http.StatusCreated)

	report := func(text string) *httptest.ResponseRecorder {
		return f.do(t, http.MethodPost, "/agents/a1/activity", map[string]any{"kind": discovery.ActivityKind, "text": text})
	}

	// No task to attribute the discovery to.
	w := report(`{"category": "defect", "description": "nil map write"}`)
	expectStatus(t, w, http.StatusUnprocessableEntity)
	if body := decode[map[string]any](t, w); body["code"] != models.CodeDiscoverySourceMissing {
		t.Errorf("code = %v", body["code"])
	}

	w = f.do(t, http.MethodPost, "/tasks", map[string]any{"title": "Session store", "phase": 1})
	expectStatus(t, w, http.StatusCreated)
	task := decode[models.Task](t, w)
	expectStatus(t, f.do(t, http.MethodPost, "/agents/a1/claim", nil), http.StatusOK)

	w = report(`{"category": "defect", "description": "nil map write", "branch": {"title": "Guard map init", "phase": 1,}`)
	expectStatus(t, w, http.StatusCreated)
	body := decode[struct {
		Discovery   models.Discovery `json:"discovery"`
		Task        *models.Task     `json:"task"`
		BranchError map[string]any   `json:"branch_error"`
	}](t, w)
	if body.Discovery.SourceTaskID != task.ID || body.Discovery.Category != models.DiscoveryDefect {
		t.Errorf("discovery = %+v", body.Discovery)
	}
	if body.Task == nil || body.Task.Title != "Guard map init" || body.BranchError != nil {
		t.Errorf("branch = %+v, error %v", body.Task, body.BranchError)
	}

	w = report(`{"category": "rumour", "description": "x"}`)
	expectStatus(t, w, http.StatusUnprocessableEntity)
	if body := decode[map[string]any](t, w); body["code"] != models.CodeDiscoveryCategoryInvalid {
		t.Errorf("code = %v", body["code"])
	}

	// Recorded, but the branch request is rejected.
	w = report(`{"category": "optimization", "description": "cache lookups", "branch": {"title": "Add cache", "priority": "urgent"}}`)
	expectStatus(t, w, http.StatusCreated)
	body = decode[struct {
		Discovery   models.Discovery `json:"discovery"`
		Task        *models.Task     `json:"task"`
		BranchError map[string]any   `json:"branch_error"`
	}](t, w)
	if body.Task != nil || body.BranchError["code"] != models.CodeInvalidArgument {
		t.Errorf("task %+v, branch error %v", body.Task, body.BranchError)
	}

	list, err := f.db.ListDiscoveriesBySource(task.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Errorf("stored %d discoveries, want 2", len(list))
	}
}
