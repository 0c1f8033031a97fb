package state

import (
	"os"
	"strings"
	"path/filepath"
	"testing"
	"time"

	"github.com/kivo360/omoios/pkg/models"
)

// tempDBPath returns a path to a temp database file.
func tempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

// setupTestDB creates a new temporary database for testing.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

// newTestTask returns a pending task with timestamps set.
func newTestTask(id string) *models.Task {
	now := time.Now().UTC()
	return &models.Task{
		ID:        id,
		Kind:      models.TaskKindWork,
		Title:     "task " + id,
		Priority:  models.PriorityMedium,
		State:     models.TaskPending,
		Iteration: 1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestOpen(t *testing.T) {
	path := tempDBPath(t)
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
	if db.Driver() != DriverModernc {
		t.Errorf("Driver() = %q, want %q", db.Driver(), DriverModernc)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Errorf("database file does not exist at %s", path)
	}
}

func TestOpen_CreatesParentDirectories(t *testing.T) {
	nested := filepath.Join(t.TempDir(), "a", "b", "c")

	db, err := Open(filepath.Join(nested, "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(nested); os.IsNotExist(err) {
		t.Errorf("parent directories not created: %s", nested)
	}
}

func TestOpenDriver_Unsupported(t *testing.T) {
	if _, err := OpenDriver("postgres", tempDBPath(t)); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestClose(t *testing.T) {
	db, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := db.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if _, err := db.Query("SELECT 1"); err == nil {
		t.Error("expected error after close, got nil")
	}
}

func TestMigrate(t *testing.T) {
	db := setupTestDB(t)

	tables := []string{"schema_version", "tasks", "validation_reviews", "trajectory_snapshots",
		"coherence_snapshots", "duplicate_pairs", "discoveries", "discovery_edges", "interventions"}
	for _, table := range tables {
		var count int
		row := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table)
		if err := row.Scan(&count); err != nil {
			t.Errorf("failed to check table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s does not exist", table)
		}
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db := setupTestDB(t)

	for i := 0; i < 3; i++ {
		if err := db.Migrate(); err != nil {
			t.Fatalf("Migrate (iteration %d) failed: %v", i, err)
		}
	}

	version, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion failed: %v", err)
	}
	if version != 5 {
		t.Errorf("schema version = %d, want 5", version)
	}
}

func TestTaskCRUD(t *testing.T) {
	db := setupTestDB(t)

	task := newTestTask("t1")
	task.TicketID = "ticket-1"
	task.DependsOn = []string{"t0"}
	task.Description = "build the login page"
	if err := db.CreateTask(task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	got, err := db.GetTask("t1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetTask returned nil")
	}
	if got.TicketID != "ticket-1" || got.Description != "build the login page" {
		t.Errorf("GetTask = %+v", got)
	}
	if len(got.DependsOn) != 1 || got.DependsOn[0] != "t0" {
		t.Errorf("DependsOn = %v, want [t0]", got.DependsOn)
	}
	if got.State != models.TaskPending || got.Iteration != 1 {
		t.Errorf("state/iteration = %s/%d", got.State, got.Iteration)
	}

	started := time.Now().UTC()
	got.State = models.TaskValidationInProgress
	got.ValidatorAgentID = "v1"
	got.ValidationStartedAt = &started
	if err := db.UpdateTask(got); err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}

	again, _ := db.GetTask("t1")
	if again.State != models.TaskValidationInProgress || again.ValidatorAgentID != "v1" {
		t.Errorf("update not persisted: %+v", again)
	}
	if again.ValidationStartedAt == nil || !again.ValidationStartedAt.Equal(started) {
		t.Errorf("ValidationStartedAt = %v, want %v", again.ValidationStartedAt, started)
	}

	missing, err := db.GetTask("nope")
	if err != nil || missing != nil {
		t.Errorf("GetTask(missing) = %v, %v; want nil, nil", missing, err)
	}

	if err := db.UpdateTask(newTestTask("nope")); err == nil {
		t.Error("UpdateTask on missing task should fail")
	}
}

func TestListTasks(t *testing.T) {
	db := setupTestDB(t)

	for i, id := range []string{"a", "b", "c"} {
		task := newTestTask(id)
		task.CreatedAt = task.CreatedAt.Add(time.Duration(i) * time.Millisecond)
		if id == "b" {
			task.State = models.TaskInProgress
			task.ParentTaskID = "a"
		}
		if err := db.CreateTask(task); err != nil {
			t.Fatalf("CreateTask failed: %v", err)
		}
	}

	pending, err := db.ListTasks(TaskFilter{State: models.TaskPending})
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "a" || pending[1].ID != "c" {
		t.Errorf("pending = %v", pending)
	}

	children, err := db.ListTasksByParent("a")
	if err != nil {
		t.Fatalf("ListTasksByParent failed: %v", err)
	}
	if len(children) != 1 || children[0].ID != "b" {
		t.Errorf("children = %v", children)
	}
}

func TestReviews(t *testing.T) {
	db := setupTestDB(t)
	if err := db.CreateTask(newTestTask("t1")); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	reviews := []models.ValidationReview{
		{ID: "r1", TaskID: "t1", Iteration: 1, Passed: false, Feedback: "missing tests", ValidatorAgentID: "v1", CreatedAt: time.Now()},
		{ID: "r2", TaskID: "t1", Iteration: 2, Passed: true, ValidatorAgentID: "v1", CreatedAt: time.Now().Add(time.Millisecond),
			Evidence: map[string]any{"tests": "ok"}},
	}
	for i := range reviews {
		if err := db.CreateReview(&reviews[i]); err != nil {
			t.Fatalf("CreateReview failed: %v", err)
		}
	}

	got, err := db.ListReviews("t1")
	if err != nil {
		t.Fatalf("ListReviews failed: %v", err)
	}
	if len(got) != 2 || got[0].Feedback != "missing tests" || got[1].Evidence["tests"] != "ok" {
		t.Errorf("ListReviews = %+v", got)
	}

	if ok, _ := db.HasPassingReview("t1", 1); ok {
		t.Error("iteration 1 has no passing review")
	}
	if ok, _ := db.HasPassingReview("t1", 2); !ok {
		t.Error("iteration 2 should have a passing review")
	}
}

func TestAppendOnlyTablesRejectChanges(t *testing.T) {
	db := setupTestDB(t)
	if err := db.CreateTask(newTestTask("t1")); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	score := 0.8
	snap := &models.TrajectorySnapshot{ID: "s1", AgentID: "a1", TickID: "tick1", AlignmentScore: &score, CreatedAt: time.Now()}
	if err := db.CreateTrajectorySnapshot(snap); err != nil {
		t.Fatalf("CreateTrajectorySnapshot failed: %v", err)
	}
	review := &models.ValidationReview{ID: "r1", TaskID: "t1", Iteration: 1, ValidatorAgentID: "v1", CreatedAt: time.Now()}
	if err := db.CreateReview(review); err != nil {
		t.Fatalf("CreateReview failed: %v", err)
	}

	statements := []string{
		"UPDATE trajectory_snapshots SET alignment_score = 0.1 WHERE id = 's1'",
		"DELETE FROM trajectory_snapshots WHERE id = 's1'",
		"UPDATE validation_reviews SET passed = 1 WHERE id = 'r1'",
		"DELETE FROM validation_reviews WHERE id = 'r1'",
	}
	for _, stmt := range statements {
		_, err := db.Exec(stmt)
		if !IsImmutableError(err) {
			t.Errorf("%q: err = %v, want immutable error", stmt, err)
		}
	}
}

func TestTrajectorySnapshots(t *testing.T) {
	db := setupTestDB(t)

	for i, v := range []float64{0.9, 0.8, 0.7} {
		score := v
		snap := &models.TrajectorySnapshot{
			ID: "s" + string(rune('1'+i)), AgentID: "a1", TickID: "tick", AlignmentScore: &score,
			CreatedAt: time.Now(),
		}
		if err := db.CreateTrajectorySnapshot(snap); err != nil {
			t.Fatalf("CreateTrajectorySnapshot failed: %v", err)
		}
	}
	degraded := &models.TrajectorySnapshot{ID: "d1", AgentID: "a2", TickID: "tick", Degraded: true,
		Rationale: "activity window timed out", CreatedAt: time.Now()}
	if err := db.CreateTrajectorySnapshot(degraded); err != nil {
		t.Fatalf("CreateTrajectorySnapshot failed: %v", err)
	}

	recent, err := db.ListTrajectoriesByAgent("a1", 2)
	if err != nil {
		t.Fatalf("ListTrajectoriesByAgent failed: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "s3" || recent[1].ID != "s2" {
		t.Errorf("recent = %+v, want s3, s2", recent)
	}

	got, err := db.GetTrajectorySnapshot("d1")
	if err != nil {
		t.Fatalf("GetTrajectorySnapshot failed: %v", err)
	}
	if got.AlignmentScore != nil || !got.Degraded {
		t.Errorf("degraded snapshot = %+v", got)
	}

	tick, _ := db.ListTrajectoriesByTick("tick")
	if len(tick) != 4 {
		t.Errorf("ListTrajectoriesByTick returned %d, want 4", len(tick))
	}
}

func TestCoherenceSnapshots(t *testing.T) {
	db := setupTestDB(t)

	if latest, err := db.LatestCoherenceSnapshot(); err != nil || latest != nil {
		t.Fatalf("LatestCoherenceSnapshot on empty db = %v, %v", latest, err)
	}

	for i, tick := range []string{"tick1", "tick2"} {
		snap := &models.CoherenceSnapshot{
			ID: "c" + tick, TickID: tick, Score: 0.6 + float64(i)*0.2, Band: models.BandWarning, Status: "warning",
			Interventions: []models.InterventionDecision{{AgentID: "a1", Category: models.InterventionCorrection, Message: "refocus"}},
			CreatedAt:     time.Now(),
		}
		if err := db.CreateCoherenceSnapshot(snap); err != nil {
			t.Fatalf("CreateCoherenceSnapshot failed: %v", err)
		}
	}

	latest, err := db.LatestCoherenceSnapshot()
	if err != nil {
		t.Fatalf("LatestCoherenceSnapshot failed: %v", err)
	}
	if latest.TickID != "tick2" {
		t.Errorf("latest tick = %q, want tick2", latest.TickID)
	}
	if len(latest.Interventions) != 1 || latest.Interventions[0].Message != "refocus" {
		t.Errorf("decisions not reconstructed: %+v", latest.Interventions)
	}

	n, _ := db.CountCoherenceSnapshots()
	if n != 2 {
		t.Errorf("CountCoherenceSnapshots = %d, want 2", n)
	}

	dup := &models.CoherenceSnapshot{ID: "other", TickID: "tick1", CreatedAt: time.Now()}
	if err := db.CreateCoherenceSnapshot(dup); err == nil {
		t.Error("a tick must produce at most one coherence snapshot")
	}
}

func TestRecordDuplicatePair(t *testing.T) {
	db := setupTestDB(t)

	pair := &models.DuplicatePair{ID: "p1", TickID: "tick1", AgentA: "a1", AgentB: "a2", Similarity: 0.92,
		Resolution: models.DuplicateRedistributed, RedistributedAgentID: "a2", CreatedAt: time.Now()}
	created, err := db.RecordDuplicatePair(pair, "h1")
	if err != nil || !created {
		t.Fatalf("RecordDuplicatePair = %v, %v; want true, nil", created, err)
	}

	again := &models.DuplicatePair{ID: "p2", TickID: "tick2", AgentA: "a2", AgentB: "a1", Similarity: 0.92,
		Resolution: models.DuplicateEscalated, CreatedAt: time.Now()}
	created, err = db.RecordDuplicatePair(again, "h1")
	if err != nil || created {
		t.Errorf("same pair, same descriptions: created = %v, err = %v", created, err)
	}

	changed := &models.DuplicatePair{ID: "p3", TickID: "tick3", AgentA: "a1", AgentB: "a2", Similarity: 0.85,
		Resolution: models.DuplicateEscalated, CreatedAt: time.Now()}
	created, _ = db.RecordDuplicatePair(changed, "h2")
	if !created {
		t.Error("changed descriptions should record a new pair")
	}

	if ok, _ := db.HasDuplicatePair(models.PairKey("a2", "a1"), "h1"); !ok {
		t.Error("HasDuplicatePair should find the pair regardless of order")
	}
	all, _ := db.ListDuplicatePairs("")
	if len(all) != 2 {
		t.Errorf("ListDuplicatePairs returned %d, want 2", len(all))
	}
}

func TestDiscoveryBranchAndEdges(t *testing.T) {
	db := setupTestDB(t)
	if err := db.CreateTask(newTestTask("src")); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	d := &models.Discovery{ID: "d1", SourceTaskID: "src", Category: models.DiscoveryDefect,
		Description: "null deref in parser", Status: models.DiscoveryOpen, CreatedAt: time.Now(),
		Evidence: map[string]any{"file": "parser.go"}}
	if err := db.CreateDiscovery(d); err != nil {
		t.Fatalf("CreateDiscovery failed: %v", err)
	}

	for _, id := range []string{"fix1", "fix2"} {
		task := newTestTask(id)
		task.ParentTaskID = "src"
		edge := &models.DiscoveryEdge{DiscoveryID: "d1", SourceTaskID: "src", SpawnedTaskID: id, CreatedAt: time.Now()}
		if err := db.CreateBranch(task, edge); err != nil {
			t.Fatalf("CreateBranch failed: %v", err)
		}
		if edge.Seq == 0 {
			t.Error("edge seq should be assigned")
		}
	}

	got, err := db.GetDiscovery("d1")
	if err != nil {
		t.Fatalf("GetDiscovery failed: %v", err)
	}
	if len(got.SpawnedTaskIDs) != 2 || got.SpawnedTaskIDs[0] != "fix1" || got.SpawnedTaskIDs[1] != "fix2" {
		t.Errorf("SpawnedTaskIDs = %v", got.SpawnedTaskIDs)
	}
	if got.Evidence["file"] != "parser.go" {
		t.Errorf("Evidence = %v", got.Evidence)
	}

	edges, _ := db.ListDiscoveryEdges(0)
	if len(edges) != 2 {
		t.Fatalf("ListDiscoveryEdges returned %d, want 2", len(edges))
	}
	tail, _ := db.ListDiscoveryEdges(edges[0].Seq)
	if len(tail) != 1 || tail[0].SpawnedTaskID != "fix2" {
		t.Errorf("tail = %+v", tail)
	}

	if _, err := db.Exec("DELETE FROM discovery_edges"); !IsImmutableError(err) {
		t.Errorf("deleting edges should be rejected, got %v", err)
	}

	// A failed branch leaves neither task nor edge behind.
	bad := newTestTask("fix1")
	if err := db.CreateBranch(bad, &models.DiscoveryEdge{DiscoveryID: "d1", SourceTaskID: "src", SpawnedTaskID: "fix1", CreatedAt: time.Now()}); err == nil {
		t.Error("duplicate branch task should fail")
	}
	edges, _ = db.ListDiscoveryEdges(0)
	if len(edges) != 2 {
		t.Errorf("edge log changed after failed branch: %d", len(edges))
	}

	if err := db.UpdateDiscoveryStatus("d1", models.DiscoveryResolved); err != nil {
		t.Fatalf("UpdateDiscoveryStatus failed: %v", err)
	}
	open, _ := db.ListDiscoveriesBySource("src", models.DiscoveryOpen)
	if len(open) != 0 {
		t.Errorf("open discoveries = %d, want 0", len(open))
	}
	byCat, _ := db.ListDiscoveriesByCategory(models.DiscoveryDefect, 10)
	if len(byCat) != 1 || len(byCat[0].SpawnedTaskIDs) != 2 {
		t.Errorf("ListDiscoveriesByCategory = %+v", byCat)
	}
}

func TestSettleIntervention_AtMostOnce(t *testing.T) {
	db := setupTestDB(t)

	iv := &models.Intervention{ID: "i1", AgentID: "a1", Category: models.InterventionGuidance,
		Message: "stay on task", Origin: models.Origin{CoherenceSnapshotID: "c1"},
		Outcome: models.DeliveryQueued, CreatedAt: time.Now()}
	if err := db.CreateIntervention(iv); err != nil {
		t.Fatalf("CreateIntervention failed: %v", err)
	}

	ok, err := db.SettleIntervention("i1", models.DeliveryDelivered, "")
	if err != nil || !ok {
		t.Fatalf("first settle = %v, %v; want true, nil", ok, err)
	}
	ok, err = db.SettleIntervention("i1", models.DeliveryFailed, "late")
	if err != nil || ok {
		t.Errorf("second settle = %v, %v; want false, nil", ok, err)
	}

	got, _ := db.GetIntervention("i1")
	if got.Outcome != models.DeliveryDelivered || got.SettledAt == nil {
		t.Errorf("intervention = %+v", got)
	}
	if got.Origin.Issuer() != "conductor" {
		t.Errorf("origin not persisted: %+v", got.Origin)
	}

	list, _ := db.ListInterventionsByAgent("a1", 0)
	if len(list) != 1 {
		t.Errorf("ListInterventionsByAgent returned %d, want 1", len(list))
	}
}

func TestRecoveryManager(t *testing.T) {
	db := setupTestDB(t)

	stale := &models.Intervention{ID: "old", AgentID: "a1", Category: models.InterventionCorrection,
		Message: "m", Origin: models.Origin{Authority: "operator"}, Outcome: models.DeliveryQueued,
		CreatedAt: time.Now().Add(-time.Hour)}
	fresh := &models.Intervention{ID: "new", AgentID: "a1", Category: models.InterventionCorrection,
		Message: "m", Outcome: models.DeliveryQueued, CreatedAt: time.Now()}
	for _, iv := range []*models.Intervention{stale, fresh} {
		if err := db.CreateIntervention(iv); err != nil {
			t.Fatalf("CreateIntervention failed: %v", err)
		}
	}
	validating := newTestTask("v")
	validating.State = models.TaskValidationInProgress
	if err := db.CreateTask(validating); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	rm := NewRecoveryManager(db)
	report, err := rm.CheckForInterrupted(time.Minute)
	if err != nil {
		t.Fatalf("CheckForInterrupted failed: %v", err)
	}
	if report.Empty() {
		t.Fatal("report should not be empty")
	}
	if len(report.StaleInterventions) != 1 || report.StaleInterventions[0].ID != "old" {
		t.Errorf("StaleInterventions = %+v", report.StaleInterventions)
	}
	if len(report.PendingValidations) != 1 {
		t.Errorf("PendingValidations = %d, want 1", len(report.PendingValidations))
	}

	settled, err := rm.FailStaleInterventions(report)
	if err != nil {
		t.Fatalf("FailStaleInterventions failed: %v", err)
	}
	if len(settled) != 1 {
		t.Fatalf("settled %d, want 1", len(settled))
	}
	got, _ := db.GetIntervention("old")
	if got.Outcome != models.DeliveryFailed || got.FailureReason != InterruptedReason {
		t.Errorf("stale intervention = %+v", got)
	}
}

func TestGetTask_MalformedTimestamp(t *testing.T) {
	tests := []struct {
		name   string
		column string
	}{
		{"created_at", "created_at"},
		{"updated_at", "updated_at"},
		{"validation_started_at", "validation_started_at"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := setupTestDB(t)
			if err := db.CreateTask(newTestTask("t1")); err != nil {
				t.Fatal(err)
			}
			if _, err := db.Exec("UPDATE tasks SET "+tt.column+" = 'yesterday-ish' WHERE id = 't1'"); err != nil {
				t.Fatal(err)
			}

			got, err := db.GetTask("t1")
			if err == nil {
				t.Fatalf("GetTask = %+v, want parse error", got)
			}
			if !strings.Contains(err.Error(), tt.column) {
				t.Errorf("error %q does not name %s", err, tt.column)
			}
			if _, err := db.ListTasks(TaskFilter{}); err == nil {
				t.Error("ListTasks should fail on the same row")
			}
		})
	}
}
