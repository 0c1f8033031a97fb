package dispatch

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kivo360/omoios/internal/events"
	"github.com/kivo360/omoios/internal/state"
	"github.com/kivo360/omoios/pkg/models"
)

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

type fakeSessions struct {
	mu          sync.Mutex
	refs        map[string]string
	quarantined map[string]string
}

func newFakeSessions(refs map[string]string) *fakeSessions {
	return &fakeSessions{refs: refs, quarantined: make(map[string]string)}
}

func (f *fakeSessions) SessionRef(agentID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref, ok := f.refs[agentID]
	return ref, ok
}

func (f *fakeSessions) Quarantine(agentID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quarantined[agentID] = reason
	return nil
}

func guidance(agentID string) Request {
	return Request{
		AgentID:  agentID,
		Category: models.InterventionGuidance,
		Message:  "refocus on the login flow",
		Origin:   models.Origin{CoherenceSnapshotID: "coh-1"},
	}
}

func TestDispatch_Delivered(t *testing.T) {
	db := setupTestDB(t)
	bus := events.NewBus()
	defer bus.Close()

	mailboxes := NewMailboxChannel(4)
	mailboxes.Open("sess-1")
	d := New(db, newFakeSessions(map[string]string{"a1": "sess-1"}), mailboxes, bus)

	iv, err := d.Dispatch(context.Background(), guidance("a1"))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if iv.Outcome != models.DeliveryDelivered || iv.SettledAt == nil {
		t.Errorf("unexpected record: %+v", iv)
	}

	stored, _ := db.GetIntervention(iv.ID)
	if stored.Outcome != models.DeliveryDelivered {
		t.Errorf("stored outcome = %s", stored.Outcome)
	}

	msgs, err := mailboxes.Drain("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || !strings.Contains(msgs[0].Text, "refocus on the login flow") {
		t.Errorf("mailbox = %+v", msgs)
	}
	if !strings.HasPrefix(msgs[0].Text, "[guidance from conductor]") {
		t.Errorf("message text = %q", msgs[0].Text)
	}

	recent := bus.Recent(2)
	if len(recent) != 2 || recent[0].Type != events.InterventionQueued || recent[1].Type != events.InterventionDelivered {
		t.Errorf("events = %+v", recent)
	}
}

func TestDispatch_NoSessionFailsAndResurfaces(t *testing.T) {
	db := setupTestDB(t)
	bus := events.NewBus()
	defer bus.Close()

	d := New(db, newFakeSessions(nil), NewMailboxChannel(4), bus)

	var surfaced []models.Intervention
	d.RegisterAuthority("conductor", func(iv models.Intervention) {
		surfaced = append(surfaced, iv)
	})

	iv, err := d.Dispatch(context.Background(), guidance("ghost"))
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if iv.Outcome != models.DeliveryFailed || iv.FailureReason == "" {
		t.Errorf("expected failed record, got %+v", iv)
	}
	if len(surfaced) != 1 || surfaced[0].ID != iv.ID {
		t.Errorf("failure not resurfaced to issuer: %+v", surfaced)
	}
	if last := bus.Recent(1); last[0].Type != events.InterventionFailed {
		t.Errorf("last event = %s", last[0].Type)
	}
}

func TestDispatch_SessionClosed(t *testing.T) {
	db := setupTestDB(t)
	mailboxes := NewMailboxChannel(4)
	d := New(db, newFakeSessions(map[string]string{"a1": "sess-1"}), mailboxes, nil)

	iv, err := d.Dispatch(context.Background(), guidance("a1"))
	if err != nil {
		t.Fatal(err)
	}
	if iv.Outcome != models.DeliveryFailed {
		t.Errorf("outcome = %s, want failed", iv.Outcome)
	}
}

func TestDispatch_MailboxFull(t *testing.T) {
	db := setupTestDB(t)
	mailboxes := NewMailboxChannel(1)
	mailboxes.Open("sess-1")
	d := New(db, newFakeSessions(map[string]string{"a1": "sess-1"}), mailboxes, nil)

	first, _ := d.Dispatch(context.Background(), guidance("a1"))
	second, _ := d.Dispatch(context.Background(), guidance("a1"))
	if first.Outcome != models.DeliveryDelivered {
		t.Errorf("first outcome = %s", first.Outcome)
	}
	if second.Outcome != models.DeliveryFailed || !strings.Contains(second.FailureReason, "full") {
		t.Errorf("second = %+v", second)
	}
}

func TestDispatch_EmergencyFailureQuarantines(t *testing.T) {
	db := setupTestDB(t)
	sessions := newFakeSessions(nil)
	d := New(db, sessions, NewMailboxChannel(4), nil)

	req := guidance("a1")
	req.Category = models.InterventionEmergency
	if _, err := d.Dispatch(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if _, ok := sessions.quarantined["a1"]; !ok {
		t.Error("agent not quarantined after undeliverable emergency")
	}
}

func TestDispatch_Rejections(t *testing.T) {
	db := setupTestDB(t)
	d := New(db, newFakeSessions(nil), NewMailboxChannel(4), nil)

	tests := []struct {
		name string
		req  Request
		code string
	}{
		{"no target", Request{Category: models.InterventionGuidance, Message: "x"}, models.CodeInterventionTargetMissing},
		{"bad category", Request{AgentID: "a1", Category: "shout", Message: "x"}, models.CodeInvalidArgument},
		{"empty message", Request{AgentID: "a1", Category: models.InterventionGuidance}, models.CodeInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Dispatch(context.Background(), tt.req)
			if got := models.ViolationCode(err); got != tt.code {
				t.Errorf("code = %q, want %q (err %v)", got, tt.code, err)
			}
		})
	}

	list, _ := db.ListInterventionsByAgent("a1", 10)
	if len(list) != 0 {
		t.Errorf("rejected requests wrote %d records", len(list))
	}
}

func TestDeliver_AtMostOnce(t *testing.T) {
	db := setupTestDB(t)
	mailboxes := NewMailboxChannel(4)
	mailboxes.Open("sess-1")
	d := New(db, newFakeSessions(map[string]string{"a1": "sess-1"}), mailboxes, nil)

	iv, err := d.Dispatch(context.Background(), guidance("a1"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = d.Deliver(context.Background(), iv.ID)
	if models.ViolationCode(err) != models.CodeInterventionAttempted {
		t.Errorf("redelivery error = %v, want INTERVENTION_ALREADY_ATTEMPTED", err)
	}
	if n := mailboxes.Pending("sess-1"); n != 1 {
		t.Errorf("mailbox holds %d messages, want 1", n)
	}

	if _, err := d.Deliver(context.Background(), "missing"); models.ViolationCode(err) != models.CodeInterventionNotFound {
		t.Errorf("missing error = %v", err)
	}
}

func TestRetry_CreatesFreshRecord(t *testing.T) {
	db := setupTestDB(t)
	sessions := newFakeSessions(nil)
	mailboxes := NewMailboxChannel(4)
	d := New(db, sessions, mailboxes, nil)

	failed, _ := d.Dispatch(context.Background(), guidance("a1"))
	if failed.Outcome != models.DeliveryFailed {
		t.Fatalf("setup: outcome = %s", failed.Outcome)
	}

	sessions.refs = map[string]string{"a1": "sess-1"}
	mailboxes.Open("sess-1")

	retry, err := d.Retry(context.Background(), failed.ID)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if retry.ID == failed.ID || retry.RetryOf != failed.ID {
		t.Errorf("retry not a fresh record: %+v", retry)
	}
	if retry.Outcome != models.DeliveryDelivered {
		t.Errorf("retry outcome = %s", retry.Outcome)
	}

	orig, _ := db.GetIntervention(failed.ID)
	if orig.Outcome != models.DeliveryFailed {
		t.Errorf("original record changed to %s", orig.Outcome)
	}

	if _, err := d.Retry(context.Background(), retry.ID); models.ViolationCode(err) != models.CodeInvalidArgument {
		t.Errorf("retrying a delivered record: %v", err)
	}
}

func TestDispatchAsync(t *testing.T) {
	db := setupTestDB(t)
	mailboxes := NewMailboxChannel(8)
	mailboxes.Open("sess-1")
	d := New(db, newFakeSessions(map[string]string{"a1": "sess-1"}), mailboxes, nil)

	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 3; i++ {
		d.DispatchAsync(ctx, guidance("a1"))
	}
	cancel()
	d.Wait()

	if n := mailboxes.Pending("sess-1"); n != 3 {
		t.Errorf("pending = %d, want 3", n)
	}
}

func TestFileChannel_WithInboxWatcher(t *testing.T) {
	root := t.TempDir()
	ch, err := NewFileChannel(root)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := ch.Resume(context.Background(), "sess-1"); err != ErrNoSession {
		t.Errorf("Resume before Open = %v, want ErrNoSession", err)
	}
	if _, err := ch.Resume(context.Background(), "../escape"); err != ErrNoSession {
		t.Errorf("Resume with path = %v, want ErrNoSession", err)
	}
	if err := ch.Open("sess-1"); err != nil {
		t.Fatal(err)
	}

	w, err := WatchInbox(filepath.Join(root, "sess-1"), 4, 20*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	db := setupTestDB(t)
	d := New(db, newFakeSessions(map[string]string{"a1": "sess-1"}), ch, nil)
	iv, err := d.Dispatch(context.Background(), guidance("a1"))
	if err != nil || iv.Outcome != models.DeliveryDelivered {
		t.Fatalf("Dispatch = %+v, %v", iv, err)
	}

	select {
	case m := <-w.Messages():
		if !strings.Contains(m.Text, "refocus") {
			t.Errorf("message = %q", m.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbox watcher did not receive the message")
	}

	if err := ch.Close("sess-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := ch.Resume(context.Background(), "sess-1"); err != ErrNoSession {
		t.Errorf("Resume after Close = %v", err)
	}
}
