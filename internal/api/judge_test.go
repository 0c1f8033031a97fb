package api

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kivo360/omoios/internal/guardian"
	"github.com/kivo360/omoios/pkg/models"
)

// fakeCompleter returns a canned reply and remembers the last prompt.
type fakeCompleter struct {
	reply  string
	err    error
	prompt string
	system string
}

func (f *fakeCompleter) Complete(ctx context.Context, system, prompt string, maxTokens int64) (string, error) {
	f.system = system
	f.prompt = prompt
	return f.reply, f.err
}

func input(activity ...string) guardian.Input {
	in := guardian.Input{
		Agent: models.Agent{ID: "a1"},
		Task:  &models.Task{ID: "t1", Title: "Add rate limiting", Description: "limit requests per API key"},
	}
	for _, text := range activity {
		in.Activity = append(in.Activity, models.ActivityEntry{At: time.Now(), Kind: "tool", Text: text})
	}
	return in
}

func TestAlignmentScorer_Score(t *testing.T) {
	tests := []struct {
		name      string
		reply     string
		wantScore float64
		wantErr   bool
	}{
		{"plain json", `{"score": 0.8, "rationale": "on task"}`, 0.8, false},
		{"fenced", "```json\n{\"score\": 0.35, \"rationale\": \"drifting\"}\n```", 0.35, false},
		{"prose around", "Here is my judgment: {\"score\": 1, \"rationale\": \"ok\"} Thanks.", 1, false},
		{"trailing comma", `{"score": 0.6, "rationale": "fine",}`, 0.6, false},
		{"truncated", `{"score": 0.42, "rationale": "cut off`, 0.42, false},
		{"no score", `{"rationale": "unsure"}`, 0, true},
		{"no json", `I cannot judge this.`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewAlignmentScorer(&fakeCompleter{reply: tt.reply})
			j, err := s.Score(context.Background(), input("edited ratelimit.go"))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && j.Score != tt.wantScore {
				t.Errorf("score = %v, want %v", j.Score, tt.wantScore)
			}
		})
	}
}

func TestAlignmentScorer_EdgeCases(t *testing.T) {
	llm := &fakeCompleter{err: errors.New("overloaded")}
	s := NewAlignmentScorer(llm)

	if _, err := s.Score(context.Background(), input("x")); err == nil {
		t.Error("expected completer error to surface")
	}

	noTask := input("x")
	noTask.Task = nil
	if _, err := s.Score(context.Background(), noTask); err == nil {
		t.Error("expected error without a task")
	}

	j, err := s.Score(context.Background(), input())
	if err != nil || j.Score != 0 {
		t.Errorf("empty window = %+v, %v", j, err)
	}
	if llm.prompt != "" {
		t.Error("empty window should not call the model")
	}
}

func TestAlignmentPrompt(t *testing.T) {
	in := input("read middleware.go", "wrote token bucket")
	prior := 0.7
	in.History = []models.TrajectorySnapshot{{AlignmentScore: &prior}, {Degraded: true}}

	p := alignmentPrompt(in)
	for _, want := range []string{
		"Add rate limiting: limit requests per API key",
		"- [tool] read middleware.go\n- [tool] wrote token bucket",
		"- 0.70",
		"- unavailable",
		`"score"`,
	} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestAlignmentPrompt_KeepsNewestActivity(t *testing.T) {
	var activity []string
	activity = append(activity, "OLDEST "+strings.Repeat("x", maxActivityChars/2))
	activity = append(activity, "MIDDLE "+strings.Repeat("y", maxActivityChars/2))
	activity = append(activity, "NEWEST entry")

	p := alignmentPrompt(input(activity...))
	if strings.Contains(p, "OLDEST") {
		t.Error("oldest entry should be dropped")
	}
	if !strings.Contains(p, "NEWEST") || !strings.Contains(p, "MIDDLE") {
		t.Error("newest entries should be kept")
	}
	if strings.Index(p, "MIDDLE") > strings.Index(p, "NEWEST") {
		t.Error("activity should stay oldest first")
	}
}

func TestClaudeSimilarity(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		a, b    string
		want    float64
		wantErr bool
	}{
		{"similar", `{"similarity": 0.92}`, "add auth", "implement auth", 0.92, false},
		{"clamped high", `{"similarity": 1.4}`, "x", "y", 1, false},
		{"clamped low", `{"similarity": -0.2}`, "x", "y", 0, false},
		{"empty side", `{"similarity": 0.9}`, "", "y", 0, false},
		{"missing field", `{"score": 0.5}`, "x", "y", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := &fakeCompleter{reply: tt.reply}
			got, err := NewClaudeSimilarity(llm).Similarity(context.Background(), tt.a, tt.b)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("similarity = %v, want %v", got, tt.want)
			}
			if tt.a != "" && !strings.Contains(llm.prompt, tt.a) {
				t.Error("prompt missing description")
			}
		})
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{`note {"a":{"b":2}} end`, `{"a":{"b":2}}`},
		{`{"a":1`, `{"a":1`},
		{`nothing here`, ``},
	}
	for _, tt := range tests {
		if got := extractJSON(tt.in); got != tt.want {
			t.Errorf("extractJSON(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
