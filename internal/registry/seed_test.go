package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/kivo360/omoios/internal/graph"
	"github.com/kivo360/omoios/pkg/models"
)

const testSeed = `
agents:
  - id: agent-1
    session_ref: sess-1
  - id: agent-2
tasks:
  - id: t-api
    ticket_id: TCK-1
    phase: 2
    title: Build API
    description: REST endpoints for tickets
    priority: high
  - title: Write docs
    depends_on: [t-api]
`

func TestLoadSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	if err := os.WriteFile(path, []byte(testSeed), 0644); err != nil {
		t.Fatal(err)
	}

	seed, err := LoadSeed(path)
	if err != nil {
		t.Fatalf("LoadSeed failed: %v", err)
	}
	if len(seed.Agents) != 2 || seed.Agents[0].SessionRef != "sess-1" {
		t.Errorf("unexpected agents: %+v", seed.Agents)
	}
	if len(seed.Tasks) != 2 {
		t.Fatalf("len(tasks) = %d, want 2", len(seed.Tasks))
	}

	spec := seed.Tasks[0].Spec()
	if spec.Phase != 2 || spec.TicketID != "TCK-1" || *spec.Priority != models.PriorityHigh {
		t.Errorf("unexpected spec: %+v", spec)
	}
	docs := seed.Tasks[1].Spec()
	if *docs.Priority != models.PriorityMedium {
		t.Errorf("default priority = %v, want medium", *docs.Priority)
	}
	if len(docs.DependsOn) != 1 || docs.DependsOn[0] != "t-api" {
		t.Errorf("DependsOn = %v", docs.DependsOn)
	}
}

func TestParseSeed_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"agent without id", "agents:\n  - session_ref: x\n"},
		{"duplicate agent", "agents:\n  - id: a\n  - id: a\n"},
		{"task without title", "tasks:\n  - id: t\n"},
		{"bad priority", "tasks:\n  - title: x\n    priority: urgent\n"},
		{"duplicate task", "tasks:\n  - id: t\n    title: x\n  - id: t\n    title: y\n"},
		{"not yaml", "agents: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseSeed([]byte(tt.yaml)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadSeed_MissingFile(t *testing.T) {
	if _, err := LoadSeed(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParsePriority(t *testing.T) {
	tests := map[string]models.Priority{
		"":         models.PriorityMedium,
		"low":      models.PriorityLow,
		"HIGH":     models.PriorityHigh,
		"critical": models.PriorityCritical,
	}
	for in, want := range tests {
		got, err := ParsePriority(in)
		if err != nil || got != want {
			t.Errorf("ParsePriority(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
}

func TestSeedOrder(t *testing.T) {
	tests := []struct {
		name    string
		tasks   []SeedTask
		want    []string
		wantErr error
	}{
		{
			name: "dependency declared later",
			tasks: []SeedTask{
				{ID: "docs", Title: "Write docs", DependsOn: []string{"api"}},
				{ID: "api", Title: "Build API"},
			},
			want: []string{"Build API", "Write docs"},
		},
		{
			name: "unnamed task after its dependency",
			tasks: []SeedTask{
				{Title: "Release", DependsOn: []string{"tests"}},
				{ID: "tests", Title: "Add tests", DependsOn: []string{"api"}},
				{ID: "api", Title: "Build API"},
			},
			want: []string{"Build API", "Add tests", "Release"},
		},
		{
			name: "cycle",
			tasks: []SeedTask{
				{ID: "a", Title: "A", DependsOn: []string{"b"}},
				{ID: "b", Title: "B", DependsOn: []string{"a"}},
			},
			wantErr: graph.ErrCycleDetected,
		},
		{
			name:  "unknown dependency",
			tasks: []SeedTask{{ID: "a", Title: "A", DependsOn: []string{"missing"}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seed := &Seed{Tasks: tt.tasks}
			got, err := seed.Order()
			if tt.want == nil {
				if err == nil {
					t.Fatal("expected error")
				}
				if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
					t.Errorf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			var titles []string
			for _, st := range got {
				titles = append(titles, st.Title)
			}
			if len(titles) != len(tt.want) {
				t.Fatalf("order = %v, want %v", titles, tt.want)
			}
			for i := range titles {
				if titles[i] != tt.want[i] {
					t.Errorf("order = %v, want %v", titles, tt.want)
					break
				}
			}
		})
	}
}
