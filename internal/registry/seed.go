package registry

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kivo360/omoios/internal/graph"
	"github.com/kivo360/omoios/pkg/models"
)

// Seed is a fleet file: agents to register and tasks to create at startup.
type Seed struct {
	Agents []SeedAgent `yaml:"agents"`
	Tasks  []SeedTask  `yaml:"tasks"`
}

// SeedAgent describes one agent in a fleet file.
type SeedAgent struct {
	ID         string `yaml:"id"`
	SessionRef string `yaml:"session_ref"`
}

// SeedTask describes one task in a fleet file.
type SeedTask struct {
	ID          string   `yaml:"id"`
	TicketID    string   `yaml:"ticket_id"`
	Phase       int      `yaml:"phase"`
	Title       string   `yaml:"title"`
	Description string   `yaml:"description"`
	Priority    string   `yaml:"priority"`
	DependsOn   []string `yaml:"depends_on"`
}

// LoadSeed reads and validates a fleet file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fleet file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes a fleet file.
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse fleet file: %w", err)
	}

	agents := make(map[string]bool)
	for i, a := range seed.Agents {
		if a.ID == "" {
			return nil, fmt.Errorf("agent %d: id is required", i)
		}
		if agents[a.ID] {
			return nil, fmt.Errorf("agent %s: duplicate id", a.ID)
		}
		agents[a.ID] = true
	}

	tasks := make(map[string]bool)
	for i, t := range seed.Tasks {
		if t.Title == "" {
			return nil, fmt.Errorf("task %d: title is required", i)
		}
		if _, err := ParsePriority(t.Priority); err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
		if t.ID != "" {
			if tasks[t.ID] {
				return nil, fmt.Errorf("task %s: duplicate id", t.ID)
			}
			tasks[t.ID] = true
		}
	}
	return &seed, nil
}

// Order returns the seed tasks with every task after the tasks it depends
// on. Dependencies may be declared in any order; unknown references and
// cycles are errors.
func (s *Seed) Order() ([]SeedTask, error) {
	byKey := make(map[string]SeedTask, len(s.Tasks))
	nodes := make([]*models.Task, 0, len(s.Tasks))
	for i, t := range s.Tasks {
		key := t.ID
		if key == "" {
			key = fmt.Sprintf("#%04d", i)
		}
		byKey[key] = t
		nodes = append(nodes, &models.Task{ID: key, DependsOn: t.DependsOn})
	}

	g := graph.New()
	if err := g.Build(nodes); err != nil {
		return nil, fmt.Errorf("seed tasks: %w", err)
	}
	keys, err := g.TopologicalSort()
	if err != nil {
		return nil, fmt.Errorf("seed tasks: %w", err)
	}
	ordered := make([]SeedTask, 0, len(keys))
	for _, k := range keys {
		ordered = append(ordered, byKey[k])
	}
	return ordered, nil
}

// Spec converts a seed task into a task spec.
func (t SeedTask) Spec() models.TaskSpec {
	p, _ := ParsePriority(t.Priority)
	return models.TaskSpec{
		TicketID:    t.TicketID,
		Phase:       t.Phase,
		Title:       t.Title,
		Description: t.Description,
		Priority:    &p,
		DependsOn:   t.DependsOn,
	}
}

// ParsePriority parses a priority name. Empty means medium.
func ParsePriority(s string) (models.Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return models.PriorityLow, nil
	case "", "medium":
		return models.PriorityMedium, nil
	case "high":
		return models.PriorityHigh, nil
	case "critical":
		return models.PriorityCritical, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}
