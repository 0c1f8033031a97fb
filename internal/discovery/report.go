package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/kivo360/omoios/internal/events"
	"github.com/kivo360/omoios/internal/registry"
	"github.com/kivo360/omoios/pkg/models"
)

// ActivityKind is the activity entry kind agents use to report a discovery.
const ActivityKind = "discovery"

// Report is the JSON body of a discovery activity entry.
type Report struct {
	Category      models.DiscoveryCategory `json:"category"`
	Description   string                   `json:"description"`
	Evidence      map[string]any           `json:"evidence,omitempty"`
	PriorityBoost bool                     `json:"priority_boost"`
	Branch        *BranchRequest           `json:"branch,omitempty"`
}

// BranchRequest asks for the discovery to be branched into a task right away.
type BranchRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Phase       int      `json:"phase"`
	Priority    string   `json:"priority,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

// Spec converts the request into a task spec.
func (b *BranchRequest) Spec() (models.TaskSpec, error) {
	spec := models.TaskSpec{
		Phase:       b.Phase,
		Title:       b.Title,
		Description: b.Description,
		DependsOn:   b.DependsOn,
	}
	if b.Priority != "" {
		p, err := registry.ParsePriority(b.Priority)
		if err != nil {
			return spec, models.Violate(models.CodeInvalidArgument, "discovery", "", "%v", err)
		}
		spec.Priority = &p
	}
	return spec, nil
}

// ParseReport decodes a discovery report. Agents write these by hand, so
// malformed JSON is repaired before giving up.
func ParseReport(text string) (*Report, error) {
	text = strings.TrimSpace(text)
	var r Report
	if err := json.Unmarshal([]byte(text), &r); err != nil {
		fixed, repairErr := jsonrepair.JSONRepair(text)
		if repairErr != nil {
			return nil, fmt.Errorf("parse discovery report: %w", err)
		}
		if err := json.Unmarshal([]byte(fixed), &r); err != nil {
			return nil, fmt.Errorf("parse repaired discovery report: %w", err)
		}
	}
	return &r, nil
}

// HandleActivity records the discovery carried by an agent.activity event.
// Other events are ignored. The source task is the task the agent was on.
func (l *Ledger) HandleActivity(ctx context.Context, e events.Event) (*models.Discovery, *models.Task, error) {
	if e.Type != events.AgentActivity {
		return nil, nil, nil
	}
	if kind, _ := e.Payload["kind"].(string); kind != ActivityKind {
		return nil, nil, nil
	}
	taskID, _ := e.Payload["task_id"].(string)
	text, _ := e.Payload["text"].(string)

	r, err := ParseReport(text)
	if err != nil {
		return nil, nil, models.Violate(models.CodeInvalidArgument, "discovery", "", "%v", err)
	}
	d, err := l.Record(ctx, RecordInput{
		SourceTaskID:  taskID,
		Category:      r.Category,
		Description:   r.Description,
		Evidence:      r.Evidence,
		PriorityBoost: r.PriorityBoost,
	})
	if err != nil {
		return nil, nil, err
	}
	if r.Branch == nil {
		return d, nil, nil
	}
	spec, err := r.Branch.Spec()
	if err != nil {
		return d, nil, err
	}
	task, err := l.Branch(ctx, d.ID, spec)
	return d, task, err
}
