package graph

import (
	"sort"

	"github.com/kivo360/omoios/pkg/models"
)

// CausalGraph is the source -> spawned task graph rebuilt from the
// discovery edge log. It is never mutated in place; apply newer edges
// with Replay.
type CausalGraph struct {
	children map[string][]models.DiscoveryEdge
	parent   map[string]models.DiscoveryEdge
	lastSeq  int64
}

// NewCausalGraph returns an empty causal graph.
func NewCausalGraph() *CausalGraph {
	return &CausalGraph{
		children: make(map[string][]models.DiscoveryEdge),
		parent:   make(map[string]models.DiscoveryEdge),
	}
}

// ReplayCausal builds a causal graph from a complete edge log.
func ReplayCausal(edges []models.DiscoveryEdge) *CausalGraph {
	g := NewCausalGraph()
	g.Replay(edges)
	return g
}

// Replay applies edges in sequence order. Edges at or below the last
// applied sequence are ignored, so replaying an overlapping log is safe.
func (g *CausalGraph) Replay(edges []models.DiscoveryEdge) {
	sorted := append([]models.DiscoveryEdge(nil), edges...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	for _, e := range sorted {
		if e.Seq <= g.lastSeq {
			continue
		}
		g.children[e.SourceTaskID] = append(g.children[e.SourceTaskID], e)
		g.parent[e.SpawnedTaskID] = e
		g.lastSeq = e.Seq
	}
}

// LastSeq returns the highest applied edge sequence.
func (g *CausalGraph) LastSeq() int64 {
	return g.lastSeq
}

// Spawned returns the edges whose source is taskID, in log order.
func (g *CausalGraph) Spawned(taskID string) []models.DiscoveryEdge {
	return append([]models.DiscoveryEdge(nil), g.children[taskID]...)
}

// Origin returns the edge that spawned taskID, if any.
func (g *CausalGraph) Origin(taskID string) (models.DiscoveryEdge, bool) {
	e, ok := g.parent[taskID]
	return e, ok
}

// Chain returns the causal chain that led to taskID, root first.
func (g *CausalGraph) Chain(taskID string) []models.DiscoveryEdge {
	var chain []models.DiscoveryEdge
	seen := map[string]bool{taskID: true}
	for {
		e, ok := g.parent[taskID]
		if !ok || seen[e.SourceTaskID] {
			break
		}
		chain = append(chain, e)
		seen[e.SourceTaskID] = true
		taskID = e.SourceTaskID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// Descendants returns every task transitively spawned from taskID, breadth first.
func (g *CausalGraph) Descendants(taskID string) []string {
	var out []string
	seen := map[string]bool{taskID: true}
	queue := []string{taskID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range g.children[id] {
			if seen[e.SpawnedTaskID] {
				continue
			}
			seen[e.SpawnedTaskID] = true
			out = append(out, e.SpawnedTaskID)
			queue = append(queue, e.SpawnedTaskID)
		}
	}
	return out
}

// WorkflowNode is one task in a ticket's workflow graph.
type WorkflowNode struct {
	TaskID   string           `json:"task_id" yaml:"task_id"`
	Title    string           `json:"title" yaml:"title"`
	Kind     models.TaskKind  `json:"kind" yaml:"kind"`
	Phase    int              `json:"phase" yaml:"phase"`
	State    models.TaskState `json:"state" yaml:"state"`
	ParentID string           `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
}

// WorkflowEdge links a source task to a task spawned by one of its discoveries.
type WorkflowEdge struct {
	From        string `json:"from" yaml:"from"`
	To          string `json:"to" yaml:"to"`
	DiscoveryID string `json:"discovery_id" yaml:"discovery_id"`
}

// Workflow is a ticket's tasks plus the discovery edges between them.
type Workflow struct {
	TicketID string         `json:"ticket_id" yaml:"ticket_id"`
	Nodes    []WorkflowNode `json:"nodes" yaml:"nodes"`
	Edges    []WorkflowEdge `json:"edges" yaml:"edges"`
}

// Workflow projects the causal graph onto the given tasks of one ticket.
func (g *CausalGraph) Workflow(ticketID string, tasks []models.Task) Workflow {
	wf := Workflow{TicketID: ticketID}
	in := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		in[t.ID] = true
		wf.Nodes = append(wf.Nodes, WorkflowNode{
			TaskID:   t.ID,
			Title:    t.Title,
			Kind:     t.Kind,
			Phase:    t.Phase,
			State:    t.State,
			ParentID: t.ParentTaskID,
		})
	}
	sort.Slice(wf.Nodes, func(i, j int) bool { return wf.Nodes[i].TaskID < wf.Nodes[j].TaskID })

	var edges []models.DiscoveryEdge
	for _, t := range tasks {
		for _, e := range g.children[t.ID] {
			if in[e.SpawnedTaskID] {
				edges = append(edges, e)
			}
		}
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].Seq < edges[j].Seq })
	for _, e := range edges {
		wf.Edges = append(wf.Edges, WorkflowEdge{From: e.SourceTaskID, To: e.SpawnedTaskID, DiscoveryID: e.DiscoveryID})
	}
	return wf
}
