// Package graph provides the task dependency graph and the causal graph
// replayed from the discovery edge log.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/kivo360/omoios/internal/logging"
	"github.com/kivo360/omoios/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the task graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// DependencyGraph represents a directed acyclic graph of task dependencies.
// Tasks are nodes, and edges represent "blocked by" relationships.
// A dependency is satisfied only once its task is accepted.
type DependencyGraph struct {
	mu sync.RWMutex
	// nodes maps task ID to the task itself.
	nodes map[string]*models.Task
	// edges maps task ID to IDs of tasks it depends on (is blocked by).
	edges map[string][]string
	log   *logging.DebugLogger
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes: make(map[string]*models.Task),
		edges: make(map[string][]string),
	}
}

// SetLogger sets the debug logger.
func (g *DependencyGraph) SetLogger(l *logging.DebugLogger) {
	g.log = l.With("graph")
}

// Build constructs the dependency graph from a slice of tasks.
// Returns an error if a cycle is detected or dependencies reference unknown tasks.
func (g *DependencyGraph) Build(tasks []*models.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.log.Log("building graph from %d tasks", len(tasks))

	for _, task := range tasks {
		g.nodes[task.ID] = task
		g.edges[task.ID] = nil
	}

	for _, task := range tasks {
		for _, depID := range task.DependsOn {
			if _, exists := g.nodes[depID]; !exists {
				return fmt.Errorf("task %s depends on unknown task %s", task.ID, depID)
			}
			g.edges[task.ID] = append(g.edges[task.ID], depID)
		}
	}

	if g.hasCycleLocked() {
		return ErrCycleDetected
	}
	return nil
}

// hasCycleLocked uses depth-first search with coloring to find back edges.
func (g *DependencyGraph) hasCycleLocked() bool {
	// 0 = unvisited, 1 = in progress, 2 = done.
	colors := make(map[string]int, len(g.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}
		colors[id] = 2
		return false
	}

	for _, id := range g.sortedIDsLocked() {
		if colors[id] == 0 && visit(id) {
			return true
		}
	}
	return false
}

// TopologicalSort returns task IDs in an order where all dependencies
// come before the tasks that depend on them. Ties are broken by ID.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.hasCycleLocked() {
		return nil, ErrCycleDetected
	}

	visited := make(map[string]bool, len(g.nodes))
	result := make([]string, 0, len(g.nodes))

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, depID := range g.edges[id] {
			visit(depID)
		}
		result = append(result, id)
	}

	for _, id := range g.sortedIDsLocked() {
		visit(id)
	}
	return result, nil
}

// GetReady returns pending task IDs whose dependencies are all accepted.
func (g *DependencyGraph) GetReady() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for _, id := range g.sortedIDsLocked() {
		if g.nodes[id].State != models.TaskPending {
			continue
		}
		if len(g.unmetLocked(id)) == 0 {
			ready = append(ready, id)
		}
	}
	g.log.Log("%d of %d tasks ready", len(ready), len(g.nodes))
	return ready
}

// Unmet returns the dependencies of taskID that are not yet accepted.
func (g *DependencyGraph) Unmet(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.unmetLocked(taskID)
}

func (g *DependencyGraph) unmetLocked(taskID string) []string {
	var unmet []string
	for _, depID := range g.edges[taskID] {
		dep, ok := g.nodes[depID]
		if !ok || dep.State != models.TaskAccepted {
			unmet = append(unmet, depID)
		}
	}
	return unmet
}

func (g *DependencyGraph) sortedIDsLocked() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
