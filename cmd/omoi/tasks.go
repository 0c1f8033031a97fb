package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kivo360/omoios/internal/graph"
	"github.com/kivo360/omoios/internal/state"
	"github.com/kivo360/omoios/pkg/models"
)

var (
	tasksState  string
	tasksTicket string
	tasksOwner  string
	tasksLimit  int
	tasksYAML   bool
	tasksReady  bool
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List tasks and their validation state",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := state.TaskFilter{
			State:    models.TaskState(tasksState),
			TicketID: tasksTicket,
			OwnerID:  tasksOwner,
			Limit:    tasksLimit,
		}
		if filter.State != "" && !filter.State.Valid() {
			return fmt.Errorf("unknown task state %q", tasksState)
		}

		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		tasks, err := db.ListTasks(filter)
		if err != nil {
			return err
		}
		if tasksReady {
			all, err := db.ListTasks(state.TaskFilter{})
			if err != nil {
				return err
			}
			if tasks, err = readyTasks(all, tasks); err != nil {
				return err
			}
		}
		if tasksYAML {
			return yaml.NewEncoder(cmd.OutOrStdout()).Encode(tasks)
		}
		displayTasks(cmd.OutOrStdout(), tasks)
		return nil
	},
}

func init() {
	tasksCmd.Flags().StringVar(&tasksState, "state", "", "Only tasks in this state")
	tasksCmd.Flags().StringVar(&tasksTicket, "ticket", "", "Only tasks of this ticket")
	tasksCmd.Flags().StringVar(&tasksOwner, "owner", "", "Only tasks owned by this agent")
	tasksCmd.Flags().IntVar(&tasksLimit, "limit", 50, "Maximum number of tasks")
	tasksCmd.Flags().BoolVar(&tasksYAML, "yaml", false, "Print tasks as YAML")
	tasksCmd.Flags().BoolVar(&tasksReady, "ready", false, "Only pending tasks whose dependencies are accepted, in dependency order")
}

// readyTasks keeps the tasks of shown that are ready to assign, ordered so
// dependencies come first. all must hold every task so edges resolve.
func readyTasks(all, shown []models.Task) ([]models.Task, error) {
	nodes := make([]*models.Task, len(all))
	for i := range all {
		nodes[i] = &all[i]
	}
	g := graph.New()
	if err := g.Build(nodes); err != nil {
		return nil, err
	}
	order, err := g.TopologicalSort()
	if err != nil {
		return nil, err
	}

	ready := make(map[string]bool)
	for _, id := range g.GetReady() {
		ready[id] = true
	}
	byID := make(map[string]models.Task, len(shown))
	for _, t := range shown {
		byID[t.ID] = t
	}
	var out []models.Task
	for _, id := range order {
		if t, ok := byID[id]; ok && ready[id] {
			out = append(out, t)
		}
	}
	return out, nil
}

func displayTasks(w io.Writer, tasks []models.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "No tasks.")
		return
	}
	for _, t := range tasks {
		owner := t.OwnerAgentID
		if owner == "" {
			owner = "-"
		}
		fmt.Fprintf(w, "%s  %-24s %-8s p%d  %-10s %s\n",
			t.ID[:min(8, len(t.ID))], stateColor(t.State).Sprint(t.State), t.Priority, t.Phase, owner, t.Title)
	}
}

func stateColor(s models.TaskState) *color.Color {
	switch s {
	case models.TaskAccepted:
		return color.New(color.FgGreen)
	case models.TaskNeedsWork, models.TaskEscalated:
		return color.New(color.FgRed)
	case models.TaskUnderReview, models.TaskValidationInProgress:
		return color.New(color.FgYellow)
	case models.TaskCancelled:
		return color.New(color.FgHiBlack)
	default:
		return color.New(color.FgCyan)
	}
}
