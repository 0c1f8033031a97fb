package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kivo360/omoios/internal/config"
	"github.com/kivo360/omoios/internal/monitor"
	"github.com/kivo360/omoios/internal/state"
	"github.com/kivo360/omoios/pkg/models"
)

var statusYAML bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show fleet coherence and task state",
	Long: `Display the last recorded state of the monitoring core.

Shows:
  - The latest coherence snapshot: score, band, duplicates, interventions
  - Per-agent alignment from that tick
  - Task counts per validation state

Reads the store directly, so it works whether or not 'omoi run' is up.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusYAML, "yaml", false, "Print the report as YAML")
}

type statusReport struct {
	Store     string         `yaml:"store"`
	Ticks     int            `yaml:"ticks"`
	Coherence *coherenceView `yaml:"coherence,omitempty"`
	Tasks     map[string]int `yaml:"tasks"`
}

type coherenceView struct {
	TickID        string      `yaml:"tick_id"`
	At            time.Time   `yaml:"at"`
	Score         float64     `yaml:"score"`
	Band          string      `yaml:"band"`
	Status        string      `yaml:"status"`
	Agents        []agentView `yaml:"agents"`
	Duplicates    int         `yaml:"duplicates"`
	Interventions int         `yaml:"interventions"`
	Advice        []string    `yaml:"recommendations,omitempty"`
}

type agentView struct {
	ID       string   `yaml:"id"`
	Score    *float64 `yaml:"score"`
	Steering string   `yaml:"steering,omitempty"`
	Degraded bool     `yaml:"degraded,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if _, err := os.Stat(cfg.Store.Path); os.IsNotExist(err) {
		fmt.Fprintln(cmd.OutOrStdout(), "No store yet. Run 'omoi run' to start monitoring.")
		return nil
	}

	db, err := state.OpenDriver(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	report, err := buildStatus(db, cfg.Store.Path)
	if err != nil {
		return err
	}
	if statusYAML {
		return yaml.NewEncoder(cmd.OutOrStdout()).Encode(report)
	}
	displayStatus(cmd.OutOrStdout(), report)
	return nil
}

func buildStatus(db *state.DB, path string) (*statusReport, error) {
	report := &statusReport{Store: path, Tasks: make(map[string]int)}

	n, err := db.CountCoherenceSnapshots()
	if err != nil {
		return nil, err
	}
	report.Ticks = n

	snap, err := db.LatestCoherenceSnapshot()
	if err != nil {
		return nil, err
	}
	if snap != nil {
		report.Coherence = viewCoherence(snap)
	}

	tasks, err := db.ListTasks(state.TaskFilter{})
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	for _, t := range tasks {
		report.Tasks[string(t.State)]++
	}
	return report, nil
}

func viewCoherence(snap *models.CoherenceSnapshot) *coherenceView {
	v := &coherenceView{
		TickID:        snap.TickID,
		At:            snap.CreatedAt,
		Score:         snap.Score,
		Band:          string(snap.Band),
		Status:        snap.Status,
		Duplicates:    len(snap.Duplicates),
		Interventions: len(snap.Interventions),
		Advice:        snap.Recommendations,
	}
	for _, t := range snap.Trajectories {
		a := agentView{ID: t.AgentID, Score: t.AlignmentScore, Degraded: t.Degraded}
		if t.NeedsSteering {
			a.Steering = string(t.SteeringCategory)
		}
		v.Agents = append(v.Agents, a)
	}
	return v
}

func displayStatus(w io.Writer, r *statusReport) {
	fmt.Fprintf(w, "Store: %s (%d ticks)\n", r.Store, r.Ticks)

	if r.Coherence == nil {
		fmt.Fprintln(w, "Coherence: no tick has completed yet")
	} else {
		c := r.Coherence
		fmt.Fprintf(w, "Coherence: %s %.2f (%s) at tick %s, %s ago\n",
			bandColor(c.Band).Sprint(strings.ToUpper(c.Band)), c.Score, c.Status, c.TickID,
			formatDuration(time.Since(c.At)))
		fmt.Fprintf(w, "  Duplicates: %d  Interventions: %d\n", c.Duplicates, c.Interventions)
		for _, a := range c.Agents {
			fmt.Fprintf(w, "  %s: %s\n", a.ID, describeAgent(a))
		}
		for _, rec := range c.Advice {
			fmt.Fprintf(w, "  → %s\n", rec)
		}
	}

	if len(r.Tasks) == 0 {
		fmt.Fprintln(w, "Tasks: none")
		return
	}
	fmt.Fprintln(w, "Tasks:")
	for _, s := range taskStateOrder {
		if n := r.Tasks[string(s)]; n > 0 {
			fmt.Fprintf(w, "  %-24s %d\n", s, n)
		}
	}
}

var taskStateOrder = []models.TaskState{
	models.TaskPending,
	models.TaskAssigned,
	models.TaskInProgress,
	models.TaskUnderReview,
	models.TaskValidationInProgress,
	models.TaskNeedsWork,
	models.TaskEscalated,
	models.TaskAccepted,
	models.TaskCancelled,
}

func describeAgent(a agentView) string {
	if a.Degraded || a.Score == nil {
		return color.YellowString("degraded")
	}
	s := fmt.Sprintf("%.2f", *a.Score)
	if a.Steering != "" {
		return color.RedString("%s (%s)", s, a.Steering)
	}
	return color.GreenString(s)
}

func bandColor(band string) *color.Color {
	switch models.CoherenceBand(band) {
	case models.BandHealthy:
		return color.New(color.FgGreen, color.Bold)
	case models.BandWarning:
		return color.New(color.FgYellow, color.Bold)
	default:
		return color.New(color.FgRed, color.Bold)
	}
}

func printTick(w io.Writer, res *monitor.TickResult) error {
	fmt.Fprintf(w, "Tick %s: analyzed %d, degraded %d, excluded %d in %s\n",
		res.TickID, res.Analyzed, res.Degraded, len(res.Excluded), res.Duration.Round(time.Millisecond))
	if res.Coherence != nil {
		displayStatus(w, &statusReport{Coherence: viewCoherence(res.Coherence)})
	}
	return nil
}

// printStatus prints a status line with color
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	days := int(d.Hours()) / 24
	return fmt.Sprintf("%dd", days)
}

// formatNumber formats a number with commas.
func formatNumber(n int) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}

	var result strings.Builder
	offset := len(s) % 3
	if offset > 0 {
		result.WriteString(s[:offset])
		result.WriteString(",")
	}
	for i := offset; i < len(s); i += 3 {
		result.WriteString(s[i : i+3])
		if i+3 < len(s) {
			result.WriteString(",")
		}
	}
	return result.String()
}
