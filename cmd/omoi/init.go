package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kivo360/omoios/internal/config"
	"github.com/kivo360/omoios/internal/registry"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init [directory]",
	Short: "Create .omoi.yaml and an example fleet file",
	Long: `Initialize a project for monitoring.

Creates:
  .omoi/            store, logs and file inboxes
  .omoi.yaml        project configuration with every default spelled out
  fleet.yaml        example fleet file for 'omoi run --fleet'`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing files")
}

var exampleFleet = registry.Seed{
	Agents: []registry.SeedAgent{
		{ID: "agent-1", SessionRef: "sess-agent-1"},
		{ID: "agent-2", SessionRef: "sess-agent-2"},
		{ID: "validator-1", SessionRef: "sess-validator-1"},
	},
	Tasks: []registry.SeedTask{
		{ID: "api", TicketID: "TCK-1", Phase: 1, Title: "Ticket API", Description: "REST endpoints to create, list and close tickets", Priority: "high"},
		{ID: "docs", TicketID: "TCK-1", Phase: 2, Title: "API docs", Description: "document the ticket endpoints", DependsOn: []string{"api"}},
	},
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolving absolute path: %w", err)
	}

	fmt.Printf("Initializing omoi in %s...\n\n", absPath)

	if err := os.MkdirAll(filepath.Join(absPath, ".omoi", "logs"), 0755); err != nil {
		return fmt.Errorf("creating .omoi directory: %w", err)
	}
	printStatus("✓", "Created .omoi directory structure", color.FgGreen)

	cfg := config.Default()
	cfg.Fleet.SeedFile = "fleet.yaml"
	settings := nest(cfg.Settings())
	if err := writeYAML(filepath.Join(absPath, ".omoi.yaml"), settings); err != nil {
		return err
	}
	if err := writeYAML(filepath.Join(absPath, "fleet.yaml"), exampleFleet); err != nil {
		return err
	}

	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		printStatus("⚠", "ANTHROPIC_API_KEY not set (only needed for the claude scorer or similarity)", color.FgYellow)
	} else {
		printStatus("✓", "ANTHROPIC_API_KEY is set", color.FgGreen)
	}

	fmt.Printf("\n%s omoi initialization complete!\n\n", color.GreenString("✓"))
	fmt.Println("Next: omoi run")
	return nil
}

func writeYAML(path string, v any) error {
	name := filepath.Base(path)
	if _, err := os.Stat(path); err == nil && !initForce {
		printStatus("-", name+" exists, keeping it (use --force to overwrite)", color.FgYellow)
		return nil
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	printStatus("✓", "Created "+name, color.FgGreen)
	return nil
}

// nest turns dotted keys into nested maps so the file reads like a
// hand-written config.
func nest(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for key, val := range flat {
		section, field, ok := strings.Cut(key, ".")
		if !ok {
			out[key] = val
			continue
		}
		m, _ := out[section].(map[string]any)
		if m == nil {
			m = make(map[string]any)
			out[section] = m
		}
		m[field] = val
	}
	return out
}
