package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kivo360/omoios/internal/config"
	"github.com/kivo360/omoios/internal/logging"
	"github.com/kivo360/omoios/internal/registry"
)

var (
	runAddr     string
	runFleet    string
	runOnce     bool
	runLogPath  string
	runInterval string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the monitoring core",
	Long: `Run the monitoring loop, validation sweeps and the HTTP surface.

Agents report through the HTTP API (see 'omoi status' for the address).
A fleet file (--fleet or fleet.seed_file) registers agents and, on an
empty store, creates the initial tasks.

Use --once to run a single monitoring tick and exit, e.g. from cron.`,
	RunE: runCore,
}

func init() {
	runCmd.Flags().StringVar(&runAddr, "addr", "", "HTTP listen address (default from server.addr)")
	runCmd.Flags().StringVar(&runFleet, "fleet", "", "Fleet file with agents and tasks to seed")
	runCmd.Flags().BoolVar(&runOnce, "once", false, "Run one monitoring tick and exit")
	runCmd.Flags().StringVar(&runLogPath, "log", "", "Debug log path (default .omoi/logs/omoi-debug.log)")
	runCmd.Flags().StringVar(&runInterval, "interval", "", "Override monitor.interval, e.g. 30s")
}

func runCore(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := applyRunFlags(cfg); err != nil {
		return err
	}

	log, err := openLog(runLogPath)
	if err != nil {
		return err
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := buildCore(cfg, log)
	if err != nil {
		return err
	}
	defer c.close()

	if err := c.recoverInterrupted(ctx); err != nil {
		return err
	}
	if cfg.Fleet.SeedFile != "" {
		seed, err := registry.LoadSeed(cfg.Fleet.SeedFile)
		if err != nil {
			return err
		}
		if err := c.seedFleet(ctx, seed); err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("Seeded %d agents from %s", len(seed.Agents), cfg.Fleet.SeedFile), color.FgGreen)
	}

	if runOnce {
		res, err := c.monitor.Tick(ctx)
		if err != nil {
			return err
		}
		c.monitor.WaitSweeps()
		return printTick(cmd.OutOrStdout(), res)
	}

	if err := c.start(ctx); err != nil {
		return err
	}
	printStatus("✓", fmt.Sprintf("Monitoring every %s (grace %s)", cfg.Monitor.Interval, cfg.Monitor.GracePeriod), color.FgGreen)
	printStatus("✓", "Listening on http://"+cfg.Server.Addr, color.FgGreen)
	if c.claude != nil {
		printStatus("✓", "Claude judgments via "+string(c.claude.Model()), color.FgGreen)
	}

	err = c.server.ListenAndServe(ctx, cfg.Server.Addr)
	if c.claude != nil {
		in, out := c.claude.Tracker().Total()
		fmt.Printf("Claude usage: %s input / %s output tokens over %d calls\n",
			formatNumber(int(in)), formatNumber(int(out)), c.claude.Tracker().Calls())
	}
	return err
}

func applyRunFlags(cfg *config.Config) error {
	if runAddr != "" {
		cfg.Server.Addr = runAddr
	}
	if runFleet != "" {
		cfg.Fleet.SeedFile = runFleet
	}
	if runInterval != "" {
		if err := setConfigValue(cfg, "monitor.interval", runInterval); err != nil {
			return err
		}
	}
	return cfg.Validate()
}

func openLog(path string) (*logging.DebugLogger, error) {
	if path != "" {
		return logging.NewDebugLogger(path)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}
	return logging.NewDebugLoggerForDir(cwd), nil
}
