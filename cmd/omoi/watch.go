package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kivo360/omoios/internal/config"
	"github.com/kivo360/omoios/internal/dispatch"
)

var watchPoll time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch <session-ref>",
	Short: "Print interventions delivered to a file inbox",
	Long: `Follow a session inbox written by the file channel (dispatch.mode: file).

This is the agent side of delivery: each message is printed once and
removed from the inbox. Agent harnesses can pipe this into their session.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		dir := filepath.Join(cfg.Dispatch.InboxDir, args[0])

		w, err := dispatch.WatchInbox(dir, cfg.Dispatch.MailboxSize, watchPoll)
		if err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		defer w.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Watching %s\n", dir)
		for {
			select {
			case <-ctx.Done():
				return nil
			case msg, ok := <-w.Messages():
				if !ok {
					return nil
				}
				fmt.Fprintf(out, "%s %s\n", color.CyanString(msg.At.Local().Format("15:04:05")), msg.Text)
			}
		}
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchPoll, "poll", time.Second, "Fallback poll interval when file notifications are unavailable")
}
