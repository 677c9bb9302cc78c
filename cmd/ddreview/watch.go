package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/lamim/ddreview/internal/client"
	"github.com/lamim/ddreview/internal/notify"
	"github.com/lamim/ddreview/internal/orchestrator"
	"github.com/lamim/ddreview/internal/stage"
	"github.com/lamim/ddreview/pkg/models"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <project>",
		Short: "Follow a pipeline until it completes or fails",
		Long: `Poll the pipeline at the cadence its state calls for and render progress.
Read failures keep the last snapshot on screen and retry with backoff.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), args[0])
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.toml", "Configuration file with [polling] settings")
	return cmd
}

func runWatch(ctx context.Context, projectID string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := cliLogger()
	c := client.New(serverURL, logger)

	meta, err := c.Stages(ctx)
	if err != nil {
		return err
	}
	registry, err := stage.New(meta.Stages, meta.Phases)
	if err != nil {
		return fmt.Errorf("server returned an invalid stage catalogue: %w", err)
	}
	return watch(ctx, c, registry, projectID, orchestrator.PollerConfig(cfg.Polling))
}

func watch(ctx context.Context, c *client.Client, registry *stage.Registry, projectID string, pc notify.PollerConfig) error {
	poller := notify.NewPoller(c, projectID, registry, pc, cliLogger())
	updates := make(chan notify.Update, 1)
	done := make(chan error, 1)
	go func() {
		done <- poller.Run(ctx, updates)
	}()

	terminal := registry.Terminal()
	bar := progressbar.NewOptions(terminal.Order,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("Starting"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(false),
	)

	var lastPaused bool
	for {
		select {
		case u := <-updates:
			if u.Stale() {
				bar.Describe(fmt.Sprintf("Retrying in %s (%v)", u.Interval, u.Err))
				continue
			}
			p := u.Pipeline
			if order, err := registry.Order(p.CurrentStage); err == nil {
				_ = bar.Set(min(order, terminal.Order))
			}
			bar.Describe(fmt.Sprintf("%s [%s]", p.CurrentStage, p.Status))

			paused := p.Status == models.StatusPaused
			if paused && !lastPaused {
				if cp, err := c.GetPendingCheckpoint(ctx, projectID); err == nil && cp != nil {
					_ = bar.Clear()
					fmt.Fprintf(os.Stderr, "\nCheckpoint %s (%s) is awaiting input: ddreview checkpoint show %s\n", cp.ID, cp.Type, cp.ID)
				}
			}
			lastPaused = paused

		case err := <-done:
			last := poller.Last()
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
			if last == nil {
				return nil
			}
			if last.Status == models.StatusCompleted {
				_ = bar.Finish()
			}
			fmt.Fprintln(os.Stderr)
			if jsonOutput {
				return printJSON(last)
			}
			printPipeline(last)
			if last.Status == models.StatusFailed && !last.Cancelled {
				printResumeHint(registry, last)
			}
			return nil
		}
	}
}

// printResumeHint lists where a failed run can be restarted from
func printResumeHint(registry *stage.Registry, p *models.Pipeline) {
	targets, err := registry.ResumeTargets(p.CurrentStage)
	if err != nil {
		return
	}
	if current, err := registry.Get(p.CurrentStage); err == nil && current.Resumable {
		targets = append(targets, current)
	}
	if len(targets) == 0 {
		return
	}
	ids := make([]string, len(targets))
	for i, t := range targets {
		ids[i] = string(t.ID)
	}
	fmt.Printf("\nResumable from: %s\n", strings.Join(ids, ", "))
	fmt.Printf("  ddreview advance %s resume_from --stage <stage> --revision %d\n", p.ProjectID, p.Revision)
}
