// -- cmd/replay.go --
package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/skritek/pagepilot/internal/agent"
	"github.com/skritek/pagepilot/internal/browser"
	"github.com/skritek/pagepilot/internal/observability"
	"github.com/skritek/pagepilot/internal/store"
)

// newReplayCmd creates and configures the `replay` command.
func newReplayCmd(st *rootState) *cobra.Command {
	replayCmd := &cobra.Command{
		Use:   "replay <episode-id>",
		Short: "Re-drive a persisted episode against the live site",
		Long: `Replay loads a recorded episode from the store and re-executes its
actions without a model in the loop. Recorded elements are matched on the
live page by structural signature, so the page may have changed shape
since the recording; actions whose element is gone halt the replay unless
--skip-divergent is set.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg := st.cfg

			if !cfg.Store.Enabled() {
				return fmt.Errorf("replay needs the episode store; set store.dsn or PAGEPILOT_STORE_DSN")
			}
			skipDivergent, err := cmd.Flags().GetBool("skip-divergent")
			if err != nil {
				return err
			}

			dbStore, err := store.Open(ctx, cfg.Store.DSN, logger)
			if err != nil {
				return fmt.Errorf("failed to open episode store: %w", err)
			}
			defer dbStore.Close()

			manager := browser.NewManager(cfg, logger)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				if err := manager.Shutdown(shutdownCtx); err != nil {
					logger.Warn("Error during browser manager shutdown.", zap.Error(err))
				}
			}()

			session, err := manager.NewSession(ctx)
			if err != nil {
				return fmt.Errorf("failed to open browser session: %w", err)
			}
			defer func() {
				if err := session.Close(); err != nil {
					logger.Warn("Failed to close browser session.", zap.Error(err))
				}
			}()

			replayer := agent.NewReplayer(logger, cfg.Agent,
				agent.ReplayConfig{SkipDivergent: skipDivergent}, session, dbStore)

			report, err := replayer.Replay(ctx, args[0])
			if err != nil {
				return err
			}
			printReplayReport(cmd.OutOrStdout(), report)

			if report.Halted {
				return fmt.Errorf("replay halted after a divergence at step %d", report.StepsReplayed)
			}
			return nil
		},
	}

	replayCmd.Flags().Bool("skip-divergent", false, "Skip actions whose recorded element is gone instead of halting.")
	return replayCmd
}

// printReplayReport writes the human-readable replay outcome.
func printReplayReport(w io.Writer, rep *agent.ReplayReport) {
	fmt.Fprintf(w, "\nReplay of episode %s\n", rep.EpisodeID)
	fmt.Fprintf(w, "  Task:    %s\n", rep.Task)
	fmt.Fprintf(w, "  Steps:   %d of %d replayed\n", rep.StepsReplayed, rep.StepsTotal)
	fmt.Fprintf(w, "  Actions: %d run, %d skipped\n", rep.ActionsRun, rep.ActionsSkipped)
	if rep.FinalURL != "" {
		fmt.Fprintf(w, "  URL:     %s\n", rep.FinalURL)
	}
	for _, d := range rep.Divergences {
		fmt.Fprintf(w, "  Divergence at step %d, %s on %s: %s\n",
			d.StepIndex, d.Action, d.Signature, d.Reason)
	}
}
