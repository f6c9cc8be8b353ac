// -- cmd/run.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/skritek/pagepilot/api/schemas"
	"github.com/skritek/pagepilot/internal/agent"
	"github.com/skritek/pagepilot/internal/browser"
	"github.com/skritek/pagepilot/internal/config"
	"github.com/skritek/pagepilot/internal/convo"
	"github.com/skritek/pagepilot/internal/llmclient"
	"github.com/skritek/pagepilot/internal/observability"
	"github.com/skritek/pagepilot/internal/store"
)

// newRunCmd creates and configures the `run` command.
func newRunCmd(st *rootState) *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run [task...]",
		Short: "Run browser episodes for one or more natural-language tasks",
		Long: `Run starts an episode for the task given as arguments, or a fleet of
episodes when --tasks is repeated. Each episode gets its own browser
session; --parallel bounds how many run at once.`,
		Args: cobra.ArbitraryArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind override flags to their viper keys so command-line values
			// take precedence over file and environment values.
			if err := st.v.BindPFlag("agent::max_steps", cmd.Flags().Lookup("max-steps")); err != nil {
				return err
			}
			if err := st.v.BindPFlag("agent::screenshot_every_step", cmd.Flags().Lookup("screenshots")); err != nil {
				return err
			}
			if err := st.v.BindPFlag("browser::headless", cmd.Flags().Lookup("headless")); err != nil {
				return err
			}
			if err := st.v.BindPFlag("store::dsn", cmd.Flags().Lookup("dsn")); err != nil {
				return err
			}
			return st.reload()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			// Use the context passed from main.go (signal-aware).
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg := st.cfg

			tasks, err := cmd.Flags().GetStringArray("tasks")
			if err != nil {
				return err
			}
			parallel, err := cmd.Flags().GetInt("parallel")
			if err != nil {
				return err
			}

			switch {
			case len(tasks) > 0 && len(args) > 0:
				return fmt.Errorf("give the task as arguments or with --tasks, not both")
			case len(tasks) == 0 && len(args) == 0:
				return fmt.Errorf("no task given")
			case len(tasks) == 0:
				tasks = []string{strings.Join(args, " ")}
			}

			logger.Info("Starting episode run.",
				zap.Int("tasks", len(tasks)),
				zap.Int("parallel", parallel),
				zap.Bool("persistence", cfg.Store.Enabled()),
			)

			// 1. Initialize shared components.
			components, err := initializeRunComponents(ctx, cfg, logger)
			if err != nil {
				if components != nil {
					components.Shutdown()
				}
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			// A nil *store.Store must not become a non-nil interface.
			var episodeStore schemas.EpisodeStore
			if components.Store != nil {
				episodeStore = components.Store
			}
			estimator := convo.NewTiktokenEstimator()

			// 2. Single episode on the calling goroutine.
			if len(tasks) == 1 && parallel <= 1 {
				session, err := components.Browser.NewSession(ctx)
				if err != nil {
					return fmt.Errorf("failed to open browser session: %w", err)
				}
				defer func() {
					if err := session.Close(); err != nil {
						logger.Warn("Failed to close browser session.", zap.Error(err))
					}
				}()

				orch := agent.New(logger, cfg.Agent, agent.Deps{
					Browser:      session,
					LLM:          components.LLM,
					Store:        episodeStore,
					Estimator:    estimator,
					ArtifactsDir: cfg.Artifacts.Dir,
				})

				result, runErr := orch.RunEpisode(ctx, tasks[0])
				if result != nil {
					printEpisodeResult(cmd.OutOrStdout(), result)
				}
				if runErr != nil {
					if errors.Is(runErr, context.Canceled) {
						logger.Warn("Episode aborted by user signal.")
						return fmt.Errorf("episode aborted: %w", runErr)
					}
					return runErr
				}
				return nil
			}

			// 3. Fleet: one session per task, bounded parallelism.
			fleet := agent.NewFleet(logger, cfg.Agent, agent.FleetDeps{
				NewSession: func(ctx context.Context) (schemas.BrowserController, error) {
					sess, err := components.Browser.NewSession(ctx)
					if err != nil {
						return nil, err
					}
					return sess, nil
				},
				LLM:          components.LLM,
				Store:        episodeStore,
				Estimator:    estimator,
				ArtifactsDir: cfg.Artifacts.Dir,
			}, parallel)

			results, fleetErr := fleet.Run(ctx, tasks)
			failed := 0
			for i := range results {
				if results[i].Result != nil {
					printEpisodeResult(cmd.OutOrStdout(), results[i].Result)
				}
				if results[i].Err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "\nTask %q failed: %v\n", results[i].Task, results[i].Err)
				}
			}
			if fleetErr != nil {
				if errors.Is(fleetErr, context.Canceled) {
					logger.Warn("Fleet aborted by user signal.")
					return fmt.Errorf("fleet aborted: %w", fleetErr)
				}
				return fleetErr
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d tasks failed", failed, len(results))
			}
			return nil
		},
	}

	runCmd.Flags().StringArray("tasks", nil, "Task to run as part of a fleet; repeatable.")
	runCmd.Flags().IntP("parallel", "j", 1, "Maximum episodes running at once.")
	runCmd.Flags().Int("max-steps", 0, "Per-episode step limit. (Overrides config/env)")
	runCmd.Flags().Bool("screenshots", false, "Capture a viewport screenshot after every step. (Overrides config/env)")
	runCmd.Flags().Bool("headless", true, "Run the browser headless. (Overrides config/env)")
	runCmd.Flags().String("dsn", "", "Postgres DSN for the episode store. (Overrides config/env)")

	return runCmd
}

// runComponents holds the services episodes share within one invocation.
type runComponents struct {
	Store   *store.Store
	Browser *browser.Manager
	LLM     schemas.LLMClient
}

// Shutdown gracefully closes all components.
func (rc *runComponents) Shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if rc.Browser != nil {
		if err := rc.Browser.Shutdown(shutdownCtx); err != nil {
			observability.GetLogger().Warn("Error during browser manager shutdown.", zap.Error(err))
		}
	}
	if rc.LLM != nil {
		if err := rc.LLM.Close(); err != nil {
			observability.GetLogger().Warn("Error closing llm client.", zap.Error(err))
		}
	}
	if rc.Store != nil {
		rc.Store.Close()
	}
}

// initializeRunComponents handles dependency injection for episode runs.
func initializeRunComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*runComponents, error) {
	components := &runComponents{}

	// 1. Episode store, only when a DSN is configured.
	if cfg.Store.Enabled() {
		dbStore, err := store.Open(ctx, cfg.Store.DSN, logger)
		if err != nil {
			return components, fmt.Errorf("failed to open episode store: %w", err)
		}
		components.Store = dbStore
	}

	// 2. Browser manager. Chrome itself starts lazily with the first session.
	components.Browser = browser.NewManager(cfg, logger)

	// 3. Decision model client.
	llm, err := llmclient.NewClient(ctx, cfg.Agent.LLM, logger)
	if err != nil {
		return components, fmt.Errorf("failed to initialize llm client: %w", err)
	}
	components.LLM = llm

	return components, nil
}

// printEpisodeResult writes the human-readable outcome of one episode.
func printEpisodeResult(w io.Writer, res *agent.EpisodeResult) {
	ep := &res.Episode

	outcome := "none"
	switch {
	case ep.Success:
		outcome = "success"
	case ep.PartialSuccess:
		outcome = "partial"
	}

	fmt.Fprintf(w, "\nEpisode %s: %s\n", ep.ID, ep.Status)
	fmt.Fprintf(w, "  Task:    %s\n", ep.Task)
	fmt.Fprintf(w, "  Outcome: %s   Steps: %d   Tokens: %d\n", outcome, ep.Steps, ep.TokensUsed)
	if ep.FinalURL != "" {
		fmt.Fprintf(w, "  URL:     %s\n", ep.FinalURL)
	}
	if ep.Summary != "" {
		fmt.Fprintf(w, "  Summary: %s\n", ep.Summary)
	}
}
