// -- cmd/episodes.go --
package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/skritek/pagepilot/api/schemas"
	"github.com/skritek/pagepilot/internal/observability"
	"github.com/skritek/pagepilot/internal/store"
)

// newEpisodesCmd creates the `episodes` command listing recorded runs.
func newEpisodesCmd(st *rootState) *cobra.Command {
	episodesCmd := &cobra.Command{
		Use:   "episodes",
		Short: "List recent episodes from the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg := st.cfg

			if !cfg.Store.Enabled() {
				return fmt.Errorf("listing episodes needs the episode store; set store.dsn or PAGEPILOT_STORE_DSN")
			}
			limit, err := cmd.Flags().GetInt("limit")
			if err != nil {
				return err
			}

			dbStore, err := store.Open(ctx, cfg.Store.DSN, logger)
			if err != nil {
				return fmt.Errorf("failed to open episode store: %w", err)
			}
			defer dbStore.Close()

			episodes, err := dbStore.ListEpisodes(ctx, limit)
			if err != nil {
				return err
			}
			printEpisodeList(cmd.OutOrStdout(), episodes)
			return nil
		},
	}

	episodesCmd.Flags().IntP("limit", "n", 20, "Maximum number of episodes to list.")
	return episodesCmd
}

// printEpisodeList renders episode headers, newest first.
func printEpisodeList(w io.Writer, episodes []schemas.EpisodeRecord) {
	if len(episodes) == 0 {
		fmt.Fprintln(w, "No episodes recorded yet.")
		return
	}

	fmt.Fprintf(w, "%-36s  %-8s  %-7s  %5s  %7s  %-19s  %s\n",
		"ID", "STATUS", "OUTCOME", "STEPS", "TOKENS", "STARTED", "TASK")
	for i := range episodes {
		ep := &episodes[i]
		outcome := "-"
		switch {
		case ep.Success:
			outcome = "ok"
		case ep.PartialSuccess:
			outcome = "partial"
		}
		fmt.Fprintf(w, "%-36s  %-8s  %-7s  %5d  %7d  %-19s  %s\n",
			ep.ID, ep.Status, outcome, ep.Steps, ep.TokensUsed,
			ep.StartedAt.Local().Format("2006-01-02 15:04:05"),
			ellipsize(ep.Task, 60))
	}
}

// ellipsize shortens s to at most n runes for single-line display.
func ellipsize(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}
