// -- cmd/root.go --
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/skritek/pagepilot/internal/config"
	"github.com/skritek/pagepilot/internal/observability"
)

// rootState carries the viper instance and the resolved configuration from
// the root command's PersistentPreRunE into the subcommands. Each command
// tree gets its own instance so tests never leak state into each other.
type rootState struct {
	cfgFile string
	v       *viper.Viper
	cfg     *config.Config
}

// initConfig reads the config file and environment and resolves the
// configuration struct.
func (st *rootState) initConfig() error {
	if st.cfgFile != "" {
		st.v.SetConfigFile(st.cfgFile)
	} else {
		st.v.AddConfigPath(".")
		st.v.SetConfigName("pagepilot")
		st.v.SetConfigType("yaml")
	}

	config.SetDefaults(st.v)
	st.v.SetEnvPrefix("PAGEPILOT")
	st.v.SetEnvKeyReplacer(strings.NewReplacer(config.KeyDelimiter, "_"))
	st.v.AutomaticEnv()

	if err := st.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults and env vars carry the run.
	}
	return st.reload()
}

// reload re-resolves the configuration. Subcommands call this from PreRunE
// after binding their flags, so flag overrides win with the right
// precedence.
func (st *rootState) reload() error {
	cfg, err := config.NewConfigFromViper(st.v)
	if err != nil {
		return err
	}
	st.cfg = cfg
	return nil
}

// newRootCmd builds a fresh command tree.
func newRootCmd() (*cobra.Command, *rootState) {
	st := &rootState{v: config.NewViper()}

	rootCmd := &cobra.Command{
		Use:   "pagepilot",
		Short: "PagePilot drives a real browser through natural-language tasks.",
		Long: `PagePilot perceives web pages as numbered interactive elements, asks a
language model which actions to take, executes them in a real browser and
keeps going until the task is done.`,
		// Version is dynamically set at build time. See cmd/version.go.
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Runs before any command, setting up config and logging.
			if err := st.initConfig(); err != nil {
				return err
			}
			observability.InitializeLogger(st.cfg.Logger)
			observability.GetLogger().Info("Starting pagepilot.", zap.String("version", Version))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&st.cfgFile, "config", "c", "", "config file (default is ./pagepilot.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(
		newRunCmd(st),
		newReplayCmd(st),
		newEpisodesCmd(st),
		newActionsCmd(),
		newVersionCmd(),
	)
	return rootCmd, st
}

// Execute runs the CLI against the given signal-aware context.
func Execute(ctx context.Context) error {
	rootCmd, _ := newRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}
