// -- cmd/actions.go --
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skritek/pagepilot/internal/actions"
)

// newActionsCmd creates the `actions` command. The catalog is static, so
// the command skips config loading and prints exactly the text the model
// sees in its system prompt.
func newActionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "actions",
		Short: "Print the builtin action catalog",
		Long: `Actions prints the deterministic catalog of builtin actions, with their
parameters, exactly as it is embedded in the model's system prompt.`,
		Args:              cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprint(cmd.OutOrStdout(), actions.NewBuiltinRegistry().Catalog())
		},
	}
}
