// -- cmd/version.go --
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the application version.
// This value is intended to be set at build time using ldflags.
// Example: go build -ldflags "-X github.com/skritek/pagepilot/cmd.Version=1.0.0"
var Version = "0.1.0"

// newVersionCmd creates the `version` command. It needs neither config nor
// logging, so the root hook is overridden with a no-op.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:               "version",
		Short:             "Print the pagepilot version",
		Args:              cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pagepilot %s\n", Version)
		},
	}
}
