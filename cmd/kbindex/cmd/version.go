package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/tmswan/kbindex/internal/store"
)

// newVersionCmd creates the version command.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "kbindex %s\n", version)
			fmt.Fprintf(out, "  build time:    %s\n", buildTime)
			fmt.Fprintf(out, "  go version:    %s\n", runtime.Version())
			fmt.Fprintf(out, "  sqlite driver: %s (%s)\n", store.DriverName, store.BuildMode)
			return nil
		},
	}
}
