package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/span-profiler/internal/parser/dump"
	"github.com/span-profiler/internal/storage"
)

// Set through -ldflags "-X".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version, build and supported format information",
	// The version never needs a configuration.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s version %s (%s, built %s)\n", BinName(), Version, GitCommit, BuildTime)
		fmt.Fprintf(out, "  Go Version:   %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		fmt.Fprintf(out, "  Dump formats: %v\n", dump.NewRegistry().Formats())
		fmt.Fprintf(out, "  Storage:      %v\n", storage.Types())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
