package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/span-profiler/internal/repository"
)

var sessionsLimit int

// sessionsCmd represents the sessions command
var sessionsCmd = &cobra.Command{
	Use:   "sessions [uuid]",
	Short: "List recorded replay sessions",
	Long: `Sessions lists the most recent replay sessions recorded in the configured
database, or shows a single session when its uuid is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSessions,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)

	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", 20, "Number of sessions to list")
}

func runSessions(cmd *cobra.Command, args []string) error {
	if !cfg.Database.Enabled {
		return fmt.Errorf("database is not enabled in the configuration")
	}
	repos, err := repository.Open(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer repos.Close()

	var list []*repository.ProfilingSession
	if len(args) == 1 {
		s, err := repos.Session.GetByUUID(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		list = append(list, s)
	} else {
		list, err = repos.Session.ListRecent(cmd.Context(), sessionsLimit)
		if err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-36s %-8s %-7s %7s %9s %7s %10s  %s\n",
		"uuid", "status", "format", "threads", "samples", "spans", "elapsed", "source")
	for _, s := range list {
		fmt.Fprintf(out, "%-36s %-8s %-7s %7d %9d %7d %10v  %s\n",
			s.UUID, s.Status, s.Format, s.Threads, s.Samples, s.Spans, s.Elapsed(), s.Source)
		if s.Status == repository.SessionStatusFailed && s.StatusInfo != "" {
			fmt.Fprintf(out, "    %s\n", s.StatusInfo)
		}
	}
	return nil
}
