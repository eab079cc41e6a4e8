package cmd

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/span-profiler/internal/parser"
	"github.com/span-profiler/internal/parser/dump"
)

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect <dump>",
	Short: "Show the threads and samples of a trace dump",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

type threadSummary struct {
	records  int64
	resolved int64
	unknown  int64
}

func runInspect(cmd *cobra.Command, args []string) error {
	s, err := dump.Open(args[0], parser.WithLogger(GetLogger()))
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", args[0], err)
	}
	defer s.Close()

	threads := make(map[int64]*threadSummary)
	err = s.ForEachSample(cmd.Context(), func(rec parser.SampleRecord) error {
		ts := threads[rec.NativeThreadID]
		if ts == nil {
			ts = &threadSummary{}
			threads[rec.NativeThreadID] = ts
		}
		ts.records++
		if _, err := s.ResolveStackTrace(rec.StackTraceID, false, nil); err != nil {
			if errors.Is(err, parser.ErrUnknownStackTrace) {
				ts.unknown++
				return nil
			}
			return err
		}
		ts.resolved++
		return nil
	})
	if err != nil {
		return err
	}

	info := s.Info()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Format:   %s\n", info.Format)
	if !info.StartTime.IsZero() {
		fmt.Fprintf(out, "Start:    %s\n", info.StartTime.UTC().Format("2006-01-02T15:04:05.000Z"))
		fmt.Fprintf(out, "Duration: %v\n", info.Duration)
	}
	fmt.Fprintf(out, "Threads:  %d\n\n", len(threads))

	ids := make([]int64, 0, len(threads))
	for id := range threads {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	fmt.Fprintf(out, "%10s %8s %8s  %s\n", "tid", "records", "unknown", "name")
	for _, id := range ids {
		ts := threads[id]
		fmt.Fprintf(out, "%10d %8d %8d  %s\n", id, ts.records, ts.unknown, info.ThreadNames[id])
	}
	return nil
}
