package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/span-profiler/internal/export"
	"github.com/span-profiler/internal/parser"
	"github.com/span-profiler/internal/parser/dump"
	"github.com/span-profiler/pkg/filter"
)

var (
	// Convert command flags
	convertInput  string
	convertOutput string
	convertTop    int
	allFrames     bool
)

// convertCmd represents the convert command
var convertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Convert a trace dump into a pprof profile",
	Long: `Convert writes the samples of a dump as a gzip-compressed pprof profile,
one location per frame and one sample per thread and stack trace. The frame
filter of the configuration applies.`,
	RunE: runConvert,
}

func init() {
	rootCmd.AddCommand(convertCmd)

	convertCmd.Flags().StringVarP(&convertInput, "input", "i", "", "Input dump file (required)")
	convertCmd.Flags().StringVarP(&convertOutput, "output", "o", "profile.pb.gz", "Output profile path")
	convertCmd.Flags().IntVarP(&convertTop, "top", "n", 0, "Print the top N functions by samples")
	convertCmd.Flags().BoolVar(&allFrames, "all-frames", false, "Keep native and kernel frames")
	convertCmd.MarkFlagRequired("input")
}

func runConvert(cmd *cobra.Command, args []string) error {
	log := GetLogger()

	s, err := dump.Open(convertInput,
		parser.WithLogger(log),
		parser.WithBufferSize(cfg.Reader.BufferSize),
		parser.WithMmap(cfg.Reader.UseMmap),
	)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", convertInput, err)
	}
	defer s.Close()

	b := export.NewBuilder(export.Options{
		Period:         cfg.Profiling.SamplingInterval,
		JavaFramesOnly: !allFrames,
		Frames:         filter.NewClassFilter(cfg.Profiling.IncludedClasses, cfg.Profiling.ExcludedClasses),
	})
	if err := b.AddSession(cmd.Context(), s); err != nil {
		return err
	}
	p, err := b.Profile()
	if err != nil {
		return err
	}
	if err := export.WriteFile(convertOutput, p); err != nil {
		return err
	}
	log.Info("Wrote %d samples to %s (%d unknown stack traces skipped)", len(p.Sample), convertOutput, b.Unknown())

	if convertTop > 0 {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%8s %7s %8s %7s  %s\n", "flat", "flat%", "cum", "cum%", "function")
		for _, f := range export.TopFunctions(p, convertTop, false) {
			fmt.Fprintf(out, "%8d %6.2f%% %8d %6.2f%%  %s\n", f.Flat, f.FlatPct, f.Cum, f.CumPct, f.Name)
		}
	}
	return nil
}
