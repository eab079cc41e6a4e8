package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/span-profiler/internal/replay"
	"github.com/span-profiler/internal/repository"
	"github.com/span-profiler/internal/spans"
	"github.com/span-profiler/internal/storage"
	"github.com/span-profiler/pkg/telemetry"
)

var (
	// Replay command flags
	printSpans    bool
	jsonOutput    bool
	storagePrefix string
	workers       int
)

// replayCmd represents the replay command
var replayCmd = &cobra.Command{
	Use:   "replay [dump...]",
	Short: "Replay trace dumps and emit inferred spans",
	Long: `Replay rebuilds a call tree per thread from the samples of each dump,
prunes short nodes and emits one span per remaining method invocation.

Every thread gets a "profiling session thread <tid>" span that parents the
inferred spans of that thread. Compressed dumps (.gz, .zst) are decompressed
first. With --storage-prefix the dumps are fetched from the configured
storage instead of the local file system.`,
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().BoolVar(&printSpans, "print-spans", false, "Print every ended span to stdout")
	replayCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")
	replayCmd.Flags().StringVar(&storagePrefix, "storage-prefix", "", "Replay every dump stored under this prefix")
	replayCmd.Flags().IntVarP(&workers, "workers", "w", 0, "Dumps replayed concurrently (default from config)")
}

func runReplay(cmd *cobra.Command, args []string) error {
	log := GetLogger()
	if len(args) == 0 && storagePrefix == "" {
		return fmt.Errorf("no dumps given: pass files or --storage-prefix")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	paths := args
	if storagePrefix != "" {
		dir, err := os.MkdirTemp("", "spanprof-fetch-*")
		if err != nil {
			return fmt.Errorf("failed to create fetch dir: %w", err)
		}
		defer os.RemoveAll(dir)

		fetched, err := fetchDumps(ctx, storagePrefix, dir)
		if err != nil {
			return err
		}
		paths = append(paths, fetched...)
	}

	var processors []sdktrace.SpanProcessor
	if printSpans {
		processors = append(processors, newSpanPrinter(cmd.OutOrStdout()))
	}
	tp, err := telemetry.NewTracerProvider(ctx, telemetry.GetConfig(), processors...)
	if err != nil {
		return fmt.Errorf("failed to create tracer provider: %w", err)
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			log.Warn("Failed to flush spans: %v", err)
		}
	}()

	rcfg := replay.FromConfig(cfg)
	if workers > 0 {
		rcfg.Workers = workers
	}
	opts := []replay.Option{replay.WithLogger(log)}
	if cfg.Database.Enabled {
		repos, err := repository.Open(&cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer repos.Close()
		opts = append(opts, replay.WithRepository(repos.Session))
	}

	replayer := replay.New(rcfg, tp.Tracer(spans.InstrumentationName), opts...)
	results, replayErr := replayer.ReplayFiles(ctx, paths)

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	} else {
		printResults(cmd.OutOrStdout(), results)
	}
	return replayErr
}

// fetchDumps downloads every object under prefix into dir.
func fetchDumps(ctx context.Context, prefix, dir string) ([]string, error) {
	store, err := storage.NewStorage(&cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}
	keys, err := store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(keys))
	for i, key := range keys {
		// Keys may share a base name.
		sub := filepath.Join(dir, fmt.Sprintf("%04d", i))
		if err := os.MkdirAll(sub, 0755); err != nil {
			return nil, err
		}
		local, _, err := storage.FetchDump(ctx, store, key, sub)
		if err != nil {
			return nil, err
		}
		GetLogger().Debug("Fetched %s to %s", key, local)
		paths = append(paths, local)
	}
	return paths, nil
}

func printResults(w io.Writer, results []*replay.Result) {
	for _, r := range results {
		if r == nil {
			continue
		}
		fmt.Fprintf(w, "%s (%s): %d threads, %d samples, %d spans, %d pruned, %d unknown stacks in %v\n",
			r.Source, r.Format, r.Threads, r.Samples, r.Spans, r.PrunedNodes, r.UnknownStacks, r.Elapsed)
	}
}
