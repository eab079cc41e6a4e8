package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/span-profiler/internal/service"
)

var (
	watchWorkers       int
	watchStatsInterval time.Duration
)

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Replay dumps as the configured sources announce them",
	Long: `Watch runs until interrupted, replaying every dump announced by the
sources of the configuration. Sources poll storage, consume a Kafka topic
or accept HTTP announcements. Without any configured source the storage
backend is polled.

Replayed dumps are acknowledged with their source; failed ones are nacked
so the source can retry or dead-letter them.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().IntVarP(&watchWorkers, "workers", "w", 0, "Dumps replayed concurrently (default from config)")
	watchCmd.Flags().DurationVar(&watchStatsInterval, "stats-interval", time.Minute, "How often to log scheduler statistics (0 disables)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	log := GetLogger()
	if watchWorkers > 0 {
		cfg.Watch.Workers = watchWorkers
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Version: %s, Commit: %s, Built: %s", Version, GitCommit, BuildTime)
	log.Info("Storage: %s, workers: %d", cfg.Storage.Type, cfg.Watch.Workers)

	svc, err := service.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	if err := svc.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize service: %w", err)
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}

	log.Info("Service started, waiting for dumps...")

	var tick <-chan time.Time
	if watchStatsInterval > 0 {
		ticker := time.NewTicker(watchStatsInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

loop:
	for {
		select {
		case <-ctx.Done():
			log.Info("Shutting down...")
			break loop
		case <-tick:
			stats := svc.Stats()
			st := stats.Scheduler
			log.Info("Replayed %d dumps, %d failed, %d rejected, %d queued, %d/%d workers busy",
				st.Processed, st.Failed, st.Rejected, st.QueuedDumps, st.ActiveWorkers, st.TotalWorkers)
			for _, in := range stats.Intake {
				log.Debug("Source %s/%s: %d announced, %d acked, %d nacked", in.Type, in.Name, in.Announced, in.Acked, in.Nacked)
			}
			if err := svc.HealthCheck(ctx); err != nil {
				log.Warn("Health check failed: %v", err)
			}
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := svc.Stop(shutdownCtx); err != nil {
		log.Error("Error during shutdown: %v", err)
		return err
	}
	return nil
}
