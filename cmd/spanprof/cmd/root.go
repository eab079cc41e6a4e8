package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/span-profiler/pkg/config"
	"github.com/span-profiler/pkg/utils"
)

var (
	// Global flags
	configPath string
	verbose    bool

	cfg        *config.Config
	logger     utils.Logger
	fileLogger *utils.DefaultLogger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "spanprof",
	Short: "Infer spans from sampled thread stacks",
	Long: `spanprof rebuilds call trees from recorded stack samples and turns the
method invocations they reveal into OpenTelemetry spans.

Dumps recorded by async-profiler, either as JFR chunks or in the text
"traces" format, are replayed through the same call tree and pruning logic
the live sampler uses. Spans are exported through OTLP when OTEL_ENABLED is
set.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded

		level := utils.ParseLogLevel(cfg.Log.Level)
		if verbose {
			level = utils.LevelDebug
		}
		if cfg.Log.OutputPath == "" {
			logger = utils.NewDefaultLogger(level, os.Stderr)
			return nil
		}
		fileLogger, err = utils.NewFileLogger(level, cfg.Log.OutputPath)
		if err != nil {
			return err
		}
		logger = fileLogger
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if fileLogger != nil {
			return fileLogger.Close()
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	binName := BinName()
	rootCmd.Example = `  # Replay a JFR recording and print the inferred spans
  ` + binName + ` replay ./app.jfr --print-spans

  # Replay every dump under a storage prefix with a config file
  ` + binName + ` replay -c ./config.yaml --storage-prefix dumps/host-1/

  # Convert a traces dump into a pprof profile
  ` + binName + ` convert -i ./app.traces -o ./app.pb.gz

  # Show what a dump contains
  ` + binName + ` inspect ./app.jfr`
}

// GetLogger returns the configured logger
func GetLogger() utils.Logger {
	return utils.OrNull(logger)
}

// BinName returns the base name of the current executable
func BinName() string {
	return filepath.Base(os.Args[0])
}
