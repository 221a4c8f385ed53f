package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/takuphilchan/offgrid-docai/internal/config"
	"github.com/takuphilchan/offgrid-docai/internal/logging"
	"github.com/takuphilchan/offgrid-docai/internal/output"
	"github.com/takuphilchan/offgrid-docai/internal/runtime"
)

type rootOptions struct {
	configPath string
	modelsDir  string
	backend    string
	logLevel   string
	jsonOutput bool
}

var (
	rootOpts rootOptions
	cfg      *config.Config
	logger   *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:               "offgrid-docai",
	Short:             "Offline document inference runtime for payslip models",
	DisableAutoGenTag: true,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		output.JSONMode = rootOpts.jsonOutput

		loaded, err := config.LoadWithPriority(rootOpts.configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if rootOpts.modelsDir != "" {
			loaded.ModelsDir = rootOpts.modelsDir
			loaded.ManifestPath = ""
		}
		if rootOpts.backend != "" {
			loaded.Backend = rootOpts.backend
		}
		if rootOpts.logLevel != "" {
			loaded.LogLevel = rootOpts.logLevel
		}
		if loaded.ManifestPath == "" {
			loaded.ManifestPath = filepath.Join(loaded.ModelsDir, "manifest.json")
		}
		if err := loaded.Validate(); err != nil {
			return err
		}
		cfg = loaded

		logger = logging.Default().SetLevelFromString(cfg.LogLevel).SetJSON(cfg.LogJSON)
		if output.JSONMode {
			// keep stdout clean for the JSON document
			logger.SetLevelFromString("error")
		}
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&rootOpts.configPath, "config", "c", "", "path to a YAML or JSON config file")
	flags.StringVar(&rootOpts.modelsDir, "models-dir", "", "override the models directory")
	flags.StringVar(&rootOpts.backend, "backend", "", "inference backend (onnx or mock)")
	flags.StringVar(&rootOpts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.BoolVar(&rootOpts.jsonOutput, "json", false, "print machine-readable JSON")

	rootCmd.AddCommand(hardwareCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(inferCmd)
	rootCmd.AddCommand(benchmarkCmd)
	rootCmd.AddCommand(regressionCmd)
	rootCmd.AddCommand(dashboardCmd)
	rootCmd.AddCommand(cacheStatsCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(metricsCmd)
	rootCmd.AddCommand(updatesCmd)
}

// commandContext is cancelled on SIGINT or SIGTERM.
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// openService builds and initializes the runtime. Callers must Close it.
func openService(ctx context.Context) (*runtime.Service, error) {
	svc := runtime.New(cfg, runtime.WithLogger(logger))
	if err := svc.Initialize(ctx); err != nil {
		return nil, err
	}
	return svc, nil
}

// withService runs fn against an initialized service.
func withService(fn func(ctx context.Context, svc *runtime.Service) error) error {
	ctx, cancel := commandContext()
	defer cancel()

	svc, err := openService(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(ctx, svc)
}
