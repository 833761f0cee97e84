package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"veil/internal/config"
	"veil/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string
	timeout    time.Duration

	// Loaded in PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

// Shared command flags
var (
	framesFormat string
	rulesPath    string
	journalPath  string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "veil",
	Short: "veil - semantic world state and context rendering for agents",
	Long: `veil keeps a ledger of facets (atomic pieces of world state) built from
frames, runs them through a receptor/transform/effector pipeline, and renders
the most salient facets into a token-budgeted context for a language model.

Frame files are JSON or CBOR arrays of incoming and outgoing frames.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		ws, err := resolveWorkspace()
		if err != nil {
			return err
		}
		cfg, err = config.Load(resolveConfigPath(ws))
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		if verbose {
			cfg.Logging.DebugMode = true
		}
		if err := logging.Initialize(ws, cfg.Logging.LoggerConfig()); err != nil {
			logger.Warn("file logging unavailable", zap.Error(err))
		}
		logging.Boot("veil starting: workspace=%s command=%s", ws, cmd.Name())
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: <workspace>/.veil/config.yaml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Operation timeout")

	for _, cmd := range []*cobra.Command{replayCmd, renderCmd, inspectCmd} {
		cmd.Flags().StringVar(&framesFormat, "format", "", "Frame encoding: json or cbor (default: from file extension)")
		cmd.Flags().StringVar(&rulesPath, "rules", "", "Mangle rule file evaluated as a transform")
		cmd.Flags().StringVar(&journalPath, "journal", "", "Journal frames to this SQLite file")
	}
	historyCmd.Flags().StringVar(&journalPath, "journal", "", "Journal file to read (default: journal.path from config)")

	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(renderCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveWorkspace() (string, error) {
	if workspace != "" {
		return filepath.Abs(workspace)
	}
	return os.Getwd()
}

func resolveConfigPath(ws string) string {
	if configPath != "" {
		return configPath
	}
	return filepath.Join(ws, ".veil", "config.yaml")
}
