package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/abhisek/beacon/internal/config"
	"github.com/abhisek/beacon/internal/logging"
)

var (
	cfg    config.Config
	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "beacon",
	Short: "Activity telemetry for the training app",
	Long: "beacon batches user activity events, tracks sessions and daily stats, " +
		"and collects the beacons clients send on teardown.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		envFile, _ := cmd.Flags().GetString("env-file")
		if err := config.LoadDotEnv(envFile); err != nil {
			return err
		}

		var err error
		if cfg, err = config.FromEnv(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if p, _ := cmd.Flags().GetString("db"); p != "" {
			cfg.DBPath = p
		}
		if v, _ := cmd.Flags().GetBool("verbose"); v {
			cfg.LogLevel = "debug"
		}

		logger, err = logging.New(cfg.LogLevel)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("db", "", "Path to SQLite database file, or :memory: (overrides BEACON_DB env var)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("env-file", ".env", "Load environment variables from this file if it exists")

	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(collectCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(versionCmd)
}
