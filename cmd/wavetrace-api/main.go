package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "wavetrace-api",
		Short:         "Wavetrace document history backend",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newRecoverCommand(), newPruneCommand())
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString(config.KeyHTTPAddress), "HTTP listen address")
	flags.StringSlice("cors-allowed-origins", defaults.GetStringSlice(config.KeyCORSAllowedOrigins), "Origins allowed to call the API")
	flags.String("database-path", defaults.GetString(config.KeyDatabasePath), "SQLite database path")
	flags.String("log-level", defaults.GetString(config.KeyLogLevel), "Log level (debug, info, warn, error)")
	flags.Uint64("snapshot-base-interval", defaults.GetUint64(config.KeySnapshotBaseInterval), "Events between snapshots at normal activity")
	flags.Float64("snapshot-burst-multiplier", defaults.GetFloat64(config.KeySnapshotBurstMultiplier), "Snapshot interval multiplier during bursts")
	flags.Float64("snapshot-idle-multiplier", defaults.GetFloat64(config.KeySnapshotIdleMultiplier), "Snapshot interval multiplier while idle")
	flags.Float64("snapshot-burst-threshold", defaults.GetFloat64(config.KeySnapshotBurstThreshold), "Events per second that start burst mode")
	flags.Float64("snapshot-idle-threshold", defaults.GetFloat64(config.KeySnapshotIdleThreshold), "Events per second that start idle mode")
	flags.Duration("snapshot-activity-window", defaults.GetDuration(config.KeySnapshotActivityWindow), "Rolling window for the activity rate")
	flags.Bool("snapshot-compression", defaults.GetBool(config.KeySnapshotCompression), "Gzip snapshot payloads")
	flags.Int("snapshot-retain-count", defaults.GetInt(config.KeySnapshotRetainCount), "Snapshots kept per document")
	flags.Uint64("checkpoint-interval", defaults.GetUint64(config.KeyCheckpointInterval), "Events between seek checkpoints")
	flags.Int64("checkpoint-memory-budget", defaults.GetInt64(config.KeyCheckpointMemoryBudget), "Checkpoint cache budget in bytes per document")
	flags.Duration("recovery-budget", defaults.GetDuration(config.KeyRecoveryBudget), "Expected document open time")

	bindFlag(cmd, config.KeyHTTPAddress, "http-address")
	bindFlag(cmd, config.KeyCORSAllowedOrigins, "cors-allowed-origins")
	bindFlag(cmd, config.KeyDatabasePath, "database-path")
	bindFlag(cmd, config.KeyLogLevel, "log-level")
	bindFlag(cmd, config.KeySnapshotBaseInterval, "snapshot-base-interval")
	bindFlag(cmd, config.KeySnapshotBurstMultiplier, "snapshot-burst-multiplier")
	bindFlag(cmd, config.KeySnapshotIdleMultiplier, "snapshot-idle-multiplier")
	bindFlag(cmd, config.KeySnapshotBurstThreshold, "snapshot-burst-threshold")
	bindFlag(cmd, config.KeySnapshotIdleThreshold, "snapshot-idle-threshold")
	bindFlag(cmd, config.KeySnapshotActivityWindow, "snapshot-activity-window")
	bindFlag(cmd, config.KeySnapshotCompression, "snapshot-compression")
	bindFlag(cmd, config.KeySnapshotRetainCount, "snapshot-retain-count")
	bindFlag(cmd, config.KeyCheckpointInterval, "checkpoint-interval")
	bindFlag(cmd, config.KeyCheckpointMemoryBudget, "checkpoint-memory-budget")
	bindFlag(cmd, config.KeyRecoveryBudget, "recovery-budget")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
