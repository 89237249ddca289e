package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/relaycache/internal/config"
	"github.com/MarcoPoloResearchLab/relaycache/internal/events"
	"github.com/MarcoPoloResearchLab/relaycache/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "relaycache",
		Short:         "Embedded local event store for signed relay events",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newServeCommand(),
		newIngestCommand(),
		newReqCommand(),
		newCountCommand(),
		newSummaryCommand(),
		newDumpCommand(),
		newSQLCommand(),
		newCompactCommand(),
		newTokenCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().Int("seen-cache-size", defaults.GetInt("cache.seen_size"), "Number of event ids remembered in memory")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")

	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "cache.seen_size", "seen-cache-size")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		return config.ReadFile(viper.GetViper(), cfgFile)
	}

	viper.SetConfigName("relaycache")
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return err
		}
	}
	return nil
}

// appRuntime bundles what every subcommand needs.
type appRuntime struct {
	config config.AppConfig
	logger *zap.Logger
	store  *events.Store
}

func openRuntime() (*appRuntime, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}

	store, err := events.NewStore(events.StoreConfig{
		Logger:        logger,
		SeenCacheSize: appConfig.SeenCacheSize,
	})
	if err != nil {
		return nil, err
	}
	if err := store.Init(appConfig.DatabasePath); err != nil {
		return nil, err
	}

	return &appRuntime{config: appConfig, logger: logger, store: store}, nil
}

func (r *appRuntime) Close() {
	if err := r.store.Close(); err != nil {
		r.logger.Warn("failed to close store", zap.Error(err))
	}
	_ = r.logger.Sync()
}
