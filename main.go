package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bryan-buckman/tabs/internal/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	configPath string

	cfg    *config.Config
	logger zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "tabs",
	Short: "Telegram archive with a web feed",
	Long: `tabs archives messages sent to a Telegram bot and serves them to a web
client, grouped into albums and sorted into user-defined tabs.

Settings come from --config (YAML) and TABS_* environment variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		logger, err = newLogger(cfg.Log)
		return err
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bot and the query API in one process",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.ValidateAPI(); err != nil {
			return err
		}
		if err := cfg.ValidateBot(); err != nil {
			return err
		}
		return run(cmd.Context(), true, true)
	},
}

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Run only the query API",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.ValidateAPI(); err != nil {
			return err
		}
		return run(cmd.Context(), true, false)
	},
}

var botCmd = &cobra.Command{
	Use:   "bot",
	Short: "Run only the Telegram bot",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.ValidateBot(); err != nil {
			return err
		}
		return run(cmd.Context(), false, true)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDatabase(cfg.Database)
		if err != nil {
			return err
		}
		logger.Info().Str("driver", db.DatabaseType()).Msg("Schema is up to date")
		return db.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.AddCommand(serveCmd, apiCmd, botCmd, migrateCmd)
}

func newLogger(c config.LogConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log.level: %w", err)
	}
	var l zerolog.Logger
	if c.Pretty {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		l = zerolog.New(os.Stderr)
	}
	return l.Level(level).With().Timestamp().Logger(), nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
