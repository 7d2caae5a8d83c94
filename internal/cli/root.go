// Package cli provides the command-line interface for the persona chat
// backend: the HTTP server and its operational commands.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/tbourn/persona-chat-backend/internal/config"
	"github.com/tbourn/persona-chat-backend/internal/repo"
	"github.com/tbourn/persona-chat-backend/internal/sysutil"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	envFile string

	// Global config, log sink and lazily opened store
	cfg       config.Config
	logCloser io.Closer
	store     *gorm.DB
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "personachat",
	Short: "Persona chat orchestration backend",
	Long: `personachat runs the session-orchestration core of a persona chat
service: the profile directory, credit ledger, chat assignment, idle operator
detection and the message pipeline.

Configuration comes from the environment, optionally overlaid by a TOML file
named in CONFIG_FILE. A .env file in the working directory is loaded first.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" {
			return nil
		}

		// A missing .env is fine; a broken one is not.
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		logCloser = sysutil.SetupLogging(sysutil.LogOptions{
			Level:      cfg.LogLevel,
			Pretty:     cfg.LogPretty,
			File:       cfg.LogFile,
			MaxSizeMB:  cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
		})
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeStore()
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

// openStore connects to the configured database once per process.
func openStore() (*gorm.DB, error) {
	if store != nil {
		return store, nil
	}
	db, err := repo.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	store = db
	return db, nil
}

// migratedStore opens the store and brings its schema up to date.
func migratedStore() (*gorm.DB, error) {
	db, err := openStore()
	if err != nil {
		return nil, err
	}
	if err := repo.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return db, nil
}

func closeStore() {
	if store == nil {
		return
	}
	if sqlDB, err := store.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close database")
		}
	}
	store = nil
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before configuration")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(tokenCmd)
}
