// Package cli provides the command-line interface for the librarian.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dshills/librarian/internal/config"
	"github.com/dshills/librarian/internal/storage"
)

var (
	// Version is set at build time.
	Version = "dev"

	// Global flags
	verbose  bool
	booksDir string
	dbDir    string

	// Global config and logger
	cfg         config.Config
	logger      *slog.Logger
	closeLogger = func() error { return nil }
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "librarian",
	Short: "Keep a document library indexed",
	Long: `Librarian watches a books directory and keeps its document index current.

Every document is extracted in its own worker process under an adaptive
timeout, only one indexing run is active on the host at a time, and
indexing backs off when CPU or memory run hot.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		if err := cfg.SetDirs(booksDir, dbDir); err != nil {
			return err
		}
		if verbose {
			cfg.LogLevel = slog.LevelDebug
		}

		// Workers keep stdout for their message stream and leave the log
		// file to the parent.
		if cmd.Name() == "worker" {
			logger = config.SetupWorkerLogger(cfg.LogLevel)
			slog.SetDefault(logger)
			return nil
		}

		if err := cfg.EnsureDirs(); err != nil {
			return err
		}
		logger, closeLogger = config.SetupLogger(cfg.LogFile, cfg.LogLevel)
		slog.SetDefault(logger)
		logger.Debug("configuration loaded",
			"books_dir", cfg.BooksDir,
			"db_dir", cfg.DBDir,
			"config_file", cfg.ConfigFile)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if err := closeLogger(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
		}
	},
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	rootCmd.Version = Version
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("librarian {{.Version}} (sqlite driver: %s, build: %s)\n",
		storage.DriverName, storage.BuildMode))

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&booksDir, "books-dir", "", "books directory (default $LIBRARIAN_BOOKS_PATH or ./books)")
	rootCmd.PersistentFlags().StringVar(&dbDir, "db-dir", "", "database and status directory (default $LIBRARIAN_DB_PATH or ./library_db)")

	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(failedCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(serveCmd)
}
