package cli

import (
	"github.com/spf13/cobra"
)

var watchService bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Sync the library, then index changes as they happen",
	Long: `Sync the books directory against the index, then watch it and index new
or modified documents in debounced batches. Deleted documents are removed
from the index immediately.

Stops on SIGINT or SIGTERM after the running document finishes.

Examples:
  librarian watch              # interactive, 2s batch delay
  librarian watch --service    # under a process supervisor, 5s batch delay`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchService, "service", false, "service mode (longer batch and retry delays)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	return withApp(func(a *app) error {
		logger.Info("librarian watching",
			"version", Version,
			"books_dir", cfg.BooksDir,
			"db_dir", cfg.DBDir,
			"service", watchService,
			"max_workers", a.governor.MaxWorkers())
		return a.scheduler(watchService).Run(ctx)
	})
}
