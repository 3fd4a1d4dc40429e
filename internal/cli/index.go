package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/librarian/internal/lease"
)

var indexWait bool

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Run one indexing pass over the library",
	Long: `Index every new or modified document once and drop index entries whose
file is gone.

Without --wait the command fails immediately when another process holds the
indexing lease.`,
	Args: cobra.NoArgs,
	RunE: runIndex,
}

func init() {
	indexCmd.Flags().BoolVar(&indexWait, "wait", false, "wait for the indexing lease instead of failing")
}

func runIndex(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	return withApp(func(a *app) error {
		res, err := a.scheduler(false).RunOnce(ctx, indexWait)
		if errors.Is(err, lease.ErrLeaseHeld) {
			return fmt.Errorf("another indexing run is active (use --wait to queue): %w", err)
		}
		if err != nil {
			return err
		}

		fmt.Printf("Indexed: %d\n", res.Indexed)
		fmt.Printf("Failed: %d\n", res.Failed)
		if res.Skipped > 0 {
			fmt.Printf("Skipped: %d\n", res.Skipped)
		}
		if len(res.Removed) > 0 {
			fmt.Printf("Removed: %d\n", len(res.Removed))
		}
		if res.Interrupted {
			fmt.Println("Interrupted before all documents were processed")
		}
		if res.Failed > 0 {
			fmt.Println("\nSee failures with: librarian failed show")
		}
		return nil
	})
}
