package cli

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/librarian/internal/lease"
)

var (
	retryMax  int
	retryWait bool
)

var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "Inspect and manage documents that failed to index",
	Long: `Inspect and manage documents that failed to index.

Examples:
  librarian failed show                  # failures grouped by error type
  librarian failed clear book.pdf        # forget one failure (name or path)
  librarian failed retry --max-retries 3 # retry documents with fewer attempts
  librarian failed clear-all             # forget every failure`,
}

var failedShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show failures grouped by error type",
	Args:  cobra.NoArgs,
	RunE:  runFailedShow,
}

var failedClearCmd = &cobra.Command{
	Use:   "clear <name-or-path>",
	Short: "Clear the failure record for a document",
	Long: `Clear the failure record for a document. The argument is a path relative
to the books directory, or a file name which clears every record with that
name.`,
	Args: cobra.ExactArgs(1),
	RunE: runFailedClear,
}

var failedRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Retry failed documents",
	Args:  cobra.NoArgs,
	RunE:  runFailedRetry,
}

var failedClearAllCmd = &cobra.Command{
	Use:   "clear-all",
	Short: "Clear every failure record",
	Args:  cobra.NoArgs,
	RunE:  runFailedClearAll,
}

func init() {
	failedRetryCmd.Flags().IntVar(&retryMax, "max-retries", 3, "skip documents that already failed this many times")
	failedRetryCmd.Flags().BoolVar(&retryWait, "wait", false, "wait for the indexing lease instead of failing")

	failedCmd.AddCommand(failedShowCmd)
	failedCmd.AddCommand(failedClearCmd)
	failedCmd.AddCommand(failedRetryCmd)
	failedCmd.AddCommand(failedClearAllCmd)
}

func runFailedShow(cmd *cobra.Command, args []string) error {
	report, err := newStatusStore(cfg, logger).FailureReport()
	if err != nil {
		return fmt.Errorf("read failures: %w", err)
	}
	if report.Total == 0 {
		fmt.Println("No failed documents")
		return nil
	}

	fmt.Printf("Failed documents: %d (cleaned %d)\n", report.Total, report.Cleaned)

	kinds := make([]string, 0, len(report.ByErrorType))
	for kind := range report.ByErrorType {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	for _, kind := range kinds {
		keys := report.ByErrorType[kind]
		fmt.Printf("\n%s (%d):\n", kind, len(keys))
		for _, key := range keys {
			rec := report.Failures[key]
			flags := ""
			if rec.Cleaned {
				flags = " [cleaned]"
			}
			fmt.Printf("  - %s  attempts=%d  size=%.1fMB  failed=%s%s\n",
				rec.RelativePath, rec.Attempts, float64(rec.FileSize)/(1<<20),
				rec.FailedAt.Format(time.RFC3339), flags)
			fmt.Printf("      %s\n", rec.Error)
		}
	}
	return nil
}

func runFailedClear(cmd *cobra.Command, args []string) error {
	n, err := newStatusStore(cfg, logger).ClearFailure(args[0])
	if err != nil {
		return fmt.Errorf("clear failure: %w", err)
	}
	if n == 0 {
		fmt.Printf("No failure record for %s\n", args[0])
		return nil
	}
	fmt.Printf("Cleared %d failure record(s) for %s\n", n, args[0])
	return nil
}

func runFailedRetry(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	return withApp(func(a *app) error {
		held, err := a.leases.Acquire(ctx, retryWait)
		if errors.Is(err, lease.ErrLeaseHeld) {
			return fmt.Errorf("another indexing run is active (use --wait to queue): %w", err)
		}
		if err != nil {
			return err
		}
		defer func() {
			if err := held.Release(); err != nil {
				logger.Warn("failed to release lease", "error", err)
			}
		}()

		res, err := a.indexer.RetryFailed(ctx, retryMax)
		if res != nil {
			fmt.Printf("Retried: %d\n", res.Retried)
			fmt.Printf("Succeeded: %d\n", res.Succeeded)
			fmt.Printf("Skipped (>= %d attempts): %d\n", retryMax, res.Skipped)
			for _, rel := range res.Missing {
				fmt.Printf("Missing, cleared: %s\n", rel)
			}
		}
		return err
	})
}

func runFailedClearAll(cmd *cobra.Command, args []string) error {
	if err := newStatusStore(cfg, logger).ClearAllFailures(); err != nil {
		return fmt.Errorf("clear failures: %w", err)
	}
	fmt.Println("Cleared all failure records")
	return nil
}
