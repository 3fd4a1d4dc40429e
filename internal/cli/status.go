package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/librarian/internal/scheduler"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show indexing status and library statistics",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Exit non-zero when indexing looks stuck",
	Long: `Check the status files for a stuck or runaway indexing job.

Unhealthy when a job has reported no progress for two minutes while indexing,
or when its worker uses more memory than the health ceiling. Intended for
external process supervisors.`,
	Args: cobra.NoArgs,
	RunE: runHealth,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		run := a.status.GetStatus()
		progress, err := a.status.GetProgress()
		if err != nil {
			logger.Warn("failed to read progress", "error", err)
		}
		holder, err := a.leases.Info()
		if err != nil {
			logger.Warn("failed to read lease", "error", err)
		}
		stats, err := a.indexer.Stats(cmd.Context())
		if err != nil {
			return fmt.Errorf("library stats: %w", err)
		}
		paused := scheduler.IsPaused(cfg.PausePath())

		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"status":   run,
				"progress": progress,
				"lease":    holder,
				"paused":   paused,
				"library":  stats,
			})
		}

		fmt.Printf("Status: %s", run.Status)
		if !run.Timestamp.IsZero() {
			fmt.Printf(" (since %s)", run.Timestamp.Format(time.RFC3339))
		}
		fmt.Println()
		if paused {
			fmt.Println("  Paused: yes (librarian resume to continue)")
		}
		if len(run.Details) > 0 {
			keys := make([]string, 0, len(run.Details))
			for k := range run.Details {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("  %s: %v\n", k, run.Details[k])
			}
		}

		if progress != nil {
			fmt.Printf("\nCurrent job: %s\n", progress.CurrentFile)
			fmt.Printf("  Stage: %s\n", progress.Stage)
			if progress.TotalUnits > 0 {
				fmt.Printf("  Progress: %d/%d\n", progress.CurrentUnit, progress.TotalUnits)
			}
			fmt.Printf("  Memory: %.0f MB\n", progress.MemoryMB)
			fmt.Printf("  Updated: %s\n", progress.Timestamp.Format(time.RFC3339))
		}

		if holder != nil {
			state := "alive"
			if !holder.Alive {
				state = "dead"
			}
			fmt.Printf("\nLease: pid %d (%s), age %s\n", holder.PID, state, holder.Age.Round(time.Second))
		}

		fmt.Println("\nLibrary:")
		fmt.Printf("  Documents: %d\n", stats.Documents)
		fmt.Printf("  Chunks: %d\n", stats.Chunks)
		fmt.Printf("  Size: %.2f MB (index %.2f MB)\n", stats.TotalMB, stats.IndexSizeMB)
		if len(stats.ByType) > 0 {
			types := make([]string, 0, len(stats.ByType))
			for t := range stats.ByType {
				types = append(types, t)
			}
			sort.Strings(types)
			for _, t := range types {
				fmt.Printf("    %s: %d\n", t, stats.ByType[t])
			}
		}
		fmt.Printf("  Failed: %d (cleaned %d)\n", stats.Failed, stats.Cleaned)
		if stats.LastIndexedAt != nil {
			fmt.Printf("  Last indexed: %s\n", stats.LastIndexedAt.Format(time.RFC3339))
		}
		return nil
	})
}

func runHealth(cmd *cobra.Command, args []string) error {
	healthy, reason := newStatusStore(cfg, logger).IsHealthy()
	if !healthy {
		fmt.Printf("unhealthy: %s\n", reason)
		return errors.New(reason)
	}
	fmt.Println("healthy")
	return nil
}
