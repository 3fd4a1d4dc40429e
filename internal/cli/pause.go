package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/librarian/internal/scheduler"
)

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause indexing before the next document",
	Long: `Create the pause marker. A running batch finishes its current document and
waits until the marker is removed with "librarian resume".`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := scheduler.Pause(cfg.PausePath()); err != nil {
			return err
		}
		fmt.Println("Indexing paused")
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume paused indexing",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resumed, err := scheduler.Resume(cfg.PausePath())
		if err != nil {
			return err
		}
		if !resumed {
			fmt.Println("Indexing was not paused")
			return nil
		}
		fmt.Println("Indexing resumed")
		return nil
	},
}
