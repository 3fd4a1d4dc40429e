package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dshills/librarian/internal/loader"
	"github.com/dshills/librarian/internal/supervisor"
)

var workerFile string

// workerCmd is the child process started for every document job.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Extract one document (internal)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerFile, "file", "", "document to extract")
	_ = workerCmd.MarkFlagRequired("file")
}

func runWorker(cmd *cobra.Command, args []string) error {
	registry, err := loader.NewRegistryFromSpecs(cfg.Loaders)
	if err != nil {
		return fmt.Errorf("configure loaders: %w", err)
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	logger.Debug("worker started", "pid", os.Getpid(), "file", workerFile)
	return supervisor.RunWorker(ctx, registry, workerFile, os.Stdout)
}
