package cli

import (
	"github.com/spf13/cobra"

	"github.com/dshills/librarian/internal/mcp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve indexing status and controls over MCP (stdio)",
	Long: `Run an MCP server on stdin/stdout with the tools index_status,
library_stats, failed_documents, pause_indexing and resume_indexing.

The server never indexes by itself; run "librarian watch" alongside it.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	return withApp(func(a *app) error {
		srv, err := mcp.NewServer(mcp.Deps{
			Library:   a.indexer,
			Status:    a.status,
			Leases:    a.leases,
			PausePath: cfg.PausePath(),
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		logger.Info("mcp server ready, listening on stdio", "version", Version)
		err = srv.Serve(ctx)
		logger.Info("mcp server stopped")
		return err
	})
}
