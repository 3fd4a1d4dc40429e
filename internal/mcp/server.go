package mcp

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/mark3labs/mcp-go/server"

	"github.com/dshills/librarian/internal/indexer"
	"github.com/dshills/librarian/internal/lease"
	"github.com/dshills/librarian/internal/status"
)

const (
	// ServerName is the MCP server name
	ServerName = "librarian"
	// ServerVersion is the current server version
	ServerVersion = "1.0.0"

	pendingCacheSize = 16
	pendingCacheTTL  = 5 * time.Minute
)

// Library is the part of the indexer the server reads from.
type Library interface {
	BooksDir() string
	Stats(ctx context.Context) (*indexer.LibraryStats, error)
	FindNewOrModified(ctx context.Context) ([]indexer.Document, error)
}

// LeaseInspector reports who holds the indexing lease.
type LeaseInspector interface {
	Info() (*lease.Info, error)
}

// Deps are the collaborators of a Server.
type Deps struct {
	Library   Library
	Status    *status.Store
	Leases    LeaseInspector
	PausePath string
	Logger    *slog.Logger
}

// Server exposes indexing status and controls over MCP
type Server struct {
	mcp       *server.MCPServer
	library   Library
	status    *status.Store
	leases    LeaseInspector
	pausePath string
	logger    *slog.Logger

	// pending caches the number of documents waiting to be indexed, keyed by
	// books directory. Counting requires hashing the whole tree.
	pending *expirable.LRU[string, int]
}

// NewServer creates a new MCP server instance
func NewServer(deps Deps) (*Server, error) {
	if deps.Library == nil || deps.Status == nil {
		return nil, errors.New("library and status store are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	s := &Server{
		mcp:       server.NewMCPServer(ServerName, ServerVersion),
		library:   deps.Library,
		status:    deps.Status,
		leases:    deps.Leases,
		pausePath: deps.PausePath,
		logger:    deps.Logger,
		pending:   expirable.NewLRU[string, int](pendingCacheSize, nil, pendingCacheTTL),
	}
	s.registerTools()
	return s, nil
}

// Serve runs the MCP protocol on stdio until ctx is cancelled or stdin closes
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcp)
	err := stdio.Listen(ctx, os.Stdin, os.Stdout)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) registerTools() {
	s.mcp.AddTool(indexStatusTool(), s.handleIndexStatus)
	s.mcp.AddTool(libraryStatsTool(), s.handleLibraryStats)
	s.mcp.AddTool(failedDocumentsTool(), s.handleFailedDocuments)
	s.mcp.AddTool(pauseIndexingTool(), s.handlePauseIndexing)
	s.mcp.AddTool(resumeIndexingTool(), s.handleResumeIndexing)
}

// pendingCount returns the cached pending count or recomputes it.
func (s *Server) pendingCount(ctx context.Context, refresh bool) (int, bool, error) {
	key := s.library.BooksDir()
	if !refresh {
		if n, ok := s.pending.Get(key); ok {
			return n, true, nil
		}
	}
	docs, err := s.library.FindNewOrModified(ctx)
	if err != nil {
		return 0, false, err
	}
	s.pending.Add(key, len(docs))
	return len(docs), false, nil
}
