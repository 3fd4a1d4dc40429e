package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/librarian/internal/indexer"
	"github.com/dshills/librarian/internal/lease"
	"github.com/dshills/librarian/internal/status"
)

type fakeLibrary struct {
	mu      sync.Mutex
	scans   int
	pending []indexer.Document
	stats   *indexer.LibraryStats
	err     error
}

func (f *fakeLibrary) BooksDir() string { return "/books" }

func (f *fakeLibrary) Stats(ctx context.Context) (*indexer.LibraryStats, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.stats, nil
}

func (f *fakeLibrary) FindNewOrModified(ctx context.Context) ([]indexer.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans++
	if f.err != nil {
		return nil, f.err
	}
	return f.pending, nil
}

func (f *fakeLibrary) scanCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scans
}

type fakeLeases struct {
	info *lease.Info
}

func (f fakeLeases) Info() (*lease.Info, error) { return f.info, nil }

type fixture struct {
	server  *Server
	library *fakeLibrary
	status  *status.Store
	pause   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	lib := &fakeLibrary{
		pending: []indexer.Document{{RelativePath: "a.pdf"}, {RelativePath: "b.epub"}},
		stats: &indexer.LibraryStats{
			Documents: 3,
			Chunks:    120,
			TotalMB:   4.5,
			ByType:    map[string]int{"pdf": 2, "epub": 1},
			Failed:    1,
		},
	}
	st := status.NewStore(dir)
	pause := filepath.Join(dir, "index.pause")

	srv, err := NewServer(Deps{
		Library: lib,
		Status:  st,
		Leases: fakeLeases{info: &lease.Info{
			PID:       4242,
			Timestamp: time.Now().Add(-time.Minute),
			Age:       time.Minute,
			Alive:     true,
		}},
		PausePath: pause,
	})
	require.NoError(t, err)
	return &fixture{server: srv, library: lib, status: st, pause: pause}
}

func callRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func decode(t *testing.T, res *mcp.CallToolResult) map[string]interface{} {
	t.Helper()
	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content")

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out
}

func TestNewServer_RequiresDeps(t *testing.T) {
	_, err := NewServer(Deps{})
	require.Error(t, err)
}

func TestIndexStatus(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.status.SetStatus(status.StateIndexing, map[string]any{"current_file": "a.pdf"}))
	require.NoError(t, f.status.UpdateProgress(status.Progress{
		Stage:       status.StageExtracting,
		CurrentFile: "a.pdf",
		CurrentUnit: 3,
		TotalUnits:  10,
	}))

	res, err := f.server.handleIndexStatus(context.Background(), callRequest("index_status", nil))
	require.NoError(t, err)
	out := decode(t, res)

	assert.Equal(t, "indexing", out["status"])
	assert.Equal(t, false, out["paused"])
	assert.EqualValues(t, 2, out["pending_documents"])
	assert.Equal(t, false, out["pending_cached"])

	holder, ok := out["lease"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 4242, holder["pid"])
	assert.Equal(t, true, holder["held"])

	progress, ok := out["progress"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "extracting", progress["stage"])
	assert.EqualValues(t, 3, progress["current_unit"])
}

func TestIndexStatus_PendingCountIsCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.server.handleIndexStatus(ctx, callRequest("index_status", nil))
	require.NoError(t, err)
	res, err := f.server.handleIndexStatus(ctx, callRequest("index_status", nil))
	require.NoError(t, err)

	out := decode(t, res)
	assert.Equal(t, true, out["pending_cached"])
	assert.Equal(t, 1, f.library.scanCount())

	res, err = f.server.handleIndexStatus(ctx, callRequest("index_status", map[string]interface{}{"refresh": true}))
	require.NoError(t, err)
	out = decode(t, res)
	assert.Equal(t, false, out["pending_cached"])
	assert.Equal(t, 2, f.library.scanCount())
}

func TestIndexStatus_ScanError(t *testing.T) {
	f := newFixture(t)
	f.library.err = errors.New("disk gone")

	_, err := f.server.handleIndexStatus(context.Background(), callRequest("index_status", nil))
	var mcpErr *MCPError
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, ErrorCodeInternalError, mcpErr.Code)
}

func TestLibraryStats(t *testing.T) {
	f := newFixture(t)

	res, err := f.server.handleLibraryStats(context.Background(), callRequest("library_stats", nil))
	require.NoError(t, err)
	out := decode(t, res)

	assert.EqualValues(t, 3, out["total_documents"])
	assert.EqualValues(t, 120, out["total_chunks"])
	assert.Equal(t, "4.50", out["total_size_mb"])
	assert.EqualValues(t, 1, out["failed_documents"])
	assert.NotContains(t, out, "last_indexed_at")
}

func TestFailedDocuments(t *testing.T) {
	f := newFixture(t)
	_, err := f.status.RecordFailure("fiction/a.pdf", "job timed out: after 5m", false, 10)
	require.NoError(t, err)
	_, err = f.status.RecordFailure("b.pdf", "loader failed: exit status 1", false, 20)
	require.NoError(t, err)
	_, err = f.status.RecordFailure("c.pdf", "loader failed: bad xref", true, 30)
	require.NoError(t, err)

	ctx := context.Background()
	res, err := f.server.handleFailedDocuments(ctx, callRequest("failed_documents", nil))
	require.NoError(t, err)
	out := decode(t, res)
	assert.EqualValues(t, 3, out["total_failed"])
	assert.EqualValues(t, 1, out["cleaned"])
	assert.EqualValues(t, 3, out["matched"])

	res, err = f.server.handleFailedDocuments(ctx, callRequest("failed_documents", map[string]interface{}{
		"error_type": "loader failed",
		"limit":      float64(1),
	}))
	require.NoError(t, err)
	out = decode(t, res)
	assert.EqualValues(t, 2, out["matched"])
	assert.Equal(t, true, out["truncated"])
	failures, ok := out["failures"].([]interface{})
	require.True(t, ok)
	require.Len(t, failures, 1)
	assert.Equal(t, "b.pdf", failures[0].(map[string]interface{})["relative_path"])
}

func TestFailedDocuments_InvalidLimit(t *testing.T) {
	f := newFixture(t)

	_, err := f.server.handleFailedDocuments(context.Background(), callRequest("failed_documents", map[string]interface{}{
		"limit": float64(0),
	}))
	var mcpErr *MCPError
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, ErrorCodeInvalidParams, mcpErr.Code)
}

func TestPauseAndResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.server.handlePauseIndexing(ctx, callRequest("pause_indexing", nil))
	require.NoError(t, err)
	out := decode(t, res)
	assert.Equal(t, true, out["paused"])
	assert.Equal(t, false, out["already_paused"])
	assert.FileExists(t, f.pause)

	res, err = f.server.handleIndexStatus(ctx, callRequest("index_status", nil))
	require.NoError(t, err)
	assert.Equal(t, true, decode(t, res)["paused"])

	res, err = f.server.handleResumeIndexing(ctx, callRequest("resume_indexing", nil))
	require.NoError(t, err)
	out = decode(t, res)
	assert.Equal(t, true, out["resumed"])
	assert.NoFileExists(t, f.pause)

	res, err = f.server.handleResumeIndexing(ctx, callRequest("resume_indexing", nil))
	require.NoError(t, err)
	assert.Equal(t, false, decode(t, res)["resumed"])
}

func TestPause_NoMarkerPath(t *testing.T) {
	srv, err := NewServer(Deps{Library: &fakeLibrary{}, Status: status.NewStore(t.TempDir())})
	require.NoError(t, err)

	_, err = srv.handlePauseIndexing(context.Background(), callRequest("pause_indexing", nil))
	var mcpErr *MCPError
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, ErrorCodeNoPauseMarker, mcpErr.Code)
}
