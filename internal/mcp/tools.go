package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/librarian/internal/scheduler"
	"github.com/dshills/librarian/internal/status"
)

// MCP error codes
const (
	ErrorCodeInvalidParams = -32602 // Invalid method parameters
	ErrorCodeInternalError = -32603 // Internal JSON-RPC error
	ErrorCodeNoPauseMarker = -32001 // Pause marker path not configured
)

// handleIndexStatus handles the index_status tool invocation
func (s *Server) handleIndexStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)
	refresh := getBoolDefault(args, "refresh", false)

	run := s.status.GetStatus()
	healthy, reason := s.status.IsHealthy()

	response := map[string]interface{}{
		"status":    run.Status,
		"timestamp": run.Timestamp.Format(time.RFC3339),
		"details":   run.Details,
		"paused":    scheduler.IsPaused(s.pausePath),
		"health": map[string]interface{}{
			"healthy": healthy,
			"reason":  reason,
		},
	}

	progress, err := s.status.GetProgress()
	if err != nil {
		s.logger.Warn("failed to read progress", "error", err)
	}
	if progress != nil {
		response["progress"] = progress
	}

	if s.leases != nil {
		info, err := s.leases.Info()
		switch {
		case err != nil:
			response["lease"] = map[string]interface{}{"error": err.Error()}
		case info == nil:
			response["lease"] = map[string]interface{}{"held": false}
		default:
			response["lease"] = map[string]interface{}{
				"held":        info.Alive,
				"pid":         info.PID,
				"acquired":    info.Timestamp.Format(time.RFC3339),
				"age_seconds": int(info.Age.Seconds()),
			}
		}
	}

	pending, cached, err := s.pendingCount(ctx, refresh)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to scan library", map[string]interface{}{
			"error": err.Error(),
		})
	}
	response["pending_documents"] = pending
	response["pending_cached"] = cached

	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleLibraryStats handles the library_stats tool invocation
func (s *Server) handleLibraryStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.library.Stats(ctx)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to get library stats", map[string]interface{}{
			"error": err.Error(),
		})
	}

	response := map[string]interface{}{
		"total_documents":   stats.Documents,
		"total_chunks":      stats.Chunks,
		"total_size_mb":     fmt.Sprintf("%.2f", stats.TotalMB),
		"index_size_mb":     fmt.Sprintf("%.2f", stats.IndexSizeMB),
		"document_types":    stats.ByType,
		"failed_documents":  stats.Failed,
		"cleaned_documents": stats.Cleaned,
	}
	if stats.LastIndexedAt != nil {
		response["last_indexed_at"] = stats.LastIndexedAt.Format(time.RFC3339)
	}

	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleFailedDocuments handles the failed_documents tool invocation
func (s *Server) handleFailedDocuments(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)

	limit := getIntDefault(args, "limit", 50)
	if limit < 1 || limit > 500 {
		return nil, newMCPError(ErrorCodeInvalidParams, "limit must be between 1 and 500", map[string]interface{}{
			"param": "limit",
			"value": limit,
		})
	}
	errorType := getStringDefault(args, "error_type", "")

	report, err := s.status.FailureReport()
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to read failure records", map[string]interface{}{
			"error": err.Error(),
		})
	}

	keys := make([]string, 0, len(report.Failures))
	for key, rec := range report.Failures {
		if errorType != "" && status.ErrorKind(rec.Error) != errorType {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	response := map[string]interface{}{
		"total_failed":  report.Total,
		"cleaned":       report.Cleaned,
		"by_error_type": report.ByErrorType,
		"matched":       len(keys),
	}
	if len(keys) > limit {
		keys = keys[:limit]
		response["truncated"] = true
	}
	failures := make([]status.FailedRecord, 0, len(keys))
	for _, key := range keys {
		failures = append(failures, report.Failures[key])
	}
	response["failures"] = failures

	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handlePauseIndexing handles the pause_indexing tool invocation
func (s *Server) handlePauseIndexing(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.pausePath == "" {
		return nil, newMCPError(ErrorCodeNoPauseMarker, "pause marker path not configured", nil)
	}
	already := scheduler.IsPaused(s.pausePath)
	if err := scheduler.Pause(s.pausePath); err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to pause indexing", map[string]interface{}{
			"error": err.Error(),
		})
	}
	s.logger.Info("indexing paused via mcp")

	response := map[string]interface{}{
		"paused":         true,
		"already_paused": already,
		"message":        "Indexing will pause before the next document.",
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleResumeIndexing handles the resume_indexing tool invocation
func (s *Server) handleResumeIndexing(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.pausePath == "" {
		return nil, newMCPError(ErrorCodeNoPauseMarker, "pause marker path not configured", nil)
	}
	resumed, err := scheduler.Resume(s.pausePath)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to resume indexing", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if resumed {
		s.logger.Info("indexing resumed via mcp")
	}

	response := map[string]interface{}{
		"paused":  false,
		"resumed": resumed,
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// Helper functions

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// arguments returns the call arguments, or an empty map when none were sent
func arguments(request mcp.CallToolRequest) map[string]interface{} {
	if args, ok := request.Params.Arguments.(map[string]interface{}); ok {
		return args
	}
	return map[string]interface{}{}
}

// formatJSON formats a map as indented JSON
func formatJSON(data map[string]interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// getBoolDefault extracts a boolean parameter with a default value
func getBoolDefault(args map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := args[key].(bool); ok {
		return val
	}
	return defaultValue
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	return defaultValue
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok {
		return val
	}
	return defaultValue
}
