package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// indexStatusTool returns the tool definition for index_status
func indexStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "index_status",
		Description: "Report the indexing run status, current job progress, lease holder and documents waiting to be indexed",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"refresh": map[string]interface{}{
					"type":        "boolean",
					"description": "If true, rescan the library instead of using the cached pending count",
					"default":     false,
				},
			},
		},
	}
}

// libraryStatsTool returns the tool definition for library_stats
func libraryStatsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "library_stats",
		Description: "Document, chunk and failure counts for the indexed library",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}

// failedDocumentsTool returns the tool definition for failed_documents
func failedDocumentsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "failed_documents",
		Description: "List documents that failed to index, grouped by error type",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"error_type": map[string]interface{}{
					"type":        "string",
					"description": "Only return failures of this error type (e.g. 'job timed out')",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of failure records to return (1-500)",
					"default":     50,
					"minimum":     1,
					"maximum":     500,
				},
			},
		},
	}
}

// pauseIndexingTool returns the tool definition for pause_indexing
func pauseIndexingTool() mcp.Tool {
	return mcp.Tool{
		Name:        "pause_indexing",
		Description: "Pause indexing before the next document; the running document finishes",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}

// resumeIndexingTool returns the tool definition for resume_indexing
func resumeIndexingTool() mcp.Tool {
	return mcp.Tool{
		Name:        "resume_indexing",
		Description: "Resume paused indexing",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}
