// Package mcp implements the Model Context Protocol (MCP) server for the
// librarian.
//
// The server lets an MCP client watch and steer indexing without touching the
// indexing process itself:
//   - index_status: run status, current job progress, lease holder, pending count
//   - library_stats: document, chunk and failure counts
//   - failed_documents: failure records grouped by error type
//   - pause_indexing / resume_indexing: create or remove the pause marker
//
// # Protocol Overview
//
// MCP is a JSON-RPC 2.0 protocol over stdio transport:
//
//	Client → Server: {"method": "tools/call", "params": {...}}
//	Server → Client: {"result": {...}}
//
// The server is started with:
//
//	librarian serve
//
// It reads only the status files, the lease file and the index database, so
// it can run next to a watcher. Pausing is cooperative: the watcher notices
// the marker before its next document.
//
// # Pending Count
//
// Counting documents waiting to be indexed means hashing every file in the
// library. index_status caches the count for five minutes per books
// directory; pass "refresh": true to rescan.
//
// # Error Handling
//
// Tool failures are returned as *MCPError values carrying a JSON-RPC code:
//
//	-32602  invalid parameters
//	-32603  internal error (storage or status files unreadable)
//	-32001  pause marker path not configured
package mcp
