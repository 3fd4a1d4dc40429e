// Package loader extracts text from documents.
//
// A Registry maps file extensions to Loaders. The stock ExecLoader runs an
// external tool (pdftotext, pandoc, antiword) and reports per-page progress,
// which the job supervisor uses to tell a slow document from a stuck one.
package loader
