// Package status persists indexing state for external observers.
//
// Three JSON files live in the database directory:
//
//   - index_status.json: the overall RunStatus (idle, indexing, paused,
//     resuming, stopped) with free-form details such as the current file and
//     "i/total" progress.
//   - indexing_progress.json: the latest ProgressSnapshot of the document job
//     in flight, refreshed on every unit of forward progress.
//   - failed_pdfs.json: FailedRecords keyed by relative path.
//
// Every write goes through a temp file in the same directory followed by a
// rename, so a reader never sees a half-written document even if the writer
// crashes. IsHealthy turns the progress snapshot into a liveness signal.
package status
