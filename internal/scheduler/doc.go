// Package scheduler turns filesystem changes into indexing batches.
//
// On startup the scheduler syncs the books directory against the index by
// content hash, then watches it recursively with fsnotify. Created and
// modified documents are collected in a pending set behind a single debounce
// timer; when the timer fires the set is drained into one batch that runs
// sequentially under the indexing lease. Deletions are applied immediately.
//
// If another process holds the lease the batch is put back and retried after
// the retry delay, so no work is lost. A pause marker file suspends a batch
// between documents. On shutdown the in-flight document is allowed to finish
// under its own watchdog before the final "stopped" status is written.
package scheduler
