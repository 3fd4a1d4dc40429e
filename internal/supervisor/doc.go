// Package supervisor runs document jobs in killable worker processes.
//
// Each job gets a fresh worker (this binary re-executed as "librarian worker
// --file PATH", in its own process group). The worker streams JSON lines on
// stdout: progress reports while pages are extracted, then either a result
// carrying the extracted units or an error.
//
// # Timeouts
//
// The supervisor polls the worker every 2 seconds. A job starts with a budget
// derived from its file size (InitialTimeout). When the budget runs out the
// job is extended by ExtensionIncrement if it reported progress within the
// last 5 minutes, and killed with ErrTimeout otherwise. Independently, a job
// with no progress for 5 minutes is killed with ErrStalled no matter how much
// budget is left. If the host leaves its resource ceilings the job is killed
// with ErrResourceExceeded.
//
// # Termination
//
// Terminate sends SIGTERM, waits the grace period, kills the process group,
// and finally kills every descendant that was enumerated before the signal
// so tools the loader shelled out to do not outlive the job.
//
// All failures are returned as *JobError, so callers can use errors.Is with
// the sentinel errors or inspect Kind.
package supervisor
