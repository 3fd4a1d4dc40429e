// Package lease provides the host-wide indexing lease.
//
// At most one indexing run may be active at a time across every process on
// the host (the background scheduler, a manual CLI run, a retry of failed
// documents). The lease is a small file in the database directory holding the
// holder's pid and a timestamp, guarded by an exclusive flock(2):
//
//	mgr := lease.NewManager(filepath.Join(dbDir, "index.lock"))
//
//	l, err := mgr.Acquire(ctx, false)
//	if errors.Is(err, lease.ErrLeaseHeld) {
//	    // someone else is indexing; try again later
//	}
//	defer l.Release()
//
// # Staleness
//
// A lease is stale when its holder pid is no longer alive or the file has not
// been renewed for 30 minutes. Stale leases are removed before an acquisition
// attempt so a crashed or hung holder cannot block indexing forever. A held
// lease renews itself every 30 seconds from a heartbeat goroutine; if the
// heartbeat finds that the file was reclaimed by someone else, Lost() is
// closed.
//
// # Linearizability
//
// After locking, the acquirer checks that the locked descriptor still refers
// to the file at the lease path. If the file was unlinked or replaced in the
// meantime the attempt is retried, so exactly one of any set of concurrent
// acquirers succeeds.
package lease
