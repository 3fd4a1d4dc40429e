package scheduler

import "sync/atomic"

// batchGuard keeps two batches in one process from overlapping without
// waiting on the lease file.
type batchGuard struct {
	state atomic.Int32 // 0 = free, 1 = running
}

// TryAcquire returns true if no batch was running.
func (g *batchGuard) TryAcquire() bool {
	return g.state.CompareAndSwap(0, 1)
}

// Release must only be called after a successful TryAcquire.
func (g *batchGuard) Release() {
	g.state.Store(0)
}
