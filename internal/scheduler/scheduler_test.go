package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/librarian/internal/indexer"
	"github.com/dshills/librarian/internal/lease"
	"github.com/dshills/librarian/internal/status"
)

// fakeIndex tracks indexed documents in memory over a real directory
type fakeIndex struct {
	root string

	mu        sync.Mutex
	indexed   map[string]bool
	processed []string
	removed   []string
	fail      map[string]bool
	delay     time.Duration
	jobErrs   []error // ctx.Err() seen at the end of each job
}

func newFakeIndex(root string) *fakeIndex {
	return &fakeIndex{root: root, indexed: map[string]bool{}, fail: map[string]bool{}}
}

func (f *fakeIndex) Supports(path string) bool {
	return strings.HasSuffix(path, ".pdf")
}

func (f *fakeIndex) Skip(dir string) bool {
	return strings.HasPrefix(filepath.Base(dir), ".")
}

func (f *fakeIndex) Rel(path string) (string, error) {
	rel, err := filepath.Rel(f.root, path)
	return filepath.ToSlash(rel), err
}

func (f *fakeIndex) Document(path string) (indexer.Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return indexer.Document{}, err
	}
	rel, _ := f.Rel(path)
	return indexer.Document{Path: path, RelativePath: rel, Size: info.Size()}, nil
}

func (f *fakeIndex) FindNewOrModified(ctx context.Context) ([]indexer.Document, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var docs []indexer.Document
	for _, e := range entries {
		if e.IsDir() || !f.Supports(e.Name()) || f.indexed[e.Name()] {
			continue
		}
		docs = append(docs, indexer.Document{Path: filepath.Join(f.root, e.Name()), RelativePath: e.Name()})
	}
	return docs, nil
}

func (f *fakeIndex) RemoveMissing(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var gone []string
	for rel := range f.indexed {
		if _, err := os.Stat(filepath.Join(f.root, rel)); os.IsNotExist(err) {
			delete(f.indexed, rel)
			gone = append(gone, rel)
		}
	}
	f.removed = append(f.removed, gone...)
	return gone, nil
}

func (f *fakeIndex) Remove(ctx context.Context, rel string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.indexed[rel] {
		return false, nil
	}
	delete(f.indexed, rel)
	f.removed = append(f.removed, rel)
	return true, nil
}

func (f *fakeIndex) ProcessDocument(ctx context.Context, doc indexer.Document) error {
	f.mu.Lock()
	delay := f.delay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobErrs = append(f.jobErrs, ctx.Err())
	f.processed = append(f.processed, doc.RelativePath)
	if f.fail[doc.RelativePath] {
		return errors.New("LoaderError: boom")
	}
	f.indexed[doc.RelativePath] = true
	return nil
}

func (f *fakeIndex) processedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.processed)
}

func (f *fakeIndex) processedList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.processed...)
}

func (f *fakeIndex) removedList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

type harness struct {
	books  string
	db     string
	index  *fakeIndex
	leases *lease.Manager
	status *status.Store
	sched  *Scheduler
}

func newHarness(t *testing.T, tune func(*Config)) *harness {
	t.Helper()
	books := t.TempDir()
	db := t.TempDir()

	h := &harness{
		books:  books,
		db:     db,
		index:  newFakeIndex(books),
		leases: lease.NewManager(filepath.Join(db, "index.lock"), lease.WithRetryInterval(10*time.Millisecond)),
		status: status.NewStore(db),
	}
	cfg := Config{
		BooksDir:   books,
		PauseFile:  filepath.Join(db, "index.pause"),
		BatchDelay: 200 * time.Millisecond,
		RetryDelay: 100 * time.Millisecond,
		PausePoll:  20 * time.Millisecond,
	}
	if tune != nil {
		tune(&cfg)
	}
	h.sched = New(cfg, Deps{Index: h.index, Leases: h.leases, Status: h.status})
	return h
}

func (h *harness) write(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(h.books, name)
	require.NoError(t, os.WriteFile(path, []byte(name), 0o644))
	return path
}

// start runs the scheduler until the test ends and waits for it to watch
func (h *harness) start(t *testing.T) (cancel func(), done <-chan error) {
	t.Helper()
	ctx, cancelFn := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.sched.Run(ctx) }()

	stopped := false
	t.Cleanup(func() {
		if !stopped {
			cancelFn()
			<-errc
		}
	})
	require.Eventually(t, func() bool {
		st := h.sched.State()
		return st == StateWatching || st == StateDebouncing || st == StateIndexing
	}, 5*time.Second, 5*time.Millisecond)

	return func() { stopped = true; cancelFn() }, errc
}

// holdLease takes the lease as a second indexer would, waiting out any
// batch the scheduler is running.
func holdLease(t *testing.T, h *harness) *lease.Lease {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	other := lease.NewManager(h.leases.Path(), lease.WithRetryInterval(5*time.Millisecond))
	held, err := other.Acquire(ctx, true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = held.Release() })
	return held
}

func TestRun_InitialSync(t *testing.T) {
	h := newHarness(t, nil)
	h.write(t, "a.pdf")
	h.write(t, "b.pdf")
	h.index.indexed["old.pdf"] = true

	h.start(t)

	require.Eventually(t, func() bool { return h.index.processedCount() == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"old.pdf"}, h.index.removedList())

	require.Eventually(t, func() bool {
		return h.status.GetStatus().Status == status.StateIdle && h.sched.Batches() == 1
	}, 5*time.Second, 10*time.Millisecond)
	details := h.status.GetStatus().Details
	assert.EqualValues(t, 2, details["indexed"])
	assert.EqualValues(t, 2, details["total_processed"])
}

func TestRun_DebouncesBurstIntoOneBatch(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	for _, name := range []string{"one.pdf", "two.pdf", "three.pdf"} {
		h.write(t, name)
		time.Sleep(20 * time.Millisecond)
	}
	h.write(t, "notes.txt")

	require.Eventually(t, func() bool { return h.index.processedCount() == 3 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return h.sched.Batches() == 1 }, time.Second, 10*time.Millisecond)

	last := h.sched.LastBatch()
	require.NotNil(t, last)
	assert.Equal(t, 3, last.Total)
	assert.Equal(t, 3, last.Indexed)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, h.sched.Batches(), "no second batch")
}

func TestRun_DeleteIsImmediate(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.BatchDelay = time.Hour })
	path := h.write(t, "gone.pdf")
	h.index.indexed["gone.pdf"] = true
	h.start(t)

	require.NoError(t, os.Remove(path))

	require.Eventually(t, func() bool {
		return len(h.index.removedList()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"gone.pdf"}, h.index.removedList())
	require.Eventually(t, func() bool {
		_, ok := h.status.GetStatus().Details["last_removed"]
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRun_MovedDirectoryWithDottedNameIsRemoved(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.BatchDelay = time.Hour })
	dir := filepath.Join(h.books, "Vol. 2")
	require.NoError(t, os.Mkdir(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.pdf"), []byte("a"), 0o644))
	h.index.indexed["Vol. 2/a.pdf"] = true
	h.start(t)
	assert.Empty(t, h.index.removedList())

	require.NoError(t, os.Rename(dir, filepath.Join(t.TempDir(), "Vol. 2")))

	require.Eventually(t, func() bool {
		return len(h.index.removedList()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"Vol. 2/a.pdf"}, h.index.removedList())
}

func TestRun_BusyLeaseRequeuesBatch(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	held := holdLease(t, h)

	h.write(t, "a.pdf")
	time.Sleep(500 * time.Millisecond)
	assert.Zero(t, h.index.processedCount(), "nothing runs while another holder has the lease")
	assert.Equal(t, 1, h.sched.Pending())

	require.NoError(t, held.Release())
	require.Eventually(t, func() bool { return h.index.processedCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, h.sched.Pending())
}

func TestRun_DeleteWithBusyLeaseIsDeferred(t *testing.T) {
	h := newHarness(t, nil)
	path := h.write(t, "gone.pdf")
	h.index.indexed["gone.pdf"] = true
	h.start(t)

	held := holdLease(t, h)

	require.NoError(t, os.Remove(path))
	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, h.index.removedList())

	require.NoError(t, held.Release())
	require.Eventually(t, func() bool { return len(h.index.removedList()) == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestRun_ShutdownLetsJobFinish(t *testing.T) {
	h := newHarness(t, nil)
	h.index.delay = 300 * time.Millisecond
	h.write(t, "slow.pdf")

	cancel, done := h.start(t)
	require.Eventually(t, func() bool { return h.sched.State() == StateIndexing }, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	assert.Equal(t, StateStopped, h.sched.State())
	assert.Equal(t, status.StateStopped, h.status.GetStatus().Status)
	require.Equal(t, 1, h.index.processedCount())
	assert.NoError(t, h.index.jobErrs[0], "in-flight job is not cancelled")

	info, err := h.leases.Info()
	require.NoError(t, err)
	assert.Nil(t, info, "lease released")
}

func TestRun_WatchesNewDirectories(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	sub := filepath.Join(h.books, "shelf")
	require.NoError(t, os.Mkdir(sub, 0o755))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(sub, "nested.pdf"), []byte("x"), 0o644))

	require.Eventually(t, func() bool { return h.index.processedCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"shelf/nested.pdf"}, h.index.processedList())
}

func TestRunOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.write(t, "a.pdf")
	h.write(t, "b.pdf")
	h.index.fail["b.pdf"] = true

	res, err := h.sched.RunOnce(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 1, res.Indexed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, StateIdle, h.sched.State())

	st := h.status.GetStatus()
	assert.Equal(t, status.StateIdle, st.Status)
	assert.EqualValues(t, 1, st.Details["indexed"])
	assert.EqualValues(t, 1, st.Details["failed"])
	assert.EqualValues(t, 2, st.Details["total_processed"])

	// unchanged files produce no new jobs
	h.index.fail["b.pdf"] = false
	res, err = h.sched.RunOnce(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total, "only the failed document is retried")
	res, err = h.sched.RunOnce(context.Background(), false)
	require.NoError(t, err)
	assert.Zero(t, res.Total)
}

func TestRunOnce_LeaseHeld(t *testing.T) {
	h := newHarness(t, nil)
	other := lease.NewManager(h.leases.Path())
	held, err := other.Acquire(context.Background(), false)
	require.NoError(t, err)
	defer func() { _ = held.Release() }()

	_, err = h.sched.RunOnce(context.Background(), false)
	assert.ErrorIs(t, err, lease.ErrLeaseHeld)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = h.sched.RunOnce(ctx, true)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunOnce_Pause(t *testing.T) {
	h := newHarness(t, nil)
	h.write(t, "a.pdf")
	pause := filepath.Join(h.db, "index.pause")
	require.NoError(t, Pause(pause))
	assert.True(t, h.sched.Paused())

	done := make(chan *BatchResult, 1)
	go func() {
		res, _ := h.sched.RunOnce(context.Background(), false)
		done <- res
	}()

	require.Eventually(t, func() bool { return h.sched.State() == StatePaused }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.status.GetStatus().Status == status.StatePaused }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, h.index.processedCount())

	resumed, err := Resume(pause)
	require.NoError(t, err)
	assert.True(t, resumed)
	select {
	case res := <-done:
		require.NotNil(t, res)
		assert.Equal(t, 1, res.Indexed)
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not resume")
	}
}

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig("/books", "/db/index.pause", false)
	assert.Equal(t, 2*time.Second, c.BatchDelay)
	assert.Equal(t, 5*time.Second, c.PausePoll)

	c = DefaultConfig("/books", "/db/index.pause", true)
	assert.Equal(t, 5*time.Second, c.BatchDelay)
	assert.Equal(t, 5*time.Second, c.RetryDelay)
}

func TestBatchGuard(t *testing.T) {
	var g batchGuard
	assert.True(t, g.TryAcquire())
	assert.False(t, g.TryAcquire())
	g.Release()
	assert.True(t, g.TryAcquire())
}

func TestPauseResume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.pause")
	assert.False(t, IsPaused(path))
	assert.False(t, IsPaused(""))

	require.NoError(t, Pause(path))
	require.NoError(t, Pause(path))
	assert.True(t, IsPaused(path))

	resumed, err := Resume(path)
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.False(t, IsPaused(path))

	resumed, err = Resume(path)
	require.NoError(t, err)
	assert.False(t, resumed)
}
