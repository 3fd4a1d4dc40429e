package status

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	return NewStore(t.TempDir(), WithClock(clock.Now)), clock
}

func TestGetStatusDefaultsToIdle(t *testing.T) {
	s, _ := newTestStore(t)
	st := s.GetStatus()
	assert.Equal(t, StateIdle, st.Status)
	assert.NotNil(t, st.Details)
}

func TestSetStatusRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.SetStatus(StateIndexing, map[string]any{
		"current_file": "a.pdf",
		"progress":     "1/3",
	}))

	st := s.GetStatus()
	assert.Equal(t, StateIndexing, st.Status)
	assert.Equal(t, "a.pdf", st.Details["current_file"])
	assert.Equal(t, "1/3", st.Details["progress"])

	// the file on disk is valid, complete JSON
	data, err := os.ReadFile(filepath.Join(s.Dir(), StatusFile))
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "indexing", raw["status"])
}

func TestMergeDetailsPreservesExisting(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.SetStatus(StateIndexing, map[string]any{"progress": "1/2", "success": 0}))
	require.NoError(t, s.MergeDetails(StateIndexing, map[string]any{"current_file": "b.epub"}))

	st := s.GetStatus()
	assert.Equal(t, "1/2", st.Details["progress"])
	assert.Equal(t, "b.epub", st.Details["current_file"])
}

func TestSetStatusWaitsForMerge(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.SetStatus(StateIndexing, map[string]any{"progress": "1/2"}))

	// a merge in flight holds the lock between its read and its write
	s.mu.Lock()
	done := make(chan error, 1)
	go func() { done <- s.SetStatus(StateIdle, nil) }()

	select {
	case <-done:
		t.Fatal("SetStatus did not wait for the merge")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, StateIndexing, s.GetStatus().Status)
	s.mu.Unlock()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("SetStatus never completed")
	}
	assert.Equal(t, StateIdle, s.GetStatus().Status)
}

func TestCorruptStatusFallsBackToIdle(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), StatusFile), []byte("{not json"), 0o644))
	assert.Equal(t, StateIdle, s.GetStatus().Status)
}

func TestAtomicWritesLeaveNoTempFiles(t *testing.T) {
	s, _ := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.UpdateProgress(Progress{Stage: StageLoading, CurrentUnit: i, TotalUnits: 20}))
		}(i)
	}
	wg.Wait()

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ProgressFile, entries[0].Name())

	p, err := s.GetProgress()
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 20, p.TotalUnits)
}

func TestProgressLifecycle(t *testing.T) {
	s, clock := newTestStore(t)

	p, err := s.GetProgress()
	require.NoError(t, err)
	assert.Nil(t, p)

	require.NoError(t, s.UpdateProgress(Progress{Stage: StageExtracting, CurrentFile: "x.pdf", CurrentUnit: 3, TotalUnits: 10}))
	p, err = s.GetProgress()
	require.NoError(t, err)
	assert.Equal(t, StageExtracting, p.Stage)
	assert.True(t, clock.Now().Equal(p.Timestamp))

	require.NoError(t, s.ClearProgress())
	require.NoError(t, s.ClearProgress())
	p, err = s.GetProgress()
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestIsHealthy(t *testing.T) {
	t.Run("no progress is healthy", func(t *testing.T) {
		s, _ := newTestStore(t)
		ok, reason := s.IsHealthy()
		assert.True(t, ok)
		assert.Empty(t, reason)
	})

	t.Run("stale progress while indexing", func(t *testing.T) {
		s, clock := newTestStore(t)
		require.NoError(t, s.SetStatus(StateIndexing, nil))
		require.NoError(t, s.UpdateProgress(Progress{Stage: StageLoading}))

		clock.Advance(90 * time.Second)
		ok, _ := s.IsHealthy()
		assert.True(t, ok)

		clock.Advance(time.Minute)
		ok, reason := s.IsHealthy()
		assert.False(t, ok)
		assert.Contains(t, reason, "no progress")
	})

	t.Run("stale progress while idle is fine", func(t *testing.T) {
		s, clock := newTestStore(t)
		require.NoError(t, s.UpdateProgress(Progress{Stage: StageLoading}))
		require.NoError(t, s.SetStatus(StateIdle, nil))
		clock.Advance(time.Hour)
		ok, _ := s.IsHealthy()
		assert.True(t, ok)
	})

	t.Run("memory ceiling", func(t *testing.T) {
		s, _ := newTestStore(t)
		require.NoError(t, s.SetStatus(StateIndexing, nil))
		require.NoError(t, s.UpdateProgress(Progress{Stage: StageChunking, MemoryMB: 9000}))
		ok, reason := s.IsHealthy()
		assert.False(t, ok)
		assert.Contains(t, reason, "memory")
	})

	t.Run("completed job is healthy", func(t *testing.T) {
		s, clock := newTestStore(t)
		require.NoError(t, s.SetStatus(StateIndexing, nil))
		require.NoError(t, s.UpdateProgress(Progress{Stage: StageCompleted, MemoryMB: 9000}))
		clock.Advance(time.Hour)
		ok, _ := s.IsHealthy()
		assert.True(t, ok)
	})
}

func TestRecordFailureUpdatesInPlace(t *testing.T) {
	s, clock := newTestStore(t)

	rec, err := s.RecordFailure("philosophy/plato.pdf", "loader failed: bad xref", false, 1024)
	require.NoError(t, err)
	assert.Equal(t, "plato.pdf", rec.DocumentName)
	assert.Equal(t, 1, rec.Attempts)

	clock.Advance(time.Minute)
	rec, err = s.RecordFailure("philosophy/plato.pdf", "timeout: no progress", false, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, "timeout: no progress", rec.Error)
	assert.Equal(t, int64(1024), rec.FileSize)

	all, err := s.ListFailures()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSameBasenameDifferentDirectories(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.RecordFailure("a/book.pdf", "x", false, 0)
	require.NoError(t, err)
	_, err = s.RecordFailure("b/book.pdf", "y", false, 0)
	require.NoError(t, err)

	all, err := s.ListFailures()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a/book.pdf", all[0].RelativePath)
	assert.Equal(t, "b/book.pdf", all[1].RelativePath)

	// an exact path leaves the namesake alone
	n, err := s.ClearFailure("a/book.pdf")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = s.RecordFailure("a/book.pdf", "x", false, 0)
	require.NoError(t, err)

	// clearing by basename removes both
	n, err = s.ClearFailure("book.pdf")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCleanedFlagIsSticky(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.MarkCleaned("x.pdf", "/books/originals/x.pdf"))

	rec, ok := s.Failure("x.pdf")
	require.True(t, ok)
	assert.True(t, rec.Cleaned)
	assert.NotNil(t, rec.CleanedAt)
	assert.Equal(t, "/books/originals/x.pdf", rec.OriginalBackup)

	rec, err := s.RecordFailure("x.pdf", "still broken", false, 0)
	require.NoError(t, err)
	assert.True(t, rec.Cleaned)
}

func TestClearFailures(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.RecordFailure("one.pdf", "a", false, 0)
	require.NoError(t, err)
	_, err = s.RecordFailure("dir/two.epub", "b", false, 0)
	require.NoError(t, err)

	n, err := s.ClearFailure("dir/two.epub")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.ClearFailure("missing.pdf")
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, s.ClearAllFailures())
	all, err := s.ListFailures()
	require.NoError(t, err)
	assert.Empty(t, all)
	require.NoError(t, s.ClearAllFailures())
}

func TestFailureReport(t *testing.T) {
	s, _ := newTestStore(t)
	_, _ = s.RecordFailure("a.pdf", "timeout: exceeded 5m0s", false, 0)
	_, _ = s.RecordFailure("b.pdf", "timeout: exceeded 10m0s", true, 0)
	_, _ = s.RecordFailure("c.docx", "loader failed: exit status 1", false, 0)

	r, err := s.FailureReport()
	require.NoError(t, err)
	assert.Equal(t, 3, r.Total)
	assert.Equal(t, 1, r.Cleaned)
	assert.Equal(t, []string{"a.pdf", "b.pdf"}, r.ByErrorType["timeout"])
	assert.Equal(t, []string{"c.docx"}, r.ByErrorType["loader failed"])
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "stalled", ErrorKind("stalled: no progress for 5m"))
	assert.Equal(t, "file too large", ErrorKind("file too large"))
	assert.Equal(t, "unknown", ErrorKind(""))
}
