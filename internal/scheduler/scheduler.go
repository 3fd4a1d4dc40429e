package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/librarian/internal/indexer"
	"github.com/dshills/librarian/internal/lease"
	"github.com/dshills/librarian/internal/status"
)

// State is the scheduler's position in its lifecycle
type State string

const (
	StateIdle       State = "idle"
	StateSyncing    State = "syncing"
	StateWatching   State = "watching"
	StateDebouncing State = "debouncing"
	StateIndexing   State = "indexing"
	StatePaused     State = "paused"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
)

// Config controls batching and pause behaviour
type Config struct {
	BooksDir   string
	PauseFile  string        // existence pauses indexing
	BatchDelay time.Duration // debounce window
	RetryDelay time.Duration // wait before retrying a busy lease
	PausePoll  time.Duration
}

// DefaultConfig returns the interactive timings, or the slower service-mode
// timings when service is true.
func DefaultConfig(booksDir, pauseFile string, service bool) Config {
	delay := 2 * time.Second
	if service {
		delay = 5 * time.Second
	}
	return Config{
		BooksDir:   booksDir,
		PauseFile:  pauseFile,
		BatchDelay: delay,
		RetryDelay: delay,
		PausePoll:  5 * time.Second,
	}
}

// Index is the index-state collaborator, normally *indexer.Indexer
type Index interface {
	Supports(path string) bool
	Skip(dir string) bool
	Rel(path string) (string, error)
	Document(path string) (indexer.Document, error)
	FindNewOrModified(ctx context.Context) ([]indexer.Document, error)
	RemoveMissing(ctx context.Context) ([]string, error)
	Remove(ctx context.Context, relPath string) (bool, error)
	ProcessDocument(ctx context.Context, doc indexer.Document) error
}

// Leaser hands out the indexing lease, normally *lease.Manager
type Leaser interface {
	Acquire(ctx context.Context, blocking bool) (*lease.Lease, error)
}

// Deps are the scheduler's collaborators
type Deps struct {
	Index  Index
	Leases Leaser
	Status *status.Store
	Logger *slog.Logger
}

// BatchResult summarizes one indexing batch
type BatchResult struct {
	Total       int       `json:"total"`
	Indexed     int       `json:"indexed"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
	Removed     []string  `json:"removed,omitempty"`
	Interrupted bool      `json:"interrupted"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Processed is the number of documents a job was run for
func (r *BatchResult) Processed() int {
	return r.Indexed + r.Failed
}

// Scheduler turns filesystem changes into lease-protected indexing batches
type Scheduler struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	mu            sync.Mutex
	state         State
	pending       []string
	pendingSet    map[string]struct{}
	deletes       []string
	removeMissing bool
	timer         *time.Timer
	batches       int
	last          *BatchResult

	flush chan struct{}
	guard batchGuard

	// leaseMu keeps the batch lease from being released while a removal
	// is using it.
	leaseMu sync.Mutex
	held    *lease.Lease
}

// New creates a Scheduler
func New(cfg Config, deps Deps) *Scheduler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:        cfg,
		deps:       deps,
		logger:     logger,
		state:      StateIdle,
		pendingSet: make(map[string]struct{}),
		flush:      make(chan struct{}, 1),
	}
}

// State returns the current lifecycle state
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pending returns the number of documents waiting for a batch
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Batches returns how many batches did any work
func (s *Scheduler) Batches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches
}

// LastBatch returns the most recent batch result, or nil
func (s *Scheduler) LastBatch() *BatchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// transition moves to state unless the scheduler is shutting down
func (s *Scheduler) transition(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopping || s.state == StateStopped {
		return
	}
	s.state = state
}

// Run syncs the books directory, then watches it until ctx is cancelled.
// Only watcher setup and lease errors other than lease.ErrLeaseHeld are
// returned.
func (s *Scheduler) Run(ctx context.Context) error {
	s.transition(StateSyncing)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := s.watchTree(watcher, s.cfg.BooksDir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", s.cfg.BooksDir, err)
	}

	docs, err := s.deps.Index.FindNewOrModified(ctx)
	if err != nil {
		s.logger.Warn("initial sync failed", "error", err)
	}
	s.logger.Info("initial sync complete", "changed", len(docs))

	s.mu.Lock()
	for _, doc := range docs {
		s.addPendingLocked(doc.Path)
	}
	s.removeMissing = true
	s.mu.Unlock()
	s.trigger()

	s.transition(StateWatching)
	s.logger.Info("watching for changes", "dir", s.cfg.BooksDir, "batch_delay", s.cfg.BatchDelay)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.watch(gctx, watcher) })
	g.Go(func() error { return s.batchLoop(gctx) })
	err = g.Wait()

	s.shutdown(watcher)
	return err
}

func (s *Scheduler) shutdown(watcher *fsnotify.Watcher) {
	s.mu.Lock()
	s.state = StateStopping
	s.mu.Unlock()

	_ = watcher.Close()

	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	pending := len(s.pending)
	s.mu.Unlock()

	s.writeStatus(status.StateStopped, map[string]any{
		"stopped_at": time.Now().Format(time.RFC3339),
		"pending":    pending,
	})

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	s.logger.Info("scheduler stopped", "pending", pending)
}

// watchTree adds a watch on dir and every directory below it
func (s *Scheduler) watchTree(w *fsnotify.Watcher, dir string) error {
	if err := w.Add(dir); err != nil {
		return err
	}
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || path == dir || !d.IsDir() {
			return nil
		}
		if s.deps.Index.Skip(path) {
			return filepath.SkipDir
		}
		if err := w.Add(path); err != nil {
			s.logger.Warn("failed to watch directory", "dir", path, "error", err)
		}
		return nil
	})
}

func (s *Scheduler) watch(ctx context.Context, w *fsnotify.Watcher) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if err := s.handleEvent(ctx, w, ev); err != nil {
				return err
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("watcher error", "error", err)
		}
	}
}

func (s *Scheduler) handleEvent(ctx context.Context, w *fsnotify.Watcher, ev fsnotify.Event) error {
	switch {
	case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
		info, err := os.Stat(ev.Name)
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if ev.Has(fsnotify.Create) && !s.deps.Index.Skip(ev.Name) {
				s.addDirectory(w, ev.Name)
			}
			return nil
		}
		if s.deps.Index.Supports(ev.Name) {
			s.logger.Debug("document changed", "file", ev.Name, "op", ev.Op.String())
			s.enqueue(ev.Name)
		}

	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		return s.handleDelete(ctx, ev.Name)
	}
	return nil
}

// addDirectory watches a new directory and queues documents that landed in
// it before the watch existed.
func (s *Scheduler) addDirectory(w *fsnotify.Watcher, dir string) {
	if err := s.watchTree(w, dir); err != nil {
		s.logger.Warn("failed to watch new directory", "dir", dir, "error", err)
	}
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && s.deps.Index.Skip(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if s.deps.Index.Supports(path) {
			s.enqueue(path)
		}
		return nil
	})
}

func (s *Scheduler) enqueue(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopping || s.state == StateStopped {
		return
	}
	s.addPendingLocked(path)
	if s.state == StateWatching {
		s.state = StateDebouncing
	}
	s.armLocked(s.cfg.BatchDelay)
}

func (s *Scheduler) addPendingLocked(path string) {
	if _, ok := s.pendingSet[path]; ok {
		return
	}
	s.pendingSet[path] = struct{}{}
	s.pending = append(s.pending, path)
}

// dropPendingLocked removes path, and anything below it, from the pending set
func (s *Scheduler) dropPendingLocked(path string) {
	prefix := path + string(filepath.Separator)
	kept := s.pending[:0]
	for _, p := range s.pending {
		if p == path || strings.HasPrefix(p, prefix) {
			delete(s.pendingSet, p)
			continue
		}
		kept = append(kept, p)
	}
	s.pending = kept
}

// armLocked (re)starts the single debounce timer
func (s *Scheduler) armLocked(delay time.Duration) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(delay, s.trigger)
}

func (s *Scheduler) trigger() {
	select {
	case s.flush <- struct{}{}:
	default:
	}
}

// requeue puts undone work back ahead of anything queued since, and retries
// after the retry delay.
func (s *Scheduler) requeue(paths, deletes []string, missing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := make([]string, 0, len(paths)+len(s.pending))
	set := make(map[string]struct{}, cap(merged))
	for _, p := range append(append([]string{}, paths...), s.pending...) {
		if _, ok := set[p]; ok {
			continue
		}
		set[p] = struct{}{}
		merged = append(merged, p)
	}
	s.pending, s.pendingSet = merged, set
	s.deletes = append(s.deletes, deletes...)
	s.removeMissing = s.removeMissing || missing

	if s.state == StateStopping || s.state == StateStopped {
		return
	}
	s.armLocked(s.cfg.RetryDelay)
}

// handleDelete removes a deleted document from the index right away. If
// another process holds the lease the removal waits for the next batch.
func (s *Scheduler) handleDelete(ctx context.Context, path string) error {
	s.mu.Lock()
	s.dropPendingLocked(path)
	s.mu.Unlock()

	var rels []string
	missing := false
	switch {
	case s.deps.Index.Supports(path):
		rel, err := s.deps.Index.Rel(path)
		if err != nil {
			return nil
		}
		rels = append(rels, rel)
	case s.deps.Index.Skip(path):
		return nil
	default:
		// Possibly a directory, whatever its name; its documents are gone too.
		missing = true
	}

	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()

	if s.held == nil {
		l, err := s.deps.Leases.Acquire(ctx, false)
		if errors.Is(err, lease.ErrLeaseHeld) {
			s.logger.Info("index busy, deferring removal", "path", path)
			s.requeue(nil, rels, missing)
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to acquire lease: %w", err)
		}
		defer func() {
			if err := l.Release(); err != nil {
				s.logger.Warn("failed to release lease", "error", err)
			}
		}()
	}

	s.applyDeletes(ctx, rels, missing)
	return nil
}

// applyDeletes must run under the lease
func (s *Scheduler) applyDeletes(ctx context.Context, rels []string, missing bool) []string {
	var removed []string
	for _, rel := range rels {
		ok, err := s.deps.Index.Remove(ctx, rel)
		if err != nil {
			s.logger.Warn("failed to remove document", "file", rel, "error", err)
			continue
		}
		if ok {
			s.logger.Info("removed deleted document", "file", rel)
			removed = append(removed, rel)
		}
	}
	if missing {
		gone, err := s.deps.Index.RemoveMissing(ctx)
		if err != nil {
			s.logger.Warn("failed to remove missing documents", "error", err)
		}
		removed = append(removed, gone...)
	}

	if len(removed) > 0 {
		current := s.deps.Status.GetStatus().Status
		if err := s.deps.Status.MergeDetails(current, map[string]any{
			"last_removed": removed,
			"removed_at":   time.Now().Format(time.RFC3339),
		}); err != nil {
			s.logger.Warn("failed to write status", "error", err)
		}
	}
	return removed
}

func (s *Scheduler) batchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.flush:
		}
		if ctx.Err() != nil {
			return nil
		}
		if err := s.runPending(ctx); err != nil {
			return err
		}
	}
}

// runPending drains the pending set into one batch and runs it under the
// lease.
func (s *Scheduler) runPending(ctx context.Context) error {
	s.mu.Lock()
	paths, deletes, missing := s.pending, s.deletes, s.removeMissing
	s.pending, s.pendingSet, s.deletes, s.removeMissing = nil, make(map[string]struct{}), nil, false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	if len(paths) == 0 && len(deletes) == 0 && !missing {
		s.transition(StateWatching)
		return nil
	}

	if !s.guard.TryAcquire() {
		s.requeue(paths, deletes, missing)
		return nil
	}
	defer s.guard.Release()

	l, err := s.deps.Leases.Acquire(ctx, false)
	if errors.Is(err, lease.ErrLeaseHeld) {
		s.logger.Info("another indexer holds the lease, will retry",
			"pending", len(paths), "retry_in", s.cfg.RetryDelay)
		s.requeue(paths, deletes, missing)
		s.transition(StateWatching)
		return nil
	}
	if err != nil {
		s.requeue(paths, deletes, missing)
		return fmt.Errorf("failed to acquire lease: %w", err)
	}
	s.hold(l)
	defer s.unhold()

	s.transition(StateIndexing)
	res := &BatchResult{StartedAt: time.Now()}
	res.Removed = s.applyDeletes(ctx, deletes, missing)

	if stopped := s.process(ctx, l, paths, res); stopped < len(paths) {
		s.requeue(paths[stopped:], nil, false)
	}
	s.finish(res)
	s.transition(StateWatching)
	return nil
}

func (s *Scheduler) hold(l *lease.Lease) {
	s.leaseMu.Lock()
	s.held = l
	s.leaseMu.Unlock()
}

func (s *Scheduler) unhold() {
	s.leaseMu.Lock()
	l := s.held
	s.held = nil
	s.leaseMu.Unlock()
	if err := l.Release(); err != nil {
		s.logger.Warn("failed to release lease", "error", err)
	}
}

// RunOnce runs a single sync batch outside the watch loop. In non-blocking
// mode it returns lease.ErrLeaseHeld when another indexer is running.
func (s *Scheduler) RunOnce(ctx context.Context, blocking bool) (*BatchResult, error) {
	if !s.guard.TryAcquire() {
		return nil, lease.ErrLeaseHeld
	}
	defer s.guard.Release()

	l, err := s.deps.Leases.Acquire(ctx, blocking)
	if err != nil {
		return nil, err
	}
	s.hold(l)
	defer s.unhold()

	s.transition(StateSyncing)
	res := &BatchResult{StartedAt: time.Now()}
	res.Removed = s.applyDeletes(ctx, nil, true)

	docs, err := s.deps.Index.FindNewOrModified(ctx)
	if err != nil {
		s.transition(StateIdle)
		return nil, fmt.Errorf("failed to find changed documents: %w", err)
	}
	paths := make([]string, len(docs))
	for i, doc := range docs {
		paths[i] = doc.Path
	}

	s.transition(StateIndexing)
	s.process(ctx, l, paths, res)
	s.finish(res)
	s.transition(StateIdle)
	return res, nil
}

// process runs paths sequentially and returns the index of the first path
// it did not get to.
func (s *Scheduler) process(ctx context.Context, l *lease.Lease, paths []string, res *BatchResult) int {
	total := len(paths)
	res.Total = total
	if total > 0 {
		s.logger.Info("starting batch", "documents", total)
	}

	for i, path := range paths {
		if err := s.waitWhilePaused(ctx); err != nil {
			res.Interrupted = true
			return i
		}
		select {
		case <-l.Lost():
			s.logger.Error("indexing lease lost, abandoning batch", "remaining", total-i)
			res.Interrupted = true
			return i
		default:
		}

		doc, err := s.deps.Index.Document(path)
		if err != nil {
			s.logger.Warn("document vanished before indexing", "file", path, "error", err)
			res.Skipped++
			continue
		}

		s.logger.Info("processing document", "n", i+1, "total", total, "file", doc.RelativePath)
		s.batchStatus(doc.RelativePath, i+1, i, total, res)

		// Jobs end only through their own watchdog.
		if err := s.deps.Index.ProcessDocument(context.WithoutCancel(ctx), doc); err != nil {
			res.Failed++
			s.logger.Warn("document failed", "file", doc.RelativePath, "error", err)
		} else {
			res.Indexed++
		}
		s.batchStatus(doc.RelativePath, i+1, i+1, total, res)
	}
	return total
}

// batchStatus reports document n of total with done documents finished
func (s *Scheduler) batchStatus(rel string, n, done, total int, res *BatchResult) {
	s.writeStatus(status.StateIndexing, map[string]any{
		"current_file": rel,
		"progress":     fmt.Sprintf("%d/%d", n, total),
		"success":      res.Indexed,
		"failed":       res.Failed,
		"percentage":   math.Round(float64(done)/float64(total)*1000) / 10,
	})
}

func (s *Scheduler) finish(res *BatchResult) {
	res.FinishedAt = time.Now()

	s.mu.Lock()
	if res.Total > 0 || len(res.Removed) > 0 {
		s.batches++
	}
	s.last = res
	s.mu.Unlock()

	if res.Total == 0 && len(res.Removed) == 0 {
		return
	}
	details := map[string]any{
		"last_run":        res.FinishedAt.Format(time.RFC3339),
		"indexed":         res.Indexed,
		"failed":          res.Failed,
		"total_processed": res.Processed(),
	}
	if len(res.Removed) > 0 {
		details["last_removed"] = res.Removed
	}
	s.writeStatus(status.StateIdle, details)
	s.logger.Info("batch complete", "indexed", res.Indexed, "failed", res.Failed,
		"skipped", res.Skipped, "removed", len(res.Removed),
		"elapsed", res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
}

// Paused reports whether the pause marker exists
func (s *Scheduler) Paused() bool {
	return IsPaused(s.cfg.PauseFile)
}

// waitWhilePaused blocks while the pause marker exists. It returns ctx's
// error if the scheduler was stopped meanwhile.
func (s *Scheduler) waitWhilePaused(ctx context.Context) error {
	if !s.Paused() {
		return ctx.Err()
	}

	s.logger.Info("indexing paused")
	s.transition(StatePaused)
	s.writeStatus(status.StatePaused, map[string]any{
		"paused_at": time.Now().Format(time.RFC3339),
	})

	ticker := time.NewTicker(s.cfg.PausePoll)
	defer ticker.Stop()
	for s.Paused() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	s.logger.Info("indexing resumed")
	s.writeStatus(status.StateResuming, map[string]any{
		"resumed_at": time.Now().Format(time.RFC3339),
	})
	s.transition(StateIndexing)
	return ctx.Err()
}

func (s *Scheduler) writeStatus(state status.State, details map[string]any) {
	if err := s.deps.Status.SetStatus(state, details); err != nil {
		s.logger.Warn("failed to write status", "status", state, "error", err)
	}
}
