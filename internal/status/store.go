package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// StatusFile holds the current RunStatus.
	StatusFile = "index_status.json"
	// ProgressFile holds the latest ProgressSnapshot of the running job.
	ProgressFile = "indexing_progress.json"
	// FailuresFile holds FailedRecords keyed by relative path.
	FailuresFile = "failed_pdfs.json"

	// DefaultProgressMaxAge is how stale progress may get during a run.
	DefaultProgressMaxAge = 2 * time.Minute
	// DefaultMemoryCeilingMB is the health ceiling for worker memory.
	DefaultMemoryCeilingMB = 8 * 1024
)

// State is the scheduler-visible run state.
type State string

const (
	StateIdle     State = "idle"
	StateIndexing State = "indexing"
	StatePaused   State = "paused"
	StateResuming State = "resuming"
	StateStopped  State = "stopped"
)

// Stage is the phase a single document job is in.
type Stage string

const (
	StageStarting   Stage = "starting"
	StageLoading    Stage = "loading"
	StageExtracting Stage = "extracting"
	StageChunking   Stage = "chunking"
	StageEmbedding  Stage = "embedding"
	StageCompleted  Stage = "completed"
)

// RunStatus is the overall indexing status.
type RunStatus struct {
	Status    State          `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details"`
}

// Progress is a snapshot of the document job currently running.
type Progress struct {
	Timestamp       time.Time `json:"timestamp"`
	Stage           Stage     `json:"stage"`
	CurrentFile     string    `json:"current_file,omitempty"`
	CurrentUnit     int       `json:"current_unit"`
	TotalUnits      int       `json:"total_units"`
	ChunksGenerated int       `json:"chunks_generated"`
	MemoryMB        float64   `json:"memory_mb"`
}

// FailedRecord tracks a document that could not be indexed.
type FailedRecord struct {
	DocumentName   string     `json:"document_name"`
	RelativePath   string     `json:"relative_path"`
	Error          string     `json:"error"`
	Cleaned        bool       `json:"cleaned"`
	FailedAt       time.Time  `json:"failed_at"`
	CleanedAt      *time.Time `json:"cleaned_at,omitempty"`
	Attempts       int        `json:"attempts"`
	FileSize       int64      `json:"file_size"`
	OriginalBackup string     `json:"original_backup,omitempty"`
}

// Store persists status, progress and failures as JSON files in one
// directory. Every write replaces the target file atomically.
type Store struct {
	dir             string
	progressMaxAge  time.Duration
	memoryCeilingMB float64
	now             func() time.Time
	logger          *slog.Logger

	mu sync.Mutex // serializes read-modify-write cycles
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithHealthLimits overrides the progress age and memory ceiling used by IsHealthy.
func WithHealthLimits(maxAge time.Duration, memoryCeilingMB float64) Option {
	return func(s *Store) {
		if maxAge > 0 {
			s.progressMaxAge = maxAge
		}
		if memoryCeilingMB > 0 {
			s.memoryCeilingMB = memoryCeilingMB
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore creates a Store rooted at dir.
func NewStore(dir string, opts ...Option) *Store {
	s := &Store{
		dir:             dir,
		progressMaxAge:  DefaultProgressMaxAge,
		memoryCeilingMB: DefaultMemoryCeilingMB,
		now:             time.Now,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the directory holding the status files.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

// SetStatus replaces the run status.
func (s *Store) SetStatus(state State, details map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setStatusLocked(state, details)
}

func (s *Store) setStatusLocked(state State, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	return writeJSON(s.path(StatusFile), RunStatus{
		Status:    state,
		Timestamp: s.now(),
		Details:   details,
	})
}

// MergeDetails sets the run state and merges details into the existing ones.
func (s *Store) MergeDetails(state State, details map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.GetStatus()
	merged := make(map[string]any, len(current.Details)+len(details))
	for k, v := range current.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return s.setStatusLocked(state, merged)
}

// GetStatus returns the persisted run status, or idle when none exists.
func (s *Store) GetStatus() RunStatus {
	var st RunStatus
	found, err := readJSON(s.path(StatusFile), &st)
	if err != nil {
		s.logger.Warn("failed to read run status", "error", err)
	}
	if !found || err != nil || st.Status == "" {
		return RunStatus{Status: StateIdle, Timestamp: s.now(), Details: map[string]any{}}
	}
	if st.Details == nil {
		st.Details = map[string]any{}
	}
	return st
}

// UpdateProgress overwrites the progress snapshot. A zero timestamp is
// replaced by the current time.
func (s *Store) UpdateProgress(p Progress) error {
	if p.Timestamp.IsZero() {
		p.Timestamp = s.now()
	}
	return writeJSON(s.path(ProgressFile), p)
}

// GetProgress returns the last snapshot, or nil when none exists.
func (s *Store) GetProgress() (*Progress, error) {
	var p Progress
	found, err := readJSON(s.path(ProgressFile), &p)
	if err != nil || !found {
		return nil, err
	}
	return &p, nil
}

// ClearProgress removes the progress snapshot.
func (s *Store) ClearProgress() error {
	err := os.Remove(s.path(ProgressFile))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// IsHealthy reports whether the running job looks alive. The reason is
// empty when healthy.
func (s *Store) IsHealthy() (bool, string) {
	p, err := s.GetProgress()
	if err != nil {
		s.logger.Warn("failed to read progress", "error", err)
		return true, ""
	}
	if p == nil || p.Stage == StageCompleted {
		return true, ""
	}

	if s.GetStatus().Status == StateIndexing {
		if age := s.now().Sub(p.Timestamp); age > s.progressMaxAge {
			return false, fmt.Sprintf("no progress for %s", age.Round(time.Second))
		}
	}
	if p.MemoryMB > s.memoryCeilingMB {
		return false, fmt.Sprintf("worker memory %.0fMB exceeds %.0fMB", p.MemoryMB, s.memoryCeilingMB)
	}
	return true, ""
}

// RecordFailure creates or updates the failure record for relPath. An
// existing record keeps its cleaned flag and gains an attempt.
func (s *Store) RecordFailure(relPath, errMsg string, cleaned bool, fileSize int64) (*FailedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	failures, err := s.loadFailures()
	if err != nil {
		return nil, err
	}

	rec, ok := failures[relPath]
	if !ok {
		rec = FailedRecord{
			DocumentName: filepath.Base(relPath),
			RelativePath: relPath,
		}
	}
	rec.Error = errMsg
	rec.Cleaned = rec.Cleaned || cleaned
	rec.FailedAt = s.now()
	rec.Attempts++
	if fileSize > 0 {
		rec.FileSize = fileSize
	}
	failures[relPath] = rec

	if err := writeJSON(s.path(FailuresFile), failures); err != nil {
		return nil, err
	}
	return &rec, nil
}

// MarkCleaned flags relPath as repaired so it is never repaired again.
func (s *Store) MarkCleaned(relPath, backup string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	failures, err := s.loadFailures()
	if err != nil {
		return err
	}
	rec, ok := failures[relPath]
	if !ok {
		rec = FailedRecord{
			DocumentName: filepath.Base(relPath),
			RelativePath: relPath,
			FailedAt:     s.now(),
		}
	}
	now := s.now()
	rec.Cleaned = true
	rec.CleanedAt = &now
	rec.OriginalBackup = backup
	failures[relPath] = rec
	return writeJSON(s.path(FailuresFile), failures)
}

// Failure returns the record for relPath.
func (s *Store) Failure(relPath string) (*FailedRecord, bool) {
	failures, err := s.loadFailures()
	if err != nil {
		s.logger.Warn("failed to read failure records", "error", err)
		return nil, false
	}
	rec, ok := failures[relPath]
	if !ok {
		return nil, false
	}
	return &rec, true
}

// ListFailures returns every record ordered by relative path.
func (s *Store) ListFailures() ([]FailedRecord, error) {
	failures, err := s.loadFailures()
	if err != nil {
		return nil, err
	}
	out := make([]FailedRecord, 0, len(failures))
	for _, rec := range failures {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelativePath < out[j].RelativePath })
	return out, nil
}

// ClearFailure removes the record keyed by nameOrPath. When no record has
// that relative path, every record whose document name equals nameOrPath is
// removed instead. It returns how many were removed.
func (s *Store) ClearFailure(nameOrPath string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	failures, err := s.loadFailures()
	if err != nil {
		return 0, err
	}
	removed := 0
	if _, ok := failures[nameOrPath]; ok {
		delete(failures, nameOrPath)
		removed = 1
	} else {
		for key, rec := range failures {
			if rec.DocumentName == nameOrPath {
				delete(failures, key)
				removed++
			}
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, writeJSON(s.path(FailuresFile), failures)
}

// ClearAllFailures removes the failures file.
func (s *Store) ClearAllFailures() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(FailuresFile))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Report summarizes failure records.
type Report struct {
	Total       int                     `json:"total_failed"`
	Cleaned     int                     `json:"cleaned"`
	ByErrorType map[string][]string     `json:"by_error_type"`
	Failures    map[string]FailedRecord `json:"failed_documents"`
}

// FailureReport groups failures by the leading part of their error message.
func (s *Store) FailureReport() (*Report, error) {
	failures, err := s.loadFailures()
	if err != nil {
		return nil, err
	}
	r := &Report{
		Total:       len(failures),
		ByErrorType: make(map[string][]string),
		Failures:    failures,
	}
	for key, rec := range failures {
		if rec.Cleaned {
			r.Cleaned++
		}
		kind := ErrorKind(rec.Error)
		r.ByErrorType[kind] = append(r.ByErrorType[kind], key)
	}
	for kind := range r.ByErrorType {
		sort.Strings(r.ByErrorType[kind])
	}
	return r, nil
}

// ErrorKind returns the text before the first colon of an error message.
func ErrorKind(msg string) string {
	kind, _, _ := strings.Cut(msg, ":")
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return "unknown"
	}
	return kind
}

func (s *Store) loadFailures() (map[string]FailedRecord, error) {
	failures := make(map[string]FailedRecord)
	if _, err := readJSON(s.path(FailuresFile), &failures); err != nil {
		return nil, err
	}
	return failures, nil
}

// writeJSON writes v to path through a temp file in the same directory and
// a rename, so readers never observe a partial document.
func writeJSON(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create status directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// WriteJSON exposes the atomic writer to other packages that publish JSON
// snapshots next to the status files.
func WriteJSON(path string, v any) error {
	return writeJSON(path, v)
}

func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return true, nil
}
