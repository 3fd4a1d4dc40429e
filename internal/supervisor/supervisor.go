package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/librarian/internal/loader"
	"github.com/dshills/librarian/internal/status"
)

var (
	// ErrTimeout is returned when a job exceeds its budget without recent progress
	ErrTimeout = errors.New("job timed out")
	// ErrStalled is returned when a job reports no progress for the stall window
	ErrStalled = errors.New("job stalled")
	// ErrResourceExceeded is returned when the host crosses its resource ceilings
	ErrResourceExceeded = errors.New("resource limits exceeded")
	// ErrLoader is returned when the worker fails to extract the document
	ErrLoader = errors.New("loader failed")
)

// Kind classifies a job failure.
type Kind string

const (
	KindTimeout          Kind = "Timeout"
	KindStalled          Kind = "Stalled"
	KindResourceExceeded Kind = "ResourceExceeded"
	KindLoader           Kind = "LoaderError"
	KindCanceled         Kind = "Canceled"
)

// JobError describes why a job did not complete.
type JobError struct {
	Kind    Kind
	Path    string
	Elapsed time.Duration
	Err     error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// JobSpec identifies one document to process.
type JobSpec struct {
	ID           string
	FilePath     string
	RelativePath string
	SizeBytes    int64
}

// NewJobSpec creates a JobSpec with a short random ID.
func NewJobSpec(path, rel string, size int64) JobSpec {
	return JobSpec{
		ID:           uuid.NewString()[:8],
		FilePath:     path,
		RelativePath: rel,
		SizeBytes:    size,
	}
}

// Result is the output of a completed job.
type Result struct {
	Units      []loader.Unit
	Elapsed    time.Duration
	Extensions int
}

// Progress is the last progress report from a worker. Seq increases with
// every report.
type Progress struct {
	Seq    int64
	Stage  status.Stage
	Unit   int
	Total  int
	Chunks int
}

// Worker is a handle on one running job.
type Worker interface {
	PID() int
	Progress() Progress
	// Done is closed when the worker has exited.
	Done() <-chan struct{}
	// Result is valid after Done is closed.
	Result() ([]loader.Unit, error)
	// Terminate asks the worker to stop, kills it after grace and reaps any
	// processes it started.
	Terminate(grace time.Duration) error
}

// Spawner starts workers.
type Spawner interface {
	Spawn(ctx context.Context, job JobSpec) (Worker, error)
}

// Limiter reports whether the host is within its resource ceilings.
type Limiter interface {
	WithinLimits() bool
}

// ProgressRecorder persists progress snapshots.
type ProgressRecorder interface {
	UpdateProgress(p status.Progress) error
}

// MemoryProbe returns the resident memory in MB used by pid and its children.
type MemoryProbe func(pid int) float64

// Supervisor runs jobs one at a time under the watchdog.
type Supervisor struct {
	spawner  Spawner
	limits   Limiter
	recorder ProgressRecorder
	memory   MemoryProbe
	policy   Policy
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithPolicy replaces the timing rules.
func WithPolicy(p Policy) Option {
	return func(s *Supervisor) { s.policy = p }
}

// WithRecorder sets where progress snapshots are written.
func WithRecorder(r ProgressRecorder) Option {
	return func(s *Supervisor) { s.recorder = r }
}

// WithMemoryProbe sets how worker memory is measured.
func WithMemoryProbe(m MemoryProbe) Option {
	return func(s *Supervisor) { s.memory = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// New creates a Supervisor.
func New(spawner Spawner, limits Limiter, opts ...Option) *Supervisor {
	s := &Supervisor{
		spawner: spawner,
		limits:  limits,
		memory:  ProcessTreeRSS,
		policy:  DefaultPolicy(),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes job in a fresh worker and blocks until it completes or is
// terminated. Cancelling ctx terminates the worker.
func (s *Supervisor) Run(ctx context.Context, job JobSpec) (*Result, error) {
	start := s.now()
	log := s.logger.With("job", job.ID, "file", job.RelativePath)

	fail := func(kind Kind, err error) error {
		return &JobError{Kind: kind, Path: job.RelativePath, Elapsed: s.now().Sub(start), Err: err}
	}

	s.record(job, Progress{Stage: status.StageStarting}, 0)

	w, err := s.spawner.Spawn(ctx, job)
	if err != nil {
		return nil, fail(KindLoader, fmt.Errorf("%w: %v", ErrLoader, err))
	}

	wd := newWatchdog(s.policy, job.SizeBytes, start)
	log.Info("job started", "pid", w.PID(), "size_mb", float64(job.SizeBytes)/mb,
		"timeout", wd.timeout)

	ticker := time.NewTicker(s.policy.PollInterval)
	defer ticker.Stop()

	terminate := func(reason string) {
		log.Warn("terminating worker", "pid", w.PID(), "reason", reason)
		if err := w.Terminate(s.policy.Grace); err != nil {
			log.Warn("worker termination incomplete", "pid", w.PID(), "error", err)
		}
	}

	for {
		select {
		case <-w.Done():
			units, err := w.Result()
			elapsed := s.now().Sub(start)
			if err != nil {
				log.Error("job failed", "error", err, "elapsed", elapsed)
				if errors.Is(err, ErrLoader) {
					return nil, fail(KindLoader, err)
				}
				return nil, fail(KindLoader, fmt.Errorf("%w: %v", ErrLoader, err))
			}
			log.Info("job completed", "units", len(units), "elapsed", elapsed,
				"extensions", wd.extensions)
			return &Result{Units: units, Elapsed: elapsed, Extensions: wd.extensions}, nil

		case <-ctx.Done():
			terminate("cancelled")
			return nil, fail(KindCanceled, ctx.Err())

		case <-ticker.C:
			if !s.limits.WithinLimits() {
				terminate("resource limits exceeded")
				return nil, fail(KindResourceExceeded, ErrResourceExceeded)
			}

			now := s.now()
			p := w.Progress()
			wd.observe(p.Seq, now)
			// rewritten every poll so timestamp and memory follow a quiet worker
			s.record(job, p, w.PID())

			switch v := wd.check(now); v {
			case verdictExtended:
				log.Info("timeout extended", "timeout", wd.timeout, "extensions", wd.extensions)
			case verdictTimeout:
				elapsed := now.Sub(start)
				terminate(v.String())
				return nil, fail(KindTimeout, fmt.Errorf("%w after %s", ErrTimeout, elapsed.Round(time.Second)))
			case verdictStalled:
				since := now.Sub(wd.lastProgress)
				terminate(v.String())
				return nil, fail(KindStalled, fmt.Errorf("%w: no progress for %s", ErrStalled, since.Round(time.Second)))
			}
		}
	}
}

func (s *Supervisor) record(job JobSpec, p Progress, pid int) {
	if s.recorder == nil {
		return
	}
	stage := p.Stage
	if stage == "" {
		stage = status.StageExtracting
	}
	var memMB float64
	if pid > 0 && s.memory != nil {
		memMB = s.memory(pid)
	}
	err := s.recorder.UpdateProgress(status.Progress{
		Stage:           stage,
		CurrentFile:     job.RelativePath,
		CurrentUnit:     p.Unit,
		TotalUnits:      p.Total,
		ChunksGenerated: p.Chunks,
		MemoryMB:        memMB,
	})
	if err != nil {
		s.logger.Warn("failed to write progress", "error", err)
	}
}
