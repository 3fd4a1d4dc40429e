package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"

	"github.com/dshills/librarian/internal/loader"
	"github.com/dshills/librarian/internal/status"
)

// Message kinds on the worker's stdout.
const (
	MessageProgress = "progress"
	MessageResult   = "result"
	MessageError    = "error"
)

// message is one JSON line written by a worker process.
type message struct {
	Kind   string        `json:"kind"`
	Stage  status.Stage  `json:"stage,omitempty"`
	Unit   int           `json:"unit,omitempty"`
	Total  int           `json:"total,omitempty"`
	Chunks int           `json:"chunks,omitempty"`
	Units  []loader.Unit `json:"units,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// RunWorker is the body of a worker process. It loads path and streams
// progress and the result to out as JSON lines.
func RunWorker(ctx context.Context, l loader.Loader, path string, out io.Writer) error {
	var mu sync.Mutex
	enc := json.NewEncoder(out)
	emit := func(m message) {
		mu.Lock()
		defer mu.Unlock()
		_ = enc.Encode(m)
	}

	emit(message{Kind: MessageProgress, Stage: status.StageLoading})

	units, err := l.Load(ctx, path, func(unit, total, chunks int) {
		emit(message{Kind: MessageProgress, Stage: status.StageExtracting, Unit: unit, Total: total, Chunks: chunks})
	})
	if err != nil {
		emit(message{Kind: MessageError, Error: err.Error()})
		return err
	}

	emit(message{Kind: MessageResult, Units: units})
	return nil
}

// ProcessSpawner runs each job in a child process, by default this binary
// re-executed as "worker --file PATH".
type ProcessSpawner struct {
	// Executable defaults to os.Executable().
	Executable string
	// Args precede the document path. Defaults to "worker --file".
	Args []string
	// Env defaults to the parent environment.
	Env []string
	// Stderr receives the worker's log output. Defaults to os.Stderr.
	Stderr io.Writer
	Logger *slog.Logger
}

func (ps *ProcessSpawner) Spawn(ctx context.Context, job JobSpec) (Worker, error) {
	exe := ps.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("failed to locate executable: %w", err)
		}
	}
	args := ps.Args
	if args == nil {
		args = []string{"worker", "--file"}
	}
	args = append(append([]string{}, args...), job.FilePath)

	// Not CommandContext: the supervisor owns termination.
	cmd := exec.Command(exe, args...)
	cmd.Env = ps.Env
	cmd.Stderr = ps.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}

	logger := ps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	w := &processWorker{
		cmd:    cmd,
		done:   make(chan struct{}),
		logger: logger.With("pid", cmd.Process.Pid),
	}
	go w.wait(stdout)
	return w, nil
}

type processWorker struct {
	cmd    *exec.Cmd
	done   chan struct{}
	logger *slog.Logger

	mu       sync.Mutex
	progress Progress
	units    []loader.Unit
	errMsg   string
	gotUnits bool
	err      error
}

func (w *processWorker) PID() int {
	return w.cmd.Process.Pid
}

func (w *processWorker) Progress() Progress {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.progress
}

func (w *processWorker) Done() <-chan struct{} {
	return w.done
}

func (w *processWorker) Result() ([]loader.Unit, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.units, w.err
}

func (w *processWorker) wait(stdout io.Reader) {
	defer close(w.done)

	r := bufio.NewReader(stdout)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			w.handle(line)
		}
		if err != nil {
			break
		}
	}

	waitErr := w.cmd.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case w.errMsg != "":
		w.err = fmt.Errorf("%w: %s", ErrLoader, w.errMsg)
	case waitErr != nil:
		w.err = fmt.Errorf("%w: worker exited: %v", ErrLoader, waitErr)
	case !w.gotUnits:
		w.err = fmt.Errorf("%w: worker exited without a result", ErrLoader)
	}
}

func (w *processWorker) handle(line []byte) {
	var m message
	if err := json.Unmarshal(line, &m); err != nil {
		w.logger.Debug("ignoring worker output", "line", string(line))
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	switch m.Kind {
	case MessageProgress:
		w.progress = Progress{
			Seq:    w.progress.Seq + 1,
			Stage:  m.Stage,
			Unit:   m.Unit,
			Total:  m.Total,
			Chunks: m.Chunks,
		}
	case MessageResult:
		w.units = m.Units
		w.gotUnits = true
	case MessageError:
		w.errMsg = m.Error
	}
}

func (w *processWorker) Terminate(grace time.Duration) error {
	pid := w.PID()
	children := descendants(int32(pid))

	select {
	case <-w.done:
	default:
		_ = unix.Kill(pid, unix.SIGTERM)
		select {
		case <-w.done:
		case <-time.After(grace):
			w.logger.Warn("worker ignored SIGTERM, killing process group")
			_ = unix.Kill(-pid, unix.SIGKILL)
		}
	}

	// The group may outlive its leader.
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		w.logger.Debug("failed to signal process group", "error", err)
	}

	var errs []error
	for _, child := range children {
		if running, _ := child.IsRunning(); !running {
			continue
		}
		if err := child.Kill(); err != nil {
			errs = append(errs, fmt.Errorf("kill %d: %w", child.Pid, err))
		}
	}

	select {
	case <-w.done:
	case <-time.After(grace):
		errs = append(errs, fmt.Errorf("worker %d did not exit", pid))
	}
	return errors.Join(errs...)
}

// descendants lists every process below pid.
func descendants(pid int32) []*process.Process {
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil
	}
	var out []*process.Process
	queue := []*process.Process{p}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		children, err := next.Children()
		if err != nil {
			continue
		}
		out = append(out, children...)
		queue = append(queue, children...)
	}
	return out
}

// ProcessTreeRSS returns the resident memory in MB of pid and its descendants.
func ProcessTreeRSS(pid int) float64 {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	var total uint64
	for _, proc := range append([]*process.Process{p}, descendants(int32(pid))...) {
		info, err := proc.MemoryInfo()
		if err != nil {
			continue
		}
		total += info.RSS
	}
	return float64(total) / mb
}
