package lease

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// DefaultStaleTimeout is the age after which an unrenewed lease may be reclaimed.
	DefaultStaleTimeout = 30 * time.Minute
	// DefaultHeartbeatInterval is how often a held lease is renewed.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultRetryInterval is the poll interval for blocking acquisition.
	DefaultRetryInterval = 500 * time.Millisecond

	// fixed width so in-place rewrites never leave a torn tail
	timestampLayout = "2006-01-02T15:04:05.000000Z07:00"

	maxAttempts = 3
)

var (
	// ErrLeaseHeld is returned when another holder owns the lease.
	ErrLeaseHeld = errors.New("lease held by another process")
	// ErrCorrupt is returned when the lease file cannot be parsed.
	ErrCorrupt = errors.New("lease file corrupt")
)

// Info describes the current contents of a lease file.
type Info struct {
	PID       int           `json:"pid"`
	Timestamp time.Time     `json:"timestamp"`
	ModTime   time.Time     `json:"mod_time"`
	Age       time.Duration `json:"age"`
	Alive     bool          `json:"alive"`
}

// Manager arbitrates a single host-wide lease backed by a file and an
// advisory flock on it.
type Manager struct {
	path         string
	staleTimeout time.Duration
	heartbeat    time.Duration
	retry        time.Duration
	logger       *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithStaleTimeout overrides DefaultStaleTimeout.
func WithStaleTimeout(d time.Duration) Option {
	return func(m *Manager) { m.staleTimeout = d }
}

// WithHeartbeatInterval overrides DefaultHeartbeatInterval.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(m *Manager) { m.heartbeat = d }
}

// WithRetryInterval overrides DefaultRetryInterval.
func WithRetryInterval(d time.Duration) Option {
	return func(m *Manager) { m.retry = d }
}

// WithLogger sets the logger used for reclaim and heartbeat events.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager for the lease file at path.
func NewManager(path string, opts ...Option) *Manager {
	m := &Manager{
		path:         path,
		staleTimeout: DefaultStaleTimeout,
		heartbeat:    DefaultHeartbeatInterval,
		retry:        DefaultRetryInterval,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Path returns the lease file path.
func (m *Manager) Path() string {
	return m.path
}

// Acquire takes the lease. In non-blocking mode it returns ErrLeaseHeld
// immediately when another holder owns it; in blocking mode it polls until
// the lease is obtained or ctx is done.
func (m *Manager) Acquire(ctx context.Context, blocking bool) (*Lease, error) {
	for {
		l, err := m.tryAcquire()
		if err == nil {
			return l, nil
		}
		if !blocking || !errors.Is(err, ErrLeaseHeld) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.retry):
		}
	}
}

func (m *Manager) tryAcquire() (*Lease, error) {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lease directory: %w", err)
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		f, err := os.OpenFile(m.path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open lease file: %w", err)
		}

		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			if !errors.Is(err, unix.EWOULDBLOCK) {
				_ = f.Close()
				return nil, fmt.Errorf("failed to lock lease file: %w", err)
			}
			reclaimed := m.reclaimIfStale(f)
			_ = f.Close()
			if reclaimed {
				continue
			}
			return nil, ErrLeaseHeld
		}

		// The path may have been unlinked or replaced between open and flock.
		same, err := sameFile(f, m.path)
		if err != nil || !same {
			unlockAndClose(f)
			continue
		}

		l := &Lease{
			manager: m,
			file:    f,
			stop:    make(chan struct{}),
			lost:    make(chan struct{}),
		}
		if err := l.writeStamp(time.Now()); err != nil {
			unlockAndClose(f)
			return nil, fmt.Errorf("failed to write lease: %w", err)
		}

		l.wg.Add(1)
		go l.run()

		m.logger.Debug("lease acquired", "path", m.path, "pid", os.Getpid())
		return l, nil
	}

	return nil, ErrLeaseHeld
}

// reclaimIfStale removes the lease file behind a locked fd when its holder is
// dead or has not renewed within the stale timeout.
func (m *Manager) reclaimIfStale(f *os.File) bool {
	info, err := m.Info()
	if err != nil || info == nil {
		// Garbled content under a live lock means a holder is mid-write.
		return false
	}
	if !m.stale(info) {
		return false
	}

	same, err := sameFile(f, m.path)
	if err != nil || !same {
		return true
	}
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("failed to remove stale lease", "path", m.path, "error", err)
		return false
	}
	m.logger.Warn("reclaimed stale lease",
		"path", m.path,
		"holder_pid", info.PID,
		"holder_alive", info.Alive,
		"age", info.Age.Round(time.Second))
	return true
}

func (m *Manager) stale(info *Info) bool {
	return !info.Alive || info.Age > m.staleTimeout
}

// IsStale reports whether the lease file exists and may be reclaimed. A
// corrupt lease file is stale only when no process holds its lock.
func (m *Manager) IsStale() (bool, error) {
	info, err := m.Info()
	if errors.Is(err, ErrCorrupt) {
		return m.lockFree()
	}
	if err != nil || info == nil {
		return false, err
	}
	return m.stale(info), nil
}

// Info reads the lease file. It returns nil, nil when no lease file exists.
func (m *Manager) Info() (*Info, error) {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lease file: %w", err)
	}
	st, err := os.Stat(m.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat lease file: %w", err)
	}

	info, err := parseStamp(data)
	if err != nil {
		return nil, err
	}
	info.ModTime = st.ModTime()
	info.Age = time.Since(info.ModTime)
	info.Alive = pidAlive(info.PID)
	return info, nil
}

func (m *Manager) lockFree() (bool, error) {
	f, err := os.OpenFile(m.path, os.O_RDONLY, 0)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer func() { _ = f.Close() }()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return false, nil
		}
		return false, err
	}
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return true, nil
}

// Lease is a held lease. Release it exactly once; extra calls are no-ops.
type Lease struct {
	manager *Manager
	file    *os.File

	mu       sync.Mutex
	released atomic.Bool
	stop     chan struct{}
	lost     chan struct{}
	lostOnce sync.Once
	wg       sync.WaitGroup
}

// Lost is closed when the heartbeat finds that another acquirer reclaimed
// the lease file.
func (l *Lease) Lost() <-chan struct{} {
	return l.lost
}

// Release stops the heartbeat, removes the lease file and drops the lock.
func (l *Lease) Release() error {
	if !l.released.CompareAndSwap(false, true) {
		return nil
	}
	close(l.stop)
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()

	var removeErr error
	if same, err := sameFile(l.file, l.manager.path); err == nil && same {
		if err := os.Remove(l.manager.path); err != nil && !os.IsNotExist(err) {
			removeErr = fmt.Errorf("failed to remove lease file: %w", err)
		}
	}
	unlockAndClose(l.file)

	l.manager.logger.Debug("lease released", "path", l.manager.path)
	return removeErr
}

func (l *Lease) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.manager.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			if !l.beat() {
				return
			}
		}
	}
}

// beat renews the lease. It returns false once the lease is lost.
func (l *Lease) beat() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	same, err := sameFile(l.file, l.manager.path)
	if err != nil || !same {
		l.manager.logger.Error("lease reclaimed by another holder", "path", l.manager.path)
		l.lostOnce.Do(func() { close(l.lost) })
		return false
	}
	if err := l.writeStamp(time.Now()); err != nil {
		l.manager.logger.Warn("lease heartbeat failed", "path", l.manager.path, "error", err)
	}
	return true
}

func (l *Lease) writeStamp(now time.Time) error {
	content := formatStamp(os.Getpid(), now)
	if _, err := l.file.WriteAt(content, 0); err != nil {
		return err
	}
	if err := l.file.Truncate(int64(len(content))); err != nil {
		return err
	}
	return os.Chtimes(l.manager.path, now, now)
}

func formatStamp(pid int, ts time.Time) []byte {
	return []byte(fmt.Sprintf("%d\n%s\n", pid, ts.UTC().Format(timestampLayout)))
}

func parseStamp(data []byte) (*Info, error) {
	lines := strings.Split(strings.TrimSpace(string(bytes.TrimRight(data, "\x00"))), "\n")
	if len(lines) < 2 {
		return nil, fmt.Errorf("%w: expected pid and timestamp", ErrCorrupt)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return nil, fmt.Errorf("%w: bad pid %q", ErrCorrupt, lines[0])
	}
	ts, err := time.Parse(timestampLayout, strings.TrimSpace(lines[1]))
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp %q", ErrCorrupt, lines[1])
	}
	return &Info{PID: pid, Timestamp: ts}, nil
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func sameFile(f *os.File, path string) (bool, error) {
	fi, err := f.Stat()
	if err != nil {
		return false, err
	}
	pi, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return os.SameFile(fi, pi), nil
}

func unlockAndClose(f *os.File) {
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	_ = f.Close()
}
