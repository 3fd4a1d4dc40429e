package governor

import (
	"log/slog"
	"math"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

const (
	// DefaultMaxCPUPercent is the host CPU ceiling.
	DefaultMaxCPUPercent = 50.0
	// DefaultMaxMemoryPercent is the host memory ceiling.
	DefaultMaxMemoryPercent = 50.0

	// MemoryPerWorker is the budget assumed for one worker process.
	MemoryPerWorker uint64 = 500 << 20

	cpuPointsPerWorker    = 10.0
	scaleUpQueueDepth     = 5
	scaleUpCPUHeadroom    = 10.0
	memoryScaleDownMargin = 10.0
	workerMemoryShare     = 0.5
)

// Sample is one reading of host utilisation.
type Sample struct {
	CPUPercent        float64
	MemoryUsedPercent float64
	MemoryAvailable   uint64
}

// Sampler reads host capacity and utilisation.
type Sampler interface {
	Cores() (int, error)
	TotalMemory() (uint64, error)
	Sample() (Sample, error)
}

// Governor decides how many workers the host can afford.
type Governor struct {
	sampler    Sampler
	maxCPU     float64
	maxMemory  float64
	maxWorkers int
	logger     *slog.Logger
}

// Option configures a Governor.
type Option func(*Governor)

// WithCeilings overrides the CPU and memory ceilings (percent).
func WithCeilings(cpuPercent, memoryPercent float64) Option {
	return func(g *Governor) {
		if cpuPercent > 0 {
			g.maxCPU = cpuPercent
		}
		if memoryPercent > 0 {
			g.maxMemory = memoryPercent
		}
	}
}

// WithLogger sets the logger used to report sampling failures.
func WithLogger(l *slog.Logger) Option {
	return func(g *Governor) { g.logger = l }
}

// New creates a Governor and computes the worker ceiling from host capacity.
func New(sampler Sampler, opts ...Option) *Governor {
	g := &Governor{
		sampler:   sampler,
		maxCPU:    DefaultMaxCPUPercent,
		maxMemory: DefaultMaxMemoryPercent,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.maxWorkers = g.computeMaxWorkers()

	g.logger.Debug("resource governor initialized",
		"max_workers", g.maxWorkers,
		"max_cpu_percent", g.maxCPU,
		"max_memory_percent", g.maxMemory)
	return g
}

// NewHost creates a Governor sampling the local host through gopsutil.
func NewHost(opts ...Option) *Governor {
	return New(NewHostSampler(500*time.Millisecond), opts...)
}

func (g *Governor) computeMaxWorkers() int {
	cores, err := g.sampler.Cores()
	if err != nil || cores < 1 {
		g.logger.Warn("failed to detect cpu cores", "error", err)
		cores = 1
	}
	n := max(1, cores/2)

	total, err := g.sampler.TotalMemory()
	if err != nil {
		g.logger.Warn("failed to detect total memory", "error", err)
		return n
	}
	memWorkers := int(math.Floor(float64(total) * workerMemoryShare / float64(MemoryPerWorker)))
	return max(1, min(n, memWorkers))
}

// MaxWorkers returns the fixed worker ceiling.
func (g *Governor) MaxWorkers() int {
	return g.maxWorkers
}

// MaxCPUPercent returns the CPU ceiling.
func (g *Governor) MaxCPUPercent() float64 {
	return g.maxCPU
}

// MaxMemoryPercent returns the memory ceiling.
func (g *Governor) MaxMemoryPercent() float64 {
	return g.maxMemory
}

// OptimalWorkers returns the number of workers current load allows, in
// [1, MaxWorkers]. Sampling failures yield 1.
func (g *Governor) OptimalWorkers() int {
	s, err := g.sampler.Sample()
	if err != nil {
		g.logger.Warn("resource sampling failed", "error", err)
		return 1
	}

	cpuWorkers := max(1, int((g.maxCPU-s.CPUPercent)/cpuPointsPerWorker))
	memWorkers := max(1, int(float64(s.MemoryAvailable)*workerMemoryShare/float64(MemoryPerWorker)))

	return max(1, min(cpuWorkers, memWorkers, g.maxWorkers))
}

// ShouldScaleUp reports whether one more worker should be added.
func (g *Governor) ShouldScaleUp(current, queueDepth int) bool {
	if queueDepth < scaleUpQueueDepth || current >= g.maxWorkers {
		return false
	}
	s, err := g.sampler.Sample()
	if err != nil {
		g.logger.Warn("resource sampling failed", "error", err)
		return false
	}
	return s.CPUPercent <= g.maxCPU-scaleUpCPUHeadroom && s.MemoryUsedPercent <= g.maxMemory
}

// ShouldScaleDown reports whether a worker should be removed.
func (g *Governor) ShouldScaleDown(current int) bool {
	if current <= 1 {
		return false
	}
	s, err := g.sampler.Sample()
	if err != nil {
		g.logger.Warn("resource sampling failed", "error", err)
		return false
	}
	return s.CPUPercent > g.maxCPU || s.MemoryUsedPercent > g.maxMemory+memoryScaleDownMargin
}

// WithinLimits reports whether the host is under both ceilings. Sampling
// failures count as within limits.
func (g *Governor) WithinLimits() bool {
	s, err := g.sampler.Sample()
	if err != nil {
		g.logger.Warn("resource sampling failed", "error", err)
		return true
	}
	return s.CPUPercent <= g.maxCPU && s.MemoryUsedPercent <= g.maxMemory
}

// Snapshot returns a current sample for reporting.
func (g *Governor) Snapshot() (Sample, error) {
	return g.sampler.Sample()
}

// HostSampler reads the local host with gopsutil.
type HostSampler struct {
	interval time.Duration
}

// NewHostSampler creates a HostSampler; interval is the CPU measurement window.
func NewHostSampler(interval time.Duration) *HostSampler {
	return &HostSampler{interval: interval}
}

func (h *HostSampler) Cores() (int, error) {
	return cpu.Counts(true)
}

func (h *HostSampler) TotalMemory() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Total, nil
}

func (h *HostSampler) Sample() (Sample, error) {
	pct, err := cpu.Percent(h.interval, false)
	if err != nil {
		return Sample{}, err
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return Sample{}, err
	}

	var cpuPct float64
	if len(pct) > 0 {
		cpuPct = pct[0]
	}
	return Sample{
		CPUPercent:        cpuPct,
		MemoryUsedPercent: vm.UsedPercent,
		MemoryAvailable:   vm.Available,
	}, nil
}
