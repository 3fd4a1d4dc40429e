package supervisor

import "time"

const mb = 1 << 20

// InitialTimeout returns the starting time budget for a document of size bytes.
func InitialTimeout(size int64) time.Duration {
	switch {
	case size < 10*mb:
		return 5 * time.Minute
	case size < 50*mb:
		return 10 * time.Minute
	case size < 100*mb:
		return 15 * time.Minute
	case size < 300*mb:
		return 20 * time.Minute
	default:
		return 30 * time.Minute
	}
}

// ExtensionIncrement returns how much time is added each time a job that is
// still making progress runs past its budget.
func ExtensionIncrement(size int64) time.Duration {
	switch {
	case size < 10*mb:
		return 5 * time.Minute
	case size < 50*mb:
		return 10 * time.Minute
	case size < 200*mb:
		return 15 * time.Minute
	default:
		return 20 * time.Minute
	}
}

// Policy holds the timing rules applied to every job.
type Policy struct {
	PollInterval time.Duration
	// NoProgressWindow is how recent progress must be for a timeout to be
	// extended.
	NoProgressWindow time.Duration
	// StallWindow is the absolute limit on time without progress.
	StallWindow time.Duration
	// Grace is how long a terminated worker gets before it is killed.
	Grace     time.Duration
	Initial   func(size int64) time.Duration
	Extension func(size int64) time.Duration
}

// DefaultPolicy returns the production timing rules.
func DefaultPolicy() Policy {
	return Policy{
		PollInterval:     2 * time.Second,
		NoProgressWindow: 5 * time.Minute,
		StallWindow:      5 * time.Minute,
		Grace:            5 * time.Second,
		Initial:          InitialTimeout,
		Extension:        ExtensionIncrement,
	}
}

type verdict int

const (
	verdictContinue verdict = iota
	verdictExtended
	verdictTimeout
	verdictStalled
)

func (v verdict) String() string {
	switch v {
	case verdictExtended:
		return "extended"
	case verdictTimeout:
		return "timeout"
	case verdictStalled:
		return "stalled"
	default:
		return "continue"
	}
}

// watchdog decides the fate of a running job from observed progress. It
// holds no clock of its own so schedules can be replayed with synthetic time.
type watchdog struct {
	policy       Policy
	start        time.Time
	timeout      time.Duration
	increment    time.Duration
	lastSeq      int64
	lastProgress time.Time
	extensions   int
}

func newWatchdog(policy Policy, size int64, start time.Time) *watchdog {
	return &watchdog{
		policy:       policy,
		start:        start,
		timeout:      policy.Initial(size),
		increment:    policy.Extension(size),
		lastProgress: start,
	}
}

// observe records the worker's progress counter. It reports whether the
// counter moved since the last observation.
func (w *watchdog) observe(seq int64, now time.Time) bool {
	if seq == w.lastSeq {
		return false
	}
	w.lastSeq = seq
	w.lastProgress = now
	return true
}

func (w *watchdog) check(now time.Time) verdict {
	sinceProgress := now.Sub(w.lastProgress)
	v := verdictContinue

	if now.Sub(w.start) > w.timeout {
		if sinceProgress > w.policy.NoProgressWindow {
			return verdictTimeout
		}
		w.timeout += w.increment
		w.extensions++
		v = verdictExtended
	}

	// Not extendable.
	if sinceProgress > w.policy.StallWindow {
		return verdictStalled
	}
	return v
}
