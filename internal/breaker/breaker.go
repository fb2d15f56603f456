// Package breaker implements the per-service circuit breaker: a
// three-state machine (closed/open/half-open) driven by a rolling,
// time-and-count-bounded window of request outcomes.
package breaker

import (
	"sync"
	"time"

	"github.com/meshgate/meshgate/internal/clock"
)

// State is the current state of a circuit breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config controls a breaker's rolling window and transition thresholds.
type Config struct {
	// VolumeThreshold is the minimum number of samples in the window before
	// the error fraction is even considered.
	VolumeThreshold int
	// ErrorThresholdFraction is the failure fraction (0..1) that trips the
	// breaker once VolumeThreshold samples are present.
	ErrorThresholdFraction float64
	// ResetTimeout is how long an open breaker stays open before admitting
	// a single half-open probe.
	ResetTimeout time.Duration
	// WindowDuration bounds the rolling window by wall-clock age.
	WindowDuration time.Duration
	// MaxSamples bounds the rolling window by sample count, whichever is
	// more restrictive relative to WindowDuration.
	MaxSamples int
}

// DefaultConfig returns the spec's default thresholds: 50% error fraction,
// 30s reset timeout, a 10s/100-sample rolling window.
func DefaultConfig() Config {
	return Config{
		VolumeThreshold:        10,
		ErrorThresholdFraction: 0.5,
		ResetTimeout:           30 * time.Second,
		WindowDuration:         10 * time.Second,
		MaxSamples:             100,
	}
}

type sample struct {
	at     time.Time
	failed bool
}

// Breaker is a single service's circuit breaker. It is safe for concurrent
// use; all state transitions happen at one mutex-guarded boundary so two
// concurrent outcome recordings never lose an update and half-open admits
// at most one probe.
type Breaker struct {
	cfg   Config
	clock clock.Clock

	mu               sync.Mutex
	state            State
	samples          []sample
	openedAt         time.Time
	halfOpenInFlight bool
}

// New creates a breaker with the given config using the real wall clock.
func New(cfg Config) *Breaker {
	return NewWithClock(cfg, clock.System{})
}

// NewWithClock creates a breaker with an injectable clock, for tests.
func NewWithClock(cfg Config, c clock.Clock) *Breaker {
	if cfg.VolumeThreshold <= 0 {
		cfg.VolumeThreshold = 1
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = 100
	}
	return &Breaker{cfg: cfg, clock: c, state: Closed}
}

// Allow reports whether a request should be admitted. In half-open state,
// exactly one caller is admitted as the trial probe; concurrent callers
// during the same half-open episode are rejected until the probe resolves.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.clock.Now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
			b.state = HalfOpen
			b.halfOpenInFlight = true
			return true
		}
		return false
	case HalfOpen:
		if !b.halfOpenInFlight {
			b.halfOpenInFlight = true
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess records a successful outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.close()
		return
	}
	b.record(false)
	b.evaluate()
}

// RecordFailure records a failed outcome (transport error, timeout, or a
// 5xx response). 4xx upstream responses must not be passed here.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.open()
		return
	}
	b.record(true)
	b.evaluate()
}

// State returns the current state, resolving a pending open->half-open
// time-based transition first.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.resolveTimedTransition()
	return b.state
}

// Stats reports the current window's sample count and failure count, for
// the admin API's breaker statistics. It resolves the same open->half-open
// time-based transition as State, so a breaker that has outlived its
// ResetTimeout is never reported as still Open.
func (b *Breaker) Stats() (state State, samples, failures int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.resolveTimedTransition()
	b.prune()
	for _, s := range b.samples {
		if s.failed {
			failures++
		}
	}
	return b.state, len(b.samples), failures
}

// resolveTimedTransition moves Open to HalfOpen once ResetTimeout has
// elapsed. Callers must hold b.mu.
func (b *Breaker) resolveTimedTransition() {
	if b.state == Open && b.clock.Now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		b.state = HalfOpen
		b.halfOpenInFlight = false
	}
}

func (b *Breaker) record(failed bool) {
	b.samples = append(b.samples, sample{at: b.clock.Now(), failed: failed})
	b.prune()
}

func (b *Breaker) prune() {
	cutoff := b.clock.Now().Add(-b.cfg.WindowDuration)
	i := 0
	for ; i < len(b.samples); i++ {
		if b.samples[i].at.After(cutoff) {
			break
		}
	}
	b.samples = b.samples[i:]

	if len(b.samples) > b.cfg.MaxSamples {
		b.samples = b.samples[len(b.samples)-b.cfg.MaxSamples:]
	}
}

func (b *Breaker) evaluate() {
	if len(b.samples) < b.cfg.VolumeThreshold {
		return
	}

	var failures int
	for _, s := range b.samples {
		if s.failed {
			failures++
		}
	}

	if float64(failures)/float64(len(b.samples)) >= b.cfg.ErrorThresholdFraction {
		b.open()
	}
}

func (b *Breaker) open() {
	b.state = Open
	b.openedAt = b.clock.Now()
	b.halfOpenInFlight = false
	b.samples = nil
}

func (b *Breaker) close() {
	b.state = Closed
	b.halfOpenInFlight = false
	b.samples = nil
}
