// Package breaker implements an explicit three-state circuit breaker
// guarding every external dependency call: a mutex-guarded state struct
// with an enum-typed state field, generalized into a documented state
// machine (Closed/Open/HalfOpen).
package breaker

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/blobkit/proxy/pkg/types"
)

// State is one of the breaker's three states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned by Allow when the breaker is rejecting calls.
var ErrOpen = errors.New("circuit breaker is open")

// Config tunes a Breaker's thresholds.
type Config struct {
	Name             string
	FailureThreshold int           // failures within MonitoringPeriod before tripping to Open
	ResetTimeout     time.Duration // how long Open holds before probing via HalfOpen
	MonitoringPeriod time.Duration // rolling window after which Closed counters reset
	MinimumRequests  int           // minimum Closed-state requests in the window before FailureThreshold applies
	SuccessThreshold int           // consecutive HalfOpen successes required to close again
}

// Breaker is a single named circuit breaker instance.
type Breaker struct {
	cfg Config

	mu            sync.Mutex
	state         State
	windowFails   int
	consecutiveOK int
	totalRequests int
	windowStart   time.Time
	openedAt      time.Time

	// Cumulative counters exposed via Summary, independent of the
	// rolling window used for the Closed→Open trip decision.
	totalFailures     int64
	totalSuccesses    int64
	rejectedRequests  int64
	lastFailureAt     time.Time
	lastStateChangeAt time.Time

	logger *log.Logger
}

// New constructs a Breaker in the Closed state.
func New(cfg Config, logger *log.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.MonitoringPeriod <= 0 {
		cfg.MonitoringPeriod = time.Minute
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[Breaker:"+cfg.Name+"] ", log.LstdFlags)
	}
	now := time.Now()
	return &Breaker{
		cfg:               cfg,
		state:             StateClosed,
		windowStart:       now,
		lastStateChangeAt: now,
		logger:            logger,
	}
}

// Allow reports whether a call may proceed, transitioning Open→HalfOpen
// once resetTimeout has elapsed. A rejected call (state Open) counts
// toward rejectedRequests.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.rollWindowLocked()
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.cfg.ResetTimeout {
			b.state = StateHalfOpen
			b.consecutiveOK = 0
			b.lastStateChangeAt = time.Now()
			b.logger.Println("half-open: probing")
			return true
		}
		b.rejectedRequests++
		return false
	case StateHalfOpen:
		return true
	default:
		return true
	}
}

// RecordSuccess reports a successful call outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses++
	switch b.state {
	case StateClosed:
		b.rollWindowLocked()
		b.totalRequests++
	case StateHalfOpen:
		b.consecutiveOK++
		if b.consecutiveOK >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.windowFails = 0
			b.totalRequests = 0
			b.windowStart = time.Now()
			b.lastStateChangeAt = time.Now()
			b.logger.Println("closed: recovered")
		}
	}
}

// RecordFailure reports a failed call outcome, possibly tripping the
// breaker to Open.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	b.lastFailureAt = time.Now()

	switch b.state {
	case StateClosed:
		b.rollWindowLocked()
		b.windowFails++
		b.totalRequests++
		if b.totalRequests >= b.cfg.MinimumRequests && b.windowFails >= b.cfg.FailureThreshold {
			b.trip()
		}
	case StateHalfOpen:
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = time.Now()
	b.lastStateChangeAt = b.openedAt
	b.logger.Printf("open: tripped with %d failures in window", b.windowFails)
}

func (b *Breaker) rollWindowLocked() {
	if time.Since(b.windowStart) >= b.cfg.MonitoringPeriod {
		b.windowStart = time.Now()
		b.windowFails = 0
		b.totalRequests = 0
	}
}

// State returns the breaker's current state for health reporting.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Summary returns the breaker's full counters for /health/details and
// /metrics.
func (b *Breaker) Summary() types.BreakerSummary {
	b.mu.Lock()
	defer b.mu.Unlock()
	return types.BreakerSummary{
		State:            string(b.state),
		Failures:         b.totalFailures,
		Successes:        b.totalSuccesses,
		TotalRequests:    b.totalFailures + b.totalSuccesses,
		RejectedRequests: b.rejectedRequests,
	}
}

// Registry holds every named breaker the process owns. Explicitly
// constructed per call site; no package-level singleton.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	logger   *log.Logger
}

// NewRegistry constructs an empty Registry.
func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New(log.Writer(), "[BreakerRegistry] ", log.LstdFlags)
	}
	return &Registry{breakers: make(map[string]*Breaker), logger: logger}
}

// Register adds a named breaker, replacing any prior one with the same
// name.
func (r *Registry) Register(cfg Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := New(cfg, log.New(log.Writer(), "[Breaker:"+cfg.Name+"] ", log.LstdFlags))
	r.breakers[cfg.Name] = b
	return b
}

// Get returns the named breaker, or nil if never registered.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[name]
}

// Summaries returns every breaker's full counters for /health/details
// and the health endpoint's circuitBreakers field.
func (r *Registry) Summaries() map[string]types.BreakerSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]types.BreakerSummary, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Summary()
	}
	return out
}

// AnyOpen reports whether any registered breaker is currently Open,
// used by the shallow /health check to flip status to "degraded".
func (r *Registry) AnyOpen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		if b.State() == StateOpen {
			return true
		}
	}
	return false
}
