// Package circuitbreaker guards calls to a single upstream dependency.
// After enough consecutive failures the circuit opens and calls fail fast;
// once the cooldown elapses one probe is let through to test recovery.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/mbd888/sybilguard/internal/metrics"
)

// ErrOpen is returned by Allow while the circuit rejects calls.
var ErrOpen = errors.New("circuit open")

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes a Breaker. Zero values take the defaults.
type Config struct {
	FailureThreshold int           // consecutive failures that open the circuit (default 5)
	Cooldown         time.Duration // time spent open before a probe (default 30s)
}

// Breaker is safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
}

// New creates a closed breaker. name labels its metrics.
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	metrics.CircuitState.WithLabelValues(name).Set(float64(StateClosed))
	return &Breaker{name: name, cfg: cfg, now: time.Now}
}

// Allow reports whether a call may proceed. While half-open only the single
// probe admitted on the open to half-open transition gets through.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return ErrOpen
		}
		b.setState(StateHalfOpen)
		return nil
	case StateHalfOpen:
		return ErrOpen
	default:
		return nil
	}
}

// Success records a healthy response and closes the circuit.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.setState(StateClosed)
}

// Failure records a failed call. A failed probe reopens the circuit at once.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.state == StateHalfOpen || (b.state == StateClosed && b.failures >= b.cfg.FailureThreshold) {
		b.openedAt = b.now()
		b.setState(StateOpen)
	}
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// caller holds b.mu
func (b *Breaker) setState(to State) {
	if b.state == to {
		return
	}
	metrics.CircuitTransitionsTotal.WithLabelValues(b.name, b.state.String(), to.String()).Inc()
	metrics.CircuitState.WithLabelValues(b.name).Set(float64(to))
	b.state = to
}
