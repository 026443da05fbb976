// Package health aggregates dependency checks for the health and readiness
// endpoints. Critical checks decide readiness; optional ones only degrade the
// reported status.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Level summarizes a Report.
type Level string

const (
	LevelOK       Level = "ok"
	LevelDegraded Level = "degraded" // an optional check failed
	LevelDown     Level = "down"     // a critical check failed
)

// Checker probes one dependency. A nil error means healthy.
type Checker func(ctx context.Context) error

// Status is the outcome of a single check.
type Status struct {
	Name      string  `json:"name"`
	Healthy   bool    `json:"healthy"`
	Critical  bool    `json:"critical"`
	Detail    string  `json:"detail,omitempty"`
	LatencyMs float64 `json:"latencyMs"`
}

// Report is the outcome of every registered check, in registration order.
type Report struct {
	Level  Level    `json:"status"`
	Checks []Status `json:"checks"`
}

// Ready reports whether every critical check passed.
func (r Report) Ready() bool { return r.Level != LevelDown }

type check struct {
	name     string
	critical bool
	fn       Checker
}

// Registry is safe for concurrent Register and Check calls.
type Registry struct {
	timeout time.Duration

	mu     sync.RWMutex
	checks []check
}

// NewRegistry creates a registry that bounds each check by timeout
// (default 2s).
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Registry{timeout: timeout}
}

// Register adds a check whose failure takes the service down.
func (r *Registry) Register(name string, fn Checker) { r.add(name, true, fn) }

// RegisterOptional adds a check whose failure only degrades the service.
func (r *Registry) RegisterOptional(name string, fn Checker) { r.add(name, false, fn) }

func (r *Registry) add(name string, critical bool, fn Checker) {
	r.mu.Lock()
	r.checks = append(r.checks, check{name: name, critical: critical, fn: fn})
	r.mu.Unlock()
}

// Check runs all checks concurrently and folds them into a Report.
func (r *Registry) Check(ctx context.Context) Report {
	r.mu.RLock()
	checks := append([]check(nil), r.checks...)
	r.mu.RUnlock()

	statuses := make([]Status, len(checks))
	var g errgroup.Group
	for i, c := range checks {
		g.Go(func() error {
			statuses[i] = r.run(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Level: LevelOK, Checks: statuses}
	for _, st := range statuses {
		switch {
		case st.Healthy:
		case st.Critical:
			rep.Level = LevelDown
		case rep.Level == LevelOK:
			rep.Level = LevelDegraded
		}
	}
	return rep
}

func (r *Registry) run(ctx context.Context, c check) Status {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	err := c.fn(ctx)
	st := Status{
		Name:      c.name,
		Healthy:   err == nil,
		Critical:  c.critical,
		LatencyMs: float64(time.Since(start).Microseconds()) / 1000,
	}
	if err != nil {
		st.Detail = err.Error()
	}
	return st
}
