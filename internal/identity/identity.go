// Package identity looks up a wallet's external identity state: whether it
// holds a verified credential, passed a liveness challenge, and what the face
// matcher concluded about it.
//
// The matcher itself lives elsewhere; this package only consumes its outputs.
package identity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrUnavailable is returned when the provider cannot answer right now.
// Callers must not treat it as "unverified".
var ErrUnavailable = errors.New("identity: provider unavailable")

// Status is a wallet's identity state at lookup time.
type Status struct {
	Verified            bool       `json:"verified"`
	LivenessPassed      bool       `json:"livenessPassed"`
	SameFaceOtherDevice bool       `json:"sameFaceOtherDevice"`
	SpoofDetected       bool       `json:"spoofDetected"`
	FaceDistance        *float64   `json:"faceDistance,omitempty"` // distance to the nearest other wallet's enrolment
	AccountCreatedAt    *time.Time `json:"accountCreatedAt,omitempty"`
}

// Provider answers identity lookups. A wallet the provider has never seen
// yields a zero Status, not an error.
type Provider interface {
	Lookup(ctx context.Context, wallet string) (*Status, error)
}

// IsVerified is the narrow verification check used by exemption evaluation.
func IsVerified(ctx context.Context, p Provider, wallet string) (bool, error) {
	st, err := p.Lookup(ctx, wallet)
	if err != nil {
		return false, err
	}
	return st.Verified, nil
}

// MemoryProvider is an in-memory Provider for demo and test use.
type MemoryProvider struct {
	mu       sync.RWMutex
	statuses map[string]Status
	err      error
}

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{statuses: make(map[string]Status)}
}

// Set stores the identity state for a wallet.
func (m *MemoryProvider) Set(wallet string, st Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[strings.ToLower(wallet)] = st
}

// FailWith makes every subsequent lookup return err (nil restores normal behavior).
func (m *MemoryProvider) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MemoryProvider) Lookup(_ context.Context, wallet string) (*Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	st := m.statuses[strings.ToLower(wallet)]
	return &st, nil
}
