package sybil

import (
	"context"
	"time"
)

// Store persists one score row per wallet.
//
// Computed fields (score, tier, breakdown, xp) and override fields are
// written by separate calls that never touch each other's columns. Every
// write bumps Version.
type Store interface {
	// Get returns the wallet's score row or ErrNotFound.
	Get(ctx context.Context, wallet string) (*Score, error)

	// List returns rows most recently updated first.
	List(ctx context.Context, limit int) ([]*Score, error)

	// SaveComputed upserts the computed fields. Override fields are preserved.
	SaveComputed(ctx context.Context, wallet string, r Result) (*Score, error)

	// SetOverride sets the override fields of an existing row or returns ErrNotFound.
	SetOverride(ctx context.Context, wallet string, o Override) (*Score, error)

	// ClearOverride resets the override fields of an existing row or returns ErrNotFound.
	ClearOverride(ctx context.Context, wallet string) (*Score, error)
}

// Audit operations.
const (
	OpOverrideSet      = "override.set"
	OpOverrideClear    = "override.clear"
	OpRecalculate      = "recalculate"
	OpFingerprintPurge = "fingerprint.purge"
)

// AuditEntry attributes one administrative write to an operator.
type AuditEntry struct {
	ID            string    `json:"id"`
	WalletAddress string    `json:"walletAddress"`
	Operation     string    `json:"operation"`
	Actor         string    `json:"actor"`
	Tier          string    `json:"tier,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	RequestID     string    `json:"requestId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// AuditLog is an append-only record of administrative writes.
type AuditLog interface {
	Append(ctx context.Context, e *AuditEntry) error
	// List returns entries newest first. An empty wallet lists all wallets.
	List(ctx context.Context, wallet string, limit int) ([]*AuditEntry, error)
}
