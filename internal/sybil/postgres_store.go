package sybil

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/sybilguard/internal/idgen"
	"github.com/mbd888/sybilguard/internal/logging"
)

// Compile-time checks.
var (
	_ Store    = (*PostgresStore)(nil)
	_ AuditLog = (*PostgresAuditLog)(nil)
)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed score store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the sybil_scores table if it doesn't exist.
// Kept in sync with migrations/002_sybil_scores.sql.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sybil_scores (
			wallet_address  VARCHAR(42) PRIMARY KEY,
			score           DOUBLE PRECISION NOT NULL CHECK (score >= 0 AND score <= 100),
			tier            TEXT NOT NULL CHECK (tier IN ('clear', 'warn', 'limit', 'block')),
			breakdown       JSONB NOT NULL DEFAULT '{}'::jsonb,
			xp_multiplier   INTEGER NOT NULL,
			manual_override BOOLEAN NOT NULL DEFAULT FALSE,
			manual_tier     TEXT CHECK (manual_tier IN ('clear', 'warn', 'limit', 'block')),
			manual_reason   TEXT,
			manual_actor    TEXT,
			manual_at       TIMESTAMPTZ,
			version         BIGINT NOT NULL DEFAULT 1,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT sybil_scores_override_consistent
				CHECK ((manual_override AND manual_tier IS NOT NULL) OR (NOT manual_override AND manual_tier IS NULL))
		);
		CREATE INDEX IF NOT EXISTS idx_sybil_scores_updated ON sybil_scores (updated_at DESC);
	`)
	return err
}

const scoreColumns = `wallet_address, score, tier, breakdown, xp_multiplier,
	manual_override, manual_tier, manual_reason, manual_actor, manual_at,
	version, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, wallet string) (*Score, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+scoreColumns+` FROM sybil_scores WHERE wallet_address = $1`,
		strings.ToLower(wallet))
	sc, err := scanScore(ctx, row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get score: %w", err)
	}
	return sc, nil
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*Score, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+scoreColumns+` FROM sybil_scores ORDER BY updated_at DESC, wallet_address LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list scores: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Score, 0)
	for rows.Next() {
		sc, err := scanScore(ctx, rows)
		if err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SaveComputed(ctx context.Context, wallet string, r Result) (*Score, error) {
	raw, err := EncodeBreakdown(r.Breakdown)
	if err != nil {
		return nil, fmt.Errorf("encode breakdown: %w", err)
	}

	// The conflict branch lists only computed columns; override columns
	// are left as they are.
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO sybil_scores (wallet_address, score, tier, breakdown, xp_multiplier)
		VALUES ($1, $2, $3, $4::jsonb, $5)
		ON CONFLICT (wallet_address) DO UPDATE SET
			score         = EXCLUDED.score,
			tier          = EXCLUDED.tier,
			breakdown     = EXCLUDED.breakdown,
			xp_multiplier = EXCLUDED.xp_multiplier,
			version       = sybil_scores.version + 1,
			updated_at    = NOW()
		RETURNING `+scoreColumns,
		strings.ToLower(wallet), r.Score, string(r.Tier), string(raw), r.XPMultiplier)

	sc, err := scanScore(ctx, row)
	if err != nil {
		return nil, fmt.Errorf("save score: %w", err)
	}
	return sc, nil
}

func (p *PostgresStore) SetOverride(ctx context.Context, wallet string, o Override) (*Score, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE sybil_scores SET
			manual_override = TRUE,
			manual_tier     = $2,
			manual_reason   = $3,
			manual_actor    = $4,
			manual_at       = $5,
			version         = version + 1,
			updated_at      = NOW()
		WHERE wallet_address = $1
		RETURNING `+scoreColumns,
		strings.ToLower(wallet), string(o.Tier), o.Reason, o.Actor, o.At)

	sc, err := scanScore(ctx, row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("set override: %w", err)
	}
	return sc, nil
}

func (p *PostgresStore) ClearOverride(ctx context.Context, wallet string) (*Score, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE sybil_scores SET
			manual_override = FALSE,
			manual_tier     = NULL,
			manual_reason   = NULL,
			manual_actor    = NULL,
			manual_at       = NULL,
			version         = version + 1,
			updated_at      = NOW()
		WHERE wallet_address = $1
		RETURNING `+scoreColumns,
		strings.ToLower(wallet))

	sc, err := scanScore(ctx, row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("clear override: %w", err)
	}
	return sc, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanScore(ctx context.Context, row scanner) (*Score, error) {
	sc := &Score{}
	var (
		tier      string
		raw       []byte
		override  bool
		manTier   sql.NullString
		manReason sql.NullString
		manActor  sql.NullString
		manAt     sql.NullTime
	)
	if err := row.Scan(&sc.WalletAddress, &sc.Score, &tier, &raw, &sc.XPMultiplier,
		&override, &manTier, &manReason, &manActor, &manAt,
		&sc.Version, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
		return nil, err
	}
	sc.Tier = Tier(tier)

	b, err := DecodeBreakdown(raw)
	if err != nil {
		logging.L(ctx).Warn("stale score breakdown", "wallet", sc.WalletAddress, "error", err)
		sc.BreakdownStale = true
	}
	sc.Breakdown = b

	if override && manTier.Valid {
		sc.Override = &Override{
			Tier:   Tier(manTier.String),
			Reason: manReason.String,
			Actor:  manActor.String,
			At:     manAt.Time,
		}
	}
	return sc, nil
}

// PostgresAuditLog implements AuditLog backed by PostgreSQL.
type PostgresAuditLog struct {
	db *sql.DB
}

// NewPostgresAuditLog creates a PostgreSQL-backed audit log.
func NewPostgresAuditLog(db *sql.DB) *PostgresAuditLog {
	return &PostgresAuditLog{db: db}
}

// Migrate creates the sybil_audit_log table if it doesn't exist.
// Kept in sync with migrations/003_sybil_audit_log.sql.
func (l *PostgresAuditLog) Migrate(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sybil_audit_log (
			id             VARCHAR(40) PRIMARY KEY,
			wallet_address VARCHAR(42) NOT NULL,
			operation      TEXT NOT NULL,
			actor          TEXT NOT NULL,
			tier           TEXT,
			reason         TEXT,
			request_id     TEXT,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_sybil_audit_wallet ON sybil_audit_log (wallet_address, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_sybil_audit_created ON sybil_audit_log (created_at DESC);
	`)
	return err
}

func (l *PostgresAuditLog) Append(ctx context.Context, e *AuditEntry) error {
	if e.ID == "" {
		e.ID = idgen.WithPrefix("aud_")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.WalletAddress = strings.ToLower(e.WalletAddress)

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO sybil_audit_log (id, wallet_address, operation, actor, tier, reason, request_id, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), $8)`,
		e.ID, e.WalletAddress, e.Operation, e.Actor, e.Tier, e.Reason, e.RequestID, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (l *PostgresAuditLog) List(ctx context.Context, wallet string, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, wallet_address, operation, actor,
		       COALESCE(tier, ''), COALESCE(reason, ''), COALESCE(request_id, ''), created_at
		FROM sybil_audit_log
		WHERE ($1 = '' OR wallet_address = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, strings.ToLower(wallet), limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*AuditEntry, 0)
	for rows.Next() {
		e := &AuditEntry{}
		if err := rows.Scan(&e.ID, &e.WalletAddress, &e.Operation, &e.Actor,
			&e.Tier, &e.Reason, &e.RequestID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
