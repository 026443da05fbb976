package fingerprint

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/sybilguard/internal/idgen"
	"github.com/mbd888/sybilguard/internal/pagination"
)

// PostgresStore persists fingerprint events in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed fingerprint store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the fingerprint_events table if it doesn't exist.
// Kept in sync with migrations/001_fingerprint_events.sql.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS fingerprint_events (
			id                   VARCHAR(40) PRIMARY KEY,
			wallet_address       VARCHAR(42) NOT NULL,
			ip_hash              TEXT NOT NULL,
			device_token         TEXT,
			user_agent           TEXT NOT NULL DEFAULT '',
			screen_resolution    TEXT NOT NULL DEFAULT '',
			timezone             TEXT NOT NULL DEFAULT '',
			language             TEXT NOT NULL DEFAULT '',
			platform             TEXT NOT NULL DEFAULT '',
			hardware_concurrency INTEGER,
			device_memory        DOUBLE PRECISION,
			created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_fingerprint_events_wallet
			ON fingerprint_events (wallet_address, created_at DESC, id DESC);
		CREATE INDEX IF NOT EXISTS idx_fingerprint_events_ip
			ON fingerprint_events (ip_hash);
		CREATE INDEX IF NOT EXISTS idx_fingerprint_events_token
			ON fingerprint_events (device_token) WHERE device_token IS NOT NULL;
	`)
	return err
}

const eventColumns = `id, wallet_address, ip_hash, device_token, user_agent, screen_resolution,
	timezone, language, platform, hardware_concurrency, device_memory, created_at`

func (s *PostgresStore) Record(ctx context.Context, e *Event) error {
	e.WalletAddress = normalizeWallet(e.WalletAddress)
	if e.ID == "" {
		e.ID = idgen.WithPrefix("fp_")
	}

	var createdAt interface{}
	if !e.CreatedAt.IsZero() {
		createdAt = e.CreatedAt
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO fingerprint_events
			(id, wallet_address, ip_hash, device_token, user_agent, screen_resolution,
			 timezone, language, platform, hardware_concurrency, device_memory, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,COALESCE($12::timestamptz, NOW()))
		RETURNING created_at`,
		e.ID, e.WalletAddress, e.IPHash, e.DeviceToken, e.UserAgent, e.ScreenResolution,
		e.Timezone, e.Language, e.Platform, e.HardwareConcurrency, e.DeviceMemory, createdAt,
	).Scan(&e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record fingerprint: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByWallet(ctx context.Context, wallet string, before *pagination.Cursor, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	var rows *sql.Rows
	var err error
	if before == nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+eventColumns+`
			FROM fingerprint_events
			WHERE wallet_address = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, normalizeWallet(wallet), limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+eventColumns+`
			FROM fingerprint_events
			WHERE wallet_address = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, normalizeWallet(wallet), before.CreatedAt, before.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list fingerprints: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func (s *PostgresStore) Latest(ctx context.Context, wallet string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+`
		FROM fingerprint_events
		WHERE wallet_address = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, normalizeWallet(wallet))

	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest fingerprint: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) FirstSeen(ctx context.Context, wallet string) (time.Time, error) {
	var first sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(created_at) FROM fingerprint_events WHERE wallet_address = $1`,
		normalizeWallet(wallet)).Scan(&first)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get first fingerprint: %w", err)
	}
	if !first.Valid {
		return time.Time{}, ErrNotFound
	}
	return first.Time, nil
}

func (s *PostgresStore) LatestPerWallet(ctx context.Context) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (wallet_address) `+eventColumns+`
		FROM fingerprint_events
		ORDER BY wallet_address, created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list latest fingerprints: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func (s *PostgresStore) Groups(ctx context.Context, kind IdentifierKind, minWallets int) ([]*Group, error) {
	var column string
	switch kind {
	case KindIPHash:
		column = "ip_hash"
	case KindDeviceToken:
		column = "device_token"
	default:
		return nil, fmt.Errorf("unknown identifier kind %q", kind)
	}
	if minWallets < 1 {
		minWallets = 1
	}

	// column comes from the fixed switch above, never from input.
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+column+`,
			   ARRAY_AGG(DISTINCT wallet_address ORDER BY wallet_address),
			   COUNT(*),
			   MIN(created_at),
			   MAX(created_at)
		FROM fingerprint_events
		WHERE `+column+` IS NOT NULL AND `+column+` <> ''
		GROUP BY `+column+`
		HAVING COUNT(DISTINCT wallet_address) >= $1`, minWallets) // #nosec G202
	if err != nil {
		return nil, fmt.Errorf("failed to group fingerprints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Group
	for rows.Next() {
		g := &Group{Kind: kind}
		var wallets pq.StringArray
		if err := rows.Scan(&g.Identifier, &wallets, &g.EventCount, &g.FirstSeen, &g.LastSeen); err != nil {
			return nil, err
		}
		g.Wallets = []string(wallets)
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	SortGroups(out)
	return out, nil
}

func (s *PostgresStore) Purge(ctx context.Context, wallet string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM fingerprint_events WHERE wallet_address = $1`, normalizeWallet(wallet))
	if err != nil {
		return 0, fmt.Errorf("failed to purge fingerprints: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*Event, error) {
	e := &Event{}
	var token sql.NullString
	var cores sql.NullInt64
	var memory sql.NullFloat64
	if err := row.Scan(&e.ID, &e.WalletAddress, &e.IPHash, &token, &e.UserAgent, &e.ScreenResolution,
		&e.Timezone, &e.Language, &e.Platform, &cores, &memory, &e.CreatedAt); err != nil {
		return nil, err
	}
	if token.Valid {
		e.DeviceToken = &token.String
	}
	if cores.Valid {
		c := int(cores.Int64)
		e.HardwareConcurrency = &c
	}
	if memory.Valid {
		e.DeviceMemory = &memory.Float64
	}
	return e, nil
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	out := make([]*Event, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
