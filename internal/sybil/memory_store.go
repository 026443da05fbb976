package sybil

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/sybilguard/internal/idgen"
	"github.com/mbd888/sybilguard/internal/logging"
)

// Compile-time checks.
var (
	_ Store    = (*MemoryStore)(nil)
	_ AuditLog = (*MemoryAuditLog)(nil)
)

// memoryRow mirrors a sybil_scores row. The breakdown is kept encoded so
// reads go through the same decode path as Postgres.
type memoryRow struct {
	wallet       string
	score        float64
	tier         Tier
	breakdown    []byte
	xpMultiplier int
	override     *Override
	version      int64
	createdAt    time.Time
	updatedAt    time.Time
}

// MemoryStore implements Store using in-memory maps (for demo/testing).
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]*memoryRow
	now  func() time.Time
}

// NewMemoryStore creates an in-memory score store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows: make(map[string]*memoryRow),
		now:  time.Now,
	}
}

func (s *MemoryStore) Get(ctx context.Context, wallet string) (*Score, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.rows[strings.ToLower(wallet)]
	if !ok {
		return nil, ErrNotFound
	}
	return row.toScore(ctx), nil
}

func (s *MemoryStore) List(ctx context.Context, limit int) ([]*Score, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]*memoryRow, 0, len(s.rows))
	for _, r := range s.rows {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].updatedAt.Equal(rows[j].updatedAt) {
			return rows[i].updatedAt.After(rows[j].updatedAt)
		}
		return rows[i].wallet < rows[j].wallet
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	out := make([]*Score, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toScore(ctx))
	}
	return out, nil
}

func (s *MemoryStore) SaveComputed(ctx context.Context, wallet string, r Result) (*Score, error) {
	raw, err := EncodeBreakdown(r.Breakdown)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wallet = strings.ToLower(wallet)
	now := s.now()
	row, ok := s.rows[wallet]
	if !ok {
		row = &memoryRow{wallet: wallet, createdAt: now}
		s.rows[wallet] = row
	}
	row.score = r.Score
	row.tier = r.Tier
	row.breakdown = raw
	row.xpMultiplier = r.XPMultiplier
	row.version++
	row.updatedAt = now
	return row.toScore(ctx), nil
}

func (s *MemoryStore) SetOverride(ctx context.Context, wallet string, o Override) (*Score, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[strings.ToLower(wallet)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := o
	row.override = &cp
	row.version++
	row.updatedAt = s.now()
	return row.toScore(ctx), nil
}

func (s *MemoryStore) ClearOverride(ctx context.Context, wallet string) (*Score, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[strings.ToLower(wallet)]
	if !ok {
		return nil, ErrNotFound
	}
	row.override = nil
	row.version++
	row.updatedAt = s.now()
	return row.toScore(ctx), nil
}

// putRawBreakdown overwrites a row's stored breakdown bytes.
func (s *MemoryStore) putRawBreakdown(wallet string, raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[strings.ToLower(wallet)]; ok {
		row.breakdown = raw
	}
}

// Caller must hold s.mu.
func (r *memoryRow) toScore(ctx context.Context) *Score {
	sc := &Score{
		WalletAddress: r.wallet,
		Score:         r.score,
		Tier:          r.tier,
		XPMultiplier:  r.xpMultiplier,
		Version:       r.version,
		CreatedAt:     r.createdAt,
		UpdatedAt:     r.updatedAt,
	}
	b, err := DecodeBreakdown(r.breakdown)
	if err != nil {
		logging.L(ctx).Warn("stale score breakdown", "wallet", r.wallet, "error", err)
		sc.BreakdownStale = true
	}
	sc.Breakdown = b
	if r.override != nil {
		o := *r.override
		sc.Override = &o
	}
	return sc
}

// MemoryAuditLog implements AuditLog in memory.
type MemoryAuditLog struct {
	mu      sync.RWMutex
	entries []*AuditEntry
	now     func() time.Time
}

// NewMemoryAuditLog creates an empty in-memory audit log.
func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{now: time.Now}
}

func (l *MemoryAuditLog) Append(_ context.Context, e *AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.ID == "" {
		e.ID = idgen.WithPrefix("aud_")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now()
	}
	e.WalletAddress = strings.ToLower(e.WalletAddress)
	cp := *e
	l.entries = append(l.entries, &cp)
	return nil
}

func (l *MemoryAuditLog) List(_ context.Context, wallet string, limit int) ([]*AuditEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	wallet = strings.ToLower(wallet)
	out := make([]*AuditEntry, 0)
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if wallet != "" && e.WalletAddress != wallet {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
