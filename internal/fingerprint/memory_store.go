package fingerprint

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/sybilguard/internal/idgen"
	"github.com/mbd888/sybilguard/internal/pagination"
)

// MemoryStore is an in-memory Store for demo and test use.
type MemoryStore struct {
	mu       sync.RWMutex
	byWallet map[string][]*Event // wallet -> events in insertion order
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory fingerprint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byWallet: make(map[string][]*Event),
		now:      time.Now,
	}
}

func (m *MemoryStore) Record(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.WalletAddress = normalizeWallet(e.WalletAddress)
	if e.ID == "" {
		e.ID = idgen.WithPrefix("fp_")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now()
	}
	cp := *e
	m.byWallet[e.WalletAddress] = append(m.byWallet[e.WalletAddress], &cp)
	return nil
}

func (m *MemoryStore) ListByWallet(_ context.Context, wallet string, before *pagination.Cursor, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := m.byWallet[normalizeWallet(wallet)]
	out := make([]*Event, 0, len(events))
	for _, e := range events {
		if before != nil && !before.Follows(e.CreatedAt, e.ID) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Latest(_ context.Context, wallet string) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	latest := latestOf(m.byWallet[normalizeWallet(wallet)])
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) FirstSeen(_ context.Context, wallet string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := m.byWallet[normalizeWallet(wallet)]
	if len(events) == 0 {
		return time.Time{}, ErrNotFound
	}
	first := events[0].CreatedAt
	for _, e := range events[1:] {
		if e.CreatedAt.Before(first) {
			first = e.CreatedAt
		}
	}
	return first, nil
}

func (m *MemoryStore) LatestPerWallet(_ context.Context) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Event, 0, len(m.byWallet))
	for _, events := range m.byWallet {
		if latest := latestOf(events); latest != nil {
			cp := *latest
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WalletAddress < out[j].WalletAddress })
	return out, nil
}

func (m *MemoryStore) Groups(_ context.Context, kind IdentifierKind, minWallets int) ([]*Group, error) {
	m.mu.RLock()
	var all []*Event
	for _, events := range m.byWallet {
		all = append(all, events...)
	}
	groups := GroupEvents(all, kind, minWallets)
	m.mu.RUnlock()
	return groups, nil
}

func (m *MemoryStore) Purge(_ context.Context, wallet string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wallet = normalizeWallet(wallet)
	n := len(m.byWallet[wallet])
	delete(m.byWallet, wallet)
	return n, nil
}

// latestOf picks the newest event; ties go to the later insertion.
// newer orders events by (CreatedAt, ID) descending, matching the
// Postgres queries so both stores pick the same latest event on a tie.
func newer(a, b *Event) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func latestOf(events []*Event) *Event {
	var latest *Event
	for _, e := range events {
		if latest == nil || newer(e, latest) {
			latest = e
		}
	}
	return latest
}

func sortNewestFirst(events []*Event) {
	sort.Slice(events, func(i, j int) bool { return newer(events[i], events[j]) })
}
