// Package fingerprint stores the device and network fingerprints emitted by
// wallet sessions.
//
// The log is append-only: events are recorded once per session and are only
// removed by an explicit admin purge. A wallet may have many events; readers
// use the most recent one for display and all of them for identifier grouping.
package fingerprint

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/sybilguard/internal/pagination"
)

// ErrNotFound is returned when a wallet has no fingerprint events.
var ErrNotFound = errors.New("fingerprint: no events for wallet")

// Event is a single fingerprint captured at session start.
type Event struct {
	ID                  string    `json:"id"`
	WalletAddress       string    `json:"walletAddress"`
	IPHash              string    `json:"ipHash"`
	DeviceToken         *string   `json:"deviceToken,omitempty"`
	UserAgent           string    `json:"userAgent"`
	ScreenResolution    string    `json:"screenResolution"`
	Timezone            string    `json:"timezone"`
	Language            string    `json:"language"`
	Platform            string    `json:"platform"`
	HardwareConcurrency *int      `json:"hardwareConcurrency,omitempty"`
	DeviceMemory        *float64  `json:"deviceMemory,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
}

// Token returns the device token or "" when the client did not send one.
func (e *Event) Token() string {
	if e.DeviceToken == nil {
		return ""
	}
	return *e.DeviceToken
}

// HardwareProfile returns a comparable cores/memory key, or "" when either
// half is missing. Partial profiles never match each other.
func (e *Event) HardwareProfile() string {
	if e.HardwareConcurrency == nil || e.DeviceMemory == nil {
		return ""
	}
	return hardwareKey(*e.HardwareConcurrency, *e.DeviceMemory)
}

// IdentifierKind selects which strong identifier events are grouped by.
type IdentifierKind string

const (
	KindIPHash      IdentifierKind = "ip_hash"
	KindDeviceToken IdentifierKind = "device_token"
)

// Valid reports whether k is a known identifier kind.
func (k IdentifierKind) Valid() bool {
	return k == KindIPHash || k == KindDeviceToken
}

// Identifier extracts the value of kind from the event.
func (e *Event) Identifier(kind IdentifierKind) string {
	switch kind {
	case KindIPHash:
		return e.IPHash
	case KindDeviceToken:
		return e.Token()
	default:
		return ""
	}
}

// Group is every event sharing one identifier value.
type Group struct {
	Kind       IdentifierKind `json:"kind"`
	Identifier string         `json:"identifier"`
	Wallets    []string       `json:"wallets"`
	EventCount int            `json:"eventCount"`
	FirstSeen  time.Time      `json:"firstSeen"`
	LastSeen   time.Time      `json:"lastSeen"`
}

// Store persists fingerprint events.
type Store interface {
	// Record appends an event. ID and CreatedAt are filled in when empty.
	Record(ctx context.Context, e *Event) error

	// ListByWallet returns a wallet's events ordered by (createdAt, id)
	// descending. A non-nil before cursor keeps only events strictly after
	// it in that order.
	ListByWallet(ctx context.Context, wallet string, before *pagination.Cursor, limit int) ([]*Event, error)

	// Latest returns the wallet's most recent event or ErrNotFound.
	Latest(ctx context.Context, wallet string) (*Event, error)

	// FirstSeen returns the time of the wallet's oldest event or ErrNotFound.
	FirstSeen(ctx context.Context, wallet string) (time.Time, error)

	// LatestPerWallet returns the most recent event of every wallet.
	LatestPerWallet(ctx context.Context) ([]*Event, error)

	// Groups returns identifier groups with at least minWallets distinct wallets.
	Groups(ctx context.Context, kind IdentifierKind, minWallets int) ([]*Group, error)

	// Purge deletes every event of a wallet and returns how many were removed.
	Purge(ctx context.Context, wallet string) (int, error)
}

// GroupEvents buckets events by the identifier of kind. Events without a value
// for that identifier are skipped. Results are sorted by member count
// descending, then identifier, so output is stable across calls.
func GroupEvents(events []*Event, kind IdentifierKind, minWallets int) []*Group {
	type acc struct {
		group   *Group
		members map[string]struct{}
	}
	byID := make(map[string]*acc)

	for _, e := range events {
		id := e.Identifier(kind)
		if id == "" {
			continue
		}
		a, ok := byID[id]
		if !ok {
			a = &acc{
				group:   &Group{Kind: kind, Identifier: id, FirstSeen: e.CreatedAt, LastSeen: e.CreatedAt},
				members: make(map[string]struct{}),
			}
			byID[id] = a
		}
		a.group.EventCount++
		a.members[e.WalletAddress] = struct{}{}
		if e.CreatedAt.Before(a.group.FirstSeen) {
			a.group.FirstSeen = e.CreatedAt
		}
		if e.CreatedAt.After(a.group.LastSeen) {
			a.group.LastSeen = e.CreatedAt
		}
	}

	out := make([]*Group, 0, len(byID))
	for _, a := range byID {
		if len(a.members) < minWallets {
			continue
		}
		for w := range a.members {
			a.group.Wallets = append(a.group.Wallets, w)
		}
		sort.Strings(a.group.Wallets)
		out = append(out, a.group)
	}
	SortGroups(out)
	return out
}

// SortGroups orders groups largest first.
func SortGroups(groups []*Group) {
	sort.Slice(groups, func(i, j int) bool {
		if len(groups[i].Wallets) != len(groups[j].Wallets) {
			return len(groups[i].Wallets) > len(groups[j].Wallets)
		}
		return groups[i].Identifier < groups[j].Identifier
	})
}

func normalizeWallet(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func hardwareKey(cores int, memory float64) string {
	return strconv.Itoa(cores) + "/" + strconv.FormatFloat(memory, 'g', -1, 64)
}
