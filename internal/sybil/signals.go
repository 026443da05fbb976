package sybil

import (
	"context"
	"fmt"
	"sort"

	"github.com/mbd888/sybilguard/internal/fingerprint"
)

// SignalKind names one clustering signal.
type SignalKind string

const (
	SignalSameIP          SignalKind = "same_ip"
	SignalSameDeviceToken SignalKind = "same_device_token"
	SignalSameUserAgent   SignalKind = "same_user_agent"
	SignalSameScreen      SignalKind = "same_screen"
	SignalSameHardware    SignalKind = "same_hardware"
	SignalSameTimezone    SignalKind = "same_timezone"
	SignalSameLanguage    SignalKind = "same_language"
	SignalSamePlatform    SignalKind = "same_platform"
)

// FlagThreshold is the clustering score at which a wallet is flagged for
// review. Weak signals alone top out at 1.5.
const FlagThreshold = 4.0

// clusteringWeights is the fixed clustering table, in reporting order.
var clusteringWeights = []struct {
	kind   SignalKind
	weight float64
}{
	{SignalSameIP, 2.0},
	{SignalSameDeviceToken, 2.0},
	{SignalSameUserAgent, 2.0},
	{SignalSameScreen, 1.0},
	{SignalSameHardware, 1.0},
	{SignalSameTimezone, 0.5},
	{SignalSameLanguage, 0.5},
	{SignalSamePlatform, 0.5},
}

// SignalMatch lists the other wallets sharing one attribute with a wallet.
type SignalMatch struct {
	Kind    SignalKind `json:"kind"`
	Weight  float64    `json:"weight"`
	Matched bool       `json:"matched"`
	Wallets []string   `json:"wallets"`
}

// Signals is the aggregated view of one wallet against every other wallet.
type Signals struct {
	Wallet  string             `json:"wallet"`
	Latest  *fingerprint.Event `json:"-"`
	Matches []SignalMatch      `json:"matches"`
}

// Count returns how many other wallets share the attribute of kind.
func (s *Signals) Count(kind SignalKind) int {
	for _, m := range s.Matches {
		if m.Kind == kind {
			return len(m.Wallets)
		}
	}
	return 0
}

// ClusteringScore sums the weight of every kind with at least one match.
// Each kind counts once no matter how many wallets match it.
func (s *Signals) ClusteringScore() float64 {
	var sum float64
	for _, m := range s.Matches {
		if len(m.Wallets) > 0 {
			sum += m.Weight
		}
	}
	return sum
}

// Flagged reports whether the clustering score reaches FlagThreshold.
func (s *Signals) Flagged() bool {
	return s.ClusteringScore() >= FlagThreshold
}

// MatchingWallets is the sorted union of wallets matching any signal.
func (s *Signals) MatchingWallets() []string {
	seen := make(map[string]struct{})
	for _, m := range s.Matches {
		for _, w := range m.Wallets {
			seen[w] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// attribute extractors for the signals compared latest-vs-latest.
var latestAttributes = map[SignalKind]func(e *fingerprint.Event) string{
	SignalSameUserAgent: func(e *fingerprint.Event) string { return e.UserAgent },
	SignalSameScreen:    func(e *fingerprint.Event) string { return e.ScreenResolution },
	SignalSameHardware:  func(e *fingerprint.Event) string { return e.HardwareProfile() },
	SignalSameTimezone:  func(e *fingerprint.Event) string { return e.Timezone },
	SignalSameLanguage:  func(e *fingerprint.Event) string { return e.Language },
	SignalSamePlatform:  func(e *fingerprint.Event) string { return e.Platform },
}

// identifierKinds maps the all-events signals to the identifier they group by.
var identifierKinds = map[SignalKind]fingerprint.IdentifierKind{
	SignalSameIP:          fingerprint.KindIPHash,
	SignalSameDeviceToken: fingerprint.KindDeviceToken,
}

// Index is a point-in-time snapshot of the fingerprint store used to
// aggregate signals for many wallets without re-querying.
//
// IP hash and device token match across every event of both wallets, the
// same data the cluster analyzer groups. The device attributes compare each
// wallet's latest event only.
type Index struct {
	latest map[string]*fingerprint.Event

	// identifier kind -> identifier value -> member wallets
	members map[fingerprint.IdentifierKind]map[string][]string
	// identifier kind -> wallet -> identifier values seen for it
	identifiers map[fingerprint.IdentifierKind]map[string][]string
	// signal kind -> attribute value -> wallets whose latest event has it
	attributes map[SignalKind]map[string][]string
}

// BuildIndex loads a snapshot from the store.
func BuildIndex(ctx context.Context, store fingerprint.Store) (*Index, error) {
	latest, err := store.LatestPerWallet(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest fingerprints: %w", err)
	}
	ipGroups, err := store.Groups(ctx, fingerprint.KindIPHash, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to load ip groups: %w", err)
	}
	tokenGroups, err := store.Groups(ctx, fingerprint.KindDeviceToken, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to load device token groups: %w", err)
	}
	return NewIndex(latest, append(ipGroups, tokenGroups...)), nil
}

// NewIndex builds an index from each wallet's latest event and the identifier
// groups over all events.
func NewIndex(latest []*fingerprint.Event, groups []*fingerprint.Group) *Index {
	ix := &Index{
		latest:      make(map[string]*fingerprint.Event, len(latest)),
		members:     make(map[fingerprint.IdentifierKind]map[string][]string),
		identifiers: make(map[fingerprint.IdentifierKind]map[string][]string),
		attributes:  make(map[SignalKind]map[string][]string),
	}
	for _, e := range latest {
		ix.latest[e.WalletAddress] = e
	}

	for _, g := range groups {
		if g.Identifier == "" {
			continue
		}
		if ix.members[g.Kind] == nil {
			ix.members[g.Kind] = make(map[string][]string)
			ix.identifiers[g.Kind] = make(map[string][]string)
		}
		ix.members[g.Kind][g.Identifier] = g.Wallets
		for _, w := range g.Wallets {
			ix.identifiers[g.Kind][w] = append(ix.identifiers[g.Kind][w], g.Identifier)
		}
	}

	for kind, extract := range latestAttributes {
		byValue := make(map[string][]string)
		for wallet, e := range ix.latest {
			if v := extract(e); v != "" {
				byValue[v] = append(byValue[v], wallet)
			}
		}
		ix.attributes[kind] = byValue
	}
	return ix
}

// Wallets returns every wallet with at least one event, sorted.
func (ix *Index) Wallets() []string {
	out := make([]string, 0, len(ix.latest))
	for w := range ix.latest {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}

// HasData reports whether the wallet has any fingerprint events.
func (ix *Index) HasData(wallet string) bool {
	_, ok := ix.latest[wallet]
	return ok
}

// Signals aggregates all eight signals for wallet. Returns ErrNoData when the
// wallet has no events.
func (ix *Index) Signals(wallet string) (*Signals, error) {
	latest, ok := ix.latest[wallet]
	if !ok {
		return nil, ErrNoData
	}

	sig := &Signals{Wallet: wallet, Latest: latest, Matches: make([]SignalMatch, 0, len(clusteringWeights))}
	for _, cw := range clusteringWeights {
		var others []string
		if idKind, ok := identifierKinds[cw.kind]; ok {
			others = ix.identifierMatches(idKind, wallet)
		} else {
			others = ix.attributeMatches(cw.kind, latest, wallet)
		}
		sig.Matches = append(sig.Matches, SignalMatch{
			Kind:    cw.kind,
			Weight:  cw.weight,
			Matched: len(others) > 0,
			Wallets: others,
		})
	}
	return sig, nil
}

// LargestCluster is the member count of the biggest IP or device-token group
// containing wallet, the wallet itself included. A wallet that shares
// nothing is a cluster of one.
func (ix *Index) LargestCluster(wallet string) int {
	largest := 0
	if ix.HasData(wallet) {
		largest = 1
	}
	for kind, byWallet := range ix.identifiers {
		for _, id := range byWallet[wallet] {
			if n := len(ix.members[kind][id]); n > largest {
				largest = n
			}
		}
	}
	return largest
}

func (ix *Index) identifierMatches(kind fingerprint.IdentifierKind, wallet string) []string {
	seen := make(map[string]struct{})
	for _, id := range ix.identifiers[kind][wallet] {
		for _, w := range ix.members[kind][id] {
			if w != wallet {
				seen[w] = struct{}{}
			}
		}
	}
	return sortedKeys(seen)
}

func (ix *Index) attributeMatches(kind SignalKind, latest *fingerprint.Event, wallet string) []string {
	v := latestAttributes[kind](latest)
	if v == "" {
		return []string{}
	}
	seen := make(map[string]struct{})
	for _, w := range ix.attributes[kind][v] {
		if w != wallet {
			seen[w] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
