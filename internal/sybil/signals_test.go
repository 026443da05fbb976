package sybil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sybilguard/internal/fingerprint"
)

const (
	walletA = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	walletB = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	walletC = "0xcccccccccccccccccccccccccccccccccccccccc"
	walletD = "0xdddddddddddddddddddddddddddddddddddddddd"
	walletE = "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"
)

func otherWallet(i int) string {
	return fmt.Sprintf("0x%040x", i+1)
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

type eventOpt func(e *fingerprint.Event)

func withToken(tok string) eventOpt {
	return func(e *fingerprint.Event) { e.DeviceToken = strPtr(tok) }
}

func withUA(ua string) eventOpt {
	return func(e *fingerprint.Event) { e.UserAgent = ua }
}

func withDevice(screen, tz, lang, platform string) eventOpt {
	return func(e *fingerprint.Event) {
		e.ScreenResolution, e.Timezone, e.Language, e.Platform = screen, tz, lang, platform
	}
}

func withHardware(cores int, mem float64) eventOpt {
	return func(e *fingerprint.Event) {
		e.HardwareConcurrency = intPtr(cores)
		e.DeviceMemory = &mem
	}
}

func withAt(at time.Time) eventOpt {
	return func(e *fingerprint.Event) { e.CreatedAt = at }
}

func record(t *testing.T, store fingerprint.Store, wallet, ip string, opts ...eventOpt) {
	t.Helper()
	e := &fingerprint.Event{WalletAddress: wallet, IPHash: ip}
	for _, o := range opts {
		o(e)
	}
	require.NoError(t, store.Record(context.Background(), e))
}

func buildIndex(t *testing.T, store fingerprint.Store) *Index {
	t.Helper()
	ix, err := BuildIndex(context.Background(), store)
	require.NoError(t, err)
	return ix
}

func TestIndex_NoData(t *testing.T) {
	ix := buildIndex(t, fingerprint.NewMemoryStore())

	_, err := ix.Signals(walletA)
	assert.ErrorIs(t, err, ErrNoData)
	assert.False(t, ix.HasData(walletA))
	assert.Equal(t, 0, ix.LargestCluster(walletA))
}

func TestIndex_IPMatchesAcrossAllEvents(t *testing.T) {
	store := fingerprint.NewMemoryStore()
	base := time.Now().Add(-time.Hour)
	// A used ip-1 once then moved to ip-2; B is on ip-1.
	record(t, store, walletA, "ip-1", withAt(base))
	record(t, store, walletA, "ip-2", withAt(base.Add(time.Minute)))
	record(t, store, walletB, "ip-1", withAt(base))

	sig, err := buildIndex(t, store).Signals(walletA)
	require.NoError(t, err)
	assert.Equal(t, 1, sig.Count(SignalSameIP))
	assert.Equal(t, "ip-2", sig.Latest.IPHash)
}

func TestIndex_LatestAttributesOnly(t *testing.T) {
	store := fingerprint.NewMemoryStore()
	base := time.Now().Add(-time.Hour)
	record(t, store, walletA, "ip-a", withUA("old-ua"), withAt(base))
	record(t, store, walletA, "ip-a", withUA("new-ua"), withAt(base.Add(time.Minute)))
	record(t, store, walletB, "ip-b", withUA("old-ua"), withAt(base))
	record(t, store, walletC, "ip-c", withUA("new-ua"), withAt(base))

	sig, err := buildIndex(t, store).Signals(walletA)
	require.NoError(t, err)

	for _, m := range sig.Matches {
		if m.Kind == SignalSameUserAgent {
			assert.Equal(t, []string{walletC}, m.Wallets)
		}
	}
}

func TestIndex_EmptyValuesNeverMatch(t *testing.T) {
	store := fingerprint.NewMemoryStore()
	record(t, store, walletA, "ip-a")
	record(t, store, walletB, "ip-b")

	sig, err := buildIndex(t, store).Signals(walletA)
	require.NoError(t, err)
	assert.Equal(t, 0.0, sig.ClusteringScore())
	assert.Empty(t, sig.MatchingWallets())
	for _, m := range sig.Matches {
		assert.False(t, m.Matched, "kind %s", m.Kind)
		assert.NotNil(t, m.Wallets)
	}
}

func TestIndex_WeakSignalsNeverFlag(t *testing.T) {
	store := fingerprint.NewMemoryStore()
	record(t, store, walletA, "ip-a", withDevice("", "Europe/Berlin", "de-DE", "MacIntel"))
	record(t, store, walletB, "ip-b", withDevice("", "Europe/Berlin", "de-DE", "MacIntel"))

	sig, err := buildIndex(t, store).Signals(walletA)
	require.NoError(t, err)
	assert.Equal(t, 1.5, sig.ClusteringScore())
	assert.False(t, sig.Flagged())
}

func TestIndex_ClusteringScoreAndFlag(t *testing.T) {
	store := fingerprint.NewMemoryStore()
	shared := []eventOpt{withToken("tok"), withUA("ua"), withDevice("1920x1080", "UTC", "en", "Linux"), withHardware(8, 16)}
	record(t, store, walletA, "ip-1", shared...)
	record(t, store, walletB, "ip-1", shared...)
	record(t, store, walletC, "ip-1", withUA("ua"))

	ix := buildIndex(t, store)
	sig, err := ix.Signals(walletA)
	require.NoError(t, err)

	// Every kind counts once whatever the number of matching wallets.
	assert.Equal(t, 9.5, sig.ClusteringScore())
	assert.True(t, sig.Flagged())
	assert.Equal(t, 2, sig.Count(SignalSameIP))
	assert.Equal(t, 1, sig.Count(SignalSameDeviceToken))
	assert.Equal(t, []string{walletB, walletC}, sig.MatchingWallets())
	assert.Equal(t, 3, ix.LargestCluster(walletA))

	sigC, err := ix.Signals(walletC)
	require.NoError(t, err)
	assert.Equal(t, 4.0, sigC.ClusteringScore())
	assert.True(t, sigC.Flagged())
}

func TestIndex_LargestClusterUsesDeviceToken(t *testing.T) {
	store := fingerprint.NewMemoryStore()
	for i, w := range []string{walletA, walletB, walletC, walletD} {
		record(t, store, w, fmt.Sprintf("ip-%d", i), withToken("farm-device"))
	}
	record(t, store, walletE, "ip-solo")

	ix := buildIndex(t, store)
	assert.Equal(t, 4, ix.LargestCluster(walletA))
	assert.Equal(t, 1, ix.LargestCluster(walletE))
	assert.Equal(t, []string{walletA, walletB, walletC, walletD, walletE}, ix.Wallets())
}

func TestClusterAnalyzer(t *testing.T) {
	ctx := context.Background()
	store := fingerprint.NewMemoryStore()
	record(t, store, walletA, "ip-1", withToken("tok-1"))
	record(t, store, walletB, "ip-1", withToken("tok-1"))
	record(t, store, walletC, "ip-1")
	record(t, store, walletD, "ip-2", withToken("tok-1"))
	record(t, store, walletE, "ip-3")

	a := NewClusterAnalyzer(store)

	ip, err := a.IPClusters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, ip, 1)
	assert.Equal(t, "ip-1", ip[0].Identifier)
	assert.Equal(t, []string{walletA, walletB, walletC}, ip[0].Wallets)

	tokens, err := a.DeviceClusters(ctx, 3)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, []string{walletA, walletB, walletD}, tokens[0].Wallets)

	none, err := a.DeviceClusters(ctx, 10)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}
