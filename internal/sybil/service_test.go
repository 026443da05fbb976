package sybil

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sybilguard/internal/fingerprint"
	"github.com/mbd888/sybilguard/internal/identity"
	"github.com/mbd888/sybilguard/internal/logging"
	"github.com/mbd888/sybilguard/internal/metrics"
	"github.com/mbd888/sybilguard/internal/realtime"
)

type published struct {
	eventType realtime.EventType
	wallet    string
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(t realtime.EventType, wallet string, _ interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{t, wallet})
}

func (p *recordingPublisher) count(t realtime.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.eventType == t {
			n++
		}
	}
	return n
}

type fixture struct {
	svc      *Service
	prints   *fingerprint.MemoryStore
	scores   *MemoryStore
	audit    *MemoryAuditLog
	identity *identity.MemoryProvider
	events   *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		prints:   fingerprint.NewMemoryStore(),
		scores:   NewMemoryStore(),
		audit:    NewMemoryAuditLog(),
		identity: identity.NewMemoryProvider(),
		events:   &recordingPublisher{},
	}
	f.svc = NewService(f.prints, f.scores, f.audit, f.identity).
		WithClock(fixedClock).
		WithEvents(f.events).
		WithWorkers(4)
	return f
}

// seedPair gives A and B a shared IP and device token: 35 points each.
func (f *fixture) seedPair(t *testing.T) {
	record(t, f.prints, walletA, "ip-shared", withToken("tok-shared"), withAt(fixedNow))
	record(t, f.prints, walletB, "ip-shared", withToken("tok-shared"), withAt(fixedNow))
}

func operatorCtx(name string) context.Context {
	return logging.WithOperator(context.Background(), name)
}

func counterValue(t *testing.T, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, metrics.BatchItemsTotal.WithLabelValues(labels...).Write(m))
	return m.GetCounter().GetValue()
}

func TestService_ComputeSharedPair(t *testing.T) {
	f := newFixture(t)
	f.seedPair(t)

	sc, err := f.svc.Compute(context.Background(), walletA)
	require.NoError(t, err)
	assert.Equal(t, 35.0, sc.Score)
	assert.Equal(t, TierWarn, sc.Tier)
	assert.Equal(t, 60, sc.XPMultiplier)
	assert.Equal(t, 1, f.events.count(realtime.EventScoreUpdated))

	f.identity.Set(walletA, identity.Status{Verified: true})
	sc, err = f.svc.Compute(context.Background(), "0x"+strings.ToUpper(walletA[2:]))
	require.NoError(t, err)
	assert.Equal(t, 5.0, sc.Score)
	assert.Equal(t, TierClear, sc.Tier)
	assert.Equal(t, int64(2), sc.Version)
}

func TestService_ComputeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seedPair(t)
	ctx := context.Background()

	first, err := f.svc.Compute(ctx, walletA)
	require.NoError(t, err)
	second, err := f.svc.Compute(ctx, walletA)
	require.NoError(t, err)

	assert.Equal(t, first.Score, second.Score)
	assert.Equal(t, first.Tier, second.Tier)
	assert.Equal(t, first.Breakdown, second.Breakdown)
	assert.Equal(t, first.Version+1, second.Version)
}

func TestService_ComputeNoData(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Compute(context.Background(), walletA)
	assert.ErrorIs(t, err, ErrNoData)

	_, err = f.scores.Get(context.Background(), walletA)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_ComputeIdentityUnavailable(t *testing.T) {
	f := newFixture(t)
	f.seedPair(t)
	f.identity.FailWith(identity.ErrUnavailable)

	_, err := f.svc.Compute(context.Background(), walletA)
	assert.ErrorIs(t, err, ErrIdentityUnavailable)

	_, err = f.scores.Get(context.Background(), walletA)
	assert.ErrorIs(t, err, ErrNotFound, "no score is written with a guessed identity")
}

func TestService_ComputeRejectsBadAddress(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Compute(context.Background(), "0x1234")
	assert.True(t, IsValidation(err))
}

func TestService_BatchOverridePartialFailure(t *testing.T) {
	f := newFixture(t)
	f.seedPair(t)
	ctx := operatorCtx("alice")
	invalidBefore := counterValue(t, batchOverride, "invalid")

	res, err := f.svc.SetOverride(ctx, []string{walletA, walletB, "not-a-wallet"}, "block", "confirmed farm")
	require.NoError(t, err)

	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 2, res.Successful)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Results, 3)
	assert.Equal(t, TierBlock, res.Results[0].EffectiveTier)
	assert.True(t, res.Results[1].Success)
	assert.False(t, res.Results[2].Success)
	assert.Equal(t, "not-a-wallet", res.Results[2].Address)
	assert.Equal(t, "invalid wallet address", res.Results[2].Error)
	assert.Equal(t, invalidBefore+1, counterValue(t, batchOverride, "invalid"))

	sc, err := f.scores.Get(ctx, walletA)
	require.NoError(t, err)
	require.NotNil(t, sc.Override)
	assert.Equal(t, "alice", sc.Override.Actor)
	assert.Equal(t, fixedNow, sc.Override.At)
	assert.Equal(t, TierWarn, sc.Tier, "computed tier is untouched")
	assert.Equal(t, TierBlock, sc.Effective().Tier())

	entries, err := f.audit.List(ctx, walletA, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, OpOverrideSet, entries[0].Operation)
	assert.Equal(t, "alice", entries[0].Actor)
	assert.Equal(t, "confirmed farm", entries[0].Reason)
	assert.Equal(t, 2, f.events.count(realtime.EventOverrideSet))
}

func TestService_BatchOverrideValidation(t *testing.T) {
	f := newFixture(t)
	f.seedPair(t)
	ctx := operatorCtx("alice")

	tests := []struct {
		name      string
		addresses []string
		tier      string
		reason    string
		field     string
	}{
		{"blank reason", []string{walletA}, "block", "   ", "reason"},
		{"bad tier", []string{walletA}, "banned", "farm", "tier"},
		{"empty batch", nil, "block", "farm", "addresses"},
		{"long reason", []string{walletA}, "block", strings.Repeat("x", MaxReasonLength+1), "reason"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.SetOverride(ctx, tc.addresses, tc.tier, tc.reason)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tc.field, ve.Field)
		})
	}

	_, err := f.scores.Get(ctx, walletA)
	assert.ErrorIs(t, err, ErrNotFound, "nothing written on validation failure")
	entries, _ := f.audit.List(ctx, "", 0)
	assert.Empty(t, entries)
}

func TestService_BatchSizeCap(t *testing.T) {
	f := newFixture(t)
	f.svc.WithMaxBatchSize(2)

	_, err := f.svc.Recalculate(context.Background(), []string{walletA, walletB, walletC})
	assert.True(t, IsValidation(err))
}

func TestService_OverrideWithoutFingerprints(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.SetOverride(operatorCtx("alice"), []string{walletC}, "block", "manual report")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, "no fingerprint data", res.Results[0].Error)
}

func TestService_ClearRestoresComputedTier(t *testing.T) {
	f := newFixture(t)
	f.seedPair(t)
	ctx := operatorCtx("bob")

	_, err := f.svc.SetOverride(ctx, []string{walletA}, "clear", "false positive")
	require.NoError(t, err)

	res, err := f.svc.ClearOverride(ctx, []string{walletA})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Successful)
	assert.Equal(t, TierWarn, res.Results[0].EffectiveTier)

	sc, err := f.scores.Get(ctx, walletA)
	require.NoError(t, err)
	assert.Nil(t, sc.Override)
	assert.Equal(t, TierWarn, sc.Effective().Tier())
	assert.False(t, sc.Effective().IsOverridden())

	entries, err := f.audit.List(ctx, walletA, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, OpOverrideClear, entries[0].Operation)
	assert.Equal(t, "bob", entries[0].Actor)
}

func TestService_ClearWithoutRowSucceeds(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.ClearOverride(operatorCtx("bob"), []string{walletD})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Successful)
	assert.Empty(t, res.Results[0].EffectiveTier)
}

func TestService_RecalculatePreservesOverride(t *testing.T) {
	f := newFixture(t)
	f.seedPair(t)
	ctx := operatorCtx("carol")

	_, err := f.svc.SetOverride(ctx, []string{walletA}, "limit", "under review")
	require.NoError(t, err)

	f.identity.Set(walletA, identity.Status{Verified: true})
	res, err := f.svc.Recalculate(ctx, []string{walletA, walletE})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Successful)
	assert.Equal(t, TierLimit, res.Results[0].EffectiveTier)
	assert.Equal(t, "no fingerprint data", res.Results[1].Error)

	sc, err := f.scores.Get(ctx, walletA)
	require.NoError(t, err)
	assert.Equal(t, TierClear, sc.Tier)
	require.NotNil(t, sc.Override)
	assert.Equal(t, TierLimit, sc.Override.Tier)
	assert.Equal(t, "under review", sc.Override.Reason)
}

func TestService_RecalculateIdentityFailureIsPerWallet(t *testing.T) {
	f := newFixture(t)
	f.seedPair(t)
	f.identity.FailWith(identity.ErrUnavailable)

	res, err := f.svc.Recalculate(operatorCtx("carol"), []string{walletA, walletB})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, "identity provider unavailable", res.Results[0].Error)
}

func TestService_ConcurrentClearAndRecalculate(t *testing.T) {
	f := newFixture(t)
	f.seedPair(t)
	ctx := operatorCtx("dave")

	_, err := f.svc.SetOverride(ctx, []string{walletA}, "block", "farm")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = f.svc.Recalculate(ctx, []string{walletA})
		}()
		go func() {
			defer wg.Done()
			_, _ = f.svc.ClearOverride(ctx, []string{walletA})
		}()
	}
	wg.Wait()

	_, err = f.svc.Recalculate(ctx, []string{walletA})
	require.NoError(t, err)

	sc, err := f.scores.Get(ctx, walletA)
	require.NoError(t, err)
	assert.Nil(t, sc.Override, "recalculate never resurrects a cleared override")
	assert.Equal(t, int64(1+1+20+20+1), sc.Version)
}

// blockingProvider holds every lookup until release is closed.
type blockingProvider struct {
	identity.Provider
	entered chan struct{}
	release chan struct{}
}

func (p *blockingProvider) Lookup(ctx context.Context, wallet string) (*identity.Status, error) {
	select {
	case p.entered <- struct{}{}:
	default:
	}
	select {
	case <-p.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return p.Provider.Lookup(ctx, wallet)
}

func TestService_ClearDoesNotWaitForIdentityLookup(t *testing.T) {
	f := newFixture(t)
	f.seedPair(t)
	ctx := operatorCtx("erin")
	_, err := f.svc.SetOverride(ctx, []string{walletA}, "block", "farm")
	require.NoError(t, err)

	slow := &blockingProvider{Provider: f.identity, entered: make(chan struct{}, 1), release: make(chan struct{})}
	svc := NewService(f.prints, f.scores, f.audit, slow).WithClock(fixedClock)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = svc.Recalculate(ctx, []string{walletA})
	}()
	<-slow.entered

	clearCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	res, err := svc.ClearOverride(clearCtx, []string{walletA})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Successful, "clear must not queue behind a pending lookup")

	close(slow.release)
	<-done

	sc, err := f.scores.Get(ctx, walletA)
	require.NoError(t, err)
	assert.Nil(t, sc.Override)
	assert.Equal(t, TierWarn, sc.Effective().Tier())
}

func TestService_Flagged(t *testing.T) {
	f := newFixture(t)
	// Household: three wallets on one device.
	for _, w := range []string{walletA, walletB, walletC} {
		record(t, f.prints, w, "ip-home", withToken("tok-home"))
	}
	// Farm: five wallets on one device, one of them verified.
	farm := []string{otherWallet(10), otherWallet(11), otherWallet(12), otherWallet(13), otherWallet(14)}
	for _, w := range farm {
		record(t, f.prints, w, "ip-farm", withToken("tok-farm"))
	}
	f.identity.Set(farm[0], identity.Status{Verified: true})
	// Loner with only weak signals.
	record(t, f.prints, walletE, "ip-solo", withDevice("", "UTC", "en", "Linux"))
	ctx := context.Background()

	all, err := f.svc.Flagged(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 8)
	byAddr := map[string]*FlaggedWallet{}
	for _, fw := range all {
		byAddr[fw.Address] = fw
		assert.Equal(t, 4.0, fw.ClusteringScore)
	}
	assert.Equal(t, ExemptSmallCluster, byAddr[walletA].Exemption.ExemptReason)
	assert.Equal(t, 3, byAddr[walletA].Exemption.ClusterSize)
	assert.Equal(t, ExemptVerified, byAddr[farm[0]].Exemption.ExemptReason)
	assert.Equal(t, ExemptNone, byAddr[farm[1]].Exemption.ExemptReason)
	assert.NotContains(t, byAddr, walletE)

	public, err := f.svc.Flagged(ctx, true)
	require.NoError(t, err)
	require.Len(t, public, 4)
	for _, fw := range public {
		assert.Contains(t, farm[1:], fw.Address)
		assert.False(t, fw.Exemption.IsExempt)
	}
}

func TestService_FlaggedIdentityUnavailable(t *testing.T) {
	f := newFixture(t)
	farm := []string{otherWallet(20), otherWallet(21), otherWallet(22), otherWallet(23)}
	for _, w := range farm {
		record(t, f.prints, w, "ip-farm", withToken("tok-farm"))
	}
	f.identity.FailWith(identity.ErrUnavailable)
	ctx := context.Background()

	all, err := f.svc.Flagged(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 4)
	for _, fw := range all {
		assert.True(t, fw.IdentityUnavailable)
		assert.Equal(t, ExemptNone, fw.Exemption.ExemptReason)
	}

	public, err := f.svc.Flagged(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, public)
}

func TestService_Fingerprint(t *testing.T) {
	f := newFixture(t)
	f.seedPair(t)
	ctx := context.Background()

	report, err := f.svc.Fingerprint(ctx, walletA)
	require.NoError(t, err)
	assert.True(t, report.HasData)
	assert.Equal(t, "ip-shared", report.Fingerprint.IPHash)
	assert.Equal(t, []string{walletB}, report.MatchingWallets)
	assert.Equal(t, 4.0, report.ClusteringScore)
	assert.True(t, report.Flagged)
	require.NotNil(t, report.Exemption)
	assert.Equal(t, ExemptSmallCluster, report.Exemption.ExemptReason)
	require.NotNil(t, report.Score)
	assert.Equal(t, 35.0, report.Score.Score)

	stored, err := f.scores.Get(ctx, walletA)
	require.NoError(t, err)
	assert.Equal(t, report.Score.Version, stored.Version)

	empty, err := f.svc.Fingerprint(ctx, walletD)
	require.NoError(t, err)
	assert.False(t, empty.HasData)
	assert.Nil(t, empty.Score)
	assert.NotNil(t, empty.MatchingWallets)
}

func TestService_PreviewFingerprintStoresNothing(t *testing.T) {
	f := newFixture(t)
	f.seedPair(t)
	ctx := context.Background()

	report, err := f.svc.PreviewFingerprint(ctx, walletA)
	require.NoError(t, err)
	assert.True(t, report.Preview)
	require.NotNil(t, report.Score)
	assert.Equal(t, 35.0, report.Score.Score)
	assert.Equal(t, TierWarn, report.Score.Tier)

	_, err = f.scores.Get(ctx, walletA)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, f.events.count(realtime.EventScoreUpdated))

	// An existing override and version are reported, not changed.
	_, err = f.svc.SetOverride(operatorCtx("frank"), []string{walletA}, "limit", "review")
	require.NoError(t, err)
	before, err := f.scores.Get(ctx, walletA)
	require.NoError(t, err)

	report, err = f.svc.PreviewFingerprint(ctx, walletA)
	require.NoError(t, err)
	assert.Equal(t, TierLimit, report.Score.Effective().Tier())
	assert.Equal(t, before.Version, report.Score.Version)

	after, err := f.scores.Get(ctx, walletA)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)

	empty, err := f.svc.PreviewFingerprint(ctx, walletD)
	require.NoError(t, err)
	assert.False(t, empty.HasData)
	assert.False(t, empty.Preview)
}

func TestService_EffectiveTier(t *testing.T) {
	f := newFixture(t)
	f.seedPair(t)
	ctx := operatorCtx("erin")

	wt, err := f.svc.EffectiveTier(ctx, walletA)
	require.NoError(t, err)
	assert.True(t, wt.HasData)
	assert.Equal(t, TierWarn, wt.EffectiveTier)
	assert.Equal(t, 60, wt.XPMultiplier)
	assert.False(t, wt.Overridden)

	_, err = f.svc.SetOverride(ctx, []string{walletA}, "limit", "investigating")
	require.NoError(t, err)
	wt, err = f.svc.EffectiveTier(ctx, walletA)
	require.NoError(t, err)
	assert.Equal(t, TierWarn, wt.ComputedTier)
	assert.Equal(t, TierLimit, wt.EffectiveTier)
	assert.Equal(t, 20, wt.XPMultiplier)
	assert.True(t, wt.Overridden)

	none, err := f.svc.EffectiveTier(ctx, walletD)
	require.NoError(t, err)
	assert.False(t, none.HasData)
}

func TestService_StaleBreakdownStillReads(t *testing.T) {
	f := newFixture(t)
	f.seedPair(t)
	ctx := context.Background()

	_, err := f.svc.Compute(ctx, walletA)
	require.NoError(t, err)
	f.scores.putRawBreakdown(walletA, []byte(`{"same_ip": 10}`))

	sc, err := f.svc.Get(ctx, walletA)
	require.NoError(t, err)
	assert.True(t, sc.BreakdownStale)
	assert.Empty(t, sc.Breakdown.Signals)
	assert.Equal(t, 35.0, sc.Score)

	list, err := f.svc.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].BreakdownStale)
}

func TestService_PurgeFingerprints(t *testing.T) {
	f := newFixture(t)
	f.seedPair(t)
	record(t, f.prints, walletA, "ip-other")
	ctx := operatorCtx("frank")

	n, err := f.svc.PurgeFingerprints(ctx, walletA)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = f.svc.Compute(ctx, walletA)
	assert.ErrorIs(t, err, ErrNoData)

	entries, err := f.svc.Audit(ctx, walletA, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, OpFingerprintPurge, entries[0].Operation)
	assert.Equal(t, "frank", entries[0].Actor)
	assert.Equal(t, 1, f.events.count(realtime.EventFingerprintPurged))
}

func TestService_AuditCarriesRequestID(t *testing.T) {
	f := newFixture(t)
	f.seedPair(t)
	ctx := logging.WithRequestID(operatorCtx("gina"), "req-123")

	_, err := f.svc.Recalculate(ctx, []string{walletA})
	require.NoError(t, err)

	entries, err := f.svc.Audit(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, OpRecalculate, entries[0].Operation)
	assert.Equal(t, "req-123", entries[0].RequestID)
	assert.Equal(t, string(TierWarn), entries[0].Tier)
}
