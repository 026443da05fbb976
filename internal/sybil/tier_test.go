package sybil

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sybilguard/internal/realtime"
)

func TestTierOf_Boundaries(t *testing.T) {
	tests := []struct {
		score float64
		want  Tier
	}{
		{0, TierClear},
		{29.99, TierClear},
		{30, TierWarn},
		{59.99, TierWarn},
		{60, TierLimit},
		{79.99, TierLimit},
		{80, TierBlock},
		{100, TierBlock},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, TierOf(tc.score), "score %v", tc.score)
	}
}

func TestXPFor(t *testing.T) {
	assert.Equal(t, 120, XPFor(TierClear))
	assert.Equal(t, 60, XPFor(TierWarn))
	assert.Equal(t, 20, XPFor(TierLimit))
	assert.Equal(t, 0, XPFor(TierBlock))
	assert.Equal(t, 0, XPFor(Tier("bogus")))
}

func TestParseTier(t *testing.T) {
	got, err := ParseTier(" Block ")
	require.NoError(t, err)
	assert.Equal(t, TierBlock, got)

	_, err = ParseTier("severe")
	require.Error(t, err)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "tier", ve.Field)
}

func TestScore_Effective(t *testing.T) {
	sc := &Score{Tier: TierWarn}
	eff := sc.Effective()
	assert.False(t, eff.IsOverridden())
	assert.Equal(t, TierWarn, eff.Tier())
	assert.Equal(t, 60, sc.EffectiveXP())

	sc.Override = &Override{Tier: TierBlock, Reason: "confirmed farm", Actor: "alice"}
	eff = sc.Effective()
	assert.True(t, eff.IsOverridden())
	assert.Equal(t, TierBlock, eff.Tier())
	assert.Equal(t, 0, sc.EffectiveXP())

	ov, ok := eff.(Overridden)
	require.True(t, ok)
	assert.Equal(t, "alice", ov.Actor)

	var tagged realtime.Tiered = sc
	assert.Equal(t, "block", tagged.StreamTier())
}

func TestEvaluateExemption(t *testing.T) {
	tests := []struct {
		name     string
		verified bool
		size     int
		exempt   bool
		reason   ExemptReason
	}{
		{"verified in a big cluster", true, 12, true, ExemptVerified},
		{"verified wins over small cluster", true, 2, true, ExemptVerified},
		{"household", false, 3, true, ExemptSmallCluster},
		{"alone", false, 1, true, ExemptSmallCluster},
		{"farm", false, 4, false, ExemptNone},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := EvaluateExemption(tc.verified, tc.size)
			assert.Equal(t, tc.exempt, d.IsExempt)
			assert.Equal(t, tc.reason, d.ExemptReason)
			assert.Equal(t, tc.size, d.ClusterSize)
		})
	}
}

func TestDecodeBreakdown_Stale(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"malformed", "{not json"},
		{"legacy map", `{"same_ip": 10, "same_device_token": 25}`},
		{"future version", `{"version": 2, "signals": []}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b, err := DecodeBreakdown([]byte(tc.raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrStaleBreakdown))
			assert.Equal(t, BreakdownVersion, b.Version)
			assert.NotNil(t, b.Signals)
			assert.Empty(t, b.Signals)
		})
	}
}

func TestDecodeBreakdown_RoundTrip(t *testing.T) {
	in := Breakdown{
		Signals:      []Contribution{{Name: termSameIP, Points: 20}},
		TrustOffsets: []Contribution{{Name: termLiveness, Points: 10}},
		ReasonCodes:  []string{"IP hash shared with 2 other wallets", "Passed liveness challenge"},
	}
	raw, err := EncodeBreakdown(in)
	require.NoError(t, err)

	out, err := DecodeBreakdown(raw)
	require.NoError(t, err)
	assert.Equal(t, BreakdownVersion, out.Version)
	assert.Equal(t, 20.0, out.Risk())
	assert.Equal(t, 10.0, out.Trust())
	assert.Equal(t, in.ReasonCodes, out.ReasonCodes)
}

func TestScore_MarshalJSON(t *testing.T) {
	sc := &Score{WalletAddress: walletA, Score: 35, Tier: TierWarn, XPMultiplier: 60, Breakdown: emptyBreakdown(), Version: 1}

	raw, err := json.Marshal(sc)
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, false, m["manualOverride"])
	assert.Nil(t, m["manualTier"])
	assert.Nil(t, m["manualReason"])
	assert.Equal(t, "warn", m["effectiveTier"])
	assert.Equal(t, []interface{}{}, m["signalBreakdown"])

	sc.Override = &Override{Tier: TierBlock, Reason: "farm", Actor: "bob", At: time.Now()}
	raw, err = json.Marshal(sc)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, true, m["manualOverride"])
	assert.Equal(t, "block", m["manualTier"])
	assert.Equal(t, "warn", m["tier"])
	assert.Equal(t, "block", m["effectiveTier"])
	assert.Equal(t, float64(0), m["effectiveXp"])
}
