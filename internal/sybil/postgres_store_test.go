package sybil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sybilguard/internal/testutil"
)

func TestPostgresStore_ComputedAndOverrideColumns(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	store := NewPostgresStore(db)

	_, err := store.SetOverride(ctx, walletA, Override{Tier: TierBlock, Reason: "x", Actor: "a", At: time.Now()})
	assert.ErrorIs(t, err, ErrNotFound)

	res := NewCalculator(fixedClock).Compute(Inputs{
		Signals: signalsWith(map[SignalKind]int{SignalSameIP: 1, SignalSameDeviceToken: 1}),
	})
	sc, err := store.SaveComputed(ctx, walletA, res)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sc.Version)
	assert.Equal(t, 35.0, sc.Score)
	assert.False(t, sc.BreakdownStale)
	assert.Len(t, sc.Breakdown.Signals, 2)

	sc, err = store.SetOverride(ctx, walletA, Override{Tier: TierBlock, Reason: "farm", Actor: "alice", At: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, int64(2), sc.Version)
	require.NotNil(t, sc.Override)
	assert.Equal(t, "alice", sc.Override.Actor)

	// A recompute leaves the override alone.
	sc, err = store.SaveComputed(ctx, walletA, Result{Score: 5, Tier: TierClear, XPMultiplier: 120, Breakdown: emptyBreakdown()})
	require.NoError(t, err)
	assert.Equal(t, TierClear, sc.Tier)
	require.NotNil(t, sc.Override)
	assert.Equal(t, TierBlock, sc.Effective().Tier())

	sc, err = store.ClearOverride(ctx, walletA)
	require.NoError(t, err)
	assert.Nil(t, sc.Override)
	assert.Equal(t, int64(4), sc.Version)

	list, err := store.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, TierClear, list[0].Effective().Tier())
}

func TestPostgresStore_StaleBreakdown(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	store := NewPostgresStore(db)

	_, err := store.SaveComputed(ctx, walletB, Result{Score: 40, Tier: TierWarn, XPMultiplier: 60, Breakdown: emptyBreakdown()})
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `UPDATE sybil_scores SET breakdown = '{"same_ip": 10}'::jsonb WHERE wallet_address = $1`, walletB)
	require.NoError(t, err)

	sc, err := store.Get(ctx, walletB)
	require.NoError(t, err)
	assert.True(t, sc.BreakdownStale)
	assert.Equal(t, 40.0, sc.Score)
}

func TestPostgresAuditLog(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	log := NewPostgresAuditLog(db)

	base := time.Now().Add(-time.Minute)
	require.NoError(t, log.Append(ctx, &AuditEntry{WalletAddress: walletA, Operation: OpOverrideSet, Actor: "alice", Tier: "block", Reason: "farm", CreatedAt: base}))
	require.NoError(t, log.Append(ctx, &AuditEntry{WalletAddress: walletB, Operation: OpRecalculate, Actor: "bob", CreatedAt: base.Add(time.Second)}))
	require.NoError(t, log.Append(ctx, &AuditEntry{WalletAddress: walletA, Operation: OpOverrideClear, Actor: "alice", RequestID: "req-1", CreatedAt: base.Add(2 * time.Second)}))

	all, err := log.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, OpOverrideClear, all[0].Operation)
	assert.Equal(t, "req-1", all[0].RequestID)

	forA, err := log.List(ctx, walletA, 1)
	require.NoError(t, err)
	require.Len(t, forA, 1)
	assert.Equal(t, OpOverrideClear, forA[0].Operation)
	assert.Empty(t, forA[0].Tier)
}
