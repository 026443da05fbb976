package sybil

import (
	"context"
	"fmt"

	"github.com/mbd888/sybilguard/internal/fingerprint"
)

// DefaultMinClusterSize is used when the caller passes no minimum.
const DefaultMinClusterSize = 2

// ClusterAnalyzer groups fingerprint events by shared strong identifiers.
// It keeps no state; every call reads the store fresh.
type ClusterAnalyzer struct {
	store fingerprint.Store
}

// NewClusterAnalyzer creates an analyzer over the fingerprint store.
func NewClusterAnalyzer(store fingerprint.Store) *ClusterAnalyzer {
	return &ClusterAnalyzer{store: store}
}

// IPClusters returns IP-hash groups with at least minWallets distinct wallets.
func (a *ClusterAnalyzer) IPClusters(ctx context.Context, minWallets int) ([]*fingerprint.Group, error) {
	return a.clusters(ctx, fingerprint.KindIPHash, minWallets)
}

// DeviceClusters returns device-token groups with at least minWallets distinct wallets.
func (a *ClusterAnalyzer) DeviceClusters(ctx context.Context, minWallets int) ([]*fingerprint.Group, error) {
	return a.clusters(ctx, fingerprint.KindDeviceToken, minWallets)
}

func (a *ClusterAnalyzer) clusters(ctx context.Context, kind fingerprint.IdentifierKind, minWallets int) ([]*fingerprint.Group, error) {
	if minWallets <= 0 {
		minWallets = DefaultMinClusterSize
	}
	groups, err := a.store.Groups(ctx, kind, minWallets)
	if err != nil {
		return nil, fmt.Errorf("failed to group by %s: %w", kind, err)
	}
	if groups == nil {
		groups = []*fingerprint.Group{}
	}
	return groups, nil
}
