package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/sybilguard/internal/validation"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleGetWalletFingerprint shows a wallet's fingerprint report.
func (h *Handlers) HandleGetWalletFingerprint(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address, errResult := requireAddress(req)
	if errResult != nil {
		return errResult, nil
	}

	raw, err := h.client.GetFingerprint(ctx, address)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get fingerprint: %v", err)), nil
	}

	text, err := formatFingerprint(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse fingerprint: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetWalletTier shows a wallet's effective tier.
func (h *Handlers) HandleGetWalletTier(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address, errResult := requireAddress(req)
	if errResult != nil {
		return errResult, nil
	}

	raw, err := h.client.GetWalletTier(ctx, address)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get wallet tier: %v", err)), nil
	}

	text, err := formatWalletTier(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse wallet tier: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListFlaggedWallets lists flagged wallets.
func (h *Handlers) HandleListFlaggedWallets(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListFlagged(ctx, req.GetBool("public_only", false))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list flagged wallets: %v", err)), nil
	}

	text, err := formatFlagged(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse flagged wallets: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListIPClusters lists shared IP hashes.
func (h *Handlers) HandleListIPClusters(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListIPClusters(ctx, req.GetInt("min_wallets", 0))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list IP clusters: %v", err)), nil
	}

	text, err := formatClusters(raw, "IP hash")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse clusters: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListDeviceClusters lists shared device tokens.
func (h *Handlers) HandleListDeviceClusters(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListDeviceClusters(ctx, req.GetInt("min_wallets", 0))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list device clusters: %v", err)), nil
	}

	text, err := formatClusters(raw, "Device token")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse clusters: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListScores lists persisted scores.
func (h *Handlers) HandleListScores(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListScores(ctx, req.GetInt("limit", 0))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list scores: %v", err)), nil
	}

	text, err := formatScores(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse scores: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetAuditLog lists override audit entries.
func (h *Handlers) HandleGetAuditLog(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := strings.TrimSpace(req.GetString("address", ""))
	if address != "" && !validation.IsValidWalletAddress(address) {
		return mcp.NewToolResultError("address must be 0x followed by 40 hex characters"), nil
	}

	raw, err := h.client.ListAudit(ctx, address, req.GetInt("limit", 0))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get audit log: %v", err)), nil
	}

	text, err := formatAudit(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse audit log: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

func requireAddress(req mcp.CallToolRequest) (string, *mcp.CallToolResult) {
	address := strings.TrimSpace(req.GetString("address", ""))
	if address == "" {
		return "", mcp.NewToolResultError("address is required")
	}
	if !validation.IsValidWalletAddress(address) {
		return "", mcp.NewToolResultError("address must be 0x followed by 40 hex characters")
	}
	return address, nil
}

// --- Formatting helpers ---

type signalMatch struct {
	Kind    string   `json:"kind"`
	Weight  float64  `json:"weight"`
	Matched bool     `json:"matched"`
	Wallets []string `json:"wallets"`
}

type exemption struct {
	IsExempt     bool   `json:"isExempt"`
	ExemptReason string `json:"exemptReason"`
	ClusterSize  int    `json:"clusterSize"`
}

type contribution struct {
	Name   string  `json:"name"`
	Points float64 `json:"points"`
}

type scoreView struct {
	WalletAddress  string         `json:"walletAddress"`
	Score          float64        `json:"score"`
	Tier           string         `json:"tier"`
	Signals        []contribution `json:"signalBreakdown"`
	TrustOffsets   []contribution `json:"trustOffsets"`
	ReasonCodes    []string       `json:"reasonCodes"`
	BreakdownStale bool           `json:"breakdownStale"`
	ManualOverride bool           `json:"manualOverride"`
	ManualTier     *string        `json:"manualTier"`
	ManualReason   *string        `json:"manualReason"`
	ManualActor    *string        `json:"manualActor"`
	EffectiveTier  string         `json:"effectiveTier"`
	EffectiveXP    int            `json:"effectiveXp"`
}

func formatFingerprint(raw json.RawMessage) (string, error) {
	var r struct {
		Address     string `json:"address"`
		HasData     bool   `json:"hasData"`
		Fingerprint *struct {
			IPHash    string `json:"ipHash"`
			UserAgent string `json:"userAgent"`
			Platform  string `json:"platform"`
			CreatedAt string `json:"createdAt"`
		} `json:"fingerprint"`
		Signals         []signalMatch `json:"signals"`
		ClusteringScore float64       `json:"clusteringScore"`
		Flagged         bool          `json:"flagged"`
		MatchingWallets []string      `json:"matchingWallets"`
		Exemption       *exemption    `json:"exemption"`
		Score           *scoreView    `json:"score"`
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return "", err
	}
	if !r.HasData {
		return fmt.Sprintf("No fingerprint data recorded for %s.", r.Address), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Wallet %s\n", r.Address)
	if fp := r.Fingerprint; fp != nil {
		fmt.Fprintf(&sb, "  Latest session: %s (IP hash %s, %s)\n", fp.CreatedAt, fp.IPHash, fp.Platform)
	}
	fmt.Fprintf(&sb, "  Clustering score: %.1f", r.ClusteringScore)
	if r.Flagged {
		sb.WriteString(" (flagged)")
	}
	sb.WriteString("\n")

	for _, m := range r.Signals {
		if m.Matched {
			fmt.Fprintf(&sb, "  - %s shared with %d wallet(s)\n", m.Kind, len(m.Wallets))
		}
	}
	if r.Exemption != nil && r.Exemption.IsExempt {
		fmt.Fprintf(&sb, "  Exempt: %s (cluster of %d)\n", r.Exemption.ExemptReason, r.Exemption.ClusterSize)
	}
	if sc := r.Score; sc != nil {
		writeScore(&sb, sc)
	}
	return sb.String(), nil
}

func writeScore(sb *strings.Builder, sc *scoreView) {
	fmt.Fprintf(sb, "  Risk score: %.1f, computed tier %s, effective tier %s (XP %d)\n",
		sc.Score, sc.Tier, sc.EffectiveTier, sc.EffectiveXP)
	if sc.ManualOverride && sc.ManualTier != nil {
		reason, actor := "", ""
		if sc.ManualReason != nil {
			reason = *sc.ManualReason
		}
		if sc.ManualActor != nil {
			actor = *sc.ManualActor
		}
		fmt.Fprintf(sb, "  Manual override: %s by %s (%s)\n", *sc.ManualTier, actor, reason)
	}
	if sc.BreakdownStale {
		sb.WriteString("  Breakdown is stale, recalculate to refresh it\n")
	}
	for _, code := range sc.ReasonCodes {
		fmt.Fprintf(sb, "  * %s\n", code)
	}
}

func formatWalletTier(raw json.RawMessage) (string, error) {
	var t struct {
		Address       string  `json:"address"`
		HasData       bool    `json:"hasData"`
		Score         float64 `json:"score"`
		ComputedTier  string  `json:"computedTier"`
		EffectiveTier string  `json:"effectiveTier"`
		Overridden    bool    `json:"overridden"`
		XPMultiplier  int     `json:"xpMultiplier"`
	}
	if err := json.Unmarshal(raw, &t); err != nil {
		return "", err
	}
	if !t.HasData {
		return fmt.Sprintf("No fingerprint data recorded for %s.", t.Address), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Wallet %s\n", t.Address)
	fmt.Fprintf(&sb, "  Effective tier: %s (XP %d)\n", t.EffectiveTier, t.XPMultiplier)
	fmt.Fprintf(&sb, "  Computed tier: %s (score %.1f)\n", t.ComputedTier, t.Score)
	if t.Overridden {
		sb.WriteString("  Tier is set by a manual override\n")
	}
	return sb.String(), nil
}

func formatFlagged(raw json.RawMessage) (string, error) {
	var resp struct {
		Wallets []struct {
			Address             string        `json:"address"`
			ClusteringScore     float64       `json:"clusteringScore"`
			Signals             []signalMatch `json:"signals"`
			MatchingWallets     []string      `json:"matchingWallets"`
			Exemption           exemption     `json:"exemption"`
			IdentityUnavailable bool          `json:"identityUnavailable"`
		} `json:"wallets"`
		Public bool `json:"public"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Wallets) == 0 {
		return "No flagged wallets.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d flagged wallet(s):\n\n", len(resp.Wallets))
	for i, w := range resp.Wallets {
		kinds := make([]string, 0, len(w.Signals))
		for _, s := range w.Signals {
			kinds = append(kinds, s.Kind)
		}
		fmt.Fprintf(&sb, "%d. %s  score %.1f\n", i+1, w.Address, w.ClusteringScore)
		fmt.Fprintf(&sb, "   Signals: %s | Matches: %d wallet(s)\n", strings.Join(kinds, ", "), len(w.MatchingWallets))
		switch {
		case w.IdentityUnavailable:
			sb.WriteString("   Identity lookup failed, exemption unknown\n")
		case w.Exemption.IsExempt:
			fmt.Fprintf(&sb, "   Exempt: %s\n", w.Exemption.ExemptReason)
		}
	}
	return sb.String(), nil
}

func formatClusters(raw json.RawMessage, label string) (string, error) {
	var resp struct {
		Clusters []struct {
			Identifier string   `json:"identifier"`
			Wallets    []string `json:"wallets"`
			EventCount int      `json:"eventCount"`
			LastSeen   string   `json:"lastSeen"`
		} `json:"clusters"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Clusters) == 0 {
		return "No clusters found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d cluster(s):\n\n", len(resp.Clusters))
	for i, c := range resp.Clusters {
		fmt.Fprintf(&sb, "%d. %s %s: %d wallet(s), %d event(s), last seen %s\n",
			i+1, label, c.Identifier, len(c.Wallets), c.EventCount, c.LastSeen)
		fmt.Fprintf(&sb, "   %s\n", strings.Join(c.Wallets, ", "))
	}
	return sb.String(), nil
}

func formatScores(raw json.RawMessage) (string, error) {
	var resp struct {
		Scores []scoreView `json:"scores"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Scores) == 0 {
		return "No scores recorded yet.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d score(s):\n\n", len(resp.Scores))
	for i, sc := range resp.Scores {
		fmt.Fprintf(&sb, "%d. %s  %.1f  %s", i+1, sc.WalletAddress, sc.Score, sc.EffectiveTier)
		if sc.ManualOverride {
			sb.WriteString(" (override)")
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func formatAudit(raw json.RawMessage) (string, error) {
	var resp struct {
		Entries []struct {
			WalletAddress string `json:"walletAddress"`
			Operation     string `json:"operation"`
			Actor         string `json:"actor"`
			Tier          string `json:"tier"`
			Reason        string `json:"reason"`
			CreatedAt     string `json:"createdAt"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Entries) == 0 {
		return "No audit entries.", nil
	}

	var sb strings.Builder
	for _, e := range resp.Entries {
		fmt.Fprintf(&sb, "%s  %s  %s by %s", e.CreatedAt, e.WalletAddress, e.Operation, e.Actor)
		if e.Tier != "" {
			fmt.Fprintf(&sb, " -> %s", e.Tier)
		}
		if e.Reason != "" {
			fmt.Fprintf(&sb, " (%s)", e.Reason)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}
