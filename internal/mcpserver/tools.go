package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the sybilguard MCP server. No tool sets overrides or
// touches fingerprint events. get_wallet_tier stores a first score for a
// wallet that has none, as the XP consumer's read does.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetWalletFingerprint = mcp.NewTool("get_wallet_fingerprint",
	mcp.WithDescription(
		"Inspect a wallet's latest device fingerprint, which signals it shares with other wallets, "+
			"and its sybil risk score. Shows the computed tier, any manual override, and the effective tier. "+
			"The score is a fresh preview and is not saved."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("Wallet address (0x followed by 40 hex characters)")),
)

var ToolGetWalletTier = mcp.NewTool("get_wallet_tier",
	mcp.WithDescription(
		"Get the effective risk tier (clear/warn/limit/block) and XP multiplier for a wallet. "+
			"Use this to answer what a wallet currently earns. A wallet that was never scored gets its first score stored."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("Wallet address (0x followed by 40 hex characters)")),
)

var ToolListFlaggedWallets = mcp.NewTool("list_flagged_wallets",
	mcp.WithDescription(
		"List wallets whose clustering score reaches the flag threshold, strongest first. "+
			"Each entry shows whether the wallet is exempt (identity verified or a small household cluster)."),
	mcp.WithBoolean("public_only",
		mcp.Description("Drop exempt wallets, matching the public flagged view")),
)

var ToolListIPClusters = mcp.NewTool("list_ip_clusters",
	mcp.WithDescription(
		"List IP hashes shared by several wallets, largest clusters first."),
	mcp.WithNumber("min_wallets",
		mcp.Description("Minimum number of wallets per cluster (default 2)")),
)

var ToolListDeviceClusters = mcp.NewTool("list_device_clusters",
	mcp.WithDescription(
		"List device tokens shared by several wallets, largest clusters first. "+
			"A shared device token is a strong sybil signal."),
	mcp.WithNumber("min_wallets",
		mcp.Description("Minimum number of wallets per cluster (default 2)")),
)

var ToolListScores = mcp.NewTool("list_scores",
	mcp.WithDescription(
		"List persisted sybil scores, most recently updated first."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of scores to return (default 50, max 500)")),
)

var ToolGetAuditLog = mcp.NewTool("get_audit_log",
	mcp.WithDescription(
		"Show who changed manual overrides and when, newest first."),
	mcp.WithString("address",
		mcp.Description("Only entries for this wallet")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of entries (default 100)")),
)
