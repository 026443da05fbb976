package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with the investigator tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("sybilguard", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolGetWalletFingerprint, h.HandleGetWalletFingerprint)
	s.AddTool(ToolGetWalletTier, h.HandleGetWalletTier)
	s.AddTool(ToolListFlaggedWallets, h.HandleListFlaggedWallets)
	s.AddTool(ToolListIPClusters, h.HandleListIPClusters)
	s.AddTool(ToolListDeviceClusters, h.HandleListDeviceClusters)
	s.AddTool(ToolListScores, h.HandleListScores)
	s.AddTool(ToolGetAuditLog, h.HandleGetAuditLog)

	return s
}
