package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all Swiftline operator tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("swiftline-escrow", version)
	client := NewEscrowClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolGetTransaction, h.HandleGetTransaction)
	s.AddTool(ToolGetAuditTrail, h.HandleGetAuditTrail)
	s.AddTool(ToolPollPayment, h.HandlePollPayment)
	s.AddTool(ToolResolveDispute, h.HandleResolveDispute)
	s.AddTool(ToolListPayouts, h.HandleListPayouts)
	s.AddTool(ToolRetryPayout, h.HandleRetryPayout)

	return s
}
