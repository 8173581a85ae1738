package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients.
const Version = "0.3.0"

// NewMCPServer creates a configured MCP server with all Sentinel tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("sentinel", Version)
	h := NewHandlers(NewSentinelClient(cfg))

	s.AddTool(ToolScreenTransaction, h.HandleScreenTransaction)
	s.AddTool(ToolScreenWallets, h.HandleScreenWallets)
	s.AddTool(ToolGetCase, h.HandleGetCase)
	s.AddTool(ToolLabelCase, h.HandleLabelCase)
	s.AddTool(ToolListPlaybooks, h.HandleListPlaybooks)
	s.AddTool(ToolComplianceMetrics, h.HandleComplianceMetrics)
	s.AddTool(ToolVerifyReceipt, h.HandleVerifyReceipt)

	return s
}
