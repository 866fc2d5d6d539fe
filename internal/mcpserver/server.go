package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all registry tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("phraseclaim", version)
	h := NewHandlers(NewRegistryClient(cfg))

	s.AddTool(ToolGetItem, h.HandleGetItem)
	s.AddTool(ToolDeriveKey, h.HandleDeriveKey)
	s.AddTool(ToolListEvents, h.HandleListEvents)
	s.AddTool(ToolCheckClaimToken, h.HandleCheckClaimToken)
	s.AddTool(ToolGetAdmin, h.HandleGetAdmin)
	s.AddTool(ToolTransferItem, h.HandleTransferItem)
	s.AddTool(ToolFinalizeWithToken, h.HandleFinalizeWithToken)

	return s
}
