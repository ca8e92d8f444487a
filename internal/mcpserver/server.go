// Package mcpserver exposes the escrow service as MCP tools, so LLM
// agents can fund, track, and settle escrows over stdio.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/Blazingkevin/trustless-escrow/pkg/escrowclient"
)

// Config points the MCP server at one escrow service. The API key's
// account acts as the caller for every tool.
type Config struct {
	APIURL string
	APIKey string
}

// NewMCPServer creates a configured MCP server with every escrow tool
// registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("trustless-escrow", "1.0.0")
	h := NewHandlers(escrowclient.New(cfg.APIURL, cfg.APIKey))

	s.AddTool(ToolEscrowCreate, h.HandleEscrowCreate)
	s.AddTool(ToolEscrowCreateMilestones, h.HandleEscrowCreateMilestones)
	s.AddTool(ToolEscrowStatus, h.HandleEscrowStatus)
	s.AddTool(ToolEscrowRelease, h.HandleEscrowRelease)
	s.AddTool(ToolEscrowRefund, h.HandleEscrowRefund)
	s.AddTool(ToolMilestoneComplete, h.HandleMilestoneComplete)
	s.AddTool(ToolMilestoneRelease, h.HandleMilestoneRelease)
	s.AddTool(ToolDisputeRaise, h.HandleDisputeRaise)
	s.AddTool(ToolDisputeResolve, h.HandleDisputeResolve)
	s.AddTool(ToolDeadlineExtend, h.HandleDeadlineExtend)
	s.AddTool(ToolEscrowClaim, h.HandleEscrowClaim)
	s.AddTool(ToolTreasuryBalance, h.HandleTreasuryBalance)

	return s
}
