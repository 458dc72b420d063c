package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all scoring tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("altscore", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolComputeScore, h.HandleComputeScore)
	s.AddTool(ToolSimulateScore, h.HandleSimulateScore)
	s.AddTool(ToolScoreTrend, h.HandleScoreTrend)
	s.AddTool(ToolListModels, h.HandleListModels)
	s.AddTool(ToolStartScoreRun, h.HandleStartScoreRun)
	s.AddTool(ToolGetScoreRun, h.HandleGetScoreRun)

	return s
}
