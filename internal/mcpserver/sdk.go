package mcpserver

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// SDKServer exports the server's tool table as a real MCP server from the
// official Go SDK, so any MCP-speaking client (an editor, an agent harness)
// can drive the orchestration core over the standard protocol. Every call
// still funnels through CallTool, so the capability firewall, approval gate,
// and audit log apply on this path exactly as on the plain JSON-RPC one.
//
// runID names the worker session all calls arriving over this transport are
// attributed to: an MCP stdio connection is one session, and the wire
// protocol itself carries no caller identity.
func (s *Server) SDKServer(runID string) *mcp.Server {
	m := mcp.NewServer(&mcp.Implementation{Name: "orchestra-core", Version: "0.1.0"}, nil)
	for _, t := range s.ListTools() {
		tool := t
		mcp.AddTool(m, &mcp.Tool{Name: tool.Name, Description: tool.Description},
			func(ctx context.Context, req *mcp.CallToolRequest, input map[string]any) (*mcp.CallToolResult, any, error) {
				out, err := s.CallTool(ctx, runID, tool.Name, input)
				if err != nil {
					return nil, nil, err
				}
				return nil, out, nil
			})
	}
	return m
}

// RunStdio serves the tool table over MCP on stdin/stdout until ctx is done
// or the client disconnects.
func RunStdio(ctx context.Context, s *Server, runID string) error {
	return s.SDKServer(runID).Run(ctx, &mcp.StdioTransport{})
}
