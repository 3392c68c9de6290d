// Package mcp exposes the daemon's sessions to MCP-speaking agents over
// stdio: listing sessions, reading recent output, and typing input. Each
// tool call dials the daemon the same way the CLI does.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/IvanRicoPrieto/CCRemote/internal/client"
)

type Server struct {
	port    int
	token   string
	version string
}

func NewServer(port int, token, version string) *Server {
	return &Server{port: port, token: token, version: version}
}

// Serve runs the stdio MCP server until the client hangs up.
func (s *Server) Serve() error {
	srv := server.NewMCPServer("ccremote", s.version)

	srv.AddTool(mcp.NewTool("list_sessions",
		mcp.WithDescription("List all terminal sessions with their state, project path and model."),
	), s.handleListSessions)

	srv.AddTool(mcp.NewTool("get_output",
		mcp.WithDescription("Read the recent terminal output of a session."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id, as returned by list_sessions.")),
		mcp.WithNumber("lines", mcp.Description("Number of rows to return. Default 120.")),
	), s.handleGetOutput)

	srv.AddTool(mcp.NewTool("send_input",
		mcp.WithDescription("Type text into a session followed by Enter."),
		mcp.WithString("session_id", mcp.Required()),
		mcp.WithString("input", mcp.Required(), mcp.Description("Text to type. A newline is appended.")),
	), s.handleSendInput)

	return server.ServeStdio(srv)
}

func (s *Server) dial(ctx context.Context) (*client.Client, error) {
	return client.Dial(ctx, s.port, s.token)
}

func (s *Server) handleListSessions(ctx context.Context, args mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, err := s.dial(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	defer c.Close()

	sessions, err := c.ListSessions(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleGetOutput(ctx context.Context, args mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := args.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	lines := args.GetInt("lines", 120)

	c, err := s.dial(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	defer c.Close()

	output, err := c.GetOutput(ctx, sessionID, lines)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(output), nil
}

func (s *Server) handleSendInput(ctx context.Context, args mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := args.GetString("session_id", "")
	input := args.GetString("input", "")
	if sessionID == "" || input == "" {
		return mcp.NewToolResultError("session_id and input are required"), nil
	}

	c, err := s.dial(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	defer c.Close()

	if err := c.SendInput(ctx, sessionID, input); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("input sent to session %s", sessionID)), nil
}
