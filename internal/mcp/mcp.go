// Package mcp implements the Model Context Protocol server for Bunrui.
//
// It exposes the run-classification query surface as MCP tools so
// MCP-compatible AI agents can look up runs, page through classified runs,
// and inspect the tool-type registry without speaking the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/bunrui/internal/model"
	"github.com/ashita-ai/bunrui/internal/storage"
	"github.com/ashita-ai/bunrui/internal/tooltype"
)

// Server wraps the MCP server with Bunrui's storage and registry.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        *storage.DB
	registry  *tooltype.Registry
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all tools registered.
func New(db *storage.DB, registry *tooltype.Registry, logger *slog.Logger, version string) *Server {
	s := &Server{
		db:       db,
		registry: registry,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"bunrui",
		version,
		mcpserver.WithToolCapabilities(true),
	)

	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	// bunrui_get_run — fetch one run with its dispatch annotations.
	s.mcpServer.AddTool(
		mcplib.NewTool("bunrui_get_run",
			mcplib.WithDescription("Fetch one application run by ID, including its tool-type classification, status, and dispatch outcomes."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("run_id",
				mcplib.Description("The run's UUID"),
				mcplib.Required(),
			),
		),
		s.handleGetRun,
	)

	// bunrui_list_runs — cursor-paged listing by classification.
	s.mcpServer.AddTool(
		mcplib.NewTool("bunrui_list_runs",
			mcplib.WithDescription("List runs with a given tool-type classification code, oldest first. Returns a next_cursor to continue; pass it back to resume the listing."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithNumber("tool_type",
				mcplib.Description("Classification code (0 = regular app, 1 = agent generator, 2 = skill generator, 3 = round-table summary, 4 = round-table target data; deployments may add more)"),
				mcplib.Required(),
				mcplib.Min(0),
			),
			mcplib.WithString("cursor",
				mcplib.Description("Opaque cursor from a previous call; omit to start from the beginning"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of runs to return"),
				mcplib.Min(1),
				mcplib.Max(500),
				mcplib.DefaultNumber(50),
			),
		),
		s.handleListRuns,
	)

	// bunrui_tool_types — the classification registry of this deployment.
	s.mcpServer.AddTool(
		mcplib.NewTool("bunrui_tool_types",
			mcplib.WithDescription("List the tool-type classification codes this deployment knows, with their dispatch targets."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
		),
		s.handleToolTypes,
	)
}

func (s *Server) handleGetRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	rawID := request.GetString("run_id", "")
	runID, err := uuid.Parse(rawID)
	if err != nil {
		return errorResult(fmt.Sprintf("invalid run_id %q", rawID)), nil
	}

	run, err := s.db.GetRun(ctx, runID)
	if err != nil {
		return errorResult(fmt.Sprintf("get run failed: %v", err)), nil
	}

	resp := model.RunResponse{RunRecord: run}
	if entries, err := s.db.ListDispatchEntries(ctx, runID); err == nil {
		resp.Dispatch = entries
	}

	return jsonResult(resp), nil
}

func (s *Server) handleListRuns(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	code := request.GetInt("tool_type", -1)
	if code < 0 {
		return errorResult("tool_type is required and must be non-negative"), nil
	}

	cursor, err := model.DecodeCursor(request.GetString("cursor", ""))
	if err != nil {
		return errorResult("malformed cursor"), nil
	}
	limit := request.GetInt("limit", 50)

	runs, next, err := s.db.ListRunsByToolType(ctx, code, cursor, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("list runs failed: %v", err)), nil
	}

	resp := map[string]any{"runs": runs}
	if !next.IsZero() {
		resp["next_cursor"] = next.Encode()
	}
	return jsonResult(resp), nil
}

func (s *Server) handleToolTypes(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return jsonResult(s.registry.All()), nil
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, _ := json.MarshalIndent(v, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
