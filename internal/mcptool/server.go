// Package mcptool exposes trip planning as MCP tools so MCP clients
// can drive the orchestrator alongside the HTTP API.
package mcptool

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/itinera/itinera/internal/orchestrator"
	"github.com/itinera/itinera/internal/session"
)

const (
	toolPlan   = "trip.plan"
	toolStatus = "trip.status"
	toolCancel = "trip.cancel"
)

// Server wraps an mcp-go server with the trip planning tools.
type Server struct {
	server *server.MCPServer
	orch   *orchestrator.Orchestrator
	logger *slog.Logger
}

// New builds the MCP tool server.
func New(name, version string, orch *orchestrator.Orchestrator, logger *slog.Logger) *Server {
	mcpServer := server.NewMCPServer(
		name,
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	s := &Server{server: mcpServer, orch: orch, logger: logger}
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	planTool := mcp.NewTool(toolPlan,
		mcp.WithDescription("Plan a trip: fans the request out to the planning agents and waits for the assembled result"),
		mcp.WithString("destination",
			mcp.Required(),
			mcp.Description("Destination city"),
		),
		mcp.WithString("origin",
			mcp.Required(),
			mcp.Description("Origin city"),
		),
		mcp.WithString("travel_dates",
			mcp.Required(),
			mcp.Description("Comma-separated travel dates, YYYY-MM-DD"),
		),
		mcp.WithNumber("travelers_count",
			mcp.Description("Number of travelers (default 1)"),
		),
		mcp.WithString("budget_range",
			mcp.Description("budget, moderate, or luxury"),
		),
	)
	s.server.AddTool(planTool, s.handlePlan)

	statusTool := mcp.NewTool(toolStatus,
		mcp.WithDescription("Get the current state of a planning session"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session identifier returned by trip.plan"),
		),
	)
	s.server.AddTool(statusTool, s.handleStatus)

	cancelTool := mcp.NewTool(toolCancel,
		mcp.WithDescription("Cancel a running planning session"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session identifier to cancel"),
		),
	)
	s.server.AddTool(cancelTool, s.handleCancel)
}

func (s *Server) handlePlan(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	destination, err := request.RequireString("destination")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	origin, err := request.RequireString("origin")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	dates, err := request.RequireString("travel_dates")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	req := session.TripRequest{
		Destination:    destination,
		Origin:         origin,
		TravelDates:    splitDates(dates),
		TravelersCount: request.GetInt("travelers_count", 1),
		BudgetRange:    request.GetString("budget_range", ""),
	}
	if err := req.Validate(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	state, err := s.orch.Plan(ctx, req)
	if err != nil {
		s.logger.Error("Plan tool failed", "error", err)
		return mcp.NewToolResultError(err.Error()), nil
	}
	return stateResult(state)
}

func (s *Server) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	state, err := s.orch.Status(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return stateResult(state)
}

func (s *Server) handleCancel(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.orch.Cancel(ctx, id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(`{"session_id":"` + id + `","status":"cancelling"}`), nil
}

func stateResult(state *session.State) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func splitDates(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if d := strings.TrimSpace(part); d != "" {
			out = append(out, d)
		}
	}
	return out
}
