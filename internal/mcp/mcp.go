// Package mcp exposes the self-improvement loop over the Model Context
// Protocol. Operators inspect status, approve or reject pending diagnoses,
// trigger cycles and roll back actions through tools; every other tool
// registered on the same server is timed and recorded as an invocation.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kaizen/internal/model"
	"github.com/ashita-ai/kaizen/internal/ratelimit"
	"github.com/ashita-ai/kaizen/internal/service/manager"
	"github.com/ashita-ai/kaizen/internal/storage"
)

// controlToolPrefix marks the loop's own tools. They are not recorded as
// invocations so operating the loop never moves its metrics.
const controlToolPrefix = "self_improvement_"

// Recorder receives tool invocations from the middleware.
type Recorder interface {
	Record(inv model.Invocation) (model.Invocation, error)
}

// Server wraps the MCP server with the manager handle and the store.
type Server struct {
	mcpServer *mcpserver.MCPServer
	handle    *manager.Handle
	store     storage.Store
	recorder  Recorder
	limiter   ratelimit.Limiter
	reviews   *reviewTracker
	logger    *slog.Logger
}

// New creates an MCP server with the control tools, resources and prompts
// registered. recorder may be nil, in which case nothing is recorded.
func New(handle *manager.Handle, store storage.Store, recorder Recorder, limiter ratelimit.Limiter, logger *slog.Logger, version string) *Server {
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		handle:   handle,
		store:    store,
		recorder: recorder,
		limiter:  limiter,
		reviews:  newReviewTracker(30 * time.Minute),
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kaizen",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithToolHandlerMiddleware(s.recordInvocations),
		mcpserver.WithRecovery(),
		mcpserver.WithInstructions("Kaizen watches tool invocations, diagnoses regressions and proposes configuration changes. "+
			"Review proposals with self_improvement_pending before approving them."),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup and
// for registering additional tools.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// recordInvocations times every non-control tool call and hands it to the
// recorder. A tool result with IsError counts as a failure.
func (s *Server) recordInvocations(next mcpserver.ToolHandlerFunc) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		name := request.Params.Name
		if s.recorder == nil || strings.HasPrefix(name, controlToolPrefix) {
			return next(ctx, request)
		}

		start := time.Now()
		result, err := next(ctx, request)
		inv := model.Invocation{
			ToolName:  name,
			LatencyMs: time.Since(start).Milliseconds(),
			Success:   err == nil && (result == nil || !result.IsError),
		}
		if _, recErr := s.recorder.Record(inv); recErr != nil {
			s.logger.Warn("mcp: invocation not recorded", "tool", name, "error", recErr)
		}
		return result, err
	}
}

// callerKey identifies the caller for rate limiting and review tracking.
func callerKey(ctx context.Context) string {
	if session := mcpserver.ClientSessionFromContext(ctx); session != nil && session.SessionID() != "" {
		return "session:" + session.SessionID()
	}
	return "local"
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("failed to encode result: " + err.Error())
	}
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
