package mcp

import (
	"context"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kaizen/internal/service/manager"
)

const maxHistoryLimit = 100

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("self_improvement_status",
			mcplib.WithDescription(`Report the state of the self-improvement loop.

WHAT YOU GET BACK:
- running: whether the manager loop is accepting commands
- cycles: cycle and action counters since start
- circuit_breaker: closed, open or half_open, with consecutive failures
- pending_diagnoses: how many proposals wait for approval
- learning: reward statistics per action type
- last_cycle: outcome of the most recent cycle`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleStatus,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("self_improvement_pending",
			mcplib.WithDescription(`List diagnoses waiting for approval, oldest first.

Each entry carries the triggering metric, the suspected cause and the
suggested action with its rationale. Read this before calling
self_improvement_approve.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum diagnoses to return. 0 returns all."),
				mcplib.Min(0),
				mcplib.DefaultNumber(0),
			),
		),
		s.handlePending,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("self_improvement_trigger",
			mcplib.WithDescription(`Run a self-improvement cycle now instead of waiting for the next tick.

The cycle still honors the circuit breaker. Manual triggers are rate limited.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
		),
		s.handleTrigger,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("self_improvement_approve",
			mcplib.WithDescription(`Approve a pending diagnosis. Its suggested action is applied, measured and learned from.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("diagnosis_id",
				mcplib.Description("ID of the pending diagnosis, from self_improvement_pending"),
				mcplib.Required(),
			),
		),
		s.handleApprove,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("self_improvement_reject",
			mcplib.WithDescription(`Log a rejection of a pending diagnosis with its reason. The diagnosis stays pending.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("diagnosis_id",
				mcplib.Description("ID of the pending diagnosis"),
				mcplib.Required(),
			),
			mcplib.WithString("reason",
				mcplib.Description("Why the proposal was rejected"),
			),
		),
		s.handleReject,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("self_improvement_rollback",
			mcplib.WithDescription(`Reverse an executed action, restoring the configuration it replaced.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("action_id",
				mcplib.Description("ID of the executed action"),
				mcplib.Required(),
			),
		),
		s.handleRollback,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("self_improvement_history",
			mcplib.WithDescription(`Show recent actions and the learnings recorded for them, newest first.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum actions to return"),
				mcplib.Min(1),
				mcplib.Max(maxHistoryLimit),
				mcplib.DefaultNumber(10),
			),
		),
		s.handleHistory,
	)
}

func (s *Server) handleStatus(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return jsonResult(s.handle.Status(ctx)), nil
}

func (s *Server) handlePending(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	limit := request.GetInt("limit", 0)
	pending, err := s.handle.PendingDiagnoses(ctx, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to list pending diagnoses: %v", err)), nil
	}

	caller := callerKey(ctx)
	out := make([]map[string]any, 0, len(pending))
	for _, p := range pending {
		s.reviews.Record(caller, p.ID)
		out = append(out, compactPending(p))
	}
	return jsonResult(map[string]any{
		"diagnoses": out,
		"total":     len(out),
	}), nil
}

func (s *Server) handleTrigger(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	caller := callerKey(ctx)
	allowed, err := s.limiter.Allow(ctx, "trigger:"+caller)
	if err != nil {
		s.logger.Warn("mcp: rate limiter failed, allowing trigger", "error", err)
		allowed = true
	}
	if !allowed {
		return errorResult("rate limited: too many manual cycle triggers, try again later"), nil
	}

	res, err := s.handle.TriggerCycle(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to run cycle: %v", err)), nil
	}
	return jsonResult(compactCycle(res)), nil
}

func (s *Server) handleApprove(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := request.RequireString("diagnosis_id")
	if err != nil || id == "" {
		return errorResult("diagnosis_id is required"), nil
	}

	out, err := s.handle.Approve(ctx, id)
	if err != nil {
		return errorResult(commandError("approve", err)), nil
	}

	result := jsonResult(out)
	if !s.reviews.WasReviewed(callerKey(ctx), id) {
		result.Content = append(result.Content, mcplib.TextContent{
			Type: "text",
			Text: "NOTE: diagnosis " + id + " was approved without being listed by self_improvement_pending first. " +
				"Review the suggested action and its rationale before approving.",
		})
	}
	return result, nil
}

func (s *Server) handleReject(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := request.RequireString("diagnosis_id")
	if err != nil || id == "" {
		return errorResult("diagnosis_id is required"), nil
	}
	reason := request.GetString("reason", "")

	if err := s.handle.Reject(ctx, id, reason); err != nil {
		return errorResult(commandError("reject", err)), nil
	}
	return jsonResult(map[string]any{
		"diagnosis_id": id,
		"status":       "rejection_logged",
		"note":         "the diagnosis stays pending and can still be approved",
	}), nil
}

func (s *Server) handleRollback(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := request.RequireString("action_id")
	if err != nil || id == "" {
		return errorResult("action_id is required"), nil
	}

	if err := s.handle.Rollback(ctx, id); err != nil {
		return errorResult(commandError("roll back", err)), nil
	}
	return jsonResult(map[string]any{
		"action_id": id,
		"status":    "rolled_back",
	}), nil
}

func (s *Server) handleHistory(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.store == nil {
		return errorResult("history is unavailable: no store configured"), nil
	}
	limit := min(max(request.GetInt("limit", 10), 1), maxHistoryLimit)

	actions, err := s.store.ListRecentActions(ctx, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to list actions: %v", err)), nil
	}

	entries := make([]map[string]any, 0, len(actions))
	for _, a := range actions {
		entry := compactAction(a)
		learnings, err := s.store.ListLearningsByAction(ctx, a.ID)
		if err != nil {
			s.logger.Warn("mcp: list learnings failed", "action_id", a.ID, "error", err)
		}
		if len(learnings) > 0 {
			ls := make([]map[string]any, 0, len(learnings))
			for _, l := range learnings {
				ls = append(ls, compactLearning(l))
			}
			entry["learnings"] = ls
		}
		if note := actionNote(a, learnings); note != "" {
			entry["note"] = note
		}
		entries = append(entries, entry)
	}

	return jsonResult(map[string]any{
		"actions": entries,
		"total":   len(entries),
	}), nil
}

// commandError phrases a manager error for the caller. A stopped manager
// gets a hint rather than the raw sentinel.
func commandError(verb string, err error) string {
	switch {
	case errors.Is(err, manager.ErrNotRunning), errors.Is(err, manager.ErrDisconnected):
		return fmt.Sprintf("failed to %s: %v (the self-improvement loop is disabled or shutting down)", verb, err)
	default:
		return fmt.Sprintf("failed to %s: %v", verb, err)
	}
}
