package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// review-pending walks an operator through approving or rejecting queued proposals.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("review-pending",
			mcplib.WithPromptDescription("Review diagnoses waiting for approval and decide on each"),
		),
		s.handleReviewPendingPrompt,
	)

	// assess-action checks whether an executed action helped.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("assess-action",
			mcplib.WithPromptDescription("Decide whether an executed action should be kept or rolled back"),
			mcplib.WithArgument("action_id",
				mcplib.ArgumentDescription("ID of the executed action"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleAssessActionPrompt,
	)
}

func (s *Server) handleReviewPendingPrompt(_ context.Context, _ mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Review pending self-improvement proposals",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `Review the self-improvement proposals waiting for approval.

1. CALL self_improvement_status to see the circuit breaker state and recent cycle outcomes.
   If the breaker is open, recent changes have been failing. Be conservative.

2. CALL self_improvement_pending to list the proposals.

3. For each proposal, weigh:
   - the triggering metric and how far it is from baseline
   - whether the suspected cause explains the trigger
   - whether the suggested change is small and reversible
   - what self_improvement_history shows about similar changes

4. CALL self_improvement_approve for proposals worth trying, or
   self_improvement_reject with a reason for the rest.

Approved changes are measured after they are applied. A change that makes
things worse can be reversed with self_improvement_rollback.`,
				},
			},
		},
	}, nil
}

func (s *Server) handleAssessActionPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	actionID := request.Params.Arguments["action_id"]
	if actionID == "" {
		return nil, fmt.Errorf("action_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Assess action %s", actionID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Decide whether action %s should stay in effect.

1. READ the resource %s%s. It holds the action, the metrics measured before
   and after it ran, and the learnings recorded for it.

2. Compare error rate, p95 latency and quality before and after. A negative
   reward means the combined metrics got worse.

3. If the change regressed things and no other action has since touched the
   same setting, CALL self_improvement_rollback with action_id="%s".
   Otherwise keep it and say why.`, actionID, actionURIPrefix, actionID, actionID),
				},
			},
		},
	}, nil
}
