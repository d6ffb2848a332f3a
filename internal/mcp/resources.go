package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kaizen/internal/storage"
)

const (
	statusURI         = "kaizen://status"
	actionURIPrefix   = "kaizen://actions/"
	actionURITemplate = actionURIPrefix + "{id}"
)

func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			statusURI,
			"Self-Improvement Status",
			mcplib.WithResourceDescription("Latest published status of the self-improvement loop"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleStatusResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			actionURITemplate,
			"Action",
			mcplib.WithTemplateDescription("An executed action with its metric snapshots and learnings"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleActionResource,
	)
}

// handleStatusResource serves the last published status. It never waits on
// the manager, so reading it during a long cycle is cheap.
func (s *Server) handleStatusResource(_ context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(s.handle.LastStatus(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal status: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      statusURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleActionResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, err := parseActionURI(uri)
	if err != nil {
		return nil, err
	}
	if s.store == nil {
		return nil, fmt.Errorf("mcp: action %s: no store configured", id)
	}

	action, err := s.store.GetAction(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("mcp: action %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("mcp: get action: %w", err)
	}
	learnings, err := s.store.ListLearningsByAction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: list learnings: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"action":    action,
		"learnings": learnings,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal action: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// parseActionURI extracts the action id from kaizen://actions/{id}.
func parseActionURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, actionURIPrefix) {
		return "", fmt.Errorf("mcp: invalid action URI %q: expected prefix %s", uri, actionURIPrefix)
	}
	id := strings.TrimPrefix(uri, actionURIPrefix)
	if id == "" {
		return "", fmt.Errorf("mcp: invalid action URI %q: empty action id", uri)
	}
	if strings.Contains(id, "/") {
		return "", fmt.Errorf("mcp: invalid action URI %q: action id contains a slash", uri)
	}
	return id, nil
}
