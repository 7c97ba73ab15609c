// Package mcp implements the Model Context Protocol server for hyoka.
//
// It exposes alignment reads, manual recalculation and the active
// evaluation ledger to MCP-compatible agents.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/service/workflow"
)

// Evaluations reads stored evaluation versions.
type Evaluations interface {
	GetEvaluationVersion(ctx context.Context, workspaceID, commitID int64, evaluationUUID uuid.UUID) (model.EvaluationVersion, error)
}

// Recalculator queues alignment recalculations.
type Recalculator interface {
	RequestRecalculation(ctx context.Context, req workflow.RecalculationRequest) (workflow.RecalculationResult, error)
}

// ActiveEvaluations lists in-flight generation workflows.
type ActiveEvaluations interface {
	List(ctx context.Context, workspaceID, projectID int64) ([]model.ActiveEvaluation, error)
}

// Server wraps the MCP server with hyoka's service layer.
type Server struct {
	mcpServer    *mcpserver.MCPServer
	evaluations  Evaluations
	recalculator Recalculator
	active       ActiveEvaluations
	logger       *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(evaluations Evaluations, recalculator Recalculator, active ActiveEvaluations, logger *slog.Logger, version string) *Server {
	s := &Server{
		evaluations:  evaluations,
		recalculator: recalculator,
		active:       active,
		logger:       logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"hyoka",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

const activeEvaluationsTemplate = "hyoka://workspaces/{workspace_id}/projects/{project_id}/active-evaluations"

func (s *Server) registerResources() {
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			activeEvaluationsTemplate,
			"Active Evaluations",
			mcplib.WithTemplateDescription("Generation workflows in flight for a project"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleActiveEvaluations,
	)
}

func (s *Server) handleActiveEvaluations(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	workspaceID, projectID, err := parseActiveEvaluationsURI(uri)
	if err != nil {
		return nil, err
	}

	list, err := s.active.List(ctx, workspaceID, projectID)
	if err != nil {
		return nil, fmt.Errorf("mcp: active evaluations: %w", err)
	}
	if list == nil {
		list = []model.ActiveEvaluation{}
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal active evaluations: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// parseActiveEvaluationsURI extracts the ids from
// hyoka://workspaces/{workspace_id}/projects/{project_id}/active-evaluations.
func parseActiveEvaluationsURI(uri string) (workspaceID, projectID int64, err error) {
	rest, ok := strings.CutPrefix(uri, "hyoka://workspaces/")
	if !ok {
		return 0, 0, fmt.Errorf("mcp: invalid active evaluations URI: %s", uri)
	}
	rest, ok = strings.CutSuffix(rest, "/active-evaluations")
	if !ok {
		return 0, 0, fmt.Errorf("mcp: invalid active evaluations URI: %s", uri)
	}
	ws, project, ok := strings.Cut(rest, "/projects/")
	if !ok {
		return 0, 0, fmt.Errorf("mcp: invalid active evaluations URI: %s", uri)
	}
	workspaceID, err = strconv.ParseInt(ws, 10, 64)
	if err != nil || workspaceID <= 0 {
		return 0, 0, fmt.Errorf("mcp: invalid workspace id %q", ws)
	}
	projectID, err = strconv.ParseInt(project, 10, 64)
	if err != nil || projectID <= 0 {
		return 0, 0, fmt.Errorf("mcp: invalid project id %q", project)
	}
	return workspaceID, projectID, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal result: %v", err))
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}
