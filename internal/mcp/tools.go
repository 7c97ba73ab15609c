package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/service/workflow"
	"github.com/ashita-ai/hyoka/internal/storage"
)

func evaluationArgs() []mcplib.ToolOption {
	return []mcplib.ToolOption{
		mcplib.WithNumber("workspace_id",
			mcplib.Description("Workspace that owns the evaluation"),
			mcplib.Required(),
			mcplib.Min(1),
		),
		mcplib.WithNumber("commit_id",
			mcplib.Description("Commit (version) the evaluation lives at"),
			mcplib.Required(),
			mcplib.Min(1),
		),
		mcplib.WithString("evaluation_uuid",
			mcplib.Description("UUID of the evaluation"),
			mcplib.Required(),
		),
	}
}

func (s *Server) registerTools() {
	// hyoka_alignment: read the stored alignment metric.
	s.mcpServer.AddTool(
		mcplib.NewTool("hyoka_alignment",
			append([]mcplib.ToolOption{
				mcplib.WithDescription(`Read how well an evaluation agrees with human-labelled ground truth.

WHAT YOU GET BACK:
- alignment_metric: 0-100, the Matthews correlation coefficient rescaled (50 = chance)
- quality_metric: 0-100 when a quality score was recorded
- metadata.confusionMatrix: true/false positives and negatives behind the score
- metadata.alignmentHash: fingerprint of the configuration that was scored`),
				mcplib.WithReadOnlyHintAnnotation(true),
				mcplib.WithIdempotentHintAnnotation(true),
				mcplib.WithOpenWorldHintAnnotation(false),
			}, evaluationArgs()...)...,
		),
		s.handleAlignment,
	)

	// hyoka_recalculate: queue an incremental recalculation.
	s.mcpServer.AddTool(
		mcplib.NewTool("hyoka_recalculate",
			append([]mcplib.ToolOption{
				mcplib.WithDescription(`Queue a recalculation of an evaluation's alignment metric.

Only ground-truth examples labelled since the last calculation are run, unless
the evaluation's configuration changed, in which case every example is run.
Fails if a recalculation for the evaluation is already in progress.`),
				mcplib.WithDestructiveHintAnnotation(false),
				mcplib.WithIdempotentHintAnnotation(false),
				mcplib.WithOpenWorldHintAnnotation(false),
			}, evaluationArgs()...)...,
		),
		s.handleRecalculate,
	)
}

type evaluationRef struct {
	workspaceID int64
	commitID    int64
	uuid        uuid.UUID
}

func parseEvaluationRef(request mcplib.CallToolRequest) (evaluationRef, error) {
	ref := evaluationRef{
		workspaceID: int64(request.GetInt("workspace_id", 0)),
		commitID:    int64(request.GetInt("commit_id", 0)),
	}
	if ref.workspaceID <= 0 || ref.commitID <= 0 {
		return evaluationRef{}, errors.New("workspace_id and commit_id must be positive")
	}
	id, err := uuid.Parse(request.GetString("evaluation_uuid", ""))
	if err != nil {
		return evaluationRef{}, errors.New("evaluation_uuid must be a valid UUID")
	}
	ref.uuid = id
	return ref, nil
}

func (s *Server) handleAlignment(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ref, err := parseEvaluationRef(request)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	ev, err := s.evaluations.GetEvaluationVersion(ctx, ref.workspaceID, ref.commitID, ref.uuid)
	if errors.Is(err, storage.ErrNotFound) {
		return errorResult(fmt.Sprintf("evaluation %s not found at commit %d", ref.uuid, ref.commitID)), nil
	}
	if err != nil {
		return errorResult(fmt.Sprintf("read alignment failed: %v", err)), nil
	}
	return jsonResult(model.AlignmentOf(ev)), nil
}

func (s *Server) handleRecalculate(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ref, err := parseEvaluationRef(request)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	res, err := s.recalculator.RequestRecalculation(ctx, workflow.RecalculationRequest{
		WorkspaceID:    ref.workspaceID,
		CommitID:       ref.commitID,
		EvaluationUUID: ref.uuid,
	})
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return errorResult(fmt.Sprintf("evaluation %s not found at commit %d", ref.uuid, ref.commitID)), nil
	case errors.Is(err, storage.ErrAlreadyRecalculating):
		return errorResult("a recalculation is already in progress for this evaluation"), nil
	case err != nil:
		s.logger.Warn("mcp: recalculate", "evaluation_uuid", ref.uuid, "error", err)
		return errorResult(fmt.Sprintf("recalculate failed: %v", err)), nil
	}
	return jsonResult(model.RecalculationResponse{
		JobID:          res.JobID,
		EvaluationUUID: ref.uuid,
		PositiveCount:  res.PositiveCount,
		NegativeCount:  res.NegativeCount,
		AlignmentHash:  res.AlignmentHash,
	}), nil
}
