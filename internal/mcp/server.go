package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/crewloop/crew/internal/engine"
	"github.com/crewloop/crew/internal/models"
	"github.com/crewloop/crew/internal/store"
)

// Server wraps the review engine and exposes it as MCP tools so producing
// agents can submit work and reviewers can decide it from an MCP client.
type Server struct {
	engine *engine.Engine
	store  store.Store
}

// NewServer creates the MCP server wrapper.
func NewServer(e *engine.Engine, s store.Store) *Server {
	return &Server{engine: e, store: s}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("crew", "1.0.0", server.WithToolCapabilities(true))

	// Register all tools
	srv.AddTool(s.submitReviewTool())
	srv.AddTool(s.listPendingTool())
	srv.AddTool(s.getReviewTool())
	srv.AddTool(s.approveTool())
	srv.AddTool(s.rejectTool())
	srv.AddTool(s.projectStatusTool())
	srv.AddTool(s.getArtifactTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// crew_submit_review
func (s *Server) submitReviewTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("crew_submit_review",
		mcp.WithDescription("Submit a stage's output for human review. Fails while an earlier submission for the same project/stage is still pending. Returns the created review request as JSON."),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project ID")),
		mcp.WithString("stage", mcp.Required(), mcp.Description("Pipeline stage name, e.g. prd, architecture, task_list")),
		mcp.WithString("agent", mcp.Required(), mcp.Description("ID of the producing agent")),
		mcp.WithString("content", mcp.Required(), mcp.Description("The artifact content to review")),
	)
	return tool, s.handleSubmitReview
}

func (s *Server) handleSubmitReview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: project"), nil
	}
	stage, err := request.RequireString("stage")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: stage"), nil
	}
	agent, err := request.RequireString("agent")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: agent"), nil
	}
	content, err := request.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: content"), nil
	}

	req, err := s.engine.Submit(ctx, project, stage, agent, content)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to submit review: %v", err)), nil
	}

	result := map[string]any{
		"id":         req.ID,
		"project_id": req.ProjectID,
		"stage":      req.StageName,
		"agent_id":   req.AgentID,
		"status":     string(req.Status),
		"revision":   req.RevisionNumber,
		"created_at": req.CreatedAt.Format(time.RFC3339),
	}

	data, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal review: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// crew_list_pending
func (s *Server) listPendingTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("crew_list_pending",
		mcp.WithDescription("List review requests awaiting a human verdict, oldest first. Returns a JSON array with id, project_id, stage, agent_id, revision, and created_at."),
		mcp.WithString("project", mcp.Description("Project ID to filter by")),
	)
	return tool, s.handleListPending
}

func (s *Server) handleListPending(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project := request.GetString("project", "")
	reqs, err := s.engine.ListPending(ctx, project)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list pending reviews: %v", err)), nil
	}

	type reviewOut struct {
		ID        string `json:"id"`
		ProjectID string `json:"project_id"`
		Stage     string `json:"stage"`
		AgentID   string `json:"agent_id"`
		Revision  int    `json:"revision"`
		CreatedAt string `json:"created_at"`
	}

	out := make([]reviewOut, len(reqs))
	for i, r := range reqs {
		out[i] = reviewOut{
			ID:        r.ID,
			ProjectID: r.ProjectID,
			Stage:     r.StageName,
			AgentID:   r.AgentID,
			Revision:  r.RevisionNumber,
			CreatedAt: r.CreatedAt.Format(time.RFC3339),
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal reviews: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// crew_get_review
func (s *Server) getReviewTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("crew_get_review",
		mcp.WithDescription("Get one review request by ID (full ULID or unique prefix), including its content and any recorded feedback."),
		mcp.WithString("review_id", mcp.Required(), mcp.Description("Review request ID (full ULID or unique prefix)")),
	)
	return tool, s.handleGetReview
}

func (s *Server) handleGetReview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reviewID, err := request.RequireString("review_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: review_id"), nil
	}

	req, err := s.findRequest(ctx, reviewID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result := reviewJSON(req)
	data, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal review: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// crew_approve
func (s *Server) approveTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("crew_approve",
		mcp.WithDescription("Approve a pending review request. The submitted artifact becomes the stage's current version."),
		mcp.WithString("review_id", mcp.Required(), mcp.Description("Review request ID (full ULID or unique prefix)")),
	)
	return tool, s.handleApprove
}

func (s *Server) handleApprove(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reviewID, err := request.RequireString("review_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: review_id"), nil
	}

	req, err := s.findRequest(ctx, reviewID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := s.engine.Decide(ctx, req.ID, models.VerdictApprove, "")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to approve: %v", err)), nil
	}

	data, _ := json.Marshal(reviewJSON(res.Request))
	return mcp.NewToolResultText(string(data)), nil
}

// crew_reject
func (s *Server) rejectTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("crew_reject",
		mcp.WithDescription("Reject a pending review request with feedback text. Returns either a revision task (structured feedback plus revision instructions for the producing agent) or, when the stage has exhausted its revision cycles, an auto-approval notice."),
		mcp.WithString("review_id", mcp.Required(), mcp.Description("Review request ID (full ULID or unique prefix)")),
		mcp.WithString("feedback", mcp.Required(), mcp.Description("Reviewer feedback explaining what to change")),
	)
	return tool, s.handleReject
}

func (s *Server) handleReject(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reviewID, err := request.RequireString("review_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: review_id"), nil
	}
	feedbackText, err := request.RequireString("feedback")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: feedback"), nil
	}

	req, err := s.findRequest(ctx, reviewID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := s.engine.Decide(ctx, req.ID, models.VerdictReject, feedbackText)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to reject: %v", err)), nil
	}

	outcome := res.Outcome
	result := map[string]any{
		"id":            res.Request.ID,
		"status":        string(res.Request.Status),
		"auto_approved": outcome.AutoApproved,
		"cycle_count":   outcome.CycleCount,
		"max_cycles":    outcome.MaxCycles,
		"feedback":      outcome.Feedback,
	}
	if outcome.Task != nil {
		result["task"] = map[string]any{
			"project_id":         outcome.Task.ProjectID,
			"stage":              outcome.Task.StageName,
			"agent_id":           outcome.Task.AgentID,
			"revision":           outcome.Task.RevisionNumber,
			"formatted_feedback": outcome.Task.FormattedFeedback,
			"content":            outcome.Task.Content,
		}
	}

	data, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// crew_project_status
func (s *Server) projectStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("crew_project_status",
		mcp.WithDescription("Get the per-stage review status for a project: latest request per stage in pipeline order, with revision numbers and cycle usage."),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project ID")),
	)
	return tool, s.handleProjectStatus
}

func (s *Server) handleProjectStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: project"), nil
	}

	statuses, err := s.engine.Status(ctx, project)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("project not found: %s", project)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to get status: %v", err)), nil
	}

	type stageOut struct {
		Stage      string `json:"stage"`
		Status     string `json:"status"`
		Revision   int    `json:"revision"`
		RequestID  string `json:"request_id"`
		AgentID    string `json:"agent_id"`
		CycleCount int    `json:"cycle_count"`
		MaxCycles  int    `json:"max_cycles"`
	}

	out := make([]stageOut, len(statuses))
	for i, st := range statuses {
		out[i] = stageOut{
			Stage:      st.StageName,
			Status:     string(st.Status),
			Revision:   st.RevisionNumber,
			RequestID:  st.RequestID,
			AgentID:    st.AgentID,
			CycleCount: st.CycleCount,
			MaxCycles:  st.MaxCycles,
		}
	}

	data, err := json.Marshal(map[string]any{"project": project, "stages": out})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal status: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// crew_get_artifact
func (s *Server) getArtifactTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("crew_get_artifact",
		mcp.WithDescription("Get a stage artifact. Without a revision, returns the current approved version; with one, that exact revision regardless of review outcome."),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project ID")),
		mcp.WithString("stage", mcp.Required(), mcp.Description("Pipeline stage name")),
		mcp.WithNumber("revision", mcp.Description("Exact revision number to fetch")),
	)
	return tool, s.handleGetArtifact
}

func (s *Server) handleGetArtifact(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: project"), nil
	}
	stage, err := request.RequireString("stage")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: stage"), nil
	}

	var artifact *models.ArtifactVersion
	if revision := request.GetInt("revision", -1); revision >= 0 {
		artifact, err = s.store.GetArtifactVersion(ctx, project, stage, revision)
	} else {
		artifact, err = s.store.GetCurrentArtifact(ctx, project, stage)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("artifact not found for %s/%s", project, stage)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to get artifact: %v", err)), nil
	}

	result := map[string]any{
		"project_id": artifact.ProjectID,
		"stage":      artifact.StageName,
		"revision":   artifact.RevisionNumber,
		"content":    artifact.Content,
		"created_at": artifact.CreatedAt.Format(time.RFC3339),
	}

	data, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal artifact: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func reviewJSON(req *models.ReviewRequest) map[string]any {
	result := map[string]any{
		"id":         req.ID,
		"project_id": req.ProjectID,
		"stage":      req.StageName,
		"agent_id":   req.AgentID,
		"status":     string(req.Status),
		"revision":   req.RevisionNumber,
		"content":    req.Content,
		"created_at": req.CreatedAt.Format(time.RFC3339),
	}
	if len(req.Feedback) > 0 {
		result["feedback"] = req.Feedback
	}
	if req.DecidedAt != nil {
		result["decided_at"] = req.DecidedAt.Format(time.RFC3339)
	}
	return result
}

// findRequest finds a review request by full ID or unique prefix.
func (s *Server) findRequest(ctx context.Context, id string) (*models.ReviewRequest, error) {
	// Try exact match first
	if req, err := s.engine.GetRequest(ctx, id); err == nil {
		return req, nil
	}

	// Try prefix match - list all and filter
	upper := strings.ToUpper(id)
	reqs, err := s.store.ListReviewRequests(ctx, store.ReviewListFilter{})
	if err != nil {
		return nil, err
	}

	var matches []*models.ReviewRequest
	for _, req := range reqs {
		if strings.HasPrefix(req.ID, upper) {
			matches = append(matches, req)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("review not found: %s", id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous review ID %s: matches %d requests", id, len(matches))
	}
}
