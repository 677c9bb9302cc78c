package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/lamim/ddreview/internal/orchestrator"
	"github.com/lamim/ddreview/internal/report"
	"github.com/lamim/ddreview/pkg/models"
)

// StartRequest opens a review
type StartRequest struct {
	TotalDocuments int `json:"total_documents"`
}

// CreateCheckpointRequest opens a checkpoint at the pipeline's current stage
type CreateCheckpointRequest struct {
	RunID   string                   `json:"run_id,omitempty"`
	Content models.CheckpointContent `json:"content"`
}

// RespondRequest answers a checkpoint
type RespondRequest struct {
	Responses map[string]models.ItemResponse `json:"responses"`
}

// SkipRequest resolves a checkpoint without answers
type SkipRequest struct {
	Reason string `json:"reason,omitempty"`
}

// RegenerateRequest applies summary corrections
type RegenerateRequest struct {
	Corrections map[string]models.ItemResponse `json:"corrections"`
}

// SynthesisRequest records the synthesized report
type SynthesisRequest struct {
	Content   models.ReportContent `json:"content"`
	CreatedBy string               `json:"created_by,omitempty"`
}

// ProposeRequest asks for a refinement draft
type ProposeRequest struct {
	Prompt string `json:"prompt"`
}

// MergeRequest resolves a proposal
type MergeRequest struct {
	Action          models.MergeAction `json:"action"`
	EditedText      string             `json:"edited_text,omitempty"`
	ExpectedVersion int                `json:"expected_version,omitempty"`
	CreatedBy       string             `json:"created_by,omitempty"`
}

// PendingResponse wraps the open checkpoint, which may be null
type PendingResponse struct {
	Checkpoint *models.Checkpoint `json:"checkpoint"`
}

// CheckpointList wraps a project's checkpoints
type CheckpointList struct {
	Checkpoints []*models.Checkpoint `json:"checkpoints"`
}

func (s *Server) routes() {
	s.handle("GET /healthz", s.handleHealth)
	s.handle("GET /v1/stages", s.handleStages)

	s.handle("POST /v1/projects/{project}/pipeline", s.handleStart)
	s.handle("GET /v1/projects/{project}/pipeline", s.handleProgress)
	s.handle("POST /v1/projects/{project}/pipeline/actions", s.handleAction)
	s.handle("POST /v1/projects/{project}/pipeline/progress", s.handleUpdateProgress)
	s.handle("DELETE /v1/projects/{project}", s.handleDelete)

	s.handle("GET /v1/projects/{project}/checkpoints/pending", s.handlePending)
	s.handle("GET /v1/projects/{project}/checkpoints", s.handleListCheckpoints)
	s.handle("POST /v1/projects/{project}/checkpoints", s.handleCreateCheckpoint)
	s.handle("GET /v1/checkpoints/{id}", s.handleGetCheckpoint)
	s.handle("POST /v1/checkpoints/{id}/respond", s.handleRespond)
	s.handle("POST /v1/checkpoints/{id}/skip", s.handleSkip)
	s.handle("POST /v1/checkpoints/{id}/regenerate-summary", s.handleRegenerate)

	s.handle("POST /v1/runs/{run}/synthesis", s.handleSynthesis)
	s.handle("GET /v1/runs/{run}/versions", s.handleListVersions)
	s.handle("GET /v1/runs/{run}/versions/{version}", s.handleGetVersion)
	s.handle("GET /v1/runs/{run}/compare", s.handleCompare)
	s.handle("POST /v1/runs/{run}/refinements", s.handlePropose)
	s.handle("POST /v1/runs/{run}/refinements/{proposal}/merge", s.handleMerge)

	if s.cfg.MetricsPath != "" && s.collector != nil {
		s.mux.Handle("GET "+s.cfg.MetricsPath, s.collector.Handler())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.GetStageMetadata())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	p, err := s.svc.StartReview(r.PathValue("project"), req.TotalDocuments)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	s.writePipeline(w, http.StatusCreated, p)
}

// handleProgress returns the pipeline. With wait_since it long-polls until the
// change counter moves past the given value or the wait elapses.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	q := r.URL.Query()
	if q.Get("wait_since") == "" {
		p, err := s.svc.GetProgress(project)
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		s.writePipeline(w, http.StatusOK, p)
		return
	}

	since, err := strconv.ParseUint(q.Get("wait_since"), 10, 64)
	if err != nil {
		writeError(w, s.logger, fmt.Errorf("%w: wait_since must be a non-negative integer", models.ErrBadRequest))
		return
	}
	wait := defaultWait
	if raw := q.Get("wait_seconds"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, s.logger, fmt.Errorf("%w: wait_seconds must be a non-negative integer", models.ErrBadRequest))
			return
		}
		wait = min(time.Duration(n)*time.Second, maxWait)
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	p, err := s.svc.WaitForChange(ctx, project, since)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	s.writePipeline(w, http.StatusOK, p)
}

func (s *Server) writePipeline(w http.ResponseWriter, status int, p *models.Pipeline) {
	setPollInterval(w, s.svc.PollInterval(p))
	writeJSON(w, status, p)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.PipelineAction
	if err := decode(w, r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	p, err := s.svc.Act(r.PathValue("project"), req)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	s.writePipeline(w, http.StatusOK, p)
}

func (s *Server) handleUpdateProgress(w http.ResponseWriter, r *http.Request) {
	var req models.ProgressUpdate
	if err := decode(w, r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	p, err := s.svc.UpdateProgress(r.PathValue("project"), req)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	s.writePipeline(w, http.StatusOK, p)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteProject(r.PathValue("project")); err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	cp, err := s.svc.GetPendingCheckpoint(r.PathValue("project"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, PendingResponse{Checkpoint: cp})
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	cps, err := s.svc.ListCheckpoints(r.PathValue("project"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if cps == nil {
		cps = []*models.Checkpoint{}
	}
	writeJSON(w, http.StatusOK, CheckpointList{Checkpoints: cps})
}

func (s *Server) handleCreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req CreateCheckpointRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	cp, err := s.svc.CreateCheckpoint(r.PathValue("project"), req.RunID, req.Content)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, cp)
}

func (s *Server) handleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := s.svc.GetCheckpoint(r.PathValue("id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req RespondRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	out, err := s.svc.RespondToCheckpoint(r.PathValue("id"), req.Responses)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request) {
	var req SkipRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	out, err := s.svc.SkipCheckpoint(r.PathValue("id"), req.Reason)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	var req RegenerateRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	out, err := s.svc.RegenerateSummary(r.PathValue("id"), req.Corrections)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSynthesis(w http.ResponseWriter, r *http.Request) {
	var req SynthesisRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	out, err := s.svc.RecordSynthesis(r.PathValue("run"), req.Content, req.CreatedBy)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.ListVersions(r.PathValue("run"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetVersion accepts a version number or "current"
func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	version := 0
	if raw := r.PathValue("version"); raw != "current" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, s.logger, fmt.Errorf("%w: version must be a positive integer or current", models.ErrBadRequest))
			return
		}
		version = n
	}
	v, err := s.svc.GetVersion(r.PathValue("run"), version)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	v1, err := intParam(r, "v1")
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	v2, err := intParam(r, "v2")
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	out, err := s.svc.CompareVersions(r.PathValue("run"), v1, v2)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req ProposeRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	out, err := s.svc.ProposeRefinement(r.Context(), r.PathValue("run"), req.Prompt)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	var req MergeRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	out, err := s.svc.MergeRefinement(r.PathValue("run"), report.MergeRequest{
		ProposalID:      r.PathValue("proposal"),
		Action:          req.Action,
		EditedText:      req.EditedText,
		ExpectedVersion: req.ExpectedVersion,
		CreatedBy:       req.CreatedBy,
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
