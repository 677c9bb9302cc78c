package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/lamim/ddreview/internal/orchestrator"
	"github.com/lamim/ddreview/internal/server"
	"github.com/lamim/ddreview/pkg/models"
)

// Stages returns the stage and phase catalogue
func (c *Client) Stages(ctx context.Context) (*orchestrator.StageMetadata, error) {
	var out orchestrator.StageMetadata
	if _, err := c.do(ctx, http.MethodGet, "/v1/stages", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartReview creates the pipeline for a project
func (c *Client) StartReview(ctx context.Context, projectID string, totalDocuments int) (*models.Pipeline, error) {
	var out models.Pipeline
	_, err := c.do(ctx, http.MethodPost, "/v1/projects/"+seg(projectID)+"/pipeline", nil,
		server.StartRequest{TotalDocuments: totalDocuments}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetProgress returns the latest committed pipeline
func (c *Client) GetProgress(ctx context.Context, projectID string) (*models.Pipeline, error) {
	p, _, err := c.Progress(ctx, projectID)
	return p, err
}

// Progress returns the pipeline together with the server's poll interval hint
func (c *Client) Progress(ctx context.Context, projectID string) (*models.Pipeline, time.Duration, error) {
	var out models.Pipeline
	h, err := c.do(ctx, http.MethodGet, "/v1/projects/"+seg(projectID)+"/pipeline", nil, nil, &out)
	if err != nil {
		return nil, 0, err
	}
	interval, _ := PollInterval(h)
	return &out, interval, nil
}

// WaitForChange long-polls until the change counter passes since or wait elapses
func (c *Client) WaitForChange(ctx context.Context, projectID string, since uint64, wait time.Duration) (*models.Pipeline, error) {
	q := url.Values{}
	q.Set("wait_since", strconv.FormatUint(since, 10))
	q.Set("wait_seconds", strconv.Itoa(int(wait/time.Second)))
	var out models.Pipeline
	if _, err := c.do(ctx, http.MethodGet, "/v1/projects/"+seg(projectID)+"/pipeline", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Act applies one pipeline action
func (c *Client) Act(ctx context.Context, projectID string, action orchestrator.PipelineAction) (*models.Pipeline, error) {
	var out models.Pipeline
	if _, err := c.do(ctx, http.MethodPost, "/v1/projects/"+seg(projectID)+"/pipeline/actions", nil, action, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateProgress merges processing counters
func (c *Client) UpdateProgress(ctx context.Context, projectID string, update models.ProgressUpdate) (*models.Pipeline, error) {
	var out models.Pipeline
	if _, err := c.do(ctx, http.MethodPost, "/v1/projects/"+seg(projectID)+"/pipeline/progress", nil, update, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteProject archives a project
func (c *Client) DeleteProject(ctx context.Context, projectID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/v1/projects/"+seg(projectID), nil, nil, nil)
	return err
}

// GetPendingCheckpoint returns the open checkpoint, or nil
func (c *Client) GetPendingCheckpoint(ctx context.Context, projectID string) (*models.Checkpoint, error) {
	var out server.PendingResponse
	if _, err := c.do(ctx, http.MethodGet, "/v1/projects/"+seg(projectID)+"/checkpoints/pending", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Checkpoint, nil
}

// ListCheckpoints returns every checkpoint of a project
func (c *Client) ListCheckpoints(ctx context.Context, projectID string) ([]*models.Checkpoint, error) {
	var out server.CheckpointList
	if _, err := c.do(ctx, http.MethodGet, "/v1/projects/"+seg(projectID)+"/checkpoints", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Checkpoints, nil
}

// GetCheckpoint returns one checkpoint
func (c *Client) GetCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error) {
	var out models.Checkpoint
	if _, err := c.do(ctx, http.MethodGet, "/v1/checkpoints/"+seg(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateCheckpoint opens a checkpoint at the pipeline's current stage
func (c *Client) CreateCheckpoint(ctx context.Context, projectID, runID string, content models.CheckpointContent) (*models.Checkpoint, error) {
	var out models.Checkpoint
	_, err := c.do(ctx, http.MethodPost, "/v1/projects/"+seg(projectID)+"/checkpoints", nil,
		server.CreateCheckpointRequest{RunID: runID, Content: content}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RespondToCheckpoint submits answers
func (c *Client) RespondToCheckpoint(ctx context.Context, id string, responses map[string]models.ItemResponse) (*orchestrator.CheckpointOutcome, error) {
	var out orchestrator.CheckpointOutcome
	_, err := c.do(ctx, http.MethodPost, "/v1/checkpoints/"+seg(id)+"/respond", nil,
		server.RespondRequest{Responses: responses}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SkipCheckpoint resolves a checkpoint without answers
func (c *Client) SkipCheckpoint(ctx context.Context, id, reason string) (*orchestrator.CheckpointOutcome, error) {
	var out orchestrator.CheckpointOutcome
	_, err := c.do(ctx, http.MethodPost, "/v1/checkpoints/"+seg(id)+"/skip", nil,
		server.SkipRequest{Reason: reason}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RegenerateSummary applies corrections to a post-analysis summary
func (c *Client) RegenerateSummary(ctx context.Context, id string, corrections map[string]models.ItemResponse) (*orchestrator.RegenerateOutcome, error) {
	var out orchestrator.RegenerateOutcome
	_, err := c.do(ctx, http.MethodPost, "/v1/checkpoints/"+seg(id)+"/regenerate-summary", nil,
		server.RegenerateRequest{Corrections: corrections}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RecordSynthesis stores the synthesized report as version 1
func (c *Client) RecordSynthesis(ctx context.Context, runID string, content models.ReportContent, createdBy string) (*orchestrator.SynthesisOutcome, error) {
	var out orchestrator.SynthesisOutcome
	_, err := c.do(ctx, http.MethodPost, "/v1/runs/"+seg(runID)+"/synthesis", nil,
		server.SynthesisRequest{Content: content, CreatedBy: createdBy}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListVersions returns the version summaries of a run
func (c *Client) ListVersions(ctx context.Context, runID string) (*orchestrator.VersionList, error) {
	var out orchestrator.VersionList
	if _, err := c.do(ctx, http.MethodGet, "/v1/runs/"+seg(runID)+"/versions", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetVersion returns one version; 0 means the current one
func (c *Client) GetVersion(ctx context.Context, runID string, version int) (*models.ReportVersion, error) {
	v := "current"
	if version > 0 {
		v = strconv.Itoa(version)
	}
	var out models.ReportVersion
	if _, err := c.do(ctx, http.MethodGet, "/v1/runs/"+seg(runID)+"/versions/"+v, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CompareVersions diffs two versions
func (c *Client) CompareVersions(ctx context.Context, runID string, v1, v2 int) (*models.CompareResult, error) {
	q := url.Values{}
	q.Set("v1", strconv.Itoa(v1))
	q.Set("v2", strconv.Itoa(v2))
	var out models.CompareResult
	if _, err := c.do(ctx, http.MethodGet, "/v1/runs/"+seg(runID)+"/compare", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ProposeRefinement asks the server to draft a change
func (c *Client) ProposeRefinement(ctx context.Context, runID, prompt string) (*models.ProposeResult, error) {
	var out models.ProposeResult
	_, err := c.do(ctx, http.MethodPost, "/v1/runs/"+seg(runID)+"/refinements", nil,
		server.ProposeRequest{Prompt: prompt}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// MergeRefinement resolves a proposal
func (c *Client) MergeRefinement(ctx context.Context, runID, proposalID string, req server.MergeRequest) (*models.MergeResult, error) {
	var out models.MergeResult
	_, err := c.do(ctx, http.MethodPost, "/v1/runs/"+seg(runID)+"/refinements/"+seg(proposalID)+"/merge", nil, req, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
