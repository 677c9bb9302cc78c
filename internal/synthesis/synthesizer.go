// Package synthesis drafts report refinements with an OpenAI-compatible model.
package synthesis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lamim/ddreview/internal/api"
	"github.com/lamim/ddreview/internal/config"
	"github.com/lamim/ddreview/internal/report"
	"github.com/lamim/ddreview/internal/util"
)

// ChatClient sends chat completions
type ChatClient interface {
	ChatCompletion(ctx context.Context, modelCfg config.ModelConfig, apiKey string, messages []api.Message) (*api.ChatCompletionResponse, error)
}

// MalformedDraftError reports a model answer that could not be parsed as a
// draft. Another attempt may succeed, so it is temporary.
type MalformedDraftError struct {
	Response string
	Err      error
}

func (e *MalformedDraftError) Error() string {
	return fmt.Sprintf("malformed draft: %v (response: %s)", e.Err, util.TruncateString(e.Response, 200))
}

func (e *MalformedDraftError) Unwrap() error   { return e.Err }
func (e *MalformedDraftError) Temporary() bool { return true }

// Synthesizer turns a refinement prompt into a single-section draft
type Synthesizer struct {
	client       ChatClient
	model        config.ModelConfig
	apiKey       string
	template     string
	systemPrompt string
	logger       *slog.Logger
}

// New creates a synthesizer for the configured model
func New(client ChatClient, model config.ModelConfig, refinement config.RefinementConfig, apiKey string, logger *slog.Logger) *Synthesizer {
	return &Synthesizer{
		client:       client,
		model:        model,
		apiKey:       apiKey,
		template:     refinement.PromptTemplate,
		systemPrompt: refinement.SystemPrompt,
		logger:       logger,
	}
}

// promptData is what the refinement template sees
type promptData struct {
	Title    string
	Version  int
	Sections []sectionData
	Prompt   string
}

type sectionData struct {
	Key   string
	Title string
	Text  string
}

// BuildMessages renders the chat messages for req
func (s *Synthesizer) BuildMessages(req report.DraftRequest) ([]api.Message, error) {
	data := promptData{
		Title:   req.Content.Title,
		Version: req.Version,
		Prompt:  req.Prompt,
	}
	for _, sec := range req.Content.Sections {
		data.Sections = append(data.Sections, sectionData{Key: sec.Key, Title: sec.Title, Text: sec.Text})
	}

	user, err := util.RenderTemplate(s.template, data)
	if err != nil {
		return nil, fmt.Errorf("failed to render refinement prompt: %w", err)
	}

	var messages []api.Message
	if s.systemPrompt != "" {
		messages = append(messages, api.Message{Role: "system", Content: s.systemPrompt})
	}
	return append(messages, api.Message{Role: "user", Content: user}), nil
}

// Draft asks the model for one change against req.Content
func (s *Synthesizer) Draft(ctx context.Context, req report.DraftRequest) (*report.Draft, error) {
	messages, err := s.BuildMessages(req)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Requesting refinement draft",
		"run_id", req.RunID,
		"version", req.Version,
		"model", s.model.ModelName)

	resp, err := s.client.ChatCompletion(ctx, s.model, s.apiKey, messages)
	if err != nil {
		return nil, fmt.Errorf("refinement draft request failed: %w", err)
	}

	content := resp.Choices[0].Message.Content
	if thinking, _ := util.SplitThinkAndAnswer(content); thinking != "" {
		s.logger.Debug("Model emitted reasoning before the draft",
			"run_id", req.RunID,
			"reasoning_chars", len(thinking))
	}
	draft, err := ParseDraft(content)
	if err != nil {
		s.logger.Warn("Model returned an unusable draft",
			"run_id", req.RunID,
			"finish_reason", resp.Choices[0].FinishReason,
			"error", err)
		return nil, err
	}

	s.logger.Info("Refinement draft received",
		"run_id", req.RunID,
		"section", draft.Section,
		"change_type", draft.ChangeType,
		"total_tokens", resp.Usage.TotalTokens)
	return draft, nil
}

// ParseDraft extracts a draft from a raw model answer, tolerating reasoning
// tags, markdown fences and unescaped newlines inside strings
func ParseDraft(content string) (*report.Draft, error) {
	answer := util.StripThinkTags(content)
	raw := util.SanitizeJSON(util.ExtractJSON(answer))
	if !strings.HasPrefix(raw, "{") {
		return nil, &MalformedDraftError{Response: content, Err: fmt.Errorf("no JSON object in response")}
	}

	var draft report.Draft
	if err := json.Unmarshal([]byte(raw), &draft); err != nil {
		return nil, &MalformedDraftError{Response: content, Err: err}
	}
	draft.Section = strings.TrimSpace(draft.Section)
	if draft.AffectedFindings == nil {
		draft.AffectedFindings = []string{}
	}
	return &draft, nil
}
