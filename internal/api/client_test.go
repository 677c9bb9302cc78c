package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lamim/ddreview/internal/config"
	"github.com/lamim/ddreview/pkg/models"
)

const okBody = `{
	"id": "test",
	"object": "chat.completion",
	"created": 1234567890,
	"model": "test",
	"choices": [{"index": 0, "message": {"role": "assistant", "content": "success"}, "finish_reason": "stop"}],
	"usage": {"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2}
}`

func newTestClient() *Client {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	client := NewClient(logger)
	client.baseRetryDelay = time.Millisecond
	return client
}

func TestChatCompletion_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("Expected Authorization header 'Bearer test-key', got '%s'", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Expected Content-Type 'application/json', got '%s'", r.Header.Get("Content-Type"))
		}

		var req ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.ResponseFormat == nil || req.ResponseFormat.Type != "json_object" {
			t.Errorf("expected json_object response format, got %+v", req.ResponseFormat)
		}
		if req.MaxTokens != 100 || req.Model != "test-model" {
			t.Errorf("unexpected request %+v", req)
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(okBody))
	}))
	defer server.Close()

	client := newTestClient()
	modelCfg := config.ModelConfig{
		BaseURL:            server.URL + "/v1/",
		ModelName:          "test-model",
		Temperature:        0.7,
		TopP:               1.0,
		MaxOutputTokens:    100,
		RateLimitPerMinute: 60,
		UseJSONMode:        true,
	}

	resp, err := client.ChatCompletion(
		context.Background(),
		modelCfg,
		"test-key",
		[]Message{{Role: "user", Content: "Test message"}},
	)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("Expected 1 choice, got %d", len(resp.Choices))
	}
	if resp.Choices[0].Message.Content != "success" {
		t.Errorf("Expected content 'success', got '%s'", resp.Choices[0].Message.Content)
	}
}

func TestChatCompletion_RetryOn500(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error": {"message": "Server error"}}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(okBody))
	}))
	defer server.Close()

	client := newTestClient()
	modelCfg := config.ModelConfig{
		BaseURL:            server.URL,
		ModelName:          "test",
		RateLimitPerMinute: 1000,
		MaxRetries:         3,
	}

	resp, err := client.ChatCompletion(context.Background(), modelCfg, "test", []Message{{Role: "user", Content: "test"}})
	if err != nil {
		t.Fatalf("Expected success after retries, got error: %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("Expected 3 attempts (2 retries), got %d", attempts.Load())
	}
	if resp.Choices[0].Message.Content != "success" {
		t.Errorf("Expected 'success', got '%s'", resp.Choices[0].Message.Content)
	}
}

func TestChatCompletion_RetriesExhaustedIsTransient(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient()
	modelCfg := config.ModelConfig{
		BaseURL:            server.URL,
		ModelName:          "test",
		RateLimitPerMinute: 1000,
		MaxRetries:         2,
	}

	_, err := client.ChatCompletion(context.Background(), modelCfg, "", []Message{{Role: "user", Content: "test"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts.Load())
	}
	if got := models.Classify(err); got != models.ClassTransient {
		t.Errorf("Classify() = %v, want transient", got)
	}
}

func TestChatCompletion_NoRetryOnClientError(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": {"message": "bad key", "type": "auth", "code": "invalid_api_key"}}`))
	}))
	defer server.Close()

	client := newTestClient()
	modelCfg := config.ModelConfig{
		BaseURL:            server.URL,
		ModelName:          "test",
		RateLimitPerMinute: 1000,
	}

	_, err := client.ChatCompletion(context.Background(), modelCfg, "wrong", []Message{{Role: "user", Content: "test"}})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != "invalid_api_key" || apiErr.Temporary() {
		t.Errorf("unexpected error %+v", apiErr)
	}
	if attempts.Load() != 1 {
		t.Errorf("Expected a single attempt, got %d", attempts.Load())
	}
	if got := models.Classify(err); got != models.ClassFatal {
		t.Errorf("Classify() = %v, want fatal", got)
	}
}

func TestChatCompletion_RetriesDisabled(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient()
	modelCfg := config.ModelConfig{
		BaseURL:            server.URL,
		ModelName:          "test",
		RateLimitPerMinute: 1000,
		MaxRetries:         -1,
	}

	if _, err := client.ChatCompletion(context.Background(), modelCfg, "", []Message{{Role: "user", Content: "test"}}); err == nil {
		t.Fatal("expected error")
	}
	if attempts.Load() != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts.Load())
	}
}

func TestChatCompletion_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient()
	client.baseRetryDelay = time.Hour
	modelCfg := config.ModelConfig{
		BaseURL:            server.URL,
		ModelName:          "test",
		RateLimitPerMinute: 1000,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.ChatCompletion(ctx, modelCfg, "", []Message{{Role: "user", Content: "test"}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestRetryDelayCapped(t *testing.T) {
	client := newTestClient()
	client.baseRetryDelay = time.Second

	rateLimited := &APIError{StatusCode: http.StatusTooManyRequests, Retryable: true}
	got := client.retryDelay(3, rateLimited, 10*time.Second)
	if got > 11*time.Second || got < 9*time.Second {
		t.Errorf("retryDelay = %s, want about 10s", got)
	}
	got = client.retryDelay(1, &APIError{StatusCode: 500}, 0)
	if got > 1100*time.Millisecond || got < 900*time.Millisecond {
		t.Errorf("retryDelay = %s, want about 1s", got)
	}
}

func TestRateLimiterPoolReusesLimiter(t *testing.T) {
	pool := NewRateLimiterPool(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})))
	a := pool.GetOrCreate("openai:gpt", 60)
	b := pool.GetOrCreate("openai:gpt", 120)
	if a != b {
		t.Error("expected the existing limiter to be reused")
	}
	if a.Burst() != 12 {
		t.Errorf("unexpected burst %d", a.Burst())
	}
}
