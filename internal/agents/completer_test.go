package agents

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/models"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/sdkerrors"
)

func TestHTTPCompleter(t *testing.T) {
	var got map[string]interface{}
	var taskHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/agent/query", r.URL.Path)
		taskHeader = r.Header.Get("X-Task-ID")
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success":     true,
			"response":    "Use a connection pool sized to the worker count.",
			"tokens_used": 42,
			"model_used":  "test-model",
			"metadata": map[string]interface{}{
				"confidence": 0.9,
				"sources":    []string{"https://example.org/pooling"},
			},
		})
	}))
	defer srv.Close()

	c := NewHTTPCompleter(srv.URL, 5*time.Second, zaptest.NewLogger(t))
	out, err := c.Complete(context.Background(), CompletionRequest{
		TaskID:       "task-1",
		AgentID:      "backend_1",
		AgentType:    models.AgentTypeBackend,
		TaskType:     "development",
		SystemPrompt: "You build APIs.",
		Messages: []models.Message{
			{Role: "assistant", Content: "earlier"},
			{Role: "user", Content: "design the pool"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Use a connection pool sized to the worker count.", out.Content)
	assert.Equal(t, 0.9, out.Confidence)
	assert.Equal(t, []string{"https://example.org/pooling"}, out.Sources)
	assert.Equal(t, 42, out.TokensUsed)
	assert.Equal(t, "test-model", out.Model)

	assert.Equal(t, "task-1", taskHeader)
	assert.Equal(t, "design the pool", got["query"])
	assert.Equal(t, "You build APIs.", got["system_prompt"])
	assert.Len(t, got["history"], 1)
}

func TestHTTPCompleterErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		code    string
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusBadGateway)
		}, "COMPLETION_FAILED"},
		{"reported failure", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"success":false,"error":"model overloaded"}`))
		}, "COMPLETION_FAILED"},
		{"bad json", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{not json`))
		}, "COMPLETION_INVALID"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			c := NewHTTPCompleter(srv.URL, time.Second, zaptest.NewLogger(t))
			_, err := c.Complete(context.Background(), CompletionRequest{Messages: []models.Message{{Role: "user", Content: "q"}}})
			require.Error(t, err)
			assert.True(t, errors.Is(err, sdkerrors.ErrTaskExecution))
			assert.Equal(t, tt.code, sdkerrors.CodeOf(err))
		})
	}
}

func TestHTTPCompleterDefaultsFromEnv(t *testing.T) {
	t.Setenv("LLM_SERVICE_URL", "http://llm.internal:9000")
	c := NewHTTPCompleter("", 0, nil)
	assert.Equal(t, "http://llm.internal:9000", c.BaseURL())
}
