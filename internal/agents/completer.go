package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/interceptors"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/models"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/sdkerrors"
)

// DefaultLLMServiceURL is used when LLM_SERVICE_URL is unset.
const DefaultLLMServiceURL = "http://llm-service:8000"

// CompletionRequest is one model call made on behalf of a task.
type CompletionRequest struct {
	TaskID       string
	AgentID      string
	AgentType    string
	TaskType     string
	SystemPrompt string
	Messages     []models.Message
	Context      map[string]interface{}
	MaxTokens    int
	Temperature  float64
}

// Completion is the model answer.
type Completion struct {
	Content    string
	Confidence float64
	Sources    []string
	Model      string
	TokensUsed int
}

// Completer produces the content of a task result.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, req CompletionRequest) (*Completion, error)

func (f CompleterFunc) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	return f(ctx, req)
}

// HTTPCompleter calls the LLM service /agent/query endpoint.
type HTTPCompleter struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPCompleter targets baseURL, falling back to LLM_SERVICE_URL and then
// DefaultLLMServiceURL.
func NewHTTPCompleter(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPCompleter {
	if baseURL == "" {
		baseURL = getenv("LLM_SERVICE_URL", DefaultLLMServiceURL)
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPCompleter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout, Transport: interceptors.NewTaskHTTPRoundTripper(nil)},
		logger:  logger,
	}
}

// BaseURL is the LLM service address in use.
func (c *HTTPCompleter) BaseURL() string { return c.baseURL }

type agentQueryRequest struct {
	Query        string                 `json:"query"`
	SystemPrompt string                 `json:"system_prompt,omitempty"`
	History      []models.Message       `json:"history,omitempty"`
	Context      map[string]interface{} `json:"context,omitempty"`
	AgentID      string                 `json:"agent_id"`
	AgentType    string                 `json:"agent_type"`
	TaskType     string                 `json:"task_type"`
	MaxTokens    int                    `json:"max_tokens,omitempty"`
	Temperature  float64                `json:"temperature,omitempty"`
}

type agentQueryResponse struct {
	Success      bool                   `json:"success"`
	Response     string                 `json:"response"`
	TokensUsed   int                    `json:"tokens_used"`
	ModelUsed    string                 `json:"model_used"`
	FinishReason string                 `json:"finish_reason"`
	Error        string                 `json:"error"`
	Metadata     map[string]interface{} `json:"metadata"`
}

func (c *HTTPCompleter) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	// the last message is the query, everything before it is history
	var query string
	history := req.Messages
	if n := len(history); n > 0 {
		query = history[n-1].Content
		history = history[:n-1]
	}
	payload, err := json.Marshal(agentQueryRequest{
		Query:        query,
		SystemPrompt: req.SystemPrompt,
		History:      history,
		Context:      req.Context,
		AgentID:      req.AgentID,
		AgentType:    req.AgentType,
		TaskType:     req.TaskType,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
	})
	if err != nil {
		return nil, sdkerrors.TaskExecution("COMPLETION_REQUEST_INVALID", "failed to encode completion request", err)
	}

	ctx = interceptors.WithTask(ctx, interceptors.TaskInfo{TaskID: req.TaskID, AgentID: req.AgentID})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/agent/query", bytes.NewReader(payload))
	if err != nil {
		return nil, sdkerrors.TaskExecution("COMPLETION_REQUEST_INVALID", "failed to create completion request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, sdkerrors.TaskExecution("COMPLETION_FAILED", "llm service request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Error("Non-2xx response from /agent/query",
			zap.Int("status", resp.StatusCode),
			zap.String("task_id", req.TaskID),
		)
		return nil, sdkerrors.TaskExecution("COMPLETION_FAILED", fmt.Sprintf("llm service returned HTTP %d", resp.StatusCode), nil).
			WithDetail("body", string(body))
	}

	var out agentQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, sdkerrors.TaskExecution("COMPLETION_INVALID", "failed to parse llm service response", err)
	}
	if !out.Success {
		return nil, sdkerrors.TaskExecution("COMPLETION_FAILED", "llm service reported failure", fmt.Errorf("%s", out.Error))
	}

	c.logger.Debug("Completion received",
		zap.String("task_id", req.TaskID),
		zap.String("model", out.ModelUsed),
		zap.Int("tokens", out.TokensUsed),
		zap.Duration("duration", time.Since(start)),
	)
	completion := &Completion{Content: out.Response, Model: out.ModelUsed, TokensUsed: out.TokensUsed}
	if v, ok := out.Metadata["confidence"].(float64); ok {
		completion.Confidence = v
	}
	if srcs, ok := out.Metadata["sources"].([]interface{}); ok {
		for _, s := range srcs {
			if str, ok := s.(string); ok {
				completion.Sources = append(completion.Sources, str)
			}
		}
	}
	return completion, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
