// Package mcp connects agents to Model Context Protocol servers for tool
// consultation.
package mcp

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/metrics"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/sdkerrors"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/tracing"
)

const defaultCallTimeout = 30 * time.Second

// ServerConfig describes one MCP server. Exactly one of Command or URL is set.
type ServerConfig struct {
	Name    string        `mapstructure:"name"`
	Command string        `mapstructure:"command"`
	Args    []string      `mapstructure:"args"`
	Env     []string      `mapstructure:"env"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func (s ServerConfig) validate() error {
	switch {
	case s.Name == "":
		return sdkerrors.Configuration("MCP_SERVER_INVALID", "mcp server name is required")
	case s.Command == "" && s.URL == "":
		return sdkerrors.Configuration("MCP_SERVER_INVALID", "mcp server needs a command or url").
			WithDetail("server", s.Name)
	case s.Command != "" && s.URL != "":
		return sdkerrors.Configuration("MCP_SERVER_INVALID", "mcp server cannot have both command and url").
			WithDetail("server", s.Name)
	}
	return nil
}

// Result is the outcome of one tool call.
type Result struct {
	Server     string      `json:"server"`
	Method     string      `json:"method"`
	Text       string      `json:"text"`
	Structured interface{} `json:"structured,omitempty"`
}

// Client lazily connects to configured servers and keeps one session each.
type Client struct {
	logger  *zap.Logger
	impl    *mcpsdk.Implementation
	servers map[string]ServerConfig
	// transports pinned at construction, keyed by server name
	transports map[string]mcpsdk.Transport

	mu       sync.Mutex
	sessions map[string]*mcpsdk.ClientSession
}

// Option configures a Client.
type Option func(*Client)

// WithTransport connects the named server over t instead of its command or URL.
func WithTransport(name string, t mcpsdk.Transport) Option {
	return func(c *Client) {
		c.transports[name] = t
		if _, ok := c.servers[name]; !ok {
			c.servers[name] = ServerConfig{Name: name}
		}
	}
}

// NewClient validates the server list. No connection is made until the first call.
func NewClient(servers []ServerConfig, version string, logger *zap.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		logger:     logger,
		impl:       &mcpsdk.Implementation{Name: "teamleader", Version: version},
		servers:    make(map[string]ServerConfig, len(servers)),
		transports: make(map[string]mcpsdk.Transport),
		sessions:   make(map[string]*mcpsdk.ClientSession),
	}
	for _, s := range servers {
		if err := s.validate(); err != nil {
			return nil, err
		}
		if _, dup := c.servers[s.Name]; dup {
			return nil, sdkerrors.Configuration("MCP_SERVER_DUPLICATE", "mcp server configured twice").
				WithDetail("server", s.Name)
		}
		c.servers[s.Name] = s
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Servers lists configured server names.
func (c *Client) Servers() []string {
	out := make([]string, 0, len(c.servers))
	for name := range c.servers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Has reports whether a server is configured.
func (c *Client) Has(server string) bool {
	_, ok := c.servers[server]
	return ok
}

func (c *Client) transport(cfg ServerConfig) mcpsdk.Transport {
	if t, ok := c.transports[cfg.Name]; ok {
		return t
	}
	if cfg.URL != "" {
		return &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}
	cmd := exec.Command(cfg.Command, cfg.Args...)
	if len(cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), cfg.Env...)
	}
	return &mcpsdk.CommandTransport{Command: cmd}
}

func (c *Client) session(ctx context.Context, server string) (*mcpsdk.ClientSession, ServerConfig, error) {
	cfg, ok := c.servers[server]
	if !ok {
		return nil, cfg, sdkerrors.MCPServer("MCP_SERVER_UNKNOWN", "mcp server is not configured", nil).
			WithDetail("server", server)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[server]; ok {
		return s, cfg, nil
	}
	client := mcpsdk.NewClient(c.impl, nil)
	s, err := client.Connect(ctx, c.transport(cfg), nil)
	if err != nil {
		return nil, cfg, sdkerrors.MCPServer("MCP_CONNECT_FAILED", "failed to connect to mcp server", err).
			WithDetail("server", server)
	}
	c.sessions[server] = s
	c.logger.Info("Connected to MCP server", zap.String("server", server))
	return s, cfg, nil
}

// drop forgets a session so the next call reconnects.
func (c *Client) drop(server string, s *mcpsdk.ClientSession) {
	c.mu.Lock()
	if cur, ok := c.sessions[server]; ok && cur == s {
		delete(c.sessions, server)
	}
	c.mu.Unlock()
	_ = s.Close()
}

// Call invokes tool method on server with params.
func (c *Client) Call(ctx context.Context, server, method string, params map[string]interface{}) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "mcp.Call")
	defer span.End()

	start := time.Now()
	res, err := c.call(ctx, server, method, params)
	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.MCPCalls.WithLabelValues(server, result).Inc()
	metrics.MCPCallDuration.WithLabelValues(server).Observe(time.Since(start).Seconds())
	tracing.RecordError(span, err)
	return res, err
}

func (c *Client) call(ctx context.Context, server, method string, params map[string]interface{}) (*Result, error) {
	s, cfg, err := c.session(ctx, server)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := s.CallTool(ctx, &mcpsdk.CallToolParams{Name: method, Arguments: params})
	if err != nil {
		c.logger.Warn("MCP call failed",
			zap.String("server", server),
			zap.String("method", method),
			zap.Error(err),
		)
		if ctx.Err() == nil {
			c.drop(server, s)
		}
		return nil, sdkerrors.MCPServer("MCP_CALL_FAILED", "mcp tool call failed", err).
			WithDetail("server", server).
			WithDetail("method", method)
	}

	text := contentText(out.Content)
	if out.IsError {
		return nil, sdkerrors.MCPServer("MCP_TOOL_ERROR", "mcp tool reported an error", fmt.Errorf("%s", text)).
			WithDetail("server", server).
			WithDetail("method", method)
	}
	return &Result{Server: server, Method: method, Text: text, Structured: out.StructuredContent}, nil
}

// ListTools returns the tool names a server exposes.
func (c *Client) ListTools(ctx context.Context, server string) ([]string, error) {
	s, _, err := c.session(ctx, server)
	if err != nil {
		return nil, err
	}
	res, err := s.ListTools(ctx, &mcpsdk.ListToolsParams{})
	if err != nil {
		c.drop(server, s)
		return nil, sdkerrors.MCPServer("MCP_CALL_FAILED", "failed to list mcp tools", err).
			WithDetail("server", server)
	}
	names := make([]string, 0, len(res.Tools))
	for _, t := range res.Tools {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return names, nil
}

// Close ends every open session.
func (c *Client) Close() error {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]*mcpsdk.ClientSession)
	c.mu.Unlock()

	var errs []string
	for name, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to close mcp sessions: %s", strings.Join(errs, "; "))
	}
	return nil
}

func contentText(content []mcpsdk.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
