// Package remote is the HTTP client for externally hosted agents. It speaks
// the bid/execute/health interface with per-call timeouts and routes every
// call through the circuit breaker for its target.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gocache "github.com/patrickmn/go-cache"

	"github.com/taskex/taskex/breaker"
	"github.com/taskex/taskex/clock"
	"github.com/taskex/taskex/log"
	"github.com/taskex/taskex/protocol"
	"github.com/taskex/taskex/types"
)

// Client errors.
var (
	ErrRemoteStatus = errors.New("remote: non-2xx response")
	ErrNoEndpoint   = errors.New("remote: agent has no endpoint")
)

// StatusError carries the HTTP status of a failed remote call.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote: status %d: %s", e.Code, e.Body)
}

// Unwrap lets callers match with errors.Is(err, ErrRemoteStatus).
func (e *StatusError) Unwrap() error { return ErrRemoteStatus }

// AgentConfig describes one hosted agent endpoint. Authentication is one of
// BearerToken (Authorization header), APIKey (X-API-Key header), or
// JWTSecret (a short-lived HS256 token minted per call).
type AgentConfig struct {
	AgentID     string `yaml:"agentId"`
	BaseURL     string `yaml:"baseUrl"`
	BearerToken string `yaml:"bearerToken,omitempty"`
	APIKey      string `yaml:"apiKey,omitempty"`
	JWTSecret   string `yaml:"jwtSecret,omitempty"`
}

// Config bounds per-call timeouts and health caching.
type Config struct {
	BidTimeout     time.Duration `yaml:"bidTimeout"`
	ExecuteTimeout time.Duration `yaml:"executeTimeout"`
	HealthTimeout  time.Duration `yaml:"healthTimeout"`
	// HealthCacheTTL is how long a health probe result is reused before
	// the endpoint is asked again.
	HealthCacheTTL time.Duration `yaml:"healthCacheTTL"`
}

// DefaultConfig returns the standard remote-call timeouts.
func DefaultConfig() Config {
	return Config{
		BidTimeout:     10 * time.Second,
		ExecuteTimeout: 30 * time.Second,
		HealthTimeout:  5 * time.Second,
		HealthCacheTTL: 15 * time.Second,
	}
}

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// Healthy reports whether the endpoint declared itself serviceable.
func (h HealthStatus) Healthy() bool {
	return strings.EqualFold(h.Status, "ok") || strings.EqualFold(h.Status, "healthy")
}

// Client calls hosted agents over HTTP. All methods are safe for concurrent
// use. Timeouts and non-2xx responses count as breaker failures for the
// agent's target.
type Client struct {
	cfg    Config
	httpc  *http.Client
	brk    *breaker.Breaker
	clk    clock.Clock
	logger *log.Logger

	health *gocache.Cache
}

// New creates a Client. brk must not be nil; httpc may be nil for the
// default transport.
func New(cfg Config, brk *breaker.Breaker, httpc *http.Client, clk clock.Clock, logger *log.Logger) *Client {
	def := DefaultConfig()
	if cfg.BidTimeout <= 0 {
		cfg.BidTimeout = def.BidTimeout
	}
	if cfg.ExecuteTimeout <= 0 {
		cfg.ExecuteTimeout = def.ExecuteTimeout
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = def.HealthTimeout
	}
	if cfg.HealthCacheTTL <= 0 {
		cfg.HealthCacheTTL = def.HealthCacheTTL
	}
	if httpc == nil {
		httpc = &http.Client{}
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		cfg:    cfg,
		httpc:  httpc,
		brk:    brk,
		clk:    clk,
		logger: logger.Module("remote"),
		health: gocache.New(cfg.HealthCacheTTL, 2*cfg.HealthCacheTTL),
	}
}

// Bid asks the hosted agent to price a task. A nil bid in the response body
// is a formal decline and is returned as (nil, nil).
func (c *Client) Bid(ctx context.Context, agent AgentConfig, req *protocol.BidRequest) (*types.Bid, error) {
	var resp protocol.BidResponse
	if err := c.post(ctx, agent, "/bid", c.cfg.BidTimeout, req, &resp); err != nil {
		return nil, err
	}
	return resp.Bid, nil
}

// Execute hands an assignment to the hosted agent and waits for the result.
func (c *Client) Execute(ctx context.Context, agent AgentConfig, assignment *protocol.TaskAssignment) (*types.TaskResult, error) {
	var resp protocol.TaskResultMsg
	if err := c.post(ctx, agent, "/execute", c.cfg.ExecuteTimeout, assignment, &resp); err != nil {
		return nil, err
	}
	if resp.Result == nil {
		return nil, fmt.Errorf("%w: execute response without result", ErrRemoteStatus)
	}
	return resp.Result, nil
}

// Health probes the endpoint, serving a cached verdict while the TTL holds.
func (c *Client) Health(ctx context.Context, agent AgentConfig) (HealthStatus, error) {
	if cached, ok := c.health.Get(agent.AgentID); ok {
		return cached.(HealthStatus), nil
	}
	var status HealthStatus
	if err := c.get(ctx, agent, "/health", c.cfg.HealthTimeout, &status); err != nil {
		return HealthStatus{}, err
	}
	c.health.Set(agent.AgentID, status, gocache.DefaultExpiration)
	return status, nil
}

// BreakerState exposes the circuit state for the agent's target.
func (c *Client) BreakerState(agentID string) breaker.State {
	return c.brk.State(agentID)
}

func (c *Client) post(ctx context.Context, agent AgentConfig, path string, timeout time.Duration, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("remote: encode %s: %w", path, err)
	}
	return c.do(ctx, agent, http.MethodPost, path, timeout, bytes.NewReader(payload), out)
}

func (c *Client) get(ctx context.Context, agent AgentConfig, path string, timeout time.Duration, out any) error {
	return c.do(ctx, agent, http.MethodGet, path, timeout, nil, out)
}

func (c *Client) do(ctx context.Context, agent AgentConfig, method, path string, timeout time.Duration, body io.Reader, out any) error {
	if agent.BaseURL == "" {
		return ErrNoEndpoint
	}
	if err := c.brk.Allow(agent.AgentID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(agent.BaseURL, "/")+path, body)
	if err != nil {
		c.brk.RecordFailure(agent.AgentID)
		return fmt.Errorf("remote: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(req, agent); err != nil {
		c.brk.RecordFailure(agent.AgentID)
		return err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		c.brk.RecordFailure(agent.AgentID)
		c.logger.Warn("remote call failed", "agent", agent.AgentID, "path", path, "err", err)
		return fmt.Errorf("remote: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.brk.RecordFailure(agent.AgentID)
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn("remote call rejected",
			"agent", agent.AgentID, "path", path, "status", resp.StatusCode)
		return &StatusError{Code: resp.StatusCode, Body: string(snippet)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			c.brk.RecordFailure(agent.AgentID)
			return fmt.Errorf("remote: decode %s response: %w", path, err)
		}
	}
	c.brk.RecordSuccess(agent.AgentID)
	return nil
}

// authorize attaches the agent's credential: an explicit bearer token, an
// API key header, or a freshly minted short-lived HS256 token.
func (c *Client) authorize(req *http.Request, agent AgentConfig) error {
	switch {
	case agent.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+agent.BearerToken)
	case agent.JWTSecret != "":
		token, err := c.mintToken(agent)
		if err != nil {
			return fmt.Errorf("remote: mint token for %s: %w", agent.AgentID, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	case agent.APIKey != "":
		req.Header.Set("X-API-Key", agent.APIKey)
	}
	return nil
}

func (c *Client) mintToken(agent AgentConfig) (string, error) {
	now := c.clk.Now()
	claims := jwt.MapClaims{
		"sub": agent.AgentID,
		"iss": "taskex",
		"iat": jwt.NewNumericDate(now),
		"exp": jwt.NewNumericDate(now.Add(time.Minute)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(agent.JWTSecret))
}
