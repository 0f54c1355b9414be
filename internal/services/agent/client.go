// Package agent is the HTTP client for the upstream automagik agent
// API each instance is bound to.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/namastexlabs/omni-gateway/internal/domain"
	"github.com/namastexlabs/omni-gateway/pkg/logger"
)

// Config tunes the retry policy.
type Config struct {
	MaxAttempts int
	RetryBase   time.Duration
	RetryCap    time.Duration
}

// DefaultConfig returns the stock agent client tuning.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		RetryBase:   250 * time.Millisecond,
		RetryCap:    4 * time.Second,
	}
}

// HTTPError is an agent HTTP failure status that survived the retry
// budget.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("agent returned %d: %s", e.StatusCode, e.Body)
}

// Client calls an instance's agent endpoint. Each attempt gets its own
// agent_timeout_ms deadline; the caller's context bounds the whole
// invocation.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient creates an agent client.
func NewClient(cfg Config) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultConfig().RetryBase
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = DefaultConfig().RetryCap
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{},
	}
}

// Invoke posts a message turn to the instance's agent. Network errors
// and 5xx responses are retried with exponential backoff; 4xx responses
// are terminal and surface as an AgentResponse carrying an error. The
// returned error is non-nil only when no response could be obtained at
// all.
func (c *Client) Invoke(ctx context.Context, inst *domain.InstanceConfig, req *domain.AgentRequest) (*domain.AgentResponse, error) {
	if req.Agent == "" {
		req.Agent = inst.DefaultAgent
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal agent request: %w", err)
	}

	endpoint := strings.TrimRight(inst.AgentAPIURL, "/") + "/api/v1/agent/" + req.Agent + "/run"

	var lastErr error
	backoff := c.cfg.RetryBase

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		out, retryable, err := c.attempt(ctx, inst, endpoint, body)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retryable {
			return out, err
		}
		lastErr = err

		if attempt == c.cfg.MaxAttempts {
			break
		}

		logger.Base().Warn("agent call retrying",
			zap.String("instance", inst.Name),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)

		jitter := time.Duration(rand.Int63n(int64(backoff)/2 + 1))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff + jitter):
		}
		backoff *= 2
		if backoff > c.cfg.RetryCap {
			backoff = c.cfg.RetryCap
		}
	}
	return nil, fmt.Errorf("agent call failed after %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

// attempt runs one agent call under its own agent_timeout_ms deadline
// so a retry re-arms the timer.
func (c *Client) attempt(ctx context.Context, inst *domain.InstanceConfig, endpoint string, body []byte) (*domain.AgentResponse, bool, error) {
	if inst.AgentTimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(inst.AgentTimeoutMS)*time.Millisecond)
		defer cancel()
	}

	resp, err := c.post(ctx, endpoint, inst.AgentAPIKey, body)
	if err != nil {
		return nil, true, err
	}
	return c.handleResponse(resp)
}

func (c *Client) post(ctx context.Context, endpoint, apiKey string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("x-api-key", apiKey)
	}
	return c.http.Do(httpReq)
}

// handleResponse classifies a response. retryable is true for 5xx.
func (c *Client) handleResponse(resp *http.Response) (*domain.AgentResponse, bool, error) {
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, true, fmt.Errorf("read agent response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return nil, true, &HTTPError{StatusCode: resp.StatusCode, Body: truncate(raw, 200)}
	}
	if resp.StatusCode >= 400 {
		out := &domain.AgentResponse{
			StatusCode: resp.StatusCode,
			Error: &domain.AgentError{
				Kind:   domain.AgentHTTPErrorKind(resp.StatusCode),
				Detail: truncate(raw, 500),
			},
		}
		return out, false, nil
	}

	var out domain.AgentResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false, fmt.Errorf("decode agent response: %w", err)
	}
	out.StatusCode = resp.StatusCode
	return &out, false, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
