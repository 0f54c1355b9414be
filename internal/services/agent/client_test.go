package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namastexlabs/omni-gateway/internal/domain"
)

func fastConfig() Config {
	return Config{MaxAttempts: 3, RetryBase: time.Millisecond, RetryCap: 5 * time.Millisecond}
}

func testInstance(url string) *domain.InstanceConfig {
	return &domain.InstanceConfig{
		Name:         "wa-main",
		AgentAPIURL:  url,
		AgentAPIKey:  "secret-key",
		DefaultAgent: "concierge",
	}
}

func TestInvokeSuccess(t *testing.T) {
	var gotPath, gotKey string
	var gotReq domain.AgentRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-api-key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(domain.AgentResponse{
			Message:     "hi there",
			SessionID:   "sess-1",
			AgentUserID: "agent-user-9",
		})
	}))
	defer srv.Close()

	client := NewClient(fastConfig())
	resp, err := client.Invoke(context.Background(), testInstance(srv.URL), &domain.AgentRequest{
		Message:   "hello",
		SessionID: "wa-main_5511999990000",
	})
	require.NoError(t, err)

	assert.Equal(t, "/api/v1/agent/concierge/run", gotPath)
	assert.Equal(t, "secret-key", gotKey)
	assert.Equal(t, "concierge", gotReq.Agent)
	assert.Equal(t, "hi there", resp.Message)
	assert.Equal(t, "agent-user-9", resp.AgentUserID)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestInvokeRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(domain.AgentResponse{Message: "recovered"})
	}))
	defer srv.Close()

	client := NewClient(fastConfig())
	resp, err := client.Invoke(context.Background(), testInstance(srv.URL), &domain.AgentRequest{Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Message)
	assert.EqualValues(t, 3, calls.Load())
}

func TestInvokeExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(fastConfig())
	_, err := client.Invoke(context.Background(), testInstance(srv.URL), &domain.AgentRequest{Message: "hi"})
	require.Error(t, err)
	assert.EqualValues(t, 3, calls.Load())

	// The upstream status survives exhaustion.
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusInternalServerError, httpErr.StatusCode)
}

func TestInvokeTimeoutReArmsPerAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	inst := testInstance(srv.URL)
	inst.AgentTimeoutMS = 30

	client := NewClient(fastConfig())
	_, err := client.Invoke(context.Background(), inst, &domain.AgentRequest{Message: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	// Every attempt got its own deadline instead of sharing one budget.
	assert.EqualValues(t, 3, calls.Load())
}

func TestInvokeClientErrorIsTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such agent", http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(fastConfig())
	resp, err := client.Invoke(context.Background(), testInstance(srv.URL), &domain.AgentRequest{Message: "hi"})
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "agent_http_404", resp.Error.Kind)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.EqualValues(t, 1, calls.Load())
}

func TestInvokeHonorsContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	client := NewClient(fastConfig())
	_, err := client.Invoke(ctx, testInstance(srv.URL), &domain.AgentRequest{Message: "hi"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInvokeRequestAgentOverridesDefault(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(domain.AgentResponse{Message: "ok"})
	}))
	defer srv.Close()

	client := NewClient(fastConfig())
	_, err := client.Invoke(context.Background(), testInstance(srv.URL), &domain.AgentRequest{
		Message: "hi",
		Agent:   "custom-agent",
	})
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/agent/custom-agent/run", gotPath)
}
