// Package tracing persists message traces and their staged payloads.
// It owns the retry policy for trace writes: callers see a plain
// *StoreError they may swallow, because a failed trace write must not
// abort message processing.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/namastexlabs/omni-gateway/internal/domain"
	"github.com/namastexlabs/omni-gateway/internal/repository"
	"github.com/namastexlabs/omni-gateway/pkg/logger"
)

// ErrTraceClosed rejects stage appends after a trace went terminal.
var ErrTraceClosed = errors.New("trace is terminal")

// StoreError wraps a trace write failure after retry exhaustion.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("trace store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Config tunes the store.
type Config struct {
	// CompressionThreshold is the payload size in bytes above which
	// payloads are deflate-compressed.
	CompressionThreshold int
	RetryAttempts        int
	RetryBase            time.Duration
	RetryCap             time.Duration
}

// DefaultConfig returns the stock store tuning.
func DefaultConfig() Config {
	return Config{
		CompressionThreshold: 1024,
		RetryAttempts:        3,
		RetryBase:            50 * time.Millisecond,
		RetryCap:             time.Second,
	}
}

// Store writes traces and payloads through an explicitly passed
// repository handle; it never opens transactions of its own.
type Store struct {
	cfg Config
}

// NewStore creates a trace store.
func NewStore(cfg Config) *Store {
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = DefaultConfig().CompressionThreshold
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = DefaultConfig().RetryAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultConfig().RetryBase
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = DefaultConfig().RetryCap
	}
	return &Store{cfg: cfg}
}

// CreateInbound opens a trace in status received and logs the
// webhook_received stage with the normalized inbound envelope.
func (s *Store) CreateInbound(ctx context.Context, repos repository.RepositoryManager, instance *domain.InstanceConfig, msg *domain.OmniMessage, envelope interface{}) (string, error) {
	trace := &domain.MessageTrace{
		TraceID:      uuid.NewString(),
		InstanceName: instance.Name,
		ChannelType:  instance.ChannelType,
		Direction:    domain.DirectionInbound,
		SenderID:     msg.SenderID,
		MessageType:  msg.MessageType,
		TraceStatus:  domain.TraceStatusReceived,
	}
	if instance.ChannelType == domain.ChannelWhatsApp {
		trace.SenderPhone = msg.SenderID
	}

	err := s.withRetry(ctx, "create inbound trace", func() error {
		return repos.Traces().CreateTrace(ctx, trace)
	})
	if err != nil {
		return "", err
	}

	if err := s.appendPayload(ctx, repos, trace.TraceID, domain.StageWebhookReceived, envelope, nil); err != nil {
		return trace.TraceID, err
	}
	return trace.TraceID, nil
}

// RecordOutbound creates an outbound-only trace and logs its send
// stage in one call. Used by the proactive send path.
func (s *Store) RecordOutbound(ctx context.Context, repos repository.RepositoryManager, instance *domain.InstanceConfig, recipientID string, msgType domain.MessageType, envelope interface{}, statusCode *int) (string, error) {
	trace := &domain.MessageTrace{
		TraceID:      uuid.NewString(),
		InstanceName: instance.Name,
		ChannelType:  instance.ChannelType,
		Direction:    domain.DirectionOutbound,
		SenderID:     recipientID,
		MessageType:  msgType,
		TraceStatus:  domain.TraceStatusProcessing,
	}
	if instance.ChannelType == domain.ChannelWhatsApp {
		trace.SenderPhone = recipientID
	}

	err := s.withRetry(ctx, "create outbound trace", func() error {
		return repos.Traces().CreateTrace(ctx, trace)
	})
	if err != nil {
		return "", err
	}

	stage := domain.StageEvolutionSend
	if instance.ChannelType == domain.ChannelDiscord {
		stage = domain.StageDiscordSend
	}
	if err := s.appendPayload(ctx, repos, trace.TraceID, stage, envelope, statusCode); err != nil {
		return trace.TraceID, err
	}
	return trace.TraceID, nil
}

// LogStage appends a payload stage to an open trace. Appending to a
// terminal trace fails with ErrTraceClosed.
func (s *Store) LogStage(ctx context.Context, repos repository.RepositoryManager, traceID string, stage domain.PayloadStage, payload interface{}, statusCode *int) error {
	trace, err := repos.Traces().GetTrace(ctx, traceID)
	if err != nil {
		return &StoreError{Op: "load trace", Err: err}
	}
	if trace.TraceStatus.Terminal() {
		return ErrTraceClosed
	}
	return s.appendPayload(ctx, repos, traceID, stage, payload, statusCode)
}

// UpdateStatus transitions a trace; terminal statuses stamp
// completed_at.
func (s *Store) UpdateStatus(ctx context.Context, repos repository.RepositoryManager, traceID string, status domain.TraceStatus, errorKind string) error {
	updates := map[string]interface{}{
		"trace_status": status,
	}
	if errorKind != "" {
		updates["error_kind"] = errorKind
	}
	if status.Terminal() {
		updates["completed_at"] = time.Now().UTC()
	}
	return s.withRetry(ctx, "update status", func() error {
		return repos.Traces().UpdateTrace(ctx, traceID, updates)
	})
}

// UpdateAgentInfo records the agent session and user ids on a trace.
func (s *Store) UpdateAgentInfo(ctx context.Context, repos repository.RepositoryManager, traceID, sessionID, agentUserID string) error {
	updates := map[string]interface{}{}
	if sessionID != "" {
		updates["agent_session_id"] = sessionID
	}
	if agentUserID != "" {
		updates["agent_user_id"] = agentUserID
	}
	if len(updates) == 0 {
		return nil
	}
	return s.withRetry(ctx, "update agent info", func() error {
		return repos.Traces().UpdateTrace(ctx, traceID, updates)
	})
}

// CleanupOlderThan deletes traces older than cutoff in bounded batches
// until none remain. Idempotent.
func (s *Store) CleanupOlderThan(ctx context.Context, repos repository.RepositoryManager, cutoff time.Time, batchSize int) (int64, error) {
	var total int64
	for {
		n, err := repos.Traces().DeleteOlderThan(ctx, cutoff, batchSize)
		if err != nil {
			return total, &StoreError{Op: "cleanup", Err: err}
		}
		total += n
		if n == 0 {
			return total, nil
		}
	}
}

// DecodePayload returns the original payload bytes, inflating when the
// row was stored compressed.
func (s *Store) DecodePayload(p *domain.TracePayload) ([]byte, error) {
	if !p.Compressed() {
		return p.PayloadBytes, nil
	}
	return inflate(p.PayloadBytes)
}

func (s *Store) appendPayload(ctx context.Context, repos repository.RepositoryManager, traceID string, stage domain.PayloadStage, payload interface{}, statusCode *int) error {
	data, payloadType, err := canonicalBytes(payload)
	if err != nil {
		return &StoreError{Op: "serialize payload", Err: err}
	}

	containsMedia, containsBase64 := detectMedia(data)
	row := &domain.TracePayload{
		TraceID:        traceID,
		Stage:          stage,
		PayloadType:    payloadType,
		PayloadBytes:   data,
		SizeOriginal:   len(data),
		ContainsMedia:  containsMedia,
		ContainsBase64: containsBase64,
		StatusCode:     statusCode,
	}

	if len(data) > s.cfg.CompressionThreshold {
		compressed, err := deflate(data)
		if err == nil && len(compressed) < len(data) {
			row.PayloadBytes = compressed
			row.SizeCompressed = len(compressed)
			row.CompressionRatio = float64(len(compressed)) / float64(len(data))
		}
	}

	return s.withRetry(ctx, "append payload", func() error {
		return repos.Traces().CreatePayload(ctx, row)
	})
}

// withRetry runs fn with exponential backoff on transient database
// errors. Exhaustion surfaces a *StoreError; deterministic failures
// (not-found, uniqueness) short-circuit.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	backoff := s.cfg.RetryBase

	for attempt := 1; attempt <= s.cfg.RetryAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !repository.IsTransient(err) {
			return &StoreError{Op: op, Err: err}
		}
		if attempt == s.cfg.RetryAttempts {
			break
		}

		logger.Base().Warn("trace store retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		jitter := time.Duration(rand.Int63n(int64(backoff)/2 + 1))
		select {
		case <-ctx.Done():
			return &StoreError{Op: op, Err: ctx.Err()}
		case <-time.After(backoff + jitter):
		}

		backoff *= 2
		if backoff > s.cfg.RetryCap {
			backoff = s.cfg.RetryCap
		}
	}
	return &StoreError{Op: op, Err: err}
}
