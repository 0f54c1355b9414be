package tracing

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/namastexlabs/omni-gateway/internal/domain"
	"github.com/namastexlabs/omni-gateway/internal/migrations"
	"github.com/namastexlabs/omni-gateway/internal/repository"
)

func newTestRepos(t *testing.T) repository.RepositoryManager {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, migrations.AutoMigrate(db))
	return repository.NewGormRepositoryManager(db)
}

func testInstance() *domain.InstanceConfig {
	return &domain.InstanceConfig{
		Name:        "wa-main",
		ChannelType: domain.ChannelWhatsApp,
	}
}

func testMessage() *domain.OmniMessage {
	return &domain.OmniMessage{
		ID:          "MSG1",
		ChatID:      "5511999990000@s.whatsapp.net",
		SenderID:    "5511999990000",
		MessageType: domain.MessageTypeText,
		Text:        "hello",
	}
}

func TestCreateInboundOpensTraceWithWebhookStage(t *testing.T) {
	repos := newTestRepos(t)
	store := NewStore(DefaultConfig())
	ctx := context.Background()

	traceID, err := store.CreateInbound(ctx, repos, testInstance(), testMessage(), map[string]string{"event": "messages.upsert"})
	require.NoError(t, err)
	require.NotEmpty(t, traceID)

	trace, err := repos.Traces().GetTrace(ctx, traceID)
	require.NoError(t, err)
	assert.Equal(t, domain.TraceStatusReceived, trace.TraceStatus)
	assert.Equal(t, domain.DirectionInbound, trace.Direction)
	assert.Equal(t, "5511999990000", trace.SenderPhone)

	payloads, err := repos.Traces().ListPayloads(ctx, traceID)
	require.NoError(t, err)
	require.Len(t, payloads, 1)
	assert.Equal(t, domain.StageWebhookReceived, payloads[0].Stage)
}

func TestLogStageOrderingAndTerminalRejection(t *testing.T) {
	repos := newTestRepos(t)
	store := NewStore(DefaultConfig())
	ctx := context.Background()

	traceID, err := store.CreateInbound(ctx, repos, testInstance(), testMessage(), "envelope")
	require.NoError(t, err)

	require.NoError(t, store.LogStage(ctx, repos, traceID, domain.StageAgentRequest, map[string]string{"message": "hello"}, nil))
	code := 200
	require.NoError(t, store.LogStage(ctx, repos, traceID, domain.StageAgentResponse, map[string]string{"message": "hi"}, &code))

	require.NoError(t, store.UpdateStatus(ctx, repos, traceID, domain.TraceStatusCompleted, ""))

	err = store.LogStage(ctx, repos, traceID, domain.StageEvolutionSend, "late", nil)
	assert.ErrorIs(t, err, ErrTraceClosed)

	payloads, err := repos.Traces().ListPayloads(ctx, traceID)
	require.NoError(t, err)
	require.Len(t, payloads, 3)
	assert.Equal(t, domain.StageWebhookReceived, payloads[0].Stage)
	assert.Equal(t, domain.StageAgentRequest, payloads[1].Stage)
	assert.Equal(t, domain.StageAgentResponse, payloads[2].Stage)
	require.NotNil(t, payloads[2].StatusCode)
	assert.Equal(t, 200, *payloads[2].StatusCode)
}

func TestTerminalStatusStampsCompletedAt(t *testing.T) {
	repos := newTestRepos(t)
	store := NewStore(DefaultConfig())
	ctx := context.Background()

	traceID, err := store.CreateInbound(ctx, repos, testInstance(), testMessage(), "envelope")
	require.NoError(t, err)

	require.NoError(t, store.UpdateStatus(ctx, repos, traceID, domain.TraceStatusFailed, domain.ErrKindAgentTimeout))

	trace, err := repos.Traces().GetTrace(ctx, traceID)
	require.NoError(t, err)
	assert.Equal(t, domain.TraceStatusFailed, trace.TraceStatus)
	assert.Equal(t, domain.ErrKindAgentTimeout, trace.ErrorKind)
	require.NotNil(t, trace.CompletedAt)
}

func TestLargePayloadCompressionIsLossless(t *testing.T) {
	repos := newTestRepos(t)
	store := NewStore(DefaultConfig())
	ctx := context.Background()

	big := map[string]string{"body": strings.Repeat("the quick brown fox ", 200)}
	traceID, err := store.CreateInbound(ctx, repos, testInstance(), testMessage(), big)
	require.NoError(t, err)

	payloads, err := repos.Traces().ListPayloads(ctx, traceID)
	require.NoError(t, err)
	require.Len(t, payloads, 1)

	p := payloads[0]
	assert.True(t, p.Compressed())
	assert.Greater(t, p.SizeOriginal, 1024)
	assert.Less(t, p.SizeCompressed, p.SizeOriginal)
	assert.InDelta(t, float64(p.SizeCompressed)/float64(p.SizeOriginal), p.CompressionRatio, 0.001)

	decoded, err := store.DecodePayload(p)
	require.NoError(t, err)
	expected, _ := json.Marshal(big)
	assert.True(t, bytes.Equal(expected, decoded))
}

func TestSmallPayloadStaysUncompressed(t *testing.T) {
	repos := newTestRepos(t)
	store := NewStore(DefaultConfig())
	ctx := context.Background()

	traceID, err := store.CreateInbound(ctx, repos, testInstance(), testMessage(), map[string]string{"ok": "yes"})
	require.NoError(t, err)

	payloads, err := repos.Traces().ListPayloads(ctx, traceID)
	require.NoError(t, err)
	require.Len(t, payloads, 1)
	assert.False(t, payloads[0].Compressed())

	decoded, err := store.DecodePayload(payloads[0])
	require.NoError(t, err)
	assert.True(t, json.Valid(decoded))
}

func TestMediaDetection(t *testing.T) {
	data := []byte(`{"media_url":"https://cdn.example.com/x.jpg"}`)
	media, b64 := detectMedia(data)
	assert.True(t, media)
	assert.False(t, b64)

	data = []byte(`{"thumb":"data:image/png;base64,iVBORw0KGgo="}`)
	media, b64 = detectMedia(data)
	assert.True(t, media)
	assert.True(t, b64)

	data = []byte(`{"text":"plain message"}`)
	media, b64 = detectMedia(data)
	assert.False(t, media)
	assert.False(t, b64)
}

func TestRecordOutbound(t *testing.T) {
	repos := newTestRepos(t)
	store := NewStore(DefaultConfig())
	ctx := context.Background()

	code := 201
	traceID, err := store.RecordOutbound(ctx, repos, testInstance(), "5511888880000", domain.MessageTypeText, map[string]string{"text": "hi"}, &code)
	require.NoError(t, err)

	trace, err := repos.Traces().GetTrace(ctx, traceID)
	require.NoError(t, err)
	assert.Equal(t, domain.DirectionOutbound, trace.Direction)

	payloads, err := repos.Traces().ListPayloads(ctx, traceID)
	require.NoError(t, err)
	require.Len(t, payloads, 1)
	assert.Equal(t, domain.StageEvolutionSend, payloads[0].Stage)
}

func TestCleanupOlderThan(t *testing.T) {
	repos := newTestRepos(t)
	store := NewStore(DefaultConfig())
	ctx := context.Background()

	traceID, err := store.CreateInbound(ctx, repos, testInstance(), testMessage(), "old")
	require.NoError(t, err)

	// Nothing is older than a cutoff in the past.
	n, err := store.CleanupOlderThan(ctx, repos, time.Now().Add(-time.Hour), 100)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = store.CleanupOlderThan(ctx, repos, time.Now().Add(time.Hour), 100)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = repos.Traces().GetTrace(ctx, traceID)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	// Idempotent.
	n, err = store.CleanupOlderThan(ctx, repos, time.Now().Add(time.Hour), 100)
	require.NoError(t, err)
	assert.Zero(t, n)
}
