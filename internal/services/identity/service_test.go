package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/namastexlabs/omni-gateway/internal/domain"
	"github.com/namastexlabs/omni-gateway/internal/migrations"
	"github.com/namastexlabs/omni-gateway/internal/repository"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, migrations.AutoMigrate(db))
	return NewService(repository.NewGormRepositoryManager(db), nil)
}

func TestGetOrCreateByPhoneCreatesAndLinks(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	instName := "wa-main"

	user, err := svc.GetOrCreateByPhone(ctx, "5511999990000", "Alice", &instName)
	require.NoError(t, err)
	require.NotEmpty(t, user.ID)
	assert.Equal(t, "Alice", user.DisplayName)

	loaded, err := svc.GetUser(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, loaded.ExternalIDs, 1)
	assert.Equal(t, domain.ChannelWhatsApp, loaded.ExternalIDs[0].Provider)
	assert.Equal(t, "5511999990000", loaded.ExternalIDs[0].ExternalID)
}

func TestGetOrCreateByPhoneIsStable(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first, err := svc.GetOrCreateByPhone(ctx, "5511999990000", "", nil)
	require.NoError(t, err)
	second, err := svc.GetOrCreateByPhone(ctx, "5511999990000", "Alice", nil)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	// A later display name fills in a missing one.
	assert.Equal(t, "Alice", second.DisplayName)
}

func TestResolveExternalPrefersInstanceScope(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	instName := "dc-main"

	global, err := svc.GetOrCreateByPhone(ctx, "5511111110000", "", nil)
	require.NoError(t, err)
	scoped, err := svc.GetOrCreateByPhone(ctx, "5511222220000", "", nil)
	require.NoError(t, err)

	require.NoError(t, svc.LinkExternal(ctx, global.ID, domain.ChannelDiscord, "discord-123", nil))
	require.NoError(t, svc.LinkExternal(ctx, scoped.ID, domain.ChannelDiscord, "discord-123", &instName))

	got, err := svc.ResolveExternal(ctx, domain.ChannelDiscord, "discord-123", &instName)
	require.NoError(t, err)
	assert.Equal(t, scoped.ID, got.ID)

	// Another instance falls back to the NULL-scoped link.
	other := "dc-other"
	got, err = svc.ResolveExternal(ctx, domain.ChannelDiscord, "discord-123", &other)
	require.NoError(t, err)
	assert.Equal(t, global.ID, got.ID)
}

func TestResolveExternalUnknownReturnsNil(t *testing.T) {
	svc := newTestService(t)

	got, err := svc.ResolveExternal(context.Background(), domain.ChannelDiscord, "nobody", nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLinkExternalIdempotentAndExclusive(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	alice, err := svc.GetOrCreateByPhone(ctx, "5511111110000", "", nil)
	require.NoError(t, err)
	bob, err := svc.GetOrCreateByPhone(ctx, "5511222220000", "", nil)
	require.NoError(t, err)

	require.NoError(t, svc.LinkExternal(ctx, alice.ID, domain.ChannelDiscord, "discord-9", nil))
	// Same tuple, same user: idempotent.
	require.NoError(t, svc.LinkExternal(ctx, alice.ID, domain.ChannelDiscord, "discord-9", nil))
	// Same tuple, different user: rejected.
	err = svc.LinkExternal(ctx, bob.ID, domain.ChannelDiscord, "discord-9", nil)
	assert.ErrorIs(t, err, ErrUniqueViolation)
}

func TestMemoCacheLocalFallback(t *testing.T) {
	cache := NewMemoCache(nil)
	ctx := context.Background()

	assert.Empty(t, cache.Recall(ctx, "wa-main_5511999990000"))
	cache.Remember(ctx, "wa-main_5511999990000", "user-1")
	assert.Equal(t, "user-1", cache.Recall(ctx, "wa-main_5511999990000"))
	cache.Forget(ctx, "wa-main_5511999990000")
	assert.Empty(t, cache.Recall(ctx, "wa-main_5511999990000"))
}
