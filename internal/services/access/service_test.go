package access

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

func newTestService(t *testing.T) (*Service, repository.RepositoryManager) {
	t.Helper()
	repos := newTestRepos(t)
	svc, err := NewService(context.Background(), repos)
	require.NoError(t, err)
	return svc, repos
}

func addRule(t *testing.T, svc *Service, ruleType domain.RuleType, pattern string, instanceName *string) {
	t.Helper()
	_, err := svc.AddRule(context.Background(), ruleType, &domain.CreateAccessRuleRequest{
		PhoneNumber:  pattern,
		InstanceName: instanceName,
	})
	require.NoError(t, err)
}

func TestNormalizeIdentifier(t *testing.T) {
	assert.Equal(t, "5511999990000", NormalizeIdentifier("+5511999990000"))
	assert.Equal(t, "5511999990000", NormalizeIdentifier("5511999990000@s.whatsapp.net"))
	assert.Equal(t, "5511999990000", NormalizeIdentifier(" +5511999990000@s.whatsapp.net "))
	assert.Equal(t, "123456789", NormalizeIdentifier("123456789"))
}

func TestCheckAccessNoRulesAllowsEveryone(t *testing.T) {
	svc, _ := newTestService(t)

	decision := svc.CheckAccess("wa-main", "5511999990000")
	assert.True(t, decision.Allowed)
	assert.Empty(t, decision.Reason)
}

func TestCheckAccessExactDeny(t *testing.T) {
	svc, _ := newTestService(t)
	addRule(t, svc, domain.RuleDeny, "5511999990000", nil)

	decision := svc.CheckAccess("wa-main", "5511999990000")
	assert.False(t, decision.Allowed)
	assert.Equal(t, domain.BlockReasonDenied, decision.Reason)

	// Other senders stay allowed; no allow rules exist.
	assert.True(t, svc.CheckAccess("wa-main", "5511888880000").Allowed)
}

func TestCheckAccessDenyMatchesNormalizedIdentifier(t *testing.T) {
	svc, _ := newTestService(t)
	addRule(t, svc, domain.RuleDeny, "+5511999990000", nil)

	decision := svc.CheckAccess("wa-main", "5511999990000@s.whatsapp.net")
	assert.False(t, decision.Allowed)
}

func TestCheckAccessPrefixWildcard(t *testing.T) {
	svc, _ := newTestService(t)
	addRule(t, svc, domain.RuleDeny, "44*", nil)

	assert.False(t, svc.CheckAccess("wa-main", "447700900000").Allowed)
	assert.True(t, svc.CheckAccess("wa-main", "5511999990000").Allowed)
}

func TestCheckAccessAllowlistImpliesDefaultDeny(t *testing.T) {
	svc, _ := newTestService(t)
	addRule(t, svc, domain.RuleAllow, "5511999990000", nil)

	assert.True(t, svc.CheckAccess("wa-main", "5511999990000").Allowed)

	decision := svc.CheckAccess("wa-main", "5511888880000")
	assert.False(t, decision.Allowed)
	assert.Equal(t, domain.BlockReasonNotInAllowlist, decision.Reason)
}

func TestCheckAccessDenyBeatsAllow(t *testing.T) {
	svc, _ := newTestService(t)
	addRule(t, svc, domain.RuleAllow, "55*", nil)
	addRule(t, svc, domain.RuleDeny, "5511999990000", nil)

	assert.False(t, svc.CheckAccess("wa-main", "5511999990000").Allowed)
	assert.True(t, svc.CheckAccess("wa-main", "5511888880000").Allowed)
}

func TestCheckAccessInstanceScopePrecedence(t *testing.T) {
	svc, _ := newTestService(t)
	instName := "wa-main"
	addRule(t, svc, domain.RuleDeny, "5511999990000", &instName)

	// Scoped deny only bites its own instance.
	assert.False(t, svc.CheckAccess("wa-main", "5511999990000").Allowed)
	assert.True(t, svc.CheckAccess("wa-other", "5511999990000").Allowed)
}

func TestCheckAccessGlobalAllowAppliesEverywhere(t *testing.T) {
	svc, _ := newTestService(t)
	instName := "wa-main"
	addRule(t, svc, domain.RuleAllow, "5511999990000", &instName)
	addRule(t, svc, domain.RuleAllow, "5511777770000", nil)

	// The global allow admits the sender on any instance.
	assert.True(t, svc.CheckAccess("wa-other", "5511777770000").Allowed)
	// The scoped allow only covers its instance; elsewhere the sender
	// falls through to not_in_allowlist.
	assert.True(t, svc.CheckAccess("wa-main", "5511999990000").Allowed)
	assert.False(t, svc.CheckAccess("wa-other", "5511999990000").Allowed)
}

func TestAddRuleIdempotent(t *testing.T) {
	svc, repos := newTestService(t)

	first, err := svc.AddRule(context.Background(), domain.RuleDeny, &domain.CreateAccessRuleRequest{PhoneNumber: "5511999990000"})
	require.NoError(t, err)
	second, err := svc.AddRule(context.Background(), domain.RuleDeny, &domain.CreateAccessRuleRequest{PhoneNumber: "5511999990000"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	rules, err := repos.AccessRules().ListActive(context.Background())
	require.NoError(t, err)
	assert.Len(t, rules, 1)
}

func TestAddRuleRejectsBareWildcard(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.AddRule(context.Background(), domain.RuleDeny, &domain.CreateAccessRuleRequest{PhoneNumber: "*"})
	assert.Error(t, err)
	_, err = svc.AddRule(context.Background(), domain.RuleAllow, &domain.CreateAccessRuleRequest{PhoneNumber: ""})
	assert.Error(t, err)
}

func TestRemoveRuleReloadsCache(t *testing.T) {
	svc, _ := newTestService(t)

	rule, err := svc.AddRule(context.Background(), domain.RuleDeny, &domain.CreateAccessRuleRequest{PhoneNumber: "5511999990000"})
	require.NoError(t, err)
	assert.False(t, svc.CheckAccess("wa-main", "5511999990000").Allowed)

	require.NoError(t, svc.RemoveRule(context.Background(), rule.ID))
	assert.True(t, svc.CheckAccess("wa-main", "5511999990000").Allowed)
}
