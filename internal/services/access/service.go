// Package access implements the firewall-style allow/deny evaluator.
// All active rules are held in an in-memory cache keyed by instance
// name (plus a global bucket) and reloaded after each mutation, so
// CheckAccess never touches the database.
package access

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/namastexlabs/omni-gateway/internal/domain"
	"github.com/namastexlabs/omni-gateway/internal/repository"
	"github.com/namastexlabs/omni-gateway/pkg/logger"
)

// globalBucket keys rules with no instance scope.
const globalBucket = ""

// bucket partitions one scope's rules into an exact-match table and a
// prefix wildcard list, evaluated in that order.
type bucket struct {
	allowExact map[string]struct{}
	denyExact  map[string]struct{}
	// prefixes are stored without the trailing '*'.
	allowPrefix []string
	denyPrefix  []string
}

func newBucket() *bucket {
	return &bucket{
		allowExact: make(map[string]struct{}),
		denyExact:  make(map[string]struct{}),
	}
}

func (b *bucket) add(rule *domain.AccessRule) {
	pattern := rule.PhoneNumber
	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		if rule.RuleType == domain.RuleDeny {
			b.denyPrefix = append(b.denyPrefix, prefix)
		} else {
			b.allowPrefix = append(b.allowPrefix, prefix)
		}
		return
	}
	if rule.RuleType == domain.RuleDeny {
		b.denyExact[pattern] = struct{}{}
	} else {
		b.allowExact[pattern] = struct{}{}
	}
}

func (b *bucket) matchesDeny(id string) bool {
	if _, ok := b.denyExact[id]; ok {
		return true
	}
	for _, prefix := range b.denyPrefix {
		if strings.HasPrefix(id, prefix) {
			return true
		}
	}
	return false
}

func (b *bucket) matchesAllow(id string) bool {
	if _, ok := b.allowExact[id]; ok {
		return true
	}
	for _, prefix := range b.allowPrefix {
		if strings.HasPrefix(id, prefix) {
			return true
		}
	}
	return false
}

func (b *bucket) hasAllowRules() bool {
	return len(b.allowExact) > 0 || len(b.allowPrefix) > 0
}

func (b *bucket) empty() bool {
	return !b.hasAllowRules() && len(b.denyExact) == 0 && len(b.denyPrefix) == 0
}

// Service evaluates and mutates access rules.
type Service struct {
	repos repository.RepositoryManager

	mu      sync.RWMutex
	buckets map[string]*bucket
}

// NewService creates the access control service and loads the rule
// cache. Call Reload after external mutations.
func NewService(ctx context.Context, repos repository.RepositoryManager) (*Service, error) {
	s := &Service{
		repos:   repos,
		buckets: make(map[string]*bucket),
	}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload rebuilds the in-memory cache from all active rules.
func (s *Service) Reload(ctx context.Context) error {
	rules, err := s.repos.AccessRules().ListActive(ctx)
	if err != nil {
		return err
	}

	buckets := make(map[string]*bucket)
	for _, rule := range rules {
		key := globalBucket
		if rule.InstanceName != nil {
			key = *rule.InstanceName
		}
		b, ok := buckets[key]
		if !ok {
			b = newBucket()
			buckets[key] = b
		}
		b.add(rule)
	}

	s.mu.Lock()
	s.buckets = buckets
	s.mu.Unlock()

	logger.Base().Info("access rules reloaded",
		zap.Int("rules", len(rules)),
		zap.Int("buckets", len(buckets)),
	)
	return nil
}

// NormalizeIdentifier strips a leading '+' and any '@...' channel
// suffix from a sender identifier.
func NormalizeIdentifier(identifier string) string {
	id := strings.TrimSpace(identifier)
	id = strings.TrimPrefix(id, "+")
	if at := strings.IndexByte(id, '@'); at >= 0 {
		id = id[:at]
	}
	return id
}

// CheckAccess evaluates the firewall for one identifier on one
// instance. Instance-scoped rules take precedence over global rules;
// deny beats allow; any allow rule anywhere turns the default into
// deny-unless-allowed.
func (s *Service) CheckAccess(instanceName, identifier string) domain.AccessDecision {
	id := NormalizeIdentifier(identifier)

	s.mu.RLock()
	defer s.mu.RUnlock()

	inst := s.buckets[instanceName]
	global := s.buckets[globalBucket]

	instEmpty := inst == nil || inst.empty()
	globalEmpty := global == nil || global.empty()
	if instEmpty && globalEmpty {
		return domain.AccessDecision{Allowed: true}
	}

	if inst != nil && inst.matchesDeny(id) {
		return domain.AccessDecision{Allowed: false, Reason: domain.BlockReasonDenied}
	}
	if global != nil && global.matchesDeny(id) {
		return domain.AccessDecision{Allowed: false, Reason: domain.BlockReasonDenied}
	}

	hasAllow := (inst != nil && inst.hasAllowRules()) || (global != nil && global.hasAllowRules())
	if hasAllow {
		if inst != nil && inst.matchesAllow(id) {
			return domain.AccessDecision{Allowed: true}
		}
		if global != nil && global.matchesAllow(id) {
			return domain.AccessDecision{Allowed: true}
		}
		return domain.AccessDecision{Allowed: false, Reason: domain.BlockReasonNotInAllowlist}
	}

	return domain.AccessDecision{Allowed: true}
}

// AddRule creates an access rule and reloads the cache. Adding an
// existing (rule_type, pattern, instance) tuple is idempotent and
// returns the existing rule.
func (s *Service) AddRule(ctx context.Context, ruleType domain.RuleType, req *domain.CreateAccessRuleRequest) (*domain.AccessRule, error) {
	if !ruleType.Valid() {
		return nil, errors.New("rule_type must be allow or deny")
	}
	pattern := NormalizeIdentifier(req.PhoneNumber)
	if strings.HasSuffix(req.PhoneNumber, "*") && !strings.HasSuffix(pattern, "*") {
		pattern += "*"
	}
	if pattern == "" || pattern == "*" {
		return nil, errors.New("phone_number pattern is required")
	}

	if existing, err := s.repos.AccessRules().FindTuple(ctx, ruleType, pattern, req.InstanceName); err == nil {
		return existing, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	rule := &domain.AccessRule{
		RuleType:     ruleType,
		PhoneNumber:  pattern,
		InstanceName: req.InstanceName,
		Label:        req.Label,
		IsActive:     true,
	}
	if err := s.repos.AccessRules().Create(ctx, rule); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// Lost a race with a concurrent insert of the same tuple.
			return s.repos.AccessRules().FindTuple(ctx, ruleType, pattern, req.InstanceName)
		}
		return nil, err
	}

	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return rule, nil
}

// RemoveRule deletes a rule by id and reloads the cache.
func (s *Service) RemoveRule(ctx context.Context, id uint) error {
	if err := s.repos.AccessRules().Delete(ctx, id); err != nil {
		return err
	}
	return s.Reload(ctx)
}

// ListRules returns rules matching the filter.
func (s *Service) ListRules(ctx context.Context, filter repository.AccessRuleFilter) ([]*domain.AccessRule, error) {
	return s.repos.AccessRules().List(ctx, filter)
}
