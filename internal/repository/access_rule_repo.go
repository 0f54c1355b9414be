package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/namastexlabs/omni-gateway/internal/domain"
)

// AccessRuleFilter narrows rule list queries.
type AccessRuleFilter struct {
	RuleType     domain.RuleType
	InstanceName *string
	ActiveOnly   bool
}

// AccessRuleRepository defines the interface for access rule storage.
type AccessRuleRepository interface {
	Create(ctx context.Context, rule *domain.AccessRule) error
	GetByID(ctx context.Context, id uint) (*domain.AccessRule, error)
	// FindTuple returns the rule matching the exact unique tuple.
	FindTuple(ctx context.Context, ruleType domain.RuleType, pattern string, instanceName *string) (*domain.AccessRule, error)
	List(ctx context.Context, filter AccessRuleFilter) ([]*domain.AccessRule, error)
	// ListActive returns every active rule for the evaluator cache.
	ListActive(ctx context.Context) ([]*domain.AccessRule, error)
	Delete(ctx context.Context, id uint) error
}

// GormAccessRuleRepository implements AccessRuleRepository using GORM.
type GormAccessRuleRepository struct {
	db *gorm.DB
}

// NewGormAccessRuleRepository creates a new GORM access rule repository.
func NewGormAccessRuleRepository(db *gorm.DB) *GormAccessRuleRepository {
	return &GormAccessRuleRepository{db: db}
}

// Create persists a new access rule.
func (r *GormAccessRuleRepository) Create(ctx context.Context, rule *domain.AccessRule) error {
	return translate(r.db.WithContext(ctx).Create(rule).Error)
}

// GetByID retrieves a rule by id.
func (r *GormAccessRuleRepository) GetByID(ctx context.Context, id uint) (*domain.AccessRule, error) {
	var rule domain.AccessRule
	if err := r.db.WithContext(ctx).First(&rule, id).Error; err != nil {
		return nil, translate(err)
	}
	return &rule, nil
}

// FindTuple returns the rule matching the exact unique tuple.
func (r *GormAccessRuleRepository) FindTuple(ctx context.Context, ruleType domain.RuleType, pattern string, instanceName *string) (*domain.AccessRule, error) {
	query := r.db.WithContext(ctx).
		Where("rule_type = ? AND phone_number = ?", ruleType, pattern)
	if instanceName == nil {
		query = query.Where("instance_name IS NULL")
	} else {
		query = query.Where("instance_name = ?", *instanceName)
	}

	var rule domain.AccessRule
	if err := query.First(&rule).Error; err != nil {
		return nil, translate(err)
	}
	return &rule, nil
}

// List returns rules matching the filter, oldest first.
func (r *GormAccessRuleRepository) List(ctx context.Context, filter AccessRuleFilter) ([]*domain.AccessRule, error) {
	query := r.db.WithContext(ctx).Model(&domain.AccessRule{})
	if filter.RuleType != "" {
		query = query.Where("rule_type = ?", filter.RuleType)
	}
	if filter.InstanceName != nil {
		if *filter.InstanceName == "" {
			query = query.Where("instance_name IS NULL")
		} else {
			query = query.Where("instance_name = ?", *filter.InstanceName)
		}
	}
	if filter.ActiveOnly {
		query = query.Where("is_active = ?", true)
	}

	var rules []*domain.AccessRule
	if err := query.Order("created_at ASC").Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

// ListActive returns every active rule.
func (r *GormAccessRuleRepository) ListActive(ctx context.Context) ([]*domain.AccessRule, error) {
	var rules []*domain.AccessRule
	err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("id ASC").
		Find(&rules).Error
	if err != nil {
		return nil, err
	}
	return rules, nil
}

// Delete removes a rule by id.
func (r *GormAccessRuleRepository) Delete(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).Delete(&domain.AccessRule{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("access rule %d: %w", id, ErrNotFound)
	}
	return nil
}
