package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/namastexlabs/omni-gateway/internal/domain"
)

// InstanceFilter narrows instance list queries.
type InstanceFilter struct {
	ChannelType domain.ChannelType
	ActiveOnly  bool
}

// InstanceRepository defines the interface for instance config storage.
type InstanceRepository interface {
	Create(ctx context.Context, instance *domain.InstanceConfig) error
	GetByName(ctx context.Context, name string) (*domain.InstanceConfig, error)
	GetDefault(ctx context.Context) (*domain.InstanceConfig, error)
	List(ctx context.Context, filter InstanceFilter) ([]*domain.InstanceConfig, error)
	Update(ctx context.Context, instance *domain.InstanceConfig) error
	Delete(ctx context.Context, name string) error
	// SetDefault atomically clears the previous default and marks name.
	SetDefault(ctx context.Context, name string) error
	// SetActive flips the is_active flag without touching credentials.
	SetActive(ctx context.Context, name string, active bool) error
}

// GormInstanceRepository implements InstanceRepository using GORM.
type GormInstanceRepository struct {
	db *gorm.DB
}

// NewGormInstanceRepository creates a new GORM instance repository.
func NewGormInstanceRepository(db *gorm.DB) *GormInstanceRepository {
	return &GormInstanceRepository{db: db}
}

// Create persists a new instance config.
func (r *GormInstanceRepository) Create(ctx context.Context, instance *domain.InstanceConfig) error {
	if err := instance.Validate(); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if instance.IsDefault {
			if err := tx.Model(&domain.InstanceConfig{}).
				Where("is_default = ?", true).
				Update("is_default", false).Error; err != nil {
				return err
			}
		}
		return translate(tx.Create(instance).Error)
	})
}

// GetByName retrieves an instance by its unique name.
func (r *GormInstanceRepository) GetByName(ctx context.Context, name string) (*domain.InstanceConfig, error) {
	var instance domain.InstanceConfig
	err := r.db.WithContext(ctx).First(&instance, "name = ?", name).Error
	if err != nil {
		return nil, translate(err)
	}
	return &instance, nil
}

// GetDefault returns the registry's default instance, if any.
func (r *GormInstanceRepository) GetDefault(ctx context.Context) (*domain.InstanceConfig, error) {
	var instance domain.InstanceConfig
	err := r.db.WithContext(ctx).First(&instance, "is_default = ?", true).Error
	if err != nil {
		return nil, translate(err)
	}
	return &instance, nil
}

// List returns instances matching the filter, newest first.
func (r *GormInstanceRepository) List(ctx context.Context, filter InstanceFilter) ([]*domain.InstanceConfig, error) {
	query := r.db.WithContext(ctx).Model(&domain.InstanceConfig{})
	if filter.ChannelType != "" {
		query = query.Where("channel_type = ?", filter.ChannelType)
	}
	if filter.ActiveOnly {
		query = query.Where("is_active = ?", true)
	}

	var instances []*domain.InstanceConfig
	if err := query.Order("created_at DESC").Find(&instances).Error; err != nil {
		return nil, err
	}
	return instances, nil
}

// Update saves mutated fields of an existing instance. Name is the key
// and cannot change.
func (r *GormInstanceRepository) Update(ctx context.Context, instance *domain.InstanceConfig) error {
	if err := instance.Validate(); err != nil {
		return err
	}
	result := r.db.WithContext(ctx).Model(&domain.InstanceConfig{}).
		Where("name = ?", instance.Name).
		Select("*").Omit("name", "created_at").
		Updates(instance)
	if result.Error != nil {
		return translate(result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("instance %q: %w", instance.Name, ErrNotFound)
	}
	return nil
}

// Delete removes an instance, detaching scoped access rules and
// clearing instance-scoped external id links.
func (r *GormInstanceRepository) Delete(ctx context.Context, name string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Delete(&domain.InstanceConfig{}, "name = ?", name)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("instance %q: %w", name, ErrNotFound)
		}
		if err := tx.Delete(&domain.AccessRule{}, "instance_name = ?", name).Error; err != nil {
			return err
		}
		// External id rows survive; only the instance scope is cleared.
		return tx.Model(&domain.UserExternalID{}).
			Where("instance_name = ?", name).
			Update("instance_name", nil).Error
	})
}

// SetDefault enforces the single-default invariant with a transactional
// clear-then-set.
func (r *GormInstanceRepository) SetDefault(ctx context.Context, name string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.InstanceConfig{}).
			Where("is_default = ?", true).
			Update("is_default", false).Error; err != nil {
			return err
		}
		result := tx.Model(&domain.InstanceConfig{}).
			Where("name = ?", name).
			Update("is_default", true)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("instance %q: %w", name, ErrNotFound)
		}
		return nil
	})
}

// SetActive flips the is_active flag.
func (r *GormInstanceRepository) SetActive(ctx context.Context, name string, active bool) error {
	result := r.db.WithContext(ctx).Model(&domain.InstanceConfig{}).
		Where("name = ?", name).
		Update("is_active", active)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("instance %q: %w", name, ErrNotFound)
	}
	return nil
}
