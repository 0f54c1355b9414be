package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/namastexlabs/omni-gateway/internal/domain"
)

// UserRepository defines the interface for user and external-id storage.
type UserRepository interface {
	Create(ctx context.Context, user *domain.User) error
	GetByID(ctx context.Context, id string) (*domain.User, error)
	GetByPhone(ctx context.Context, phone string) (*domain.User, error)
	List(ctx context.Context, page, pageSize int) ([]*domain.User, int64, error)
	UpdateDisplayName(ctx context.Context, id, displayName string) error

	// FindExternal looks up a link by exact (provider, external_id,
	// instance) tuple; instance nil matches the NULL-scoped row.
	FindExternal(ctx context.Context, provider domain.ChannelType, externalID string, instanceName *string) (*domain.UserExternalID, error)
	CreateExternal(ctx context.Context, link *domain.UserExternalID) error
	ListExternalByUser(ctx context.Context, userID string) ([]*domain.UserExternalID, error)
}

// GormUserRepository implements UserRepository using GORM.
type GormUserRepository struct {
	db *gorm.DB
}

// NewGormUserRepository creates a new GORM user repository.
func NewGormUserRepository(db *gorm.DB) *GormUserRepository {
	return &GormUserRepository{db: db}
}

// Create persists a new user.
func (r *GormUserRepository) Create(ctx context.Context, user *domain.User) error {
	return translate(r.db.WithContext(ctx).Create(user).Error)
}

// GetByID retrieves a user with its external id links.
func (r *GormUserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	var user domain.User
	err := r.db.WithContext(ctx).Preload("ExternalIDs").First(&user, "id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

// GetByPhone retrieves a user by phone number.
func (r *GormUserRepository) GetByPhone(ctx context.Context, phone string) (*domain.User, error) {
	var user domain.User
	err := r.db.WithContext(ctx).First(&user, "phone_number = ?", phone).Error
	if err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

// List returns a page of users plus the total count.
func (r *GormUserRepository) List(ctx context.Context, page, pageSize int) ([]*domain.User, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}

	var total int64
	if err := r.db.WithContext(ctx).Model(&domain.User{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var users []*domain.User
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&users).Error
	if err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

// UpdateDisplayName updates a user's display name.
func (r *GormUserRepository) UpdateDisplayName(ctx context.Context, id, displayName string) error {
	result := r.db.WithContext(ctx).Model(&domain.User{}).
		Where("id = ?", id).
		Update("display_name", displayName)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("user %q: %w", id, ErrNotFound)
	}
	return nil
}

// FindExternal looks up an external id link by exact tuple.
func (r *GormUserRepository) FindExternal(ctx context.Context, provider domain.ChannelType, externalID string, instanceName *string) (*domain.UserExternalID, error) {
	query := r.db.WithContext(ctx).
		Where("provider = ? AND external_id = ?", provider, externalID)
	if instanceName == nil {
		query = query.Where("instance_name IS NULL")
	} else {
		query = query.Where("instance_name = ?", *instanceName)
	}

	var link domain.UserExternalID
	if err := query.First(&link).Error; err != nil {
		return nil, translate(err)
	}
	return &link, nil
}

// CreateExternal persists a new external id link.
func (r *GormUserRepository) CreateExternal(ctx context.Context, link *domain.UserExternalID) error {
	return translate(r.db.WithContext(ctx).Create(link).Error)
}

// ListExternalByUser returns all links for one user.
func (r *GormUserRepository) ListExternalByUser(ctx context.Context, userID string) ([]*domain.UserExternalID, error) {
	var links []*domain.UserExternalID
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&links).Error
	if err != nil {
		return nil, err
	}
	return links, nil
}
