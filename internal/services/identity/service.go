// Package identity maintains the many-to-one mapping from channel
// identities to stable Automagik users.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/namastexlabs/omni-gateway/internal/domain"
	"github.com/namastexlabs/omni-gateway/internal/repository"
	"github.com/namastexlabs/omni-gateway/pkg/logger"
)

// ErrUniqueViolation is returned when a link tuple already resolves to
// a different user.
var ErrUniqueViolation = errors.New("external id already linked to a different user")

// Service resolves and links cross-channel identities.
type Service struct {
	repos repository.RepositoryManager
	memo  *MemoCache
}

// NewService creates the identity service. memo may be nil when no
// memoization backend is configured.
func NewService(repos repository.RepositoryManager, memo *MemoCache) *Service {
	if memo == nil {
		memo = NewMemoCache(nil)
	}
	return &Service{repos: repos, memo: memo}
}

// Memo exposes the session-key memoization cache used by the router.
func (s *Service) Memo() *MemoCache {
	return s.memo
}

// GetOrCreateByPhone upserts a user by phone number (WhatsApp
// first-contact path). On creation it also links (whatsapp, phone) for
// the originating instance.
func (s *Service) GetOrCreateByPhone(ctx context.Context, phone, displayName string, instanceName *string) (*domain.User, error) {
	user, err := s.repos.Users().GetByPhone(ctx, phone)
	if err == nil {
		if displayName != "" && user.DisplayName == "" {
			if err := s.repos.Users().UpdateDisplayName(ctx, user.ID, displayName); err == nil {
				user.DisplayName = displayName
			}
		}
		return user, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("lookup user by phone: %w", err)
	}

	user = &domain.User{
		ID:          uuid.NewString(),
		PhoneNumber: &phone,
		DisplayName: displayName,
	}
	if err := s.repos.Users().Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// Lost a race with a concurrent first contact.
			return s.repos.Users().GetByPhone(ctx, phone)
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	if err := s.LinkExternal(ctx, user.ID, domain.ChannelWhatsApp, phone, instanceName); err != nil {
		logger.Base().Warn("failed to link whatsapp external id on first contact",
			zap.String("user_id", user.ID),
			zap.Error(err),
		)
	}

	logger.Base().Info("user created on first contact",
		zap.String("user_id", user.ID),
		zap.String("phone", phone),
	)
	return user, nil
}

// ResolveExternal returns the user linked to (provider, external_id),
// preferring the instance-scoped link over the NULL-scoped one. Returns
// nil with no error when no link exists.
func (s *Service) ResolveExternal(ctx context.Context, provider domain.ChannelType, externalID string, instanceName *string) (*domain.User, error) {
	if instanceName != nil {
		link, err := s.repos.Users().FindExternal(ctx, provider, externalID, instanceName)
		if err == nil {
			return s.repos.Users().GetByID(ctx, link.UserID)
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}

	link, err := s.repos.Users().FindExternal(ctx, provider, externalID, nil)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return s.repos.Users().GetByID(ctx, link.UserID)
}

// LinkExternal links an external id to a user. Idempotent for
// identical arguments; ErrUniqueViolation when the tuple already
// belongs to a different user.
func (s *Service) LinkExternal(ctx context.Context, userID string, provider domain.ChannelType, externalID string, instanceName *string) error {
	existing, err := s.repos.Users().FindExternal(ctx, provider, externalID, instanceName)
	if err == nil {
		if existing.UserID == userID {
			return nil
		}
		return fmt.Errorf("%w: (%s, %s) -> %s", ErrUniqueViolation, provider, externalID, existing.UserID)
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return err
	}

	link := &domain.UserExternalID{
		UserID:       userID,
		Provider:     provider,
		ExternalID:   externalID,
		InstanceName: instanceName,
	}
	if err := s.repos.Users().CreateExternal(ctx, link); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			raced, findErr := s.repos.Users().FindExternal(ctx, provider, externalID, instanceName)
			if findErr == nil && raced.UserID == userID {
				return nil
			}
			return fmt.Errorf("%w: (%s, %s)", ErrUniqueViolation, provider, externalID)
		}
		return err
	}
	return nil
}

// GetUser returns a user with its external links.
func (s *Service) GetUser(ctx context.Context, id string) (*domain.User, error) {
	return s.repos.Users().GetByID(ctx, id)
}

// ListUsers returns a page of users for the admin read model.
func (s *Service) ListUsers(ctx context.Context, page, pageSize int) ([]*domain.User, int64, error) {
	return s.repos.Users().List(ctx, page, pageSize)
}
