package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/ids"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable subject.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrUnknownUser indicates no identity exists for the user id.
	ErrUnknownUser = errors.New("users: unknown user")
)

// ServiceConfig describes the dependencies required for identity resolution.
type ServiceConfig struct {
	Database   *gorm.DB
	IDProvider ids.Provider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service records sign-ins and resolves canonical user ids.
type Service struct {
	db         *gorm.DB
	idProvider ids.Provider
	now        func() time.Time
	logger     *zap.Logger
	cache      sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("users: id provider required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		idProvider: cfg.IDProvider,
		now:        clock,
		logger:     logger,
	}, nil
}

// RecordGoogleLogin creates or refreshes the identity behind a verified Google sign-in
// and returns the profile a session is minted for.
func (s *Service) RecordGoogleLogin(ctx context.Context, claims auth.GoogleClaims) (auth.SessionUser, error) {
	subject := normalize(claims.Subject)
	if subject == "" {
		return auth.SessionUser{}, ErrInvalidIdentity
	}
	now := s.now().UTC()

	var identity Identity
	err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", ProviderGoogle, subject).
		Take(&identity).
		Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		userID, idErr := s.idProvider.NewID()
		if idErr != nil {
			return auth.SessionUser{}, idErr
		}
		identity = Identity{
			Provider:    ProviderGoogle,
			Subject:     subject,
			UserID:      userID,
			Email:       normalize(claims.Email),
			DisplayName: normalize(claims.Name),
			AvatarURL:   normalize(claims.Picture),
			LastSeenAt:  now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.db.WithContext(ctx).Create(&identity).Error; err != nil {
			return auth.SessionUser{}, err
		}
		s.logger.Info("user identity created", zap.String("user_id", identity.UserID), zap.String("provider", ProviderGoogle))
	case err != nil:
		return auth.SessionUser{}, err
	default:
		updates := map[string]interface{}{
			"last_seen_at": now,
			"updated_at":   now,
		}
		if email := normalize(claims.Email); email != "" && email != identity.Email {
			updates["user_email"] = email
			identity.Email = email
		}
		if display := normalize(claims.Name); display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
			identity.DisplayName = display
		}
		if avatar := normalize(claims.Picture); avatar != "" && avatar != identity.AvatarURL {
			updates["user_avatar_url"] = avatar
			identity.AvatarURL = avatar
		}
		err := s.db.WithContext(ctx).Model(&Identity{}).
			Where("provider = ? AND subject = ?", ProviderGoogle, subject).
			Updates(updates).
			Error
		if err != nil {
			s.logger.Warn("user identity refresh failed", zap.String("user_id", identity.UserID), zap.Error(err))
		}
	}

	s.cache.Store(identity.UserID, identity)
	return toSessionUser(identity), nil
}

// Profile returns the stored profile of a canonical user id.
func (s *Service) Profile(ctx context.Context, userID string) (auth.SessionUser, error) {
	userID = normalize(userID)
	if userID == "" {
		return auth.SessionUser{}, ErrUnknownUser
	}
	if cached, ok := s.cache.Load(userID); ok {
		if identity, ok := cached.(Identity); ok {
			return toSessionUser(identity), nil
		}
	}
	var identity Identity
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("last_seen_at DESC").
		Take(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return auth.SessionUser{}, ErrUnknownUser
	}
	if err != nil {
		return auth.SessionUser{}, err
	}
	s.cache.Store(userID, identity)
	return toSessionUser(identity), nil
}

func toSessionUser(identity Identity) auth.SessionUser {
	return auth.SessionUser{
		UserID:    identity.UserID,
		Email:     identity.Email,
		Name:      identity.DisplayName,
		AvatarURL: identity.AvatarURL,
	}
}
