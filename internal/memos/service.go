package memos

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/serviceerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew = "memos.service.new"
	opLatest     = "memos.latest"
	opSave       = "memos.save"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// ServiceConfig describes the dependencies of the memo service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// Service reads and writes the per-user memo.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, serviceerr.New(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, serviceerr.New(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, clock: clock, idProvider: cfg.IDProvider, logger: logger}, nil
}

// Latest returns the owner's newest memo; ok is false when none was written yet.
func (s *Service) Latest(ctx context.Context, userID string) (Memo, bool, error) {
	if strings.TrimSpace(userID) == "" {
		return Memo{}, false, serviceerr.New(opLatest, "missing_user_id", ErrMissingUserID)
	}
	var memo Memo
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(1).
		Take(&memo).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Memo{}, false, nil
	}
	if err != nil {
		s.logger.Error("memo lookup failed", zap.String("user_id", userID), zap.Error(err))
		return Memo{}, false, serviceerr.New(opLatest, "query_failed", err)
	}
	return memo, true, nil
}

// Save creates the memo when memoID is empty and updates it in place otherwise.
func (s *Service) Save(ctx context.Context, userID, memoID, content string) (Memo, error) {
	if strings.TrimSpace(userID) == "" {
		return Memo{}, serviceerr.New(opSave, "missing_user_id", ErrMissingUserID)
	}
	now := s.clock().UTC()

	if strings.TrimSpace(memoID) == "" {
		newID, err := s.idProvider.NewID()
		if err != nil {
			return Memo{}, serviceerr.New(opSave, "id_generation_failed", err)
		}
		memo := Memo{ID: newID, UserID: userID, Content: content, CreatedAt: now, UpdatedAt: now}
		if err := s.db.WithContext(ctx).Create(&memo).Error; err != nil {
			s.logger.Error("memo create failed", zap.String("user_id", userID), zap.Error(err))
			return Memo{}, serviceerr.New(opSave, "create_failed", err)
		}
		return memo, nil
	}

	result := s.db.WithContext(ctx).
		Model(&Memo{}).
		Where("user_id = ? AND id = ?", userID, memoID).
		Updates(map[string]interface{}{"content": content, "updated_at": now})
	if result.Error != nil {
		s.logger.Error("memo update failed", zap.String("user_id", userID), zap.String("memo_id", memoID), zap.Error(result.Error))
		return Memo{}, serviceerr.New(opSave, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return Memo{}, serviceerr.New(opSave, "not_found", ErrMemoNotFound)
	}

	var memo Memo
	if err := s.db.WithContext(ctx).Where("user_id = ? AND id = ?", userID, memoID).Take(&memo).Error; err != nil {
		return Memo{}, serviceerr.New(opSave, "reload_failed", err)
	}
	return memo, nil
}
