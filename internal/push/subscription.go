package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/ids"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrSubscriptionNotFound indicates the owner has no stored subscription.
	ErrSubscriptionNotFound = errors.New("push: subscription not found")
	// ErrInvalidDescriptor indicates a descriptor without endpoint or keys.
	ErrInvalidDescriptor = errors.New("push: invalid subscription descriptor")
	errMissingUserID     = errors.New("push: user id required")
)

// Keys carries the client's encryption material.
type Keys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Descriptor is the browser's PushSubscription as serialized by toJSON().
type Descriptor struct {
	Endpoint       string `json:"endpoint"`
	ExpirationTime *int64 `json:"expirationTime,omitempty"`
	Keys           Keys   `json:"keys"`
}

// Validate checks the fields the sender needs.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Endpoint) == "" {
		return fmt.Errorf("%w: endpoint required", ErrInvalidDescriptor)
	}
	if strings.TrimSpace(d.Keys.P256dh) == "" || strings.TrimSpace(d.Keys.Auth) == "" {
		return fmt.Errorf("%w: keys required", ErrInvalidDescriptor)
	}
	return nil
}

// Subscription is the single push endpoint of an owner.
type Subscription struct {
	ID           string         `gorm:"column:id;primaryKey;size:190;not null"`
	UserID       string         `gorm:"column:user_id;size:190;not null;uniqueIndex"`
	Subscription datatypes.JSON `gorm:"column:subscription;not null"`
	CreatedAt    time.Time      `gorm:"column:created_at;not null"`
	UpdatedAt    time.Time      `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Subscription) TableName() string {
	return "push_subscriptions"
}

// Descriptor decodes the stored subscription JSON.
func (s Subscription) Descriptor() (Descriptor, error) {
	var descriptor Descriptor
	if err := json.Unmarshal(s.Subscription, &descriptor); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	return descriptor, nil
}

// Store persists one subscription per owner.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
}

// NewStore constructs a Store.
func NewStore(db *gorm.DB, idProvider ids.Provider, clock func() time.Time) (*Store, error) {
	if db == nil {
		return nil, errors.New("push: database handle is required")
	}
	if idProvider == nil {
		return nil, errors.New("push: id provider is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: db, clock: clock, idProvider: idProvider}, nil
}

// Upsert stores the descriptor, replacing any previous one of the owner.
func (s *Store) Upsert(ctx context.Context, userID string, descriptor Descriptor) (Subscription, error) {
	if strings.TrimSpace(userID) == "" {
		return Subscription{}, errMissingUserID
	}
	if err := descriptor.Validate(); err != nil {
		return Subscription{}, err
	}
	encoded, err := json.Marshal(descriptor)
	if err != nil {
		return Subscription{}, err
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return Subscription{}, err
	}
	now := s.clock().UTC()
	row := Subscription{
		ID:           id,
		UserID:       userID,
		Subscription: datatypes.JSON(encoded),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"subscription", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return Subscription{}, err
	}
	return s.Get(ctx, userID)
}

// Get returns the owner's subscription.
func (s *Store) Get(ctx context.Context, userID string) (Subscription, error) {
	var row Subscription
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Subscription{}, ErrSubscriptionNotFound
	}
	return row, err
}

// Delete removes the owner's subscription; deleting a missing one is not an error.
func (s *Store) Delete(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return errMissingUserID
	}
	return s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&Subscription{}).Error
}

// ListAll returns every stored subscription.
func (s *Store) ListAll(ctx context.Context) ([]Subscription, error) {
	var rows []Subscription
	err := s.db.WithContext(ctx).Order("created_at ASC").Find(&rows).Error
	return rows, err
}
