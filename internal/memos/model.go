package memos

import (
	"errors"
	"time"
)

var (
	// ErrMemoNotFound indicates the memo does not exist for the owner.
	ErrMemoNotFound = errors.New("memos: memo not found")
	// ErrMissingUserID indicates an empty owner identifier.
	ErrMissingUserID = errors.New("memos: user id required")
)

// Memo is a freeform note; only the newest one per owner is surfaced.
type Memo struct {
	ID        string    `gorm:"column:id;primaryKey;size:190;not null"`
	UserID    string    `gorm:"column:user_id;size:190;not null;index:idx_memos_user_created,priority:1"`
	Content   string    `gorm:"column:content;type:text;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null;index:idx_memos_user_created,priority:2"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Memo) TableName() string {
	return "memos"
}
