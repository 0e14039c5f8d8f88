package quests

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/calendar"
)

const (
	maxIdentifierLength = 190
	maxTitleLength      = 200
)

var (
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("quests: invalid user id")
	// ErrInvalidQuestID indicates that a quest identifier is empty or exceeds storage bounds.
	ErrInvalidQuestID = errors.New("quests: invalid quest id")
	// ErrInvalidTitle indicates an empty or oversized title.
	ErrInvalidTitle = errors.New("quests: invalid title")
	// ErrQuestNotFound indicates the quest does not exist for the owner.
	ErrQuestNotFound = errors.New("quests: quest not found")
	// ErrNotPermutation indicates a reorder sequence that does not match the bucket's members.
	ErrNotPermutation = errors.New("quests: reorder ids are not a permutation of the bucket")
	// ErrPartialWrite indicates some rows of a multi-row rewrite failed while the rest committed.
	ErrPartialWrite = errors.New("quests: partial bucket rewrite")
)

// UserID represents a validated owner identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying identifier.
func (id UserID) String() string {
	return string(id)
}

// QuestID represents a validated quest identifier.
type QuestID string

// NewQuestID validates raw input and returns a QuestID.
func NewQuestID(rawInput string) (QuestID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidQuestID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidQuestID, maxIdentifierLength)
	}
	return QuestID(trimmed), nil
}

// String returns the underlying identifier.
func (id QuestID) String() string {
	return string(id)
}

// Title is a trimmed, non-empty quest title.
type Title string

// NewTitle validates raw input and returns a Title.
func NewTitle(rawInput string) (Title, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTitle)
	}
	if utf8.RuneCountInString(trimmed) > maxTitleLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidTitle, maxTitleLength)
	}
	return Title(trimmed), nil
}

// String returns the title text.
func (t Title) String() string {
	return string(t)
}

// Bucket is the (due_date, term) pair that scopes ordering.
type Bucket struct {
	DueDate calendar.Date
	Term    int
}

// NewBucket parses a due date and pairs it with a 1-based term number.
func NewBucket(dueDate string, term int) (Bucket, error) {
	date, err := calendar.ParseDate(dueDate)
	if err != nil {
		return Bucket{}, err
	}
	return Bucket{DueDate: date, Term: term}, nil
}

// String renders the bucket as "<date>#<term>".
func (b Bucket) String() string {
	return fmt.Sprintf("%s#%d", b.DueDate, b.Term)
}

// Quest is a single task instance placed in a bucket.
type Quest struct {
	ID        string    `gorm:"column:id;primaryKey;size:190;not null"`
	UserID    string    `gorm:"column:user_id;size:190;not null;index:idx_quests_bucket,priority:1"`
	Title     string    `gorm:"column:title;type:text;not null"`
	DueDate   string    `gorm:"column:due_date;size:10;not null;index:idx_quests_bucket,priority:2"`
	Term      int       `gorm:"column:term;not null;index:idx_quests_bucket,priority:3"`
	IsDone    bool      `gorm:"column:is_done;not null;default:false"`
	Order     int       `gorm:"column:quest_order;not null;default:0;index:idx_quests_bucket,priority:4"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Quest) TableName() string {
	return "quests"
}

// Bucket returns the quest's bucket key. An unparsable stored date yields a zero date.
func (q Quest) Bucket() Bucket {
	date, _ := calendar.ParseDate(q.DueDate)
	return Bucket{DueDate: date, Term: q.Term}
}

// Changes lists the fields a single-row update may touch; nil fields are left alone.
type Changes struct {
	Title   *string
	IsDone  *bool
	Order   *int
	DueDate *string
	Term    *int
}

// OwnedBucket identifies a bucket together with its owner.
type OwnedBucket struct {
	UserID UserID
	Bucket Bucket
}

// BucketGroup is one rendered bucket of a fetched window.
type BucketGroup struct {
	Bucket Bucket
	Quests []Quest
}

// GroupByBucket splits a window listing (ordered by due_date, term, order) into buckets.
func GroupByBucket(quests []Quest) []BucketGroup {
	groups := make([]BucketGroup, 0)
	for _, quest := range quests {
		bucket := quest.Bucket()
		if len(groups) == 0 || groups[len(groups)-1].Bucket != bucket {
			groups = append(groups, BucketGroup{Bucket: bucket})
		}
		last := &groups[len(groups)-1]
		last.Quests = append(last.Quests, quest)
	}
	return groups
}
