package quests

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

const (
	queryOwnerQuest      = "user_id = ? AND id = ?"
	queryOwnerBucket     = "user_id = ? AND due_date = ? AND term = ?"
	queryOwnerBucketFrom = queryOwnerBucket + " AND quest_order > ?"
	queryOwnerWindow     = "user_id = ? AND due_date >= ? AND due_date <= ?"
	orderWithinBucket    = "quest_order ASC, created_at ASC"
	orderWindow          = "due_date ASC, term ASC, quest_order ASC"
)

// Repository is the row store the ordering engine runs against. Each call is individually
// atomic; no call spans more than one row write.
type Repository interface {
	Create(ctx context.Context, quest *Quest) error
	Get(ctx context.Context, userID UserID, questID QuestID) (Quest, error)
	Delete(ctx context.Context, userID UserID, questID QuestID) error
	Update(ctx context.Context, userID UserID, questID QuestID, changes Changes) error
	// MaxOrder reports the highest order in the bucket, or false when the bucket is empty.
	MaxOrder(ctx context.Context, userID UserID, bucket Bucket) (int, bool, error)
	ListBucket(ctx context.Context, userID UserID, bucket Bucket) ([]Quest, error)
	ListAfterOrder(ctx context.Context, userID UserID, bucket Bucket, order int) ([]Quest, error)
	ListWindow(ctx context.Context, userID UserID, from, to string) ([]Quest, error)
	ListBuckets(ctx context.Context) ([]OwnedBucket, error)
}

type gormRepository struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewGormRepository backs the engine with the quests table.
func NewGormRepository(db *gorm.DB, clock func() time.Time) Repository {
	if clock == nil {
		clock = time.Now
	}
	return &gormRepository{db: db, clock: clock}
}

func (r *gormRepository) Create(ctx context.Context, quest *Quest) error {
	return r.db.WithContext(ctx).Create(quest).Error
}

func (r *gormRepository) Get(ctx context.Context, userID UserID, questID QuestID) (Quest, error) {
	var quest Quest
	err := r.db.WithContext(ctx).
		Where(queryOwnerQuest, userID.String(), questID.String()).
		Take(&quest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Quest{}, ErrQuestNotFound
	}
	if err != nil {
		return Quest{}, err
	}
	return quest, nil
}

func (r *gormRepository) Delete(ctx context.Context, userID UserID, questID QuestID) error {
	result := r.db.WithContext(ctx).
		Where(queryOwnerQuest, userID.String(), questID.String()).
		Delete(&Quest{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrQuestNotFound
	}
	return nil
}

func (r *gormRepository) Update(ctx context.Context, userID UserID, questID QuestID, changes Changes) error {
	updates := map[string]interface{}{
		"updated_at": r.clock().UTC(),
	}
	if changes.Title != nil {
		updates["title"] = *changes.Title
	}
	if changes.IsDone != nil {
		updates["is_done"] = *changes.IsDone
	}
	if changes.Order != nil {
		updates["quest_order"] = *changes.Order
	}
	if changes.DueDate != nil {
		updates["due_date"] = *changes.DueDate
	}
	if changes.Term != nil {
		updates["term"] = *changes.Term
	}
	result := r.db.WithContext(ctx).
		Model(&Quest{}).
		Where(queryOwnerQuest, userID.String(), questID.String()).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrQuestNotFound
	}
	return nil
}

func (r *gormRepository) MaxOrder(ctx context.Context, userID UserID, bucket Bucket) (int, bool, error) {
	var top Quest
	err := r.db.WithContext(ctx).
		Select("quest_order").
		Where(queryOwnerBucket, userID.String(), bucket.DueDate.String(), bucket.Term).
		Order("quest_order DESC").
		Limit(1).
		Take(&top).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return top.Order, true, nil
}

func (r *gormRepository) ListBucket(ctx context.Context, userID UserID, bucket Bucket) ([]Quest, error) {
	var quests []Quest
	err := r.db.WithContext(ctx).
		Where(queryOwnerBucket, userID.String(), bucket.DueDate.String(), bucket.Term).
		Order(orderWithinBucket).
		Find(&quests).Error
	return quests, err
}

func (r *gormRepository) ListAfterOrder(ctx context.Context, userID UserID, bucket Bucket, order int) ([]Quest, error) {
	var quests []Quest
	err := r.db.WithContext(ctx).
		Where(queryOwnerBucketFrom, userID.String(), bucket.DueDate.String(), bucket.Term, order).
		Order(orderWithinBucket).
		Find(&quests).Error
	return quests, err
}

func (r *gormRepository) ListWindow(ctx context.Context, userID UserID, from, to string) ([]Quest, error) {
	var quests []Quest
	err := r.db.WithContext(ctx).
		Where(queryOwnerWindow, userID.String(), from, to).
		Order(orderWindow).
		Find(&quests).Error
	return quests, err
}

type bucketRow struct {
	UserID  string `gorm:"column:user_id"`
	DueDate string `gorm:"column:due_date"`
	Term    int    `gorm:"column:term"`
}

func (r *gormRepository) ListBuckets(ctx context.Context) ([]OwnedBucket, error) {
	var rows []bucketRow
	if err := r.db.WithContext(ctx).
		Model(&Quest{}).
		Distinct("user_id", "due_date", "term").
		Order("user_id ASC, due_date ASC, term ASC").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	buckets := make([]OwnedBucket, 0, len(rows))
	for _, row := range rows {
		bucket, err := NewBucket(row.DueDate, row.Term)
		if err != nil {
			return nil, err
		}
		buckets = append(buckets, OwnedBucket{UserID: UserID(row.UserID), Bucket: bucket})
	}
	return buckets, nil
}
