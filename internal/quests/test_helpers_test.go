package quests

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/calendar"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type sequenceIDProvider struct {
	mu   sync.Mutex
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("quest-%03d", p.next), nil
}

func fixedClock() time.Time {
	return time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC)
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "quests.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&Quest{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T, policy SkipPolicy) (*Service, Repository) {
	t.Helper()
	repository := NewGormRepository(openTestDatabase(t), fixedClock)
	return newServiceWithRepository(t, repository, policy), repository
}

func newServiceWithRepository(t *testing.T, repository Repository, policy SkipPolicy) *Service {
	t.Helper()
	cal, err := calendar.New(calendar.Config{
		Terms:    calendar.WorkdayTerms(),
		Location: time.FixedZone("JST", 9*60*60),
	})
	if err != nil {
		t.Fatalf("unexpected calendar error: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Repository: repository,
		Calendar:   cal,
		Clock:      fixedClock,
		IDProvider: &sequenceIDProvider{},
		Logger:     zap.NewNop(),
		SkipPolicy: policy,
	})
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}
	return service
}

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustBucket(t *testing.T, dueDate string, term int) Bucket {
	t.Helper()
	bucket, err := NewBucket(dueDate, term)
	if err != nil {
		t.Fatalf("unexpected bucket error: %v", err)
	}
	return bucket
}

func mustInsert(t *testing.T, service *Service, userID UserID, bucket Bucket, title string) Quest {
	t.Helper()
	quest, err := service.Insert(context.Background(), userID, bucket, title)
	if err != nil {
		t.Fatalf("insert %q failed: %v", title, err)
	}
	return quest
}

// bucketTitles returns the bucket's titles in order along with their order values.
func bucketTitles(t *testing.T, repository Repository, userID UserID, bucket Bucket) ([]string, []int) {
	t.Helper()
	members, err := repository.ListBucket(context.Background(), userID, bucket)
	if err != nil {
		t.Fatalf("list bucket failed: %v", err)
	}
	titles := make([]string, 0, len(members))
	orders := make([]int, 0, len(members))
	for _, member := range members {
		titles = append(titles, member.Title)
		orders = append(orders, member.Order)
	}
	return titles, orders
}

func assertDense(t *testing.T, repository Repository, userID UserID, bucket Bucket) {
	t.Helper()
	_, orders := bucketTitles(t, repository, userID, bucket)
	sorted := append([]int(nil), orders...)
	sort.Ints(sorted)
	for index, order := range sorted {
		if order != index {
			t.Fatalf("bucket %s is not dense: %v", bucket, orders)
		}
	}
}
