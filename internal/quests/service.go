package quests

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/calendar"
	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/serviceerr"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	opServiceNew      = "quests.service.new"
	opInsert          = "quests.insert"
	opRemove          = "quests.remove"
	opReorder         = "quests.reorder"
	opSkip            = "quests.skip"
	opReschedule      = "quests.reschedule"
	opToggleComplete  = "quests.toggle_complete"
	opUpdateTitle     = "quests.update_title"
	opGet             = "quests.get"
	opList            = "quests.list"
	opCompactBucket   = "quests.compact_bucket"
	opRepairAll       = "quests.repair_all"
	fieldUserID       = "user_id"
	fieldQuestID      = "quest_id"
	fieldBucket       = "bucket"
	defaultWriteLimit = 8
)

const (
	reasonMissingRepository = "missing_repository"
	reasonMissingCalendar   = "missing_calendar"
	reasonMissingIDProvider = "missing_id_provider"
	reasonInvalidTerm       = "invalid_term"
	reasonInvalidTitle      = "invalid_title"
	reasonIDGeneration      = "id_generation_failed"
	reasonMaxOrderFailed    = "max_order_failed"
	reasonCreateFailed      = "create_failed"
	reasonLookupFailed      = "lookup_failed"
	reasonNotFound          = "not_found"
	reasonDeleteFailed      = "delete_failed"
	reasonQueryFailed       = "query_failed"
	reasonShiftFailed       = "shift_failed"
	reasonNotPermutation    = "not_permutation"
	reasonRewriteFailed     = "rewrite_failed"
	reasonUpdateFailed      = "update_failed"
)

var (
	errMissingRepository = errors.New("repository is required")
	errMissingCalendar   = errors.New("calendar is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// SkipPolicy chooses how skip treats the order values of the two buckets involved.
type SkipPolicy int

const (
	// SkipCompact closes the gap in the vacated bucket and appends to the destination.
	SkipCompact SkipPolicy = iota
	// SkipPreserveOrder changes only the bucket key and keeps the quest's order value.
	SkipPreserveOrder
)

// ServiceConfig describes the dependencies of the ordering engine.
type ServiceConfig struct {
	Repository Repository
	Calendar   *calendar.Calendar
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
	SkipPolicy SkipPolicy
	// WriteConcurrency bounds parallel row writes during shifts and rewrites.
	WriteConcurrency int
}

// Service assigns quests to buckets and keeps each bucket's order dense.
type Service struct {
	repository Repository
	calendar   *calendar.Calendar
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
	skipPolicy SkipPolicy
	writeLimit int
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Repository == nil {
		return nil, serviceerr.New(opServiceNew, reasonMissingRepository, errMissingRepository)
	}
	if cfg.Calendar == nil {
		return nil, serviceerr.New(opServiceNew, reasonMissingCalendar, errMissingCalendar)
	}
	if cfg.IDProvider == nil {
		return nil, serviceerr.New(opServiceNew, reasonMissingIDProvider, errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	writeLimit := cfg.WriteConcurrency
	if writeLimit <= 0 {
		writeLimit = defaultWriteLimit
	}
	return &Service{
		repository: cfg.Repository,
		calendar:   cfg.Calendar,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		skipPolicy: cfg.SkipPolicy,
		writeLimit: writeLimit,
	}, nil
}

// Calendar exposes the term calendar the service buckets against.
func (s *Service) Calendar() *calendar.Calendar {
	return s.calendar
}

// Insert appends a new quest at the end of the bucket.
func (s *Service) Insert(ctx context.Context, userID UserID, bucket Bucket, rawTitle string) (Quest, error) {
	if err := s.calendar.ValidateNumber(bucket.Term); err != nil {
		return Quest{}, serviceerr.New(opInsert, reasonInvalidTerm, err)
	}
	title, err := NewTitle(rawTitle)
	if err != nil {
		return Quest{}, serviceerr.New(opInsert, reasonInvalidTitle, err)
	}

	maxOrder, found, err := s.repository.MaxOrder(ctx, userID, bucket)
	if err != nil {
		s.logError(opInsert, reasonMaxOrderFailed, err,
			zap.String(fieldUserID, userID.String()), zap.String(fieldBucket, bucket.String()))
		return Quest{}, serviceerr.New(opInsert, reasonMaxOrderFailed, err)
	}
	order := 0
	if found {
		order = maxOrder + 1
	}

	questID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opInsert, reasonIDGeneration, err, zap.String(fieldUserID, userID.String()))
		return Quest{}, serviceerr.New(opInsert, reasonIDGeneration, err)
	}
	now := s.clock().UTC()
	quest := Quest{
		ID:        questID,
		UserID:    userID.String(),
		Title:     title.String(),
		DueDate:   bucket.DueDate.String(),
		Term:      bucket.Term,
		IsDone:    false,
		Order:     order,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repository.Create(ctx, &quest); err != nil {
		s.logError(opInsert, reasonCreateFailed, err,
			zap.String(fieldUserID, userID.String()), zap.String(fieldBucket, bucket.String()))
		return Quest{}, serviceerr.New(opInsert, reasonCreateFailed, err)
	}
	return quest, nil
}

// Remove deletes the quest and shifts every later quest of its bucket down by one.
func (s *Service) Remove(ctx context.Context, userID UserID, questID QuestID) error {
	quest, err := s.lookup(ctx, opRemove, userID, questID)
	if err != nil {
		return err
	}
	if err := s.repository.Delete(ctx, userID, questID); err != nil {
		if errors.Is(err, ErrQuestNotFound) {
			return serviceerr.New(opRemove, reasonNotFound, err)
		}
		s.logError(opRemove, reasonDeleteFailed, err,
			zap.String(fieldUserID, userID.String()), zap.String(fieldQuestID, questID.String()))
		return serviceerr.New(opRemove, reasonDeleteFailed, err)
	}
	return s.closeGap(ctx, opRemove, userID, quest.Bucket(), quest.Order)
}

// Reorder rewrites the bucket so that orderedIDs[i] has order i.
func (s *Service) Reorder(ctx context.Context, userID UserID, bucket Bucket, orderedIDs []QuestID) error {
	members, err := s.repository.ListBucket(ctx, userID, bucket)
	if err != nil {
		s.logError(opReorder, reasonQueryFailed, err,
			zap.String(fieldUserID, userID.String()), zap.String(fieldBucket, bucket.String()))
		return serviceerr.New(opReorder, reasonQueryFailed, err)
	}
	if err := checkPermutation(members, orderedIDs); err != nil {
		return serviceerr.New(opReorder, reasonNotPermutation, err)
	}

	writes := make([]orderWrite, 0, len(orderedIDs))
	for position, questID := range orderedIDs {
		writes = append(writes, orderWrite{questID: questID, order: position})
	}
	if err := s.writeOrders(ctx, userID, writes); err != nil {
		s.logError(opReorder, reasonRewriteFailed, err,
			zap.String(fieldUserID, userID.String()), zap.String(fieldBucket, bucket.String()))
		return serviceerr.New(opReorder, reasonRewriteFailed, err)
	}
	return nil
}

// Skip moves the quest to the next bucket of the calendar.
func (s *Service) Skip(ctx context.Context, userID UserID, questID QuestID) (Quest, error) {
	quest, err := s.lookup(ctx, opSkip, userID, questID)
	if err != nil {
		return Quest{}, err
	}
	source := quest.Bucket()
	nextDate, nextTerm := s.calendar.NextBucket(source.DueDate, source.Term)
	return s.move(ctx, opSkip, userID, quest, Bucket{DueDate: nextDate, Term: nextTerm})
}

// Reschedule moves the quest to an explicitly chosen bucket.
func (s *Service) Reschedule(ctx context.Context, userID UserID, questID QuestID, target Bucket) (Quest, error) {
	if err := s.calendar.ValidateNumber(target.Term); err != nil {
		return Quest{}, serviceerr.New(opReschedule, reasonInvalidTerm, err)
	}
	quest, err := s.lookup(ctx, opReschedule, userID, questID)
	if err != nil {
		return Quest{}, err
	}
	if quest.Bucket() == target {
		return quest, nil
	}
	return s.move(ctx, opReschedule, userID, quest, target)
}

// ToggleComplete sets the completion flag; order and bucket are untouched.
func (s *Service) ToggleComplete(ctx context.Context, userID UserID, questID QuestID, done bool) error {
	return s.updateField(ctx, opToggleComplete, userID, questID, Changes{IsDone: &done})
}

// UpdateTitle replaces the title; order and bucket are untouched.
func (s *Service) UpdateTitle(ctx context.Context, userID UserID, questID QuestID, rawTitle string) error {
	title, err := NewTitle(rawTitle)
	if err != nil {
		return serviceerr.New(opUpdateTitle, reasonInvalidTitle, err)
	}
	value := title.String()
	return s.updateField(ctx, opUpdateTitle, userID, questID, Changes{Title: &value})
}

// Get returns a single quest of the owner.
func (s *Service) Get(ctx context.Context, userID UserID, questID QuestID) (Quest, error) {
	return s.lookup(ctx, opGet, userID, questID)
}

// List returns the owner's quests inside the window, ordered by due date, term and order.
func (s *Service) List(ctx context.Context, userID UserID, window calendar.Window) ([]Quest, error) {
	quests, err := s.repository.ListWindow(ctx, userID, window.From.String(), window.To.String())
	if err != nil {
		s.logError(opList, reasonQueryFailed, err, zap.String(fieldUserID, userID.String()))
		return nil, serviceerr.New(opList, reasonQueryFailed, err)
	}
	return quests, nil
}

// CompactBucket renumbers the bucket to 0..N-1 keeping the current relative order.
func (s *Service) CompactBucket(ctx context.Context, userID UserID, bucket Bucket) (int, error) {
	members, err := s.repository.ListBucket(ctx, userID, bucket)
	if err != nil {
		s.logError(opCompactBucket, reasonQueryFailed, err,
			zap.String(fieldUserID, userID.String()), zap.String(fieldBucket, bucket.String()))
		return 0, serviceerr.New(opCompactBucket, reasonQueryFailed, err)
	}
	writes := make([]orderWrite, 0)
	for position, member := range members {
		if member.Order != position {
			writes = append(writes, orderWrite{questID: QuestID(member.ID), order: position})
		}
	}
	if err := s.writeOrders(ctx, userID, writes); err != nil {
		s.logError(opCompactBucket, reasonRewriteFailed, err,
			zap.String(fieldUserID, userID.String()), zap.String(fieldBucket, bucket.String()))
		return 0, serviceerr.New(opCompactBucket, reasonRewriteFailed, err)
	}
	return len(writes), nil
}

// RepairReport summarizes a RepairAll pass.
type RepairReport struct {
	Buckets       int
	RowsRewritten int
}

// RepairAll compacts every bucket of every owner; failing buckets do not stop the pass.
func (s *Service) RepairAll(ctx context.Context) (RepairReport, error) {
	buckets, err := s.repository.ListBuckets(ctx)
	if err != nil {
		s.logError(opRepairAll, reasonQueryFailed, err)
		return RepairReport{}, serviceerr.New(opRepairAll, reasonQueryFailed, err)
	}
	report := RepairReport{Buckets: len(buckets)}
	var combined error
	for _, owned := range buckets {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		rewritten, err := s.CompactBucket(ctx, owned.UserID, owned.Bucket)
		if err != nil {
			combined = multierr.Append(combined, err)
			continue
		}
		report.RowsRewritten += rewritten
	}
	return report, combined
}

func (s *Service) move(ctx context.Context, operation string, userID UserID, quest Quest, target Bucket) (Quest, error) {
	source := quest.Bucket()
	vacatedOrder := quest.Order
	questID := QuestID(quest.ID)
	dueDate := target.DueDate.String()
	term := target.Term
	changes := Changes{DueDate: &dueDate, Term: &term}

	if s.skipPolicy == SkipCompact {
		maxOrder, found, err := s.repository.MaxOrder(ctx, userID, target)
		if err != nil {
			s.logError(operation, reasonMaxOrderFailed, err,
				zap.String(fieldUserID, userID.String()), zap.String(fieldBucket, target.String()))
			return Quest{}, serviceerr.New(operation, reasonMaxOrderFailed, err)
		}
		order := 0
		if found {
			order = maxOrder + 1
		}
		changes.Order = &order
	}

	if err := s.repository.Update(ctx, userID, questID, changes); err != nil {
		if errors.Is(err, ErrQuestNotFound) {
			return Quest{}, serviceerr.New(operation, reasonNotFound, err)
		}
		s.logError(operation, reasonUpdateFailed, err,
			zap.String(fieldUserID, userID.String()), zap.String(fieldQuestID, questID.String()))
		return Quest{}, serviceerr.New(operation, reasonUpdateFailed, err)
	}

	quest.DueDate = dueDate
	quest.Term = term
	if changes.Order != nil {
		quest.Order = *changes.Order
		if err := s.closeGap(ctx, operation, userID, source, vacatedOrder); err != nil {
			return quest, err
		}
	}
	return quest, nil
}

// closeGap shifts every quest in the bucket above vacatedOrder down by one.
func (s *Service) closeGap(ctx context.Context, operation string, userID UserID, bucket Bucket, vacatedOrder int) error {
	affected, err := s.repository.ListAfterOrder(ctx, userID, bucket, vacatedOrder)
	if err != nil {
		s.logError(operation, reasonQueryFailed, err,
			zap.String(fieldUserID, userID.String()), zap.String(fieldBucket, bucket.String()))
		return serviceerr.New(operation, reasonQueryFailed, err)
	}
	writes := make([]orderWrite, 0, len(affected))
	for _, quest := range affected {
		writes = append(writes, orderWrite{questID: QuestID(quest.ID), order: quest.Order - 1})
	}
	if err := s.writeOrders(ctx, userID, writes); err != nil {
		s.logError(operation, reasonShiftFailed, err,
			zap.String(fieldUserID, userID.String()), zap.String(fieldBucket, bucket.String()))
		return serviceerr.New(operation, reasonShiftFailed, err)
	}
	return nil
}

func (s *Service) lookup(ctx context.Context, operation string, userID UserID, questID QuestID) (Quest, error) {
	quest, err := s.repository.Get(ctx, userID, questID)
	if errors.Is(err, ErrQuestNotFound) {
		return Quest{}, serviceerr.New(operation, reasonNotFound, err)
	}
	if err != nil {
		s.logError(operation, reasonLookupFailed, err,
			zap.String(fieldUserID, userID.String()), zap.String(fieldQuestID, questID.String()))
		return Quest{}, serviceerr.New(operation, reasonLookupFailed, err)
	}
	return quest, nil
}

func (s *Service) updateField(ctx context.Context, operation string, userID UserID, questID QuestID, changes Changes) error {
	err := s.repository.Update(ctx, userID, questID, changes)
	if errors.Is(err, ErrQuestNotFound) {
		return serviceerr.New(operation, reasonNotFound, err)
	}
	if err != nil {
		s.logError(operation, reasonUpdateFailed, err,
			zap.String(fieldUserID, userID.String()), zap.String(fieldQuestID, questID.String()))
		return serviceerr.New(operation, reasonUpdateFailed, err)
	}
	return nil
}

type orderWrite struct {
	questID QuestID
	order   int
}

// writeOrders applies every write; a failed row never stops its siblings.
func (s *Service) writeOrders(ctx context.Context, userID UserID, writes []orderWrite) error {
	if len(writes) == 0 {
		return nil
	}
	var (
		mu       sync.Mutex
		combined error
	)
	group := new(errgroup.Group)
	group.SetLimit(s.writeLimit)
	for _, write := range writes {
		group.Go(func() error {
			order := write.order
			if err := s.repository.Update(ctx, userID, write.questID, Changes{Order: &order}); err != nil {
				mu.Lock()
				combined = multierr.Append(combined, fmt.Errorf("quest %s: %w", write.questID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()
	if combined != nil {
		return fmt.Errorf("%w: %w", ErrPartialWrite, combined)
	}
	return nil
}

func checkPermutation(members []Quest, orderedIDs []QuestID) error {
	if len(members) != len(orderedIDs) {
		return fmt.Errorf("%w: got %d ids for %d quests", ErrNotPermutation, len(orderedIDs), len(members))
	}
	remaining := make(map[string]struct{}, len(members))
	for _, member := range members {
		remaining[member.ID] = struct{}{}
	}
	for _, questID := range orderedIDs {
		if _, ok := remaining[questID.String()]; !ok {
			return fmt.Errorf("%w: unexpected or repeated id %s", ErrNotPermutation, questID)
		}
		delete(remaining, questID.String())
	}
	return nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("quests service error", attrs...)
}
