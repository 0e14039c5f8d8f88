package memos

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultAutosaveDelay = time.Second

// ErrAutosaverClosed indicates a Schedule call after Close.
var ErrAutosaverClosed = errors.New("memos: autosaver closed")

// Saver persists memo content; *Service satisfies it.
type Saver interface {
	Save(ctx context.Context, userID, memoID, content string) (Memo, error)
}

// Stopper cancels a scheduled save.
type Stopper interface {
	Stop() bool
}

// AutosaverConfig describes one editor session.
type AutosaverConfig struct {
	Saver  Saver
	UserID string
	// MemoID is the memo being edited; empty until the first save creates one.
	MemoID  string
	Delay   time.Duration
	Logger  *zap.Logger
	OnSaved func(Memo)
	// AfterFunc schedules the pending save; defaults to time.AfterFunc.
	AfterFunc func(time.Duration, func()) Stopper
}

// Autosaver debounces memo edits: one pending save per editor, replaced on every keystroke,
// flushed when the editor closes.
type Autosaver struct {
	saver     Saver
	userID    string
	delay     time.Duration
	logger    *zap.Logger
	onSaved   func(Memo)
	afterFunc func(time.Duration, func()) Stopper

	mu         sync.Mutex
	timer      Stopper
	generation uint64
	pending    string
	revision   uint64
	hasPending bool
	closed     bool

	saveMu        sync.Mutex
	memoID        string
	savedRevision uint64
}

// NewAutosaver returns an Autosaver for the editor session.
func NewAutosaver(cfg AutosaverConfig) (*Autosaver, error) {
	if cfg.Saver == nil {
		return nil, errors.New("memos: autosaver requires a saver")
	}
	if cfg.UserID == "" {
		return nil, ErrMissingUserID
	}
	delay := cfg.Delay
	if delay <= 0 {
		delay = defaultAutosaveDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	afterFunc := cfg.AfterFunc
	if afterFunc == nil {
		afterFunc = func(d time.Duration, f func()) Stopper { return time.AfterFunc(d, f) }
	}
	return &Autosaver{
		saver:     cfg.Saver,
		userID:    cfg.UserID,
		delay:     delay,
		logger:    logger,
		onSaved:   cfg.OnSaved,
		afterFunc: afterFunc,
		memoID:    cfg.MemoID,
	}, nil
}

// MemoID returns the id of the memo being edited, once known.
func (a *Autosaver) MemoID() string {
	a.saveMu.Lock()
	defer a.saveMu.Unlock()
	return a.memoID
}

// Schedule records new content and restarts the debounce timer.
func (a *Autosaver) Schedule(content string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrAutosaverClosed
	}
	a.pending = content
	a.hasPending = true
	a.revision++
	if a.timer != nil {
		a.timer.Stop()
	}
	a.generation++
	generation := a.generation
	a.timer = a.afterFunc(a.delay, func() { a.fire(generation) })
	return nil
}

// Flush saves pending content immediately.
func (a *Autosaver) Flush(ctx context.Context) error {
	a.mu.Lock()
	content, revision, ok := a.takePendingLocked()
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return a.save(ctx, content, revision)
}

// Close flushes pending content and disposes the timer; no save fires afterwards.
func (a *Autosaver) Close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	content, revision, ok := a.takePendingLocked()
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return a.save(ctx, content, revision)
}

func (a *Autosaver) takePendingLocked() (string, uint64, bool) {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.generation++
	if !a.hasPending {
		return "", 0, false
	}
	a.hasPending = false
	return a.pending, a.revision, true
}

func (a *Autosaver) fire(generation uint64) {
	a.mu.Lock()
	if a.closed || generation != a.generation || !a.hasPending {
		a.mu.Unlock()
		return
	}
	a.timer = nil
	a.hasPending = false
	content, revision := a.pending, a.revision
	a.mu.Unlock()

	_ = a.save(context.Background(), content, revision)
}

func (a *Autosaver) save(ctx context.Context, content string, revision uint64) error {
	a.saveMu.Lock()
	defer a.saveMu.Unlock()
	if revision <= a.savedRevision {
		return nil
	}
	memo, err := a.saver.Save(ctx, a.userID, a.memoID, content)
	if err != nil {
		a.logger.Warn("memo autosave failed", zap.String("user_id", a.userID), zap.Error(err))
		a.restorePending(content, revision)
		return err
	}
	a.memoID = memo.ID
	a.savedRevision = revision
	if a.onSaved != nil {
		a.onSaved(memo)
	}
	return nil
}

// restorePending keeps failed content around for the next flush unless newer edits exist.
func (a *Autosaver) restorePending(content string, revision uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.hasPending && a.revision == revision {
		a.pending = content
		a.hasPending = true
	}
}
