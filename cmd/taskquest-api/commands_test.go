package main

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/config"
	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/memos"
	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/quests"
)

type recordingSaver struct {
	mu    sync.Mutex
	saves []string
}

func (s *recordingSaver) Save(_ context.Context, userID, memoID, content string) (memos.Memo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, content)
	return memos.Memo{ID: "memo-1", UserID: userID, Content: content}, nil
}

type heldTimer struct{}

func (heldTimer) Stop() bool { return true }

func TestEditMemoSavesAccumulatedContentOnce(t *testing.T) {
	saver := &recordingSaver{}
	autosaver, err := memos.NewAutosaver(memos.AutosaverConfig{
		Saver:  saver,
		UserID: "user-1",
		Delay:  time.Hour,
		AfterFunc: func(time.Duration, func()) memos.Stopper {
			return heldTimer{}
		},
	})
	if err != nil {
		t.Fatalf("failed to build autosaver: %v", err)
	}

	if err := editMemo(context.Background(), strings.NewReader("buy milk\ncall bank\n"), autosaver); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(saver.saves) != 1 {
		t.Fatalf("expected a single flush on EOF, got %d saves", len(saver.saves))
	}
	if saver.saves[0] != "buy milk\ncall bank" {
		t.Fatalf("unexpected saved content %q", saver.saves[0])
	}
	if autosaver.Schedule("late edit") == nil {
		t.Fatalf("expected schedule after close to fail")
	}
}

func TestEditMemoAcceptsLongLines(t *testing.T) {
	saver := &recordingSaver{}
	autosaver, err := memos.NewAutosaver(memos.AutosaverConfig{
		Saver:  saver,
		UserID: "user-1",
		Delay:  time.Hour,
		AfterFunc: func(time.Duration, func()) memos.Stopper {
			return heldTimer{}
		},
	})
	if err != nil {
		t.Fatalf("failed to build autosaver: %v", err)
	}

	pasted := strings.Repeat("x", 200*1024)
	if err := editMemo(context.Background(), strings.NewReader(pasted+"\nshort\n"), autosaver); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(saver.saves) != 1 || saver.saves[0] != pasted+"\nshort" {
		t.Fatalf("expected the long line to be saved intact, got %d saves", len(saver.saves))
	}
}

func TestNewCalendarSelectsTermSet(t *testing.T) {
	testCases := []struct {
		name      string
		termSet   string
		wantTerms int
	}{
		{name: "workday", termSet: config.TermSetWorkday, wantTerms: 5},
		{name: "full day", termSet: config.TermSetFullDay, wantTerms: 8},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			cal, err := newCalendar(config.AppConfig{CalendarTimeZone: "Asia/Tokyo", CalendarTermSet: testCase.termSet})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cal.TermCount() != testCase.wantTerms {
				t.Fatalf("expected %d terms, got %d", testCase.wantTerms, cal.TermCount())
			}
		})
	}

	if _, err := newCalendar(config.AppConfig{CalendarTimeZone: "Mars/Olympus", CalendarTermSet: config.TermSetWorkday}); err == nil {
		t.Fatalf("expected unknown time zone to fail")
	}
}

func TestSkipPolicyMapping(t *testing.T) {
	if skipPolicy(config.SkipPolicyPreserveOrder) != quests.SkipPreserveOrder {
		t.Fatalf("expected preserve order policy")
	}
	if skipPolicy(config.SkipPolicyCompact) != quests.SkipCompact {
		t.Fatalf("expected compact policy")
	}
}
