package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/calendar"
	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/memos"
	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/push"
	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/quests"
	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/users"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "test-signing-secret"
	testCookieName    = "taskquest_session"
	testGoogleSubject = "google-sub-1"
)

// 13:30 in Tokyo: term 2 of the workday calendar, halfway through.
var testNow = time.Date(2024, 5, 1, 4, 30, 0, 0, time.UTC)

func testClock() time.Time {
	return testNow
}

type stubVerifier struct {
	claims auth.GoogleClaims
	err    error
}

func (s stubVerifier) Verify(_ context.Context, rawToken string) (auth.GoogleClaims, error) {
	if s.err != nil {
		return auth.GoogleClaims{}, s.err
	}
	if rawToken != "valid-google-token" {
		return auth.GoogleClaims{}, errors.New("bad token")
	}
	return s.claims, nil
}

type stubBroadcaster struct {
	summary push.Summary
	err     error
	terms   []string
}

func (s *stubBroadcaster) Broadcast(_ context.Context, term string) (push.Summary, error) {
	s.terms = append(s.terms, term)
	if s.err != nil {
		return push.Summary{}, s.err
	}
	summary := s.summary
	summary.Term = term
	return summary, nil
}

type testServer struct {
	handler     http.Handler
	issuer      *auth.TokenIssuer
	questSvc    *quests.Service
	realtime    *RealtimeDispatcher
	broadcaster *stubBroadcaster
	db          *gorm.DB
}

type testServerOptions struct {
	triggerSecret  string
	broadcaster    *stubBroadcaster
	noBroadcaster  bool
	heartbeat      time.Duration
	allowedOrigins []string
}

func newTestServer(t *testing.T, options testServerOptions) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "server.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&quests.Quest{}, &memos.Memo{}, &push.Subscription{}, &users.Identity{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	cal, err := calendar.New(calendar.Config{
		Terms:    calendar.WorkdayTerms(),
		Location: time.FixedZone("JST", 9*60*60),
	})
	if err != nil {
		t.Fatalf("failed to build calendar: %v", err)
	}
	idProvider := ids.NewUUIDProvider()
	questService, err := quests.NewService(quests.ServiceConfig{
		Repository: quests.NewGormRepository(db, testClock),
		Calendar:   cal,
		Clock:      testClock,
		IDProvider: idProvider,
	})
	if err != nil {
		t.Fatalf("failed to build quest service: %v", err)
	}
	memoService, err := memos.NewService(memos.ServiceConfig{Database: db, Clock: testClock, IDProvider: idProvider})
	if err != nil {
		t.Fatalf("failed to build memo service: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, IDProvider: idProvider, Clock: testClock})
	if err != nil {
		t.Fatalf("failed to build user service: %v", err)
	}
	store, err := push.NewStore(db, idProvider, testClock)
	if err != nil {
		t.Fatalf("failed to build push store: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        auth.DefaultSessionIssuer,
		Audience:      auth.DefaultSessionAudience,
		TokenTTL:      time.Hour,
		Clock:         testClock,
	})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        auth.DefaultSessionIssuer,
		Audience:      auth.DefaultSessionAudience,
		CookieName:    testCookieName,
		Clock:         testClock,
	})
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}

	broadcaster := options.broadcaster
	if broadcaster == nil {
		broadcaster = &stubBroadcaster{}
	}
	var termBroadcaster TermEndBroadcaster = broadcaster
	if options.noBroadcaster {
		termBroadcaster = nil
	}

	realtime := NewRealtimeDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		GoogleVerifier: stubVerifier{claims: auth.GoogleClaims{
			Subject: testGoogleSubject,
			Email:   "quester@example.com",
			Name:    "Quester",
		}},
		Identities:        userService,
		Tokens:            issuer,
		Sessions:          validator,
		QuestService:      questService,
		MemoService:       memoService,
		Subscriptions:     store,
		Realtime:          realtime,
		Broadcaster:       termBroadcaster,
		TriggerSecret:     options.triggerSecret,
		AllowedOrigins:    options.allowedOrigins,
		HeartbeatInterval: options.heartbeat,
		Clock:             testClock,
		Logger:            zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return &testServer{
		handler:     handler,
		issuer:      issuer,
		questSvc:    questService,
		realtime:    realtime,
		broadcaster: broadcaster,
		db:          db,
	}
}

func (s *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := s.issuer.Issue(auth.SessionUser{UserID: userID})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.AddCookie(&http.Cookie{Name: testCookieName, Value: token})
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(recorder.Body.Bytes(), &value); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return value
}
