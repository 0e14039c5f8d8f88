package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/memos"
	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/push"
	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/quests"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const sessionContextKey = "taskquest_session"

var (
	errMissingGoogleVerifier = errors.New("google verifier dependency required")
	errMissingIdentities     = errors.New("identity recorder dependency required")
	errMissingTokenIssuer    = errors.New("session issuer dependency required")
	errMissingSessions       = errors.New("session validator dependency required")
	errMissingQuestService   = errors.New("quest service dependency required")
	errMissingMemoService    = errors.New("memo service dependency required")
	errMissingSubscriptions  = errors.New("subscription store dependency required")
)

// IdentityRecorder records a verified sign-in and resolves the canonical user.
type IdentityRecorder interface {
	RecordGoogleLogin(ctx context.Context, claims auth.GoogleClaims) (auth.SessionUser, error)
	Profile(ctx context.Context, userID string) (auth.SessionUser, error)
}

// SessionIssuer mints session tokens.
type SessionIssuer interface {
	Issue(user auth.SessionUser) (string, auth.Session, error)
	Refresh(session auth.Session) (string, auth.Session, error)
}

// SessionValidator authenticates requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.Session, error)
	CookieName() string
}

// SubscriptionStore persists the owner's push descriptor.
type SubscriptionStore interface {
	Upsert(ctx context.Context, userID string, descriptor push.Descriptor) (push.Subscription, error)
	Get(ctx context.Context, userID string) (push.Subscription, error)
	Delete(ctx context.Context, userID string) error
}

// TermEndBroadcaster sends the end-of-term notification to every subscription.
type TermEndBroadcaster interface {
	Broadcast(ctx context.Context, term string) (push.Summary, error)
}

type Dependencies struct {
	GoogleVerifier auth.IDTokenVerifier
	Identities     IdentityRecorder
	Tokens         SessionIssuer
	Sessions       SessionValidator
	QuestService   *quests.Service
	MemoService    *memos.Service
	Subscriptions  SubscriptionStore
	Realtime       *RealtimeDispatcher

	// Broadcaster is nil when no VAPID key pair is configured.
	Broadcaster    TermEndBroadcaster
	TriggerSecret  string
	TermLabel      string
	VAPIDPublicKey string

	AllowedOrigins    []string
	CookieSecure      bool
	HeartbeatInterval time.Duration
	Clock             func() time.Time
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.GoogleVerifier == nil {
		return nil, errMissingGoogleVerifier
	}
	if deps.Identities == nil {
		return nil, errMissingIdentities
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenIssuer
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.QuestService == nil {
		return nil, errMissingQuestService
	}
	if deps.MemoService == nil {
		return nil, errMissingMemoService
	}
	if deps.Subscriptions == nil {
		return nil, errMissingSubscriptions
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	termLabel := strings.TrimSpace(deps.TermLabel)
	if termLabel == "" {
		termLabel = push.DefaultTermLabel
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		verifier:          deps.GoogleVerifier,
		identities:        deps.Identities,
		tokens:            deps.Tokens,
		sessions:          deps.Sessions,
		questService:      deps.QuestService,
		memoService:       deps.MemoService,
		subscriptions:     deps.Subscriptions,
		broadcaster:       deps.Broadcaster,
		realtime:          deps.Realtime,
		cookieSecure:      deps.CookieSecure,
		triggerSecret:     strings.TrimSpace(deps.TriggerSecret),
		termLabel:         termLabel,
		vapidPublicKey:    deps.VAPIDPublicKey,
		heartbeatInterval: heartbeat,
		now:               clock,
		logger:            logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/auth/google", handler.handleGoogleAuth)
	router.POST("/auth/logout", handler.handleLogout)
	router.Any(termEndPath, handler.handleTermEnd)
	router.GET("/push/vapid-public-key", handler.handleVAPIDPublicKey)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/auth/refresh", handler.handleRefresh)
	protected.GET("/auth/session", handler.handleSession)
	protected.GET("/terms", handler.handleTerms)
	protected.GET("/quests", handler.handleListQuests)
	protected.POST("/quests", handler.handleCreateQuest)
	protected.PATCH("/quests/:id", handler.handleUpdateQuest)
	protected.DELETE("/quests/:id", handler.handleDeleteQuest)
	protected.POST("/quests/:id/skip", handler.handleSkipQuest)
	protected.POST("/quests/:id/reschedule", handler.handleRescheduleQuest)
	protected.PUT("/buckets/:date/:term/order", handler.handleReorderBucket)
	protected.GET("/memo", handler.handleGetMemo)
	protected.PUT("/memo", handler.handleSaveMemo)
	protected.GET("/push/subscription", handler.handleGetSubscription)
	protected.PUT("/push/subscription", handler.handlePutSubscription)
	protected.DELETE("/push/subscription", handler.handleDeleteSubscription)
	protected.GET("/events", handler.handleEventStream)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Client-Info", "Apikey"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	shared := cors.New(config)
	return func(c *gin.Context) {
		// the scheduler trigger answers any origin with its own headers
		if c.Request.URL.Path == termEndPath {
			c.Next()
			return
		}
		shared(c)
	}
}

type httpHandler struct {
	verifier          auth.IDTokenVerifier
	identities        IdentityRecorder
	tokens            SessionIssuer
	sessions          SessionValidator
	questService      *quests.Service
	memoService       *memos.Service
	subscriptions     SubscriptionStore
	broadcaster       TermEndBroadcaster
	realtime          *RealtimeDispatcher
	cookieSecure      bool
	triggerSecret     string
	termLabel         string
	vapidPublicKey    string
	heartbeatInterval time.Duration
	now               func() time.Time
	logger            *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	session, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Error(err),
		}
		switch {
		case errors.Is(err, auth.ErrMissingSessionToken), errors.Is(err, auth.ErrExpiredSessionToken):
			h.logger.Info("session validation failed", fields...)
		default:
			h.logger.Warn("session validation failed", fields...)
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if !session.Valid(h.now()) {
		h.logger.Info("session rejected",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Time("expires_at", session.ExpiresAt),
		)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(sessionContextKey, session)
	c.Next()
}

func sessionFromContext(c *gin.Context) (auth.Session, bool) {
	value, exists := c.Get(sessionContextKey)
	if !exists {
		return auth.Session{}, false
	}
	session, ok := value.(auth.Session)
	if !ok || session.UserID() == "" {
		return auth.Session{}, false
	}
	return session, true
}
