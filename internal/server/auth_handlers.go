package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type authRequestPayload struct {
	IDToken string `json:"id_token"`
}

type sessionResponsePayload struct {
	User      auth.SessionUser `json:"user"`
	ExpiresAt string           `json:"expires_at"`
}

func (h *httpHandler) handleGoogleAuth(c *gin.Context) {
	var request authRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IDToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	claims, err := h.verifier.Verify(c.Request.Context(), request.IDToken)
	if err != nil {
		h.logger.Warn("google token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	user, err := h.identities.RecordGoogleLogin(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("failed to record sign-in", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sign_in_failed"})
		return
	}

	token, session, err := h.tokens.Issue(user)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	h.setSessionCookie(c, token, session)
	h.logger.Info("session started", zap.String("user_id", user.UserID))
	c.JSON(http.StatusOK, toSessionResponse(session))
}

func (h *httpHandler) handleRefresh(c *gin.Context) {
	current, ok := sessionFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	token, session, err := h.tokens.Refresh(current)
	if err != nil {
		h.logger.Error("failed to refresh session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	h.setSessionCookie(c, token, session)
	c.JSON(http.StatusOK, toSessionResponse(session))
}

func (h *httpHandler) handleSession(c *gin.Context) {
	session, ok := sessionFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	// the token carries the profile from sign-in; prefer the stored one
	profile, err := h.identities.Profile(c.Request.Context(), session.UserID())
	if err != nil {
		h.logger.Warn("session profile lookup failed", zap.String("user_id", session.UserID()), zap.Error(err))
	} else {
		session.User = profile
	}
	c.JSON(http.StatusOK, toSessionResponse(session))
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.sessions.CookieName(), "", -1, "/", "", h.cookieSecure, true)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) setSessionCookie(c *gin.Context, token string, session auth.Session) {
	maxAge := int(session.ExpiresAt.Sub(h.now()).Seconds())
	if maxAge <= 0 {
		maxAge = -1
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.sessions.CookieName(), token, maxAge, "/", "", h.cookieSecure, true)
}

func toSessionResponse(session auth.Session) sessionResponsePayload {
	return sessionResponsePayload{
		User:      session.User,
		ExpiresAt: session.ExpiresAt.UTC().Format(time.RFC3339),
	}
}
