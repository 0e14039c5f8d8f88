package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/push"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	termEndPath         = "/notifications/term-end"
	termEndAllowHeaders = "authorization, x-client-info, apikey, content-type"
)

type subscriptionResponsePayload struct {
	Subscription push.Descriptor `json:"subscription"`
	UpdatedAt    string          `json:"updated_at"`
}

type termEndRequestPayload struct {
	Term string `json:"term"`
}

func (h *httpHandler) handleVAPIDPublicKey(c *gin.Context) {
	if h.vapidPublicKey == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "push_disabled"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"public_key": h.vapidPublicKey})
}

func (h *httpHandler) handleGetSubscription(c *gin.Context) {
	session, ok := sessionFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	stored, err := h.subscriptions.Get(c.Request.Context(), session.UserID())
	if err != nil {
		writeServiceError(c, h.logger, "subscription_failed", err)
		return
	}
	h.writeSubscription(c, stored)
}

func (h *httpHandler) handlePutSubscription(c *gin.Context) {
	session, ok := sessionFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var descriptor push.Descriptor
	if err := c.ShouldBindJSON(&descriptor); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	stored, err := h.subscriptions.Upsert(c.Request.Context(), session.UserID(), descriptor)
	if err != nil {
		writeServiceError(c, h.logger, "subscription_failed", err)
		return
	}
	h.logger.Info("push subscription stored", zap.String("user_id", session.UserID()))
	h.writeSubscription(c, stored)
}

func (h *httpHandler) handleDeleteSubscription(c *gin.Context) {
	session, ok := sessionFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err := h.subscriptions.Delete(c.Request.Context(), session.UserID()); err != nil {
		writeServiceError(c, h.logger, "subscription_failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) writeSubscription(c *gin.Context, stored push.Subscription) {
	descriptor, err := stored.Descriptor()
	if err != nil {
		writeServiceError(c, h.logger, "subscription_failed", err)
		return
	}
	c.JSON(http.StatusOK, subscriptionResponsePayload{
		Subscription: descriptor,
		UpdatedAt:    stored.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

// handleTermEnd is the scheduled trigger endpoint. Only POST runs a broadcast.
func (h *httpHandler) handleTermEnd(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Headers", termEndAllowHeaders)
	switch c.Request.Method {
	case http.MethodOptions:
		c.Status(http.StatusNoContent)
		return
	case http.MethodPost:
	default:
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "Method not allowed"})
		return
	}

	if !h.triggerAuthorized(c.Request) {
		h.logger.Warn("term-end trigger rejected", zap.String("remote_addr", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if h.broadcaster == nil {
		h.logger.Error("term-end trigger without push configuration")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	term := h.termLabel
	var request termEndRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if label := strings.TrimSpace(request.Term); label != "" {
		term = label
	}

	// the broadcast outlives a trigger that hangs up early
	summary, err := h.broadcaster.Broadcast(context.WithoutCancel(c.Request.Context()), term)
	if err != nil {
		h.logger.Error("term-end broadcast failed", zap.String("term", term), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *httpHandler) triggerAuthorized(r *http.Request) bool {
	if h.triggerSecret == "" {
		return true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return false
	}
	presented := strings.TrimSpace(header[len(prefix):])
	return subtle.ConstantTimeCompare([]byte(presented), []byte(h.triggerSecret)) == 1
}
