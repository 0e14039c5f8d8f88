package server

import (
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/memos"
	"github.com/gin-gonic/gin"
)

type memoPayload struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type saveMemoRequestPayload struct {
	MemoID  string  `json:"memo_id"`
	Content *string `json:"content"`
}

func (h *httpHandler) handleGetMemo(c *gin.Context) {
	session, ok := sessionFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	memo, found, err := h.memoService.Latest(c.Request.Context(), session.UserID())
	if err != nil {
		writeServiceError(c, h.logger, "memo_failed", err)
		return
	}
	if !found {
		c.JSON(http.StatusOK, gin.H{"memo": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"memo": toMemoPayload(memo)})
}

func (h *httpHandler) handleSaveMemo(c *gin.Context) {
	session, ok := sessionFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request saveMemoRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Content == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	memo, err := h.memoService.Save(c.Request.Context(), session.UserID(), request.MemoID, *request.Content)
	if err != nil {
		writeServiceError(c, h.logger, "memo_failed", err)
		return
	}
	h.publish(session.UserID(), RealtimeEventMemoChanged)
	c.JSON(http.StatusOK, gin.H{"memo": toMemoPayload(memo)})
}

func toMemoPayload(memo memos.Memo) memoPayload {
	return memoPayload{
		ID:        memo.ID,
		Content:   memo.Content,
		CreatedAt: memo.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: memo.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
