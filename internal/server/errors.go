package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/calendar"
	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/memos"
	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/push"
	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/quests"
	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/serviceerr"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func writeServiceError(c *gin.Context, logger *zap.Logger, fallback string, err error) {
	status, message := classifyError(err, fallback)
	payload := gin.H{"error": message}
	if code, ok := serviceerr.CodeOf(err); ok {
		payload["code"] = code
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	}
	c.JSON(status, payload)
}

func classifyError(err error, fallback string) (int, string) {
	switch {
	case errors.Is(err, quests.ErrQuestNotFound),
		errors.Is(err, memos.ErrMemoNotFound),
		errors.Is(err, push.ErrSubscriptionNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, quests.ErrNotPermutation):
		return http.StatusConflict, "not_permutation"
	case errors.Is(err, quests.ErrInvalidTitle):
		return http.StatusBadRequest, "invalid_title"
	case errors.Is(err, calendar.ErrInvalidTermNumber):
		return http.StatusBadRequest, "invalid_term"
	case errors.Is(err, calendar.ErrInvalidDate):
		return http.StatusBadRequest, "invalid_date"
	case errors.Is(err, quests.ErrInvalidQuestID), errors.Is(err, quests.ErrInvalidUserID):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, push.ErrInvalidDescriptor):
		return http.StatusBadRequest, "invalid_subscription"
	default:
		return http.StatusInternalServerError, fallback
	}
}
