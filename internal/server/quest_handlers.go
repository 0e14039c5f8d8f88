package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/calendar"
	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/quests"
	"github.com/gin-gonic/gin"
)

type termPayload struct {
	Number    int    `json:"number"`
	StartHour int    `json:"start_hour"`
	EndHour   int    `json:"end_hour"`
	Label     string `json:"label"`
}

type termsResponsePayload struct {
	TimeZone    string          `json:"time_zone"`
	Today       calendar.Date   `json:"today"`
	CurrentTerm int             `json:"current_term"`
	Progress    *float64        `json:"progress"`
	Terms       []termPayload   `json:"terms"`
	Window      calendar.Window `json:"window"`
}

type questPayload struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	DueDate   string `json:"due_date"`
	Term      int    `json:"term"`
	IsDone    bool   `json:"is_done"`
	Order     int    `json:"order"`
	CreatedAt string `json:"created_at"`
}

type bucketPayload struct {
	DueDate string         `json:"due_date"`
	Term    int            `json:"term"`
	Quests  []questPayload `json:"quests"`
}

type questListResponsePayload struct {
	Window  calendar.Window `json:"window"`
	Quests  []questPayload  `json:"quests"`
	Buckets []bucketPayload `json:"buckets"`
}

type createQuestRequestPayload struct {
	Title   string `json:"title"`
	DueDate string `json:"due_date"`
	Term    int    `json:"term"`
}

type updateQuestRequestPayload struct {
	Title  *string `json:"title"`
	IsDone *bool   `json:"is_done"`
}

type rescheduleRequestPayload struct {
	DueDate string `json:"due_date"`
	Term    int    `json:"term"`
}

type reorderRequestPayload struct {
	QuestIDs []string `json:"quest_ids"`
}

func (h *httpHandler) handleTerms(c *gin.Context) {
	cal := h.questService.Calendar()
	now := h.now()
	today := cal.Today(now)
	current := cal.ResolveCurrentTerm(now)

	terms := make([]termPayload, 0, cal.TermCount())
	for index, span := range cal.Terms() {
		terms = append(terms, termPayload{
			Number:    calendar.TermIndex(index).Number(),
			StartHour: span.StartHour,
			EndHour:   span.EndHour,
			Label:     span.Label(),
		})
	}

	response := termsResponsePayload{
		TimeZone:    cal.Location().String(),
		Today:       today,
		CurrentTerm: current.Number(),
		Terms:       terms,
		Window:      cal.DateRangeWindow(today),
	}
	if progress := cal.TermProgress(current, now); progress >= 0 {
		response.Progress = &progress
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleListQuests(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	cal := h.questService.Calendar()
	window := cal.DateRangeWindow(cal.Today(h.now()))
	if raw := strings.TrimSpace(c.Query("from")); raw != "" {
		from, err := calendar.ParseDate(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_date"})
			return
		}
		window.From = from
	}
	if raw := strings.TrimSpace(c.Query("to")); raw != "" {
		to, err := calendar.ParseDate(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_date"})
			return
		}
		window.To = to
	}
	if window.To.Before(window.From) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_window"})
		return
	}

	listed, err := h.questService.List(c.Request.Context(), userID, window)
	if err != nil {
		writeServiceError(c, h.logger, "list_failed", err)
		return
	}

	response := questListResponsePayload{
		Window:  window,
		Quests:  make([]questPayload, 0, len(listed)),
		Buckets: make([]bucketPayload, 0),
	}
	for _, quest := range listed {
		response.Quests = append(response.Quests, toQuestPayload(quest))
	}
	for _, group := range quests.GroupByBucket(listed) {
		bucket := bucketPayload{
			DueDate: group.Bucket.DueDate.String(),
			Term:    group.Bucket.Term,
			Quests:  make([]questPayload, 0, len(group.Quests)),
		}
		for _, quest := range group.Quests {
			bucket.Quests = append(bucket.Quests, toQuestPayload(quest))
		}
		response.Buckets = append(response.Buckets, bucket)
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleCreateQuest(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	var request createQuestRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	bucket, err := quests.NewBucket(request.DueDate, request.Term)
	if err != nil {
		writeServiceError(c, h.logger, "create_failed", err)
		return
	}
	quest, err := h.questService.Insert(c.Request.Context(), userID, bucket, request.Title)
	if err != nil {
		writeServiceError(c, h.logger, "create_failed", err)
		return
	}
	h.publish(userID.String(), RealtimeEventQuestsChanged, bucket.String())
	c.JSON(http.StatusCreated, toQuestPayload(quest))
}

func (h *httpHandler) handleUpdateQuest(c *gin.Context) {
	userID, questID, ok := h.requireQuest(c)
	if !ok {
		return
	}
	var request updateQuestRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || (request.Title == nil && request.IsDone == nil) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	ctx := c.Request.Context()
	if request.Title != nil {
		if err := h.questService.UpdateTitle(ctx, userID, questID, *request.Title); err != nil {
			writeServiceError(c, h.logger, "update_failed", err)
			return
		}
	}
	if request.IsDone != nil {
		if err := h.questService.ToggleComplete(ctx, userID, questID, *request.IsDone); err != nil {
			writeServiceError(c, h.logger, "update_failed", err)
			return
		}
	}
	quest, err := h.questService.Get(ctx, userID, questID)
	if err != nil {
		writeServiceError(c, h.logger, "update_failed", err)
		return
	}
	h.publish(userID.String(), RealtimeEventQuestsChanged, quest.Bucket().String())
	c.JSON(http.StatusOK, toQuestPayload(quest))
}

func (h *httpHandler) handleDeleteQuest(c *gin.Context) {
	userID, questID, ok := h.requireQuest(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	quest, err := h.questService.Get(ctx, userID, questID)
	if err != nil {
		writeServiceError(c, h.logger, "delete_failed", err)
		return
	}
	if err := h.questService.Remove(ctx, userID, questID); err != nil {
		writeServiceError(c, h.logger, "delete_failed", err)
		return
	}
	h.publish(userID.String(), RealtimeEventQuestsChanged, quest.Bucket().String())
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleSkipQuest(c *gin.Context) {
	userID, questID, ok := h.requireQuest(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	before, err := h.questService.Get(ctx, userID, questID)
	if err != nil {
		writeServiceError(c, h.logger, "skip_failed", err)
		return
	}
	moved, err := h.questService.Skip(ctx, userID, questID)
	if err != nil {
		writeServiceError(c, h.logger, "skip_failed", err)
		return
	}
	h.publish(userID.String(), RealtimeEventQuestsChanged, before.Bucket().String(), moved.Bucket().String())
	c.JSON(http.StatusOK, toQuestPayload(moved))
}

func (h *httpHandler) handleRescheduleQuest(c *gin.Context) {
	userID, questID, ok := h.requireQuest(c)
	if !ok {
		return
	}
	var request rescheduleRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	target, err := quests.NewBucket(request.DueDate, request.Term)
	if err != nil {
		writeServiceError(c, h.logger, "reschedule_failed", err)
		return
	}
	ctx := c.Request.Context()
	before, err := h.questService.Get(ctx, userID, questID)
	if err != nil {
		writeServiceError(c, h.logger, "reschedule_failed", err)
		return
	}
	moved, err := h.questService.Reschedule(ctx, userID, questID, target)
	if err != nil {
		writeServiceError(c, h.logger, "reschedule_failed", err)
		return
	}
	h.publish(userID.String(), RealtimeEventQuestsChanged, before.Bucket().String(), moved.Bucket().String())
	c.JSON(http.StatusOK, toQuestPayload(moved))
}

func (h *httpHandler) handleReorderBucket(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	term, err := strconv.Atoi(c.Param("term"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_term"})
		return
	}
	bucket, err := quests.NewBucket(c.Param("date"), term)
	if err != nil {
		writeServiceError(c, h.logger, "reorder_failed", err)
		return
	}
	var request reorderRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.QuestIDs == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	orderedIDs := make([]quests.QuestID, 0, len(request.QuestIDs))
	for _, raw := range request.QuestIDs {
		questID, err := quests.NewQuestID(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_quest_id"})
			return
		}
		orderedIDs = append(orderedIDs, questID)
	}
	if err := h.questService.Reorder(c.Request.Context(), userID, bucket, orderedIDs); err != nil {
		writeServiceError(c, h.logger, "reorder_failed", err)
		return
	}
	h.publish(userID.String(), RealtimeEventQuestsChanged, bucket.String())
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) requireUser(c *gin.Context) (quests.UserID, bool) {
	session, ok := sessionFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	userID, err := quests.NewUserID(session.UserID())
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}

func (h *httpHandler) requireQuest(c *gin.Context) (quests.UserID, quests.QuestID, bool) {
	userID, ok := h.requireUser(c)
	if !ok {
		return "", "", false
	}
	questID, err := quests.NewQuestID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_quest_id"})
		return "", "", false
	}
	return userID, questID, true
}

func toQuestPayload(quest quests.Quest) questPayload {
	return questPayload{
		ID:        quest.ID,
		Title:     quest.Title,
		DueDate:   quest.DueDate,
		Term:      quest.Term,
		IsDone:    quest.IsDone,
		Order:     quest.Order,
		CreatedAt: quest.CreatedAt.UTC().Format(time.RFC3339),
	}
}
