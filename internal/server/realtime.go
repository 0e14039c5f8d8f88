package server

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	RealtimeEventQuestsChanged = "quests-changed"
	RealtimeEventMemoChanged   = "memo-changed"
	realtimeEventHeartbeat     = "heartbeat"
	realtimeSourceBackend      = "taskquest-backend"
	defaultHeartbeatInterval   = 25 * time.Second
)

// RealtimeMessage tells a user's open clients which data to refetch.
type RealtimeMessage struct {
	UserID    string
	EventType string
	Buckets   []string
	Timestamp time.Time
}

type realtimeEventPayload struct {
	Buckets   []string `json:"buckets,omitempty"`
	Timestamp string   `json:"timestamp"`
	Source    string   `json:"source"`
}

// RealtimeDispatcher fans messages out to the subscribers of each user.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream for userID that is dropped when ctx ends or cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, userID string) (<-chan RealtimeMessage, func()) {
	if userID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(userID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(userID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the message without blocking; a full subscriber buffer drops it.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.UserID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.UserID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// SubscriberCount returns the number of open streams of userID.
func (d *RealtimeDispatcher) SubscriberCount(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[userID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(userID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(userID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}

func (h *httpHandler) publish(userID, eventType string, buckets ...string) {
	if h.realtime == nil {
		return
	}
	h.realtime.Publish(RealtimeMessage{
		UserID:    userID,
		EventType: eventType,
		Buckets:   buckets,
		Timestamp: h.now().UTC(),
	})
}

func (h *httpHandler) handleEventStream(c *gin.Context) {
	session, ok := sessionFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if h.realtime == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "realtime_unavailable"})
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, session.UserID())
	defer cleanup()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.SSEvent(realtimeEventHeartbeat, h.eventPayload(nil, h.now()))
	c.Writer.Flush()

	h.logger.Debug("realtime stream opened", zap.String("user_id", session.UserID()))
	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(message.EventType, h.eventPayload(message.Buckets, message.Timestamp))
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, h.eventPayload(nil, tick))
			return true
		}
	})
	h.logger.Debug("realtime stream closed", zap.String("user_id", session.UserID()))
}

func (h *httpHandler) eventPayload(buckets []string, at time.Time) realtimeEventPayload {
	return realtimeEventPayload{
		Buckets:   buckets,
		Timestamp: at.UTC().Format(time.RFC3339),
		Source:    realtimeSourceBackend,
	}
}
