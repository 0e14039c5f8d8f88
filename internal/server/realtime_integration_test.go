package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRealtimeStreamEmitsQuestChangeEvents(t *testing.T) {
	testServer := newTestServer(t, testServerOptions{heartbeat: time.Hour})
	server := httptest.NewServer(testServer.handler)
	t.Cleanup(server.Close)

	token := testServer.token(t, "user-123")

	streamRequest, err := http.NewRequest(http.MethodGet, server.URL+"/events", http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	streamRequest.Header.Set("Authorization", "Bearer "+token)
	streamResp, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}
	if contentType := streamResp.Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/event-stream") {
		t.Fatalf("unexpected content type %q", contentType)
	}

	streamReader := bufio.NewReader(streamResp.Body)

	deadline := time.Now().Add(2 * time.Second)
	for testServer.realtime.SubscriberCount("user-123") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	payload := `{"title":"write report","due_date":"2024-05-01","term":2}`
	createReq, err := http.NewRequest(http.MethodPost, server.URL+"/quests", bytes.NewBufferString(payload))
	if err != nil {
		t.Fatalf("failed to construct create request: %v", err)
	}
	createReq.Header.Set("Authorization", "Bearer "+token)
	createReq.Header.Set("Content-Type", "application/json")
	createResp, err := http.DefaultClient.Do(createReq)
	if err != nil {
		t.Fatalf("create request failed: %v", err)
	}
	_ = createResp.Body.Close()
	if createResp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected create status: %d", createResp.StatusCode)
	}

	currentEventType := ""
	timeout := time.After(5 * time.Second)
	type readResult struct {
		line string
		err  error
	}
	for {
		resultCh := make(chan readResult, 1)
		go func() {
			line, err := streamReader.ReadString('\n')
			resultCh <- readResult{line: line, err: err}
		}()
		select {
		case <-timeout:
			t.Fatal("timed out waiting for realtime event")
		case res := <-resultCh:
			if res.err != nil {
				t.Fatalf("failed to read stream: %v", res.err)
			}
			line := strings.TrimSpace(res.line)
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "event:") {
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			}
			if !strings.HasPrefix(line, "data:") || currentEventType != RealtimeEventQuestsChanged {
				continue
			}
			var event realtimeEventPayload
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &event); err != nil {
				t.Fatalf("failed to decode event payload: %v", err)
			}
			if len(event.Buckets) != 1 || event.Buckets[0] != "2024-05-01#2" {
				t.Fatalf("unexpected buckets: %#v", event.Buckets)
			}
			if event.Source != realtimeSourceBackend {
				t.Fatalf("unexpected source %q", event.Source)
			}
			return
		}
	}
}

func TestRealtimeStreamRequiresSession(t *testing.T) {
	testServer := newTestServer(t, testServerOptions{})
	recorder := httptest.NewRecorder()
	testServer.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/events", http.NoBody))
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}
