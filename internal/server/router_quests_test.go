package server

import (
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestQuestLifecycleKeepsBucketsDense(testContext *testing.T) {
	server := newTestServer(testContext, testServerOptions{})
	token := server.token(testContext, "user-1")

	created := make([]questPayload, 0, 3)
	for _, title := range []string{"write", "review", "ship"} {
		recorder := server.do(testContext, http.MethodPost, "/quests", token, gin.H{"title": title, "due_date": "2024-05-01", "term": 2})
		if recorder.Code != http.StatusCreated {
			testContext.Fatalf("create %s: unexpected status %d: %s", title, recorder.Code, recorder.Body.String())
		}
		created = append(created, decodeBody[questPayload](testContext, recorder))
	}
	for index, quest := range created {
		if quest.Order != index {
			testContext.Fatalf("expected appended order %d, got %d", index, quest.Order)
		}
	}

	recorder := server.do(testContext, http.MethodPut, "/buckets/2024-05-01/2/order", token, gin.H{
		"quest_ids": []string{created[2].ID, created[0].ID, created[1].ID},
	})
	if recorder.Code != http.StatusNoContent {
		testContext.Fatalf("reorder: unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = server.do(testContext, http.MethodDelete, "/quests/"+created[0].ID, token, nil)
	if recorder.Code != http.StatusNoContent {
		testContext.Fatalf("delete: unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = server.do(testContext, http.MethodGet, "/quests?from=2024-05-01&to=2024-05-01", token, nil)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("list: unexpected status %d", recorder.Code)
	}
	listed := decodeBody[questListResponsePayload](testContext, recorder)
	if len(listed.Buckets) != 1 || len(listed.Buckets[0].Quests) != 2 {
		testContext.Fatalf("unexpected buckets %+v", listed.Buckets)
	}
	bucket := listed.Buckets[0]
	if bucket.Quests[0].Title != "ship" || bucket.Quests[1].Title != "review" {
		testContext.Fatalf("unexpected order %+v", bucket.Quests)
	}
	for index, quest := range bucket.Quests {
		if quest.Order != index {
			testContext.Fatalf("expected dense order, got %d at %d", quest.Order, index)
		}
	}
}

func TestSkipMovesQuestToNextTerm(testContext *testing.T) {
	server := newTestServer(testContext, testServerOptions{})
	token := server.token(testContext, "user-1")

	recorder := server.do(testContext, http.MethodPost, "/quests", token, gin.H{"title": "late", "due_date": "2024-05-01", "term": 5})
	quest := decodeBody[questPayload](testContext, recorder)

	recorder = server.do(testContext, http.MethodPost, "/quests/"+quest.ID+"/skip", token, nil)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("skip: unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	moved := decodeBody[questPayload](testContext, recorder)
	if moved.DueDate != "2024-05-02" || moved.Term != 1 {
		testContext.Fatalf("expected the first term of the next day, got %s#%d", moved.DueDate, moved.Term)
	}
}

func TestRescheduleAndPatchQuest(testContext *testing.T) {
	server := newTestServer(testContext, testServerOptions{})
	token := server.token(testContext, "user-1")

	quest := decodeBody[questPayload](testContext,
		server.do(testContext, http.MethodPost, "/quests", token, gin.H{"title": "plan", "due_date": "2024-05-01", "term": 1}))

	recorder := server.do(testContext, http.MethodPost, "/quests/"+quest.ID+"/reschedule", token, gin.H{"due_date": "2024-05-03", "term": 4})
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("reschedule: unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	moved := decodeBody[questPayload](testContext, recorder)
	if moved.DueDate != "2024-05-03" || moved.Term != 4 || moved.Order != 0 {
		testContext.Fatalf("unexpected rescheduled quest %+v", moved)
	}

	recorder = server.do(testContext, http.MethodPatch, "/quests/"+quest.ID, token, gin.H{"title": "plan better", "is_done": true})
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("patch: unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	patched := decodeBody[questPayload](testContext, recorder)
	if patched.Title != "plan better" || !patched.IsDone {
		testContext.Fatalf("unexpected patched quest %+v", patched)
	}
}

func TestQuestHandlersReportErrors(testContext *testing.T) {
	server := newTestServer(testContext, testServerOptions{})
	token := server.token(testContext, "user-1")
	quest := decodeBody[questPayload](testContext,
		server.do(testContext, http.MethodPost, "/quests", token, gin.H{"title": "mine", "due_date": "2024-05-01", "term": 1}))

	testCases := []struct {
		name       string
		method     string
		path       string
		token      string
		body       any
		wantStatus int
		wantError  string
		wantCode   string
	}{
		{name: "no session", method: http.MethodGet, path: "/quests", wantStatus: http.StatusUnauthorized, wantError: "unauthorized"},
		{name: "invalid term", method: http.MethodPost, path: "/quests", token: token, body: gin.H{"title": "x", "due_date": "2024-05-01", "term": 9}, wantStatus: http.StatusBadRequest, wantError: "invalid_term", wantCode: "quests.insert.invalid_term"},
		{name: "blank title", method: http.MethodPost, path: "/quests", token: token, body: gin.H{"title": "  ", "due_date": "2024-05-01", "term": 1}, wantStatus: http.StatusBadRequest, wantError: "invalid_title"},
		{name: "bad date", method: http.MethodPost, path: "/quests", token: token, body: gin.H{"title": "x", "due_date": "05/01", "term": 1}, wantStatus: http.StatusBadRequest, wantError: "invalid_date"},
		{name: "foreign quest", method: http.MethodDelete, path: "/quests/" + quest.ID, token: server.token(testContext, "user-2"), wantStatus: http.StatusNotFound, wantError: "not_found"},
		{name: "not a permutation", method: http.MethodPut, path: "/buckets/2024-05-01/1/order", token: token, body: gin.H{"quest_ids": []string{quest.ID, quest.ID}}, wantStatus: http.StatusConflict, wantError: "not_permutation", wantCode: "quests.reorder.not_permutation"},
		{name: "inverted window", method: http.MethodGet, path: "/quests?from=2024-05-03&to=2024-05-01", token: token, wantStatus: http.StatusBadRequest, wantError: "invalid_window"},
	}

	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(testContext *testing.T) {
			recorder := server.do(testContext, testCase.method, testCase.path, testCase.token, testCase.body)
			if recorder.Code != testCase.wantStatus {
				testContext.Fatalf("unexpected status: got %d want %d (%s)", recorder.Code, testCase.wantStatus, recorder.Body.String())
			}
			payload := decodeBody[map[string]any](testContext, recorder)
			if payload["error"] != testCase.wantError {
				testContext.Fatalf("expected error %s, got %v", testCase.wantError, payload["error"])
			}
			if testCase.wantCode != "" && payload["code"] != testCase.wantCode {
				testContext.Fatalf("expected code %s, got %v", testCase.wantCode, payload["code"])
			}
		})
	}
}

func TestTermsReportsCurrentTermAndWindow(testContext *testing.T) {
	server := newTestServer(testContext, testServerOptions{})
	recorder := server.do(testContext, http.MethodGet, "/terms", server.token(testContext, "user-1"), nil)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("unexpected status %d", recorder.Code)
	}
	payload := decodeBody[map[string]any](testContext, recorder)
	if payload["current_term"] != float64(2) {
		testContext.Fatalf("expected term 2, got %v", payload["current_term"])
	}
	if payload["progress"] != 0.5 {
		testContext.Fatalf("expected halfway progress, got %v", payload["progress"])
	}
	if payload["today"] != "2024-05-01" {
		testContext.Fatalf("unexpected today %v", payload["today"])
	}
	window, _ := payload["window"].(map[string]any)
	if window["from"] != "2024-04-30" || window["to"] != "2024-05-04" {
		testContext.Fatalf("unexpected window %v", window)
	}
	terms, _ := payload["terms"].([]any)
	if len(terms) != 5 {
		testContext.Fatalf("expected five terms, got %d", len(terms))
	}
}
