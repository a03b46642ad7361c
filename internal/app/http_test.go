package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"huddle/api/internal/config"
	"huddle/api/internal/identity"
	"huddle/api/internal/roster"
	"huddle/api/internal/store"
)

func doJSON(t *testing.T, handler http.Handler, method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	var decoded map[string]any
	if rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &decoded), rr.Body.String())
	}
	return rr, decoded
}

func localHeaders(userID string) map[string]string {
	return map[string]string{"X-User-ID": userID, "X-User-Name": userID + " name"}
}

func TestHealthEndpoint(t *testing.T) {
	svc := New(config.Config{}, Options{})
	defer svc.Close()
	server := NewHTTPServer(svc, nil, "*", zap.NewNop())

	rr, body := doJSON(t, server.Handler(), http.MethodGet, "/api/health", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, body["ok"])
}

func TestReadyEndpointWithoutStore(t *testing.T) {
	svc := New(config.Config{}, Options{})
	defer svc.Close()
	server := NewHTTPServer(svc, nil, "*", zap.NewNop())

	rr, body := doJSON(t, server.Handler(), http.MethodGet, "/api/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "not_ready", body["status"])
}

func TestReadyEndpointWithStore(t *testing.T) {
	h := newHarness(t, nil)
	server := NewHTTPServer(h.svc, nil, "*", zap.NewNop())

	rr, body := doJSON(t, server.Handler(), http.MethodGet, "/api/ready", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ready", body["status"])
}

func TestCommentRoutesLocalMode(t *testing.T) {
	h := newHarness(t, nil)
	handler := NewHTTPServer(h.svc, nil, "*", zap.NewNop()).Handler()

	rr, body := doJSON(t, handler, http.MethodPost, "/api/tasks/task-1/comments",
		map[string]any{"projectId": "proj-1", "content": "From the API"}, localHeaders("alice"))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, true, body["persisted"])
	created := body["comment"].(map[string]any)
	assert.Equal(t, "alice", created["authorId"])
	assert.Equal(t, "From the API", created["content"])

	rr, body = doJSON(t, handler, http.MethodGet, "/api/tasks/task-1/comments", nil, localHeaders("bob"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, body["comments"], 1)

	rr, body = doJSON(t, handler, http.MethodPost, "/api/tasks/task-1/comments",
		map[string]any{"projectId": "proj-1", "content": "   "}, localHeaders("alice"))
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "VALIDATION_ERROR", body["code"])

	rr, _ = doJSON(t, handler, http.MethodDelete, "/api/comments/"+created["id"].(string), nil, localHeaders("bob"))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr, body = doJSON(t, handler, http.MethodDelete, "/api/comments/"+created["id"].(string), nil, localHeaders("bob"))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", body["code"])
}

func TestAuthenticatedRoutesRequireToken(t *testing.T) {
	h := newHarness(t, nil)
	verifier := identity.NewVerifier("test-secret")
	handler := NewHTTPServer(h.svc, verifier, "*", zap.NewNop()).Handler()

	rr, body := doJSON(t, handler, http.MethodGet, "/api/notifications", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "UNAUTHORIZED", body["code"])

	rr, _ = doJSON(t, handler, http.MethodGet, "/api/notifications", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	aliceToken, err := verifier.Issue(identity.Identity{UserID: "alice", Name: "Alice"}, time.Hour)
	require.NoError(t, err)
	bobToken, err := verifier.Issue(identity.Identity{UserID: "bob", Name: "Bob"}, time.Hour)
	require.NoError(t, err)

	rr, body = doJSON(t, handler, http.MethodPost, "/api/tasks/task-1/comments",
		map[string]any{"projectId": "proj-1", "authorId": "bob", "content": "Mine"},
		map[string]string{"Authorization": "Bearer " + aliceToken})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := body["comment"].(map[string]any)
	assert.Equal(t, "alice", created["authorId"])
	assert.Equal(t, "Alice", created["authorName"])

	rr, body = doJSON(t, handler, http.MethodDelete, "/api/comments/"+created["id"].(string), nil,
		map[string]string{"Authorization": "Bearer " + bobToken})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "FORBIDDEN", body["code"])
}

func TestReactionRoutes(t *testing.T) {
	h := newHarness(t, nil)
	handler := NewHTTPServer(h.svc, nil, "*", zap.NewNop()).Handler()
	target := h.comment(t, user("bob"), "React to me", nil)

	rr, body := doJSON(t, handler, http.MethodPost, "/api/comments/"+target.ID+"/reactions",
		map[string]any{"emoji": "a b"}, localHeaders("alice"))
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "VALIDATION_ERROR", body["code"])

	rr, body = doJSON(t, handler, http.MethodPost, "/api/comments/"+target.ID+"/reactions",
		map[string]any{"emoji": "🚀"}, localHeaders("alice"))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, true, body["added"])

	rr, body = doJSON(t, handler, http.MethodGet, "/api/tasks/task-1/threads", nil, localHeaders("alice"))
	require.Equal(t, http.StatusOK, rr.Code)
	groups := body["reactions"].(map[string]any)[target.ID].([]any)
	require.Len(t, groups, 1)
	group := groups[0].(map[string]any)
	assert.Equal(t, "🚀", group["emoji"])
	assert.EqualValues(t, 1, group["count"])
}

func TestCommentResponsesCarryMentionSpans(t *testing.T) {
	h := newHarness(t, roster.Static{"proj-1": {{ID: "bob", DisplayName: "Bob"}}})
	handler := NewHTTPServer(h.svc, nil, "*", zap.NewNop()).Handler()
	c := h.comment(t, user("alice"), "ping @Bob now", nil)
	h.comment(t, user("alice"), "no mentions here", nil)

	for _, path := range []string{"/api/tasks/task-1/threads", "/api/tasks/task-1/comments"} {
		rr, body := doJSON(t, handler, http.MethodGet, path, nil, localHeaders("alice"))
		require.Equal(t, http.StatusOK, rr.Code, path)
		mentions := body["mentions"].(map[string]any)
		require.Len(t, mentions, 1, path)
		spans := mentions[c.ID].([]any)
		require.Len(t, spans, 1, path)
		span := spans[0].(map[string]any)
		assert.EqualValues(t, 5, span["start"])
		assert.EqualValues(t, 9, span["end"])
		assert.Equal(t, "bob", span["userId"])
	}
}

func TestNotificationRoutes(t *testing.T) {
	h := newHarness(t, nil)
	handler := NewHTTPServer(h.svc, nil, "*", zap.NewNop()).Handler()
	root := h.comment(t, user("bob"), "Root", nil)
	h.comment(t, user("alice"), "Reply", &root.ID)
	got := h.waitNotifications(t, "bob", 1)

	rr, body := doJSON(t, handler, http.MethodGet, "/api/notifications", nil, localHeaders("bob"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 1, body["unread"])

	rr, _ = doJSON(t, handler, http.MethodPost, "/api/notifications/"+got[0].ID+"/read", nil, localHeaders("alice"))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr, body = doJSON(t, handler, http.MethodPost, "/api/notifications/"+got[0].ID+"/read", nil, localHeaders("bob"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, body["notification"].(map[string]any)["isRead"])

	rr, body = doJSON(t, handler, http.MethodPost, "/api/notifications/read-all", nil, localHeaders("bob"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 0, body["updated"])

	rr, body = doJSON(t, handler, http.MethodDelete, "/api/notifications", nil, localHeaders("bob"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 1, body["deleted"])

	rr, body = doJSON(t, handler, http.MethodGet, "/api/notifications", nil, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "VALIDATION_ERROR", body["code"])
}

func TestActivityAndSearchRoutes(t *testing.T) {
	h := newHarness(t, nil)
	handler := NewHTTPServer(h.svc, nil, "*", zap.NewNop()).Handler()
	h.comment(t, user("alice"), "Migrate the billing database", nil)

	rr, body := doJSON(t, handler, http.MethodPost, "/api/projects/proj-1/activity",
		map[string]any{"type": "task_created", "targetId": "task-2", "targetName": "New task"}, localHeaders("alice"))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, true, body["persisted"])

	rr, body = doJSON(t, handler, http.MethodPost, "/api/projects/proj-1/activity",
		map[string]any{"type": "task_exploded", "targetId": "task-2"}, localHeaders("alice"))
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr, body = doJSON(t, handler, http.MethodGet, "/api/projects/proj-1/activity?limit=10", nil, localHeaders("alice"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, body["activity"], 2)

	rr, body = doJSON(t, handler, http.MethodGet, "/api/projects/proj-1/search?q=billing", nil, localHeaders("alice"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "sql", body["source"])
	assert.Len(t, body["results"], 1)
}

func TestLiveCommentsStreamsSnapshots(t *testing.T) {
	h := newHarness(t, nil)
	ts := httptest.NewServer(NewHTTPServer(h.svc, nil, "*", zap.NewNop()).Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/live/tasks/task-1?userId=alice"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	readFrame := func() LiveFrame[[]store.Comment] {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var frame LiveFrame[[]store.Comment]
		require.NoError(t, conn.ReadJSON(&frame))
		return frame
	}

	initial := readFrame()
	assert.Equal(t, "snapshot", initial.Type)
	assert.Equal(t, "task:task-1", initial.Topic)
	assert.Empty(t, initial.Data)

	_, _, err = h.svc.AddComment(context.Background(), user("alice"), AddCommentInput{
		TaskID: "task-1", ProjectID: "proj-1", Content: "live!",
	})
	require.NoError(t, err)

	for {
		frame := readFrame()
		if len(frame.Data) == 1 {
			assert.Equal(t, "live!", frame.Data[0].Content)
			return
		}
	}
}
