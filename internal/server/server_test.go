package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/taskboard/internal/channel"
	"github.com/nao1215/taskboard/internal/digest"
	"github.com/nao1215/taskboard/internal/email"
	"github.com/nao1215/taskboard/internal/notification"
	"github.com/nao1215/taskboard/internal/orchestrator"
	"github.com/nao1215/taskboard/internal/presence"
	"github.com/nao1215/taskboard/internal/realtime"
	"github.com/nao1215/taskboard/internal/storage"
	"github.com/nao1215/taskboard/internal/trigger"
	"github.com/nao1215/taskboard/pkg/event"
	"github.com/nao1215/taskboard/pkg/middleware"
)

const testSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

// testEnv はテスト用サーバーの依存関係。
type testEnv struct {
	server       *Server
	store        *storage.Store
	orchestrator *orchestrator.Orchestrator
	presence     *presence.Registry
	hub          *realtime.Hub
	mailer       *email.MockSender
}

// newTestEnv はインメモリSQLiteとモックのメール送信で依存関係を構築する。
// alice、bob、carolは登録済みの受信者になる。
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := storage.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = storage.Migrate(ctx, db)
	require.NoError(t, err)
	store := storage.New(db)
	for _, id := range []string{"alice", "bob", "carol"} {
		require.NoError(t, store.SaveUser(ctx, &notification.User{
			ID:          id,
			Name:        strings.ToUpper(id[:1]) + id[1:],
			Email:       id + "@example.com",
			Preferences: notification.DefaultPreferences(),
		}))
	}

	renderer, err := email.NewRenderer("Taskboard", "https://board.example.com")
	require.NoError(t, err)
	mailer := &email.MockSender{}
	reg := presence.NewRegistry(4)
	hub := realtime.NewHub(reg, testSecret)
	t.Cleanup(hub.Close)

	registry := channel.NewRegistry(
		channel.NewUI(hub),
		channel.NewEmail(renderer, mailer, digest.NewMemoryQueue()),
	)
	o := orchestrator.New(store, store, reg, registry, orchestrator.Config{AttemptTimeout: time.Second})
	hub.SetReadMarker(o)
	t.Cleanup(func() { _ = o.Close(context.Background()) })

	events := trigger.NewHandler(store, o, trigger.WithEventLog(store))
	s := NewServer(Config{Port: "0", JWTSecret: testSecret, AllowedOrigins: []string{"*"}}, o, store, events, hub)
	return &testEnv{server: s, store: store, orchestrator: o, presence: reg, hub: hub, mailer: mailer}
}

// setupTestServer はJWTの代わりにX-User-IDヘッダでユーザーを設定するルーターを構築する。
func setupTestServer(t *testing.T) (*testEnv, *gin.Engine) {
	t.Helper()
	env := newTestEnv(t)

	router := gin.New()
	s := &Server{
		router:    router,
		service:   env.orchestrator,
		directory: env.store,
		events:    trigger.NewHandler(env.store, env.orchestrator),
		realtime:  env.hub,
	}
	s.setupRoutes(func(c *gin.Context) {
		if userID := c.GetHeader("X-User-ID"); userID != "" {
			c.Set("user_id", userID)
			c.Set("email", userID+"@example.com")
		}
		c.Next()
	})
	return env, router
}

// createTestNotification はテスト用に通知をDBに直接挿入するヘルパー関数。
func createTestNotification(t *testing.T, env *testEnv, userID string, status notification.Status) string {
	t.Helper()
	id := uuid.New().String()
	n := &notification.Notification{
		ID:       id,
		UserID:   userID,
		Type:     notification.TypeTaskMoved,
		Title:    "Task Moved",
		Message:  `Alice moved task "Docs" from Todo to Done`,
		Channels: []notification.Channel{notification.ChannelUI},
		Status:   status,
	}
	if status == notification.StatusRead {
		readAt := time.Now().UTC()
		n.ReadAt = &readAt
	}
	require.NoError(t, env.store.Create(t.Context(), n))
	return id
}

// doRequest はテスト用のHTTPリクエストを実行し、レスポンスを返すヘルパー関数。
func doRequest(router http.Handler, method, path, userID string, body any) *httptest.ResponseRecorder {
	var reqBody *bytes.Reader
	switch b := body.(type) {
	case nil:
		reqBody = bytes.NewReader(nil)
	case []byte:
		reqBody = bytes.NewReader(b)
	default:
		jsonBytes, _ := json.Marshal(b)
		reqBody = bytes.NewReader(jsonBytes)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// doAuthRequest はJWTを付けてリクエストを実行する。
func doAuthRequest(t *testing.T, handler http.Handler, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	token, err := middleware.GenerateJWT(testSecret, userID, userID+"@example.com", time.Hour)
	require.NoError(t, err)

	var raw []byte
	switch b := body.(type) {
	case nil:
	case []byte:
		raw = b
	default:
		raw, err = json.Marshal(b)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

// parseJSON はレスポンスボディをmapにデコードするヘルパー関数。
func parseJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var result map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result), "body=%s", w.Body.String())
	return result
}

// parseJSONArray はレスポンスボディをスライスにデコードするヘルパー関数。
func parseJSONArray(t *testing.T, w *httptest.ResponseRecorder) []map[string]any {
	t.Helper()
	var result []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result), "body=%s", w.Body.String())
	return result
}

func taskMovedEvent(t *testing.T, recipients ...string) []byte {
	t.Helper()
	e, err := event.New(event.TypeTaskMoved, event.AggregateTypeTask, "task-1", "alice", recipients,
		event.TaskMovedData{TaskTitle: "Docs", From: "Todo", To: "Done"})
	require.NoError(t, err)
	raw, err := json.Marshal(e)
	require.NoError(t, err)
	return raw
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()
	_, router := setupTestServer(t)

	w := doRequest(router, http.MethodGet, "/health", "", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", parseJSON(t, w)["status"])
}

func TestMetrics(t *testing.T) {
	t.Parallel()
	_, router := setupTestServer(t)

	w := doRequest(router, http.MethodGet, "/metrics", "", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "taskboard_online_users")
}

func TestJWTRequired(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	w := doRequest(env.server.Handler(), http.MethodGet, "/api/v1/notifications", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doAuthRequest(t, env.server.Handler(), http.MethodGet, "/api/v1/notifications", "bob", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleListNotifications(t *testing.T) {
	t.Parallel()

	t.Run("通知が存在しない場合は空配列を返す", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		w := doRequest(router, http.MethodGet, "/api/v1/notifications", "bob", nil)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, parseJSONArray(t, w))
	})

	t.Run("自分の通知だけを返す", func(t *testing.T) {
		t.Parallel()
		env, router := setupTestServer(t)
		id := createTestNotification(t, env, "bob", notification.StatusSent)
		createTestNotification(t, env, "bob", notification.StatusFailed)
		createTestNotification(t, env, "carol", notification.StatusSent)

		w := doRequest(router, http.MethodGet, "/api/v1/notifications", "bob", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, parseJSONArray(t, w), 2)

		w = doRequest(router, http.MethodGet, "/api/v1/notifications?status=SENT&limit=10", "bob", nil)
		result := parseJSONArray(t, w)
		require.Len(t, result, 1)
		assert.Equal(t, id, result[0]["id"])
		assert.Equal(t, "bob", result[0]["userId"])
	})

	t.Run("不正なクエリはBadRequest", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		for _, q := range []string{"status=DONE", "type=UNKNOWN", "unread=maybe", "limit=-1", "offset=x"} {
			w := doRequest(router, http.MethodGet, "/api/v1/notifications?"+q, "bob", nil)
			assert.Equal(t, http.StatusBadRequest, w.Code, q)
		}
	})

	t.Run("ユーザーIDが未設定の場合はUnauthorized", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		w := doRequest(router, http.MethodGet, "/api/v1/notifications", "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestHandleListUnread(t *testing.T) {
	t.Parallel()
	env, router := setupTestServer(t)
	unread := createTestNotification(t, env, "bob", notification.StatusSent)
	createTestNotification(t, env, "bob", notification.StatusRead)
	createTestNotification(t, env, "bob", notification.StatusPending)

	w := doRequest(router, http.MethodGet, "/api/v1/notifications/unread", "bob", nil)

	require.Equal(t, http.StatusOK, w.Code)
	result := parseJSONArray(t, w)
	require.Len(t, result, 1)
	assert.Equal(t, unread, result[0]["id"])
}

func TestHandleStats(t *testing.T) {
	t.Parallel()
	env, router := setupTestServer(t)
	createTestNotification(t, env, "bob", notification.StatusSent)
	createTestNotification(t, env, "bob", notification.StatusDelivered)
	createTestNotification(t, env, "bob", notification.StatusRead)

	w := doRequest(router, http.MethodGet, "/api/v1/notifications/stats", "bob", nil)

	require.Equal(t, http.StatusOK, w.Code)
	result := parseJSON(t, w)
	assert.Equal(t, float64(3), result["total"])
	assert.Equal(t, float64(2), result["unread"])
}

func TestHandleAttempts(t *testing.T) {
	t.Parallel()
	env, router := setupTestServer(t)
	id := createTestNotification(t, env, "bob", notification.StatusSent)
	require.NoError(t, env.store.RecordAttempt(t.Context(), &notification.Attempt{
		NotificationID: id, Channel: notification.ChannelUI, Number: 1, Success: true,
	}))

	w := doRequest(router, http.MethodGet, "/api/v1/notifications/"+id+"/attempts", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, parseJSONArray(t, w), 1)

	w = doRequest(router, http.MethodGet, "/api/v1/notifications/"+id+"/attempts", "carol", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandleMarkAsRead(t *testing.T) {
	t.Parallel()

	t.Run("自分の通知を既読にできる", func(t *testing.T) {
		t.Parallel()
		env, router := setupTestServer(t)
		id := createTestNotification(t, env, "bob", notification.StatusSent)

		w := doRequest(router, http.MethodPut, "/api/v1/notifications/"+id+"/read", "bob", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		result := parseJSON(t, w)
		assert.Equal(t, string(notification.StatusRead), result["status"])
		readAt := result["readAt"]

		// 2回目も成功し、readAtは変わらない
		w = doRequest(router, http.MethodPut, "/api/v1/notifications/"+id+"/read", "bob", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, readAt, parseJSON(t, w)["readAt"])
	})

	tests := []struct {
		name   string
		owner  string
		status notification.Status
		path   string
		want   int
	}{
		{name: "他人の通知はForbidden", owner: "carol", status: notification.StatusSent, want: http.StatusForbidden},
		{name: "存在しない通知はNotFound", path: "/api/v1/notifications/missing/read", want: http.StatusNotFound},
		{name: "配信失敗の通知はConflict", owner: "bob", status: notification.StatusFailed, want: http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env, router := setupTestServer(t)
			path := tt.path
			if path == "" {
				path = "/api/v1/notifications/" + createTestNotification(t, env, tt.owner, tt.status) + "/read"
			}

			w := doRequest(router, http.MethodPut, path, "bob", nil)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestHandleMarkAllAsRead(t *testing.T) {
	t.Parallel()
	env, router := setupTestServer(t)
	for range 5 {
		createTestNotification(t, env, "bob", notification.StatusSent)
	}
	for range 2 {
		createTestNotification(t, env, "bob", notification.StatusRead)
	}

	w := doRequest(router, http.MethodPut, "/api/v1/notifications/read-all", "bob", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(5), parseJSON(t, w)["count"])
}

func TestHandleEvent(t *testing.T) {
	t.Parallel()

	t.Run("受け付けたイベントは配信されること", func(t *testing.T) {
		t.Parallel()
		env, router := setupTestServer(t)

		w := doRequest(router, http.MethodPost, "/api/v1/internal/events", "alice", taskMovedEvent(t, "alice", "carol"))
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		assert.Equal(t, float64(1), parseJSON(t, w)["recipients"])

		require.NoError(t, env.orchestrator.Wait(t.Context()))
		w = doRequest(router, http.MethodGet, "/api/v1/notifications", "carol", nil)
		result := parseJSONArray(t, w)
		require.Len(t, result, 1)
		assert.Equal(t, `Alice moved task "Docs" from Todo to Done`, result[0]["message"])
		assert.Len(t, env.mailer.Sent(), 1)

		w = doRequest(router, http.MethodGet, "/api/v1/notifications", "alice", nil)
		assert.Empty(t, parseJSONArray(t, w))
	})

	t.Run("不正なイベントはBadRequest", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		for _, body := range []string{
			`{`,
			`{"type":"task.moved","aggregateId":"t-1","recipients":[]}`,
			`{"type":"task.archived","aggregateId":"t-1","recipients":["bob"]}`,
		} {
			w := doRequest(router, http.MethodPost, "/api/v1/internal/events", "alice", []byte(body))
			assert.Equal(t, http.StatusBadRequest, w.Code, body)
		}
	})

	t.Run("同じイベントの再送は配信しない", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		raw := taskMovedEvent(t, "alice", "carol")

		for _, want := range []float64{1, 0} {
			w := doAuthRequest(t, env.server.Handler(), http.MethodPost, "/api/v1/internal/events", "alice", raw)
			require.Equal(t, http.StatusAccepted, w.Code)
			assert.Equal(t, want, parseJSON(t, w)["recipients"])
		}
		require.NoError(t, env.orchestrator.Wait(t.Context()))

		records, err := env.orchestrator.List(t.Context(), "carol", notification.Filter{})
		require.NoError(t, err)
		assert.Len(t, records, 1)
	})
}

func TestRealtimeDelivery(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.Handler())
	t.Cleanup(ts.Close)

	token, err := middleware.GenerateJWT(testSecret, "bob", "bob@example.com", time.Hour)
	require.NoError(t, err)
	ws, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws?token="+token, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = ws.Close() })

	require.NoError(t, ws.WriteJSON(map[string]any{"event": "join", "data": map[string]string{"userId": "bob"}}))
	require.Eventually(t, func() bool { return env.presence.IsOnline("bob") }, 3*time.Second, 10*time.Millisecond)

	w := doAuthRequest(t, env.server.Handler(), http.MethodPost, "/api/v1/internal/events", "alice", taskMovedEvent(t, "alice", "bob"))
	require.Equal(t, http.StatusAccepted, w.Code)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	var envelope realtime.Envelope
	require.NoError(t, ws.ReadJSON(&envelope))
	require.Equal(t, realtime.EventNotification, envelope.Event)
	var payload realtime.NotificationPayload
	require.NoError(t, json.Unmarshal(envelope.Data, &payload))
	assert.Equal(t, notification.TypeTaskMoved, payload.Type)

	// 受信直後に既読を送る
	require.NoError(t, ws.WriteJSON(map[string]any{
		"event": "mark_notification_read",
		"data":  map[string]string{"notificationId": payload.ID},
	}))
	var ack realtime.Envelope
	require.NoError(t, ws.ReadJSON(&ack))
	require.Equal(t, realtime.EventNotificationRead, ack.Event, string(ack.Data))

	require.NoError(t, env.orchestrator.Wait(t.Context()))
	records, err := env.orchestrator.List(t.Context(), "bob", notification.Filter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, notification.StatusRead, records[0].Status)
	assert.True(t, records[0].HasChannel(notification.ChannelUI))
	assert.NotNil(t, records[0].SentAt)
}
