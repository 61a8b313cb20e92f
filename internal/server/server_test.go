package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planboard/internal/config"
	"planboard/internal/db"
	"planboard/internal/domain"
	"planboard/internal/engine"
	"planboard/internal/metrics"
	"planboard/internal/migrate"
	"planboard/internal/notify"
	"planboard/internal/poscache"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestEngine(t *testing.T) engine.Engine {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Schedule.Timezone = "UTC"
	cfg.Reconcile.InitialBackoff = 10 * time.Millisecond
	cfg.Reconcile.MaxBackoff = 20 * time.Millisecond
	e := engine.New(conn, cfg)
	cache, err := poscache.NewMemory(64, time.Minute)
	require.NoError(t, err)
	e.Cache = cache
	return e
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	e := newTestEngine(t)
	handler, err := New(Config{
		Engine:  e,
		Auth:    AuthConfig{JWTSecret: "test-secret", AllowDevUserHeader: true},
		Hub:     notify.NewHub(),
		Metrics: metrics.New(),
		Logger:  zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{Timeout: 10 * time.Second},
		close: func() {
			srv.Shutdown(context.Background())
			handler.Close(context.Background())
			ln.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asUser(id string) map[string]string {
	return map[string]string{"X-User-Id": id}
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &env), string(body))
	return env.Error.Code
}

func createTask(t *testing.T, srv *testServer, user string, input map[string]any) domain.Task {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"tasks": []map[string]any{input},
	}, asUser(user))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var out taskList
	require.NoError(t, json.Unmarshal(data, &out))
	require.Len(t, out.Items, 1)
	return out.Items[0]
}

func getTask(t *testing.T, srv *testServer, user, id string) domain.Task {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks/"+id, nil, asUser(user))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var task domain.Task
	require.NoError(t, json.Unmarshal(data, &task))
	return task
}

func TestHealthIsOpenAndAPIRequiresAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.JSONEq(t, `{"status":"ok"}`, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", errorCode(t, data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks", nil, map[string]string{"Authorization": "Bearer nope"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", errorCode(t, data))

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestTaskCRUDAndPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	var ids []string
	for _, title := range []string{"One", "Two", "Three"} {
		ids = append(ids, createTask(t, srv, "alice", map[string]any{"title": title}).ID)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks?limit=2", nil, asUser("alice"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedTasks
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks?limit=2&cursor="+page.NextCursor, nil, asUser("alice"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var next paginatedTasks
	require.NoError(t, json.Unmarshal(data, &next))
	require.Len(t, next.Items, 1)
	assert.Empty(t, next.NextCursor)

	seen := map[string]bool{}
	for _, task := range append(page.Items, next.Items...) {
		seen[task.ID] = true
	}
	for _, id := range ids {
		assert.True(t, seen[id], "task %s missing from pages", id)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/tasks/"+ids[0], map[string]any{
		"title":  "One (renamed)",
		"status": "in-progress",
	}, asUser("alice"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	patched := getTask(t, srv, "alice", ids[0])
	assert.Equal(t, "One (renamed)", patched.Title)
	assert.Equal(t, domain.StatusInProgress, patched.Status)

	// Other users cannot see the task.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks/"+ids[0], nil, asUser("bob"))
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", errorCode(t, data))

	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/tasks/"+ids[1], nil, asUser("alice"))
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks/"+ids[1], nil, asUser("alice"))
	require.Equal(t, http.StatusNotFound, res.StatusCode)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, asUser("alice"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var me MeResponse
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, "alice", me.UserID)
	assert.Equal(t, 1, me.TaskCounts[domain.StatusTodo])
	assert.Equal(t, 1, me.TaskCounts[domain.StatusInProgress])
}

func TestValidationErrorsUseEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"tasks": []map[string]any{{"title": "   "}},
	}, asUser("alice"))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "bad_request", errorCode(t, data))

	task := createTask(t, srv, "alice", map[string]any{"title": "Valid"})
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/tasks/"+task.ID, map[string]any{
		"status": "blocked",
	}, asUser("alice"))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "bad_request", errorCode(t, data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks?cursor=garbage", nil, asUser("alice"))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/schedule/free-slots?start=2024-01-02T09:00:00Z&end=2024-01-02T08:00:00Z&duration=30", nil, asUser("alice"))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
}

func TestFreeSlotsSkipScheduledTasks(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	createTask(t, srv, "alice", map[string]any{
		"title":      "Standup",
		"start_date": "2024-01-02T09:00:00Z",
		"due_date":   "2024-01-02T10:00:00Z",
	})
	res, data := doJSON(t, srv.Client(), http.MethodGet,
		srv.URL+"/v1/schedule/free-slots?start=2024-01-02T09:00:00Z&end=2024-01-02T12:00:00Z&duration=60", nil, asUser("alice"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var slots slotList
	require.NoError(t, json.Unmarshal(data, &slots))
	require.NotEmpty(t, slots.Items)
	first := slots.Items[0]
	assert.True(t, first.Start.Equal(time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)), "first slot %s", first.Start)
	for _, s := range slots.Items {
		assert.False(t, s.Start.Before(time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)))
	}
}

func TestCalendarMoveIsOptimisticAndPersists(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	task := createTask(t, srv, "alice", map[string]any{
		"title":      "Review",
		"start_date": "2024-01-03T09:00:00Z",
		"due_date":   "2024-01-03T10:00:00Z",
	})

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/calendar/events", nil, asUser("alice"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var events eventList
	require.NoError(t, json.Unmarshal(data, &events))
	require.Len(t, events.Items, 1)
	assert.Equal(t, "synced", events.Items[0].SyncState)

	newStart := time.Date(2024, 1, 3, 14, 0, 0, 0, time.UTC)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/calendar/events/"+task.ID+"/move", map[string]any{
		"start": newStart,
		"end":   newStart.Add(90 * time.Minute),
	}, asUser("alice"))
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(data))
	var sync SyncResponse
	require.NoError(t, json.Unmarshal(data, &sync))
	require.NotNil(t, sync.Event)
	assert.True(t, sync.Event.Start.Equal(newStart))

	require.Eventually(t, func() bool {
		got := getTask(t, srv, "alice", task.ID)
		return got.StartDate != nil && got.StartDate.Equal(newStart) &&
			got.DueDate != nil && got.DueDate.Equal(newStart.Add(90*time.Minute))
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		_, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/calendar/events/"+task.ID, nil, asUser("alice"))
		var s SyncResponse
		return json.Unmarshal(data, &s) == nil && s.SyncState == "synced"
	}, 5*time.Second, 20*time.Millisecond)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/calendar/events/"+task.ID+"/move", map[string]any{
		"start": newStart,
		"end":   newStart.Add(-time.Hour),
	}, asUser("alice"))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/calendar/events/missing/move", map[string]any{
		"start": newStart,
		"end":   newStart.Add(time.Hour),
	}, asUser("alice"))
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
}

func TestBoardMoveToDone(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	task := createTask(t, srv, "alice", map[string]any{"title": "Write notes"})

	completion := time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/board/tasks/"+task.ID+"/move", map[string]any{
		"status": "done",
		"completion": map[string]any{
			"start": completion,
			"end":   completion.Add(30 * time.Minute),
		},
	}, asUser("alice"))
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(data))

	require.Eventually(t, func() bool {
		got := getTask(t, srv, "alice", task.ID)
		return got.Status == domain.StatusDone && got.StartDate != nil && got.StartDate.Equal(completion)
	}, 5*time.Second, 20*time.Millisecond)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/board", nil, asUser("alice"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var b BoardResponse
	require.NoError(t, json.Unmarshal(data, &b))
	require.Len(t, b.Columns, 3)
	assert.Equal(t, domain.StatusDone, b.Columns[2].Status)
	require.Len(t, b.Columns[2].Tasks, 1)
	assert.Equal(t, task.ID, b.Columns[2].Tasks[0].ID)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/board/tasks/"+task.ID+"/move", map[string]any{
		"status": "archived",
	}, asUser("alice"))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
}

func TestAPIKeyAndDevLoginAuthenticate(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/api-keys", map[string]any{"name": "cli"}, asUser("alice"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var key APIKeyResponse
	require.NoError(t, json.Unmarshal(data, &key))
	require.True(t, strings.HasPrefix(key.Key, "pb_"))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": key.Key})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var me MeResponse
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, "alice", me.UserID)
	assert.Equal(t, "api_key", me.Source)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{"user_id": "carol"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var login DevLoginResponse
	require.NoError(t, json.Unmarshal(data, &login))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, "carol", me.UserID)
	assert.Equal(t, "jwt", me.Source)

	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/api-keys/"+key.ID, nil, asUser("alice"))
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": key.Key})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestUploadStoresRawBody(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/uploads?filename=notes.txt", strings.NewReader("buy milk"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("X-User-Id", "alice")
	res, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, _ := io.ReadAll(res.Body)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var up domain.Upload
	require.NoError(t, json.Unmarshal(data, &up))
	assert.Equal(t, "notes.txt", up.Filename)
	assert.Equal(t, int64(len("buy milk")), up.Size)
}

func TestCaptureBodyRejectsOversizedBodies(t *testing.T) {
	var seen []byte
	called := false
	h := captureBody(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		seen = bodyBytes(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/uploads", strings.NewReader("0123456789abcdef")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.False(t, called)
	assert.Equal(t, "request_entity_too_large", errorCode(t, rec.Body.Bytes()))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/uploads", strings.NewReader("12345678")))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, called)
	assert.Equal(t, []byte("12345678"), seen)
}

func TestWebhookDeliversSignedEvents(t *testing.T) {
	type delivery struct {
		header http.Header
		body   []byte
	}
	var (
		mu   sync.Mutex
		got  []delivery
		fail = true
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		defer mu.Unlock()
		if fail {
			fail = false
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		got = append(got, delivery{header: r.Header.Clone(), body: body})
	}))
	defer hook.Close()

	t.Setenv("PLANBOARD_TEST_HOOK_SECRET", "s3cret")
	e := newTestEngine(t)
	e.Config.Webhooks = []config.WebhookConfig{{
		URL:       hook.URL,
		Events:    []string{"task.*"},
		SecretEnv: "PLANBOARD_TEST_HOOK_SECRET",
	}}
	ctx := context.Background()
	_, err := e.UpsertSession(ctx, "alice", "s1", "Planning", nil)
	require.NoError(t, err)

	d := newWebhookDispatcher(e, metrics.New(), zerolog.Nop())
	require.NotNil(t, d)
	d.policy.InitialInterval = time.Millisecond
	d.policy.MaxInterval = time.Millisecond
	d.policy.Jitter = 0
	// Events before the first poll are not replayed.
	d.dispatchAll(ctx)

	_, err = e.CreateTasks(ctx, "alice", []engine.TaskInput{{Title: "Hooked"}})
	require.NoError(t, err)
	_, err = e.UpsertSession(ctx, "alice", "s2", "Ignored", nil)
	require.NoError(t, err)
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "task.created", got[0].header.Get("X-Planboard-Event"))
	assert.Equal(t, "sha256="+signPayload("s3cret", got[0].body), got[0].header.Get("X-Planboard-Signature"))
	var evt webhookEvent
	require.NoError(t, json.Unmarshal(got[0].body, &evt))
	assert.Equal(t, "alice", evt.UserID)
	assert.Equal(t, "task", evt.EntityKind)
}

func TestEventFilter(t *testing.T) {
	f := newEventFilter([]string{"task.*", "session.upserted"})
	assert.True(t, f.match("task.created"))
	assert.True(t, f.match("session.upserted"))
	assert.False(t, f.match("upload.stored"))
	assert.True(t, newEventFilter(nil).match("anything"))
	assert.True(t, newEventFilter([]string{" "}).match("anything"))
}
