package planboardsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"planboard/internal/domain"
)

// Client is a minimal Planboard HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// UserID is sent as X-User-Id when no credentials are set. Servers only
	// honour it in development mode.
	UserID     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type (
	Task          = domain.Task
	TaskPatch     = domain.TaskPatch
	Position      = domain.Position
	CalendarEvent = domain.CalendarEvent
	FreeSlot      = domain.FreeSlot
	Session       = domain.Session
	Message       = domain.Message
	Suggestion    = domain.Suggestion
	Upload        = domain.Upload
	APIKey        = domain.APIKey
)

// TaskInput is one task of a create request.
type TaskInput struct {
	ID          string     `json:"id,omitempty"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Priority    string     `json:"priority,omitempty"`
	Category    string     `json:"category,omitempty"`
	Status      string     `json:"status,omitempty"`
	SessionID   string     `json:"session_id,omitempty"`
	StartDate   *time.Time `json:"start_date,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	IsAllDay    bool       `json:"is_all_day,omitempty"`
}

// ListTasksOptions filters ListTasks. Zero values are ignored.
type ListTasksOptions struct {
	SessionID string
	Status    string
	Scheduled bool
	Limit     int
	Cursor    string
}

type TaskPage struct {
	Items      []Task `json:"items"`
	NextCursor string `json:"next_cursor"`
}

type ChatResult struct {
	Session Session `json:"session"`
	Reply   Message `json:"reply"`
}

type SyncState struct {
	TaskID    string         `json:"task_id"`
	SyncState string         `json:"sync_state"`
	Event     *CalendarEvent `json:"event,omitempty"`
}

type Column struct {
	Status string `json:"status"`
	Tasks  []Task `json:"tasks"`
}

type Me struct {
	UserID     string         `json:"user_id"`
	Source     string         `json:"source"`
	TaskCounts map[string]int `json:"task_counts"`
}

type CreatedAPIKey struct {
	APIKey
	Key string `json:"key"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsPermanent reports whether retrying err cannot succeed: any 4xx response
// other than 429.
func IsPermanent(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && apiErr.StatusCode != http.StatusTooManyRequests
}

// IsNotFound reports whether err is a 404 response.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Me returns the authenticated user and their task counts.
func (c *Client) Me(ctx context.Context) (Me, error) {
	var resp Me
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// CreateTasks creates all tasks in one request.
func (c *Client) CreateTasks(ctx context.Context, tasks ...TaskInput) ([]Task, error) {
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodPost, "tasks", map[string]any{"tasks": tasks}, &resp)
	return resp.Items, err
}

// ListTasks returns one page of tasks.
func (c *Client) ListTasks(ctx context.Context, opts ListTasksOptions) (TaskPage, error) {
	q := url.Values{}
	if opts.SessionID != "" {
		q.Set("session_id", opts.SessionID)
	}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Scheduled {
		q.Set("scheduled", "true")
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	var resp TaskPage
	err := c.do(ctx, http.MethodGet, withQuery("tasks", q), nil, &resp)
	return resp, err
}

// AllTasks follows cursors until every matching task is fetched.
func (c *Client) AllTasks(ctx context.Context, opts ListTasksOptions) ([]Task, error) {
	if opts.Limit == 0 {
		opts.Limit = 200
	}
	var all []Task
	for {
		page, err := c.ListTasks(ctx, opts)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Items...)
		if page.NextCursor == "" {
			return all, nil
		}
		opts.Cursor = page.NextCursor
	}
}

func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) PatchTask(ctx context.Context, id string, patch TaskPatch) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPatch, "tasks/"+url.PathEscape(id), patch, &resp)
	return resp, err
}

func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "tasks/"+url.PathEscape(id), nil, nil)
}

func (c *Client) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []Session `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("sessions", q), nil, &resp)
	return resp.Items, err
}

func (c *Client) GetSession(ctx context.Context, id string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, "sessions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Chat sends prompt to the assistant. An empty sessionID starts a new session.
func (c *Client) Chat(ctx context.Context, sessionID, prompt string, uploadIDs ...string) (ChatResult, error) {
	body := map[string]any{"prompt": prompt}
	if sessionID != "" {
		body["session_id"] = sessionID
	}
	if len(uploadIDs) > 0 {
		body["upload_ids"] = uploadIDs
	}
	var resp ChatResult
	err := c.do(ctx, http.MethodPost, "chat", body, &resp)
	return resp, err
}

// AcceptSuggestions turns suggestions of an assistant message into tasks.
// Nil indexes accepts all of them.
func (c *Client) AcceptSuggestions(ctx context.Context, sessionID, messageID string, indexes []int, autoSchedule bool) ([]Task, error) {
	body := map[string]any{"message_id": messageID, "auto_schedule": autoSchedule}
	if indexes != nil {
		body["indexes"] = indexes
	}
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodPost, "sessions/"+url.PathEscape(sessionID)+"/suggestions/accept", body, &resp)
	return resp.Items, err
}

// Upload stores a file for later chat prompts.
func (c *Client) Upload(ctx context.Context, filename, contentType string, data []byte) (Upload, error) {
	q := url.Values{}
	q.Set("filename", filename)
	var resp Upload
	err := c.send(ctx, http.MethodPost, withQuery("uploads", q), contentType, bytes.NewReader(data), &resp)
	return resp, err
}

// FreeSlots lists free working-hour intervals of at least durationMinutes.
func (c *Client) FreeSlots(ctx context.Context, start, end time.Time, durationMinutes int) ([]FreeSlot, error) {
	q := url.Values{}
	q.Set("start", start.Format(time.RFC3339))
	q.Set("end", end.Format(time.RFC3339))
	q.Set("duration", strconv.Itoa(durationMinutes))
	var resp struct {
		Items []FreeSlot `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("schedule/free-slots", q), nil, &resp)
	return resp.Items, err
}

// CalendarEvents reloads the server-side view and returns the events
// overlapping the window. Zero bounds are open.
func (c *Client) CalendarEvents(ctx context.Context, start, end time.Time) ([]CalendarEvent, error) {
	q := url.Values{}
	if !start.IsZero() {
		q.Set("start", start.Format(time.RFC3339))
	}
	if !end.IsZero() {
		q.Set("end", end.Format(time.RFC3339))
	}
	var resp struct {
		Items []CalendarEvent `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("calendar/events", q), nil, &resp)
	return resp.Items, err
}

func (c *Client) EventState(ctx context.Context, taskID string) (SyncState, error) {
	var resp SyncState
	err := c.do(ctx, http.MethodGet, "calendar/events/"+url.PathEscape(taskID), nil, &resp)
	return resp, err
}

func (c *Client) MoveEvent(ctx context.Context, taskID string, pos Position) (SyncState, error) {
	var resp SyncState
	err := c.do(ctx, http.MethodPost, "calendar/events/"+url.PathEscape(taskID)+"/move", pos, &resp)
	return resp, err
}

func (c *Client) ResizeEvent(ctx context.Context, taskID string, end time.Time) (SyncState, error) {
	var resp SyncState
	err := c.do(ctx, http.MethodPost, "calendar/events/"+url.PathEscape(taskID)+"/resize", map[string]any{"end": end}, &resp)
	return resp, err
}

func (c *Client) Board(ctx context.Context) ([]Column, error) {
	var resp struct {
		Columns []Column `json:"columns"`
	}
	err := c.do(ctx, http.MethodGet, "board", nil, &resp)
	return resp.Columns, err
}

// MoveOnBoard changes a task's column. completion may be nil.
func (c *Client) MoveOnBoard(ctx context.Context, taskID, status string, completion *Position) (SyncState, error) {
	body := map[string]any{"status": status}
	if completion != nil {
		body["completion"] = completion
	}
	var resp SyncState
	err := c.do(ctx, http.MethodPost, "board/tasks/"+url.PathEscape(taskID)+"/move", body, &resp)
	return resp, err
}

func (c *Client) CreateAPIKey(ctx context.Context, name string) (CreatedAPIKey, error) {
	var resp CreatedAPIKey
	err := c.do(ctx, http.MethodPost, "api-keys", map[string]any{"name": name}, &resp)
	return resp, err
}

// DevLogin mints a development token for userID.
func (c *Client) DevLogin(ctx context.Context, userID string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "auth/dev/login", map[string]any{"user_id": userID}, &resp)
	return resp.Token, err
}

// TaskStore adapts the client to a single user's task view for an
// optimistic calendar running on the client side.
type TaskStore struct {
	Client *Client
}

func (s TaskStore) ListTasks(ctx context.Context) ([]Task, error) {
	return s.Client.AllTasks(ctx, ListTasksOptions{})
}

func (s TaskStore) PatchTask(ctx context.Context, taskID string, patch TaskPatch) (Task, error) {
	return s.Client.PatchTask(ctx, taskID, patch)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	return c.send(ctx, method, endpoint, "application/json", &buf, out)
}

func (c *Client) send(ctx context.Context, method, endpoint, contentType string, body io.Reader, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.UserID != "":
		req.Header.Set("X-User-Id", c.UserID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

// base returns the API root, appending /v1 when BaseURL has no path.
func (c *Client) base() string {
	b := strings.TrimRight(c.BaseURL, "/")
	if u, err := url.Parse(b); err == nil && (u.Path == "" || u.Path == "/") {
		return b + "/v1"
	}
	return b
}
