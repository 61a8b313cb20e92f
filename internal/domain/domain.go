package domain

import "time"

const (
	StatusTodo       = "todo"
	StatusInProgress = "in-progress"
	StatusDone       = "done"

	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"

	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Timestamp is the fixed-width layout of stored times. Values compare
// correctly as strings, which ordering and cursors rely on.
const Timestamp = "2006-01-02T15:04:05.000000000Z07:00"

// Statuses lists board columns in display order.
var Statuses = []string{StatusTodo, StatusInProgress, StatusDone}

func ValidStatus(s string) bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone:
		return true
	}
	return false
}

func ValidPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

type Task struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Priority     string     `json:"priority" enum:"low,medium,high"`
	Category     string     `json:"category"`
	Status       string     `json:"status" enum:"todo,in-progress,done"`
	SessionID    *string    `json:"session_id,omitempty"`
	AIResponseID *string    `json:"ai_response_id,omitempty"`
	StartDate    *time.Time `json:"start_date,omitempty" format:"date-time"`
	DueDate      *time.Time `json:"due_date,omitempty" format:"date-time"`
	IsAllDay     bool       `json:"is_all_day"`
	CreatedAt    string     `json:"created_at" format:"date-time"`
	UpdatedAt    string     `json:"updated_at" format:"date-time"`
}

// Scheduled reports whether the task has at least one calendar date.
func (t Task) Scheduled() bool {
	return t.StartDate != nil || t.DueDate != nil
}

// TaskPatch carries the fields of a partial update; nil means "leave as is".
type TaskPatch struct {
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	Priority    *string    `json:"priority,omitempty"`
	Category    *string    `json:"category,omitempty"`
	Status      *string    `json:"status,omitempty"`
	StartDate   *time.Time `json:"start_date,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	IsAllDay    *bool      `json:"is_all_day,omitempty"`
}

func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Priority == nil && p.Category == nil &&
		p.Status == nil && p.StartDate == nil && p.DueDate == nil && p.IsAllDay == nil
}

type CalendarEvent struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Start     time.Time `json:"start" format:"date-time"`
	End       time.Time `json:"end" format:"date-time"`
	AllDay    bool      `json:"all_day"`
	Priority  string    `json:"priority"`
	Status    string    `json:"status"`
	SyncState string    `json:"sync_state" enum:"synced,pending_write,reverted"`
}

type BusySlot struct {
	Start time.Time `json:"start" format:"date-time"`
	End   time.Time `json:"end" format:"date-time"`
}

type FreeSlot struct {
	Start           time.Time `json:"start" format:"date-time"`
	End             time.Time `json:"end" format:"date-time"`
	DurationMinutes int       `json:"duration_minutes"`
}

type Suggestion struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Priority    string     `json:"priority"`
	Category    string     `json:"category,omitempty"`
	Duration    *int       `json:"duration,omitempty"`
	StartDate   *time.Time `json:"start_date,omitempty" format:"date-time"`
	DueDate     *time.Time `json:"due_date,omitempty" format:"date-time"`
}

type Message struct {
	ID          string       `json:"id"`
	Role        string       `json:"role" enum:"user,assistant"`
	Content     string       `json:"content"`
	UploadIDs   []string     `json:"upload_ids,omitempty"`
	Suggestions []Suggestion `json:"suggestions,omitempty"`
	CreatedAt   string       `json:"created_at" format:"date-time"`
}

type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt string    `json:"created_at" format:"date-time"`
	UpdatedAt string    `json:"updated_at" format:"date-time"`
}

type Upload struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Key         string `json:"key"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	UserID     string `json:"user_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

// Span derives the calendar interval of a task. A missing start is placed
// defaultDuration before the due date and a missing due date defaultDuration
// after the start. ok is false for unscheduled tasks.
func (t Task) Span(defaultDuration time.Duration) (start, end time.Time, ok bool) {
	switch {
	case t.StartDate != nil && t.DueDate != nil:
		return *t.StartDate, *t.DueDate, true
	case t.StartDate != nil:
		return *t.StartDate, t.StartDate.Add(defaultDuration), true
	case t.DueDate != nil:
		return t.DueDate.Add(-defaultDuration), *t.DueDate, true
	}
	return time.Time{}, time.Time{}, false
}

// Overlaps reports whether [start,end) intersects [from,to). A zero bound is open.
func Overlaps(start, end, from, to time.Time) bool {
	if !to.IsZero() && !start.Before(to) {
		return false
	}
	if !from.IsZero() && !end.After(from) {
		return false
	}
	return true
}

// Position is a calendar placement of a task.
type Position struct {
	Start  time.Time `json:"start" format:"date-time"`
	End    time.Time `json:"end" format:"date-time"`
	AllDay bool      `json:"all_day" required:"false"`
}

func (p Position) Valid() bool {
	return !p.Start.IsZero() && p.Start.Before(p.End)
}

// APIKey is a long-lived credential for the CLI and SDK. Only the hash is stored.
type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
