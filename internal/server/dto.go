package server

import (
	"time"

	"planboard/internal/board"
	"planboard/internal/domain"
	"planboard/internal/engine"
)

// Request payloads

type CreateTasksRequest struct {
	Tasks []engine.TaskInput `json:"tasks" minItems:"1"`
}

type MessageInput struct {
	ID          string              `json:"id,omitempty"`
	Role        string              `json:"role" enum:"user,assistant"`
	Content     string              `json:"content"`
	UploadIDs   []string            `json:"upload_ids,omitempty"`
	Suggestions []domain.Suggestion `json:"suggestions,omitempty"`
	CreatedAt   string              `json:"created_at,omitempty"`
}

type UpsertSessionRequest struct {
	Title    string         `json:"title,omitempty"`
	Messages []MessageInput `json:"messages"`
}

func (r UpsertSessionRequest) messages() []domain.Message {
	out := make([]domain.Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		out = append(out, domain.Message(m))
	}
	return out
}

type ChatRequest struct {
	SessionID string   `json:"session_id,omitempty"`
	Prompt    string   `json:"prompt"`
	UploadIDs []string `json:"upload_ids,omitempty"`
}

type AcceptSuggestionsRequest struct {
	MessageID    string `json:"message_id"`
	Indexes      []int  `json:"indexes,omitempty"`
	AutoSchedule bool   `json:"auto_schedule,omitempty"`
}

type ResizeRequest struct {
	End time.Time `json:"end" format:"date-time"`
}

type BoardMoveRequest struct {
	Status     string           `json:"status" enum:"todo,in-progress,done"`
	Completion *domain.Position `json:"completion,omitempty"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
}

// Responses

type paginatedTasks struct {
	Items      []domain.Task `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type taskList struct {
	Items []domain.Task `json:"items"`
}

type sessionList struct {
	Items []domain.Session `json:"items"`
}

type slotList struct {
	Items []domain.FreeSlot `json:"items"`
}

type eventList struct {
	Items []domain.CalendarEvent `json:"items"`
}

type BoardResponse struct {
	Columns []board.Column `json:"columns"`
}

type SyncResponse struct {
	TaskID    string                `json:"task_id"`
	SyncState string                `json:"sync_state" enum:"synced,pending_write,reverted"`
	Event     *domain.CalendarEvent `json:"event,omitempty"`
}

type MeResponse struct {
	UserID     string         `json:"user_id"`
	Source     string         `json:"source"`
	TaskCounts map[string]int `json:"task_counts"`
}

type APIKeyResponse struct {
	domain.APIKey
	Key string `json:"key,omitempty"`
}

type apiKeyList struct {
	Items []domain.APIKey `json:"items"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func emptyTasks(items []domain.Task) []domain.Task {
	if items == nil {
		return []domain.Task{}
	}
	return items
}
