package notify

import (
	"sync"
	"time"
)

const (
	KindNotice  = "notice"
	KindRefresh = "refresh"
)

// Notice is a user-visible message, typically a failed edit that was rolled back.
type Notice struct {
	UserID  string    `json:"user_id"`
	TaskID  string    `json:"task_id,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at" format:"date-time"`
}

// Signal asks sibling views to reload after a confirmed status change.
type Signal struct {
	UserID string `json:"user_id"`
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

type Message struct {
	Kind    string  `json:"kind"`
	Notice  *Notice `json:"notice,omitempty"`
	Refresh *Signal `json:"refresh,omitempty"`
}

// Hub fans messages out to the subscribers of a user. Publishing never
// blocks: a full subscriber buffer drops the message.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan Message
	nextID int
	// OnDrop is called for every message a subscriber missed.
	OnDrop func(userID string, msg Message)
	Now    func() time.Time
}

func NewHub() *Hub {
	return &Hub{subs: map[string]map[int]chan Message{}, Now: time.Now}
}

// Subscribe returns a channel of messages for userID and a cancel function
// that closes it.
func (h *Hub) Subscribe(userID string, buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Message, buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	if h.subs[userID] == nil {
		h.subs[userID] = map[int]chan Message{}
	}
	h.subs[userID][id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[userID], id)
			if len(h.subs[userID]) == 0 {
				delete(h.subs, userID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Notify(n Notice) {
	if n.At.IsZero() {
		n.At = h.now()
	}
	h.publish(n.UserID, Message{Kind: KindNotice, Notice: &n})
}

func (h *Hub) Refresh(s Signal) {
	h.publish(s.UserID, Message{Kind: KindRefresh, Refresh: &s})
}

func (h *Hub) Subscribers(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[userID])
}

func (h *Hub) publish(userID string, msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[userID] {
		select {
		case ch <- msg:
		default:
			if h.OnDrop != nil {
				h.OnDrop(userID, msg)
			}
		}
	}
}

func (h *Hub) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}
