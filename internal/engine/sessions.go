package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"planboard/internal/domain"
	"planboard/internal/events"
	"planboard/internal/llm"
	"planboard/internal/repo"
	"planboard/internal/suggest"
)

const (
	maxPromptLen     = 8000
	maxAttachmentLen = 8000
	maxTitleLen      = 60
)

const systemPrompt = `You are a planning assistant. Help the user break their goals into concrete, schedulable tasks.
Keep answers short and practical.`

// UpsertSession creates or replaces a session owned by userID. An empty id
// creates a new session.
func (e Engine) UpsertSession(ctx context.Context, userID, id, title string, messages []domain.Message) (domain.Session, error) {
	if err := requireUser(userID); err != nil {
		return domain.Session{}, err
	}
	for i, m := range messages {
		if m.Role != domain.RoleUser && m.Role != domain.RoleAssistant {
			return domain.Session{}, invalid("message %d: invalid role %q", i, m.Role)
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()

	now := e.stamp()
	s := domain.Session{ID: id, UserID: userID, CreatedAt: now}
	if id == "" {
		s.ID = uuid.NewString()
	} else {
		existing, err := e.Repo.GetSessionTx(ctx, tx, id)
		switch {
		case err == nil:
			if existing.UserID != userID {
				return domain.Session{}, repo.ErrNotFound
			}
			s.CreatedAt = existing.CreatedAt
		case !errors.Is(err, repo.ErrNotFound):
			return domain.Session{}, err
		}
	}
	s.Title = strings.TrimSpace(title)
	s.Messages = make([]domain.Message, len(messages))
	for i, m := range messages {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.CreatedAt == "" {
			m.CreatedAt = now
		}
		s.Messages[i] = m
	}
	if s.Title == "" {
		s.Title = titleFrom(s.Messages)
	}
	s.UpdatedAt = now
	if err := e.saveSession(ctx, tx, s); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

func (e Engine) saveSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	if err := e.Repo.UpsertSessionTx(ctx, tx, s); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return e.Events.Append(ctx, tx, events.SessionUpserted, s.UserID, "session", s.ID, events.Payload{"messages": len(s.Messages)})
}

func (e Engine) GetSession(ctx context.Context, userID, id string) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, id)
	if err != nil {
		return domain.Session{}, err
	}
	if s.UserID != userID {
		return domain.Session{}, repo.ErrNotFound
	}
	return s, nil
}

func (e Engine) ListSessions(ctx context.Context, userID string, limit int) ([]domain.Session, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	return e.Repo.ListSessions(ctx, userID, limit)
}

type ChatInput struct {
	UserID    string
	SessionID string
	Prompt    string
	UploadIDs []string
}

type ChatResult struct {
	Session domain.Session `json:"session"`
	Reply   domain.Message `json:"reply"`
}

// Chat sends the session transcript plus the new prompt to the language
// model and stores both turns. On provider failure nothing is stored.
func (e Engine) Chat(ctx context.Context, in ChatInput) (ChatResult, error) {
	started := e.now()
	res, err := e.chat(ctx, in)
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrValidation), errors.Is(err, repo.ErrNotFound):
		outcome = "invalid"
	case errors.Is(err, ErrRateLimited):
		outcome = "rate_limited"
	default:
		outcome = "error"
	}
	e.Metrics.Chat(outcome, e.now().Sub(started))
	return res, err
}

func (e Engine) chat(ctx context.Context, in ChatInput) (ChatResult, error) {
	if err := requireUser(in.UserID); err != nil {
		return ChatResult{}, err
	}
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return ChatResult{}, invalid("prompt is required")
	}
	if utf8.RuneCountInString(prompt) > maxPromptLen {
		return ChatResult{}, invalid("prompt must be at most %d characters", maxPromptLen)
	}
	now := e.stamp()
	session := domain.Session{ID: in.SessionID, UserID: in.UserID, CreatedAt: now, Messages: []domain.Message{}}
	if in.SessionID != "" {
		existing, err := e.Repo.GetSession(ctx, in.SessionID)
		switch {
		case err == nil:
			if existing.UserID != in.UserID {
				return ChatResult{}, repo.ErrNotFound
			}
			session = existing
		case !errors.Is(err, repo.ErrNotFound):
			return ChatResult{}, err
		}
	} else {
		session.ID = uuid.NewString()
	}

	attachments, err := e.attachments(ctx, in.UserID, in.UploadIDs)
	if err != nil {
		return ChatResult{}, err
	}
	userMsg := domain.Message{
		ID:        uuid.NewString(),
		Role:      domain.RoleUser,
		Content:   prompt,
		UploadIDs: in.UploadIDs,
		CreatedAt: now,
	}
	turns := make([]llm.Turn, 0, len(session.Messages)+1)
	for _, m := range session.Messages {
		turns = append(turns, llm.Turn{Role: m.Role, Content: m.Content})
	}
	turns = append(turns, llm.Turn{Role: domain.RoleUser, Content: prompt + attachments})

	req := llm.Request{
		System: systemPrompt + "\n\n" + suggest.PromptInstructions + "\n\nCurrent time: " + e.now().Format(time.RFC3339),
		Turns:  turns,
	}
	callCtx := ctx
	if e.Config != nil {
		req.MaxTokens = e.Config.LLM.MaxTokens
		req.Temperature = e.Config.LLM.Temperature
		if e.Config.LLM.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, e.Config.LLM.Timeout)
			defer cancel()
		}
	}
	provider := e.LLM
	if provider == nil {
		provider = llm.Disabled{}
	}
	resp, err := provider.Complete(callCtx, req)
	if err != nil {
		e.Logger.Warn().Err(err).Str("session_id", session.ID).Msg("chat completion failed")
		if errors.Is(err, llm.ErrRateLimited) {
			return ChatResult{}, fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
		return ChatResult{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	reply := domain.Message{
		ID:          uuid.NewString(),
		Role:        domain.RoleAssistant,
		Content:     resp.Text,
		Suggestions: suggest.Extract(resp.Text),
		CreatedAt:   e.stamp(),
	}
	session.Messages = append(session.Messages, userMsg, reply)
	if session.Title == "" {
		session.Title = titleFrom(session.Messages)
	}
	session.UpdatedAt = reply.CreatedAt

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ChatResult{}, err
	}
	defer tx.Rollback()
	if err := e.saveSession(ctx, tx, session); err != nil {
		return ChatResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ChatResult{}, err
	}
	return ChatResult{Session: session, Reply: reply}, nil
}

// attachments renders referenced uploads as prompt text. Binary files are
// described, text is inlined up to maxAttachmentLen bytes.
func (e Engine) attachments(ctx context.Context, userID string, ids []string) (string, error) {
	if len(ids) == 0 {
		return "", nil
	}
	var b strings.Builder
	for _, id := range ids {
		u, err := e.Repo.GetUpload(ctx, id)
		if err != nil {
			return "", fmt.Errorf("upload %s: %w", id, err)
		}
		if u.UserID != userID {
			return "", fmt.Errorf("upload %s: %w", id, repo.ErrNotFound)
		}
		if !isText(u.ContentType) || e.Blobs == nil {
			fmt.Fprintf(&b, "\n\nAttached file %s (%s, %d bytes).", u.Filename, u.ContentType, u.Size)
			continue
		}
		data, err := e.Blobs.Get(ctx, u.Key)
		if err != nil {
			return "", fmt.Errorf("read upload %s: %w", id, err)
		}
		text := string(data)
		if len(text) > maxAttachmentLen {
			text = strings.ToValidUTF8(text[:maxAttachmentLen], "") + "\n[truncated]"
		}
		fmt.Fprintf(&b, "\n\nAttached file %s:\n%s", u.Filename, text)
	}
	return b.String(), nil
}

func isText(contentType string) bool {
	ct := strings.ToLower(contentType)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if strings.HasPrefix(ct, "text/") {
		return true
	}
	switch ct {
	case "application/json", "application/xml", "application/yaml", "application/x-yaml":
		return true
	}
	return false
}

func titleFrom(messages []domain.Message) string {
	for _, m := range messages {
		if m.Role != domain.RoleUser {
			continue
		}
		title := strings.Join(strings.Fields(m.Content), " ")
		if utf8.RuneCountInString(title) > maxTitleLen {
			title = string([]rune(title)[:maxTitleLen]) + "..."
		}
		return title
	}
	return "New session"
}
