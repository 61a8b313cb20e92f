package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"planboard/internal/blob"
	"planboard/internal/config"
	"planboard/internal/domain"
	"planboard/internal/events"
	"planboard/internal/llm"
	"planboard/internal/metrics"
	"planboard/internal/poscache"
	"planboard/internal/repo"
	"planboard/internal/schedule"
)

var (
	ErrValidation  = errors.New("validation failed")
	ErrUpstream    = errors.New("upstream error")
	ErrRateLimited = errors.New("rate limited")
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config

	Cache   poscache.Cache
	LLM     llm.Provider
	Blobs   blob.Store
	Busy    []schedule.BusySource
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
	Now     func() time.Time

	validate *validator.Validate
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{},
		Config:   cfg,
		LLM:      llm.Disabled{},
		Logger:   zerolog.Nop(),
		Now:      time.Now,
		validate: validator.New(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(domain.Timestamp)
}

func (e Engine) defaultDuration() time.Duration {
	if e.Config != nil && e.Config.Tasks.DefaultDuration > 0 {
		return e.Config.Tasks.DefaultDuration
	}
	return time.Hour
}

func (e Engine) validator() *validator.Validate {
	if e.validate != nil {
		return e.validate
	}
	return validator.New()
}

// IsPermanent reports errors that a retry cannot fix.
func IsPermanent(err error) bool {
	return errors.Is(err, repo.ErrNotFound) || errors.Is(err, ErrValidation)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func (e Engine) checkStruct(v any) error {
	err := e.validator().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return invalid("%v", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s", strings.ToLower(fe.Field()), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s is %s", strings.ToLower(fe.Field()), fe.Tag()))
		}
	}
	return invalid("%s", strings.Join(msgs, "; "))
}

func requireUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return invalid("user is required")
	}
	return nil
}

// TaskInput is a task to create. Empty fields take server defaults.
type TaskInput struct {
	ID           string     `json:"id,omitempty" validate:"omitempty,max=64"`
	Title        string     `json:"title" validate:"required,max=200"`
	Description  string     `json:"description,omitempty" validate:"max=4000"`
	Priority     string     `json:"priority,omitempty" validate:"omitempty,oneof=low medium high"`
	Category     string     `json:"category,omitempty" validate:"max=64"`
	Status       string     `json:"status,omitempty" validate:"omitempty,oneof=todo in-progress done"`
	SessionID    string     `json:"session_id,omitempty"`
	AIResponseID string     `json:"ai_response_id,omitempty"`
	StartDate    *time.Time `json:"start_date,omitempty"`
	DueDate      *time.Time `json:"due_date,omitempty"`
	IsAllDay     bool       `json:"is_all_day,omitempty"`
}

// CreateTasks validates and inserts all inputs in one transaction. A due
// date before the start date is moved to start plus the default duration.
func (e Engine) CreateTasks(ctx context.Context, userID string, inputs []TaskInput) ([]domain.Task, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, invalid("at least one task is required")
	}
	now := e.stamp()
	tasks := make([]domain.Task, 0, len(inputs))
	for i, in := range inputs {
		in.Title = strings.TrimSpace(in.Title)
		in.Priority = strings.ToLower(strings.TrimSpace(in.Priority))
		if err := e.checkStruct(in); err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
		t := domain.Task{
			ID:          in.ID,
			UserID:      userID,
			Title:       in.Title,
			Description: in.Description,
			Priority:    in.Priority,
			Category:    strings.TrimSpace(in.Category),
			Status:      in.Status,
			StartDate:   utcPtr(in.StartDate),
			DueDate:     utcPtr(in.DueDate),
			IsAllDay:    in.IsAllDay,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if t.Priority == "" {
			t.Priority = domain.PriorityMedium
		}
		if t.Category == "" {
			t.Category = "general"
		}
		if t.Status == "" {
			t.Status = domain.StatusTodo
		}
		if in.SessionID != "" {
			t.SessionID = stringPtr(in.SessionID)
		}
		if in.AIResponseID != "" {
			t.AIResponseID = stringPtr(in.AIResponseID)
		}
		e.correctDates(&t)
		tasks = append(tasks, t)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	for _, t := range tasks {
		if _, err := e.Repo.GetTaskTx(ctx, tx, t.ID); err == nil {
			return nil, invalid("task id %q is not available", t.ID)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return nil, fmt.Errorf("insert task: %w", err)
		}
		if err := e.Events.Append(ctx, tx, events.TaskCreated, userID, "task", t.ID, events.Payload{
			"title": t.Title, "status": t.Status, "priority": t.Priority,
		}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (e Engine) correctDates(t *domain.Task) {
	if t.StartDate != nil && t.DueDate != nil && t.StartDate.After(*t.DueDate) {
		due := t.StartDate.Add(e.defaultDuration())
		t.DueDate = &due
	}
}

func (e Engine) validatePatch(p domain.TaskPatch) error {
	if p.Title != nil {
		title := strings.TrimSpace(*p.Title)
		if title == "" {
			return invalid("title must not be empty")
		}
		if len(title) > 200 {
			return invalid("title must be at most 200 characters")
		}
	}
	if p.Priority != nil && !domain.ValidPriority(*p.Priority) {
		return invalid("invalid priority %q", *p.Priority)
	}
	if p.Status != nil && !domain.ValidStatus(*p.Status) {
		return invalid("invalid status %q", *p.Status)
	}
	if p.Category != nil && len(*p.Category) > 64 {
		return invalid("category must be at most 64 characters")
	}
	if p.StartDate != nil && p.DueDate != nil && p.StartDate.After(*p.DueDate) {
		return invalid("start_date must not be after due_date")
	}
	return nil
}

// PatchTask applies the non-nil fields of patch to a task owned by userID.
// An empty patch returns the stored task unchanged.
func (e Engine) PatchTask(ctx context.Context, userID, id string, patch domain.TaskPatch) (domain.Task, error) {
	if err := requireUser(userID); err != nil {
		return domain.Task{}, err
	}
	if err := e.validatePatch(patch); err != nil {
		return domain.Task{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if t.UserID != userID {
		return domain.Task{}, repo.ErrNotFound
	}
	if patch.Empty() {
		return t, nil
	}
	prevStatus := t.Status
	var fields []string
	if patch.Title != nil {
		t.Title = strings.TrimSpace(*patch.Title)
		fields = append(fields, "title")
	}
	if patch.Description != nil {
		t.Description = *patch.Description
		fields = append(fields, "description")
	}
	if patch.Priority != nil {
		t.Priority = *patch.Priority
		fields = append(fields, "priority")
	}
	if patch.Category != nil {
		t.Category = *patch.Category
		fields = append(fields, "category")
	}
	if patch.Status != nil {
		t.Status = *patch.Status
		fields = append(fields, "status")
	}
	if patch.StartDate != nil {
		t.StartDate = utcPtr(patch.StartDate)
		fields = append(fields, "start_date")
	}
	if patch.DueDate != nil {
		t.DueDate = utcPtr(patch.DueDate)
		fields = append(fields, "due_date")
	}
	if patch.IsAllDay != nil {
		t.IsAllDay = *patch.IsAllDay
		fields = append(fields, "is_all_day")
	}
	e.correctDates(&t)
	t.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TaskPatched, userID, "task", t.ID, events.Payload{"fields": fields}); err != nil {
		return domain.Task{}, err
	}
	if t.Status != prevStatus {
		if err := e.Events.Append(ctx, tx, events.TaskStatusChanged, userID, "task", t.ID, events.Payload{"from": prevStatus, "to": t.Status}); err != nil {
			return domain.Task{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (e Engine) GetTask(ctx context.Context, userID, id string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if t.UserID != userID {
		return domain.Task{}, repo.ErrNotFound
	}
	return t, nil
}

func (e Engine) DeleteTask(ctx context.Context, userID, id string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if t.UserID != userID {
		return repo.ErrNotFound
	}
	if err := e.Repo.DeleteTask(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TaskDeleted, userID, "task", id, events.Payload{"title": t.Title}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if e.Cache != nil {
		if err := e.Cache.Delete(ctx, id); err != nil {
			e.Logger.Warn().Err(err).Str("task_id", id).Msg("drop cached position")
		}
	}
	return nil
}

// ListTasks lists tasks of f.UserID, newest first.
func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	if err := requireUser(f.UserID); err != nil {
		return nil, err
	}
	if f.Status != "" && !domain.ValidStatus(f.Status) {
		return nil, invalid("invalid status %q", f.Status)
	}
	return e.Repo.ListTasks(ctx, f)
}

// TaskCounts returns per-status task counts for a user.
func (e Engine) TaskCounts(ctx context.Context, userID string) (map[string]int, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	return e.Repo.CountTasksByStatus(ctx, userID)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func stringPtr(s string) *string {
	return &s
}
