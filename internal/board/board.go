package board

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"planboard/internal/domain"
	"planboard/internal/poscache"
	"planboard/internal/reconcile"
)

// View is the part of a reconciler the board drives.
type View interface {
	UpdateStatus(ctx context.Context, taskID, status string, pos *domain.Position) error
	RecordedPosition(taskID string) (domain.Position, bool)
	Tasks() []domain.Task
}

// CompletionSource proposes the interval a completed task occupied.
type CompletionSource interface {
	Completion(ctx context.Context, taskID string) (domain.Position, bool, error)
}

type CompletionSourceFunc func(ctx context.Context, taskID string) (domain.Position, bool, error)

func (f CompletionSourceFunc) Completion(ctx context.Context, taskID string) (domain.Position, bool, error) {
	return f(ctx, taskID)
}

// RecordedSource reads the position a calendar edit recorded in the view.
func RecordedSource(v View) CompletionSource {
	return CompletionSourceFunc(func(_ context.Context, taskID string) (domain.Position, bool, error) {
		pos, ok := v.RecordedPosition(taskID)
		return pos, ok, nil
	})
}

// CacheSource reads a fresh unconfirmed position from the position cache.
func CacheSource(c poscache.Cache) CompletionSource {
	return CompletionSourceFunc(func(ctx context.Context, taskID string) (domain.Position, bool, error) {
		if c == nil {
			return domain.Position{}, false, nil
		}
		return c.Get(ctx, taskID)
	})
}

// CompletionResolver tries each source in order and falls back to the hour
// ending now.
type CompletionResolver struct {
	Sources []CompletionSource
	Now     func() time.Time
	Logger  zerolog.Logger
}

func NewCompletionResolver(v View, c poscache.Cache) CompletionResolver {
	return CompletionResolver{Sources: []CompletionSource{RecordedSource(v), CacheSource(c)}, Now: time.Now}
}

// Resolve returns the inferred completion window and the index of the source
// that produced it, -1 for the fallback.
func (r CompletionResolver) Resolve(ctx context.Context, taskID string) (domain.Position, int) {
	for i, src := range r.Sources {
		pos, ok, err := src.Completion(ctx, taskID)
		if err != nil {
			r.Logger.Warn().Err(err).Str("task_id", taskID).Int("source", i).Msg("completion source failed")
			continue
		}
		if ok && pos.Valid() {
			return pos, i
		}
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	end := now().UTC()
	return domain.Position{Start: end.Add(-time.Hour), End: end}, -1
}

type Board struct {
	View     View
	Resolver CompletionResolver
	log      zerolog.Logger
}

func New(v View, c poscache.Cache, logger zerolog.Logger) *Board {
	res := NewCompletionResolver(v, c)
	res.Logger = logger
	return &Board{View: v, Resolver: res, log: logger.With().Str("component", "board").Logger()}
}

// Move changes the column of a task. Moving to done without an explicit
// completion window infers one from the resolver.
func (b *Board) Move(ctx context.Context, taskID, toStatus string, completion *domain.Position) error {
	if !domain.ValidStatus(toStatus) {
		return fmt.Errorf("%w: %q", reconcile.ErrInvalidStatus, toStatus)
	}
	if completion != nil && !completion.Valid() {
		return fmt.Errorf("%w: completion start must be before end", reconcile.ErrInvalidPosition)
	}
	if toStatus == domain.StatusDone && completion == nil {
		pos, source := b.Resolver.Resolve(ctx, taskID)
		b.log.Debug().Str("task_id", taskID).Int("source", source).Msg("inferred completion window")
		completion = &pos
	}
	return b.View.UpdateStatus(ctx, taskID, toStatus, completion)
}

type Column struct {
	Status string        `json:"status" enum:"todo,in-progress,done"`
	Tasks  []domain.Task `json:"tasks"`
}

// Columns groups the displayed tasks by status in board order.
func (b *Board) Columns() []Column {
	byStatus := map[string][]domain.Task{}
	for _, t := range b.View.Tasks() {
		byStatus[t.Status] = append(byStatus[t.Status], t)
	}
	cols := make([]Column, 0, len(domain.Statuses))
	for _, s := range domain.Statuses {
		tasks := byStatus[s]
		if tasks == nil {
			tasks = []domain.Task{}
		}
		cols = append(cols, Column{Status: s, Tasks: tasks})
	}
	return cols
}
