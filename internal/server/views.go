package server

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rs/zerolog"

	"planboard/internal/board"
	"planboard/internal/domain"
	"planboard/internal/engine"
	"planboard/internal/notify"
	"planboard/internal/reconcile"
)

type userView struct {
	rec   *reconcile.Reconciler
	board *board.Board
}

// viewRegistry keeps one reconciler per user so optimistic edits made through
// the API share state with later reads.
type viewRegistry struct {
	engine engine.Engine
	hub    *notify.Hub
	logger zerolog.Logger

	mu    sync.Mutex
	views map[string]*userView
}

func newViewRegistry(e engine.Engine, hub *notify.Hub, logger zerolog.Logger) *viewRegistry {
	return &viewRegistry{engine: e, hub: hub, logger: logger, views: map[string]*userView{}}
}

func (r *viewRegistry) get(ctx context.Context, userID string) (*userView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.views[userID]; ok {
		return v, nil
	}
	var n reconcile.Notifier
	if r.hub != nil {
		n = r.hub
	}
	rec, err := r.engine.NewView(userID, n)
	if err != nil {
		return nil, err
	}
	if _, err := rec.Load(ctx, reconcile.Window{}); err != nil {
		_ = rec.Close(ctx)
		return nil, err
	}
	v := &userView{rec: rec, board: board.New(rec, r.engine.Cache, r.logger)}
	r.views[userID] = v
	return v, nil
}

func (r *viewRegistry) closeAll(ctx context.Context) error {
	r.mu.Lock()
	views := r.views
	r.views = map[string]*userView{}
	r.mu.Unlock()
	var errs []error
	for _, v := range views {
		errs = append(errs, v.rec.Close(ctx))
	}
	return errors.Join(errs...)
}

// apply runs fn and, when the task is not loaded yet, reloads the view once
// and tries again. Tasks created after the view was built land here.
func (v *userView) apply(ctx context.Context, fn func() error) error {
	err := fn()
	if !errors.Is(err, reconcile.ErrUnknownTask) {
		return err
	}
	if _, lerr := v.rec.Load(ctx, reconcile.Window{}); lerr != nil {
		return lerr
	}
	return fn()
}

func syncResponse(rec *reconcile.Reconciler, taskID string) (SyncResponse, error) {
	state, ok := rec.State(taskID)
	if !ok {
		return SyncResponse{}, reconcile.ErrUnknownTask
	}
	resp := SyncResponse{TaskID: taskID, SyncState: state}
	if ev, ok := rec.Snapshot(taskID); ok {
		resp.Event = &ev
	}
	return resp, nil
}

func registerCalendar(api huma.API, views *viewRegistry) {
	huma.Register(api, huma.Operation{
		OperationID: "list-calendar-events",
		Method:      http.MethodGet,
		Path:        "/calendar/events",
		Summary:     "Reload and list scheduled tasks as calendar events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Start string `query:"start"`
		End   string `query:"end"`
	}) (*struct {
		Body eventList `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		start, perr := parseTimeParam("start", input.Start, false)
		if perr != nil {
			return nil, perr
		}
		end, perr := parseTimeParam("end", input.End, false)
		if perr != nil {
			return nil, perr
		}
		v, err := views.get(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		events, err := v.rec.Load(ctx, reconcile.Window{Start: start, End: end})
		if err != nil {
			return nil, handleError(err)
		}
		if events == nil {
			events = []domain.CalendarEvent{}
		}
		return &struct {
			Body eventList `json:"body"`
		}{Body: eventList{Items: events}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-calendar-event",
		Method:      http.MethodGet,
		Path:        "/calendar/events/{id}",
		Summary:     "Displayed position and sync state of one task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body SyncResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := views.get(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		resp, err := syncResponse(v.rec, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SyncResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "move-calendar-event",
		Method:        http.MethodPost,
		Path:          "/calendar/events/{id}/move",
		Summary:       "Move a task on the calendar",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body domain.Position `json:"body"`
	}) (*struct {
		Body SyncResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := views.get(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := v.apply(ctx, func() error { return v.rec.Move(ctx, input.ID, input.Body) }); err != nil {
			return nil, handleError(err)
		}
		resp, err := syncResponse(v.rec, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SyncResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "resize-calendar-event",
		Method:        http.MethodPost,
		Path:          "/calendar/events/{id}/resize",
		Summary:       "Change the end of a scheduled task",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ResizeRequest `json:"body"`
	}) (*struct {
		Body SyncResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := views.get(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := v.apply(ctx, func() error { return v.rec.Resize(ctx, input.ID, input.Body.End) }); err != nil {
			return nil, handleError(err)
		}
		resp, err := syncResponse(v.rec, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SyncResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerBoard(api huma.API, views *viewRegistry) {
	huma.Register(api, huma.Operation{
		OperationID: "get-board",
		Method:      http.MethodGet,
		Path:        "/board",
		Summary:     "Tasks grouped by status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body BoardResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := views.get(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := v.rec.Load(ctx, reconcile.Window{}); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BoardResponse `json:"body"`
		}{Body: BoardResponse{Columns: v.board.Columns()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "move-board-task",
		Method:        http.MethodPost,
		Path:          "/board/tasks/{id}/move",
		Summary:       "Move a task to another column",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body BoardMoveRequest `json:"body"`
	}) (*struct {
		Body SyncResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := views.get(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		err = v.apply(ctx, func() error {
			return v.board.Move(ctx, input.ID, input.Body.Status, input.Body.Completion)
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp, err := syncResponse(v.rec, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SyncResponse `json:"body"`
		}{Body: resp}, nil
	})
}
