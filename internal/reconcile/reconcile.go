// Package reconcile keeps the calendar positions and board statuses shown in
// a view consistent with the task store while edits are applied
// optimistically and persisted in the background.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"planboard/internal/domain"
	"planboard/internal/metrics"
	"planboard/internal/notify"
	"planboard/internal/poscache"
	"planboard/internal/retry"
)

const (
	StateSynced       = "synced"
	StatePendingWrite = "pending_write"
	StateReverted     = "reverted"
)

var (
	ErrUnknownTask     = errors.New("unknown task")
	ErrInvalidPosition = errors.New("invalid position")
	ErrInvalidStatus   = errors.New("invalid status")
	ErrClosed          = errors.New("reconciler closed")

	errSuperseded = errors.New("superseded by a newer edit")
)

// TaskStore is the persistence side of a single user's view.
type TaskStore interface {
	ListTasks(ctx context.Context) ([]domain.Task, error)
	PatchTask(ctx context.Context, taskID string, patch domain.TaskPatch) (domain.Task, error)
}

type Notifier interface {
	Notify(n notify.Notice)
	Refresh(s notify.Signal)
}

// Window restricts the events returned by Load and Events. Zero bounds are open.
type Window struct {
	Start time.Time
	End   time.Time
}

type Options struct {
	UserID          string
	Store           TaskStore
	Cache           poscache.Cache
	Notifier        Notifier
	Policy          retry.Policy
	DefaultDuration time.Duration
	// ResumePending re-issues writes for cached positions found on Load.
	ResumePending bool
	// IsPermanent classifies store errors that must not be retried.
	IsPermanent func(error) bool
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
	Now         func() time.Time
}

type writeKind string

const (
	kindMove   writeKind = "move"
	kindStatus writeKind = "status"
	kindResume writeKind = "resume"
)

type entry struct {
	task            domain.Task
	confirmed       *domain.Position
	confirmedStatus string
	displayed       *domain.Position
	status          string
	state           string
	recorded        *domain.Position
	gen             uint64
	writeMu         sync.Mutex
}

// Reconciler owns the displayed state of one user's view.
type Reconciler struct {
	opts Options
	log  zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	window  Window
	closed  bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func New(opts Options) (*Reconciler, error) {
	if opts.Store == nil {
		return nil, errors.New("reconciler requires a task store")
	}
	if opts.DefaultDuration <= 0 {
		opts.DefaultDuration = time.Hour
	}
	if opts.Policy.MaxAttempts < 1 {
		opts.Policy = retry.DefaultPolicy()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		opts:    opts,
		log:     opts.Logger.With().Str("component", "reconcile").Str("user_id", opts.UserID).Logger(),
		entries: map[string]*entry{},
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (r *Reconciler) UserID() string {
	return r.opts.UserID
}

func (r *Reconciler) positionOf(t domain.Task) *domain.Position {
	start, end, ok := t.Span(r.opts.DefaultDuration)
	if !ok {
		return nil
	}
	return &domain.Position{Start: start, End: end, AllDay: t.IsAllDay}
}

// Load fetches the user's tasks and rebuilds the canonical positions. A fresh
// cached position overrides the fetched one; the cache is assumed to be
// newer than the last confirmation until its entry expires.
func (r *Reconciler) Load(ctx context.Context, window Window) ([]domain.CalendarEvent, error) {
	if !window.Start.IsZero() && !window.End.IsZero() && !window.Start.Before(window.End) {
		return nil, fmt.Errorf("%w: window start must be before window end", ErrInvalidPosition)
	}
	tasks, err := r.opts.Store.ListTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	cached := map[string]domain.Position{}
	if r.opts.Cache != nil {
		for _, t := range tasks {
			pos, ok, err := r.opts.Cache.Get(ctx, t.ID)
			if err != nil {
				r.log.Warn().Err(err).Str("task_id", t.ID).Msg("position cache read failed")
				continue
			}
			if ok {
				cached[t.ID] = pos
			}
		}
	}

	type resume struct {
		taskID string
		gen    uint64
		patch  domain.TaskPatch
	}
	var resumes []resume
	var stale []string

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.window = window
	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		seen[t.ID] = true
		e := r.entries[t.ID]
		if e == nil {
			e = &entry{}
			r.entries[t.ID] = e
		}
		e.task = t
		e.confirmed = r.positionOf(t)
		e.confirmedStatus = t.Status
		if e.state == StatePendingWrite {
			continue
		}
		e.displayed = e.confirmed
		e.status = t.Status
		e.state = StateSynced
		pos, ok := cached[t.ID]
		if !ok {
			continue
		}
		if e.confirmed != nil && samePosition(*e.confirmed, pos) {
			stale = append(stale, t.ID)
			continue
		}
		p := pos
		e.displayed = &p
		e.recorded = &p
		e.state = StatePendingWrite
		if r.opts.ResumePending {
			e.gen++
			resumes = append(resumes, resume{taskID: t.ID, gen: e.gen, patch: positionPatch(p)})
		}
	}
	for id, e := range r.entries {
		if !seen[id] && e.state != StatePendingWrite {
			delete(r.entries, id)
		}
	}
	events := r.eventsLocked()
	r.mu.Unlock()

	for _, id := range stale {
		r.dropCached(ctx, id)
	}
	for _, res := range resumes {
		r.log.Info().Str("task_id", res.taskID).Msg("resuming unconfirmed position")
		r.dispatch(res.taskID, res.gen, kindResume, res.patch)
	}
	return events, nil
}

// Move applies a dragged position optimistically and persists it in the
// background. A newer edit of the same task supersedes any pending one.
func (r *Reconciler) Move(ctx context.Context, taskID string, pos domain.Position) error {
	if !pos.Valid() {
		return fmt.Errorf("%w: start must be before end", ErrInvalidPosition)
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	e := r.entries[taskID]
	if e == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	e.gen++
	gen := e.gen
	p := pos
	e.displayed = &p
	e.recorded = &p
	e.state = StatePendingWrite
	patch, kind := pendingPatchLocked(e)
	r.mu.Unlock()

	r.putCached(ctx, taskID, pos)
	r.dispatch(taskID, gen, kind, patch)
	return nil
}

// Resize changes only the end of the displayed position.
func (r *Reconciler) Resize(ctx context.Context, taskID string, end time.Time) error {
	r.mu.Lock()
	e := r.entries[taskID]
	if e == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if e.displayed == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: task %s is not scheduled", ErrInvalidPosition, taskID)
	}
	pos := *e.displayed
	r.mu.Unlock()
	pos.End = end
	return r.Move(ctx, taskID, pos)
}

// UpdateStatus moves a task between board columns. pos, when given, is
// persisted together with the status.
func (r *Reconciler) UpdateStatus(ctx context.Context, taskID, status string, pos *domain.Position) error {
	if !domain.ValidStatus(status) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if pos != nil && !pos.Valid() {
		return fmt.Errorf("%w: start must be before end", ErrInvalidPosition)
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	e := r.entries[taskID]
	if e == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	e.gen++
	gen := e.gen
	e.status = status
	e.state = StatePendingWrite
	if pos != nil {
		p := *pos
		e.displayed = &p
	}
	patch, _ := pendingPatchLocked(e)
	patch.Status = &status
	r.mu.Unlock()

	if pos != nil {
		r.putCached(ctx, taskID, *pos)
	}
	r.dispatch(taskID, gen, kindStatus, patch)
	return nil
}

// pendingPatchLocked builds a patch carrying every displayed change not yet
// confirmed, so a newer write never drops the fields of the one it supersedes.
func pendingPatchLocked(e *entry) (domain.TaskPatch, writeKind) {
	var patch domain.TaskPatch
	kind := kindMove
	if e.displayed != nil && (e.confirmed == nil || !samePosition(*e.displayed, *e.confirmed)) {
		patch = positionPatch(*e.displayed)
	}
	if e.status != e.confirmedStatus {
		status := e.status
		patch.Status = &status
		kind = kindStatus
	}
	return patch, kind
}

func positionPatch(pos domain.Position) domain.TaskPatch {
	start, end, allDay := pos.Start, pos.End, pos.AllDay
	return domain.TaskPatch{StartDate: &start, DueDate: &end, IsAllDay: &allDay}
}

func (r *Reconciler) superseded(taskID string, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[taskID]
	return e == nil || e.gen != gen
}

func (r *Reconciler) dispatch(taskID string, gen uint64, kind writeKind, patch domain.TaskPatch) {
	r.mu.Lock()
	e := r.entries[taskID]
	if e == nil || r.closed {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()
	r.opts.Metrics.Pending(1)
	go func() {
		defer r.wg.Done()
		defer r.opts.Metrics.Pending(-1)
		e.writeMu.Lock()
		defer e.writeMu.Unlock()
		if r.superseded(taskID, gen) {
			r.opts.Metrics.Write(string(kind), "superseded")
			return
		}
		policy := r.opts.Policy
		policy.RetryIf = func(err error) bool { return !r.permanent(err) }
		policy.OnRetry = func(attempt int, err error, wait time.Duration) {
			r.opts.Metrics.Retry()
			r.log.Debug().Err(err).Str("task_id", taskID).Int("attempt", attempt).Dur("wait", wait).Msg("retrying task write")
		}
		task, err := retry.Do(r.ctx, policy, func(ctx context.Context, attempt int) (domain.Task, error) {
			if r.superseded(taskID, gen) {
				return domain.Task{}, retry.Permanent(errSuperseded)
			}
			return r.opts.Store.PatchTask(ctx, taskID, patch)
		})
		r.finish(taskID, gen, kind, task, err)
	}()
}

func (r *Reconciler) permanent(err error) bool {
	if errors.Is(err, errSuperseded) || errors.Is(err, context.Canceled) {
		return true
	}
	return r.opts.IsPermanent != nil && r.opts.IsPermanent(err)
}

func (r *Reconciler) finish(taskID string, gen uint64, kind writeKind, task domain.Task, err error) {
	r.mu.Lock()
	e := r.entries[taskID]
	if e == nil || e.gen != gen || errors.Is(err, errSuperseded) {
		if e != nil && err == nil {
			// The store holds this write now; a later revert must land here.
			e.task = task
			e.confirmed = r.positionOf(task)
			e.confirmedStatus = task.Status
		}
		r.mu.Unlock()
		r.opts.Metrics.Write(string(kind), "superseded")
		return
	}
	if err != nil && r.closed && errors.Is(err, context.Canceled) {
		// Left pending; the cached position survives for the next Load.
		r.mu.Unlock()
		r.opts.Metrics.Write(string(kind), "abandoned")
		return
	}
	if err == nil {
		e.task = task
		e.confirmed = r.positionOf(task)
		e.confirmedStatus = task.Status
		e.displayed = e.confirmed
		e.status = task.Status
		e.state = StateSynced
		r.mu.Unlock()

		r.dropCached(context.Background(), taskID)
		r.opts.Metrics.Write(string(kind), "synced")
		r.log.Debug().Str("task_id", taskID).Str("kind", string(kind)).Msg("task write confirmed")
		if kind == kindStatus && r.opts.Notifier != nil {
			r.opts.Notifier.Refresh(notify.Signal{UserID: r.opts.UserID, TaskID: taskID, Status: task.Status})
		}
		return
	}

	title := e.task.Title
	e.displayed = e.confirmed
	e.status = e.confirmedStatus
	e.recorded = nil
	e.state = StateReverted
	r.mu.Unlock()

	r.dropCached(context.Background(), taskID)
	reason := "exhausted"
	if r.permanent(err) {
		reason = "permanent"
	}
	r.opts.Metrics.Write(string(kind), "reverted")
	r.opts.Metrics.Revert(reason)
	r.log.Warn().Err(err).Str("task_id", taskID).Str("kind", string(kind)).Str("reason", reason).Msg("task write reverted")
	if r.opts.Notifier != nil {
		msg := fmt.Sprintf("Could not save the new time for %q; it was moved back.", title)
		if kind == kindStatus {
			msg = fmt.Sprintf("Could not update the status of %q; the change was undone.", title)
		}
		r.opts.Notifier.Notify(notify.Notice{UserID: r.opts.UserID, TaskID: taskID, Message: msg, At: r.opts.Now()})
	}
}

func (r *Reconciler) putCached(ctx context.Context, taskID string, pos domain.Position) {
	if r.opts.Cache == nil {
		return
	}
	if err := r.opts.Cache.Put(ctx, taskID, pos); err != nil {
		r.log.Warn().Err(err).Str("task_id", taskID).Msg("position cache write failed")
	}
}

func (r *Reconciler) dropCached(ctx context.Context, taskID string) {
	if r.opts.Cache == nil {
		return
	}
	if err := r.opts.Cache.Delete(ctx, taskID); err != nil {
		r.log.Warn().Err(err).Str("task_id", taskID).Msg("position cache delete failed")
	}
}

func (r *Reconciler) eventOf(e *entry) domain.CalendarEvent {
	return domain.CalendarEvent{
		ID:        e.task.ID,
		Title:     e.task.Title,
		Start:     e.displayed.Start,
		End:       e.displayed.End,
		AllDay:    e.displayed.AllDay,
		Priority:  e.task.Priority,
		Status:    e.status,
		SyncState: e.state,
	}
}

func (r *Reconciler) eventsLocked() []domain.CalendarEvent {
	var out []domain.CalendarEvent
	for _, e := range r.entries {
		if e.displayed == nil {
			continue
		}
		if !domain.Overlaps(e.displayed.Start, e.displayed.End, r.window.Start, r.window.End) {
			continue
		}
		out = append(out, r.eventOf(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].ID < out[j].ID
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out
}

// Events returns the displayed events inside the last loaded window.
func (r *Reconciler) Events() []domain.CalendarEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.eventsLocked()
}

// Snapshot returns the displayed event of a scheduled task.
func (r *Reconciler) Snapshot(taskID string) (domain.CalendarEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[taskID]
	if e == nil || e.displayed == nil {
		return domain.CalendarEvent{}, false
	}
	return r.eventOf(e), true
}

// State reports the sync state of any known task, scheduled or not.
func (r *Reconciler) State(taskID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[taskID]
	if e == nil {
		return "", false
	}
	return e.state, true
}

// Tasks returns every known task with its displayed status and dates.
func (r *Reconciler) Tasks() []domain.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Task, 0, len(r.entries))
	for _, e := range r.entries {
		t := e.task
		t.Status = e.status
		if e.displayed != nil {
			start, end := e.displayed.Start, e.displayed.End
			t.StartDate, t.DueDate, t.IsAllDay = &start, &end, e.displayed.AllDay
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt > out[j].CreatedAt
	})
	return out
}

// RecordedPosition returns the position last set by a calendar edit in this
// view, if it has not been rolled back.
func (r *Reconciler) RecordedPosition(taskID string) (domain.Position, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[taskID]
	if e == nil || e.recorded == nil {
		return domain.Position{}, false
	}
	return *e.recorded, true
}

// Wait blocks until every dispatched write has finished.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

// Close stops accepting edits and waits for in-flight writes until ctx is
// done. Positions still pending are left in the cache for the next Load.
func (r *Reconciler) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	pending := map[string]domain.Position{}
	for id, e := range r.entries {
		if e.state == StatePendingWrite && e.displayed != nil {
			pending[id] = *e.displayed
		}
	}
	r.mu.Unlock()

	flushCtx := context.WithoutCancel(ctx)
	for id, pos := range pending {
		r.putCached(flushCtx, id, pos)
	}
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}

func samePosition(a, b domain.Position) bool {
	return a.Start.Equal(b.Start) && a.End.Equal(b.End) && a.AllDay == b.AllDay
}
