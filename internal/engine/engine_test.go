package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planboard/internal/blob"
	"planboard/internal/config"
	"planboard/internal/db"
	"planboard/internal/domain"
	"planboard/internal/engine"
	"planboard/internal/llm"
	"planboard/internal/migrate"
	"planboard/internal/reconcile"
	"planboard/internal/repo"
	"planboard/internal/schedule"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

// Tuesday 2024-01-02 08:00 UTC.
var fixedNow = time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Schedule.Timezone = "UTC"
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return fixedNow }
	blobs, err := blob.NewLocal(t.TempDir())
	require.NoError(t, err)
	eng.Blobs = blobs
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func at(hour, minute int) *time.Time {
	v := time.Date(2024, 1, 2, hour, minute, 0, 0, time.UTC)
	return &v
}

type fakeProvider struct {
	reply string
	err   error
	last  llm.Request
}

func (f *fakeProvider) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	f.last = req
	if f.err != nil {
		return llm.Response{}, f.err
	}
	return llm.Response{Text: f.reply}, nil
}

func TestCreateTasksDefaultsAndInvertedDates(t *testing.T) {
	env := newTestEnv(t)
	tasks, err := env.Engine.CreateTasks(env.Ctx, "u1", []engine.TaskInput{
		{Title: "  Write report ", StartDate: at(9, 0), DueDate: at(8, 0)},
		{Title: "Call bank", Priority: "HIGH", Category: "errands"},
	})
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	report := tasks[0]
	assert.NotEmpty(t, report.ID)
	assert.Equal(t, "Write report", report.Title)
	assert.Equal(t, domain.StatusTodo, report.Status)
	assert.Equal(t, domain.PriorityMedium, report.Priority)
	assert.Equal(t, "general", report.Category)
	require.NotNil(t, report.DueDate)
	assert.True(t, report.DueDate.Equal(*at(10, 0)), "due corrected to start + 1h, got %s", report.DueDate)

	stored, err := env.Engine.GetTask(env.Ctx, "u1", report.ID)
	require.NoError(t, err)
	assert.True(t, stored.DueDate.Equal(*at(10, 0)))
	assert.Equal(t, domain.PriorityHigh, tasks[1].Priority)

	evts, err := env.Engine.Repo.EventsAfter(env.Ctx, 0, []string{"task."}, 0)
	require.NoError(t, err)
	assert.Len(t, evts, 2)
}

func TestCreateTasksValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateTasks(env.Ctx, "u1", []engine.TaskInput{{Title: "ok"}, {Title: ""}})
	assert.ErrorIs(t, err, engine.ErrValidation)
	_, err = env.Engine.CreateTasks(env.Ctx, "u1", []engine.TaskInput{{Title: "x", Priority: "urgent"}})
	assert.ErrorIs(t, err, engine.ErrValidation)
	_, err = env.Engine.CreateTasks(env.Ctx, "", []engine.TaskInput{{Title: "x"}})
	assert.ErrorIs(t, err, engine.ErrValidation)

	// Nothing from the failed batch was stored.
	tasks, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, tasks)

	_, err = env.Engine.CreateTasks(env.Ctx, "u1", []engine.TaskInput{{ID: "t1", Title: "x"}})
	require.NoError(t, err)
	_, err = env.Engine.CreateTasks(env.Ctx, "u1", []engine.TaskInput{{ID: "t1", Title: "y"}})
	assert.ErrorIs(t, err, engine.ErrValidation)
}

func TestPatchTaskDateRules(t *testing.T) {
	env := newTestEnv(t)
	created, err := env.Engine.CreateTasks(env.Ctx, "u1", []engine.TaskInput{{Title: "Plan", StartDate: at(9, 0), DueDate: at(10, 0)}})
	require.NoError(t, err)
	id := created[0].ID

	_, err = env.Engine.PatchTask(env.Ctx, "u1", id, domain.TaskPatch{StartDate: at(12, 0), DueDate: at(11, 0)})
	require.ErrorIs(t, err, engine.ErrValidation)
	assert.True(t, engine.IsPermanent(err))

	// Only the start is supplied and lands after the stored due date.
	patched, err := env.Engine.PatchTask(env.Ctx, "u1", id, domain.TaskPatch{StartDate: at(13, 0)})
	require.NoError(t, err)
	assert.True(t, patched.StartDate.Equal(*at(13, 0)))
	assert.True(t, patched.DueDate.Equal(*at(14, 0)))

	moved, err := env.Engine.PatchTask(env.Ctx, "u1", id, domain.TaskPatch{StartDate: at(15, 0), DueDate: at(15, 30)})
	require.NoError(t, err)
	assert.True(t, moved.DueDate.Equal(*at(15, 30)))
}

func TestPatchTaskStatusAndEmptyPatch(t *testing.T) {
	env := newTestEnv(t)
	created, err := env.Engine.CreateTasks(env.Ctx, "u1", []engine.TaskInput{{Title: "Ship"}})
	require.NoError(t, err)
	id := created[0].ID

	same, err := env.Engine.PatchTask(env.Ctx, "u1", id, domain.TaskPatch{})
	require.NoError(t, err)
	assert.Equal(t, created[0].UpdatedAt, same.UpdatedAt)

	status := domain.StatusDone
	done, err := env.Engine.PatchTask(env.Ctx, "u1", id, domain.TaskPatch{Status: &status})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, done.Status)

	evts, err := env.Engine.Repo.EventsAfter(env.Ctx, 0, []string{"task.status_changed"}, 0)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Contains(t, evts[0].Payload, `"to":"done"`)

	bad := "blocked"
	_, err = env.Engine.PatchTask(env.Ctx, "u1", id, domain.TaskPatch{Status: &bad})
	assert.ErrorIs(t, err, engine.ErrValidation)
}

func TestTasksAreUserScoped(t *testing.T) {
	env := newTestEnv(t)
	created, err := env.Engine.CreateTasks(env.Ctx, "u1", []engine.TaskInput{{Title: "Private"}})
	require.NoError(t, err)
	id := created[0].ID

	_, err = env.Engine.GetTask(env.Ctx, "u2", id)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	title := "stolen"
	_, err = env.Engine.PatchTask(env.Ctx, "u2", id, domain.TaskPatch{Title: &title})
	assert.ErrorIs(t, err, repo.ErrNotFound)
	assert.ErrorIs(t, env.Engine.DeleteTask(env.Ctx, "u2", id), repo.ErrNotFound)

	others, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{UserID: "u2"})
	require.NoError(t, err)
	assert.Empty(t, others)

	require.NoError(t, env.Engine.DeleteTask(env.Ctx, "u1", id))
	_, err = env.Engine.GetTask(env.Ctx, "u1", id)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestCreateTasksTakenIDIsOwnerBlind(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateTasks(env.Ctx, "u1", []engine.TaskInput{{ID: "shared", Title: "Mine"}})
	require.NoError(t, err)

	_, ownErr := env.Engine.CreateTasks(env.Ctx, "u1", []engine.TaskInput{{ID: "shared", Title: "Again"}})
	require.ErrorIs(t, ownErr, engine.ErrValidation)
	_, otherErr := env.Engine.CreateTasks(env.Ctx, "u2", []engine.TaskInput{{ID: "shared", Title: "Theirs"}})
	require.ErrorIs(t, otherErr, engine.ErrValidation)
	assert.Equal(t, ownErr.Error(), otherErr.Error())
	assert.NotContains(t, otherErr.Error(), "u1")
}

func TestListTasksOrdersSubSecondCreations(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Now = func() time.Time { return fixedNow.Add(120 * time.Millisecond) }
	_, err := env.Engine.CreateTasks(env.Ctx, "u1", []engine.TaskInput{{ID: "older", Title: "Older"}})
	require.NoError(t, err)
	env.Engine.Now = func() time.Time { return fixedNow.Add(123 * time.Millisecond) }
	_, err = env.Engine.CreateTasks(env.Ctx, "u1", []engine.TaskInput{{ID: "newer", Title: "Newer"}})
	require.NoError(t, err)
	env.Engine.Now = func() time.Time { return fixedNow.Add(time.Second) }
	_, err = env.Engine.CreateTasks(env.Ctx, "u1", []engine.TaskInput{{ID: "newest", Title: "Newest"}})
	require.NoError(t, err)

	all, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"newest", "newer", "older"}, []string{all[0].ID, all[1].ID, all[2].ID})

	var paged []string
	f := repo.TaskFilters{UserID: "u1", Limit: 1}
	for {
		page, err := env.Engine.ListTasks(env.Ctx, f)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		paged = append(paged, page[0].ID)
		f.CursorCreatedAt, f.CursorID = page[0].CreatedAt, page[0].ID
	}
	assert.Equal(t, []string{"newest", "newer", "older"}, paged)
}

func TestSessionsUpsertAndScope(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.UpsertSession(env.Ctx, "u1", "", "", []domain.Message{{Role: domain.RoleUser, Content: "Plan my week"}})
	require.NoError(t, err)
	assert.Equal(t, "Plan my week", s.Title)
	require.Len(t, s.Messages, 1)
	assert.NotEmpty(t, s.Messages[0].ID)

	again, err := env.Engine.UpsertSession(env.Ctx, "u1", s.ID, "Renamed", s.Messages)
	require.NoError(t, err)
	assert.Equal(t, s.CreatedAt, again.CreatedAt)

	_, err = env.Engine.UpsertSession(env.Ctx, "u2", s.ID, "mine", nil)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = env.Engine.GetSession(env.Ctx, "u2", s.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = env.Engine.UpsertSession(env.Ctx, "u1", "", "", []domain.Message{{Role: "system"}})
	assert.ErrorIs(t, err, engine.ErrValidation)

	list, err := env.Engine.ListSessions(env.Ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Renamed", list[0].Title)
}

func TestChatStoresTurnsAndSuggestions(t *testing.T) {
	env := newTestEnv(t)
	provider := &fakeProvider{reply: "Here you go.\n<tasks>[{\"title\":\"Draft agenda\",\"priority\":\"High\",\"duration\":30}]</tasks>"}
	env.Engine.LLM = provider
	up, err := env.Engine.StoreUpload(env.Ctx, "u1", "notes.txt", "text/plain", []byte("agenda: budget"))
	require.NoError(t, err)

	res, err := env.Engine.Chat(env.Ctx, engine.ChatInput{UserID: "u1", Prompt: "Prepare the meeting", UploadIDs: []string{up.ID}})
	require.NoError(t, err)
	require.Len(t, res.Session.Messages, 2)
	assert.Equal(t, domain.RoleAssistant, res.Reply.Role)
	require.Len(t, res.Reply.Suggestions, 1)
	assert.Equal(t, domain.PriorityHigh, res.Reply.Suggestions[0].Priority)
	require.Len(t, provider.last.Turns, 1)
	assert.Contains(t, provider.last.Turns[0].Content, "agenda: budget")
	assert.Contains(t, provider.last.System, "<tasks>")

	stored, err := env.Engine.GetSession(env.Ctx, "u1", res.Session.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Messages, 2)

	_, err = env.Engine.Chat(env.Ctx, engine.ChatInput{UserID: "u1", Prompt: "   "})
	assert.ErrorIs(t, err, engine.ErrValidation)
}

func TestChatUpstreamFailureKeepsSession(t *testing.T) {
	env := newTestEnv(t)
	provider := &fakeProvider{reply: "ok"}
	env.Engine.LLM = provider
	first, err := env.Engine.Chat(env.Ctx, engine.ChatInput{UserID: "u1", Prompt: "hello"})
	require.NoError(t, err)

	provider.err = errors.New("503 from model")
	_, err = env.Engine.Chat(env.Ctx, engine.ChatInput{UserID: "u1", SessionID: first.Session.ID, Prompt: "again"})
	require.ErrorIs(t, err, engine.ErrUpstream)

	stored, err := env.Engine.GetSession(env.Ctx, "u1", first.Session.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Messages, 2)

	provider.err = llm.ErrRateLimited
	_, err = env.Engine.Chat(env.Ctx, engine.ChatInput{UserID: "u1", SessionID: first.Session.ID, Prompt: "again"})
	assert.ErrorIs(t, err, engine.ErrRateLimited)
}

func TestAcceptSuggestionsAutoSchedule(t *testing.T) {
	env := newTestEnv(t)
	// 09:00-10:00 is already taken.
	_, err := env.Engine.CreateTasks(env.Ctx, "u1", []engine.TaskInput{{Title: "Standup", StartDate: at(9, 0), DueDate: at(10, 0)}})
	require.NoError(t, err)

	env.Engine.LLM = &fakeProvider{reply: "```json\n" +
		`[{"title":"Outline","duration":60},{"title":"Review","duration":30},{"title":"Fixed","startDate":"2024-01-03T14:00:00Z","duration":45}]` +
		"\n```"}
	res, err := env.Engine.Chat(env.Ctx, engine.ChatInput{UserID: "u1", Prompt: "plan"})
	require.NoError(t, err)
	require.Len(t, res.Reply.Suggestions, 3)

	tasks, err := env.Engine.AcceptSuggestions(env.Ctx, engine.AcceptInput{
		UserID:       "u1",
		SessionID:    res.Session.ID,
		MessageID:    res.Reply.ID,
		AutoSchedule: true,
	})
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	assert.True(t, tasks[0].StartDate.Equal(*at(10, 0)), "first free slot after standup, got %s", tasks[0].StartDate)
	assert.True(t, tasks[0].DueDate.Equal(*at(11, 0)))
	assert.True(t, tasks[1].StartDate.Equal(*at(11, 0)), "consumed slot not reused, got %s", tasks[1].StartDate)
	assert.True(t, tasks[1].DueDate.Equal(*at(11, 30)))
	fixedStart := time.Date(2024, 1, 3, 14, 0, 0, 0, time.UTC)
	assert.True(t, tasks[2].StartDate.Equal(fixedStart))
	assert.True(t, tasks[2].DueDate.Equal(fixedStart.Add(45*time.Minute)))
	for _, task := range tasks {
		require.NotNil(t, task.SessionID)
		require.NotNil(t, task.AIResponseID)
		assert.Equal(t, res.Session.ID, *task.SessionID)
		assert.Equal(t, res.Reply.ID, *task.AIResponseID)
	}

	_, err = env.Engine.AcceptSuggestions(env.Ctx, engine.AcceptInput{UserID: "u1", SessionID: res.Session.ID, MessageID: res.Reply.ID, Indexes: []int{7}})
	assert.ErrorIs(t, err, engine.ErrValidation)
	_, err = env.Engine.AcceptSuggestions(env.Ctx, engine.AcceptInput{UserID: "u1", SessionID: res.Session.ID, MessageID: "nope"})
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestFreeSlotsMergesSources(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateTasks(env.Ctx, "u1", []engine.TaskInput{{Title: "Focus", StartDate: at(10, 0), DueDate: at(11, 0)}})
	require.NoError(t, err)
	env.Engine.Busy = []schedule.BusySource{schedule.BusySourceFunc(func(context.Context, string, time.Time, time.Time) ([]domain.BusySlot, error) {
		return []domain.BusySlot{{Start: *at(13, 0), End: *at(14, 0)}}, nil
	})}

	slots, err := env.Engine.FreeSlots(env.Ctx, "u1", *at(0, 0), *at(23, 0), 60)
	require.NoError(t, err)
	require.Len(t, slots, 3)
	assert.True(t, slots[0].Start.Equal(*at(9, 0)))
	assert.True(t, slots[1].Start.Equal(*at(11, 0)))
	assert.True(t, slots[2].Start.Equal(*at(14, 0)))
	assert.Equal(t, 180, slots[2].DurationMinutes)

	_, err = env.Engine.FreeSlots(env.Ctx, "u1", *at(10, 0), *at(9, 0), 60)
	assert.ErrorIs(t, err, engine.ErrValidation)
	_, err = env.Engine.FreeSlots(env.Ctx, "u1", *at(9, 0), *at(10, 0), 0)
	assert.ErrorIs(t, err, engine.ErrValidation)
}

func TestStoreUploadLimits(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Uploads.MaxBytes = 4
	_, err := env.Engine.StoreUpload(env.Ctx, "u1", "big.txt", "text/plain", []byte("12345"))
	assert.ErrorIs(t, err, engine.ErrValidation)

	u, err := env.Engine.StoreUpload(env.Ctx, "u1", "../../etc/a.txt", "", []byte("1234"))
	require.NoError(t, err)
	assert.Equal(t, "a.txt", u.Filename)
	assert.Equal(t, "application/octet-stream", u.ContentType)
	data, err := env.Engine.Blobs.Get(env.Ctx, u.Key)
	require.NoError(t, err)
	assert.Equal(t, "1234", string(data))

	_, err = env.Engine.GetUpload(env.Ctx, "u2", u.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestUserStoreDrivesReconciler(t *testing.T) {
	env := newTestEnv(t)
	created, err := env.Engine.CreateTasks(env.Ctx, "u1", []engine.TaskInput{{Title: "Move me", StartDate: at(9, 0), DueDate: at(10, 0)}})
	require.NoError(t, err)

	view, err := env.Engine.NewView("u1", nil)
	require.NoError(t, err)
	evts, err := view.Load(env.Ctx, reconcile.Window{})
	require.NoError(t, err)
	require.Len(t, evts, 1)

	require.NoError(t, view.Move(env.Ctx, created[0].ID, domain.Position{Start: *at(14, 0), End: *at(15, 0)}))
	view.Wait()
	stored, err := env.Engine.GetTask(env.Ctx, "u1", created[0].ID)
	require.NoError(t, err)
	assert.True(t, stored.StartDate.Equal(*at(14, 0)))
	require.NoError(t, view.Close(env.Ctx))
}

func TestAPIKeys(t *testing.T) {
	env := newTestEnv(t)
	key, secret, err := env.Engine.CreateAPIKey(env.Ctx, "u1", "laptop")
	require.NoError(t, err)
	assert.NotEmpty(t, secret)
	found, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(secret))
	require.NoError(t, err)
	assert.Equal(t, key.ID, found.ID)

	keys, err := env.Engine.ListAPIKeys(env.Ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, keys, 1)
	assert.ErrorIs(t, env.Engine.DeleteAPIKey(env.Ctx, "u2", key.ID), repo.ErrNotFound)
	require.NoError(t, env.Engine.DeleteAPIKey(env.Ctx, "u1", key.ID))
}
