package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"

	"github.com/esdandreu/gcal2clickup/pkg/clickup"
	"github.com/esdandreu/gcal2clickup/pkg/convert"
	"github.com/esdandreu/gcal2clickup/pkg/matcher"
	"github.com/esdandreu/gcal2clickup/pkg/model"
	"github.com/esdandreu/gcal2clickup/pkg/provider/fake"
	"github.com/esdandreu/gcal2clickup/pkg/store"
	"github.com/esdandreu/gcal2clickup/pkg/synced"
	"github.com/esdandreu/gcal2clickup/pkg/syncerr"
	"github.com/esdandreu/gcal2clickup/pkg/webhook"
)

type harness struct {
	engine  *Engine
	store   *store.Memory
	clients *fake.Clients
	cal     *fake.Calendar
	tasks   *fake.Tasks
	now     time.Time
}

func (h *harness) clock() time.Time { return h.now }

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

func testMatchers(t *testing.T, pattern string) *matcher.Set {
	t.Helper()
	set, err := matcher.NewSet([]model.Matcher{{
		Name: "test", Owner: "alice", CalendarID: "primary",
		TaskAccount: "alice-clickup", ListID: "L1", NamePattern: pattern,
	}})
	require.NoError(t, err)
	return set
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{now: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	h.store = store.NewMemory()
	h.cal = fake.NewCalendar(h.clock)
	h.tasks = fake.NewTasks(h.clock, clickup.Team{ID: "100"})
	h.clients = fake.NewClients()
	h.clients.AddOwner("alice", h.cal, "alice-clickup", h.tasks)

	locks := NewKeyLock()
	n := 0
	hooks := webhook.NewManager(h.store, h.clients, "https://sync.example.com",
		webhook.WithClock(h.clock), webhook.WithLocker(locks),
		webhook.WithChannelIDs(func() string { n++; return fmt.Sprintf("chan-%d", n) }))
	svc := synced.New(h.store, convert.NewNormalizer(time.UTC))
	h.engine = New(h.store, h.clients, h.clients, svc, hooks, locks, testMatchers(t, "^TEST"), WithClock(h.clock))
	require.NoError(t, h.engine.EnsureSubscriptions(context.Background()))
	return h
}

func (h *harness) event(summary string, start time.Time) *calendar.Event {
	return h.cal.Put("primary", &calendar.Event{
		Summary: summary,
		Status:  "confirmed",
		Start:   &calendar.EventDateTime{DateTime: start.Format(time.RFC3339)},
		End:     &calendar.EventDateTime{DateTime: start.Add(time.Hour).Format(time.RFC3339)},
	})
}

func (h *harness) taskWebhook(t *testing.T) model.TaskWebhook {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.engine.hooks.ReconcileTaskWebhooks(ctx, "alice-clickup"))
	records, err := h.store.TaskWebhooks(ctx, "alice-clickup")
	require.NoError(t, err)
	require.Len(t, records, 1)
	wh, err := h.engine.TaskWebhook(ctx, records[0].WebhookID)
	require.NoError(t, err)
	return wh
}

func TestUnknownChannelIsRejected(t *testing.T) {
	h := newHarness(t)
	h.event("TEST foo", h.now.Add(time.Hour))

	_, err := h.engine.HandleCalendarNotification(context.Background(), "unknown", "res", "exists")
	assert.True(t, syncerr.IsNotFound(err))
	items, err := h.store.Items(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Zero(t, h.cal.Calls("ListEvents"))
}

func TestInactiveOwnerIsNeutral(t *testing.T) {
	h := newHarness(t)
	h.clients.Inactive["alice"] = true

	res, err := h.engine.HandleCalendarNotification(context.Background(), "chan-1", "res-chan-1", "exists")
	require.NoError(t, err)
	assert.True(t, res.Inactive)
	assert.Zero(t, h.cal.Calls("ListEvents"))
}

func TestSyncStateIsNeutral(t *testing.T) {
	h := newHarness(t)
	res, err := h.engine.HandleCalendarNotification(context.Background(), "chan-1", "res-chan-1", "sync")
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}

func TestColdStartPollsFromNow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.event("TEST yesterday", h.now.Add(-24*time.Hour))
	upcoming := h.event("TEST foo", h.now.Add(2*time.Hour))
	h.event("unrelated", h.now.Add(3*time.Hour))

	res, err := h.engine.HandleCalendarNotification(ctx, "chan-1", "res-chan-1", "exists")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)

	item, err := h.store.ItemByEvent(ctx, upcoming.Id)
	require.NoError(t, err)
	assert.Equal(t, model.CalendarOwnsDescription, item.DescriptionDirection)
	assert.Len(t, h.tasks.All(), 1)

	sub, err := h.store.Subscription(ctx, "alice", "primary")
	require.NoError(t, err)
	require.NotNil(t, sub.CheckedAt)
	assert.True(t, sub.CheckedAt.Equal(h.now))
}

func TestWarmPollPropagatesUpdatesAndDeletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ev := h.event("TEST foo", h.now.Add(2*time.Hour))
	_, err := h.engine.PollSubscription(ctx, "alice", "primary")
	require.NoError(t, err)
	item, err := h.store.ItemByEvent(ctx, ev.Id)
	require.NoError(t, err)

	h.advance(time.Minute)
	res, err := h.engine.PollSubscription(ctx, "alice", "primary")
	require.NoError(t, err)
	assert.Equal(t, Result{}, res, "nothing changed since the cursor")

	h.advance(time.Minute)
	ev.Summary = "TEST renamed"
	h.cal.Put("primary", ev)
	res, err = h.engine.PollSubscription(ctx, "alice", "primary")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	task, ok := h.tasks.Task(item.TaskID)
	require.True(t, ok)
	assert.Equal(t, "TEST renamed", task.Name)

	h.advance(time.Minute)
	h.cal.Cancel("primary", ev.Id)
	res, err = h.engine.PollSubscription(ctx, "alice", "primary")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	_, ok = h.tasks.Task(item.TaskID)
	assert.False(t, ok)
	_, err = h.store.ItemByTask(ctx, item.TaskID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPollCountsPartialFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.cal.Put("primary", &calendar.Event{
		Summary: "TEST broken",
		Start:   &calendar.EventDateTime{DateTime: "not a time"},
		End:     &calendar.EventDateTime{DateTime: h.now.Add(time.Hour).Format(time.RFC3339)},
	})
	h.event("TEST fine", h.now.Add(time.Hour))

	res, err := h.engine.PollSubscription(ctx, "alice", "primary")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Failed)
	sub, err := h.store.Subscription(ctx, "alice", "primary")
	require.NoError(t, err)
	assert.NotNil(t, sub.CheckedAt)
}

func TestRejectedCursorFallsBackToColdStart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.PollSubscription(ctx, "alice", "primary")
	require.NoError(t, err)

	h.advance(40 * 24 * time.Hour)
	upcoming := h.event("TEST after the outage", h.now.Add(time.Hour))
	h.cal.ResetCalls()
	h.cal.FailOnce("ListEvents", syncerr.NewAlreadyGone(errors.New("Error 410: updatedMinTooLongAgo"), "list"))

	res, err := h.engine.PollSubscription(ctx, "alice", "primary")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 2, h.cal.Calls("ListEvents"))
	_, err = h.store.ItemByEvent(ctx, upcoming.Id)
	require.NoError(t, err)

	sub, err := h.store.Subscription(ctx, "alice", "primary")
	require.NoError(t, err)
	require.NotNil(t, sub.CheckedAt)
	assert.True(t, sub.CheckedAt.Equal(h.now))
}

func TestRejectedCursorIsClearedWhenColdStartFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.PollSubscription(ctx, "alice", "primary")
	require.NoError(t, err)

	h.advance(40 * 24 * time.Hour)
	h.cal.Fail("ListEvents", syncerr.NewAlreadyGone(errors.New("Error 410"), "list"))
	_, err = h.engine.PollSubscription(ctx, "alice", "primary")
	require.Error(t, err)

	sub, err := h.store.Subscription(ctx, "alice", "primary")
	require.NoError(t, err)
	assert.Nil(t, sub.CheckedAt, "next pass starts cold")
}

func TestConcurrentPollsCreateOneItem(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ev := h.event("TEST foo", h.now.Add(time.Hour))

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.engine.PollSubscription(ctx, "alice", "primary")
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	assert.Len(t, h.tasks.All(), 1)
	items, err := h.store.Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, ev.Id, items[0].EventID)
}

func TestListingFailureKeepsCursor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.cal.Fail("ListEvents", syncerr.NewTransient(errors.New("503"), "list"))

	_, err := h.engine.PollSubscription(ctx, "alice", "primary")
	assert.True(t, syncerr.IsTransient(err))
	sub, err := h.store.Subscription(ctx, "alice", "primary")
	require.NoError(t, err)
	assert.Nil(t, sub.CheckedAt)
}

func TestTaskDeletedWithoutItemIsNoop(t *testing.T) {
	h := newHarness(t)
	wh := h.taskWebhook(t)
	h.tasks.ResetCalls()

	res, err := h.engine.HandleTaskNotification(context.Background(), wh, clickup.WebhookPayload{
		Event: clickup.EventTaskDeleted, TaskID: "missing", WebhookID: wh.WebhookID,
	})
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Zero(t, h.tasks.TotalCalls())
	assert.Zero(t, h.cal.Calls("DeleteEvent"))
}

func TestTaskDeletedRemovesEventKeepsNothingElse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wh := h.taskWebhook(t)
	ev := h.event("TEST foo", h.now.Add(time.Hour))
	_, err := h.engine.PollSubscription(ctx, "alice", "primary")
	require.NoError(t, err)
	item, err := h.store.ItemByEvent(ctx, ev.Id)
	require.NoError(t, err)
	h.tasks.Remove(item.TaskID)

	res, err := h.engine.HandleTaskNotification(ctx, wh, clickup.WebhookPayload{
		Event: clickup.EventTaskDeleted, TaskID: item.TaskID, WebhookID: wh.WebhookID,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	stored, _ := h.cal.Event("primary", ev.Id)
	assert.Equal(t, "cancelled", stored.Status)
	assert.Zero(t, h.tasks.Calls("DeleteTask"))
	assert.Zero(t, h.tasks.Calls("RemoveTag"))
}

func TestTaskUpdateEchoMakesNoCalendarCalls(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wh := h.taskWebhook(t)
	ev := h.event("TEST foo", h.now.Add(time.Hour))
	_, err := h.engine.PollSubscription(ctx, "alice", "primary")
	require.NoError(t, err)
	item, err := h.store.ItemByEvent(ctx, ev.Id)
	require.NoError(t, err)
	h.cal.ResetCalls()

	res, err := h.engine.HandleTaskNotification(ctx, wh, clickup.WebhookPayload{
		Event: clickup.EventTaskUpdated, TaskID: item.TaskID, WebhookID: wh.WebhookID,
		HistoryItems: []clickup.HistoryItem{
			{Field: "name", Before: json.RawMessage(`"TEST foo"`), After: json.RawMessage(`"TEST foo"`)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Zero(t, h.cal.TotalCalls())

	h.tasks.Put(&clickup.Task{
		ID: item.TaskID, Name: "TEST bar", List: clickup.ListRef{ID: "L1"},
		StartDate: &clickup.MillisTime{Time: h.now.Add(time.Hour)},
		DueDate:   &clickup.MillisTime{Time: h.now.Add(2 * time.Hour)},
	})
	res, err = h.engine.HandleTaskNotification(ctx, wh, clickup.WebhookPayload{
		Event: clickup.EventTaskUpdated, TaskID: item.TaskID, WebhookID: wh.WebhookID,
		HistoryItems: []clickup.HistoryItem{
			{Field: "name", Before: json.RawMessage(`"TEST foo"`), After: json.RawMessage(`"TEST bar"`)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	updated, _ := h.cal.Event("primary", ev.Id)
	assert.Equal(t, "TEST bar", updated.Summary)
}

func tagPayload(wh model.TaskWebhook, taskID, field string) clickup.WebhookPayload {
	return clickup.WebhookPayload{
		Event: clickup.EventTaskTagUpdated, TaskID: taskID, WebhookID: wh.WebhookID,
		HistoryItems: []clickup.HistoryItem{
			{Field: field, After: json.RawMessage(`[{"name": "` + synced.DefaultSyncTag + `"}]`)},
		},
	}
}

func TestTagAddedCreatesEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wh := h.taskWebhook(t)
	task := h.tasks.Put(&clickup.Task{
		Name: "Plan", List: clickup.ListRef{ID: "L1"},
		DueDate: &clickup.MillisTime{Time: h.now.Add(4 * time.Hour)},
		Tags:    []clickup.Tag{{Name: synced.DefaultSyncTag}},
	})

	res, err := h.engine.HandleTaskNotification(ctx, wh, tagPayload(wh, task.ID, "tag"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	item, err := h.store.ItemByTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskOwnsDescription, item.DescriptionDirection)

	// The created event is seen by the next poll and left alone.
	res, err = h.engine.PollSubscription(ctx, "alice", "primary")
	require.NoError(t, err)
	assert.Zero(t, res.Created)
	assert.Len(t, h.tasks.All(), 1)

	res, err = h.engine.HandleTaskNotification(ctx, wh, tagPayload(wh, task.ID, "tag"))
	require.NoError(t, err)
	assert.Zero(t, res.Created)
	assert.Len(t, h.cal.Events("primary"), 1)
}

func TestTagAddedWithoutMatcherIsRejected(t *testing.T) {
	h := newHarness(t)
	wh := h.taskWebhook(t)
	task := h.tasks.Put(&clickup.Task{
		Name: "Elsewhere", List: clickup.ListRef{ID: "L9"},
		DueDate: &clickup.MillisTime{Time: h.now.Add(time.Hour)},
		Tags:    []clickup.Tag{{Name: synced.DefaultSyncTag}},
	})

	res, err := h.engine.HandleTaskNotification(context.Background(), wh, tagPayload(wh, task.ID, "tag"))
	require.NoError(t, err)
	assert.NotEmpty(t, res.Rejected)
	stored, _ := h.tasks.Task(task.ID)
	assert.False(t, stored.HasTag(synced.DefaultSyncTag))
	assert.Zero(t, h.cal.Calls("InsertEvent"))
}

func TestTagAddedWithoutDueIsRejected(t *testing.T) {
	h := newHarness(t)
	wh := h.taskWebhook(t)
	task := h.tasks.Put(&clickup.Task{
		Name: "Someday", List: clickup.ListRef{ID: "L1"},
		Tags: []clickup.Tag{{Name: synced.DefaultSyncTag}},
	})

	res, err := h.engine.HandleTaskNotification(context.Background(), wh, tagPayload(wh, task.ID, "tag"))
	require.NoError(t, err)
	assert.NotEmpty(t, res.Rejected)
	stored, _ := h.tasks.Task(task.ID)
	assert.False(t, stored.HasTag(synced.DefaultSyncTag))
}

func TestTagRemovedUnsyncsOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wh := h.taskWebhook(t)
	ev := h.event("TEST foo", h.now.Add(time.Hour))
	_, err := h.engine.PollSubscription(ctx, "alice", "primary")
	require.NoError(t, err)
	item, err := h.store.ItemByEvent(ctx, ev.Id)
	require.NoError(t, err)

	res, err := h.engine.HandleTaskNotification(ctx, wh, tagPayload(wh, item.TaskID, "tag_removed"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	_, err = h.store.ItemByTask(ctx, item.TaskID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, ok := h.tasks.Task(item.TaskID)
	assert.True(t, ok)
	live, _ := h.cal.Event("primary", ev.Id)
	assert.Equal(t, "confirmed", live.Status)
}

func TestInactiveOwnerTaskNotification(t *testing.T) {
	h := newHarness(t)
	wh := h.taskWebhook(t)
	h.clients.Inactive["alice"] = true

	res, err := h.engine.HandleTaskNotification(context.Background(), wh, clickup.WebhookPayload{Event: clickup.EventTaskDeleted, TaskID: "x"})
	require.NoError(t, err)
	assert.True(t, res.Inactive)
}

func TestSetMatchersResetsChangedCursors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.PollSubscription(ctx, "alice", "primary")
	require.NoError(t, err)

	require.NoError(t, h.engine.SetMatchers(ctx, testMatchers(t, "^TEST")))
	sub, err := h.store.Subscription(ctx, "alice", "primary")
	require.NoError(t, err)
	assert.NotNil(t, sub.CheckedAt, "identical rules keep the cursor")

	require.NoError(t, h.engine.SetMatchers(ctx, testMatchers(t, "^MEET")))
	sub, err = h.store.Subscription(ctx, "alice", "primary")
	require.NoError(t, err)
	assert.Nil(t, sub.CheckedAt)
}

func TestMaintain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ev := h.event("TEST foo", h.now.Add(time.Hour))
	_, err := h.engine.PollSubscription(ctx, "alice", "primary")
	require.NoError(t, err)

	require.NoError(t, h.store.SaveSubscription(ctx, model.CalendarSubscription{
		Owner: "alice", CalendarID: "old", ChannelID: "stale", ResourceID: "res-stale", Expiration: h.now.Add(30 * 24 * time.Hour),
	}))

	// A tagged task created while webhooks were down.
	h.advance(time.Minute)
	missed := h.tasks.Put(&clickup.Task{
		Name: "Missed", List: clickup.ListRef{ID: "L1"},
		DueDate: &clickup.MillisTime{Time: h.now.Add(5 * 24 * time.Hour)},
		Tags:    []clickup.Tag{{Name: synced.DefaultSyncTag}},
	})

	h.advance(3 * 24 * time.Hour)
	rep, err := h.engine.Maintain(ctx)
	require.NoError(t, err)

	assert.Len(t, h.tasks.Webhooks(), 1)
	assert.Equal(t, 1, rep.Unsubscribed)
	assert.Zero(t, rep.Refreshed)
	assert.Equal(t, 1, rep.CatchUp.Created)
	assert.Equal(t, 1, rep.Pruned)

	_, err = h.store.Subscription(ctx, "alice", "old")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = h.store.ItemByEvent(ctx, ev.Id)
	assert.ErrorIs(t, err, store.ErrNotFound, "ended item is pruned")
	_, err = h.store.ItemByTask(ctx, missed.ID)
	assert.NoError(t, err)
}
