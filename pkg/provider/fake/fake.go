// Package fake provides in-memory Calendar and Tasks backends that count calls
// and can be told to fail, for exercising the sync engine without network.
package fake

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"sort"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/esdandreu/gcal2clickup/pkg/clickup"
	"github.com/esdandreu/gcal2clickup/pkg/google"
	"github.com/esdandreu/gcal2clickup/pkg/model"
	"github.com/esdandreu/gcal2clickup/pkg/provider"
	"github.com/esdandreu/gcal2clickup/pkg/syncerr"
)

// recorder counts calls per method and returns injected failures.
type recorder struct {
	mu     sync.Mutex
	calls  map[string]int
	errors map[string]error
	once   map[string]error
}

func (r *recorder) record(method string) error {
	if r.calls == nil {
		r.calls = make(map[string]int)
	}
	r.calls[method]++
	if err, ok := r.once[method]; ok {
		delete(r.once, method)
		return err
	}
	return r.errors[method]
}

// Calls returns how many times method was invoked.
func (r *recorder) Calls(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[method]
}

// TotalCalls returns the number of calls across methods, optionally excluding some.
func (r *recorder) TotalCalls(except ...string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for m, c := range r.calls {
		skip := false
		for _, e := range except {
			skip = skip || e == m
		}
		if !skip {
			n += c
		}
	}
	return n
}

// Fail makes method return err until cleared with a nil err.
func (r *recorder) Fail(method string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.errors == nil {
		r.errors = make(map[string]error)
	}
	if err == nil {
		delete(r.errors, method)
		return
	}
	r.errors[method] = err
}

// FailOnce makes the next call of method return err.
func (r *recorder) FailOnce(method string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.once == nil {
		r.once = make(map[string]error)
	}
	r.once[method] = err
}

// ResetCalls zeroes the call counters.
func (r *recorder) ResetCalls() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// Calendar is an in-memory Google Calendar for one owner.
type Calendar struct {
	recorder
	Now func() time.Time

	seq      int
	events   map[string]map[string]*calendar.Event
	channels map[string]string
}

func NewCalendar(now func() time.Time) *Calendar {
	if now == nil {
		now = time.Now
	}
	return &Calendar{
		Now:      now,
		events:   make(map[string]map[string]*calendar.Event),
		channels: make(map[string]string),
	}
}

// Put stores an event as if it had been edited by the user.
func (c *Calendar) Put(calendarID string, ev *calendar.Event) *calendar.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.put(calendarID, ev)
}

func (c *Calendar) put(calendarID string, ev *calendar.Event) *calendar.Event {
	stored := *ev
	if stored.Id == "" {
		c.seq++
		stored.Id = fmt.Sprintf("ev-%d", c.seq)
	}
	if stored.Status == "" {
		stored.Status = "confirmed"
	}
	stored.Updated = c.Now().UTC().Format(time.RFC3339Nano)
	if c.events[calendarID] == nil {
		c.events[calendarID] = make(map[string]*calendar.Event)
	}
	c.events[calendarID][stored.Id] = &stored
	out := stored
	return &out
}

// Event returns a copy of a stored event, cancelled ones included.
func (c *Calendar) Event(calendarID, eventID string) (*calendar.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev, ok := c.events[calendarID][eventID]
	if !ok {
		return nil, false
	}
	out := *ev
	return &out, true
}

// Events returns the live events of a calendar ordered by id.
func (c *Calendar) Events(calendarID string) []*calendar.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*calendar.Event
	for _, ev := range c.events[calendarID] {
		if ev.Status != google.StatusCancelled {
			cp := *ev
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out
}

// Cancel marks an event deleted as if the user removed it.
func (c *Calendar) Cancel(calendarID, eventID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ev, ok := c.events[calendarID][eventID]; ok {
		ev.Status = google.StatusCancelled
		ev.Updated = c.Now().UTC().Format(time.RFC3339Nano)
	}
}

// Channels returns the ids of the open push channels.
func (c *Calendar) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.channels))
	for id := range c.channels {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (c *Calendar) ListEvents(ctx context.Context, calendarID string, q google.EventQuery) iter.Seq2[*calendar.Event, error] {
	return func(yield func(*calendar.Event, error) bool) {
		c.mu.Lock()
		err := c.record("ListEvents")
		var page []*calendar.Event
		for _, ev := range c.events[calendarID] {
			if !q.UpdatedMin.IsZero() {
				updated, _ := time.Parse(time.RFC3339Nano, ev.Updated)
				if updated.Before(q.UpdatedMin) {
					continue
				}
			} else if ev.Status == google.StatusCancelled || endsBefore(ev, q.TimeMin) {
				continue
			}
			cp := *ev
			page = append(page, &cp)
		}
		c.mu.Unlock()
		if err != nil {
			yield(nil, err)
			return
		}
		sort.Slice(page, func(i, j int) bool {
			ui, _ := time.Parse(time.RFC3339Nano, page[i].Updated)
			uj, _ := time.Parse(time.RFC3339Nano, page[j].Updated)
			if !ui.Equal(uj) {
				return ui.Before(uj)
			}
			return page[i].Id < page[j].Id
		})
		for _, ev := range page {
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func endsBefore(ev *calendar.Event, t time.Time) bool {
	if t.IsZero() || ev.End == nil {
		return false
	}
	if ev.End.Date != "" {
		d, err := time.Parse("2006-01-02", ev.End.Date)
		return err == nil && !d.After(t)
	}
	end, err := time.Parse(time.RFC3339, ev.End.DateTime)
	return err == nil && end.Before(t)
}

func (c *Calendar) GetEvent(ctx context.Context, calendarID, eventID string) (*calendar.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("GetEvent"); err != nil {
		return nil, err
	}
	ev, ok := c.events[calendarID][eventID]
	if !ok {
		return nil, syncerr.NewAlreadyGone(nil, "event %s not found", eventID)
	}
	out := *ev
	return &out, nil
}

func (c *Calendar) InsertEvent(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("InsertEvent"); err != nil {
		return nil, err
	}
	ev := *event
	ev.Id = ""
	return c.put(calendarID, &ev), nil
}

func (c *Calendar) PatchEvent(ctx context.Context, calendarID, eventID string, patch *calendar.Event) (*calendar.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("PatchEvent"); err != nil {
		return nil, err
	}
	cur, ok := c.events[calendarID][eventID]
	if !ok || cur.Status == google.StatusCancelled {
		return nil, syncerr.NewAlreadyGone(nil, "event %s not found", eventID)
	}
	ev := *cur
	if patch.Summary != "" {
		ev.Summary = patch.Summary
	}
	if patch.Description != "" {
		ev.Description = patch.Description
	}
	for _, f := range patch.NullFields {
		if f == "Description" {
			ev.Description = ""
		}
	}
	if patch.Start != nil {
		ev.Start = patch.Start
	}
	if patch.End != nil {
		ev.End = patch.End
	}
	return c.put(calendarID, &ev), nil
}

func (c *Calendar) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("DeleteEvent"); err != nil {
		return err
	}
	ev, ok := c.events[calendarID][eventID]
	if !ok || ev.Status == google.StatusCancelled {
		return syncerr.NewAlreadyGone(nil, "event %s already deleted", eventID)
	}
	ev.Status = google.StatusCancelled
	ev.Updated = c.Now().UTC().Format(time.RFC3339Nano)
	return nil
}

func (c *Calendar) Watch(ctx context.Context, calendarID, channelID, address string, ttl time.Duration) (*calendar.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("Watch"); err != nil {
		return nil, err
	}
	resourceID := "res-" + channelID
	c.channels[channelID] = resourceID
	return &calendar.Channel{
		Id:         channelID,
		ResourceId: resourceID,
		Address:    address,
		Expiration: c.Now().Add(ttl).UnixMilli(),
	}, nil
}

func (c *Calendar) StopChannel(ctx context.Context, channelID, resourceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("StopChannel"); err != nil {
		return err
	}
	if _, ok := c.channels[channelID]; !ok {
		return syncerr.NewAlreadyGone(nil, "channel %s not found", channelID)
	}
	delete(c.channels, channelID)
	return nil
}

// Tasks is an in-memory ClickUp workspace for one task account.
type Tasks struct {
	recorder
	Now   func() time.Time
	Teams []clickup.Team

	seq      int
	tasks    map[string]*clickup.Task
	webhooks map[string]*clickup.Webhook
}

func NewTasks(now func() time.Time, teams ...clickup.Team) *Tasks {
	if now == nil {
		now = time.Now
	}
	return &Tasks{
		Now:      now,
		Teams:    teams,
		tasks:    make(map[string]*clickup.Task),
		webhooks: make(map[string]*clickup.Webhook),
	}
}

// Put stores a task as if it had been edited by the user.
func (f *Tasks) Put(task *clickup.Task) *clickup.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.put(task)
}

func (f *Tasks) put(task *clickup.Task) *clickup.Task {
	stored := cloneTask(task)
	if stored.ID == "" {
		f.seq++
		stored.ID = fmt.Sprintf("task-%d", f.seq)
	}
	stored.DateUpdated = &clickup.MillisTime{Time: f.Now()}
	f.tasks[stored.ID] = stored
	return cloneTask(stored)
}

// Task returns a copy of a stored task.
func (f *Tasks) Task(taskID string) (*clickup.Task, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, false
	}
	return cloneTask(t), true
}

// All returns the stored tasks ordered by id.
func (f *Tasks) All() []*clickup.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*clickup.Task, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Remove deletes a task as if the user removed it.
func (f *Tasks) Remove(taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks, taskID)
}

// Webhooks returns the registered webhooks ordered by id.
func (f *Tasks) Webhooks() []clickup.Webhook {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sortedWebhooks("")
}

// SetWebhookHealth changes the delivery status ClickUp reports for a webhook.
func (f *Tasks) SetWebhookHealth(webhookID, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if wh, ok := f.webhooks[webhookID]; ok {
		wh.Health.Status = status
	}
}

func (f *Tasks) sortedWebhooks(teamID string) []clickup.Webhook {
	out := make([]clickup.Webhook, 0, len(f.webhooks))
	for _, wh := range f.webhooks {
		if teamID == "" || wh.TeamID.String() == teamID {
			out = append(out, *wh)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *Tasks) ListTeams(ctx context.Context) ([]clickup.Team, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListTeams"); err != nil {
		return nil, err
	}
	return append([]clickup.Team(nil), f.Teams...), nil
}

func (f *Tasks) GetTask(ctx context.Context, taskID string) (*clickup.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetTask"); err != nil {
		return nil, err
	}
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, syncerr.NewAlreadyGone(nil, "task %s not found", taskID)
	}
	return cloneTask(t), nil
}

func (f *Tasks) ListTasks(ctx context.Context, listID string, q clickup.TaskQuery) iter.Seq2[*clickup.Task, error] {
	return func(yield func(*clickup.Task, error) bool) {
		f.mu.Lock()
		err := f.record("ListTasks")
		var page []*clickup.Task
		for _, t := range f.tasks {
			if t.List.ID != listID {
				continue
			}
			if !q.UpdatedAfter.IsZero() && t.DateUpdated.Valid() && !t.DateUpdated.After(q.UpdatedAfter) {
				continue
			}
			if !hasAllTags(t, q.Tags) {
				continue
			}
			page = append(page, cloneTask(t))
		}
		f.mu.Unlock()
		if err != nil {
			yield(nil, err)
			return
		}
		sort.Slice(page, func(i, j int) bool { return page[i].ID < page[j].ID })
		for _, t := range page {
			if !yield(t, nil) {
				return
			}
		}
	}
}

func hasAllTags(t *clickup.Task, tags []string) bool {
	for _, tag := range tags {
		if !t.HasTag(tag) {
			return false
		}
	}
	return true
}

func (f *Tasks) CreateTask(ctx context.Context, listID string, req clickup.TaskRequest) (*clickup.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateTask"); err != nil {
		return nil, err
	}
	t := &clickup.Task{List: clickup.ListRef{ID: listID}}
	applyRequest(t, req)
	for _, tag := range req.Tags {
		t.Tags = append(t.Tags, clickup.Tag{Name: tag})
	}
	return f.put(t), nil
}

func (f *Tasks) UpdateTask(ctx context.Context, taskID string, req clickup.TaskRequest) (*clickup.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("UpdateTask"); err != nil {
		return nil, err
	}
	cur, ok := f.tasks[taskID]
	if !ok {
		return nil, syncerr.NewAlreadyGone(nil, "task %s not found", taskID)
	}
	t := cloneTask(cur)
	applyRequest(t, req)
	return f.put(t), nil
}

func applyRequest(t *clickup.Task, req clickup.TaskRequest) {
	if req.Name != "" {
		t.Name = req.Name
	}
	if req.Description != nil {
		t.Description = *req.Description
	}
	if req.StartDate != nil {
		t.StartDate = &clickup.MillisTime{Time: time.UnixMilli(*req.StartDate)}
	}
	if req.DueDate != nil {
		t.DueDate = &clickup.MillisTime{Time: time.UnixMilli(*req.DueDate)}
	}
}

func (f *Tasks) DeleteTask(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteTask"); err != nil {
		return err
	}
	if _, ok := f.tasks[taskID]; !ok {
		return syncerr.NewAlreadyGone(nil, "task %s not found", taskID)
	}
	delete(f.tasks, taskID)
	return nil
}

func (f *Tasks) RemoveTag(ctx context.Context, taskID, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("RemoveTag"); err != nil {
		return err
	}
	t, ok := f.tasks[taskID]
	if !ok {
		return syncerr.NewAlreadyGone(nil, "task %s not found", taskID)
	}
	kept := t.Tags[:0]
	for _, existing := range t.Tags {
		if !strings.EqualFold(existing.Name, tag) {
			kept = append(kept, existing)
		}
	}
	t.Tags = kept
	return nil
}

func (f *Tasks) ListWebhooks(ctx context.Context, teamID string) ([]clickup.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListWebhooks"); err != nil {
		return nil, err
	}
	return f.sortedWebhooks(teamID), nil
}

func (f *Tasks) CreateWebhook(ctx context.Context, teamID, endpoint string, events []string) (*clickup.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateWebhook"); err != nil {
		return nil, err
	}
	f.seq++
	wh := &clickup.Webhook{
		ID:       fmt.Sprintf("wh-%d", f.seq),
		TeamID:   json.Number(teamID),
		Endpoint: endpoint,
		Events:   append([]string(nil), events...),
		Health:   clickup.WebhookHealth{Status: clickup.HealthActive},
		Secret:   fmt.Sprintf("secret-%d", f.seq),
	}
	f.webhooks[wh.ID] = wh
	out := *wh
	return &out, nil
}

func (f *Tasks) DeleteWebhook(ctx context.Context, webhookID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteWebhook"); err != nil {
		return err
	}
	if _, ok := f.webhooks[webhookID]; !ok {
		return syncerr.NewAlreadyGone(nil, "webhook %s not found", webhookID)
	}
	delete(f.webhooks, webhookID)
	return nil
}

func cloneTask(t *clickup.Task) *clickup.Task {
	cp := *t
	cp.Tags = append([]clickup.Tag(nil), t.Tags...)
	if t.StartDate != nil {
		v := *t.StartDate
		cp.StartDate = &v
	}
	if t.DueDate != nil {
		v := *t.DueDate
		cp.DueDate = &v
	}
	if t.DateUpdated != nil {
		v := *t.DateUpdated
		cp.DateUpdated = &v
	}
	return &cp
}

// Clients resolves fakes by owner and task account.
type Clients struct {
	Calendars map[string]*Calendar
	Accounts  map[string]*Tasks
	Inactive  map[string]bool
	Owners    map[string]string
}

func NewClients() *Clients {
	return &Clients{
		Calendars: make(map[string]*Calendar),
		Accounts:  make(map[string]*Tasks),
		Inactive:  make(map[string]bool),
		Owners:    make(map[string]string),
	}
}

// AddOwner registers an owner with its calendar and one task account.
func (c *Clients) AddOwner(owner string, cal *Calendar, account string, tasks *Tasks) {
	c.Calendars[owner] = cal
	c.Accounts[account] = tasks
	c.Owners[account] = owner
}

func (c *Clients) Calendar(ctx context.Context, owner string) (provider.Calendar, error) {
	cal, ok := c.Calendars[owner]
	if !ok {
		return nil, syncerr.NotFoundf("no calendar credentials for owner %s", owner)
	}
	return cal, nil
}

func (c *Clients) Tasks(ctx context.Context, account string) (provider.Tasks, error) {
	t, ok := c.Accounts[account]
	if !ok {
		return nil, syncerr.NotFoundf("no task account %s", account)
	}
	return t, nil
}

func (c *Clients) OwnerActive(owner string) bool {
	_, ok := c.Calendars[owner]
	return ok && !c.Inactive[owner]
}

func (c *Clients) TaskAccounts() []model.TaskAccount {
	out := make([]model.TaskAccount, 0, len(c.Owners))
	for account, owner := range c.Owners {
		out = append(out, model.TaskAccount{Name: account, Owner: owner})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var (
	_ provider.Calendar  = (*Calendar)(nil)
	_ provider.Tasks     = (*Tasks)(nil)
	_ provider.Clients   = (*Clients)(nil)
	_ provider.Directory = (*Clients)(nil)
)
