// Package provider declares the calendar and task backends the sync engine
// depends on, so the engine can run against the real APIs or in-memory fakes.
package provider

import (
	"context"
	"iter"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/esdandreu/gcal2clickup/pkg/clickup"
	"github.com/esdandreu/gcal2clickup/pkg/google"
	"github.com/esdandreu/gcal2clickup/pkg/model"
)

// Calendar is one owner's view of Google Calendar.
type Calendar interface {
	ListEvents(ctx context.Context, calendarID string, q google.EventQuery) iter.Seq2[*calendar.Event, error]
	GetEvent(ctx context.Context, calendarID, eventID string) (*calendar.Event, error)
	InsertEvent(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error)
	PatchEvent(ctx context.Context, calendarID, eventID string, patch *calendar.Event) (*calendar.Event, error)
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
	Watch(ctx context.Context, calendarID, channelID, address string, ttl time.Duration) (*calendar.Channel, error)
	StopChannel(ctx context.Context, channelID, resourceID string) error
}

// Tasks is one task account's view of ClickUp.
type Tasks interface {
	ListTeams(ctx context.Context) ([]clickup.Team, error)
	GetTask(ctx context.Context, taskID string) (*clickup.Task, error)
	ListTasks(ctx context.Context, listID string, q clickup.TaskQuery) iter.Seq2[*clickup.Task, error]
	CreateTask(ctx context.Context, listID string, req clickup.TaskRequest) (*clickup.Task, error)
	UpdateTask(ctx context.Context, taskID string, req clickup.TaskRequest) (*clickup.Task, error)
	DeleteTask(ctx context.Context, taskID string) error
	RemoveTag(ctx context.Context, taskID, tag string) error
	ListWebhooks(ctx context.Context, teamID string) ([]clickup.Webhook, error)
	CreateWebhook(ctx context.Context, teamID, endpoint string, events []string) (*clickup.Webhook, error)
	DeleteWebhook(ctx context.Context, webhookID string) error
}

// Clients resolves the authenticated client of an owner or task account.
type Clients interface {
	Calendar(ctx context.Context, owner string) (Calendar, error)
	Tasks(ctx context.Context, account string) (Tasks, error)
}

// Directory answers questions about configured owners and task accounts.
type Directory interface {
	OwnerActive(owner string) bool
	TaskAccounts() []model.TaskAccount
}

var (
	_ Calendar = (*google.CalendarClient)(nil)
	_ Tasks    = (*clickup.Client)(nil)
)

// PassClients memoizes resolved clients for the duration of one pass, so a
// poll touching many items resolves each credential once.
type PassClients struct {
	clients   Clients
	calendars map[string]Calendar
	tasks     map[string]Tasks
}

func NewPassClients(clients Clients) *PassClients {
	return &PassClients{
		clients:   clients,
		calendars: make(map[string]Calendar),
		tasks:     make(map[string]Tasks),
	}
}

func (p *PassClients) Calendar(ctx context.Context, owner string) (Calendar, error) {
	if c, ok := p.calendars[owner]; ok {
		return c, nil
	}
	c, err := p.clients.Calendar(ctx, owner)
	if err != nil {
		return nil, err
	}
	p.calendars[owner] = c
	return c, nil
}

func (p *PassClients) Tasks(ctx context.Context, account string) (Tasks, error) {
	if c, ok := p.tasks[account]; ok {
		return c, nil
	}
	c, err := p.clients.Tasks(ctx, account)
	if err != nil {
		return nil, err
	}
	p.tasks[account] = c
	return c, nil
}
