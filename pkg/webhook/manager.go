// Package webhook manages the push channels through which Google Calendar and
// ClickUp notify changes: calendar watch channels and team webhooks.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/esdandreu/gcal2clickup/pkg/clickup"
	"github.com/esdandreu/gcal2clickup/pkg/model"
	"github.com/esdandreu/gcal2clickup/pkg/provider"
	"github.com/esdandreu/gcal2clickup/pkg/store"
	"github.com/esdandreu/gcal2clickup/pkg/syncerr"
)

// Receiver paths, relative to the public URL.
const (
	CalendarPath = "/webhooks/google-calendar"
	TaskPath     = "/webhooks/clickup"
)

const (
	// DefaultTTL is the lifetime requested for calendar watch channels.
	DefaultTTL = 7 * 24 * time.Hour
	// DefaultExpirationGap is how long before expiry a channel is replaced.
	DefaultExpirationGap = 24 * time.Hour
)

// Locker serializes work on one subscription key.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

type nopLocker struct{}

func (nopLocker) Lock(context.Context, string) (func(), error) { return func() {}, nil }

type Manager struct {
	store     store.Store
	locks     Locker
	clients   provider.Clients
	publicURL string
	ttl       time.Duration
	gap       time.Duration
	now       func() time.Time
	newID     func() string
	logger    *slog.Logger
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithLocker makes subscription changes take the same per-key lock as polls.
func WithLocker(l Locker) Option {
	return func(m *Manager) {
		if l != nil {
			m.locks = l
		}
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

func WithExpirationGap(gap time.Duration) Option {
	return func(m *Manager) {
		if gap > 0 {
			m.gap = gap
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithChannelIDs(newID func() string) Option {
	return func(m *Manager) {
		if newID != nil {
			m.newID = newID
		}
	}
}

func NewManager(st store.Store, clients provider.Clients, publicURL string, opts ...Option) *Manager {
	m := &Manager{
		store:     st,
		locks:     nopLocker{},
		clients:   clients,
		publicURL: strings.TrimRight(strings.TrimSpace(publicURL), "/"),
		ttl:       DefaultTTL,
		gap:       DefaultExpirationGap,
		now:       time.Now,
		newID:     uuid.NewString,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) CalendarEndpoint() string { return m.publicURL + CalendarPath }

func (m *Manager) TaskEndpoint() string { return m.publicURL + TaskPath }

// EnsureCalendarSubscription returns the subscription of (owner, calendarID),
// opening a watch channel the first time. It reports whether one was created.
func (m *Manager) EnsureCalendarSubscription(ctx context.Context, owner, calendarID string) (model.CalendarSubscription, bool, error) {
	unlock, err := m.locks.Lock(ctx, model.SubscriptionKey(owner, calendarID))
	if err != nil {
		return model.CalendarSubscription{}, false, err
	}
	defer unlock()
	sub, err := m.store.Subscription(ctx, owner, calendarID)
	if err == nil {
		return sub, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return sub, false, err
	}
	sub, err = m.watch(ctx, owner, calendarID)
	if err != nil {
		return sub, false, err
	}
	if err := m.store.SaveSubscription(ctx, sub); err != nil {
		return sub, false, err
	}
	m.logger.Info("calendar subscription created",
		"owner", owner, "calendar_id", calendarID, "channel_id", sub.ChannelID, "expiration", sub.Expiration)
	return sub, true, nil
}

func (m *Manager) watch(ctx context.Context, owner, calendarID string) (model.CalendarSubscription, error) {
	cal, err := m.clients.Calendar(ctx, owner)
	if err != nil {
		return model.CalendarSubscription{}, err
	}
	ch, err := cal.Watch(ctx, calendarID, m.newID(), m.CalendarEndpoint(), m.ttl)
	if err != nil {
		return model.CalendarSubscription{}, fmt.Errorf("watch calendar %s of %s: %w", calendarID, owner, err)
	}
	expiration := m.now().Add(m.ttl)
	if ch.Expiration > 0 {
		expiration = time.UnixMilli(ch.Expiration)
	}
	return model.CalendarSubscription{
		Owner:      owner,
		CalendarID: calendarID,
		ChannelID:  ch.Id,
		ResourceID: ch.ResourceId,
		Expiration: expiration.UTC(),
	}, nil
}

// Refresh replaces the channel of sub. The replacement is stored before the old
// channel is stopped so notifications are never lost; the cursor is kept.
func (m *Manager) Refresh(ctx context.Context, sub model.CalendarSubscription) (model.CalendarSubscription, error) {
	unlock, err := m.locks.Lock(ctx, sub.Key())
	if err != nil {
		return sub, err
	}
	defer unlock()
	if sub, err = m.store.Subscription(ctx, sub.Owner, sub.CalendarID); err != nil {
		return sub, err
	}
	next, err := m.watch(ctx, sub.Owner, sub.CalendarID)
	if err != nil {
		return sub, err
	}
	next.CheckedAt = sub.CheckedAt
	if err := m.store.SaveSubscription(ctx, next); err != nil {
		return sub, err
	}
	if err := m.stop(ctx, sub); err != nil {
		m.logger.Warn("could not stop replaced calendar channel",
			"owner", sub.Owner, "calendar_id", sub.CalendarID, "channel_id", sub.ChannelID, "error", err)
	}
	m.logger.Info("calendar subscription refreshed",
		"owner", sub.Owner, "calendar_id", sub.CalendarID, "channel_id", next.ChannelID, "expiration", next.Expiration)
	return next, nil
}

// RefreshExpiring refreshes the subscriptions expiring within the expiration gap.
func (m *Manager) RefreshExpiring(ctx context.Context) (int, error) {
	subs, err := m.store.Subscriptions(ctx)
	if err != nil {
		return 0, err
	}
	deadline := m.now().Add(m.gap)
	var (
		n    int
		errs []error
	)
	for _, sub := range subs {
		if sub.Expiration.After(deadline) {
			continue
		}
		if _, err := m.Refresh(ctx, sub); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// Delete stops the channel of sub and forgets it.
func (m *Manager) Delete(ctx context.Context, sub model.CalendarSubscription) error {
	unlock, err := m.locks.Lock(ctx, sub.Key())
	if err != nil {
		return err
	}
	defer unlock()
	if err := m.stop(ctx, sub); err != nil {
		return err
	}
	if err := m.store.DeleteSubscription(ctx, sub.Owner, sub.CalendarID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	m.logger.Info("calendar subscription deleted",
		"owner", sub.Owner, "calendar_id", sub.CalendarID, "channel_id", sub.ChannelID)
	return nil
}

func (m *Manager) stop(ctx context.Context, sub model.CalendarSubscription) error {
	cal, err := m.clients.Calendar(ctx, sub.Owner)
	if err != nil {
		return err
	}
	return syncerr.IgnoreGone(cal.StopChannel(ctx, sub.ChannelID, sub.ResourceID))
}

// PruneUnreferenced deletes the subscriptions for which referenced reports false.
func (m *Manager) PruneUnreferenced(ctx context.Context, referenced func(key string) bool) (int, error) {
	subs, err := m.store.Subscriptions(ctx)
	if err != nil {
		return 0, err
	}
	var (
		n    int
		errs []error
	)
	for _, sub := range subs {
		if referenced(sub.Key()) {
			continue
		}
		if err := m.Delete(ctx, sub); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// ReconcileTaskWebhooks aligns the ClickUp webhooks of account with the local
// records, per team: live webhooks pointing at our endpoint without a record are
// deleted, records whose webhook is missing or unhealthy are dropped, and a team
// left without a healthy webhook gets a new one.
func (m *Manager) ReconcileTaskWebhooks(ctx context.Context, account string) error {
	tasks, err := m.clients.Tasks(ctx, account)
	if err != nil {
		return err
	}
	teams, err := tasks.ListTeams(ctx)
	if err != nil {
		return fmt.Errorf("list teams of %s: %w", account, err)
	}
	records, err := m.store.TaskWebhooks(ctx, account)
	if err != nil {
		return err
	}
	byTeam := make(map[string][]model.TaskWebhook)
	for _, r := range records {
		byTeam[r.Team] = append(byTeam[r.Team], r)
	}

	var errs []error
	for _, team := range teams {
		if err := m.reconcileTeam(ctx, tasks, account, team.ID, byTeam[team.ID]); err != nil {
			errs = append(errs, fmt.Errorf("team %s: %w", team.ID, err))
		}
		delete(byTeam, team.ID)
	}
	// Teams the account left.
	for _, orphans := range byTeam {
		for _, r := range orphans {
			if err := m.dropRecord(ctx, tasks, r, true); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) reconcileTeam(ctx context.Context, tasks provider.Tasks, account, teamID string, records []model.TaskWebhook) error {
	live, err := tasks.ListWebhooks(ctx, teamID)
	if err != nil {
		return err
	}
	endpoint := m.TaskEndpoint()
	liveByID := make(map[string]clickup.Webhook)
	for _, wh := range live {
		if wh.Endpoint == endpoint {
			liveByID[wh.ID] = wh
		}
	}

	healthy := false
	known := make(map[string]bool)
	for _, r := range records {
		known[r.WebhookID] = true
		wh, ok := liveByID[r.WebhookID]
		switch {
		case !ok:
			if err := m.dropRecord(ctx, tasks, r, false); err != nil {
				return err
			}
		case !wh.Healthy():
			if err := m.dropRecord(ctx, tasks, r, true); err != nil {
				return err
			}
		case healthy:
			// One webhook per team is enough.
			if err := m.dropRecord(ctx, tasks, r, true); err != nil {
				return err
			}
		default:
			healthy = true
		}
	}
	for id := range liveByID {
		if known[id] {
			continue
		}
		if err := syncerr.IgnoreGone(tasks.DeleteWebhook(ctx, id)); err != nil {
			return err
		}
		m.logger.Info("orphan task webhook deleted", "account", account, "team", teamID, "webhook_id", id)
	}
	if healthy {
		return nil
	}

	wh, err := tasks.CreateWebhook(ctx, teamID, endpoint, clickup.WebhookEvents)
	if err != nil {
		return err
	}
	record := model.TaskWebhook{
		Account:   account,
		Team:      teamID,
		WebhookID: wh.ID,
		Endpoint:  endpoint,
		Secret:    wh.Secret,
	}
	if err := m.store.SaveTaskWebhook(ctx, record); err != nil {
		return err
	}
	m.logger.Info("task webhook created", "account", account, "team", teamID, "webhook_id", wh.ID)
	return nil
}

func (m *Manager) dropRecord(ctx context.Context, tasks provider.Tasks, r model.TaskWebhook, deleteLive bool) error {
	if deleteLive {
		if err := syncerr.IgnoreGone(tasks.DeleteWebhook(ctx, r.WebhookID)); err != nil {
			return err
		}
	}
	if err := m.store.DeleteTaskWebhook(ctx, r.WebhookID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	m.logger.Info("task webhook record dropped", "account", r.Account, "team", r.Team, "webhook_id", r.WebhookID)
	return nil
}

// ReconcileAll reconciles the webhooks of every account; one failing account
// does not stop the others.
func (m *Manager) ReconcileAll(ctx context.Context, accounts []model.TaskAccount) error {
	var errs []error
	for _, a := range accounts {
		if err := m.ReconcileTaskWebhooks(ctx, a.Name); err != nil {
			m.logger.Error("task webhook reconcile failed", "account", a.Name, "error", err)
			errs = append(errs, fmt.Errorf("account %s: %w", a.Name, err))
		}
	}
	return errors.Join(errs...)
}
