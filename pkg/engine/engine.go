// Package engine drives the sync: it turns push notifications and scheduled
// polls into SyncedItem transitions and runs the maintenance pass.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/esdandreu/gcal2clickup/pkg/convert"
	"github.com/esdandreu/gcal2clickup/pkg/google"
	"github.com/esdandreu/gcal2clickup/pkg/matcher"
	"github.com/esdandreu/gcal2clickup/pkg/model"
	"github.com/esdandreu/gcal2clickup/pkg/provider"
	"github.com/esdandreu/gcal2clickup/pkg/store"
	"github.com/esdandreu/gcal2clickup/pkg/synced"
	"github.com/esdandreu/gcal2clickup/pkg/syncerr"
	"github.com/esdandreu/gcal2clickup/pkg/webhook"
)

// DefaultEndGap is how long a synced item is kept after its end.
const DefaultEndGap = 24 * time.Hour

// Resource state Google sends right after a channel is opened.
const resourceStateSync = "sync"

// Result counts the outcome of a pass.
type Result struct {
	Created  int    `json:"created"`
	Updated  int    `json:"updated"`
	Deleted  int    `json:"deleted"`
	Failed   int    `json:"failed,omitempty"`
	Inactive bool   `json:"-"`
	Rejected string `json:"rejected,omitempty"`
}

func (r *Result) Add(o Result) {
	r.Created += o.Created
	r.Updated += o.Updated
	r.Deleted += o.Deleted
	r.Failed += o.Failed
}

type Engine struct {
	store    store.Store
	clients  provider.Clients
	dir      provider.Directory
	synced   *synced.Service
	hooks    *webhook.Manager
	locks    *KeyLock
	matchers atomic.Pointer[matcher.Set]
	endGap   time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithEndGap(gap time.Duration) Option {
	return func(e *Engine) {
		if gap > 0 {
			e.endGap = gap
		}
	}
}

// New wires an engine. The webhook manager should share locks, see Locks.
func New(st store.Store, clients provider.Clients, dir provider.Directory, svc *synced.Service,
	hooks *webhook.Manager, locks *KeyLock, set *matcher.Set, opts ...Option) *Engine {
	if locks == nil {
		locks = NewKeyLock()
	}
	e := &Engine{
		store:   st,
		clients: clients,
		dir:     dir,
		synced:  svc,
		hooks:   hooks,
		locks:   locks,
		endGap:  DefaultEndGap,
		now:     time.Now,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if set == nil {
		set, _ = matcher.NewSet(nil)
	}
	e.matchers.Store(set)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Matchers() *matcher.Set { return e.matchers.Load() }

// SetMatchers swaps the rule set. Cursors of subscriptions whose rules changed
// are reset, since items skipped before may qualify now, and every referenced
// calendar gets a subscription.
func (e *Engine) SetMatchers(ctx context.Context, set *matcher.Set) error {
	prev := e.matchers.Swap(set)
	var errs []error
	for _, key := range set.Changed(prev) {
		if err := e.resetCursor(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.EnsureSubscriptions(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (e *Engine) resetCursor(ctx context.Context, key string) error {
	unlock, err := e.locks.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	for _, m := range e.Matchers().Matchers() {
		if m.SubscriptionKey() == key {
			e.logger.Info("matchers changed, resetting cursor", "subscription", key)
			return store.ResetCursor(ctx, e.store, m.Owner, m.CalendarID)
		}
	}
	return nil
}

// EnsureSubscriptions opens a watch channel for every calendar referenced by a
// matcher of an active owner.
func (e *Engine) EnsureSubscriptions(ctx context.Context) error {
	var errs []error
	seen := make(map[string]bool)
	for _, m := range e.Matchers().Matchers() {
		if seen[m.SubscriptionKey()] || !e.dir.OwnerActive(m.Owner) {
			continue
		}
		seen[m.SubscriptionKey()] = true
		if _, _, err := e.hooks.EnsureCalendarSubscription(ctx, m.Owner, m.CalendarID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HandleCalendarNotification processes a Google push notification. Unknown
// channels yield a NotFound error so the caller can reject them.
func (e *Engine) HandleCalendarNotification(ctx context.Context, channelID, resourceID, state string) (Result, error) {
	sub, err := e.store.SubscriptionByChannel(ctx, channelID, resourceID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, syncerr.NotFoundf("unknown calendar channel %s", channelID)
	}
	if err != nil {
		return Result{}, err
	}
	if !e.dir.OwnerActive(sub.Owner) {
		return Result{Inactive: true}, nil
	}
	if state == resourceStateSync {
		return Result{}, nil
	}
	return e.PollSubscription(ctx, sub.Owner, sub.CalendarID)
}

// PollSubscription reconciles the events of one calendar changed since its
// cursor, or upcoming ones on a cold start, and advances the cursor to the
// start of the pass. Item failures are counted, not returned.
func (e *Engine) PollSubscription(ctx context.Context, owner, calendarID string) (Result, error) {
	unlock, err := e.locks.Lock(ctx, model.SubscriptionKey(owner, calendarID))
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	sub, err := e.store.Subscription(ctx, owner, calendarID)
	if err != nil {
		return Result{}, err
	}
	pass := provider.NewPassClients(e.clients)
	cal, err := pass.Calendar(ctx, owner)
	if err != nil {
		return Result{}, err
	}

	passStart := e.now().UTC()
	logger := e.logger.With("owner", owner, "calendar_id", calendarID)
	logger.Debug("polling calendar", "cold", sub.CheckedAt == nil)

	res, err := e.pollEvents(ctx, pass, cal, sub, passStart, logger)
	if err != nil && sub.CheckedAt != nil && syncerr.IsAlreadyGone(err) {
		// Google rejects an updatedMin that is too far in the past.
		logger.Warn("calendar cursor rejected, restarting from now", "cursor", *sub.CheckedAt, "error", err)
		if err := store.ResetCursor(ctx, e.store, owner, calendarID); err != nil {
			return res, err
		}
		sub.CheckedAt = nil
		var cold Result
		cold, err = e.pollEvents(ctx, pass, cal, sub, passStart, logger)
		res.Add(cold)
	}
	if err != nil {
		return res, err
	}

	sub.CheckedAt = &passStart
	if err := e.store.SaveSubscription(ctx, sub); err != nil {
		return res, err
	}
	if res != (Result{}) {
		logger.Info("calendar poll finished",
			"created", res.Created, "updated", res.Updated, "deleted", res.Deleted, "failed", res.Failed)
	}
	return res, nil
}

// pollEvents processes the events listed for sub: those updated since its
// cursor, or the ones not yet ended at passStart when there is none.
func (e *Engine) pollEvents(ctx context.Context, pass *provider.PassClients, cal provider.Calendar,
	sub model.CalendarSubscription, passStart time.Time, logger *slog.Logger) (Result, error) {
	q := google.EventQuery{TimeMin: passStart}
	if sub.CheckedAt != nil {
		q = google.EventQuery{UpdatedMin: *sub.CheckedAt}
	}
	var res Result
	for ev, err := range cal.ListEvents(ctx, sub.CalendarID, q) {
		if err != nil {
			return res, fmt.Errorf("list events of %s: %w", sub.Key(), err)
		}
		r, err := e.processEvent(ctx, pass, cal, sub, ev)
		if err != nil {
			logger.Error("event sync failed", "event_id", ev.Id, "error", err)
			res.Failed++
			continue
		}
		res.Add(r)
	}
	return res, nil
}

func (e *Engine) processEvent(ctx context.Context, pass *provider.PassClients, cal provider.Calendar,
	sub model.CalendarSubscription, ev *calendar.Event) (Result, error) {
	cancelled := ev.Status == google.StatusCancelled

	item, err := e.store.ItemByEvent(ctx, ev.Id)
	switch {
	case err == nil:
		tasks, err := pass.Tasks(ctx, item.TaskAccount)
		if err != nil {
			return Result{}, err
		}
		sides := synced.Sides{Calendar: cal, Tasks: tasks}
		if cancelled {
			return Result{Deleted: 1}, e.synced.Delete(ctx, sides, item, synced.DeleteOptions{WithTask: true})
		}
		changed, err := e.synced.UpdateFromEvent(ctx, sides, item, ev)
		if syncerr.IsAlreadyGone(err) {
			return Result{Deleted: 1}, e.synced.Delete(ctx, sides, item, synced.DeleteOptions{WithEvent: true, TaskGone: true})
		}
		if err != nil || !changed {
			return Result{}, err
		}
		return Result{Updated: 1}, nil
	case !errors.Is(err, store.ErrNotFound):
		return Result{}, err
	}

	if cancelled || linkedToTask(ev) {
		return Result{}, nil
	}
	match, ok := e.Matchers().MatchEvent(sub.Owner, sub.CalendarID, ev)
	if !ok {
		return Result{}, nil
	}
	tasks, err := pass.Tasks(ctx, match.Matcher.TaskAccount)
	if err != nil {
		return Result{}, err
	}
	_, created, err := e.synced.CreateFromEvent(ctx, synced.Sides{Calendar: cal, Tasks: tasks}, match.Matcher, ev)
	if err != nil || !created {
		return Result{}, err
	}
	return Result{Created: 1}, nil
}

// linkedToTask reports whether ev was created from a task. Such an event without
// a link was unsynced on purpose and must not spawn a second task.
func linkedToTask(ev *calendar.Event) bool {
	return ev.ExtendedProperties != nil && ev.ExtendedProperties.Private[convert.TaskIDProperty] != ""
}

// PollAll polls every subscription of an active owner concurrently.
func (e *Engine) PollAll(ctx context.Context) (Result, error) {
	subs, err := e.store.Subscriptions(ctx)
	if err != nil {
		return Result{}, err
	}
	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		total Result
		errs  []error
	)
	for _, sub := range subs {
		if !e.dir.OwnerActive(sub.Owner) {
			continue
		}
		wg.Add(1)
		go func(sub model.CalendarSubscription) {
			defer wg.Done()
			res, err := e.PollSubscription(ctx, sub.Owner, sub.CalendarID)
			mu.Lock()
			defer mu.Unlock()
			total.Add(res)
			if err != nil {
				e.logger.Error("calendar poll failed", "subscription", sub.Key(), "error", err)
				errs = append(errs, err)
			}
		}(sub)
	}
	wg.Wait()
	return total, errors.Join(errs...)
}
