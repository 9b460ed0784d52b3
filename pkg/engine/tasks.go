package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/esdandreu/gcal2clickup/pkg/clickup"
	"github.com/esdandreu/gcal2clickup/pkg/model"
	"github.com/esdandreu/gcal2clickup/pkg/provider"
	"github.com/esdandreu/gcal2clickup/pkg/store"
	"github.com/esdandreu/gcal2clickup/pkg/synced"
	"github.com/esdandreu/gcal2clickup/pkg/syncerr"
)

// TaskWebhook resolves the record of an inbound ClickUp webhook id.
func (e *Engine) TaskWebhook(ctx context.Context, webhookID string) (model.TaskWebhook, error) {
	wh, err := e.store.TaskWebhook(ctx, webhookID)
	if errors.Is(err, store.ErrNotFound) {
		return wh, syncerr.NotFoundf("unknown task webhook %s", webhookID)
	}
	return wh, err
}

func (e *Engine) accountOwner(account string) string {
	for _, a := range e.dir.TaskAccounts() {
		if a.Name == account {
			return a.Owner
		}
	}
	return ""
}

// HandleTaskNotification applies a ClickUp webhook delivery received through wh.
func (e *Engine) HandleTaskNotification(ctx context.Context, wh model.TaskWebhook, p clickup.WebhookPayload) (Result, error) {
	if !e.dir.OwnerActive(e.accountOwner(wh.Account)) {
		return Result{Inactive: true}, nil
	}
	logger := e.logger.With("account", wh.Account, "task_id", p.TaskID, "event", p.Event)
	tasks, err := e.clients.Tasks(ctx, wh.Account)
	if err != nil {
		return Result{}, err
	}

	switch p.Event {
	case clickup.EventTaskDeleted:
		return e.withItem(ctx, p.TaskID, func(sides synced.Sides, item model.SyncedItem) (Result, error) {
			return Result{Deleted: 1}, e.synced.Delete(ctx, sides, item, synced.DeleteOptions{WithEvent: true, TaskGone: true})
		})

	case clickup.EventTaskUpdated, clickup.EventTaskMoved:
		return e.withItem(ctx, p.TaskID, func(sides synced.Sides, item model.SyncedItem) (Result, error) {
			history := p.HistoryItems
			if history == nil {
				history = []clickup.HistoryItem{}
			}
			changed, err := e.synced.UpdateFromTask(ctx, sides, item, nil, history)
			if syncerr.IsAlreadyGone(err) {
				logger.Info("linked event is gone, unsyncing task")
				return Result{Deleted: 1}, e.synced.Delete(ctx, sides, item, synced.DeleteOptions{})
			}
			if err != nil || !changed {
				return Result{}, err
			}
			return Result{Updated: 1}, nil
		})

	case clickup.EventTaskTagUpdated:
		tag := e.synced.SyncTag()
		for _, h := range p.HistoryItems {
			if h.AddedTag(tag) {
				return e.createFromTask(ctx, tasks, wh.Account, p.TaskID)
			}
		}
		for _, h := range p.HistoryItems {
			if h.RemovedTag(tag) {
				item, err := e.store.ItemByTask(ctx, p.TaskID)
				if errors.Is(err, store.ErrNotFound) {
					return Result{}, nil
				}
				if err != nil {
					return Result{}, err
				}
				logger.Info("sync tag removed, unsyncing task")
				return Result{Deleted: 1}, e.synced.Unlink(ctx, item)
			}
		}
	}
	return Result{}, nil
}

// withItem runs fn under the subscription lock of the item linked to taskID.
// Tasks without a link are ignored.
func (e *Engine) withItem(ctx context.Context, taskID string, fn func(synced.Sides, model.SyncedItem) (Result, error)) (Result, error) {
	item, err := e.store.ItemByTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, err
	}
	unlock, err := e.locks.Lock(ctx, model.SubscriptionKey(item.Owner, item.CalendarID))
	if err != nil {
		return Result{}, err
	}
	defer unlock()
	// Re-read under the lock; a concurrent pass may have removed it.
	if item, err = e.store.ItemByTask(ctx, taskID); errors.Is(err, store.ErrNotFound) {
		return Result{}, nil
	} else if err != nil {
		return Result{}, err
	}
	sides, err := e.sides(ctx, provider.NewPassClients(e.clients), item.Owner, item.TaskAccount)
	if err != nil {
		return Result{}, err
	}
	return fn(sides, item)
}

func (e *Engine) sides(ctx context.Context, pass *provider.PassClients, owner, account string) (synced.Sides, error) {
	cal, err := pass.Calendar(ctx, owner)
	if err != nil {
		return synced.Sides{}, err
	}
	tasks, err := pass.Tasks(ctx, account)
	if err != nil {
		return synced.Sides{}, err
	}
	return synced.Sides{Calendar: cal, Tasks: tasks}, nil
}

// createFromTask handles the sync tag being added to a task. A task that no
// matcher accepts, or that lacks a due date, loses the tag again and the
// result carries the reason.
func (e *Engine) createFromTask(ctx context.Context, tasks provider.Tasks, account, taskID string) (Result, error) {
	if _, err := e.store.ItemByTask(ctx, taskID); err == nil {
		return Result{}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return Result{}, err
	}
	task, err := tasks.GetTask(ctx, taskID)
	if syncerr.IsAlreadyGone(err) {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, err
	}
	match, ok := e.Matchers().MatchTask(account, task)
	if !ok || !e.dir.OwnerActive(match.Matcher.Owner) {
		return e.reject(ctx, tasks, taskID, fmt.Sprintf("no matcher syncs list %s", task.List.ID))
	}
	res, err := e.createTaskLocked(ctx, match.Matcher, task)
	if syncerr.IsValidation(err) {
		return e.reject(ctx, tasks, taskID, err.Error())
	}
	return res, err
}

func (e *Engine) createTaskLocked(ctx context.Context, m model.Matcher, task *clickup.Task) (Result, error) {
	unlock, err := e.locks.Lock(ctx, m.SubscriptionKey())
	if err != nil {
		return Result{}, err
	}
	defer unlock()
	sides, err := e.sides(ctx, provider.NewPassClients(e.clients), m.Owner, m.TaskAccount)
	if err != nil {
		return Result{}, err
	}
	_, created, err := e.synced.CreateFromTask(ctx, sides, m, task)
	if err != nil || !created {
		return Result{}, err
	}
	return Result{Created: 1}, nil
}

func (e *Engine) reject(ctx context.Context, tasks provider.Tasks, taskID, reason string) (Result, error) {
	e.logger.Info("task sync rejected", "task_id", taskID, "reason", reason)
	if err := e.synced.RejectTask(ctx, tasks, taskID); err != nil {
		return Result{}, err
	}
	return Result{Rejected: reason}, nil
}

// CatchUpTasks creates events for tagged tasks updated since the given cursors
// that have no link yet, which covers tag webhooks missed while the service was
// unreachable. Subscriptions without a cursor are skipped.
func (e *Engine) CatchUpTasks(ctx context.Context, cursors map[string]time.Time) (Result, error) {
	var (
		res  Result
		errs []error
	)
	tag := e.synced.SyncTag()
	horizon := e.now().Add(-e.endGap)
	for _, m := range e.Matchers().Matchers() {
		since, ok := cursors[m.SubscriptionKey()]
		if !ok || !e.dir.OwnerActive(m.Owner) {
			continue
		}
		tasks, err := e.clients.Tasks(ctx, m.TaskAccount)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for task, err := range tasks.ListTasks(ctx, m.ListID, clickup.TaskQuery{UpdatedAfter: since, Tags: []string{tag}}) {
			if err != nil {
				errs = append(errs, fmt.Errorf("list tasks of %s: %w", m.ListID, err))
				break
			}
			if !task.DueDate.Valid() || task.DueDate.Before(horizon) {
				continue
			}
			if _, err := e.store.ItemByTask(ctx, task.ID); err == nil {
				continue
			}
			// Earlier matchers win over m for this list.
			if match, ok := e.Matchers().MatchTask(m.TaskAccount, task); !ok || match.Matcher.Name != m.Name {
				continue
			}
			r, err := e.createTaskLocked(ctx, m, task)
			if err != nil {
				e.logger.Error("task catch-up failed", "task_id", task.ID, "error", err)
				res.Failed++
				continue
			}
			res.Add(r)
		}
	}
	return res, errors.Join(errs...)
}
