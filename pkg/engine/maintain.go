package engine

import (
	"context"
	"errors"
	"time"

	"github.com/esdandreu/gcal2clickup/pkg/model"
)

// Report summarizes a maintenance pass.
type Report struct {
	Refreshed    int    `json:"refreshed"`
	Pruned       int    `json:"pruned"`
	Unsubscribed int    `json:"unsubscribed"`
	Poll         Result `json:"poll"`
	CatchUp      Result `json:"catch_up"`
}

// Maintain runs the scheduled pass in order: task webhook reconcile, refresh of
// expiring channels, removal of unreferenced subscriptions, a full poll, the
// task catch-up and pruning of ended items. A failing step does not stop the next.
func (e *Engine) Maintain(ctx context.Context) (Report, error) {
	var (
		rep  Report
		errs []error
		err  error
	)
	if err := e.hooks.ReconcileAll(ctx, e.activeAccounts()); err != nil {
		errs = append(errs, err)
	}
	if rep.Refreshed, err = e.hooks.RefreshExpiring(ctx); err != nil {
		errs = append(errs, err)
	}
	set := e.Matchers()
	if rep.Unsubscribed, err = e.hooks.PruneUnreferenced(ctx, set.References); err != nil {
		errs = append(errs, err)
	}
	if err := e.EnsureSubscriptions(ctx); err != nil {
		errs = append(errs, err)
	}

	cursors, err := e.cursors(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	if rep.Poll, err = e.PollAll(ctx); err != nil {
		errs = append(errs, err)
	}
	if rep.CatchUp, err = e.CatchUpTasks(ctx, cursors); err != nil {
		errs = append(errs, err)
	}
	if rep.Pruned, err = e.store.PruneEnded(ctx, e.now().Add(-e.endGap)); err != nil {
		errs = append(errs, err)
	}
	e.logger.Info("maintenance finished",
		"refreshed", rep.Refreshed, "unsubscribed", rep.Unsubscribed,
		"created", rep.Poll.Created+rep.CatchUp.Created, "updated", rep.Poll.Updated,
		"deleted", rep.Poll.Deleted, "failed", rep.Poll.Failed+rep.CatchUp.Failed, "pruned", rep.Pruned)
	return rep, errors.Join(errs...)
}

func (e *Engine) activeAccounts() []model.TaskAccount {
	var out []model.TaskAccount
	for _, a := range e.dir.TaskAccounts() {
		if e.dir.OwnerActive(a.Owner) {
			out = append(out, a)
		}
	}
	return out
}

func (e *Engine) cursors(ctx context.Context) (map[string]time.Time, error) {
	subs, err := e.store.Subscriptions(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(subs))
	for _, sub := range subs {
		if sub.CheckedAt != nil {
			out[sub.Key()] = *sub.CheckedAt
		}
	}
	return out, nil
}
