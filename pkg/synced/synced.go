// Package synced implements the lifecycle of a SyncedItem: creation from one
// origin, field propagation to the counterpart and deletion with cascade flags.
//
// Callers serialize access per subscription key; the store is only the last
// line of defence against duplicates.
package synced

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"google.golang.org/api/calendar/v3"

	"github.com/esdandreu/gcal2clickup/pkg/clickup"
	"github.com/esdandreu/gcal2clickup/pkg/convert"
	"github.com/esdandreu/gcal2clickup/pkg/google"
	"github.com/esdandreu/gcal2clickup/pkg/model"
	"github.com/esdandreu/gcal2clickup/pkg/provider"
	"github.com/esdandreu/gcal2clickup/pkg/store"
	"github.com/esdandreu/gcal2clickup/pkg/syncerr"
)

// DefaultSyncTag marks ClickUp tasks that take part in the sync.
const DefaultSyncTag = "gcal2clickup"

// Sides are the clients of both ends of a synced pair.
type Sides struct {
	Calendar provider.Calendar
	Tasks    provider.Tasks
}

// DeleteOptions select which counterparts are deleted along with the link.
// A side that reported the deletion itself should not be called back.
type DeleteOptions struct {
	WithTask  bool
	WithEvent bool
	// TaskGone marks a task ClickUp already deleted: it is left untouched.
	TaskGone bool
}

type Service struct {
	store   store.Store
	norm    convert.Normalizer
	syncTag string
	logger  *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithSyncTag(tag string) Option {
	return func(s *Service) {
		if tag = strings.TrimSpace(tag); tag != "" {
			s.syncTag = tag
		}
	}
}

func New(st store.Store, norm convert.Normalizer, opts ...Option) *Service {
	s := &Service{
		store:   st,
		norm:    norm,
		syncTag: DefaultSyncTag,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) SyncTag() string { return s.syncTag }

func (s *Service) Normalizer() convert.Normalizer { return s.norm }

// CreateFromEvent creates the task mirroring ev. It reports false without any
// provider call when the event is already linked.
func (s *Service) CreateFromEvent(ctx context.Context, sides Sides, m model.Matcher, ev *calendar.Event) (model.SyncedItem, bool, error) {
	if existing, err := s.store.ItemByEvent(ctx, ev.Id); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return model.SyncedItem{}, false, err
	}
	fields, err := s.norm.EventFields(ev)
	if err != nil {
		return model.SyncedItem{}, false, syncerr.Validationf("event %s: %v", ev.Id, err)
	}
	task, err := sides.Tasks.CreateTask(ctx, m.ListID, s.norm.TaskRequest(fields, s.tags(m), true))
	if err != nil {
		return model.SyncedItem{}, false, fmt.Errorf("create task for event %s: %w", ev.Id, err)
	}
	taskFields, err := s.norm.TaskFields(task)
	if err != nil {
		taskFields = fields
	}
	item := model.SyncedItem{
		TaskID:               task.ID,
		EventID:              ev.Id,
		Owner:                m.Owner,
		CalendarID:           m.CalendarID,
		TaskAccount:          m.TaskAccount,
		Matcher:              m.Name,
		Start:                taskFields.Start,
		End:                  taskFields.End,
		DescriptionDirection: model.CalendarOwnsDescription,
	}
	if err := s.store.CreateItem(ctx, item); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			s.logger.Warn("event linked concurrently, removing duplicate task", "event_id", ev.Id, "task_id", task.ID)
			existing, _ := s.store.ItemByEvent(ctx, ev.Id)
			return existing, false, syncerr.IgnoreGone(sides.Tasks.DeleteTask(ctx, task.ID))
		}
		return model.SyncedItem{}, false, err
	}
	s.logger.Info("synced item created from event",
		"event_id", ev.Id, "task_id", task.ID, "matcher", m.Name)
	return item, true, nil
}

// CreateFromTask creates the event mirroring task. A task without a due date
// is rejected with a validation error.
func (s *Service) CreateFromTask(ctx context.Context, sides Sides, m model.Matcher, task *clickup.Task) (model.SyncedItem, bool, error) {
	if existing, err := s.store.ItemByTask(ctx, task.ID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return model.SyncedItem{}, false, err
	}
	fields, err := s.norm.TaskFields(task)
	if err != nil {
		return model.SyncedItem{}, false, syncerr.Validationf("task %s: %v", task.ID, err)
	}
	ev, err := sides.Calendar.InsertEvent(ctx, m.CalendarID, s.norm.Event(fields, task.ID, true))
	if err != nil {
		return model.SyncedItem{}, false, fmt.Errorf("insert event for task %s: %w", task.ID, err)
	}
	eventFields, err := s.norm.EventFields(ev)
	if err != nil {
		eventFields = fields
	}
	item := model.SyncedItem{
		TaskID:               task.ID,
		EventID:              ev.Id,
		Owner:                m.Owner,
		CalendarID:           m.CalendarID,
		TaskAccount:          m.TaskAccount,
		Matcher:              m.Name,
		Start:                eventFields.Start,
		End:                  eventFields.End,
		DescriptionDirection: model.TaskOwnsDescription,
	}
	if err := s.store.CreateItem(ctx, item); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			s.logger.Warn("task linked concurrently, removing duplicate event", "task_id", task.ID, "event_id", ev.Id)
			existing, _ := s.store.ItemByTask(ctx, task.ID)
			return existing, false, syncerr.IgnoreGone(sides.Calendar.DeleteEvent(ctx, m.CalendarID, ev.Id))
		}
		return model.SyncedItem{}, false, err
	}
	s.logger.Info("synced item created from task",
		"task_id", task.ID, "event_id", ev.Id, "matcher", m.Name)
	return item, true, nil
}

// UpdateFromEvent propagates the changes of ev to the linked task. It reports
// whether the task was modified. An AlreadyGone error means the task no longer exists.
func (s *Service) UpdateFromEvent(ctx context.Context, sides Sides, item model.SyncedItem, ev *calendar.Event) (bool, error) {
	origin, err := s.norm.EventFields(ev)
	if err != nil {
		return false, syncerr.Validationf("event %s: %v", ev.Id, err)
	}
	task, err := sides.Tasks.GetTask(ctx, item.TaskID)
	if err != nil {
		return false, err
	}
	counterpart, _ := s.norm.TaskFields(task)

	withDescription := s.ownsDescription(&item, model.CalendarOwnsDescription, origin.Description)
	changes := s.norm.Diff(origin, counterpart, withDescription).Effective()
	if len(changes) == 0 {
		return false, s.saveDirection(ctx, item)
	}
	updated, err := sides.Tasks.UpdateTask(ctx, item.TaskID, s.norm.TaskPatch(origin, changes))
	if err != nil {
		return false, fmt.Errorf("update task %s: %w", item.TaskID, err)
	}
	if f, err := s.norm.TaskFields(updated); err == nil {
		item.Start, item.End = f.Start, f.End
	}
	if err := s.store.UpdateItem(ctx, item); err != nil {
		return true, err
	}
	s.logger.Info("task updated from event",
		"task_id", item.TaskID, "event_id", item.EventID, "fields", changes.Fields())
	return true, nil
}

// UpdateFromTask propagates the changes of the linked task to its event. When
// history is non-nil it is the webhook's field diff; a diff without effective
// entries returns before any provider call. An AlreadyGone error means the
// event no longer exists.
func (s *Service) UpdateFromTask(ctx context.Context, sides Sides, item model.SyncedItem, task *clickup.Task, history []clickup.HistoryItem) (bool, error) {
	if history != nil && len(convert.TaskHistoryChanges(history)) == 0 {
		return false, nil
	}
	if task == nil {
		var err error
		if task, err = sides.Tasks.GetTask(ctx, item.TaskID); err != nil {
			return false, err
		}
	}
	origin, err := s.norm.TaskFields(task)
	if err != nil {
		return false, syncerr.Validationf("task %s: %v", task.ID, err)
	}
	ev, err := sides.Calendar.GetEvent(ctx, item.CalendarID, item.EventID)
	if err != nil {
		return false, err
	}
	if ev.Status == google.StatusCancelled {
		return false, syncerr.NewAlreadyGone(nil, "event %s cancelled", item.EventID)
	}
	counterpart, err := s.norm.EventFields(ev)
	if err != nil {
		return false, syncerr.Validationf("event %s: %v", ev.Id, err)
	}

	withDescription := s.ownsDescription(&item, model.TaskOwnsDescription, origin.Description)
	changes := s.norm.Diff(origin, counterpart, withDescription).Effective()
	patch := s.norm.EventPatch(origin, changes)
	if patch == nil {
		return false, s.saveDirection(ctx, item)
	}
	updated, err := sides.Calendar.PatchEvent(ctx, item.CalendarID, item.EventID, patch)
	if err != nil {
		return false, fmt.Errorf("patch event %s: %w", item.EventID, err)
	}
	if f, err := s.norm.EventFields(updated); err == nil {
		item.Start, item.End = f.Start, f.End
	}
	if err := s.store.UpdateItem(ctx, item); err != nil {
		return true, err
	}
	s.logger.Info("event updated from task",
		"task_id", item.TaskID, "event_id", item.EventID, "fields", changes.Fields())
	return true, nil
}

// ownsDescription reports whether origin propagates its description and
// disarms the direction for good once the owner has none.
func (s *Service) ownsDescription(item *model.SyncedItem, origin model.DescriptionDirection, description string) bool {
	if item.DescriptionDirection != origin {
		return false
	}
	if description == "" {
		s.logger.Debug("description owner cleared, disabling description sync",
			"task_id", item.TaskID, "direction", item.DescriptionDirection.String())
		item.DescriptionDirection = model.DescriptionNone
		return false
	}
	return true
}

func (s *Service) saveDirection(ctx context.Context, item model.SyncedItem) error {
	stored, err := s.store.ItemByTask(ctx, item.TaskID)
	if err != nil || stored.DescriptionDirection == item.DescriptionDirection {
		return nil
	}
	stored.DescriptionDirection = item.DescriptionDirection
	return s.store.UpdateItem(ctx, stored)
}

// Delete removes the link and, depending on opts, its counterparts. A task that
// is kept loses the sync tag so it is not picked up again.
func (s *Service) Delete(ctx context.Context, sides Sides, item model.SyncedItem, opts DeleteOptions) error {
	if opts.WithEvent {
		if err := syncerr.IgnoreGone(sides.Calendar.DeleteEvent(ctx, item.CalendarID, item.EventID)); err != nil {
			return fmt.Errorf("delete event %s: %w", item.EventID, err)
		}
	}
	switch {
	case opts.TaskGone:
	case opts.WithTask:
		if err := syncerr.IgnoreGone(sides.Tasks.DeleteTask(ctx, item.TaskID)); err != nil {
			return fmt.Errorf("delete task %s: %w", item.TaskID, err)
		}
	default:
		if err := syncerr.IgnoreGone(sides.Tasks.RemoveTag(ctx, item.TaskID, s.syncTag)); err != nil {
			return fmt.Errorf("remove sync tag from task %s: %w", item.TaskID, err)
		}
	}
	if err := s.Unlink(ctx, item); err != nil {
		return err
	}
	s.logger.Info("synced item deleted",
		"task_id", item.TaskID, "event_id", item.EventID,
		"with_task", opts.WithTask, "with_event", opts.WithEvent)
	return nil
}

// Unlink forgets the pair and leaves both sides untouched.
func (s *Service) Unlink(ctx context.Context, item model.SyncedItem) error {
	if err := s.store.DeleteItem(ctx, item.TaskID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

// RejectTask strips the sync tag from a task that could not be synced.
func (s *Service) RejectTask(ctx context.Context, tasks provider.Tasks, taskID string) error {
	return syncerr.IgnoreGone(tasks.RemoveTag(ctx, taskID, s.syncTag))
}

func (s *Service) tags(m model.Matcher) []string {
	tags := []string{s.syncTag}
	for _, t := range m.Tags {
		dup := false
		for _, existing := range tags {
			dup = dup || strings.EqualFold(existing, t)
		}
		if !dup {
			tags = append(tags, t)
		}
	}
	return tags
}
