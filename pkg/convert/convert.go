// Package convert translates between Google Calendar events and ClickUp tasks.
//
// ClickUp has no native all-day value: a date-only task is stored as a timestamp
// at SentinelHour in the owner's time zone. A task whose start and due both sit
// on the sentinel is read back as an all-day event.
package convert

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/esdandreu/gcal2clickup/pkg/clickup"
)

// SentinelHour is the time of day marking a ClickUp timestamp as date-only.
const SentinelHour = 2

const dateLayout = "2006-01-02"

// TaskIDProperty is the private extended property linking an event to its task.
const TaskIDProperty = "clickup_task_id"

// Field names used in Changes.
const (
	FieldName        = "name"
	FieldDescription = "description"
	FieldStart       = "start"
	FieldEnd         = "end"
)

// ErrMissingDue is returned for tasks without a due date, which cannot become events.
var ErrMissingDue = errors.New("task has no due date")

// Fields is the side-independent content of a synced pair. Start and End are
// event-style bounds: for all-day values they are midnights and End is exclusive.
type Fields struct {
	Name        string
	Description string
	Start       time.Time
	End         time.Time
	AllDay      bool
}

// Normalizer anchors date-only values in a time zone.
type Normalizer struct {
	Location *time.Location
}

func NewNormalizer(loc *time.Location) Normalizer {
	if loc == nil {
		loc = time.UTC
	}
	return Normalizer{Location: loc}
}

// EventFields reads an event.
func (n Normalizer) EventFields(ev *calendar.Event) (Fields, error) {
	if ev == nil {
		return Fields{}, fmt.Errorf("could not convert nil Event")
	}
	if ev.Start == nil || ev.End == nil {
		return Fields{}, fmt.Errorf("event %s has no start or end", ev.Id)
	}
	f := Fields{Name: ev.Summary, Description: strings.TrimSpace(ev.Description)}
	var err error
	if ev.Start.Date != "" {
		f.AllDay = true
		if f.Start, err = time.ParseInLocation(dateLayout, ev.Start.Date, n.Location); err != nil {
			return Fields{}, err
		}
		if f.End, err = time.ParseInLocation(dateLayout, ev.End.Date, n.Location); err != nil {
			return Fields{}, err
		}
		return f, nil
	}
	if f.Start, err = time.Parse(time.RFC3339, ev.Start.DateTime); err != nil {
		return Fields{}, err
	}
	if f.End, err = time.Parse(time.RFC3339, ev.End.DateTime); err != nil {
		return Fields{}, err
	}
	return f, nil
}

// TaskFields reads a task. A missing start date falls back to the due date.
func (n Normalizer) TaskFields(t *clickup.Task) (Fields, error) {
	if t == nil {
		return Fields{}, fmt.Errorf("could not convert nil Task")
	}
	if !t.DueDate.Valid() {
		return Fields{}, fmt.Errorf("%w: %s", ErrMissingDue, t.ID)
	}
	due := t.DueDate.In(n.Location)
	start := due
	if t.StartDate.Valid() {
		start = t.StartDate.In(n.Location)
	}
	f := Fields{Name: t.Name, Description: strings.TrimSpace(t.Description), Start: start, End: due}
	if n.isSentinel(start) && n.isSentinel(due) {
		f.AllDay = true
		f.Start = n.midnight(start)
		f.End = n.midnight(due).AddDate(0, 0, 1)
	}
	return f, nil
}

// TaskDates returns the ClickUp start and due timestamps for f and whether they carry a time.
func (n Normalizer) TaskDates(f Fields) (start, due time.Time, hasTime bool) {
	if !f.AllDay {
		return f.Start, f.End, true
	}
	start = n.sentinel(f.Start)
	due = n.sentinel(f.End.AddDate(0, 0, -1))
	if due.Before(start) {
		due = start
	}
	return start, due, false
}

// EventTimes returns the Google start and end for f.
func (n Normalizer) EventTimes(f Fields) (*calendar.EventDateTime, *calendar.EventDateTime) {
	if f.AllDay {
		return &calendar.EventDateTime{Date: f.Start.In(n.Location).Format(dateLayout)},
			&calendar.EventDateTime{Date: f.End.In(n.Location).Format(dateLayout)}
	}
	return &calendar.EventDateTime{DateTime: f.Start.Format(time.RFC3339)},
		&calendar.EventDateTime{DateTime: f.End.Format(time.RFC3339)}
}

// TaskRequest builds the body creating a task from f.
func (n Normalizer) TaskRequest(f Fields, tags []string, withDescription bool) clickup.TaskRequest {
	req := clickup.TaskRequest{Name: f.Name, Tags: tags}
	if withDescription && f.Description != "" {
		req.SetDescription(f.Description)
	}
	start, due, hasTime := n.TaskDates(f)
	req.SetDates(start, due, hasTime)
	return req
}

// Event builds an event mirroring f, linked to taskID through a private property.
func (n Normalizer) Event(f Fields, taskID string, withDescription bool) *calendar.Event {
	start, end := n.EventTimes(f)
	ev := &calendar.Event{
		Summary: f.Name,
		Start:   start,
		End:     end,
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{TaskIDProperty: taskID},
		},
	}
	if withDescription {
		ev.Description = f.Description
	}
	return ev
}

// TaskPatch builds an update body carrying only the changed fields of origin.
func (n Normalizer) TaskPatch(origin Fields, changes Changes) clickup.TaskRequest {
	var req clickup.TaskRequest
	if changes.Has(FieldName) {
		req.Name = origin.Name
	}
	if changes.Has(FieldDescription) {
		req.SetDescription(origin.Description)
	}
	if changes.Has(FieldStart) || changes.Has(FieldEnd) {
		start, due, hasTime := n.TaskDates(origin)
		req.SetDates(start, due, hasTime)
	}
	return req
}

// EventPatch builds a patch carrying only the changed fields of origin, or nil
// when nothing changed.
func (n Normalizer) EventPatch(origin Fields, changes Changes) *calendar.Event {
	if len(changes) == 0 {
		return nil
	}
	patch := &calendar.Event{}
	if changes.Has(FieldName) {
		patch.Summary = origin.Name
	}
	if changes.Has(FieldDescription) {
		patch.Description = origin.Description
		if origin.Description == "" {
			patch.NullFields = append(patch.NullFields, "Description")
		}
	}
	if changes.Has(FieldStart) || changes.Has(FieldEnd) {
		patch.Start, patch.End = n.EventTimes(origin)
	}
	return patch
}

// Diff lists the differences between the origin of a change and its counterpart.
// Before holds the counterpart's value and After the origin's.
func (n Normalizer) Diff(origin, counterpart Fields, withDescription bool) Changes {
	changes := Changes{
		{Field: FieldName, Before: counterpart.Name, After: origin.Name},
		{Field: FieldStart, Before: n.formatBound(counterpart.Start, counterpart.AllDay), After: n.formatBound(origin.Start, origin.AllDay)},
		{Field: FieldEnd, Before: n.formatBound(counterpart.End, counterpart.AllDay), After: n.formatBound(origin.End, origin.AllDay)},
	}
	if withDescription {
		changes = append(changes, Change{Field: FieldDescription, Before: counterpart.Description, After: origin.Description})
	}
	return changes
}

func (n Normalizer) formatBound(t time.Time, allDay bool) string {
	if allDay {
		return t.In(n.Location).Format(dateLayout)
	}
	return t.UTC().Format(time.RFC3339)
}

// isSentinel compares instants: on days where SentinelHour does not exist
// locally, sentinel normalizes past the gap and the wall clock differs.
func (n Normalizer) isSentinel(t time.Time) bool {
	return t.Equal(n.sentinel(t))
}

func (n Normalizer) midnight(t time.Time) time.Time {
	t = t.In(n.Location)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, n.Location)
}

func (n Normalizer) sentinel(t time.Time) time.Time {
	t = t.In(n.Location)
	return time.Date(t.Year(), t.Month(), t.Day(), SentinelHour, 0, 0, 0, n.Location)
}

// Change is one field difference of a synced pair.
type Change struct {
	Field  string
	Before string
	After  string
}

type Changes []Change

// Effective drops the entries whose value did not change.
func (c Changes) Effective() Changes {
	var out Changes
	for _, ch := range c {
		if ch.Before != ch.After {
			out = append(out, ch)
		}
	}
	return out
}

func (c Changes) Has(field string) bool {
	for _, ch := range c {
		if ch.Field == field {
			return true
		}
	}
	return false
}

// Fields lists the changed field names.
func (c Changes) Fields() []string {
	out := make([]string, 0, len(c))
	for _, ch := range c {
		out = append(out, ch.Field)
	}
	return out
}

// TaskHistoryChanges translates ClickUp webhook history items into Changes,
// keeping raw JSON values so unchanged entries compare equal.
func TaskHistoryChanges(items []clickup.HistoryItem) Changes {
	var out Changes
	for _, item := range items {
		field := ""
		switch item.Field {
		case "name":
			field = FieldName
		case "content", "description":
			field = FieldDescription
		case "start_date":
			field = FieldStart
		case "due_date":
			field = FieldEnd
		default:
			continue
		}
		if item.Unchanged() {
			continue
		}
		out = append(out, Change{Field: field, Before: string(item.Before), After: string(item.After)})
	}
	return out
}
