package google

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strconv"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"

	"github.com/esdandreu/gcal2clickup/pkg/syncerr"
)

// StatusCancelled is the status of deleted events returned with showDeleted.
const StatusCancelled = "cancelled"

// EventQuery selects the window ListEvents returns. A zero UpdatedMin lists
// upcoming events from TimeMin; otherwise events modified since UpdatedMin,
// including cancelled ones, ordered by modification time.
type EventQuery struct {
	TimeMin    time.Time
	UpdatedMin time.Time
}

// CalendarClient is a Google Calendar API client for one owner's credentials.
type CalendarClient struct {
	srv *calendar.Service
}

// NewCalendarClient creates a new Google Calendar client.
func NewCalendarClient(srv *calendar.Service) *CalendarClient {
	return &CalendarClient{srv: srv}
}

// ListEvents yields events page by page; the next page is requested only once
// the consumer has drained the previous one.
func (c *CalendarClient) ListEvents(ctx context.Context, calendarID string, q EventQuery) iter.Seq2[*calendar.Event, error] {
	return func(yield func(*calendar.Event, error) bool) {
		pageToken := ""
		for {
			call := c.srv.Events.List(calendarID).SingleEvents(true).Context(ctx)
			if q.UpdatedMin.IsZero() {
				call = call.TimeMin(q.TimeMin.Format(time.RFC3339)).OrderBy("startTime")
			} else {
				call = call.UpdatedMin(q.UpdatedMin.Format(time.RFC3339)).ShowDeleted(true).OrderBy("updated")
			}
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			var events *calendar.Events
			err := syncerr.Retry(ctx, func() error {
				var err error
				events, err = call.Do()
				return classify(err, "list events of %s", calendarID)
			})
			if err != nil {
				yield(nil, fmt.Errorf("unable to retrieve events from calendar: %w", err))
				return
			}
			for _, ev := range events.Items {
				if !yield(ev, nil) {
					return
				}
			}
			if events.NextPageToken == "" {
				return
			}
			pageToken = events.NextPageToken
		}
	}
}

// GetEvent fetches a single event.
func (c *CalendarClient) GetEvent(ctx context.Context, calendarID, eventID string) (*calendar.Event, error) {
	var ev *calendar.Event
	err := syncerr.Retry(ctx, func() error {
		var err error
		ev, err = c.srv.Events.Get(calendarID, eventID).Context(ctx).Do()
		return classify(err, "get event %s", eventID)
	})
	return ev, err
}

// InsertEvent creates an event and returns it as stored by Google.
func (c *CalendarClient) InsertEvent(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error) {
	var ev *calendar.Event
	err := syncerr.Retry(ctx, func() error {
		var err error
		ev, err = c.srv.Events.Insert(calendarID, event).Context(ctx).Do()
		return classify(err, "insert event in %s", calendarID)
	})
	return ev, err
}

// PatchEvent performs a partial update on an event.
func (c *CalendarClient) PatchEvent(ctx context.Context, calendarID, eventID string, patch *calendar.Event) (*calendar.Event, error) {
	var ev *calendar.Event
	err := syncerr.Retry(ctx, func() error {
		var err error
		ev, err = c.srv.Events.Patch(calendarID, eventID, patch).Context(ctx).Do()
		return classify(err, "patch event %s", eventID)
	})
	return ev, err
}

// DeleteEvent deletes an event from the calendar.
func (c *CalendarClient) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	return syncerr.Retry(ctx, func() error {
		return classify(c.srv.Events.Delete(calendarID, eventID).Context(ctx).Do(), "delete event %s", eventID)
	})
}

// Watch opens a push channel delivering change notifications of a calendar to address.
func (c *CalendarClient) Watch(ctx context.Context, calendarID, channelID, address string, ttl time.Duration) (*calendar.Channel, error) {
	req := &calendar.Channel{
		Id:      channelID,
		Type:    "web_hook",
		Address: address,
		Params:  map[string]string{"ttl": strconv.FormatInt(int64(ttl/time.Second), 10)},
	}
	var ch *calendar.Channel
	err := syncerr.Retry(ctx, func() error {
		var err error
		ch, err = c.srv.Events.Watch(calendarID, req).Context(ctx).Do()
		return classify(err, "watch calendar %s", calendarID)
	})
	return ch, err
}

// StopChannel stops a push channel.
func (c *CalendarClient) StopChannel(ctx context.Context, channelID, resourceID string) error {
	return syncerr.Retry(ctx, func() error {
		err := c.srv.Channels.Stop(&calendar.Channel{Id: channelID, ResourceId: resourceID}).Context(ctx).Do()
		return classify(err, "stop channel %s", channelID)
	})
}

// classify maps Google API errors onto syncerr kinds.
func classify(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code >= http.StatusInternalServerError:
			return syncerr.NewTransient(err, format, args...)
		case apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone:
			return syncerr.NewAlreadyGone(err, format, args...)
		}
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
