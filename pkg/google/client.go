package google

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// Scopes are the OAuth scopes the sync needs on the calendar side.
var Scopes = []string{
	calendar.CalendarEventsScope,
	calendar.CalendarReadonlyScope,
}

// NewClient creates a new Google Calendar client authenticated by ts.
// Extra options are appended, which lets tests point the service at a fake endpoint.
func NewClient(ctx context.Context, ts oauth2.TokenSource, extra ...option.ClientOption) (*CalendarClient, error) {
	opts := append([]option.ClientOption{option.WithTokenSource(ts)}, extra...)
	srv, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve Calendar client: %w", err)
	}
	return NewCalendarClient(srv), nil
}
