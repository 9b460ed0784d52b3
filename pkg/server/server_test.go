package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"

	"github.com/esdandreu/gcal2clickup/pkg/clickup"
	"github.com/esdandreu/gcal2clickup/pkg/convert"
	"github.com/esdandreu/gcal2clickup/pkg/engine"
	"github.com/esdandreu/gcal2clickup/pkg/matcher"
	"github.com/esdandreu/gcal2clickup/pkg/model"
	"github.com/esdandreu/gcal2clickup/pkg/provider/fake"
	"github.com/esdandreu/gcal2clickup/pkg/store"
	"github.com/esdandreu/gcal2clickup/pkg/synced"
	"github.com/esdandreu/gcal2clickup/pkg/syncerr"
	"github.com/esdandreu/gcal2clickup/pkg/webhook"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubSyncer struct {
	CalendarFunc func(ctx context.Context, channelID, resourceID, state string) (engine.Result, error)
	WebhookFunc  func(ctx context.Context, webhookID string) (model.TaskWebhook, error)
	TaskFunc     func(ctx context.Context, wh model.TaskWebhook, p clickup.WebhookPayload) (engine.Result, error)
}

func (s *stubSyncer) HandleCalendarNotification(ctx context.Context, channelID, resourceID, state string) (engine.Result, error) {
	if s.CalendarFunc != nil {
		return s.CalendarFunc(ctx, channelID, resourceID, state)
	}
	return engine.Result{}, nil
}

func (s *stubSyncer) TaskWebhook(ctx context.Context, webhookID string) (model.TaskWebhook, error) {
	if s.WebhookFunc != nil {
		return s.WebhookFunc(ctx, webhookID)
	}
	return model.TaskWebhook{}, syncerr.NotFoundf("unknown task webhook %s", webhookID)
}

func (s *stubSyncer) HandleTaskNotification(ctx context.Context, wh model.TaskWebhook, p clickup.WebhookPayload) (engine.Result, error) {
	if s.TaskFunc != nil {
		return s.TaskFunc(ctx, wh, p)
	}
	return engine.Result{}, nil
}

func calendarRequest(channelID, resourceID, state string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, webhook.CalendarPath, nil)
	req.Header.Set(headerChannelID, channelID)
	req.Header.Set(headerResourceID, resourceID)
	req.Header.Set(headerResourceState, state)
	return req
}

func taskRequest(t *testing.T, payload clickup.WebhookPayload, secret string) *http.Request {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, webhook.TaskPath, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		req.Header.Set(headerSignature, hex.EncodeToString(mac.Sum(nil)))
	}
	return req
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	w := serve(NewServer(&stubSyncer{}), httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestCalendarNotification(t *testing.T) {
	tests := []struct {
		name     string
		result   engine.Result
		err      error
		wantCode int
		wantBody string
	}{
		{
			name:     "counts",
			result:   engine.Result{Created: 1, Updated: 2},
			wantCode: http.StatusOK,
			wantBody: `{"created":1,"updated":2,"deleted":0}`,
		},
		{
			name:     "unknown channel",
			err:      syncerr.NotFoundf("unknown calendar channel c"),
			wantCode: http.StatusNotFound,
		},
		{
			name:     "inactive owner",
			result:   engine.Result{Inactive: true},
			wantCode: http.StatusOK,
			wantBody: `{"status":"inactive"}`,
		},
		{
			name:     "provider down",
			err:      syncerr.NewTransient(errors.New("503"), "list events"),
			wantCode: http.StatusServiceUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotChannel, gotState string
			s := NewServer(&stubSyncer{CalendarFunc: func(_ context.Context, channelID, _, state string) (engine.Result, error) {
				gotChannel, gotState = channelID, state
				return tt.result, tt.err
			}})

			w := serve(s, calendarRequest("c", "r", "exists"))
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, "c", gotChannel)
			assert.Equal(t, "exists", gotState)
			if tt.wantBody != "" {
				assert.JSONEq(t, tt.wantBody, w.Body.String())
			}
		})
	}
}

func TestCalendarNotificationRequiresChannel(t *testing.T) {
	called := false
	s := NewServer(&stubSyncer{CalendarFunc: func(context.Context, string, string, string) (engine.Result, error) {
		called = true
		return engine.Result{}, nil
	}})
	w := serve(s, httptest.NewRequest(http.MethodPost, webhook.CalendarPath, nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, called)
}

func TestTaskNotificationUnknownWebhook(t *testing.T) {
	handled := false
	s := NewServer(&stubSyncer{TaskFunc: func(context.Context, model.TaskWebhook, clickup.WebhookPayload) (engine.Result, error) {
		handled = true
		return engine.Result{}, nil
	}})
	w := serve(s, taskRequest(t, clickup.WebhookPayload{WebhookID: "nope", Event: clickup.EventTaskDeleted}, ""))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, handled)
}

func TestTaskNotificationSignature(t *testing.T) {
	wh := model.TaskWebhook{Account: "acc", WebhookID: "wh-1", Secret: "s3cret"}
	handled := 0
	s := NewServer(&stubSyncer{
		WebhookFunc: func(context.Context, string) (model.TaskWebhook, error) { return wh, nil },
		TaskFunc: func(_ context.Context, got model.TaskWebhook, p clickup.WebhookPayload) (engine.Result, error) {
			handled++
			assert.Equal(t, wh, got)
			assert.Equal(t, "t1", p.TaskID)
			return engine.Result{Rejected: "no matcher syncs list L9"}, nil
		},
	})
	payload := clickup.WebhookPayload{WebhookID: "wh-1", Event: clickup.EventTaskTagUpdated, TaskID: "t1"}

	w := serve(s, taskRequest(t, payload, "wrong"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = serve(s, taskRequest(t, payload, ""))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Zero(t, handled)

	w = serve(s, taskRequest(t, payload, "s3cret"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"created":0,"updated":0,"deleted":0,"rejected":"no matcher syncs list L9"}`, w.Body.String())
	assert.Equal(t, 1, handled)
}

func TestTaskNotificationBadJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, webhook.TaskPath, bytes.NewBufferString("{"))
	w := serve(NewServer(&stubSyncer{}), req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEndToEndCalendarNotification(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	st := store.NewMemory()
	cal := fake.NewCalendar(clock)
	tasks := fake.NewTasks(clock, clickup.Team{ID: "100"})
	clients := fake.NewClients()
	clients.AddOwner("alice", cal, "alice-clickup", tasks)
	set, err := matcher.NewSet([]model.Matcher{{
		Name: "test", Owner: "alice", CalendarID: "primary",
		TaskAccount: "alice-clickup", ListID: "L1", NamePattern: "^TEST",
	}})
	require.NoError(t, err)

	locks := engine.NewKeyLock()
	hooks := webhook.NewManager(st, clients, "https://sync.example.com",
		webhook.WithClock(clock), webhook.WithLocker(locks),
		webhook.WithChannelIDs(func() string { return "chan-1" }))
	eng := engine.New(st, clients, clients, synced.New(st, convert.NewNormalizer(time.UTC)), hooks, locks, set,
		engine.WithClock(clock))
	require.NoError(t, eng.EnsureSubscriptions(ctx))

	cal.Put("primary", &calendar.Event{
		Summary: "TEST foo",
		Start:   &calendar.EventDateTime{DateTime: now.Add(time.Hour).Format(time.RFC3339)},
		End:     &calendar.EventDateTime{DateTime: now.Add(2 * time.Hour).Format(time.RFC3339)},
	})

	s := NewServer(eng)
	w := serve(s, calendarRequest("chan-1", "res-chan-1", "exists"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"created":1,"updated":0,"deleted":0}`, w.Body.String())

	w = serve(s, calendarRequest("other", "res-other", "exists"))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Len(t, tasks.All(), 1)
}
