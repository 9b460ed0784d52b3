package clickup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/esdandreu/gcal2clickup/pkg/syncerr"
)

const DefaultBaseURL = "https://api.clickup.com/api/v2"

// notFoundCodes are ClickUp ECODE values reported for missing tasks and webhooks.
var notFoundCodes = map[string]bool{
	"ITEM_013":    true,
	"ITEM_015":    true,
	"OAUTH_027":   true,
	"WEBHOOK_001": true,
}

// TaskQuery filters ListTasks.
type TaskQuery struct {
	UpdatedAfter time.Time
	Tags         []string
}

// Client talks to the ClickUp API v2 with a personal token.
// It holds no per-call state and may be shared between goroutines.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/"); baseURL != "" {
			c.baseURL = baseURL
		}
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		token:      strings.TrimSpace(token),
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: 20 * time.Second},
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) ListTeams(ctx context.Context) ([]Team, error) {
	var resp struct {
		Teams []Team `json:"teams"`
	}
	if err := c.do(ctx, http.MethodGet, "/team", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Teams, nil
}

func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	if err := c.do(ctx, http.MethodGet, "/task/"+url.PathEscape(taskID), nil, nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasks yields the tasks of a list page by page, fetching the next page only
// when the consumer has drained the current one.
func (c *Client) ListTasks(ctx context.Context, listID string, q TaskQuery) iter.Seq2[*Task, error] {
	return func(yield func(*Task, error) bool) {
		for page := 0; ; page++ {
			params := url.Values{}
			params.Set("page", strconv.Itoa(page))
			params.Set("order_by", "updated")
			params.Set("reverse", "true")
			params.Set("subtasks", "true")
			if !q.UpdatedAfter.IsZero() {
				params.Set("date_updated_gt", strconv.FormatInt(q.UpdatedAfter.UnixMilli(), 10))
			}
			for _, tag := range q.Tags {
				params.Add("tags[]", tag)
			}
			var resp struct {
				Tasks    []Task `json:"tasks"`
				LastPage bool   `json:"last_page"`
			}
			if err := c.do(ctx, http.MethodGet, "/list/"+url.PathEscape(listID)+"/task", params, nil, &resp); err != nil {
				yield(nil, err)
				return
			}
			for i := range resp.Tasks {
				if !yield(&resp.Tasks[i], nil) {
					return
				}
			}
			if resp.LastPage || len(resp.Tasks) == 0 {
				return
			}
		}
	}
}

func (c *Client) CreateTask(ctx context.Context, listID string, req TaskRequest) (*Task, error) {
	var task Task
	if err := c.do(ctx, http.MethodPost, "/list/"+url.PathEscape(listID)+"/task", nil, req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) UpdateTask(ctx context.Context, taskID string, req TaskRequest) (*Task, error) {
	var task Task
	if err := c.do(ctx, http.MethodPut, "/task/"+url.PathEscape(taskID), nil, req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) DeleteTask(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodDelete, "/task/"+url.PathEscape(taskID), nil, nil, nil)
}

func (c *Client) RemoveTag(ctx context.Context, taskID, tag string) error {
	return c.do(ctx, http.MethodDelete, "/task/"+url.PathEscape(taskID)+"/tag/"+url.PathEscape(tag), nil, nil, nil)
}

func (c *Client) ListWebhooks(ctx context.Context, teamID string) ([]Webhook, error) {
	var resp struct {
		Webhooks []Webhook `json:"webhooks"`
	}
	if err := c.do(ctx, http.MethodGet, "/team/"+url.PathEscape(teamID)+"/webhook", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Webhooks, nil
}

func (c *Client) CreateWebhook(ctx context.Context, teamID, endpoint string, events []string) (*Webhook, error) {
	body := map[string]any{"endpoint": endpoint, "events": events}
	var resp struct {
		ID      string  `json:"id"`
		Webhook Webhook `json:"webhook"`
	}
	if err := c.do(ctx, http.MethodPost, "/team/"+url.PathEscape(teamID)+"/webhook", nil, body, &resp); err != nil {
		return nil, err
	}
	if resp.Webhook.ID == "" {
		resp.Webhook.ID = resp.ID
	}
	return &resp.Webhook, nil
}

func (c *Client) DeleteWebhook(ctx context.Context, webhookID string) error {
	return c.do(ctx, http.MethodDelete, "/webhook/"+url.PathEscape(webhookID), nil, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, payload, out any) error {
	if c.token == "" {
		return fmt.Errorf("clickup token is empty")
	}
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("failed to encode clickup request: %w", err)
		}
	}
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	return syncerr.Retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", c.token)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("clickup %s %s: %w", method, path, err)
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		c.logger.Debug("clickup response", "method", method, "path", path, "status", resp.StatusCode)

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("failed to decode clickup response: %w", err)
			}
			return nil
		}
		return classify(method, path, resp.StatusCode, respBody)
	})
}

func classify(method, path string, status int, body []byte) error {
	var parsed struct {
		Err   string `json:"err"`
		ECode string `json:"ECODE"`
	}
	message := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &parsed) == nil && parsed.Err != "" {
		message = parsed.Err
	}
	cause := fmt.Errorf("status=%d code=%s message=%s", status, parsed.ECode, message)
	switch {
	case status >= 500:
		return syncerr.NewTransient(cause, "clickup %s %s", method, path)
	case status == http.StatusNotFound || status == http.StatusGone || notFoundCodes[parsed.ECode]:
		return syncerr.NewAlreadyGone(cause, "clickup %s %s", method, path)
	default:
		return fmt.Errorf("clickup %s %s: %w", method, path, cause)
	}
}
