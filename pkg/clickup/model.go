package clickup

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Webhook event names sent by ClickUp.
const (
	EventTaskCreated    = "taskCreated"
	EventTaskUpdated    = "taskUpdated"
	EventTaskDeleted    = "taskDeleted"
	EventTaskMoved      = "taskMoved"
	EventTaskTagUpdated = "taskTagUpdated"
)

// WebhookEvents is the event set registered for every webhook this service creates.
var WebhookEvents = []string{
	EventTaskUpdated,
	EventTaskDeleted,
	EventTaskMoved,
	EventTaskTagUpdated,
}

// HealthActive is the health status of a webhook ClickUp still delivers to.
const HealthActive = "active"

// MillisTime is a timestamp encoded by ClickUp as milliseconds since the epoch,
// usually inside a JSON string.
type MillisTime struct {
	time.Time
}

// UnmarshalJSON accepts "1567780450202", 1567780450202, "" and null.
func (mt *MillisTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		mt.Time = time.Time{}
		return nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("failed to parse ClickUp timestamp '%s': %w", s, err)
	}
	mt.Time = time.UnixMilli(ms).UTC()
	return nil
}

// MarshalJSON encodes the time the way ClickUp returns it.
func (mt MillisTime) MarshalJSON() ([]byte, error) {
	if mt.Time.IsZero() {
		return []byte(`null`), nil
	}
	return []byte(`"` + strconv.FormatInt(mt.Time.UnixMilli(), 10) + `"`), nil
}

// Valid reports whether the pointer holds a non-zero time.
func (mt *MillisTime) Valid() bool {
	return mt != nil && !mt.Time.IsZero()
}

type Tag struct {
	Name string `json:"name"`
}

type Status struct {
	Status string `json:"status"`
	Type   string `json:"type,omitempty"`
}

type ListRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Task is the subset of a ClickUp task the sync engine reads.
type Task struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Status      Status      `json:"status"`
	DateUpdated *MillisTime `json:"date_updated,omitempty"`
	StartDate   *MillisTime `json:"start_date,omitempty"`
	DueDate     *MillisTime `json:"due_date,omitempty"`
	Tags        []Tag       `json:"tags,omitempty"`
	List        ListRef     `json:"list"`
	URL         string      `json:"url,omitempty"`
	Archived    bool        `json:"archived,omitempty"`
}

// HasTag reports whether the task carries the tag, compared case-insensitively
// since ClickUp lowercases tag names.
func (t *Task) HasTag(name string) bool {
	for _, tag := range t.Tags {
		if strings.EqualFold(tag.Name, name) {
			return true
		}
	}
	return false
}

// TaskRequest is the body of a create or update call. Nil fields are left untouched.
type TaskRequest struct {
	Name          string   `json:"name,omitempty"`
	Description   *string  `json:"description,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	StartDate     *int64   `json:"start_date,omitempty"`
	StartDateTime *bool    `json:"start_date_time,omitempty"`
	DueDate       *int64   `json:"due_date,omitempty"`
	DueDateTime   *bool    `json:"due_date_time,omitempty"`
}

// SetDescription sets the description field.
func (r *TaskRequest) SetDescription(s string) {
	r.Description = &s
}

// SetDates sets start and due dates. hasTime false marks them as date-only.
func (r *TaskRequest) SetDates(start, due time.Time, hasTime bool) {
	startMs, dueMs := start.UnixMilli(), due.UnixMilli()
	startTime, dueTime := hasTime, hasTime
	r.StartDate, r.StartDateTime = &startMs, &startTime
	r.DueDate, r.DueDateTime = &dueMs, &dueTime
}

// IsEmpty reports whether the request would change nothing.
func (r TaskRequest) IsEmpty() bool {
	return r.Name == "" && r.Description == nil && len(r.Tags) == 0 && r.StartDate == nil && r.DueDate == nil
}

type Team struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type WebhookHealth struct {
	Status    string `json:"status"`
	FailCount int    `json:"fail_count"`
}

// Webhook is a webhook as listed by ClickUp.
type Webhook struct {
	ID       string        `json:"id"`
	TeamID   json.Number   `json:"team_id"`
	Endpoint string        `json:"endpoint"`
	Events   []string      `json:"events"`
	Health   WebhookHealth `json:"health"`
	Secret   string        `json:"secret,omitempty"`
}

// Healthy reports whether ClickUp still delivers to the webhook.
func (w Webhook) Healthy() bool {
	return w.Health.Status == "" || w.Health.Status == HealthActive
}

// HistoryItem is one field change reported by a webhook.
type HistoryItem struct {
	ID     string          `json:"id"`
	Field  string          `json:"field"`
	Before json.RawMessage `json:"before"`
	After  json.RawMessage `json:"after"`
}

// Unchanged reports whether before and after encode the same value.
func (h HistoryItem) Unchanged() bool {
	return bytes.Equal(compactJSON(h.Before), compactJSON(h.After))
}

// AddedTag reports whether the item adds a tag with the given name.
func (h HistoryItem) AddedTag(name string) bool {
	return h.Field == "tag" && rawHasTag(h.After, name)
}

// RemovedTag reports whether the item removes a tag with the given name.
func (h HistoryItem) RemovedTag(name string) bool {
	return h.Field == "tag_removed" && rawHasTag(h.After, name)
}

// WebhookPayload is the body ClickUp posts to a webhook endpoint.
type WebhookPayload struct {
	Event        string        `json:"event"`
	TaskID       string        `json:"task_id"`
	WebhookID    string        `json:"webhook_id"`
	HistoryItems []HistoryItem `json:"history_items,omitempty"`
}

func compactJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

func rawHasTag(raw json.RawMessage, name string) bool {
	var tags []Tag
	if err := json.Unmarshal(raw, &tags); err != nil {
		var single Tag
		if err := json.Unmarshal(raw, &single); err != nil {
			return false
		}
		tags = []Tag{single}
	}
	for _, tag := range tags {
		if strings.EqualFold(tag.Name, name) {
			return true
		}
	}
	return false
}
