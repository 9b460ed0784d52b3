package model

import (
	"fmt"
	"time"
)

// DescriptionDirection tells which side of a synced pair propagates its description.
type DescriptionDirection int

const (
	DescriptionNone DescriptionDirection = iota
	CalendarOwnsDescription
	TaskOwnsDescription
)

func (d DescriptionDirection) String() string {
	switch d {
	case CalendarOwnsDescription:
		return "calendar"
	case TaskOwnsDescription:
		return "task"
	default:
		return "none"
	}
}

// ParseDescriptionDirection is the inverse of DescriptionDirection.String.
func ParseDescriptionDirection(s string) (DescriptionDirection, error) {
	switch s {
	case "calendar":
		return CalendarOwnsDescription, nil
	case "task":
		return TaskOwnsDescription, nil
	case "none", "":
		return DescriptionNone, nil
	}
	return DescriptionNone, fmt.Errorf("unknown description direction %q", s)
}

// TaskAccount is a ClickUp credential belonging to an owner.
type TaskAccount struct {
	Name  string
	Owner string
}

// CalendarSubscription is a Google Calendar push channel watching one calendar.
type CalendarSubscription struct {
	Owner      string     `json:"owner"`
	CalendarID string     `json:"calendar_id"`
	ChannelID  string     `json:"channel_id"`
	ResourceID string     `json:"resource_id"`
	Expiration time.Time  `json:"expiration"`
	CheckedAt  *time.Time `json:"checked_at,omitempty"`
}

// Key identifies the subscription independently of its current channel.
func (s CalendarSubscription) Key() string {
	return SubscriptionKey(s.Owner, s.CalendarID)
}

// SubscriptionKey builds the (owner, calendar) key used for uniqueness and locking.
func SubscriptionKey(owner, calendarID string) string {
	return owner + "/" + calendarID
}

// TaskWebhook is a ClickUp webhook registered for one team of a task account.
type TaskWebhook struct {
	Account   string `json:"account"`
	Team      string `json:"team"`
	WebhookID string `json:"webhook_id"`
	Endpoint  string `json:"endpoint"`
	Secret    string `json:"secret,omitempty"`
}

// Matcher is a user rule linking a calendar to a ClickUp list.
type Matcher struct {
	Name               string
	Owner              string
	CalendarID         string
	TaskAccount        string
	ListID             string
	Tags               []string
	NamePattern        string
	DescriptionPattern string
	Order              int
}

// SubscriptionKey returns the key of the calendar subscription the matcher refers to.
func (m Matcher) SubscriptionKey() string {
	return SubscriptionKey(m.Owner, m.CalendarID)
}

// SyncedItem links one calendar event with one task.
type SyncedItem struct {
	TaskID               string               `json:"task_id"`
	EventID              string               `json:"event_id"`
	Owner                string               `json:"owner"`
	CalendarID           string               `json:"calendar_id"`
	TaskAccount          string               `json:"task_account"`
	Matcher              string               `json:"matcher"`
	Start                time.Time            `json:"start"`
	End                  time.Time            `json:"end"`
	DescriptionDirection DescriptionDirection `json:"description_direction"`
}
