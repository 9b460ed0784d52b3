// Package store persists calendar subscriptions, task webhooks and synced items.
package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/esdandreu/gcal2clickup/pkg/model"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
	ErrInvalidInput  = errors.New("store: invalid input")
)

// Store is the persistence boundary of the sync engine. Implementations are
// safe for concurrent use.
type Store interface {
	Subscription(ctx context.Context, owner, calendarID string) (model.CalendarSubscription, error)
	SubscriptionByChannel(ctx context.Context, channelID, resourceID string) (model.CalendarSubscription, error)
	Subscriptions(ctx context.Context) ([]model.CalendarSubscription, error)
	// SaveSubscription inserts or replaces the subscription of (owner, calendar).
	SaveSubscription(ctx context.Context, sub model.CalendarSubscription) error
	DeleteSubscription(ctx context.Context, owner, calendarID string) error

	TaskWebhook(ctx context.Context, webhookID string) (model.TaskWebhook, error)
	// TaskWebhooks lists the webhooks of account, or all of them for an empty account.
	TaskWebhooks(ctx context.Context, account string) ([]model.TaskWebhook, error)
	SaveTaskWebhook(ctx context.Context, wh model.TaskWebhook) error
	DeleteTaskWebhook(ctx context.Context, webhookID string) error

	ItemByTask(ctx context.Context, taskID string) (model.SyncedItem, error)
	ItemByEvent(ctx context.Context, eventID string) (model.SyncedItem, error)
	Items(ctx context.Context) ([]model.SyncedItem, error)
	// CreateItem returns ErrAlreadyExists when the task or the event is already linked.
	CreateItem(ctx context.Context, item model.SyncedItem) error
	UpdateItem(ctx context.Context, item model.SyncedItem) error
	DeleteItem(ctx context.Context, taskID string) error
	// PruneEnded removes the items whose end is before the given instant.
	PruneEnded(ctx context.Context, before time.Time) (int, error)

	Close() error
}

// ResetCursor clears the checkpoint of a subscription so the next poll is a cold start.
func ResetCursor(ctx context.Context, s Store, owner, calendarID string) error {
	sub, err := s.Subscription(ctx, owner, calendarID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sub.CheckedAt == nil {
		return nil
	}
	sub.CheckedAt = nil
	return s.SaveSubscription(ctx, sub)
}

// BuildFromDSN opens the store named by dsn: memory://, file:///path.json,
// postgres://... or sqlite:///path.db.
func BuildFromDSN(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty storage dsn", ErrInvalidInput)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme := strings.ToLower(parsed.Scheme); scheme {
	case "memory", "mem":
		return NewMemory(), nil
	case "", "file":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return OpenFile(path)
	case "postgres", "postgresql":
		return NewSQL(DialectPostgres, dsn)
	case "sqlite", "sqlite3":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewSQL(DialectSQLite, path)
	default:
		return nil, fmt.Errorf("unsupported storage scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	path := parsed.Path
	if parsed.Scheme == "" {
		path = raw
	} else if parsed.Host != "" && parsed.Host != "localhost" {
		path = parsed.Host + path
	}
	if path == "" {
		path = parsed.Opaque
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: no path in %q", ErrInvalidInput, raw)
	}
	return filepath.Clean(path), nil
}
