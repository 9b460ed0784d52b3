package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/esdandreu/gcal2clickup/pkg/model"
)

// Dialect selects the SQL driver and placeholder style.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

const (
	sqlOperationTimeout = 5 * time.Second
	defaultTablePrefix  = "gcal2clickup_"
	// Fixed width keeps lexical and chronological order equal in TEXT columns.
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// SQL stores state in Postgres or SQLite. Tables are created on first use.
type SQL struct {
	dialect     Dialect
	dsn         string
	tablePrefix string
	openDB      sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQL(dialect Dialect, dsn string) (*SQL, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	switch dialect {
	case DialectPostgres, DialectSQLite:
	default:
		return nil, fmt.Errorf("%w: unknown dialect %q", ErrInvalidInput, dialect)
	}
	return &SQL{
		dialect:     dialect,
		dsn:         dsn,
		tablePrefix: defaultTablePrefix,
		openDB:      sql.Open,
	}, nil
}

func (s *SQL) table(name string) string {
	return quoteIdentifier(s.tablePrefix + name)
}

// rebind rewrites ? placeholders into the dialect's style.
func (s *SQL) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQL) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(string(s.dialect), s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		if s.dialect == DialectSQLite {
			db.SetMaxOpenConns(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					owner TEXT NOT NULL,
					calendar_id TEXT NOT NULL,
					channel_id TEXT NOT NULL,
					resource_id TEXT NOT NULL,
					expiration TEXT NOT NULL,
					checked_at TEXT,
					PRIMARY KEY (owner, calendar_id)
				)`, s.table("subscriptions")),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					webhook_id TEXT PRIMARY KEY,
					account TEXT NOT NULL,
					team TEXT NOT NULL,
					endpoint TEXT NOT NULL,
					secret TEXT NOT NULL DEFAULT ''
				)`, s.table("task_webhooks")),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					task_id TEXT PRIMARY KEY,
					event_id TEXT NOT NULL UNIQUE,
					owner TEXT NOT NULL,
					calendar_id TEXT NOT NULL,
					task_account TEXT NOT NULL,
					matcher TEXT NOT NULL,
					start_at TEXT NOT NULL,
					end_at TEXT NOT NULL,
					description_direction TEXT NOT NULL
				)`, s.table("synced_items")),
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = fmt.Errorf("create schema: %w", err)
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *SQL) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const subscriptionColumns = "owner, calendar_id, channel_id, resource_id, expiration, checked_at"

func scanSubscription(row interface{ Scan(...any) error }) (model.CalendarSubscription, error) {
	var (
		sub        model.CalendarSubscription
		expiration string
		checkedAt  sql.NullString
	)
	if err := row.Scan(&sub.Owner, &sub.CalendarID, &sub.ChannelID, &sub.ResourceID, &expiration, &checkedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sub, ErrNotFound
		}
		return sub, err
	}
	var err error
	if sub.Expiration, err = parseTime(expiration); err != nil {
		return sub, err
	}
	if checkedAt.Valid {
		t, err := parseTime(checkedAt.String)
		if err != nil {
			return sub, err
		}
		sub.CheckedAt = &t
	}
	return sub, nil
}

func (s *SQL) Subscription(ctx context.Context, owner, calendarID string) (model.CalendarSubscription, error) {
	if err := s.ensureReady(); err != nil {
		return model.CalendarSubscription{}, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE owner = ? AND calendar_id = ?", subscriptionColumns, s.table("subscriptions"))
	return scanSubscription(s.db.QueryRowContext(ctx, s.rebind(query), owner, calendarID))
}

func (s *SQL) SubscriptionByChannel(ctx context.Context, channelID, resourceID string) (model.CalendarSubscription, error) {
	if err := s.ensureReady(); err != nil {
		return model.CalendarSubscription{}, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE channel_id = ? AND resource_id = ?", subscriptionColumns, s.table("subscriptions"))
	return scanSubscription(s.db.QueryRowContext(ctx, s.rebind(query), channelID, resourceID))
}

func (s *SQL) Subscriptions(ctx context.Context) ([]model.CalendarSubscription, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY owner, calendar_id", subscriptionColumns, s.table("subscriptions"))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.CalendarSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *SQL) SaveSubscription(ctx context.Context, sub model.CalendarSubscription) error {
	if sub.Owner == "" || sub.CalendarID == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	var checkedAt sql.NullString
	if sub.CheckedAt != nil {
		checkedAt = sql.NullString{String: formatTime(*sub.CheckedAt), Valid: true}
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner, calendar_id) DO UPDATE SET
			channel_id = excluded.channel_id,
			resource_id = excluded.resource_id,
			expiration = excluded.expiration,
			checked_at = excluded.checked_at`, s.table("subscriptions"), subscriptionColumns)
	_, err := s.db.ExecContext(ctx, s.rebind(query),
		sub.Owner, sub.CalendarID, sub.ChannelID, sub.ResourceID, formatTime(sub.Expiration), checkedAt)
	return err
}

func (s *SQL) DeleteSubscription(ctx context.Context, owner, calendarID string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE owner = ? AND calendar_id = ?", s.table("subscriptions"))
	return s.execOne(ctx, query, owner, calendarID)
}

const webhookColumns = "webhook_id, account, team, endpoint, secret"

func scanWebhook(row interface{ Scan(...any) error }) (model.TaskWebhook, error) {
	var wh model.TaskWebhook
	err := row.Scan(&wh.WebhookID, &wh.Account, &wh.Team, &wh.Endpoint, &wh.Secret)
	if errors.Is(err, sql.ErrNoRows) {
		return wh, ErrNotFound
	}
	return wh, err
}

func (s *SQL) TaskWebhook(ctx context.Context, webhookID string) (model.TaskWebhook, error) {
	if err := s.ensureReady(); err != nil {
		return model.TaskWebhook{}, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE webhook_id = ?", webhookColumns, s.table("task_webhooks"))
	return scanWebhook(s.db.QueryRowContext(ctx, s.rebind(query), webhookID))
}

func (s *SQL) TaskWebhooks(ctx context.Context, account string) ([]model.TaskWebhook, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE (? = '' OR account = ?) ORDER BY webhook_id", webhookColumns, s.table("task_webhooks"))
	rows, err := s.db.QueryContext(ctx, s.rebind(query), account, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.TaskWebhook
	for rows.Next() {
		wh, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wh)
	}
	return out, rows.Err()
}

func (s *SQL) SaveTaskWebhook(ctx context.Context, wh model.TaskWebhook) error {
	if wh.WebhookID == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (webhook_id) DO UPDATE SET
			account = excluded.account,
			team = excluded.team,
			endpoint = excluded.endpoint,
			secret = excluded.secret`, s.table("task_webhooks"), webhookColumns)
	_, err := s.db.ExecContext(ctx, s.rebind(query), wh.WebhookID, wh.Account, wh.Team, wh.Endpoint, wh.Secret)
	return err
}

func (s *SQL) DeleteTaskWebhook(ctx context.Context, webhookID string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE webhook_id = ?", s.table("task_webhooks"))
	return s.execOne(ctx, query, webhookID)
}

const itemColumns = "task_id, event_id, owner, calendar_id, task_account, matcher, start_at, end_at, description_direction"

func scanItem(row interface{ Scan(...any) error }) (model.SyncedItem, error) {
	var (
		item                  model.SyncedItem
		start, end, direction string
	)
	if err := row.Scan(&item.TaskID, &item.EventID, &item.Owner, &item.CalendarID, &item.TaskAccount,
		&item.Matcher, &start, &end, &direction); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return item, ErrNotFound
		}
		return item, err
	}
	var err error
	if item.Start, err = parseTime(start); err != nil {
		return item, err
	}
	if item.End, err = parseTime(end); err != nil {
		return item, err
	}
	item.DescriptionDirection, err = model.ParseDescriptionDirection(direction)
	return item, err
}

func (s *SQL) ItemByTask(ctx context.Context, taskID string) (model.SyncedItem, error) {
	if err := s.ensureReady(); err != nil {
		return model.SyncedItem{}, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE task_id = ?", itemColumns, s.table("synced_items"))
	return scanItem(s.db.QueryRowContext(ctx, s.rebind(query), taskID))
}

func (s *SQL) ItemByEvent(ctx context.Context, eventID string) (model.SyncedItem, error) {
	if err := s.ensureReady(); err != nil {
		return model.SyncedItem{}, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE event_id = ?", itemColumns, s.table("synced_items"))
	return scanItem(s.db.QueryRowContext(ctx, s.rebind(query), eventID))
}

func (s *SQL) Items(ctx context.Context) ([]model.SyncedItem, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY task_id", itemColumns, s.table("synced_items"))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.SyncedItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *SQL) CreateItem(ctx context.Context, item model.SyncedItem) error {
	if item.TaskID == "" || item.EventID == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`, s.table("synced_items"), itemColumns)
	res, err := s.db.ExecContext(ctx, s.rebind(query),
		item.TaskID, item.EventID, item.Owner, item.CalendarID, item.TaskAccount, item.Matcher,
		formatTime(item.Start), formatTime(item.End), item.DescriptionDirection.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (s *SQL) UpdateItem(ctx context.Context, item model.SyncedItem) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		UPDATE %s SET event_id = ?, owner = ?, calendar_id = ?, task_account = ?, matcher = ?,
			start_at = ?, end_at = ?, description_direction = ?
		WHERE task_id = ?`, s.table("synced_items"))
	err := s.execOne(ctx, query,
		item.EventID, item.Owner, item.CalendarID, item.TaskAccount, item.Matcher,
		formatTime(item.Start), formatTime(item.End), item.DescriptionDirection.String(), item.TaskID)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (s *SQL) DeleteItem(ctx context.Context, taskID string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE task_id = ?", s.table("synced_items"))
	return s.execOne(ctx, query, taskID)
}

func (s *SQL) PruneEnded(ctx context.Context, before time.Time) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE end_at < ?", s.table("synced_items"))
	res, err := s.db.ExecContext(ctx, s.rebind(query), formatTime(before))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// execOne runs a statement expected to touch exactly one row.
func (s *SQL) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// isUniqueViolation reports whether err is a unique constraint failure of either driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

var _ Store = (*SQL)(nil)
