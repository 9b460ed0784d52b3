package auth

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"google.golang.org/api/option"

	"github.com/esdandreu/gcal2clickup/pkg/clickup"
	"github.com/esdandreu/gcal2clickup/pkg/config"
	"github.com/esdandreu/gcal2clickup/pkg/google"
	"github.com/esdandreu/gcal2clickup/pkg/provider"
	"github.com/esdandreu/gcal2clickup/pkg/syncerr"
)

type entry[T any] struct {
	fingerprint string
	client      T
}

// Pool builds provider clients from the current config and caches them per
// credential. A credential change in a reloaded config yields a new client.
type Pool struct {
	src    *config.Source
	logger *slog.Logger

	mu        sync.Mutex
	calendars map[string]entry[*google.CalendarClient]
	tasks     map[string]entry[*clickup.Client]
}

type PoolOption func(*Pool)

func WithLogger(logger *slog.Logger) PoolOption {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func NewPool(src *config.Source, opts ...PoolOption) *Pool {
	p := &Pool{
		src:       src,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		calendars: make(map[string]entry[*google.CalendarClient]),
		tasks:     make(map[string]entry[*clickup.Client]),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Calendar returns the Google Calendar client of owner.
func (p *Pool) Calendar(_ context.Context, owner string) (provider.Calendar, error) {
	cfg := p.src.Current()
	o, ok := cfg.Owner(owner)
	if !ok {
		return nil, syncerr.NotFoundf("no calendar credentials for owner %s", owner)
	}
	fp := cfg.Google.ClientID + "\x00" + cfg.Google.ClientSecret + "\x00" + cfg.Google.Endpoint +
		"\x00" + o.RefreshToken + "\x00" + o.TokenFile

	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.calendars[owner]; ok && e.fingerprint == fp {
		return e.client, nil
	}
	// Cached clients outlive requests, so they refresh tokens on a background context.
	ctx := context.Background()
	ts, err := TokenSource(ctx, cfg.Google, o)
	if err != nil {
		return nil, syncerr.Validationf("owner %s: %v", owner, err)
	}
	var extra []option.ClientOption
	if cfg.Google.Endpoint != "" {
		extra = append(extra, option.WithEndpoint(cfg.Google.Endpoint))
	}
	client, err := google.NewClient(ctx, ts, extra...)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("calendar client created", "owner", owner)
	p.calendars[owner] = entry[*google.CalendarClient]{fingerprint: fp, client: client}
	return client, nil
}

// Tasks returns the ClickUp client of account.
func (p *Pool) Tasks(_ context.Context, account string) (provider.Tasks, error) {
	cfg := p.src.Current()
	a, ok := cfg.TaskAccount(account)
	if !ok {
		return nil, syncerr.NotFoundf("no task account %s", account)
	}
	fp := a.Token + "\x00" + cfg.ClickUp.BaseURL

	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.tasks[account]; ok && e.fingerprint == fp {
		return e.client, nil
	}
	client := clickup.NewClient(a.Token,
		clickup.WithBaseURL(cfg.ClickUp.BaseURL),
		clickup.WithLogger(p.logger.With("account", account)))
	p.tasks[account] = entry[*clickup.Client]{fingerprint: fp, client: client}
	return client, nil
}

var _ provider.Clients = (*Pool)(nil)
