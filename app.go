package main

import (
	"fmt"
	"log/slog"

	"github.com/esdandreu/gcal2clickup/pkg/auth"
	"github.com/esdandreu/gcal2clickup/pkg/config"
	"github.com/esdandreu/gcal2clickup/pkg/convert"
	"github.com/esdandreu/gcal2clickup/pkg/engine"
	"github.com/esdandreu/gcal2clickup/pkg/store"
	"github.com/esdandreu/gcal2clickup/pkg/synced"
	"github.com/esdandreu/gcal2clickup/pkg/webhook"
)

// app is the wired service built from one config file.
type app struct {
	path   string
	logger *slog.Logger
	source *config.Source
	store  store.Store
	engine *engine.Engine
}

func loadApp() (*app, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	set, err := cfg.MatcherSet()
	if err != nil {
		return nil, err
	}
	st, err := store.BuildFromDSN(cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	source := config.NewSource(cfg)
	pool := auth.NewPool(source, auth.WithLogger(logger.With("component", "clients")))
	locks := engine.NewKeyLock()
	hooks := webhook.NewManager(st, pool, cfg.PublicURL,
		webhook.WithLogger(logger.With("component", "webhooks")),
		webhook.WithLocker(locks),
		webhook.WithTTL(cfg.WatchTTL),
		webhook.WithExpirationGap(cfg.ExpirationGap))
	svc := synced.New(st, convert.NewNormalizer(cfg.Location()),
		synced.WithLogger(logger.With("component", "synced")),
		synced.WithSyncTag(cfg.SyncTag))
	eng := engine.New(st, pool, source, svc, hooks, locks, set,
		engine.WithLogger(logger.With("component", "engine")),
		engine.WithEndGap(cfg.EndGap))

	logger.Debug("service wired", "config", cfg.Path(), "matchers", len(cfg.Matchers), "owners", len(cfg.Owners))
	return &app{path: cfg.Path(), logger: logger, source: source, store: st, engine: eng}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
