package watcher

import (
	"context"
	"log/slog"

	"github.com/esdandreu/gcal2clickup/pkg/config"
	"github.com/esdandreu/gcal2clickup/pkg/matcher"
)

// MatcherSetter receives the rules of a reloaded config.
type MatcherSetter interface {
	SetMatchers(ctx context.Context, set *matcher.Set) error
}

// Reload loads path and, when valid, publishes it to src and target. An
// invalid file leaves the running config untouched.
func Reload(ctx context.Context, path string, src *config.Source, target MatcherSetter, logger *slog.Logger) error {
	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("config reload rejected", "path", path, "error", err)
		return err
	}
	set, err := cfg.MatcherSet()
	if err != nil {
		return err
	}
	src.Swap(cfg)
	if err := target.SetMatchers(ctx, set); err != nil {
		logger.Error("applying reloaded matchers failed", "error", err)
		return err
	}
	logger.Info("config reloaded", "path", path, "matchers", len(cfg.Matchers), "owners", len(cfg.Owners))
	return nil
}
