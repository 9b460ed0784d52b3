// Package config loads the YAML configuration of the sync service: owners and
// their credentials, ClickUp accounts, matchers and timing knobs.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/esdandreu/gcal2clickup/pkg/clickup"
	"github.com/esdandreu/gcal2clickup/pkg/engine"
	"github.com/esdandreu/gcal2clickup/pkg/matcher"
	"github.com/esdandreu/gcal2clickup/pkg/model"
	"github.com/esdandreu/gcal2clickup/pkg/synced"
	"github.com/esdandreu/gcal2clickup/pkg/syncerr"
	"github.com/esdandreu/gcal2clickup/pkg/webhook"
)

const (
	xdgAppName = "gcal2clickup"
	configFile = "config.yaml"
	stateFile  = "state.json"
)

// Environment overrides.
const (
	EnvStorageDSN         = "GCAL2CLICKUP_STORAGE_DSN"
	EnvGoogleClientSecret = "GCAL2CLICKUP_GOOGLE_CLIENT_SECRET"
	EnvPublicURL          = "GCAL2CLICKUP_PUBLIC_URL"
)

const DefaultPollInterval = time.Hour

var ErrNotFound = errors.New("config file not found")

type Config struct {
	Listen        string          `yaml:"listen"`
	PublicURL     string          `yaml:"public_url"`
	Timezone      string          `yaml:"timezone"`
	Storage       StorageConfig   `yaml:"storage"`
	Google        GoogleConfig    `yaml:"google"`
	ClickUp       ClickUpConfig   `yaml:"clickup"`
	SyncTag       string          `yaml:"sync_tag"`
	WatchTTL      time.Duration   `yaml:"watch_ttl"`
	ExpirationGap time.Duration   `yaml:"expiration_gap"`
	EndGap        time.Duration   `yaml:"end_gap"`
	PollInterval  time.Duration   `yaml:"poll_interval"`
	Owners        []OwnerConfig   `yaml:"owners"`
	Accounts      []AccountConfig `yaml:"task_accounts"`
	Matchers      []MatcherConfig `yaml:"matchers"`

	path     string
	location *time.Location
}

type StorageConfig struct {
	DSN string `yaml:"dsn"`
}

// GoogleConfig holds the OAuth client the owners' refresh tokens were issued to.
type GoogleConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	// Endpoint overrides the Calendar API base URL.
	Endpoint string `yaml:"endpoint,omitempty"`
}

type ClickUpConfig struct {
	BaseURL string `yaml:"base_url"`
}

// OwnerConfig is a Google account. An inactive owner keeps its data but is
// neither polled nor served.
type OwnerConfig struct {
	Name         string `yaml:"name"`
	Active       *bool  `yaml:"active,omitempty"`
	RefreshToken string `yaml:"refresh_token,omitempty"`
	TokenFile    string `yaml:"token_file,omitempty"`
}

func (o OwnerConfig) IsActive() bool {
	return o.Active == nil || *o.Active
}

type AccountConfig struct {
	Name  string `yaml:"name"`
	Owner string `yaml:"owner"`
	Token string `yaml:"token"`
}

type MatcherConfig struct {
	Name               string   `yaml:"name"`
	Owner              string   `yaml:"owner"`
	CalendarID         string   `yaml:"calendar_id"`
	TaskAccount        string   `yaml:"task_account"`
	ListID             string   `yaml:"list_id"`
	Tags               []string `yaml:"tags,omitempty"`
	NamePattern        string   `yaml:"name_pattern,omitempty"`
	DescriptionPattern string   `yaml:"description_pattern,omitempty"`
	Order              int      `yaml:"order,omitempty"`
}

func (m MatcherConfig) Model() model.Matcher {
	return model.Matcher{
		Name:               m.Name,
		Owner:              m.Owner,
		CalendarID:         m.CalendarID,
		TaskAccount:        m.TaskAccount,
		ListID:             m.ListID,
		Tags:               m.Tags,
		NamePattern:        m.NamePattern,
		DescriptionPattern: m.DescriptionPattern,
		Order:              m.Order,
	}
}

// DefaultPath returns ~/.config/gcal2clickup/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", xdgAppName, configFile), nil
}

// Load reads, completes and validates the config at path.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	data, err := os.ReadFile(absPath) //nolint:gosec // path comes from the operator
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, absPath)
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.path = absPath
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML without defaults or validation.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, syncerr.Validationf("parsing config: %v", err)
	}
	return &cfg, nil
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string {
	return c.path
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.Storage.DSN == "" {
		dir := filepath.Dir(c.path)
		if c.path == "" {
			dir = "."
		}
		c.Storage.DSN = "file://" + filepath.Join(dir, stateFile)
	}
	if c.ClickUp.BaseURL == "" {
		c.ClickUp.BaseURL = clickup.DefaultBaseURL
	}
	if c.SyncTag == "" {
		c.SyncTag = synced.DefaultSyncTag
	}
	if c.WatchTTL <= 0 {
		c.WatchTTL = webhook.DefaultTTL
	}
	if c.ExpirationGap <= 0 {
		c.ExpirationGap = webhook.DefaultExpirationGap
	}
	if c.EndGap <= 0 {
		c.EndGap = engine.DefaultEndGap
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
}

func (c *Config) applyEnv() {
	c.Storage.DSN = stringEnv(EnvStorageDSN, c.Storage.DSN)
	c.Google.ClientSecret = stringEnv(EnvGoogleClientSecret, c.Google.ClientSecret)
	c.PublicURL = stringEnv(EnvPublicURL, c.PublicURL)
}

func stringEnv(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

// Validate checks the config and caches the parsed time zone.
func (c *Config) Validate() error {
	u, err := url.Parse(c.PublicURL)
	if c.PublicURL == "" || err != nil || u.Scheme == "" || u.Host == "" {
		return syncerr.Validationf("public_url must be an absolute URL, got %q", c.PublicURL)
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return syncerr.Validationf("invalid timezone %q: %v", c.Timezone, err)
	}
	c.location = loc

	owners := make(map[string]bool, len(c.Owners))
	for _, o := range c.Owners {
		if o.Name == "" {
			return syncerr.Validationf("owner without name")
		}
		if owners[o.Name] {
			return syncerr.Validationf("duplicate owner %q", o.Name)
		}
		owners[o.Name] = true
		if o.RefreshToken == "" && o.TokenFile == "" {
			return syncerr.Validationf("owner %s: refresh_token or token_file is required", o.Name)
		}
	}
	accounts := make(map[string]string, len(c.Accounts))
	for _, a := range c.Accounts {
		if a.Name == "" {
			return syncerr.Validationf("task account without name")
		}
		if _, dup := accounts[a.Name]; dup {
			return syncerr.Validationf("duplicate task account %q", a.Name)
		}
		if !owners[a.Owner] {
			return syncerr.Validationf("task account %s: unknown owner %q", a.Name, a.Owner)
		}
		if a.Token == "" {
			return syncerr.Validationf("task account %s: token is required", a.Name)
		}
		accounts[a.Name] = a.Owner
	}
	for _, m := range c.Matchers {
		if !owners[m.Owner] {
			return syncerr.Validationf("matcher %s: unknown owner %q", m.Name, m.Owner)
		}
		owner, ok := accounts[m.TaskAccount]
		if !ok {
			return syncerr.Validationf("matcher %s: unknown task account %q", m.Name, m.TaskAccount)
		}
		if owner != m.Owner {
			return syncerr.Validationf("matcher %s: task account %s belongs to %s", m.Name, m.TaskAccount, owner)
		}
	}
	_, err = c.MatcherSet()
	return err
}

// Location returns the time zone anchoring all-day values.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		if loc, err := time.LoadLocation(c.Timezone); err == nil {
			c.location = loc
		} else {
			c.location = time.UTC
		}
	}
	return c.location
}

// MatcherSet builds the priority-ordered rule set.
func (c *Config) MatcherSet() (*matcher.Set, error) {
	matchers := make([]model.Matcher, 0, len(c.Matchers))
	for _, m := range c.Matchers {
		matchers = append(matchers, m.Model())
	}
	return matcher.NewSet(matchers)
}

func (c *Config) Owner(name string) (OwnerConfig, bool) {
	for _, o := range c.Owners {
		if o.Name == name {
			return o, true
		}
	}
	return OwnerConfig{}, false
}

func (c *Config) TaskAccount(name string) (AccountConfig, bool) {
	for _, a := range c.Accounts {
		if a.Name == name {
			return a, true
		}
	}
	return AccountConfig{}, false
}

func (c *Config) OwnerActive(owner string) bool {
	o, ok := c.Owner(owner)
	return ok && o.IsActive()
}

func (c *Config) TaskAccounts() []model.TaskAccount {
	out := make([]model.TaskAccount, 0, len(c.Accounts))
	for _, a := range c.Accounts {
		out = append(out, model.TaskAccount{Name: a.Name, Owner: a.Owner})
	}
	return out
}

// Source holds the current config and swaps it on reload. It serves as the
// owner directory of the engine.
type Source struct {
	cfg atomic.Pointer[Config]
}

func NewSource(cfg *Config) *Source {
	s := &Source{}
	s.cfg.Store(cfg)
	return s
}

func (s *Source) Current() *Config {
	return s.cfg.Load()
}

func (s *Source) Swap(cfg *Config) {
	s.cfg.Store(cfg)
}

func (s *Source) OwnerActive(owner string) bool {
	return s.Current().OwnerActive(owner)
}

func (s *Source) TaskAccounts() []model.TaskAccount {
	return s.Current().TaskAccounts()
}
