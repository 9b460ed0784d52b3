package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esdandreu/gcal2clickup/pkg/clickup"
	"github.com/esdandreu/gcal2clickup/pkg/syncerr"
)

const sample = `
public_url: https://sync.example.com
timezone: Europe/Madrid
poll_interval: 30m
google:
  client_id: id.apps.googleusercontent.com
  client_secret: from-file
owners:
  - name: alice
    refresh_token: rt-alice
  - name: bob
    active: false
    token_file: /var/lib/gcal2clickup/bob.json
task_accounts:
  - name: alice-clickup
    owner: alice
    token: pk_alice
matchers:
  - name: meetings
    owner: alice
    calendar_id: primary
    task_account: alice-clickup
    list_id: "900"
    name_pattern: "^TEST"
    tags: [work]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, sample)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.Path())
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, 30*time.Minute, cfg.PollInterval)
	assert.Equal(t, 24*time.Hour, cfg.EndGap)
	assert.Equal(t, 7*24*time.Hour, cfg.WatchTTL)
	assert.Equal(t, clickup.DefaultBaseURL, cfg.ClickUp.BaseURL)
	assert.Equal(t, "gcal2clickup", cfg.SyncTag)
	assert.Equal(t, "file://"+filepath.Join(filepath.Dir(path), "state.json"), cfg.Storage.DSN)
	assert.Equal(t, "Europe/Madrid", cfg.Location().String())

	assert.True(t, cfg.OwnerActive("alice"))
	assert.False(t, cfg.OwnerActive("bob"))
	assert.False(t, cfg.OwnerActive("carol"))
	require.Len(t, cfg.TaskAccounts(), 1)
	assert.Equal(t, "alice", cfg.TaskAccounts()[0].Owner)

	set, err := cfg.MatcherSet()
	require.NoError(t, err)
	m, ok := set.Get("meetings")
	require.True(t, ok)
	assert.Equal(t, "900", m.ListID)
	assert.Equal(t, []string{"work"}, m.Tags)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv(EnvStorageDSN, "postgres://db/sync")
	t.Setenv(EnvGoogleClientSecret, "from-env")
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, "postgres://db/sync", cfg.Storage.DSN)
	assert.Equal(t, "from-env", cfg.Google.ClientSecret)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no public url", `owners: []`},
		{"bad timezone", "public_url: https://x\ntimezone: Mars/Olympus"},
		{"owner without token", "public_url: https://x\nowners: [{name: alice}]"},
		{"account of unknown owner", `
public_url: https://x
task_accounts: [{name: a, owner: ghost, token: t}]`},
		{"matcher across owners", `
public_url: https://x
owners: [{name: alice, refresh_token: r}, {name: bob, refresh_token: r}]
task_accounts: [{name: a, owner: alice, token: t}]
matchers: [{name: m, owner: bob, calendar_id: primary, task_account: a, list_id: "1", name_pattern: x}]`},
		{"invalid pattern", `
public_url: https://x
owners: [{name: alice, refresh_token: r}]
task_accounts: [{name: a, owner: alice, token: t}]
matchers: [{name: m, owner: alice, calendar_id: primary, task_account: a, list_id: "1", name_pattern: "("}]`},
		{"malformed yaml", "public_url: [unterminated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.True(t, syncerr.IsValidation(err), "got %v", err)
		})
	}
}

func TestSourceSwap(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	src := NewSource(cfg)
	assert.True(t, src.OwnerActive("alice"))

	next := *cfg
	inactive := false
	next.Owners = []OwnerConfig{{Name: "alice", Active: &inactive, RefreshToken: "rt"}}
	src.Swap(&next)
	assert.False(t, src.OwnerActive("alice"))
	assert.Len(t, src.TaskAccounts(), 1)
}
