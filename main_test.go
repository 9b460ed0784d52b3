package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esdandreu/gcal2clickup/pkg/syncerr"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		flagConfig, flagLogLevel = "", "info"
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCheckConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
public_url: https://sync.example.com
owners: [{name: alice, refresh_token: rt}]
task_accounts: [{name: alice-clickup, owner: alice, token: pk}]
matchers:
  - {name: m, owner: alice, calendar_id: primary, task_account: alice-clickup, list_id: "1", name_pattern: "^TEST"}
`), 0o600))

	out, err := runCLI(t, "check-config", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "1 owners, 1 task accounts, 1 matchers")
}

func TestCheckConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("owners: []\n"), 0o600))

	_, err := runCLI(t, "check-config", "--config", path)
	assert.True(t, syncerr.IsValidation(err))
}

func TestInvalidLogLevel(t *testing.T) {
	flagLogLevel = "loud"
	t.Cleanup(func() { flagLogLevel = "info" })
	_, err := newLogger()
	assert.Error(t, err)
}
