package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/esdandreu/gcal2clickup/pkg/config"
	"github.com/esdandreu/gcal2clickup/pkg/syncerr"
)

// version is set at build time via ldflags.
var version = "dev"

// Global flags.
var (
	flagConfig   string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "gcal2clickup",
	Short: "Mirror Google Calendar events and ClickUp tasks",
	Long: `gcal2clickup keeps Google Calendar events and ClickUp tasks in sync.
Matchers in the config decide which events become tasks and which tagged
tasks become events; push notifications from both sides drive the updates.`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config file (default ~/.config/gcal2clickup/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.AddCommand(serveCmd, maintainCmd, pollCmd, checkConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if syncerr.IsValidation(err) || errors.Is(err, config.ErrNotFound) {
			os.Exit(2) //nolint:mnd // exit code 2 for configuration errors
		}
		os.Exit(1)
	}
}

func configPath() (string, error) {
	if flagConfig != "" {
		return flagConfig, nil
	}
	return config.DefaultPath()
}

func newLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(flagLogLevel))); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", flagLogLevel, err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
}
