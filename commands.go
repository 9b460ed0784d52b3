package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/esdandreu/gcal2clickup/pkg/config"
	"github.com/esdandreu/gcal2clickup/pkg/engine"
)

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run one maintenance pass and exit",
	Long: `Reconcile ClickUp webhooks, renew expiring calendar channels, drop channels
no matcher uses, poll every calendar, create events for tagged tasks whose
webhook was missed and prune items that ended more than end_gap ago.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()
		rep, err := a.engine.Maintain(cmd.Context())
		if printErr := printJSON(rep); printErr != nil {
			return printErr
		}
		return err
	},
}

var pollCmd = &cobra.Command{
	Use:   "poll [owner calendar_id]",
	Short: "Poll calendars once, all of them or a single one",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 0 && len(args) != 2 {
			return fmt.Errorf("expected no arguments or owner and calendar_id, got %d", len(args))
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.engine.EnsureSubscriptions(cmd.Context()); err != nil {
			a.logger.Warn("opening calendar subscriptions failed", "error", err)
		}
		var res engine.Result
		if len(args) == 2 {
			res, err = a.engine.PollSubscription(cmd.Context(), args[0], args[1])
		} else {
			res, err = a.engine.PollAll(cmd.Context())
		}
		if printErr := printJSON(res); printErr != nil {
			return printErr
		}
		return err
	},
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d owners, %d task accounts, %d matchers\n",
			cfg.Path(), len(cfg.Owners), len(cfg.Accounts), len(cfg.Matchers))
		return nil
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
