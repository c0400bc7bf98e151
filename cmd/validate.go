package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tejusbharadwaj/blueconnect/internal/api"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a configuration file without starting anything.

With --check-credentials the username and password are also checked with a
live user lookup, the same way serve does before it starts polling.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().Bool("check-credentials", false, "verify the credentials against the API")
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	check, _ := cmd.Flags().GetBool("check-credentials")
	if check {
		logger := newLogger(cfg.Logging)
		validator, err := api.NewCredentialValidator(clientFactory(cfg, logger), 1)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Update.Timeout)
		defer cancel()
		if err := validator.Validate(ctx, cfg.Entry.Username, cfg.Entry.Password); err != nil {
			return fmt.Errorf("credential check failed: %w", err)
		}
	}

	fmt.Printf("Config is valid!\n")
	fmt.Printf("  User:            %s\n", cfg.Entry.Username)
	fmt.Printf("  Language:        %s\n", cfg.Entry.Language)
	fmt.Printf("  Update interval: %s (timeout %s, overlap %s)\n", cfg.Update.Interval, cfg.Update.Timeout, cfg.Update.Overlap)
	fmt.Printf("  Retention:       %s\n", cfg.Registry.Retention)
	fmt.Printf("  Recorder:        %v\n", cfg.Recorder.Enabled)
	fmt.Printf("  Broker:          %v\n", cfg.Broker.Enabled)
	if check {
		fmt.Printf("  Credentials:     ok\n")
	}
	return nil
}
