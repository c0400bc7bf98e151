package main

import (
	"context"
	"fmt"
	"os"

	"github.com/segmentio/encoding/json"
	"github.com/spf13/cobra"

	"github.com/tejusbharadwaj/blueconnect/internal/api"
	"github.com/tejusbharadwaj/blueconnect/internal/coordinator"
	"github.com/tejusbharadwaj/blueconnect/internal/integration"
	"github.com/tejusbharadwaj/blueconnect/internal/registry"
	"github.com/tejusbharadwaj/blueconnect/internal/scheduler"
	"github.com/tejusbharadwaj/blueconnect/internal/sink"
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Fetch once and print the entities",
	Long: `Run the update command of a passive entry once and print every entity
it produced as JSON. Nothing is scheduled, recorded or published.`,
	RunE: runUpdate,
}

func init() {
	rootCmd.AddCommand(updateCmd)
}

func runUpdate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging)
	store := sink.NewMemoryStore()

	validator, err := api.NewCredentialValidator(clientFactory(cfg, logger), 1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	entry, err := integration.Setup(ctx, integration.Config{
		Username: cfg.Entry.Username,
		Password: cfg.Entry.Password,
		Update: coordinator.Config{
			Interval: cfg.Update.Interval,
			Timeout:  cfg.Update.Timeout,
			Overlap:  scheduler.Overlap(cfg.Update.Overlap),
		},
		Retention: registry.Retention(cfg.Registry.Retention),
		Passive:   true,
	}, integration.Dependencies{
		Sink:      store,
		NewClient: clientFactory(cfg, logger),
		Validator: validator,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("setting up entry: %w", err)
	}

	updateErr := entry.Call(ctx, integration.ServiceUpdate)
	if err := entry.Unload(); err != nil {
		logger.WithError(err).Warn("Failed to unload entry")
	}
	if updateErr != nil {
		return fmt.Errorf("update failed: %w", updateErr)
	}

	out, err := json.MarshalIndent(store.GetAll(), "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(out))
	return err
}
