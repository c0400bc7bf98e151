// Command blueconnect bridges a Blue Connect pool monitor account into
// entity states that are kept in memory, recorded to SQL, published over
// AMQP and served over HTTP and gRPC.
//
// Usage:
//
//	blueconnect serve -c config.yaml     # Poll the API and serve the admin surface
//	blueconnect validate -c config.yaml  # Validate configuration
//	blueconnect update -c config.yaml    # Fetch once and print the entities
//	blueconnect version                  # Show version info
//
// Every setting can be overridden with a BLUECONNECT_ prefixed environment
// variable, e.g. BLUECONNECT_ENTRY_PASSWORD.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tejusbharadwaj/blueconnect/internal/api"
	"github.com/tejusbharadwaj/blueconnect/internal/config"
)

// Version information, set at build time via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "blueconnect",
	Short: "Blue Connect pool monitor bridge",
	Long: `blueconnect polls the Blue Connect cloud API for the first pool of an
account and turns the probe, the pool status and every measurement into
entities with a stable id.

Entities are created on the first snapshot that contains them and updated
in place afterwards. The admin surface serves their states, a force update
command, live event streams and prometheus metrics.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func main() {
	Execute()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("blueconnect %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to config file (environment only when empty)")
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads and validates the file named by the --config flag
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newLogger creates the process logger from the logging section
func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	if strings.EqualFold(cfg.Format, "text") {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logger.WithField("level", cfg.Level).Warn("Unknown log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// clientFactory builds BlueClients sharing the api section of cfg
func clientFactory(cfg *config.Config, logger *logrus.Logger) api.ClientFactory {
	return func(username, password string) api.Client {
		return api.NewBlueClient(api.Config{
			URL:       cfg.API.URL,
			Username:  username,
			Password:  password,
			Language:  cfg.Entry.Language,
			RateLimit: cfg.API.RateLimit,
			RateBurst: cfg.API.RateBurst,
			Timeout:   cfg.API.Timeout,
		}, logger)
	}
}
