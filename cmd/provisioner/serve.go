package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/provisioner/pkg/api"
	"github.com/cuemby/provisioner/pkg/config"
	"github.com/cuemby/provisioner/pkg/credentials"
	"github.com/cuemby/provisioner/pkg/events"
	"github.com/cuemby/provisioner/pkg/launchspec"
	"github.com/cuemby/provisioner/pkg/log"
	"github.com/cuemby/provisioner/pkg/metrics"
	"github.com/cuemby/provisioner/pkg/reconciler"
	"github.com/cuemby/provisioner/pkg/registry"
	"github.com/cuemby/provisioner/pkg/security"
	"github.com/cuemby/provisioner/pkg/storage"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the provisioner API server",
	Long: `Run the provisioner API server.

Settings are read from the YAML file given with --config; flags override
the file.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "Path to the YAML configuration file")
	serveCmd.Flags().String("listen-addr", "", "Address for the HTTP API")
	serveCmd.Flags().String("data-dir", "", "Data directory for the database")
	serveCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
	serveCmd.Flags().Bool("log-json", false, "Log as JSON")
	serveCmd.Flags().Bool("auth-disabled", false, "Skip scope checks (development only)")

	rootCmd.AddCommand(serveCmd)
}

// loadConfig reads the config file and applies flag overrides
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("listen-addr") {
		cfg.ListenAddr, _ = flags.GetString("listen-addr")
	}
	if flags.Changed("data-dir") {
		cfg.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-json") {
		cfg.Log.JSON, _ = flags.GetBool("log-json")
	}
	if flags.Changed("auth-disabled") {
		cfg.Auth.Disabled, _ = flags.GetBool("auth-disabled")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	logger := log.WithComponent("main")
	metrics.SetVersion(Version)

	store, err := storage.NewBoltStore(cfg.DataDir, registry.Partitions...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()
	store.SetRetryPolicy(cfg.MaxUpdateRetries, cfg.UpdateRetryInterval)
	metrics.SetComponent("storage", true, "")

	encryptionKey := cfg.EncryptionKey
	if encryptionKey == "" {
		logger.Warn().Msg("No encryptionKey configured, deriving the secret key from provisionerId")
		encryptionKey = "provisioner-" + cfg.ProvisionerID
	}
	sealer, err := security.NewSecretsManagerFromPassword(encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to initialize secret encryption: %w", err)
	}

	issuer, err := credentials.NewTemporaryIssuer(cfg.Credentials.ClientID, cfg.Credentials.AccessToken)
	if err != nil {
		return err
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	go logEvents(sub)

	reg := registry.New(registry.Options{
		Store: store,
		Validator: launchspec.NewGenerator(launchspec.Config{
			KeyPrefix:          cfg.KeyPrefix,
			ProvisionerID:      cfg.ProvisionerID,
			ProvisionerBaseURL: cfg.ProvisionerBaseURL,
		}),
		Issuer: issuer,
		Sealer: sealer,
		Events: broker,
	})

	recon := reconciler.NewReconciler(reg, cfg.SecretSweepInterval)
	recon.Start()
	defer recon.Stop()

	server := api.NewServer(reg, api.Config{
		AuthDisabled:       cfg.Auth.Disabled,
		RateLimitPerSecond: cfg.RateLimit.PerSecond,
		RateLimitBurst:     cfg.RateLimit.Burst,
	})
	if cfg.Auth.Disabled {
		logger.Warn().Msg("Scope checks are disabled")
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.ListenAddr); err != nil {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()

	logger.Info().
		Str("listen_addr", cfg.ListenAddr).
		Str("data_dir", cfg.DataDir).
		Str("provisioner_id", cfg.ProvisionerID).
		Str("version", Version).
		Msg("Provisioner started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("Shutting down after server failure")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		logger.Warn().Err(err).Msg("HTTP server did not shut down cleanly")
	}

	return runErr
}

// logEvents writes every registry event to the log until the broker
// closes the subscription
func logEvents(sub events.Subscriber) {
	logger := log.WithComponent("events")
	for event := range sub {
		e := logger.Info().
			Str("event_id", event.ID).
			Str("type", string(event.Type))
		for k, v := range event.Metadata {
			e = e.Str(k, v)
		}
		e.Msg(event.Message)
	}
}
