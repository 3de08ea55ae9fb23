// Package cmd defines and implements the CLI commands for the batchfetch executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/batchfetch/internal/app"
	"github.com/JakeFAU/batchfetch/internal/config"
	"github.com/JakeFAU/batchfetch/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. It's a variable so tests can inject
// collaborators.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger)
}

type rootOptions struct {
	configPath string
	logLevel   string
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "batchfetch",
		Short: "Fetch batches of URLs under bounded concurrency and memory.",
		Long: `batchfetch turns a list of URLs into a stream of results. It caps
concurrent backend calls, serves repeats from a response cache, retries
transient failures with backoff and pauses new work while memory is tight.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Runs after flags are parsed but before the subcommand's RunE, so
		// flag overrides land in the config the App is built from.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if opts.logLevel != "" {
				cfg.Logging.Level = opts.logLevel
			}
			if err := applyFlagOverrides(cmd, &cfg); err != nil {
				return err
			}
			logger, err := logging.Build(logging.Options{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if appInstance, ok := cmd.Context().Value(appKey).(*app.App); ok && appInstance != nil {
				if err := appInstance.Close(); err != nil {
					return fmt.Errorf("close services: %w", err)
				}
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(newFetchCmd())
	cmd.AddCommand(newServeCmd())
	return cmd
}

// applyFlagOverrides copies explicitly set subcommand flags onto cfg and
// re-validates it.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	var err error
	if flags.Changed("concurrency") {
		cfg.Fetch.MaxConcurrentRequests, err = flags.GetInt("concurrency")
	}
	if err == nil && flags.Changed("preserve-order") {
		cfg.Fetch.PreserveOrder, err = flags.GetBool("preserve-order")
	}
	if err == nil && flags.Changed("backend") {
		cfg.Backend.Kind, err = flags.GetString("backend")
	}
	if err == nil && flags.Changed("port") {
		cfg.Server.Port, err = flags.GetInt("port")
	}
	if err != nil {
		return fmt.Errorf("read flags: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("flag overrides: %w", err)
	}
	return nil
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the command
// context so runs and the server wind down cleanly.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "batchfetch:", err)
		stop()
		os.Exit(1)
	}
}
