package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"convsync/internal/config"
	"convsync/internal/logger"
	"convsync/internal/pipeline"
	"convsync/pkg/logging"
)

var (
	configFile string
)

// errRetryable makes the process exit non-zero so the external scheduler repeats the run.
var errRetryable = errors.New("run finished with retryable failures")

func main() {
	rootCmd := &cobra.Command{
		Use:          "convsync",
		Short:        "Server-side conversion sync",
		Long:         "Reads visits from the analytics API and forwards consented conversion events to Meta, Google Ads and LinkedIn",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (required)")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var (
		siteIDs []int
		start   string
		end     string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sync one window once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, to, err := parseWindow(start, end)
			if err != nil {
				return err
			}

			return withApp("run", func(ctx context.Context, app *App) error {
				result, err := app.RunOnce(ctx, pipeline.RunOptions{SiteIDs: siteIDs, Start: from, End: to})
				if err != nil {
					return err
				}
				if result.Retry {
					return errRetryable
				}
				return nil
			})
		},
	}

	cmd.Flags().IntSliceVar(&siteIDs, "site", nil, "Site id to sync (repeatable, default: every configured site)")
	cmd.Flags().StringVar(&start, "start", "", "Window start, RFC3339 (default: start of the previous hour)")
	cmd.Flags().StringVar(&end, "end", "", "Window end, RFC3339 (default: start of the current hour)")

	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the hourly sync on a schedule and expose health and metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp("serve", func(ctx context.Context, app *App) error {
				return app.Serve(ctx)
			})
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the settings schema and indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp("migrate", func(ctx context.Context, app *App) error {
				return app.Migrate(ctx)
			})
		},
	}
}

// withApp loads configuration, builds the App for mode and hands it to fn. The App is shut
// down when fn returns or the process is signalled.
func withApp(mode string, fn func(ctx context.Context, app *App) error) error {
	earlyLog := logging.NewEarlyLog()

	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
		if configFile == "" {
			earlyLog.Error("Config file is required. Use --config flag or CONFIG_FILE environment variable")
			return fmt.Errorf("config file is required")
		}
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		earlyLog.Error("Failed to load config: %v", err)
		return err
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		earlyLog.Error("Failed to init logger: %v", err)
		return err
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app := NewApp(cfg, log)
	defer func() {
		if err := app.Shutdown(context.WithoutCancel(ctx)); err != nil {
			log.ErrorwCtx(ctx, "Shutdown failed", "error", err)
		}
	}()

	if err := app.Initialize(ctx, mode); err != nil {
		log.ErrorwCtx(ctx, "Failed to initialize application", "mode", mode, "error", err)
		return err
	}

	if err := fn(ctx, app); err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, errRetryable) {
			log.WarnwCtx(ctx, "Run finished with retryable failures, exiting non-zero")
		} else {
			log.ErrorwCtx(ctx, "Application error", "mode", mode, "error", err)
		}
		return err
	}
	return nil
}

// parseWindow reads the optional --start/--end pair. Both empty selects the default window.
func parseWindow(start, end string) (time.Time, time.Time, error) {
	if start == "" && end == "" {
		return time.Time{}, time.Time{}, nil
	}
	if start == "" || end == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("--start and --end must be given together")
	}

	from, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --start: %w", err)
	}
	to, err := time.Parse(time.RFC3339, end)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --end: %w", err)
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("--end must be after --start")
	}

	return from.UTC(), to.UTC(), nil
}
