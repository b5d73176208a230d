package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/notiq/notiq/internal/config"
	"github.com/notiq/notiq/internal/infrastructure/db"
	httpapi "github.com/notiq/notiq/internal/interfaces/http"
	"github.com/notiq/notiq/internal/notification"
	"github.com/notiq/notiq/internal/persistence"
	"github.com/notiq/notiq/internal/persistence/redis"
)

const (
	appName = "notiqd"
	version = "v0.3.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	var configPath string

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Multi-tenant messaging daemon",
		Version: version,
		Long: `notiqd serves the v2 messaging API: queues and topics, message posting
and publishing, consume claims, webhook and queue subscriptions, and
per-resource monitor accounting.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the messaging daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the daemon version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", appName, version)
		},
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("logging.level %q: %w", cfg.Logging.Level, err)
	}
	zerolog.SetGlobalLevel(level)

	driver, err := redis.NewDriver(cfg.Drivers.Storage.Redis, log.Logger)
	if err != nil {
		return err
	}
	defer driver.Close()
	store := driver.Store()

	pingers := []httpapi.Pinger{driver}

	if cfg.Drivers.Control.Backend == "postgres" {
		manager, err := db.NewManager(cfg.Drivers.Control.Postgres)
		if err != nil {
			return err
		}
		defer manager.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = manager.EnsureSchema(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("ensure control-plane schema: %w", err)
		}

		// The redis message controller keeps backing live queue counts.
		stats, _ := store.Messages.(persistence.QueueStatsSource)
		store.Topics, store.Subscriptions, store.Monitors = manager.Controllers(stats)
		pingers = append(pingers, manager)

		log.Info().Msg("Control plane on postgres")
	}

	metrics := httpapi.NewMetricsRegistry()

	dispatcher := notification.NewDispatcher(
		notification.NewRetryEngine(cfg.Notification.MaxNotifierRetries),
		notification.NewWebhookTask(
			&http.Client{},
			notification.NewBreakerManager(),
			notification.NewHostLimiter(cfg.Notification.RateLimitRPS, cfg.Notification.RateLimitBurst),
		),
		notification.NewQueueTask(),
		cfg.Notification.Workers,
		metrics,
	)

	srv := httpapi.NewServer(cfg, store, dispatcher, metrics, log.Logger, pingers...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
