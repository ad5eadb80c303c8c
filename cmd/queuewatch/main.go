package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"queuesync/internal/api"
	"queuesync/internal/config"
	"queuesync/internal/domain"
	"queuesync/internal/events"
	"queuesync/internal/logging"
	"queuesync/internal/metrics"
	"queuesync/internal/models"
	"queuesync/internal/queue"
	"queuesync/internal/repository"
	"queuesync/internal/session"
	"queuesync/internal/view"
	"queuesync/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", defaultConfigPath(), "path to config file")
	appointmentID := flag.Int64("appointment", 0, "appointment id to track")
	email := flag.String("email", os.Getenv("QUEUESYNC_EMAIL"), "login identifier")
	password := flag.String("password", os.Getenv("QUEUESYNC_PASSWORD"), "login secret")
	flag.Parse()

	if *appointmentID <= 0 {
		return errors.New("-appointment is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func(c io.Closer) { _ = c.Close() })(closer)
	}
	logger := baseLogger.With().Str("component", "queuewatch").Logger()

	metrics.Register()
	startMetricsServer(cfg.Monitoring, &logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cache := initCache(ctx, cfg, &logger)
	client := api.New(cfg.Backend, &logger)

	bus := events.NewEventBus()
	subscribeQueueEvents(bus, &logger)

	store := session.NewStore(client, client, cache, bus, cfg.App.Profile, &logger)
	if err := establishSession(ctx, store, *email, *password); err != nil {
		return err
	}

	var dialer domain.StreamDialer
	if cfg.Queue.StreamEnabled {
		dialer = queue.NewWSDialer(cfg.Backend.WSURL, &logger)
	}

	tracker := queue.NewTracker(
		client, dialer, store, cache, bus, store,
		cfg.Queue.PollInterval(),
		worker.DefaultStreamRetry(cfg.Queue.StreamMaxRedials),
		&logger,
	)

	sub := tracker.Start(ctx, *appointmentID, &consoleObserver{logger: &logger})
	logger.Info().
		Int64("appointment_id", *appointmentID).
		Str("subscription", sub.ID).
		Msg("tracking queue position")

	select {
	case <-ctx.Done():
	case <-sub.Done():
		logger.Warn().Msg("subscription ended")
	}
	tracker.StopAll()
	logger.Info().Msg("Shutdown complete.")
	return nil
}

func defaultConfigPath() string {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		return path
	}
	return "configs/config.yaml"
}

// initCache wires the redis-backed cache with in-memory failover, or
// memory only when redis is not configured.
func initCache(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) domain.ClientCache {
	memory := repository.NewMemoryCache(24 * time.Hour)
	if cfg.Redis.Address == "" {
		return memory
	}

	redisClient := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(ctx, redisClient); err != nil {
		logger.Warn().Err(err).Msg("Redis unavailable")
	}
	primary := repository.NewRedisCache(redisClient, 24*time.Hour)
	return repository.NewFailoverCache(primary, memory, logger)
}

// establishSession resumes a cached session or logs in with the given
// credentials.
func establishSession(ctx context.Context, store *session.Store, email, password string) error {
	if sess, err := store.Resume(ctx); err == nil && sess != nil {
		return nil
	}
	if email == "" || password == "" {
		return errors.New("no cached session; set -email/-password or QUEUESYNC_EMAIL/QUEUESYNC_PASSWORD")
	}
	_, err := store.Login(ctx, email, password)
	return err
}

func startMetricsServer(cfg config.MonitoringConfig, logger *zerolog.Logger) {
	if !cfg.PrometheusEnabled {
		return
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.PrometheusPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()
}

func subscribeQueueEvents(bus *events.EventBus, logger *zerolog.Logger) {
	bus.Subscribe(events.EventSessionChanged, func(ev *events.Event) error {
		logger.Debug().RawJSON("payload", ev.Payload).Msg("session changed")
		return nil
	})
}

// consoleObserver renders snapshots for the terminal.
type consoleObserver struct {
	logger *zerolog.Logger
}

func (o *consoleObserver) OnSnapshot(snap models.QueueSnapshot) {
	state := view.Project(snap)
	o.logger.Info().
		Str("your_token", view.TokenLabel(snap.YourToken)).
		Str("serving", view.ServingLabel(snap)).
		Msg(view.Label(state))
}

func (o *consoleObserver) OnStale(err error, last *models.QueueSnapshot) {
	if last == nil {
		o.logger.Error().Err(err).Msg("queue position unavailable")
		return
	}
	state := view.Project(*last)
	o.logger.Warn().Err(err).
		Str("your_token", view.TokenLabel(last.YourToken)).
		Msgf("showing stale data: %s", view.Label(state))
}
