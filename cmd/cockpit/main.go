package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"queuesync/internal/api"
	"queuesync/internal/cockpit"
	"queuesync/internal/config"
	"queuesync/internal/domain"
	"queuesync/internal/events"
	"queuesync/internal/logging"
	"queuesync/internal/metrics"
	"queuesync/internal/models"
	"queuesync/internal/repository"
	"queuesync/internal/session"
	"queuesync/internal/view"

	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", defaultConfigPath(), "path to config file")
	email := flag.String("email", os.Getenv("QUEUESYNC_EMAIL"), "provider login identifier")
	password := flag.String("password", os.Getenv("QUEUESYNC_PASSWORD"), "provider login secret")
	flag.Parse()

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
	logger := baseLogger.With().Str("component", "cockpit").Logger()

	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cache := initCache(ctx, cfg, &logger)
	client := api.New(cfg.Backend, &logger)
	bus := events.NewEventBus()

	store := session.NewStore(client, client, cache, bus, cfg.App.Profile, &logger)
	sess, err := login(ctx, store, *email, *password)
	if err != nil {
		return err
	}
	if !sess.IsProvider() {
		return fmt.Errorf("cockpit requires a provider account, got role %q", sess.Role)
	}

	controller := cockpit.NewController(
		client, bus, store, cfg.Cockpit.RefreshInterval(), &logger,
		&boardPrinter{logger: &logger},
	)
	defer controller.Close()
	go controller.Run(ctx)

	logger.Info().Str("provider", sess.Username).Msg("cockpit ready: [n]ext, [f]inish, [r]efresh, [e]xport, [q]uit")
	commandLoop(ctx, controller, cfg.Cockpit.ExportsPath, &logger)

	logger.Info().Msg("Shutdown complete.")
	return nil
}

func defaultConfigPath() string {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		return path
	}
	return "configs/config.yaml"
}

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

func login(ctx context.Context, store *session.Store, email, password string) (*models.Session, error) {
	if sess, err := store.Resume(ctx); err == nil && sess != nil {
		return sess, nil
	}
	if email == "" || password == "" {
		return nil, errors.New("no cached session; set -email/-password or QUEUESYNC_EMAIL/QUEUESYNC_PASSWORD")
	}
	return store.Login(ctx, email, password)
}

// commandLoop reads operator commands from stdin until quit or signal.
func commandLoop(ctx context.Context, controller *cockpit.Controller, exportsPath string, logger *zerolog.Logger) {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(strings.ToLower(scanner.Text()))
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			switch line {
			case "n", "next":
				reportAction(logger, "call next", controller.CallNext(ctx))
			case "f", "finish":
				reportAction(logger, "finish current", controller.FinishCurrent(ctx))
			case "r", "refresh":
				if _, err := controller.Refresh(ctx); err != nil {
					logger.Warn().Err(err).Msg("refresh failed")
				}
			case "e", "export":
				path, err := cockpit.ExportDay(controller.Board(), exportsPath)
				if err != nil {
					logger.Warn().Err(err).Msg("export failed")
				} else {
					logger.Info().Str("file_path", path).Msg("board exported")
				}
			case "q", "quit":
				return
			case "":
			default:
				logger.Info().Str("input", line).Msg("unknown command: use n, f, r, e or q")
			}
		}
	}
}

// reportAction logs an action outcome, keeping user-level rejections
// distinct from transport failures.
func reportAction(logger *zerolog.Logger, action string, err error) {
	switch {
	case err == nil:
		logger.Info().Msgf("%s: done", action)
	case errors.Is(err, cockpit.ErrActionPending):
		logger.Warn().Msgf("%s: previous action still pending", action)
	case errors.Is(err, api.ErrNoOneWaiting), errors.Is(err, api.ErrNothingInProgress):
		logger.Warn().Err(err).Msgf("%s: rejected", action)
	default:
		logger.Error().Err(err).Msgf("%s: failed", action)
	}
}

// boardPrinter renders the serving board after every refresh.
type boardPrinter struct {
	logger *zerolog.Logger
}

func (p *boardPrinter) OnBoard(board models.Board) {
	serving := "-"
	if board.CurrentlyServing != nil {
		serving = view.TokenLabel(board.CurrentlyServing.TokenNumber)
	}
	p.logger.Info().
		Str("serving", serving).
		Ints("waiting", cockpit.WaitingTokens(&board)).
		Msg("board updated")
}
