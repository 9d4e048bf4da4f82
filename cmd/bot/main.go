package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"ainexus_bot/internal/clock"
	"ainexus_bot/internal/completion"
	"ainexus_bot/internal/config"
	"ainexus_bot/internal/health"
	"ainexus_bot/internal/logging"
	"ainexus_bot/internal/metrics"
	"ainexus_bot/internal/quota"
	"ainexus_bot/internal/ratelimit"
	"ainexus_bot/internal/relay"
	"ainexus_bot/internal/store"
	"ainexus_bot/internal/telegram"
	"ainexus_bot/internal/verification"
)

const (
	backendConnectTimeout = 10 * time.Second
	mongoIndexTimeout     = 5 * time.Second
	backendCloseTimeout   = 5 * time.Second
	healthShutdownTimeout = 5 * time.Second
)

var errTelegramStoppedEarly = errors.New("telegram client stopped before shutdown signal")

type stateBackend struct {
	backend store.Backend
	checker health.StoreChecker
	stats   telegram.Stats
	close   func(ctx context.Context) error
}

func main() {
	configOnly := flag.Bool("config-only", false, "load and print configuration then exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.Error("configuration error", logging.Fields{"error": err})
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		logging.Error("logger setup error", logging.Fields{"error": err})
		fmt.Fprintf(os.Stderr, "logger setup error: %v\n", err)
		os.Exit(1)
	}

	if *configOnly {
		logging.Info("configuration check", logging.Fields{"event": "config_only"})
		fmt.Println("configuration check: ok")
		fmt.Println(config.FormatRedacted(cfg))
		return
	}

	logger.WithFields(logging.Fields{
		"event":         "startup",
		"state_backend": cfg.StateBackend,
		"completion":    cfg.CompletionEnabled(),
		"model":         cfg.OpenAIModel,
	}).Info("configuration loaded")

	state, err := openStateBackend(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("state backend setup error")
		fmt.Fprintf(os.Stderr, "state backend setup error: %v\n", err)
		os.Exit(1)
	}

	recorder := metrics.New()

	var gateway completion.Gateway
	if cfg.CompletionEnabled() {
		openAI, err := completion.NewOpenAIGateway(cfg, logger)
		if err != nil {
			logger.WithError(err).Error("completion gateway setup error")
			fmt.Fprintf(os.Stderr, "completion gateway setup error: %v\n", err)
			os.Exit(1)
		}
		gateway = openAI
	} else {
		logging.Warn("no completion api key, replies fall back to echo", logging.Fields{"event": "completion_disabled"})
	}

	service, err := relay.New(store.NewStateStore(state.backend, clock.System{}, logger),
		relay.WithLimiter(ratelimit.New(cfg.MinInterval)),
		relay.WithGate(verification.NewGate(cfg.FreeLimit)),
		relay.WithLedger(quota.NewLedger(cfg.DailyLimit)),
		relay.WithGateway(gateway),
		relay.WithLogger(logger),
		relay.WithMetrics(recorder),
	)
	if err != nil {
		logger.WithError(err).Error("relay setup error")
		fmt.Fprintf(os.Stderr, "relay setup error: %v\n", err)
		os.Exit(1)
	}

	tgClient, err := telegram.NewClient(cfg, logger,
		telegram.WithRelay(service),
		telegram.WithStats(state.stats),
	)
	if err != nil {
		logger.WithError(err).Error("telegram client setup error")
		fmt.Fprintf(os.Stderr, "telegram client setup error: %v\n", err)
		os.Exit(1)
	}

	logger.WithField("event", "telegram_ready").Info("telegram client initialized")

	healthServer := health.NewServer(cfg.HTTPPort, state.checker, recorder.Handler(), logger)

	signalCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)

	group.Go(func() error {
		tgClient.Start(groupCtx)
		if signalCtx.Err() == nil && groupCtx.Err() == nil {
			return errTelegramStoppedEarly
		}
		return nil
	})

	group.Go(healthServer.ListenAndServe)

	group.Go(func() error {
		<-groupCtx.Done()
		if signalCtx.Err() != nil {
			logger.WithField("event", "shutdown_signal").Info("received termination signal, stopping")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), healthShutdownTimeout)
		defer cancel()
		return healthServer.Shutdown(shutdownCtx)
	})

	// Start returns only after in-flight handlers finish, so their saves
	// land before the backend is closed.
	exitCode := 0
	if err := group.Wait(); err != nil {
		logger.WithField("event", "run_error").WithError(err).Error("bot stopped with error")
		exitCode = 1
	}

	if state.close != nil {
		closeCtx, cancelClose := context.WithTimeout(context.Background(), backendCloseTimeout)
		if err := state.close(closeCtx); err != nil {
			logger.WithError(err).Error("state backend close error")
		} else {
			logger.WithField("event", "backend_disconnect").Info("state backend closed")
		}
		cancelClose()
	}

	logger.WithField("event", "shutdown_complete").Info("shutdown complete")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

func openStateBackend(cfg config.Config, logger *logrus.Entry) (stateBackend, error) {
	switch cfg.StateBackend {
	case config.BackendMongo:
		connectCtx, cancel := context.WithTimeout(context.Background(), backendConnectTimeout)
		manager, err := store.NewManager(connectCtx, cfg)
		cancel()
		if err != nil {
			return stateBackend{}, fmt.Errorf("mongo connection: %w", err)
		}

		logger.WithFields(logging.Fields{
			"event":    "mongo_connect",
			"mongo_db": cfg.MongoDB,
		}).Info("connected to mongo")

		indexCtx, cancelIndexes := context.WithTimeout(context.Background(), mongoIndexTimeout)
		err = manager.EnsureBaseIndexes(indexCtx)
		cancelIndexes()
		if err != nil {
			return stateBackend{}, fmt.Errorf("mongo index setup: %w", err)
		}

		logger.WithField("event", "mongo_indexes").Info("ensured base mongo indexes")

		return stateBackend{
			backend: store.NewMongoBackend(manager.Users()),
			checker: manager,
			stats:   store.NewStatsProvider(manager.Users()),
			close:   manager.Close,
		}, nil

	case config.BackendRedis:
		connectCtx, cancel := context.WithTimeout(context.Background(), backendConnectTimeout)
		backend, err := store.OpenRedis(connectCtx, cfg)
		cancel()
		if err != nil {
			return stateBackend{}, fmt.Errorf("redis connection: %w", err)
		}

		logger.WithFields(logging.Fields{
			"event":      "redis_connect",
			"redis_addr": cfg.RedisAddr,
		}).Info("connected to redis")

		return stateBackend{
			backend: backend,
			checker: backend,
			close:   func(context.Context) error { return backend.Close() },
		}, nil

	default:
		memory := store.NewMemoryBackend()
		logging.Warn("state is kept in memory and lost on restart", logging.Fields{"event": "memory_backend"})
		return stateBackend{backend: memory, stats: memory}, nil
	}
}
