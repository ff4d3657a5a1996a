// Package main is the entry point for the rate limiter service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/auth-platform/rate-limiter-service/internal/audit"
	"github.com/auth-platform/rate-limiter-service/internal/auth"
	"github.com/auth-platform/rate-limiter-service/internal/broker"
	"github.com/auth-platform/rate-limiter-service/internal/config"
	"github.com/auth-platform/rate-limiter-service/internal/consumer"
	"github.com/auth-platform/rate-limiter-service/internal/events"
	httpapi "github.com/auth-platform/rate-limiter-service/internal/http"
	"github.com/auth-platform/rate-limiter-service/internal/limiter"
	"github.com/auth-platform/rate-limiter-service/internal/observability"
	"github.com/auth-platform/rate-limiter-service/internal/policy"
	"github.com/auth-platform/rate-limiter-service/internal/redis"
)

const serviceName = "rate-limiter-service"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rate-limiter-service: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is fine; the environment wins over the file.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(cfg.Logging)
	slog.SetDefault(logger)
	logger.Info("starting service", slog.Any("config", cfg.LogSafe()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs := observability.New(ctx, observability.Config{
		ServiceName:     serviceName,
		ServiceVersion:  cfg.Tracing.ServiceVersion,
		Environment:     cfg.Tracing.Environment,
		TracingEnabled:  cfg.Tracing.Enabled,
		TracingEndpoint: cfg.Tracing.Endpoint,
	}, logger)
	logger.Info("observability initialized", slog.Bool("tracing_active", obs.TracingActive()))

	store, err := redis.NewClient(cfg.Redis, logger)
	if err != nil {
		return fmt.Errorf("create redis client: %w", err)
	}
	defer store.Close()

	db, err := policy.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	repo, err := policy.NewSQLRepository(ctx, db)
	if err != nil {
		return err
	}

	msgBroker, err := broker.New(cfg.Broker, logger)
	if err != nil {
		return fmt.Errorf("create broker: %w", err)
	}
	defer msgBroker.Close()
	brokerEnabled := !strings.EqualFold(cfg.Broker.Type, "none")

	publisher := events.NewPublisher(msgBroker, events.Config{
		Topic:           cfg.Broker.Topic,
		Workers:         cfg.Publisher.Workers,
		QueueSize:       cfg.Publisher.QueueSize,
		Cooldown:        cfg.Publisher.BreakerCooldown,
		SendTimeout:     cfg.Broker.SendTimeout,
		MaxMessageBytes: cfg.Broker.MaxMessageBytes,
	}, logger, obs.Metrics, obs.Tracer)
	publisher.Start()

	cache := policy.NewCache(store, repo, cfg.Limiter.ConfigCacheTTL, logger, obs.Metrics)
	svc := limiter.NewService(repo, cache, store, publisher, limiter.ServiceConfig{
		MaxPageSize: cfg.Limiter.MaxPageSize,
		Logger:      logger,
		Metrics:     obs.Metrics,
		Tracer:      obs.Tracer,
	})

	handlerCfg := httpapi.HandlerConfig{Store: store, Database: repo, Logger: logger}
	if brokerEnabled {
		handlerCfg.Broker = msgBroker
	}

	var eventConsumer *consumer.Consumer
	if cfg.Consumer.Enabled && brokerEnabled {
		alerts := consumer.NewAlertTracker(consumer.TrackerConfig{
			Threshold:     cfg.Consumer.AlertThreshold,
			Window:        cfg.Consumer.AlertWindow,
			SweepInterval: cfg.Consumer.AlertSweepPeriod,
			OnSweep:       obs.Metrics.SetAlertWindows,
		})
		alerts.Start()
		defer alerts.Close()

		auditLog := audit.NewLogger(audit.Config{
			Output: os.Stdout,
			Format: cfg.Logging.AuditFormat,
		})
		eventConsumer = consumer.New(msgBroker, store, alerts, auditLog, consumer.Config{
			Topic:    cfg.Broker.Topic,
			Workers:  cfg.Consumer.Workers,
			DedupTTL: cfg.Consumer.DedupTTL,
		}, logger, obs.Metrics, obs.Tracer)
		handlerCfg.Stats = eventConsumer.Stats
	}

	var authMW *auth.Middleware
	if cfg.Auth.Enabled() {
		authMW = auth.NewMiddleware(auth.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer), logger)
	}

	router := httpapi.NewRouter(httpapi.NewHandler(svc, handlerCfg), httpapi.RouterConfig{
		MetricsEnabled: cfg.Metrics.Enabled,
		MetricsPath:    cfg.Metrics.Path,
		AuthMiddleware: authMW,
		RequestTimeout: cfg.Server.RequestTimeout,
		Logger:         logger,
		Metrics:        obs.Metrics,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if eventConsumer != nil {
		g.Go(func() error {
			return eventConsumer.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", slog.Duration("timeout", cfg.Server.GracefulTimeout))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
		defer cancel()

		err := server.Shutdown(shutdownCtx)
		publisher.Shutdown(cfg.Server.GracefulTimeout)
		if tErr := obs.Shutdown(shutdownCtx); tErr != nil {
			logger.Warn("tracing shutdown failed", slog.Any("error", tErr))
		}
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error("service stopped with error", slog.Any("error", err))
		return err
	}
	logger.Info("service stopped")
	return nil
}
