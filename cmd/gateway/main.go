package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vyvo/appbuilder/pkg/builds"
	"github.com/vyvo/appbuilder/pkg/config"
	"github.com/vyvo/appbuilder/pkg/controller"
	"github.com/vyvo/appbuilder/pkg/engine"
	"github.com/vyvo/appbuilder/pkg/flows"
	"github.com/vyvo/appbuilder/pkg/github"
	"github.com/vyvo/appbuilder/pkg/registry"
	"github.com/vyvo/appbuilder/pkg/session"
	"github.com/vyvo/appbuilder/pkg/telemetry"
)

func main() {
	cfg, err := config.LoadGateway()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Log.Debug)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := telemetry.InitTracer(ctx, telemetry.Options{
		ServiceName: cfg.Telemetry.ServiceName,
		Enabled:     cfg.Telemetry.Enabled,
		Logger:      logger,
	})
	defer func() { _ = shutdownTracer(context.Background()) }()

	client := engine.NewClient(cfg.Engine.BaseURL, cfg.Engine.ClientOptions()...)

	sessions, closeSessions, err := openSessions(ctx, cfg)
	if err != nil {
		logger.Fatal("session store init failed", zap.Error(err))
	}
	defer closeSessions()

	buildStore, closeBuilds, err := openBuilds(ctx, cfg)
	if err != nil {
		logger.Fatal("build store init failed", zap.Error(err))
	}
	defer closeBuilds()

	ctrlOpts := []controller.Option{
		controller.WithSelector(flows.NewSelector(cfg.Flows)),
		controller.WithPollConfig(cfg.Poll),
		controller.WithResolver(cfg.Resolver.Resolver()),
	}
	if cfg.Github.Token != "" {
		verifier, err := github.NewVerifier(ctx, cfg.Github.Token, cfg.Github.BaseURL)
		if err != nil {
			logger.Fatal("github verifier init failed", zap.Error(err))
		}
		ctrlOpts = append(ctrlOpts, controller.WithVerifier(verifier))
	}

	reg := registry.New(func(sessionID string) *controller.Controller {
		opts := append([]controller.Option{controller.WithLogger(logger.With(zap.String("session_id", sessionID)))}, ctrlOpts...)
		return controller.New(client, opts...)
	})

	// Builds survive the request that started them but not the process.
	srv := newServer(ctx, client, sessions, builds.NewLog(buildStore), reg, logger)

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.routes(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("gateway shutdown error", zap.Error(err))
		}
	}()

	logger.Info("gateway listening",
		zap.String("addr", cfg.ListenAddr),
		zap.String("engine", cfg.Engine.BaseURL),
		zap.Duration("poll_budget", cfg.Poll.Budget()),
	)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("gateway listen failed", zap.Error(err))
	}

	<-ctx.Done()
	reg.Shutdown()
	logger.Info("gateway stopped")
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func openSessions(ctx context.Context, cfg config.Config) (session.Store, func(), error) {
	if cfg.RedisURL == "" {
		return session.NewMemStore(), func() {}, nil
	}
	store, err := session.NewRedisStore(ctx, cfg.RedisURL, cfg.SessionTTL)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}

func openBuilds(ctx context.Context, cfg config.Config) (builds.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		return builds.NewMemStore(), func() {}, nil
	}
	store, err := builds.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}
