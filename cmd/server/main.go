package main

import (
	"chat-relay/internal/auth"
	"chat-relay/internal/delivery"
	"chat-relay/internal/metrics"
	"chat-relay/internal/presence"
	"chat-relay/internal/server"
	"chat-relay/internal/storage"
	"context"
	"fmt"
	"github.com/caarlos0/env/v6"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"log"
	"os"
	"time"
)

// messageStore is what the router and the HTTP endpoints need from either store driver
type messageStore interface {
	delivery.Store
	server.Store
	Close()
}

func newLogger() (*zap.Logger, error) {
	if os.Getenv("APP_ENV") == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func main() {
	logger, err := newLogger()
	if err != nil {
		log.Fatalf("zap.NewDevelopment: %v", err)
	}
	defer logger.Sync()

	sugar := logger.Sugar()
	sugar.Info("Application is starting")

	cfg := server.EnvConfig{}
	if err := env.Parse(&cfg); err != nil {
		sugar.Fatalf("Cannot parse env config: %v", err)
	}

	store, err := openStore(sugar, cfg.StoreDriver)
	if err != nil {
		sugar.Fatalf("Cannot open message store: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	registry := presence.NewRegistry()
	registry.SetMetrics(m)

	router := delivery.NewRouter(sugar, store, registry,
		delivery.WithMetrics(m),
		delivery.MaxBodyLength(cfg.MaxBodyLength),
	)

	verifier := auth.NewManager(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer})

	serverOpts := []server.Option{
		server.WithEnvConfig(cfg),
		server.ReadTimeout(5 * time.Second),
		server.WithMetrics(m, reg),
		server.RegisterAfterShutdown(func() {
			sugar.Info("Closing store")
			store.Close()
			sugar.Info("Store is closed")
		}),
	}

	srv, err := server.NewServer(sugar, verifier, router, registry, store, serverOpts...)
	if err != nil {
		sugar.Fatalf("Cannot create Server instance: %v", err)
	}

	if err := srv.Start(); err != nil {
		sugar.Fatalf("Cannot start http srv: %v", err)
	}
}

// openStore connects to the configured store and makes sure it is usable before any connection is accepted
func openStore(logger *zap.SugaredLogger, driver string) (messageStore, error) {
	switch driver {
	case "memory":
		logger.Warn("Using in-memory store, messages do not survive a restart")
		return storage.NewMemStore(), nil
	case "postgres":
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}

	dbCfg := storage.Config{}
	if err := env.Parse(&dbCfg); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := storage.New(ctx, logger, dbCfg, storage.ConnectionTimeout(10*time.Second))
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}

	return store, nil
}
