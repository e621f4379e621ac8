// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package server wires configuration, storage and the sync service into an HTTP handler.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mobiletoly/go-queuesync/internal/config"
	"github.com/mobiletoly/go-queuesync/internal/database"
	"github.com/mobiletoly/go-queuesync/queuesync"
)

// ServerComponents holds the initialized server components
type ServerComponents struct {
	Pool        *pgxpool.Pool
	SyncService *queuesync.SyncService
	JWTAuth     *queuesync.JWTAuth
	Events      *queuesync.LocalEventBus
	Handler     http.Handler
	Registry    *prometheus.Registry
	Logger      *slog.Logger
	cancel      context.CancelFunc
}

// LoadMapper reads the entity declaration file
func LoadMapper(path string) (*queuesync.EntityMapper, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open entity declaration: %w", err)
	}
	defer f.Close()
	decl, err := queuesync.LoadEntityDeclaration(f)
	if err != nil {
		return nil, err
	}
	return queuesync.NewEntityMapperFromDeclaration(decl)
}

// SetupServer connects to the database, applies migrations and builds the handler
func SetupServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*ServerComponents, error) {
	if err := cfg.ValidateAuth(); err != nil {
		return nil, err
	}
	mapper, err := LoadMapper(cfg.EntitiesFile)
	if err != nil {
		return nil, err
	}

	if err := database.Migrate(cfg.DatabaseURL, logger); err != nil {
		return nil, err
	}
	pool, err := database.Connect(ctx, cfg.DatabaseURL, "go-queuesync", logger)
	if err != nil {
		return nil, err
	}

	components, err := NewServerComponents(ctx, pool, mapper, cfg, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return components, nil
}

// NewServerComponents builds the service and router over an existing pool
func NewServerComponents(ctx context.Context, pool *pgxpool.Pool, mapper *queuesync.EntityMapper, cfg *config.Config, logger *slog.Logger) (*ServerComponents, error) {
	ctx, cancel := context.WithCancel(ctx)
	fail := func(err error) (*ServerComponents, error) {
		cancel()
		return nil, err
	}

	storage, err := queuesync.NewLocalFileStorage(cfg.StorageDir, cfg.PublicBaseURL)
	if err != nil {
		return fail(err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	serviceConfig := &queuesync.ServiceConfig{
		AppName:                 "go-queuesync",
		DisableAccessValidation: cfg.AccessValidationDisabled,
		MaxTxAttempts:           cfg.TxMaxAttempts,
		MaxBatchSize:            cfg.MaxBatchSize,
		ParentCacheSize:         cfg.ParentCacheSize,
		ParentCacheTTL:          cfg.ParentCacheTTL,
		StageMetrics:            queuesync.NewPrometheusStageMetrics(registry),
		LogStageTimings:         cfg.LogStageTimings,
	}
	events := queuesync.NewLocalEventBus(logger)
	ports := queuesync.NewPostgresPorts(pool, storage, events, serviceConfig, logger)
	syncService, err := queuesync.NewSyncService(mapper, ports, serviceConfig, logger)
	if err != nil {
		return fail(err)
	}

	var jwtAuth *queuesync.JWTAuth
	if cfg.JWKSURL != "" {
		jwtAuth, err = queuesync.NewJWKSAuth(ctx, cfg.JWKSURL, cfg.JWKSRefresh, logger)
		if err != nil {
			_ = syncService.Close()
			return fail(err)
		}
	} else {
		jwtAuth = queuesync.NewJWTAuth(cfg.JWTSecret)
	}

	syncHandlers := queuesync.NewHTTPSyncHandlers(syncService, jwtAuth, logger)
	syncHandlers.SetMaxUploadBytes(cfg.MaxUploadBytes)
	metrics := newHTTPMetrics(registry)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.middleware)

	r.Get("/health", HandleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.Group(func(r chi.Router) {
		r.Use(jwtAuth.Middleware)
		syncHandlers.Routes(r)
		r.Get("/files/*", syncHandlers.HandleServeFile)
	})

	return &ServerComponents{
		Pool:        pool,
		SyncService: syncService,
		JWTAuth:     jwtAuth,
		Events:      events,
		Handler:     r,
		Registry:    registry,
		Logger:      logger,
		cancel:      cancel,
	}, nil
}

// Close stops background work; the pool is closed as well
func (c *ServerComponents) Close() {
	if c.SyncService != nil {
		_ = c.SyncService.Close()
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.Pool != nil {
		c.Pool.Close()
	}
}

// HandleHealth reports liveness
func HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
