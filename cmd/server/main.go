// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Order Mail Service
//
// Entry point for the multi-tenant order mail service. It:
//  1. Loads tenant and OAuth configuration from config.yaml
//  2. Connects to PostgreSQL and Redis
//  3. Builds the credential manager, per-tenant client pool and attachment store
//  4. Serves the consent, inbound, attachment and order email endpoints
//  5. Handles graceful shutdown on SIGTERM/SIGINT, draining background work
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/ordermail/internal/api"
	"github.com/bcem/ordermail/internal/attachment"
	"github.com/bcem/ordermail/internal/clientpool"
	"github.com/bcem/ordermail/internal/config"
	"github.com/bcem/ordermail/internal/credential"
	"github.com/bcem/ordermail/internal/dedup"
	"github.com/bcem/ordermail/internal/delivery"
	"github.com/bcem/ordermail/internal/directory"
	"github.com/bcem/ordermail/internal/inbound"
	"github.com/bcem/ordermail/internal/logging"
	"github.com/bcem/ordermail/internal/notify"
	"github.com/bcem/ordermail/internal/outbound"
	"github.com/bcem/ordermail/internal/reconcile"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting order mail service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, logFile := logging.New(os.Stdout, logging.Options{
		Level:     cfg.Log.Level,
		File:      cfg.Log.File,
		MaxSizeMB: cfg.Log.MaxSizeMB,
		MaxFiles:  cfg.Log.MaxFiles,
	})
	defer logFile.Close()
	slog.SetDefault(logger)

	slog.Info("configuration loaded",
		"tenants", len(cfg.Tenants),
		"token_backend", cfg.TokenBackend,
		"attachment_backend", cfg.Attachments.Backend,
		"reconcile_workers", cfg.ReconcileWorkers,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	publisher := notify.NewPublisher(rdb)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Credentials ---
	tokens, err := tokenStore(ctx, cfg, pgPool)
	if err != nil {
		slog.Error("failed to initialise token store", "error", err)
		os.Exit(1)
	}
	creds := credential.NewManager(credential.ManagerConfig{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		RedirectURL:  cfg.OAuth.RedirectURL,
		Authority:    cfg.OAuth.Authority,
		StateSecret:  cfg.OAuth.StateSecret,
		Store:        tokens,
	})
	pool := clientpool.New(creds, clientpool.GraphFactory(cfg.GraphBaseURL))

	// --- Attachments ---
	blobs, err := attachment.NewStore(ctx, attachmentConfig(cfg))
	if err != nil {
		slog.Error("failed to initialise attachment store", "error", err)
		os.Exit(1)
	}
	catalog, err := attachment.NewPostgresCatalog(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise attachment catalog", "error", err)
		os.Exit(1)
	}
	attachments := attachment.NewService(blobs, catalog, cfg.ReconcileWorkers)

	// --- Delivery tracking ---
	statuses, err := delivery.NewPostgresStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise delivery store", "error", err)
		os.Exit(1)
	}
	tracker := delivery.NewTracker(statuses)

	dir := directory.NewPostgres(pgPool)

	runner := reconcile.NewRunner(reconcile.RunnerConfig{
		Clients:     pool,
		Attachments: attachments,
		Claims:      dedup.NewClaims(rdb, cfg.ReconcileLockTTL),
		Notifier:    publisher,
	})

	handler := api.NewHandler(api.Deps{
		Credentials: creds,
		Clients:     pool,
		Transformer: inbound.NewTransformer(dir),
		Attachments: attachments,
		Reconciler:  runner,
		Composer:    outbound.NewComposer(pool, dir, tracker, attachments),
		Notifier:    publisher,
		KnownTenant: knownTenant(cfg),
	})

	ready, done, err := api.Serve(ctx, cfg.Port, api.NewRouter(handler))
	if err != nil {
		slog.Error("failed to start http server", "error", err)
		os.Exit(1)
	}
	<-ready
	slog.Info("order mail service ready")

	<-ctx.Done()
	slog.Info("received shutdown signal")
	<-done

	// Background status writes and reconciliations hold no caller; let
	// them finish before the pools close.
	tracker.Wait()
	runner.Wait()

	slog.Info("order mail service stopped")
}

func tokenStore(ctx context.Context, cfg *config.Config, pgPool *pgxpool.Pool) (credential.TokenStore, error) {
	if cfg.TokenBackend == "file" {
		return credential.NewFileStore(cfg.TokenPath)
	}
	return credential.NewPostgresStore(ctx, pgPool)
}

func attachmentConfig(cfg *config.Config) attachment.Config {
	return attachment.Config{
		Backend:  cfg.Attachments.Backend,
		Path:     cfg.Attachments.Path,
		Bucket:   cfg.Attachments.Bucket,
		Prefix:   cfg.Attachments.Prefix,
		Endpoint: cfg.Attachments.Endpoint,
		Region:   cfg.Attachments.Region,
	}
}

// knownTenant accepts configured tenants only. With no tenants configured
// every id is accepted.
func knownTenant(cfg *config.Config) func(string) bool {
	if len(cfg.Tenants) == 0 {
		return nil
	}
	return func(id string) bool {
		_, ok := cfg.Tenant(id)
		return ok
	}
}
