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

// Order Mail Service: Attachment Reconcile Command
//
// Standalone CLI tool that downloads any attachments of the given messages
// that are missing from local storage. Intended for repairing messages whose
// background reconciliation failed.
//
// Usage:
//
//	go run ./cmd/reconcile/ --tenant <id> --messages id1,id2
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/ordermail/internal/attachment"
	"github.com/bcem/ordermail/internal/clientpool"
	"github.com/bcem/ordermail/internal/config"
	"github.com/bcem/ordermail/internal/credential"
	"github.com/bcem/ordermail/internal/dedup"
	"github.com/bcem/ordermail/internal/logging"
	"github.com/bcem/ordermail/internal/reconcile"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	tenantFlag := flag.String("tenant", "", "Tenant id to reconcile (required)")
	messagesFlag := flag.String("messages", "", "Comma-separated list of provider message ids (required)")
	flag.Parse()

	if *tenantFlag == "" || *messagesFlag == "" {
		fmt.Fprintf(os.Stderr, "Error: --tenant and --messages are required\n\n")
		flag.Usage()
		os.Exit(1)
	}
	messageIDs := splitList(*messagesFlag)
	if len(messageIDs) == 0 {
		fmt.Fprintf(os.Stderr, "Error: --messages contains no ids\n")
		os.Exit(1)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger, _ = logging.New(os.Stderr, logging.Options{Level: cfg.Log.Level})
	slog.SetDefault(logger)

	if len(cfg.Tenants) > 0 {
		if _, ok := cfg.Tenant(*tenantFlag); !ok {
			slog.Error("tenant not found in configuration", "tenant", *tenantFlag)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	// --- Credentials and client ---
	var tokens credential.TokenStore
	if cfg.TokenBackend == "file" {
		tokens, err = credential.NewFileStore(cfg.TokenPath)
	} else {
		tokens, err = credential.NewPostgresStore(ctx, pgPool)
	}
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
	blobs, err := attachment.NewStore(ctx, attachment.Config{
		Backend:  cfg.Attachments.Backend,
		Path:     cfg.Attachments.Path,
		Bucket:   cfg.Attachments.Bucket,
		Prefix:   cfg.Attachments.Prefix,
		Endpoint: cfg.Attachments.Endpoint,
		Region:   cfg.Attachments.Region,
	})
	if err != nil {
		slog.Error("failed to initialise attachment store", "error", err)
		os.Exit(1)
	}
	catalog, err := attachment.NewPostgresCatalog(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise attachment catalog", "error", err)
		os.Exit(1)
	}

	// --- Run Reconciliation ---
	runner := reconcile.NewRunner(reconcile.RunnerConfig{
		Clients:     pool,
		Attachments: attachment.NewService(blobs, catalog, cfg.ReconcileWorkers),
		Claims:      dedup.NewClaims(rdb, cfg.ReconcileLockTTL),
	})

	result, err := runner.Run(ctx, reconcile.Request{TenantID: *tenantFlag, MessageIDs: messageIDs})
	if err != nil {
		slog.Error("reconciliation failed", "error", err)
		os.Exit(1)
	}

	// --- Summary ---
	for _, m := range result.Messages {
		slog.Info("message result",
			"message_id", m.MessageID,
			"files", m.Files,
			"downloaded", m.Downloaded,
			"failed", len(m.Failed),
			"skipped", m.Skipped,
		)
	}

	failed := result.FailedIDs()
	for _, id := range failed {
		fmt.Println(id)
	}
	if len(failed) > 0 {
		os.Exit(2)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
