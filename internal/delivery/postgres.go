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

package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps delivery records in the email_status table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a delivery store backed by the given Postgres pool.
// It ensures the email_status table exists on creation.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure delivery schema: %w", err)
	}
	slog.Info("delivery store initialised")
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS email_status (
			id                  UUID PRIMARY KEY,
			recipient           TEXT NOT NULL,
			subject             TEXT NOT NULL DEFAULT '',
			status              TEXT NOT NULL DEFAULT 'PENDING',
			provider_message_id TEXT,
			error               TEXT NOT NULL DEFAULT '',
			created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at        TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_email_status_status ON email_status(status);
	`)
	return err
}

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, r Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO email_status (id, recipient, subject, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, r.ID.String(), r.Recipient, r.Subject, string(StatusPending), r.CreatedAt)
	return err
}

// Complete implements Store. The status guard keeps a terminal record from
// being rewritten.
func (s *PostgresStore) Complete(ctx context.Context, id uuid.UUID, status Status, providerMessageID *string, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE email_status
		SET status = $1, provider_message_id = $2, error = $3, completed_at = NOW()
		WHERE id = $4 AND status = 'PENDING'
	`, string(status), providerMessageID, errMsg, id.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		slog.Warn("delivery record not pending, status unchanged",
			"delivery_id", id.String(),
			"status", string(status),
		)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	var (
		r      Record
		rawID  string
		status string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, recipient, subject, status, created_at, completed_at, provider_message_id, error
		FROM email_status WHERE id = $1
	`, id.String()).Scan(
		&rawID, &r.Recipient, &r.Subject, &status, &r.CreatedAt, &r.CompletedAt, &r.ProviderMessageID, &r.Error,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if r.ID, err = uuid.Parse(rawID); err != nil {
		return nil, fmt.Errorf("parse delivery id: %w", err)
	}
	r.Status = Status(status)
	return &r, nil
}
