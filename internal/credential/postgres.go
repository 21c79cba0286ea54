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

package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps one oauth_tokens row per tenant.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a token store backed by the given Postgres pool.
// It ensures the oauth_tokens table exists on creation.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure token schema: %w", err)
	}
	slog.Info("token store initialised", "backend", "postgres")
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS oauth_tokens (
			tenant_id     TEXT PRIMARY KEY,
			version       INTEGER NOT NULL,
			access_token  TEXT NOT NULL,
			refresh_token TEXT DEFAULT '',
			token_type    TEXT DEFAULT '',
			expiry        TIMESTAMPTZ,
			updated_at    TIMESTAMPTZ DEFAULT NOW()
		);
	`)
	return err
}

// Load retrieves the token row for a tenant.
func (s *PostgresStore) Load(ctx context.Context, tenantID string) (*TokenRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT version, tenant_id, access_token, refresh_token, token_type,
		       expiry, updated_at
		FROM oauth_tokens
		WHERE tenant_id = $1
	`, tenantID)

	var (
		r      TokenRecord
		expiry *time.Time
	)
	err := row.Scan(&r.Version, &r.TenantID, &r.AccessToken, &r.RefreshToken,
		&r.TokenType, &expiry, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if r.Version != tokenRecordVersion {
		return nil, fmt.Errorf("unsupported token record version %d", r.Version)
	}
	if expiry != nil {
		r.Expiry = expiry.UTC()
	}
	return &r, nil
}

// Save upserts the token row. The statement replaces the whole row so a
// reader never observes a mix of old and new fields.
func (s *PostgresStore) Save(ctx context.Context, r TokenRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO oauth_tokens
			(tenant_id, version, access_token, refresh_token, token_type, expiry, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET
			version       = EXCLUDED.version,
			access_token  = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_type    = EXCLUDED.token_type,
			expiry        = EXCLUDED.expiry,
			updated_at    = NOW()
	`, r.TenantID, r.Version, r.AccessToken, r.RefreshToken, r.TokenType, nullableTime(r.Expiry))
	return err
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
