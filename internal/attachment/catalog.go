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

package attachment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry is the catalog metadata kept alongside stored attachment bytes.
type Entry struct {
	MessageID    string
	AttachmentID string
	Filename     string
	MimeType     string
	Size         int64
	StorageKey   string
	StoredAt     time.Time
}

// Catalog records which attachments have been stored and under what metadata.
type Catalog interface {
	// Record upserts the entry for (MessageID, AttachmentID).
	Record(ctx context.Context, e Entry) error
	// Lookup returns the entry, or nil with no error when absent.
	Lookup(ctx context.Context, messageID, attachmentID string) (*Entry, error)
}

// PostgresCatalog stores catalog entries in the attachments table.
type PostgresCatalog struct {
	pool *pgxpool.Pool
}

// NewPostgresCatalog creates a catalog backed by pool and ensures its table exists.
func NewPostgresCatalog(ctx context.Context, pool *pgxpool.Pool) (*PostgresCatalog, error) {
	c := &PostgresCatalog{pool: pool}
	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS attachments (
			message_id    TEXT NOT NULL,
			attachment_id TEXT NOT NULL,
			filename      TEXT NOT NULL DEFAULT '',
			mime_type     TEXT NOT NULL DEFAULT '',
			size          BIGINT NOT NULL DEFAULT 0,
			storage_key   TEXT NOT NULL,
			stored_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (message_id, attachment_id)
		);
	`); err != nil {
		return nil, fmt.Errorf("ensure attachment schema: %w", err)
	}
	slog.Info("attachment catalog initialised")
	return c, nil
}

// Record implements Catalog.
func (c *PostgresCatalog) Record(ctx context.Context, e Entry) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO attachments (message_id, attachment_id, filename, mime_type, size, storage_key, stored_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (message_id, attachment_id) DO UPDATE SET
			filename    = EXCLUDED.filename,
			mime_type   = EXCLUDED.mime_type,
			size        = EXCLUDED.size,
			storage_key = EXCLUDED.storage_key,
			stored_at   = NOW()
	`, e.MessageID, e.AttachmentID, e.Filename, e.MimeType, e.Size, e.StorageKey)
	if err != nil {
		return fmt.Errorf("record attachment %s/%s: %w", e.MessageID, e.AttachmentID, err)
	}
	return nil
}

// Lookup implements Catalog.
func (c *PostgresCatalog) Lookup(ctx context.Context, messageID, attachmentID string) (*Entry, error) {
	var e Entry
	err := c.pool.QueryRow(ctx, `
		SELECT message_id, attachment_id, filename, mime_type, size, storage_key, stored_at
		FROM attachments WHERE message_id = $1 AND attachment_id = $2
	`, messageID, attachmentID).Scan(
		&e.MessageID, &e.AttachmentID, &e.Filename, &e.MimeType, &e.Size, &e.StorageKey, &e.StoredAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup attachment %s/%s: %w", messageID, attachmentID, err)
	}
	return &e, nil
}
