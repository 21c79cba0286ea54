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

// Package attachment stores message attachment bytes under content keys and
// reconciles a message's declared attachments against what is held locally.
package attachment

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"log/slog"
)

var (
	// ErrNotFound is returned when a key has no stored bytes.
	ErrNotFound = errors.New("attachment: not found")

	// ErrMissingData is returned when saving an attachment without a payload.
	ErrMissingData = errors.New("attachment: missing data")
)

// Store is a byte store addressed by opaque keys.
type Store interface {
	Save(ctx context.Context, key string, data []byte) error
	Read(ctx context.Context, key string) ([]byte, error)
}

// Config selects and configures a Store backend.
type Config struct {
	Backend  string // "local" or "s3"
	Path     string
	Bucket   string
	Prefix   string
	Endpoint string
	Region   string
}

// NewStore creates a Store from cfg. An empty or unknown backend falls back
// to local storage.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "s3":
		return NewS3StoreFromConfig(ctx, cfg)
	case "local":
		return NewLocalStore(cfg.Path)
	default:
		slog.Warn("unsupported or empty attachment backend, defaulting to local", "backend", cfg.Backend)
		return NewLocalStore(cfg.Path)
	}
}

// Key derives the storage key for an attachment of a message. Each component
// is length-prefixed before hashing so distinct pairs never share an input.
func Key(messageID, attachmentID string) string {
	h := sha256.New()
	writeField(h, messageID)
	writeField(h, attachmentID)
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}

func notFound(key string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, key)
}
