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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"golang.org/x/oauth2"
)

// tokenRecordVersion is bumped whenever the persisted layout changes.
const tokenRecordVersion = 1

// expiryLeeway treats tokens this close to expiry as expired.
const expiryLeeway = 30 * time.Second

// TokenRecord is the persisted credential for one tenant.
type TokenRecord struct {
	Version      int       `json:"version"`
	TenantID     string    `json:"tenant_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TokenStore persists one token record per tenant id. Load returns nil, nil
// when the tenant has no record. Save overwrites.
type TokenStore interface {
	Load(ctx context.Context, tenantID string) (*TokenRecord, error)
	Save(ctx context.Context, rec TokenRecord) error
}

func newTokenRecord(tenantID string, tok *oauth2.Token) TokenRecord {
	return TokenRecord{
		Version:      tokenRecordVersion,
		TenantID:     tenantID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry.UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
}

// Token converts the record back into an oauth2 token.
func (r TokenRecord) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    r.TokenType,
		Expiry:       r.Expiry,
	}
}

// usable reports whether the record can authenticate a request now, either
// directly or through a refresh.
func (r TokenRecord) usable(now time.Time) bool {
	if r.AccessToken == "" && r.RefreshToken == "" {
		return false
	}
	if r.RefreshToken != "" {
		return true
	}
	return r.Expiry.IsZero() || now.Add(expiryLeeway).Before(r.Expiry)
}

var safeTenantID = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]*$`)

// FileStore keeps one JSON file per tenant in a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("credential: create token directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(tenantID string) (string, error) {
	if !safeTenantID.MatchString(tenantID) {
		return "", fmt.Errorf("credential: tenant id %q is not a valid file name", tenantID)
	}
	return filepath.Join(s.dir, tenantID+".json"), nil
}

// Load reads the tenant's token file.
func (s *FileStore) Load(_ context.Context, tenantID string) (*TokenRecord, error) {
	p, err := s.path(tenantID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("credential: read token file: %w", err)
	}

	var rec TokenRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("credential: decode token file: %w", err)
	}
	if rec.Version != tokenRecordVersion {
		return nil, fmt.Errorf("credential: unsupported token record version %d", rec.Version)
	}
	return &rec, nil
}

// Save writes the record to a temp file and renames it into place.
func (s *FileStore) Save(_ context.Context, rec TokenRecord) error {
	p, err := s.path(rec.TenantID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("credential: encode token: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-"+rec.TenantID+"-*")
	if err != nil {
		return fmt.Errorf("credential: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("credential: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("credential: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("credential: rename temp file: %w", err)
	}
	return nil
}
