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

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultReconcileWorkers = 4
	maxReconcileWorkers     = 8
)

// TenantConfig describes a single company with its own mail identity.
type TenantConfig struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Mailbox string `yaml:"mailbox"`
}

// OAuthConfig is the shared application-level credential.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Authority    string // Azure AD tenant segment ("common", "organizations", or a GUID)
	StateSecret  string
}

// AttachmentConfig selects the attachment byte store.
type AttachmentConfig struct {
	Backend  string // "local" or "s3"
	Path     string
	Bucket   string
	Prefix   string
	Endpoint string
	Region   string
}

// LogConfig controls log level and optional rotating file output.
type LogConfig struct {
	Level     string
	File      string
	MaxSizeMB int
	MaxFiles  int
}

// Config holds all configuration for the order mail service.
type Config struct {
	Tenants []TenantConfig
	OAuth   OAuthConfig

	GraphBaseURL string

	// Token storage
	TokenBackend string // "postgres" or "file"
	TokenPath    string

	Attachments AttachmentConfig

	// Reconciliation. A zero lock TTL selects the claim store's default.
	ReconcileWorkers int
	ReconcileLockTTL time.Duration

	DatabaseURL string
	RedisURL    string

	Port int

	Log LogConfig
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Tenants []TenantConfig `yaml:"tenants"`
	OAuth   struct {
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
		RedirectURL  string `yaml:"redirect_url"`
		Authority    string `yaml:"authority"`
		StateSecret  string `yaml:"state_secret"`
	} `yaml:"oauth"`
	Graph struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"graph"`
	Tokens struct {
		Backend string `yaml:"backend"`
		Path    string `yaml:"path"`
	} `yaml:"tokens"`
	Attachments struct {
		Backend  string `yaml:"backend"`
		Path     string `yaml:"path"`
		Bucket   string `yaml:"bucket"`
		Prefix   string `yaml:"prefix"`
		Endpoint string `yaml:"endpoint"`
		Region   string `yaml:"region"`
	} `yaml:"attachments"`
	Reconcile struct {
		Workers int    `yaml:"workers"`
		LockTTL string `yaml:"lock_ttl"`
	} `yaml:"reconcile"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Logging struct {
		Level     string `yaml:"level"`
		File      string `yaml:"file"`
		MaxSizeMB int    `yaml:"max_size_mb"`
		MaxFiles  int    `yaml:"max_files"`
	} `yaml:"logging"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	return Parse(data)
}

// Parse builds a Config from raw YAML bytes. ${VAR} references are expanded
// before unmarshalling.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		OAuth: OAuthConfig{
			ClientID:     raw.OAuth.ClientID,
			ClientSecret: raw.OAuth.ClientSecret,
			RedirectURL:  raw.OAuth.RedirectURL,
			Authority:    firstNonEmpty(raw.OAuth.Authority, "common"),
			StateSecret:  firstNonEmpty(raw.OAuth.StateSecret, raw.OAuth.ClientSecret),
		},
		GraphBaseURL: firstNonEmpty(raw.Graph.BaseURL, envOrDefault("GRAPH_BASE_URL", "https://graph.microsoft.com/v1.0")),
		TokenBackend: firstNonEmpty(raw.Tokens.Backend, envOrDefault("TOKEN_BACKEND", "postgres")),
		TokenPath:    firstNonEmpty(raw.Tokens.Path, envOrDefault("TOKEN_PATH", "/app/data/tokens")),
		Attachments: AttachmentConfig{
			Backend:  firstNonEmpty(raw.Attachments.Backend, envOrDefault("ATTACHMENT_BACKEND", "local")),
			Path:     firstNonEmpty(raw.Attachments.Path, envOrDefault("ATTACHMENT_PATH", "/app/data/attachments")),
			Bucket:   raw.Attachments.Bucket,
			Prefix:   raw.Attachments.Prefix,
			Endpoint: raw.Attachments.Endpoint,
			Region:   raw.Attachments.Region,
		},
		ReconcileWorkers: envOrDefaultInt("RECONCILE_WORKERS", raw.Reconcile.Workers),
		ReconcileLockTTL: envOrDefaultDuration("RECONCILE_LOCK_TTL", parseDurationOr(raw.Reconcile.LockTTL, 0)),
		DatabaseURL:      firstNonEmpty(raw.Database.URL, envOrDefault("DATABASE_URL", "postgres://localhost:5432/ordermail")),
		RedisURL:         firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		Port:             envOrDefaultInt("PORT", 8080),
		Log: LogConfig{
			Level:     firstNonEmpty(raw.Logging.Level, envOrDefault("LOG_LEVEL", "info")),
			File:      firstNonEmpty(raw.Logging.File, os.Getenv("LOG_FILE")),
			MaxSizeMB: positiveOr(raw.Logging.MaxSizeMB, 100),
			MaxFiles:  positiveOr(raw.Logging.MaxFiles, 5),
		},
	}

	cfg.ReconcileWorkers = clampWorkers(cfg.ReconcileWorkers)

	for _, t := range raw.Tenants {
		if strings.TrimSpace(t.ID) == "" {
			// Commented-out or empty entries in YAML
			continue
		}
		if t.Name == "" {
			t.Name = t.ID
		}
		cfg.Tenants = append(cfg.Tenants, t)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Tenant looks up a tenant config by id.
func (c *Config) Tenant(id string) (TenantConfig, bool) {
	for _, t := range c.Tenants {
		if t.ID == id {
			return t, true
		}
	}
	return TenantConfig{}, false
}

func (c *Config) validate() error {
	var missing []string
	if c.OAuth.ClientID == "" {
		missing = append(missing, "oauth.client_id")
	}
	if c.OAuth.ClientSecret == "" {
		missing = append(missing, "oauth.client_secret")
	}
	if c.OAuth.RedirectURL == "" {
		missing = append(missing, "oauth.redirect_url")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	switch c.TokenBackend {
	case "postgres", "file":
	default:
		return fmt.Errorf("unsupported tokens.backend %q", c.TokenBackend)
	}

	if c.Attachments.Backend == "s3" && c.Attachments.Bucket == "" {
		return fmt.Errorf("attachments.bucket is required for the s3 backend")
	}

	return nil
}

func clampWorkers(n int) int {
	if n <= 0 {
		return defaultReconcileWorkers
	}
	if n > maxReconcileWorkers {
		return maxReconcileWorkers
	}
	return n
}

func positiveOr(n, fallback int) int {
	if n > 0 {
		return n
	}
	return fallback
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func parseDurationOr(raw string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(raw)); err == nil && d > 0 {
		return d
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
