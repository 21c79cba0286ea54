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

// Package credential owns the per-tenant OAuth token lifecycle: consent URL
// generation, authorization-code exchange, and token persistence/reload.
//
// A single redirect callback serves every tenant. The tenant is carried
// through the consent round trip in a signed, opaque state parameter.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

// DefaultScopes are the delegated Graph permissions requested at consent.
var DefaultScopes = []string{"offline_access", "User.Read", "Mail.ReadWrite", "Mail.Send"}

var (
	// ErrAuthenticationRequired means no usable token exists for the tenant
	// and the consent flow must be (re)run.
	ErrAuthenticationRequired = errors.New("credential: authentication required")

	// ErrInvalidState means the callback state could not be parsed or verified.
	ErrInvalidState = errors.New("credential: invalid state")

	// ErrInvalidCode means the provider rejected the authorization code.
	ErrInvalidCode = errors.New("credential: invalid authorization code")

	// ErrTokenPersist means the exchange succeeded but the token could not be stored.
	ErrTokenPersist = errors.New("credential: token persist failure")
)

// ManagerConfig holds the shared application credential and dependencies.
type ManagerConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Authority    string
	StateSecret  string
	Scopes       []string

	// Endpoint overrides the Azure AD endpoint derived from Authority.
	Endpoint *oauth2.Endpoint

	// HTTPClient is used for token exchange and refresh. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client

	Store TokenStore
}

// Manager issues consent URLs, exchanges codes, and builds authenticated
// transports from persisted tokens.
type Manager struct {
	oauth       *oauth2.Config
	store       TokenStore
	stateSecret []byte
	httpClient  *http.Client
}

// NewManager creates a credential manager.
func NewManager(cfg ManagerConfig) *Manager {
	endpoint := microsoft.AzureADEndpoint(cfg.Authority)
	if cfg.Endpoint != nil {
		endpoint = *cfg.Endpoint
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	secret := cfg.StateSecret
	if secret == "" {
		secret = cfg.ClientSecret
	}

	return &Manager{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		store:       cfg.Store,
		stateSecret: []byte(secret),
		httpClient:  cfg.HTTPClient,
	}
}

// RequestAuthorizationURL builds the provider consent URL for a tenant.
// The returned URL's state parameter resolves back to tenantID in
// ExchangeCodeForToken. It has no side effects.
func (m *Manager) RequestAuthorizationURL(tenantID string) (string, error) {
	state, err := encodeState(m.stateSecret, tenantID)
	if err != nil {
		return "", err
	}
	return m.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("prompt", "select_account")), nil
}

// Authorize reports whether a usable token is persisted for the tenant.
// A missing token returns false without error; the caller drives consent.
func (m *Manager) Authorize(ctx context.Context, tenantID string) (bool, error) {
	rec, err := m.store.Load(ctx, tenantID)
	if err != nil {
		return false, fmt.Errorf("load token for tenant %s: %w", tenantID, err)
	}
	if rec == nil || !rec.usable(time.Now()) {
		return false, nil
	}
	return true, nil
}

// Client returns an HTTP client that authenticates as the tenant's mail
// identity. Refreshed tokens are written back to the store on use.
func (m *Manager) Client(ctx context.Context, tenantID string) (*http.Client, error) {
	rec, err := m.store.Load(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load token for tenant %s: %w", tenantID, err)
	}
	if rec == nil || !rec.usable(time.Now()) {
		return nil, ErrAuthenticationRequired
	}

	// The client is cached for the process lifetime, so refreshes must not be
	// bound to the caller's request context.
	refreshCtx := m.exchangeContext(context.Background())

	src := &persistingSource{
		tenantID: tenantID,
		base:     m.oauth.TokenSource(refreshCtx, rec.Token()),
		store:    m.store,
		last:     rec.AccessToken,
	}

	base := http.DefaultTransport
	if m.httpClient != nil && m.httpClient.Transport != nil {
		base = m.httpClient.Transport
	}

	return &http.Client{
		Transport: &oauth2.Transport{Source: src, Base: base},
	}, nil
}

// ExchangeCodeForToken completes the consent flow. It recovers the tenant id
// from state, exchanges code upstream and persists the resulting token. The
// recovered tenant id is returned.
func (m *Manager) ExchangeCodeForToken(ctx context.Context, code, state string) (string, error) {
	tenantID, err := decodeState(m.stateSecret, state)
	if err != nil {
		return "", err
	}

	if code == "" {
		return tenantID, fmt.Errorf("%w: empty code", ErrInvalidCode)
	}

	tok, err := m.oauth.Exchange(m.exchangeContext(ctx), code)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return tenantID, fmt.Errorf("%w: %s", ErrInvalidCode, re.ErrorCode)
		}
		return tenantID, fmt.Errorf("exchange code: %w", err)
	}

	if err := m.store.Save(ctx, newTokenRecord(tenantID, tok)); err != nil {
		return tenantID, fmt.Errorf("%w: %v", ErrTokenPersist, err)
	}

	slog.Info("oauth token persisted",
		"tenant", tenantID,
		"expiry", tok.Expiry,
		"has_refresh_token", tok.RefreshToken != "",
	)

	return tenantID, nil
}

func (m *Manager) exchangeContext(ctx context.Context) context.Context {
	if m.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

// persistingSource writes tokens back to the store whenever the underlying
// source hands out a new access token.
type persistingSource struct {
	tenantID string
	base     oauth2.TokenSource
	store    TokenStore

	mu   sync.Mutex
	last string
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		if refreshRejected(err) {
			return nil, fmt.Errorf("%w: %v", ErrAuthenticationRequired, err)
		}
		return nil, fmt.Errorf("refresh token for tenant %s: %w", s.tenantID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if tok.AccessToken == s.last {
		return tok, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.store.Save(ctx, newTokenRecord(s.tenantID, tok)); err != nil {
		slog.Error("failed to persist refreshed token",
			"tenant", s.tenantID,
			"error", err,
		)
		return tok, nil
	}

	s.last = tok.AccessToken
	slog.Info("refreshed oauth token persisted", "tenant", s.tenantID, "expiry", tok.Expiry)
	return tok, nil
}

// refreshRejected reports whether the identity platform refused the grant
// itself, so only a new consent can recover. Transport failures and 5xx
// responses are not rejections.
func refreshRejected(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	switch re.ErrorCode {
	case "invalid_grant", "interaction_required", "consent_required", "invalid_client", "unauthorized_client":
		return true
	}
	if re.Response != nil {
		return re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized
	}
	return false
}
