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

// Package clientpool caches exactly one authenticated mail client per tenant.
//
// Clients are built lazily on first use. Concurrent first requests for the
// same tenant share a single construction; failed constructions are not
// cached, so a tenant that completes consent later gets a client on its next
// request.
package clientpool

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/bcem/ordermail/internal/credential"
	"github.com/bcem/ordermail/internal/graph"
)

// ErrAuthenticationRequired is returned when the tenant has no usable token.
var ErrAuthenticationRequired = credential.ErrAuthenticationRequired

// Authorizer hands out authenticated transports per tenant.
// Implemented by credential.Manager.
type Authorizer interface {
	Client(ctx context.Context, tenantID string) (*http.Client, error)
}

// Factory builds a mail client from an authenticated transport.
type Factory func(tenantID string, httpClient *http.Client) *graph.Client

// GraphFactory returns a Factory producing Graph clients against baseURL.
func GraphFactory(baseURL string) Factory {
	return func(tenantID string, httpClient *http.Client) *graph.Client {
		return graph.NewClient(tenantID, httpClient, baseURL)
	}
}

// Pool is a registry of per-tenant mail clients.
type Pool struct {
	auth    Authorizer
	factory Factory

	mu      sync.RWMutex
	clients map[string]*graph.Client
	gens    map[string]uint64 // bumped by Forget
	group   singleflight.Group
}

// New creates an empty pool.
func New(auth Authorizer, factory Factory) *Pool {
	return &Pool{
		auth:    auth,
		factory: factory,
		clients: make(map[string]*graph.Client),
		gens:    make(map[string]uint64),
	}
}

// GetClient returns the tenant's client, constructing it on first use.
func (p *Pool) GetClient(ctx context.Context, tenantID string) (*graph.Client, error) {
	if c := p.cached(tenantID); c != nil {
		return c, nil
	}

	v, err, _ := p.group.Do(tenantID, func() (interface{}, error) {
		// Another flight may have stored the client between our miss and Do.
		if c := p.cached(tenantID); c != nil {
			return c, nil
		}

		p.mu.RLock()
		gen := p.gens[tenantID]
		p.mu.RUnlock()

		// Detach from the first caller's cancellation: joined callers share
		// this result.
		httpClient, err := p.auth.Client(context.WithoutCancel(ctx), tenantID)
		if err != nil {
			return nil, err
		}

		c := p.factory(tenantID, httpClient)

		p.mu.Lock()
		defer p.mu.Unlock()
		if p.gens[tenantID] != gen {
			// Forget ran while this client was built from the previous token.
			slog.Info("discarding mail client built before re-consent", "tenant", tenantID)
			return c, nil
		}
		p.clients[tenantID] = c

		slog.Info("mail client constructed", "tenant", tenantID)
		return c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("mail client for tenant %s: %w", tenantID, err)
	}
	return v.(*graph.Client), nil
}

// Forget drops the cached client for a tenant. It is called after a fresh
// consent replaces the tenant's token. A construction already in flight is
// not cached, and later callers start a new one.
func (p *Pool) Forget(tenantID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gens[tenantID]++
	p.group.Forget(tenantID)
	if _, ok := p.clients[tenantID]; ok {
		delete(p.clients, tenantID)
		slog.Info("mail client dropped after re-consent", "tenant", tenantID)
	}
}

// Len returns the number of cached clients.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}

func (p *Pool) cached(tenantID string) *graph.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.clients[tenantID]
}
