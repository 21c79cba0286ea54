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

package reconcile

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bcem/ordermail/internal/attachment"
	"github.com/bcem/ordermail/internal/dedup"
	"github.com/bcem/ordermail/internal/graph"
	"github.com/bcem/ordermail/internal/models"
)

// --- Mock Graph mailbox ---

func newMailbox(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/me/messages/m1":
			w.Write([]byte(`{"id":"m1","from":{"emailAddress":{"address":"a@b.com"}},
				"attachments":[{"id":"a1","name":"one.pdf"},{"id":"a2","name":"two.pdf"}]}`))
		case "/me/messages/m2":
			w.Write([]byte(`{"id":"m2","attachments":[{"id":"a3","name":"three.pdf"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

type mockClients struct {
	baseURL string
	err     error
}

func (m *mockClients) GetClient(_ context.Context, tenantID string) (*graph.Client, error) {
	if m.err != nil {
		return nil, m.err
	}
	return graph.NewClient(tenantID, http.DefaultClient, m.baseURL), nil
}

// --- Mock attachment service ---

type mockAttachments struct {
	mu     sync.Mutex
	calls  []string
	failed map[string]bool // attachment ids reported as failed
}

func (m *mockAttachments) ReadAttachmentOrDownload(_ context.Context, msg *models.Message, _ attachment.Fetcher) (*attachment.Reconciliation, error) {
	m.mu.Lock()
	m.calls = append(m.calls, msg.ID)
	m.mu.Unlock()

	rec := &attachment.Reconciliation{}
	for _, a := range msg.Attachments {
		if m.failed[a.ID] {
			rec.Failed = append(rec.Failed, attachment.FailedAttachment{ID: a.ID, Err: errors.New("boom")})
			continue
		}
		rec.Files = append(rec.Files, attachment.File{ID: a.ID, Filename: a.Name})
	}
	return rec, nil
}

// --- Mock claims and notifier ---

type mockClaims struct {
	mu       sync.Mutex
	held     map[string]bool
	released []string
	ttl      time.Duration
}

func newMockClaims() *mockClaims {
	return &mockClaims{held: make(map[string]bool)}
}

func (m *mockClaims) Claim(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[key] {
		return false, nil
	}
	m.held[key] = true
	return true, nil
}

func (m *mockClaims) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, key)
	m.released = append(m.released, key)
	return nil
}

func (m *mockClaims) TTL() time.Duration { return m.ttl }

type mockNotifier struct {
	mu       sync.Mutex
	channels []string
}

func (m *mockNotifier) Broadcast(_ context.Context, channel, event string, _ any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, channel+" "+event)
	return nil
}

func TestRun_ReportsFailuresPerMessage(t *testing.T) {
	server := newMailbox(t)
	atts := &mockAttachments{failed: map[string]bool{"a2": true}}
	claims := newMockClaims()
	runner := NewRunner(RunnerConfig{
		Clients:     &mockClients{baseURL: server.URL},
		Attachments: atts,
		Claims:      claims,
	})

	result, err := runner.Run(context.Background(), Request{TenantID: "7", MessageIDs: []string{"m1", "missing", "m2"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(result.Messages) != 3 {
		t.Fatalf("results = %d, want 3", len(result.Messages))
	}
	if got := result.Messages[0]; got.Files != 1 || !reflect.DeepEqual(got.Failed, []string{"a2"}) {
		t.Errorf("m1 result = %+v", got)
	}
	if !errors.Is(result.Messages[1].Err, graph.ErrNotFound) {
		t.Errorf("missing message err = %v, want graph.ErrNotFound", result.Messages[1].Err)
	}
	want := []string{"m1/a2", "missing"}
	if got := result.FailedIDs(); !reflect.DeepEqual(got, want) {
		t.Errorf("FailedIDs = %v, want %v", got, want)
	}
	if !reflect.DeepEqual(atts.calls, []string{"m1", "m2"}) {
		t.Errorf("reconciled = %v", atts.calls)
	}
	if len(claims.held) != 0 || len(claims.released) != 2 {
		t.Errorf("claims held=%v released=%v", claims.held, claims.released)
	}
}

func TestRun_ClientErrorAborts(t *testing.T) {
	authErr := errors.New("authentication required")
	runner := NewRunner(RunnerConfig{Clients: &mockClients{err: authErr}, Attachments: &mockAttachments{}})

	_, err := runner.Run(context.Background(), Request{TenantID: "7", MessageIDs: []string{"m1"}})
	if !errors.Is(err, authErr) {
		t.Fatalf("err = %v, want wrapped auth error", err)
	}
}

func TestReconcile_SkipsHeldClaim(t *testing.T) {
	atts := &mockAttachments{}
	claims := newMockClaims()
	claims.held[dedup.Key("7", "m1")] = true
	runner := NewRunner(RunnerConfig{Attachments: atts, Claims: claims})

	res := runner.Reconcile(context.Background(), "7", &models.Message{ID: "m1"}, nil)
	if !res.Skipped {
		t.Fatal("expected skipped result")
	}
	if len(atts.calls) != 0 {
		t.Error("attachments must not be reconciled while another worker holds the claim")
	}
	if len(claims.released) != 0 {
		t.Error("a claim we did not take must not be released")
	}
}

func TestStart_BroadcastsInBackground(t *testing.T) {
	atts := &mockAttachments{}
	notifier := &mockNotifier{}
	runner := NewRunner(RunnerConfig{Attachments: atts, Claims: newMockClaims(), Notifier: notifier})

	msg := &models.Message{ID: "m1", Attachments: []models.MessageAttachment{{ID: "a1"}}}
	ctx, cancel := context.WithCancel(context.Background())
	runner.Start(ctx, "7", msg, nil)
	cancel()
	runner.Wait()

	if len(atts.calls) != 1 {
		t.Fatalf("calls = %v", atts.calls)
	}
	// The mock reports no downloads, so nothing is broadcast.
	if len(notifier.channels) != 0 {
		t.Errorf("unexpected broadcasts: %v", notifier.channels)
	}
}

func TestReconcile_BroadcastsDownloads(t *testing.T) {
	store, err := attachment.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	svc := attachment.NewService(store, nil, 2)
	notifier := &mockNotifier{}
	runner := NewRunner(RunnerConfig{Attachments: svc, Notifier: notifier})

	fetcher := fetchFunc(func(messageID, attachmentID string) (*models.MessageAttachment, error) {
		return &models.MessageAttachment{ID: attachmentID, Data: []byte(strings.Repeat("x", 3))}, nil
	})
	msg := &models.Message{ID: "m1", Attachments: []models.MessageAttachment{{ID: "a1"}}}

	res := runner.Reconcile(context.Background(), "7", msg, fetcher)
	if res.Err != nil || res.Downloaded != 1 {
		t.Fatalf("result = %+v", res)
	}
	if !reflect.DeepEqual(notifier.channels, []string{"tenant:7 " + EventAttachmentsReconciled}) {
		t.Errorf("broadcasts = %v", notifier.channels)
	}
}

type fetchFunc func(messageID, attachmentID string) (*models.MessageAttachment, error)

func (f fetchFunc) GetAttachment(_ context.Context, messageID, attachmentID string) (*models.MessageAttachment, error) {
	return f(messageID, attachmentID)
}

func TestRunnerTimeoutStaysBelowClaimTTL(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		ttl     time.Duration
		want    time.Duration
	}{
		{"no claims ttl keeps default", 0, 0, DefaultTimeout},
		{"derived from ttl", 0, 10 * time.Minute, 8 * time.Minute},
		{"explicit timeout above ttl is capped", 10 * time.Minute, 10 * time.Minute, 8 * time.Minute},
		{"explicit timeout below ttl is kept", time.Minute, 10 * time.Minute, time.Minute},
		{"short configured ttl", 0, 90 * time.Second, 72 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := newMockClaims()
			claims.ttl = tt.ttl
			r := NewRunner(RunnerConfig{Claims: claims, Timeout: tt.timeout})
			if r.timeout != tt.want {
				t.Errorf("timeout = %v, want %v", r.timeout, tt.want)
			}
			if tt.ttl > 0 && r.timeout >= tt.ttl {
				t.Errorf("timeout %v not below claim ttl %v", r.timeout, tt.ttl)
			}
		})
	}

	if d := NewRunner(RunnerConfig{}).timeout; d >= dedup.DefaultTTL {
		t.Errorf("default timeout %v not below default claim ttl %v", d, dedup.DefaultTTL)
	}
}
