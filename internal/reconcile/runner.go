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

// Package reconcile brings a message's attachments into local storage. It
// runs in the background after an inbound message is read, and on demand
// from the reconcile command for a list of message ids.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bcem/ordermail/internal/attachment"
	"github.com/bcem/ordermail/internal/dedup"
	"github.com/bcem/ordermail/internal/graph"
	"github.com/bcem/ordermail/internal/metrics"
	"github.com/bcem/ordermail/internal/models"
	"github.com/bcem/ordermail/internal/notify"
)

// EventAttachmentsReconciled is broadcast when a message's attachments
// have been reconciled.
const EventAttachmentsReconciled = "attachments_reconciled"

// Clients hands out the authenticated mail client of a tenant.
type Clients interface {
	GetClient(ctx context.Context, tenantID string) (*graph.Client, error)
}

// Attachments reconciles a message against local storage.
type Attachments interface {
	ReadAttachmentOrDownload(ctx context.Context, msg *models.Message, fetcher attachment.Fetcher) (*attachment.Reconciliation, error)
}

// Claims guards a message against concurrent reconciliation.
type Claims interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
	TTL() time.Duration
}

// Broadcaster fans out UI notifications.
type Broadcaster interface {
	Broadcast(ctx context.Context, channel, event string, payload any) error
}

// Request names the messages of one tenant to reconcile.
type Request struct {
	TenantID   string
	MessageIDs []string
}

// MessageResult summarises the reconciliation of one message.
type MessageResult struct {
	MessageID  string
	Files      int
	Downloaded int
	Failed     []string
	Skipped    bool // another worker held the claim
	Err        error
}

// Result summarises a Run.
type Result struct {
	TenantID string
	Messages []MessageResult
	Elapsed  time.Duration
}

// FailedIDs lists every attachment id that could not be reconciled, as
// "messageID/attachmentID", plus message ids that failed outright.
func (r *Result) FailedIDs() []string {
	var out []string
	for _, m := range r.Messages {
		if m.Err != nil {
			out = append(out, m.MessageID)
			continue
		}
		for _, id := range m.Failed {
			out = append(out, m.MessageID+"/"+id)
		}
	}
	return out
}

// Runner performs attachment reconciliation.
type Runner struct {
	clients     Clients
	attachments Attachments
	claims      Claims
	notifier    Broadcaster
	timeout     time.Duration
	wg          sync.WaitGroup
}

// RunnerConfig holds dependencies for the runner. Claims and Notifier are
// optional.
type RunnerConfig struct {
	Clients     Clients
	Attachments Attachments
	Claims      Claims
	Notifier    Broadcaster
	Timeout     time.Duration // per background message, kept below the claim TTL
}

// DefaultTimeout bounds one background reconciliation when no claim TTL
// applies.
const DefaultTimeout = dedup.DefaultTTL - dedup.DefaultTTL/5

// NewRunner creates a reconcile runner.
func NewRunner(cfg RunnerConfig) *Runner {
	timeout := cfg.Timeout
	if cfg.Claims != nil {
		timeout = timeoutWithin(timeout, cfg.Claims.TTL())
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{
		clients:     cfg.Clients,
		attachments: cfg.Attachments,
		claims:      cfg.Claims,
		notifier:    cfg.Notifier,
		timeout:     timeout,
	}
}

// timeoutWithin caps timeout so work finishes before its claim can expire
// and a second worker takes the same message.
func timeoutWithin(timeout, ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return timeout
	}
	limit := ttl - ttl/5
	if timeout <= 0 || timeout > limit {
		return limit
	}
	return timeout
}

// Run reconciles every message in req. A failure on one message is recorded
// in its result and the run continues; only a missing tenant client aborts.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	client, err := r.clients.GetClient(ctx, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("get client for tenant %s: %w", req.TenantID, err)
	}

	slog.Info("starting attachment reconciliation",
		"tenant", req.TenantID,
		"messages", len(req.MessageIDs),
	)

	result := &Result{TenantID: req.TenantID}
	for _, id := range req.MessageIDs {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		msg, err := client.GetMessage(ctx, id)
		if err != nil {
			slog.Warn("reconcile: fetch message failed",
				"tenant", req.TenantID,
				"message_id", id,
				"error", err,
			)
			result.Messages = append(result.Messages, MessageResult{MessageID: id, Err: err})
			continue
		}
		result.Messages = append(result.Messages, r.Reconcile(ctx, req.TenantID, msg, client))
	}

	result.Elapsed = time.Since(start)
	slog.Info("attachment reconciliation complete",
		"tenant", req.TenantID,
		"messages", len(result.Messages),
		"failed", len(result.FailedIDs()),
		"elapsed", result.Elapsed,
	)
	return result, nil
}

// Reconcile reconciles one already-fetched message under its claim.
func (r *Runner) Reconcile(ctx context.Context, tenantID string, msg *models.Message, fetcher attachment.Fetcher) MessageResult {
	res := MessageResult{MessageID: msg.ID}
	start := time.Now()
	defer func() { observe(res, time.Since(start)) }()

	if r.claims != nil {
		key := dedup.Key(tenantID, msg.ID)
		claimed, err := r.claims.Claim(ctx, key)
		if err != nil {
			slog.Warn("reconcile claim failed, proceeding", "message_id", msg.ID, "error", err)
		} else if !claimed {
			slog.Debug("reconciliation already running", "message_id", msg.ID)
			res.Skipped = true
			return res
		} else {
			defer func() {
				if err := r.claims.Release(context.WithoutCancel(ctx), key); err != nil {
					slog.Warn("reconcile release failed", "message_id", msg.ID, "error", err)
				}
			}()
		}
	}

	rec, err := r.attachments.ReadAttachmentOrDownload(ctx, msg, fetcher)
	if err != nil {
		res.Err = err
		return res
	}
	res.Files = len(rec.Files)
	res.Downloaded = rec.Downloaded()
	for _, f := range rec.Failed {
		res.Failed = append(res.Failed, f.ID)
	}

	if r.notifier != nil && res.Downloaded > 0 {
		payload := map[string]any{
			"messageId": msg.ID,
			"files":     res.Files,
			"failed":    res.Failed,
		}
		if err := r.notifier.Broadcast(ctx, notify.TenantChannel(tenantID), EventAttachmentsReconciled, payload); err != nil {
			slog.Warn("reconcile broadcast failed", "message_id", msg.ID, "error", err)
		}
	}
	return res
}

func observe(res MessageResult, elapsed time.Duration) {
	result := "ok"
	switch {
	case res.Skipped:
		metrics.ReconciledMessagesTotal.WithLabelValues("skipped").Inc()
		return
	case res.Err != nil:
		result = "error"
	case len(res.Failed) > 0:
		result = "partial"
	}
	metrics.ReconciledMessagesTotal.WithLabelValues(result).Inc()
	metrics.AttachmentsDownloadedTotal.Add(float64(res.Downloaded))
	metrics.ReconcileDuration.Observe(elapsed.Seconds())
}

// Start reconciles msg on a background goroutine detached from ctx's
// cancellation. Wait blocks until all started work is done.
func (r *Runner) Start(ctx context.Context, tenantID string, msg *models.Message, fetcher attachment.Fetcher) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()

		res := r.Reconcile(ctx, tenantID, msg, fetcher)
		if res.Err != nil {
			slog.Error("background reconciliation failed",
				"tenant", tenantID,
				"message_id", msg.ID,
				"error", res.Err,
			)
		}
	}()
}

// Wait blocks until every reconciliation started with Start has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}
