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

// Package delivery records the provenance of outbound sends. Every tracked
// send gets a status record that starts PENDING and moves once to SENT or
// FAILED.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bcem/ordermail/internal/graph"
	"github.com/bcem/ordermail/internal/metrics"
)

// Status is the delivery state of a tracked send.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
)

// errUnsuccessful marks a send that returned without error but with a
// non-success provider status.
var errUnsuccessful = errors.New("provider did not accept the message")

// Record is one delivery attempt.
type Record struct {
	ID                uuid.UUID
	Recipient         string
	Subject           string
	Status            Status
	CreatedAt         time.Time
	CompletedAt       *time.Time
	ProviderMessageID *string
	Error             string
}

// Store persists delivery records.
type Store interface {
	// Create inserts a new PENDING record.
	Create(ctx context.Context, r Record) error
	// Complete moves a PENDING record to a terminal status. Records that are
	// no longer PENDING are left unchanged.
	Complete(ctx context.Context, id uuid.UUID, status Status, providerMessageID *string, errMsg string) error
	// Get returns a record, or nil with no error when absent.
	Get(ctx context.Context, id uuid.UUID) (*Record, error)
}

// SendFunc performs one provider send.
type SendFunc func(ctx context.Context) (*graph.SendResult, error)

// Tracker wraps sends with status records. Terminal status writes happen on
// a background goroutine after the send returns; call Wait before exiting to
// let them finish. A process exit before that leaves the record PENDING.
type Tracker struct {
	store Store
	now   func() time.Time
	newID func() uuid.UUID
	wg    sync.WaitGroup
}

// NewTracker creates a Tracker writing to store.
func NewTracker(store Store) *Tracker {
	return &Tracker{store: store, now: time.Now, newID: uuid.New}
}

// JoinRecipients renders one or more addresses as a single display string.
func JoinRecipients(recipients []string) string {
	return strings.Join(recipients, ", ")
}

// TrackedSend creates a PENDING record, runs send, then records the outcome
// without blocking the caller. The send's own error is always returned
// unchanged. If the PENDING record cannot be created the send is not
// attempted.
func (t *Tracker) TrackedSend(ctx context.Context, send SendFunc, recipients []string, subject string) (*graph.SendResult, error) {
	rec := Record{
		ID:        t.newID(),
		Recipient: JoinRecipients(recipients),
		Subject:   subject,
		Status:    StatusPending,
		CreatedAt: t.now().UTC(),
	}
	if err := t.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("create delivery record: %w", err)
	}

	res, sendErr := send(ctx)

	status := StatusSent
	var providerID *string
	errMsg := ""
	switch {
	case sendErr != nil:
		status = StatusFailed
		errMsg = sendErr.Error()
	case !res.Succeeded():
		status = StatusFailed
		errMsg = errUnsuccessful.Error()
	default:
		id := res.ProviderMessageID
		providerID = &id
	}

	metrics.DeliveriesTotal.WithLabelValues(string(status)).Inc()

	t.wg.Add(1)
	go t.complete(context.WithoutCancel(ctx), rec.ID, status, providerID, errMsg)

	return res, sendErr
}

func (t *Tracker) complete(ctx context.Context, id uuid.UUID, status Status, providerID *string, errMsg string) {
	defer t.wg.Done()

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := t.store.Complete(ctx, id, status, providerID, errMsg); err != nil {
		metrics.DeliveryStatusWriteErrors.Inc()
		slog.Error("failed to record delivery status",
			"delivery_id", id.String(),
			"status", string(status),
			"error", err,
		)
		return
	}
	slog.Info("delivery status recorded",
		"delivery_id", id.String(),
		"status", string(status),
	)
}

// Wait blocks until all pending status writes have finished.
func (t *Tracker) Wait() {
	t.wg.Wait()
}
