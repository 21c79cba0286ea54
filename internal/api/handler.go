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

// Package api exposes the mail integration over HTTP: OAuth consent for
// tenants, inbound message reads, stored attachment downloads, and order
// emails to clients and vendors.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/bcem/ordermail/internal/attachment"
	"github.com/bcem/ordermail/internal/graph"
	"github.com/bcem/ordermail/internal/models"
	"github.com/bcem/ordermail/internal/notify"
	"github.com/bcem/ordermail/internal/outbound"
)

// EventInboundEmail is broadcast after an inbound message was read.
const EventInboundEmail = "inbound_email"

// Credentials drives the per-tenant OAuth consent flow.
type Credentials interface {
	RequestAuthorizationURL(tenantID string) (string, error)
	Authorize(ctx context.Context, tenantID string) (bool, error)
	ExchangeCodeForToken(ctx context.Context, code, state string) (string, error)
}

// Clients caches authenticated mail clients per tenant.
type Clients interface {
	GetClient(ctx context.Context, tenantID string) (*graph.Client, error)
	Forget(tenantID string)
}

// Transformer maps raw messages to inbound records.
type Transformer interface {
	ToDomainEmail(ctx context.Context, msg *models.Message, tenantID string) (*models.InboundEmail, error)
}

// Attachments opens stored attachments.
type Attachments interface {
	Open(ctx context.Context, messageID, attachmentID string) ([]byte, string, error)
}

// Reconciler reconciles attachments in the background.
type Reconciler interface {
	Start(ctx context.Context, tenantID string, msg *models.Message, fetcher attachment.Fetcher)
}

// Composer sends order emails.
type Composer interface {
	SendToClient(ctx context.Context, oc outbound.OrderContext) (bool, error)
	SendToVendor(ctx context.Context, oc outbound.OrderContext) (bool, error)
}

// Broadcaster fans out UI notifications.
type Broadcaster interface {
	Broadcast(ctx context.Context, channel, event string, payload any) error
}

// Deps holds the handler's collaborators. Notifier and KnownTenant are
// optional; without KnownTenant every tenant id is accepted.
type Deps struct {
	Credentials Credentials
	Clients     Clients
	Transformer Transformer
	Attachments Attachments
	Reconciler  Reconciler
	Composer    Composer
	Notifier    Broadcaster
	KnownTenant func(id string) bool
}

// Handler serves the HTTP API.
type Handler struct {
	d Deps
}

// NewHandler creates an API handler.
func NewHandler(d Deps) *Handler {
	return &Handler{d: d}
}

func (h *Handler) tenant(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.URL.Query().Get("tenantId"))
	if id == "" {
		return "", fmt.Errorf("%w: tenantId is required", errBadRequest)
	}
	if h.d.KnownTenant != nil && !h.d.KnownTenant(id) {
		return "", fmt.Errorf("%w: %s", errUnknownTenant, id)
	}
	return id, nil
}

// Authorize returns a consent URL for a tenant that has no usable token.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	tenantID, err := h.tenant(r)
	if err != nil {
		respondErr(w, r, err)
		return
	}

	ok, err := h.d.Credentials.Authorize(r.Context(), tenantID)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if ok {
		respondErr(w, r, errAlreadyAuthenticated)
		return
	}

	u, err := h.d.Credentials.RequestAuthorizationURL(tenantID)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"url": u})
}

// OAuthCallback completes the consent flow for the tenant named in state.
func (h *Handler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		slog.Warn("consent declined", "error", e, "description", q.Get("error_description"))
		respondError(w, http.StatusBadRequest, "consent was not granted")
		return
	}

	tenantID, err := h.d.Credentials.ExchangeCodeForToken(r.Context(), q.Get("code"), q.Get("state"))
	if err != nil {
		respondErr(w, r, err)
		return
	}

	// A cached client may hold the previous token source.
	h.d.Clients.Forget(tenantID)

	slog.Info("tenant authorized", "tenant", tenantID)
	respondJSON(w, http.StatusOK, map[string]string{"tenantId": tenantID, "status": "authorized"})
}

// InboundMessage reads, transforms and returns one provider message, and
// starts attachment reconciliation for it.
func (h *Handler) InboundMessage(w http.ResponseWriter, r *http.Request) {
	tenantID, err := h.tenant(r)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	messageID := strings.TrimSpace(r.URL.Query().Get("providerMessageId"))
	if messageID == "" {
		respondErr(w, r, fmt.Errorf("%w: providerMessageId is required", errBadRequest))
		return
	}

	client, err := h.d.Clients.GetClient(r.Context(), tenantID)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	msg, err := client.GetMessage(r.Context(), messageID)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	email, err := h.d.Transformer.ToDomainEmail(r.Context(), msg, tenantID)
	if err != nil {
		respondErr(w, r, err)
		return
	}

	if len(msg.Attachments) > 0 && h.d.Reconciler != nil {
		h.d.Reconciler.Start(r.Context(), tenantID, msg, client)
	}
	if h.d.Notifier != nil {
		go h.broadcast(context.WithoutCancel(r.Context()), tenantID, email)
	}

	respondJSON(w, http.StatusOK, email)
}

func (h *Handler) broadcast(ctx context.Context, tenantID string, email *models.InboundEmail) {
	if err := h.d.Notifier.Broadcast(ctx, notify.TenantChannel(tenantID), EventInboundEmail, email); err != nil {
		slog.Warn("inbound broadcast failed",
			"tenant", tenantID,
			"message_id", email.MessageID,
			"error", err,
		)
	}
}

// Attachment streams one stored attachment.
func (h *Handler) Attachment(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	messageID, attachmentID := q.Get("messageId"), q.Get("attachmentId")
	if messageID == "" || attachmentID == "" {
		respondErr(w, r, fmt.Errorf("%w: messageId and attachmentId are required", errBadRequest))
		return
	}

	data, mime, err := h.d.Attachments.Open(r.Context(), messageID, attachmentID)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// EmailClient sends an order email to the job's client.
func (h *Handler) EmailClient(w http.ResponseWriter, r *http.Request) {
	h.sendOrderEmail(w, r, h.d.Composer.SendToClient)
}

// EmailVendor sends an order email to a vendor.
func (h *Handler) EmailVendor(w http.ResponseWriter, r *http.Request) {
	h.sendOrderEmail(w, r, h.d.Composer.SendToVendor)
}

func (h *Handler) sendOrderEmail(w http.ResponseWriter, r *http.Request, send func(context.Context, outbound.OrderContext) (bool, error)) {
	tenantID, err := h.tenant(r)
	if err != nil {
		respondErr(w, r, err)
		return
	}

	var oc outbound.OrderContext
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&oc); err != nil {
		respondErr(w, r, fmt.Errorf("%w: invalid JSON body", errBadRequest))
		return
	}
	oc.TenantID = tenantID
	oc.JobID = chi.URLParam(r, "jobID")

	ok, err := send(r.Context(), oc)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"sent": ok})
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
