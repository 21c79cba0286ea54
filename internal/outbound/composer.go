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

// Package outbound composes and sends order emails to clients and vendors
// from the tenant's mailbox.
package outbound

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/bcem/ordermail/internal/delivery"
	"github.com/bcem/ordermail/internal/directory"
	"github.com/bcem/ordermail/internal/graph"
)

var (
	// ErrNoRecipient is returned when no usable address can be resolved.
	ErrNoRecipient = errors.New("outbound: no recipient")

	// ErrJobNotFound is returned when the referenced job does not exist.
	ErrJobNotFound = errors.New("outbound: job not found")

	// ErrVendorNotFound marks an unknown vendor. SendToVendor reports it as a
	// false result rather than an error.
	ErrVendorNotFound = errors.New("outbound: vendor not found")
)

// Clients hands out the authenticated mail client of a tenant.
type Clients interface {
	GetClient(ctx context.Context, tenantID string) (*graph.Client, error)
}

// Directory is the subset of the record store the composer reads and updates.
type Directory interface {
	FindJobByID(ctx context.Context, id string) (*directory.Job, error)
	FindClientByID(ctx context.Context, id string) (*directory.Client, error)
	FindVendorByID(ctx context.Context, id string) (*directory.Vendor, error)
	UpdateJobStatus(ctx context.Context, id, status string) error
}

// Tracker records delivery status around a send.
type Tracker interface {
	TrackedSend(ctx context.Context, send delivery.SendFunc, recipients []string, subject string) (*graph.SendResult, error)
}

// Attachments opens stored attachment bytes.
type Attachments interface {
	Open(ctx context.Context, messageID, attachmentID string) ([]byte, string, error)
}

// AttachmentRef points at a stored attachment to include in an email.
type AttachmentRef struct {
	MessageID    string `json:"messageId"`
	AttachmentID string `json:"attachmentId"`
	Filename     string `json:"filename,omitempty"`
}

// OrderContext describes one order email.
type OrderContext struct {
	TenantID        string          `json:"-"`
	JobID           string          `json:"-"`
	VendorID        string          `json:"vendorId,omitempty"`
	PreferredEmail  string          `json:"preferredEmail,omitempty"`
	SubjectAddendum string          `json:"subjectAddendum,omitempty"`
	Body            string          `json:"body"`
	Attachments     []AttachmentRef `json:"attachments,omitempty"`
	JobStatus       string          `json:"jobStatus,omitempty"`
}

// Composer builds and sends order emails.
type Composer struct {
	clients     Clients
	dir         Directory
	tracker     Tracker
	attachments Attachments
	md          goldmark.Markdown
}

// NewComposer creates a Composer.
func NewComposer(clients Clients, dir Directory, tracker Tracker, attachments Attachments) *Composer {
	return &Composer{
		clients:     clients,
		dir:         dir,
		tracker:     tracker,
		attachments: attachments,
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
	}
}

// SendToClient emails the job's client. The recipient is the preferred
// address when given, else the client's JOB addresses. It returns true when
// the provider accepted the message, and on success applies oc.JobStatus.
func (c *Composer) SendToClient(ctx context.Context, oc OrderContext) (bool, error) {
	job, err := c.job(ctx, oc.JobID)
	if err != nil {
		return false, err
	}

	recipients, err := firstNonEmpty(ctx,
		func(context.Context) ([]string, error) {
			if addr := strings.TrimSpace(oc.PreferredEmail); addr != "" {
				return []string{addr}, nil
			}
			return nil, nil
		},
		func(ctx context.Context) ([]string, error) {
			client, err := c.dir.FindClientByID(ctx, job.ClientID)
			if err != nil || client == nil {
				return nil, err
			}
			return client.EmailsFor(directory.PurposeJob), nil
		},
	)
	if err != nil {
		return false, err
	}
	if len(recipients) == 0 {
		return false, fmt.Errorf("%w: job %s", ErrNoRecipient, job.ID)
	}

	ok, err := c.send(ctx, oc, recipients, subject(job.Name, oc.SubjectAddendum))
	if err != nil {
		return false, err
	}

	if ok && oc.JobStatus != "" {
		if err := c.dir.UpdateJobStatus(ctx, job.ID, oc.JobStatus); err != nil {
			slog.Error("failed to update job status after send",
				"tenant", oc.TenantID,
				"job_id", job.ID,
				"status", oc.JobStatus,
				"error", err,
			)
		}
	}
	return ok, nil
}

// SendToVendor emails the vendor named by oc.VendorID. An unknown vendor
// yields false with no error and no delivery record.
func (c *Composer) SendToVendor(ctx context.Context, oc OrderContext) (bool, error) {
	ok, err := c.sendToVendor(ctx, oc)
	if errors.Is(err, ErrVendorNotFound) {
		slog.Warn("vendor email skipped",
			"tenant", oc.TenantID,
			"vendor_id", oc.VendorID,
			"error", err,
		)
		return false, nil
	}
	return ok, err
}

func (c *Composer) sendToVendor(ctx context.Context, oc OrderContext) (bool, error) {
	vendor, err := c.dir.FindVendorByID(ctx, oc.VendorID)
	if err != nil {
		return false, err
	}
	if vendor == nil {
		return false, fmt.Errorf("%w: %s", ErrVendorNotFound, oc.VendorID)
	}
	addr := strings.TrimSpace(vendor.Email)
	if addr == "" {
		return false, fmt.Errorf("%w: vendor %s", ErrNoRecipient, vendor.ID)
	}

	name := ""
	if oc.JobID != "" {
		job, err := c.job(ctx, oc.JobID)
		if err != nil {
			return false, err
		}
		name = job.Name
	}

	return c.send(ctx, oc, []string{addr}, subject(name, oc.SubjectAddendum))
}

func (c *Composer) job(ctx context.Context, id string) (*directory.Job, error) {
	job, err := c.dir.FindJobByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job, nil
}

// send builds the message and routes it through the tracker. Client and
// attachment failures happen before any delivery record is created.
func (c *Composer) send(ctx context.Context, oc OrderContext, to []string, subj string) (bool, error) {
	client, err := c.clients.GetClient(ctx, oc.TenantID)
	if err != nil {
		return false, err
	}

	msg, err := c.compose(ctx, oc, to, subj)
	if err != nil {
		return false, err
	}

	res, err := c.tracker.TrackedSend(ctx, func(ctx context.Context) (*graph.SendResult, error) {
		return client.Send(ctx, msg)
	}, to, subj)
	if err != nil {
		return false, err
	}

	slog.Info("order email sent",
		"tenant", oc.TenantID,
		"job_id", oc.JobID,
		"provider_message_id", res.ProviderMessageID,
	)
	return res.Succeeded(), nil
}

func (c *Composer) compose(ctx context.Context, oc OrderContext, to []string, subj string) (*graph.OutgoingMessage, error) {
	var body bytes.Buffer
	if err := c.md.Convert([]byte(oc.Body), &body); err != nil {
		return nil, fmt.Errorf("render body: %w", err)
	}

	msg := &graph.OutgoingMessage{To: to, Subject: subj, HTMLBody: body.String()}
	for _, ref := range oc.Attachments {
		data, mime, err := c.attachments.Open(ctx, ref.MessageID, ref.AttachmentID)
		if err != nil {
			return nil, fmt.Errorf("open attachment %s: %w", ref.AttachmentID, err)
		}
		name := ref.Filename
		if name == "" {
			name = ref.AttachmentID
		}
		msg.Attachments = append(msg.Attachments, graph.OutgoingAttachment{
			Name:        name,
			ContentType: mime,
			Data:        data,
		})
	}
	return msg, nil
}

// subject joins the job name and the addendum with a single space.
func subject(jobName, addendum string) string {
	return strings.TrimSpace(strings.TrimSpace(jobName) + " " + strings.TrimSpace(addendum))
}

type recipientSource func(ctx context.Context) ([]string, error)

// firstNonEmpty evaluates sources in order and returns the first non-empty
// address list.
func firstNonEmpty(ctx context.Context, sources ...recipientSource) ([]string, error) {
	for _, src := range sources {
		addrs, err := src(ctx)
		if err != nil {
			return nil, err
		}
		if len(addrs) > 0 {
			return addrs, nil
		}
	}
	return nil, nil
}
