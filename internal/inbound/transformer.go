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

// Package inbound turns provider messages into the service's canonical
// inbound email record, resolving the sender against the client directory.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/asaskevich/govalidator"
	ozzo "github.com/go-ozzo/ozzo-validation"

	"github.com/bcem/ordermail/internal/directory"
	"github.com/bcem/ordermail/internal/models"
)

// ErrValidation is returned when a transformed record has an invalid shape.
var ErrValidation = errors.New("inbound: validation failed")

// emailFormat checks address syntax only, with no DNS lookups.
var emailFormat = ozzo.NewStringRule(govalidator.IsEmail, "must be a valid email address")

// Directory resolves client records by email address.
type Directory interface {
	FindClientsByEmail(ctx context.Context, address string) ([]directory.Client, error)
}

// Transformer maps raw messages to InboundEmail records.
type Transformer struct {
	dir Directory
}

// NewTransformer creates a Transformer resolving senders through dir.
func NewTransformer(dir Directory) *Transformer {
	return &Transformer{dir: dir}
}

// ToDomainEmail builds the canonical record for msg. The client is resolved
// only when the sender matches exactly one client; otherwise ClientID and
// PreferredEmail stay empty. Attachment bytes are never copied.
func (t *Transformer) ToDomainEmail(ctx context.Context, msg *models.Message, tenantID string) (*models.InboundEmail, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrValidation)
	}

	sender := strings.TrimSpace(msg.From.Address)
	email := &models.InboundEmail{
		MessageID:   msg.ID,
		ThreadID:    msg.ThreadID,
		TenantID:    tenantID,
		Sender:      sender,
		Subject:     msg.Subject,
		Body:        msg.Body.Content,
		Attachments: make([]models.AttachmentDescriptor, 0, len(msg.Attachments)),
	}

	if sender != "" {
		clients, err := t.dir.FindClientsByEmail(ctx, sender)
		if err != nil {
			return nil, fmt.Errorf("resolve sender: %w", err)
		}
		if len(clients) == 1 {
			email.ClientID = clients[0].ID
			email.PreferredEmail = storedAddress(&clients[0], sender)
		}
	}

	for _, a := range msg.Attachments {
		email.Attachments = append(email.Attachments, models.AttachmentDescriptor{
			ID:       a.ID,
			Filename: a.Name,
			MimeType: a.ContentType,
			Size:     a.Size,
		})
	}

	if err := validate(email); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return email, nil
}

// storedAddress returns the client's own spelling of address.
func storedAddress(c *directory.Client, address string) string {
	for _, e := range c.Emails {
		if strings.EqualFold(e.Address, address) {
			return e.Address
		}
	}
	return address
}

func validate(e *models.InboundEmail) error {
	err := ozzo.ValidateStruct(e,
		ozzo.Field(&e.MessageID, ozzo.Required),
		ozzo.Field(&e.Sender, ozzo.Required, emailFormat),
		ozzo.Field(&e.PreferredEmail, emailFormat, ozzo.By(func(value interface{}) error {
			if (value.(string) == "") != (e.ClientID == "") {
				return errors.New("must be set together with the client id")
			}
			return nil
		})),
	)
	if err != nil {
		return err
	}

	for i := range e.Attachments {
		a := &e.Attachments[i]
		err := ozzo.ValidateStruct(a,
			ozzo.Field(&a.ID, ozzo.Required),
			ozzo.Field(&a.Size, ozzo.Min(int64(0))),
		)
		if err != nil {
			return fmt.Errorf("attachments[%d]: %w", i, err)
		}
	}
	return nil
}
