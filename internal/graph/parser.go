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

package graph

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/bcem/ordermail/internal/models"
)

// graphAddress is the Graph recipient shape.
type graphAddress struct {
	EmailAddress struct {
		Address string `json:"address"`
		Name    string `json:"name,omitempty"`
	} `json:"emailAddress"`
}

// graphMessage represents the relevant fields from a Graph API message response.
type graphMessage struct {
	ID               string         `json:"id"`
	ConversationID   string         `json:"conversationId"`
	Subject          string         `json:"subject"`
	From             graphAddress   `json:"from"`
	ToRecipients     []graphAddress `json:"toRecipients"`
	ReceivedDateTime string         `json:"receivedDateTime"`
	Body             struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	Attachments []graphAttachment `json:"attachments"`
}

type graphAttachment struct {
	ODataType    string `json:"@odata.type,omitempty"`
	ID           string `json:"id,omitempty"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	Size         int64  `json:"size,omitempty"`
	IsInline     bool   `json:"isInline,omitempty"`
	ContentBytes string `json:"contentBytes,omitempty"`
}

const fileAttachmentType = "#microsoft.graph.fileAttachment"

// parseMessage converts a Graph API message response into a models.Message.
func parseMessage(body io.Reader, tenantID string) (*models.Message, error) {
	var msg graphMessage
	if err := json.NewDecoder(body).Decode(&msg); err != nil {
		return nil, fmt.Errorf("decode graph message: %w", err)
	}

	to := make([]models.EmailAddress, 0, len(msg.ToRecipients))
	for _, r := range msg.ToRecipients {
		to = append(to, models.EmailAddress{
			Address: r.EmailAddress.Address,
			Name:    r.EmailAddress.Name,
		})
	}

	atts := make([]models.MessageAttachment, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		atts = append(atts, models.MessageAttachment{
			ID:          a.ID,
			Name:        a.Name,
			ContentType: a.ContentType,
			Size:        a.Size,
			IsInline:    a.IsInline,
		})
	}

	received, _ := time.Parse(time.RFC3339, msg.ReceivedDateTime)

	return &models.Message{
		ID:       msg.ID,
		ThreadID: msg.ConversationID,
		TenantID: tenantID,
		From: models.EmailAddress{
			Address: msg.From.EmailAddress.Address,
			Name:    msg.From.EmailAddress.Name,
		},
		To:      to,
		Subject: msg.Subject,
		Body: models.EmailBody{
			ContentType: msg.Body.ContentType,
			Content:     msg.Body.Content,
		},
		ReceivedAt:  received,
		Attachments: atts,
	}, nil
}

// parseAttachment decodes a single attachment including its bytes. Item and
// reference attachments carry no contentBytes and come back with nil Data.
func parseAttachment(body io.Reader) (*models.MessageAttachment, error) {
	var a graphAttachment
	if err := json.NewDecoder(body).Decode(&a); err != nil {
		return nil, fmt.Errorf("decode graph attachment: %w", err)
	}

	out := &models.MessageAttachment{
		ID:          a.ID,
		Name:        a.Name,
		ContentType: a.ContentType,
		Size:        a.Size,
		IsInline:    a.IsInline,
	}

	if a.ODataType != "" && a.ODataType != fileAttachmentType {
		return out, nil
	}

	data, err := base64.StdEncoding.DecodeString(a.ContentBytes)
	if err != nil {
		return nil, fmt.Errorf("decode contentBytes: %w", err)
	}
	// An empty file attachment still has a (zero-length) payload.
	if data == nil {
		data = []byte{}
	}
	out.Data = data
	return out, nil
}

// OutgoingAttachment is a file attached to an outgoing message.
type OutgoingAttachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// OutgoingMessage is a message to send from the tenant's mailbox.
type OutgoingMessage struct {
	To          []string
	Subject     string
	HTMLBody    string
	Attachments []OutgoingAttachment
}

// SendResult is the provider outcome of a successful send.
type SendResult struct {
	ProviderMessageID string
	StatusCode        int
}

// Succeeded reports whether Graph answered the send with a success code.
func (r *SendResult) Succeeded() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

type graphDraft struct {
	Subject string `json:"subject"`
	Body    struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	ToRecipients []graphAddress    `json:"toRecipients"`
	Attachments  []graphAttachment `json:"attachments,omitempty"`
}

func buildDraft(msg *OutgoingMessage) graphDraft {
	var d graphDraft
	d.Subject = msg.Subject
	d.Body.ContentType = "HTML"
	d.Body.Content = msg.HTMLBody

	d.ToRecipients = make([]graphAddress, len(msg.To))
	for i, addr := range msg.To {
		d.ToRecipients[i].EmailAddress.Address = addr
	}

	for _, a := range msg.Attachments {
		d.Attachments = append(d.Attachments, graphAttachment{
			ODataType:    fileAttachmentType,
			Name:         a.Name,
			ContentType:  a.ContentType,
			ContentBytes: base64.StdEncoding.EncodeToString(a.Data),
		})
	}
	return d
}
