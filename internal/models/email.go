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

// Package models defines the data structures shared across the order mail service.
package models

import "time"

// EmailAddress represents a sender or recipient with an address and optional name.
type EmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// EmailBody represents the message body content.
type EmailBody struct {
	ContentType string `json:"content_type"`
	Content     string `json:"content"`
}

// MessageAttachment is an attachment as declared by the provider on a message.
// Data is only populated when the bytes were explicitly downloaded.
type MessageAttachment struct {
	ID          string
	Name        string
	ContentType string
	Size        int64
	IsInline    bool
	Data        []byte
}

// Message is a raw message as returned by the mail provider for one tenant.
type Message struct {
	ID          string
	ThreadID    string
	TenantID    string
	From        EmailAddress
	To          []EmailAddress
	Subject     string
	Body        EmailBody
	ReceivedAt  time.Time
	Attachments []MessageAttachment
}

// AttachmentDescriptor describes an attachment without carrying its bytes.
type AttachmentDescriptor struct {
	ID       string `json:"id,omitempty"`
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// InboundEmail is the canonical representation of a received message.
//
// ClientID and PreferredEmail are set only when the sender resolved to exactly
// one known client.
type InboundEmail struct {
	MessageID      string                 `json:"messageId"`
	ThreadID       string                 `json:"threadId"`
	TenantID       string                 `json:"-"`
	Sender         string                 `json:"sender"`
	Subject        string                 `json:"subject"`
	Body           string                 `json:"body"`
	ClientID       string                 `json:"clientId,omitempty"`
	PreferredEmail string                 `json:"preferredEmail,omitempty"`
	Attachments    []AttachmentDescriptor `json:"attachments"`
}
