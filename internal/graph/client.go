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

// Package graph provides a tenant-scoped mail client for the Microsoft Graph
// API. The client reads messages and attachments from the signed-in mailbox
// and sends mail through a draft-then-send sequence so every send yields a
// provider message id.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/bcem/ordermail/internal/credential"
	"github.com/bcem/ordermail/internal/models"
)

// DefaultBaseURL is the Graph v1.0 root.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// ErrNotFound is returned when a message or attachment does not exist upstream.
var ErrNotFound = errors.New("graph: not found")

// SendError reports an upstream rejection of a send.
type SendError struct {
	StatusCode int
	Code       string
}

func (e *SendError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("graph: send rejected with HTTP %d (%s)", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("graph: send rejected with HTTP %d", e.StatusCode)
}

// Client is an authenticated handle to one tenant's mailbox.
type Client struct {
	tenantID   string
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a Graph mail client. The httpClient must already handle
// authentication (see credential.Manager.Client).
func NewClient(tenantID string, httpClient *http.Client, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		tenantID:   tenantID,
		httpClient: httpClient,
		baseURL:    baseURL,
	}
}

// TenantID returns the tenant this client is scoped to.
func (c *Client) TenantID() string { return c.tenantID }

// GetMessage retrieves a message with its attachment metadata (no bytes).
func (c *Client) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	params := url.Values{}
	params.Set("$select", "id,conversationId,subject,from,toRecipients,body,receivedDateTime,hasAttachments")
	params.Set("$expand", "attachments($select=id,name,contentType,size,isInline)")
	u := fmt.Sprintf("%s/me/messages/%s?%s", c.baseURL, url.PathEscape(messageID), params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", "outlook.body-content-type=\"text\"")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch message: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, fmt.Errorf("fetch message %s: %w", messageID, err)
	}

	msg, err := parseMessage(resp.Body, c.tenantID)
	if err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	return msg, nil
}

// GetAttachment downloads a single attachment's bytes.
func (c *Client) GetAttachment(ctx context.Context, messageID, attachmentID string) (*models.MessageAttachment, error) {
	u := fmt.Sprintf("%s/me/messages/%s/attachments/%s",
		c.baseURL, url.PathEscape(messageID), url.PathEscape(attachmentID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch attachment: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, fmt.Errorf("fetch attachment %s: %w", attachmentID, err)
	}

	att, err := parseAttachment(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse attachment: %w", err)
	}
	return att, nil
}

// Send creates a draft and sends it. A nil error means Graph accepted the
// send; the result carries the draft's message id and the send status code.
func (c *Client) Send(ctx context.Context, msg *OutgoingMessage) (*SendResult, error) {
	body, err := json.Marshal(buildDraft(msg))
	if err != nil {
		return nil, fmt.Errorf("marshal draft: %w", err)
	}

	resp, err := c.post(ctx, c.baseURL+"/me/messages", body)
	if err != nil {
		return nil, fmt.Errorf("create draft: %w", err)
	}
	defer resp.Body.Close()

	if err := checkSend(resp, http.StatusCreated); err != nil {
		return nil, err
	}

	var draft struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&draft); err != nil {
		return nil, fmt.Errorf("decode draft: %w", err)
	}

	sendResp, err := c.post(ctx, fmt.Sprintf("%s/me/messages/%s/send", c.baseURL, url.PathEscape(draft.ID)), nil)
	if err != nil {
		return nil, fmt.Errorf("send draft: %w", err)
	}
	defer sendResp.Body.Close()

	if err := checkSend(sendResp, http.StatusAccepted); err != nil {
		return nil, err
	}

	slog.Info("message sent",
		"tenant", c.tenantID,
		"provider_message_id", draft.ID,
		"recipients", len(msg.To),
	)

	return &SendResult{ProviderMessageID: draft.ID, StatusCode: sendResp.StatusCode}, nil
}

func (c *Client) post(ctx context.Context, u string, body []byte) (*http.Response, error) {
	var r io.Reader = http.NoBody
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, r)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return c.httpClient.Do(req)
}

// checkStatus maps read-path responses onto package errors.
func checkStatus(resp *http.Response, want int) error {
	switch {
	case resp.StatusCode == want:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: graph returned HTTP 401", credential.ErrAuthenticationRequired)
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		slog.Error("graph API error", "status", resp.StatusCode, "code", errorCode(body))
		return fmt.Errorf("graph API returned HTTP %d", resp.StatusCode)
	}
}

// checkSend maps send-path responses onto package errors.
func checkSend(resp *http.Response, want int) error {
	if resp.StatusCode == want {
		return nil
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: graph returned HTTP 401", credential.ErrAuthenticationRequired)
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &SendError{StatusCode: resp.StatusCode, Code: errorCode(body)}
}

// errorCode extracts error.code from a Graph error body.
func errorCode(body []byte) string {
	var e struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		return ""
	}
	return e.Error.Code
}
