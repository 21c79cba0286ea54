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

package attachment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/bcem/ordermail/internal/models"
)

// DefaultWorkers bounds concurrent provider fetches during reconciliation.
const DefaultWorkers = 4

// Fetcher downloads a single attachment, with bytes, from the provider.
type Fetcher interface {
	GetAttachment(ctx context.Context, messageID, attachmentID string) (*models.MessageAttachment, error)
}

// File is a reconciled attachment with its bytes.
type File struct {
	ID       string
	Filename string
	MimeType string
	Data     []byte

	downloaded bool
}

// FailedAttachment names an attachment that could not be read or downloaded.
type FailedAttachment struct {
	ID  string
	Err error
}

// Reconciliation is the outcome of ReadAttachmentOrDownload. Files keeps the
// message's attachment order; Failed lists ids that could not be resolved.
type Reconciliation struct {
	Files  []File
	Failed []FailedAttachment
}

// Downloaded reports how many files were fetched from the provider.
func (r *Reconciliation) Downloaded() int {
	n := 0
	for _, f := range r.Files {
		if f.downloaded {
			n++
		}
	}
	return n
}

// Service saves, reads and reconciles attachments over a Store. The catalog
// is optional; without one, Open sniffs the mime type from the content.
//
// Provider fetches are bounded per tenant: every reconciliation for the same
// tenant shares one budget of workers fetches in flight.
type Service struct {
	store   Store
	catalog Catalog
	workers int

	mu     sync.Mutex
	limits map[string]*semaphore.Weighted
}

// NewService creates a Service. workers <= 0 selects DefaultWorkers.
func NewService(store Store, catalog Catalog, workers int) *Service {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Service{
		store:   store,
		catalog: catalog,
		workers: workers,
		limits:  make(map[string]*semaphore.Weighted),
	}
}

func (s *Service) tenantLimit(tenantID string) *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.limits[tenantID]
	if !ok {
		sem = semaphore.NewWeighted(int64(s.workers))
		s.limits[tenantID] = sem
	}
	return sem
}

// Save writes raw bytes under key.
func (s *Service) Save(ctx context.Context, key string, data []byte) error {
	return s.store.Save(ctx, key, data)
}

// Read returns the bytes stored under key, or ErrNotFound.
func (s *Service) Read(ctx context.Context, key string) ([]byte, error) {
	return s.store.Read(ctx, key)
}

// SaveAttachment stores att under the key derived from messageID and att.ID.
// A nil payload fails with ErrMissingData and writes nothing. An empty,
// non-nil payload is a valid zero-byte attachment. A catalog write failure
// after the bytes are stored is logged, not returned.
func (s *Service) SaveAttachment(ctx context.Context, att *models.MessageAttachment, messageID string) error {
	if att == nil || att.Data == nil {
		id := ""
		if att != nil {
			id = att.ID
		}
		return fmt.Errorf("%w: message %s attachment %s", ErrMissingData, messageID, id)
	}

	key := Key(messageID, att.ID)
	if err := s.store.Save(ctx, key, att.Data); err != nil {
		return err
	}

	s.record(ctx, messageID, att, key)
	return nil
}

// record writes catalog metadata for stored bytes. A failure is logged and
// retried on the next read of the attachment; the bytes stay valid.
func (s *Service) record(ctx context.Context, messageID string, att *models.MessageAttachment, key string) {
	if s.catalog == nil {
		return
	}
	err := s.catalog.Record(ctx, Entry{
		MessageID:    messageID,
		AttachmentID: att.ID,
		Filename:     att.Name,
		MimeType:     att.ContentType,
		Size:         int64(len(att.Data)),
		StorageKey:   key,
	})
	if err != nil {
		slog.Warn("attachment catalog write failed",
			"message_id", messageID,
			"attachment_id", att.ID,
			"error", err,
		)
	}
}

// ensureRecorded fills in a missing catalog entry for bytes already stored.
func (s *Service) ensureRecorded(ctx context.Context, messageID string, att models.MessageAttachment, key string, data []byte) {
	if s.catalog == nil || att.ContentType == "" {
		return
	}
	e, err := s.catalog.Lookup(ctx, messageID, att.ID)
	if err != nil || e != nil {
		return
	}
	att.Data = data
	s.record(ctx, messageID, &att, key)
}

// ReadAttachmentOrDownload returns every attachment declared on msg. Those
// already stored are read locally; the rest are fetched from the provider and
// saved. Fetches run concurrently within the tenant's shared worker budget
// (msg.TenantID), so concurrent calls for one tenant never exceed it together.
// A failure for one
// attachment is reported in Failed without affecting the others. Repeated ids
// on the message are resolved once.
func (s *Service) ReadAttachmentOrDownload(ctx context.Context, msg *models.Message, fetcher Fetcher) (*Reconciliation, error) {
	if msg == nil {
		return nil, errors.New("attachment: nil message")
	}

	declared := uniqueAttachments(msg.Attachments)
	files := make([]*File, len(declared))
	errs := make([]error, len(declared))

	// Workers never return an error so a failed fetch cannot cancel siblings.
	var g errgroup.Group
	g.SetLimit(s.workers)
	for i := range declared {
		att := declared[i]
		g.Go(func() error {
			f, err := s.resolve(ctx, msg.TenantID, msg.ID, att, fetcher)
			if err != nil {
				slog.Warn("attachment reconciliation failed",
					"message_id", msg.ID,
					"attachment_id", att.ID,
					"error", err,
				)
				errs[i] = err
				return nil
			}
			files[i] = f
			return nil
		})
	}
	_ = g.Wait()

	out := &Reconciliation{}
	for i, f := range files {
		if f != nil {
			out.Files = append(out.Files, *f)
			continue
		}
		out.Failed = append(out.Failed, FailedAttachment{ID: declared[i].ID, Err: errs[i]})
	}

	slog.Info("attachments reconciled",
		"message_id", msg.ID,
		"declared", len(declared),
		"downloaded", out.Downloaded(),
		"failed", len(out.Failed),
	)
	return out, nil
}

func (s *Service) resolve(ctx context.Context, tenantID, messageID string, att models.MessageAttachment, fetcher Fetcher) (*File, error) {
	key := Key(messageID, att.ID)
	data, err := s.store.Read(ctx, key)
	if err == nil {
		s.ensureRecorded(ctx, messageID, att, key, data)
		return &File{ID: att.ID, Filename: att.Name, MimeType: att.ContentType, Data: data}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if fetcher == nil {
		return nil, fmt.Errorf("%w: no fetcher for %s", ErrNotFound, att.ID)
	}
	fetched, err := s.fetch(ctx, tenantID, messageID, att.ID, fetcher)
	if err != nil {
		return nil, fmt.Errorf("fetch attachment %s: %w", att.ID, err)
	}
	if fetched.Name == "" {
		fetched.Name = att.Name
	}
	if fetched.ContentType == "" {
		fetched.ContentType = att.ContentType
	}
	if err := s.SaveAttachment(ctx, fetched, messageID); err != nil {
		return nil, err
	}
	return &File{
		ID:         att.ID,
		Filename:   fetched.Name,
		MimeType:   fetched.ContentType,
		Data:       fetched.Data,
		downloaded: true,
	}, nil
}

// fetch downloads one attachment under the tenant's fetch budget.
func (s *Service) fetch(ctx context.Context, tenantID, messageID, attachmentID string, fetcher Fetcher) (*models.MessageAttachment, error) {
	sem := s.tenantLimit(tenantID)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer sem.Release(1)
	return fetcher.GetAttachment(ctx, messageID, attachmentID)
}

// Open returns the stored bytes and mime type of one attachment. The mime
// type comes from the catalog when recorded, otherwise from the content.
func (s *Service) Open(ctx context.Context, messageID, attachmentID string) ([]byte, string, error) {
	data, err := s.store.Read(ctx, Key(messageID, attachmentID))
	if err != nil {
		return nil, "", err
	}

	mime := ""
	if s.catalog != nil {
		e, err := s.catalog.Lookup(ctx, messageID, attachmentID)
		if err != nil {
			slog.Warn("attachment catalog lookup failed",
				"message_id", messageID,
				"attachment_id", attachmentID,
				"error", err,
			)
		} else if e != nil {
			mime = e.MimeType
		}
	}
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return data, mime, nil
}

func uniqueAttachments(in []models.MessageAttachment) []models.MessageAttachment {
	seen := make(map[string]struct{}, len(in))
	out := make([]models.MessageAttachment, 0, len(in))
	for _, a := range in {
		if _, ok := seen[a.ID]; ok {
			continue
		}
		seen[a.ID] = struct{}{}
		out = append(out, a)
	}
	return out
}
