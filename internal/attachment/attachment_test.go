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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/bcem/ordermail/internal/models"
)

type memCatalog struct {
	mu      sync.Mutex
	entries map[string]Entry
	failing atomic.Bool
}

func newMemCatalog() *memCatalog {
	return &memCatalog{entries: make(map[string]Entry)}
}

func (c *memCatalog) Record(_ context.Context, e Entry) error {
	if c.failing.Load() {
		return errors.New("catalog unavailable")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[e.MessageID+"/"+e.AttachmentID] = e
	return nil
}

func (c *memCatalog) Lookup(_ context.Context, messageID, attachmentID string) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[messageID+"/"+attachmentID]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

type fakeFetcher struct {
	data     map[string][]byte
	fail     map[string]bool
	calls    atomic.Int32
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func (f *fakeFetcher) GetAttachment(_ context.Context, messageID, attachmentID string) (*models.MessageAttachment, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(f.delay)

	if f.fail[attachmentID] {
		return nil, fmt.Errorf("provider unavailable for %s", attachmentID)
	}
	return &models.MessageAttachment{
		ID:          attachmentID,
		Name:        attachmentID + ".bin",
		ContentType: "application/octet-stream",
		Data:        f.data[attachmentID],
	}, nil
}

func newLocal(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	return s
}

func TestKeyDeterministicAndDistinct(t *testing.T) {
	if Key("m1", "a1") != Key("m1", "a1") {
		t.Fatal("key is not deterministic")
	}
	if Key("m1", "a1") == Key("m1a", "1") {
		t.Fatal("length prefix should separate (m1,a1) from (m1a,1)")
	}
	if len(Key("m", "a")) != 64 {
		t.Fatalf("key length = %d, want 64 hex chars", len(Key("m", "a")))
	}
}

func TestLocalStoreRoundTrip(t *testing.T) {
	store := newLocal(t)
	rapid.Check(t, func(rt *rapid.T) {
		key := Key(rapid.String().Draw(rt, "message"), rapid.String().Draw(rt, "attachment"))
		data := rapid.SliceOf(rapid.Byte()).Draw(rt, "data")

		require.NoError(rt, store.Save(context.Background(), key, data))
		got, err := store.Read(context.Background(), key)
		require.NoError(rt, err)
		require.True(rt, bytes.Equal(data, got), "round trip changed bytes")
	})
}

func TestLocalStoreReadMissing(t *testing.T) {
	store := newLocal(t)
	_, err := store.Read(context.Background(), Key("m1", "nope"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLocalStoreRejectsPathKeys(t *testing.T) {
	store := newLocal(t)
	for _, key := range []string{"", "ab", "../etc/passwd", "a/b/c", ".hidden"} {
		if err := store.Save(context.Background(), key, []byte("x")); err == nil {
			t.Errorf("Save(%q) should fail", key)
		}
	}
}

func TestSaveAttachmentMissingData(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	catalog := newMemCatalog()
	svc := NewService(store, catalog, 0)

	err = svc.SaveAttachment(context.Background(), &models.MessageAttachment{ID: "a1"}, "m1")
	if !errors.Is(err, ErrMissingData) {
		t.Fatalf("expected ErrMissingData, got %v", err)
	}

	if _, err := store.Read(context.Background(), Key("m1", "a1")); !errors.Is(err, ErrNotFound) {
		t.Errorf("nothing should be written, read returned %v", err)
	}
	if len(catalog.entries) != 0 {
		t.Errorf("catalog should be empty, has %d entries", len(catalog.entries))
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("base directory should be empty, has %d entries", len(entries))
	}
}

func TestSaveAttachmentOverwritesSameKey(t *testing.T) {
	store := newLocal(t)
	svc := NewService(store, newMemCatalog(), 0)
	ctx := context.Background()

	require.NoError(t, svc.SaveAttachment(ctx, &models.MessageAttachment{ID: "a1", Data: []byte("one")}, "m1"))
	require.NoError(t, svc.SaveAttachment(ctx, &models.MessageAttachment{ID: "a1", Data: []byte("two")}, "m1"))

	got, err := svc.Read(ctx, Key("m1", "a1"))
	require.NoError(t, err)
	require.Equal(t, "two", string(got))

	shard := filepath.Join(store.basePath, Key("m1", "a1")[:2])
	entries, err := os.ReadDir(shard)
	require.NoError(t, err)
	require.Len(t, entries, 1, "re-saving must not leave duplicates or temp files")
}

func TestSaveAttachmentEmptyPayload(t *testing.T) {
	svc := NewService(newLocal(t), nil, 0)
	ctx := context.Background()

	require.NoError(t, svc.SaveAttachment(ctx, &models.MessageAttachment{ID: "empty", Data: []byte{}}, "m1"))
	got, err := svc.Read(ctx, Key("m1", "empty"))
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestReadAttachmentOrDownloadPartialFailure(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newLocal(t), newMemCatalog(), 2)

	// a2 is already cached locally.
	require.NoError(t, svc.SaveAttachment(ctx, &models.MessageAttachment{ID: "a2", Name: "cached.txt", Data: []byte("cached")}, "m1"))

	fetcher := &fakeFetcher{
		data: map[string][]byte{"a1": []byte("one"), "a4": []byte("four")},
		fail: map[string]bool{"a3": true},
	}
	msg := &models.Message{
		ID: "m1",
		Attachments: []models.MessageAttachment{
			{ID: "a1", Name: "one.pdf"},
			{ID: "a2", Name: "cached.txt"},
			{ID: "a3", Name: "broken.png"},
			{ID: "a1", Name: "one.pdf"},
			{ID: "a4", Name: "four.doc"},
		},
	}

	rec, err := svc.ReadAttachmentOrDownload(ctx, msg, fetcher)
	require.NoError(t, err)

	var ids []string
	for _, f := range rec.Files {
		ids = append(ids, f.ID)
	}
	require.Equal(t, []string{"a1", "a2", "a4"}, ids, "original order, no duplicates")
	require.Equal(t, "cached", string(rec.Files[1].Data))
	require.Equal(t, "cached.txt", rec.Files[1].Filename)
	require.Len(t, rec.Failed, 1)
	require.Equal(t, "a3", rec.Failed[0].ID)
	require.Error(t, rec.Failed[0].Err)
	require.Equal(t, 2, rec.Downloaded())
	require.EqualValues(t, 3, fetcher.calls.Load(), "cached attachment must not be fetched")

	// Downloaded attachments are now local.
	got, err := svc.Read(ctx, Key("m1", "a4"))
	require.NoError(t, err)
	require.Equal(t, "four", string(got))

	// A second pass only retries the failure.
	fetcher.fail = nil
	fetcher.data["a3"] = []byte("three")
	rec, err = svc.ReadAttachmentOrDownload(ctx, msg, fetcher)
	require.NoError(t, err)
	require.Len(t, rec.Files, 4)
	require.Empty(t, rec.Failed)
	require.Equal(t, "a3", rec.Files[2].ID)
	require.EqualValues(t, 4, fetcher.calls.Load())
}

func TestReadAttachmentOrDownloadBoundsConcurrency(t *testing.T) {
	svc := NewService(newLocal(t), nil, 3)
	fetcher := &fakeFetcher{data: map[string][]byte{}, delay: 10 * time.Millisecond}

	msg := &models.Message{ID: "m1"}
	for i := 0; i < 12; i++ {
		id := fmt.Sprintf("a%d", i)
		fetcher.data[id] = []byte(id)
		msg.Attachments = append(msg.Attachments, models.MessageAttachment{ID: id})
	}

	rec, err := svc.ReadAttachmentOrDownload(context.Background(), msg, fetcher)
	require.NoError(t, err)
	require.Len(t, rec.Files, 12)
	if peak := fetcher.peak.Load(); peak > 3 {
		t.Errorf("peak concurrent fetches = %d, want <= 3", peak)
	}
}

func TestReadAttachmentOrDownloadBoundsConcurrencyPerTenant(t *testing.T) {
	svc := NewService(newLocal(t), nil, 2)
	fetcher := &fakeFetcher{data: map[string][]byte{}, delay: 20 * time.Millisecond}

	var msgs []*models.Message
	for m := 0; m < 4; m++ {
		msg := &models.Message{ID: fmt.Sprintf("m%d", m), TenantID: "7"}
		for a := 0; a < 4; a++ {
			id := fmt.Sprintf("m%d-a%d", m, a)
			fetcher.data[id] = []byte(id)
			msg.Attachments = append(msg.Attachments, models.MessageAttachment{ID: id})
		}
		msgs = append(msgs, msg)
	}

	var wg sync.WaitGroup
	for _, msg := range msgs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := svc.ReadAttachmentOrDownload(context.Background(), msg, fetcher)
			if assert.NoError(t, err) {
				assert.Len(t, rec.Files, 4)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 16, fetcher.calls.Load())
	if peak := fetcher.peak.Load(); peak > 2 {
		t.Errorf("peak concurrent fetches for one tenant = %d, want <= 2", peak)
	}
}

func TestReadAttachmentOrDownloadTenantsHaveSeparateBudgets(t *testing.T) {
	svc := NewService(newLocal(t), nil, 1)
	require.NotSame(t, svc.tenantLimit("7"), svc.tenantLimit("8"))
	require.Same(t, svc.tenantLimit("7"), svc.tenantLimit("7"))
}

func TestCatalogFailureKeepsDownloadedFile(t *testing.T) {
	ctx := context.Background()
	catalog := newMemCatalog()
	catalog.failing.Store(true)
	svc := NewService(newLocal(t), catalog, 0)

	fetcher := &fakeFetcher{data: map[string][]byte{"a1": []byte("%PDF-1.7")}}
	msg := &models.Message{ID: "m1", Attachments: []models.MessageAttachment{
		{ID: "a1", Name: "po.pdf", ContentType: "application/pdf"},
	}}

	rec, err := svc.ReadAttachmentOrDownload(ctx, msg, fetcher)
	require.NoError(t, err)
	require.Empty(t, rec.Failed)
	require.Len(t, rec.Files, 1)
	require.Equal(t, 1, rec.Downloaded())
	require.Empty(t, catalog.entries)

	// The next pass reads the stored bytes and fills in the missing entry.
	catalog.failing.Store(false)
	rec, err = svc.ReadAttachmentOrDownload(ctx, msg, fetcher)
	require.NoError(t, err)
	require.Equal(t, 0, rec.Downloaded())
	require.EqualValues(t, 1, fetcher.calls.Load())

	_, mime, err := svc.Open(ctx, "m1", "a1")
	require.NoError(t, err)
	require.Equal(t, "application/pdf", mime)
}

func TestReadAttachmentOrDownloadNonFileAttachment(t *testing.T) {
	svc := NewService(newLocal(t), nil, 0)
	// The fetcher returns no data for a1, as the provider does for item attachments.
	fetcher := &fakeFetcher{data: map[string][]byte{}}
	msg := &models.Message{ID: "m1", Attachments: []models.MessageAttachment{{ID: "a1"}}}

	rec, err := svc.ReadAttachmentOrDownload(context.Background(), msg, fetcher)
	require.NoError(t, err)
	require.Empty(t, rec.Files)
	require.Len(t, rec.Failed, 1)
	require.ErrorIs(t, rec.Failed[0].Err, ErrMissingData)
}

func TestOpenMimeType(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newLocal(t), newMemCatalog(), 0)

	require.NoError(t, svc.SaveAttachment(ctx, &models.MessageAttachment{ID: "a1", ContentType: "application/pdf", Data: []byte("%PDF-1.7")}, "m1"))
	data, mime, err := svc.Open(ctx, "m1", "a1")
	require.NoError(t, err)
	require.Equal(t, "application/pdf", mime)
	require.Equal(t, "%PDF-1.7", string(data))

	// Stored without catalog metadata: sniffed from content.
	require.NoError(t, svc.Save(ctx, Key("m1", "a2"), []byte("<html><body>hi</body></html>")))
	_, mime, err = svc.Open(ctx, "m1", "a2")
	require.NoError(t, err)
	require.Equal(t, "text/html; charset=utf-8", mime)

	_, _, err = svc.Open(ctx, "m1", "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Bucket+"/"+*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestS3StoreSaveRead(t *testing.T) {
	client := &fakeS3{objects: make(map[string][]byte)}
	store := NewS3Store(client, "mail", "attachments/")
	ctx := context.Background()
	key := Key("m1", "a1")

	require.NoError(t, store.Save(ctx, key, []byte("payload")))
	require.Contains(t, client.objects, "mail/attachments/"+key)

	got, err := store.Read(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "payload", string(got))

	_, err = store.Read(ctx, Key("m1", "missing"))
	require.ErrorIs(t, err, ErrNotFound)
}
