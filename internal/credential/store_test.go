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

package credential

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestState_RoundTrip verifies that any tenant id survives the consent round trip.
func TestState_RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		secret := rapid.SliceOfN(rapid.Byte(), 1, 64).Draw(t, "secret")
		tenantID := rapid.StringN(1, 64, -1).Draw(t, "tenant")

		state, err := encodeState(secret, tenantID)
		require.NoError(t, err)

		got, err := decodeState(secret, state)
		require.NoError(t, err)
		require.Equal(t, tenantID, got)
	})
}

// TestState_TamperedPayload verifies that editing the payload breaks the signature.
func TestState_TamperedPayload(t *testing.T) {
	secret := []byte("k")
	state, err := encodeState(secret, "7")
	require.NoError(t, err)

	payload, sig, _ := strings.Cut(state, ".")
	body, err := base64.RawURLEncoding.DecodeString(payload)
	require.NoError(t, err)

	forged := strings.Replace(string(body), `"7"`, `"8"`, 1)
	tampered := base64.RawURLEncoding.EncodeToString([]byte(forged)) + "." + sig

	_, err = decodeState(secret, tampered)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestState_Malformed(t *testing.T) {
	for _, s := range []string{"", ".", "abc", "abc.", ".abc", "!!!.???"} {
		_, err := decodeState([]byte("k"), s)
		if !errors.Is(err, ErrInvalidState) {
			t.Errorf("decodeState(%q) err = %v, want ErrInvalidState", s, err)
		}
	}
}

func TestEncodeState_EmptyTenant(t *testing.T) {
	if _, err := encodeState([]byte("k"), ""); err == nil {
		t.Error("expected error for empty tenant id")
	}
}

// TestFileStore_SaveLoad verifies overwrite semantics and atomic rename.
func TestFileStore_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	rec, err := store.Load(ctx, "7")
	require.NoError(t, err)
	require.Nil(t, rec)

	first := TokenRecord{Version: tokenRecordVersion, TenantID: "7", AccessToken: "a1", Expiry: time.Now().Add(time.Hour).UTC()}
	require.NoError(t, store.Save(ctx, first))

	second := first
	second.AccessToken = "a2"
	require.NoError(t, store.Save(ctx, second))

	got, err := store.Load(ctx, "7")
	require.NoError(t, err)
	require.Equal(t, "a2", got.AccessToken)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
	require.Equal(t, "7.json", entries[0].Name())
}

func TestFileStore_RejectsUnsafeTenantID(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	for _, id := range []string{"", "..", "../etc", "a/b", ".hidden"} {
		_, err := store.Load(context.Background(), id)
		require.Error(t, err, "tenant id %q", id)
	}
}

func TestFileStore_RejectsUnknownVersion(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "7.json"), []byte(`{"version":99,"tenant_id":"7"}`), 0o600))

	_, err = store.Load(context.Background(), "7")
	require.Error(t, err)
}
