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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const stateVersion = 1

// statePayload is the signed content of the OAuth state parameter.
type statePayload struct {
	Version  int    `json:"v"`
	TenantID string `json:"tenant_id"`
	Nonce    string `json:"nonce"`
}

// encodeState returns "<base64url(payload)>.<base64url(hmac)>".
func encodeState(secret []byte, tenantID string) (string, error) {
	if tenantID == "" {
		return "", fmt.Errorf("encode state: empty tenant id")
	}

	body, err := json.Marshal(statePayload{
		Version:  stateVersion,
		TenantID: tenantID,
		Nonce:    uuid.NewString(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal state: %w", err)
	}

	payload := base64.RawURLEncoding.EncodeToString(body)
	return payload + "." + sign(secret, payload), nil
}

// decodeState verifies the signature and returns the embedded tenant id.
func decodeState(secret []byte, state string) (string, error) {
	payload, sig, ok := strings.Cut(state, ".")
	if !ok || payload == "" || sig == "" {
		return "", fmt.Errorf("%w: malformed", ErrInvalidState)
	}

	if !hmac.Equal([]byte(sig), []byte(sign(secret, payload))) {
		return "", fmt.Errorf("%w: signature mismatch", ErrInvalidState)
	}

	body, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidState, err)
	}

	var p statePayload
	if err := json.Unmarshal(body, &p); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if p.Version != stateVersion {
		return "", fmt.Errorf("%w: unsupported version %d", ErrInvalidState, p.Version)
	}
	if p.TenantID == "" {
		return "", fmt.Errorf("%w: missing tenant id", ErrInvalidState)
	}

	return p.TenantID, nil
}

func sign(secret []byte, payload string) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
