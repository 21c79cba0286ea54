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

package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/bcem/ordermail/internal/attachment"
	"github.com/bcem/ordermail/internal/clientpool"
	"github.com/bcem/ordermail/internal/credential"
	"github.com/bcem/ordermail/internal/graph"
	"github.com/bcem/ordermail/internal/inbound"
	"github.com/bcem/ordermail/internal/outbound"
)

var (
	errAlreadyAuthenticated = errors.New("tenant already authenticated")
	errUnknownTenant        = errors.New("unknown tenant")
	errBadRequest           = errors.New("bad request")
)

const internalErrorMessage = "internal error"

// errorKinds lists the errors surfaced to clients, with their status codes.
// The sentinel's own text is the response message.
var errorKinds = []struct {
	err    error
	status int
}{
	{errBadRequest, http.StatusBadRequest},
	{errAlreadyAuthenticated, http.StatusBadRequest},
	{credential.ErrInvalidState, http.StatusBadRequest},
	{credential.ErrInvalidCode, http.StatusBadRequest},
	{inbound.ErrValidation, http.StatusBadRequest},
	{outbound.ErrNoRecipient, http.StatusBadRequest},
	{clientpool.ErrAuthenticationRequired, http.StatusUnauthorized},
	{errUnknownTenant, http.StatusNotFound},
	{attachment.ErrNotFound, http.StatusNotFound},
	{graph.ErrNotFound, http.StatusNotFound},
	{outbound.ErrJobNotFound, http.StatusNotFound},
}

// statusFor maps err to an HTTP status and a message safe to return.
func statusFor(err error) (int, string) {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.status, k.err.Error()
		}
	}
	return http.StatusInternalServerError, internalErrorMessage
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError writes a JSON error response with the given status code and message.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondErr maps err with statusFor. Server errors are logged, never echoed.
func respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}
	respondError(w, status, msg)
}
