// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// Kind classifies gateway failures. It is emitted as the "code" field of the
// error envelope.
type Kind string

const (
	KindConfigMissing    Kind = "CONFIG_MISSING"
	KindAuthRequired     Kind = "AUTH_REQUIRED"
	KindMalformedRequest Kind = "MALFORMED_REQUEST"
	KindPathForbidden    Kind = "PATH_FORBIDDEN"
	KindNotFound         Kind = "NOT_FOUND"
	KindUpstreamError    Kind = "UPSTREAM_ERROR"
	KindInternalError    Kind = "INTERNAL_ERROR"
)

// Error is the single failure type surfaced by the gateway. Every handler
// error is converted to one before it reaches the client.
type Error struct {
	Kind    Kind            // Kind selects the envelope code.
	Status  int             // Status is the HTTP status written downstream.
	Message string          // Message is safe to show to callers.
	Details json.RawMessage // Details carries the upstream payload, if any.
	Err     error           // Err retains the original cause for logging.
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%d): %s: %v", e.Kind, e.Status, e.Message, e.Err)
	}
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
}

// Unwrap exposes the underlying error for errors.Is / errors.As checks.
func (e *Error) Unwrap() error {
	return e.Err
}

func configMissing(names ...string) *Error {
	return &Error{
		Kind:    KindConfigMissing,
		Status:  http.StatusInternalServerError,
		Message: "missing upstream configuration: " + strings.Join(names, ", "),
	}
}

func authRequired(message string, err error) *Error {
	return &Error{Kind: KindAuthRequired, Status: http.StatusUnauthorized, Message: message, Err: err}
}

func malformedRequest(message string, err error) *Error {
	return &Error{Kind: KindMalformedRequest, Status: http.StatusBadRequest, Message: message, Err: err}
}

func pathForbidden(path string, err error) *Error {
	return &Error{
		Kind:    KindPathForbidden,
		Status:  http.StatusForbidden,
		Message: fmt.Sprintf("proxy path %q is not permitted", path),
		Err:     err,
	}
}

// upstreamError mirrors 4xx and 5xx upstream statuses. Anything else that
// reaches here (1xx, 3xx) either cannot carry the error envelope or would
// be misread by the browser, so it is reported as 502.
func upstreamError(status int, details json.RawMessage) *Error {
	message := fmt.Sprintf("upstream returned %d %s", status, http.StatusText(status))
	downstream := status
	if status < http.StatusBadRequest || status > 599 {
		message = fmt.Sprintf("upstream returned unexpected status %d %s", status, http.StatusText(status))
		downstream = http.StatusBadGateway
	}
	return &Error{
		Kind:    KindUpstreamError,
		Status:  downstream,
		Message: message,
		Details: details,
	}
}

func internalError(message string, err error) *Error {
	if err != nil {
		message = message + ": " + err.Error()
	}
	return &Error{Kind: KindInternalError, Status: http.StatusInternalServerError, Message: message, Err: err}
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    Kind            `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// writeError renders err as the JSON error envelope. Errors that are not
// *Error are reported as internal errors.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var gwErr *Error
	if !errors.As(err, &gwErr) {
		gwErr = internalError("unexpected failure", err)
	}

	logger := zerolog.Ctx(r.Context())
	event := logger.Warn()
	if gwErr.Status >= http.StatusInternalServerError {
		event = logger.Error()
	}
	event.Err(err).
		Str("code", string(gwErr.Kind)).
		Int("status", gwErr.Status).
		Msg("request failed")

	if gwErr.Kind == KindAuthRequired {
		w.Header().Set("WWW-Authenticate", `Bearer realm="relay"`)
	}

	writeJSON(w, r, gwErr.Status, errorEnvelope{Error: errorBody{
		Code:    gwErr.Kind,
		Message: gwErr.Message,
		Details: gwErr.Details,
	}})
}

// writeJSON encodes v without HTML escaping, so URLs survive intact, and
// writes it with the given status.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	err := enc.Encode(v)
	payload := bytes.TrimRight(buf.Bytes(), "\n")
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("encode response failed")
		status = http.StatusInternalServerError
		payload = []byte(`{"error":{"code":"INTERNAL_ERROR","message":"failed to encode response"}}`)
	}
	writeRawJSON(w, r, status, payload)
}

// writeRawJSON writes an already encoded JSON payload.
func writeRawJSON(w http.ResponseWriter, r *http.Request, status int, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("write response failed")
	}
}
