// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

const (
	// maxErrorBody bounds what is captured from a failed upstream call.
	maxErrorBody = 64 * 1024
	// maxUpstreamBody bounds a successful upstream payload.
	maxUpstreamBody = 16 << 20
)

// Credential requirements, combined with |.
const (
	needAPIKey = 1 << iota
	needAgentID
	needClientKey
)

// requireCredentials fails with CONFIG_MISSING when any credential named by
// need is unset.
func (g *Gateway) requireCredentials(need int) error {
	creds := g.cfg.Credentials

	var missing []string
	if need&needAPIKey != 0 && creds.APIKey == "" {
		missing = append(missing, "api key")
	}
	if need&needAgentID != 0 && creds.AgentID == "" {
		missing = append(missing, "agent id")
	}
	if need&needClientKey != 0 && creds.ClientKey == "" {
		missing = append(missing, "client key")
	}
	if len(missing) > 0 {
		return configMissing(missing...)
	}
	return nil
}

// endpoint joins already-escaped path segments onto the upstream base.
func (g *Gateway) endpoint(segments ...string) *url.URL {
	return g.baseURL.JoinPath(segments...)
}

// forward performs one upstream call and returns the JSON body of a 2xx
// response. Failures come back as *Error: UPSTREAM_ERROR for non-2xx
// statuses, INTERNAL_ERROR for transport failures or unreadable bodies.
//
// The upstream call does not inherit cancellation from ctx; it is bounded by
// the client timeout instead.
func (g *Gateway) forward(ctx context.Context, method string, target *url.URL, body []byte) (json.RawMessage, error) {
	logger := zerolog.Ctx(ctx).With().
		Str("upstream_method", method).
		Str("upstream_path", target.Path).
		Logger()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	upstreamReq, err := http.NewRequestWithContext(context.WithoutCancel(ctx), method, target.String(), reader)
	if err != nil {
		return nil, internalError("build upstream request", err)
	}

	if err := g.injector.Attach(upstreamReq); err != nil {
		return nil, configMissing("api key")
	}

	resp, err := g.client.Do(upstreamReq)
	if err != nil {
		return nil, internalError("upstream request failed", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error().
				Err(closeErr).
				Msg("close upstream response body failed")
		}
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		payload, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if readErr != nil {
			logger.Error().
				Err(readErr).
				Int("status", resp.StatusCode).
				Msg("failed to read upstream error body")
		}
		logger.Warn().
			Int("status", resp.StatusCode).
			Bytes("upstream_body", payload).
			Msg("upstream returned error")
		return nil, upstreamError(resp.StatusCode, errorDetails(payload))
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody+1))
	if err != nil {
		return nil, internalError("read upstream response", err)
	}
	if len(payload) > maxUpstreamBody {
		return nil, internalError(fmt.Sprintf("upstream response exceeds %d bytes", maxUpstreamBody), nil)
	}

	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid(payload) {
		return nil, internalError("upstream returned a non-JSON body", nil)
	}

	logger.Debug().
		Int("status", resp.StatusCode).
		Int("bytes", len(payload)).
		Msg("upstream call succeeded")

	return json.RawMessage(payload), nil
}

// errorDetails keeps a JSON error payload as-is and wraps anything else as a
// JSON string. An empty payload yields no details.
func errorDetails(payload []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	text, err := json.Marshal(string(trimmed))
	if err != nil {
		return nil
	}
	return text
}

// escapeSegments path-escapes each slash separated segment of p.
func escapeSegments(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
