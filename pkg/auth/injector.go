// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package auth

import (
	"errors"
	"net/http"
)

// ErrMissingAPIKey is returned when an injector has no key to attach.
var ErrMissingAPIKey = errors.New("upstream api key is not set")

// BasicInjector attaches the upstream credentials to outbound requests. The
// upstream expects the api key verbatim after the Basic scheme; it is not
// re-encoded here.
type BasicInjector struct {
	APIKey string
}

// NewBasicInjector constructs an injector for the given api key.
func NewBasicInjector(apiKey string) *BasicInjector {
	return &BasicInjector{APIKey: apiKey}
}

// Attach mutates the request by setting the Authorization and JSON
// content-type headers.
func (b *BasicInjector) Attach(req *http.Request) error {
	if b.APIKey == "" {
		return ErrMissingAPIKey
	}

	req.Header.Set("Authorization", "Basic "+b.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	return nil
}

// Mask shortens a secret for log output: the first and last four characters
// survive, shorter values are fully hidden.
func Mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}
