// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrNoCredentials means the inbound request carried no authorization value.
	ErrNoCredentials = errors.New("authorization header is required")
	// ErrRejected means the authorization value was present but not accepted.
	ErrRejected = errors.New("authorization token rejected")
)

// Identity describes an accepted caller.
type Identity struct {
	// Subject is a stable, non-secret label for the caller.
	Subject string
}

// Authenticator validates an inbound authorization token. Implementations
// may call out to an external identity provider.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// BearerToken extracts the token from an Authorization header. The Bearer
// scheme is optional; a bare value is returned as-is.
func BearerToken(r *http.Request) string {
	value := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(value) > 7 && strings.EqualFold(value[:7], "bearer ") {
		value = strings.TrimSpace(value[7:])
	}
	return value
}

// AnyBearer accepts every non-empty token. It is the fallback policy when no
// token list is configured.
type AnyBearer struct{}

// Authenticate implements Authenticator.
func (AnyBearer) Authenticate(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrNoCredentials
	}
	return Identity{Subject: "bearer:" + fingerprint(token)}, nil
}

// StaticTokens accepts only tokens from a fixed list.
type StaticTokens struct {
	tokens [][]byte
}

// NewStaticTokens builds a StaticTokens authenticator. Empty entries are ignored.
func NewStaticTokens(tokens []string) *StaticTokens {
	s := &StaticTokens{}
	for _, t := range tokens {
		if t != "" {
			s.tokens = append(s.tokens, []byte(t))
		}
	}
	return s
}

// Authenticate implements Authenticator. Every configured token is compared
// so the time taken does not depend on which one matched.
func (s *StaticTokens) Authenticate(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrNoCredentials
	}

	candidate := []byte(token)
	matched := 0
	for _, t := range s.tokens {
		matched |= subtle.ConstantTimeCompare(candidate, t)
	}
	if matched != 1 {
		return Identity{}, ErrRejected
	}
	return Identity{Subject: "token:" + fingerprint(token)}, nil
}

// fingerprint gives a short non-reversible label for a token.
func fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:6])
}
