// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package gateway

import (
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/url"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-core-stack/avatar-relay/pkg/auth"
	"github.com/go-core-stack/avatar-relay/pkg/config"
)

// HeaderRequestID carries the per-request correlation id in both directions.
const HeaderRequestID = "X-Request-Id"

const (
	defaultMaxBodyBytes = 1 << 20
	maxRequestIDLength  = 128
)

// Gateway relays browser calls to the upstream avatar API, holding the
// credentials the browser must never see.
type Gateway struct {
	// cfg is the immutable runtime configuration, credentials included.
	cfg config.Config
	// client performs outbound HTTP requests with tuned transport settings.
	client *http.Client
	// injector attaches the upstream Authorization header.
	injector *auth.BasicInjector
	// authn gates the secure operations.
	authn auth.Authenticator
	// filter restricts which generic proxy paths may be forwarded.
	filter PathFilter
	// logger emits structured logs for observability.
	logger zerolog.Logger
	// baseURL is the upstream address every operation path is joined onto.
	baseURL *url.URL
	mux     *http.ServeMux
}

// Option customises a Gateway during construction.
type Option func(*Gateway)

// WithAuthenticator replaces the authentication collaborator, for example
// with one backed by an external identity provider.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(g *Gateway) {
		if a != nil {
			g.authn = a
		}
	}
}

// WithPathFilter replaces the generic proxy path filter.
func WithPathFilter(f PathFilter) Option {
	return func(g *Gateway) {
		if f != nil {
			g.filter = f
		}
	}
}

// New constructs a Gateway backed by an http.Client configured with
// connection pooling defaults and the provided runtime configuration.
func New(cfg config.Config, opts ...Option) (*Gateway, error) {
	if cfg.Upstream == nil || !cfg.Upstream.IsAbs() {
		return nil, errors.New("gateway requires an absolute upstream url")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify, // nolint:gosec -- opt-in for development scenarios
		},
	}

	g := &Gateway{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: transport,
		},
		injector: auth.NewBasicInjector(cfg.Credentials.APIKey),
		filter:   &GlobFilter{Allowed: cfg.ProxyAllow, Blocked: cfg.ProxyBlock},
		logger:   log.With().Str("component", "gateway").Logger(),
		baseURL:  cloneURL(cfg.Upstream),
		mux:      http.NewServeMux(),
	}

	if len(cfg.AuthTokens) > 0 {
		g.authn = auth.NewStaticTokens(cfg.AuthTokens)
	} else {
		g.authn = auth.AnyBearer{}
	}

	for _, opt := range opts {
		opt(g)
	}

	g.routes()

	return g, nil
}

// routes registers every operation under the configured mount prefix.
func (g *Gateway) routes() {
	p := g.cfg.MountPrefix

	g.mux.HandleFunc("GET /{$}", g.handleRoot)
	g.mux.HandleFunc("GET "+p+"/config", g.handlePublicConfig)
	g.mux.HandleFunc("GET "+p+"/standalone-config", g.handleStandaloneConfig)
	g.mux.HandleFunc("GET "+p+"/share-url", g.handleShareURL)
	g.mux.HandleFunc("GET "+p+"/credentials", g.handleCredentials)
	g.mux.HandleFunc("GET "+p+"/agent/{agent_id}", g.handleGetAgent)
	g.mux.HandleFunc("POST "+p+"/initialize", g.handleInitialize)
	g.mux.HandleFunc("POST "+p+"/proxy/{path...}", g.handleProxy)
	g.mux.HandleFunc("POST "+p+"/secure-agent", g.handleSecureAgent)
	g.mux.HandleFunc("/", g.handleNotFound)
}

// ServeHTTP tags the request with an id and a scoped logger, recovers
// handler panics, and logs the outcome.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	requestID := r.Header.Get(HeaderRequestID)
	if requestID == "" || len(requestID) > maxRequestIDLength {
		requestID = uuid.NewString()
	}
	w.Header().Set(HeaderRequestID, requestID)

	event := g.logger.With().
		Str("request_id", requestID).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("remote_addr", r.RemoteAddr).
		Logger()
	r = r.WithContext(event.WithContext(r.Context()))

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	defer func() {
		if v := recover(); v != nil {
			if v == http.ErrAbortHandler {
				panic(v)
			}
			event.Error().
				Interface("panic", v).
				Bytes("stack", debug.Stack()).
				Msg("handler panicked")
			if !rec.wroteHeader {
				writeError(rec, r, internalError("unexpected failure", nil))
			}
		}

		event.Info().
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request handled")
	}()

	g.mux.ServeHTTP(rec, r)
}

// statusRecorder remembers the status written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(status int) {
	if !s.wroteHeader {
		s.status = status
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(status)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}

// cloneURL makes a shallow copy of the provided URL pointer.
func cloneURL(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	clone := *u
	return &clone
}
