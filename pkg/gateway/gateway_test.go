// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-core-stack/avatar-relay/pkg/auth"
	"github.com/go-core-stack/avatar-relay/pkg/config"
)

const (
	testAPIKey    = "api-key-secret-value"
	testAgentID   = "agt_test1234"
	testClientKey = "client-key=="
)

// upstreamStub records every outbound call and answers with a canned response.
type upstreamStub struct {
	calls atomic.Int32

	mu      sync.Mutex
	method  string
	url     string
	body    []byte
	headers http.Header

	status  int
	payload string
	err     error
}

func (s *upstreamStub) RoundTrip(req *http.Request) (*http.Response, error) {
	s.calls.Add(1)

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		if err := req.Body.Close(); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	s.method = req.Method
	s.url = req.URL.String()
	s.body = body
	s.headers = req.Header.Clone()
	s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}

	status := s.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(s.payload)),
	}, nil
}

func testConfig() config.Config {
	upstreamURL, err := url.Parse("https://upstream.example.com")
	if err != nil {
		panic(err)
	}
	return config.Config{
		ListenAddr:  "127.0.0.1:0",
		Upstream:    upstreamURL,
		MountPrefix: "/api/did",
		Credentials: config.Credentials{
			APIKey:    testAPIKey,
			AgentID:   testAgentID,
			ClientKey: testClientKey,
		},
		Display: config.Display{
			ScriptURL:         "https://agent.example.com/v1/index.js",
			Mode:              "fabio",
			Monitor:           true,
			StandaloneBaseURL: "https://app.example.com/",
			ShareBaseURL:      "https://studio.example.com/agents/share",
		},
		Session: config.Session{
			PresenterSource: "presenter_id:Noelle",
			DriverID:        "mzmtwlxz7b",
		},
		RequestTimeout: time.Second,
		LogLevel:       "info",
	}
}

func newTestGateway(t *testing.T, cfg config.Config, stub *upstreamStub, opts ...Option) *Gateway {
	t.Helper()
	g, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("create gateway: %v", err)
	}
	g.client.Transport = stub
	return g
}

func serve(g *Gateway, method, target, body string, header http.Header) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	for k, vv := range header {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode error envelope %q: %v", rec.Body.String(), err)
	}
	return env.Error
}

func TestMissingCredentialsNeverReachUpstream(t *testing.T) {
	routes := []struct {
		name   string
		method string
		target string
		body   string
		header http.Header
		drop   func(*config.Credentials)
	}{
		{"config without agent id", http.MethodGet, "/api/did/config", "", nil, func(c *config.Credentials) { c.AgentID = "" }},
		{"standalone without client key", http.MethodGet, "/api/did/standalone-config", "", nil, func(c *config.Credentials) { c.ClientKey = "" }},
		{"share url without agent id", http.MethodGet, "/api/did/share-url", "", nil, func(c *config.Credentials) { c.AgentID = "" }},
		{"credentials without client key", http.MethodGet, "/api/did/credentials", "", nil, func(c *config.Credentials) { c.ClientKey = "" }},
		{"agent without api key", http.MethodGet, "/api/did/agent/agt_1", "", nil, func(c *config.Credentials) { c.APIKey = "" }},
		{"initialize without api key", http.MethodPost, "/api/did/initialize", "", nil, func(c *config.Credentials) { c.APIKey = "" }},
		{"initialize without agent id", http.MethodPost, "/api/did/initialize", "", nil, func(c *config.Credentials) { c.AgentID = "" }},
		{"proxy without api key", http.MethodPost, "/api/did/proxy/talks/streams", `{"x":1}`, nil, func(c *config.Credentials) { c.APIKey = "" }},
		{"authenticated secure agent without agent id", http.MethodPost, "/api/did/secure-agent", `{"userId":"u1"}`,
			http.Header{"Authorization": []string{"Bearer session-token"}}, func(c *config.Credentials) { c.AgentID = "" }},
	}

	for _, tc := range routes {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.drop(&cfg.Credentials)
			stub := &upstreamStub{payload: `{}`}
			g := newTestGateway(t, cfg, stub)

			rec := serve(g, tc.method, tc.target, tc.body, tc.header)

			if rec.Code != http.StatusInternalServerError {
				t.Fatalf("expected 500, got %d", rec.Code)
			}
			if got := decodeError(t, rec); got.Code != KindConfigMissing {
				t.Fatalf("expected %s, got %s", KindConfigMissing, got.Code)
			}
			if calls := stub.calls.Load(); calls != 0 {
				t.Fatalf("expected no upstream calls, got %d", calls)
			}
		})
	}
}

func TestInitializeReshapesStreamResponse(t *testing.T) {
	stub := &upstreamStub{payload: `{"id":"s1","session_id":"sess1","offer":{"type":"offer"}}`}
	g := newTestGateway(t, testConfig(), stub)

	rec := serve(g, http.MethodPost, "/api/did/initialize", "", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	if body := rec.Body.String(); body != `{"streamId":"s1","sessionId":"sess1"}` {
		t.Fatalf("unexpected response body: %s", body)
	}
	if stub.method != http.MethodPost {
		t.Fatalf("expected POST upstream, got %s", stub.method)
	}
	if stub.url != "https://upstream.example.com/talks/streams" {
		t.Fatalf("unexpected upstream url: %s", stub.url)
	}

	var sent streamRequest
	if err := json.Unmarshal(stub.body, &sent); err != nil {
		t.Fatalf("decode upstream body: %v", err)
	}
	want := streamRequest{SourceURL: "presenter_id:Noelle", AgentID: testAgentID, DriverID: "mzmtwlxz7b"}
	if sent != want {
		t.Fatalf("unexpected upstream body: got %+v want %+v", sent, want)
	}
	if got := stub.headers.Get("Authorization"); got != "Basic "+testAPIKey {
		t.Fatalf("missing authorization header, got %q", got)
	}
}

func TestGetAgentPassesBodyThrough(t *testing.T) {
	stub := &upstreamStub{payload: `{"id":"agt_1","preview_name":"Noelle"}`}
	g := newTestGateway(t, testConfig(), stub)

	rec := serve(g, http.MethodGet, "/api/did/agent/agt_1", "", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if body := rec.Body.String(); body != `{"id":"agt_1","preview_name":"Noelle"}` {
		t.Fatalf("unexpected body: %s", body)
	}
	if stub.method != http.MethodGet {
		t.Fatalf("expected GET upstream, got %s", stub.method)
	}
	if stub.url != "https://upstream.example.com/agents/agt_1" {
		t.Fatalf("unexpected upstream url: %s", stub.url)
	}
	if len(stub.body) != 0 {
		t.Fatalf("expected empty upstream body, got %q", stub.body)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("unexpected content type: %s", got)
	}
}

func TestGetAgentPropagatesUpstreamError(t *testing.T) {
	stub := &upstreamStub{status: http.StatusNotFound, payload: `{"kind":"not_found"}`}
	g := newTestGateway(t, testConfig(), stub)

	rec := serve(g, http.MethodGet, "/api/did/agent/agt_missing", "", nil)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	got := decodeError(t, rec)
	if got.Code != KindUpstreamError {
		t.Fatalf("expected %s, got %s", KindUpstreamError, got.Code)
	}
	if string(got.Details) != `{"kind":"not_found"}` {
		t.Fatalf("unexpected details: %s", got.Details)
	}
}

func TestUpstreamBodilessStatusBecomesBadGateway(t *testing.T) {
	for _, status := range []int{http.StatusNotModified, http.StatusMultipleChoices} {
		stub := &upstreamStub{status: status}
		g := newTestGateway(t, testConfig(), stub)

		rec := serve(g, http.MethodGet, "/api/did/agent/agt_1", "", nil)

		if rec.Code != http.StatusBadGateway {
			t.Fatalf("upstream %d: expected 502, got %d", status, rec.Code)
		}
		got := decodeError(t, rec)
		if got.Code != KindUpstreamError {
			t.Fatalf("upstream %d: expected %s, got %s", status, KindUpstreamError, got.Code)
		}
		if !strings.Contains(got.Message, strconv.Itoa(status)) {
			t.Fatalf("upstream %d: message should carry the original status, got %q", status, got.Message)
		}
	}
}

func TestUpstreamTextErrorWrappedAsString(t *testing.T) {
	stub := &upstreamStub{status: http.StatusBadGateway, payload: "gateway exploded"}
	g := newTestGateway(t, testConfig(), stub)

	rec := serve(g, http.MethodPost, "/api/did/proxy/talks/streams", `{}`, nil)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if got := decodeError(t, rec); string(got.Details) != `"gateway exploded"` {
		t.Fatalf("unexpected details: %s", got.Details)
	}
}

func TestTransportFailureIsInternalError(t *testing.T) {
	stub := &upstreamStub{err: errors.New("dial tcp: connection refused")}
	g := newTestGateway(t, testConfig(), stub)

	rec := serve(g, http.MethodGet, "/api/did/agent/agt_1", "", nil)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	got := decodeError(t, rec)
	if got.Code != KindInternalError {
		t.Fatalf("expected %s, got %s", KindInternalError, got.Code)
	}
	if !strings.Contains(got.Message, "connection refused") {
		t.Fatalf("expected underlying message, got %q", got.Message)
	}
	if strings.Contains(rec.Body.String(), testAPIKey) {
		t.Fatal("error body leaked the api key")
	}
}

func TestNonJSONSuccessIsInternalError(t *testing.T) {
	stub := &upstreamStub{payload: "<html>ok</html>"}
	g := newTestGateway(t, testConfig(), stub)

	rec := serve(g, http.MethodGet, "/api/did/agent/agt_1", "", nil)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if got := decodeError(t, rec); got.Code != KindInternalError {
		t.Fatalf("expected %s, got %s", KindInternalError, got.Code)
	}
}

func TestProxyForwardsBodyVerbatim(t *testing.T) {
	stub := &upstreamStub{payload: `{"ok":true}`}
	g := newTestGateway(t, testConfig(), stub)

	rec := serve(g, http.MethodPost, "/api/did/proxy/talks/streams", `{"x":1}`, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	if body := rec.Body.String(); body != `{"ok":true}` {
		t.Fatalf("unexpected body: %s", body)
	}
	if stub.url != "https://upstream.example.com/talks/streams" {
		t.Fatalf("unexpected upstream url: %s", stub.url)
	}
	if string(stub.body) != `{"x":1}` {
		t.Fatalf("unexpected upstream body: %s", stub.body)
	}
	if got := stub.headers.Get("Authorization"); got != "Basic "+testAPIKey {
		t.Fatalf("missing authorization header, got %q", got)
	}
	if got := stub.headers.Get("Content-Type"); got != "application/json" {
		t.Fatalf("unexpected content type: %q", got)
	}
}

func TestProxyJoinsUpstreamBasePath(t *testing.T) {
	cfg := testConfig()
	base, err := url.Parse("https://upstream.example.com/v1/")
	if err != nil {
		t.Fatalf("parse upstream url: %v", err)
	}
	cfg.Upstream = base
	stub := &upstreamStub{payload: `{}`}
	g := newTestGateway(t, cfg, stub)

	rec := serve(g, http.MethodPost, "/api/did/proxy/talks/streams/strm_1/sdp", `{"answer":{}}`, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if stub.url != "https://upstream.example.com/v1/talks/streams/strm_1/sdp" {
		t.Fatalf("unexpected upstream url: %s", stub.url)
	}
}

func TestProxyRejectsMalformedBody(t *testing.T) {
	stub := &upstreamStub{payload: `{}`}
	g := newTestGateway(t, testConfig(), stub)

	for _, body := range []string{"", "{not json"} {
		rec := serve(g, http.MethodPost, "/api/did/proxy/talks/streams", body, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, rec.Code)
		}
		if got := decodeError(t, rec); got.Code != KindMalformedRequest {
			t.Fatalf("body %q: expected %s, got %s", body, KindMalformedRequest, got.Code)
		}
	}
	if calls := stub.calls.Load(); calls != 0 {
		t.Fatalf("expected no upstream calls, got %d", calls)
	}
}

func TestProxyBodyLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBodyBytes = 16
	stub := &upstreamStub{payload: `{}`}
	g := newTestGateway(t, cfg, stub)

	rec := serve(g, http.MethodPost, "/api/did/proxy/talks/streams", `{"text":"this is far too long"}`, nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if calls := stub.calls.Load(); calls != 0 {
		t.Fatalf("expected no upstream calls, got %d", calls)
	}
}

func TestProxyPathFilter(t *testing.T) {
	cfg := testConfig()
	cfg.ProxyAllow = []string{"talks/*"}
	stub := &upstreamStub{payload: `{}`}
	g := newTestGateway(t, cfg, stub)

	rec := serve(g, http.MethodPost, "/api/did/proxy/credits", `{}`, nil)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if got := decodeError(t, rec); got.Code != KindPathForbidden {
		t.Fatalf("expected %s, got %s", KindPathForbidden, got.Code)
	}

	rec = serve(g, http.MethodPost, "/api/did/proxy/talks/streams", `{}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected allowed path to pass, got %d", rec.Code)
	}
	if calls := stub.calls.Load(); calls != 1 {
		t.Fatalf("expected exactly one upstream call, got %d", calls)
	}
}

func TestProxyRequireAuth(t *testing.T) {
	cfg := testConfig()
	cfg.ProxyRequireAuth = true
	stub := &upstreamStub{payload: `{}`}
	g := newTestGateway(t, cfg, stub)

	rec := serve(g, http.MethodPost, "/api/did/proxy/talks/streams", `{}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if calls := stub.calls.Load(); calls != 0 {
		t.Fatalf("expected no upstream calls, got %d", calls)
	}

	header := http.Header{"Authorization": []string{"Bearer session-token"}}
	rec = serve(g, http.MethodPost, "/api/did/proxy/talks/streams", `{}`, header)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
	if got := stub.headers.Get("Authorization"); got != "Basic "+testAPIKey {
		t.Fatalf("inbound token must not reach upstream, got %q", got)
	}
}

func TestSecureAgentRequiresAuth(t *testing.T) {
	stub := &upstreamStub{payload: `{}`}
	g := newTestGateway(t, testConfig(), stub)

	rec := serve(g, http.MethodPost, "/api/did/secure-agent", `{"userId":"u1"}`, nil)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if got := decodeError(t, rec); got.Code != KindAuthRequired {
		t.Fatalf("expected %s, got %s", KindAuthRequired, got.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatal("expected WWW-Authenticate challenge")
	}
	if calls := stub.calls.Load(); calls != 0 {
		t.Fatalf("expected no upstream calls, got %d", calls)
	}
}

func TestSecureAgentReturnsPublicConfig(t *testing.T) {
	stub := &upstreamStub{}
	g := newTestGateway(t, testConfig(), stub)
	header := http.Header{"Authorization": []string{"Bearer session-token"}}

	secure := serve(g, http.MethodPost, "/api/did/secure-agent", `{"userId":"u1"}`, header)
	public := serve(g, http.MethodGet, "/api/did/config", "", nil)

	if secure.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", secure.Code, secure.Body.String())
	}
	if !bytes.Equal(secure.Body.Bytes(), public.Body.Bytes()) {
		t.Fatalf("secure config differs from public config:\n%s\n%s", secure.Body.String(), public.Body.String())
	}

	bad := serve(g, http.MethodPost, "/api/did/secure-agent", `{"userId":`, header)
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", bad.Code)
	}
}

func TestSecureAgentWithStaticTokens(t *testing.T) {
	cfg := testConfig()
	cfg.AuthTokens = []string{"good-token"}
	g := newTestGateway(t, cfg, &upstreamStub{})

	rejected := serve(g, http.MethodPost, "/api/did/secure-agent", `{}`,
		http.Header{"Authorization": []string{"Bearer wrong-token"}})
	if rejected.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown token, got %d", rejected.Code)
	}

	accepted := serve(g, http.MethodPost, "/api/did/secure-agent", `{}`,
		http.Header{"Authorization": []string{"Bearer good-token"}})
	if accepted.Code != http.StatusOK {
		t.Fatalf("expected 200 for configured token, got %d", accepted.Code)
	}
}

type denyAll struct{ seen atomic.Int32 }

func (d *denyAll) Authenticate(context.Context, string) (auth.Identity, error) {
	d.seen.Add(1)
	return auth.Identity{}, auth.ErrRejected
}

func TestWithAuthenticatorOverridesDefault(t *testing.T) {
	authn := &denyAll{}
	g := newTestGateway(t, testConfig(), &upstreamStub{}, WithAuthenticator(authn))

	rec := serve(g, http.MethodPost, "/api/did/secure-agent", `{}`,
		http.Header{"Authorization": []string{"Bearer anything"}})

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if authn.seen.Load() != 1 {
		t.Fatalf("expected custom authenticator to be consulted once, got %d", authn.seen.Load())
	}
}

func TestConfigEndpoints(t *testing.T) {
	g := newTestGateway(t, testConfig(), &upstreamStub{})

	first := serve(g, http.MethodGet, "/api/did/config", "", nil)
	second := serve(g, http.MethodGet, "/api/did/config", "", nil)
	if first.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", first.Code)
	}
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Fatalf("config responses differ:\n%s\n%s", first.Body.String(), second.Body.String())
	}
	wantConfig := `{"scriptUrl":"https://agent.example.com/v1/index.js","agentConfig":{"agentId":"agt_test1234","clientKey":"client-key==","monitor":true,"mode":"fabio"}}`
	if first.Body.String() != wantConfig {
		t.Fatalf("unexpected config body: %s", first.Body.String())
	}

	standalone := serve(g, http.MethodGet, "/api/did/standalone-config", "", nil)
	wantStandalone := `{"agentId":"agt_test1234","clientKey":"client-key==","baseURL":"https://app.example.com/"}`
	if standalone.Body.String() != wantStandalone {
		t.Fatalf("unexpected standalone body: %s", standalone.Body.String())
	}

	share := serve(g, http.MethodGet, "/api/did/share-url", "", nil)
	wantShare := `{"shareUrl":"https://studio.example.com/agents/share?id=agt_test1234&utm_source=copy&key=client-key%3D%3D"}`
	if share.Body.String() != wantShare {
		t.Fatalf("unexpected share body: %s", share.Body.String())
	}

	creds := serve(g, http.MethodGet, "/api/did/credentials", "", nil)
	if creds.Body.String() != `{"agentId":"agt_test1234","clientKey":"client-key=="}` {
		t.Fatalf("unexpected credentials body: %s", creds.Body.String())
	}
}

func TestRequestIDAndRouting(t *testing.T) {
	g := newTestGateway(t, testConfig(), &upstreamStub{})

	root := serve(g, http.MethodGet, "/", "", http.Header{HeaderRequestID: []string{"req-42"}})
	if root.Code != http.StatusOK {
		t.Fatalf("unexpected root status: %d", root.Code)
	}
	if got := root.Header().Get(HeaderRequestID); got != "req-42" {
		t.Fatalf("expected inbound request id echoed, got %q", got)
	}

	missing := serve(g, http.MethodGet, "/api/did/nope", "", nil)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.Code)
	}
	if got := decodeError(t, missing); got.Code != KindNotFound {
		t.Fatalf("expected %s, got %s", KindNotFound, got.Code)
	}
	if missing.Header().Get(HeaderRequestID) == "" {
		t.Fatal("expected generated request id")
	}
}

func TestRootMountPrefix(t *testing.T) {
	cfg := testConfig()
	cfg.MountPrefix = ""
	g := newTestGateway(t, cfg, &upstreamStub{})

	rec := serve(g, http.MethodGet, "/share-url", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestConcurrentRequestsAreIndependent(t *testing.T) {
	stub := &upstreamStub{payload: `{"id":"agt_1"}`}
	g := newTestGateway(t, testConfig(), stub)

	const workers = 16
	var wg sync.WaitGroup
	codes := make([]int, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes[i] = serve(g, http.MethodGet, "/api/did/agent/agt_1", "", nil).Code
		}()
	}
	wg.Wait()

	for i, code := range codes {
		if code != http.StatusOK {
			t.Fatalf("worker %d: unexpected status %d", i, code)
		}
	}
	if calls := stub.calls.Load(); calls != workers {
		t.Fatalf("expected %d upstream calls, got %d", workers, calls)
	}
}

func TestNewRejectsRelativeUpstream(t *testing.T) {
	cfg := testConfig()
	cfg.Upstream = &url.URL{Path: "relative"}
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error for relative upstream")
	}
}
