// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/go-core-stack/avatar-relay/pkg/auth"
)

type publicConfig struct {
	ScriptURL   string      `json:"scriptUrl"`
	AgentConfig agentConfig `json:"agentConfig"`
}

type agentConfig struct {
	AgentID   string `json:"agentId"`
	ClientKey string `json:"clientKey"`
	Monitor   bool   `json:"monitor"`
	Mode      string `json:"mode"`
}

type standaloneConfig struct {
	AgentID   string `json:"agentId"`
	ClientKey string `json:"clientKey"`
	BaseURL   string `json:"baseURL"`
}

type shareURLResponse struct {
	ShareURL string `json:"shareUrl"`
}

type credentialsResponse struct {
	AgentID   string `json:"agentId"`
	ClientKey string `json:"clientKey"`
}

type streamRequest struct {
	SourceURL string `json:"source_url"`
	AgentID   string `json:"agent_id"`
	DriverID  string `json:"driver_id"`
}

type streamUpstream struct {
	ID        any `json:"id"`
	SessionID any `json:"session_id"`
}

type streamResponse struct {
	StreamID  any `json:"streamId"`
	SessionID any `json:"sessionId"`
}

func (g *Gateway) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"message": "avatar relay is running"})
}

func (g *Gateway) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, &Error{
		Kind:    KindNotFound,
		Status:  http.StatusNotFound,
		Message: fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path),
	})
}

func (g *Gateway) handlePublicConfig(w http.ResponseWriter, r *http.Request) {
	if err := g.requireCredentials(needAgentID | needClientKey); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, g.publicConfig())
}

func (g *Gateway) handleStandaloneConfig(w http.ResponseWriter, r *http.Request) {
	if err := g.requireCredentials(needAgentID | needClientKey); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, standaloneConfig{
		AgentID:   g.cfg.Credentials.AgentID,
		ClientKey: g.cfg.Credentials.ClientKey,
		BaseURL:   g.cfg.Display.StandaloneBaseURL,
	})
}

func (g *Gateway) handleShareURL(w http.ResponseWriter, r *http.Request) {
	if err := g.requireCredentials(needAgentID | needClientKey); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, shareURLResponse{ShareURL: g.shareURL()})
}

func (g *Gateway) handleCredentials(w http.ResponseWriter, r *http.Request) {
	creds := g.cfg.Credentials
	if err := g.requireCredentials(needAgentID | needClientKey); err != nil {
		writeError(w, r, err)
		return
	}
	zerolog.Ctx(r.Context()).Info().
		Str("agent_id", auth.Mask(creds.AgentID)).
		Str("client_key", auth.Mask(creds.ClientKey)).
		Msg("sending agent credentials")
	writeJSON(w, r, http.StatusOK, credentialsResponse{AgentID: creds.AgentID, ClientKey: creds.ClientKey})
}

func (g *Gateway) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	if err := g.requireCredentials(needAPIKey); err != nil {
		writeError(w, r, err)
		return
	}

	agentID := strings.TrimSpace(r.PathValue("agent_id"))
	if agentID == "" {
		writeError(w, r, malformedRequest("agent id is required", nil))
		return
	}

	body, err := g.forward(r.Context(), http.MethodGet, g.endpoint("agents", url.PathEscape(agentID)), nil)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeRawJSON(w, r, http.StatusOK, body)
}

func (g *Gateway) handleInitialize(w http.ResponseWriter, r *http.Request) {
	if err := g.requireCredentials(needAPIKey | needAgentID); err != nil {
		writeError(w, r, err)
		return
	}

	payload, err := json.Marshal(streamRequest{
		SourceURL: g.cfg.Session.PresenterSource,
		AgentID:   g.cfg.Credentials.AgentID,
		DriverID:  g.cfg.Session.DriverID,
	})
	if err != nil {
		writeError(w, r, internalError("encode stream request", err))
		return
	}

	body, err := g.forward(r.Context(), http.MethodPost, g.endpoint("talks", "streams"), payload)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var stream streamUpstream
	if err := json.Unmarshal(body, &stream); err != nil {
		writeError(w, r, internalError("decode stream response", err))
		return
	}
	writeJSON(w, r, http.StatusOK, streamResponse{StreamID: stream.ID, SessionID: stream.SessionID})
}

func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	if g.cfg.ProxyRequireAuth {
		if _, err := g.authenticate(r); err != nil {
			writeError(w, r, err)
			return
		}
	}
	if err := g.requireCredentials(needAPIKey); err != nil {
		writeError(w, r, err)
		return
	}

	path := strings.Trim(r.PathValue("path"), "/")
	if path == "" {
		writeError(w, r, malformedRequest("proxy path is required", nil))
		return
	}
	for _, segment := range strings.Split(path, "/") {
		if segment == "." || segment == ".." {
			writeError(w, r, malformedRequest("proxy path must not contain relative segments", nil))
			return
		}
	}
	if err := g.filter.Check(path); err != nil {
		writeError(w, r, pathForbidden(path, err))
		return
	}

	body, err := g.readJSONBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	zerolog.Ctx(r.Context()).Info().Str("proxy_path", path).Msg("proxying upstream request")

	resp, err := g.forward(r.Context(), http.MethodPost, g.endpoint(escapeSegments(path)), body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeRawJSON(w, r, http.StatusOK, resp)
}

func (g *Gateway) handleSecureAgent(w http.ResponseWriter, r *http.Request) {
	identity, err := g.authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	body, err := g.readJSONBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	zerolog.Ctx(r.Context()).Info().
		Str("subject", identity.Subject).
		RawJSON("body", body).
		Msg("secure agent request")

	if err := g.requireCredentials(needAgentID | needClientKey); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, g.publicConfig())
}

// authenticate runs the inbound gate. Missing or rejected tokens both map to
// AUTH_REQUIRED.
func (g *Gateway) authenticate(r *http.Request) (auth.Identity, error) {
	token := auth.BearerToken(r)
	if token == "" {
		return auth.Identity{}, authRequired("authorization header is required", auth.ErrNoCredentials)
	}
	identity, err := g.authn.Authenticate(r.Context(), token)
	if err != nil {
		return auth.Identity{}, authRequired("authorization token rejected", err)
	}
	return identity, nil
}

// readJSONBody reads the bounded inbound body and requires it to be valid JSON.
func (g *Gateway) readJSONBody(w http.ResponseWriter, r *http.Request) (json.RawMessage, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, malformedRequest(fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit), err)
		}
		return nil, malformedRequest("read request body", err)
	}

	data = []byte(strings.TrimSpace(string(data)))
	if len(data) == 0 {
		return nil, malformedRequest("request body must be a JSON value", nil)
	}
	if !json.Valid(data) {
		return nil, malformedRequest("request body is not valid JSON", nil)
	}
	return json.RawMessage(data), nil
}

func (g *Gateway) publicConfig() publicConfig {
	return publicConfig{
		ScriptURL: g.cfg.Display.ScriptURL,
		AgentConfig: agentConfig{
			AgentID:   g.cfg.Credentials.AgentID,
			ClientKey: g.cfg.Credentials.ClientKey,
			Monitor:   g.cfg.Display.Monitor,
			Mode:      g.cfg.Display.Mode,
		},
	}
}

// shareURL embeds the agent id and client key as query parameters, in the
// order the share page expects.
func (g *Gateway) shareURL() string {
	return fmt.Sprintf("%s?id=%s&utm_source=copy&key=%s",
		g.cfg.Display.ShareBaseURL,
		url.QueryEscape(g.cfg.Credentials.AgentID),
		url.QueryEscape(g.cfg.Credentials.ClientKey),
	)
}
