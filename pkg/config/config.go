// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

const (
	envConfigFile         = "RELAY_CONFIG_FILE"
	envListenAddr         = "RELAY_LISTEN_ADDR"
	envUpstreamURL        = "RELAY_UPSTREAM_URL"
	envMountPrefix        = "RELAY_MOUNT_PREFIX"
	envRequestTimeout     = "RELAY_REQUEST_TIMEOUT"
	envInsecureSkipVerify = "RELAY_UPSTREAM_INSECURE"
	envLogLevel           = "RELAY_LOG_LEVEL"
	envLogFormat          = "RELAY_LOG_FORMAT"
	envServerReadTimeout  = "RELAY_SERVER_READ_TIMEOUT"
	envServerWriteTimeout = "RELAY_SERVER_WRITE_TIMEOUT"
	envServerIdleTimeout  = "RELAY_SERVER_IDLE_TIMEOUT"
	envGracefulShutdown   = "RELAY_GRACEFUL_SHUTDOWN"
	envMaxBodyBytes       = "RELAY_MAX_BODY_BYTES"
	envAuthTokens         = "RELAY_AUTH_TOKENS"
	envProxyRequireAuth   = "RELAY_PROXY_REQUIRE_AUTH"
	envProxyAllow         = "RELAY_PROXY_ALLOW"
	envProxyBlock         = "RELAY_PROXY_BLOCK"
	envScriptURL          = "RELAY_AGENT_SCRIPT_URL"
	envAgentMode          = "RELAY_AGENT_MODE"
	envAgentMonitor       = "RELAY_AGENT_MONITOR"
	envStandaloneBaseURL  = "RELAY_STANDALONE_BASE_URL"
	envShareBaseURL       = "RELAY_SHARE_BASE_URL"
	envPresenterSource    = "RELAY_PRESENTER_SOURCE"
	envDriverID           = "RELAY_DRIVER_ID"

	// Credential names: the NEW_ variant wins over the legacy one.
	EnvAPIKey          = "NEW_DID_API_KEY"
	EnvAPIKeyLegacy    = "DID_API_KEY"
	EnvAgentID         = "NEW_DID_AGENT_ID"
	EnvAgentIDLegacy   = "DID_AGENT_ID"
	EnvClientKey       = "NEW_DID_CLIENT_KEY"
	EnvClientKeyLegacy = "DID_CLIENT_KEY"

	defaultListenAddr         = "127.0.0.1:5000"
	defaultUpstreamURL        = "https://api.d-id.com"
	defaultMountPrefix        = "/api/did"
	defaultRequestTimeout     = 30 * time.Second
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultServerReadTimeout  = 30 * time.Second
	defaultServerWriteTimeout = 60 * time.Second
	defaultServerIdleTimeout  = 120 * time.Second
	defaultGracefulShutdown   = 10 * time.Second
	defaultMaxBodyBytes       = 1 << 20
	defaultScriptURL          = "https://agent.d-id.com/v1/index.js"
	defaultAgentMode          = "fabio"
	defaultStandaloneBaseURL  = "https://app2.d-id.com/"
	defaultShareBaseURL       = "https://studio.d-id.com/agents/share"
	defaultPresenterSource    = "presenter_id:Noelle"
	defaultDriverID           = "mzmtwlxz7b"
)

// Credentials holds the upstream secrets and identifiers. Any member may be
// empty; operations check for the members they need at call time.
type Credentials struct {
	APIKey    string
	AgentID   string
	ClientKey string
}

// Display holds the non-secret values handed to the browser.
type Display struct {
	ScriptURL         string
	Mode              string
	Monitor           bool
	StandaloneBaseURL string
	ShareBaseURL      string
}

// Session holds the fixed values sent when opening an upstream stream.
type Session struct {
	PresenterSource string
	DriverID        string
}

// Config captures runtime settings for the relay. It is built once by Load
// and treated as read-only afterwards.
type Config struct {
	ListenAddr              string
	Upstream                *url.URL
	MountPrefix             string
	Credentials             Credentials
	Display                 Display
	Session                 Session
	RequestTimeout          time.Duration
	InsecureSkipVerify      bool
	LogLevel                string
	LogFormat               string
	ServerReadTimeout       time.Duration
	ServerWriteTimeout      time.Duration
	ServerIdleTimeout       time.Duration
	GracefulShutdownTimeout time.Duration
	MaxBodyBytes            int64
	AuthTokens              []string
	ProxyRequireAuth        bool
	ProxyAllow              []string
	ProxyBlock              []string
}

// fileConfig mirrors Config for the optional YAML/JSONC file. Pointer
// fields distinguish "unset" from a zero value.
type fileConfig struct {
	ListenAddr         string   `yaml:"listen_addr" json:"listen_addr"`
	UpstreamURL        string   `yaml:"upstream_url" json:"upstream_url"`
	MountPrefix        string   `yaml:"mount_prefix" json:"mount_prefix"`
	RequestTimeout     string   `yaml:"request_timeout" json:"request_timeout"`
	InsecureSkipVerify *bool    `yaml:"upstream_insecure" json:"upstream_insecure"`
	LogLevel           string   `yaml:"log_level" json:"log_level"`
	LogFormat          string   `yaml:"log_format" json:"log_format"`
	ServerReadTimeout  string   `yaml:"server_read_timeout" json:"server_read_timeout"`
	ServerWriteTimeout string   `yaml:"server_write_timeout" json:"server_write_timeout"`
	ServerIdleTimeout  string   `yaml:"server_idle_timeout" json:"server_idle_timeout"`
	GracefulShutdown   string   `yaml:"graceful_shutdown" json:"graceful_shutdown"`
	MaxBodyBytes       *int64   `yaml:"max_body_bytes" json:"max_body_bytes"`
	AuthTokens         []string `yaml:"auth_tokens" json:"auth_tokens"`
	ProxyRequireAuth   *bool    `yaml:"proxy_require_auth" json:"proxy_require_auth"`
	ProxyAllow         []string `yaml:"proxy_allow" json:"proxy_allow"`
	ProxyBlock         []string `yaml:"proxy_block" json:"proxy_block"`

	Credentials struct {
		APIKey    string `yaml:"api_key" json:"api_key"`
		AgentID   string `yaml:"agent_id" json:"agent_id"`
		ClientKey string `yaml:"client_key" json:"client_key"`
	} `yaml:"credentials" json:"credentials"`

	Display struct {
		ScriptURL         string `yaml:"script_url" json:"script_url"`
		Mode              string `yaml:"mode" json:"mode"`
		Monitor           *bool  `yaml:"monitor" json:"monitor"`
		StandaloneBaseURL string `yaml:"standalone_base_url" json:"standalone_base_url"`
		ShareBaseURL      string `yaml:"share_base_url" json:"share_base_url"`
	} `yaml:"display" json:"display"`

	Session struct {
		PresenterSource string `yaml:"presenter_source" json:"presenter_source"`
		DriverID        string `yaml:"driver_id" json:"driver_id"`
	} `yaml:"session" json:"session"`
}

// Load reads configuration from the optional file at path (falling back to
// RELAY_CONFIG_FILE) and from environment variables, which take precedence.
// A boolean, integer or duration that is set but cannot be parsed is an
// error; Load never substitutes a default for a malformed value.
func Load(path string) (Config, error) {
	if path == "" {
		path = strings.TrimSpace(os.Getenv(envConfigFile))
	}

	var fc fileConfig
	if path != "" {
		if err := readFile(path, &fc); err != nil {
			return Config{}, err
		}
	}

	upstreamRaw := getString(envUpstreamURL, fc.UpstreamURL, defaultUpstreamURL)
	upstream, err := url.Parse(upstreamRaw)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envUpstreamURL, err)
	}
	if !upstream.IsAbs() || upstream.Host == "" {
		return Config{}, fmt.Errorf("%s must be absolute (scheme://host)", envUpstreamURL)
	}

	prefix, err := normalizePrefix(getString(envMountPrefix, fc.MountPrefix, defaultMountPrefix))
	if err != nil {
		return Config{}, err
	}

	var p parser
	cfg := Config{
		ListenAddr:  getString(envListenAddr, fc.ListenAddr, defaultListenAddr),
		Upstream:    upstream,
		MountPrefix: prefix,
		Credentials: Credentials{
			APIKey:    firstSet(fc.Credentials.APIKey, EnvAPIKey, EnvAPIKeyLegacy),
			AgentID:   firstSet(fc.Credentials.AgentID, EnvAgentID, EnvAgentIDLegacy),
			ClientKey: firstSet(fc.Credentials.ClientKey, EnvClientKey, EnvClientKeyLegacy),
		},
		Display: Display{
			ScriptURL:         getString(envScriptURL, fc.Display.ScriptURL, defaultScriptURL),
			Mode:              getString(envAgentMode, fc.Display.Mode, defaultAgentMode),
			Monitor:           p.getBool(envAgentMonitor, fc.Display.Monitor, true),
			StandaloneBaseURL: getString(envStandaloneBaseURL, fc.Display.StandaloneBaseURL, defaultStandaloneBaseURL),
			ShareBaseURL:      getString(envShareBaseURL, fc.Display.ShareBaseURL, defaultShareBaseURL),
		},
		Session: Session{
			PresenterSource: getString(envPresenterSource, fc.Session.PresenterSource, defaultPresenterSource),
			DriverID:        getString(envDriverID, fc.Session.DriverID, defaultDriverID),
		},
		RequestTimeout:          p.getDuration(envRequestTimeout, fc.RequestTimeout, defaultRequestTimeout),
		InsecureSkipVerify:      p.getBool(envInsecureSkipVerify, fc.InsecureSkipVerify, false),
		LogLevel:                strings.ToLower(getString(envLogLevel, fc.LogLevel, defaultLogLevel)),
		LogFormat:               strings.ToLower(getString(envLogFormat, fc.LogFormat, defaultLogFormat)),
		ServerReadTimeout:       p.getDuration(envServerReadTimeout, fc.ServerReadTimeout, defaultServerReadTimeout),
		ServerWriteTimeout:      p.getDuration(envServerWriteTimeout, fc.ServerWriteTimeout, defaultServerWriteTimeout),
		ServerIdleTimeout:       p.getDuration(envServerIdleTimeout, fc.ServerIdleTimeout, defaultServerIdleTimeout),
		GracefulShutdownTimeout: p.getDuration(envGracefulShutdown, fc.GracefulShutdown, defaultGracefulShutdown),
		MaxBodyBytes:            p.getInt64(envMaxBodyBytes, fc.MaxBodyBytes, defaultMaxBodyBytes),
		AuthTokens:              getList(envAuthTokens, fc.AuthTokens),
		ProxyRequireAuth:        p.getBool(envProxyRequireAuth, fc.ProxyRequireAuth, false),
		ProxyAllow:              getList(envProxyAllow, fc.ProxyAllow),
		ProxyBlock:              getList(envProxyBlock, fc.ProxyBlock),
	}

	if err := errors.Join(p.errs...); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// readFile decodes a YAML or JSONC config file, chosen by extension.
func readFile(path string, fc *fileConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, fc); err != nil {
			return fmt.Errorf("parse config file %s: %w", path, err)
		}
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), fc); err != nil {
			return fmt.Errorf("parse config file %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config file extension %q (want .yaml, .yml, .json or .jsonc)", filepath.Ext(path))
	}
	return nil
}

// normalizePrefix forces a leading slash and strips trailing ones. The root
// prefix becomes "".
func normalizePrefix(prefix string) (string, error) {
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return "", nil
	}
	if strings.ContainsAny(prefix, " {}?#") {
		return "", errors.New("mount prefix must be a plain path")
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return prefix, nil
}

// firstSet returns the first non-empty environment value among keys, else
// the file value.
func firstSet(fileVal string, keys ...string) string {
	for _, key := range keys {
		if val := strings.TrimSpace(os.Getenv(key)); val != "" {
			return val
		}
	}
	return strings.TrimSpace(fileVal)
}

func getString(key, fileVal, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	if val := strings.TrimSpace(fileVal); val != "" {
		return val
	}
	return fallback
}

// parser collects every malformed typed value so Load can report them
// together instead of silently falling back to defaults.
type parser struct {
	errs []error
}

func (p *parser) getBool(key string, fileVal *bool, fallback bool) bool {
	if fileVal != nil {
		fallback = *fileVal
	}
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s %q: want true or false", key, val))
		return fallback
	}
	return parsed
}

func (p *parser) getInt64(key string, fileVal *int64, fallback int64) int64 {
	if fileVal != nil {
		if *fileVal <= 0 {
			p.errs = append(p.errs, fmt.Errorf("invalid config file value for %s: must be positive", key))
		} else {
			fallback = *fileVal
		}
	}
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(val, 10, 64)
	if err != nil || parsed <= 0 {
		p.errs = append(p.errs, fmt.Errorf("invalid %s %q: want a positive integer", key, val))
		return fallback
	}
	return parsed
}

func (p *parser) getDuration(key, fileVal string, fallback time.Duration) time.Duration {
	if fileVal = strings.TrimSpace(fileVal); fileVal != "" {
		parsed, err := time.ParseDuration(fileVal)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("invalid config file value for %s %q: %w", key, fileVal, err))
		} else {
			fallback = parsed
		}
	}
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s %q: %w", key, val, err))
		return fallback
	}
	return parsed
}

// getList splits a comma separated env value; the env wins over the file
// list when set.
func getList(key string, fileVal []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return compact(fileVal)
	}
	return compact(strings.Split(raw, ","))
}

func compact(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
