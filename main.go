// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/go-core-stack/avatar-relay/pkg/auth"
	"github.com/go-core-stack/avatar-relay/pkg/config"
	"github.com/go-core-stack/avatar-relay/pkg/gateway"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	flags := pflag.NewFlagSet("avatar-relay", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "path to a YAML or JSONC config file")
	listenAddr := flags.String("listen", "", "listen address, overrides RELAY_LISTEN_ADDR")
	logLevel := flags.String("log-level", "", "log level, overrides RELAY_LOG_LEVEL")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatal().Err(err).Msg("invalid flags")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("log_level", cfg.LogLevel).Msg("invalid log level")
	}
	log.Logger = log.Level(level)

	logCredentialState(cfg)

	relay, err := gateway.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct gateway")
	}

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      relay,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  cfg.ServerIdleTimeout,
	}

	go func() {
		log.Info().
			Str("listen_addr", cfg.ListenAddr).
			Str("upstream", cfg.Upstream.String()).
			Str("mount_prefix", cfg.MountPrefix).
			Msg("starting avatar relay")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("relay server exited unexpectedly")
		}
	}()

	waitForShutdown(context.Background(), server, cfg.GracefulShutdownTimeout)
}

// logCredentialState reports which credentials are configured without
// revealing them. Missing values are not fatal; the affected routes answer
// with CONFIG_MISSING.
func logCredentialState(cfg config.Config) {
	creds := cfg.Credentials
	event := log.Info()
	if creds.APIKey == "" || creds.AgentID == "" || creds.ClientKey == "" {
		event = log.Warn()
	}
	event.
		Bool("api_key_set", creds.APIKey != "").
		Str("agent_id", auth.Mask(creds.AgentID)).
		Bool("client_key_set", creds.ClientKey != "").
		Msg("upstream credentials resolved")

	log.Info().
		Bool("proxy_require_auth", cfg.ProxyRequireAuth).
		Int("auth_tokens", len(cfg.AuthTokens)).
		Msg("inbound authentication policy")

	if len(cfg.AuthTokens) == 0 {
		log.Warn().Msg("no RELAY_AUTH_TOKENS configured; secure routes accept any bearer token")
	}
}

func waitForShutdown(ctx context.Context, srv *http.Server, timeout time.Duration) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop

	log.Info().Msg("shutting down avatar relay")

	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed; forcing close")
		if closeErr := srv.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("forced close failed")
		}
	}

	log.Info().Msg("relay stopped")
}
