// File: server/options.go
// Package server defines functional options for the Server.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"net/http"
	"time"

	"github.com/go-logr/logr"
)

// ServerOption customizes server initialization.
type ServerOption func(*Server)

// WithConfig replaces the whole configuration, e.g. with ConfigFromEnv output.
// Options listed after it still apply.
func WithConfig(cfg *Config) ServerOption {
	return func(s *Server) {
		if cfg != nil {
			c := *cfg
			s.cfg = &c
		}
	}
}

// WithPingInterval sets the heartbeat period.
func WithPingInterval(d time.Duration) ServerOption {
	return func(s *Server) { s.cfg.PingInterval = d }
}

// WithPingTimeout sets how long a PONG may take.
func WithPingTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.cfg.PingTimeout = d }
}

func WithUpgradeTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.cfg.UpgradeTimeout = d }
}

func WithLongPollTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.cfg.LongPollTimeout = d }
}

// WithMaxPayload bounds POST bodies and WebSocket messages.
func WithMaxPayload(n int) ServerOption {
	return func(s *Server) { s.cfg.MaxPayload = n }
}

// WithAllowUpgrades toggles the websocket upgrade.
func WithAllowUpgrades(allow bool) ServerOption {
	return func(s *Server) { s.cfg.AllowUpgrades = allow }
}

// WithCookie names the session cookie; an empty name disables it.
func WithCookie(name string) ServerOption {
	return func(s *Server) { s.cfg.Cookie = name }
}

func WithShardCount(n int) ServerOption {
	return func(s *Server) { s.cfg.ShardCount = n }
}

// WithCheckOrigin installs an origin filter for every request.
func WithCheckOrigin(fn func(r *http.Request) bool) ServerOption {
	return func(s *Server) { s.cfg.CheckOrigin = fn }
}

func WithLogger(l logr.Logger) ServerOption {
	return func(s *Server) { s.cfg.Logger = l }
}
