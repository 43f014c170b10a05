// File: server/types.go
// Package server
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-logr/logr"

	"github.com/momentics/hioload-eio/engine"
	"github.com/momentics/hioload-eio/internal/session"
	"github.com/momentics/hioload-eio/protocol"
	"github.com/momentics/hioload-eio/transport"
)

// Config holds all server-side configuration parameters.
type Config struct {
	PingInterval    time.Duration // heartbeat period
	PingTimeout     time.Duration // PONG deadline after each PING
	UpgradeTimeout  time.Duration // probe start to UPGRADE
	LongPollTimeout time.Duration // maximum wait of a single GET
	MaxPayload      int           // largest accepted POST body or WebSocket message
	AllowUpgrades   bool          // advertise and accept the websocket upgrade
	Cookie          string        // session cookie name, "" disables it
	ShardCount      int           // session registry shards

	CheckOrigin func(r *http.Request) bool // nil accepts every origin
	Logger      logr.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PingInterval:    25 * time.Second,
		PingTimeout:     20 * time.Second,
		UpgradeTimeout:  engine.DefaultUpgradeTimeout,
		LongPollTimeout: transport.DefaultLongPollTimeout,
		MaxPayload:      protocol.DefaultMaxPayload,
		AllowUpgrades:   true,
		Cookie:          "io",
		ShardCount:      session.DefaultShardCount,
	}
}

// ConfigFromEnv starts from DefaultConfig and applies overrides read from
// prefix-named environment variables, e.g. EIO_PING_INTERVAL=10s.
func ConfigFromEnv(prefix string) (*Config, error) {
	cfg := DefaultConfig()
	durations := map[string]*time.Duration{
		"PING_INTERVAL":     &cfg.PingInterval,
		"PING_TIMEOUT":      &cfg.PingTimeout,
		"UPGRADE_TIMEOUT":   &cfg.UpgradeTimeout,
		"LONG_POLL_TIMEOUT": &cfg.LongPollTimeout,
	}
	for key, dst := range durations {
		v, ok := os.LookupEnv(prefix + key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("%s%s: invalid duration %q", prefix, key, v)
		}
		*dst = d
	}
	ints := map[string]*int{
		"MAX_PAYLOAD": &cfg.MaxPayload,
		"SHARD_COUNT": &cfg.ShardCount,
	}
	for key, dst := range ints {
		v, ok := os.LookupEnv(prefix + key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%s%s: invalid number %q", prefix, key, v)
		}
		*dst = n
	}
	if v, ok := os.LookupEnv(prefix + "ALLOW_UPGRADES"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%sALLOW_UPGRADES: %w", prefix, err)
		}
		cfg.AllowUpgrades = b
	}
	if v, ok := os.LookupEnv(prefix + "COOKIE"); ok {
		cfg.Cookie = v
	}
	return cfg, nil
}

// Handler receives every new connection on its own goroutine. Events not
// consumed by the time it returns are discarded until the connection closes.
type Handler func(c *engine.Conn)
