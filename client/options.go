// File: client/options.go
// Package client
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"

	"github.com/momentics/hioload-eio/engine"
	"github.com/momentics/hioload-eio/internal/sockopt"
	"github.com/momentics/hioload-eio/protocol"
)

const (
	dialTimeout = 30 * time.Second
	// DefaultSocketTimeout matches the server's default ping timeout.
	DefaultSocketTimeout = 20 * time.Second
)

// Option customizes a Driver.
type Option func(*options)

type options struct {
	httpClient     *http.Client
	dialer         *websocket.Dialer
	header         http.Header
	upgrade        bool
	websocketOnly  bool
	upgradeTimeout time.Duration
	maxPayload     int64
	socketTimeout  time.Duration
	logger         logr.Logger
}

func defaultOptions() options {
	return options{
		upgrade:        true,
		upgradeTimeout: engine.DefaultUpgradeTimeout,
		maxPayload:     protocol.DefaultMaxPayload,
		socketTimeout:  DefaultSocketTimeout,
	}
}

// WithHTTPClient sets the client used for polling requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithDialer sets the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithHeader adds headers to every request, including the WebSocket dial.
func WithHeader(h http.Header) Option {
	return func(o *options) { o.header = h.Clone() }
}

// WithUpgrade toggles probing the WebSocket transport after the handshake.
// Enabled by default.
func WithUpgrade(enabled bool) Option {
	return func(o *options) { o.upgrade = enabled }
}

// WithWebSocketOnly skips long-polling and opens the session over WebSocket.
func WithWebSocketOnly() Option {
	return func(o *options) { o.websocketOnly = true }
}

func WithUpgradeTimeout(d time.Duration) Option {
	return func(o *options) { o.upgradeTimeout = d }
}

// WithMaxPayload bounds a single polling response or WebSocket message.
func WithMaxPayload(n int64) Option {
	return func(o *options) { o.maxPayload = n }
}

// WithSocketTimeout bounds how long data written by the default transports
// may stay unacknowledged before the socket fails. Set it to the server's
// ping timeout. Zero keeps the system default. Ignored by custom clients
// and dialers.
func WithSocketTimeout(d time.Duration) Option {
	return func(o *options) { o.socketTimeout = d }
}

func WithLogger(l logr.Logger) Option {
	return func(o *options) { o.logger = l }
}

func (o options) sockopts() sockopt.Options {
	return sockopt.Options{UserTimeout: o.socketTimeout}
}

// defaultHTTPClient tunes polling sockets the same way as WebSocket ones.
func defaultHTTPClient(o sockopt.Options) *http.Client {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = sockopt.Dialer(dialTimeout, o).DialContext
	return &http.Client{Transport: t}
}

func defaultDialer(o sockopt.Options) *websocket.Dialer {
	return &websocket.Dialer{
		NetDialContext:   sockopt.Dialer(dialTimeout, o).DialContext,
		HandshakeTimeout: 10 * time.Second,
		Proxy:            http.ProxyFromEnvironment,
	}
}
