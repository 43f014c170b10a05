// File: server/server.go
// Package server binds connections to HTTP: the polling handshake, long-poll
// GET and POST exchanges, and the WebSocket probe and upgrade.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"

	"github.com/momentics/hioload-eio/api"
	"github.com/momentics/hioload-eio/control"
	"github.com/momentics/hioload-eio/engine"
	"github.com/momentics/hioload-eio/internal/logger"
	"github.com/momentics/hioload-eio/internal/session"
	"github.com/momentics/hioload-eio/internal/sockopt"
	"github.com/momentics/hioload-eio/protocol"
	"github.com/momentics/hioload-eio/transport"
)

// Metric keys.
const (
	MetricSessionsActive    = "sessions_active"
	MetricSessionsTotal     = "sessions_total"
	MetricUpgradesTotal     = "upgrades_total"
	MetricHeartbeatTimeouts = "heartbeat_timeouts_total"
	MetricTransportErrors   = "transport_errors_total"
)

// Server is an http.Handler serving real-time connections.
type Server struct {
	cfg      *Config
	handler  Handler
	registry *session.Registry
	upgrader websocket.Upgrader
	metrics  *control.MetricsRegistry
	probes   *control.DebugProbes
	log      logr.Logger

	handlers sync.WaitGroup
	shutdown atomic.Bool
}

// NewServer builds a Server that passes every new connection to handler.
func NewServer(handler Handler, opts ...ServerOption) *Server {
	s := &Server{
		cfg:     DefaultConfig(),
		handler: handler,
		metrics: control.NewMetricsRegistry(),
		probes:  control.NewDebugProbes(),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.cfg.Logger
	if s.log.GetSink() == nil {
		s.log = logger.GetLogger("server")
	}
	s.registry = session.NewRegistry(s.cfg.ShardCount)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.cfg.CheckOrigin,
	}
	if s.upgrader.CheckOrigin == nil {
		s.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}

	control.RegisterRuntimeProbes(s.probes)
	s.probes.RegisterProbe("sessions", s.sessionStates)
	s.probes.RegisterProbe("metrics.updated", func() any { return s.metrics.Updated() })
	s.probes.RegisterProbe("config", func() any {
		return map[string]any{
			"ping_interval_ms": s.cfg.PingInterval.Milliseconds(),
			"ping_timeout_ms":  s.cfg.PingTimeout.Milliseconds(),
			"allow_upgrades":   s.cfg.AllowUpgrades,
			"max_payload":      s.cfg.MaxPayload,
		}
	})
	return s
}

// Config returns a copy of the effective configuration.
func (s *Server) Config() Config { return *s.cfg }

// Listen opens a TCP listener whose sockets follow the heartbeat: keepalive
// probes at the ping interval and a TCP user timeout of one ping timeout.
func (s *Server) Listen(ctx context.Context, addr string) (net.Listener, error) {
	return sockopt.Listen(ctx, addr, sockopt.ForHeartbeat(s.cfg.PingInterval, s.cfg.PingTimeout))
}

// ServeHTTP routes by the transport and sid query parameters.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.shutdown.Load() {
		writeError(w, http.StatusServiceUnavailable, api.NewError(api.ErrCodeBadRequest).WithContext("reason", "shutting down"))
		return
	}
	q := r.URL.Query()
	if v := q.Get("EIO"); v != "" && v != protocol.Version {
		writeError(w, http.StatusBadRequest, api.NewError(api.ErrCodeUnsupportedProtocol).WithContext("EIO", v))
		return
	}
	if s.cfg.CheckOrigin != nil && !s.cfg.CheckOrigin(r) {
		writeError(w, http.StatusForbidden, api.NewError(api.ErrCodeForbidden))
		return
	}

	switch q.Get("transport") {
	case protocol.TransportPolling:
		s.servePolling(w, r, q.Get("sid"))
	case protocol.TransportWebSocket:
		s.serveWebSocket(w, r, q.Get("sid"))
	default:
		writeError(w, http.StatusBadRequest, api.NewError(api.ErrCodeTransportUnknown).WithContext("transport", q.Get("transport")))
	}
}

// Lookup returns the live connection registered under sid.
func (s *Server) Lookup(sid string) (*engine.Conn, error) {
	sess, err := s.registry.Lookup(sid)
	if err != nil {
		return nil, err
	}
	return sess.(*engine.Conn), nil
}

// Len returns the number of registered sessions, including closed polling
// sessions whose final frames have not been collected yet.
func (s *Server) Len() int { return s.registry.Len() }

// Metrics returns a point-in-time snapshot of the server counters.
func (s *Server) Metrics() map[string]any {
	snap := s.metrics.GetSnapshot()
	for _, key := range []string{MetricSessionsTotal, MetricUpgradesTotal, MetricHeartbeatTimeouts, MetricTransportErrors} {
		snap[key] = s.metrics.Counter(key)
	}
	snap[MetricSessionsActive] = int64(s.registry.Len())
	return snap
}

// DebugState returns the output of all debug probes.
func (s *Server) DebugState() map[string]any { return s.probes.DumpState() }

// Shutdown rejects new requests, closes every session and waits for the
// connection handlers to return or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	s.registry.Range(func(sess session.Session) bool {
		sess.(*engine.Conn).Shutdown()
		return true
	})
	if err := s.registry.CloseAll(); err != nil {
		s.log.Error(err, "closing sessions")
	}
	s.probes.UnregisterProbe("sessions")

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.V(1).Info("server stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

// RemoteAddrKey holds the peer address in every connection's Values.
const RemoteAddrKey = "remote_addr"

// newConn registers a connection bound to tr and opens it. remote is the
// peer address recorded under RemoteAddrKey.
func (s *Server) newConn(tr transport.Transport, remote string) (*engine.Conn, error) {
	sess, err := s.registry.Create(func(id string) (session.Session, error) {
		return engine.NewConn(id, tr, s.engineConfig()), nil
	})
	if err != nil {
		_ = tr.Close("registry rejected session")
		return nil, err
	}
	conn := sess.(*engine.Conn)
	conn.Values().Set(RemoteAddrKey, remote)

	var upgrades []string
	if s.cfg.AllowUpgrades && tr.Name() == protocol.TransportPolling {
		upgrades = []string{protocol.TransportWebSocket}
	}
	params := protocol.NewHandshakeParams(conn.ID(), upgrades, s.cfg.PingInterval, s.cfg.PingTimeout, int64(s.cfg.MaxPayload))
	if err := conn.Open(params); err != nil {
		conn.Close()
		s.registry.Remove(conn.ID())
		return nil, err
	}
	s.metrics.Inc(MetricSessionsTotal)
	s.log.V(1).Info("session opened", "sid", conn.ID(), "transport", tr.Name(), "remote", remote)
	return conn, nil
}

func (s *Server) engineConfig() engine.Config {
	return engine.Config{
		Role:           engine.RoleServer,
		UpgradeTimeout: s.cfg.UpgradeTimeout,
		Logger:         s.log.WithName("engine"),
		OnUpgrade: func(*engine.Conn) {
			s.metrics.Inc(MetricUpgradesTotal)
		},
		OnClose: func(c *engine.Conn, reason api.CloseReason) {
			s.forget(c, reason)
			switch reason {
			case api.ReasonHeartbeatTimeout:
				s.metrics.Inc(MetricHeartbeatTimeouts)
			case api.ReasonTransportError, api.ReasonParseError:
				s.metrics.Inc(MetricTransportErrors)
			}
		},
	}
}

// forget removes a closed connection from the registry. A polling session
// closed by the application stays reachable until the peer's next GET has
// collected the frames queued before the close, bounded by the long-poll
// timeout.
func (s *Server) forget(c *engine.Conn, reason api.CloseReason) {
	p, ok := c.Transport().(*transport.Polling)
	if !ok || reason != api.ReasonForced {
		s.registry.Remove(c.ID())
		return
	}
	go func() {
		t := time.NewTimer(s.cfg.LongPollTimeout)
		defer t.Stop()
		select {
		case <-p.Flushed():
		case <-t.C:
			s.log.V(1).Info("closing frames not collected", "sid", c.ID())
		}
		s.registry.Remove(c.ID())
	}()
}

// startHandler runs the application handler and keeps draining events
// after it returns so the connection never stalls.
func (s *Server) startHandler(c *engine.Conn) {
	s.handlers.Add(1)
	go func() {
		defer s.handlers.Done()
		defer func() {
			for range c.Events() {
			}
		}()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error(fmt.Errorf("panic: %v", r), "connection handler panicked", "sid", c.ID())
				c.Close()
			}
		}()
		if s.handler != nil {
			s.handler(c)
		}
	}()
}

func (s *Server) sessionStates() any {
	out := make(map[string]string)
	s.registry.Range(func(sess session.Session) bool {
		c := sess.(*engine.Conn)
		out[c.ID()] = fmt.Sprintf("%s/%s", c.State(), c.Transport().Name())
		return true
	})
	return out
}

func writeError(w http.ResponseWriter, status int, e *api.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(e)
}
