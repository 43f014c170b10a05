// File: server/websocket.go
// Package server
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"errors"
	"net/http"

	"github.com/momentics/hioload-eio/api"
	"github.com/momentics/hioload-eio/protocol"
	"github.com/momentics/hioload-eio/transport"
)

// serveWebSocket upgrades the request. With a sid the socket becomes an
// upgrade probe for that session; without one it carries a new session.
func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request, sid string) {
	if !s.cfg.AllowUpgrades && sid != "" {
		writeError(w, http.StatusBadRequest, api.NewError(api.ErrCodeBadRequest).WithContext("reason", "upgrades disabled"))
		return
	}
	if sid != "" {
		conn, err := s.Lookup(sid)
		if err != nil {
			writeError(w, http.StatusBadRequest, api.NewError(api.ErrCodeUnknownSID).WithContext("sid", sid))
			return
		}
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.V(1).Info("websocket upgrade refused", "sid", sid, "err", err.Error())
			return
		}
		probe := transport.NewWebSocket(ws, int64(s.cfg.MaxPayload))
		if err := conn.AcceptProbe(probe); err != nil {
			lvl := 1
			if errors.Is(err, api.ErrAlreadyUpgraded) || errors.Is(err, api.ErrUpgradeInFlight) {
				lvl = 0
			}
			s.log.V(lvl).Info("upgrade not completed", "sid", sid, "err", err.Error())
		}
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.V(1).Info("websocket upgrade refused", "err", err.Error())
		return
	}
	ch := transport.NewWebSocketChannel(ws, int64(s.cfg.MaxPayload))
	conn, err := s.newConn(transport.NewStreaming(protocol.TransportWebSocket, ch), ch.RemoteAddr())
	if err != nil {
		s.log.Error(err, "websocket session rejected", "remote", r.RemoteAddr)
		return
	}
	s.startHandler(conn)
}
