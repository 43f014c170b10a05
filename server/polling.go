// File: server/polling.go
// Package server
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Long-polling endpoints: handshake, GET flush and POST delivery.

package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/momentics/hioload-eio/api"
	"github.com/momentics/hioload-eio/protocol"
	"github.com/momentics/hioload-eio/transport"
)

func (s *Server) servePolling(w http.ResponseWriter, r *http.Request, sid string) {
	setCORS(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if sid == "" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusBadRequest, api.NewError(api.ErrCodeBadHandshakeMethod).WithContext("method", r.Method))
			return
		}
		s.handshake(w, r)
		return
	}

	conn, err := s.Lookup(sid)
	if err != nil {
		writeError(w, http.StatusBadRequest, api.NewError(api.ErrCodeUnknownSID).WithContext("sid", sid))
		return
	}
	p, ok := conn.Transport().(*transport.Polling)
	if !ok {
		writeError(w, http.StatusBadRequest, api.NewError(api.ErrCodeBadRequest).WithContext("reason", "transport upgraded"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		body, err := p.ServeGet(r.Context())
		switch {
		case errors.Is(err, api.ErrOverlap):
			writeError(w, http.StatusBadRequest, api.NewError(api.ErrCodeBadRequest).WithContext("reason", "overlapping poll"))
			conn.Fail(api.ReasonTransportError, err)
			return
		case err != nil:
			if r.Context().Err() == nil {
				writeError(w, http.StatusBadRequest, api.NewError(api.ErrCodeBadRequest).WithContext("reason", err.Error()))
			}
			return
		}
		writePayload(w, body)

	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, int64(s.cfg.MaxPayload)+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, api.NewError(api.ErrCodeBadRequest))
			return
		}
		if err := p.ServePost(body); err != nil {
			var de *protocol.DecodeError
			if errors.As(err, &de) {
				s.log.V(1).Info("rejected payload", "sid", sid, "err", err.Error())
				conn.Fail(api.ReasonParseError, err)
			}
			writeError(w, http.StatusBadRequest, api.NewError(api.ErrCodeBadRequest).WithContext("reason", err.Error()))
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "ok")

	default:
		writeError(w, http.StatusBadRequest, api.NewError(api.ErrCodeBadRequest).WithContext("method", r.Method))
	}
}

// handshake opens a polling session and answers with the OPEN frame.
func (s *Server) handshake(w http.ResponseWriter, r *http.Request) {
	tr := transport.NewPolling(s.cfg.LongPollTimeout, s.cfg.MaxPayload)
	conn, err := s.newConn(tr, r.RemoteAddr)
	if err != nil {
		s.log.Error(err, "handshake failed", "remote", r.RemoteAddr)
		writeError(w, http.StatusBadRequest, api.NewError(api.ErrCodeBadRequest).WithContext("reason", err.Error()))
		return
	}
	body, err := tr.ServeGet(r.Context())
	if err != nil {
		conn.Close()
		return
	}
	if s.cfg.Cookie != "" {
		http.SetCookie(w, &http.Cookie{
			Name:     s.cfg.Cookie,
			Value:    conn.ID(),
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
	writePayload(w, body)
	s.startHandler(conn)
}

func writePayload(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// setCORS echoes the request origin so browser clients on another origin
// can poll with credentials.
func setCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")
	if r.Method == http.MethodOptions {
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
	}
}
