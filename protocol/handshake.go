// File: protocol/handshake.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Parameters negotiated by the OPEN frame.

package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/momentics/hioload-eio/api"
)

// Version is the protocol revision carried in the EIO query parameter.
const Version = "4"

// Transport names advertised during the handshake.
const (
	TransportPolling   = "polling"
	TransportWebSocket = "websocket"
)

// HandshakeParams is the JSON body of the OPEN frame. Durations travel as
// milliseconds.
type HandshakeParams struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int64    `json:"pingInterval"`
	PingTimeout  int64    `json:"pingTimeout"`
	MaxPayload   int64    `json:"maxPayload,omitempty"`
}

// NewHandshakeParams builds parameters from durations.
func NewHandshakeParams(sid string, upgrades []string, interval, timeout time.Duration, maxPayload int64) HandshakeParams {
	if upgrades == nil {
		upgrades = []string{}
	}
	return HandshakeParams{
		SID:          sid,
		Upgrades:     upgrades,
		PingInterval: interval.Milliseconds(),
		PingTimeout:  timeout.Milliseconds(),
		MaxPayload:   maxPayload,
	}
}

// Interval returns the heartbeat interval.
func (p HandshakeParams) Interval() time.Duration {
	return time.Duration(p.PingInterval) * time.Millisecond
}

// Timeout returns the heartbeat timeout.
func (p HandshakeParams) Timeout() time.Duration {
	return time.Duration(p.PingTimeout) * time.Millisecond
}

// CanUpgrade reports whether the peer advertised the named transport.
func (p HandshakeParams) CanUpgrade(name string) bool {
	for _, u := range p.Upgrades {
		if u == name {
			return true
		}
	}
	return false
}

// Frame encodes the parameters as an OPEN frame.
func (p HandshakeParams) Frame() (Frame, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameOpen, Kind: KindText, Data: b}, nil
}

// ParseHandshake validates an OPEN frame and extracts its parameters.
func ParseHandshake(f Frame) (HandshakeParams, error) {
	var p HandshakeParams
	if f.Type != FrameOpen {
		return p, fmt.Errorf("%w: expected open frame, got %s", api.ErrHandshake, f.Type)
	}
	if err := json.Unmarshal(f.Data, &p); err != nil {
		return p, fmt.Errorf("%w: %v", api.ErrHandshake, err)
	}
	switch {
	case p.SID == "":
		return p, fmt.Errorf("%w: missing sid", api.ErrHandshake)
	case p.PingInterval <= 0:
		return p, fmt.Errorf("%w: invalid pingInterval %d", api.ErrHandshake, p.PingInterval)
	case p.PingTimeout <= 0:
		return p, fmt.Errorf("%w: invalid pingTimeout %d", api.ErrHandshake, p.PingTimeout)
	}
	return p, nil
}
