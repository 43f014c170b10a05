// File: api/reason.go
// Package api
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// CloseReason explains why a connection left the open state.
type CloseReason string

const (
	ReasonForced           CloseReason = "forced close"
	ReasonPeerClose        CloseReason = "transport close"
	ReasonHeartbeatTimeout CloseReason = "ping timeout"
	ReasonTransportError   CloseReason = "transport error"
	ReasonParseError       CloseReason = "parse error"
	ReasonServerShutdown   CloseReason = "server shutting down"
)

// String returns the reason as reported in close events.
func (r CloseReason) String() string { return string(r) }
