// Package api
// Author: momentics <momentics@gmail.com>
//
// Error taxonomy shared by the codec, transports, connection state machine
// and server/client facades.

package api

import "fmt"

// Transport-level errors.
var (
	// ErrTransportClosed is returned by Send/Poll after the transport was closed.
	ErrTransportClosed = fmt.Errorf("transport is closed")
	// ErrIOFailure wraps an underlying network failure. Fatal to the transport instance.
	ErrIOFailure = fmt.Errorf("transport i/o failure")
	// ErrOverlap is returned when a second long-poll request arrives while one is pending.
	ErrOverlap = fmt.Errorf("overlapping polling request")
)

// Connection-level errors.
var (
	ErrHandshake        = fmt.Errorf("handshake failed")
	ErrNotReady         = fmt.Errorf("connection is not open")
	ErrConnClosed       = fmt.Errorf("connection is closed")
	ErrHeartbeatTimeout = fmt.Errorf("heartbeat timeout")
	ErrAlreadyUpgraded  = fmt.Errorf("connection already upgraded")
	ErrUpgradeInFlight  = fmt.Errorf("upgrade already in progress")
	ErrUpgradeFailed    = fmt.Errorf("upgrade probe failed")
)

// Registry errors.
var (
	ErrNotFound      = fmt.Errorf("session not found")
	ErrAlreadyExists = fmt.Errorf("session already exists")
)

// ErrorCode enumerates the protocol error codes reported to HTTP peers.
type ErrorCode int

const (
	ErrCodeTransportUnknown ErrorCode = iota
	ErrCodeUnknownSID
	ErrCodeBadHandshakeMethod
	ErrCodeBadRequest
	ErrCodeForbidden
	ErrCodeUnsupportedProtocol
)

var errorMessages = map[ErrorCode]string{
	ErrCodeTransportUnknown:    "Transport unknown",
	ErrCodeUnknownSID:          "Session ID unknown",
	ErrCodeBadHandshakeMethod:  "Bad handshake method",
	ErrCodeBadRequest:          "Bad request",
	ErrCodeForbidden:           "Forbidden",
	ErrCodeUnsupportedProtocol: "Unsupported protocol version",
}

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Context map[string]any `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Context) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (context: %+v)", e.Message, e.Context)
}

// NewError creates a structured error carrying the canonical message for code.
func NewError(code ErrorCode) *Error {
	msg, ok := errorMessages[code]
	if !ok {
		msg = fmt.Sprintf("error %d", int(code))
	}
	return &Error{
		Code:    code,
		Message: msg,
		Context: make(map[string]any),
	}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}
