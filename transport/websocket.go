// File: transport/websocket.go
// Package transport
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Channel adapter for gorilla/websocket connections.

package transport

import (
	"errors"
	"io"
	"time"

	"github.com/gorilla/websocket"

	"github.com/momentics/hioload-eio/protocol"
)

const (
	closeWriteWait = time.Second
	writeWait      = 10 * time.Second
)

// WebSocketChannel adapts a *websocket.Conn to Channel. ReadMessage must be
// called from a single goroutine; writes are serialized by Streaming.
type WebSocketChannel struct {
	conn *websocket.Conn
}

// NewWebSocketChannel wraps conn and limits incoming messages to readLimit bytes.
func NewWebSocketChannel(conn *websocket.Conn, readLimit int64) *WebSocketChannel {
	if readLimit > 0 {
		conn.SetReadLimit(readLimit)
	}
	return &WebSocketChannel{conn: conn}
}

// NewWebSocket is shorthand for a Streaming transport over conn.
func NewWebSocket(conn *websocket.Conn, readLimit int64) *Streaming {
	return NewStreaming(protocol.TransportWebSocket, NewWebSocketChannel(conn, readLimit))
}

func (c *WebSocketChannel) ReadMessage() (bool, []byte, error) {
	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			return false, nil, io.EOF
		}
		return false, nil, err
	}
	return mt == websocket.BinaryMessage, data, nil
}

func (c *WebSocketChannel) WriteMessage(binary bool, data []byte) error {
	mt := websocket.TextMessage
	if binary {
		mt = websocket.BinaryMessage
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(mt, data)
}

// CloseHandshake sends a normal-closure control frame.
func (c *WebSocketChannel) CloseHandshake(reason string) error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, truncateReason(reason))
	err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

func (c *WebSocketChannel) Close() error { return c.conn.Close() }

// RemoteAddr reports the peer address of the underlying connection.
func (c *WebSocketChannel) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// control frame payloads are capped at 125 bytes, two of which hold the code
func truncateReason(reason string) string {
	if len(reason) > 123 {
		return reason[:123]
	}
	return reason
}
