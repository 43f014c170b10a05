// File: engine/heartbeat.go
// Package engine
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package engine

import (
	"time"

	"github.com/momentics/hioload-eio/api"
	"github.com/momentics/hioload-eio/protocol"
)

// Timers rely on the Go 1.23 Reset semantics: no stale tick survives Reset.

// heartbeat pings the peer every interval and closes the connection when no
// PONG arrives within timeout of the PING.
func (c *Conn) heartbeat(interval, timeout time.Duration) {
	t := time.NewTimer(interval)
	defer t.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-t.C:
		}

		select {
		case <-c.pong: // stale
		default:
		}
		if err := c.send([]protocol.Frame{protocol.NewControl(protocol.FramePing, "")}); err != nil {
			return
		}

		t.Reset(timeout)
		select {
		case <-c.closed:
			return
		case <-c.pong:
			t.Reset(interval)
		case <-t.C:
			c.log.Info("heartbeat timeout", "timeout", timeout.String())
			c.closeWith(api.ReasonHeartbeatTimeout, nil, false)
			return
		}
	}
}

// watchdog closes a client connection that hears nothing for window.
func (c *Conn) watchdog(window time.Duration) {
	t := time.NewTimer(window)
	defer t.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-c.beat:
			t.Reset(window)
		case <-t.C:
			c.log.Info("server went silent", "window", window.String())
			c.closeWith(api.ReasonHeartbeatTimeout, nil, false)
			return
		}
	}
}
