// File: internal/sockopt/sockopt.go
// Package sockopt
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// TCP socket tuning tied to the heartbeat. Keepalive probes follow the ping
// interval, and TCP_USER_TIMEOUT drops a peer whose written data stays
// unacknowledged for longer than the ping timeout, so a dead connection
// fails at the socket instead of waiting for the next heartbeat round.

package sockopt

import (
	"context"
	"net"
	"syscall"
	"time"
)

const defaultKeepAlive = 30 * time.Second

// Options tune sockets created by Dialer and Listen.
type Options struct {
	// KeepAlive is the idle time before the first keepalive probe and the
	// interval between probes. Zero selects 30s.
	KeepAlive time.Duration
	// UserTimeout bounds how long sent data may remain unacknowledged.
	// Zero keeps the system default. Linux only.
	UserTimeout time.Duration
}

// ForHeartbeat derives options from the negotiated heartbeat.
func ForHeartbeat(pingInterval, pingTimeout time.Duration) Options {
	return Options{KeepAlive: pingInterval, UserTimeout: pingTimeout}
}

func (o Options) keepAlive() net.KeepAliveConfig {
	d := o.KeepAlive
	if d <= 0 {
		d = defaultKeepAlive
	}
	return net.KeepAliveConfig{Enable: true, Idle: d, Interval: d, Count: 3}
}

// Control tunes a freshly created socket. Non-TCP networks are left untouched.
func (o Options) Control(network, address string, c syscall.RawConn) error {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil
	}
	var serr error
	if err := c.Control(func(fd uintptr) {
		serr = tune(fd, o)
	}); err != nil {
		return err
	}
	return serr
}

// Dialer returns a net.Dialer applying o to every dialed socket.
func Dialer(timeout time.Duration, o Options) *net.Dialer {
	return &net.Dialer{
		Timeout:         timeout,
		KeepAliveConfig: o.keepAlive(),
		Control:         o.Control,
	}
}

// Listen opens a TCP listener. Accepted sockets inherit the user timeout
// from the listening socket and get keepalive from the listener config.
func Listen(ctx context.Context, addr string, o Options) (net.Listener, error) {
	lc := net.ListenConfig{
		KeepAliveConfig: o.keepAlive(),
		Control:         o.Control,
	}
	return lc.Listen(ctx, "tcp", addr)
}
