// File: client/client.go
// Package client is the client-side driver of the upgradable transport.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Dial opens a session over long-polling and, when the server advertises it,
// probes a WebSocket in the background. Messages sent before, during and
// after the switch arrive in order.

package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/go-logr/logr"

	"github.com/momentics/hioload-eio/api"
	"github.com/momentics/hioload-eio/engine"
	"github.com/momentics/hioload-eio/internal/logger"
	"github.com/momentics/hioload-eio/protocol"
	"github.com/momentics/hioload-eio/transport"
)

// Driver is a client connection.
type Driver struct {
	conn   *engine.Conn
	opts   options
	base   *url.URL
	log    logr.Logger
	events chan engine.Event

	ctx    context.Context // cancelled by Close, aborts a pending upgrade dial
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu  sync.Mutex
	err error
}

// Dial performs the handshake against rawURL, the server endpoint
// (e.g. "http://host/engine.io/"). ctx bounds the handshake only.
func Dial(ctx context.Context, rawURL string, opts ...Option) (*Driver, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = defaultHTTPClient(o.sockopts())
	}
	if o.dialer == nil {
		o.dialer = defaultDialer(o.sockopts())
	}
	if o.logger.GetSink() == nil {
		o.logger = logger.GetLogger("client")
	}

	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse url: %w", err)
	}
	switch base.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return nil, fmt.Errorf("client: unsupported scheme %q", base.Scheme)
	}

	dctx, cancel := context.WithCancel(context.Background())
	d := &Driver{
		opts:   o,
		base:   base,
		log:    o.logger,
		events: make(chan engine.Event),
		ctx:    dctx,
		cancel: cancel,
	}

	var (
		tr      transport.Transport
		params  protocol.HandshakeParams
		pending []protocol.Frame
	)
	if o.websocketOnly {
		tr, params, pending, err = d.openWebSocket(ctx)
	} else {
		tr, params, pending, err = d.openPolling(ctx)
	}
	if err != nil {
		cancel()
		return nil, err
	}

	d.log = d.log.WithValues("sid", params.SID)
	d.conn = engine.NewConn(params.SID, tr, engine.Config{
		Role:           engine.RoleClient,
		UpgradeTimeout: o.upgradeTimeout,
		Logger:         o.logger,
	})
	if err := d.conn.Open(params, pending...); err != nil {
		_ = tr.Close("handshake failed")
		cancel()
		return nil, err
	}
	go d.pump()

	if !o.websocketOnly && o.upgrade && params.CanUpgrade(protocol.TransportWebSocket) {
		d.wg.Add(1)
		go d.upgrade(params.SID)
	}
	return d, nil
}

func (d *Driver) openPolling(ctx context.Context) (transport.Transport, protocol.HandshakeParams, []protocol.Frame, error) {
	var params protocol.HandshakeParams
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint(protocol.TransportPolling, ""), nil)
	if err != nil {
		return nil, params, nil, err
	}
	for k, v := range d.opts.header {
		req.Header[k] = v
	}
	resp, err := d.opts.httpClient.Do(req)
	if err != nil {
		return nil, params, nil, fmt.Errorf("%w: %v", api.ErrHandshake, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, d.opts.maxPayload+1))
	if err != nil {
		return nil, params, nil, fmt.Errorf("%w: %v", api.ErrHandshake, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, params, nil, fmt.Errorf("%w: %s: %s", api.ErrHandshake, resp.Status, body)
	}
	if int64(len(body)) > d.opts.maxPayload {
		return nil, params, nil, fmt.Errorf("%w: handshake response exceeds %d bytes", api.ErrHandshake, d.opts.maxPayload)
	}
	frames, err := protocol.DecodePayload(body)
	if err != nil {
		return nil, params, nil, fmt.Errorf("%w: %v", api.ErrHandshake, err)
	}
	if params, err = protocol.ParseHandshake(frames[0]); err != nil {
		return nil, params, nil, err
	}

	tr := transport.NewPollingClient(d.opts.httpClient, d.endpoint(protocol.TransportPolling, params.SID), d.opts.header, d.opts.maxPayload)
	return tr, params, frames[1:], nil
}

func (d *Driver) openWebSocket(ctx context.Context) (transport.Transport, protocol.HandshakeParams, []protocol.Frame, error) {
	var params protocol.HandshakeParams
	ws, _, err := d.opts.dialer.DialContext(ctx, d.endpoint(protocol.TransportWebSocket, ""), d.opts.header)
	if err != nil {
		return nil, params, nil, fmt.Errorf("%w: %v", api.ErrHandshake, err)
	}
	tr := transport.NewWebSocket(ws, d.opts.maxPayload)
	frames, err := tr.Poll(ctx)
	if err == nil && len(frames) == 0 {
		err = errors.New("no open frame")
	}
	if err != nil {
		_ = tr.Close("handshake failed")
		return nil, params, nil, fmt.Errorf("%w: %v", api.ErrHandshake, err)
	}
	if params, err = protocol.ParseHandshake(frames[0]); err != nil {
		_ = tr.Close("handshake failed")
		return nil, params, nil, err
	}
	return tr, params, frames[1:], nil
}

// upgrade dials the WebSocket for sid and hands it to the connection as a
// probe. Any failure leaves the session on polling.
func (d *Driver) upgrade(sid string) {
	defer d.wg.Done()
	ctx, cancel := context.WithTimeout(d.ctx, d.opts.upgradeTimeout)
	defer cancel()

	ws, _, err := d.opts.dialer.DialContext(ctx, d.endpoint(protocol.TransportWebSocket, sid), d.opts.header)
	if err != nil {
		d.log.V(1).Info("websocket unavailable, staying on polling", "err", err.Error())
		return
	}
	if err := d.conn.Probe(transport.NewWebSocket(ws, d.opts.maxPayload)); err != nil {
		d.log.V(1).Info("upgrade abandoned", "err", err.Error())
	}
}

// endpoint builds the request URL for a transport. An empty sid requests a
// new session.
func (d *Driver) endpoint(name, sid string) string {
	u := *d.base
	switch {
	case name == protocol.TransportWebSocket && u.Scheme == "http":
		u.Scheme = "ws"
	case name == protocol.TransportWebSocket && u.Scheme == "https":
		u.Scheme = "wss"
	case name == protocol.TransportPolling && u.Scheme == "ws":
		u.Scheme = "http"
	case name == protocol.TransportPolling && u.Scheme == "wss":
		u.Scheme = "https"
	}
	q := u.Query()
	q.Set("EIO", protocol.Version)
	q.Set("transport", name)
	if sid != "" {
		q.Set("sid", sid)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (d *Driver) pump() {
	defer close(d.events)
	for ev := range d.conn.Events() {
		if ev.Type == engine.EventError {
			d.mu.Lock()
			if d.err == nil {
				d.err = ev.Err
			}
			d.mu.Unlock()
		}
		select {
		case d.events <- ev:
		case <-d.ctx.Done():
		}
	}
}

// Events returns the event stream. It must be drained while the driver is
// in use and is closed after the close event. Events not yet received when
// Close is called are dropped.
func (d *Driver) Events() <-chan engine.Event { return d.events }

// ID returns the session identifier assigned by the server.
func (d *Driver) ID() string { return d.conn.ID() }

// Conn exposes the underlying connection.
func (d *Driver) Conn() *engine.Conn { return d.conn }

// Upgraded reports whether the session moved to WebSocket.
func (d *Driver) Upgraded() bool { return d.conn.Upgraded() }

// Err returns the error that terminated the session, if any.
func (d *Driver) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

func (d *Driver) Send(kind protocol.PayloadKind, data []byte) error {
	if d.Err() != nil {
		return api.ErrConnClosed
	}
	return d.conn.Send(kind, data)
}

func (d *Driver) SendText(s string) error {
	return d.Send(protocol.KindText, []byte(s))
}

func (d *Driver) SendBinary(b []byte) error {
	return d.Send(protocol.KindBinary, b)
}

// Close ends the session and waits for a pending upgrade attempt to stop.
func (d *Driver) Close() error {
	d.cancel()
	err := d.conn.Close()
	d.wg.Wait()
	return err
}
