// File: engine/conn.go
// Package engine implements the per-connection state machine.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Conn is the logical connection surviving a transport change. It owns
// exactly one transport at a time, drives the handshake, heartbeat, the
// optional upgrade and the close sequence, and publishes events in order.
//
// Locking: mu guards state and the transport pointer; sendMu serializes
// writers so frame order holds across the transport swap. sendMu is always
// taken before mu.

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/momentics/hioload-eio/api"
	"github.com/momentics/hioload-eio/internal/logger"
	"github.com/momentics/hioload-eio/internal/session"
	"github.com/momentics/hioload-eio/protocol"
	"github.com/momentics/hioload-eio/transport"
)

// Role selects which side of the heartbeat a Conn plays.
type Role int

const (
	RoleServer Role = iota // sends PING, expects PONG
	RoleClient             // answers PING, watches for silence
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// State is the lifecycle state of a Conn.
type State int

const (
	StateHandshaking State = iota
	StateOpen
	StateUpgrading
	StateClosing
	StateClosed
)

var stateNames = [...]string{"handshaking", "open", "upgrading", "closing", "closed"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// DefaultUpgradeTimeout bounds a probe from PING "probe" to UPGRADE.
const DefaultUpgradeTimeout = 10 * time.Second

// Config tunes a Conn. Hooks run synchronously on the goroutine that
// triggered them and must not block.
type Config struct {
	Role           Role
	UpgradeTimeout time.Duration
	Logger         logr.Logger

	OnUpgrade func(*Conn)
	OnClose   func(*Conn, api.CloseReason)
}

// Conn is a logical connection.
type Conn struct {
	id  string
	cfg Config
	log logr.Logger

	sendMu sync.Mutex
	mu     sync.Mutex

	state     State
	tr        transport.Transport
	probe     transport.Transport
	upgraded  bool
	switching bool             // client: old transport paused, new not yet confirmed
	held      []protocol.Frame // frames sent while switching
	readDone  chan struct{}
	reason    api.CloseReason
	params    protocol.HandshakeParams

	ctx    context.Context // cancelled on close, interrupts pending polls
	cancel context.CancelFunc
	closed chan struct{}

	pong   chan struct{} // server: PONG received
	beat   chan struct{} // client: any frame received
	events *eventQueue
	values *session.Values
}

// NewConn creates a connection in the handshaking state bound to tr.
func NewConn(id string, tr transport.Transport, cfg Config) *Conn {
	if cfg.UpgradeTimeout <= 0 {
		cfg.UpgradeTimeout = DefaultUpgradeTimeout
	}
	log := cfg.Logger
	if log.GetSink() == nil {
		log = logger.GetLogger("engine")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		id:     id,
		cfg:    cfg,
		log:    log.WithValues("sid", id, "role", cfg.Role.String()),
		state:  StateHandshaking,
		tr:     tr,
		ctx:    ctx,
		cancel: cancel,
		closed: make(chan struct{}),
		pong:   make(chan struct{}, 1),
		beat:   make(chan struct{}, 1),
		events: newEventQueue(),
		values: session.NewValues(),
	}
}

// ID returns the session id.
func (c *Conn) ID() string { return c.id }

// Events delivers connection events in order. The channel is closed after
// the close event. Consumers must drain it.
func (c *Conn) Events() <-chan Event { return c.events.out }

// Values is application state bound to this connection.
func (c *Conn) Values() *session.Values { return c.values }

// Done is closed once the connection reached StateClosed.
func (c *Conn) Done() <-chan struct{} { return c.closed }

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transport returns the active transport.
func (c *Conn) Transport() transport.Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tr
}

// Upgraded reports whether the transport was swapped.
func (c *Conn) Upgraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upgraded
}

// CloseReason is empty until the connection starts closing.
func (c *Conn) CloseReason() api.CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Params returns the negotiated handshake parameters.
func (c *Conn) Params() protocol.HandshakeParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params
}

// Open completes the handshake. The server role sends params as the OPEN
// frame; the client role has already received them, and pending holds any
// frames that arrived in the same batch as the OPEN frame.
func (c *Conn) Open(params protocol.HandshakeParams, pending ...protocol.Frame) error {
	if params.Interval() <= 0 || params.Timeout() <= 0 {
		return fmt.Errorf("%w: non-positive heartbeat", api.ErrHandshake)
	}
	c.mu.Lock()
	if st := c.state; st != StateHandshaking {
		c.mu.Unlock()
		return fmt.Errorf("%w: open in state %s", api.ErrNotReady, st)
	}
	tr := c.tr
	c.mu.Unlock()

	if c.cfg.Role == RoleServer {
		f, err := params.Frame()
		if err != nil {
			return fmt.Errorf("%w: %v", api.ErrHandshake, err)
		}
		if err := tr.Send([]protocol.Frame{f}); err != nil {
			c.closeWith(api.ReasonTransportError, err, false)
			return err
		}
	}

	c.mu.Lock()
	if c.state != StateHandshaking {
		c.mu.Unlock()
		return api.ErrConnClosed
	}
	c.state = StateOpen
	c.params = params
	done := make(chan struct{})
	c.readDone = done
	c.mu.Unlock()

	c.events.push(Event{Type: EventOpen})
	c.log.V(1).Info("connection open", "transport", tr.Name())

	go c.readLoop(tr, done, pending)
	if c.cfg.Role == RoleServer {
		go c.heartbeat(params.Interval(), params.Timeout())
	} else {
		go c.watchdog(params.Interval() + params.Timeout())
	}
	return nil
}

// Send queues an application message.
func (c *Conn) Send(kind protocol.PayloadKind, data []byte) error {
	return c.send([]protocol.Frame{protocol.NewMessage(kind, data)})
}

// SendText is shorthand for a text message.
func (c *Conn) SendText(s string) error {
	return c.Send(protocol.KindText, []byte(s))
}

// SendBinary is shorthand for a binary message.
func (c *Conn) SendBinary(b []byte) error {
	return c.Send(protocol.KindBinary, b)
}

func (c *Conn) send(frames []protocol.Frame) error {
	c.sendMu.Lock()
	c.mu.Lock()
	switch c.state {
	case StateHandshaking, StateClosing:
		c.mu.Unlock()
		c.sendMu.Unlock()
		return api.ErrNotReady
	case StateClosed:
		c.mu.Unlock()
		c.sendMu.Unlock()
		return api.ErrConnClosed
	}
	if c.switching {
		c.held = append(c.held, frames...)
		c.mu.Unlock()
		c.sendMu.Unlock()
		return nil
	}
	tr := c.tr
	c.mu.Unlock()
	err := tr.Send(frames)
	c.sendMu.Unlock()

	if err != nil {
		return c.sendFailed(tr, err)
	}
	return nil
}

// sendFailed maps a transport error to the connection's view of it.
func (c *Conn) sendFailed(tr transport.Transport, err error) error {
	if errors.Is(err, api.ErrTransportClosed) {
		c.mu.Lock()
		st := c.state
		c.mu.Unlock()
		if st == StateClosed || st == StateClosing {
			return api.ErrConnClosed
		}
		return err
	}
	c.log.Error(err, "send failed", "transport", tr.Name())
	c.closeWith(api.ReasonTransportError, err, false)
	return err
}

// Close sends CLOSE to the peer best-effort and tears the connection down.
// Closing an already closed connection is a no-op.
func (c *Conn) Close() error {
	c.closeWith(api.ReasonForced, nil, true)
	return nil
}

// Fail closes the connection because of err detected outside its read
// loop, such as a malformed POST body. The error is published first.
func (c *Conn) Fail(reason api.CloseReason, err error) {
	c.closeWith(reason, err, false)
}

// Shutdown is Close with the server-shutdown reason.
func (c *Conn) Shutdown() {
	c.closeWith(api.ReasonServerShutdown, nil, true)
}

func (c *Conn) closeWith(reason api.CloseReason, cause error, notifyPeer bool) {
	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	wasOpen := c.state != StateHandshaking
	c.state = StateClosing
	c.reason = reason
	tr, probe := c.tr, c.probe
	c.mu.Unlock()

	if notifyPeer && wasOpen {
		c.sendMu.Lock()
		if err := tr.Send([]protocol.Frame{protocol.NewControl(protocol.FrameClose, "")}); err != nil {
			c.log.V(1).Info("close frame not delivered", "err", err.Error())
		}
		c.sendMu.Unlock()
	}

	c.cancel()
	_ = tr.Close(string(reason))
	if probe != nil {
		_ = probe.Close(string(reason))
	}

	c.mu.Lock()
	c.state = StateClosed
	c.held = nil
	c.mu.Unlock()
	close(c.closed)

	if cause != nil {
		c.events.push(Event{Type: EventError, Err: cause})
	}
	c.events.push(Event{Type: EventClose, Reason: reason})
	c.events.close()
	c.values.Clear()

	if cause != nil {
		c.log.Info("connection closed", "reason", string(reason), "cause", cause.Error())
	} else {
		c.log.V(1).Info("connection closed", "reason", string(reason))
	}
	if c.cfg.OnClose != nil {
		c.cfg.OnClose(c, reason)
	}
}

// readLoop drains one transport until it ends. pending frames were read
// from tr before the loop started and are handled first.
func (c *Conn) readLoop(tr transport.Transport, done chan struct{}, pending []protocol.Frame) {
	defer close(done)
	for _, f := range pending {
		c.handle(f)
	}
	for {
		frames, err := tr.Poll(c.ctx)
		if err != nil {
			c.readFailed(tr, err)
			return
		}
		for _, f := range frames {
			c.handle(f)
		}
	}
}

func (c *Conn) readFailed(tr transport.Transport, err error) {
	if c.ctx.Err() != nil {
		return
	}
	c.mu.Lock()
	superseded := tr != c.tr || c.switching
	c.mu.Unlock()
	if superseded {
		return
	}

	var de *protocol.DecodeError
	switch {
	case errors.Is(err, api.ErrTransportClosed):
		c.closeWith(api.ReasonPeerClose, nil, false)
	case errors.As(err, &de):
		c.log.Error(err, "undecodable frame", "transport", tr.Name())
		c.closeWith(api.ReasonParseError, err, false)
	default:
		c.log.Error(err, "transport failure", "transport", tr.Name())
		c.closeWith(api.ReasonTransportError, err, false)
	}
}

func (c *Conn) handle(f protocol.Frame) {
	if c.cfg.Role == RoleClient {
		signal(c.beat)
	}
	switch f.Type {
	case protocol.FrameMessage:
		c.events.push(Event{Type: EventMessage, Kind: f.Kind, Data: f.Data})
	case protocol.FramePing:
		c.events.push(Event{Type: EventPing})
		if err := c.send([]protocol.Frame{protocol.NewControl(protocol.FramePong, string(f.Data))}); err != nil {
			c.log.V(1).Info("pong not sent", "err", err.Error())
		}
	case protocol.FramePong:
		if c.cfg.Role == RoleServer {
			signal(c.pong)
		}
		c.events.push(Event{Type: EventPong})
	case protocol.FrameClose:
		c.closeWith(api.ReasonPeerClose, nil, false)
	case protocol.FrameNoop:
	default:
		c.log.V(1).Info("unexpected frame ignored", "frame", f.String())
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
