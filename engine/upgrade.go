// File: engine/upgrade.go
// Package engine
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Transport upgrade. The old transport keeps working while a probe runs;
// the swap happens only after UPGRADE travels over the probed transport.
// A connection swaps its transport at most once.

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/momentics/hioload-eio/api"
	"github.com/momentics/hioload-eio/protocol"
	"github.com/momentics/hioload-eio/transport"
)

// releaseInterval paces NOOPs that free a pending GET on the old transport.
const releaseInterval = 100 * time.Millisecond

// Optional capabilities of the transport being replaced.
type (
	drainer  interface{ Drain() []protocol.Frame }
	releaser interface{ Release() }
	pauser   interface{ Pause() }
)

// probeReader hands out frames one at a time from a transport.
type probeReader struct {
	tr  transport.Transport
	buf []protocol.Frame
}

func (r *probeReader) next(ctx context.Context) (protocol.Frame, error) {
	for len(r.buf) == 0 {
		frames, err := r.tr.Poll(ctx)
		if err != nil {
			return protocol.Frame{}, err
		}
		r.buf = frames
	}
	f := r.buf[0]
	r.buf = r.buf[1:]
	return f, nil
}

// AcceptProbe runs the server side of an upgrade over probe. On failure the
// probe is closed and the connection stays on its current transport.
func (c *Conn) AcceptProbe(probe transport.Transport) error {
	if err := c.beginProbe(probe); err != nil {
		_ = probe.Close("upgrade rejected")
		return err
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.UpgradeTimeout)
	defer cancel()

	r := &probeReader{tr: probe}
	if err := c.awaitUpgrade(ctx, probe, r); err != nil {
		c.abortProbe(probe, err)
		return fmt.Errorf("%w: %v", api.ErrUpgradeFailed, err)
	}

	c.sendMu.Lock()
	c.mu.Lock()
	if c.state != StateUpgrading || c.probe != probe {
		c.mu.Unlock()
		c.sendMu.Unlock()
		_ = probe.Close("connection closed")
		return api.ErrConnClosed
	}
	old := c.tr
	var drained []protocol.Frame
	if d, ok := old.(drainer); ok {
		drained = d.Drain()
	}
	oldDone, newDone := c.swap(probe)
	c.mu.Unlock()
	var sendErr error
	if len(drained) > 0 {
		sendErr = probe.Send(drained)
	}
	c.sendMu.Unlock()

	_ = old.Close("upgraded")
	<-oldDone
	c.finishUpgrade(old, probe, newDone, r.buf)
	if sendErr != nil {
		_ = c.sendFailed(probe, sendErr)
	}
	return nil
}

func (c *Conn) awaitUpgrade(ctx context.Context, probe transport.Transport, r *probeReader) error {
	f, err := r.next(ctx)
	if err != nil {
		return err
	}
	if f.Type != protocol.FramePing || !f.IsProbe() {
		return fmt.Errorf("expected ping probe, got %s", f)
	}
	if err := probe.Send([]protocol.Frame{protocol.NewControl(protocol.FramePong, protocol.ProbePayload)}); err != nil {
		return err
	}

	stop := c.releaseOld()
	defer stop()
	for {
		f, err := r.next(ctx)
		if err != nil {
			return err
		}
		switch f.Type {
		case protocol.FrameUpgrade:
			return nil
		case protocol.FrameNoop:
		default:
			return fmt.Errorf("unexpected %s before upgrade", f)
		}
	}
}

// releaseOld keeps answering pending GETs on the old transport with NOOP so
// the peer can pause polling. The returned func stops it.
func (c *Conn) releaseOld() func() {
	c.mu.Lock()
	rel, ok := c.tr.(releaser)
	c.mu.Unlock()
	if !ok {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(releaseInterval)
		defer t.Stop()
		rel.Release()
		for {
			select {
			case <-done:
				return
			case <-c.closed:
				return
			case <-t.C:
				rel.Release()
			}
		}
	}()
	return func() { close(done) }
}

// Probe runs the client side of an upgrade over probe. Once the peer
// confirmed the probe, outgoing frames are held until the swap completes.
func (c *Conn) Probe(probe transport.Transport) error {
	if err := c.beginProbe(probe); err != nil {
		_ = probe.Close("upgrade rejected")
		return err
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.UpgradeTimeout)
	defer cancel()

	r := &probeReader{tr: probe}
	if err := c.awaitPong(ctx, probe, r); err != nil {
		c.abortProbe(probe, err)
		return fmt.Errorf("%w: %v", api.ErrUpgradeFailed, err)
	}

	// taking sendMu lets a POST already in progress finish on the old transport
	c.sendMu.Lock()
	c.mu.Lock()
	if c.state != StateUpgrading || c.probe != probe {
		c.mu.Unlock()
		c.sendMu.Unlock()
		_ = probe.Close("connection closed")
		return api.ErrConnClosed
	}
	c.switching = true
	old, oldDone := c.tr, c.readDone
	c.mu.Unlock()
	c.sendMu.Unlock()

	if p, ok := old.(pauser); ok {
		p.Pause()
	}
	<-oldDone

	// the old transport is paused, so a failure from here on is fatal
	if err := probe.Send([]protocol.Frame{protocol.NewControl(protocol.FrameUpgrade, "")}); err != nil {
		c.closeWith(api.ReasonTransportError, err, false)
		return fmt.Errorf("%w: %v", api.ErrUpgradeFailed, err)
	}

	c.sendMu.Lock()
	c.mu.Lock()
	if c.state != StateUpgrading {
		c.mu.Unlock()
		c.sendMu.Unlock()
		return api.ErrConnClosed
	}
	held := c.held
	c.held = nil
	c.switching = false
	_, newDone := c.swap(probe)
	c.mu.Unlock()
	var sendErr error
	if len(held) > 0 {
		sendErr = probe.Send(held)
	}
	c.sendMu.Unlock()

	_ = old.Close("upgraded")
	c.finishUpgrade(old, probe, newDone, r.buf)
	if sendErr != nil {
		_ = c.sendFailed(probe, sendErr)
	}
	return nil
}

func (c *Conn) awaitPong(ctx context.Context, probe transport.Transport, r *probeReader) error {
	if err := probe.Send([]protocol.Frame{protocol.NewControl(protocol.FramePing, protocol.ProbePayload)}); err != nil {
		return err
	}
	for {
		f, err := r.next(ctx)
		if err != nil {
			return err
		}
		switch {
		case f.Type == protocol.FramePong && f.IsProbe():
			return nil
		case f.Type == protocol.FrameNoop:
		default:
			return fmt.Errorf("expected pong probe, got %s", f)
		}
	}
}

func (c *Conn) beginProbe(probe transport.Transport) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state == StateClosing || c.state == StateClosed:
		return api.ErrConnClosed
	case c.state == StateHandshaking:
		return api.ErrNotReady
	case c.upgraded || c.tr.Name() == probe.Name():
		return api.ErrAlreadyUpgraded
	case c.probe != nil:
		return api.ErrUpgradeInFlight
	}
	c.probe = probe
	c.state = StateUpgrading
	return nil
}

func (c *Conn) abortProbe(probe transport.Transport, cause error) {
	_ = probe.Close("probe failed")
	c.mu.Lock()
	if c.probe == probe {
		c.probe = nil
		if c.state == StateUpgrading {
			c.state = StateOpen
		}
	}
	c.mu.Unlock()
	c.log.V(1).Info("upgrade probe failed", "transport", probe.Name(), "err", cause.Error())
}

// swap installs probe as the active transport. Caller holds mu.
func (c *Conn) swap(probe transport.Transport) (oldDone, newDone chan struct{}) {
	oldDone = c.readDone
	newDone = make(chan struct{})
	c.tr = probe
	c.probe = nil
	c.upgraded = true
	c.state = StateOpen
	c.readDone = newDone
	return oldDone, newDone
}

func (c *Conn) finishUpgrade(old, probe transport.Transport, done chan struct{}, pending []protocol.Frame) {
	c.log.V(1).Info("transport upgraded", "from", old.Name(), "to", probe.Name())
	c.events.push(Event{Type: EventUpgrade})
	if c.cfg.OnUpgrade != nil && c.State() == StateOpen {
		c.cfg.OnUpgrade(c)
	}
	go c.readLoop(probe, done, pending)
}
