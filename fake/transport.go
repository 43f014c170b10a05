// Package fake
// Author: momentics <momentics@gmail.com>
//
// Fake implementations for testing and development.
// Provides predictable, controllable behavior for the transport interfaces.

package fake

import (
	"context"
	"sync"

	"github.com/momentics/hioload-eio/api"
	"github.com/momentics/hioload-eio/protocol"
)

// Transport is a scripted transport: tests push frames for Poll and
// inspect what the connection sent.
type Transport struct {
	name string

	mu        sync.Mutex
	sent      []protocol.Frame
	recv      []protocol.Frame
	recvReady chan struct{}
	sendError error
	pollError error
	paused    bool

	closed      chan struct{}
	closeOnce   sync.Once
	closeReason string
}

// NewTransport creates a fake transport reporting name.
func NewTransport(name string) *Transport {
	return &Transport{
		name:      name,
		recvReady: make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
}

func (t *Transport) Name() string { return t.name }

// Send records frames unless the transport is closed or a send error is set.
func (t *Transport) Send(frames []protocol.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isClosed() || t.paused {
		return api.ErrTransportClosed
	}
	if t.sendError != nil {
		return t.sendError
	}
	t.sent = append(t.sent, frames...)
	return nil
}

// Poll returns pushed frames, blocking until some arrive.
func (t *Transport) Poll(ctx context.Context) ([]protocol.Frame, error) {
	for {
		t.mu.Lock()
		if len(t.recv) > 0 {
			frames := t.recv
			t.recv = nil
			t.mu.Unlock()
			return frames, nil
		}
		if t.pollError != nil {
			err := t.pollError
			t.mu.Unlock()
			return nil, err
		}
		if t.isClosed() || t.paused {
			t.mu.Unlock()
			return nil, api.ErrTransportClosed
		}
		t.mu.Unlock()

		select {
		case <-t.recvReady:
		case <-t.closed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close marks the transport closed and remembers the first reason.
func (t *Transport) Close(reason string) error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closeReason = reason
		t.mu.Unlock()
		close(t.closed)
	})
	return nil
}

func (t *Transport) Done() <-chan struct{} { return t.closed }

// Push queues frames for the next Poll.
func (t *Transport) Push(frames ...protocol.Frame) {
	t.mu.Lock()
	t.recv = append(t.recv, frames...)
	t.mu.Unlock()
	select {
	case t.recvReady <- struct{}{}:
	default:
	}
}

// Pause stops the transport the way a paused polling client does: pending
// frames are still handed out, then Poll and Send report closure.
func (t *Transport) Pause() {
	t.mu.Lock()
	t.paused = true
	t.mu.Unlock()
	select {
	case t.recvReady <- struct{}{}:
	default:
	}
}

// SetSendError makes subsequent Send calls fail with err.
func (t *Transport) SetSendError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendError = err
}

// FailPoll makes Poll return err once pending frames are consumed.
func (t *Transport) FailPoll(err error) {
	t.mu.Lock()
	t.pollError = err
	t.mu.Unlock()
	select {
	case t.recvReady <- struct{}{}:
	default:
	}
}

// Sent returns a copy of every frame sent so far.
func (t *Transport) Sent() []protocol.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]protocol.Frame(nil), t.sent...)
}

// Closed reports whether Close was called, and with which reason.
func (t *Transport) Closed() (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isClosed(), t.closeReason
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}
