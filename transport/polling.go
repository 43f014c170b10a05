// File: transport/polling.go
// Package transport
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Server side of the long-polling transport. The logical duplex channel is
// rebuilt from independent HTTP exchanges: GET requests drain the outbound
// queue, POST requests feed the inbound queue.

package transport

import (
	"context"
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/momentics/hioload-eio/api"
	"github.com/momentics/hioload-eio/protocol"
)

// DefaultLongPollTimeout bounds a single GET or Poll wait.
const DefaultLongPollTimeout = 25 * time.Second

// Polling is the server-side long-polling transport.
type Polling struct {
	mu       sync.Mutex
	out      *queue.Queue // protocol.Frame waiting for the next GET
	in       *queue.Queue // protocol.Frame posted by the peer
	outReady chan struct{}
	inReady  chan struct{}
	getting  bool

	timeout    time.Duration
	maxPayload int

	closed    chan struct{}
	closeOnce sync.Once
	flushed   chan struct{} // closed and nothing left for a GET
	flushOnce sync.Once
}

// NewPolling creates a polling transport. Zero values select defaults.
func NewPolling(longPollTimeout time.Duration, maxPayload int) *Polling {
	if longPollTimeout <= 0 {
		longPollTimeout = DefaultLongPollTimeout
	}
	if maxPayload <= 0 {
		maxPayload = protocol.DefaultMaxPayload
	}
	return &Polling{
		out:        queue.New(),
		in:         queue.New(),
		outReady:   make(chan struct{}, 1),
		inReady:    make(chan struct{}, 1),
		timeout:    longPollTimeout,
		maxPayload: maxPayload,
		closed:     make(chan struct{}),
		flushed:    make(chan struct{}),
	}
}

func (p *Polling) Name() string { return protocol.TransportPolling }

// Send queues frames until the next GET request flushes them.
func (p *Polling) Send(frames []protocol.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if isClosed(p.closed) {
		return api.ErrTransportClosed
	}
	for _, f := range frames {
		p.out.Add(f)
	}
	signal(p.outReady)
	return nil
}

// ServeGet answers one long-poll request. It returns the encoded payload to
// write as the response body. A timeout produces a single NOOP frame.
func (p *Polling) ServeGet(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	if p.getting {
		p.mu.Unlock()
		return nil, api.ErrOverlap
	}
	if isClosed(p.closed) && p.out.Length() == 0 {
		p.mu.Unlock()
		return nil, api.ErrTransportClosed
	}
	p.getting = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.getting = false
		p.mu.Unlock()
	}()

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	for {
		if frames := p.Drain(); len(frames) > 0 {
			return protocol.EncodePayload(frames), nil
		}
		select {
		case <-p.outReady:
		case <-p.closed:
			frames := p.Drain()
			if len(frames) == 0 {
				frames = noopBatch
			}
			return protocol.EncodePayload(frames), nil
		case <-timer.C:
			return protocol.EncodePayload(noopBatch), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ServePost decodes a request body and queues its frames for Poll.
func (p *Polling) ServePost(body []byte) error {
	if len(body) > p.maxPayload {
		return &protocol.DecodeError{Err: protocol.ErrMalformed, Detail: "payload exceeds maximum size"}
	}
	frames, err := protocol.DecodePayload(body)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if isClosed(p.closed) {
		return api.ErrTransportClosed
	}
	for _, f := range frames {
		p.in.Add(f)
	}
	signal(p.inReady)
	return nil
}

// Poll returns frames posted by the peer. After the long-poll timeout it
// returns a NOOP batch; after Close it drains what is left, then reports
// api.ErrTransportClosed.
func (p *Polling) Poll(ctx context.Context) ([]protocol.Frame, error) {
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	for {
		p.mu.Lock()
		if p.in.Length() > 0 {
			frames := drainQueue(p.in)
			p.mu.Unlock()
			return frames, nil
		}
		closed := isClosed(p.closed)
		p.mu.Unlock()
		if closed {
			return nil, api.ErrTransportClosed
		}

		select {
		case <-p.inReady:
		case <-p.closed:
		case <-timer.C:
			return noopBatch, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Drain removes and returns outbound frames no GET has picked up yet.
func (p *Polling) Drain() []protocol.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	frames := drainQueue(p.out)
	p.markFlushedLocked()
	return frames
}

// Release answers a pending GET with a NOOP so the peer can pause polling
// while an upgrade completes.
func (p *Polling) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.getting && p.out.Length() == 0 && !isClosed(p.closed) {
		p.out.Add(protocol.NewControl(protocol.FrameNoop, ""))
		signal(p.outReady)
	}
}

// Close wakes a pending GET, which flushes whatever is still queued.
func (p *Polling) Close(reason string) error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		close(p.closed)
		p.markFlushedLocked()
		p.mu.Unlock()
	})
	return nil
}

func (p *Polling) Done() <-chan struct{} { return p.closed }

// Flushed is closed once the transport is closed and every queued frame
// has been handed to a GET or drained.
func (p *Polling) Flushed() <-chan struct{} { return p.flushed }

func (p *Polling) markFlushedLocked() {
	if isClosed(p.closed) && p.out.Length() == 0 {
		p.flushOnce.Do(func() { close(p.flushed) })
	}
}

func drainQueue(q *queue.Queue) []protocol.Frame {
	if q.Length() == 0 {
		return nil
	}
	frames := make([]protocol.Frame, 0, q.Length())
	for q.Length() > 0 {
		frames = append(frames, q.Remove().(protocol.Frame))
	}
	return frames
}
