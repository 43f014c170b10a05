// File: transport/streaming.go
// Package transport
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Streaming transport over a persistent full-duplex message channel.

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/momentics/hioload-eio/api"
	"github.com/momentics/hioload-eio/protocol"
)

// Channel is a full-duplex message channel that distinguishes text from
// binary messages. The network-level upgrade handshake happens before a
// Channel is handed to the transport.
type Channel interface {
	// ReadMessage blocks for the next message. An orderly close by the peer
	// is reported as io.EOF.
	ReadMessage() (binary bool, data []byte, err error)
	WriteMessage(binary bool, data []byte) error
	// CloseHandshake starts the protocol-level close sequence.
	CloseHandshake(reason string) error
	Close() error
}

const incomingBacklog = 64

// Streaming sends frames immediately and yields received frames as they arrive.
type Streaming struct {
	ch   Channel
	name string

	wmu sync.Mutex

	incoming chan protocol.Frame
	readErr  error // valid once readDone is closed
	readDone chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewStreaming starts reading ch. name is reported by Name, normally
// protocol.TransportWebSocket.
func NewStreaming(name string, ch Channel) *Streaming {
	s := &Streaming{
		ch:       ch,
		name:     name,
		incoming: make(chan protocol.Frame, incomingBacklog),
		readDone: make(chan struct{}),
		closed:   make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *Streaming) Name() string { return s.name }

func (s *Streaming) readLoop() {
	defer close(s.readDone)
	for {
		binary, data, err := s.ch.ReadMessage()
		if err != nil {
			s.readErr = s.classify(err)
			return
		}
		f, err := protocol.DecodeNative(binary, data)
		if err != nil {
			s.readErr = err
			return
		}
		select {
		case s.incoming <- f:
		case <-s.closed:
			s.readErr = api.ErrTransportClosed
			return
		}
	}
}

func (s *Streaming) classify(err error) error {
	if isClosed(s.closed) || errors.Is(err, io.EOF) {
		return api.ErrTransportClosed
	}
	return fmt.Errorf("%w: %v", api.ErrIOFailure, err)
}

// Send writes each frame as its own message.
func (s *Streaming) Send(frames []protocol.Frame) error {
	if isClosed(s.closed) {
		return api.ErrTransportClosed
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	for _, f := range frames {
		binary, data := protocol.EncodeNative(f)
		if err := s.ch.WriteMessage(binary, data); err != nil {
			return s.classify(err)
		}
	}
	return nil
}

// Poll waits for at least one frame and returns it together with whatever
// else is already buffered.
func (s *Streaming) Poll(ctx context.Context) ([]protocol.Frame, error) {
	var first protocol.Frame
	select {
	case first = <-s.incoming:
	default:
		select {
		case first = <-s.incoming:
		case <-s.readDone:
			return s.drainAfter(s.readErr)
		case <-s.closed:
			return s.drainAfter(api.ErrTransportClosed)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	frames := []protocol.Frame{first}
	for {
		select {
		case f := <-s.incoming:
			frames = append(frames, f)
		default:
			return frames, nil
		}
	}
}

// drainAfter hands out frames buffered before the reader stopped, then err.
func (s *Streaming) drainAfter(err error) ([]protocol.Frame, error) {
	var frames []protocol.Frame
	for {
		select {
		case f := <-s.incoming:
			frames = append(frames, f)
		default:
			if len(frames) > 0 {
				return frames, nil
			}
			return nil, err
		}
	}
}

// Close performs the close handshake and releases the channel.
func (s *Streaming) Close(reason string) error {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.ch.CloseHandshake(reason)
		s.closeErr = s.ch.Close()
	})
	return s.closeErr
}

func (s *Streaming) Done() <-chan struct{} { return s.closed }
