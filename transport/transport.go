// File: transport/transport.go
// Package transport
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Transport abstraction shared by the long-polling and streaming variants.
// A Connection owns exactly one Transport at a time and swaps it at most once.

package transport

import (
	"context"
	"errors"
	"iter"

	"github.com/momentics/hioload-eio/api"
	"github.com/momentics/hioload-eio/protocol"
)

// Transport is a duplex frame channel.
type Transport interface {
	// Name returns the transport name advertised in the handshake.
	Name() string

	// Send delivers frames in order. Polling buffers them until the peer's
	// next poll request; streaming writes immediately.
	Send(frames []protocol.Frame) error

	// Poll suspends until frames are available, the transport closes or ctx
	// ends. It returns api.ErrTransportClosed once the transport is finished.
	Poll(ctx context.Context) ([]protocol.Frame, error)

	// Close tears the transport down. Safe to call more than once.
	Close(reason string) error

	// Done is closed once Close was called.
	Done() <-chan struct{}
}

// Frames exposes t as a lazy, finite sequence of frames. The sequence ends
// without an error when the transport closes and yields the error otherwise.
func Frames(ctx context.Context, t Transport) iter.Seq2[protocol.Frame, error] {
	return func(yield func(protocol.Frame, error) bool) {
		for {
			frames, err := t.Poll(ctx)
			if err != nil {
				if !errors.Is(err, api.ErrTransportClosed) {
					yield(protocol.Frame{}, err)
				}
				return
			}
			for _, f := range frames {
				if !yield(f, nil) {
					return
				}
			}
		}
	}
}

// signal performs a non-blocking notify on a capacity-1 channel.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

var noopBatch = []protocol.Frame{protocol.NewControl(protocol.FrameNoop, "")}
