// Package fake
// Author: momentics <momentics@gmail.com>
//
// In-memory message channel pair standing in for a WebSocket connection.

package fake

import (
	"errors"
	"io"
	"sync"
)

// ErrChannelClosed is returned by operations on a locally closed Channel.
var ErrChannelClosed = errors.New("fake: channel closed")

type message struct {
	binary bool
	data   []byte
}

// direction carries messages one way; done is closed when the writer ends.
type direction struct {
	msgs chan message
	done chan struct{}
	once sync.Once
}

func newDirection() *direction {
	return &direction{msgs: make(chan message, 256), done: make(chan struct{})}
}

func (d *direction) finish() { d.once.Do(func() { close(d.done) }) }

// Channel is one end of an in-memory pipe. It satisfies transport.Channel.
type Channel struct {
	rx, tx *direction

	local     chan struct{}
	localOnce sync.Once

	mu          sync.Mutex
	failErr     error
	failed      chan struct{}
	failOnce    sync.Once
	closeReason string
}

// Pipe returns two connected channel ends.
func Pipe() (*Channel, *Channel) {
	ab, ba := newDirection(), newDirection()
	return newChannel(ba, ab), newChannel(ab, ba)
}

func newChannel(rx, tx *direction) *Channel {
	return &Channel{rx: rx, tx: tx, local: make(chan struct{}), failed: make(chan struct{})}
}

func (c *Channel) ReadMessage() (bool, []byte, error) {
	if err := c.err(); err != nil {
		return false, nil, err
	}
	select {
	case m := <-c.rx.msgs:
		return m.binary, m.data, nil
	default:
	}
	select {
	case m := <-c.rx.msgs:
		return m.binary, m.data, nil
	case <-c.rx.done:
		select {
		case m := <-c.rx.msgs:
			return m.binary, m.data, nil
		default:
			return false, nil, io.EOF
		}
	case <-c.local:
		return false, nil, ErrChannelClosed
	case <-c.failed:
		return false, nil, c.err()
	}
}

func (c *Channel) WriteMessage(binary bool, data []byte) error {
	if err := c.err(); err != nil {
		return err
	}
	select {
	case <-c.rx.done:
		return io.ErrClosedPipe
	case <-c.tx.done:
		return ErrChannelClosed
	default:
	}
	m := message{binary: binary, data: append([]byte(nil), data...)}
	select {
	case c.tx.msgs <- m:
		return nil
	case <-c.rx.done:
		return io.ErrClosedPipe
	case <-c.local:
		return ErrChannelClosed
	}
}

// CloseHandshake records reason and signals end of stream to the peer.
func (c *Channel) CloseHandshake(reason string) error {
	c.mu.Lock()
	c.closeReason = reason
	c.mu.Unlock()
	c.tx.finish()
	return nil
}

func (c *Channel) Close() error {
	c.tx.finish()
	c.localOnce.Do(func() { close(c.local) })
	return nil
}

// Fail simulates a network failure: pending and future reads and writes
// return err.
func (c *Channel) Fail(err error) {
	c.mu.Lock()
	if c.failErr == nil {
		c.failErr = err
	}
	c.mu.Unlock()
	c.failOnce.Do(func() { close(c.failed) })
}

// CloseReason returns the reason passed to CloseHandshake.
func (c *Channel) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

func (c *Channel) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failErr != nil {
		return c.failErr
	}
	select {
	case <-c.local:
		return ErrChannelClosed
	default:
		return nil
	}
}
