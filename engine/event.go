// File: engine/event.go
// Package engine
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Ordered per-connection event delivery. Events are appended to an
// unbounded queue and pumped into the channel returned by Conn.Events.

package engine

import (
	"fmt"
	"sync"

	"github.com/eapache/queue"

	"github.com/momentics/hioload-eio/api"
	"github.com/momentics/hioload-eio/protocol"
)

// EventType enumerates observable connection events.
type EventType int

const (
	EventOpen EventType = iota
	EventMessage
	EventUpgrade
	EventPing
	EventPong
	EventClose
	EventError
)

var eventNames = [...]string{
	EventOpen:    "open",
	EventMessage: "message",
	EventUpgrade: "upgrade",
	EventPing:    "ping",
	EventPong:    "pong",
	EventClose:   "close",
	EventError:   "error",
}

func (t EventType) String() string {
	if t >= 0 && int(t) < len(eventNames) {
		return eventNames[t]
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// Event is delivered through Conn.Events. Kind and Data are set for
// EventMessage, Reason for EventClose, Err for EventError.
type Event struct {
	Type   EventType
	Kind   protocol.PayloadKind
	Data   []byte
	Reason api.CloseReason
	Err    error
}

func (e Event) String() string {
	switch e.Type {
	case EventMessage:
		return fmt.Sprintf("message/%s(%d bytes)", e.Kind, len(e.Data))
	case EventClose:
		return fmt.Sprintf("close(%s)", e.Reason)
	case EventError:
		return fmt.Sprintf("error(%v)", e.Err)
	}
	return e.Type.String()
}

// eventQueue never blocks producers. The pump goroutine exits after the
// queue is closed and fully delivered, closing out.
type eventQueue struct {
	mu     sync.Mutex
	q      *queue.Queue
	ready  chan struct{}
	closed bool
	out    chan Event
}

func newEventQueue() *eventQueue {
	e := &eventQueue{
		q:     queue.New(),
		ready: make(chan struct{}, 1),
		out:   make(chan Event),
	}
	go e.pump()
	return e
}

func (e *eventQueue) push(ev Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.q.Add(ev)
	select {
	case e.ready <- struct{}{}:
	default:
	}
	return true
}

// close stops accepting events; already queued ones are still delivered.
func (e *eventQueue) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	select {
	case e.ready <- struct{}{}:
	default:
	}
}

func (e *eventQueue) pump() {
	defer close(e.out)
	for {
		e.mu.Lock()
		if e.q.Length() > 0 {
			ev := e.q.Remove().(Event)
			e.mu.Unlock()
			e.out <- ev
			continue
		}
		closed := e.closed
		e.mu.Unlock()
		if closed {
			return
		}
		<-e.ready
	}
}
