// Package protocol
// Author: momentics <momentics@gmail.com>
//
// Frame model for the upgradable real-time transport: control frames
// (open, close, ping, pong, upgrade, noop) and application messages
// carrying either text or binary payloads.

package protocol

import "fmt"

// FrameType identifies the kind of a transport frame.
type FrameType byte

const (
	FrameOpen FrameType = iota
	FrameClose
	FramePing
	FramePong
	FrameMessage
	FrameUpgrade
	FrameNoop

	frameTypeCount
)

// ProbePayload is carried by the ping/pong pair that tests a new transport.
const ProbePayload = "probe"

var frameTypeNames = [...]string{
	FrameOpen:    "open",
	FrameClose:   "close",
	FramePing:    "ping",
	FramePong:    "pong",
	FrameMessage: "message",
	FrameUpgrade: "upgrade",
	FrameNoop:    "noop",
}

// Valid reports whether t is a known frame type.
func (t FrameType) Valid() bool { return t < frameTypeCount }

func (t FrameType) String() string {
	if t.Valid() {
		return frameTypeNames[t]
	}
	return fmt.Sprintf("unknown(%d)", byte(t))
}

// textMarker is the ASCII digit used by the text-safe encoding.
func (t FrameType) textMarker() byte { return '0' + byte(t) }

// PayloadKind distinguishes text from binary message payloads.
type PayloadKind int

const (
	KindText PayloadKind = iota
	KindBinary
)

func (k PayloadKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindBinary:
		return "binary"
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// Frame is a single transport frame. Kind is only meaningful for FrameMessage;
// control frames always carry text data.
type Frame struct {
	Type FrameType
	Kind PayloadKind
	Data []byte
}

// NewMessage builds a MESSAGE frame holding data of the given kind.
func NewMessage(kind PayloadKind, data []byte) Frame {
	return Frame{Type: FrameMessage, Kind: kind, Data: data}
}

// NewControl builds a control frame with an optional text payload.
func NewControl(t FrameType, data string) Frame {
	f := Frame{Type: t, Kind: KindText}
	if data != "" {
		f.Data = []byte(data)
	}
	return f
}

// IsProbe reports whether f is a ping or pong carrying the probe payload.
func (f Frame) IsProbe() bool {
	return (f.Type == FramePing || f.Type == FramePong) && string(f.Data) == ProbePayload
}

func (f Frame) String() string {
	if f.Type == FrameMessage {
		return fmt.Sprintf("%s/%s(%d bytes)", f.Type, f.Kind, len(f.Data))
	}
	if len(f.Data) == 0 {
		return f.Type.String()
	}
	return fmt.Sprintf("%s(%q)", f.Type, f.Data)
}
