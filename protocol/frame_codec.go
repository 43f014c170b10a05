// File: protocol/frame_codec.go
// Package protocol implements the text-safe and native-binary frame codecs.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Text-safe encoding: one ASCII marker ('0'..'6') followed by the payload;
// binary messages become 'b' + base64. Native-binary encoding: one type byte
// (0x00..0x06) followed by raw payload bytes. Polling payloads batch several
// text-encoded frames as "<len>:<frame>" records.

package protocol

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
)

// DefaultMaxPayload bounds a single physical payload.
const DefaultMaxPayload = 1 << 20 // 1 MiB

const (
	binaryMarker    = 'b'
	lengthDelimiter = ':'
	maxLengthDigits = 10
)

// Decode failure classes. Match with errors.Is.
var (
	ErrMalformed   = errors.New("malformed frame")
	ErrUnknownType = errors.New("unknown frame type")
)

// DecodeError describes why an input could not be decoded.
type DecodeError struct {
	Err    error // ErrMalformed or ErrUnknownType
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return "protocol: " + e.Err.Error()
	}
	return "protocol: " + e.Err.Error() + ": " + e.Detail
}

func (e *DecodeError) Unwrap() error { return e.Err }

func malformed(format string, args ...any) error {
	return &DecodeError{Err: ErrMalformed, Detail: fmt.Sprintf(format, args...)}
}

func unknownType(b byte) error {
	return &DecodeError{Err: ErrUnknownType, Detail: fmt.Sprintf("leading byte %q", b)}
}

// EncodeText serializes f using the text-safe encoding.
func EncodeText(f Frame) []byte {
	return AppendText(nil, f)
}

// AppendText appends the text-safe encoding of f to dst.
func AppendText(dst []byte, f Frame) []byte {
	if f.Type == FrameMessage && f.Kind == KindBinary {
		dst = append(dst, binaryMarker)
		n := base64.StdEncoding.EncodedLen(len(f.Data))
		start := len(dst)
		dst = append(dst, make([]byte, n)...)
		base64.StdEncoding.Encode(dst[start:], f.Data)
		return dst
	}
	dst = append(dst, f.Type.textMarker())
	return append(dst, f.Data...)
}

// DecodeText parses a single text-encoded frame. The returned frame owns its data.
func DecodeText(b []byte) (Frame, error) {
	if len(b) == 0 {
		return Frame{}, malformed("empty frame")
	}
	if b[0] == binaryMarker {
		data := make([]byte, base64.StdEncoding.DecodedLen(len(b)-1))
		n, err := base64.StdEncoding.Decode(data, b[1:])
		if err != nil {
			return Frame{}, malformed("base64 payload: %v", err)
		}
		return NewMessage(KindBinary, data[:n]), nil
	}
	if b[0] < '0' || !FrameType(b[0]-'0').Valid() {
		return Frame{}, unknownType(b[0])
	}
	f := Frame{Type: FrameType(b[0] - '0'), Kind: KindText}
	if len(b) > 1 {
		f.Data = append([]byte(nil), b[1:]...)
	}
	return f, nil
}

// EncodeBinary serializes f using the native-binary encoding.
func EncodeBinary(f Frame) []byte {
	out := make([]byte, 1+len(f.Data))
	out[0] = byte(f.Type)
	copy(out[1:], f.Data)
	return out
}

// DecodeBinary parses a native-binary frame. Messages decode as KindBinary.
func DecodeBinary(b []byte) (Frame, error) {
	if len(b) == 0 {
		return Frame{}, malformed("empty frame")
	}
	t := FrameType(b[0])
	if !t.Valid() {
		return Frame{}, unknownType(b[0])
	}
	f := Frame{Type: t, Kind: KindText}
	if t == FrameMessage {
		f.Kind = KindBinary
	}
	if len(b) > 1 {
		f.Data = append([]byte(nil), b[1:]...)
	}
	return f, nil
}

// EncodeNative picks the encoding for a channel that distinguishes text from
// binary messages natively. binary reports which message type to use.
func EncodeNative(f Frame) (binary bool, data []byte) {
	if f.Type == FrameMessage && f.Kind == KindBinary {
		return true, EncodeBinary(f)
	}
	return false, EncodeText(f)
}

// DecodeNative is the inverse of EncodeNative.
func DecodeNative(binary bool, data []byte) (Frame, error) {
	if binary {
		return DecodeBinary(data)
	}
	return DecodeText(data)
}

// EncodePayload batches frames into one physical polling payload.
func EncodePayload(frames []Frame) []byte {
	var buf bytes.Buffer
	var scratch []byte
	for _, f := range frames {
		scratch = AppendText(scratch[:0], f)
		buf.WriteString(strconv.Itoa(len(scratch)))
		buf.WriteByte(lengthDelimiter)
		buf.Write(scratch)
	}
	return buf.Bytes()
}

// DecodePayload splits a polling payload into frames, preserving order.
func DecodePayload(b []byte) ([]Frame, error) {
	if len(b) == 0 {
		return nil, malformed("empty payload")
	}
	var frames []Frame
	for len(b) > 0 {
		i := bytes.IndexByte(b, lengthDelimiter)
		if i < 0 {
			return nil, malformed("missing length delimiter")
		}
		if i == 0 || i > maxLengthDigits {
			return nil, malformed("bad length prefix %q", b[:i])
		}
		n, err := strconv.Atoi(string(b[:i]))
		if err != nil || n < 0 {
			return nil, malformed("bad length prefix %q", b[:i])
		}
		b = b[i+1:]
		if n > len(b) {
			return nil, malformed("truncated frame: want %d bytes, have %d", n, len(b))
		}
		f, err := DecodeText(b[:n])
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
		b = b[n:]
	}
	return frames, nil
}
