// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package wire implements the zmesh wire protocol: frames, the packet
// envelope with its checksum and scrambler, and an incremental parser that
// reassembles frames from a TCP byte stream.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// FrameKind classifies a frame. Bit 0 is the request flag; the remaining
// bits distinguish responses, error responses and keepalives.
type FrameKind byte

const (
	KindMessage   FrameKind = 0
	KindRequest   FrameKind = 1 << 0
	KindResponse  FrameKind = 1 << 1
	KindError     FrameKind = 1 << 2 // only meaningful together with KindResponse
	KindKeepAlive FrameKind = 1 << 3
)

// String returns the string representation of the frame kind
func (k FrameKind) String() string {
	switch {
	case k&KindKeepAlive != 0:
		return "KEEPALIVE"
	case k&KindResponse != 0 && k&KindError != 0:
		return "ERROR"
	case k&KindResponse != 0:
		return "RESPONSE"
	case k&KindRequest != 0:
		return "REQUEST"
	default:
		return "MESSAGE"
	}
}

var errShortFrame = errors.New("wire: short frame")

// Frame is the protocol-level message unit.
//
// Frames are pooled. Whoever holds a frame owns it: enqueueing a frame for
// sending hands it to the send pipeline, and a decoded frame belongs to the
// dispatcher it is passed to. Once Release has been called the frame must
// not be read or mutated by anyone.
type Frame struct {
	Inbox   string
	FrameID int32
	Kind    FrameKind
	Payload []byte
}

func (f *Frame) IsRequest() bool   { return f.Kind&KindRequest != 0 }
func (f *Frame) IsResponse() bool  { return f.Kind&KindResponse != 0 }
func (f *Frame) IsError() bool     { return f.Kind&KindResponse != 0 && f.Kind&KindError != 0 }
func (f *Frame) IsKeepAlive() bool { return f.Kind&KindKeepAlive != 0 }

func (f *Frame) String() string {
	return fmt.Sprintf("Frame{inbox=%q id=%d kind=%s len=%d}", f.Inbox, f.FrameID, f.Kind, len(f.Payload))
}

var framePool = sync.Pool{
	New: func() any { return new(Frame) },
}

// AcquireFrame returns a zeroed frame from the pool.
func AcquireFrame() *Frame {
	return framePool.Get().(*Frame)
}

// NewFrame acquires a frame and fills it in.
func NewFrame(inbox string, id int32, kind FrameKind, payload []byte) *Frame {
	f := AcquireFrame()
	f.Inbox = inbox
	f.FrameID = id
	f.Kind = kind
	f.Payload = payload
	return f
}

// Release returns the frame to the pool.
func (f *Frame) Release() {
	if f == nil {
		return
	}
	*f = Frame{}
	framePool.Put(f)
}

// FrameSize returns the number of bytes MarshalFrame produces for f.
func FrameSize(f *Frame) int {
	return 4 + len(f.Inbox) + 4 + 1 + 4 + len(f.Payload)
}

// AppendFrame appends the serialized form of f to dst:
//
//	int32 LE inbox length | inbox UTF-8 | int32 LE frame id | kind byte | int32 LE payload length | payload
func AppendFrame(dst []byte, f *Frame) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(f.Inbox)))
	dst = append(dst, f.Inbox...)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(f.FrameID))
	dst = append(dst, byte(f.Kind))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(f.Payload)))
	dst = append(dst, f.Payload...)
	return dst
}

// MarshalFrame serializes f into a new buffer.
func MarshalFrame(f *Frame) []byte {
	return AppendFrame(make([]byte, 0, FrameSize(f)), f)
}

// UnmarshalFrame decodes a serialized frame into a pooled Frame.
// The payload is copied so data may be reused by the caller.
func UnmarshalFrame(data []byte) (*Frame, error) {
	return unmarshalFrame(data, true)
}

func unmarshalFrame(data []byte, copyPayload bool) (*Frame, error) {
	inboxLen, rest, err := readLen(data)
	if err != nil {
		return nil, fmt.Errorf("wire: inbox length: %w", err)
	}
	if len(rest) < inboxLen+4+1 {
		return nil, errShortFrame
	}
	inbox := string(rest[:inboxLen])
	rest = rest[inboxLen:]
	id := int32(binary.LittleEndian.Uint32(rest))
	kind := FrameKind(rest[4])
	rest = rest[5:]

	payloadLen, rest, err := readLen(rest)
	if err != nil {
		return nil, fmt.Errorf("wire: payload length: %w", err)
	}
	if len(rest) != payloadLen {
		return nil, fmt.Errorf("wire: payload length %d does not match %d remaining bytes", payloadLen, len(rest))
	}

	var payload []byte
	switch {
	case payloadLen == 0:
	case copyPayload:
		payload = make([]byte, payloadLen)
		copy(payload, rest)
	default:
		payload = rest[:payloadLen:payloadLen]
	}
	return NewFrame(inbox, id, kind, payload), nil
}

func readLen(data []byte) (int, []byte, error) {
	if len(data) < 4 {
		return 0, nil, errShortFrame
	}
	n := int32(binary.LittleEndian.Uint32(data))
	if n < 0 || int(n) > len(data)-4 {
		return 0, nil, fmt.Errorf("invalid length %d", n)
	}
	return int(n), data[4:], nil
}
