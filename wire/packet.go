// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Packet envelope constants
const (
	Marker     byte = 181
	HeaderSize      = 6 // marker + int32 LE length + checksum

	DefaultMaxPayload = 32 << 20 // 32 MiB
)

var (
	ErrBadMarker     = errors.New("wire: bad packet marker")
	ErrBadChecksum   = errors.New("wire: bad packet checksum")
	ErrFrameTooLarge = errors.New("wire: frame exceeds maximum payload size")
)

// Checksum returns the XOR of the first five header bytes.
func Checksum(header []byte) byte {
	return header[0] ^ header[1] ^ header[2] ^ header[3] ^ header[4]
}

// HashData scrambles data in place with a rolling XOR keyed by mask.
// This is obfuscation, not cryptography.
func HashData(data []byte, mask byte) {
	if len(data) == 0 {
		return
	}
	data[0] ^= mask
	for i := 1; i < len(data); i++ {
		data[i] ^= data[i-1]
	}
}

// DeHashData reverses HashData: DeHashData(HashData(x, k), k) == x.
func DeHashData(data []byte, mask byte) {
	if len(data) == 0 {
		return
	}
	for i := len(data) - 1; i > 0; i-- {
		data[i] ^= data[i-1]
	}
	data[0] ^= mask
}

// PutHeader writes the packet header for a payload of length n into hdr.
func PutHeader(hdr []byte, n int) {
	hdr[0] = Marker
	binary.LittleEndian.PutUint32(hdr[1:5], uint32(n))
	hdr[5] = Checksum(hdr)
}

// ParseHeader validates hdr and returns the declared payload length.
func ParseHeader(hdr []byte, maxPayload int) (int, error) {
	if hdr[0] != Marker {
		return 0, ErrBadMarker
	}
	if Checksum(hdr) != hdr[5] {
		return 0, ErrBadChecksum
	}
	n := int32(binary.LittleEndian.Uint32(hdr[1:5]))
	if n < 0 || int(n) > maxPayload {
		return 0, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	return int(n), nil
}

// Pack wraps payload into a packet. The payload is scrambled in place.
func Pack(payload []byte) []byte {
	packet := make([]byte, HeaderSize+len(payload))
	PutHeader(packet, len(payload))
	HashData(payload, packet[5])
	copy(packet[HeaderSize:], payload)
	return packet
}

// PackFrame serializes f straight into a packet buffer.
func PackFrame(dst []byte, f *Frame) []byte {
	start := len(dst)
	dst = append(dst, make([]byte, HeaderSize)...)
	dst = AppendFrame(dst, f)
	body := dst[start+HeaderSize:]
	PutHeader(dst[start:start+HeaderSize], len(body))
	HashData(body, dst[start+5])
	return dst
}

// Unpack reverses Pack for a single complete packet.
func Unpack(packet []byte, maxPayload int) ([]byte, error) {
	if len(packet) < HeaderSize {
		return nil, errShortFrame
	}
	n, err := ParseHeader(packet[:HeaderSize], maxPayload)
	if err != nil {
		return nil, err
	}
	if len(packet)-HeaderSize != n {
		return nil, fmt.Errorf("wire: packet length %d does not match header %d", len(packet)-HeaderSize, n)
	}
	payload := make([]byte, n)
	copy(payload, packet[HeaderSize:])
	DeHashData(payload, packet[5])
	return payload, nil
}
