// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wire

import (
	"github.com/someonegg/gocontainer/rbuf"
)

// Parser reassembles frames from a byte stream that may be split at any
// point, including inside a packet header.
//
// Malformed packets never stop the parser: a header with a bad checksum or
// an oversized length is dropped one byte at a time until the next marker
// byte. When a header checks out but its body does not decode, scanning
// resumes right after that header's marker, so a valid packet hidden
// inside the bogus body is still found.
//
// A Parser is not safe for concurrent use; each connection owns one.
type Parser struct {
	MaxPayload int
	// OnDrop, if set, is called for every discarded packet or header.
	OnDrop func(err error)

	buf rbuf.RingBuf

	hdr    [HeaderSize]byte
	hdrLen int

	inBody  bool
	body    []byte
	bodyLen int
	mask    byte

	dropped uint64
}

// NewParser creates a parser accepting payloads up to maxPayload bytes.
func NewParser(maxPayload int) *Parser {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Parser{MaxPayload: maxPayload}
}

// Dropped returns the number of discarded headers and packets so far.
func (p *Parser) Dropped() uint64 {
	return p.dropped
}

// Buffered returns the number of received bytes not yet consumed.
func (p *Parser) Buffered() int {
	return p.buf.Len() + p.hdrLen + p.bodyLen
}

// Push appends chunk to the stream and calls onFrame for every frame that
// became complete, in stream order. onFrame takes ownership of the frame.
func (p *Parser) Push(chunk []byte, onFrame func(*Frame)) {
	if len(chunk) > 0 {
		p.buf.Write(chunk)
	}

	for {
		if !p.inBody {
			if !p.fillHeader() {
				return
			}
			n, err := ParseHeader(p.hdr[:], p.maxPayload())
			if err != nil {
				p.drop(err)
				p.resync()
				continue
			}
			p.inBody = true
			p.body = make([]byte, n)
			p.bodyLen = 0
			p.mask = p.hdr[5]
		}

		if p.bodyLen < len(p.body) {
			if p.buf.Len() == 0 {
				return
			}
			k, _ := p.buf.Read(p.body[p.bodyLen:])
			p.bodyLen += k
			if p.bodyLen < len(p.body) {
				return
			}
		}

		body, mask := p.body, p.mask
		hdr := p.hdr
		p.resetPacket()

		DeHashData(body, mask)
		f, err := unmarshalFrame(body, false)
		if err != nil {
			p.drop(err)
			HashData(body, mask)
			p.unread(hdr[1:], body)
			continue
		}
		onFrame(f)
	}
}

// unread puts bytes back in front of the buffered stream.
func (p *Parser) unread(parts ...[]byte) {
	rest := make([]byte, p.buf.Len())
	p.buf.Read(rest)
	for _, b := range parts {
		p.buf.Write(b)
	}
	p.buf.Write(rest)
}

// fillHeader scans for a marker and reads the rest of the header.
// It reports whether a full header is available.
func (p *Parser) fillHeader() bool {
	var one [1]byte
	for p.hdrLen < HeaderSize {
		if p.buf.Len() == 0 {
			return false
		}
		if p.hdrLen == 0 {
			p.buf.Read(one[:])
			if one[0] == Marker {
				p.hdr[0] = Marker
				p.hdrLen = 1
			}
			continue
		}
		k, _ := p.buf.Read(p.hdr[p.hdrLen:])
		p.hdrLen += k
	}
	return true
}

// resync discards the current marker and keeps any later marker found in
// the already read header bytes.
func (p *Parser) resync() {
	for i := 1; i < p.hdrLen; i++ {
		if p.hdr[i] == Marker {
			n := copy(p.hdr[:], p.hdr[i:p.hdrLen])
			p.hdrLen = n
			return
		}
	}
	p.hdrLen = 0
}

func (p *Parser) resetPacket() {
	p.hdrLen = 0
	p.inBody = false
	p.body = nil
	p.bodyLen = 0
	p.mask = 0
}

func (p *Parser) drop(err error) {
	p.dropped++
	if p.OnDrop != nil {
		p.OnDrop(err)
	}
}

func (p *Parser) maxPayload() int {
	if p.MaxPayload <= 0 {
		return DefaultMaxPayload
	}
	return p.MaxPayload
}
