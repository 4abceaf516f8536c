// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zmesh

import (
	"fmt"
	"sort"
	"sync"

	"github.com/destiny/zmesh/serial"
	"github.com/destiny/zmesh/wire"
)

// Reserved inbox names. An empty inbox name refers to the default inbox of
// the matching kind.
const (
	DefaultMessageInbox = "__message_inbox__"
	DefaultRequestInbox = "__request_inbox__"
	PingInbox           = "__ping__"
)

// MessageHandler handles a fire-and-forget frame.
type MessageHandler func(c *Conn, payload []byte)

// RequestHandler handles a request frame and returns the response payload.
type RequestHandler func(c *Conn, payload []byte) ([]byte, error)

// Registration binds one inbox on a router. See MessageInbox and
// RequestInbox.
type Registration func(r *Router)

// Router maps inbox names to handlers.
//
// Unknown message inboxes are dropped. Unknown request inboxes are answered
// with an error response so the caller does not wait for its timeout.
type Router struct {
	codec serial.Codec
	log   *Logger

	mu       sync.RWMutex
	messages map[string]MessageHandler
	requests map[string]RequestHandler
}

// NewRouter creates a router decoding typed payloads with codec.
func NewRouter(codec serial.Codec, logger *Logger) *Router {
	if codec == nil {
		codec = serial.Default
	}
	if logger == nil {
		logger = DefaultLogger
	}
	r := &Router{
		codec:    codec,
		log:      logger,
		messages: make(map[string]MessageHandler),
		requests: make(map[string]RequestHandler),
	}
	r.requests[PingInbox] = func(*Conn, []byte) ([]byte, error) { return nil, nil }
	return r
}

// Codec returns the codec used by typed handlers.
func (r *Router) Codec() serial.Codec {
	return r.codec
}

func messageInbox(name string) string {
	if name == "" {
		return DefaultMessageInbox
	}
	return name
}

func requestInbox(name string) string {
	if name == "" {
		return DefaultRequestInbox
	}
	return name
}

// OnMessage registers h for inbox, replacing any previous handler.
func (r *Router) OnMessage(inbox string, h MessageHandler) {
	r.mu.Lock()
	r.messages[messageInbox(inbox)] = h
	r.mu.Unlock()
}

// OnRequest registers h for inbox, replacing any previous handler.
func (r *Router) OnRequest(inbox string, h RequestHandler) {
	r.mu.Lock()
	r.requests[requestInbox(inbox)] = h
	r.mu.Unlock()
}

// Register applies regs in order.
func (r *Router) Register(regs ...Registration) *Router {
	for _, reg := range regs {
		reg(r)
	}
	return r
}

// Unregister removes both handlers registered under inbox.
func (r *Router) Unregister(inbox string) {
	r.mu.Lock()
	delete(r.messages, messageInbox(inbox))
	if inbox != PingInbox {
		delete(r.requests, requestInbox(inbox))
	}
	r.mu.Unlock()
}

// Inboxes returns the registered message and request inbox names, sorted.
func (r *Router) Inboxes() (messages, requests []string) {
	r.mu.RLock()
	for name := range r.messages {
		messages = append(messages, name)
	}
	for name := range r.requests {
		requests = append(requests, name)
	}
	r.mu.RUnlock()
	sort.Strings(messages)
	sort.Strings(requests)
	return messages, requests
}

// HandleMessage registers a typed message handler.
func HandleMessage[T any](r *Router, inbox string, fn func(c *Conn, msg T)) {
	r.OnMessage(inbox, func(c *Conn, payload []byte) {
		msg, err := serial.Deserialize[T](r.codec, payload)
		if err != nil {
			r.log.Warn("inbox %q: dropping undecodable message: %v", inbox, err)
			return
		}
		fn(c, msg)
	})
}

// HandleRequest registers a typed request handler.
func HandleRequest[Req, Resp any](r *Router, inbox string, fn func(c *Conn, req Req) (Resp, error)) {
	r.OnRequest(inbox, func(c *Conn, payload []byte) ([]byte, error) {
		req, err := serial.Deserialize[Req](r.codec, payload)
		if err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
		resp, err := fn(c, req)
		if err != nil {
			return nil, err
		}
		return serial.Serialize(r.codec, resp)
	})
}

// MessageInbox returns a Registration for a typed message handler.
func MessageInbox[T any](inbox string, fn func(c *Conn, msg T)) Registration {
	return func(r *Router) { HandleMessage(r, inbox, fn) }
}

// RequestInbox returns a Registration for a typed request handler.
func RequestInbox[Req, Resp any](inbox string, fn func(c *Conn, req Req) (Resp, error)) Registration {
	return func(r *Router) { HandleRequest(r, inbox, fn) }
}

// DispatchMessage runs the handler for a message frame. The frame is not
// released.
func (r *Router) DispatchMessage(f *wire.Frame, c *Conn) {
	r.mu.RLock()
	h := r.messages[messageInbox(f.Inbox)]
	r.mu.RUnlock()

	if h == nil {
		r.log.Debug("no message handler for inbox %q, dropping frame", f.Inbox)
		return
	}

	defer func() {
		if p := recover(); p != nil {
			r.log.Error("message handler for inbox %q panicked: %v", f.Inbox, p)
		}
	}()
	h(c, f.Payload)
}

// DispatchRequest runs the handler for a request frame and returns the
// response frame carrying the same frame id. Handler errors, panics and
// unknown inboxes produce an error-marked response whose payload is the
// error text.
func (r *Router) DispatchRequest(f *wire.Frame, c *Conn) (resp *wire.Frame) {
	r.mu.RLock()
	h := r.requests[requestInbox(f.Inbox)]
	r.mu.RUnlock()

	if h == nil {
		r.log.Debug("no request handler for inbox %q", f.Inbox)
		return errorResponse(f, fmt.Errorf("%w %q", ErrNoHandler, f.Inbox))
	}

	defer func() {
		if p := recover(); p != nil {
			r.log.Error("request handler for inbox %q panicked: %v", f.Inbox, p)
			resp = errorResponse(f, fmt.Errorf("handler panic: %v", p))
		}
	}()

	payload, err := h(c, f.Payload)
	if err != nil {
		return errorResponse(f, err)
	}
	return wire.NewFrame(f.Inbox, f.FrameID, wire.KindResponse, payload)
}

func errorResponse(req *wire.Frame, err error) *wire.Frame {
	return wire.NewFrame(req.Inbox, req.FrameID, wire.KindResponse|wire.KindError, []byte(err.Error()))
}

// RouterBuilder assembles a router from an explicit registration list.
type RouterBuilder struct {
	codec serial.Codec
	log   *Logger
	regs  []Registration
}

// NewRouterBuilder starts a router description.
func NewRouterBuilder(codec serial.Codec, logger *Logger) *RouterBuilder {
	return &RouterBuilder{codec: codec, log: logger}
}

// Message adds a raw message handler.
func (b *RouterBuilder) Message(inbox string, h MessageHandler) *RouterBuilder {
	b.regs = append(b.regs, func(r *Router) { r.OnMessage(inbox, h) })
	return b
}

// Request adds a raw request handler.
func (b *RouterBuilder) Request(inbox string, h RequestHandler) *RouterBuilder {
	b.regs = append(b.regs, func(r *Router) { r.OnRequest(inbox, h) })
	return b
}

// With adds typed registrations built by MessageInbox and RequestInbox.
func (b *RouterBuilder) With(regs ...Registration) *RouterBuilder {
	b.regs = append(b.regs, regs...)
	return b
}

// Build creates the router.
func (b *RouterBuilder) Build() *Router {
	return NewRouter(b.codec, b.log).Register(b.regs...)
}
