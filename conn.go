// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zmesh

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/destiny/zmesh/schedule"
	"github.com/destiny/zmesh/serial"
	"github.com/destiny/zmesh/wire"
)

// Status is the lifecycle state of a connection or listener.
type Status int32

const (
	StatusInitialized Status = iota
	StatusWorking
	StatusBroken
	StatusDisposed
)

func (s Status) String() string {
	switch s {
	case StatusInitialized:
		return "Initialized"
	case StatusWorking:
		return "Working"
	case StatusBroken:
		return "Broken"
	case StatusDisposed:
		return "Disposed"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

type role int

const (
	roleClient role = iota
	roleServer
)

func (r role) String() string {
	if r == roleServer {
		return "server"
	}
	return "client"
}

const readBufferSize = 64 << 10

// session is one underlying socket. A reconnect replaces the session, so a
// reader still draining the old socket cannot break the new one.
type session struct {
	nc net.Conn
}

// Conn is a framed, bidirectional connection to one peer.
//
// Outgoing frames go through a bounded queue drained by a single writer
// goroutine; a full queue blocks senders. Incoming frames are decoded by a
// reader goroutine and dispatched inline, so handlers for one connection
// run one at a time in arrival order. A handler must not block on a
// request sent over the same connection.
type Conn struct {
	endpoint string
	role     role
	opts     Options
	log      *Logger

	router     *Router
	correlator *Correlator
	status     atomic.Int32

	// mu serializes reconnection and guards the current session.
	mu       sync.Mutex
	sess     *session
	nextDial time.Time
	backoff  time.Duration

	sendq  chan *wire.Frame
	nextID atomic.Int32

	lastRead  atomic.Int64
	lastWrite atomic.Int64

	done        chan struct{}
	disposeOnce sync.Once

	sched   *schedule.Scheduler
	hbToken schedule.Token
	hbSet   bool

	evMu         sync.Mutex
	onConnect    []func(*Conn)
	onDisconnect []func(*Conn)

	framesSent atomic.Uint64
	framesRecv atomic.Uint64
	bytesSent  atomic.Uint64
	bytesRecv  atomic.Uint64
	reconnects atomic.Uint64
	dropped    atomic.Uint64
}

func newConn(endpoint string, r role, router *Router, opts Options) *Conn {
	if router == nil {
		router = NewRouter(opts.Codec, opts.Logger)
	}
	return &Conn{
		endpoint:   endpoint,
		role:       r,
		opts:       opts,
		log:        opts.Logger,
		router:     router,
		correlator: NewCorrelator(opts.RequestTimeout),
		sendq:      make(chan *wire.Frame, opts.SendQueueSize),
		done:       make(chan struct{}),
	}
}

// Endpoint returns the peer address. For a client this is the dialed
// endpoint, for a server-side connection the remote address.
func (c *Conn) Endpoint() string {
	return c.endpoint
}

// IsServer reports whether c was accepted by a Listener.
func (c *Conn) IsServer() bool {
	return c.role == roleServer
}

// Status returns the current state.
func (c *Conn) Status() Status {
	return Status(c.status.Load())
}

// Router returns the router dispatching incoming frames.
func (c *Conn) Router() *Router {
	return c.router
}

// Codec returns the codec used by the typed helpers.
func (c *Conn) Codec() serial.Codec {
	return c.opts.Codec
}

// LastActivity returns the time of the most recent read or write.
func (c *Conn) LastActivity() time.Time {
	r, w := c.lastRead.Load(), c.lastWrite.Load()
	if w > r {
		r = w
	}
	return time.Unix(0, r)
}

func (c *Conn) lastReadTime() time.Time {
	return time.Unix(0, c.lastRead.Load())
}

// OnConnect registers fn to run every time the connection reaches Working.
func (c *Conn) OnConnect(fn func(*Conn)) {
	c.evMu.Lock()
	c.onConnect = append(c.onConnect, fn)
	c.evMu.Unlock()
}

// OnDisconnect registers fn to run every time the connection leaves
// Working, including on disposal.
func (c *Conn) OnDisconnect(fn func(*Conn)) {
	c.evMu.Lock()
	c.onDisconnect = append(c.onDisconnect, fn)
	c.evMu.Unlock()
}

func (c *Conn) fire(connected bool) {
	c.evMu.Lock()
	fns := c.onDisconnect
	if connected {
		fns = c.onConnect
	}
	fns = append([]func(*Conn){}, fns...)
	c.evMu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if p := recover(); p != nil {
					c.log.Error("%s: event handler panicked: %v", c.endpoint, p)
				}
			}()
			fn(c)
		}()
	}
}

// startSession installs nc as the current socket. c.mu must be held.
func (c *Conn) startSession(nc net.Conn) {
	s := &session{nc: nc}
	c.sess = s
	now := time.Now().UnixNano()
	c.lastRead.Store(now)
	c.lastWrite.Store(now)
	c.status.Store(int32(StatusWorking))
	go c.readLoop(s)
}

func (c *Conn) currentSession() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// markBroken closes s and moves the connection to Broken if s is still the
// current session.
func (c *Conn) markBroken(s *session, cause error) {
	if s == nil {
		return
	}
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	s.nc.Close()
	wasWorking := c.status.CompareAndSwap(int32(StatusWorking), int32(StatusBroken))
	c.mu.Unlock()

	if wasWorking {
		c.log.Warn("%s %s connection broken: %v", c.role, c.endpoint, cause)
		c.fire(false)
	}
}

// ready makes sure a frame can be queued: a client reconnects if needed, a
// broken server-side connection fails fast.
func (c *Conn) ready() error {
	switch c.Status() {
	case StatusWorking:
		return nil
	case StatusDisposed:
		return ErrDisposed
	}
	if c.role == roleServer {
		return &ConnError{Endpoint: c.endpoint, Op: "send", Err: ErrBroken}
	}
	return c.EnsureConnection()
}

func (c *Conn) enqueue(ctx context.Context, f *wire.Frame) error {
	select {
	case <-c.done:
		return ErrDisposed
	default:
	}
	select {
	case c.sendq <- f:
		return nil
	case <-c.done:
		return ErrDisposed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tryEnqueue queues f unless the queue is full.
func (c *Conn) tryEnqueue(f *wire.Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.sendq <- f:
		return true
	default:
		return false
	}
}

func (c *Conn) nextFrameID() int32 {
	return c.nextID.Add(1)
}

// newOutgoing builds a frame around a private copy of payload, so the
// caller may reuse its buffer as soon as Send or Request returns.
func (c *Conn) newOutgoing(op, inbox string, id int32, kind wire.FrameKind, payload []byte) (*wire.Frame, error) {
	var own []byte
	if len(payload) > 0 {
		own = append(make([]byte, 0, len(payload)), payload...)
	}
	f := wire.NewFrame(inbox, id, kind, own)
	if err := c.checkSize(f); err != nil {
		f.Release()
		return nil, &ConnError{Endpoint: c.endpoint, Op: op, Err: err}
	}
	return f, nil
}

// checkSize rejects frames the peer's parser would refuse. The limit
// covers the whole serialized frame, which is the packet body.
func (c *Conn) checkSize(f *wire.Frame) error {
	if n := wire.FrameSize(f); n > c.opts.MaxFramePayload {
		return fmt.Errorf("%w: %d > %d bytes", wire.ErrFrameTooLarge, n, c.opts.MaxFramePayload)
	}
	return nil
}

// Send queues a fire-and-forget frame for inbox. An empty inbox targets
// the peer's default message inbox. Send blocks while the send queue is
// full, until ctx is done. The payload is copied; frames larger than
// MaxFramePayload fail with wire.ErrFrameTooLarge.
func (c *Conn) Send(ctx context.Context, inbox string, payload []byte) error {
	if err := c.ready(); err != nil {
		return err
	}
	f, err := c.newOutgoing("send", messageInbox(inbox), 0, wire.KindMessage, payload)
	if err != nil {
		return err
	}
	if err := c.enqueue(ctx, f); err != nil {
		f.Release()
		return err
	}
	return nil
}

// SendKeepAlive queues a keepalive frame without blocking.
func (c *Conn) SendKeepAlive() bool {
	f := wire.NewFrame("", 0, wire.KindKeepAlive, nil)
	if !c.tryEnqueue(f) {
		f.Release()
		return false
	}
	return true
}

// RequestAsync queues a request for inbox. Exactly one of onSuccess and
// onFailure runs later, on the read goroutine, the heartbeat or the
// disposing goroutine. If RequestAsync returns an error, neither runs.
// The payload is copied before RequestAsync returns.
func (c *Conn) RequestAsync(ctx context.Context, inbox string, payload []byte, onSuccess func([]byte), onFailure func(error)) error {
	_, err := c.requestAsync(ctx, inbox, payload, onSuccess, onFailure)
	return err
}

func (c *Conn) requestAsync(ctx context.Context, inbox string, payload []byte, onSuccess func([]byte), onFailure func(error)) (int32, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}
	id := c.nextFrameID()
	f, err := c.newOutgoing("request", requestInbox(inbox), id, wire.KindRequest, payload)
	if err != nil {
		return 0, err
	}
	if err := c.correlator.RegisterForFrame(id, onSuccess, onFailure); err != nil {
		f.Release()
		return 0, err
	}
	if err := c.enqueue(ctx, f); err != nil {
		c.correlator.Forget(id)
		f.Release()
		return 0, err
	}
	// Dispose may have swept the correlator between registration and enqueue.
	if c.Status() == StatusDisposed {
		c.correlator.Fail(id, ErrDisposed)
	}
	return id, nil
}

type result struct {
	payload []byte
	err     error
}

// Request sends a request to inbox and waits for the response, the request
// timeout or ctx, whichever comes first. The payload is copied.
func (c *Conn) Request(ctx context.Context, inbox string, payload []byte) ([]byte, error) {
	ch := make(chan result, 1)
	id, err := c.requestAsync(ctx, inbox, payload,
		func(p []byte) { ch <- result{payload: p} },
		func(err error) { ch <- result{err: err} },
	)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.payload, r.err
	case <-timer.C:
		if c.correlator.Forget(id) {
			return nil, &ConnError{Endpoint: c.endpoint, Op: "request", Err: ErrRequestTimeout}
		}
	case <-ctx.Done():
		if c.correlator.Forget(id) {
			return nil, ctx.Err()
		}
	}
	// Resolved concurrently with the timer or ctx.
	r := <-ch
	return r.payload, r.err
}

// Ping round-trips an empty request through the peer's ping inbox.
func (c *Conn) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := c.Request(ctx, PingInbox, nil); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// SendTyped encodes msg with the connection codec and sends it to inbox.
func SendTyped[T any](ctx context.Context, c *Conn, inbox string, msg T) error {
	payload, err := serial.Serialize(c.opts.Codec, msg)
	if err != nil {
		return err
	}
	return c.Send(ctx, inbox, payload)
}

// RequestTyped sends req to inbox and decodes the response.
func RequestTyped[Req, Resp any](ctx context.Context, c *Conn, inbox string, req Req) (Resp, error) {
	var zero Resp
	payload, err := serial.Serialize(c.opts.Codec, req)
	if err != nil {
		return zero, err
	}
	raw, err := c.Request(ctx, inbox, payload)
	if err != nil {
		return zero, err
	}
	return serial.Deserialize[Resp](c.opts.Codec, raw)
}

func (c *Conn) writeLoop() {
	var buf []byte
	for {
		select {
		case <-c.done:
			return
		case f := <-c.sendq:
			buf = c.writeFrame(buf[:0], f)
		}
	}
}

func (c *Conn) writeFrame(buf []byte, f *wire.Frame) []byte {
	defer f.Release()

	s := c.currentSession()
	if s == nil && c.role == roleClient && c.Status() != StatusDisposed {
		if err := c.EnsureConnection(); err == nil {
			s = c.currentSession()
		}
	}
	if s == nil {
		// Requests stay pending and fail through the timeout sweep.
		c.dropped.Add(1)
		c.log.Debug("%s: no socket, dropping %v", c.endpoint, f)
		return buf
	}

	if f.IsRequest() {
		c.correlator.StartSend(f.FrameID)
	}
	buf = wire.PackFrame(buf, f)

	s.nc.SetWriteDeadline(time.Now().Add(c.opts.HeartbeatPeriod))
	n, err := s.nc.Write(buf)
	c.bytesSent.Add(uint64(n))
	if err != nil {
		c.dropped.Add(1)
		c.markBroken(s, fmt.Errorf("write: %w", err))
		return buf
	}
	c.framesSent.Add(1)
	c.lastWrite.Store(time.Now().UnixNano())
	return buf
}

func (c *Conn) readLoop(s *session) {
	parser := wire.NewParser(c.opts.MaxFramePayload)
	parser.OnDrop = func(err error) {
		c.log.Log(LogLevelDebug, c.endpoint+": discarding packet", err)
	}
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.nc.Read(buf)
		if n > 0 {
			c.lastRead.Store(time.Now().UnixNano())
			c.bytesRecv.Add(uint64(n))
			parser.Push(buf[:n], c.handleFrame)
		}
		if err != nil {
			c.markBroken(s, fmt.Errorf("read: %w", err))
			return
		}
	}
}

func (c *Conn) handleFrame(f *wire.Frame) {
	c.framesRecv.Add(1)
	switch {
	case f.IsKeepAlive():
		c.log.Trace("%s: keepalive", c.endpoint)

	case f.IsResponse():
		var ok bool
		if f.IsError() {
			ok = c.correlator.Fail(f.FrameID, &RemoteError{Inbox: f.Inbox, Message: string(f.Payload)})
		} else {
			ok = c.correlator.Success(f.FrameID, f.Payload)
		}
		if !ok {
			c.log.Debug("%s: response for unknown frame %d", c.endpoint, f.FrameID)
		}

	case f.IsRequest():
		resp := c.router.DispatchRequest(f, c)
		if err := c.checkSize(resp); err != nil {
			c.log.Warn("%s: response for inbox %q: %v", c.endpoint, f.Inbox, err)
			resp.Release()
			resp = errorResponse(f, err)
		}
		if err := c.enqueue(context.Background(), resp); err != nil {
			resp.Release()
		}

	default:
		c.router.DispatchMessage(f, c)
	}
	f.Release()
}

// Dispose shuts the connection down for good. Queued frames are discarded
// and pending requests fail with ErrDisposed. It is safe to call more than
// once and from event handlers.
func (c *Conn) Dispose() {
	fired := false
	c.disposeOnce.Do(func() {
		prev := Status(c.status.Swap(int32(StatusDisposed)))
		close(c.done)
		if c.hbSet {
			c.sched.Remove(c.hbToken)
		}

	drain:
		for {
			select {
			case f := <-c.sendq:
				f.Release()
			default:
				break drain
			}
		}
		n := c.correlator.FailAll(&ConnError{Endpoint: c.endpoint, Op: "request", Err: ErrDisposed})

		c.mu.Lock()
		s := c.sess
		c.sess = nil
		c.mu.Unlock()
		if s != nil {
			s.nc.Close()
		}

		c.log.Debug("%s %s disposed, %d pending requests failed", c.role, c.endpoint, n)
		fired = prev == StatusWorking
	})
	if fired {
		c.fire(false)
	}
}

// Close disposes the connection. It implements io.Closer.
func (c *Conn) Close() error {
	c.Dispose()
	return nil
}

// Done is closed once the connection is disposed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// GetStats returns connection statistics.
func (c *Conn) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"endpoint":         c.endpoint,
		"role":             c.role.String(),
		"status":           c.Status().String(),
		"frames_sent":      c.framesSent.Load(),
		"frames_received":  c.framesRecv.Load(),
		"bytes_sent":       c.bytesSent.Load(),
		"bytes_received":   c.bytesRecv.Load(),
		"frames_dropped":   c.dropped.Load(),
		"reconnects":       c.reconnects.Load(),
		"pending_requests": c.correlator.Pending(),
		"timed_out":        c.correlator.TimedOut(),
		"queued":           len(c.sendq),
		"last_activity":    c.LastActivity(),
	}
}
