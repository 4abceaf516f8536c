// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zmesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soheilhy/cmux"

	"github.com/destiny/zmesh/schedule"
)

// Listener accepts connections on a TCP endpoint. Every accepted peer gets
// a server-side Conn served by the listener's router. A server-side
// connection never reconnects: once broken it is disposed and forgotten.
type Listener struct {
	opts   Options
	log    *Logger
	router *Router

	root net.Listener
	ln   net.Listener
	mux  cmux.CMux
	http *http.Server

	status atomic.Int32
	done   chan struct{}
	once   sync.Once

	mu    sync.RWMutex
	conns map[string]*Conn

	sched    *schedule.Scheduler
	ownSched bool
	hbToken  schedule.Token

	evMu         sync.Mutex
	onConnect    []func(*Conn)
	onDisconnect []func(*Conn)

	accepted atomic.Uint64
}

// Listen binds endpoint ("host:port" or "tcp://host:port", port 0 picks a
// free port) and starts accepting.
func Listen(endpoint string, router *Router, opts ...Option) (*Listener, error) {
	addr, err := NormalizeEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	o := NewOptions(opts...)
	if router == nil {
		router = NewRouter(o.Codec, o.Logger)
	}

	root, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("zmesh: listen %s: %w", addr, err)
	}

	l := &Listener{
		opts:   o,
		log:    o.Logger,
		router: router,
		root:   root,
		ln:     root,
		done:   make(chan struct{}),
		conns:  make(map[string]*Conn),
	}

	if o.StatsHTTP {
		l.mux = cmux.New(root)
		httpL := l.mux.Match(cmux.HTTP1Fast())
		l.ln = l.mux.Match(cmux.Any())
		mux := http.NewServeMux()
		mux.HandleFunc("/stats", l.serveStats)
		l.http = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go l.http.Serve(httpL)
		go func() {
			if err := l.mux.Serve(); err != nil && !l.closed() {
				l.log.Error("listener %s: mux: %v", l.Endpoint(), err)
			}
		}()
	}

	l.sched = o.Scheduler
	if l.sched == nil {
		l.sched = schedule.New()
		l.sched.Errorf = l.log.Error
		l.ownSched = true
	}
	l.hbToken = l.sched.RemindEvery(o.HeartbeatPeriod, l.heartbeat)

	l.status.Store(int32(StatusWorking))
	go l.acceptLoop()

	l.log.Info("listening on %s", l.Endpoint())
	return l, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.root.Addr()
}

// Endpoint returns the bound address as "host:port".
func (l *Listener) Endpoint() string {
	return l.root.Addr().String()
}

// Status returns the listener state.
func (l *Listener) Status() Status {
	return Status(l.status.Load())
}

// Router returns the router serving accepted connections.
func (l *Listener) Router() *Router {
	return l.router
}

func (l *Listener) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// OnConnect registers fn to run for every accepted connection.
func (l *Listener) OnConnect(fn func(*Conn)) {
	l.evMu.Lock()
	l.onConnect = append(l.onConnect, fn)
	l.evMu.Unlock()
}

// OnDisconnect registers fn to run when an accepted connection goes away.
func (l *Listener) OnDisconnect(fn func(*Conn)) {
	l.evMu.Lock()
	l.onDisconnect = append(l.onDisconnect, fn)
	l.evMu.Unlock()
}

func (l *Listener) fire(c *Conn, connected bool) {
	l.evMu.Lock()
	fns := l.onDisconnect
	if connected {
		fns = l.onConnect
	}
	fns = append([]func(*Conn){}, fns...)
	l.evMu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if p := recover(); p != nil {
					l.log.Error("listener %s: event handler panicked: %v", l.Endpoint(), p)
				}
			}()
			fn(c)
		}()
	}
}

func (l *Listener) acceptLoop() {
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			if l.closed() {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			l.log.Error("listener %s: accept: %v", l.Endpoint(), err)
			l.status.CompareAndSwap(int32(StatusWorking), int32(StatusBroken))
			return
		}
		l.accept(nc)
	}
}

func (l *Listener) accept(nc net.Conn) {
	c := newConn(nc.RemoteAddr().String(), roleServer, l.router, l.opts)
	c.OnDisconnect(l.forget)

	l.mu.Lock()
	if l.closed() {
		l.mu.Unlock()
		nc.Close()
		return
	}
	l.conns[c.endpoint] = c
	c.mu.Lock()
	c.startSession(nc)
	c.mu.Unlock()
	l.mu.Unlock()

	go c.writeLoop()
	l.accepted.Add(1)
	l.log.Debug("listener %s: accepted %s", l.Endpoint(), c.endpoint)
	l.fire(c, true)
}

// forget drops a connection that left Working.
func (l *Listener) forget(c *Conn) {
	l.mu.Lock()
	if l.conns[c.endpoint] == c {
		delete(l.conns, c.endpoint)
	}
	l.mu.Unlock()

	c.Dispose()
	l.fire(c, false)
}

// Connections returns a snapshot of the live connections, ordered by
// remote address.
func (l *Listener) Connections() []*Conn {
	l.mu.RLock()
	conns := make([]*Conn, 0, len(l.conns))
	for _, c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.RUnlock()
	sort.Slice(conns, func(i, j int) bool { return conns[i].endpoint < conns[j].endpoint })
	return conns
}

// Broadcast sends a message to every live connection and returns how many
// accepted it.
func (l *Listener) Broadcast(ctx context.Context, inbox string, payload []byte) (int, error) {
	if l.closed() {
		return 0, ErrListenerClosed
	}
	n := 0
	for _, c := range l.Connections() {
		if err := c.Send(ctx, inbox, payload); err != nil {
			l.log.Debug("listener %s: broadcast to %s: %v", l.Endpoint(), c.endpoint, err)
			continue
		}
		n++
	}
	return n, nil
}

func (l *Listener) heartbeat() {
	period := l.opts.HeartbeatPeriod
	for _, c := range l.Connections() {
		c.correlator.TestForTimeouts()
		if idle := time.Since(c.lastReadTime()); idle > 2*period {
			c.markBroken(c.currentSession(), fmt.Errorf("no data received for %v", idle.Round(time.Millisecond)))
		}
	}
}

// Close stops accepting and disposes every live connection.
func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		l.mu.Lock()
		close(l.done)
		l.mu.Unlock()
		l.status.Store(int32(StatusDisposed))

		l.sched.Remove(l.hbToken)
		if l.ownSched {
			l.sched.Close()
		}
		if l.http != nil {
			l.http.Close()
		}
		err = l.root.Close()

		for _, c := range l.Connections() {
			c.Dispose()
		}
		l.log.Info("listener %s closed", l.Endpoint())
	})
	return err
}

// GetStats returns listener statistics.
func (l *Listener) GetStats() map[string]interface{} {
	conns := l.Connections()
	peers := make([]string, 0, len(conns))
	for _, c := range conns {
		peers = append(peers, c.endpoint)
	}
	messages, requests := l.router.Inboxes()
	return map[string]interface{}{
		"endpoint":        l.Endpoint(),
		"status":          l.Status().String(),
		"accepted":        l.accepted.Load(),
		"connections":     len(conns),
		"peers":           peers,
		"message_inboxes": messages,
		"request_inboxes": requests,
	}
}

func (l *Listener) serveStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(l.GetStats()); err != nil {
		l.log.Debug("listener %s: stats: %v", l.Endpoint(), err)
	}
}
