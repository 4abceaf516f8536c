// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zmesh

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/destiny/zmesh/schedule"
)

// Dial connects to endpoint and returns a client connection that
// reconnects on its own. Incoming requests from the peer are served by
// router, which may be nil.
//
// The first connect is attempted once, bounded by ctx and the dial
// timeout. Later reconnects happen on send and on every heartbeat.
func Dial(ctx context.Context, endpoint string, router *Router, opts ...Option) (*Conn, error) {
	addr, err := NormalizeEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	o := NewOptions(opts...)
	c := newConn(addr, roleClient, router, o)

	// The heartbeat is registered before the read goroutine exists, so
	// Dispose from a handler sees it. It idles until the first connect.
	c.sched = o.Scheduler
	if c.sched == nil {
		c.sched = schedule.New()
		c.sched.Errorf = c.log.Error
	}
	c.hbToken = c.sched.RemindEvery(o.HeartbeatPeriod, c.heartbeat)
	c.hbSet = true

	if err := c.connect(ctx); err != nil {
		c.sched.Remove(c.hbToken)
		return nil, &ConnError{Endpoint: addr, Op: "dial", Err: err}
	}

	go c.writeLoop()

	c.log.Debug("client connected to %s", addr)
	c.fire(true)
	return c, nil
}

func (c *Conn) dial(ctx context.Context) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()
	var d net.Dialer
	return d.DialContext(ctx, "tcp", c.endpoint)
}

// connect performs the initial dial.
func (c *Conn) connect(ctx context.Context) error {
	nc, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.startSession(nc)
	c.mu.Unlock()
	return nil
}

// EnsureConnection reconnects a broken client connection. Attempts are
// serialized, and after a failed attempt further ones are refused until
// the backoff delay, doubled per failure, has elapsed.
func (c *Conn) EnsureConnection() error {
	connected, err := c.ensureConnection()
	if connected {
		c.reconnects.Add(1)
		c.log.Info("reconnected to %s", c.endpoint)
		c.fire(true)
	}
	return err
}

func (c *Conn) ensureConnection() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.Status() {
	case StatusWorking:
		return false, nil
	case StatusDisposed:
		return false, ErrDisposed
	}
	if c.role == roleServer {
		return false, &ConnError{Endpoint: c.endpoint, Op: "reconnect", Err: ErrBroken}
	}

	now := time.Now()
	if now.Before(c.nextDial) {
		return false, &ConnError{
			Endpoint: c.endpoint,
			Op:       "reconnect",
			Err:      fmt.Errorf("%w, next attempt in %v", ErrBroken, c.nextDial.Sub(now).Round(time.Millisecond)),
		}
	}

	nc, err := c.dial(context.Background())
	if err != nil {
		switch {
		case c.backoff == 0:
			c.backoff = c.opts.ReconnectBackoff
		case c.backoff < c.opts.MaxReconnectBackoff:
			c.backoff *= 2
			if c.backoff > c.opts.MaxReconnectBackoff {
				c.backoff = c.opts.MaxReconnectBackoff
			}
		}
		c.nextDial = time.Now().Add(c.backoff)
		return false, &ConnError{Endpoint: c.endpoint, Op: "reconnect", Err: err}
	}
	if c.Status() == StatusDisposed {
		nc.Close()
		return false, ErrDisposed
	}

	c.backoff = 0
	c.nextDial = time.Time{}
	c.startSession(nc)
	return true, nil
}

// heartbeat runs every heartbeat period for client connections.
func (c *Conn) heartbeat() {
	c.correlator.TestForTimeouts()

	switch c.Status() {
	case StatusInitialized, StatusDisposed:
		return
	case StatusWorking:
	default:
		if err := c.EnsureConnection(); err != nil {
			c.log.Debug("heartbeat: %v", err)
		}
		return
	}

	period := c.opts.HeartbeatPeriod
	if idle := time.Since(c.lastReadTime()); idle > 2*period {
		c.markBroken(c.currentSession(), fmt.Errorf("no data received for %v", idle.Round(time.Millisecond)))
		return
	}

	if time.Since(c.LastActivity()) >= period {
		c.SendKeepAlive()
	}
	// The ping response keeps the read side fresh even when the peer has
	// nothing to say.
	if time.Since(c.lastReadTime()) >= period {
		ctx, cancel := context.WithTimeout(context.Background(), period/4)
		defer cancel()
		err := c.RequestAsync(ctx, PingInbox, nil, nil, func(err error) {
			c.log.Debug("%s: ping failed: %v", c.endpoint, err)
		})
		if err != nil {
			c.log.Debug("%s: ping: %v", c.endpoint, err)
		}
	}
}
