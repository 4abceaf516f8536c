// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zmesh

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ConnCache keeps one client connection per endpoint. Concurrent Gets for
// an endpoint that is not connected yet share a single dial.
type ConnCache struct {
	router *Router
	opts   []Option
	log    *Logger

	group singleflight.Group

	mu     sync.RWMutex
	conns  map[string]*Conn
	closed bool
}

// NewConnCache creates a cache whose connections are served by router.
func NewConnCache(router *Router, opts ...Option) *ConnCache {
	o := NewOptions(opts...)
	return &ConnCache{
		router: router,
		opts:   opts,
		log:    o.Logger,
		conns:  make(map[string]*Conn),
	}
}

func (cc *ConnCache) lookup(key string) *Conn {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	c := cc.conns[key]
	if c == nil || c.Status() == StatusDisposed {
		return nil
	}
	return c
}

// Get returns the connection to endpoint, dialing it if needed. A cached
// connection may be Broken; sending on it attempts a reconnect.
func (cc *ConnCache) Get(ctx context.Context, endpoint string) (*Conn, error) {
	key, err := NormalizeEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	if c := cc.lookup(key); c != nil {
		return c, nil
	}

	v, err, _ := cc.group.Do(key, func() (interface{}, error) {
		if c := cc.lookup(key); c != nil {
			return c, nil
		}
		c, err := Dial(ctx, key, cc.router, cc.opts...)
		if err != nil {
			return nil, err
		}

		cc.mu.Lock()
		defer cc.mu.Unlock()
		if cc.closed {
			c.Dispose()
			return nil, ErrDisposed
		}
		if old := cc.conns[key]; old != nil {
			old.Dispose()
		}
		cc.conns[key] = c
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Conn), nil
}

// Remove disposes and forgets the connection to endpoint.
func (cc *ConnCache) Remove(endpoint string) {
	key, err := NormalizeEndpoint(endpoint)
	if err != nil {
		return
	}
	cc.mu.Lock()
	c := cc.conns[key]
	delete(cc.conns, key)
	cc.mu.Unlock()
	if c != nil {
		c.Dispose()
	}
}

// Endpoints returns the cached endpoints, sorted.
func (cc *ConnCache) Endpoints() []string {
	cc.mu.RLock()
	eps := make([]string, 0, len(cc.conns))
	for ep := range cc.conns {
		eps = append(eps, ep)
	}
	cc.mu.RUnlock()
	sort.Strings(eps)
	return eps
}

// Len returns the number of cached connections.
func (cc *ConnCache) Len() int {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return len(cc.conns)
}

// Close disposes every cached connection. Later Gets fail.
func (cc *ConnCache) Close() {
	cc.mu.Lock()
	cc.closed = true
	conns := cc.conns
	cc.conns = make(map[string]*Conn)
	cc.mu.Unlock()

	for _, c := range conns {
		c.Dispose()
	}
	cc.log.Debug("connection cache closed, %d connections disposed", len(conns))
}
