// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/destiny/zmesh"
	"github.com/destiny/zmesh/route"
	"github.com/destiny/zmesh/serial"
)

// maxFanout bounds the goroutines one broadcast uses.
const maxFanout = 64

type targetKind int

const (
	byKey targetKind = iota
	byType
	byGroup
)

// Target selects endpoints by service key, type or group.
type Target struct {
	kind targetKind
	name string
}

// ByKey targets the endpoints registered under a service key.
func ByKey(key string) Target { return Target{kind: byKey, name: key} }

// ByType targets the endpoints of a service type.
func ByType(typ string) Target { return Target{kind: byType, name: typ} }

// ByGroup targets the endpoints of a service group.
func ByGroup(group string) Target { return Target{kind: byGroup, name: group} }

func (t Target) String() string {
	switch t.kind {
	case byType:
		return fmt.Sprintf("type %q", t.name)
	case byGroup:
		return fmt.Sprintf("group %q", t.name)
	default:
		return fmt.Sprintf("key %q", t.name)
	}
}

func (t Target) contains(tbl *route.Table) bool {
	switch t.kind {
	case byType:
		return tbl.ContainsType(t.name)
	case byGroup:
		return tbl.ContainsGroup(t.name)
	default:
		return tbl.ContainsKey(t.name)
	}
}

func (t Target) all(tbl *route.Table) []string {
	switch t.kind {
	case byType:
		return tbl.GetAllByType(t.name)
	case byGroup:
		return tbl.GetAllByGroup(t.name)
	default:
		return tbl.GetAll(t.name)
	}
}

// table picks the manual table when it knows the target, else the
// discovered one.
func (x *Exchange) table(t Target) *route.Table {
	if t.contains(x.routes) {
		return x.routes
	}
	return x.discovered
}

// Candidates returns the distinct endpoints for key, starting at the
// round-robin cursor, and moves the cursor on by one.
func (x *Exchange) Candidates(key string) []string {
	return x.table(ByKey(key)).GetNext(key)
}

// Endpoints returns every endpoint matching t without moving any cursor.
func (x *Exchange) Endpoints(t Target) []string {
	return t.all(x.table(t))
}

// Conn returns the cached connection to endpoint.
func (x *Exchange) Conn(ctx context.Context, endpoint string) (*zmesh.Conn, error) {
	return x.cache.Get(ctx, endpoint)
}

// CallService runs fn against the endpoints serving key, one at a time,
// until one succeeds. Each distinct endpoint is tried at most once. A
// *zmesh.RemoteError is the service's own answer and is not retried
// elsewhere.
func (x *Exchange) CallService(ctx context.Context, key string, fn func(*zmesh.Conn) error) error {
	candidates := x.Candidates(key)
	if len(candidates) == 0 {
		return fmt.Errorf("%w for key %q", ErrNoRoute, key)
	}

	var errs []error
	for _, ep := range candidates {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		c, err := x.cache.Get(ctx, ep)
		if err == nil {
			err = fn(c)
		}
		if err == nil {
			return nil
		}
		var remote *zmesh.RemoteError
		if errors.As(err, &remote) {
			return err
		}
		x.log.Debug("exchange: %s via %s failed: %v", key, ep, err)
		errs = append(errs, fmt.Errorf("%s: %w", ep, err))
	}
	return fmt.Errorf("exchange: every endpoint for key %q failed: %w", key, errors.Join(errs...))
}

// Send delivers a message to one endpoint serving key. Connections copy
// payload before queueing it, so the caller keeps ownership.
func (x *Exchange) Send(ctx context.Context, key, inbox string, payload []byte) error {
	return x.CallService(ctx, key, func(c *zmesh.Conn) error {
		return c.Send(ctx, inbox, payload)
	})
}

// Request sends a request to one endpoint serving key and returns its
// response.
func (x *Exchange) Request(ctx context.Context, key, inbox string, payload []byte) ([]byte, error) {
	var resp []byte
	err := x.CallService(ctx, key, func(c *zmesh.Conn) error {
		var err error
		resp, err = c.Request(ctx, inbox, payload)
		return err
	})
	return resp, err
}

// SendTyped encodes msg and delivers it to one endpoint serving key.
func SendTyped[T any](ctx context.Context, x *Exchange, key, inbox string, msg T) error {
	payload, err := serial.Serialize(x.Codec(), msg)
	if err != nil {
		return err
	}
	return x.Send(ctx, key, inbox, payload)
}

// RequestTyped sends req to one endpoint serving key and decodes the
// response.
func RequestTyped[Req, Resp any](ctx context.Context, x *Exchange, key, inbox string, req Req) (Resp, error) {
	var zero Resp
	payload, err := serial.Serialize(x.Codec(), req)
	if err != nil {
		return zero, err
	}
	raw, err := x.Request(ctx, key, inbox, payload)
	if err != nil {
		return zero, err
	}
	return serial.Deserialize[Resp](x.Codec(), raw)
}

// Reply is one endpoint's answer to a broadcast request.
type Reply struct {
	Endpoint string
	Payload  []byte
	Err      error
}

// Broadcast sends a message to every endpoint matching t concurrently and
// returns how many accepted it. payload is only read, never retained.
func (x *Exchange) Broadcast(ctx context.Context, t Target, inbox string, payload []byte) (int, error) {
	endpoints := x.Endpoints(t)
	if len(endpoints) == 0 {
		return 0, fmt.Errorf("%w for %v", ErrNoRoute, t)
	}

	var (
		mu        sync.Mutex
		delivered int
		g         errgroup.Group
	)
	g.SetLimit(maxFanout)
	for _, ep := range endpoints {
		ep := ep
		g.Go(func() error {
			c, err := x.cache.Get(ctx, ep)
			if err == nil {
				err = c.Send(ctx, inbox, payload)
			}
			if err != nil {
				x.log.Debug("exchange: broadcast to %s: %v", ep, err)
				return nil
			}
			mu.Lock()
			delivered++
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return delivered, nil
}

// SendBroadcast sends to every endpoint registered under key.
func (x *Exchange) SendBroadcast(ctx context.Context, key, inbox string, payload []byte) (int, error) {
	return x.Broadcast(ctx, ByKey(key), inbox, payload)
}

// SendBroadcastByType sends to every endpoint of service type typ.
func (x *Exchange) SendBroadcastByType(ctx context.Context, typ, inbox string, payload []byte) (int, error) {
	return x.Broadcast(ctx, ByType(typ), inbox, payload)
}

// SendBroadcastByGroup sends to every endpoint in group.
func (x *Exchange) SendBroadcastByGroup(ctx context.Context, group, inbox string, payload []byte) (int, error) {
	return x.Broadcast(ctx, ByGroup(group), inbox, payload)
}

// Gather sends a request to every endpoint matching t and waits for all
// of them, but never longer than the request timeout. Endpoints that did
// not answer in time are reported with an error; the replies keep the
// endpoint order.
func (x *Exchange) Gather(ctx context.Context, t Target, inbox string, payload []byte) ([]Reply, error) {
	endpoints := x.Endpoints(t)
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("%w for %v", ErrNoRoute, t)
	}

	ctx, cancel := context.WithTimeout(ctx, x.opts.RequestTimeout)
	defer cancel()

	replies := make([]Reply, len(endpoints))
	var g errgroup.Group
	g.SetLimit(maxFanout)
	for i, ep := range endpoints {
		i, ep := i, ep
		replies[i].Endpoint = ep
		g.Go(func() error {
			c, err := x.cache.Get(ctx, ep)
			if err == nil {
				replies[i].Payload, err = c.Request(ctx, inbox, payload)
			}
			replies[i].Err = err
			return nil
		})
	}
	g.Wait()
	return replies, nil
}

// RequestBroadcast gathers replies from every endpoint under key.
func (x *Exchange) RequestBroadcast(ctx context.Context, key, inbox string, payload []byte) ([]Reply, error) {
	return x.Gather(ctx, ByKey(key), inbox, payload)
}

// RequestBroadcastByType gathers replies from every endpoint of type typ.
func (x *Exchange) RequestBroadcastByType(ctx context.Context, typ, inbox string, payload []byte) ([]Reply, error) {
	return x.Gather(ctx, ByType(typ), inbox, payload)
}

// RequestBroadcastByGroup gathers replies from every endpoint in group.
func (x *Exchange) RequestBroadcastByGroup(ctx context.Context, group, inbox string, payload []byte) ([]Reply, error) {
	return x.Gather(ctx, ByGroup(group), inbox, payload)
}

// GatherTyped is Gather with typed request and responses. Failed or
// undecodable replies are left out.
func GatherTyped[Req, Resp any](ctx context.Context, x *Exchange, t Target, inbox string, req Req) ([]Resp, error) {
	payload, err := serial.Serialize(x.Codec(), req)
	if err != nil {
		return nil, err
	}
	replies, err := x.Gather(ctx, t, inbox, payload)
	if err != nil {
		return nil, err
	}
	out := make([]Resp, 0, len(replies))
	for _, r := range replies {
		if r.Err != nil {
			continue
		}
		resp, err := serial.Deserialize[Resp](x.Codec(), r.Payload)
		if err != nil {
			x.log.Debug("exchange: reply from %s: %v", r.Endpoint, err)
			continue
		}
		out = append(out, resp)
	}
	return out, nil
}
