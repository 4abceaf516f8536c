// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package exchange is the node-level API of zmesh: it hosts services,
// keeps manual and discovered routes, and sends messages and requests to
// services by key, type or group.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/destiny/zmesh"
	"github.com/destiny/zmesh/discovery"
	"github.com/destiny/zmesh/route"
	"github.com/destiny/zmesh/schedule"
	"github.com/destiny/zmesh/serial"
)

// DefaultRefreshPeriod is how often discovered routes are pulled.
const DefaultRefreshPeriod = 15 * time.Second

// ErrNoRoute is returned when no endpoint serves the requested target.
var ErrNoRoute = errors.New("exchange: no route")

var errClosed = errors.New("exchange: closed")

// Exchange ties a router, a connection cache and two route tables
// together. Manual routes always win over discovered ones.
type Exchange struct {
	opts     zmesh.Options
	connOpts []zmesh.Option
	log      *zmesh.Logger
	nodeID   string

	router     *zmesh.Router
	sched      *schedule.Scheduler
	ownSched   bool
	cache      *zmesh.ConnCache
	routes     *route.Table
	discovered *route.Table

	refreshPeriod time.Duration

	// ctx bounds background discovery rounds; Close cancels it and waits
	// for the rounds in wg.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	listeners []*zmesh.Listener
	services  []discovery.ServiceEndpointInfo
	disco     *discovery.Client
	files     []*discovery.FileSource
	jobs      []schedule.Token
	closed    bool
}

// New creates an exchange. opts apply to every listener and connection it
// creates.
func New(opts ...zmesh.Option) *Exchange {
	o := zmesh.NewOptions(opts...)
	x := &Exchange{
		opts:          o,
		log:           o.Logger,
		nodeID:        discovery.NewNodeID(),
		routes:        route.NewTable(),
		discovered:    route.NewTable(),
		refreshPeriod: DefaultRefreshPeriod,
	}
	x.ctx, x.cancel = context.WithCancel(context.Background())

	x.sched = o.Scheduler
	if x.sched == nil {
		x.sched = schedule.New()
		x.sched.Errorf = x.log.Error
		x.ownSched = true
	}
	x.connOpts = append(append([]zmesh.Option{}, opts...), zmesh.WithScheduler(x.sched))

	x.router = zmesh.NewRouter(o.Codec, o.Logger)
	x.cache = zmesh.NewConnCache(x.router, x.connOpts...)
	return x
}

// NodeID returns the identity announced to discovery.
func (x *Exchange) NodeID() string { return x.nodeID }

// SetNodeID overrides the generated node identity.
func (x *Exchange) SetNodeID(id string) {
	if id != "" {
		x.nodeID = id
	}
}

// SetRefreshPeriod changes the discovery refresh period for later
// UseDiscovery calls.
func (x *Exchange) SetRefreshPeriod(d time.Duration) {
	if d > 0 {
		x.refreshPeriod = d
	}
}

// Router returns the router shared by hosted listeners and outgoing
// connections.
func (x *Exchange) Router() *zmesh.Router { return x.router }

// Codec returns the payload codec.
func (x *Exchange) Codec() serial.Codec { return x.opts.Codec }

// Routes returns the manual route table.
func (x *Exchange) Routes() *route.Table { return x.routes }

// Discovered returns the route table filled from discovery.
func (x *Exchange) Discovered() *route.Table { return x.discovered }

// Conns returns the connection cache.
func (x *Exchange) Conns() *zmesh.ConnCache { return x.cache }

// Host listens on endpoint and publishes services through discovery.
// Services without an endpoint are published with the bound address.
func (x *Exchange) Host(endpoint string, services ...discovery.ServiceEndpointInfo) (*zmesh.Listener, error) {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return nil, errClosed
	}
	x.mu.Unlock()

	for _, info := range services {
		if info.Endpoint == "" {
			info.Endpoint = endpoint
		}
		if err := info.Validate(); err != nil {
			return nil, err
		}
	}

	l, err := zmesh.Listen(endpoint, x.router, x.connOpts...)
	if err != nil {
		return nil, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		l.Close()
		return nil, errClosed
	}
	x.listeners = append(x.listeners, l)
	for _, info := range services {
		if info.Endpoint == "" {
			info.Endpoint = l.Endpoint()
		}
		info.NodeID = x.nodeID
		x.services = append(x.services, info)
	}
	return l, nil
}

// Services returns the services published by this node.
func (x *Exchange) Services() []discovery.ServiceEndpointInfo {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]discovery.ServiceEndpointInfo(nil), x.services...)
}

// UseDiscovery publishes hosted services to the discovery node at
// endpoint every heartbeat period and refreshes discovered routes every
// refresh period. The first round runs right away in the background.
func (x *Exchange) UseDiscovery(endpoint string) error {
	ep, err := zmesh.NormalizeEndpoint(endpoint)
	if err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return errClosed
	}
	if x.disco != nil {
		return fmt.Errorf("exchange: discovery already set to %s", x.disco.Endpoint())
	}
	x.disco = discovery.NewClient(ep, x.nodeID, x.cache)
	x.jobs = append(x.jobs,
		x.sched.RemindEvery(x.opts.HeartbeatPeriod, x.publishJob),
		x.sched.RemindEvery(x.refreshPeriod, x.refreshJob),
	)
	x.wg.Add(1)
	go func() {
		defer x.wg.Done()
		x.publishJob()
		x.refreshJob()
	}()
	return nil
}

// UseRoutesFile loads static routes from a YAML file into the manual
// table and follows changes to it. The file then owns the manual table.
func (x *Exchange) UseRoutesFile(path string) error {
	fs, err := discovery.NewFileSource(path, x.routes, x.log)
	if err != nil {
		return err
	}
	if err := fs.Watch(); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		fs.Close()
		return errClosed
	}
	x.files = append(x.files, fs)
	return nil
}

func (x *Exchange) discoveryClient() *discovery.Client {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.disco
}

func (x *Exchange) jobContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(x.ctx, x.opts.RequestTimeout)
}

func (x *Exchange) publishJob() {
	ctx, cancel := x.jobContext()
	defer cancel()
	if err := x.Publish(ctx); err != nil {
		x.log.Warn("exchange: publish: %v", err)
	}
}

func (x *Exchange) refreshJob() {
	ctx, cancel := x.jobContext()
	defer cancel()
	if err := x.Refresh(ctx); err != nil {
		x.log.Warn("exchange: refresh: %v", err)
	}
}

// Publish announces the hosted services to discovery now.
func (x *Exchange) Publish(ctx context.Context) error {
	dc := x.discoveryClient()
	services := x.Services()
	if dc == nil || len(services) == 0 {
		return nil
	}
	return dc.Register(ctx, services...)
}

// Refresh replaces the discovered routes with the discovery node's view.
func (x *Exchange) Refresh(ctx context.Context) error {
	dc := x.discoveryClient()
	if dc == nil {
		return nil
	}
	infos, err := dc.Services(ctx)
	if err != nil {
		return err
	}
	x.discovered.Replace(discovery.Entries(infos))
	x.log.Debug("exchange: %d discovered routes", len(infos))
	return nil
}

// Close stops background jobs, closes hosted listeners and disposes every
// outgoing connection.
func (x *Exchange) Close() error {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return nil
	}
	x.closed = true
	jobs, listeners, files := x.jobs, x.listeners, x.files
	x.jobs, x.listeners, x.files = nil, nil, nil
	x.mu.Unlock()

	for _, tok := range jobs {
		x.sched.Remove(tok)
	}
	x.cancel()
	x.wg.Wait()
	var errs []error
	for _, fs := range files {
		errs = append(errs, fs.Close())
	}
	for _, l := range listeners {
		errs = append(errs, l.Close())
	}
	x.cache.Close()
	if x.ownSched {
		x.sched.Close()
	}
	return errors.Join(errs...)
}

// GetStats returns exchange statistics.
func (x *Exchange) GetStats() map[string]interface{} {
	x.mu.Lock()
	listeners := make([]string, 0, len(x.listeners))
	for _, l := range x.listeners {
		listeners = append(listeners, l.Endpoint())
	}
	services := len(x.services)
	disco := ""
	if x.disco != nil {
		disco = x.disco.Endpoint()
	}
	x.mu.Unlock()

	return map[string]interface{}{
		"node_id":           x.nodeID,
		"listeners":         listeners,
		"services":          services,
		"discovery":         disco,
		"manual_routes":     x.routes.Len(),
		"discovered_routes": x.discovered.Len(),
		"connections":       x.cache.Endpoints(),
		"scheduled_jobs":    x.sched.Len(),
	}
}
