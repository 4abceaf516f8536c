// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package discovery

import (
	"sort"
	"sync"
	"time"

	"github.com/destiny/zmesh"
	"github.com/destiny/zmesh/schedule"
)

// DefaultTTL is how long a registration stays valid without renewal.
const DefaultTTL = 30 * time.Second

type record struct {
	info     ServiceEndpointInfo
	lastSeen time.Time
}

// Registry is the discovery node: it accepts announcements and serves the
// list of live services. Entries not renewed within the TTL expire.
type Registry struct {
	ttl time.Duration
	log *zmesh.Logger
	now func() time.Time

	mu      sync.RWMutex
	records map[string]*record // by endpoint

	sched *schedule.Scheduler
	token schedule.Token
	owned bool
}

// NewRegistry creates a registry. A zero ttl selects DefaultTTL.
func NewRegistry(ttl time.Duration, logger *zmesh.Logger) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zmesh.DefaultLogger
	}
	return &Registry{
		ttl:     ttl,
		log:     logger,
		now:     time.Now,
		records: make(map[string]*record),
	}
}

// Bind serves RegisterInbox and ServicesInbox on r.
func (reg *Registry) Bind(r *zmesh.Router) {
	zmesh.HandleRequest(r, RegisterInbox, func(c *zmesh.Conn, ann Announcement) (Ack, error) {
		n := reg.Register(ann.Services...)
		reg.log.Debug("discovery: node %s at %s announced %d services", ann.NodeID, c.Endpoint(), n)
		return Ack{Accepted: n}, nil
	})
	zmesh.HandleRequest(r, ServicesInbox, func(*zmesh.Conn, struct{}) ([]ServiceEndpointInfo, error) {
		return reg.Services(), nil
	})
}

// Start runs the expiry sweep on sched every half TTL. A nil sched gets a
// private scheduler.
func (reg *Registry) Start(sched *schedule.Scheduler) {
	if sched == nil {
		sched = schedule.New()
		sched.Errorf = reg.log.Error
		reg.owned = true
	}
	reg.sched = sched
	reg.token = sched.RemindEvery(reg.ttl/2, func() { reg.Expire() })
}

// Stop cancels the expiry sweep.
func (reg *Registry) Stop() {
	if reg.sched == nil {
		return
	}
	reg.sched.Remove(reg.token)
	if reg.owned {
		reg.sched.Close()
	}
	reg.sched = nil
}

// Register stores or renews infos and returns how many were valid.
func (reg *Registry) Register(infos ...ServiceEndpointInfo) int {
	now := reg.now()
	n := 0

	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, info := range infos {
		if err := info.Validate(); err != nil {
			reg.log.Warn("%v", err)
			continue
		}
		if old, ok := reg.records[info.Endpoint]; !ok || old.info != info {
			reg.log.Info("discovery: registered %v", info)
		}
		reg.records[info.Endpoint] = &record{info: info, lastSeen: now}
		n++
	}
	return n
}

// Expire drops registrations older than the TTL and returns how many went.
func (reg *Registry) Expire() int {
	cutoff := reg.now().Add(-reg.ttl)
	n := 0

	reg.mu.Lock()
	defer reg.mu.Unlock()
	for ep, r := range reg.records {
		if r.lastSeen.Before(cutoff) {
			delete(reg.records, ep)
			reg.log.Info("discovery: expired %v", r.info)
			n++
		}
	}
	return n
}

// Services returns the live registrations ordered by key, then endpoint.
func (reg *Registry) Services() []ServiceEndpointInfo {
	reg.mu.RLock()
	out := make([]ServiceEndpointInfo, 0, len(reg.records))
	for _, r := range reg.records {
		out = append(out, r.info)
	}
	reg.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ServiceKey != out[j].ServiceKey {
			return out[i].ServiceKey < out[j].ServiceKey
		}
		return out[i].Endpoint < out[j].Endpoint
	})
	return out
}

// Len returns the number of live registrations.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.records)
}
