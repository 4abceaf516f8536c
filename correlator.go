// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zmesh

import (
	"fmt"
	"sync"
	"time"
)

// pendingRequest is a request waiting for its response frame.
type pendingRequest struct {
	onSuccess    func(payload []byte)
	onFailure    func(err error)
	registeredAt time.Time
	sentAt       time.Time // zero until the frame reaches the socket
}

func (r *pendingRequest) since() time.Time {
	if r.sentAt.IsZero() {
		return r.registeredAt
	}
	return r.sentAt
}

// Correlator matches response frames to the requests that produced them.
//
// Each request resolves exactly once: by Success, by Fail (including
// FailAll on disposal), or by the timeout sweep. Whichever comes first
// removes the entry under the lock; the callback then runs outside it.
type Correlator struct {
	mu      sync.Mutex
	pending map[int32]*pendingRequest
	timeout time.Duration
	now     func() time.Time

	timedOut uint64
}

// NewCorrelator creates a correlator failing requests older than timeout.
func NewCorrelator(timeout time.Duration) *Correlator {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Correlator{
		pending: make(map[int32]*pendingRequest),
		timeout: timeout,
		now:     time.Now,
	}
}

// RegisterForFrame records a request under id. It fails if id is already
// pending.
func (c *Correlator) RegisterForFrame(id int32, onSuccess func([]byte), onFailure func(error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.pending[id]; exists {
		return fmt.Errorf("zmesh: frame %d already pending", id)
	}
	c.pending[id] = &pendingRequest{
		onSuccess:    onSuccess,
		onFailure:    onFailure,
		registeredAt: c.now(),
	}
	return nil
}

// StartSend marks the moment the request frame was written.
func (c *Correlator) StartSend(id int32) {
	c.mu.Lock()
	if r, ok := c.pending[id]; ok {
		r.sentAt = c.now()
	}
	c.mu.Unlock()
}

func (c *Correlator) take(id int32) *pendingRequest {
	c.mu.Lock()
	r, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	return r
}

// Success resolves id with payload. It reports false when id is not
// pending, e.g. a duplicate or late response.
func (c *Correlator) Success(id int32, payload []byte) bool {
	r := c.take(id)
	if r == nil {
		return false
	}
	if r.onSuccess != nil {
		r.onSuccess(payload)
	}
	return true
}

// Fail resolves id with err.
func (c *Correlator) Fail(id int32, err error) bool {
	r := c.take(id)
	if r == nil {
		return false
	}
	if r.onFailure != nil {
		r.onFailure(err)
	}
	return true
}

// Forget drops id without invoking any callback.
func (c *Correlator) Forget(id int32) bool {
	return c.take(id) != nil
}

// TestForTimeouts fails every request pending for longer than the timeout
// and returns how many were failed.
func (c *Correlator) TestForTimeouts() int {
	now := c.now()

	c.mu.Lock()
	var expired map[int32]*pendingRequest
	for id, r := range c.pending {
		if now.Sub(r.since()) > c.timeout {
			if expired == nil {
				expired = make(map[int32]*pendingRequest)
			}
			expired[id] = r
			delete(c.pending, id)
		}
	}
	c.timedOut += uint64(len(expired))
	c.mu.Unlock()

	for id, r := range expired {
		if r.onFailure != nil {
			r.onFailure(fmt.Errorf("%w: frame %d got no response within %v", ErrRequestTimeout, id, now.Sub(r.since()).Round(time.Millisecond)))
		}
	}
	return len(expired)
}

// FailAll fails every pending request with err.
func (c *Correlator) FailAll(err error) int {
	c.mu.Lock()
	all := c.pending
	c.pending = make(map[int32]*pendingRequest)
	c.mu.Unlock()

	for _, r := range all {
		if r.onFailure != nil {
			r.onFailure(err)
		}
	}
	return len(all)
}

// Pending returns the number of unresolved requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// TimedOut returns the number of requests failed by the timeout sweep.
func (c *Correlator) TimedOut() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timedOut
}
