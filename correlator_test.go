// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zmesh

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCorrelator(timeout time.Duration) (*Correlator, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	c := NewCorrelator(timeout)
	c.now = clock.Now
	return c, clock
}

func TestCorrelatorResolvesOnce(t *testing.T) {
	c, _ := newTestCorrelator(time.Second)

	var got []byte
	var failures int
	require.NoError(t, c.RegisterForFrame(7, func(p []byte) { got = p }, func(error) { failures++ }))
	assert.Error(t, c.RegisterForFrame(7, nil, nil), "duplicate id")
	assert.Equal(t, 1, c.Pending())

	assert.True(t, c.Success(7, []byte("pong")))
	assert.False(t, c.Success(7, []byte("again")))
	assert.False(t, c.Fail(7, errors.New("late")))

	assert.Equal(t, "pong", string(got))
	assert.Zero(t, failures)
	assert.Zero(t, c.Pending())
}

func TestCorrelatorTimeouts(t *testing.T) {
	c, clock := newTestCorrelator(30 * time.Second)

	var mu sync.Mutex
	failed := map[int32]error{}
	onFail := func(id int32) func(error) {
		return func(err error) {
			mu.Lock()
			failed[id] = err
			mu.Unlock()
		}
	}

	require.NoError(t, c.RegisterForFrame(1, nil, onFail(1)))
	require.NoError(t, c.RegisterForFrame(2, nil, onFail(2)))

	// Frame 2 reaches the socket 20s late: its deadline counts from then.
	clock.Advance(20 * time.Second)
	c.StartSend(2)

	clock.Advance(11 * time.Second)
	assert.Equal(t, 1, c.TestForTimeouts())
	assert.Contains(t, failed, int32(1))
	assert.NotContains(t, failed, int32(2))
	assert.True(t, errors.Is(failed[1], ErrRequestTimeout))

	clock.Advance(20 * time.Second)
	assert.Equal(t, 1, c.TestForTimeouts())
	assert.Contains(t, failed, int32(2))
	assert.Equal(t, uint64(2), c.TimedOut())
	assert.Zero(t, c.Pending())
}

func TestCorrelatorFailAll(t *testing.T) {
	c, _ := newTestCorrelator(time.Second)

	var n atomic.Int32
	for id := int32(0); id < 10; id++ {
		require.NoError(t, c.RegisterForFrame(id, nil, func(err error) {
			if errors.Is(err, ErrDisposed) {
				n.Add(1)
			}
		}))
	}
	assert.Equal(t, 10, c.FailAll(ErrDisposed))
	assert.Equal(t, int32(10), n.Load())
	assert.Zero(t, c.FailAll(ErrDisposed))
}

func TestCorrelatorForget(t *testing.T) {
	c, _ := newTestCorrelator(time.Second)
	called := false
	require.NoError(t, c.RegisterForFrame(3, func([]byte) { called = true }, func(error) { called = true }))
	assert.True(t, c.Forget(3))
	assert.False(t, c.Success(3, nil))
	assert.False(t, called)
}

func TestCorrelatorRaceResolvesAtMostOnce(t *testing.T) {
	c, clock := newTestCorrelator(time.Second)

	const n = 200
	var calls [n]atomic.Int32
	for i := 0; i < n; i++ {
		id := int32(i)
		require.NoError(t, c.RegisterForFrame(id,
			func([]byte) { calls[id].Add(1) },
			func(error) { calls[id].Add(1) },
		))
	}
	clock.Advance(2 * time.Second)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			c.Success(int32(i), nil)
		}
	}()
	go func() {
		defer wg.Done()
		c.TestForTimeouts()
	}()
	go func() {
		defer wg.Done()
		for i := n - 1; i >= 0; i-- {
			c.Fail(int32(i), ErrBroken)
		}
	}()
	wg.Wait()

	for i := range calls {
		assert.Equal(t, int32(1), calls[i].Load(), "frame %d", i)
	}
}
