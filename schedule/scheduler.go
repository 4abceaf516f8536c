// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package schedule runs periodic jobs such as heartbeats and discovery
// registration.
package schedule

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Token identifies a job registered with RemindEvery.
type Token int64

// Scheduler runs jobs on fixed periods. Each job has its own ticker
// goroutine, so a job never overlaps with itself and a slow job does not
// delay the others.
type Scheduler struct {
	mu     sync.Mutex
	jobs   map[Token]*job
	nextID atomic.Int64
	closed bool

	// Errorf receives recovered job panics. Nil discards them.
	Errorf func(format string, args ...interface{})
}

type job struct {
	period time.Duration
	fn     func()
	stopCh chan struct{}
	done   chan struct{}
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{jobs: make(map[Token]*job)}
}

// RemindEvery runs fn every period until the returned token is removed.
// The first run happens one period after registration.
func (s *Scheduler) RemindEvery(period time.Duration, fn func()) Token {
	if period <= 0 {
		panic(fmt.Sprintf("schedule: non-positive period %v", period))
	}

	j := &job{
		period: period,
		fn:     fn,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	id := Token(s.nextID.Add(1))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(j.done)
		return id
	}
	s.jobs[id] = j
	s.mu.Unlock()

	go s.run(id, j)
	return id
}

// Remove stops the job. A run already in progress is allowed to finish;
// Remove does not wait for it, so it is safe to call from the job itself.
func (s *Scheduler) Remove(id Token) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	delete(s.jobs, id)
	s.mu.Unlock()

	if ok {
		close(j.stopCh)
	}
}

// Len returns the number of registered jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Close removes every job and waits for their goroutines to exit.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	jobs := s.jobs
	s.jobs = make(map[Token]*job)
	s.mu.Unlock()

	for _, j := range jobs {
		close(j.stopCh)
	}
	for _, j := range jobs {
		<-j.done
	}
}

func (s *Scheduler) run(id Token, j *job) {
	defer close(j.done)

	ticker := time.NewTicker(j.period)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopCh:
			return
		case <-ticker.C:
			select {
			case <-j.stopCh:
				return
			default:
			}
			s.invoke(id, j)
		}
	}
}

func (s *Scheduler) invoke(id Token, j *job) {
	defer func() {
		if r := recover(); r != nil && s.Errorf != nil {
			s.Errorf("schedule: job %d panicked: %v", id, r)
		}
	}()
	j.fn()
}
