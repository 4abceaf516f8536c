// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package testutil

import (
	"context"
	"sync"
	"testing"
	"time"
)

// MessageTracker records sent and received message ids so tests can check
// delivery and ordering.
type MessageTracker struct {
	mu       sync.RWMutex
	sent     map[string]time.Time
	received map[string]time.Time
	order    []string
}

// NewMessageTracker creates a new message tracker
func NewMessageTracker() *MessageTracker {
	return &MessageTracker{
		sent:     make(map[string]time.Time),
		received: make(map[string]time.Time),
	}
}

// MarkSent marks a message as sent
func (mt *MessageTracker) MarkSent(messageID string) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.sent[messageID] = time.Now()
}

// MarkReceived marks a message as received
func (mt *MessageTracker) MarkReceived(messageID string) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.received[messageID] = time.Now()
	mt.order = append(mt.order, messageID)
}

// Received returns the number of received messages.
func (mt *MessageTracker) Received() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return len(mt.order)
}

// Order returns the received ids in arrival order.
func (mt *MessageTracker) Order() []string {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return append([]string(nil), mt.order...)
}

// VerifyDelivery verifies that all sent messages were received
func (mt *MessageTracker) VerifyDelivery(t testing.TB) {
	t.Helper()
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	if len(mt.sent) != len(mt.received) {
		t.Errorf("message delivery mismatch: sent %d, received %d", len(mt.sent), len(mt.received))
	}
	for msgID := range mt.sent {
		if _, ok := mt.received[msgID]; !ok {
			t.Errorf("message %s was sent but not received", msgID)
		}
	}
}

// TestTimeoutContext creates a context with timeout for testing
func TestTimeoutContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// WaitWithTimeout waits for a condition with timeout
func WaitWithTimeout(t testing.TB, condition func() bool, timeout time.Duration, checkInterval time.Duration) {
	t.Helper()
	ctx, cancel := TestTimeoutContext(timeout)
	defer cancel()

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		if condition() {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("timeout waiting for condition after %v", timeout)
		case <-ticker.C:
		}
	}
}
