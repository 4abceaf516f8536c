// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package route

// RoundRobin is an ordered set of distinct items with a cursor. It is not
// safe for concurrent use; Table serializes access.
type RoundRobin[T comparable] struct {
	items  []T
	cursor int
}

// Len returns the number of items.
func (r *RoundRobin[T]) Len() int {
	return len(r.items)
}

func (r *RoundRobin[T]) index(v T) int {
	for i, it := range r.items {
		if it == v {
			return i
		}
	}
	return -1
}

// Contains reports whether v is in the collection.
func (r *RoundRobin[T]) Contains(v T) bool {
	return r.index(v) >= 0
}

// Add appends v. It reports false if v is already present.
func (r *RoundRobin[T]) Add(v T) bool {
	if r.Contains(v) {
		return false
	}
	r.items = append(r.items, v)
	return true
}

// Remove deletes v. The cursor keeps pointing at the item that would have
// come next: removing the item under the cursor moves it to the following
// item, wrapping to the start when the last item goes.
func (r *RoundRobin[T]) Remove(v T) bool {
	i := r.index(v)
	if i < 0 {
		return false
	}
	r.items = append(r.items[:i], r.items[i+1:]...)
	if i < r.cursor {
		r.cursor--
	}
	if r.cursor >= len(r.items) {
		r.cursor = 0
	}
	return true
}

// Current returns the item under the cursor.
func (r *RoundRobin[T]) Current() (T, bool) {
	var zero T
	if len(r.items) == 0 {
		return zero, false
	}
	return r.items[r.cursor], true
}

// Next returns the item under the cursor and advances it.
func (r *RoundRobin[T]) Next() (T, bool) {
	v, ok := r.Current()
	if ok {
		r.advance()
	}
	return v, ok
}

func (r *RoundRobin[T]) advance() {
	if len(r.items) > 0 {
		r.cursor = (r.cursor + 1) % len(r.items)
	}
}

// Seq returns every item once, starting at the cursor, without moving it.
func (r *RoundRobin[T]) Seq() []T {
	if len(r.items) == 0 {
		return nil
	}
	out := make([]T, 0, len(r.items))
	out = append(out, r.items[r.cursor:]...)
	return append(out, r.items[:r.cursor]...)
}

// NextSeq is Seq followed by a one step advance, so consecutive callers
// start at different items.
func (r *RoundRobin[T]) NextSeq() []T {
	out := r.Seq()
	r.advance()
	return out
}

// Items returns the items in insertion order.
func (r *RoundRobin[T]) Items() []T {
	return append([]T(nil), r.items...)
}
