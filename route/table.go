// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package route maps service keys, types and groups to the endpoints that
// serve them and hands endpoints out in round-robin order.
package route

import (
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/cases"
)

// Entry is the membership of one endpoint. Key, Type and Group are
// optional; an empty field means no membership in that dimension.
type Entry struct {
	Endpoint string `yaml:"endpoint"`
	Key      string `yaml:"key,omitempty"`
	Type     string `yaml:"type,omitempty"`
	Group    string `yaml:"group,omitempty"`
}

func (e Entry) sameAs(o Entry) bool {
	return e.Endpoint == o.Endpoint &&
		fold(e.Key) == fold(o.Key) &&
		fold(e.Type) == fold(o.Type) &&
		fold(e.Group) == fold(o.Group)
}

// fold normalizes a name for case-insensitive comparison. A Caser keeps
// state, so each call gets its own.
func fold(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return cases.Fold().String(s)
}

type index map[string]*RoundRobin[string]

func (ix index) add(name, endpoint string) {
	if name == "" {
		return
	}
	rr := ix[name]
	if rr == nil {
		rr = &RoundRobin[string]{}
		ix[name] = rr
	}
	rr.Add(endpoint)
}

func (ix index) remove(name, endpoint string) {
	if name == "" {
		return
	}
	if rr := ix[name]; rr != nil {
		rr.Remove(endpoint)
		if rr.Len() == 0 {
			delete(ix, name)
		}
	}
}

// Table is a service route table. An endpoint belongs to at most one key,
// one type and one group; registering it again replaces its memberships.
// Names are compared case-insensitively.
type Table struct {
	mu      sync.RWMutex
	entries map[string]Entry
	byKey   index
	byType  index
	byGroup index
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		entries: make(map[string]Entry),
		byKey:   make(index),
		byType:  make(index),
		byGroup: make(index),
	}
}

// Add registers e, replacing any previous memberships of e.Endpoint.
func (t *Table) Add(e Entry) {
	if e.Endpoint == "" {
		return
	}
	t.mu.Lock()
	t.add(e)
	t.mu.Unlock()
}

func (t *Table) add(e Entry) {
	if old, ok := t.entries[e.Endpoint]; ok {
		if old.sameAs(e) {
			t.entries[e.Endpoint] = e
			return
		}
		t.remove(e.Endpoint)
	}
	t.entries[e.Endpoint] = e
	t.byKey.add(fold(e.Key), e.Endpoint)
	t.byType.add(fold(e.Type), e.Endpoint)
	t.byGroup.add(fold(e.Group), e.Endpoint)
}

// Set registers endpoint under a key equal to the endpoint itself.
func (t *Table) Set(endpoint string) {
	t.Add(Entry{Endpoint: endpoint, Key: endpoint})
}

// SetKey registers every endpoint under key.
func (t *Table) SetKey(key string, endpoints ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ep := range endpoints {
		if ep != "" {
			t.add(Entry{Endpoint: ep, Key: key})
		}
	}
}

// SetService registers endpoint with a full key, type and group
// membership.
func (t *Table) SetService(key, typ, group, endpoint string) {
	t.Add(Entry{Endpoint: endpoint, Key: key, Type: typ, Group: group})
}

// Remove drops endpoint from every collection.
func (t *Table) Remove(endpoint string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remove(endpoint)
}

func (t *Table) remove(endpoint string) bool {
	e, ok := t.entries[endpoint]
	if !ok {
		return false
	}
	delete(t.entries, endpoint)
	t.byKey.remove(fold(e.Key), endpoint)
	t.byType.remove(fold(e.Type), endpoint)
	t.byGroup.remove(fold(e.Group), endpoint)
	return true
}

// Replace makes entries the whole content of the table. Endpoints whose
// membership did not change keep their round-robin position.
func (t *Table) Replace(entries []Entry) {
	keep := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		keep[e.Endpoint] = struct{}{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for ep := range t.entries {
		if _, ok := keep[ep]; !ok {
			t.remove(ep)
		}
	}
	for _, e := range entries {
		if e.Endpoint != "" {
			t.add(e)
		}
	}
}

// Clear removes every entry.
func (t *Table) Clear() {
	t.Replace(nil)
}

func (t *Table) next(ix index, name string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rr := ix[fold(name)]
	if rr == nil {
		return "", false
	}
	return rr.Next()
}

func (t *Table) all(ix index, name string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if rr := ix[fold(name)]; rr != nil {
		return rr.Seq()
	}
	return nil
}

func (t *Table) nextSeq(ix index, name string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rr := ix[fold(name)]; rr != nil {
		return rr.NextSeq()
	}
	return nil
}

func (t *Table) contains(ix index, name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := ix[fold(name)]
	return ok
}

// Get returns the next endpoint registered under key.
func (t *Table) Get(key string) (string, bool) { return t.next(t.byKey, key) }

// GetAll returns every endpoint under key, starting at the cursor.
func (t *Table) GetAll(key string) []string { return t.all(t.byKey, key) }

// GetNext returns every endpoint under key starting at the cursor and
// advances the cursor by one, spreading retries across callers.
func (t *Table) GetNext(key string) []string { return t.nextSeq(t.byKey, key) }

// GetByType returns the next endpoint of service type typ.
func (t *Table) GetByType(typ string) (string, bool) { return t.next(t.byType, typ) }

// GetAllByType returns every endpoint of type typ.
func (t *Table) GetAllByType(typ string) []string { return t.all(t.byType, typ) }

// GetByGroup returns the next endpoint in group.
func (t *Table) GetByGroup(group string) (string, bool) { return t.next(t.byGroup, group) }

// GetAllByGroup returns every endpoint in group.
func (t *Table) GetAllByGroup(group string) []string { return t.all(t.byGroup, group) }

// ContainsKey reports whether any endpoint is registered under key.
func (t *Table) ContainsKey(key string) bool { return t.contains(t.byKey, key) }

// ContainsType reports whether any endpoint has type typ.
func (t *Table) ContainsType(typ string) bool { return t.contains(t.byType, typ) }

// ContainsGroup reports whether any endpoint is in group.
func (t *Table) ContainsGroup(group string) bool { return t.contains(t.byGroup, group) }

// ContainsEndpoint reports whether endpoint is registered.
func (t *Table) ContainsEndpoint(endpoint string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.entries[endpoint]
	return ok
}

// Lookup returns the entry of endpoint.
func (t *Table) Lookup(endpoint string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[endpoint]
	return e, ok
}

// Entries returns all entries ordered by endpoint.
func (t *Table) Entries() []Entry {
	t.mu.RLock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// Len returns the number of registered endpoints.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
