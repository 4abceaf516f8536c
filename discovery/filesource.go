// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/destiny/zmesh"
	"github.com/destiny/zmesh/route"
)

// RoutesFile is the YAML layout of a static routes file:
//
//	routes:
//	  - endpoint: 10.0.0.1:9000
//	    key: orders
//	    type: store
//	    group: eu
type RoutesFile struct {
	Routes []route.Entry `yaml:"routes"`
}

// LoadRoutesFile reads a static routes file.
func LoadRoutesFile(path string) ([]route.Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}
	var rf RoutesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("discovery: parse %s: %w", path, err)
	}
	for i, e := range rf.Routes {
		if e.Endpoint == "" {
			return nil, fmt.Errorf("discovery: %s: route %d has no endpoint", path, i)
		}
		ep, err := zmesh.NormalizeEndpoint(e.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("discovery: %s: route %d: %w", path, i, err)
		}
		rf.Routes[i].Endpoint = ep
	}
	return rf.Routes, nil
}

// FileSource keeps a route table in sync with a static routes file.
type FileSource struct {
	path  string
	table *route.Table
	log   *zmesh.Logger

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	down     chan struct{}
	wg       sync.WaitGroup
	onReload func([]route.Entry)
}

// NewFileSource loads path into table.
func NewFileSource(path string, table *route.Table, logger *zmesh.Logger) (*FileSource, error) {
	if logger == nil {
		logger = zmesh.DefaultLogger
	}
	fs := &FileSource{path: path, table: table, log: logger, down: make(chan struct{})}
	if err := fs.Reload(); err != nil {
		return nil, err
	}
	return fs, nil
}

// OnReload registers fn to run after every successful reload.
func (fs *FileSource) OnReload(fn func([]route.Entry)) {
	fs.mu.Lock()
	fs.onReload = fn
	fs.mu.Unlock()
}

// Reload reads the file and replaces the table content. On error the
// table is left untouched.
func (fs *FileSource) Reload() error {
	entries, err := LoadRoutesFile(fs.path)
	if err != nil {
		return err
	}
	fs.table.Replace(entries)

	fs.mu.Lock()
	fn := fs.onReload
	fs.mu.Unlock()
	if fn != nil {
		fn(entries)
	}
	fs.log.Debug("discovery: loaded %d routes from %s", len(entries), fs.path)
	return nil
}

// Watch reloads the table whenever the file changes. The directory is
// watched so that editors replacing the file are noticed too.
func (fs *FileSource) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(fs.path)); err != nil {
		w.Close()
		return err
	}

	fs.mu.Lock()
	if fs.watcher != nil {
		fs.mu.Unlock()
		w.Close()
		return fmt.Errorf("discovery: %s already watched", fs.path)
	}
	fs.watcher = w
	fs.mu.Unlock()

	fs.wg.Add(1)
	go fs.watch(w)
	return nil
}

func (fs *FileSource) watch(w *fsnotify.Watcher) {
	defer fs.wg.Done()
	name := filepath.Clean(fs.path)
	for {
		select {
		case <-fs.down:
			return

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			if err != fsnotify.ErrEventOverflow {
				fs.log.Warn("discovery: watching %s: %v", fs.path, err)
			}
			// events may be lost; reloading is always safe.
			fs.reload()

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				fs.reload()
			}
		}
	}
}

func (fs *FileSource) reload() {
	if err := fs.Reload(); err != nil {
		fs.log.Warn("discovery: keeping previous routes: %v", err)
	}
}

// Close stops watching.
func (fs *FileSource) Close() error {
	fs.mu.Lock()
	w := fs.watcher
	fs.watcher = nil
	fs.mu.Unlock()

	select {
	case <-fs.down:
	default:
		close(fs.down)
	}
	var err error
	if w != nil {
		err = w.Close()
	}
	fs.wg.Wait()
	return err
}
