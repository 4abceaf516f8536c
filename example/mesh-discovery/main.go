// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Example discovery node
package main

import (
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/destiny/zmesh"
	"github.com/destiny/zmesh/discovery"
	"github.com/destiny/zmesh/exchange"
)

func main() {
	endpoint := "tcp://127.0.0.1:7000"
	if len(os.Args) > 1 {
		endpoint = os.Args[1]
	}

	logger := zmesh.NewLogger(zmesh.LogLevelInfo)
	x := exchange.New(zmesh.WithLogger(logger), zmesh.WithStatsHTTP())
	defer x.Close()

	registry := discovery.NewRegistry(discovery.DefaultTTL, logger)
	registry.Bind(x.Router())
	registry.Start(nil)
	defer registry.Stop()

	l, err := x.Host(endpoint)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", endpoint, err)
	}
	log.Printf("Discovery node listening on %s (stats at http://%s/stats)", l.Endpoint(), l.Endpoint())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			services, _ := json.MarshalIndent(registry.Services(), "", "  ")
			log.Printf("Registered services:\n%s", services)
		case <-sigCh:
			log.Printf("Shutting down discovery node...")
			return
		}
	}
}
