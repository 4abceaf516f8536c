// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Example echo service announcing itself to a discovery node
package main

import (
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/destiny/zmesh"
	"github.com/destiny/zmesh/discovery"
	"github.com/destiny/zmesh/exchange"
)

// EchoRequest is the payload of the "echo" inbox.
type EchoRequest struct {
	Text string
}

// EchoReply answers an EchoRequest.
type EchoReply struct {
	Text string
	From string
}

func main() {
	if len(os.Args) < 3 {
		log.Fatalf("Usage: %s <listen_endpoint> <discovery_endpoint> [node.yaml]", os.Args[0])
	}
	listen, disco := os.Args[1], os.Args[2]

	cfg := &exchange.Config{LogLevel: "info"}
	if len(os.Args) > 3 {
		var err error
		if cfg, err = exchange.LoadConfig(os.Args[3]); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	cfg.Listen, cfg.Discovery = listen, disco
	if len(cfg.Services) == 0 {
		cfg.Services = []discovery.ServiceEndpointInfo{{ServiceKey: "echo", ServiceType: "demo", Version: "1.0"}}
	}

	x, err := exchange.FromConfig(cfg)
	if err != nil {
		log.Fatalf("Failed to start node: %v", err)
	}
	defer x.Close()

	node := x.NodeID()
	zmesh.HandleRequest(x.Router(), "echo", func(c *zmesh.Conn, req EchoRequest) (EchoReply, error) {
		log.Printf("echo from %s: %q", c.Endpoint(), req.Text)
		return EchoReply{Text: strings.ToUpper(req.Text), From: node}, nil
	})
	x.Router().OnMessage("shout", func(c *zmesh.Conn, payload []byte) {
		log.Printf("%s shouts %q", c.Endpoint(), payload)
	})
	log.Printf("Echo service %s listening on %s", node, listen)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			stats, _ := json.MarshalIndent(x.GetStats(), "", "  ")
			log.Printf("Node stats:\n%s", stats)
		case <-sigCh:
			log.Printf("Shutting down echo service...")
			return
		}
	}
}
