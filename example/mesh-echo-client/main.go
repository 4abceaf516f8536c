// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Example client finding echo services through discovery
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/destiny/zmesh"
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
	if len(os.Args) != 3 {
		log.Fatalf("Usage: %s <discovery_endpoint> <message>", os.Args[0])
	}
	disco, message := os.Args[1], os.Args[2]

	x := exchange.New(
		zmesh.WithLogger(zmesh.NewLogger(zmesh.LogLevelWarn)),
		zmesh.WithRequestTimeout(5*time.Second),
	)
	defer x.Close()
	if err := x.UseDiscovery(disco); err != nil {
		log.Fatalf("Failed to use discovery %s: %v", disco, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := x.Refresh(ctx); err != nil {
		log.Fatalf("Failed to fetch routes: %v", err)
	}

	for i := 0; i < 3; i++ {
		reply, err := exchange.RequestTyped[EchoRequest, EchoReply](ctx, x, "echo", "echo", EchoRequest{Text: message})
		if err != nil {
			log.Fatalf("Echo request failed: %v", err)
		}
		log.Printf("Reply %d from %s: %s", i+1, reply.From, reply.Text)
	}

	replies, err := exchange.GatherTyped[EchoRequest, EchoReply](ctx, x, exchange.ByType("demo"), "echo", EchoRequest{Text: message})
	if err != nil {
		log.Fatalf("Broadcast failed: %v", err)
	}
	log.Printf("%d echo services answered the broadcast", len(replies))

	n, err := x.SendBroadcastByType(ctx, "demo", "shout", []byte(message))
	if err != nil {
		log.Fatalf("Shout failed: %v", err)
	}
	log.Printf("Shouted to %d services", n)
}
