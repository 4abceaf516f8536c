// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package discovery

import (
	"context"
	"fmt"

	"github.com/destiny/zmesh"
)

// Client talks to one discovery node through a connection cache.
type Client struct {
	endpoint string
	nodeID   string
	cache    *zmesh.ConnCache
}

// NewClient creates a client for the discovery node at endpoint.
func NewClient(endpoint, nodeID string, cache *zmesh.ConnCache) *Client {
	if nodeID == "" {
		nodeID = NewNodeID()
	}
	return &Client{endpoint: endpoint, nodeID: nodeID, cache: cache}
}

// Endpoint returns the discovery node address.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// NodeID returns the identity announced with every registration.
func (c *Client) NodeID() string {
	return c.nodeID
}

// Register announces infos. Every service is stamped with the client's
// node id.
func (c *Client) Register(ctx context.Context, infos ...ServiceEndpointInfo) error {
	conn, err := c.cache.Get(ctx, c.endpoint)
	if err != nil {
		return err
	}
	ann := Announcement{NodeID: c.nodeID, Services: make([]ServiceEndpointInfo, 0, len(infos))}
	for _, info := range infos {
		info.NodeID = c.nodeID
		ann.Services = append(ann.Services, info)
	}
	ack, err := zmesh.RequestTyped[Announcement, Ack](ctx, conn, RegisterInbox, ann)
	if err != nil {
		return fmt.Errorf("discovery: register with %s: %w", c.endpoint, err)
	}
	if ack.Accepted != len(infos) {
		return fmt.Errorf("discovery: %s accepted %d of %d services", c.endpoint, ack.Accepted, len(infos))
	}
	return nil
}

// Services returns every service the discovery node knows about.
func (c *Client) Services(ctx context.Context) ([]ServiceEndpointInfo, error) {
	conn, err := c.cache.Get(ctx, c.endpoint)
	if err != nil {
		return nil, err
	}
	infos, err := zmesh.RequestTyped[struct{}, []ServiceEndpointInfo](ctx, conn, ServicesInbox, struct{}{})
	if err != nil {
		return nil, fmt.Errorf("discovery: services from %s: %w", c.endpoint, err)
	}
	return infos, nil
}
