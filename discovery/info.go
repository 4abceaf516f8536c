// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package discovery publishes hosted services to a discovery node and
// reads the resulting service routes back.
//
// A node announces its services with a request to RegisterInbox and pulls
// the full list from ServicesInbox. The Registry type implements the
// discovery node side.
package discovery

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/destiny/zmesh/route"
)

// Reserved inboxes served by a discovery node.
const (
	RegisterInbox = "__register__"
	ServicesInbox = "__services__"
)

// ServiceEndpointInfo describes one published service endpoint.
type ServiceEndpointInfo struct {
	Endpoint     string `msgpack:"endpoint" yaml:"endpoint"`
	ServiceKey   string `msgpack:"key" yaml:"key"`
	ServiceType  string `msgpack:"type" yaml:"type,omitempty"`
	ServiceGroup string `msgpack:"group" yaml:"group,omitempty"`
	Version      string `msgpack:"version" yaml:"version,omitempty"`
	NodeID       string `msgpack:"node" yaml:"-"`
}

var errNoEndpoint = errors.New("discovery: service without endpoint")

// Validate checks the fields a route needs.
func (i ServiceEndpointInfo) Validate() error {
	if i.Endpoint == "" {
		return errNoEndpoint
	}
	if i.ServiceKey == "" {
		return fmt.Errorf("discovery: service at %s has no key", i.Endpoint)
	}
	return nil
}

// Entry converts i to a route table entry.
func (i ServiceEndpointInfo) Entry() route.Entry {
	return route.Entry{
		Endpoint: i.Endpoint,
		Key:      i.ServiceKey,
		Type:     i.ServiceType,
		Group:    i.ServiceGroup,
	}
}

func (i ServiceEndpointInfo) String() string {
	return fmt.Sprintf("%s@%s (type=%q group=%q version=%q)", i.ServiceKey, i.Endpoint, i.ServiceType, i.ServiceGroup, i.Version)
}

// Entries converts infos to route entries.
func Entries(infos []ServiceEndpointInfo) []route.Entry {
	out := make([]route.Entry, 0, len(infos))
	for _, i := range infos {
		out = append(out, i.Entry())
	}
	return out
}

// NewNodeID returns a random node identity.
func NewNodeID() string {
	return uuid.NewString()
}

// Announcement is the payload of a RegisterInbox request.
type Announcement struct {
	NodeID   string                `msgpack:"node"`
	Services []ServiceEndpointInfo `msgpack:"services"`
}

// Ack is the reply to an Announcement.
type Ack struct {
	Accepted int `msgpack:"accepted"`
}
