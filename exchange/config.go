// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package exchange

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/destiny/zmesh"
	"github.com/destiny/zmesh/discovery"
	"github.com/destiny/zmesh/route"
)

// Config describes a node in YAML:
//
//	listen: 0.0.0.0:9000
//	discovery: 10.0.0.10:7000
//	log_level: info
//	heartbeat_period: 10s
//	services:
//	  - key: orders
//	    type: store
//	routes:
//	  - endpoint: 10.0.0.5:9000
//	    key: billing
type Config struct {
	NodeID          string                          `yaml:"node_id"`
	Listen          string                          `yaml:"listen"`
	Discovery       string                          `yaml:"discovery"`
	RoutesFile      string                          `yaml:"routes_file"`
	LogLevel        string                          `yaml:"log_level"`
	HeartbeatPeriod time.Duration                   `yaml:"heartbeat_period"`
	RequestTimeout  time.Duration                   `yaml:"request_timeout"`
	RefreshPeriod   time.Duration                   `yaml:"refresh_period"`
	StatsHTTP       bool                            `yaml:"stats_http"`
	Services        []discovery.ServiceEndpointInfo `yaml:"services"`
	Routes          []route.Entry                   `yaml:"routes"`
}

// LoadConfig reads a YAML node description.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("exchange: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("exchange: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("exchange: %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the config for obvious mistakes.
func (c *Config) Validate() error {
	if len(c.Services) > 0 && c.Listen == "" {
		return fmt.Errorf("services need a listen address")
	}
	for i, s := range c.Services {
		if s.ServiceKey == "" {
			return fmt.Errorf("service %d has no key", i)
		}
	}
	for i, r := range c.Routes {
		if r.Endpoint == "" {
			return fmt.Errorf("route %d has no endpoint", i)
		}
	}
	if c.LogLevel != "" {
		if _, err := zmesh.ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Options converts the config into connection options.
func (c *Config) Options() []zmesh.Option {
	var opts []zmesh.Option
	if c.LogLevel != "" {
		if lvl, err := zmesh.ParseLogLevel(c.LogLevel); err == nil {
			opts = append(opts, zmesh.WithLogger(zmesh.NewLogger(lvl)))
		}
	}
	if c.HeartbeatPeriod > 0 {
		opts = append(opts, zmesh.WithHeartbeatPeriod(c.HeartbeatPeriod))
	}
	if c.RequestTimeout > 0 {
		opts = append(opts, zmesh.WithRequestTimeout(c.RequestTimeout))
	}
	if c.StatsHTTP {
		opts = append(opts, zmesh.WithStatsHTTP())
	}
	return opts
}

// FromConfig builds an exchange from cfg: it applies static routes,
// hosts the listener with the configured services and starts discovery.
// Handlers registered on the router after FromConfig returns are served
// as well.
func FromConfig(cfg *Config, opts ...zmesh.Option) (*Exchange, error) {
	x := New(append(cfg.Options(), opts...)...)
	x.SetNodeID(cfg.NodeID)
	x.SetRefreshPeriod(cfg.RefreshPeriod)

	for _, r := range cfg.Routes {
		ep, err := zmesh.NormalizeEndpoint(r.Endpoint)
		if err != nil {
			x.Close()
			return nil, err
		}
		r.Endpoint = ep
		x.Routes().Add(r)
	}
	if cfg.RoutesFile != "" {
		if err := x.UseRoutesFile(cfg.RoutesFile); err != nil {
			x.Close()
			return nil, err
		}
	}
	if cfg.Listen != "" {
		if _, err := x.Host(cfg.Listen, cfg.Services...); err != nil {
			x.Close()
			return nil, err
		}
	}
	if cfg.Discovery != "" {
		if err := x.UseDiscovery(cfg.Discovery); err != nil {
			x.Close()
			return nil, err
		}
	}
	return x, nil
}
