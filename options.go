// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zmesh

import (
	"time"

	"github.com/destiny/zmesh/schedule"
	"github.com/destiny/zmesh/serial"
	"github.com/destiny/zmesh/wire"
)

const (
	// MinHeartbeatPeriod is the shortest heartbeat period accepted.
	MinHeartbeatPeriod = 7500 * time.Millisecond

	DefaultSendQueueSize       = 1024
	DefaultHeartbeatPeriod     = MinHeartbeatPeriod
	DefaultRequestTimeout      = 30 * time.Second
	DefaultDialTimeout         = 5 * time.Second
	DefaultReconnectBackoff    = 250 * time.Millisecond
	DefaultMaxReconnectBackoff = 5 * time.Second
)

// Options configures connections and listeners.
type Options struct {
	MaxFramePayload     int           // Largest accepted frame payload in bytes
	SendQueueSize       int           // Capacity of the per-connection send queue
	HeartbeatPeriod     time.Duration // Keepalive cadence; staleness is twice this
	RequestTimeout      time.Duration // Deadline for pending requests
	DialTimeout         time.Duration // Bound on a single TCP connect
	ReconnectBackoff    time.Duration // First reconnect delay, doubled per failure
	MaxReconnectBackoff time.Duration // Cap on the reconnect delay

	Logger    *Logger
	Codec     serial.Codec
	Scheduler *schedule.Scheduler // Shared scheduler; nil gives each owner its own

	StatsHTTP bool // Listener serves GET /stats over HTTP on the same port
}

// DefaultOptions returns the default options
func DefaultOptions() Options {
	return Options{
		MaxFramePayload:     wire.DefaultMaxPayload,
		SendQueueSize:       DefaultSendQueueSize,
		HeartbeatPeriod:     DefaultHeartbeatPeriod,
		RequestTimeout:      DefaultRequestTimeout,
		DialTimeout:         DefaultDialTimeout,
		ReconnectBackoff:    DefaultReconnectBackoff,
		MaxReconnectBackoff: DefaultMaxReconnectBackoff,
		Logger:              DefaultLogger,
		Codec:               serial.Default,
	}
}

// Option configures some aspect of a connection or listener.
type Option func(o *Options)

// NewOptions builds Options from the defaults and opts.
func NewOptions(opts ...Option) Options {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	o.normalize()
	return o
}

func (o *Options) normalize() {
	def := DefaultOptions()
	if o.MaxFramePayload <= 0 {
		o.MaxFramePayload = def.MaxFramePayload
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = def.SendQueueSize
	}
	if o.HeartbeatPeriod < MinHeartbeatPeriod {
		o.HeartbeatPeriod = MinHeartbeatPeriod
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = def.RequestTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = def.DialTimeout
	}
	if o.ReconnectBackoff <= 0 {
		o.ReconnectBackoff = def.ReconnectBackoff
	}
	if o.MaxReconnectBackoff < o.ReconnectBackoff {
		o.MaxReconnectBackoff = o.ReconnectBackoff
	}
	if o.Logger == nil {
		o.Logger = def.Logger
	}
	if o.Codec == nil {
		o.Codec = def.Codec
	}
}

// WithOptions replaces all options at once.
func WithOptions(opts Options) Option {
	return func(o *Options) {
		*o = opts
	}
}

// WithMaxFramePayload sets the largest frame payload accepted on receive.
func WithMaxFramePayload(n int) Option {
	return func(o *Options) {
		o.MaxFramePayload = n
	}
}

// WithSendQueueSize sets the send queue capacity.
func WithSendQueueSize(n int) Option {
	return func(o *Options) {
		o.SendQueueSize = n
	}
}

// WithHeartbeatPeriod sets the heartbeat period. Values below
// MinHeartbeatPeriod are raised to it.
func WithHeartbeatPeriod(d time.Duration) Option {
	return func(o *Options) {
		o.HeartbeatPeriod = d
	}
}

// WithRequestTimeout sets the timeout for requests.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.RequestTimeout = d
	}
}

// WithDialTimeout sets the maximum amount of time a dial will wait
// for a connect to complete.
func WithDialTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.DialTimeout = d
	}
}

// WithReconnectBackoff configures the delay between reconnect attempts.
func WithReconnectBackoff(initial, max time.Duration) Option {
	return func(o *Options) {
		o.ReconnectBackoff = initial
		o.MaxReconnectBackoff = max
	}
}

// WithLogger sets a dedicated Logger.
func WithLogger(l *Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// WithCodec sets the payload codec used by typed helpers.
func WithCodec(c serial.Codec) Option {
	return func(o *Options) {
		o.Codec = c
	}
}

// WithScheduler shares sched between connections for heartbeat jobs.
func WithScheduler(sched *schedule.Scheduler) Option {
	return func(o *Options) {
		o.Scheduler = sched
	}
}

// WithStatsHTTP makes a Listener answer HTTP GET /stats on its port.
func WithStatsHTTP() Option {
	return func(o *Options) {
		o.StatsHTTP = true
	}
}
