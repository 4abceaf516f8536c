// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zmesh

import (
	"fmt"
	"net"
	"strings"
)

// NormalizeEndpoint accepts "host:port" or "tcp://host:port" and returns
// "host:port". Other transports are rejected.
func NormalizeEndpoint(ep string) (string, error) {
	ep = strings.TrimSpace(ep)
	if i := strings.Index(ep, "://"); i >= 0 {
		if scheme := ep[:i]; scheme != "tcp" {
			return "", fmt.Errorf("zmesh: unsupported transport %q in endpoint %q", scheme, ep)
		}
		ep = ep[i+3:]
	}
	host, port, err := net.SplitHostPort(ep)
	if err != nil {
		return "", fmt.Errorf("zmesh: invalid endpoint %q: %w", ep, err)
	}
	if port == "" {
		return "", fmt.Errorf("zmesh: missing port in endpoint %q", ep)
	}
	return net.JoinHostPort(host, port), nil
}
