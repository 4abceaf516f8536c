// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zmesh

import (
	"errors"
	"fmt"
)

var (
	ErrDisposed       = errors.New("zmesh: connection disposed")
	ErrBroken         = errors.New("zmesh: connection broken")
	ErrRequestTimeout = errors.New("zmesh: request timeout")
	ErrListenerClosed = errors.New("zmesh: listener closed")
	ErrNoHandler      = errors.New("zmesh: no handler for inbox")
)

// RemoteError is returned by a request whose peer answered with an
// error-marked response.
type RemoteError struct {
	Inbox   string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("zmesh: remote error from inbox %q: %s", e.Inbox, e.Message)
}

// ConnError is returned by Conn operations.
type ConnError struct {
	Endpoint string
	Op       string
	Err      error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("zmesh: %s %s: %v", e.Endpoint, e.Op, e.Err)
}

func (e *ConnError) Unwrap() error {
	return e.Err
}
