// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package serial defines the payload serialization boundary used by zmesh
// and provides the default msgpack implementation.
package serial

import (
	"fmt"

	"github.com/shamaton/msgpack/v2"
)

// Codec turns typed values into payload bytes and back.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Msgpack is the default codec. It round-trips scalars, slices, maps and
// nested structs with exported fields.
type Msgpack struct{}

func (Msgpack) Marshal(v any) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("serial: msgpack marshal %T: %w", v, err)
	}
	return data, nil
}

func (Msgpack) Unmarshal(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("serial: msgpack unmarshal %T: %w", v, err)
	}
	return nil
}

// Raw passes []byte payloads through untouched and delegates everything
// else to Fallback (msgpack when nil).
type Raw struct {
	Fallback Codec
}

func (r Raw) Marshal(v any) ([]byte, error) {
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	return r.fallback().Marshal(v)
}

func (r Raw) Unmarshal(data []byte, v any) error {
	if p, ok := v.(*[]byte); ok {
		*p = append((*p)[:0], data...)
		return nil
	}
	return r.fallback().Unmarshal(data, v)
}

func (r Raw) fallback() Codec {
	if r.Fallback == nil {
		return Msgpack{}
	}
	return r.Fallback
}

// Default is the codec used when none is configured.
var Default Codec = Raw{Fallback: Msgpack{}}

// Serialize marshals v with c.
func Serialize[T any](c Codec, v T) ([]byte, error) {
	return c.Marshal(v)
}

// Deserialize unmarshals data into a new T with c.
func Deserialize[T any](c Codec, data []byte) (T, error) {
	var v T
	err := c.Unmarshal(data, &v)
	return v, err
}
