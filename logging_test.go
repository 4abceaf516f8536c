// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zmesh

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerLog(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf, LogLevelInfo)

	l.Log(LogLevelDebug, "hidden", nil)
	assert.Empty(t, buf.String())

	l.Log(LogLevelWarn, "disk almost full", nil)
	assert.Contains(t, buf.String(), "[WARN] disk almost full\n")

	buf.Reset()
	l.Log(LogLevelError, "write failed", errors.New("broken pipe"))
	assert.Contains(t, buf.String(), "[ERROR] write failed: broken pipe\n")

	buf.Reset()
	l.SetLevel(LogLevelTrace)
	l.Log(LogLevelDebug, "now visible", nil)
	assert.Contains(t, buf.String(), "[DEBUG] now visible")
}

func TestParseLogLevel(t *testing.T) {
	for in, want := range map[string]LogLevel{
		"":        LogLevelInfo,
		"warning": LogLevelWarn,
		" DEBUG ": LogLevelDebug,
		"trace":   LogLevelTrace,
	} {
		got, err := ParseLogLevel(in)
		assert.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLogLevel("loud")
	assert.Error(t, err)
}
