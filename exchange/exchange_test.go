// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package exchange

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/destiny/zmesh"
	"github.com/destiny/zmesh/discovery"
	"github.com/destiny/zmesh/internal/testutil"
)

var quiet = zmesh.WithLogger(zmesh.DevNullLogger)

type whoAmI struct {
	Name string
}

// newNode starts an exchange hosting a "who" request inbox that answers
// with name, and a "note" message inbox recording what it got.
func newNode(t *testing.T, name string, services ...discovery.ServiceEndpointInfo) (*Exchange, string, *testutil.MessageTracker) {
	t.Helper()
	x := New(quiet)
	t.Cleanup(func() { x.Close() })

	notes := testutil.NewMessageTracker()
	zmesh.HandleRequest(x.Router(), "who", func(*zmesh.Conn, struct{}) (whoAmI, error) {
		return whoAmI{Name: name}, nil
	})
	x.Router().OnMessage("note", func(_ *zmesh.Conn, p []byte) { notes.MarkReceived(string(p)) })
	x.Router().OnRequest("fail", func(*zmesh.Conn, []byte) ([]byte, error) {
		return nil, errors.New(name + " refuses")
	})

	l, err := x.Host("127.0.0.1:0", services...)
	require.NoError(t, err)
	return x, l.Endpoint(), notes
}

func ask(t *testing.T, x *Exchange, key string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := RequestTyped[struct{}, whoAmI](ctx, x, key, "who", struct{}{})
	require.NoError(t, err)
	return resp.Name
}

func TestUnicastRoundRobin(t *testing.T) {
	_, epA, _ := newNode(t, "a")
	_, epB, _ := newNode(t, "b")

	client := New(quiet)
	defer client.Close()
	client.Routes().SetKey("svc", epA, epB)

	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, ask(t, client, "svc"))
	}
	assert.Equal(t, []string{"a", "b", "a", "b"}, got)
}

func TestCallServiceSkipsDeadEndpoints(t *testing.T) {
	_, live, _ := newNode(t, "live")
	dead, err := testutil.GetClosedEndpoint()
	require.NoError(t, err)

	client := New(quiet, zmesh.WithDialTimeout(time.Second))
	defer client.Close()
	client.Routes().SetKey("svc", dead, live)

	for i := 0; i < 3; i++ {
		assert.Equal(t, "live", ask(t, client, "svc"))
	}

	// Tried every endpoint once, reported both failures.
	client.Routes().SetKey("down", dead)
	_, err = client.Request(context.Background(), "down", "who", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), dead)

	_, err = client.Request(context.Background(), "nobody", "who", nil)
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestCallServiceDoesNotRetryRemoteErrors(t *testing.T) {
	_, epA, _ := newNode(t, "a")
	_, epB, _ := newNode(t, "b")

	client := New(quiet)
	defer client.Close()
	client.Routes().SetKey("svc", epA, epB)

	calls := 0
	err := client.CallService(context.Background(), "svc", func(c *zmesh.Conn) error {
		calls++
		_, err := c.Request(context.Background(), "fail", nil)
		return err
	})
	var remote *zmesh.RemoteError
	require.True(t, errors.As(err, &remote), "got %v", err)
	assert.Equal(t, 1, calls)
}

func TestSendUnicast(t *testing.T) {
	_, ep, notes := newNode(t, "a")

	client := New(quiet)
	defer client.Close()
	client.Routes().Set(ep)

	require.NoError(t, SendTyped(context.Background(), client, ep, "note", []byte("hello")))
	testutil.WaitWithTimeout(t, func() bool { return notes.Received() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"hello"}, notes.Order())
}

func TestBroadcastWithUnreachableEndpoint(t *testing.T) {
	_, epA, notesA := newNode(t, "a")
	_, epB, notesB := newNode(t, "b")
	dead, err := testutil.GetClosedEndpoint()
	require.NoError(t, err)

	client := New(quiet, zmesh.WithDialTimeout(time.Second), zmesh.WithRequestTimeout(2*time.Second))
	defer client.Close()
	client.Routes().SetService("a", "worker", "eu", epA)
	client.Routes().SetService("b", "worker", "eu", epB)
	client.Routes().SetService("c", "worker", "eu", dead)

	ctx := context.Background()

	n, err := client.SendBroadcastByGroup(ctx, "EU", "note", []byte("hi all"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	testutil.WaitWithTimeout(t, func() bool { return notesA.Received() == 1 && notesB.Received() == 1 }, 5*time.Second, 5*time.Millisecond)

	start := time.Now()
	replies, err := client.RequestBroadcastByType(ctx, "worker", "who", []byte{0x80})
	require.NoError(t, err)
	require.Len(t, replies, 3)
	assert.Less(t, time.Since(start), 4*time.Second)

	failed := 0
	for _, r := range replies {
		if r.Err != nil {
			failed++
			assert.Equal(t, dead, r.Endpoint)
		}
	}
	assert.Equal(t, 1, failed)

	names, err := GatherTyped[struct{}, whoAmI](ctx, client, ByGroup("eu"), "who", struct{}{})
	require.NoError(t, err)
	var got []string
	for _, n := range names {
		got = append(got, n.Name)
	}
	sort.Strings(got)
	assert.Equal(t, []string{"a", "b"}, got)

	_, err = client.RequestBroadcast(ctx, "missing", "who", nil)
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestRequestBroadcastIsTimeoutGated(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	slow := New(quiet)
	defer slow.Close()
	slow.Router().OnRequest("who", func(*zmesh.Conn, []byte) ([]byte, error) {
		<-block
		return nil, nil
	})
	l, err := slow.Host("127.0.0.1:0")
	require.NoError(t, err)

	_, fast, _ := newNode(t, "fast")

	client := New(quiet, zmesh.WithRequestTimeout(300*time.Millisecond))
	defer client.Close()
	client.Routes().SetKey("svc", l.Endpoint(), fast)

	start := time.Now()
	replies, err := client.RequestBroadcast(context.Background(), "svc", "who", []byte{0x80})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)

	byEndpoint := map[string]Reply{}
	for _, r := range replies {
		byEndpoint[r.Endpoint] = r
	}
	assert.NoError(t, byEndpoint[fast].Err)
	assert.Error(t, byEndpoint[l.Endpoint()].Err)
}

func TestManualRoutesWinOverDiscovered(t *testing.T) {
	_, epA, _ := newNode(t, "manual")
	_, epB, _ := newNode(t, "discovered")

	client := New(quiet)
	defer client.Close()
	client.Discovered().SetKey("svc", epB)
	assert.Equal(t, "discovered", ask(t, client, "svc"))

	client.Routes().SetKey("svc", epA)
	assert.Equal(t, "manual", ask(t, client, "svc"))
	assert.Equal(t, []string{epA}, client.Endpoints(ByKey("svc")))
}

func TestDiscoveryEndToEnd(t *testing.T) {
	reg := discovery.NewRegistry(time.Minute, zmesh.DevNullLogger)
	registry := New(quiet)
	defer registry.Close()
	reg.Bind(registry.Router())
	regL, err := registry.Host("127.0.0.1:0")
	require.NoError(t, err)

	server, _, _ := newNode(t, "orders-1", discovery.ServiceEndpointInfo{ServiceKey: "orders", ServiceType: "store"})
	require.NoError(t, server.UseDiscovery(regL.Endpoint()))
	assert.Error(t, server.UseDiscovery(regL.Endpoint()), "discovery is set once")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.Publish(ctx))
	require.Len(t, server.Services(), 1)
	assert.Equal(t, server.NodeID(), server.Services()[0].NodeID)

	client := New(quiet)
	defer client.Close()
	require.NoError(t, client.UseDiscovery("tcp://"+regL.Endpoint()))
	require.NoError(t, client.Refresh(ctx))

	assert.True(t, client.Discovered().ContainsType("store"))
	assert.Equal(t, "orders-1", ask(t, client, "orders"))

	stats := client.GetStats()
	assert.Equal(t, 1, stats["discovered_routes"])
	assert.Equal(t, regL.Endpoint(), stats["discovery"])
}

func TestCloseLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	server := New(quiet)
	server.Router().OnRequest("echo", func(_ *zmesh.Conn, p []byte) ([]byte, error) { return p, nil })
	l, err := server.Host("127.0.0.1:0")
	require.NoError(t, err)

	client := New(quiet)
	client.Routes().SetKey("echo", l.Endpoint())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := client.Request(context.Background(), "echo", "echo", []byte("x"))
			assert.NoError(t, err)
			assert.Equal(t, "x", string(got))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, client.Conns().Len())

	require.NoError(t, client.Close())
	require.NoError(t, server.Close())
	require.NoError(t, client.Close())

	_, err = server.Host("127.0.0.1:0")
	assert.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	dir := t.TempDir()
	routes := filepath.Join(dir, "routes.yaml")
	require.NoError(t, os.WriteFile(routes, []byte("routes:\n  - endpoint: 127.0.0.1:9900\n    key: static\n"), 0o644))

	path := filepath.Join(dir, "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node_id: node-7
listen: tcp://127.0.0.1:0
log_level: error
heartbeat_period: 10s
request_timeout: 2s
routes_file: `+routes+`
services:
  - key: orders
    type: store
    group: eu
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatPeriod)
	assert.Equal(t, 2*time.Second, cfg.RequestTimeout)

	x, err := FromConfig(cfg)
	require.NoError(t, err)
	defer x.Close()

	assert.Equal(t, "node-7", x.NodeID())
	assert.True(t, x.Routes().ContainsKey("static"))
	services := x.Services()
	require.Len(t, services, 1)
	assert.NotEmpty(t, services[0].Endpoint)
	assert.Equal(t, "node-7", services[0].NodeID)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("services:\n  - key: orders\n"), 0o644))
	_, err = LoadConfig(bad)
	assert.Error(t, err, "services without listen address")

	require.NoError(t, os.WriteFile(bad, []byte("log_level: loud\n"), 0o644))
	_, err = LoadConfig(bad)
	assert.Error(t, err)
}

func TestHostRejectsInvalidServicesBeforeListening(t *testing.T) {
	x := New(quiet)
	defer x.Close()

	_, err := x.Host("127.0.0.1:0",
		discovery.ServiceEndpointInfo{ServiceKey: "orders"},
		discovery.ServiceEndpointInfo{ServiceType: "keyless"},
	)
	require.Error(t, err)
	assert.Empty(t, x.Services())
	assert.Empty(t, x.GetStats()["listeners"])

	l, err := x.Host("127.0.0.1:0", discovery.ServiceEndpointInfo{ServiceKey: "orders"})
	require.NoError(t, err)
	require.Len(t, x.Services(), 1)
	assert.Equal(t, l.Endpoint(), x.Services()[0].Endpoint)
}

func TestCloseWaitsForFirstDiscoveryRound(t *testing.T) {
	arrived := make(chan struct{}, 1)
	block := make(chan struct{})

	stuck := New(quiet)
	stuck.Router().OnRequest(discovery.RegisterInbox, func(*zmesh.Conn, []byte) ([]byte, error) {
		select {
		case arrived <- struct{}{}:
		default:
		}
		<-block
		return nil, nil
	})
	regL, err := stuck.Host("127.0.0.1:0")
	require.NoError(t, err)

	ignore := goleak.IgnoreCurrent()

	node := New(quiet, zmesh.WithRequestTimeout(time.Minute))
	_, err = node.Host("127.0.0.1:0", discovery.ServiceEndpointInfo{ServiceKey: "orders"})
	require.NoError(t, err)
	require.NoError(t, node.UseDiscovery(regL.Endpoint()))

	select {
	case <-arrived:
	case <-time.After(5 * time.Second):
		t.Fatal("registration never reached the discovery node")
	}

	start := time.Now()
	require.NoError(t, node.Close())
	assert.Less(t, time.Since(start), 5*time.Second)

	close(block)
	require.NoError(t, stuck.Close())
	goleak.VerifyNone(t, ignore)
}
