// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package discovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/destiny/zmesh"
	"github.com/destiny/zmesh/internal/testutil"
	"github.com/destiny/zmesh/route"
)

func TestRegistryExpiry(t *testing.T) {
	now := time.Unix(1700000000, 0)
	reg := NewRegistry(10*time.Second, zmesh.DevNullLogger)
	reg.now = func() time.Time { return now }

	n := reg.Register(
		ServiceEndpointInfo{Endpoint: "a:1", ServiceKey: "orders"},
		ServiceEndpointInfo{Endpoint: "b:1", ServiceKey: "billing"},
		ServiceEndpointInfo{Endpoint: "c:1"},
	)
	assert.Equal(t, 2, n, "service without key is rejected")

	now = now.Add(6 * time.Second)
	reg.Register(ServiceEndpointInfo{Endpoint: "a:1", ServiceKey: "orders"})

	now = now.Add(6 * time.Second)
	assert.Equal(t, 1, reg.Expire())
	require.Len(t, reg.Services(), 1)
	assert.Equal(t, "a:1", reg.Services()[0].Endpoint)
}

func TestRegistryServicesOrder(t *testing.T) {
	reg := NewRegistry(0, zmesh.DevNullLogger)
	reg.Register(
		ServiceEndpointInfo{Endpoint: "b:1", ServiceKey: "x"},
		ServiceEndpointInfo{Endpoint: "a:1", ServiceKey: "y"},
		ServiceEndpointInfo{Endpoint: "a:2", ServiceKey: "x"},
	)
	var eps []string
	for _, s := range reg.Services() {
		eps = append(eps, s.Endpoint)
	}
	assert.Equal(t, []string{"a:2", "b:1", "a:1"}, eps)
}

func TestClientRegistryRoundTrip(t *testing.T) {
	reg := NewRegistry(time.Minute, zmesh.DevNullLogger)
	router := zmesh.NewRouter(nil, zmesh.DevNullLogger)
	reg.Bind(router)
	reg.Start(nil)
	defer reg.Stop()

	l, err := zmesh.Listen("127.0.0.1:0", router, zmesh.WithLogger(zmesh.DevNullLogger))
	require.NoError(t, err)
	defer l.Close()

	cache := zmesh.NewConnCache(nil, zmesh.WithLogger(zmesh.DevNullLogger))
	defer cache.Close()

	client := NewClient(l.Endpoint(), "", cache)
	_, err = uuid.Parse(client.NodeID())
	require.NoError(t, err, "node id is a uuid")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, client.Register(ctx,
		ServiceEndpointInfo{Endpoint: "10.0.0.1:9000", ServiceKey: "orders", ServiceType: "store", Version: "1.2"},
		ServiceEndpointInfo{Endpoint: "10.0.0.2:9000", ServiceKey: "orders", ServiceGroup: "eu"},
	))
	err = client.Register(ctx, ServiceEndpointInfo{Endpoint: "10.0.0.3:9000"})
	assert.Error(t, err, "registry rejects a service without key")

	infos, err := client.Services(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, client.NodeID(), infos[0].NodeID)
	assert.Equal(t, "1.2", infos[0].Version)

	tbl := route.NewTable()
	tbl.Replace(Entries(infos))
	assert.ElementsMatch(t, []string{"10.0.0.1:9000", "10.0.0.2:9000"}, tbl.GetAll("orders"))
	assert.Equal(t, []string{"10.0.0.2:9000"}, tbl.GetAllByGroup("eu"))
}

func TestClientUnreachable(t *testing.T) {
	endpoint, err := testutil.GetClosedEndpoint()
	require.NoError(t, err)

	cache := zmesh.NewConnCache(nil, zmesh.WithLogger(zmesh.DevNullLogger), zmesh.WithDialTimeout(time.Second))
	defer cache.Close()

	_, err = NewClient(endpoint, "node-1", cache).Services(context.Background())
	assert.Error(t, err)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o644))
	require.NoError(t, os.Rename(tmp, path))
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.yaml")
	writeFile(t, path, `
routes:
  - endpoint: tcp://127.0.0.1:9000
    key: orders
    type: store
  - endpoint: 127.0.0.1:9001
    key: orders
    group: eu
`)

	tbl := route.NewTable()
	fs, err := NewFileSource(path, tbl, zmesh.DevNullLogger)
	require.NoError(t, err)
	defer fs.Close()

	assert.ElementsMatch(t, []string{"127.0.0.1:9000", "127.0.0.1:9001"}, tbl.GetAll("orders"))
	assert.Equal(t, []string{"127.0.0.1:9000"}, tbl.GetAllByType("store"))

	reloads := make(chan int, 16)
	fs.OnReload(func(entries []route.Entry) { reloads <- len(entries) })
	require.NoError(t, fs.Watch())

	writeFile(t, path, `
routes:
  - endpoint: 127.0.0.1:9100
    key: billing
`)
	testutil.WaitWithTimeout(t, func() bool { return tbl.ContainsKey("billing") }, 5*time.Second, 10*time.Millisecond)
	assert.False(t, tbl.ContainsKey("orders"))

	// A broken file leaves the previous routes in place.
	writeFile(t, path, "routes: [ {endpoint: ")
	time.Sleep(200 * time.Millisecond)
	assert.True(t, tbl.ContainsKey("billing"))

	require.NoError(t, fs.Close())
	assert.NotEmpty(t, reloads)
}

func TestLoadRoutesFileErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadRoutesFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("routes:\n  - key: orders\n"), 0o644))
	_, err = LoadRoutesFile(path)
	assert.ErrorContains(t, err, "no endpoint")

	require.NoError(t, os.WriteFile(path, []byte("routes:\n  - endpoint: udp://1.2.3.4:5\n"), 0o644))
	_, err = LoadRoutesFile(path)
	assert.Error(t, err)
}
