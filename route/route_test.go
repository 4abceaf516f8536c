// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package route

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundRobinCycle(t *testing.T) {
	var rr RoundRobin[string]
	for _, v := range []string{"A", "B", "C"} {
		assert.True(t, rr.Add(v))
	}
	assert.False(t, rr.Add("B"))

	var got []string
	for i := 0; i < 4; i++ {
		v, ok := rr.Next()
		require.True(t, ok)
		got = append(got, v)
	}
	assert.Equal(t, []string{"A", "B", "C", "A"}, got)
}

func TestRoundRobinRemove(t *testing.T) {
	tests := []struct {
		name   string
		gets   int
		remove string
		want   []string
	}{
		{name: "cursor item", gets: 1, remove: "B", want: []string{"C", "A", "C"}},
		{name: "before cursor", gets: 2, remove: "A", want: []string{"C", "B", "C"}},
		{name: "after cursor", gets: 1, remove: "C", want: []string{"B", "A", "B"}},
		{name: "last item under cursor wraps", gets: 2, remove: "C", want: []string{"A", "B", "A"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var rr RoundRobin[string]
			rr.Add("A")
			rr.Add("B")
			rr.Add("C")
			for i := 0; i < tc.gets; i++ {
				rr.Next()
			}
			require.True(t, rr.Remove(tc.remove))
			assert.False(t, rr.Remove(tc.remove))

			var got []string
			for range tc.want {
				v, _ := rr.Next()
				got = append(got, v)
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRoundRobinSeq(t *testing.T) {
	var rr RoundRobin[int]
	_, ok := rr.Next()
	assert.False(t, ok)
	assert.Nil(t, rr.Seq())

	for i := 1; i <= 4; i++ {
		rr.Add(i)
	}
	rr.Next()
	assert.Equal(t, []int{2, 3, 4, 1}, rr.Seq())
	assert.Equal(t, []int{2, 3, 4, 1}, rr.Seq(), "Seq does not advance")
	assert.Equal(t, []int{2, 3, 4, 1}, rr.NextSeq())
	assert.Equal(t, []int{3, 4, 1, 2}, rr.NextSeq())
	assert.Equal(t, []int{1, 2, 3, 4}, rr.Items())

	rr.Remove(4)
	rr.Remove(3)
	v, _ := rr.Current()
	assert.Equal(t, 1, v)
}

func TestTableMembership(t *testing.T) {
	tbl := NewTable()
	tbl.SetService("Orders", "Store", "EU", "10.0.0.1:9000")
	tbl.SetService("orders", "store", "us", "10.0.0.2:9000")
	tbl.SetService("billing", "store", "eu", "10.0.0.3:9000")

	assert.ElementsMatch(t, []string{"10.0.0.1:9000", "10.0.0.2:9000"}, tbl.GetAll("ORDERS"))
	assert.ElementsMatch(t, []string{"10.0.0.1:9000", "10.0.0.2:9000", "10.0.0.3:9000"}, tbl.GetAllByType("STORE"))
	assert.ElementsMatch(t, []string{"10.0.0.1:9000", "10.0.0.3:9000"}, tbl.GetAllByGroup("eu"))

	// Re-registration moves the endpoint out of its old collections.
	tbl.SetService("billing", "ledger", "us", "10.0.0.1:9000")
	assert.Equal(t, []string{"10.0.0.2:9000"}, tbl.GetAll("orders"))
	assert.ElementsMatch(t, []string{"10.0.0.1:9000", "10.0.0.3:9000"}, tbl.GetAll("billing"))
	assert.Equal(t, []string{"10.0.0.3:9000"}, tbl.GetAllByGroup("eu"))
	assert.True(t, tbl.ContainsType("Ledger"))

	assert.True(t, tbl.Remove("10.0.0.2:9000"))
	assert.False(t, tbl.ContainsKey("orders"))
	assert.False(t, tbl.ContainsGroup("missing"))
	_, ok := tbl.Get("orders")
	assert.False(t, ok)
	assert.Equal(t, 2, tbl.Len())
}

func TestTableUnicodeFolding(t *testing.T) {
	tbl := NewTable()
	tbl.SetKey("École", "a:1")
	assert.True(t, tbl.ContainsKey("ÉCOLE"))
	assert.True(t, tbl.ContainsKey("école"))
	assert.False(t, tbl.ContainsKey("ecole"))
}

func TestTableSetUsesEndpointAsKey(t *testing.T) {
	tbl := NewTable()
	tbl.Set("127.0.0.1:5000")
	ep, ok := tbl.Get("127.0.0.1:5000")
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:5000", ep)
}

func TestTableRoundRobinAndGetNext(t *testing.T) {
	tbl := NewTable()
	tbl.SetKey("svc", "A", "B", "C")

	var got []string
	for i := 0; i < 4; i++ {
		ep, ok := tbl.Get("svc")
		require.True(t, ok)
		got = append(got, ep)
	}
	assert.Equal(t, []string{"A", "B", "C", "A"}, got)

	tbl.Remove("B")
	ep, _ := tbl.Get("svc")
	assert.Equal(t, "C", ep)

	assert.Equal(t, []string{"A", "C"}, tbl.GetNext("svc"))
	assert.Equal(t, []string{"C", "A"}, tbl.GetNext("svc"))
	assert.Equal(t, []string{"A", "C"}, tbl.GetAll("svc"))
}

func TestTableReplaceKeepsCursor(t *testing.T) {
	tbl := NewTable()
	tbl.Replace([]Entry{
		{Endpoint: "A", Key: "svc"},
		{Endpoint: "B", Key: "svc"},
		{Endpoint: "C", Key: "svc"},
	})
	tbl.Get("svc")

	tbl.Replace([]Entry{
		{Endpoint: "A", Key: "svc"},
		{Endpoint: "B", Key: "SVC"},
		{Endpoint: "D", Key: "other"},
	})
	ep, _ := tbl.Get("svc")
	assert.Equal(t, "B", ep)
	assert.False(t, tbl.ContainsEndpoint("C"))
	assert.Equal(t, []Entry{
		{Endpoint: "A", Key: "svc"},
		{Endpoint: "B", Key: "SVC"},
		{Endpoint: "D", Key: "other"},
	}, tbl.Entries())

	tbl.Clear()
	assert.Zero(t, tbl.Len())
}

func TestTableConcurrentAccess(t *testing.T) {
	tbl := NewTable()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				ep := fmt.Sprintf("10.0.%d.%d:1", w, i%10)
				tbl.SetService("svc", "t", fmt.Sprintf("g%d", w), ep)
				tbl.Get("svc")
				tbl.GetAllByGroup(fmt.Sprintf("g%d", w))
				if i%3 == 0 {
					tbl.Remove(ep)
				}
			}
		}(w)
	}
	wg.Wait()

	for _, e := range tbl.Entries() {
		assert.Contains(t, tbl.GetAll("svc"), e.Endpoint)
	}
}
