/*
Copyright 2026 Portcullis Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package pool

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/pawelmojski/portcullis/lib/store"
)

// fakeAllocator is an in-memory Allocator that counts reads so tests
// can observe cache behavior.
type fakeAllocator struct {
	routes map[string]store.Backend
	stays  map[string]int
	reads  int
}

func newFakeAllocator() *fakeAllocator {
	return &fakeAllocator{
		routes: make(map[string]store.Backend),
		stays:  make(map[string]int),
	}
}

func (f *fakeAllocator) Bind(ctx context.Context, proxyIP string, backendID int64, actor string) error {
	if _, ok := f.routes[proxyIP]; ok {
		return trace.AlreadyExists("already exists: %v", proxyIP)
	}
	f.routes[proxyIP] = store.Backend{ID: backendID, Active: true, SSHEnabled: true}
	return nil
}

func (f *fakeAllocator) Release(ctx context.Context, proxyIP string, actor string) error {
	if f.stays[proxyIP] > 0 {
		return trace.CompareFailed("%v stays still active on %v", f.stays[proxyIP], proxyIP)
	}
	if _, ok := f.routes[proxyIP]; !ok {
		return trace.NotFound("no active allocation for %v", proxyIP)
	}
	delete(f.routes, proxyIP)
	return nil
}

func (f *fakeAllocator) ActiveAllocations(ctx context.Context) ([]store.Allocation, map[string]store.Backend, error) {
	f.reads++
	out := make(map[string]store.Backend, len(f.routes))
	var allocs []store.Allocation
	for ip, b := range f.routes {
		out[ip] = b
		allocs = append(allocs, store.Allocation{ProxyIP: ip, BackendID: b.ID})
	}
	return allocs, out, nil
}

func TestResolveUsesCache(t *testing.T) {
	ctx := context.Background()
	alloc := newFakeAllocator()
	clock := clockwork.NewFakeClock()
	require.NoError(t, alloc.Bind(ctx, "172.16.0.10", 1, "admin"))

	p, err := New(ctx, Config{Store: alloc, Clock: clock, CacheTTL: 5 * time.Second})
	require.NoError(t, err)
	readsAfterPrime := alloc.reads

	// Within the TTL all resolves hit the cache.
	for i := 0; i < 10; i++ {
		b, err := p.Resolve(ctx, "172.16.0.10")
		require.NoError(t, err)
		require.Equal(t, int64(1), b.ID)
	}
	require.Equal(t, readsAfterPrime, alloc.reads)

	// Past the TTL a resolve refreshes, picking up out-of-band writes.
	require.NoError(t, alloc.Bind(ctx, "172.16.0.11", 2, "admin"))
	clock.Advance(6 * time.Second)
	b, err := p.Resolve(ctx, "172.16.0.11")
	require.NoError(t, err)
	require.Equal(t, int64(2), b.ID)
	require.Greater(t, alloc.reads, readsAfterPrime)
}

func TestBindInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	alloc := newFakeAllocator()
	clock := clockwork.NewFakeClock()

	p, err := New(ctx, Config{Store: alloc, Clock: clock})
	require.NoError(t, err)

	_, err = p.Resolve(ctx, "172.16.0.10")
	require.True(t, trace.IsNotFound(err))

	require.NoError(t, p.Bind(ctx, "172.16.0.10", 7, "admin"))
	b, err := p.Resolve(ctx, "172.16.0.10")
	require.NoError(t, err)
	require.Equal(t, int64(7), b.ID)

	require.NoError(t, p.Release(ctx, "172.16.0.10", "admin"))
	_, err = p.Resolve(ctx, "172.16.0.10")
	require.True(t, trace.IsNotFound(err))
}

func TestReleaseRefusedWhileStaysActive(t *testing.T) {
	ctx := context.Background()
	alloc := newFakeAllocator()
	clock := clockwork.NewFakeClock()
	require.NoError(t, alloc.Bind(ctx, "172.16.0.10", 1, "admin"))
	alloc.stays["172.16.0.10"] = 2

	p, err := New(ctx, Config{Store: alloc, Clock: clock})
	require.NoError(t, err)

	err = p.Release(ctx, "172.16.0.10", "admin")
	require.True(t, trace.IsCompareFailed(err))

	// The route survives a refused release.
	b, err := p.Resolve(ctx, "172.16.0.10")
	require.NoError(t, err)
	require.Equal(t, int64(1), b.ID)
}
