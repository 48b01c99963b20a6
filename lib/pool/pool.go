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

// Package pool maintains the proxy IP routing table: which backend a
// given local address fronts for. Resolution is a map lookup against a
// read-through cache of active allocations; binds and releases write
// through to the store and invalidate the cache atomically.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/pawelmojski/portcullis"
	"github.com/pawelmojski/portcullis/lib/defaults"
	"github.com/pawelmojski/portcullis/lib/store"
	"github.com/pawelmojski/portcullis/lib/utils"
)

// Allocator is the subset of the store the pool needs.
type Allocator interface {
	Bind(ctx context.Context, proxyIP string, backendID int64, actor string) error
	Release(ctx context.Context, proxyIP string, actor string) error
	ActiveAllocations(ctx context.Context) ([]store.Allocation, map[string]store.Backend, error)
}

// Config holds pool construction parameters.
type Config struct {
	// Store provides allocations and backends.
	Store Allocator

	// CacheTTL bounds staleness of the routing cache against writes
	// made by another process sharing the database.
	CacheTTL time.Duration

	// Clock is an optional clock override used in tests.
	Clock clockwork.Clock

	// Log is an optional logger override.
	Log *logrus.Entry
}

// CheckAndSetDefaults makes sure all required parameters are passed in.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = defaults.RoutingCacheTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = utils.NewLogger(portcullis.ComponentPool)
	}
	return nil
}

// Pool caches the active allocation set.
type Pool struct {
	cfg Config

	mu        sync.RWMutex
	routes    map[string]store.Backend
	refreshed time.Time
}

// New creates a pool and primes the cache from the store.
func New(ctx context.Context, cfg Config) (*Pool, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	p := &Pool{cfg: cfg}
	if err := p.refresh(ctx); err != nil {
		return nil, trace.Wrap(err)
	}
	return p, nil
}

// Resolve maps a proxy IP to its backend. NotFound means no active
// allocation fronts this address.
func (p *Pool) Resolve(ctx context.Context, proxyIP string) (*store.Backend, error) {
	p.mu.RLock()
	stale := p.cfg.Clock.Now().Sub(p.refreshed) > p.cfg.CacheTTL
	b, ok := p.routes[proxyIP]
	p.mu.RUnlock()
	if stale {
		if err := p.refresh(ctx); err != nil {
			// Serve the stale entry rather than fail the connection;
			// the TTL bounds how old it can be relative to the last
			// successful read.
			p.cfg.Log.WithError(err).Warn("Failed to refresh routing table, serving cached routes.")
			if ok {
				return &b, nil
			}
			return nil, trace.Wrap(err)
		}
		p.mu.RLock()
		b, ok = p.routes[proxyIP]
		p.mu.RUnlock()
	}
	if !ok {
		return nil, trace.NotFound("no backend bound to proxy IP %v", proxyIP)
	}
	return &b, nil
}

// Routes returns a copy of the current routing table.
func (p *Pool) Routes() map[string]store.Backend {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]store.Backend, len(p.routes))
	for ip, b := range p.routes {
		out[ip] = b
	}
	return out
}

// Bind allocates a proxy IP to a backend and refreshes the cache.
func (p *Pool) Bind(ctx context.Context, proxyIP string, backendID int64, actor string) error {
	if err := p.cfg.Store.Bind(ctx, proxyIP, backendID, actor); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(p.refresh(ctx))
}

// Release unbinds a proxy IP and refreshes the cache. The store
// refuses the release while stays are active on the address.
func (p *Pool) Release(ctx context.Context, proxyIP string, actor string) error {
	if err := p.cfg.Store.Release(ctx, proxyIP, actor); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(p.refresh(ctx))
}

func (p *Pool) refresh(ctx context.Context) error {
	_, backends, err := p.cfg.Store.ActiveAllocations(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	p.mu.Lock()
	p.routes = backends
	p.refreshed = p.cfg.Clock.Now()
	p.mu.Unlock()
	return nil
}
