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

package main

import (
	"context"
	"fmt"
	"net"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/pawelmojski/portcullis/lib/store"
)

// AllocCommand implements the "bind" and "unbind" verbs managing the
// proxy IP routing table.
type AllocCommand struct {
	proxyIP     string
	backendName string

	bind   *kingpin.CmdClause
	unbind *kingpin.CmdClause
}

// Initialize registers the clauses.
func (c *AllocCommand) Initialize(app *kingpin.Application) {
	c.bind = app.Command("bind", "Route a proxy IP to a backend.")
	c.bind.Arg("proxy_ip", "Proxy IP to bind.").Required().StringVar(&c.proxyIP)
	c.bind.Arg("backend", "Backend name to route to.").Required().StringVar(&c.backendName)

	c.unbind = app.Command("unbind", "Release a proxy IP route. All stays on it must be closed first.")
	c.unbind.Arg("proxy_ip", "Proxy IP to release.").Required().StringVar(&c.proxyIP)
}

// TryRun executes the matching clause.
func (c *AllocCommand) TryRun(ctx context.Context, cmd string, st *store.Store) (bool, error) {
	switch cmd {
	case c.bind.FullCommand():
		return true, trace.Wrap(c.onBind(ctx, st))
	case c.unbind.FullCommand():
		return true, trace.Wrap(c.onUnbind(ctx, st))
	}
	return false, nil
}

func (c *AllocCommand) onBind(ctx context.Context, st *store.Store) error {
	if net.ParseIP(c.proxyIP) == nil {
		return trace.BadParameter("invalid proxy IP %q", c.proxyIP)
	}
	backend, err := st.GetBackendByName(ctx, c.backendName)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := st.Bind(ctx, c.proxyIP, backend.ID, actor()); err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("Bound %v to backend %v.\n", c.proxyIP, backend.Name)
	return nil
}

func (c *AllocCommand) onUnbind(ctx context.Context, st *store.Store) error {
	if net.ParseIP(c.proxyIP) == nil {
		return trace.BadParameter("invalid proxy IP %q", c.proxyIP)
	}
	if err := st.Release(ctx, c.proxyIP, actor()); err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("Released %v.\n", c.proxyIP)
	return nil
}
