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
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/pawelmojski/portcullis/lib/store"
)

// PolicyCommand implements the "grant" and "revoke" verbs.
type PolicyCommand struct {
	person      string
	userGroup   string
	backend     string
	serverGroup string
	service     bool
	protocol    string
	logins      []string
	duration    string
	sourceIP    string
	allowPF     bool

	revokeID int64

	grant  *kingpin.CmdClause
	revoke *kingpin.CmdClause
}

// Initialize registers the clauses.
func (c *PolicyCommand) Initialize(app *kingpin.Application) {
	c.grant = app.Command("grant", "Create a time-bounded access policy.")
	c.grant.Flag("person", "Subject person handle.").StringVar(&c.person)
	c.grant.Flag("user-group", "Subject user group name.").StringVar(&c.userGroup)
	c.grant.Flag("backend", "Target backend name.").StringVar(&c.backend)
	c.grant.Flag("server-group", "Target server group name.").StringVar(&c.serverGroup)
	c.grant.Flag("service", "Pin the grant to the single (backend, protocol) service.").BoolVar(&c.service)
	c.grant.Flag("protocol", "Granted protocol.").Default("any").EnumVar(&c.protocol, "ssh", "rdp", "any")
	c.grant.Flag("login", "Permitted SSH login, repeatable.").StringsVar(&c.logins)
	c.grant.Flag("for", "Duration like 30m, 2h30m, 1.5d, 1w, 2mo, 1y or permanent.").
		Default("permanent").StringVar(&c.duration)
	c.grant.Flag("source-ip", "Pin the grant to one registered source IP.").StringVar(&c.sourceIP)
	c.grant.Flag("allow-port-forwarding", "Permit SSH port forwarding channels.").BoolVar(&c.allowPF)

	c.revoke = app.Command("revoke", "Deactivate a policy and terminate its stays.")
	c.revoke.Arg("policy_id", "Policy to revoke.").Required().Int64Var(&c.revokeID)
}

// TryRun executes the matching clause.
func (c *PolicyCommand) TryRun(ctx context.Context, cmd string, st *store.Store) (bool, error) {
	switch cmd {
	case c.grant.FullCommand():
		return true, trace.Wrap(c.onGrant(ctx, st))
	case c.revoke.FullCommand():
		return true, trace.Wrap(c.onRevoke(ctx, st))
	}
	return false, nil
}

func (c *PolicyCommand) onGrant(ctx context.Context, st *store.Store) error {
	if (c.person == "") == (c.userGroup == "") {
		return trace.BadParameter("exactly one of --person or --user-group is required")
	}
	if (c.backend == "") == (c.serverGroup == "") {
		return trace.BadParameter("exactly one of --backend or --server-group is required")
	}
	if c.service && (c.backend == "" || c.protocol == string(store.ProtocolAny)) {
		return trace.BadParameter("--service requires --backend and a concrete --protocol")
	}
	minutes, err := parseDuration(c.duration)
	if err != nil {
		return trace.Wrap(err)
	}

	policy := store.Policy{
		Protocol:            store.Protocol(c.protocol),
		SSHLogins:           c.logins,
		AllowPortForwarding: c.allowPF,
		CreatedBy:           actor(),
	}

	var person *store.Person
	if c.person != "" {
		person, err = st.GetPersonByHandle(ctx, c.person)
		if err != nil {
			return trace.Wrap(err)
		}
		policy.SubjectKind = store.SubjectPerson
		policy.SubjectID = person.ID
	} else {
		group, err := groupByName(ctx, st, store.UserGroups, c.userGroup)
		if err != nil {
			return trace.Wrap(err)
		}
		policy.SubjectKind = store.SubjectUserGroup
		policy.SubjectID = group.ID
	}

	if c.backend != "" {
		backend, err := st.GetBackendByName(ctx, c.backend)
		if err != nil {
			return trace.Wrap(err)
		}
		policy.ScopeKind = store.ScopeServer
		if c.service {
			policy.ScopeKind = store.ScopeService
		}
		policy.ScopeID = backend.ID
	} else {
		group, err := groupByName(ctx, st, store.ServerGroups, c.serverGroup)
		if err != nil {
			return trace.Wrap(err)
		}
		policy.ScopeKind = store.ScopeServerGroup
		policy.ScopeID = group.ID
	}

	if c.sourceIP != "" {
		owner, sip, err := st.PersonBySourceIP(ctx, c.sourceIP)
		if err != nil {
			return trace.Wrap(err)
		}
		if person != nil && owner.ID != person.ID {
			return trace.BadParameter("source IP %v is registered to %v, not %v",
				c.sourceIP, owner.Handle, person.Handle)
		}
		policy.SourceIPID = &sip.ID
	}

	if minutes > 0 {
		endsAt := time.Now().UTC().Add(time.Duration(minutes) * time.Minute)
		policy.EndsAt = &endsAt
	}

	created, err := st.CreatePolicy(ctx, policy)
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("Created policy %v (%v %v -> %v %v, %v, %v).\n",
		created.ID, created.SubjectKind, created.SubjectID,
		created.ScopeKind, created.ScopeID, created.Protocol,
		formatDuration(minutes))
	return nil
}

func (c *PolicyCommand) onRevoke(ctx context.Context, st *store.Store) error {
	if err := st.RevokePolicy(ctx, c.revokeID, actor()); err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("Revoked policy %v. Stays admitted under it terminate within seconds.\n", c.revokeID)
	return nil
}

func groupByName(ctx context.Context, st *store.Store, kind store.GroupKind, name string) (*store.Group, error) {
	groups, err := st.ListGroups(ctx, kind)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for i := range groups {
		if groups[i].Name == name {
			return &groups[i], nil
		}
	}
	return nil, trace.NotFound("%v %q not found", kind, name)
}
