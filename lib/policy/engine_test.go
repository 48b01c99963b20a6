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

package policy

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/pawelmojski/portcullis/lib/store"
	"github.com/pawelmojski/portcullis/lib/utils"
)

// fakeAccessPoint is an in-memory AccessPoint for engine tests.
type fakeAccessPoint struct {
	persons   map[string]personEntry // keyed by source IP
	groups    map[store.GroupKind][]store.Group
	members   map[store.GroupKind]map[int64][]int64 // group -> member IDs
	memberOf  map[store.GroupKind]map[int64][]int64 // member -> direct groups
	policies  []store.Policy
	decideErr error
}

type personEntry struct {
	person   store.Person
	sourceIP store.SourceIP
}

func newFakeAccessPoint() *fakeAccessPoint {
	return &fakeAccessPoint{
		persons: make(map[string]personEntry),
		groups:  make(map[store.GroupKind][]store.Group),
		members: map[store.GroupKind]map[int64][]int64{
			store.ServerGroups: {}, store.UserGroups: {},
		},
		memberOf: map[store.GroupKind]map[int64][]int64{
			store.ServerGroups: {}, store.UserGroups: {},
		},
	}
}

func (f *fakeAccessPoint) addPerson(id int64, handle, ip string) {
	f.persons[ip] = personEntry{
		person:   store.Person{ID: id, Handle: handle, Active: true},
		sourceIP: store.SourceIP{ID: id * 100, PersonID: id, CIDR: ip, Active: true},
	}
}

func (f *fakeAccessPoint) addGroup(kind store.GroupKind, id int64, parent *int64, members ...int64) {
	f.groups[kind] = append(f.groups[kind], store.Group{ID: id, ParentID: parent})
	for _, m := range members {
		f.members[kind][id] = append(f.members[kind][id], m)
		f.memberOf[kind][m] = append(f.memberOf[kind][m], id)
	}
}

func (f *fakeAccessPoint) PersonBySourceIP(ctx context.Context, addr string) (*store.Person, *store.SourceIP, error) {
	e, ok := f.persons[addr]
	if !ok {
		return nil, nil, trace.NotFound("no person registered for source IP %v", addr)
	}
	return &e.person, &e.sourceIP, nil
}

func (f *fakeAccessPoint) CandidatePolicies(ctx context.Context, personID int64, groupIDs []int64) ([]store.Policy, error) {
	if f.decideErr != nil {
		<-ctx.Done()
		return nil, trace.Wrap(ctx.Err())
	}
	var out []store.Policy
	for _, p := range f.policies {
		if !p.Active {
			continue
		}
		switch p.SubjectKind {
		case store.SubjectPerson:
			if p.SubjectID == personID {
				out = append(out, p)
			}
		case store.SubjectUserGroup:
			for _, g := range groupIDs {
				if p.SubjectID == g {
					out = append(out, p)
					break
				}
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if (out[i].EndsAt == nil) != (out[j].EndsAt == nil) {
			return out[i].EndsAt == nil
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (f *fakeAccessPoint) DirectGroupsOf(ctx context.Context, kind store.GroupKind, memberID int64) ([]int64, error) {
	return f.memberOf[kind][memberID], nil
}

func (f *fakeAccessPoint) ListGroups(ctx context.Context, kind store.GroupKind) ([]store.Group, error) {
	return f.groups[kind], nil
}

func (f *fakeAccessPoint) GroupMembers(ctx context.Context, kind store.GroupKind, groupID int64) ([]int64, error) {
	return f.members[kind][groupID], nil
}

// fakeRouter maps proxy IPs to backends statically.
type fakeRouter struct {
	routes map[string]store.Backend
}

func (f *fakeRouter) Resolve(ctx context.Context, proxyIP string) (*store.Backend, error) {
	b, ok := f.routes[proxyIP]
	if !ok {
		return nil, trace.NotFound("no backend bound to proxy IP %v", proxyIP)
	}
	return &b, nil
}

// testEnv wires an engine over a populated fake world:
//
//	alice (10.1.1.1) is in user group "ops" (1)
//	bob   (10.2.2.2) has no groups
//	web-1 (id 1, ssh) behind 172.16.0.10, in server group "prod" (10),
//	  whose parent is "all" (11)
//	win-1 (id 2, rdp) behind 172.16.0.20, ungrouped
type testEnv struct {
	ap     *fakeAccessPoint
	router *fakeRouter
	clock  *clockwork.FakeClock
	engine *Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ap := newFakeAccessPoint()
	ap.addPerson(1, "alice", "10.1.1.1")
	ap.addPerson(2, "bob", "10.2.2.2")
	allID := int64(11)
	ap.addGroup(store.ServerGroups, 11, nil)
	ap.addGroup(store.ServerGroups, 10, &allID, 1)
	ap.addGroup(store.UserGroups, 1, nil, 1)
	router := &fakeRouter{routes: map[string]store.Backend{
		"172.16.0.10": {ID: 1, Name: "web-1", Active: true, SSHEnabled: true},
		"172.16.0.20": {ID: 2, Name: "win-1", Active: true, RDPEnabled: true},
	}}
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC))
	engine, err := NewEngine(Config{
		AccessPoint: ap,
		Router:      router,
		Clock:       clock,
		Log:         utils.NewLoggerForTests(),
	})
	require.NoError(t, err)
	return &testEnv{ap: ap, router: router, clock: clock, engine: engine}
}

func (env *testEnv) decide(t *testing.T, req Request) *Decision {
	t.Helper()
	d, err := env.engine.Decide(context.Background(), req)
	require.NoError(t, err)
	return d
}

func TestDecideAdmitDirectPolicy(t *testing.T) {
	env := newTestEnv(t)
	ends := env.clock.Now().Add(2 * time.Hour)
	env.ap.policies = []store.Policy{{
		ID: 1, SubjectKind: store.SubjectPerson, SubjectID: 1,
		ScopeKind: store.ScopeServer, ScopeID: 1,
		Protocol: store.ProtocolSSH, SSHLogins: []string{"root"},
		StartsAt: env.clock.Now().Add(-time.Hour), EndsAt: &ends, Active: true,
	}}

	d := env.decide(t, Request{SourceIP: "10.1.1.1", ProxyIP: "172.16.0.10", Protocol: store.ProtocolSSH, Login: "root"})
	require.True(t, d.Admitted)
	require.Equal(t, int64(1), d.Policy.ID)
	require.Equal(t, []string{"root"}, d.LoginFilter)
	require.Equal(t, ends, *d.EffectiveEnd)
}

func TestDecideUnknownSourceAndRoute(t *testing.T) {
	env := newTestEnv(t)

	d := env.decide(t, Request{SourceIP: "192.0.2.1", ProxyIP: "172.16.0.10", Protocol: store.ProtocolSSH})
	require.False(t, d.Admitted)
	require.Equal(t, ReasonNoPersonForSourceIP, d.Reason)

	d = env.decide(t, Request{SourceIP: "10.1.1.1", ProxyIP: "172.16.0.99", Protocol: store.ProtocolSSH})
	require.False(t, d.Admitted)
	require.Equal(t, ReasonNoBackendForProxyIP, d.Reason)
}

func TestDecideBackendDisabled(t *testing.T) {
	env := newTestEnv(t)
	// SSH to the RDP-only backend.
	d := env.decide(t, Request{SourceIP: "10.1.1.1", ProxyIP: "172.16.0.20", Protocol: store.ProtocolSSH})
	require.False(t, d.Admitted)
	require.Equal(t, ReasonBackendDisabled, d.Reason)
}

func TestDecideGroupPolicyViaParentScope(t *testing.T) {
	env := newTestEnv(t)
	// Grant to user group "ops" on server group "all"; web-1 is in
	// "prod" whose parent is "all", alice is in "ops".
	env.ap.policies = []store.Policy{{
		ID: 2, SubjectKind: store.SubjectUserGroup, SubjectID: 1,
		ScopeKind: store.ScopeServerGroup, ScopeID: 11,
		Protocol: store.ProtocolAny,
		StartsAt: env.clock.Now().Add(-time.Hour), Active: true,
	}}

	d := env.decide(t, Request{SourceIP: "10.1.1.1", ProxyIP: "172.16.0.10", Protocol: store.ProtocolSSH, Login: "deploy"})
	require.True(t, d.Admitted)
	require.Equal(t, int64(2), d.Policy.ID)
	require.Empty(t, d.LoginFilter)
	require.Nil(t, d.EffectiveEnd)

	// bob is not in ops.
	d = env.decide(t, Request{SourceIP: "10.2.2.2", ProxyIP: "172.16.0.10", Protocol: store.ProtocolSSH, Login: "deploy"})
	require.False(t, d.Admitted)
	require.Equal(t, ReasonNoMatchingPolicy, d.Reason)
}

func TestDecideDirectPolicySuppressesGroup(t *testing.T) {
	env := newTestEnv(t)
	// A permissive group grant plus a restrictive direct grant: the
	// direct grant wins and its login filter denies outright.
	env.ap.policies = []store.Policy{
		{
			ID: 1, SubjectKind: store.SubjectUserGroup, SubjectID: 1,
			ScopeKind: store.ScopeServer, ScopeID: 1,
			Protocol: store.ProtocolAny,
			StartsAt: env.clock.Now().Add(-time.Hour), Active: true,
		},
		{
			ID: 2, SubjectKind: store.SubjectPerson, SubjectID: 1,
			ScopeKind: store.ScopeServer, ScopeID: 1,
			Protocol: store.ProtocolSSH, SSHLogins: []string{"deploy"},
			StartsAt: env.clock.Now().Add(-time.Hour), Active: true,
		},
	}

	d := env.decide(t, Request{SourceIP: "10.1.1.1", ProxyIP: "172.16.0.10", Protocol: store.ProtocolSSH, Login: "root"})
	require.False(t, d.Admitted)
	require.Equal(t, ReasonLoginNotPermitted, d.Reason)

	d = env.decide(t, Request{SourceIP: "10.1.1.1", ProxyIP: "172.16.0.10", Protocol: store.ProtocolSSH, Login: "deploy"})
	require.True(t, d.Admitted)
	require.Equal(t, int64(2), d.Policy.ID)
}

func TestDecideMostSpecificReasonWins(t *testing.T) {
	env := newTestEnv(t)
	expired := env.clock.Now().Add(-time.Minute)
	env.ap.policies = []store.Policy{
		{
			ID: 1, SubjectKind: store.SubjectUserGroup, SubjectID: 1,
			ScopeKind: store.ScopeServer, ScopeID: 1,
			Protocol: store.ProtocolSSH,
			StartsAt: env.clock.Now().Add(-2 * time.Hour), EndsAt: &expired, Active: true,
		},
		{
			ID: 2, SubjectKind: store.SubjectUserGroup, SubjectID: 1,
			ScopeKind: store.ScopeServer, ScopeID: 1,
			Protocol: store.ProtocolSSH, SSHLogins: []string{"deploy"},
			StartsAt: env.clock.Now().Add(-time.Hour), Active: true,
		},
	}

	// One candidate expired, one failed the login filter: the login
	// failure is the more specific story.
	d := env.decide(t, Request{SourceIP: "10.1.1.1", ProxyIP: "172.16.0.10", Protocol: store.ProtocolSSH, Login: "root"})
	require.False(t, d.Admitted)
	require.Equal(t, ReasonLoginNotPermitted, d.Reason)
}

func TestDecideScheduleWindow(t *testing.T) {
	env := newTestEnv(t)
	ends := env.clock.Now().Add(10 * time.Hour)
	env.ap.policies = []store.Policy{{
		ID: 1, SubjectKind: store.SubjectPerson, SubjectID: 1,
		ScopeKind: store.ScopeServer, ScopeID: 1,
		Protocol: store.ProtocolSSH,
		StartsAt: env.clock.Now().Add(-time.Hour), EndsAt: &ends, Active: true,
		Schedules: []store.ScheduleRule{{
			Weekdays: []int{0, 1, 2, 3, 4}, StartMinute: 9 * 60, EndMinute: 12 * 60,
			Timezone: "UTC", Active: true,
		}},
	}}

	// It is Monday 10:00 UTC; the window closes at 12:00, earlier than
	// the policy end, so the window bounds the stay.
	d := env.decide(t, Request{SourceIP: "10.1.1.1", ProxyIP: "172.16.0.10", Protocol: store.ProtocolSSH, Login: "root"})
	require.True(t, d.Admitted)
	require.Equal(t, time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC), d.EffectiveEnd.UTC())

	// Jump past the window.
	env.clock.Advance(3 * time.Hour)
	d = env.decide(t, Request{SourceIP: "10.1.1.1", ProxyIP: "172.16.0.10", Protocol: store.ProtocolSSH, Login: "root"})
	require.False(t, d.Admitted)
	require.Equal(t, ReasonOutsideSchedule, d.Reason)
}

func TestDecideSourceIPPinnedPolicy(t *testing.T) {
	env := newTestEnv(t)
	otherSourceIP := int64(9999)
	env.ap.policies = []store.Policy{{
		ID: 1, SubjectKind: store.SubjectPerson, SubjectID: 1,
		ScopeKind: store.ScopeServer, ScopeID: 1,
		Protocol: store.ProtocolSSH, SourceIPID: &otherSourceIP,
		StartsAt: env.clock.Now().Add(-time.Hour), Active: true,
	}}

	// The policy is pinned to a source IP registration alice is not
	// connecting from; it never becomes a candidate.
	d := env.decide(t, Request{SourceIP: "10.1.1.1", ProxyIP: "172.16.0.10", Protocol: store.ProtocolSSH, Login: "root"})
	require.False(t, d.Admitted)
	require.Equal(t, ReasonNoMatchingPolicy, d.Reason)
}

func TestDecideBudgetExceeded(t *testing.T) {
	env := newTestEnv(t)
	ap := env.ap
	ap.decideErr = context.DeadlineExceeded
	engine, err := NewEngine(Config{
		AccessPoint: ap,
		Router:      env.router,
		Budget:      10 * time.Millisecond,
		Log:         utils.NewLoggerForTests(),
	})
	require.NoError(t, err)

	d, err := engine.Decide(context.Background(), Request{
		SourceIP: "10.1.1.1", ProxyIP: "172.16.0.10", Protocol: store.ProtocolSSH,
	})
	require.NoError(t, err)
	require.False(t, d.Admitted)
	require.Equal(t, ReasonNoMatchingPolicy, d.Reason)
}

func TestValidateNoCycle(t *testing.T) {
	env := newTestEnv(t)
	// server groups: 11 <- 10. Reparenting 11 under 10 is a cycle.
	err := env.engine.ValidateNoCycle(context.Background(), store.ServerGroups, 11, 10)
	require.True(t, trace.IsBadParameter(err))

	require.NoError(t, env.engine.ValidateNoCycle(context.Background(), store.ServerGroups, 10, 11))
}

func TestGroupClosure(t *testing.T) {
	env := newTestEnv(t)
	// Closure of "all" (11) includes members of its child "prod" (10).
	members, err := env.engine.GroupClosure(context.Background(), store.ServerGroups, 11)
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{1}, members)
}
