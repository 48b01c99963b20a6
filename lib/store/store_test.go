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

package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/pawelmojski/portcullis/lib/utils"
)

// newTestStore connects to the database named by PORTCULLIS_TEST_DB_URL
// or skips the test. Each run gets a clean schema.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("PORTCULLIS_TEST_DB_URL")
	if url == "" {
		t.Skip("PORTCULLIS_TEST_DB_URL not set, skipping database tests")
	}
	ctx := context.Background()
	s, err := New(ctx, Config{URL: url, Log: utils.NewLoggerForTests()})
	require.NoError(t, err)
	t.Cleanup(func() {
		_, err := s.pool.Exec(ctx, `DROP SCHEMA public CASCADE; CREATE SCHEMA public`)
		require.NoError(t, err)
		s.Close()
	})
	return s
}

func TestPersonSourceIPMapping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice, err := s.CreatePerson(ctx, Person{Handle: "alice"})
	require.NoError(t, err)
	bob, err := s.CreatePerson(ctx, Person{Handle: "bob"})
	require.NoError(t, err)

	_, err = s.AddSourceIP(ctx, SourceIP{PersonID: alice.ID, CIDR: "10.1.0.0/16"})
	require.NoError(t, err)
	_, err = s.AddSourceIP(ctx, SourceIP{PersonID: bob.ID, CIDR: "10.1.2.3"})
	require.Error(t, err, "overlapping registration must be rejected")
	require.True(t, trace.IsAlreadyExists(err))

	p, _, err := s.PersonBySourceIP(ctx, "10.1.2.3")
	require.NoError(t, err)
	require.Equal(t, "alice", p.Handle)

	_, _, err = s.PersonBySourceIP(ctx, "192.168.1.1")
	require.True(t, trace.IsNotFound(err))
}

func TestAllocationUniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b1, err := s.CreateBackend(ctx, Backend{Name: "web-1", Address: "10.0.0.1", SSHEnabled: true})
	require.NoError(t, err)
	b2, err := s.CreateBackend(ctx, Backend{Name: "web-2", Address: "10.0.0.2", SSHEnabled: true})
	require.NoError(t, err)

	require.NoError(t, s.Bind(ctx, "172.16.0.10", b1.ID, "admin"))
	err = s.Bind(ctx, "172.16.0.10", b2.ID, "admin")
	require.True(t, trace.IsAlreadyExists(err), "second bind of the same proxy IP must fail")

	_, backends, err := s.ActiveAllocations(ctx)
	require.NoError(t, err)
	require.Len(t, backends, 1)
	require.Equal(t, "web-1", backends["172.16.0.10"].Name)

	require.NoError(t, s.Release(ctx, "172.16.0.10", "admin"))
	require.NoError(t, s.Bind(ctx, "172.16.0.10", b2.ID, "admin"))
}

func TestReleaseRefusedWhileStayActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice, err := s.CreatePerson(ctx, Person{Handle: "alice"})
	require.NoError(t, err)
	b, err := s.CreateBackend(ctx, Backend{Name: "db-1", Address: "10.0.0.3", SSHEnabled: true})
	require.NoError(t, err)
	require.NoError(t, s.Bind(ctx, "172.16.0.20", b.ID, "admin"))
	pol, err := s.CreatePolicy(ctx, Policy{
		SubjectKind: SubjectPerson, SubjectID: alice.ID,
		ScopeKind: ScopeServer, ScopeID: b.ID,
		Protocol: ProtocolAny, CreatedBy: "admin",
	})
	require.NoError(t, err)

	st, err := s.CreateStay(ctx, Stay{
		PersonID: alice.ID, PolicyID: pol.ID, BackendID: b.ID,
		Protocol: ProtocolSSH, SourceIP: "10.1.2.3", ProxyIP: "172.16.0.20",
	})
	require.NoError(t, err)

	err = s.Release(ctx, "172.16.0.20", "admin")
	require.True(t, trace.IsCompareFailed(err))

	require.NoError(t, s.CloseStay(ctx, st.ID, ReasonClientClosed))
	require.NoError(t, s.Release(ctx, "172.16.0.20", "admin"))
}

func TestGroupCycleRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.CreateGroup(ctx, ServerGroups, Group{Name: "all"})
	require.NoError(t, err)
	b, err := s.CreateGroup(ctx, ServerGroups, Group{Name: "prod", ParentID: &a.ID})
	require.NoError(t, err)
	c, err := s.CreateGroup(ctx, ServerGroups, Group{Name: "prod-eu", ParentID: &b.ID})
	require.NoError(t, err)

	err = s.SetGroupParent(ctx, ServerGroups, a.ID, &c.ID)
	require.True(t, trace.IsBadParameter(err), "parenting the root under a leaf must be rejected")

	err = s.SetGroupParent(ctx, ServerGroups, b.ID, &b.ID)
	require.True(t, trace.IsBadParameter(err))
}

func TestPolicyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice, err := s.CreatePerson(ctx, Person{Handle: "alice"})
	require.NoError(t, err)
	b, err := s.CreateBackend(ctx, Backend{Name: "web-1", Address: "10.0.0.1", SSHEnabled: true})
	require.NoError(t, err)

	ends := time.Now().Add(2 * time.Hour).UTC().Truncate(time.Second)
	created, err := s.CreatePolicy(ctx, Policy{
		SubjectKind: SubjectPerson, SubjectID: alice.ID,
		ScopeKind: ScopeServer, ScopeID: b.ID,
		Protocol:  ProtocolSSH,
		SSHLogins: []string{"root", "deploy"},
		EndsAt:    &ends,
		Schedules: []ScheduleRule{{
			Name: "weekday mornings", Weekdays: []int{0, 1, 2, 3, 4},
			StartMinute: 8 * 60, EndMinute: 12 * 60, Timezone: "Europe/Warsaw", Active: true,
		}},
		CreatedBy: "admin",
	})
	require.NoError(t, err)

	got, err := s.GetPolicy(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"deploy", "root"}, got.SSHLogins)
	require.Len(t, got.Schedules, 1)
	require.Equal(t, []int{0, 1, 2, 3, 4}, got.Schedules[0].Weekdays)
	require.Equal(t, "Europe/Warsaw", got.Schedules[0].Timezone)
	require.True(t, got.Active)

	require.NoError(t, s.RevokePolicy(ctx, created.ID, "admin"))
	got, err = s.GetPolicy(ctx, created.ID)
	require.NoError(t, err)
	require.False(t, got.Active)

	err = s.RevokePolicy(ctx, created.ID, "admin")
	require.True(t, trace.IsNotFound(err))
}

func TestCandidatePolicyOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice, err := s.CreatePerson(ctx, Person{Handle: "alice"})
	require.NoError(t, err)
	b, err := s.CreateBackend(ctx, Backend{Name: "web-1", Address: "10.0.0.1", SSHEnabled: true})
	require.NoError(t, err)
	ug, err := s.CreateGroup(ctx, UserGroups, Group{Name: "ops"})
	require.NoError(t, err)
	require.NoError(t, s.AddGroupMember(ctx, UserGroups, ug.ID, alice.ID))

	ends := time.Now().Add(time.Hour)
	bounded, err := s.CreatePolicy(ctx, Policy{
		SubjectKind: SubjectPerson, SubjectID: alice.ID,
		ScopeKind: ScopeServer, ScopeID: b.ID, Protocol: ProtocolAny,
		EndsAt: &ends, CreatedBy: "admin",
	})
	require.NoError(t, err)
	unbounded, err := s.CreatePolicy(ctx, Policy{
		SubjectKind: SubjectUserGroup, SubjectID: ug.ID,
		ScopeKind: ScopeServer, ScopeID: b.ID, Protocol: ProtocolAny,
		CreatedBy: "admin",
	})
	require.NoError(t, err)

	got, err := s.CandidatePolicies(ctx, alice.ID, []int64{ug.ID})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, unbounded.ID, got[0].ID, "unbounded policies sort first")
	require.Equal(t, bounded.ID, got[1].ID)
}

func TestStayLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice, err := s.CreatePerson(ctx, Person{Handle: "alice"})
	require.NoError(t, err)
	b, err := s.CreateBackend(ctx, Backend{Name: "web-1", Address: "10.0.0.1", SSHEnabled: true})
	require.NoError(t, err)
	pol, err := s.CreatePolicy(ctx, Policy{
		SubjectKind: SubjectPerson, SubjectID: alice.ID,
		ScopeKind: ScopeServer, ScopeID: b.ID, Protocol: ProtocolAny, CreatedBy: "admin",
	})
	require.NoError(t, err)

	st, err := s.CreateStay(ctx, Stay{
		PersonID: alice.ID, PolicyID: pol.ID, BackendID: b.ID,
		Protocol: ProtocolSSH, SourceIP: "10.1.2.3", ProxyIP: "172.16.0.10",
	})
	require.NoError(t, err)

	sess, err := s.CreateSession(ctx, Session{StayID: st.ID, Kind: SessionShell})
	require.NoError(t, err)
	require.NoError(t, s.AddStayBytes(ctx, st.ID, 100, 2000))
	require.NoError(t, s.AddStayBytes(ctx, st.ID, 50, 0))
	require.NoError(t, s.CloseSession(ctx, sess.ID))
	require.NoError(t, s.AttachRecording(ctx, st.ID, "/var/lib/portcullis/rec.jsonl", 4096))
	require.NoError(t, s.CloseStay(ctx, st.ID, ReasonPolicyExpired))

	// Closing twice settles on the first reason.
	require.NoError(t, s.CloseStay(ctx, st.ID, ReasonClientClosed))

	got, err := s.GetStay(ctx, st.ID)
	require.NoError(t, err)
	require.False(t, got.Active())
	require.Equal(t, ReasonPolicyExpired, got.TerminationReason)
	require.Equal(t, int64(150), got.BytesIn)
	require.Equal(t, int64(2000), got.BytesOut)
	require.Equal(t, int64(4096), got.RecordingBytes)

	sessions, err := s.StaySessions(ctx, st.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.NotNil(t, sessions[0].EndedAt)
}

func TestCloseOrphanStays(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice, err := s.CreatePerson(ctx, Person{Handle: "alice"})
	require.NoError(t, err)
	b, err := s.CreateBackend(ctx, Backend{Name: "web-1", Address: "10.0.0.1", SSHEnabled: true})
	require.NoError(t, err)
	pol, err := s.CreatePolicy(ctx, Policy{
		SubjectKind: SubjectPerson, SubjectID: alice.ID,
		ScopeKind: ScopeServer, ScopeID: b.ID, Protocol: ProtocolAny, CreatedBy: "admin",
	})
	require.NoError(t, err)
	st, err := s.CreateStay(ctx, Stay{
		PersonID: alice.ID, PolicyID: pol.ID, BackendID: b.ID,
		Protocol: ProtocolSSH, SourceIP: "10.1.2.3", ProxyIP: "172.16.0.10",
	})
	require.NoError(t, err)

	n, err := s.CloseOrphanStays(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	got, err := s.GetStay(ctx, st.ID)
	require.NoError(t, err)
	require.Equal(t, ReasonError, got.TerminationReason)
}

func TestTranscodeQueue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice, err := s.CreatePerson(ctx, Person{Handle: "alice"})
	require.NoError(t, err)
	b, err := s.CreateBackend(ctx, Backend{Name: "win-1", Address: "10.0.0.9", RDPEnabled: true})
	require.NoError(t, err)
	pol, err := s.CreatePolicy(ctx, Policy{
		SubjectKind: SubjectPerson, SubjectID: alice.ID,
		ScopeKind: ScopeServer, ScopeID: b.ID, Protocol: ProtocolAny, CreatedBy: "admin",
	})
	require.NoError(t, err)

	newStay := func() uuid.UUID {
		st, err := s.CreateStay(ctx, Stay{
			PersonID: alice.ID, PolicyID: pol.ID, BackendID: b.ID,
			Protocol: ProtocolRDP, SourceIP: "10.1.2.3", ProxyIP: "172.16.0.10",
		})
		require.NoError(t, err)
		require.NoError(t, s.CloseStay(ctx, st.ID, ReasonClientClosed))
		return st.ID
	}

	first := newStay()
	second := newStay()
	third := newStay()

	j1, err := s.EnqueueTranscode(ctx, first, 10)
	require.NoError(t, err)
	j2, err := s.EnqueueTranscode(ctx, second, 10)
	require.NoError(t, err)

	// Cap applies to new jobs only.
	_, err = s.EnqueueTranscode(ctx, third, 2)
	require.True(t, trace.IsLimitExceeded(err))

	// Enqueue is idempotent per stay.
	again, err := s.EnqueueTranscode(ctx, first, 10)
	require.NoError(t, err)
	require.Equal(t, j1.ID, again.ID)

	// Rushed jobs jump the FIFO order.
	require.NoError(t, s.RushTranscode(ctx, j2.ID))
	claimed, err := s.ClaimTranscode(ctx)
	require.NoError(t, err)
	require.Equal(t, j2.ID, claimed.ID)

	require.NoError(t, s.UpdateTranscodeProgress(ctx, claimed.ID, 50, 200, 30))
	require.NoError(t, s.FailTranscode(ctx, claimed.ID, "converter exited with status 1"))

	// A failed job can be re-enqueued and returns to pending.
	retried, err := s.EnqueueTranscode(ctx, second, 10)
	require.NoError(t, err)
	require.Equal(t, JobPending, retried.Status)
	require.Empty(t, retried.Error)

	claimed, err = s.ClaimTranscode(ctx)
	require.NoError(t, err)
	require.NoError(t, s.CompleteTranscode(ctx, claimed.ID, "/var/lib/portcullis/out.mp4"))

	counts, err := s.TranscodeCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[JobDone])
	require.Equal(t, 1, counts[JobPending])
}
