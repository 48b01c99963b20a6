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

package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/pawelmojski/portcullis/lib/store"
	"github.com/pawelmojski/portcullis/lib/utils"
)

// fakeRecorder is an in-memory Recorder capturing all writes.
type fakeRecorder struct {
	mu       sync.Mutex
	stays    map[uuid.UUID]*store.Stay
	sessions map[uuid.UUID]*store.Session
	reasons  map[uuid.UUID]store.TerminationReason
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{
		stays:    make(map[uuid.UUID]*store.Stay),
		sessions: make(map[uuid.UUID]*store.Session),
		reasons:  make(map[uuid.UUID]store.TerminationReason),
	}
}

func (f *fakeRecorder) CreateStay(ctx context.Context, st store.Stay) (*store.Stay, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st.ID == uuid.Nil {
		st.ID = uuid.New()
	}
	f.stays[st.ID] = &st
	out := st
	return &out, nil
}

func (f *fakeRecorder) CloseStay(ctx context.Context, id uuid.UUID, reason store.TerminationReason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.reasons[id]; !ok {
		f.reasons[id] = reason
	}
	return nil
}

func (f *fakeRecorder) AddStayBytes(ctx context.Context, id uuid.UUID, in, out int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.stays[id]; ok {
		st.BytesIn += in
		st.BytesOut += out
	}
	return nil
}

func (f *fakeRecorder) AttachRecording(ctx context.Context, id uuid.UUID, path string, size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.stays[id]; ok {
		st.RecordingPath = path
		st.RecordingBytes = size
	}
	return nil
}

func (f *fakeRecorder) CreateSession(ctx context.Context, sess store.Session) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sess.ID == uuid.Nil {
		sess.ID = uuid.New()
	}
	f.sessions[sess.ID] = &sess
	out := sess
	return &out, nil
}

func (f *fakeRecorder) CloseSession(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sess, ok := f.sessions[id]; ok {
		now := time.Now()
		sess.EndedAt = &now
	}
	return nil
}

func (f *fakeRecorder) stayCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stays)
}

func (f *fakeRecorder) closeReason(id uuid.UUID) (store.TerminationReason, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reasons[id]
	return r, ok
}

func testParams() OpenParams {
	return OpenParams{
		Person:   &store.Person{ID: 1, Handle: "alice"},
		Backend:  &store.Backend{ID: 1, Name: "web-1"},
		Policy:   &store.Policy{ID: 1},
		Protocol: store.ProtocolSSH,
		SourceIP: "10.1.1.1",
		ProxyIP:  "172.16.0.10",
	}
}

func newTestRegistry(t *testing.T) (*Registry, *fakeRecorder, *clockwork.FakeClock) {
	t.Helper()
	rec := newFakeRecorder()
	clock := clockwork.NewFakeClock()
	r, err := NewRegistry(Config{
		Store: rec,
		Clock: clock,
		Log:   utils.NewLoggerForTests(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close(store.ReasonError) })
	return r, rec, clock
}

func TestStayLifecycle(t *testing.T) {
	r, rec, _ := newTestRegistry(t)
	ctx := context.Background()

	st, created, err := r.OpenStay(ctx, testParams())
	require.NoError(t, err)
	require.True(t, created)
	require.Len(t, r.Stays(), 1)

	sess, err := st.AttachSession(ctx, store.SessionShell)
	require.NoError(t, err)

	// An SSH stay outlives its sessions; the front-end closes it when
	// the client connection goes away.
	st.DetachSession(ctx, sess.ID, store.ReasonClientClosed)
	_, closed := rec.closeReason(st.ID())
	require.False(t, closed)

	r.CloseStay(ctx, st, store.ReasonClientClosed)
	reason, closed := rec.closeReason(st.ID())
	require.True(t, closed)
	require.Equal(t, store.ReasonClientClosed, reason)
	require.Empty(t, r.Stays())

	// A second close is a no-op and keeps the first reason.
	r.CloseStay(ctx, st, store.ReasonError)
	reason, _ = rec.closeReason(st.ID())
	require.Equal(t, store.ReasonClientClosed, reason)
}

func TestRDPDedup(t *testing.T) {
	r, rec, clock := newTestRegistry(t)
	ctx := context.Background()
	p := testParams()
	p.Protocol = store.ProtocolRDP

	// Four connections over three seconds collapse into one stay.
	st1, created, err := r.OpenStay(ctx, p)
	require.NoError(t, err)
	require.True(t, created)
	var sessions []*store.Session
	sess, err := st1.AttachSession(ctx, store.SessionRDP)
	require.NoError(t, err)
	sessions = append(sessions, sess)

	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		st, created, err := r.OpenStay(ctx, p)
		require.NoError(t, err)
		require.False(t, created)
		require.Equal(t, st1.ID(), st.ID())
		sess, err := st.AttachSession(ctx, store.SessionRDP)
		require.NoError(t, err)
		sessions = append(sessions, sess)
	}
	require.Equal(t, 1, rec.stayCount())

	// A different source does not dedup.
	other := p
	other.SourceIP = "10.9.9.9"
	_, created, err = r.OpenStay(ctx, other)
	require.NoError(t, err)
	require.True(t, created)
}

func TestRDPLingerClose(t *testing.T) {
	r, rec, clock := newTestRegistry(t)
	ctx := context.Background()
	p := testParams()
	p.Protocol = store.ProtocolRDP

	st, _, err := r.OpenStay(ctx, p)
	require.NoError(t, err)
	sess, err := st.AttachSession(ctx, store.SessionRDP)
	require.NoError(t, err)

	// The last session detaching does not close the stay right away.
	st.DetachSession(ctx, sess.ID, store.ReasonClientClosed)
	_, closed := rec.closeReason(st.ID())
	require.False(t, closed)

	// A reconnect inside the window revives the stay.
	clock.Advance(5 * time.Second)
	st2, created, err := r.OpenStay(ctx, p)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, st.ID(), st2.ID())
	sess2, err := st2.AttachSession(ctx, store.SessionRDP)
	require.NoError(t, err)

	// The stale linger timer from the first detach must not fire.
	clock.Advance(6 * time.Second)
	require.Eventually(t, func() bool {
		_, closed := rec.closeReason(st.ID())
		return !closed && len(r.Stays()) == 1
	}, time.Second, 10*time.Millisecond)

	// After the final detach and a full quiet window, the stay closes.
	st2.DetachSession(ctx, sess2.ID, store.ReasonClientClosed)
	// Wait for both the flush ticker and the fresh linger timer.
	clock.BlockUntilContext(ctx, 2)
	clock.Advance(11 * time.Second)
	require.Eventually(t, func() bool {
		reason, closed := rec.closeReason(st.ID())
		return closed && reason == store.ReasonClientClosed
	}, time.Second, 10*time.Millisecond)
}

func TestCounterFlush(t *testing.T) {
	r, rec, clock := newTestRegistry(t)
	ctx := context.Background()

	st, _, err := r.OpenStay(ctx, testParams())
	require.NoError(t, err)

	st.AddBytes(100, 2000)
	st.AddBytes(50, 0)
	clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		got := rec.stays[st.ID()]
		return got.BytesIn == 150 && got.BytesOut == 2000
	}, time.Second, 10*time.Millisecond)
}

func TestTerminateByPolicy(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	st1, _, err := r.OpenStay(ctx, testParams())
	require.NoError(t, err)
	other := testParams()
	other.Policy = &store.Policy{ID: 2}
	st2, _, err := r.OpenStay(ctx, other)
	require.NoError(t, err)

	n := r.TerminateByPolicy(1, store.ReasonRevoked)
	require.Equal(t, 1, n)

	select {
	case sig := <-st1.TerminationC():
		require.Equal(t, store.ReasonRevoked, sig.Reason)
	default:
		t.Fatal("expected a termination signal on the revoked stay")
	}
	select {
	case <-st2.TerminationC():
		t.Fatal("unrelated stay must not be signaled")
	default:
	}

	// A second terminate is swallowed.
	st1.Terminate(store.ReasonPolicyExpired)
	select {
	case <-st1.TerminationC():
		t.Fatal("termination must be delivered at most once")
	default:
	}
}

func TestAttachRefusedWhileClosing(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	st, _, err := r.OpenStay(ctx, testParams())
	require.NoError(t, err)
	st.Terminate(store.ReasonRevoked)

	_, err = st.AttachSession(ctx, store.SessionShell)
	require.Error(t, err)
}
