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
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/pawelmojski/portcullis/lib/store"
)

type stayState int

const (
	stateAdmitted stayState = iota
	stateClosing
	stateClosed
)

// TerminationSignal tells the front-end to tear the stay down.
type TerminationSignal struct {
	Reason store.TerminationReason
}

// Warning is an advance expiry notice for interactive sessions.
type Warning struct {
	Remaining time.Duration
}

// Stay is the live handle of one open stay.
type Stay struct {
	registry *Registry

	mu           sync.Mutex
	record       store.Stay
	policy       *store.Policy
	effectiveEnd *time.Time
	sessions     int
	lastDetach   time.Time
	state        stayState
	termOnce     sync.Once
	lingerSeq    int

	pendingIn  int64
	pendingOut int64

	termC chan TerminationSignal
	warnC chan Warning
}

// ID returns the stay identifier.
func (s *Stay) ID() uuid.UUID { return s.record.ID }

// PolicyID returns the admitting policy's ID.
func (s *Stay) PolicyID() int64 { return s.record.PolicyID }

// Policy returns the admitting policy.
func (s *Stay) Policy() *store.Policy { return s.policy }

// Record returns a copy of the underlying stay record.
func (s *Stay) Record() store.Stay {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record
}

// EffectiveEnd returns when the admission stops being valid, nil when
// unbounded.
func (s *Stay) EffectiveEnd() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effectiveEnd
}

// SetEffectiveEnd updates the expiry deadline, e.g. after a schedule
// window recomputation.
func (s *Stay) SetEffectiveEnd(end *time.Time) {
	s.mu.Lock()
	s.effectiveEnd = end
	s.mu.Unlock()
}

// SetRecordingPath records where this stay's recording is being
// written. The registry stats the file at close.
func (s *Stay) SetRecordingPath(path string) {
	s.mu.Lock()
	s.record.RecordingPath = path
	s.mu.Unlock()
}

// TerminationC delivers at most one termination signal.
func (s *Stay) TerminationC() <-chan TerminationSignal { return s.termC }

// WarningC delivers advance expiry warnings.
func (s *Stay) WarningC() <-chan Warning { return s.warnC }

// Terminate asks the front-end serving this stay to shut it down. The
// first caller wins; later signals are dropped.
func (s *Stay) Terminate(reason store.TerminationReason) {
	s.termOnce.Do(func() {
		s.mu.Lock()
		if s.state == stateAdmitted {
			s.state = stateClosing
		}
		s.mu.Unlock()
		s.termC <- TerminationSignal{Reason: reason}
	})
}

// Warn pushes an expiry warning without blocking; a front-end that is
// not draining warnings simply misses them.
func (s *Stay) Warn(remaining time.Duration) {
	select {
	case s.warnC <- Warning{Remaining: remaining}:
	default:
	}
}

// AddBytes accumulates transfer counters. The registry's flush loop
// folds them into the store.
func (s *Stay) AddBytes(in, out int64) {
	s.mu.Lock()
	s.pendingIn += in
	s.pendingOut += out
	s.mu.Unlock()
}

func (s *Stay) takeBytes() (in, out int64) {
	s.mu.Lock()
	in, out = s.pendingIn, s.pendingOut
	s.pendingIn, s.pendingOut = 0, 0
	s.mu.Unlock()
	return in, out
}

// AttachSession opens a session record under this stay.
func (s *Stay) AttachSession(ctx context.Context, kind store.SessionKind) (*store.Session, error) {
	s.mu.Lock()
	if s.state != stateAdmitted {
		s.mu.Unlock()
		return nil, trace.CompareFailed("stay %v is closing", s.record.ID)
	}
	s.sessions++
	s.lingerSeq++
	s.mu.Unlock()
	sess, err := s.registry.cfg.Store.CreateSession(ctx, store.Session{
		StayID:    s.record.ID,
		Kind:      kind,
		StartedAt: s.registry.cfg.Clock.Now().UTC(),
	})
	if err != nil {
		s.mu.Lock()
		s.sessions--
		s.mu.Unlock()
		return nil, trace.Wrap(err)
	}
	return sess, nil
}

// DetachSession closes a session record. An SSH stay outlives its
// sessions; the front-end closes it when the client connection ends.
// An RDP stay whose last session detaches lingers for the dedup
// window; a reconnect inside it cancels the close, otherwise the stay
// closes with the given reason.
func (s *Stay) DetachSession(ctx context.Context, sessionID uuid.UUID, reason store.TerminationReason) {
	if err := s.registry.cfg.Store.CloseSession(ctx, sessionID); err != nil {
		s.registry.log.WithError(err).Warn("Failed to close session record.")
	}
	s.mu.Lock()
	s.sessions--
	last := s.sessions == 0
	s.lastDetach = s.registry.cfg.Clock.Now()
	seq := s.lingerSeq
	rdp := s.record.Protocol == store.ProtocolRDP
	s.mu.Unlock()
	if !last || !rdp {
		return
	}
	s.registry.wg.Add(1)
	go s.lingerClose(seq, reason)
}

// lingerClose waits out the dedup window and closes the stay unless a
// new session attached in the meantime.
func (s *Stay) lingerClose(seq int, reason store.TerminationReason) {
	defer s.registry.wg.Done()
	timer := s.registry.cfg.Clock.NewTimer(s.registry.cfg.DedupWindow)
	defer timer.Stop()
	select {
	case <-timer.Chan():
	case <-s.registry.closeCtx.Done():
		return
	}
	s.mu.Lock()
	stale := s.lingerSeq != seq || s.sessions > 0 || s.state == stateClosed
	s.mu.Unlock()
	if stale {
		return
	}
	s.registry.CloseStay(context.Background(), s, reason)
}
