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

// Package session tracks live stays. A stay is opened at admission,
// accumulates sessions and byte counters while the person is inside
// the backend, and closes exactly once with a termination reason. The
// registry also merges every kill source (revocation, expiry, peer
// close, I/O error) into a single termination channel per stay.
package session

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/pawelmojski/portcullis"
	"github.com/pawelmojski/portcullis/lib/defaults"
	"github.com/pawelmojski/portcullis/lib/store"
	"github.com/pawelmojski/portcullis/lib/utils"
)

var activeStays = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "portcullis_active_stays",
		Help: "Number of stays currently open.",
	},
)

func init() {
	prometheus.MustRegister(activeStays)
}

// Recorder is the slice of the store the registry writes to.
type Recorder interface {
	CreateStay(ctx context.Context, st store.Stay) (*store.Stay, error)
	CloseStay(ctx context.Context, id uuid.UUID, reason store.TerminationReason) error
	AddStayBytes(ctx context.Context, id uuid.UUID, in, out int64) error
	AttachRecording(ctx context.Context, id uuid.UUID, path string, size int64) error
	CreateSession(ctx context.Context, sess store.Session) (*store.Session, error)
	CloseSession(ctx context.Context, id uuid.UUID) error
}

// Config holds registry construction parameters.
type Config struct {
	// Store persists stays and sessions.
	Store Recorder

	// DedupWindow is how long an RDP stay absorbs additional TCP
	// connections, and how long it lingers after its last session
	// closes before the stay itself closes.
	DedupWindow time.Duration

	// FlushInterval is how often pending byte counters are folded
	// into the store.
	FlushInterval time.Duration

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
	if c.DedupWindow == 0 {
		c.DedupWindow = defaults.RDPDedupWindow
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = defaults.CounterFlushInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = utils.NewLogger(portcullis.ComponentSession)
	}
	return nil
}

// Registry owns all live stays.
type Registry struct {
	cfg Config
	log *logrus.Entry

	mu    sync.Mutex
	stays map[uuid.UUID]*Stay

	closeCtx context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewRegistry creates a registry and starts its counter flush loop.
func NewRegistry(cfg Config) (*Registry, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		cfg:      cfg,
		log:      cfg.Log,
		stays:    make(map[uuid.UUID]*Stay),
		closeCtx: ctx,
		cancel:   cancel,
	}
	r.wg.Add(1)
	go r.flushLoop()
	return r, nil
}

// Close terminates every live stay with the given reason and stops the
// registry's background loop.
func (r *Registry) Close(reason store.TerminationReason) {
	for _, st := range r.Stays() {
		r.CloseStay(context.Background(), st, reason)
	}
	r.cancel()
	r.wg.Wait()
}

// OpenParams describes an admission about to become a stay.
type OpenParams struct {
	Person        *store.Person
	Backend       *store.Backend
	Policy        *store.Policy
	Protocol      store.Protocol
	SourceIP      string
	ProxyIP       string
	EffectiveEnd  *time.Time
	RecordingPath string
}

func (p *OpenParams) check() error {
	if p.Person == nil || p.Backend == nil || p.Policy == nil {
		return trace.BadParameter("missing person, backend or policy")
	}
	if p.Protocol != store.ProtocolSSH && p.Protocol != store.ProtocolRDP {
		return trace.BadParameter("invalid stay protocol %q", p.Protocol)
	}
	return nil
}

// OpenStay opens a stay for an admission, or, for RDP, reuses a live
// stay of the same person, backend and source when the new connection
// arrives inside the dedup window. The second return value reports
// whether the stay was created by this call.
func (r *Registry) OpenStay(ctx context.Context, p OpenParams) (*Stay, bool, error) {
	if err := p.check(); err != nil {
		return nil, false, trace.Wrap(err)
	}
	if p.Protocol == store.ProtocolRDP {
		if st := r.findDuplicateRDP(p); st != nil {
			return st, false, nil
		}
	}
	record, err := r.cfg.Store.CreateStay(ctx, store.Stay{
		PersonID:      p.Person.ID,
		PolicyID:      p.Policy.ID,
		BackendID:     p.Backend.ID,
		Protocol:      p.Protocol,
		SourceIP:      p.SourceIP,
		ProxyIP:       p.ProxyIP,
		StartedAt:     r.cfg.Clock.Now().UTC(),
		RecordingPath: p.RecordingPath,
	})
	if err != nil {
		return nil, false, trace.Wrap(err)
	}
	st := &Stay{
		registry:     r,
		record:       *record,
		policy:       p.Policy,
		effectiveEnd: p.EffectiveEnd,
		state:        stateAdmitted,
		termC:        make(chan TerminationSignal, 1),
		warnC:        make(chan Warning, 2),
	}
	r.mu.Lock()
	r.stays[st.record.ID] = st
	r.mu.Unlock()
	activeStays.Inc()
	r.log.WithFields(logrus.Fields{
		"stay":    st.record.ID,
		"person":  p.Person.Handle,
		"backend": p.Backend.Name,
		"proto":   p.Protocol,
	}).Info("Stay opened.")
	return st, true, nil
}

// findDuplicateRDP locates a live RDP stay the new connection belongs
// to: same person, backend and source, and either the stay opened
// within the dedup window or it is lingering with no live sessions.
func (r *Registry) findDuplicateRDP(p OpenParams) *Stay {
	now := r.cfg.Clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.stays {
		st.mu.Lock()
		match := st.state == stateAdmitted &&
			st.record.Protocol == store.ProtocolRDP &&
			st.record.PersonID == p.Person.ID &&
			st.record.BackendID == p.Backend.ID &&
			st.record.SourceIP == p.SourceIP &&
			(now.Sub(st.record.StartedAt) < r.cfg.DedupWindow ||
				(st.sessions == 0 && now.Sub(st.lastDetach) < r.cfg.DedupWindow))
		st.mu.Unlock()
		if match {
			return st
		}
	}
	return nil
}

// FindStay returns a live stay by ID.
func (r *Registry) FindStay(id uuid.UUID) *Stay {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stays[id]
}

// Stays returns all live stays.
func (r *Registry) Stays() []*Stay {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Stay, 0, len(r.stays))
	for _, st := range r.stays {
		out = append(out, st)
	}
	return out
}

// TerminateByPolicy signals termination to every live stay admitted
// under the given policy. Used on revocation and on expiry.
func (r *Registry) TerminateByPolicy(policyID int64, reason store.TerminationReason) int {
	n := 0
	for _, st := range r.Stays() {
		if st.record.PolicyID == policyID {
			st.Terminate(reason)
			n++
		}
	}
	return n
}

// CloseStay finalizes a stay: flushes counters, stats the recording
// file, writes the close row and drops the stay from the registry.
// Closing twice is a no-op; the first reason wins.
func (r *Registry) CloseStay(ctx context.Context, st *Stay, reason store.TerminationReason) {
	st.mu.Lock()
	if st.state == stateClosed {
		st.mu.Unlock()
		return
	}
	st.state = stateClosed
	recordingPath := st.record.RecordingPath
	st.mu.Unlock()

	r.flushStay(ctx, st)
	if recordingPath != "" {
		if fi, err := os.Stat(recordingPath); err == nil {
			if err := r.cfg.Store.AttachRecording(ctx, st.record.ID, recordingPath, fi.Size()); err != nil {
				r.log.WithError(err).Warn("Failed to attach recording to stay.")
			}
		}
	}
	if err := r.cfg.Store.CloseStay(ctx, st.record.ID, reason); err != nil {
		r.log.WithError(err).WithField("stay", st.record.ID).Warn("Failed to close stay record.")
	}
	r.mu.Lock()
	if _, ok := r.stays[st.record.ID]; ok {
		delete(r.stays, st.record.ID)
		activeStays.Dec()
	}
	r.mu.Unlock()
	r.log.WithFields(logrus.Fields{
		"stay":   st.record.ID,
		"reason": reason,
	}).Info("Stay closed.")
}

func (r *Registry) flushLoop() {
	defer r.wg.Done()
	ticker := r.cfg.Clock.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			for _, st := range r.Stays() {
				r.flushStay(r.closeCtx, st)
			}
		case <-r.closeCtx.Done():
			return
		}
	}
}

func (r *Registry) flushStay(ctx context.Context, st *Stay) {
	in, out := st.takeBytes()
	if in == 0 && out == 0 {
		return
	}
	if err := r.cfg.Store.AddStayBytes(ctx, st.record.ID, in, out); err != nil {
		// Put the deltas back so the next flush retries them.
		st.AddBytes(in, out)
		r.log.WithError(err).Warn("Failed to flush stay byte counters.")
	}
}
