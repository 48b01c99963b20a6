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

// Package rdp is the RDP front-end. It accepts client connections on
// proxy IPs, defers routing until the local socket address names the
// backend, decides admission, and then hands the connection to an RDP
// MITM driver that relays to the backend and writes the replay. A
// logical RDP session fans out into several TCP connections; the
// front-end folds them into one stay through the session registry's
// dedup window.
package rdp

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/pawelmojski/portcullis"
	"github.com/pawelmojski/portcullis/lib/defaults"
	"github.com/pawelmojski/portcullis/lib/policy"
	"github.com/pawelmojski/portcullis/lib/recording"
	"github.com/pawelmojski/portcullis/lib/session"
	"github.com/pawelmojski/portcullis/lib/store"
	"github.com/pawelmojski/portcullis/lib/utils"
)

// Decider is the policy engine surface the front-end needs.
type Decider interface {
	Decide(ctx context.Context, req policy.Request) (*policy.Decision, error)
}

// Emitter receives audit events from the data path.
type Emitter interface {
	Emit(e store.AuditEntry)
}

// Poker re-arms the expiry watchdog after a new admission.
type Poker interface {
	Poke()
}

// Config holds RDP front-end parameters.
type Config struct {
	// Engine decides admission.
	Engine Decider

	// Registry tracks live stays and owns the dedup window.
	Registry *session.Registry

	// Audit receives admission events.
	Audit Emitter

	// Expiry, when set, is poked after every admission.
	Expiry Poker

	// Driver is the MITM implementation.
	Driver Driver

	// RecordingDir is where per-stay replay files are written.
	RecordingDir string

	// IdleTimeout closes connections with no traffic either way.
	IdleTimeout time.Duration

	// Clock is an optional clock override used in tests.
	Clock clockwork.Clock

	// Log is an optional logger override.
	Log *logrus.Entry
}

// CheckAndSetDefaults makes sure all required parameters are passed in.
func (c *Config) CheckAndSetDefaults() error {
	if c.Engine == nil {
		return trace.BadParameter("missing parameter Engine")
	}
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if c.Audit == nil {
		return trace.BadParameter("missing parameter Audit")
	}
	if c.Driver == nil {
		return trace.BadParameter("missing parameter Driver")
	}
	if c.RecordingDir == "" {
		return trace.BadParameter("missing parameter RecordingDir")
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = defaults.RDPIdleTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = utils.NewLogger(portcullis.ComponentRDPProxy)
	}
	return nil
}

// Proxy serves RDP connections arriving on proxy IPs.
type Proxy struct {
	cfg Config
	log *logrus.Entry

	mu      sync.Mutex
	handles map[uuid.UUID]*stayHandle
}

// New creates the RDP front-end.
func New(cfg Config) (*Proxy, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Proxy{
		cfg:     cfg,
		log:     cfg.Log,
		handles: make(map[uuid.UUID]*stayHandle),
	}, nil
}

// stayHandle is the per-stay state shared by the stay's concurrent TCP
// connections: one replay recorder and the set of live driver sessions
// a termination must cut.
type stayHandle struct {
	mu         sync.Mutex
	recorder   *recording.Recorder
	conns      map[Session]struct{}
	refs       int
	terminated bool
	reason     store.TerminationReason
	done       chan struct{}
}

func (h *stayHandle) addConn(s Session) {
	h.mu.Lock()
	h.conns[s] = struct{}{}
	h.mu.Unlock()
}

func (h *stayHandle) removeConn(s Session) {
	h.mu.Lock()
	delete(h.conns, s)
	h.mu.Unlock()
}

func (h *stayHandle) terminate(reason store.TerminationReason) {
	h.mu.Lock()
	h.terminated = true
	h.reason = reason
	conns := make([]Session, 0, len(h.conns))
	for s := range h.conns {
		conns = append(conns, s)
	}
	h.mu.Unlock()
	for _, s := range conns {
		s.Close()
	}
}

func (h *stayHandle) termination() (store.TerminationReason, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason, h.terminated
}

// HandleConnection serves one inbound TCP connection to completion.
func (p *Proxy) HandleConnection(ctx context.Context, nc net.Conn) {
	defer nc.Close()
	sourceIP, err := hostOnly(nc.RemoteAddr())
	if err != nil {
		p.log.WithError(err).Warn("Dropping connection with unparsable remote address.")
		return
	}
	proxyIP, err := hostOnly(nc.LocalAddr())
	if err != nil {
		p.log.WithError(err).Warn("Dropping connection with unparsable local address.")
		return
	}
	log := p.log.WithFields(logrus.Fields{"src": sourceIP, "dst": proxyIP})

	// Client leg first: the MITM consumes the client's connection
	// request while routing resolves.
	sess := p.cfg.Driver.NewSession(utils.ObeyIdleTimeout(nc, p.cfg.IdleTimeout))
	defer sess.Close()
	if err := sess.Handshake(ctx); err != nil {
		log.WithError(err).Debug("RDP client handshake failed.")
		return
	}

	decision, err := p.cfg.Engine.Decide(ctx, policy.Request{
		SourceIP: sourceIP,
		ProxyIP:  proxyIP,
		Protocol: store.ProtocolRDP,
	})
	if err != nil {
		log.WithError(err).Error("Admission decision failed.")
		decision = &policy.Decision{Reason: policy.ReasonNoMatchingPolicy}
	}
	if !decision.Admitted {
		p.auditDeny(decision, sourceIP, proxyIP, string(decision.Reason))
		log.WithField("reason", decision.Reason).Info("Connection denied.")
		// RDP has no banner channel; the close is the answer.
		return
	}

	stay, created, err := p.cfg.Registry.OpenStay(ctx, session.OpenParams{
		Person:       decision.Person,
		Backend:      decision.Backend,
		Policy:       decision.Policy,
		Protocol:     store.ProtocolRDP,
		SourceIP:     sourceIP,
		ProxyIP:      proxyIP,
		EffectiveEnd: decision.EffectiveEnd,
	})
	if err != nil {
		log.WithError(err).Error("Failed to open stay.")
		return
	}
	handle, err := p.acquireHandle(stay, created)
	if err != nil {
		log.WithError(err).Error("Failed to open replay.")
		if created {
			p.cfg.Registry.CloseStay(ctx, stay, store.ReasonError)
		}
		return
	}
	defer p.releaseHandle(stay.ID())

	if created {
		backendID := decision.Backend.ID
		p.cfg.Audit.Emit(store.AuditEntry{
			Actor:    decision.Person.Handle,
			Kind:     store.AuditAdmission,
			SourceIP: sourceIP,
			Backend:  &backendID,
			Protocol: store.ProtocolRDP,
			Admitted: true,
			Detail:   fmt.Sprintf("stay %v policy %v", stay.ID(), decision.Policy.ID),
		})
		if p.cfg.Expiry != nil {
			p.cfg.Expiry.Poke()
		}
	}

	record, err := stay.AttachSession(ctx, store.SessionRDP)
	if err != nil {
		// The stay was terminated between dedup and attach.
		log.WithError(err).Debug("Stay refused new session.")
		return
	}

	backend := decision.Backend
	sess.SetTarget(net.JoinHostPort(backend.Address, strconv.Itoa(backend.RDPPort)))
	sess.SetSink(handle.recorder)
	handle.addConn(sess)
	in, out, err := sess.Relay(ctx)
	handle.removeConn(sess)
	if err != nil {
		log.WithError(err).Debug("RDP relay ended with error.")
	}
	stay.AddBytes(in, out)

	stay.DetachSession(ctx, record.ID, store.ReasonClientClosed)
	if reason, terminated := handle.termination(); terminated {
		// Skip the linger window; the expiry bound is two seconds.
		p.cfg.Registry.CloseStay(ctx, stay, reason)
	}
}

// acquireHandle returns the shared per-stay handle, opening the replay
// on first use and reopening it for append when a stay revives after
// its last connection went away.
func (p *Proxy) acquireHandle(stay *session.Stay, created bool) (*stayHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.handles[stay.ID()]; ok {
		h.refs++
		return h, nil
	}
	path := filepath.Join(p.cfg.RecordingDir, stay.ID().String()+".replay")
	var rec *recording.Recorder
	var err error
	if created {
		rec, err = recording.NewRecorder(path, p.cfg.Clock)
	} else {
		rec, err = recording.OpenAppend(path, p.cfg.Clock)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	stay.SetRecordingPath(path)
	h := &stayHandle{
		recorder: rec,
		conns:    make(map[Session]struct{}),
		refs:     1,
		done:     make(chan struct{}),
	}
	p.handles[stay.ID()] = h
	go p.watchStay(stay, h)
	return h, nil
}

func (p *Proxy) releaseHandle(id uuid.UUID) {
	p.mu.Lock()
	h, ok := p.handles[id]
	if ok {
		h.refs--
		if h.refs == 0 {
			delete(p.handles, id)
		} else {
			h = nil
		}
	}
	p.mu.Unlock()
	if h != nil && ok {
		close(h.done)
		h.recorder.Close()
	}
}

// watchStay cuts every live connection of a stay when the registry
// signals termination.
func (p *Proxy) watchStay(stay *session.Stay, h *stayHandle) {
	select {
	case sig := <-stay.TerminationC():
		h.recorder.Note(0, "terminated: "+string(sig.Reason))
		h.terminate(sig.Reason)
	case <-h.done:
	}
}

func (p *Proxy) auditDeny(d *policy.Decision, sourceIP, proxyIP, reason string) {
	e := store.AuditEntry{
		Kind:     store.AuditAdmission,
		SourceIP: sourceIP,
		Protocol: store.ProtocolRDP,
		Admitted: false,
		Reason:   reason,
		Detail:   "proxy " + proxyIP,
	}
	if d.Person != nil {
		e.Actor = d.Person.Handle
	}
	if d.Backend != nil {
		backendID := d.Backend.ID
		e.Backend = &backendID
	}
	p.cfg.Audit.Emit(e)
}

func hostOnly(addr net.Addr) (string, error) {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "", trace.BadParameter("invalid address %q: %v", addr, err)
	}
	return host, nil
}
