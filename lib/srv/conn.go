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

package srv

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/pawelmojski/portcullis"
	"github.com/pawelmojski/portcullis/lib/defaults"
	"github.com/pawelmojski/portcullis/lib/policy"
	"github.com/pawelmojski/portcullis/lib/recording"
	"github.com/pawelmojski/portcullis/lib/session"
	"github.com/pawelmojski/portcullis/lib/store"
)

// connHandler serves a single client connection from handshake to
// stay close.
type connHandler struct {
	proxy *Proxy
	log   *logrus.Entry
	nc    net.Conn

	sourceIP string
	proxyIP  string

	mu         sync.Mutex
	password   string
	offeredKey bool
	reason     store.TerminationReason
	shells     []*shellSession
	forwards   []net.Listener

	sconn    *ssh.ServerConn
	bconn    ssh.Conn
	decision *policy.Decision
	stay     *session.Stay
	recorder *recording.Recorder

	channelSeq atomic.Int32
	done       chan struct{}
	wg         sync.WaitGroup
}

func (h *connHandler) serve(ctx context.Context) {
	cfg := &ssh.ServerConfig{
		// Identity is the source IP; client credentials are captured
		// only to replay them against the backend.
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			h.mu.Lock()
			h.password = string(password)
			h.mu.Unlock()
			return &ssh.Permissions{}, nil
		},
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			h.mu.Lock()
			h.offeredKey = true
			h.mu.Unlock()
			return &ssh.Permissions{}, nil
		},
	}
	cfg.AddHostKey(h.proxy.cfg.HostSigner)

	sconn, chans, reqs, err := ssh.NewServerConn(h.nc, cfg)
	if err != nil {
		h.log.WithError(err).Debug("SSH handshake failed.")
		return
	}
	h.sconn = sconn
	defer sconn.Close()
	login := sconn.User()
	h.log = h.log.WithField("login", login)

	decision, err := h.proxy.cfg.Engine.Decide(ctx, policy.Request{
		SourceIP: h.sourceIP,
		ProxyIP:  h.proxyIP,
		Protocol: store.ProtocolSSH,
		Login:    login,
	})
	if err != nil {
		h.log.WithError(err).Error("Admission decision failed.")
		decision = &policy.Decision{Reason: policy.ReasonNoMatchingPolicy}
	}
	if !decision.Admitted {
		h.auditDeny(decision, login, string(decision.Reason))
		h.log.WithField("reason", decision.Reason).Info("Connection denied.")
		h.sendDenyBanner(chans, reqs, string(decision.Reason), nil)
		return
	}
	h.decision = decision

	bconn, bchans, breqs, err := h.connectBackend(ctx, login)
	if err != nil {
		h.auditDeny(decision, login, "backend_unreachable")
		h.log.WithError(err).Warn("Backend connection failed.")
		h.sendDenyBanner(chans, reqs, "backend_unreachable", h.authHints(login))
		return
	}
	h.bconn = bconn
	defer bconn.Close()

	if err := h.openStay(ctx, login); err != nil {
		h.log.WithError(err).Error("Failed to open stay.")
		h.sendDenyBanner(chans, reqs, "error", nil)
		return
	}
	h.done = make(chan struct{})
	defer h.finish(ctx)

	h.wg.Add(2)
	go h.watchTermination(ctx)
	go h.watchWarnings()
	go h.discardBackendChannels(bchans)
	go h.forwardGlobalRequests(reqs, breqs)

	for nch := range chans {
		switch nch.ChannelType() {
		case portcullis.ChanSession:
			h.wg.Add(1)
			go h.handleSession(ctx, nch)
		case portcullis.ChanDirectTCPIP:
			h.wg.Add(1)
			go h.handleDirectTCPIP(ctx, nch)
		default:
			nch.Reject(ssh.Prohibited, "channel type not supported")
		}
	}
}

// connectBackend dials the backend and authenticates as the requested
// login: the client's forwarded agent first, the buffered password
// second.
func (h *connHandler) connectBackend(ctx context.Context, login string) (ssh.Conn, <-chan ssh.NewChannel, <-chan *ssh.Request, error) {
	backend := h.decision.Backend
	addr := net.JoinHostPort(backend.Address, strconv.Itoa(backend.SSHPort))

	var methods []ssh.AuthMethod
	if ach, areqs, err := h.sconn.OpenChannel(portcullis.ChanAgent, nil); err == nil {
		go ssh.DiscardRequests(areqs)
		aclient := agent.NewClient(ach)
		methods = append(methods, ssh.PublicKeysCallback(aclient.Signers))
	}
	h.mu.Lock()
	password := h.password
	h.mu.Unlock()
	if password != "" {
		methods = append(methods, ssh.Password(password))
	}
	if len(methods) == 0 {
		return nil, nil, nil, trace.AccessDenied("no usable credentials for backend auth")
	}

	nc, err := h.proxy.cfg.Dialer(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, nil, trace.ConnectionProblem(err, "failed to connect to %v", addr)
	}
	conn, chans, reqs, err := ssh.NewClientConn(nc, addr, &ssh.ClientConfig{
		User: login,
		Auth: methods,
		// The backend is named by the operator's allocation, not by a
		// client-supplied address, so there is no host key pin to
		// check against.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         defaults.BackendAuthTimeout,
	})
	if err != nil {
		nc.Close()
		return nil, nil, nil, trace.ConnectionProblem(err, "backend authentication failed")
	}
	return conn, chans, reqs, nil
}

// authHints explains likely fixes for a failed backend auth the way an
// operator would over the shoulder.
func (h *connHandler) authHints(login string) []string {
	h.mu.Lock()
	offeredKey, password := h.offeredKey, h.password
	h.mu.Unlock()
	var hints []string
	if offeredKey && password == "" {
		hints = append(hints,
			fmt.Sprintf("forward your agent:  ssh -A %v@%v", login, h.proxyIP),
			fmt.Sprintf("or force password:   ssh -o PubkeyAuthentication=no %v@%v", login, h.proxyIP),
		)
	}
	return hints
}

func (h *connHandler) openStay(ctx context.Context, login string) error {
	d := h.decision
	stay, created, err := h.proxy.cfg.Registry.OpenStay(ctx, session.OpenParams{
		Person:       d.Person,
		Backend:      d.Backend,
		Policy:       d.Policy,
		Protocol:     store.ProtocolSSH,
		SourceIP:     h.sourceIP,
		ProxyIP:      h.proxyIP,
		EffectiveEnd: d.EffectiveEnd,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if !created {
		return trace.CompareFailed("unexpected stay reuse for SSH")
	}
	h.stay = stay
	h.reason = store.ReasonClientClosed

	path := filepath.Join(h.proxy.cfg.RecordingDir, stay.ID().String()+".jsonl")
	recorder, err := recording.NewRecorder(path, h.proxy.cfg.Clock)
	if err != nil {
		h.proxy.cfg.Registry.CloseStay(ctx, stay, store.ReasonError)
		return trace.Wrap(err)
	}
	h.recorder = recorder
	stay.SetRecordingPath(path)

	backendID := d.Backend.ID
	h.proxy.cfg.Audit.Emit(store.AuditEntry{
		Actor:    d.Person.Handle,
		Kind:     store.AuditAdmission,
		SourceIP: h.sourceIP,
		Backend:  &backendID,
		Protocol: store.ProtocolSSH,
		Admitted: true,
		Detail:   fmt.Sprintf("stay %v login %v policy %v", stay.ID(), login, d.Policy.ID),
	})
	if h.proxy.cfg.Expiry != nil {
		h.proxy.cfg.Expiry.Poke()
	}
	return nil
}

func (h *connHandler) auditDeny(d *policy.Decision, login, reason string) {
	e := store.AuditEntry{
		Kind:     store.AuditAdmission,
		SourceIP: h.sourceIP,
		Protocol: store.ProtocolSSH,
		Admitted: false,
		Reason:   reason,
		Detail:   fmt.Sprintf("login %v proxy %v", login, h.proxyIP),
	}
	if d.Person != nil {
		e.Actor = d.Person.Handle
	}
	if d.Backend != nil {
		backendID := d.Backend.ID
		e.Backend = &backendID
	}
	h.proxy.cfg.Audit.Emit(e)
}

// setCloseReason records the first meaningful close reason.
func (h *connHandler) setCloseReason(reason store.TerminationReason) {
	h.mu.Lock()
	if h.reason == store.ReasonClientClosed {
		h.reason = reason
	}
	h.mu.Unlock()
}

// finish runs when the client connection goes away or a termination
// closed it: releases forwards, closes the stay and the recording.
func (h *connHandler) finish(ctx context.Context) {
	close(h.done)
	h.mu.Lock()
	forwards := h.forwards
	h.forwards = nil
	reason := h.reason
	h.mu.Unlock()
	for _, l := range forwards {
		l.Close()
	}
	h.wg.Wait()
	if h.recorder != nil {
		h.recorder.Close()
	}
	h.proxy.cfg.Registry.CloseStay(ctx, h.stay, reason)
}

// watchTermination reacts to the stay's kill signal: say goodbye to
// interactive sessions, drop the backend, then drop the client after
// the grace period.
func (h *connHandler) watchTermination(ctx context.Context) {
	defer h.wg.Done()
	select {
	case sig := <-h.stay.TerminationC():
		h.setCloseReason(sig.Reason)
		h.broadcast(fmt.Sprintf("[gateway] session terminated: %v", humanReason(sig.Reason)))
		if h.recorder != nil {
			h.recorder.Note(0, "terminated: "+string(sig.Reason))
		}
		h.bconn.Close()
		h.proxy.cfg.Clock.Sleep(defaults.TerminationGrace)
		h.sconn.Close()
		h.nc.Close()
	case <-ctx.Done():
		h.setCloseReason(store.ReasonError)
		h.bconn.Close()
		h.sconn.Close()
	case <-h.done:
	}
}

// watchWarnings relays expiry warnings into interactive sessions.
func (h *connHandler) watchWarnings() {
	defer h.wg.Done()
	for {
		select {
		case w := <-h.stay.WarningC():
			minutes := int(w.Remaining.Minutes() + 0.5)
			if minutes < 1 {
				minutes = 1
			}
			plural := "s"
			if minutes == 1 {
				plural = ""
			}
			h.broadcast(fmt.Sprintf("[gateway] session expires in %d minute%v", minutes, plural))
		case <-h.done:
			return
		}
	}
}

// broadcast writes a highlighted line to every interactive session.
func (h *connHandler) broadcast(line string) {
	h.mu.Lock()
	shells := append([]*shellSession(nil), h.shells...)
	h.mu.Unlock()
	for _, s := range shells {
		s.writeLine(line)
	}
}

func (h *connHandler) discardBackendChannels(chans <-chan ssh.NewChannel) {
	for nch := range chans {
		// Backends have no business opening channels toward the
		// client through the gateway.
		nch.Reject(ssh.Prohibited, "administratively prohibited")
	}
}

func humanReason(reason store.TerminationReason) string {
	switch reason {
	case store.ReasonPolicyExpired:
		return "policy expired"
	case store.ReasonRevoked:
		return "access revoked"
	default:
		return string(reason)
	}
}
