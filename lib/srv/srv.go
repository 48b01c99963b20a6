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

// Package srv is the SSH front-end. It terminates the client's SSH
// connection on a proxy IP, decides admission from the source address
// and the local address the client hit, authenticates to the backend
// with the client's forwarded agent or buffered password, and then
// relays channels both ways while recording and enforcing the policy
// that admitted the stay.
package srv

import (
	"context"
	"net"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/pawelmojski/portcullis"
	"github.com/pawelmojski/portcullis/lib/defaults"
	"github.com/pawelmojski/portcullis/lib/policy"
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

// Config holds SSH front-end parameters.
type Config struct {
	// Engine decides admission.
	Engine Decider

	// Registry tracks live stays.
	Registry *session.Registry

	// Audit receives admission and close events.
	Audit Emitter

	// Expiry, when set, is poked after every admission.
	Expiry Poker

	// HostSigner is the gateway host key.
	HostSigner ssh.Signer

	// RecordingDir is where per-stay JSONL recordings are written.
	RecordingDir string

	// Dialer opens backend connections. Defaults to a net.Dialer
	// bounded by the backend connect timeout.
	Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

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
	if c.HostSigner == nil {
		return trace.BadParameter("missing parameter HostSigner")
	}
	if c.RecordingDir == "" {
		return trace.BadParameter("missing parameter RecordingDir")
	}
	if c.Dialer == nil {
		d := &net.Dialer{Timeout: defaults.BackendConnectTimeout}
		c.Dialer = d.DialContext
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = utils.NewLogger(portcullis.ComponentSSHProxy)
	}
	return nil
}

// Proxy serves SSH connections arriving on proxy IPs.
type Proxy struct {
	cfg Config
	log *logrus.Entry
}

// New creates the SSH front-end.
func New(cfg Config) (*Proxy, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Proxy{cfg: cfg, log: cfg.Log}, nil
}

// HandleConnection serves one inbound TCP connection to completion.
// The local address of the socket names the backend; the remote
// address names the person.
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
	h := &connHandler{
		proxy:    p,
		nc:       nc,
		sourceIP: sourceIP,
		proxyIP:  proxyIP,
		log: p.log.WithFields(logrus.Fields{
			"src": sourceIP,
			"dst": proxyIP,
		}),
	}
	h.serve(ctx)
}

func hostOnly(addr net.Addr) (string, error) {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "", trace.BadParameter("invalid address %q: %v", addr, err)
	}
	return host, nil
}
