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

package rdp

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/pawelmojski/portcullis"
	"github.com/pawelmojski/portcullis/lib/defaults"
	"github.com/pawelmojski/portcullis/lib/recording"
	"github.com/pawelmojski/portcullis/lib/utils"
)

// RelayDriver is the built-in MITM: it passes the X.224 connection
// exchange through verbatim, then terminates TLS on both legs and
// splices decrypted traffic into the replay. It understands RDP at the
// connection-sequence level only; protocol semantics above TLS flow
// through untouched.
type RelayDriver struct {
	cert   tls.Certificate
	dialer func(ctx context.Context, network, addr string) (net.Conn, error)
	log    *logrus.Entry
}

// NewRelayDriver builds the TLS splice driver with the client-facing
// certificate.
func NewRelayDriver(cert tls.Certificate) *RelayDriver {
	d := &net.Dialer{Timeout: defaults.BackendConnectTimeout}
	return &RelayDriver{
		cert:   cert,
		dialer: d.DialContext,
		log:    utils.NewLogger(portcullis.ComponentRDPProxy),
	}
}

// NewSession implements Driver.
func (d *RelayDriver) NewSession(conn net.Conn) Session {
	return &relaySession{driver: d, client: conn}
}

type relaySession struct {
	driver *RelayDriver

	mu      sync.Mutex
	client  net.Conn
	backend net.Conn
	target  string
	sink    ReplaySink
	closed  bool

	// connectionRequest is the client's X.224 CR TPDU, buffered until
	// the target is known.
	connectionRequest []byte
}

// Handshake reads the client's X.224 Connection Request. That is all
// the client sends before it expects a backend answer, so it is the
// natural point to pause while routing resolves.
func (s *relaySession) Handshake(ctx context.Context) error {
	cr, err := readTPKT(s.client)
	if err != nil {
		return trace.Wrap(err)
	}
	s.mu.Lock()
	s.connectionRequest = cr
	s.mu.Unlock()
	return nil
}

func (s *relaySession) SetTarget(addr string) {
	s.mu.Lock()
	s.target = addr
	s.mu.Unlock()
}

func (s *relaySession) SetSink(sink ReplaySink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// Relay opens the backend leg, replays the buffered Connection
// Request, passes the Connection Confirm back, then upgrades both legs
// to TLS and splices.
func (s *relaySession) Relay(ctx context.Context) (in, out int64, err error) {
	s.mu.Lock()
	target, sink, cr := s.target, s.sink, s.connectionRequest
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, 0, trace.ConnectionProblem(nil, "session is closed")
	}
	if target == "" || sink == nil || cr == nil {
		return 0, 0, trace.BadParameter("relay started before handshake, target and sink")
	}

	backend, err := s.driver.dialer(ctx, "tcp", target)
	if err != nil {
		return 0, 0, trace.ConnectionProblem(err, "failed to connect to %v", target)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		backend.Close()
		return 0, 0, trace.ConnectionProblem(nil, "session is closed")
	}
	s.backend = backend
	s.mu.Unlock()

	if _, err := backend.Write(cr); err != nil {
		return 0, 0, trace.ConnectionProblem(err, "failed to forward connection request")
	}
	cc, err := readTPKT(backend)
	if err != nil {
		return 0, 0, trace.ConnectionProblem(err, "failed to read connection confirm")
	}
	if _, err := s.client.Write(cc); err != nil {
		return 0, 0, trace.ConnectionProblem(err, "failed to forward connection confirm")
	}

	clientTLS := tls.Server(s.client, &tls.Config{
		Certificates: []tls.Certificate{s.driver.cert},
		MinVersion:   tls.VersionTLS12,
	})
	backendTLS := tls.Client(backend, &tls.Config{
		// The backend is named by the operator's allocation; there is
		// no name to verify the certificate against.
		InsecureSkipVerify: true,
	})
	if err := backendTLS.HandshakeContext(ctx); err != nil {
		return 0, 0, trace.ConnectionProblem(err, "backend TLS handshake failed")
	}
	if err := clientTLS.HandshakeContext(ctx); err != nil {
		return 0, 0, trace.ConnectionProblem(err, "client TLS handshake failed")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tap := &sinkWriter{sink: sink, kind: recording.KindClientToServer}
		in, _ = io.Copy(io.MultiWriter(backendTLS, tap), clientTLS)
		backendTLS.CloseWrite()
	}()
	tap := &sinkWriter{sink: sink, kind: recording.KindServerToClient}
	out, _ = io.Copy(io.MultiWriter(clientTLS, tap), backendTLS)
	clientTLS.CloseWrite()
	s.client.Close()
	backend.Close()
	wg.Wait()
	return in, out, nil
}

// Close implements Session.
func (s *relaySession) Close() error {
	s.mu.Lock()
	s.closed = true
	client, backend := s.client, s.backend
	s.mu.Unlock()
	var errs []error
	if client != nil {
		errs = append(errs, client.Close())
	}
	if backend != nil {
		errs = append(errs, backend.Close())
	}
	return trace.NewAggregate(errs...)
}

type sinkWriter struct {
	sink ReplaySink
	kind string
}

func (w *sinkWriter) Write(p []byte) (int, error) {
	if err := w.sink.Write(w.kind, 0, p); err != nil {
		return 0, trace.Wrap(err)
	}
	return len(p), nil
}

// tpktHeaderLen is the TPKT header size, RFC 1006.
const tpktHeaderLen = 4

// maxTPDULen bounds a sane X.224 connection TPDU.
const maxTPDULen = 16 * 1024

// readTPKT reads one TPKT-framed TPDU, header included.
func readTPKT(r io.Reader) ([]byte, error) {
	header := make([]byte, tpktHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, trace.ConnectionProblem(err, "failed to read TPKT header")
	}
	if header[0] != 3 {
		return nil, trace.BadParameter("not a TPKT stream, version %d", header[0])
	}
	total := int(binary.BigEndian.Uint16(header[2:4]))
	if total < tpktHeaderLen || total > maxTPDULen {
		return nil, trace.BadParameter("implausible TPKT length %d", total)
	}
	buf := make([]byte, total)
	copy(buf, header)
	if _, err := io.ReadFull(r, buf[tpktHeaderLen:]); err != nil {
		return nil, trace.ConnectionProblem(err, "failed to read TPDU body")
	}
	return buf, nil
}
