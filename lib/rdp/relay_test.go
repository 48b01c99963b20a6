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
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pawelmojski/portcullis/lib/recording"
)

// memorySink collects replay events in memory.
type memorySink struct {
	mu     sync.Mutex
	chunks map[string][]byte
	notes  []string
}

func newMemorySink() *memorySink {
	return &memorySink{chunks: make(map[string][]byte)}
}

func (m *memorySink) Write(kind string, channel int, data []byte) error {
	m.mu.Lock()
	m.chunks[kind] = append(m.chunks[kind], data...)
	m.mu.Unlock()
	return nil
}

func (m *memorySink) Note(channel int, reason string) error {
	m.mu.Lock()
	m.notes = append(m.notes, reason)
	m.mu.Unlock()
	return nil
}

func (m *memorySink) bytes(kind string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.chunks[kind]...)
}

func tpkt(body []byte) []byte {
	frame := make([]byte, 4+len(body))
	frame[0] = 3
	frame[2] = byte((len(frame)) >> 8)
	frame[3] = byte(len(frame))
	copy(frame[4:], body)
	return frame
}

func TestReadTPKT(t *testing.T) {
	body := []byte{0x0e, 0xe0, 0, 0, 0, 0, 0}
	frame := tpkt(body)
	got, err := readTPKT(bytes.NewReader(frame))
	require.NoError(t, err)
	require.Equal(t, frame, got)

	_, err = readTPKT(bytes.NewReader([]byte{5, 0, 0, 8, 0, 0, 0, 0}))
	require.Error(t, err, "wrong TPKT version must be rejected")

	_, err = readTPKT(bytes.NewReader([]byte{3, 0}))
	require.Error(t, err, "truncated header must be rejected")
}

// startEchoBackend plays the backend: answer the connection request,
// then speak TLS and echo.
func startEchoBackend(t *testing.T, cert tls.Certificate) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go func(nc net.Conn) {
				defer nc.Close()
				if _, err := readTPKT(nc); err != nil {
					return
				}
				if _, err := nc.Write(tpkt([]byte{0x0e, 0xd0, 0, 0, 0, 0, 0})); err != nil {
					return
				}
				tc := tls.Server(nc, &tls.Config{Certificates: []tls.Certificate{cert}})
				if err := tc.Handshake(); err != nil {
					return
				}
				io.Copy(tc, tc)
			}(nc)
		}
	}()
	return ln.Addr().String()
}

func TestRelaySessionSplice(t *testing.T) {
	cert, err := LoadOrGenerateCert(t.TempDir())
	require.NoError(t, err)
	backendAddr := startEchoBackend(t, cert)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	driver := NewRelayDriver(cert)
	sink := newMemorySink()
	relayDone := make(chan error, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			relayDone <- err
			return
		}
		sess := driver.NewSession(nc)
		if err := sess.Handshake(context.Background()); err != nil {
			relayDone <- err
			return
		}
		sess.SetTarget(backendAddr)
		sess.SetSink(sink)
		_, _, err = sess.Relay(context.Background())
		relayDone <- err
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write(tpkt([]byte{0x0e, 0xe0, 0, 0, 0, 0, 0}))
	require.NoError(t, err)
	cc, err := readTPKT(client)
	require.NoError(t, err)
	require.Equal(t, byte(0xd0), cc[5], "expected a connection confirm")

	tc := tls.Client(client, &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, tc.Handshake())
	_, err = tc.Write([]byte("hello rdp"))
	require.NoError(t, err)
	buf := make([]byte, 9)
	_, err = io.ReadFull(tc, buf)
	require.NoError(t, err)
	require.Equal(t, "hello rdp", string(buf))

	tc.Close()
	require.NoError(t, <-relayDone)

	require.Equal(t, []byte("hello rdp"), sink.bytes(recording.KindClientToServer))
	require.Equal(t, []byte("hello rdp"), sink.bytes(recording.KindServerToClient))
}

func TestRelayRequiresTargetAndSink(t *testing.T) {
	cert, err := LoadOrGenerateCert(t.TempDir())
	require.NoError(t, err)
	driver := NewRelayDriver(cert)

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	sess := driver.NewSession(server)
	_, _, err = sess.Relay(context.Background())
	require.Error(t, err)
}
