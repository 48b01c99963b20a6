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
	"net"
)

// ReplaySink receives replay bytes from a driver session. It matches
// the recording package's payload writer.
type ReplaySink interface {
	Write(kind string, channel int, data []byte) error
	Note(channel int, reason string) error
}

// Session drives one client connection through the MITM. The contract
// mirrors how routing works on a proxy IP: the client leg handshake
// starts before the target is known, and the outbound leg must not
// open until SetTarget was called.
type Session interface {
	// Handshake consumes as much of the client handshake as can be
	// read without a backend.
	Handshake(ctx context.Context) error

	// SetTarget names the backend address. Must precede Relay.
	SetTarget(addr string)

	// SetSink directs replay output. Must precede Relay.
	SetSink(sink ReplaySink)

	// Relay opens the outbound leg and splices until either side
	// closes. Returns client-to-backend and backend-to-client byte
	// counts.
	Relay(ctx context.Context) (in, out int64, err error)

	// Close tears both legs down. Safe to call concurrently with
	// Relay; Relay then returns.
	Close() error
}

// Driver creates MITM sessions. Swapping the underlying RDP
// implementation means swapping the Driver, nothing else.
type Driver interface {
	NewSession(conn net.Conn) Session
}
