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

// Package defaults contains default constants set in various parts of
// the portcullis codebase.
package defaults

import "time"

// Default port numbers.
const (
	// SSHListenPort is the port the SSH front-end binds on every proxy IP.
	SSHListenPort = 22

	// RDPListenPort is the port the RDP front-end binds on every proxy IP.
	RDPListenPort = 3389

	// BackendSSHPort is the SSH port dialed on backends unless the
	// backend record overrides it.
	BackendSSHPort = 22

	// BackendRDPPort is the RDP port dialed on backends unless the
	// backend record overrides it.
	BackendRDPPort = 3389
)

// Timeouts and budgets.
const (
	// BackendConnectTimeout bounds the TCP dial to a backend.
	BackendConnectTimeout = 10 * time.Second

	// BackendAuthTimeout bounds the SSH handshake and authentication
	// against a backend.
	BackendAuthTimeout = 15 * time.Second

	// DecisionBudget is the hard ceiling on one policy engine decision.
	// A slower store converts the decision into a deny.
	DecisionBudget = 500 * time.Millisecond

	// ShellIdleTimeout applies to interactive session channels with no
	// bytes moving in either direction.
	ShellIdleTimeout = 60 * time.Minute

	// RDPIdleTimeout applies to RDP connections.
	RDPIdleTimeout = 15 * time.Minute

	// TerminationGrace is how long the client half of a channel may
	// linger after a termination signal before it is closed by force.
	TerminationGrace = 500 * time.Millisecond

	// RoutingCacheTTL bounds staleness of the in-memory routing table
	// when invalidation notifications are missed.
	RoutingCacheTTL = 5 * time.Second

	// CounterFlushInterval is how often accumulated per-stay byte
	// counters are folded into the store.
	CounterFlushInterval = time.Second
)

// Stay lifecycle.
const (
	// RDPDedupWindow is how long after a stay opens that additional RDP
	// TCP connections with the same identity fold into it, and how long
	// a stay with zero live sessions lingers before closing.
	RDPDedupWindow = 10 * time.Second

	// ExpiryWarningLong is the first advance warning before a stay dies.
	ExpiryWarningLong = 5 * time.Minute

	// ExpiryWarningShort is the final advance warning before a stay dies.
	ExpiryWarningShort = time.Minute

	// ExpiryRecheckInterval bounds how long a revocation committed by
	// another process can go unnoticed. Must stay well under the 2s
	// revocation-to-termination requirement.
	ExpiryRecheckInterval = time.Second
)

// Transcoding.
const (
	// TranscodeWorkers is the default bound on concurrently running
	// transcode jobs.
	TranscodeWorkers = 2

	// TranscodePendingMax is the default cap on queued jobs.
	TranscodePendingMax = 10

	// TranscodePollInterval is the minimum worker poll period.
	TranscodePollInterval = time.Second

	// TranscodeCPUPercentMax kills a transcoder exceeding this CPU share.
	TranscodeCPUPercentMax = 200.0

	// TranscodeRSSMax kills a transcoder exceeding this resident size.
	TranscodeRSSMax = 2 << 30
)

// Group hierarchy.
const (
	// MaxGroupDepth bounds user and server group trees.
	MaxGroupDepth = 10
)

// Persistent state layout under the data directory.
const (
	// HostKeyFile holds the SSH host key, permissions 0600.
	HostKeyFile = "host_key"

	// TLSDir holds RDP TLS materials.
	TLSDir = "tls"

	// RecordingsDir is the root of per-protocol recording directories.
	RecordingsDir = "recordings"
)

// MaxProxyConnections caps concurrently served connections per listener.
const MaxProxyConnections = 512
