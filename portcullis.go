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

package portcullis

// Version is reported by the CLI and embedded into the SSH server
// version string sent to clients.
const Version = "0.9.2"

const (
	// ComponentSSHProxy is the SSH front-end, used for logging
	ComponentSSHProxy = "ssh:proxy"

	// ComponentRDPProxy is the RDP front-end
	ComponentRDPProxy = "rdp:proxy"

	// ComponentPolicy is the policy evaluation engine
	ComponentPolicy = "policy"

	// ComponentSession is the session registry tracking live stays
	ComponentSession = "session"

	// ComponentExpiry is the stay expiry ticker
	ComponentExpiry = "expiry"

	// ComponentStore is the relational policy store
	ComponentStore = "store"

	// ComponentPool is the proxy IP pool and routing table
	ComponentPool = "pool"

	// ComponentAudit is the audit sink
	ComponentAudit = "audit"

	// ComponentTranscode is the replay transcoding queue and workers
	ComponentTranscode = "transcode"

	// ComponentService is the top level process supervisor
	ComponentService = "service"
)

// SSH channel types the front-end dispatches on.
const (
	ChanSession        = "session"
	ChanDirectTCPIP    = "direct-tcpip"
	ChanForwardedTCPIP = "forwarded-tcpip"
	ChanAgent          = "auth-agent@openssh.com"
)

// SSH request types.
const (
	PTYRequest          = "pty-req"
	ShellRequest        = "shell"
	ExecRequest         = "exec"
	SubsystemRequest    = "subsystem"
	EnvRequest          = "env"
	WindowChangeRequest = "window-change"
	AgentForwardRequest = "auth-agent-req@openssh.com"
	TCPIPForwardRequest = "tcpip-forward"
	CancelTCPIPForward  = "cancel-tcpip-forward"
)

// SFTPSubsystem is the only subsystem name the gateway expects to see
// in practice; others are forwarded verbatim.
const SFTPSubsystem = "sftp"
