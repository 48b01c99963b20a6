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

package sshutils

import (
	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"
)

// PTYReqParams is the payload of a "pty-req" request, RFC 4254 6.2.
type PTYReqParams struct {
	Env   string
	W     uint32
	H     uint32
	Wpx   uint32
	Hpx   uint32
	Modes string
}

// WinChangeReqParams is the payload of a "window-change" request.
type WinChangeReqParams struct {
	W   uint32
	H   uint32
	Wpx uint32
	Hpx uint32
}

// ExecReq is the payload of an "exec" request.
type ExecReq struct {
	Command string
}

// SubsystemReq is the payload of a "subsystem" request.
type SubsystemReq struct {
	Name string
}

// EnvReqParams is the payload of an "env" request.
type EnvReqParams struct {
	Name  string
	Value string
}

// ExitStatusReq is the payload of an "exit-status" request.
type ExitStatusReq struct {
	ExitStatus uint32
}

// DirectTCPIPReq is the payload of a "direct-tcpip" channel open, RFC
// 4254 7.2.
type DirectTCPIPReq struct {
	Host     string
	Port     uint32
	Orig     string
	OrigPort uint32
}

// ParseDirectTCPIPReq parses a direct-tcpip channel open payload.
func ParseDirectTCPIPReq(data []byte) (*DirectTCPIPReq, error) {
	var r DirectTCPIPReq
	if err := ssh.Unmarshal(data, &r); err != nil {
		return nil, trace.BadParameter("failed to parse direct-tcpip request: %v", err)
	}
	return &r, nil
}

// TCPIPForwardReq is the payload of a "tcpip-forward" global request,
// RFC 4254 7.1.
type TCPIPForwardReq struct {
	Addr string
	Port uint32
}

// ParseTCPIPForwardReq parses a tcpip-forward global request payload.
func ParseTCPIPForwardReq(data []byte) (*TCPIPForwardReq, error) {
	var r TCPIPForwardReq
	if err := ssh.Unmarshal(data, &r); err != nil {
		return nil, trace.BadParameter("failed to parse tcpip-forward request: %v", err)
	}
	return &r, nil
}

// ForwardedTCPIPData is the payload of a "forwarded-tcpip" channel
// open sent back to the client for a remote forward.
type ForwardedTCPIPData struct {
	Addr     string
	Port     uint32
	OrigAddr string
	OrigPort uint32
}
