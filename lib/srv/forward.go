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
	"io"
	"net"
	"strconv"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/pawelmojski/portcullis"
	"github.com/pawelmojski/portcullis/lib/sshutils"
	"github.com/pawelmojski/portcullis/lib/store"
)

// handleDirectTCPIP relays a local forward (ssh -L) to the backend.
// Forward traffic is not recorded; only open, close and byte totals
// land in the recording.
func (h *connHandler) handleDirectTCPIP(ctx context.Context, nch ssh.NewChannel) {
	defer h.wg.Done()

	if !h.decision.AllowPortForwarding {
		nch.Reject(ssh.Prohibited, "port forwarding administratively prohibited")
		return
	}
	req, err := sshutils.ParseDirectTCPIPReq(nch.ExtraData())
	if err != nil {
		nch.Reject(ssh.UnknownChannelType, "failed to parse direct-tcpip request")
		return
	}

	bch, breqs, err := h.bconn.OpenChannel(portcullis.ChanDirectTCPIP, nch.ExtraData())
	if err != nil {
		if openErr, ok := err.(*ssh.OpenChannelError); ok {
			nch.Reject(openErr.Reason, openErr.Message)
		} else {
			nch.Reject(ssh.ConnectionFailed, "backend refused direct-tcpip channel")
		}
		return
	}
	go ssh.DiscardRequests(breqs)
	cch, creqs, err := nch.Accept()
	if err != nil {
		bch.Close()
		return
	}
	go ssh.DiscardRequests(creqs)

	channel := int(h.channelSeq.Add(1))
	record, err := h.stay.AttachSession(ctx, store.SessionDirectTCPIP)
	if err != nil {
		h.log.WithError(err).Warn("Failed to attach forward session.")
		bch.Close()
		cch.Close()
		return
	}
	target := net.JoinHostPort(req.Host, strconv.Itoa(int(req.Port)))
	h.recorder.Open(channel, "direct-tcpip "+target)

	in, out := h.splice(cch, bch)
	h.recorder.CloseChannel(channel, fmt.Sprintf("in=%d out=%d", in, out))
	h.stay.DetachSession(ctx, record.ID, store.ReasonClientClosed)
}

// forwardGlobalRequests serves the two connection-level request
// streams. Remote forward requests terminate at the gateway, which
// listens on the proxy IP; anything else from the client is passed to
// the backend, and backend requests are refused.
func (h *connHandler) forwardGlobalRequests(creqs, breqs <-chan *ssh.Request) {
	go func() {
		for req := range breqs {
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}()
	for req := range creqs {
		switch req.Type {
		case portcullis.TCPIPForwardRequest:
			h.handleTCPIPForward(req)
		case portcullis.CancelTCPIPForward:
			h.handleCancelForward(req)
		default:
			ok, payload, err := h.bconn.SendRequest(req.Type, req.WantReply, req.Payload)
			if err != nil {
				ok = false
			}
			if req.WantReply {
				req.Reply(ok, payload)
			}
		}
	}
}

// handleTCPIPForward opens a listener on the proxy IP for a remote
// forward (ssh -R). Binding to the proxy IP rather than the wildcard
// lets stays behind different proxy IPs claim the same port.
func (h *connHandler) handleTCPIPForward(req *ssh.Request) {
	if !h.decision.AllowPortForwarding {
		if req.WantReply {
			req.Reply(false, nil)
		}
		return
	}
	fwd, err := sshutils.ParseTCPIPForwardReq(req.Payload)
	if err != nil {
		if req.WantReply {
			req.Reply(false, nil)
		}
		return
	}
	listener, err := net.Listen("tcp", net.JoinHostPort(h.proxyIP, strconv.Itoa(int(fwd.Port))))
	if err != nil {
		h.log.WithError(err).Warn("Failed to bind remote forward listener.")
		if req.WantReply {
			req.Reply(false, nil)
		}
		return
	}
	h.mu.Lock()
	h.forwards = append(h.forwards, listener)
	h.mu.Unlock()

	_, portStr, _ := net.SplitHostPort(listener.Addr().String())
	boundPort, _ := strconv.Atoi(portStr)
	if req.WantReply {
		req.Reply(true, ssh.Marshal(struct{ Port uint32 }{Port: uint32(boundPort)}))
	}

	h.wg.Add(1)
	go h.acceptForwarded(listener, fwd.Addr, uint32(boundPort))
}

func (h *connHandler) handleCancelForward(req *ssh.Request) {
	fwd, err := sshutils.ParseTCPIPForwardReq(req.Payload)
	if err != nil {
		if req.WantReply {
			req.Reply(false, nil)
		}
		return
	}
	target := net.JoinHostPort(h.proxyIP, strconv.Itoa(int(fwd.Port)))
	var found bool
	h.mu.Lock()
	for i, l := range h.forwards {
		if l.Addr().String() == target {
			l.Close()
			h.forwards = append(h.forwards[:i], h.forwards[i+1:]...)
			found = true
			break
		}
	}
	h.mu.Unlock()
	if req.WantReply {
		req.Reply(found, nil)
	}
}

// acceptForwarded turns inbound connections on a remote forward
// listener into forwarded-tcpip channels toward the client.
func (h *connHandler) acceptForwarded(listener net.Listener, bindAddr string, port uint32) {
	defer h.wg.Done()
	for {
		nc, err := listener.Accept()
		if err != nil {
			return
		}
		h.wg.Add(1)
		go h.serveForwarded(nc, bindAddr, port)
	}
}

func (h *connHandler) serveForwarded(nc net.Conn, bindAddr string, port uint32) {
	defer h.wg.Done()
	defer nc.Close()

	origHost, origPortStr, err := net.SplitHostPort(nc.RemoteAddr().String())
	if err != nil {
		return
	}
	origPort, _ := strconv.Atoi(origPortStr)
	payload := ssh.Marshal(sshutils.ForwardedTCPIPData{
		Addr:     bindAddr,
		Port:     port,
		OrigAddr: origHost,
		OrigPort: uint32(origPort),
	})
	cch, creqs, err := h.sconn.OpenChannel(portcullis.ChanForwardedTCPIP, payload)
	if err != nil {
		h.log.WithError(err).Debug("Client refused forwarded-tcpip channel.")
		return
	}
	go ssh.DiscardRequests(creqs)

	channel := int(h.channelSeq.Add(1))
	record, err := h.stay.AttachSession(context.Background(), store.SessionForwardedTCPIP)
	if err != nil {
		cch.Close()
		return
	}
	h.recorder.Open(channel, fmt.Sprintf("forwarded-tcpip from %v", nc.RemoteAddr()))

	in, out := h.splice(cch, &connChannel{nc})
	h.recorder.CloseChannel(channel, fmt.Sprintf("in=%d out=%d", in, out))
	h.stay.DetachSession(context.Background(), record.ID, store.ReasonClientClosed)
}

// splice pumps bytes both ways until either side closes, folding the
// totals into the stay counters. Returns client-to-backend and
// backend-to-client byte counts.
func (h *connHandler) splice(client, backend ssh.Channel) (in, out int64) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		in, _ = io.Copy(backend, client)
		backend.CloseWrite()
	}()
	out, _ = io.Copy(client, backend)
	client.CloseWrite()
	wg.Wait()
	client.Close()
	backend.Close()
	h.stay.AddBytes(in, out)
	return in, out
}

// connChannel adapts a raw TCP connection to the half of the ssh.Channel
// surface splice uses.
type connChannel struct {
	net.Conn
}

func (c *connChannel) CloseWrite() error {
	if tc, ok := c.Conn.(*net.TCPConn); ok {
		return tc.CloseWrite()
	}
	return nil
}

func (c *connChannel) SendRequest(name string, wantReply bool, payload []byte) (bool, error) {
	return false, nil
}

func (c *connChannel) Stderr() io.ReadWriter { return nil }
