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
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/pawelmojski/portcullis"
	"github.com/pawelmojski/portcullis/lib/defaults"
	"github.com/pawelmojski/portcullis/lib/recording"
	"github.com/pawelmojski/portcullis/lib/sshutils"
	"github.com/pawelmojski/portcullis/lib/store"
)

// shellSession is one interactive session channel; gateway lines are
// interleaved with backend output through the same locked writer.
type shellSession struct {
	handler *connHandler
	channel int

	mu         sync.Mutex
	out        io.Writer
	lastActive time.Time
}

// Write relays backend output, stamping activity for the idle check.
func (s *shellSession) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = s.handler.proxy.cfg.Clock.Now()
	return s.out.Write(p)
}

// writeLine injects a gateway line on its own row, CRLF on both sides
// so it survives a raw terminal.
func (s *shellSession) writeLine(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, "\r\n%v\r\n", line)
}

func (s *shellSession) touch() {
	s.mu.Lock()
	s.lastActive = s.handler.proxy.cfg.Clock.Now()
	s.mu.Unlock()
}

func (s *shellSession) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// handleSession relays one session channel between client and backend:
// requests both ways, stdin, stdout and stderr, with interactive
// traffic recorded byte for byte.
func (h *connHandler) handleSession(ctx context.Context, nch ssh.NewChannel) {
	defer h.wg.Done()

	bch, breqs, err := h.bconn.OpenChannel(portcullis.ChanSession, nil)
	if err != nil {
		if openErr, ok := err.(*ssh.OpenChannelError); ok {
			nch.Reject(openErr.Reason, openErr.Message)
		} else {
			nch.Reject(ssh.ConnectionFailed, "backend refused session channel")
		}
		return
	}
	cch, creqs, err := nch.Accept()
	if err != nil {
		bch.Close()
		h.log.WithError(err).Warn("Failed to accept session channel.")
		return
	}

	channel := int(h.channelSeq.Add(1))
	sess := &sessionRelay{
		handler: h,
		channel: channel,
		cch:     cch,
		bch:     bch,
	}
	sess.run(ctx, creqs, breqs)
}

// sessionRelay tracks the lifecycle of one session channel.
type sessionRelay struct {
	handler *connHandler
	channel int
	cch     ssh.Channel
	bch     ssh.Channel

	mu     sync.Mutex
	kind   store.SessionKind
	record *store.Session
	shell  *shellSession
}

func (s *sessionRelay) run(ctx context.Context, creqs, breqs <-chan *ssh.Request) {
	h := s.handler
	var wg sync.WaitGroup

	// Client requests drive the session kind; they are forwarded to
	// the backend verbatim.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for req := range creqs {
			s.observeRequest(ctx, req)
			ok, err := s.bch.SendRequest(req.Type, req.WantReply, req.Payload)
			if err != nil {
				ok = false
			}
			if req.WantReply {
				req.Reply(ok, nil)
			}
		}
		// Client is done sending; let the backend see EOF.
		s.bch.CloseWrite()
	}()

	// Backend requests (exit-status, exit-signal) flow back.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for req := range breqs {
			ok, err := s.cch.SendRequest(req.Type, req.WantReply, req.Payload)
			if err != nil {
				ok = false
			}
			if req.WantReply {
				req.Reply(ok, nil)
			}
		}
	}()

	// stdin: client to backend.
	wg.Add(1)
	go func() {
		defer wg.Done()
		in := s.stdinWriter()
		n, _ := io.Copy(in, s.cch)
		h.stay.AddBytes(n, 0)
		s.bch.CloseWrite()
	}()

	// stderr: backend to client, unrecorded.
	wg.Add(1)
	go func() {
		defer wg.Done()
		n, _ := io.Copy(s.cch.Stderr(), s.bch.Stderr())
		h.stay.AddBytes(0, n)
	}()

	// stdout: backend to client. When the backend closes its side the
	// session is over.
	n, _ := io.Copy(s.stdoutWriter(), s.bch)
	h.stay.AddBytes(0, n)
	s.cch.CloseWrite()

	s.bch.Close()
	s.cch.Close()
	wg.Wait()
	s.close(ctx, store.ReasonClientClosed)
}

// observeRequest classifies the session from the client's requests and
// attaches the session record once the kind is known.
func (s *sessionRelay) observeRequest(ctx context.Context, req *ssh.Request) {
	h := s.handler
	switch req.Type {
	case portcullis.ShellRequest:
		s.attach(ctx, store.SessionShell)
		s.startShell()
	case portcullis.ExecRequest:
		var exec sshutils.ExecReq
		if err := ssh.Unmarshal(req.Payload, &exec); err == nil {
			h.recorder.Note(s.channel, "exec: "+exec.Command)
		}
		s.attach(ctx, store.SessionExec)
	case portcullis.SubsystemRequest:
		var sub sshutils.SubsystemReq
		kind := store.SessionExec
		if err := ssh.Unmarshal(req.Payload, &sub); err == nil && sub.Name == portcullis.SFTPSubsystem {
			kind = store.SessionSFTP
		}
		s.attach(ctx, kind)
	}
}

func (s *sessionRelay) attach(ctx context.Context, kind store.SessionKind) {
	s.mu.Lock()
	if s.record != nil {
		s.mu.Unlock()
		return
	}
	s.kind = kind
	s.mu.Unlock()
	record, err := s.handler.stay.AttachSession(ctx, kind)
	if err != nil {
		s.handler.log.WithError(err).Warn("Failed to attach session.")
		return
	}
	s.mu.Lock()
	s.record = record
	s.mu.Unlock()
	s.handler.recorder.Open(s.channel, string(kind))
}

// startShell turns the relay interactive: recording taps, the
// preamble, expiry warnings and the idle check.
func (s *sessionRelay) startShell() {
	h := s.handler
	shell := &shellSession{
		handler:    h,
		channel:    s.channel,
		out:        s.cch,
		lastActive: h.proxy.cfg.Clock.Now(),
	}
	s.mu.Lock()
	s.shell = shell
	s.mu.Unlock()

	h.mu.Lock()
	h.shells = append(h.shells, shell)
	h.mu.Unlock()

	shell.writeLine(h.preamble())

	h.wg.Add(1)
	go s.idleWatch()
}

// stdinWriter returns where client bytes go: straight to the backend,
// through a keystroke tap once the session turned interactive.
func (s *sessionRelay) stdinWriter() io.Writer {
	return writerFunc(func(p []byte) (int, error) {
		s.mu.Lock()
		shell := s.shell
		s.mu.Unlock()
		if shell != nil {
			shell.touch()
			s.handler.recorder.Write(recording.KindClientToServer, s.channel, p)
		}
		return s.bch.Write(p)
	})
}

// stdoutWriter returns where backend bytes go: the shell writer when
// interactive so gateway lines interleave cleanly, the raw client
// channel otherwise.
func (s *sessionRelay) stdoutWriter() io.Writer {
	return writerFunc(func(p []byte) (int, error) {
		s.mu.Lock()
		shell := s.shell
		s.mu.Unlock()
		if shell != nil {
			s.handler.recorder.Write(recording.KindServerToClient, s.channel, p)
			return shell.Write(p)
		}
		return s.cch.Write(p)
	})
}

// idleWatch closes an interactive session that moved no bytes in
// either direction for the shell idle timeout.
func (s *sessionRelay) idleWatch() {
	h := s.handler
	defer h.wg.Done()
	ticker := h.proxy.cfg.Clock.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			s.mu.Lock()
			shell := s.shell
			s.mu.Unlock()
			if shell == nil {
				return
			}
			idle := h.proxy.cfg.Clock.Since(shell.idleSince())
			if idle < defaults.ShellIdleTimeout {
				continue
			}
			shell.writeLine("[gateway] session closed: idle timeout")
			h.recorder.Note(s.channel, "idle_timeout")
			h.setCloseReason(store.ReasonServerClosed)
			s.bch.Close()
			s.cch.Close()
			return
		case <-h.done:
			return
		}
	}
}

// close detaches the session record once; later calls are no-ops.
func (s *sessionRelay) close(ctx context.Context, reason store.TerminationReason) {
	h := s.handler
	s.mu.Lock()
	record := s.record
	s.record = nil
	shell := s.shell
	s.shell = nil
	s.mu.Unlock()
	if shell != nil {
		h.mu.Lock()
		for i, sh := range h.shells {
			if sh == shell {
				h.shells = append(h.shells[:i], h.shells[i+1:]...)
				break
			}
		}
		h.mu.Unlock()
	}
	if record == nil {
		return
	}
	h.recorder.CloseChannel(s.channel, string(reason))
	h.stay.DetachSession(ctx, record.ID, reason)
}

// preamble is the first gateway line an interactive user sees.
func (h *connHandler) preamble() string {
	d := h.decision
	end := "no expiry"
	if d.EffectiveEnd != nil {
		end = "access until " + d.EffectiveEnd.UTC().Format("2006-01-02 15:04 MST")
	}
	return fmt.Sprintf("[gateway] %v connected to %v, %v, session is recorded",
		d.Person.Handle, d.Backend.Name, end)
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
